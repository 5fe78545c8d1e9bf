package events

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/coder/websocket"
)

// Server exposes the event bus over a local WebSocket endpoint. The UI
// connects to ws://<addr>/events and receives each [Event] as one JSON text
// message.
type Server struct {
	bus  *Bus
	srv  *http.Server
	addr string
}

// NewServer creates a Server bound to addr (e.g. "127.0.0.1:3440").
func NewServer(addr string, bus *Bus) *Server {
	s := &Server{bus: bus, addr: addr}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /events", s.handleEvents)
	s.srv = &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

// Start begins listening. It returns once the listener is bound; serving
// continues in a background goroutine until [Server.Shutdown].
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return err
	}
	go func() {
		if err := s.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("event server", "err", err)
		}
	}()
	slog.Info("event server listening", "addr", s.addr)
	return nil
}

// Shutdown stops the server, closing all subscriber connections.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

// handleEvents upgrades the connection and streams bus events until the
// client disconnects.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		// The UI runs on the same machine; cross-origin is expected for
		// packaged frontends.
		InsecureSkipVerify: true,
	})
	if err != nil {
		slog.Warn("event server: accept", "err", err)
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "server closing")

	ch, cancel := s.bus.Subscribe(256)
	defer cancel()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			data, err := json.Marshal(ev)
			if err != nil {
				slog.Warn("event server: marshal", "type", ev.Type, "err", err)
				continue
			}
			writeCtx, cancelWrite := context.WithTimeout(ctx, 5*time.Second)
			err = conn.Write(writeCtx, websocket.MessageText, data)
			cancelWrite()
			if err != nil {
				return
			}
		}
	}
}
