// Package app wires the Scout subsystems into a running application and
// exposes the command surface invoked by the UI.
//
// The App struct owns the full lifecycle: New creates and connects all
// subsystems, Run executes until the context ends, and Shutdown tears
// everything down in order. For testing, inject doubles via functional
// options (WithStore, WithRecorder, WithTranscriber, WithClipboard); when an
// option is not provided, New creates the real implementation from config.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/arach/scout/internal/clipboard"
	"github.com/arach/scout/internal/config"
	"github.com/arach/scout/internal/dictionary"
	"github.com/arach/scout/internal/events"
	"github.com/arach/scout/internal/observe"
	"github.com/arach/scout/internal/post"
	"github.com/arach/scout/internal/session"
	"github.com/arach/scout/internal/store"
	"github.com/arach/scout/internal/store/postgres"
	"github.com/arach/scout/internal/strategy"
	"github.com/arach/scout/internal/webhook"
	"github.com/arach/scout/pkg/audio"
	"github.com/arach/scout/pkg/audio/capture"
	"github.com/arach/scout/pkg/audio/convert"
	"github.com/arach/scout/pkg/model"
)

// Version is stamped at build time via -ldflags.
var Version = "dev"

// App owns all subsystem lifetimes.
type App struct {
	cfg *config.Config
	bus *events.Bus

	st         store.Store
	cache      *model.Cache
	recorder   session.Recorder
	realRec    *capture.Recorder
	monitor    *capture.Monitor
	controller *session.Controller
	processor  *post.Processor
	converter  *convert.Converter
	clip       post.Clipboard
	transOnce  sync.Once
	trans      strategy.Transcriber
	transErr   error
	evServer   *events.Server

	// closers are called in reverse order during Shutdown.
	closers  []func(context.Context) error
	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithStore injects a persistence store instead of connecting from config.
func WithStore(s store.Store) Option {
	return func(a *App) { a.st = s }
}

// WithRecorder injects a recorder instead of opening the audio backend.
func WithRecorder(r session.Recorder) Option {
	return func(a *App) { a.recorder = r }
}

// WithTranscriber injects an inference implementation instead of loading the
// whisper model from config.
func WithTranscriber(t strategy.Transcriber) Option {
	return func(a *App) { a.trans = t }
}

// WithClipboard injects a clipboard implementation.
func WithClipboard(c post.Clipboard) Option {
	return func(a *App) { a.clip = c }
}

// New wires the application. Construction is synchronous: storage
// connection, model cache creation (the model itself loads lazily on first
// use), recorder setup, and controller assembly.
func New(ctx context.Context, cfg *config.Config, opts ...Option) (*App, error) {
	a := &App{
		cfg: cfg,
		bus: events.NewBus(),
	}
	for _, o := range opts {
		o(a)
	}

	// ── 1. Storage ───────────────────────────────────────────────────────
	if a.st == nil && cfg.Storage.PostgresDSN != "" {
		st, err := postgres.NewStore(ctx, cfg.Storage.PostgresDSN)
		if err != nil {
			return nil, fmt.Errorf("app: init storage: %w", err)
		}
		a.st = st
		a.closers = append(a.closers, func(context.Context) error {
			st.Close()
			return nil
		})
	}

	// ── 2. Model cache ───────────────────────────────────────────────────
	a.cache = model.NewCache(
		model.WithLanguage(cfg.Model.Language),
		model.WithMemoryCeiling(int64(cfg.Model.MemoryCeilingMB)*1024*1024),
	)
	a.closers = append(a.closers, func(context.Context) error {
		a.cache.Close()
		return nil
	})

	// ── 3. Recorder ──────────────────────────────────────────────────────
	if a.recorder == nil {
		rec, err := capture.NewRecorder()
		if err != nil {
			return nil, fmt.Errorf("app: init recorder: %w", err)
		}
		a.realRec = rec
		a.recorder = rec
		a.closers = append(a.closers, func(context.Context) error {
			rec.Close()
			return nil
		})
	}

	// ── 4. Post-processor ────────────────────────────────────────────────
	if a.clip == nil {
		a.clip = clipboard.New()
	}
	hooks := webhook.NewDispatcher(webhook.WithLogSink(a.webhookSink()))
	a.processor = post.NewProcessor(a.st, dictionary.NewEngine(nil), hooks, a.clip, post.Options{
		AutoCopy:     cfg.Post.AutoCopy,
		AutoPaste:    cfg.Post.AutoPaste,
		PersistEmpty: cfg.Post.PersistEmpty,
		AppVersion:   Version,
	})

	// ── 5. Converter ─────────────────────────────────────────────────────
	a.converter = &convert.Converter{}

	// ── 6. Session controller ────────────────────────────────────────────
	ctl, err := session.NewController(session.Config{
		Recorder:         a.recorder,
		Transcriber:      lazyTranscriber{a},
		Post:             a.processor,
		Bus:              a.bus,
		Params:           a.strategyParams(),
		RecordingsDir:    cfg.Audio.RecordingsDir,
		RetentionSamples: cfg.Audio.RetentionSeconds * audio.SampleRate,
		ModelName:        cfg.Model.Path,
		PushToTalkCap:    time.Duration(cfg.Transcription.PushToTalkCapSeconds) * time.Second,
	})
	if err != nil {
		return nil, fmt.Errorf("app: init session controller: %w", err)
	}
	a.controller = ctl

	return a, nil
}

// strategyParams maps config onto strategy tunables.
func (a *App) strategyParams() strategy.Params {
	tr := a.cfg.Transcription
	metrics := observe.DefaultMetrics()
	return strategy.Params{
		ChunkDuration: time.Duration(tr.ChunkDurationMs) * time.Millisecond,
		Overlap:       time.Duration(tr.OverlapMs) * time.Millisecond,
		MinChunk:      time.Duration(tr.MinChunkMs) * time.Millisecond,
		MaxWorkers:    tr.MaxParallelWorkers,
		RetryMax:      tr.RetryMax,
		RetryBackoff:  time.Duration(tr.RetryBackoffMs) * time.Millisecond,
		PollInterval:  time.Duration(tr.PollIntervalMs) * time.Millisecond,
		DrainGrace:    time.Duration(tr.DrainGraceSeconds) * time.Second,
		OnPressure: func() {
			metrics.RetentionPressure.Add(context.Background(), 1)
		},
	}
}

// webhookSink returns the delivery log sink, nil-safe for store-less runs.
// Outcomes are counted either way.
func (a *App) webhookSink() webhook.LogSink {
	var inner webhook.LogSink
	if a.st != nil {
		inner = a.st
	}
	return meteredSink{inner: inner}
}

// meteredSink counts webhook outcomes before forwarding to storage.
type meteredSink struct {
	inner webhook.LogSink
}

func (m meteredSink) LogDelivery(ctx context.Context, entry webhook.DeliveryLog) error {
	observe.DefaultMetrics().RecordWebhook(ctx, entry.Error == "")
	if m.inner == nil {
		return nil
	}
	return m.inner.LogDelivery(ctx, entry)
}

// lazyTranscriber defers model loading to the first transcription so startup
// stays fast and a missing model only fails the commands that need it.
type lazyTranscriber struct {
	a *App
}

func (l lazyTranscriber) TranscribeAt(ctx context.Context, wavPath string, baseMs int64) (model.Result, error) {
	trans, err := l.a.transcriber()
	if err != nil {
		return model.Result{}, err
	}
	started := time.Now()
	res, err := trans.TranscribeAt(ctx, wavPath, baseMs)
	status := "success"
	if err != nil {
		status = "failed"
	}
	observe.DefaultMetrics().RecordChunk(ctx, status, time.Since(started).Seconds())
	return res, err
}

// transcriber resolves the inference implementation exactly once: the
// injected double in tests, otherwise the cached whisper handle.
func (a *App) transcriber() (strategy.Transcriber, error) {
	a.transOnce.Do(func() {
		if a.trans != nil {
			return
		}
		if a.cfg.Model.Path == "" {
			a.transErr = errors.New("app: model.path is not configured")
			return
		}
		started := time.Now()
		handle, err := a.cache.Acquire(a.cfg.Model.Path)
		if err != nil {
			a.transErr = err
			return
		}
		observe.DefaultMetrics().ModelLoadDuration.Record(context.Background(), time.Since(started).Seconds())
		a.trans = handle
	})
	return a.trans, a.transErr
}

// Bus exposes the event bus (the UI transport and tests subscribe here).
func (a *App) Bus() *events.Bus { return a.bus }

// Run starts the long-running services (event server, metrics endpoint,
// device monitor) and blocks until ctx is cancelled.
func (a *App) Run(ctx context.Context) error {
	if addr := a.cfg.Events.ListenAddr; addr != "" {
		a.evServer = events.NewServer(addr, a.bus)
		if err := a.evServer.Start(); err != nil {
			return fmt.Errorf("app: event server: %w", err)
		}
		a.closers = append(a.closers, a.evServer.Shutdown)
	}

	if addr := a.cfg.Observability.ListenAddr; addr != "" {
		shutdown, err := observe.ServeMetrics(addr)
		if err != nil {
			return fmt.Errorf("app: metrics server: %w", err)
		}
		a.closers = append(a.closers, shutdown)
	}

	if a.realRec != nil {
		monitor, err := capture.NewMonitor(
			capture.WithPollInterval(time.Duration(a.cfg.Audio.DevicePollSeconds) * time.Second),
		)
		if err != nil {
			slog.Warn("device monitor unavailable", "err", err)
		} else {
			a.monitor = monitor
			a.closers = append(a.closers, func(context.Context) error {
				monitor.Stop()
				return nil
			})
			go a.forwardDeviceEvents(ctx, monitor.Events())
		}
	}

	go a.observeSessions(ctx)

	slog.Info("scout core running",
		"model", a.cfg.Model.Path,
		"events_addr", a.cfg.Events.ListenAddr,
	)
	<-ctx.Done()
	return ctx.Err()
}

// observeSessions derives the session metrics from the event stream: the
// active-session gauge, session duration, and first-partial latency. Driving
// them off the bus keeps auto-stops (push-to-talk cap, device loss) counted
// identically to user stops.
func (a *App) observeSessions(ctx context.Context) {
	ch, cancel := a.bus.Subscribe(128)
	defer cancel()

	metrics := observe.DefaultMetrics()
	var (
		active     bool
		started    time.Time
		sawPartial bool
	)
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			switch ev.Type {
			case events.TypeProcessingStatus:
				status, _ := ev.Payload.(events.ProcessingStatus)
				switch status.State {
				case string(session.StateRecording):
					if !active {
						active = true
						started = time.Now()
						sawPartial = false
						metrics.ActiveSessions.Add(ctx, 1)
					}
				case string(session.StateDone), string(session.StateFailed):
					if active {
						active = false
						metrics.ActiveSessions.Add(ctx, -1)
						metrics.SessionDuration.Record(ctx, time.Since(started).Seconds())
					}
				}
			case events.TypePartialTranscript:
				if active && !sawPartial {
					sawPartial = true
					metrics.FirstResultLatency.Record(ctx, time.Since(started).Seconds())
				}
			}
		}
	}
}

// forwardDeviceEvents republishes device monitor events on the bus.
func (a *App) forwardDeviceEvents(ctx context.Context, ch <-chan capture.DeviceEvent) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			a.bus.Publish(events.Event{
				Type:    events.TypeDeviceChanged,
				Payload: events.DeviceChanged{Kind: string(ev.Kind), DeviceName: ev.Device.Name},
			})
		}
	}
}

// Shutdown tears down all subsystems in reverse-init order, bounded by ctx.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		// An active session ends cleanly before anything it uses closes.
		if a.controller.IsRecording() {
			if _, err := a.controller.Stop(ctx); err != nil {
				slog.Warn("stop active session during shutdown", "err", err)
			}
		}
		a.processor.Wait()

		for i := len(a.closers) - 1; i >= 0; i-- {
			select {
			case <-ctx.Done():
				slog.Warn("shutdown deadline exceeded", "remaining", i+1)
				shutdownErr = ctx.Err()
				return
			default:
			}
			if err := a.closers[i](ctx); err != nil {
				slog.Warn("closer error", "index", i, "err", err)
			}
		}
		slog.Info("shutdown complete")
	})
	return shutdownErr
}
