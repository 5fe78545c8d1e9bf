// Package events carries the core → UI notification stream: partial
// transcripts, finalisation, processing status, device changes, and
// recording interruptions. A process-local Bus fans events out to
// subscribers; the WebSocket server in this package exposes the same stream
// to external UIs.
package events

import (
	"log/slog"
	"sync"
)

// Type enumerates the event kinds pushed from the core.
type Type string

const (
	// TypePartialTranscript carries monotonically growing streaming text.
	TypePartialTranscript Type = "partial-transcript"

	// TypeTranscriptFinalized fires exactly once per successful session.
	TypeTranscriptFinalized Type = "transcript-finalized"

	// TypeProcessingStatus tracks the session state machine.
	TypeProcessingStatus Type = "processing-status"

	// TypeDeviceChanged mirrors the device monitor.
	TypeDeviceChanged Type = "device-changed"

	// TypeRecordingInterrupted fires on device loss or a fatal error while
	// recording.
	TypeRecordingInterrupted Type = "recording-interrupted"
)

// Event is one notification. Payload is one of the typed payload structs
// below and serialises to the wire as-is.
type Event struct {
	Type    Type `json:"type"`
	Payload any  `json:"payload"`
}

// PartialTranscript is the payload of [TypePartialTranscript].
type PartialTranscript struct {
	SeqIDUpTo int64  `json:"seq_id_up_to"`
	Text      string `json:"text"`
}

// TranscriptFinalized is the payload of [TypeTranscriptFinalized].
type TranscriptFinalized struct {
	TranscriptID string `json:"transcript_id"`
	Text         string `json:"text"`
	DurationMs   int64  `json:"duration_ms"`
}

// ProcessingStatus is the payload of [TypeProcessingStatus].
type ProcessingStatus struct {
	State  string `json:"state"`
	Detail string `json:"detail,omitempty"`
}

// DeviceChanged is the payload of [TypeDeviceChanged].
type DeviceChanged struct {
	Kind       string `json:"kind"`
	DeviceName string `json:"device_name"`
}

// RecordingInterrupted is the payload of [TypeRecordingInterrupted].
type RecordingInterrupted struct {
	Reason string `json:"reason"`
}

// Bus is an in-process fan-out of [Event]s. Publishing never blocks; a
// subscriber that stops draining loses events rather than stalling the
// session pipeline. Safe for concurrent use.
type Bus struct {
	mu   sync.Mutex
	subs map[int]chan Event
	next int
}

// NewBus creates an empty Bus.
func NewBus() *Bus {
	return &Bus{subs: make(map[int]chan Event)}
}

// Subscribe registers a subscriber with the given channel buffer and returns
// the receive channel plus an unsubscribe function. The channel is closed on
// unsubscribe.
func (b *Bus) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 64
	}
	ch := make(chan Event, buffer)

	b.mu.Lock()
	id := b.next
	b.next++
	b.subs[id] = ch
	b.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
			close(ch)
		})
	}
	return ch, cancel
}

// Publish delivers ev to every subscriber without blocking.
func (b *Bus) Publish(ev Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for id, ch := range b.subs {
		select {
		case ch <- ev:
		default:
			slog.Debug("event dropped for lagging subscriber", "subscriber", id, "type", ev.Type)
		}
	}
}
