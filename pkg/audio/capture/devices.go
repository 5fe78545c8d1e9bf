package capture

import (
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/gen2brain/malgo"
)

// DeviceInfo is an immutable snapshot of one capture device.
type DeviceInfo struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	IsDefault bool   `json:"is_default"`
}

// DeviceEventKind classifies a device-change event.
type DeviceEventKind string

const (
	DeviceAdded    DeviceEventKind = "added"
	DeviceRemoved  DeviceEventKind = "removed"
	DefaultChanged DeviceEventKind = "default-changed"
)

// DeviceEvent is published by the [Monitor] when the capture device set
// changes between polls.
type DeviceEvent struct {
	Kind   DeviceEventKind
	Device DeviceInfo
}

// ListDevices enumerates the currently attached capture devices using a
// short-lived malgo context.
func ListDevices() ([]DeviceInfo, error) {
	ctx, err := malgo.InitContext(nil, malgo.ContextConfig{}, nil)
	if err != nil {
		return nil, fmt.Errorf("capture: init context: %w", err)
	}
	defer func() {
		_ = ctx.Uninit()
		ctx.Free()
	}()
	return enumerate(ctx)
}

// enumerate lists capture devices through an existing context.
func enumerate(ctx *malgo.AllocatedContext) ([]DeviceInfo, error) {
	infos, err := ctx.Devices(malgo.Capture)
	if err != nil {
		return nil, fmt.Errorf("capture: enumerate devices: %w", err)
	}
	devices := make([]DeviceInfo, 0, len(infos))
	for i := range infos {
		name := infos[i].Name()
		// The null backend exposes a discard sink that is useless for dictation.
		if strings.Contains(name, "Discard all samples") {
			continue
		}
		devices = append(devices, DeviceInfo{
			ID:        infos[i].ID.String(),
			Name:      name,
			IsDefault: infos[i].IsDefault == 1,
		})
	}
	return devices, nil
}

// findDevice resolves a device name to a malgo device: exact name match
// first, then substring match, then the system default. An empty name (or
// "default") selects the system default directly.
func findDevice(infos []malgo.DeviceInfo, name string) (*malgo.DeviceInfo, bool) {
	if name != "" && name != "default" {
		for i := range infos {
			if infos[i].Name() == name {
				return &infos[i], true
			}
		}
		lower := strings.ToLower(name)
		for i := range infos {
			if strings.Contains(strings.ToLower(infos[i].Name()), lower) {
				return &infos[i], true
			}
		}
	}
	for i := range infos {
		if infos[i].IsDefault == 1 {
			return &infos[i], name == "" || name == "default"
		}
	}
	if len(infos) > 0 {
		return &infos[0], name == "" || name == "default"
	}
	return nil, false
}

// Monitor polls the capture-device set and publishes [DeviceEvent]s when
// devices appear, disappear, or the system default moves. It uses polling
// because malgo's hot-plug notification support is uneven across backends.
type Monitor struct {
	interval time.Duration
	events   chan DeviceEvent

	mu   sync.Mutex
	last []DeviceInfo

	done     chan struct{}
	stopOnce sync.Once
}

// MonitorOption configures a [Monitor].
type MonitorOption func(*Monitor)

// WithPollInterval sets the polling interval. The default is 2 seconds.
func WithPollInterval(d time.Duration) MonitorOption {
	return func(m *Monitor) {
		if d > 0 {
			m.interval = d
		}
	}
}

// NewMonitor takes an initial snapshot and starts polling in a background
// goroutine. Call [Monitor.Stop] to release it.
func NewMonitor(opts ...MonitorOption) (*Monitor, error) {
	m := &Monitor{
		interval: 2 * time.Second,
		events:   make(chan DeviceEvent, 16),
		done:     make(chan struct{}),
	}
	for _, o := range opts {
		o(m)
	}

	devices, err := ListDevices()
	if err != nil {
		return nil, fmt.Errorf("capture: monitor initial snapshot: %w", err)
	}
	m.last = devices

	go m.poll()
	return m, nil
}

// Devices returns the most recent snapshot.
func (m *Monitor) Devices() []DeviceInfo {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]DeviceInfo, len(m.last))
	copy(out, m.last)
	return out
}

// Events returns the channel on which device changes are published. Events
// are dropped rather than blocking when the subscriber lags.
func (m *Monitor) Events() <-chan DeviceEvent { return m.events }

// Stop stops the polling goroutine. Safe to call more than once.
func (m *Monitor) Stop() {
	m.stopOnce.Do(func() { close(m.done) })
}

func (m *Monitor) poll() {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-m.done:
			return
		case <-ticker.C:
			m.check()
		}
	}
}

// check diffs a fresh snapshot against the previous one and emits events.
func (m *Monitor) check() {
	devices, err := ListDevices()
	if err != nil {
		slog.Warn("device monitor: enumeration failed", "err", err)
		return
	}

	m.mu.Lock()
	prev := m.last
	m.last = devices
	m.mu.Unlock()

	prevByID := make(map[string]DeviceInfo, len(prev))
	for _, d := range prev {
		prevByID[d.ID] = d
	}
	curByID := make(map[string]DeviceInfo, len(devices))
	for _, d := range devices {
		curByID[d.ID] = d
	}

	for _, d := range devices {
		if _, ok := prevByID[d.ID]; !ok {
			m.emit(DeviceEvent{Kind: DeviceAdded, Device: d})
		}
	}
	for _, d := range prev {
		if _, ok := curByID[d.ID]; !ok {
			m.emit(DeviceEvent{Kind: DeviceRemoved, Device: d})
		}
	}
	if pd, ok := defaultOf(prev); ok {
		if cd, ok2 := defaultOf(devices); ok2 && cd.ID != pd.ID {
			m.emit(DeviceEvent{Kind: DefaultChanged, Device: cd})
		}
	}
}

func defaultOf(devices []DeviceInfo) (DeviceInfo, bool) {
	for _, d := range devices {
		if d.IsDefault {
			return d, true
		}
	}
	return DeviceInfo{}, false
}

func (m *Monitor) emit(ev DeviceEvent) {
	select {
	case m.events <- ev:
	default:
		slog.Debug("device monitor: event dropped, subscriber lagging", "kind", ev.Kind)
	}
}
