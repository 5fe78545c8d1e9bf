// Package capture opens platform audio input devices through malgo
// (miniaudio), normalises whatever the hardware delivers to the canonical
// 16 kHz mono float32 stream, and maintains the live input level meter.
//
// The malgo data callback runs on a driver-owned real-time thread. Everything
// on that path is wait-free: samples are decoded into a reused scratch
// buffer, handed to the registered sample callback (which appends to the ring
// buffer), and forwarded to the file-writer goroutine through a buffered
// channel with a non-blocking send. File I/O, logging, and RMS windowing all
// happen off the callback thread.
package capture

import (
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gen2brain/malgo"

	"github.com/arach/scout/pkg/audio"
)

var (
	// ErrAlreadyRecording is returned by Start while a capture is active.
	ErrAlreadyRecording = errors.New("capture: already recording")

	// ErrNotRecording is returned by Stop when no capture is active.
	ErrNotRecording = errors.New("capture: not recording")

	// ErrNoDevice is returned when no capture device could be resolved.
	ErrNoDevice = errors.New("capture: no capture device available")

	// ErrDeviceLost indicates the active device disappeared mid-recording.
	ErrDeviceLost = errors.New("capture: device lost")
)

// silencePadMs is the length of the silence pad written before and after the
// captured audio. Very short recordings are unstable through the model
// without it.
const silencePadMs = 100

// levelWindow is the RMS metering window in samples (100 ms).
const levelWindow = audio.SampleRate / 10

// ConfigMismatch records one divergence between the requested capture
// configuration and what the device reports natively.
type ConfigMismatch struct {
	Field     string `json:"field"`
	Requested string `json:"requested"`
	Actual    string `json:"actual"`
}

// Metadata describes the resolved capture configuration for a session. It is
// persisted into the transcript's audio metadata for downstream diagnosis of
// devices (Bluetooth HFP in particular) that misreport their formats.
type Metadata struct {
	DeviceName          string           `json:"device_name"`
	DeviceID            string           `json:"device_id"`
	RequestedSampleRate int              `json:"requested_sample_rate"`
	RequestedChannels   int              `json:"requested_channels"`
	Mismatches          []ConfigMismatch `json:"mismatches,omitempty"`
}

// SampleCallback receives normalised mono float32 samples on the capture
// thread. Implementations must be wait-free: no allocation, no locks shared
// with slow code, no I/O.
type SampleCallback func(samples []float32)

// Recorder owns one malgo context and at most one active capture stream.
// All methods are safe for concurrent use.
type Recorder struct {
	ctx *malgo.AllocatedContext

	mu        sync.Mutex
	recording bool
	device    *malgo.Device
	selected  *malgo.DeviceInfo
	meta      Metadata
	writer    *WAVWriter
	fileCh    chan []float32
	fileDone  chan struct{}
	userStop  atomic.Bool

	level      atomic.Uint32 // math.Float32bits of the current RMS level
	deviceLost chan struct{}

	// scratch is reused across data callbacks; it only grows, and growth is
	// confined to the first few callbacks of a stream.
	scratch []float32
	pool    sync.Pool
}

// NewRecorder initialises the platform audio backend. Call [Recorder.Close]
// to release it.
func NewRecorder() (*Recorder, error) {
	ctx, err := malgo.InitContext(nil, malgo.ContextConfig{}, nil)
	if err != nil {
		return nil, fmt.Errorf("capture: init audio backend: %w", err)
	}
	r := &Recorder{
		ctx:     ctx,
		scratch: make([]float32, 4096),
	}
	r.pool.New = func() any {
		s := make([]float32, 0, 4096)
		return &s
	}
	return r, nil
}

// Initialize resolves deviceName (exact match, then substring, then the
// system default) and records any configuration mismatches against the
// canonical capture format. It may be called again between recordings to
// switch devices.
func (r *Recorder) Initialize(deviceName string) (Metadata, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.recording {
		return Metadata{}, ErrAlreadyRecording
	}

	infos, err := r.ctx.Devices(malgo.Capture)
	if err != nil {
		return Metadata{}, fmt.Errorf("capture: enumerate devices: %w", err)
	}
	selected, exact := findDevice(infos, deviceName)
	if selected == nil {
		return Metadata{}, ErrNoDevice
	}

	meta := Metadata{
		DeviceName:          selected.Name(),
		DeviceID:            selected.ID.String(),
		RequestedSampleRate: audio.SampleRate,
		RequestedChannels:   audio.Channels,
	}
	if deviceName != "" && deviceName != "default" && !exact {
		meta.Mismatches = append(meta.Mismatches, ConfigMismatch{
			Field:     "device",
			Requested: deviceName,
			Actual:    selected.Name(),
		})
		slog.Warn("requested capture device not found, using fallback",
			"requested", deviceName, "actual", selected.Name())
	}
	// Devices that cannot run the canonical format natively (Bluetooth HFP
	// headsets in particular) are converted inside the capture backend; the
	// conversion itself is invisible here, so the name-based annotation is
	// what survives into audio metadata for downstream diagnosis.
	if isKnownRateLiar(selected.Name()) {
		meta.Mismatches = append(meta.Mismatches, ConfigMismatch{
			Field:     "sample_rate",
			Requested: fmt.Sprintf("%d", audio.SampleRate),
			Actual:    "device-converted",
		})
	}

	r.selected = selected
	r.meta = meta
	return meta, nil
}

// Start opens the capture stream and begins writing the WAV file at
// outputPath. cb receives every normalised sample block on the capture
// thread. Returns [ErrAlreadyRecording] if a capture is active.
func (r *Recorder) Start(outputPath string, cb SampleCallback) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.recording {
		return ErrAlreadyRecording
	}
	if r.selected == nil {
		if _, err := r.initializeLocked(); err != nil {
			return err
		}
	}

	writer, err := NewWAVWriter(outputPath, audio.SampleRate)
	if err != nil {
		return err
	}

	r.writer = writer
	r.fileCh = make(chan []float32, 256)
	r.fileDone = make(chan struct{})
	r.deviceLost = make(chan struct{})
	r.userStop.Store(false)
	r.level.Store(0)

	go r.fileLoop(writer, r.fileCh, r.fileDone)

	deviceConfig := malgo.DefaultDeviceConfig(malgo.Capture)
	deviceConfig.Capture.Format = malgo.FormatF32
	deviceConfig.Capture.Channels = audio.Channels
	deviceConfig.SampleRate = audio.SampleRate
	deviceConfig.Alsa.NoMMap = 1
	deviceConfig.Capture.DeviceID = r.selected.ID.Pointer()

	lost := r.deviceLost
	fileCh := r.fileCh
	callbacks := malgo.DeviceCallbacks{
		Data: func(_, input []byte, frameCount uint32) {
			r.onFrames(input, frameCount, cb, fileCh)
		},
		Stop: func() {
			// Fires on both user stop and device disappearance; only the
			// latter is an interruption.
			if !r.userStop.Load() {
				select {
				case <-lost:
				default:
					close(lost)
				}
			}
		},
	}

	device, err := malgo.InitDevice(r.ctx.Context, deviceConfig, callbacks)
	if err != nil {
		r.teardownFileLoop()
		return fmt.Errorf("capture: init device %q: %w", r.meta.DeviceName, err)
	}
	if err := device.Start(); err != nil {
		device.Uninit()
		r.teardownFileLoop()
		return fmt.Errorf("capture: start device %q: %w", r.meta.DeviceName, err)
	}

	r.device = device
	r.recording = true
	slog.Info("recording started", "device", r.meta.DeviceName, "path", outputPath)
	return nil
}

// isKnownRateLiar reports whether the device family is known to advertise
// rates it does not actually capture at (Bluetooth hands-free profiles).
func isKnownRateLiar(name string) bool {
	lower := strings.ToLower(name)
	for _, marker := range []string{"airpods", "bluetooth", "hands-free", "hfp"} {
		if strings.Contains(lower, marker) {
			return true
		}
	}
	return false
}

// initializeLocked resolves the default device. Caller holds r.mu.
func (r *Recorder) initializeLocked() (Metadata, error) {
	r.mu.Unlock()
	defer r.mu.Lock()
	return r.Initialize("")
}

// onFrames runs on the capture thread: decode, forward, meter.
func (r *Recorder) onFrames(input []byte, frameCount uint32, cb SampleCallback, fileCh chan []float32) {
	n := int(frameCount) * audio.Channels
	if len(input) < n*4 {
		return
	}
	if cap(r.scratch) < n {
		r.scratch = make([]float32, n)
	}
	samples := r.scratch[:n]
	for i := range n {
		bits := uint32(input[i*4]) | uint32(input[i*4+1])<<8 |
			uint32(input[i*4+2])<<16 | uint32(input[i*4+3])<<24
		samples[i] = math.Float32frombits(bits)
	}

	if cb != nil {
		cb(samples)
	}

	// Hand a pooled copy to the file/meter goroutine. Dropping under
	// pressure only degrades the debug WAV; the ring buffer already has the
	// samples.
	bufp := r.pool.Get().(*[]float32)
	buf := append((*bufp)[:0], samples...)
	*bufp = buf
	select {
	case fileCh <- buf:
	default:
		r.pool.Put(bufp)
	}
}

// fileLoop drains sample blocks, writes them to the WAV file, and maintains
// the RMS level over a sliding window.
func (r *Recorder) fileLoop(writer *WAVWriter, in <-chan []float32, done chan<- struct{}) {
	defer close(done)

	pad := make([]float32, audio.SamplesForDuration(silencePadMs))
	if err := writer.Write(pad); err != nil {
		slog.Warn("wav writer: leading pad", "err", err)
	}

	window := make([]float32, 0, levelWindow)
	for block := range in {
		if err := writer.Write(block); err != nil {
			slog.Warn("wav writer: data block", "err", err)
		}

		window = append(window, block...)
		if len(window) > levelWindow {
			window = window[len(window)-levelWindow:]
		}
		r.level.Store(math.Float32bits(float32(audio.RMS(window))))

		buf := block
		r.pool.Put(&buf)
	}

	if err := writer.Write(pad); err != nil {
		slog.Warn("wav writer: trailing pad", "err", err)
	}
}

// Stop ends the capture, flushes and closes the WAV file, and returns the
// finalised path and the captured duration (pads included).
func (r *Recorder) Stop() (string, int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.recording {
		return "", 0, ErrNotRecording
	}

	r.userStop.Store(true)
	r.device.Uninit()
	r.device = nil
	r.recording = false

	close(r.fileCh)
	<-r.fileDone
	r.fileCh = nil

	writer := r.writer
	r.writer = nil
	r.level.Store(0)

	if err := writer.Close(); err != nil {
		return writer.Path(), writer.DurationMs(), err
	}
	slog.Info("recording stopped", "path", writer.Path(), "duration_ms", writer.DurationMs())
	return writer.Path(), writer.DurationMs(), nil
}

// teardownFileLoop aborts the writer goroutine after a failed Start.
// Caller holds r.mu.
func (r *Recorder) teardownFileLoop() {
	close(r.fileCh)
	<-r.fileDone
	r.fileCh = nil
	_ = r.writer.Close()
	r.writer = nil
}

// CurrentLevel returns the latest RMS level in [0, 1]. Safe from any thread,
// including while not recording (returns 0).
func (r *Recorder) CurrentLevel() float32 {
	lvl := math.Float32frombits(r.level.Load())
	if lvl > 1 {
		lvl = 1
	}
	return lvl
}

// DeviceLost returns a channel closed when the active device disappears
// mid-recording. Valid between Start and Stop.
func (r *Recorder) DeviceLost() <-chan struct{} {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.deviceLost
}

// IsRecording reports whether a capture stream is active.
func (r *Recorder) IsRecording() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.recording
}

// Metadata returns the resolved capture metadata from the last Initialize.
func (r *Recorder) Metadata() Metadata {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.meta
}

// Close stops any active capture and releases the audio backend.
func (r *Recorder) Close() {
	if r.IsRecording() {
		if _, _, err := r.Stop(); err != nil {
			slog.Warn("recorder close: stop failed", "err", err)
		}
	}
	// Give the backend a beat to finish the stop callback before teardown.
	time.Sleep(10 * time.Millisecond)
	_ = r.ctx.Uninit()
	r.ctx.Free()
}
