// Package miniaudio captures through miniaudio via malgo. miniaudio delivers
// periods on its own callback thread; the source queues them so ReadInto can
// block like a regular device read.
package miniaudio

import (
	"errors"
	"fmt"
	"sync"

	"github.com/gen2brain/malgo"
	"github.com/petems/vinylcast/internal/audio"
	"github.com/petems/vinylcast/internal/config"
	"github.com/rs/zerolog"
)

// periodMillis is miniaudio's default low-latency period.
const periodMillis = 10

// minQueuedPeriods bounds how many callback periods may wait for ReadInto
// before new ones are dropped as overruns.
const minQueuedPeriods = 4

var errDeviceStopped = errors.New("device stopped unexpectedly")

type driver struct {
	mu       sync.Mutex
	deviceID string
	ctx      *malgo.AllocatedContext
	log      zerolog.Logger
}

// New initializes a miniaudio context for capture.
func New(cfg config.AudioConfig, log zerolog.Logger) (audio.Driver, error) {
	log = log.With().Str("component", "miniaudio").Logger()
	ctx, err := malgo.InitContext(nil, malgo.ContextConfig{}, func(message string) {
		log.Debug().Str("message", message).Msg("malgo")
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize audio context: %w", err)
	}
	return &driver{deviceID: cfg.DeviceID, ctx: ctx, log: log}, nil
}

func periodFrames(sampleRate uint32) int {
	return int(sampleRate) * periodMillis / 1000
}

// MinBufferSize is one default miniaudio period; malgo does not expose a
// device-specific minimum.
func (d *driver) MinBufferSize(f audio.Format) (int, error) {
	if err := f.Validate(); err != nil {
		return 0, audio.NewDeviceError("query", err)
	}
	return periodFrames(f.SampleRate) * f.FrameBytes(), nil
}

func formatType(bitDepth uint8) (malgo.FormatType, error) {
	switch bitDepth {
	case 8:
		return malgo.FormatU8, nil
	case 16:
		return malgo.FormatS16, nil
	case 24:
		return malgo.FormatS24, nil
	case 32:
		return malgo.FormatS32, nil
	}
	return malgo.FormatUnknown, fmt.Errorf("%w: bit depth %d", audio.ErrUnsupportedFormat, bitDepth)
}

func (d *driver) Open(f audio.Format, bufferBytes int) (audio.Source, error) {
	if err := f.Validate(); err != nil {
		return nil, audio.NewDeviceError("open", err)
	}
	format, err := formatType(f.BitDepth)
	if err != nil {
		return nil, audio.NewDeviceError("open", err)
	}

	frames := periodFrames(f.SampleRate)
	deviceConfig := malgo.DefaultDeviceConfig(malgo.Capture)
	deviceConfig.Capture.Format = format
	deviceConfig.Capture.Channels = uint32(f.Channels)
	deviceConfig.SampleRate = f.SampleRate
	deviceConfig.PeriodSizeInFrames = uint32(frames)

	if id := d.selected(); id != "" {
		info, err := d.findDevice(id)
		if err != nil {
			return nil, audio.NewDeviceError("open", err)
		}
		deviceConfig.Capture.DeviceID = info.ID.Pointer()
	}

	queued := bufferBytes / (frames * f.FrameBytes())
	if queued < minQueuedPeriods {
		queued = minQueuedPeriods
	}
	s := newSource(queued, d.log)

	device, err := malgo.InitDevice(d.ctx.Context, deviceConfig, malgo.DeviceCallbacks{
		Data: s.onData,
		Stop: s.onStop,
	})
	if err != nil {
		return nil, audio.NewDeviceError("open", fmt.Errorf("failed to initialize audio device: %w", err))
	}
	s.device = device

	d.log.Debug().
		Str("format", f.String()).
		Int("period_frames", frames).
		Int("queued_periods", queued).
		Msg("Opened capture device")
	return s, nil
}

// SelectDevice sets the device used by later calls to Open. An empty id
// selects the system default.
func (d *driver) SelectDevice(id string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.deviceID = id
}

func (d *driver) selected() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.deviceID
}

func (d *driver) findDevice(id string) (*malgo.DeviceInfo, error) {
	devices, err := d.ctx.Devices(malgo.Capture)
	if err != nil {
		return nil, fmt.Errorf("failed to enumerate devices: %w", err)
	}
	for i := range devices {
		if devices[i].Name() == id {
			return &devices[i], nil
		}
	}
	return nil, fmt.Errorf("device not found: %s", id)
}

func (d *driver) ListDevices() ([]audio.AudioDevice, error) {
	devices, err := d.ctx.Devices(malgo.Capture)
	if err != nil {
		return nil, fmt.Errorf("failed to list devices: %w", err)
	}
	result := make([]audio.AudioDevice, 0, len(devices))
	for i := range devices {
		result = append(result, audio.AudioDevice{
			ID:      devices[i].Name(),
			Name:    devices[i].Name(),
			Default: devices[i].IsDefault != 0,
		})
	}
	return result, nil
}

func (d *driver) Close() error {
	err := d.ctx.Uninit()
	d.ctx.Free()
	return err
}

// captureDevice is the subset of *malgo.Device the source drives.
type captureDevice interface {
	Start() error
	Stop() error
	Uninit()
}

type source struct {
	device captureDevice
	log    zerolog.Logger

	periods chan []byte
	pending []byte

	mu        sync.Mutex
	stopping  bool
	released  bool
	overruns  int
	failed    chan struct{}
	failOnce  sync.Once
	stopped   chan struct{}
	stopOnce  sync.Once
	stopErr   error
	deviceRun bool
}

func newSource(queued int, log zerolog.Logger) *source {
	return &source{
		log:     log,
		periods: make(chan []byte, queued),
		failed:  make(chan struct{}),
		stopped: make(chan struct{}),
	}
}

// onData runs on the miniaudio thread; the input slice is only valid for
// the duration of the call.
func (s *source) onData(_, input []byte, _ uint32) {
	period := make([]byte, len(input))
	copy(period, input)

	select {
	case s.periods <- period:
	default:
		s.mu.Lock()
		s.overruns++
		overruns := s.overruns
		s.mu.Unlock()
		s.log.Warn().Int("overruns", overruns).Msg("Capture queue full, dropping period")
	}
}

func (s *source) onStop() {
	s.mu.Lock()
	requested := s.stopping
	s.mu.Unlock()
	if !requested {
		s.failOnce.Do(func() { close(s.failed) })
	}
}

func (s *source) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopping || s.released {
		return audio.NewDeviceError("start", audio.ErrStopped)
	}
	if err := s.device.Start(); err != nil {
		return audio.NewDeviceError("start", fmt.Errorf("failed to start audio device: %w", err))
	}
	s.deviceRun = true
	return nil
}

func (s *source) ReadInto(buf []byte) (int, error) {
	if len(s.pending) == 0 {
		select {
		case <-s.stopped:
			return 0, audio.ErrStopped
		default:
		}

		select {
		case p := <-s.periods:
			s.pending = p
		case <-s.stopped:
			return 0, audio.ErrStopped
		case <-s.failed:
			// Hand out what was captured before the device went away.
			select {
			case p := <-s.periods:
				s.pending = p
			default:
				return 0, audio.NewDeviceError("read", errDeviceStopped)
			}
		}
	}
	n := copy(buf, s.pending)
	s.pending = s.pending[n:]
	return n, nil
}

func (s *source) Stop() error {
	s.stopOnce.Do(func() {
		s.mu.Lock()
		s.stopping = true
		running := s.deviceRun && !s.released
		s.mu.Unlock()

		close(s.stopped)
		if running {
			s.stopErr = s.device.Stop()
		}
	})
	return s.stopErr
}

func (s *source) Release() error {
	stopErr := s.Stop()

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.released {
		return nil
	}
	s.released = true
	if s.device != nil {
		s.device.Uninit()
	}
	if stopErr != nil {
		return audio.NewDeviceError("stop", stopErr)
	}
	return nil
}
