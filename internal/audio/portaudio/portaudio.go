package portaudio

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	pa "github.com/gordonklaus/portaudio"
	"github.com/petems/vinylcast/internal/audio"
	"github.com/petems/vinylcast/internal/config"
	"github.com/rs/zerolog"
)

// minPeriodFrames keeps a single blocking read short enough that Stop is
// observed quickly even on devices reporting a tiny latency.
const minPeriodFrames = 256

type portAudioDriver struct {
	mu       sync.Mutex
	deviceID string
	log      zerolog.Logger
}

// New creates a new PortAudio-based capture driver
func New(cfg config.AudioConfig, log zerolog.Logger) (audio.Driver, error) {
	if err := pa.Initialize(); err != nil {
		return nil, fmt.Errorf("failed to initialize PortAudio: %w", err)
	}
	return &portAudioDriver{
		deviceID: cfg.DeviceID,
		log:      log.With().Str("component", "portaudio").Logger(),
	}, nil
}

// SelectDevice sets the device used by later calls to Open. An empty id
// selects the system default.
func (d *portAudioDriver) SelectDevice(id string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.deviceID = id
}

func (d *portAudioDriver) findDevice() (*pa.DeviceInfo, error) {
	d.mu.Lock()
	deviceID := d.deviceID
	d.mu.Unlock()

	if deviceID == "" {
		device, err := pa.DefaultInputDevice()
		if err != nil {
			return nil, fmt.Errorf("failed to get default input device: %w", err)
		}
		return device, nil
	}

	devices, err := pa.Devices()
	if err != nil {
		return nil, fmt.Errorf("failed to enumerate devices: %w", err)
	}
	for _, dev := range devices {
		if dev.Name == deviceID && dev.MaxInputChannels > 0 {
			return dev, nil
		}
	}
	return nil, fmt.Errorf("device not found: %s", deviceID)
}

// MinBufferSize derives the lower bound from the device's default low input
// latency, which is the closest thing PortAudio reports to a minimum buffer.
func (d *portAudioDriver) MinBufferSize(f audio.Format) (int, error) {
	device, err := d.findDevice()
	if err != nil {
		return 0, audio.NewDeviceError("query", err)
	}
	return periodFrames(device.DefaultLowInputLatency, f.SampleRate) * f.FrameBytes(), nil
}

func periodFrames(latency time.Duration, sampleRate uint32) int {
	frames := int((latency.Nanoseconds()*int64(sampleRate) + int64(time.Second) - 1) / int64(time.Second))
	if frames < minPeriodFrames {
		frames = minPeriodFrames
	}
	return frames
}

func (d *portAudioDriver) Open(f audio.Format, bufferBytes int) (audio.Source, error) {
	if err := f.Validate(); err != nil {
		return nil, audio.NewDeviceError("open", err)
	}
	if f.BitDepth != 16 && f.BitDepth != 32 {
		return nil, audio.NewDeviceError("open", fmt.Errorf("%w: portaudio capture supports 16 and 32 bit, got %d", audio.ErrUnsupportedFormat, f.BitDepth))
	}

	device, err := d.findDevice()
	if err != nil {
		return nil, audio.NewDeviceError("open", err)
	}
	if device.MaxInputChannels < int(f.Channels) {
		return nil, audio.NewDeviceError("open", fmt.Errorf("%w: %s has %d input channels, need %d",
			audio.ErrUnsupportedFormat, device.Name, device.MaxInputChannels, f.Channels))
	}

	frames := periodFrames(device.DefaultLowInputLatency, f.SampleRate)
	if limit := bufferBytes / f.FrameBytes(); limit > 0 && frames > limit {
		frames = limit
	}

	s := &source{
		format:  f,
		scratch: make([]byte, frames*f.FrameBytes()),
		log:     d.log,
	}

	var buffer interface{}
	if f.BitDepth == 16 {
		s.samples16 = make([]int16, frames*int(f.Channels))
		buffer = s.samples16
	} else {
		s.samples32 = make([]int32, frames*int(f.Channels))
		buffer = s.samples32
	}

	stream, err := pa.OpenStream(pa.StreamParameters{
		Input: pa.StreamDeviceParameters{
			Device:   device,
			Channels: int(f.Channels),
			Latency:  device.DefaultLowInputLatency,
		},
		SampleRate:      float64(f.SampleRate),
		FramesPerBuffer: frames,
	}, buffer)
	if err != nil {
		return nil, audio.NewDeviceError("open", fmt.Errorf("failed to open audio stream: %w", err))
	}
	s.stream = stream

	d.log.Debug().
		Str("device", device.Name).
		Str("format", f.String()).
		Int("period_frames", frames).
		Msg("Opened capture stream")
	return s, nil
}

func (d *portAudioDriver) ListDevices() ([]audio.AudioDevice, error) {
	devices, err := pa.Devices()
	if err != nil {
		return nil, fmt.Errorf("failed to list devices: %w", err)
	}

	result := make([]audio.AudioDevice, 0, len(devices))
	defaultDevice, _ := pa.DefaultInputDevice()

	for _, dev := range devices {
		if dev.MaxInputChannels > 0 {
			result = append(result, audio.AudioDevice{
				ID:      dev.Name,
				Name:    dev.Name,
				Default: dev == defaultDevice,
			})
		}
	}

	return result, nil
}

func (d *portAudioDriver) Close() error {
	return pa.Terminate()
}

type source struct {
	format audio.Format
	log    zerolog.Logger

	// mu serializes stream calls; Stop waits here for an in-flight Read.
	mu        sync.Mutex
	stream    *pa.Stream
	started   bool
	released  bool
	samples16 []int16
	samples32 []int32

	scratch []byte
	pending []byte

	stopped   atomic.Bool
	stopOnce  sync.Once
	stopErr   error
	overflows int
}

func (s *source) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.released || s.stopped.Load() {
		return audio.NewDeviceError("start", audio.ErrStopped)
	}
	if err := s.stream.Start(); err != nil {
		return audio.NewDeviceError("start", fmt.Errorf("failed to start audio stream: %w", err))
	}
	s.started = true
	return nil
}

func (s *source) ReadInto(buf []byte) (int, error) {
	if s.stopped.Load() {
		return 0, audio.ErrStopped
	}
	if len(s.pending) == 0 {
		if err := s.readPeriod(); err != nil {
			return 0, err
		}
	}
	n := copy(buf, s.pending)
	s.pending = s.pending[n:]
	return n, nil
}

func (s *source) readPeriod() error {
	s.mu.Lock()
	if s.stopped.Load() || !s.started {
		s.mu.Unlock()
		return audio.ErrStopped
	}
	err := s.stream.Read()
	s.mu.Unlock()

	if err != nil {
		if s.stopped.Load() {
			return audio.ErrStopped
		}
		if !errors.Is(err, pa.InputOverflowed) {
			return audio.NewDeviceError("read", err)
		}
		// The period still holds valid samples after an overflow.
		s.overflows++
		s.log.Warn().Int("overflows", s.overflows).Msg("Input overflowed, capture is falling behind")
	}

	if s.samples16 != nil {
		encodeInt16(s.scratch, s.samples16)
	} else {
		encodeInt32(s.scratch, s.samples32)
	}
	s.pending = s.scratch
	return nil
}

func (s *source) Stop() error {
	s.stopOnce.Do(func() {
		s.stopped.Store(true)
		s.mu.Lock()
		defer s.mu.Unlock()
		if s.started && !s.released {
			s.stopErr = s.stream.Stop()
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
	if err := s.stream.Close(); err != nil {
		return audio.NewDeviceError("release", err)
	}
	if stopErr != nil {
		return audio.NewDeviceError("stop", stopErr)
	}
	return nil
}

func encodeInt16(dst []byte, samples []int16) {
	for i, v := range samples {
		binary.LittleEndian.PutUint16(dst[i*2:], uint16(v))
	}
}

func encodeInt32(dst []byte, samples []int32) {
	for i, v := range samples {
		binary.LittleEndian.PutUint32(dst[i*4:], uint32(v))
	}
}
