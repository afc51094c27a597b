package app

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/petems/vinylcast/internal/audio"
	"github.com/petems/vinylcast/internal/capture"
	"github.com/petems/vinylcast/internal/config"
	"github.com/petems/vinylcast/internal/pipe"
	"github.com/rs/zerolog"
)

var ErrCapturing = errors.New("capture already running")

// StatusUpdater is an interface for updating status (e.g., tray icon)
type StatusUpdater interface {
	SetIdle()
	SetRecording()
	SetError()
}

// Consumer drains the reader end of a session's pipe until it reaches end
// of stream.
type Consumer interface {
	Consume(ctx context.Context, r *pipe.Reader, format audio.Format) error
}

// ListenerFactory returns the listeners for a new session. Tasks are
// single-use, so it is called on every Start.
type ListenerFactory func() []capture.Listener

type Config struct {
	Driver        audio.Driver
	Consumer      Consumer
	Listeners     ListenerFactory // Optional
	Config        *config.Config
	Logger        zerolog.Logger
	StatusUpdater StatusUpdater // Optional - can be nil
}

type session struct {
	id      string
	task    *capture.Task
	cancel  context.CancelFunc
	started time.Time
	done    chan struct{}
}

type App struct {
	driver    audio.Driver
	consumer  Consumer
	listeners ListenerFactory
	cfg       *config.Config
	log       zerolog.Logger
	status    StatusUpdater

	mu       sync.Mutex
	session  *session
	last     capture.Stats
	lastErr  error
	sessions int
	shutdown bool
}

func New(cfg Config) *App {
	return &App{
		driver:    cfg.Driver,
		consumer:  cfg.Consumer,
		listeners: cfg.Listeners,
		cfg:       cfg.Config,
		log:       cfg.Logger,
		status:    cfg.StatusUpdater,
	}
}

// SetStatusUpdater sets the status updater (for circular dependency resolution)
func (a *App) SetStatusUpdater(s StatusUpdater) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.status = s
}

func (a *App) format() audio.Format {
	return audio.Format{
		SampleRate: a.cfg.Audio.SampleRate,
		BitDepth:   a.cfg.Audio.BitDepth,
		Channels:   a.cfg.Audio.Channels,
	}
}

// Start opens the device and begins a capture session.
func (a *App) Start() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.startLocked()
}

func (a *App) startLocked() error {
	if a.shutdown {
		return errors.New("app is shut down")
	}
	if a.session != nil {
		return ErrCapturing
	}

	var listeners []capture.Listener
	if a.listeners != nil {
		listeners = a.listeners()
	}

	id := uuid.NewString()
	log := a.log.With().Str("session", id).Logger()

	task, err := capture.NewTask(a.driver, listeners, capture.Config{
		Format:           a.format(),
		BufferMultiplier: a.cfg.Audio.BufferMultiplier,
		Logger:           log,
	})
	if err != nil {
		a.failLocked(err)
		return fmt.Errorf("failed to start capture: %w", err)
	}

	reader, err := task.Reader()
	if err != nil {
		task.Close()
		a.failLocked(err)
		return fmt.Errorf("failed to start capture: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &session{
		id:      id,
		task:    task,
		cancel:  cancel,
		started: time.Now(),
		done:    make(chan struct{}),
	}
	a.session = s
	a.sessions++
	a.lastErr = nil

	consumed := make(chan struct{})
	if a.consumer != nil {
		go func() {
			defer close(consumed)
			if err := a.consumer.Consume(ctx, reader, task.Format()); err != nil {
				log.Error().Err(err).Msg("Consumer error")
			}
		}()
	} else {
		close(consumed)
		reader.Close()
	}

	go a.run(ctx, s, consumed)

	log.Info().
		Str("format", task.Format().String()).
		Int("buffer_bytes", task.BufferBytes()).
		Msg("Starting capture")
	if a.status != nil {
		a.status.SetRecording()
	}
	return nil
}

func (a *App) run(ctx context.Context, s *session, consumed <-chan struct{}) {
	err := s.task.Run(ctx)
	<-consumed
	s.cancel()

	a.mu.Lock()
	if a.session == s {
		a.session = nil
	}
	a.last = s.task.Stats()
	if err != nil {
		a.log.Error().Err(err).Str("session", s.id).Msg("Capture failed")
		a.failLocked(err)
	} else {
		a.log.Info().Str("session", s.id).Dur("duration", time.Since(s.started)).Msg("Capture finished")
		if a.status != nil {
			a.status.SetIdle()
		}
	}
	a.mu.Unlock()

	close(s.done)
}

func (a *App) failLocked(err error) {
	a.lastErr = err
	if a.status != nil {
		a.status.SetError()
	}
}

// Stop ends the current session and waits until it has released the device.
func (a *App) Stop() {
	a.mu.Lock()
	s := a.session
	a.mu.Unlock()

	if s == nil {
		return
	}
	a.log.Info().Str("session", s.id).Msg("Stopping capture")
	s.task.Stop()
	<-s.done
}

// Toggle starts capture when idle and stops it otherwise.
func (a *App) Toggle() error {
	if a.IsCapturing() {
		a.Stop()
		return nil
	}
	return a.Start()
}

func (a *App) IsCapturing() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.session != nil
}

// Shutdown stops capture and refuses new sessions. It gives up waiting when
// ctx ends.
func (a *App) Shutdown(ctx context.Context) error {
	a.mu.Lock()
	a.shutdown = true
	s := a.session
	a.mu.Unlock()

	if s == nil {
		return nil
	}
	s.task.Stop()
	select {
	case <-s.done:
		return nil
	case <-ctx.Done():
		s.cancel()
		return ctx.Err()
	}
}

// Tray actions

func (a *App) SetDevice(id string) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.session != nil {
		return fmt.Errorf("cannot change device while capturing")
	}

	if sel, ok := a.driver.(audio.DeviceSelector); ok {
		sel.SelectDevice(id)
	}
	return a.cfg.SaveDeviceID(id)
}

func (a *App) ListDevices() ([]audio.AudioDevice, error) {
	return a.driver.ListDevices()
}

// Status describes the current or most recent session.
type Status struct {
	Capturing   bool          `json:"capturing"`
	SessionID   string        `json:"session_id,omitempty"`
	State       string        `json:"state"`
	Format      string        `json:"format"`
	BufferBytes int           `json:"buffer_bytes,omitempty"`
	Uptime      string        `json:"uptime,omitempty"`
	Stats       capture.Stats `json:"stats"`
	Sessions    int           `json:"sessions"`
	LastError   string        `json:"last_error,omitempty"`
}

func (a *App) Status() Status {
	a.mu.Lock()
	defer a.mu.Unlock()

	st := Status{
		State:    capture.Idle.String(),
		Format:   a.format().String(),
		Stats:    a.last,
		Sessions: a.sessions,
	}
	if a.lastErr != nil {
		st.LastError = a.lastErr.Error()
	}
	if s := a.session; s != nil {
		st.Capturing = true
		st.SessionID = s.id
		st.State = s.task.State().String()
		st.BufferBytes = s.task.BufferBytes()
		st.Uptime = time.Since(s.started).Truncate(time.Second).String()
		st.Stats = s.task.Stats()
	}
	return st
}
