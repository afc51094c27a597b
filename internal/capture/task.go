// Package capture runs the producer side of the pipeline: it reads PCM from
// an audio source, writes it into a bounded pipe for one consumer and fans
// the same chunks out to listeners.
package capture

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/petems/vinylcast/internal/audio"
	"github.com/petems/vinylcast/internal/pipe"
	"github.com/rs/zerolog"
)

// DefaultBufferMultiplier scales the device minimum buffer size when the
// config leaves it unset.
const DefaultBufferMultiplier = 2

var (
	ErrAlreadyStarted = errors.New("capture: task already started or stopped")
	ErrNoReader       = errors.New("capture: reader end not requested before run")
	ErrReaderTaken    = errors.New("capture: reader end already requested")
)

type Config struct {
	Format audio.Format
	// BufferMultiplier scales Driver.MinBufferSize into the chunk and pipe
	// capacity. Zero means DefaultBufferMultiplier.
	BufferMultiplier int
	Logger           zerolog.Logger
}

// Task owns one capture session. It is single-use: once stopped, build a new
// one to capture again.
type Task struct {
	format      audio.Format
	bufferBytes int
	src         audio.Source
	listeners   *registry
	log         zerolog.Logger

	// lifecycle orders the reader notification against Run and Close on
	// an idle task.
	lifecycle sync.Mutex

	mu     sync.Mutex
	state  State
	writer *pipe.Writer
	reader *pipe.Reader

	stopC        chan struct{}
	stopOnce     sync.Once
	shutdownOnce sync.Once
	done         chan struct{}

	chunks atomic.Int64
	bytes  atomic.Int64
}

// NewTask opens the capture device and notifies listeners that the session
// exists. Nothing is left acquired when it fails.
func NewTask(driver audio.Driver, listeners []Listener, cfg Config) (*Task, error) {
	if err := cfg.Format.Validate(); err != nil {
		return nil, audio.NewDeviceError("open", err)
	}
	multiplier := cfg.BufferMultiplier
	if multiplier == 0 {
		multiplier = DefaultBufferMultiplier
	}
	if multiplier < 1 {
		return nil, fmt.Errorf("capture: buffer multiplier must be at least 1, got %d", multiplier)
	}

	minBytes, err := driver.MinBufferSize(cfg.Format)
	if err != nil {
		return nil, audio.NewDeviceError("query", err)
	}
	if minBytes <= 0 {
		return nil, audio.NewDeviceError("query", fmt.Errorf("invalid minimum buffer size %d", minBytes))
	}
	bufferBytes := multiplier * minBytes

	src, err := driver.Open(cfg.Format, bufferBytes)
	if err != nil {
		return nil, audio.NewDeviceError("open", err)
	}

	log := cfg.Logger.With().Str("component", "capture").Logger()
	t := &Task{
		format:      cfg.Format,
		bufferBytes: bufferBytes,
		src:         src,
		listeners:   newRegistry(listeners, log),
		log:         log,
		stopC:       make(chan struct{}),
		done:        make(chan struct{}),
	}

	t.log.Info().
		Str("format", cfg.Format.String()).
		Int("buffer_bytes", bufferBytes).
		Int("listeners", len(t.listeners.listeners)).
		Msg("Capture session created")

	t.listeners.notify(EventSessionCreated, func(l Listener) error {
		return l.OnSessionCreated(t.format, t.bufferBytes)
	})
	return t, nil
}

// Reader creates the pipe and returns its reader end. It must be called once,
// before Run.
func (t *Task) Reader() (*pipe.Reader, error) {
	t.lifecycle.Lock()
	defer t.lifecycle.Unlock()

	t.mu.Lock()
	if t.state != Idle {
		t.mu.Unlock()
		return nil, ErrAlreadyStarted
	}
	if t.reader != nil {
		t.mu.Unlock()
		return nil, ErrReaderTaken
	}
	w, r, err := pipe.New(t.bufferBytes)
	if err != nil {
		t.mu.Unlock()
		return nil, fmt.Errorf("capture: create pipe: %w", err)
	}
	t.writer, t.reader = w, r
	t.mu.Unlock()

	t.listeners.notify(EventReaderRequested, func(l Listener) error {
		return l.OnReaderRequested(t.bufferBytes)
	})
	return r, nil
}

// Run captures on the calling goroutine until ctx is cancelled, Stop is
// called, the reader end is closed or the device fails. Only a device
// failure is returned as an error. Resources are released before Run
// returns.
func (t *Task) Run(ctx context.Context) error {
	t.lifecycle.Lock()
	t.mu.Lock()
	state, writer := t.state, t.writer
	if state == Idle && writer != nil {
		t.state = Running
	}
	t.mu.Unlock()
	t.lifecycle.Unlock()

	if state != Idle {
		return ErrAlreadyStarted
	}
	if writer == nil {
		return ErrNoReader
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-t.stopC:
			cancel()
		case <-ctx.Done():
		}
	}()

	// A blocked device read only returns once the source is stopped.
	sourceStopped := make(chan struct{})
	stopSource := context.AfterFunc(ctx, func() {
		defer close(sourceStopped)
		if err := t.src.Stop(); err != nil {
			t.log.Debug().Err(err).Msg("Stopping source on cancel")
		}
	})

	err := t.loop(ctx)

	if !stopSource() {
		<-sourceStopped
	}
	t.shutdown()
	return err
}

func (t *Task) loop(ctx context.Context) error {
	if err := t.src.Start(); err != nil {
		if errors.Is(err, audio.ErrStopped) || ctx.Err() != nil {
			t.log.Debug().Err(err).Msg("Stopped before capture started")
			return nil
		}
		t.log.Error().Err(err).Msg("Failed to start capture")
		return audio.NewDeviceError("start", err)
	}
	t.log.Info().Msg("Capture started")
	t.listeners.notify(EventStarted, func(l Listener) error {
		return l.OnStarted()
	})

	buf := make([]byte, t.bufferBytes)
	for {
		if ctx.Err() != nil {
			t.log.Debug().Msg("Capture cancelled")
			return nil
		}

		n, err := t.src.ReadInto(buf)
		if err != nil {
			if errors.Is(err, audio.ErrStopped) || ctx.Err() != nil {
				t.log.Debug().Err(err).Msg("Source stopped")
				return nil
			}
			t.log.Error().Err(err).Msg("Capture read failed")
			return audio.NewDeviceError("read", err)
		}
		if n == 0 {
			continue
		}
		if n > len(buf) {
			return audio.NewDeviceError("read", fmt.Errorf("source returned %d bytes for a %d byte buffer", n, len(buf)))
		}

		if _, err := t.writer.WriteContext(ctx, buf[:n]); err != nil {
			if errors.Is(err, pipe.ErrClosed) {
				t.log.Debug().Msg("Reader closed, stopping capture")
			} else {
				t.log.Debug().Err(err).Msg("Pipe write interrupted")
			}
			return nil
		}
		_ = t.writer.Flush()

		t.chunks.Add(1)
		t.bytes.Add(int64(n))
		t.listeners.notify(EventData, func(l Listener) error {
			return l.OnData(buf, 0, n)
		})
	}
}

// shutdown runs the Stopping -> Stopped sequence exactly once. The source is
// released before the pipe closes so the reader only sees end of stream
// after capture has ceased.
func (t *Task) shutdown() {
	t.shutdownOnce.Do(func() {
		t.setState(Stopping)

		t.listeners.notify(EventInterrupted, func(l Listener) error {
			return l.OnInterrupted()
		})

		if err := t.src.Stop(); err != nil {
			t.log.Warn().Err(err).Msg("Failed to stop source")
		}
		if err := t.src.Release(); err != nil {
			t.log.Warn().Err(err).Msg("Failed to release source")
		}

		t.mu.Lock()
		w := t.writer
		t.mu.Unlock()
		if w != nil {
			_ = w.Close()
		}

		t.listeners.notify(EventClosed, func(l Listener) error {
			return l.OnClosed()
		})

		t.setState(Stopped)
		close(t.done)

		stats := t.Stats()
		t.log.Info().
			Int64("chunks", stats.Chunks).
			Int64("bytes", stats.Bytes).
			Int64("listener_failures", stats.ListenerFailures).
			Msg("Capture stopped")
	})
}

func (t *Task) setState(s State) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if s > t.state {
		t.state = s
	}
}

// Stop asks a running task to finish. It is idempotent and does not wait;
// use Done or Close for that.
func (t *Task) Stop() {
	t.stopOnce.Do(func() { close(t.stopC) })
}

// Close stops the task and waits until everything is released. A task that
// never ran is torn down directly.
func (t *Task) Close() error {
	t.lifecycle.Lock()
	t.mu.Lock()
	idle := t.state == Idle
	if idle {
		t.state = Stopping
	}
	t.mu.Unlock()
	t.lifecycle.Unlock()

	t.Stop()
	if idle {
		t.shutdown()
	}
	<-t.done
	return nil
}

// Done is closed once the task reaches Stopped.
func (t *Task) Done() <-chan struct{} { return t.done }

func (t *Task) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

func (t *Task) Stats() Stats {
	return Stats{
		Chunks:           t.chunks.Load(),
		Bytes:            t.bytes.Load(),
		ListenerFailures: t.listeners.failures.Load(),
	}
}

func (t *Task) Format() audio.Format { return t.format }
func (t *Task) SampleRate() int      { return int(t.format.SampleRate) }
func (t *Task) ChannelCount() int    { return int(t.format.Channels) }
func (t *Task) BitDepth() int        { return int(t.format.BitDepth) }

// BufferBytes is the chunk size and pipe capacity of this session.
func (t *Task) BufferBytes() int { return t.bufferBytes }
