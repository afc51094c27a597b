package capture

import (
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"

	"github.com/petems/vinylcast/internal/audio"
	"github.com/petems/vinylcast/internal/pipe"
	"github.com/rs/zerolog"
)

// AsyncListener moves a listener's OnData work off the producer goroutine.
//
// OnReaderRequested sizes a private pipe with the session buffer, OnData
// writes chunks into it and a worker started in OnStarted hands them to the
// wrapped listener in whole frames. The producer only waits once the worker
// is a full buffer behind. OnInterrupted closes the pipe and waits for the
// worker to drain it, so the wrapped listener still sees every chunk before
// OnInterrupted and OnClosed.
type AsyncListener struct {
	inner Listener
	log   zerolog.Logger

	mu     sync.Mutex
	frame  int
	size   int
	writer *pipe.Writer
	reader *pipe.Reader
	done   chan struct{}

	failures atomic.Int64
}

func Async(l Listener, log zerolog.Logger) *AsyncListener {
	return &AsyncListener{
		inner: l,
		log:   log.With().Str("component", "async").Str("listener", fmt.Sprintf("%T", l)).Logger(),
	}
}

func (a *AsyncListener) OnSessionCreated(format audio.Format, bufferBytes int) error {
	a.mu.Lock()
	a.frame = format.FrameBytes()
	a.mu.Unlock()
	return a.inner.OnSessionCreated(format, bufferBytes)
}

func (a *AsyncListener) OnReaderRequested(bufferBytes int) error {
	w, r, err := pipe.New(bufferBytes)
	if err != nil {
		return fmt.Errorf("create listener pipe: %w", err)
	}
	a.mu.Lock()
	a.writer, a.reader, a.size, a.done = w, r, bufferBytes, nil
	a.mu.Unlock()
	return a.inner.OnReaderRequested(bufferBytes)
}

func (a *AsyncListener) OnStarted() error {
	err := a.inner.OnStarted()

	a.mu.Lock()
	if a.reader != nil && a.done == nil {
		a.done = make(chan struct{})
		go a.work(a.reader, a.size, a.frame, a.done)
	}
	a.mu.Unlock()
	return err
}

// OnData queues the chunk for the worker. Without a running worker it falls
// back to calling the wrapped listener directly.
func (a *AsyncListener) OnData(buf []byte, offset, length int) error {
	a.mu.Lock()
	w, running := a.writer, a.done != nil
	a.mu.Unlock()

	if w == nil || !running {
		return a.inner.OnData(buf, offset, length)
	}
	if _, err := w.Write(buf[offset : offset+length]); err != nil {
		return fmt.Errorf("queue chunk: %w", err)
	}
	return w.Flush()
}

func (a *AsyncListener) OnInterrupted() error {
	a.finish()
	return a.inner.OnInterrupted()
}

func (a *AsyncListener) OnClosed() error {
	a.finish()
	return a.inner.OnClosed()
}

// Failures counts OnData errors and panics raised on the worker.
func (a *AsyncListener) Failures() int64 { return a.failures.Load() }

func (a *AsyncListener) finish() {
	a.mu.Lock()
	w, done := a.writer, a.done
	a.writer, a.reader, a.done = nil, nil, nil
	a.mu.Unlock()

	if w != nil {
		_ = w.Close()
	}
	if done != nil {
		<-done
	}
}

func (a *AsyncListener) work(r *pipe.Reader, size, frame int, done chan struct{}) {
	defer close(done)
	if frame < 1 {
		frame = 1
	}
	if size < frame {
		size = frame
	}

	a.log.Debug().Int("buffer_bytes", size).Msg("Listener worker started")
	buf := make([]byte, size)
	pending := 0
	for {
		n, err := r.Read(buf[pending:])
		pending += n
		if whole := pending - pending%frame; whole > 0 {
			a.deliver(buf[:whole])
			pending = copy(buf, buf[whole:pending])
		}
		if err != nil {
			if !errors.Is(err, io.EOF) {
				a.log.Warn().Err(err).Msg("Listener pipe read failed")
			}
			_ = r.Close()
			a.log.Debug().Int("dropped_bytes", pending).Msg("Listener worker stopped")
			return
		}
	}
}

func (a *AsyncListener) deliver(p []byte) {
	err := invoke(a.inner, func(l Listener) error {
		return l.OnData(p, 0, len(p))
	})
	if err == nil {
		return
	}
	if a.failures.Add(1) == 1 {
		a.log.Warn().Err(err).Msg("Listener failed")
	} else {
		a.log.Debug().Err(err).Msg("Listener failed")
	}
}
