package capture

import (
	"fmt"
	"sync/atomic"

	"github.com/petems/vinylcast/internal/audio"
	"github.com/rs/zerolog"
)

// Listener observes a capture session.
//
// All callbacks run synchronously on the producer goroutine, in registration
// order. A slow listener therefore slows capture down and can make the device
// overrun; wrap listeners that do real work with Async.
//
// The buffer passed to OnData is reused on the next iteration and must be
// copied if retained. Returned errors and panics are logged and do not stop
// delivery to other listeners.
type Listener interface {
	OnSessionCreated(format audio.Format, bufferBytes int) error
	OnReaderRequested(bufferBytes int) error
	OnStarted() error
	OnData(buf []byte, offset, length int) error
	OnInterrupted() error
	OnClosed() error
}

// NopListener implements Listener with no-ops. Embed it to override only
// the callbacks you need.
type NopListener struct{}

func (NopListener) OnSessionCreated(audio.Format, int) error { return nil }
func (NopListener) OnReaderRequested(int) error              { return nil }
func (NopListener) OnStarted() error                         { return nil }
func (NopListener) OnData([]byte, int, int) error            { return nil }
func (NopListener) OnInterrupted() error                     { return nil }
func (NopListener) OnClosed() error                          { return nil }

// Event names a listener callback.
type Event string

const (
	EventSessionCreated  Event = "session_created"
	EventReaderRequested Event = "reader_requested"
	EventStarted         Event = "started"
	EventData            Event = "data"
	EventInterrupted     Event = "interrupted"
	EventClosed          Event = "closed"
)

// ListenerError reports a failed listener callback.
type ListenerError struct {
	Index int
	Event Event
	Err   error
}

func (e *ListenerError) Error() string {
	return fmt.Sprintf("listener %d %s: %v", e.Index, e.Event, e.Err)
}

func (e *ListenerError) Unwrap() error { return e.Err }

// registry fans events out to a fixed, ordered set of listeners.
type registry struct {
	listeners []Listener
	log       zerolog.Logger
	failures  atomic.Int64
}

func newRegistry(listeners []Listener, log zerolog.Logger) *registry {
	ls := make([]Listener, 0, len(listeners))
	for _, l := range listeners {
		if l != nil {
			ls = append(ls, l)
		}
	}
	return &registry{listeners: ls, log: log}
}

// notify calls fn for every listener and returns the failures. It never
// stops early.
func (r *registry) notify(event Event, fn func(Listener) error) []*ListenerError {
	var failed []*ListenerError
	for i, l := range r.listeners {
		if err := invoke(l, fn); err != nil {
			lerr := &ListenerError{Index: i, Event: event, Err: err}
			failed = append(failed, lerr)
			r.failures.Add(1)
			r.log.Warn().Err(err).
				Int("listener", i).
				Str("listener_type", fmt.Sprintf("%T", l)).
				Str("event", string(event)).
				Msg("Listener failed")
		}
	}
	return failed
}

func invoke(l Listener, fn func(Listener) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return fn(l)
}
