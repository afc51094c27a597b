package capture

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// slowListener blocks its first OnData until gate is closed.
type slowListener struct {
	recordingListener
	gate    chan struct{}
	blocked chan struct{}
	calls   int
}

func (l *slowListener) OnData(buf []byte, offset, length int) error {
	l.calls++
	if l.calls == 1 {
		close(l.blocked)
		<-l.gate
	}
	return l.recordingListener.OnData(buf, offset, length)
}

func TestAsyncRunsOffTheProducer(t *testing.T) {
	chunks := [][]byte{filled(16, 1), filled(16, 2), filled(16, 3)}
	src := newMockSource(nil, step{data: chunks[0]}, step{data: chunks[1]}, step{data: chunks[2]})
	inner := &slowListener{gate: make(chan struct{}), blocked: make(chan struct{})}

	task, err := NewTask(&mockDriver{minBytes: 8, source: src}, []Listener{Async(inner, zerolog.Nop())}, testConfig())
	require.NoError(t, err)
	reader, err := task.Reader()
	require.NoError(t, err)
	consumed := drain(reader)

	errC := runAsync(task, context.Background())
	<-inner.blocked
	require.Eventually(t, func() bool { return task.Stats().Chunks == 3 }, time.Second, time.Millisecond,
		"producer kept reading while the listener was busy")
	assert.Zero(t, inner.DataCount())

	close(inner.gate)
	task.Stop()
	require.NoError(t, waitErr(t, errC))
	got := <-consumed

	assert.Equal(t, bytes.Join(chunks, nil), got)
	assert.Equal(t, got, inner.data.Bytes())

	events := inner.Events()
	require.NotEmpty(t, events)
	assert.Equal(t, []Event{EventSessionCreated, EventReaderRequested, EventStarted}, events[:3])
	assert.Equal(t, []Event{EventInterrupted, EventClosed}, events[len(events)-2:])
	for _, e := range events[3 : len(events)-2] {
		assert.Equal(t, EventData, e)
	}
}

func TestAsyncDeliversWholeFrames(t *testing.T) {
	// 16-bit stereo: four bytes per frame.
	src := newMockSource(nil, step{data: filled(6, 1)}, step{data: filled(6, 2)})
	inner := &recordingListener{}

	task, err := NewTask(&mockDriver{minBytes: 8, source: src}, []Listener{Async(inner, zerolog.Nop())}, testConfig())
	require.NoError(t, err)
	reader, err := task.Reader()
	require.NoError(t, err)
	consumed := drain(reader)

	errC := runAsync(task, context.Background())
	require.Eventually(t, func() bool { return task.Stats().Bytes == 12 }, time.Second, time.Millisecond)
	task.Stop()
	require.NoError(t, waitErr(t, errC))
	<-consumed

	for _, n := range inner.Lengths() {
		assert.Zero(t, n%4, "chunk of %d bytes splits a frame", n)
	}
	assert.Equal(t, append(filled(6, 1), filled(6, 2)...), inner.data.Bytes())
}

func TestAsyncCountsWorkerFailures(t *testing.T) {
	src := newMockSource(nil, step{data: filled(8, 1)}, step{data: filled(8, 2)})
	inner := &recordingListener{panicOn: EventData}
	async := Async(inner, zerolog.Nop())

	task, err := NewTask(&mockDriver{minBytes: 8, source: src}, []Listener{async}, testConfig())
	require.NoError(t, err)
	reader, err := task.Reader()
	require.NoError(t, err)
	consumed := drain(reader)

	errC := runAsync(task, context.Background())
	require.Eventually(t, func() bool { return task.Stats().Bytes == 16 }, time.Second, time.Millisecond)
	task.Stop()
	require.NoError(t, waitErr(t, errC))
	assert.Len(t, <-consumed, 16)

	assert.Positive(t, async.Failures())
	assert.Zero(t, task.Stats().ListenerFailures)
	assert.Equal(t, 1, inner.Count(EventClosed))
}

func TestAsyncWithoutWorkerCallsThrough(t *testing.T) {
	inner := &recordingListener{}
	async := Async(inner, zerolog.Nop())

	require.NoError(t, async.OnData([]byte{1, 2, 3}, 1, 2))
	assert.Equal(t, []int{2}, inner.Lengths())
	assert.Equal(t, []byte{2, 3}, inner.data.Bytes())

	task, err := NewTask(&mockDriver{minBytes: 8, source: newMockSource(nil)}, []Listener{async}, testConfig())
	require.NoError(t, err)
	_, err = task.Reader()
	require.NoError(t, err)
	require.NoError(t, task.Close())

	assert.Equal(t, []Event{
		EventData,
		EventSessionCreated,
		EventReaderRequested,
		EventInterrupted,
		EventClosed,
	}, inner.Events())
}
