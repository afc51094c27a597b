// Package pipe provides a bounded in-memory byte pipe with separate writer
// and reader ends.
//
// Writes block while the pipe is full and reads block while it is empty.
// Closing either end wakes anything parked on the other: a writer then fails
// with ErrClosed, and a reader drains what is left before seeing io.EOF.
package pipe

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/djherbis/buffer"
)

// ErrClosed is returned when writing to a pipe whose reader is gone, or when
// using an end after closing it.
var ErrClosed = errors.New("pipe: closed")

type pipe struct {
	mu       sync.Mutex
	cond     *sync.Cond
	buf      buffer.Buffer
	capacity int

	writerClosed bool
	readerClosed bool

	written int64
	read    int64
}

// New returns both ends of a pipe holding at most capacity unread bytes.
func New(capacity int) (*Writer, *Reader, error) {
	if capacity <= 0 {
		return nil, nil, fmt.Errorf("pipe: invalid capacity %d", capacity)
	}
	p := &pipe{
		buf:      buffer.New(int64(capacity)),
		capacity: capacity,
	}
	p.cond = sync.NewCond(&p.mu)
	return &Writer{p: p}, &Reader{p: p}, nil
}

// wake interrupts waiters when ctx ends. The returned func must be called
// once the caller stops waiting.
func (p *pipe) wake(ctx context.Context) func() bool {
	if ctx.Done() == nil {
		return func() bool { return true }
	}
	return context.AfterFunc(ctx, func() {
		p.mu.Lock()
		p.cond.Broadcast()
		p.mu.Unlock()
	})
}

func (p *pipe) buffered() int {
	return int(p.buf.Len())
}

// Writer is the producing end of a pipe.
type Writer struct {
	p *pipe
}

func (w *Writer) Write(b []byte) (int, error) {
	return w.WriteContext(context.Background(), b)
}

// WriteContext writes all of b, blocking while the pipe is full. If ctx ends
// while waiting, it returns the bytes written so far and ctx.Err().
func (w *Writer) WriteContext(ctx context.Context, b []byte) (int, error) {
	p := w.p
	stop := p.wake(ctx)
	defer stop()

	p.mu.Lock()
	defer p.mu.Unlock()

	written := 0
	for written < len(b) {
		if p.writerClosed || p.readerClosed {
			return written, ErrClosed
		}
		free := p.capacity - p.buffered()
		if free == 0 {
			if err := ctx.Err(); err != nil {
				return written, err
			}
			p.cond.Wait()
			continue
		}

		chunk := b[written:]
		if len(chunk) > free {
			chunk = chunk[:free]
		}
		n, err := p.buf.Write(chunk)
		written += n
		p.written += int64(n)
		p.cond.Broadcast()
		if err != nil {
			return written, fmt.Errorf("pipe: write: %w", err)
		}
	}
	return written, nil
}

// Flush wakes a parked reader. Writes are visible as soon as they return, so
// there is nothing else to push.
func (w *Writer) Flush() error {
	w.p.mu.Lock()
	w.p.cond.Broadcast()
	w.p.mu.Unlock()
	return nil
}

// Close marks the end of the stream. It is idempotent.
func (w *Writer) Close() error {
	p := w.p
	p.mu.Lock()
	defer p.mu.Unlock()
	p.writerClosed = true
	p.cond.Broadcast()
	return nil
}

// Written is the total number of bytes accepted by the pipe.
func (w *Writer) Written() int64 {
	w.p.mu.Lock()
	defer w.p.mu.Unlock()
	return w.p.written
}

// Cap returns the fixed capacity of the pipe.
func (w *Writer) Cap() int { return w.p.capacity }

// Buffered returns the number of unread bytes.
func (w *Writer) Buffered() int {
	w.p.mu.Lock()
	defer w.p.mu.Unlock()
	return w.p.buffered()
}

// Reader is the consuming end of a pipe.
type Reader struct {
	p *pipe
}

func (r *Reader) Read(b []byte) (int, error) {
	return r.ReadContext(context.Background(), b)
}

// ReadContext reads up to len(b) bytes, blocking while the pipe is empty. It
// returns io.EOF once the writer has closed and everything was drained.
func (r *Reader) ReadContext(ctx context.Context, b []byte) (int, error) {
	if len(b) == 0 {
		return 0, nil
	}
	p := r.p
	stop := p.wake(ctx)
	defer stop()

	p.mu.Lock()
	defer p.mu.Unlock()

	for {
		if p.readerClosed {
			return 0, ErrClosed
		}
		if p.buffered() > 0 {
			break
		}
		if p.writerClosed {
			return 0, io.EOF
		}
		if err := ctx.Err(); err != nil {
			return 0, err
		}
		p.cond.Wait()
	}

	if avail := p.buffered(); len(b) > avail {
		b = b[:avail]
	}
	n, err := p.buf.Read(b)
	p.read += int64(n)
	p.cond.Broadcast()
	if err != nil && !errors.Is(err, io.EOF) {
		return n, fmt.Errorf("pipe: read: %w", err)
	}
	return n, nil
}

// Close releases the reader. Pending and future writes fail with ErrClosed.
// It is idempotent.
func (r *Reader) Close() error {
	p := r.p
	p.mu.Lock()
	defer p.mu.Unlock()
	p.readerClosed = true
	p.cond.Broadcast()
	return nil
}

// Cap returns the fixed capacity of the pipe.
func (r *Reader) Cap() int { return r.p.capacity }

// Buffered returns the number of unread bytes.
func (r *Reader) Buffered() int {
	r.p.mu.Lock()
	defer r.p.mu.Unlock()
	return r.p.buffered()
}

// ReadTotal is the total number of bytes handed to the reader.
func (r *Reader) ReadTotal() int64 {
	r.p.mu.Lock()
	defer r.p.mu.Unlock()
	return r.p.read
}
