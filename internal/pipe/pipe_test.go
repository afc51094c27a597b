package pipe

import (
	"bytes"
	"context"
	"io"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewRejectsInvalidCapacity(t *testing.T) {
	for _, c := range []int{0, -1} {
		_, _, err := New(c)
		assert.Error(t, err)
	}
}

func TestWriteThenRead(t *testing.T) {
	w, r, err := New(16)
	require.NoError(t, err)

	n, err := w.Write([]byte("hello"))
	require.NoError(t, err)
	assert.Equal(t, 5, n)
	assert.NoError(t, w.Flush())

	buf := make([]byte, 16)
	n, err = r.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(buf[:n]))
	assert.Equal(t, int64(5), r.ReadTotal())
	assert.Equal(t, int64(5), w.Written())
}

func TestWriteBlocksWhenFull(t *testing.T) {
	w, r, err := New(4)
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, err := w.Write([]byte("abcdefgh"))
		assert.NoError(t, err)
	}()

	require.Eventually(t, func() bool { return w.Buffered() == 4 }, time.Second, time.Millisecond)
	select {
	case <-done:
		t.Fatal("write returned while the pipe was full")
	case <-time.After(20 * time.Millisecond):
	}

	got, err := io.ReadAll(io.LimitReader(r, 8))
	require.NoError(t, err)
	assert.Equal(t, "abcdefgh", string(got))
	<-done
}

func TestReadBlocksUntilWrite(t *testing.T) {
	w, r, err := New(8)
	require.NoError(t, err)

	result := make(chan string, 1)
	go func() {
		buf := make([]byte, 8)
		n, _ := r.Read(buf)
		result <- string(buf[:n])
	}()

	select {
	case <-result:
		t.Fatal("read returned from an empty pipe")
	case <-time.After(20 * time.Millisecond):
	}

	_, err = w.Write([]byte("x"))
	require.NoError(t, err)
	assert.Equal(t, "x", <-result)
}

func TestWriterCloseDrainsThenEOF(t *testing.T) {
	w, r, err := New(8)
	require.NoError(t, err)

	_, err = w.Write([]byte("tail"))
	require.NoError(t, err)
	require.NoError(t, w.Close())
	require.NoError(t, w.Close())

	got, err := io.ReadAll(r)
	require.NoError(t, err)
	assert.Equal(t, "tail", string(got))

	n, err := r.Read(make([]byte, 4))
	assert.Zero(t, n)
	assert.Equal(t, io.EOF, err)

	_, err = w.Write([]byte("more"))
	assert.ErrorIs(t, err, ErrClosed)
}

func TestReaderCloseUnblocksWriter(t *testing.T) {
	w, r, err := New(2)
	require.NoError(t, err)

	errC := make(chan error, 1)
	go func() {
		n, err := w.Write([]byte("abcd"))
		assert.Equal(t, 2, n)
		errC <- err
	}()

	require.Eventually(t, func() bool { return r.Buffered() == 2 }, time.Second, time.Millisecond)
	require.NoError(t, r.Close())
	require.NoError(t, r.Close())

	select {
	case err := <-errC:
		assert.ErrorIs(t, err, ErrClosed)
	case <-time.After(time.Second):
		t.Fatal("writer still blocked after reader closed")
	}

	_, err = r.Read(make([]byte, 1))
	assert.ErrorIs(t, err, ErrClosed)
}

func TestWriterCloseUnblocksReader(t *testing.T) {
	w, r, err := New(2)
	require.NoError(t, err)

	errC := make(chan error, 1)
	go func() {
		_, err := r.Read(make([]byte, 1))
		errC <- err
	}()

	time.Sleep(10 * time.Millisecond)
	require.NoError(t, w.Close())

	select {
	case err := <-errC:
		assert.Equal(t, io.EOF, err)
	case <-time.After(time.Second):
		t.Fatal("reader still blocked after writer closed")
	}
}

func TestWriteContextCancelWhileFull(t *testing.T) {
	w, _, err := New(3)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	errC := make(chan error, 1)
	var n int
	go func() {
		var err error
		n, err = w.WriteContext(ctx, []byte("abcdef"))
		errC <- err
	}()

	require.Eventually(t, func() bool { return w.Buffered() == 3 }, time.Second, time.Millisecond)
	cancel()

	select {
	case err := <-errC:
		assert.ErrorIs(t, err, context.Canceled)
		assert.Equal(t, 3, n)
	case <-time.After(time.Second):
		t.Fatal("write not interrupted by cancellation")
	}
}

func TestWriteContextCancelledWithRoomStillWrites(t *testing.T) {
	w, r, err := New(8)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	n, err := w.WriteContext(ctx, []byte("ok"))
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, 2, r.Buffered())
}

func TestReadContextCancel(t *testing.T) {
	_, r, err := New(3)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err = r.ReadContext(ctx, make([]byte, 1))
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

// Concurrent producer and consumer with random chunk sizes: order is
// preserved and the pipe never holds more than its capacity.
func TestConcurrentTransferPreservesOrderAndBound(t *testing.T) {
	for _, capacity := range []int{1, 7, 64, 8192} {
		w, r, err := New(capacity)
		require.NoError(t, err)

		rng := rand.New(rand.NewSource(int64(capacity)))
		src := make([]byte, 64*1024)
		rng.Read(src)

		var wg sync.WaitGroup
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer w.Close()
			for off := 0; off < len(src); {
				size := 1 + rng.Intn(3*capacity)
				if off+size > len(src) {
					size = len(src) - off
				}
				_, err := w.Write(src[off : off+size])
				assert.NoError(t, err)
				off += size
			}
		}()

		var got bytes.Buffer
		buf := make([]byte, 97)
		for {
			assert.LessOrEqual(t, r.Buffered(), capacity)
			n, err := r.Read(buf)
			got.Write(buf[:n])
			if err == io.EOF {
				break
			}
			require.NoError(t, err)
		}
		wg.Wait()

		assert.Equal(t, src, got.Bytes(), "capacity %d", capacity)
		assert.Equal(t, w.Written(), r.ReadTotal())
	}
}
