package sink

import (
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/djherbis/buffer"
	"github.com/petems/vinylcast/internal/audio"
	"github.com/petems/vinylcast/internal/capture"
	"github.com/rs/zerolog"
)

// Spool keeps the most recent audio in a file-backed ring so it can be
// dumped after the fact. Older bytes are overwritten once it is full.
type Spool struct {
	capture.NopListener

	log  zerolog.Logger
	size int64

	mu     sync.Mutex
	file   *os.File
	ring   buffer.Buffer
	format audio.Format
}

// NewSpool creates a spool of size bytes in a temporary file.
func NewSpool(size int64, log zerolog.Logger) (*Spool, error) {
	if size <= 0 {
		return nil, fmt.Errorf("invalid spool size %d", size)
	}
	file, err := os.CreateTemp(os.TempDir(), "vinylcast.spool")
	if err != nil {
		return nil, fmt.Errorf("failed to create spool file: %w", err)
	}

	log = log.With().Str("component", "spool").Logger()
	log.Debug().Str("path", file.Name()).Int64("size", size).Msg("Spool file created")

	return &Spool{
		log:  log,
		size: size,
		file: file,
		ring: buffer.NewRing(buffer.NewFile(size, file)),
	}, nil
}

// OnSessionCreated discards spooled audio recorded in a different format.
func (s *Spool) OnSessionCreated(format audio.Format, _ int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.format != format {
		s.ring.Reset()
		s.format = format
	}
	return nil
}

func (s *Spool) OnData(buf []byte, offset, length int) error {
	p := buf[offset : offset+length]
	if int64(len(p)) > s.size {
		p = p[int64(len(p))-s.size:]
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ring == nil {
		return nil
	}
	if _, err := s.ring.Write(p); err != nil {
		return fmt.Errorf("spool write: %w", err)
	}
	return nil
}

// Snapshot copies the spooled bytes, oldest first, without consuming them.
func (s *Spool) Snapshot() ([]byte, audio.Format, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ring == nil {
		return nil, s.format, nil
	}

	data := make([]byte, s.ring.Len())
	if _, err := io.ReadFull(s.ring, data); err != nil {
		return nil, s.format, fmt.Errorf("spool read: %w", err)
	}
	if _, err := s.ring.Write(data); err != nil {
		return nil, s.format, fmt.Errorf("spool restore: %w", err)
	}
	return data, s.format, nil
}

// WriteWAV writes the spooled audio as a complete WAV file. A partial frame
// left at the start by the ring wrapping is dropped.
func (s *Spool) WriteWAV(w io.Writer) error {
	data, format, err := s.Snapshot()
	if err != nil {
		return err
	}
	if fb := format.FrameBytes(); fb > 0 {
		data = data[len(data)%fb:]
	}
	if err := audio.WriteWAVHeader(w, format, uint32(len(data))); err != nil {
		return err
	}
	_, err = w.Write(data)
	return err
}

// Len returns the number of spooled bytes.
func (s *Spool) Len() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ring == nil {
		return 0
	}
	return s.ring.Len()
}

// Close removes the spool file. The spool ignores data afterwards.
func (s *Spool) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.file == nil {
		return nil
	}
	name := s.file.Name()
	err := s.file.Close()
	s.file, s.ring = nil, nil
	if rmErr := os.Remove(name); err == nil {
		err = rmErr
	}
	return err
}
