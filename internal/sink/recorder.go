// Package sink holds capture listeners that consume PCM next to the pipe
// reader: a WAV recorder, a ring spool of recent audio and a level meter.
package sink

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	goaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"
	"github.com/petems/vinylcast/internal/audio"
	"github.com/petems/vinylcast/internal/capture"
	"github.com/rs/zerolog"
)

const wavFormatPCM = 1

// WAVRecorder writes every captured chunk to a WAV file in dir. A new file
// is created each time capture starts and finalized when the session closes.
type WAVRecorder struct {
	capture.NopListener

	dir string
	log zerolog.Logger
	now func() time.Time

	mu     sync.Mutex
	format audio.Format
	file   *os.File
	enc    *wav.Encoder
	buf    *goaudio.IntBuffer
	path   string
	bytes  int64
}

func NewWAVRecorder(dir string, log zerolog.Logger) *WAVRecorder {
	return &WAVRecorder{
		dir: dir,
		log: log.With().Str("component", "recorder").Logger(),
		now: time.Now,
	}
}

func (r *WAVRecorder) OnSessionCreated(format audio.Format, _ int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.format = format
	return nil
}

func (r *WAVRecorder) OnStarted() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.enc != nil {
		return nil
	}
	if err := os.MkdirAll(r.dir, 0755); err != nil {
		return fmt.Errorf("failed to create recordings dir: %w", err)
	}

	path := filepath.Join(r.dir, "vinylcast-"+r.now().Format("20060102-150405")+".wav")
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create recording: %w", err)
	}

	r.file = f
	r.path = path
	r.bytes = 0
	r.enc = wav.NewEncoder(f, int(r.format.SampleRate), int(r.format.BitDepth), int(r.format.Channels), wavFormatPCM)
	r.buf = &goaudio.IntBuffer{
		Format: &goaudio.Format{
			NumChannels: int(r.format.Channels),
			SampleRate:  int(r.format.SampleRate),
		},
		SourceBitDepth: int(r.format.BitDepth),
	}

	r.log.Info().Str("path", path).Str("format", r.format.String()).Msg("Recording started")
	return nil
}

func (r *WAVRecorder) OnData(buf []byte, offset, length int) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.enc == nil {
		return nil
	}

	samples := r.format.Samples(buf[offset : offset+length])
	if r.format.BitDepth == 8 {
		// the encoder writes 8-bit samples as stored, which is unsigned
		for i := range samples {
			samples[i] += 128
		}
	}
	r.buf.Data = samples
	if err := r.enc.Write(r.buf); err != nil {
		return fmt.Errorf("failed to write recording: %w", err)
	}
	r.bytes += int64(len(samples) * r.format.SampleBytes())
	return nil
}

func (r *WAVRecorder) OnClosed() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.finishLocked()
}

func (r *WAVRecorder) finishLocked() error {
	if r.enc == nil {
		return nil
	}

	encErr := r.enc.Close()
	fileErr := r.file.Close()
	r.enc, r.file, r.buf = nil, nil, nil

	if encErr != nil {
		return fmt.Errorf("failed to finalize recording: %w", encErr)
	}
	if fileErr != nil {
		return fmt.Errorf("failed to close recording: %w", fileErr)
	}

	r.log.Info().Str("path", r.path).Int64("bytes", r.bytes).Msg("Recording saved")
	return nil
}

// Path returns the file of the current or most recent recording.
func (r *WAVRecorder) Path() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.path
}
