// Package encoder compresses captured PCM for network listeners.
package encoder

import (
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/hraban/opus"
	"github.com/petems/vinylcast/internal/audio"
	"github.com/petems/vinylcast/internal/capture"
	"github.com/rs/zerolog"
)

const (
	// FrameDuration is the length of audio in one Opus packet.
	FrameDuration = 20 // ms

	maxPacketSize = 4000
)

// Opus encodes captured audio into 20ms Opus packets and hands each packet
// to emit. Only 16-bit mono or stereo at an Opus sample rate is supported;
// other sessions are rejected when created and produce no packets.
type Opus struct {
	capture.NopListener

	bitrate int
	emit    func([]byte)
	log     zerolog.Logger

	mu           sync.Mutex
	enc          *opus.Encoder
	frameSamples int
	pending      []int16
	packet       []byte
	packets      int64
}

func NewOpus(bitrate int, emit func([]byte), log zerolog.Logger) *Opus {
	return &Opus{
		bitrate: bitrate,
		emit:    emit,
		log:     log.With().Str("component", "opus").Logger(),
		packet:  make([]byte, maxPacketSize),
	}
}

// Supported reports whether f can be encoded.
func Supported(f audio.Format) error {
	if f.BitDepth != 16 {
		return fmt.Errorf("opus needs 16-bit input, got %d-bit", f.BitDepth)
	}
	if f.Channels < 1 || f.Channels > 2 {
		return fmt.Errorf("opus supports 1 or 2 channels, got %d", f.Channels)
	}
	switch f.SampleRate {
	case 8000, 12000, 16000, 24000, 48000:
	default:
		return fmt.Errorf("opus does not support %d Hz", f.SampleRate)
	}
	return nil
}

func (o *Opus) OnSessionCreated(format audio.Format, _ int) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	o.enc = nil
	o.pending = o.pending[:0]
	if err := Supported(format); err != nil {
		return err
	}

	enc, err := opus.NewEncoder(int(format.SampleRate), int(format.Channels), opus.AppAudio)
	if err != nil {
		return fmt.Errorf("failed to create opus encoder: %w", err)
	}
	if o.bitrate > 0 {
		if err := enc.SetBitrate(o.bitrate); err != nil {
			return fmt.Errorf("failed to set bitrate: %w", err)
		}
	}

	o.enc = enc
	o.frameSamples = int(format.SampleRate) * FrameDuration / 1000 * int(format.Channels)
	o.log.Debug().
		Str("format", format.String()).
		Int("bitrate", o.bitrate).
		Int("frame_samples", o.frameSamples).
		Msg("Opus encoder ready")
	return nil
}

func (o *Opus) OnData(buf []byte, offset, length int) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.enc == nil {
		return nil
	}
	p := buf[offset : offset+length]
	for i := 0; i+1 < len(p); i += 2 {
		o.pending = append(o.pending, int16(binary.LittleEndian.Uint16(p[i:])))
	}
	return o.drainLocked()
}

// OnClosed pads the last partial frame with silence and encodes it.
func (o *Opus) OnClosed() error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.enc == nil {
		return nil
	}
	defer func() { o.enc = nil }()
	if len(o.pending) == 0 {
		return nil
	}
	for len(o.pending) < o.frameSamples {
		o.pending = append(o.pending, 0)
	}
	return o.drainLocked()
}

func (o *Opus) drainLocked() error {
	consumed := 0
	for len(o.pending)-consumed >= o.frameSamples {
		frame := o.pending[consumed : consumed+o.frameSamples]
		consumed += o.frameSamples

		n, err := o.enc.Encode(frame, o.packet)
		if err != nil {
			o.pending = append(o.pending[:0], o.pending[consumed:]...)
			return fmt.Errorf("opus encode failed: %w", err)
		}
		packet := make([]byte, n)
		copy(packet, o.packet[:n])
		o.packets++
		if o.emit != nil {
			o.emit(packet)
		}
	}
	o.pending = append(o.pending[:0], o.pending[consumed:]...)
	return nil
}

// Packets returns the number of packets emitted so far.
func (o *Opus) Packets() int64 {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.packets
}
