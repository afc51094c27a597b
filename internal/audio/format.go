package audio

import (
	"encoding/binary"
	"fmt"
	"math"
)

// Format describes raw interleaved little-endian PCM.
type Format struct {
	SampleRate uint32
	BitDepth   uint8
	Channels   uint8
}

// DefaultFormat is 48kHz, 16-bit, stereo.
var DefaultFormat = Format{SampleRate: 48000, BitDepth: 16, Channels: 2}

func (f Format) Validate() error {
	switch f.BitDepth {
	case 8, 16, 24, 32:
	default:
		return fmt.Errorf("%w: bit depth %d", ErrUnsupportedFormat, f.BitDepth)
	}
	if f.Channels < 1 {
		return fmt.Errorf("%w: channel count %d", ErrUnsupportedFormat, f.Channels)
	}
	if f.SampleRate == 0 {
		return fmt.Errorf("%w: sample rate 0", ErrUnsupportedFormat)
	}
	return nil
}

// SampleBytes is the size of one sample of one channel.
func (f Format) SampleBytes() int { return int(f.BitDepth) / 8 }

// FrameBytes is the size of one sample across all channels.
func (f Format) FrameBytes() int { return f.SampleBytes() * int(f.Channels) }

func (f Format) BytesPerSecond() int { return f.FrameBytes() * int(f.SampleRate) }

func (f Format) String() string {
	return fmt.Sprintf("%dHz/%dbit/%dch", f.SampleRate, f.BitDepth, f.Channels)
}

// Samples decodes little-endian PCM into signed integer samples. Trailing
// bytes that do not form a whole sample are ignored.
func (f Format) Samples(pcm []byte) []int {
	sb := f.SampleBytes()
	if sb == 0 {
		return nil
	}
	out := make([]int, len(pcm)/sb)
	for i := range out {
		b := pcm[i*sb : (i+1)*sb]
		switch sb {
		case 1:
			// 8-bit PCM is unsigned
			out[i] = int(b[0]) - 128
		case 2:
			out[i] = int(int16(binary.LittleEndian.Uint16(b)))
		case 3:
			v := int32(b[0]) | int32(b[1])<<8 | int32(b[2])<<16
			out[i] = int(v<<8) >> 8
		case 4:
			out[i] = int(int32(binary.LittleEndian.Uint32(b)))
		}
	}
	return out
}

// FullScale is the magnitude of the largest sample at this bit depth.
func (f Format) FullScale() float64 {
	return math.Exp2(float64(f.BitDepth) - 1)
}
