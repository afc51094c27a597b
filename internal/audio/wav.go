package audio

import (
	"encoding/binary"
	"io"
	"math"
)

// StreamingDataSize is written as the data chunk size of a WAV header when
// the length is not known up front.
const StreamingDataSize = math.MaxUint32 - 36

type wavHeader struct {
	RiffMark      [4]byte
	FileSize      uint32
	WaveMark      [4]byte
	FmtMark       [4]byte
	FmtSize       uint32
	AudioFormat   uint16
	NumChannels   uint16
	SampleRate    uint32
	ByteRate      uint32
	BlockAlign    uint16
	BitsPerSample uint16
	DataMark      [4]byte
	DataSize      uint32
}

// WriteWAVHeader writes a 44 byte PCM WAV header for dataSize bytes of
// audio in format f.
func WriteWAVHeader(w io.Writer, f Format, dataSize uint32) error {
	header := wavHeader{
		RiffMark:      [4]byte{'R', 'I', 'F', 'F'},
		FileSize:      36 + dataSize,
		WaveMark:      [4]byte{'W', 'A', 'V', 'E'},
		FmtMark:       [4]byte{'f', 'm', 't', ' '},
		FmtSize:       16,
		AudioFormat:   1, // PCM
		NumChannels:   uint16(f.Channels),
		SampleRate:    f.SampleRate,
		ByteRate:      uint32(f.BytesPerSecond()),
		BlockAlign:    uint16(f.FrameBytes()),
		BitsPerSample: uint16(f.BitDepth),
		DataMark:      [4]byte{'d', 'a', 't', 'a'},
		DataSize:      dataSize,
	}
	return binary.Write(w, binary.LittleEndian, &header)
}
