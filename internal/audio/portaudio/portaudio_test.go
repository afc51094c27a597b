package portaudio

import (
	"testing"
	"time"

	"github.com/petems/vinylcast/internal/audio"
	"github.com/stretchr/testify/assert"
)

func TestPeriodFrames(t *testing.T) {
	tests := []struct {
		name       string
		latency    time.Duration
		sampleRate uint32
		expected   int
	}{
		{"typical low latency", 10 * time.Millisecond, 48000, 480},
		{"rounds up", 10*time.Millisecond + time.Microsecond, 48000, 481},
		{"clamped to minimum", time.Millisecond, 48000, minPeriodFrames},
		{"zero latency", 0, 44100, minPeriodFrames},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, periodFrames(tt.latency, tt.sampleRate))
		})
	}
}

func TestEncodeInt16LittleEndian(t *testing.T) {
	dst := make([]byte, 6)
	encodeInt16(dst, []int16{1, -1, 0x1234})

	assert.Equal(t, []byte{0x01, 0x00, 0xff, 0xff, 0x34, 0x12}, dst)
}

func TestEncodeInt32LittleEndian(t *testing.T) {
	dst := make([]byte, 8)
	encodeInt32(dst, []int32{0x01020304, -2})

	assert.Equal(t, []byte{0x04, 0x03, 0x02, 0x01, 0xfe, 0xff, 0xff, 0xff}, dst)
}

func TestReadIntoDrainsPendingAcrossCalls(t *testing.T) {
	s := &source{pending: []byte{1, 2, 3, 4, 5}}

	buf := make([]byte, 2)
	n, err := s.ReadInto(buf)
	assert.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, []byte{1, 2}, buf)

	n, err = s.ReadInto(buf)
	assert.NoError(t, err)
	assert.Equal(t, []byte{3, 4}, buf[:n])
}

func TestReadIntoAfterStop(t *testing.T) {
	s := &source{pending: []byte{1, 2}}
	s.stopped.Store(true)

	n, err := s.ReadInto(make([]byte, 4))
	assert.Zero(t, n)
	assert.ErrorIs(t, err, audio.ErrStopped)
}
