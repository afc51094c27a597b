package sink

import (
	"math"
	"sync"
	"time"

	"github.com/petems/vinylcast/internal/audio"
	"github.com/petems/vinylcast/internal/capture"
	"github.com/rs/zerolog"
)

// MinDBFS is reported for silence.
const MinDBFS = -120.0

// Level is the loudness of one metering window relative to full scale.
type Level struct {
	PeakDBFS float64 `json:"peak_dbfs"`
	RMSDBFS  float64 `json:"rms_dbfs"`
}

// Meter measures peak and RMS levels over windows of captured audio and logs
// them at debug level. Windows are counted in samples, not wall time.
type Meter struct {
	capture.NopListener

	interval time.Duration
	log      zerolog.Logger

	mu      sync.Mutex
	format  audio.Format
	window  int
	count   int
	peak    int
	sumSq   float64
	last    Level
	reports int
}

func NewMeter(interval time.Duration, log zerolog.Logger) *Meter {
	return &Meter{
		interval: interval,
		log:      log.With().Str("component", "meter").Logger(),
		last:     Level{PeakDBFS: MinDBFS, RMSDBFS: MinDBFS},
	}
}

func (m *Meter) OnSessionCreated(format audio.Format, _ int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.format = format
	m.window = int(int64(format.SampleRate)*int64(m.interval)/int64(time.Second)) * int(format.Channels)
	if m.window < 1 {
		m.window = 1
	}
	m.resetLocked()
	return nil
}

func (m *Meter) OnData(buf []byte, offset, length int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	samples := m.format.Samples(buf[offset : offset+length])

	for _, s := range samples {
		if s < 0 {
			s = -s
		}
		if s > m.peak {
			m.peak = s
		}
		m.sumSq += float64(s) * float64(s)
		m.count++
		if m.count >= m.window {
			m.reportLocked()
		}
	}
	return nil
}

// OnClosed reports whatever is left of the last window.
func (m *Meter) OnClosed() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.count > 0 {
		m.reportLocked()
	}
	return nil
}

func (m *Meter) reportLocked() {
	full := m.format.FullScale()
	m.last = Level{
		PeakDBFS: dbfs(float64(m.peak) / full),
		RMSDBFS:  dbfs(math.Sqrt(m.sumSq/float64(m.count)) / full),
	}
	m.reports++
	m.log.Debug().
		Float64("peak_dbfs", m.last.PeakDBFS).
		Float64("rms_dbfs", m.last.RMSDBFS).
		Msg("Level")
	m.resetLocked()
}

func (m *Meter) resetLocked() {
	m.count = 0
	m.peak = 0
	m.sumSq = 0
}

// Level returns the most recent completed window.
func (m *Meter) Level() Level {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.last
}

func dbfs(ratio float64) float64 {
	if ratio <= 0 {
		return MinDBFS
	}
	if v := 20 * math.Log10(ratio); v > MinDBFS {
		return v
	}
	return MinDBFS
}
