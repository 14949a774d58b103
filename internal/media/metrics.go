package media

import (
	"sync"
	"time"
)

// StreamMetrics tracks real-time capture and delivery counters for one
// session's frame source.
type StreamMetrics struct {
	mu sync.RWMutex

	FramesCaptured  uint64
	FramesDelivered uint64
	FramesSkipped   uint64
	FramesDropped   uint64

	LastCaptureTime time.Duration
	LastFrameSize   int

	TotalBytesCaptured uint64
	startTime          time.Time
}

func newStreamMetrics() *StreamMetrics {
	return &StreamMetrics{startTime: time.Now()}
}

func (m *StreamMetrics) RecordCapture(d time.Duration, size int) {
	m.mu.Lock()
	m.FramesCaptured++
	m.LastCaptureTime = d
	m.LastFrameSize = size
	m.TotalBytesCaptured += uint64(size)
	m.mu.Unlock()
}

func (m *StreamMetrics) RecordDeliver(n int) {
	m.mu.Lock()
	m.FramesDelivered += uint64(n)
	m.mu.Unlock()
}

func (m *StreamMetrics) RecordSkip() {
	m.mu.Lock()
	m.FramesSkipped++
	m.mu.Unlock()
}

func (m *StreamMetrics) RecordDrop() {
	m.mu.Lock()
	m.FramesDropped++
	m.mu.Unlock()
}

// MetricsSnapshot is a point-in-time copy of metrics for logging.
type MetricsSnapshot struct {
	FramesCaptured  uint64
	FramesDelivered uint64
	FramesSkipped   uint64
	FramesDropped   uint64
	CaptureMs       float64
	LastFrameSize   int
	CaptureKBps     float64
	Uptime          time.Duration
}

func (m *StreamMetrics) Snapshot() MetricsSnapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()

	uptime := time.Since(m.startTime)
	bw := float64(0)
	if uptime.Seconds() > 0 {
		bw = float64(m.TotalBytesCaptured) / uptime.Seconds() / 1024.0
	}

	return MetricsSnapshot{
		FramesCaptured:  m.FramesCaptured,
		FramesDelivered: m.FramesDelivered,
		FramesSkipped:   m.FramesSkipped,
		FramesDropped:   m.FramesDropped,
		CaptureMs:       float64(m.LastCaptureTime.Microseconds()) / 1000.0,
		LastFrameSize:   m.LastFrameSize,
		CaptureKBps:     bw,
		Uptime:          uptime,
	}
}
