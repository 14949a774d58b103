package transport

import (
	"sync"
	"time"
)

const (
	bandwidthWindowSize = 30

	defaultEstimateMbps = 5.0
	minEstimateMbps     = 0.5
	maxEstimateMbps     = 50.0
)

type bwSample struct {
	t     time.Time
	bytes int
}

// bandwidthWindow estimates outgoing throughput from the last N sent
// sample sizes.
type bandwidthWindow struct {
	mu      sync.Mutex
	samples []bwSample
	max     int
	now     func() time.Time
}

func newBandwidthWindow(max int) *bandwidthWindow {
	if max <= 0 {
		max = bandwidthWindowSize
	}
	return &bandwidthWindow{max: max, now: time.Now}
}

func (w *bandwidthWindow) Record(bytes int) {
	w.mu.Lock()
	w.samples = append(w.samples, bwSample{t: w.now(), bytes: bytes})
	if len(w.samples) > w.max {
		w.samples = w.samples[len(w.samples)-w.max:]
	}
	w.mu.Unlock()
}

// EstimateMbps returns 8*totalBytes/elapsed over the window, clamped.
// With too little data it reports the optimistic default so fresh
// connections start at high quality.
func (w *bandwidthWindow) EstimateMbps() float64 {
	w.mu.Lock()
	defer w.mu.Unlock()

	if len(w.samples) < 2 {
		return defaultEstimateMbps
	}
	elapsed := w.samples[len(w.samples)-1].t.Sub(w.samples[0].t).Seconds()
	if elapsed < 0.1 {
		return defaultEstimateMbps
	}
	total := 0
	for _, s := range w.samples {
		total += s.bytes
	}
	mbps := float64(total) * 8 / elapsed / 1e6
	if mbps < minEstimateMbps {
		return minEstimateMbps
	}
	if mbps > maxEstimateMbps {
		return maxEstimateMbps
	}
	return mbps
}

// AdaptiveConfig holds the quality ladder thresholds.
type AdaptiveConfig struct {
	Interval time.Duration
	FastMbps float64
	SlowMbps float64

	HighQuality   int
	MediumQuality int
	LowQuality    int

	HighFPS int
	LowFPS  int
}

// DefaultAdaptiveConfig returns the standard ladder: above FastMbps the
// stream runs at full quality, below SlowMbps it drops to the floor.
func DefaultAdaptiveConfig() AdaptiveConfig {
	return AdaptiveConfig{
		Interval:      5 * time.Second,
		FastMbps:      5.0,
		SlowMbps:      2.0,
		HighQuality:   90,
		MediumQuality: 75,
		LowQuality:    50,
		HighFPS:       30,
		LowFPS:        20,
	}
}

func (c *AdaptiveConfig) fill() {
	d := DefaultAdaptiveConfig()
	if c.Interval <= 0 {
		c.Interval = d.Interval
	}
	if c.FastMbps <= 0 {
		c.FastMbps = d.FastMbps
	}
	if c.SlowMbps <= 0 {
		c.SlowMbps = d.SlowMbps
	}
	if c.HighQuality <= 0 {
		c.HighQuality = d.HighQuality
	}
	if c.MediumQuality <= 0 {
		c.MediumQuality = d.MediumQuality
	}
	if c.LowQuality <= 0 {
		c.LowQuality = d.LowQuality
	}
	if c.HighFPS <= 0 {
		c.HighFPS = d.HighFPS
	}
	if c.LowFPS <= 0 {
		c.LowFPS = d.LowFPS
	}
}

// Controller owns one peer's quality/FPS targets. In adaptive mode it
// re-grades every Interval from the bandwidth estimate; a manual set
// takes over until adaptive mode is re-enabled.
type Controller struct {
	mu         sync.Mutex
	cfg        AdaptiveConfig
	window     *bandwidthWindow
	quality    int
	fps        int
	adaptive   bool
	lastAdjust time.Time
	now        func() time.Time
}

// NewController starts in adaptive mode at the given initial targets.
func NewController(cfg AdaptiveConfig, initialQuality, initialFPS int) *Controller {
	cfg.fill()
	return &Controller{
		cfg:      cfg,
		window:   newBandwidthWindow(bandwidthWindowSize),
		quality:  clampQuality(initialQuality),
		fps:      initialFPS,
		adaptive: true,
		now:      time.Now,
	}
}

// RecordSend feeds one transmitted sample size into the estimator.
func (c *Controller) RecordSend(bytes int) {
	c.window.Record(bytes)
}

// EstimateMbps exposes the current bandwidth estimate.
func (c *Controller) EstimateMbps() float64 {
	return c.window.EstimateMbps()
}

// Quality returns the current JPEG quality target.
func (c *Controller) Quality() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.quality
}

// FPS returns the current frame rate target.
func (c *Controller) FPS() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.fps
}

// Adaptive reports whether automatic grading is active.
func (c *Controller) Adaptive() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.adaptive
}

// SetQuality applies a manual quality override and disables adaptive
// grading.
func (c *Controller) SetQuality(q int) {
	c.mu.Lock()
	c.quality = clampQuality(q)
	c.adaptive = false
	c.mu.Unlock()
}

// SetFPS applies a manual frame rate override and disables adaptive
// grading.
func (c *Controller) SetFPS(fps int) {
	if fps < 1 {
		fps = 1
	}
	c.mu.Lock()
	c.fps = fps
	c.adaptive = false
	c.mu.Unlock()
}

// SetAdaptive toggles automatic grading. Re-enabling resets the cadence
// so the next Tick re-grades immediately.
func (c *Controller) SetAdaptive(on bool) {
	c.mu.Lock()
	c.adaptive = on
	if on {
		c.lastAdjust = time.Time{}
	}
	c.mu.Unlock()
}

// Tick re-grades targets when adaptive mode is on and the cadence is
// due. Returns whether targets changed and their current values.
func (c *Controller) Tick() (changed bool, quality, fps int) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.adaptive {
		return false, c.quality, c.fps
	}
	now := c.now()
	if !c.lastAdjust.IsZero() && now.Sub(c.lastAdjust) < c.cfg.Interval {
		return false, c.quality, c.fps
	}
	c.lastAdjust = now

	q, f := c.grade(c.window.EstimateMbps())
	if q == c.quality && f == c.fps {
		return false, c.quality, c.fps
	}
	c.quality, c.fps = q, f
	return true, q, f
}

func (c *Controller) grade(mbps float64) (quality, fps int) {
	switch {
	case mbps > c.cfg.FastMbps:
		return c.cfg.HighQuality, c.cfg.HighFPS
	case mbps > c.cfg.SlowMbps:
		return c.cfg.MediumQuality, c.cfg.HighFPS
	default:
		return c.cfg.LowQuality, c.cfg.LowFPS
	}
}

func clampQuality(q int) int {
	if q < 1 {
		return 1
	}
	if q > 100 {
		return 100
	}
	return q
}
