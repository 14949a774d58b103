package media

import (
	"context"
	"sync"
	"time"

	"github.com/pagecast/pagecast/internal/logging"
)

var log = logging.L("media")

// Frame is one JPEG still delivered to a subscriber. Ordinals are
// strictly increasing per subscriber.
type Frame struct {
	Data      []byte
	Timestamp time.Time
	Ordinal   uint64
}

// VideoSink receives paced frames. PushFrame must return quickly; slow
// consumers drop internally rather than stalling the capture loop.
type VideoSink interface {
	PushFrame(Frame)
	Quality() int // desired JPEG quality, 1-100
	FPS() int     // desired delivery rate
}

// CaptureFunc grabs one JPEG still at the given quality.
type CaptureFunc func(ctx context.Context, quality int) ([]byte, error)

// FrameSourceConfig tunes one session's capture loop.
type FrameSourceConfig struct {
	Capture        CaptureFunc
	DefaultFPS     int
	MaxFPS         int
	DefaultQuality int
}

type frameSub struct {
	sink     VideoSink
	ordinal  uint64    // loop goroutine only
	lastSent time.Time // loop goroutine only
}

// FrameSource runs one deadline-paced capture loop per session and fans
// frames out to subscribers. Capture happens once per tick at the highest
// subscriber quality; lower-quality subscribers get a re-encoded copy.
type FrameSource struct {
	cfg     FrameSourceConfig
	metrics *StreamMetrics

	mu   sync.Mutex
	subs map[string]*frameSub

	done      chan struct{}
	startOnce sync.Once
	stopOnce  sync.Once
	wg        sync.WaitGroup

	lastErrLog time.Time // loop goroutine only
}

// NewFrameSource creates an idle frame source. Call Start to begin pacing.
func NewFrameSource(cfg FrameSourceConfig) *FrameSource {
	if cfg.DefaultFPS <= 0 {
		cfg.DefaultFPS = 30
	}
	if cfg.MaxFPS <= 0 {
		cfg.MaxFPS = 60
	}
	if cfg.DefaultFPS > cfg.MaxFPS {
		cfg.DefaultFPS = cfg.MaxFPS
	}
	cfg.DefaultQuality = clampQuality(cfg.DefaultQuality)
	return &FrameSource{
		cfg:     cfg,
		metrics: newStreamMetrics(),
		subs:    make(map[string]*frameSub),
		done:    make(chan struct{}),
	}
}

// Metrics exposes the loop counters.
func (f *FrameSource) Metrics() *StreamMetrics { return f.metrics }

// Start launches the capture loop.
func (f *FrameSource) Start() {
	f.startOnce.Do(func() {
		f.wg.Add(1)
		go f.loop()
	})
}

// Stop halts the loop and waits for it to exit.
func (f *FrameSource) Stop() {
	f.stopOnce.Do(func() {
		close(f.done)
	})
	f.wg.Wait()
}

// Attach registers a subscriber under the given id, replacing any
// previous sink with that id.
func (f *FrameSource) Attach(id string, sink VideoSink) {
	f.mu.Lock()
	f.subs[id] = &frameSub{sink: sink}
	f.mu.Unlock()
}

// Detach removes a subscriber.
func (f *FrameSource) Detach(id string) {
	f.mu.Lock()
	delete(f.subs, id)
	f.mu.Unlock()
}

// Subscribers returns the current subscriber count.
func (f *FrameSource) Subscribers() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.subs)
}

// targets computes the capture rate and quality for the next tick: the
// maximum over all subscribers, clamped to the configured ceiling.
func (f *FrameSource) targets() (fps, quality int, active bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.subs) == 0 {
		return f.cfg.DefaultFPS, f.cfg.DefaultQuality, false
	}
	for _, sub := range f.subs {
		if q := clampQuality(sub.sink.Quality()); q > quality {
			quality = q
		}
		if r := sub.sink.FPS(); r > fps {
			fps = r
		}
	}
	if fps < 1 {
		fps = f.cfg.DefaultFPS
	}
	if fps > f.cfg.MaxFPS {
		fps = f.cfg.MaxFPS
	}
	if quality < 1 {
		quality = f.cfg.DefaultQuality
	}
	return fps, quality, true
}

func (f *FrameSource) loop() {
	defer f.wg.Done()

	var prev []byte
	next := time.Now()

	for {
		select {
		case <-f.done:
			return
		default:
		}

		fps, quality, active := f.targets()
		if !active {
			// No subscribers: stay quiet and keep the browser unburdened.
			select {
			case <-f.done:
				return
			case <-time.After(200 * time.Millisecond):
			}
			next = time.Now()
			prev = nil
			continue
		}

		interval := time.Second / time.Duration(fps)
		next = next.Add(interval)
		now := time.Now()

		if wait := next.Sub(now); wait > 0 {
			select {
			case <-f.done:
				return
			case <-time.After(wait):
			}
		} else if now.Sub(next) > interval && prev != nil {
			// Overran by more than a full interval: resend the previous
			// frame instead of stacking up capture work, then realign.
			f.metrics.RecordSkip()
			f.deliver(prev, quality, time.Now())
			next = time.Now()
			continue
		}

		budget := 2 * interval
		if budget < 200*time.Millisecond {
			budget = 200 * time.Millisecond
		}
		ctx, cancel := context.WithTimeout(context.Background(), budget)
		start := time.Now()
		data, err := f.cfg.Capture(ctx, quality)
		cancel()

		if err != nil {
			f.metrics.RecordDrop()
			if time.Since(f.lastErrLog) > 10*time.Second {
				f.lastErrLog = time.Now()
				log.Warn("frame capture failed", logging.KeyError, err)
			}
			if prev != nil {
				f.deliver(prev, quality, time.Now())
			}
			continue
		}

		f.metrics.RecordCapture(time.Since(start), len(data))
		prev = data
		f.deliver(data, quality, start)
	}
}

// deliver fans one captured JPEG out, re-encoding once per distinct
// subscriber quality below the capture quality. Subscribers pacing below
// the loop rate are decimated here so their FPS target holds.
func (f *FrameSource) deliver(data []byte, capturedQuality int, ts time.Time) {
	f.mu.Lock()
	subs := make([]*frameSub, 0, len(f.subs))
	for _, sub := range f.subs {
		subs = append(subs, sub)
	}
	f.mu.Unlock()

	reencoded := map[int][]byte{capturedQuality: data}
	delivered := 0

	for _, sub := range subs {
		if fps := sub.sink.FPS(); fps > 0 && !sub.lastSent.IsZero() {
			minGap := time.Second / time.Duration(fps)
			if ts.Sub(sub.lastSent) < minGap-minGap/10 {
				continue
			}
		}

		q := clampQuality(sub.sink.Quality())
		if q > capturedQuality {
			q = capturedQuality
		}
		payload, ok := reencoded[q]
		if !ok {
			re, err := reencodeJPEG(data, q)
			if err != nil {
				re = data
			}
			reencoded[q] = re
			payload = re
		}

		sub.ordinal++
		sub.lastSent = ts
		sub.sink.PushFrame(Frame{Data: payload, Timestamp: ts, Ordinal: sub.ordinal})
		delivered++
	}

	if delivered > 0 {
		f.metrics.RecordDeliver(delivered)
	}
}
