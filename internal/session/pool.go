package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/pagecast/pagecast/internal/logging"
	"github.com/pagecast/pagecast/internal/media"
)

var log = logging.L("pool")

// DriverFactory creates one browser page per session.
type DriverFactory interface {
	NewDriver(ctx context.Context, width, height int) (Driver, error)
}

// PoolConfig tunes the session pool.
type PoolConfig struct {
	MaxSessions     int
	IdleTimeout     time.Duration
	CleanupInterval time.Duration

	DefaultWidth  int
	DefaultHeight int

	Framerate      int
	MaxFramerate   int
	DefaultQuality int

	Session Config
	Audio   media.AudioConfig
}

func (c *PoolConfig) fill() {
	if c.MaxSessions <= 0 {
		c.MaxSessions = 10
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = 120 * time.Second
	}
	if c.CleanupInterval <= 0 {
		c.CleanupInterval = 60 * time.Second
	}
	if c.DefaultWidth <= 0 {
		c.DefaultWidth = 720
	}
	if c.DefaultHeight <= 0 {
		c.DefaultHeight = 1280
	}
	if c.Framerate <= 0 {
		c.Framerate = 30
	}
	if c.MaxFramerate <= 0 {
		c.MaxFramerate = 60
	}
	if c.DefaultQuality <= 0 {
		c.DefaultQuality = 75
	}
}

// Pool is the process-wide session index. The index lock is never held
// across a driver call or a session close.
type Pool struct {
	cfg     PoolConfig
	factory DriverFactory

	mu       sync.Mutex
	sessions map[string]*Session
	closed   bool

	done     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewPool creates the pool and starts its idle reaper.
func NewPool(factory DriverFactory, cfg PoolConfig) *Pool {
	cfg.fill()
	p := &Pool{
		cfg:      cfg,
		factory:  factory,
		sessions: make(map[string]*Session),
		done:     make(chan struct{}),
	}
	p.wg.Add(1)
	go p.reaper()
	return p
}

// Create reserves a slot, spins up a browser page and returns the ready
// session. An empty id gets a generated UUID.
func (p *Pool) Create(ctx context.Context, id string, width, height int) (*Session, error) {
	if id == "" {
		id = uuid.NewString()
	}
	if width <= 0 {
		width = p.cfg.DefaultWidth
	}
	if height <= 0 {
		height = p.cfg.DefaultHeight
	}

	s := newSession(id, nil, width, height, p.cfg.Session, func(id string) {
		if err := p.Close(id); err == nil {
			log.Warn("session closed after driver failure", logging.KeySession, id)
		}
	})

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, ErrClosed
	}
	if _, ok := p.sessions[id]; ok {
		p.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrAlreadyExists, id)
	}
	if len(p.sessions) >= p.cfg.MaxSessions {
		p.mu.Unlock()
		return nil, fmt.Errorf("%w (%d)", ErrAtCapacity, p.cfg.MaxSessions)
	}
	p.sessions[id] = s
	p.mu.Unlock()

	// Driver creation happens outside the index lock; it can take seconds.
	drv, err := p.factory.NewDriver(ctx, width, height)
	if err != nil {
		p.mu.Lock()
		delete(p.sessions, id)
		p.mu.Unlock()
		return nil, fmt.Errorf("create driver: %w", err)
	}

	video := media.NewFrameSource(media.FrameSourceConfig{
		Capture:        s.CaptureFrame,
		DefaultFPS:     p.cfg.Framerate,
		MaxFPS:         p.cfg.MaxFramerate,
		DefaultQuality: p.cfg.DefaultQuality,
	})
	audio := media.NewAudioSource(p.cfg.Audio)

	// The slot can be closed out from under us (client delete, shutdown)
	// while the browser was starting. Re-check membership before wiring the
	// session up; the close already ran against the half-built session, so
	// the fresh page must come down here.
	p.mu.Lock()
	if p.sessions[id] != s {
		p.mu.Unlock()
		cctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		if cerr := drv.Close(cctx); cerr != nil {
			log.Warn("closing driver for vanished session", logging.KeySession, id, logging.KeyError, cerr)
		}
		cancel()
		return nil, fmt.Errorf("%w: %s", ErrClosed, id)
	}
	s.drv = drv
	s.bindStreams(video, audio)
	s.start()
	video.Start()
	if err := audio.Start(); err != nil {
		// Session stays usable; the audio track carries silence.
		log.Warn("audio capture unavailable", logging.KeySession, id, logging.KeyError, err)
	}
	p.mu.Unlock()

	log.Info("session created", logging.KeySession, id, "width", width, "height", height)
	return s, nil
}

// Get returns a live session by id.
func (p *Pool) Get(id string) (*Session, error) {
	p.mu.Lock()
	s, ok := p.sessions[id]
	p.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return s, nil
}

// Close removes a session from the index and tears it down. The second
// close of the same id reports ErrNotFound.
func (p *Pool) Close(id string) error {
	p.mu.Lock()
	s, ok := p.sessions[id]
	delete(p.sessions, id)
	p.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	s.Close()
	return nil
}

// List returns a snapshot of all sessions.
func (p *Pool) List() []Info {
	p.mu.Lock()
	all := make([]*Session, 0, len(p.sessions))
	for _, s := range p.sessions {
		all = append(all, s)
	}
	p.mu.Unlock()

	infos := make([]Info, 0, len(all))
	for _, s := range all {
		infos = append(infos, s.Snapshot())
	}
	return infos
}

// Len returns the number of sessions in the index.
func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.sessions)
}

// MaxSessions returns the configured capacity.
func (p *Pool) MaxSessions() int { return p.cfg.MaxSessions }

// Shutdown closes every session and stops the reaper.
func (p *Pool) Shutdown() {
	p.stopOnce.Do(func() {
		close(p.done)

		p.mu.Lock()
		p.closed = true
		all := make([]*Session, 0, len(p.sessions))
		for _, s := range p.sessions {
			all = append(all, s)
		}
		p.sessions = map[string]*Session{}
		p.mu.Unlock()

		for _, s := range all {
			s.Close()
		}
		p.wg.Wait()
		log.Info("pool shut down", "closed", len(all))
	})
}

func (p *Pool) reaper() {
	defer p.wg.Done()
	ticker := time.NewTicker(p.cfg.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-p.done:
			return
		case <-ticker.C:
			p.reapIdle()
		}
	}
}

func (p *Pool) reapIdle() {
	p.mu.Lock()
	var expired []string
	for id, s := range p.sessions {
		if s.State() == StateReady && s.IdleFor() > p.cfg.IdleTimeout {
			expired = append(expired, id)
		}
	}
	p.mu.Unlock()

	for _, id := range expired {
		log.Info("reaping idle session", logging.KeySession, id)
		// Racing with an explicit close is fine; second close is NotFound.
		_ = p.Close(id)
	}
}
