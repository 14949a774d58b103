package session

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pagecast/pagecast/internal/logging"
	"github.com/pagecast/pagecast/internal/media"
)

// State is the session lifecycle phase.
type State int32

const (
	StateCreating State = iota
	StateReady
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateCreating:
		return "creating"
	case StateReady:
		return "ready"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	}
	return "unknown"
}

// Driver is the per-session browser surface. Implementations are not
// required to be concurrency-safe; the session serializes every call
// through its command queue.
type Driver interface {
	Navigate(ctx context.Context, url string, timeout time.Duration) (partial bool, err error)
	Click(ctx context.Context, x, y int) error
	Scroll(ctx context.Context, deltaX, deltaY int) error
	TypeText(ctx context.Context, text string) error
	PressKey(ctx context.Context, name string) error
	Resize(ctx context.Context, width, height int) error
	CaptureFrame(ctx context.Context, quality int) ([]byte, error)
	Close(ctx context.Context) error
}

// Config tunes per-session behavior.
type Config struct {
	NavigationTimeout time.Duration
	CommandTimeout    time.Duration // budget for a single driver call
	QueueSize         int
}

func (c *Config) fill() {
	if c.NavigationTimeout <= 0 {
		c.NavigationTimeout = 30 * time.Second
	}
	if c.CommandTimeout <= 0 {
		c.CommandTimeout = 10 * time.Second
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 64
	}
}

// Failures on this many consecutive driver calls mark the session fatal.
const fatalFailureThreshold = 3

type command struct {
	name   string
	budget time.Duration
	run    func(context.Context) error
	done   chan error
}

// Session owns one browser page plus its media fan-out. All driver access
// goes through a single worker goroutine, so commands execute in submission
// order and the driver never sees concurrent calls.
type Session struct {
	id        string
	createdAt time.Time
	cfg       Config
	log       *slog.Logger

	drv   Driver
	video *media.FrameSource
	audio *media.AudioSource

	state      atomic.Int32
	lastActive atomic.Int64 // unix nanos
	currentURL atomic.Value // string

	mu       sync.Mutex
	width    int
	height   int
	onClose  map[string]func()
	failures int

	cmds      chan command
	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup

	// onFatal is invoked (once, from its own goroutine) when the driver
	// looks dead so the owner can tear the session down.
	onFatal func(id string)
}

func newSession(id string, drv Driver, width, height int, cfg Config, onFatal func(string)) *Session {
	cfg.fill()
	s := &Session{
		id:        id,
		createdAt: time.Now(),
		cfg:       cfg,
		log:       logging.WithSession(logging.L("session"), id),
		drv:       drv,
		width:     width,
		height:    height,
		onClose:   make(map[string]func()),
		cmds:      make(chan command, cfg.QueueSize),
		done:      make(chan struct{}),
		onFatal:   onFatal,
	}
	s.state.Store(int32(StateCreating))
	s.currentURL.Store("about:blank")
	s.touch()
	return s
}

// start flips the session to ready and begins serving commands.
func (s *Session) start() {
	s.state.Store(int32(StateReady))
	s.wg.Add(1)
	go s.worker()
}

func (s *Session) bindStreams(video *media.FrameSource, audio *media.AudioSource) {
	s.video = video
	s.audio = audio
}

// ID returns the session identifier.
func (s *Session) ID() string { return s.id }

// State returns the current lifecycle phase.
func (s *Session) State() State { return State(s.state.Load()) }

// URL returns the most recently loaded URL.
func (s *Session) URL() string { return s.currentURL.Load().(string) }

// Video returns the session's frame fan-out.
func (s *Session) Video() *media.FrameSource { return s.video }

// Audio returns the session's audio fan-out.
func (s *Session) Audio() *media.AudioSource { return s.audio }

// Viewport returns the current page viewport.
func (s *Session) Viewport() (width, height int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.width, s.height
}

// IdleFor reports how long since the last client-driven activity.
func (s *Session) IdleFor() time.Duration {
	return time.Since(time.Unix(0, s.lastActive.Load()))
}

func (s *Session) touch() {
	s.lastActive.Store(time.Now().UnixNano())
}

// Info is a point-in-time snapshot for the control plane.
type Info struct {
	ID          string    `json:"id"`
	State       string    `json:"state"`
	URL         string    `json:"url"`
	Width       int       `json:"width"`
	Height      int       `json:"height"`
	CreatedAt   time.Time `json:"created_at"`
	IdleSeconds float64   `json:"idle_seconds"`
	Peers       int       `json:"peers"`
}

// Snapshot returns the session's current public state.
func (s *Session) Snapshot() Info {
	w, h := s.Viewport()
	return Info{
		ID:          s.id,
		State:       s.State().String(),
		URL:         s.URL(),
		Width:       w,
		Height:      h,
		CreatedAt:   s.createdAt,
		IdleSeconds: s.IdleFor().Seconds(),
		Peers:       s.peerCount(),
	}
}

func (s *Session) peerCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.onClose)
}

// OnClose registers a callback fired when the session starts closing.
// Peers use this to detach without polling.
func (s *Session) OnClose(peerID string, fn func()) error {
	if st := s.State(); st == StateClosing || st == StateClosed {
		return ErrClosed
	}
	s.mu.Lock()
	s.onClose[peerID] = fn
	s.mu.Unlock()
	s.touch()
	return nil
}

// RemoveOnClose drops a registered close callback.
func (s *Session) RemoveOnClose(peerID string) {
	s.mu.Lock()
	delete(s.onClose, peerID)
	s.mu.Unlock()
	s.touch()
}

// do submits one driver call to the command queue and waits for its result.
func (s *Session) do(ctx context.Context, name string, budget time.Duration, fn func(context.Context) error) error {
	switch s.State() {
	case StateCreating:
		return ErrNotReady
	case StateClosing, StateClosed:
		return ErrClosed
	}

	cmd := command{name: name, budget: budget, run: fn, done: make(chan error, 1)}
	select {
	case s.cmds <- cmd:
	case <-s.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case err := <-cmd.done:
		return err
	case <-s.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Session) worker() {
	defer s.wg.Done()
	for {
		select {
		case <-s.done:
			s.drainQueue()
			return
		case cmd := <-s.cmds:
			cmd.done <- s.runCommand(cmd)
		}
	}
}

func (s *Session) runCommand(cmd command) error {
	budget := cmd.budget
	if budget <= 0 {
		budget = s.cfg.CommandTimeout
	}
	ctx, cancel := context.WithTimeout(context.Background(), budget)
	go func() {
		select {
		case <-s.done:
			cancel()
		case <-ctx.Done():
		}
	}()
	start := time.Now()
	err := cmd.run(ctx)
	cancel()

	if err != nil {
		s.log.Warn("driver command failed",
			"command", cmd.name,
			logging.KeyDurationMs, time.Since(start).Milliseconds(),
			logging.KeyError, err,
		)
		s.noteFailure()
	} else {
		s.resetFailures()
	}
	return err
}

func (s *Session) noteFailure() {
	s.mu.Lock()
	s.failures++
	fatal := s.failures == fatalFailureThreshold
	s.mu.Unlock()

	if fatal && s.onFatal != nil {
		s.log.Error("driver unresponsive, marking session fatal", "failures", fatalFailureThreshold)
		go s.onFatal(s.id)
	}
}

func (s *Session) resetFailures() {
	s.mu.Lock()
	s.failures = 0
	s.mu.Unlock()
}

func (s *Session) drainQueue() {
	for {
		select {
		case cmd := <-s.cmds:
			cmd.done <- ErrClosed
		default:
			return
		}
	}
}

// Navigate loads a URL through the command queue. A true partial result
// means DOMContentLoaded did not fire before the deadline but the page is
// still usable.
func (s *Session) Navigate(ctx context.Context, url string) (bool, error) {
	var partial bool
	budget := s.cfg.NavigationTimeout + 5*time.Second
	err := s.do(ctx, "navigate", budget, func(ctx context.Context) error {
		p, err := s.drv.Navigate(ctx, url, s.cfg.NavigationTimeout)
		partial = p
		return err
	})
	if err == nil {
		s.currentURL.Store(url)
		s.touch()
	}
	return partial, err
}

// Click dispatches a click at page coordinates.
func (s *Session) Click(ctx context.Context, x, y int) error {
	err := s.do(ctx, "click", 0, func(ctx context.Context) error {
		return s.drv.Click(ctx, x, y)
	})
	if err == nil {
		s.touch()
	}
	return err
}

// Scroll dispatches a wheel scroll.
func (s *Session) Scroll(ctx context.Context, deltaX, deltaY int) error {
	err := s.do(ctx, "scroll", 0, func(ctx context.Context) error {
		return s.drv.Scroll(ctx, deltaX, deltaY)
	})
	if err == nil {
		s.touch()
	}
	return err
}

// TypeText inserts text into the focused element.
func (s *Session) TypeText(ctx context.Context, text string) error {
	err := s.do(ctx, "type_text", 0, func(ctx context.Context) error {
		return s.drv.TypeText(ctx, text)
	})
	if err == nil {
		s.touch()
	}
	return err
}

// PressKey sends one canonical named key.
func (s *Session) PressKey(ctx context.Context, name string) error {
	err := s.do(ctx, "press_key", 0, func(ctx context.Context) error {
		return s.drv.PressKey(ctx, name)
	})
	if err == nil {
		s.touch()
	}
	return err
}

// Resize changes the emulated viewport.
func (s *Session) Resize(ctx context.Context, width, height int) error {
	err := s.do(ctx, "resize", 0, func(ctx context.Context) error {
		return s.drv.Resize(ctx, width, height)
	})
	if err == nil {
		s.mu.Lock()
		s.width, s.height = width, height
		s.mu.Unlock()
		s.touch()
	}
	return err
}

// CaptureFrame grabs a JPEG still through the command queue. The frame
// source uses this as its capture function.
func (s *Session) CaptureFrame(ctx context.Context, quality int) ([]byte, error) {
	var data []byte
	err := s.do(ctx, "capture_frame", 0, func(ctx context.Context) error {
		d, err := s.drv.CaptureFrame(ctx, quality)
		data = d
		return err
	})
	return data, err
}

// Close tears the session down: media loops first, then in-flight driver
// work, finally the page itself. Registered peers are notified before the
// driver goes away so they stop pushing media. Idempotent.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		s.state.Store(int32(StateClosing))

		s.mu.Lock()
		callbacks := make([]func(), 0, len(s.onClose))
		for _, fn := range s.onClose {
			callbacks = append(callbacks, fn)
		}
		s.onClose = map[string]func(){}
		s.mu.Unlock()
		for _, fn := range callbacks {
			fn()
		}

		if s.video != nil {
			s.video.Stop()
		}
		if s.audio != nil {
			s.audio.Stop()
		}

		close(s.done)
		s.wg.Wait()

		if s.drv != nil {
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			if err := s.drv.Close(ctx); err != nil {
				s.log.Warn("driver close", logging.KeyError, err)
			}
			cancel()
		}

		s.state.Store(int32(StateClosed))
		s.log.Info("session closed")
	})
}
