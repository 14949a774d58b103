package session

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/pagecast/pagecast/internal/media"
)

// stubFactory hands out stub drivers, optionally failing.
type stubFactory struct {
	fail bool
}

func (f *stubFactory) NewDriver(context.Context, int, int) (Driver, error) {
	if f.fail {
		return nil, errors.New("no browser")
	}
	return &stubDriver{}, nil
}

func newTestPool(t *testing.T, cfg PoolConfig) *Pool {
	t.Helper()
	if cfg.Audio.SampleRate == 0 {
		cfg.Audio = media.AudioConfig{SampleRate: 48000, Channels: 2}
	}
	p := NewPool(&stubFactory{}, cfg)
	t.Cleanup(p.Shutdown)
	return p
}

func TestPool_CreateAppliesDefaults(t *testing.T) {
	p := newTestPool(t, PoolConfig{DefaultWidth: 720, DefaultHeight: 1280})

	s, err := p.Create(context.Background(), "", 0, 0)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if s.ID() == "" {
		t.Fatal("empty id not replaced")
	}
	w, h := s.Viewport()
	if w != 720 || h != 1280 {
		t.Fatalf("viewport = %dx%d, want defaults", w, h)
	}
	if s.State() != StateReady {
		t.Fatalf("state = %v, want ready", s.State())
	}
	if s.Video() == nil || s.Audio() == nil {
		t.Fatal("media fan-out not bound")
	}
}

func TestPool_DuplicateID(t *testing.T) {
	p := newTestPool(t, PoolConfig{})

	if _, err := p.Create(context.Background(), "dup", 0, 0); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := p.Create(context.Background(), "dup", 0, 0); !errors.Is(err, ErrAlreadyExists) {
		t.Fatalf("error = %v, want ErrAlreadyExists", err)
	}
}

func TestPool_Capacity(t *testing.T) {
	p := newTestPool(t, PoolConfig{MaxSessions: 2})

	for i := 0; i < 2; i++ {
		if _, err := p.Create(context.Background(), "", 0, 0); err != nil {
			t.Fatalf("create %d: %v", i, err)
		}
	}
	if _, err := p.Create(context.Background(), "", 0, 0); !errors.Is(err, ErrAtCapacity) {
		t.Fatalf("error = %v, want ErrAtCapacity", err)
	}

	// Closing one frees the slot.
	infos := p.List()
	if err := p.Close(infos[0].ID); err != nil {
		t.Fatalf("close: %v", err)
	}
	if _, err := p.Create(context.Background(), "", 0, 0); err != nil {
		t.Fatalf("create after close: %v", err)
	}
}

func TestPool_FactoryFailureReleasesSlot(t *testing.T) {
	f := &stubFactory{fail: true}
	p := NewPool(f, PoolConfig{})
	t.Cleanup(p.Shutdown)

	if _, err := p.Create(context.Background(), "broken", 0, 0); err == nil {
		t.Fatal("expected create to fail")
	}
	if p.Len() != 0 {
		t.Fatalf("pool holds %d sessions after failed create", p.Len())
	}

	f.fail = false
	if _, err := p.Create(context.Background(), "broken", 0, 0); err != nil {
		t.Fatalf("id not reusable after failed create: %v", err)
	}
}

// gatedFactory blocks driver creation until released, so tests can close
// the slot mid-create.
type gatedFactory struct {
	gate chan struct{}
	drv  *stubDriver
}

func (f *gatedFactory) NewDriver(context.Context, int, int) (Driver, error) {
	<-f.gate
	return f.drv, nil
}

func TestPool_CloseDuringCreate(t *testing.T) {
	f := &gatedFactory{gate: make(chan struct{}), drv: &stubDriver{}}
	p := NewPool(f, PoolConfig{Audio: media.AudioConfig{SampleRate: 48000, Channels: 2}})
	t.Cleanup(p.Shutdown)

	errc := make(chan error, 1)
	go func() {
		_, err := p.Create(context.Background(), "racy", 0, 0)
		errc <- err
	}()

	// Wait until the slot is registered, then yank it while the driver is
	// still starting.
	deadline := time.After(2 * time.Second)
	for p.Len() == 0 {
		select {
		case <-deadline:
			t.Fatal("create never registered the slot")
		case <-time.After(time.Millisecond):
		}
	}
	if err := p.Close("racy"); err != nil {
		t.Fatalf("close during create: %v", err)
	}
	close(f.gate)

	if err := <-errc; !errors.Is(err, ErrClosed) {
		t.Fatalf("create = %v, want ErrClosed", err)
	}
	if p.Len() != 0 {
		t.Fatalf("pool holds %d sessions after close", p.Len())
	}
	if !f.drv.closed.Load() {
		t.Fatal("browser page leaked after close during create")
	}
	if _, err := p.Get("racy"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("vanished session still resolvable: %v", err)
	}
}

func TestPool_GetUnknown(t *testing.T) {
	p := newTestPool(t, PoolConfig{})
	if _, err := p.Get("nope"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("error = %v, want ErrNotFound", err)
	}
}

func TestPool_SecondCloseIsNotFound(t *testing.T) {
	p := newTestPool(t, PoolConfig{})

	if _, err := p.Create(context.Background(), "once", 0, 0); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := p.Close("once"); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := p.Close("once"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("second close = %v, want ErrNotFound", err)
	}
}

func TestPool_List(t *testing.T) {
	p := newTestPool(t, PoolConfig{})

	ids := []string{"a", "b", "c"}
	for _, id := range ids {
		if _, err := p.Create(context.Background(), id, 0, 0); err != nil {
			t.Fatalf("create %s: %v", id, err)
		}
	}

	infos := p.List()
	if len(infos) != 3 {
		t.Fatalf("list = %d entries, want 3", len(infos))
	}
	seen := map[string]bool{}
	for _, info := range infos {
		seen[info.ID] = true
		if info.State != "ready" {
			t.Fatalf("session %s state = %s", info.ID, info.State)
		}
	}
	for _, id := range ids {
		if !seen[id] {
			t.Fatalf("session %s missing from list", id)
		}
	}
}

func TestPool_ReapsIdleSessions(t *testing.T) {
	p := newTestPool(t, PoolConfig{
		IdleTimeout:     50 * time.Millisecond,
		CleanupInterval: 20 * time.Millisecond,
	})

	if _, err := p.Create(context.Background(), "idle", 0, 0); err != nil {
		t.Fatalf("create: %v", err)
	}

	deadline := time.After(2 * time.Second)
	for p.Len() > 0 {
		select {
		case <-deadline:
			t.Fatal("idle session never reaped")
		case <-time.After(10 * time.Millisecond):
		}
	}

	if _, err := p.Get("idle"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("reaped session still resolvable: %v", err)
	}
}

func TestPool_ActivityDefersReaping(t *testing.T) {
	p := newTestPool(t, PoolConfig{
		IdleTimeout:     200 * time.Millisecond,
		CleanupInterval: 20 * time.Millisecond,
	})

	s, err := p.Create(context.Background(), "busy", 0, 0)
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	// Keep clicking for longer than the idle timeout.
	stop := time.After(400 * time.Millisecond)
	for {
		select {
		case <-stop:
			if p.Len() != 1 {
				t.Fatal("active session was reaped")
			}
			return
		case <-time.After(50 * time.Millisecond):
			_ = s.Click(context.Background(), 1, 1)
		}
	}
}

func TestPool_ShutdownClosesEverything(t *testing.T) {
	p := NewPool(&stubFactory{}, PoolConfig{Audio: media.AudioConfig{SampleRate: 48000, Channels: 2}})

	s, err := p.Create(context.Background(), "doomed", 0, 0)
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	p.Shutdown()
	p.Shutdown() // idempotent

	if s.State() != StateClosed {
		t.Fatalf("session state = %v after shutdown", s.State())
	}
	if _, err := p.Create(context.Background(), "late", 0, 0); !errors.Is(err, ErrClosed) {
		t.Fatalf("create after shutdown = %v, want ErrClosed", err)
	}
}
