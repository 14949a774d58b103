// Package videocache prepares standalone videos for progressive playback:
// given an 11-character id it runs a configured fetch command, caches the
// resulting MP4 on disk with size/age bounds and serves status queries.
// The streaming core treats it as a black box.
package videocache

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/pagecast/pagecast/internal/logging"
)

var log = logging.L("videocache")

var idPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{11}$`)

// Status is the lifecycle of one cached video.
type Status string

const (
	StatusDownloading Status = "downloading"
	StatusReady       Status = "ready"
	StatusError       Status = "error"
)

var (
	// ErrBadID rejects ids that are not 11 URL-safe characters.
	ErrBadID = errors.New("videocache: invalid video id")

	// ErrNotFound means the id has never been prepared.
	ErrNotFound = errors.New("videocache: not found")

	// ErrNotReady means the video exists but is not streamable yet.
	ErrNotReady = errors.New("videocache: not ready")
)

// Config tunes the cache.
type Config struct {
	Dir      string
	MaxBytes int64
	MaxAge   time.Duration

	// FetchCommand is an argv template; {id} and {out} are substituted.
	// Empty uses a yt-dlp invocation producing progressive MP4.
	FetchCommand []string

	// MaxConcurrent bounds parallel fetches.
	MaxConcurrent int

	// Timeout caps one fetch run.
	Timeout time.Duration
}

func (c *Config) fill() {
	if c.MaxBytes <= 0 {
		c.MaxBytes = 2 << 30
	}
	if c.MaxAge <= 0 {
		c.MaxAge = 6 * time.Hour
	}
	if c.MaxConcurrent <= 0 {
		c.MaxConcurrent = 2
	}
	if c.Timeout <= 0 {
		c.Timeout = 10 * time.Minute
	}
}

func defaultFetchCommand() []string {
	return []string{
		"yt-dlp",
		"-f", "best[ext=mp4][protocol^=http]/best[ext=mp4]",
		"-o", "{out}",
		"https://www.youtube.com/watch?v={id}",
	}
}

// Entry is a point-in-time view of one cached video.
type Entry struct {
	ID        string    `json:"id"`
	Status    Status    `json:"status"`
	Error     string    `json:"error,omitempty"`
	SizeBytes int64     `json:"size_bytes,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

type entry struct {
	Entry
	path string
}

// Cache is the on-disk video store plus its fetch queue. Fetches run in
// their own goroutines behind a concurrency gate so a burst of prepares
// cannot fork a process stampede.
type Cache struct {
	cfg Config

	mu      sync.Mutex
	entries map[string]*entry
	closed  bool

	gate chan struct{}
	done chan struct{}
	wg   sync.WaitGroup
}

// New opens the cache directory and re-indexes any MP4s already present.
func New(cfg Config) (*Cache, error) {
	cfg.fill()
	if cfg.Dir == "" {
		return nil, fmt.Errorf("videocache: dir is required")
	}
	if err := os.MkdirAll(cfg.Dir, 0755); err != nil {
		return nil, fmt.Errorf("videocache: create dir: %w", err)
	}

	c := &Cache{
		cfg:     cfg,
		entries: make(map[string]*entry),
		gate:    make(chan struct{}, cfg.MaxConcurrent),
		done:    make(chan struct{}),
	}
	c.reindex()
	return c, nil
}

// reindex picks up videos left by a previous run.
func (c *Cache) reindex() {
	matches, err := filepath.Glob(filepath.Join(c.cfg.Dir, "*.mp4"))
	if err != nil {
		return
	}
	for _, path := range matches {
		id := strings.TrimSuffix(filepath.Base(path), ".mp4")
		if !idPattern.MatchString(id) {
			continue
		}
		info, err := os.Stat(path)
		if err != nil {
			continue
		}
		c.entries[id] = &entry{
			Entry: Entry{
				ID:        id,
				Status:    StatusReady,
				SizeBytes: info.Size(),
				CreatedAt: info.ModTime(),
			},
			path: path,
		}
	}
	if len(c.entries) > 0 {
		log.Info("videocache reindexed", "videos", len(c.entries))
	}
}

// Prepare starts (or reports) a fetch for the id. Repeated calls while a
// fetch runs, or after it finished, just return the current status.
func (c *Cache) Prepare(id string) (Status, error) {
	if !idPattern.MatchString(id) {
		return "", fmt.Errorf("%w: %q", ErrBadID, id)
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return "", fmt.Errorf("videocache: closed")
	}
	if e, ok := c.entries[id]; ok && e.Status != StatusError {
		st := e.Status
		c.mu.Unlock()
		return st, nil
	}
	e := &entry{
		Entry: Entry{ID: id, Status: StatusDownloading, CreatedAt: time.Now()},
		path:  filepath.Join(c.cfg.Dir, id+".mp4"),
	}
	c.entries[id] = e
	c.mu.Unlock()

	c.wg.Add(1)
	go c.fetch(e)
	return StatusDownloading, nil
}

func (c *Cache) fetch(e *entry) {
	defer c.wg.Done()

	select {
	case c.gate <- struct{}{}:
		defer func() { <-c.gate }()
	case <-c.done:
		c.setError(e, "shutdown before fetch started")
		return
	}

	tmp := e.path + ".part"
	argv := c.cfg.FetchCommand
	if len(argv) == 0 {
		argv = defaultFetchCommand()
	}
	expanded := make([]string, len(argv))
	for i, a := range argv {
		a = strings.ReplaceAll(a, "{id}", e.ID)
		a = strings.ReplaceAll(a, "{out}", tmp)
		expanded[i] = a
	}

	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.Timeout)
	defer cancel()
	go func() {
		select {
		case <-c.done:
			cancel()
		case <-ctx.Done():
		}
	}()

	log.Info("video fetch started", "videoId", e.ID)
	cmd := exec.CommandContext(ctx, expanded[0], expanded[1:]...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		os.Remove(tmp)
		msg := err.Error()
		if tail := lastLine(stderr.Bytes()); tail != "" {
			msg = tail
		}
		c.setError(e, msg)
		log.Warn("video fetch failed", "videoId", e.ID, logging.KeyError, msg)
		return
	}

	if err := os.Rename(tmp, e.path); err != nil {
		os.Remove(tmp)
		c.setError(e, err.Error())
		return
	}
	info, err := os.Stat(e.path)
	if err != nil {
		c.setError(e, err.Error())
		return
	}

	c.mu.Lock()
	e.Status = StatusReady
	e.SizeBytes = info.Size()
	e.CreatedAt = time.Now()
	c.mu.Unlock()

	log.Info("video ready", "videoId", e.ID, "sizeBytes", info.Size())
	c.evict()
}

func (c *Cache) setError(e *entry, msg string) {
	c.mu.Lock()
	e.Status = StatusError
	e.Error = msg
	c.mu.Unlock()
}

// Status returns the entry for an id.
func (c *Cache) Status(id string) (Entry, error) {
	if !idPattern.MatchString(id) {
		return Entry{}, fmt.Errorf("%w: %q", ErrBadID, id)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[id]
	if !ok {
		return Entry{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return e.Entry, nil
}

// Path returns the on-disk file for a ready video.
func (c *Cache) Path(id string) (string, error) {
	if !idPattern.MatchString(id) {
		return "", fmt.Errorf("%w: %q", ErrBadID, id)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[id]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if e.Status != StatusReady {
		return "", fmt.Errorf("%w: %s is %s", ErrNotReady, id, e.Status)
	}
	return e.path, nil
}

// List snapshots every entry, newest first.
func (c *Cache) List() []Entry {
	c.mu.Lock()
	out := make([]Entry, 0, len(c.entries))
	for _, e := range c.entries {
		out = append(out, e.Entry)
	}
	c.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out
}

// evict drops ready videos that are over age or, oldest first, push the
// cache over its byte budget.
func (c *Cache) evict() {
	c.mu.Lock()
	ready := make([]*entry, 0, len(c.entries))
	var total int64
	for _, e := range c.entries {
		if e.Status == StatusReady {
			ready = append(ready, e)
			total += e.SizeBytes
		}
	}
	sort.Slice(ready, func(i, j int) bool {
		return ready[i].CreatedAt.Before(ready[j].CreatedAt)
	})

	var victims []*entry
	now := time.Now()
	for _, e := range ready {
		if now.Sub(e.CreatedAt) > c.cfg.MaxAge || total > c.cfg.MaxBytes {
			victims = append(victims, e)
			total -= e.SizeBytes
			delete(c.entries, e.ID)
		}
	}
	c.mu.Unlock()

	for _, e := range victims {
		if err := os.Remove(e.path); err != nil && !os.IsNotExist(err) {
			log.Warn("video evict failed", "videoId", e.ID, logging.KeyError, err)
		} else {
			log.Info("video evicted", "videoId", e.ID)
		}
	}
}

// Shutdown stops accepting work and waits for running fetches.
func (c *Cache) Shutdown() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.mu.Unlock()

	close(c.done)
	c.wg.Wait()
}

func lastLine(b []byte) string {
	lines := strings.Split(strings.TrimSpace(string(b)), "\n")
	if len(lines) == 0 {
		return ""
	}
	return strings.TrimSpace(lines[len(lines)-1])
}
