package transport

import (
	"errors"
	"sync"

	"github.com/pagecast/pagecast/internal/logging"
	"github.com/pagecast/pagecast/internal/session"
)

var log = logging.L("transport")

// SessionCloser closes a session by id. Satisfied by the session pool.
type SessionCloser interface {
	Close(id string) error
}

// Registry tracks live peers. Sessions follow peer lifetime: when a peer
// closes, its session is closed through the SessionCloser.
type Registry struct {
	closer SessionCloser

	mu    sync.RWMutex
	peers map[string]*Peer
}

// NewRegistry creates an empty registry.
func NewRegistry(closer SessionCloser) *Registry {
	return &Registry{
		closer: closer,
		peers:  make(map[string]*Peer),
	}
}

// Connect creates a peer bound to the session and tracks it.
func (r *Registry) Connect(cfg PeerConfig, sess Session) (*Peer, error) {
	p, err := NewPeer(cfg, sess, r.peerClosed)
	if err != nil {
		return nil, err
	}
	r.mu.Lock()
	r.peers[p.ID()] = p
	r.mu.Unlock()
	return p, nil
}

// Get looks a peer up by id.
func (r *Registry) Get(id string) (*Peer, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.peers[id]
	return p, ok
}

// Count returns the number of live peers.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.peers)
}

// ClosePeer closes one peer if present.
func (r *Registry) ClosePeer(id string) {
	r.mu.RLock()
	p, ok := r.peers[id]
	r.mu.RUnlock()
	if ok {
		p.Close()
	}
}

// CloseAll tears every peer down, used at shutdown.
func (r *Registry) CloseAll() {
	r.mu.Lock()
	all := make([]*Peer, 0, len(r.peers))
	for _, p := range r.peers {
		all = append(all, p)
	}
	r.mu.Unlock()
	for _, p := range all {
		p.Close()
	}
}

// peerClosed runs (in its own goroutine) after a peer finishes closing.
// The bound session goes with it; a session already being torn down
// reports not-found, which is fine.
func (r *Registry) peerClosed(p *Peer) {
	r.mu.Lock()
	delete(r.peers, p.ID())
	r.mu.Unlock()

	if err := r.closer.Close(p.SessionID()); err != nil && !errors.Is(err, session.ErrNotFound) {
		log.Warn("session close after peer exit",
			logging.KeySession, p.SessionID(),
			logging.KeyError, err,
		)
	}
}
