package session

import "errors"

var (
	// ErrNotFound indicates the session id is not in the pool.
	ErrNotFound = errors.New("session: not found")

	// ErrAlreadyExists indicates a create with an id already in use.
	ErrAlreadyExists = errors.New("session: already exists")

	// ErrAtCapacity indicates the pool is at its session limit.
	ErrAtCapacity = errors.New("session: pool at capacity")

	// ErrNotReady indicates the session is still being created.
	ErrNotReady = errors.New("session: not ready")

	// ErrClosed indicates the session is closing or closed.
	ErrClosed = errors.New("session: closed")
)
