package browser

import "errors"

var (
	// ErrDriverTimeout indicates a CDP call did not complete within its deadline.
	ErrDriverTimeout = errors.New("browser: driver call timed out")

	// ErrDriverGone indicates the page or browser connection is no longer usable.
	ErrDriverGone = errors.New("browser: driver disconnected")

	// ErrUnknownKey is returned for key names outside the canonical set.
	ErrUnknownKey = errors.New("browser: unknown key name")
)
