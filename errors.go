package hydra

import "errors"

// Sentinel errors for session configuration and lifecycle.
// These errors enable reliable error classification using errors.Is().
var (
	// ErrInvalidMTU indicates the configured MTU is outside [200, 2000].
	ErrInvalidMTU = errors.New("mtu outside supported range")

	// ErrNoPorts indicates an empty tunnel port list.
	ErrNoPorts = errors.New("no tunnel ports configured")

	// ErrInvalidAddress indicates the peer address did not parse as IPv4.
	ErrInvalidAddress = errors.New("invalid peer address")

	// ErrSessionNotRunning indicates the session has not been started.
	ErrSessionNotRunning = errors.New("session is not running")

	// ErrSessionAlreadyRunning indicates the session is already started.
	ErrSessionAlreadyRunning = errors.New("session is already running")
)
