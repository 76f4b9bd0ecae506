package transport

import "errors"

// Sentinel errors for transport setup.
// These errors enable reliable error classification using errors.Is().
var (
	// ErrNoTunnels indicates an empty tunnel port list.
	ErrNoTunnels = errors.New("no tunnel ports configured")

	// ErrInvalidAddress indicates the peer address did not parse as IPv4.
	ErrInvalidAddress = errors.New("invalid peer address")

	// ErrNotRunning indicates an operation on a stopped component.
	ErrNotRunning = errors.New("transport is not running")

	// ErrAlreadyRunning indicates a second Start on a live component.
	ErrAlreadyRunning = errors.New("transport is already running")
)
