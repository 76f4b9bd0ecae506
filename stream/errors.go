package stream

import "errors"

// Sentinel errors for packetization.
// These errors enable reliable error classification using errors.Is().
var (
	// ErrMTUTooSmall indicates the MTU leaves less than the minimum
	// usable payload after the slice header.
	ErrMTUTooSmall = errors.New("mtu too small for slice payload")

	// ErrFrameTooLarge indicates the frame needs more slices than the
	// protocol's 1024-slice ceiling allows at this MTU.
	ErrFrameTooLarge = errors.New("frame exceeds slice count limit")

	// ErrNilFrame indicates a nil frame was passed to the packetizer.
	ErrNilFrame = errors.New("frame is nil")
)
