package wire

import "errors"

// Sentinel errors for wire validation.
// These errors enable reliable error classification using errors.Is().
var (
	// ErrInvalidMagic indicates the datagram does not start with the
	// expected magic value.
	ErrInvalidMagic = errors.New("invalid magic")

	// ErrTruncated indicates the datagram is too short to hold a header.
	ErrTruncated = errors.New("datagram truncated")

	// ErrBadGeometry indicates the slice counts in the header are
	// inconsistent or exceed the protocol limit.
	ErrBadGeometry = errors.New("inconsistent slice geometry")

	// ErrLengthMismatch indicates the datagram length does not match
	// header size plus the advertised payload size.
	ErrLengthMismatch = errors.New("datagram length mismatch")

	// ErrChecksumMismatch indicates the payload checksum does not match
	// the header.
	ErrChecksumMismatch = errors.New("payload checksum mismatch")
)
