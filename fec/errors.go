package fec

import "errors"

// Sentinel errors for FEC operations.
// These errors enable reliable error classification using errors.Is().
var (
	// ErrInvalidShardCounts indicates k or r is outside the supported
	// range (k ≥ 1, r ≥ 0, k+r ≤ 1024).
	ErrInvalidShardCounts = errors.New("invalid shard counts")

	// ErrShardCountMismatch indicates the caller passed a shard list
	// whose length disagrees with the codec geometry.
	ErrShardCountMismatch = errors.New("shard count mismatch")

	// ErrShardSizeMismatch indicates present shards have differing or
	// zero lengths.
	ErrShardSizeMismatch = errors.New("shard size mismatch")

	// ErrInsufficientShards indicates fewer than k shards are present,
	// so reconstruction is impossible.
	ErrInsufficientShards = errors.New("insufficient shards for reconstruction")

	// ErrSingularMatrix indicates the decode submatrix could not be
	// inverted. With distinct shard indices this cannot happen; seeing
	// it means a caller bug.
	ErrSingularMatrix = errors.New("singular decode matrix")
)
