// Package fec implements the systematic Reed–Solomon erasure code used
// to protect media slices against datagram loss.
//
// Codewords are built over GF(2⁸) from a systematic Vandermonde
// generator matrix: k data shards pass through unchanged and r parity
// shards are appended, so any k of the k+r shards reconstruct the
// original data. Encoding is deterministic; both peers derive the same
// parity bytes for the same data.
package fec
