// Package wire defines the on-wire datagram formats of the hydra
// transport: the fixed-size media slice and the profiler probe.
//
// Both formats are bit-exact little-endian layouts. Any datagram on the
// media ports that does not validate as one of the two is discarded.
package wire
