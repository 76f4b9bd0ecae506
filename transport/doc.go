// Package transport implements the multi-path UDP layer of hydra.
//
// The sender owns one datagram socket per tunnel and schedules each
// slice onto a tunnel by weighted sampling over the profiler's live
// loss/RTT table, optionally cloning slices across tunnels for
// redundancy. The receiver binds the session's local ports, echoes
// profiler probes, and hands validated-length datagrams to its callback.
//
// Transmission is best-effort end to end: transient socket errors are
// retried briefly, permanent ones are counted and the slice is dropped,
// exactly as UDP semantics already allow.
package transport
