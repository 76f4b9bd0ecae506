// Package profiler measures per-tunnel RTT and loss with a tiny
// probe/reply exchange.
//
// Each tunnel gets one probe per round from a dedicated ephemeral
// socket. The peer's media receiver echoes probes back verbatim; the
// round trip is measured against the sender's own clock. After every
// round the full stats table is published as one immutable snapshot for
// the packetizer, sender and controller to read.
package profiler
