package wire

import (
	"encoding/binary"
	"fmt"
)

// Probe format constants.
const (
	// ProbeMagic marks profiler probe datagrams. Probes share the media
	// ports with slices and are told apart by this magic.
	ProbeMagic uint32 = 0xDEADBEEF

	// ProbeSize is the exact probe datagram length in bytes.
	ProbeSize = 14
)

// Probe is the profiler's measurement datagram. The peer echoes it back
// unchanged; the round trip time is derived from TimestampUS against the
// sender's own clock, so clocks never need to agree between peers.
type Probe struct {
	Port        uint16
	TimestampUS uint64
}

// Marshal serializes the probe into its 14-byte wire form.
func (p *Probe) Marshal() []byte {
	buf := make([]byte, ProbeSize)
	binary.LittleEndian.PutUint32(buf[0:4], ProbeMagic)
	binary.LittleEndian.PutUint16(buf[4:6], p.Port)
	binary.LittleEndian.PutUint64(buf[6:14], p.TimestampUS)
	return buf
}

// ParseProbe decodes a probe datagram.
func ParseProbe(data []byte) (Probe, error) {
	var p Probe
	if len(data) != ProbeSize {
		return p, fmt.Errorf("probe needs %d bytes, got %d: %w", ProbeSize, len(data), ErrTruncated)
	}
	if binary.LittleEndian.Uint32(data[0:4]) != ProbeMagic {
		return p, ErrInvalidMagic
	}
	p.Port = binary.LittleEndian.Uint16(data[4:6])
	p.TimestampUS = binary.LittleEndian.Uint64(data[6:14])
	return p, nil
}

// IsProbe reports whether a datagram is a well-formed probe. The media
// receiver uses this to echo probes back before slice validation runs.
func IsProbe(data []byte) bool {
	return len(data) == ProbeSize && binary.LittleEndian.Uint32(data[0:4]) == ProbeMagic
}
