package wire

import (
	"encoding/binary"
	"fmt"
	"hash/fnv"
)

// Protocol constants for the media slice format.
const (
	// SliceMagic marks every media slice datagram.
	SliceMagic uint32 = 0xABCD1234

	// HeaderSize is the fixed slice header length in bytes.
	HeaderSize = 35

	// MaxTotalSlices bounds k+r so the FEC inversion matrix stays small
	// enough to decode within a few milliseconds.
	MaxTotalSlices = 1024

	// MinPayloadBytes is the smallest usable per-slice payload; an MTU
	// that leaves less room than this is rejected at configuration time.
	MinPayloadBytes = 64

	// MTU limits accepted by the session configuration.
	MinMTU     = 200
	MaxMTU     = 2000
	DefaultMTU = 1200
)

// Slice flag bits.
const (
	// FlagParity marks a parity slice (bit 0).
	FlagParity = 0x01

	// FlagKeyframe marks a slice belonging to a keyframe (bit 1).
	FlagKeyframe = 0x02
)

// SliceHeader is the fixed header carried by every media slice.
//
// All slices of one frame carry identical geometry fields
// (KData, RParity, PayloadBytes, TotalFrameBytes, TimestampUS).
// Data slices occupy indices [0, KData); parity slices occupy
// [KData, KData+RParity).
type SliceHeader struct {
	FrameID         uint32
	SliceIndex      uint16
	TotalSlices     uint16
	KData           uint16
	RParity         uint16
	PayloadBytes    uint16
	TotalFrameBytes uint32
	TimestampUS     uint64
	Flags           uint8
	Checksum        uint32
}

// IsParity reports whether the slice carries parity rather than data.
func (h *SliceHeader) IsParity() bool {
	return h.Flags&FlagParity != 0
}

// IsKeyframe reports whether the slice belongs to a keyframe.
func (h *SliceHeader) IsKeyframe() bool {
	return h.Flags&FlagKeyframe != 0
}

// MarshalTo writes the header into the first HeaderSize bytes of buf.
func (h *SliceHeader) MarshalTo(buf []byte) error {
	if len(buf) < HeaderSize {
		return fmt.Errorf("header buffer too small: %d bytes: %w", len(buf), ErrTruncated)
	}
	binary.LittleEndian.PutUint32(buf[0:4], SliceMagic)
	binary.LittleEndian.PutUint32(buf[4:8], h.FrameID)
	binary.LittleEndian.PutUint16(buf[8:10], h.SliceIndex)
	binary.LittleEndian.PutUint16(buf[10:12], h.TotalSlices)
	binary.LittleEndian.PutUint16(buf[12:14], h.KData)
	binary.LittleEndian.PutUint16(buf[14:16], h.RParity)
	binary.LittleEndian.PutUint16(buf[16:18], h.PayloadBytes)
	binary.LittleEndian.PutUint32(buf[18:22], h.TotalFrameBytes)
	binary.LittleEndian.PutUint64(buf[22:30], h.TimestampUS)
	buf[30] = h.Flags
	binary.LittleEndian.PutUint32(buf[31:35], h.Checksum)
	return nil
}

// ParseSliceHeader decodes the header from the front of a datagram.
// It validates the magic and length only; use ValidateSlice for the
// full receive-side validation.
func ParseSliceHeader(data []byte) (SliceHeader, error) {
	var h SliceHeader
	if len(data) < HeaderSize {
		return h, fmt.Errorf("slice header needs %d bytes, got %d: %w", HeaderSize, len(data), ErrTruncated)
	}
	if binary.LittleEndian.Uint32(data[0:4]) != SliceMagic {
		return h, ErrInvalidMagic
	}
	h.FrameID = binary.LittleEndian.Uint32(data[4:8])
	h.SliceIndex = binary.LittleEndian.Uint16(data[8:10])
	h.TotalSlices = binary.LittleEndian.Uint16(data[10:12])
	h.KData = binary.LittleEndian.Uint16(data[12:14])
	h.RParity = binary.LittleEndian.Uint16(data[14:16])
	h.PayloadBytes = binary.LittleEndian.Uint16(data[16:18])
	h.TotalFrameBytes = binary.LittleEndian.Uint32(data[18:22])
	h.TimestampUS = binary.LittleEndian.Uint64(data[22:30])
	h.Flags = data[30]
	h.Checksum = binary.LittleEndian.Uint32(data[31:35])
	return h, nil
}

// Checksum computes the FNV-1a 32-bit checksum over a payload region.
func Checksum(payload []byte) uint32 {
	d := fnv.New32a()
	d.Write(payload)
	return d.Sum32()
}

// ValidateSlice performs full receive-side validation of a media slice
// datagram and returns its header. Invalid slices must never mutate
// receiver state; callers drop the datagram on any error.
func ValidateSlice(datagram []byte) (SliceHeader, error) {
	h, err := ParseSliceHeader(datagram)
	if err != nil {
		return h, err
	}
	if h.TotalSlices == 0 || h.TotalSlices > MaxTotalSlices {
		return h, fmt.Errorf("total_slices %d: %w", h.TotalSlices, ErrBadGeometry)
	}
	if h.SliceIndex >= h.TotalSlices {
		return h, fmt.Errorf("slice_index %d of %d: %w", h.SliceIndex, h.TotalSlices, ErrBadGeometry)
	}
	if uint32(h.KData)+uint32(h.RParity) != uint32(h.TotalSlices) {
		return h, fmt.Errorf("k=%d r=%d total=%d: %w", h.KData, h.RParity, h.TotalSlices, ErrBadGeometry)
	}
	if h.KData == 0 {
		return h, fmt.Errorf("k_data is zero: %w", ErrBadGeometry)
	}
	if int(h.PayloadBytes)+HeaderSize != len(datagram) {
		return h, fmt.Errorf("payload_bytes %d in %d-byte datagram: %w", h.PayloadBytes, len(datagram), ErrLengthMismatch)
	}
	if Checksum(datagram[HeaderSize:]) != h.Checksum {
		return h, ErrChecksumMismatch
	}
	return h, nil
}

// PeekSliceFlags reads the flags byte of a slice datagram without full
// validation. The boolean is false when the datagram cannot be a slice.
// The send path uses this to route parity and keyframe slices without
// reparsing headers it built itself.
func PeekSliceFlags(datagram []byte) (uint8, bool) {
	if len(datagram) < HeaderSize {
		return 0, false
	}
	if binary.LittleEndian.Uint32(datagram[0:4]) != SliceMagic {
		return 0, false
	}
	return datagram[30], true
}
