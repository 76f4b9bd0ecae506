// Package media defines the encoded media units the transport core moves.
//
// The core treats frames as opaque byte strings plus identity metadata.
// Capture, encoding and decoding live outside this repository; anything
// that can produce an EncodedFrame stream can feed a hydra session.
package media

// EncodedFrame is one compressed video frame as produced by an encoder.
//
// FrameID must be strictly increasing per sender. The transport does not
// reorder frames; consumers that care about presentation order must sort
// by FrameID themselves.
type EncodedFrame struct {
	FrameID     uint64
	TimestampNS int64
	CodecFourCC uint32
	IsKeyframe  bool
	Payload     []byte
}

// FourCC packs a four-character codec tag into its 32-bit wire form.
func FourCC(a, b, c, d byte) uint32 {
	return uint32(a) | uint32(b)<<8 | uint32(c)<<16 | uint32(d)<<24
}

// Clone returns a deep copy of the frame. The transport hands emitted
// frames to exactly one consumer, so cloning is only needed when the
// application wants to retain a frame beyond the callback.
func (f *EncodedFrame) Clone() *EncodedFrame {
	c := *f
	c.Payload = make([]byte, len(f.Payload))
	copy(c.Payload, f.Payload)
	return &c
}
