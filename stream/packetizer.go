package stream

import (
	"fmt"
	"math"
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/hydra/fec"
	"github.com/opd-ai/hydra/media"
	"github.com/opd-ai/hydra/profiler"
	"github.com/opd-ai/hydra/wire"
)

// FEC policy constants: base 20% parity, scaled by observed loss up to
// 50%, with extra protection for keyframes.
const (
	fecBaseRatio  = 0.20
	fecLossFactor = 1.5
	fecMinLoss    = 0.01
	fecMaxRatio   = 0.50
)

// ParityCount computes r for a frame of k data slices under the current
// average tunnel loss. A single-slice frame gets no parity; the FEC step
// is a pass-through there and cloning across tunnels covers it instead.
func ParityCount(k int, avgLoss float64, keyframe bool) int {
	if k <= 1 {
		return 0
	}

	loss := avgLoss
	if loss < fecMinLoss {
		loss = fecMinLoss
	}
	ratio := fecBaseRatio + fecLossFactor*loss
	if ratio > fecMaxRatio {
		ratio = fecMaxRatio
	}

	r := int(math.Ceil(float64(k) * ratio))
	if r < 2 {
		r = 2
	}
	if upper := max(4, k/2); r > upper {
		r = upper
	}
	if keyframe {
		r = min(r+2, k*2/3)
	}
	return r
}

// Packetizer converts encoded frames into slice datagrams.
//
// Its only state is the monotone transmit unit counter used as the wire
// frame id and a cache of FEC codecs per geometry. Loss feedback comes
// from the stats provider snapshot at packetize time, never from shared
// globals.
type Packetizer struct {
	mtu          int
	payloadBytes int
	stats        profiler.StatsProvider

	txUnitID atomic.Uint32

	mu     sync.Mutex
	codecs map[[2]int]*fec.Codec
}

// NewPacketizer creates a packetizer for the given MTU. stats may be nil
// when no profiler is wired; the policy then assumes the minimum loss.
func NewPacketizer(mtu int, stats profiler.StatsProvider) (*Packetizer, error) {
	payloadBytes := mtu - wire.HeaderSize
	if payloadBytes < wire.MinPayloadBytes {
		return nil, fmt.Errorf("mtu %d leaves %d payload bytes: %w", mtu, payloadBytes, ErrMTUTooSmall)
	}
	return &Packetizer{
		mtu:          mtu,
		payloadBytes: payloadBytes,
		stats:        stats,
		codecs:       make(map[[2]int]*fec.Codec),
	}, nil
}

// Packetize converts one frame into its data and parity slice datagrams,
// data slices first in index order. The frame is not retained.
func (p *Packetizer) Packetize(frame *media.EncodedFrame) ([][]byte, error) {
	if frame == nil {
		return nil, ErrNilFrame
	}

	var avgLoss float64
	if p.stats != nil {
		avgLoss = p.stats.Snapshot().AvgLoss()
	}

	unit := p.txUnitID.Add(1) - 1
	slices, err := BuildSlices(frame, unit, p.mtu, avgLoss, p.codec)
	if err != nil {
		return nil, err
	}

	logrus.WithFields(logrus.Fields{
		"function":    "Packetize",
		"tx_unit":     unit,
		"frame_bytes": len(frame.Payload),
		"slices":      len(slices),
		"keyframe":    frame.IsKeyframe,
		"avg_loss":    avgLoss,
	}).Debug("Frame packetized")
	return slices, nil
}

// codec returns the cached FEC codec for a geometry, building it on
// first use.
func (p *Packetizer) codec(k, r int) (*fec.Codec, error) {
	key := [2]int{k, r}
	p.mu.Lock()
	defer p.mu.Unlock()
	if c, ok := p.codecs[key]; ok {
		return c, nil
	}
	c, err := fec.NewCodec(k, r)
	if err != nil {
		return nil, err
	}
	p.codecs[key] = c
	return c, nil
}

// codecSource supplies FEC codecs per geometry. BuildSlices takes it as
// a parameter so tests can drive exact unit ids without a Packetizer.
type codecSource func(k, r int) (*fec.Codec, error)

// BuildSlices performs the slice construction for one frame with an
// explicit transmit unit id. Production code goes through
// Packetizer.Packetize, which supplies the counter and codec cache.
func BuildSlices(frame *media.EncodedFrame, unitID uint32, mtu int, avgLoss float64, codecs codecSource) ([][]byte, error) {
	payloadBytes := mtu - wire.HeaderSize
	if payloadBytes < wire.MinPayloadBytes {
		return nil, fmt.Errorf("mtu %d leaves %d payload bytes: %w", mtu, payloadBytes, ErrMTUTooSmall)
	}

	k := (len(frame.Payload) + payloadBytes - 1) / payloadBytes
	if k == 0 {
		k = 1
	}
	r := ParityCount(k, avgLoss, frame.IsKeyframe)
	if k+r > wire.MaxTotalSlices {
		return nil, fmt.Errorf("frame of %d bytes needs %d slices at mtu %d: %w",
			len(frame.Payload), k+r, mtu, ErrFrameTooLarge)
	}

	codec, err := codecs(k, r)
	if err != nil {
		return nil, err
	}

	hdr := wire.SliceHeader{
		FrameID:         unitID,
		TotalSlices:     uint16(k + r),
		KData:           uint16(k),
		RParity:         uint16(r),
		PayloadBytes:    uint16(payloadBytes),
		TotalFrameBytes: uint32(len(frame.Payload)),
		TimestampUS:     uint64(frame.TimestampNS / 1000),
	}

	slices := make([][]byte, 0, k+r)
	dataPayloads := make([][]byte, k)

	// Data slices: frame bytes in index order, last slice zero-padded.
	offset := 0
	for i := 0; i < k; i++ {
		dg := make([]byte, mtu)
		payload := dg[wire.HeaderSize:]
		n := copy(payload, frame.Payload[offset:])
		offset += n
		dataPayloads[i] = payload

		h := hdr
		h.SliceIndex = uint16(i)
		h.Flags = keyframeFlag(frame.IsKeyframe)
		h.Checksum = wire.Checksum(payload)
		h.MarshalTo(dg)
		slices = append(slices, dg)
	}

	// Parity slices: FEC encode over the padded data payload regions.
	if r > 0 {
		parityPayloads := make([][]byte, r)
		parityDatagrams := make([][]byte, r)
		for i := 0; i < r; i++ {
			dg := make([]byte, mtu)
			parityDatagrams[i] = dg
			parityPayloads[i] = dg[wire.HeaderSize:]
		}
		if err := codec.Encode(dataPayloads, parityPayloads); err != nil {
			return nil, fmt.Errorf("fec encode for unit %d: %w", unitID, err)
		}
		for i := 0; i < r; i++ {
			h := hdr
			h.SliceIndex = uint16(k + i)
			h.Flags = wire.FlagParity | keyframeFlag(frame.IsKeyframe)
			h.Checksum = wire.Checksum(parityPayloads[i])
			h.MarshalTo(parityDatagrams[i])
			slices = append(slices, parityDatagrams[i])
		}
	}

	return slices, nil
}

func keyframeFlag(keyframe bool) uint8 {
	if keyframe {
		return wire.FlagKeyframe
	}
	return 0
}
