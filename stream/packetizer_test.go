package stream

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opd-ai/hydra/fec"
	"github.com/opd-ai/hydra/media"
	"github.com/opd-ai/hydra/profiler"
	"github.com/opd-ai/hydra/wire"
)

// fixedStats is a StatsProvider returning a constant table.
type fixedStats profiler.Snapshot

func (f fixedStats) Snapshot() profiler.Snapshot { return profiler.Snapshot(f) }

func testCodecs() codecSource {
	return func(k, r int) (*fec.Codec, error) { return fec.NewCodec(k, r) }
}

func testFrame(rng *rand.Rand, id uint64, size int, keyframe bool) *media.EncodedFrame {
	payload := make([]byte, size)
	rng.Read(payload)
	return &media.EncodedFrame{
		FrameID:     id,
		TimestampNS: 1_722_000_000_000_000_000,
		CodecFourCC: media.FourCC('H', '2', '6', '4'),
		IsKeyframe:  keyframe,
		Payload:     payload,
	}
}

func TestParityCount(t *testing.T) {
	tests := []struct {
		name     string
		k        int
		avgLoss  float64
		keyframe bool
		want     int
	}{
		{"single slice skips parity", 1, 0.5, true, 0},
		{"small frame floor", 3, 0.0, false, 2},
		{"s1 keyframe geometry", 4, 0.0, true, 2},
		{"clean channel base ratio", 16, 0.0, false, 4},
		{"lossy channel scales up", 16, 0.20, false, 8},
		{"ratio capped at half", 16, 0.90, false, 8},
		{"keyframe boost", 12, 0.0, true, 5},
		{"tiny keyframe capped", 2, 0.0, true, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ParityCount(tt.k, tt.avgLoss, tt.keyframe))
		})
	}
}

func TestBuildSlicesGeometry(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	frame := testFrame(rng, 7, 4096, true)

	slices, err := BuildSlices(frame, 7, wire.DefaultMTU, 0, testCodecs())
	require.NoError(t, err)

	// 4096 bytes at 1165 payload bytes per slice: 4 data slices.
	payloadBytes := wire.DefaultMTU - wire.HeaderSize
	require.GreaterOrEqual(t, len(slices), 6)

	var parity int
	for i, dg := range slices {
		require.Len(t, dg, wire.DefaultMTU)
		h, err := wire.ValidateSlice(dg)
		require.NoError(t, err, "slice %d fails validation", i)

		assert.Equal(t, uint32(7), h.FrameID)
		assert.Equal(t, uint16(i), h.SliceIndex)
		assert.Equal(t, uint16(4), h.KData)
		assert.Equal(t, uint16(payloadBytes), h.PayloadBytes)
		assert.Equal(t, uint32(4096), h.TotalFrameBytes)
		assert.True(t, h.IsKeyframe())
		if h.IsParity() {
			parity++
			assert.GreaterOrEqual(t, int(h.SliceIndex), int(h.KData))
		}
	}
	assert.GreaterOrEqual(t, parity, 2)
}

func TestBuildSlicesPadsLastDataSlice(t *testing.T) {
	frame := &media.EncodedFrame{FrameID: 1, Payload: []byte{0xAA, 0xBB}}
	slices, err := BuildSlices(frame, 1, wire.MinMTU, 0, testCodecs())
	require.NoError(t, err)

	h, err := wire.ValidateSlice(slices[0])
	require.NoError(t, err)
	assert.Equal(t, uint16(1), h.KData)
	assert.Equal(t, uint16(0), h.RParity)

	payload := slices[0][wire.HeaderSize:]
	assert.Equal(t, byte(0xAA), payload[0])
	assert.Equal(t, byte(0xBB), payload[1])
	for i := 2; i < len(payload); i++ {
		require.Zero(t, payload[i], "padding byte %d not zero", i)
	}
}

func TestBuildSlicesEmptyPayloadStillProducesOneSlice(t *testing.T) {
	frame := &media.EncodedFrame{FrameID: 9}
	slices, err := BuildSlices(frame, 3, wire.DefaultMTU, 0, testCodecs())
	require.NoError(t, err)
	require.Len(t, slices, 1)

	h, err := wire.ValidateSlice(slices[0])
	require.NoError(t, err)
	assert.Equal(t, uint16(1), h.KData)
	assert.Zero(t, h.TotalFrameBytes)
}

func TestNewPacketizerRejectsSmallMTU(t *testing.T) {
	_, err := NewPacketizer(wire.HeaderSize+wire.MinPayloadBytes-1, nil)
	assert.ErrorIs(t, err, ErrMTUTooSmall)

	p, err := NewPacketizer(wire.HeaderSize+wire.MinPayloadBytes, nil)
	require.NoError(t, err)
	assert.NotNil(t, p)
}

func TestBuildSlicesRejectsOversizedFrame(t *testing.T) {
	// At the smallest legal payload, 1024 slices cannot fit this frame.
	mtu := wire.HeaderSize + wire.MinPayloadBytes
	frame := &media.EncodedFrame{FrameID: 1, Payload: make([]byte, wire.MinPayloadBytes*wire.MaxTotalSlices)}
	_, err := BuildSlices(frame, 1, mtu, 0, testCodecs())
	assert.ErrorIs(t, err, ErrFrameTooLarge)
}

func TestPacketizeAssignsMonotoneUnitIDs(t *testing.T) {
	rng := rand.New(rand.NewSource(2))
	p, err := NewPacketizer(wire.DefaultMTU, nil)
	require.NoError(t, err)

	for want := uint32(0); want < 5; want++ {
		slices, err := p.Packetize(testFrame(rng, uint64(want), 2000, false))
		require.NoError(t, err)
		h, err := wire.ValidateSlice(slices[0])
		require.NoError(t, err)
		assert.Equal(t, want, h.FrameID)
	}
}

func TestPacketizeUsesStatsForParity(t *testing.T) {
	rng := rand.New(rand.NewSource(3))
	lossy := fixedStats{{Port: 4000, AvgRTTMS: 10, PacketLoss: 0.30}}

	p, err := NewPacketizer(wire.DefaultMTU, lossy)
	require.NoError(t, err)
	slices, err := p.Packetize(testFrame(rng, 0, 1165*10, false))
	require.NoError(t, err)

	h, err := wire.ValidateSlice(slices[0])
	require.NoError(t, err)
	// ratio = 0.20 + 1.5*0.30 = 0.65 capped at 0.50: r = 5.
	assert.Equal(t, uint16(5), h.RParity)

	clean, err := NewPacketizer(wire.DefaultMTU, fixedStats{{Port: 4000, AvgRTTMS: 10}})
	require.NoError(t, err)
	slices, err = clean.Packetize(testFrame(rng, 0, 1165*10, false))
	require.NoError(t, err)
	h, err = wire.ValidateSlice(slices[0])
	require.NoError(t, err)
	// ratio = 0.20 + 1.5*0.01 = 0.215: r = ceil(2.15) = 3.
	assert.Equal(t, uint16(3), h.RParity)

	assert.Less(t, h.RParity, uint16(5))
}

func TestPacketizeNilFrame(t *testing.T) {
	p, err := NewPacketizer(wire.DefaultMTU, nil)
	require.NoError(t, err)
	_, err = p.Packetize(nil)
	assert.ErrorIs(t, err, ErrNilFrame)
}
