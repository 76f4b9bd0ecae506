package control

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opd-ai/hydra/profiler"
)

func lossSnapshot(loss float64) profiler.Snapshot {
	return profiler.Snapshot{{Port: 4000, AvgRTTMS: 10, PacketLoss: loss}}
}

func TestStartsAtInitialBitrate(t *testing.T) {
	c := New(0, nil)
	assert.Equal(t, DefaultInitialBitrate, c.Target())

	c = New(3_000_000, nil)
	assert.Equal(t, uint32(3_000_000), c.Target())
}

// Sustained severe loss walks the target down to the floor and
// advertises once the hysteresis band is crossed.
func TestSustainedLossReducesBitrate(t *testing.T) {
	var advertised []uint32
	c := New(0, func(bps uint32) { advertised = append(advertised, bps) })

	c.Observe(lossSnapshot(0.0))
	c.Observe(lossSnapshot(0.9))
	c.Observe(lossSnapshot(0.9))
	c.Observe(lossSnapshot(0.9))

	require.NotEmpty(t, advertised, "sustained loss must reach the encoder")
	final := c.Target()
	assert.LessOrEqual(t, final, uint32(float64(DefaultInitialBitrate)*0.85),
		"target must drop at least 15%%")
	assert.GreaterOrEqual(t, final, uint32(2_000_000), "floor holds")
}

// A single loss spike must not move the advertised bitrate: the
// internal target shifts but stays inside the hysteresis band, and
// clean ticks pull it back.
func TestSingleSpikeIsAbsorbed(t *testing.T) {
	calls := 0
	c := New(0, func(uint32) { calls++ })

	c.Observe(lossSnapshot(0.85))
	for i := 0; i < 3; i++ {
		c.Observe(lossSnapshot(0.0))
	}

	assert.Zero(t, calls, "spike must not reach the encoder")
	assert.Equal(t, DefaultInitialBitrate, c.Target())
	assert.GreaterOrEqual(t, c.Target(), uint32(2_000_000))
}

// Moderate loss changes nothing: parity absorbs it.
func TestModerateLossIsIgnored(t *testing.T) {
	c := New(0, nil)
	for i := 0; i < 20; i++ {
		c.Observe(lossSnapshot(0.30))
	}
	assert.Equal(t, DefaultInitialBitrate, c.Target())
}

// A clean channel creeps the internal target up toward the ceiling; the
// advertised value follows only across the hysteresis band, so it ends
// within one band of the ceiling rather than exactly on it.
func TestCleanChannelCreepsUp(t *testing.T) {
	c := New(0, nil)
	for i := 0; i < 200; i++ {
		c.Observe(lossSnapshot(0.0))
	}
	assert.Greater(t, c.Target(), uint32(3_000_000))
	assert.LessOrEqual(t, c.Target(), uint32(3_500_000))
}

func TestAdvertiseExactlyAtBand(t *testing.T) {
	var got uint32
	c := New(0, func(bps uint32) { got = bps })

	// Walk the internal target to the floor: 2.5M - 2.0M is exactly the
	// 500 kb/s band, so the floor must be advertised.
	for i := 0; i < 10; i++ {
		c.Observe(lossSnapshot(0.9))
	}
	assert.Equal(t, uint32(2_000_000), got)
	assert.Equal(t, uint32(2_000_000), c.Target())
}

func TestSetCallbackAfterConstruction(t *testing.T) {
	c := New(0, nil)
	var got uint32
	c.SetCallback(func(bps uint32) { got = bps })
	for i := 0; i < 10; i++ {
		c.Observe(lossSnapshot(0.9))
	}
	assert.Equal(t, uint32(2_000_000), got)
}
