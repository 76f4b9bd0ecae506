package wire

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestProbeRoundTrip(t *testing.T) {
	p := Probe{Port: 4001, TimestampUS: 987654321012}
	data := p.Marshal()
	require.Len(t, data, ProbeSize)

	got, err := ParseProbe(data)
	require.NoError(t, err)
	assert.Equal(t, p, got)
}

func TestParseProbeRejectsBadInput(t *testing.T) {
	p := Probe{Port: 4000, TimestampUS: 1}
	data := p.Marshal()

	_, err := ParseProbe(data[:ProbeSize-1])
	assert.ErrorIs(t, err, ErrTruncated)

	_, err = ParseProbe(append(data, 0))
	assert.ErrorIs(t, err, ErrTruncated)

	data[0] ^= 0xFF
	_, err = ParseProbe(data)
	assert.ErrorIs(t, err, ErrInvalidMagic)
}

func TestIsProbe(t *testing.T) {
	p := Probe{Port: 4000}
	assert.True(t, IsProbe(p.Marshal()))

	// A media slice is never mistaken for a probe.
	slice := make([]byte, DefaultMTU)
	h := SliceHeader{TotalSlices: 1, KData: 1, PayloadBytes: uint16(DefaultMTU - HeaderSize)}
	require.NoError(t, h.MarshalTo(slice))
	assert.False(t, IsProbe(slice))

	assert.False(t, IsProbe(nil))
	assert.False(t, IsProbe(make([]byte, ProbeSize)))
}
