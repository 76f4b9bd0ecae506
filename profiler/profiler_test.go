package profiler

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opd-ai/hydra/wire"
)

// echoServer answers probes on a loopback socket the way the peer's
// media receiver does, returning its port.
func echoServer(t *testing.T) (uint16, func()) {
	t.Helper()
	conn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 0})
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		defer close(done)
		buf := make([]byte, 64)
		for {
			n, remote, err := conn.ReadFromUDP(buf)
			if err != nil {
				return
			}
			if wire.IsProbe(buf[:n]) {
				conn.WriteToUDP(buf[:n], remote)
			}
		}
	}()
	port := uint16(conn.LocalAddr().(*net.UDPAddr).Port)
	return port, func() {
		conn.Close()
		<-done
	}
}

func TestRunRoundMeasuresLiveTunnel(t *testing.T) {
	port, stop := echoServer(t)
	defer stop()

	p, err := New("127.0.0.1", []uint16{port}, time.Second, 500*time.Millisecond)
	require.NoError(t, err)
	defer p.Close()

	p.RunRound()

	snap := p.Snapshot()
	require.Len(t, snap, 1)
	assert.Equal(t, port, snap[0].Port)
	assert.Equal(t, uint64(1), snap[0].Sent)
	assert.Equal(t, uint64(1), snap[0].Received)
	assert.Zero(t, snap[0].PacketLoss)
	assert.Greater(t, snap[0].AvgRTTMS, 0.0)
}

func TestRunRoundDegradesSilentTunnel(t *testing.T) {
	live, stop := echoServer(t)
	defer stop()

	// A port nobody answers on: bind-and-close to find a free one.
	dead, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 0})
	require.NoError(t, err)
	deadPort := uint16(dead.LocalAddr().(*net.UDPAddr).Port)
	dead.Close()

	p, err := New("127.0.0.1", []uint16{live, deadPort}, time.Second, 300*time.Millisecond)
	require.NoError(t, err)
	defer p.Close()

	p.RunRound()
	p.RunRound()

	snap := p.Snapshot()
	require.Len(t, snap, 2)
	assert.Zero(t, snap[0].PacketLoss, "answered tunnel must show no loss")
	assert.InDelta(t, 1.0, snap[1].PacketLoss, 1e-9, "silent tunnel must show full loss")
}

func TestRoundCallbackReceivesSnapshot(t *testing.T) {
	port, stop := echoServer(t)
	defer stop()

	p, err := New("127.0.0.1", []uint16{port}, time.Second, 500*time.Millisecond)
	require.NoError(t, err)
	defer p.Close()

	got := make(chan Snapshot, 1)
	p.SetRoundCallback(func(s Snapshot) { got <- s })
	p.RunRound()

	select {
	case snap := <-got:
		require.Len(t, snap, 1)
		assert.Equal(t, uint64(1), snap[0].Sent)
	case <-time.After(time.Second):
		t.Fatal("round callback never fired")
	}
}

func TestNewValidation(t *testing.T) {
	_, err := New("::1", []uint16{4000}, 0, 0)
	assert.Error(t, err, "IPv6 refused")

	_, err = New("127.0.0.1", nil, 0, 0)
	assert.Error(t, err, "empty port list refused")
}

func TestSnapshotIsolation(t *testing.T) {
	port, stop := echoServer(t)
	defer stop()

	p, err := New("127.0.0.1", []uint16{port}, time.Second, 300*time.Millisecond)
	require.NoError(t, err)
	defer p.Close()

	before := p.Snapshot()
	p.RunRound()
	after := p.Snapshot()

	assert.Zero(t, before[0].Sent, "published snapshots must be immutable")
	assert.Equal(t, uint64(1), after[0].Sent)
}
