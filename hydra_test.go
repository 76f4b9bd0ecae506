package hydra

import (
	"math/rand"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opd-ai/hydra/media"
	"github.com/opd-ai/hydra/wire"
)

// freePorts reserves n distinct UDP ports by binding and releasing them.
func freePorts(t *testing.T, n int) []uint16 {
	t.Helper()
	ports := make([]uint16, 0, n)
	for i := 0; i < n; i++ {
		conn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 0})
		require.NoError(t, err)
		ports = append(ports, uint16(conn.LocalAddr().(*net.UDPAddr).Port))
		conn.Close()
	}
	return ports
}

func TestOptionsValidation(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Options)
		wantErr error
	}{
		{
			name:    "missing ports",
			mutate:  func(o *Options) { o.RemotePorts = nil },
			wantErr: ErrNoPorts,
		},
		{
			name:    "missing ip",
			mutate:  func(o *Options) { o.RemoteIP = "" },
			wantErr: ErrInvalidAddress,
		},
		{
			name:    "ipv6 peer",
			mutate:  func(o *Options) { o.RemoteIP = "2001:db8::1" },
			wantErr: ErrInvalidAddress,
		},
		{
			name:    "mtu below range",
			mutate:  func(o *Options) { o.MTU = wire.MinMTU - 1 },
			wantErr: ErrInvalidMTU,
		},
		{
			name:    "mtu above range",
			mutate:  func(o *Options) { o.MTU = wire.MaxMTU + 1 },
			wantErr: ErrInvalidMTU,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			opts := NewOptions()
			opts.RemoteIP = "127.0.0.1"
			opts.RemotePorts = []uint16{4000}
			tt.mutate(opts)

			_, err := New(opts)
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}
}

func TestPushFrameRequiresRunningSession(t *testing.T) {
	opts := NewOptions()
	opts.RemoteIP = "127.0.0.1"
	opts.RemotePorts = freePorts(t, 1)

	session, err := New(opts)
	require.NoError(t, err)
	defer session.Kill()

	err = session.PushFrame(&media.EncodedFrame{FrameID: 0, Payload: []byte{1}})
	assert.ErrorIs(t, err, ErrSessionNotRunning)
}

// Full loopback: a session that is its own peer moves frames through
// packetization, FEC, the multipath sender, the receiver and
// reassembly, byte for byte.
func TestSessionLoopback(t *testing.T) {
	opts := NewOptions()
	opts.RemoteIP = "127.0.0.1"
	opts.RemotePorts = freePorts(t, 2)
	opts.ProfileInterval = 200 * time.Millisecond

	session, err := New(opts)
	require.NoError(t, err)
	defer session.Kill()

	var mu sync.Mutex
	received := make(map[uint64]*media.EncodedFrame)
	session.OnFrame(func(f *media.EncodedFrame) {
		mu.Lock()
		defer mu.Unlock()
		received[f.FrameID] = f
	})

	require.NoError(t, session.Start())
	assert.ErrorIs(t, session.Start(), ErrSessionAlreadyRunning)

	rng := rand.New(rand.NewSource(42))
	const frameCount = 5
	sent := make([]*media.EncodedFrame, 0, frameCount)
	for i := 0; i < frameCount; i++ {
		payload := make([]byte, 3000+rng.Intn(5000))
		rng.Read(payload)
		frame := &media.EncodedFrame{
			FrameID:     uint64(i),
			TimestampNS: time.Now().Truncate(time.Microsecond).UnixNano(),
			CodecFourCC: media.FourCC('H', '2', '6', '4'),
			IsKeyframe:  i == 0,
			Payload:     payload,
		}
		sent = append(sent, frame)
		require.NoError(t, session.PushFrame(frame))
	}

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		mu.Lock()
		done := len(received) == frameCount
		mu.Unlock()
		if done {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, received, frameCount)
	for _, want := range sent {
		got, ok := received[want.FrameID]
		require.True(t, ok, "frame %d never arrived", want.FrameID)
		assert.Equal(t, want.Payload, got.Payload, "frame %d payload", want.FrameID)
		assert.Equal(t, want.IsKeyframe, got.IsKeyframe)
		assert.Equal(t, want.CodecFourCC, got.CodecFourCC)
		assert.Equal(t, want.TimestampNS, got.TimestampNS)
	}

	stats := session.Stats()
	assert.NotZero(t, stats.Sender.SentDatagrams)
	assert.NotZero(t, stats.Reassembly.EmittedFrames)
}

func TestKillWithoutStart(t *testing.T) {
	opts := NewOptions()
	opts.RemoteIP = "127.0.0.1"
	opts.RemotePorts = freePorts(t, 1)

	session, err := New(opts)
	require.NoError(t, err)
	session.Kill()
}
