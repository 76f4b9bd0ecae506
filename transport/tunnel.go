package transport

import (
	"fmt"
	"net"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/net/ipv4"
)

// Socket tuning for the media send path.
const (
	// sendBufferBytes sizes each tunnel's kernel send buffer large
	// enough to absorb a whole burst of keyframe slices.
	sendBufferBytes = 16 * 1024 * 1024

	// tosLowDelay is the IPTOS_LOWDELAY hint set on media sockets.
	tosLowDelay = 0x10
)

// tunnel is one UDP path to the peer: a remote media port plus a local
// socket bound to an ephemeral port. Tunnels live for the session.
type tunnel struct {
	remotePort uint16
	remoteAddr *net.UDPAddr
	conn       *net.UDPConn

	// lastAlive is refreshed from profiler reply counts; the watchdog
	// logs tunnels silent for longer than deadAfter.
	lastAlive    time.Time
	lastReceived uint64
}

// deadAfter is how long a tunnel may stay silent before the watchdog
// flags it.
const deadAfter = 3 * time.Second

// dialTunnel opens the socket for one tunnel: ephemeral local bind,
// large send buffer, low-delay TOS. TOS failure is logged and ignored;
// some environments refuse it and the tunnel still works.
func dialTunnel(remoteIP net.IP, port uint16) (*tunnel, error) {
	conn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4zero, Port: 0})
	if err != nil {
		return nil, fmt.Errorf("bind tunnel socket for port %d: %w", port, err)
	}
	if err := conn.SetWriteBuffer(sendBufferBytes); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "dialTunnel",
			"port":     port,
			"error":    err.Error(),
		}).Warn("Could not enlarge send buffer")
	}
	if err := ipv4.NewConn(conn).SetTOS(tosLowDelay); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "dialTunnel",
			"port":     port,
			"error":    err.Error(),
		}).Debug("Could not set low-delay TOS")
	}

	return &tunnel{
		remotePort: port,
		remoteAddr: &net.UDPAddr{IP: remoteIP, Port: int(port)},
		conn:       conn,
		lastAlive:  time.Now(),
	}, nil
}

func (t *tunnel) close() {
	if t.conn != nil {
		t.conn.Close()
	}
}
