package transport

import (
	"context"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/opd-ai/hydra/wire"
)

// readDeadlinePoll bounds each blocking read so the loops notice
// cancellation promptly, the same pattern the probe collectors use.
const readDeadlinePoll = 100 * time.Millisecond

// DatagramHandler receives one validated-length datagram. The slice is
// owned by the handler; the receiver never reuses it.
type DatagramHandler func(remote *net.UDPAddr, datagram []byte)

// Receiver listens on the session's local media ports.
//
// It is transport-only: beyond length checks and the probe echo it does
// no header parsing. Each bound socket gets its own read loop; together
// they form the receive side of every tunnel.
type Receiver struct {
	mtu   int
	ports []uint16
	conns []*net.UDPConn

	handler DatagramHandler

	droppedShort atomic.Uint64
	droppedLong  atomic.Uint64
	echoedProbes atomic.Uint64
	received     atomic.Uint64

	wg      sync.WaitGroup
	running atomic.Bool
}

// NewReceiver binds one socket per local port. Bind failure is fatal:
// a session that cannot listen on its advertised ports is useless.
func NewReceiver(ports []uint16, mtu int) (*Receiver, error) {
	if len(ports) == 0 {
		return nil, fmt.Errorf("receiver: %w", ErrNoTunnels)
	}

	r := &Receiver{mtu: mtu, ports: ports}
	lc := net.ListenConfig{Control: reuseAddr}
	for _, port := range ports {
		pc, err := lc.ListenPacket(context.Background(), "udp4", fmt.Sprintf("0.0.0.0:%d", port))
		if err != nil {
			r.closeConns()
			return nil, fmt.Errorf("receiver: bind port %d: %w", port, err)
		}
		r.conns = append(r.conns, pc.(*net.UDPConn))
	}

	logrus.WithFields(logrus.Fields{
		"function": "NewReceiver",
		"ports":    len(ports),
		"mtu":      mtu,
	}).Info("Multipath receiver bound")
	return r, nil
}

// LocalAddrs returns the bound address of every media socket. Useful
// when ports were configured as zero and the kernel chose them.
func (r *Receiver) LocalAddrs() []*net.UDPAddr {
	addrs := make([]*net.UDPAddr, len(r.conns))
	for i, c := range r.conns {
		addrs[i] = c.LocalAddr().(*net.UDPAddr)
	}
	return addrs
}

// Start arms a read loop on every socket, delivering datagrams to
// handler. Probe datagrams are echoed back to their source and never
// reach the handler.
func (r *Receiver) Start(ctx context.Context, handler DatagramHandler) error {
	if handler == nil {
		return fmt.Errorf("receiver: nil handler")
	}
	if !r.running.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}
	r.handler = handler
	for i, conn := range r.conns {
		r.wg.Add(1)
		go r.readLoop(ctx, conn, r.ports[i])
	}
	return nil
}

// Stop closes the sockets and joins the read loops.
func (r *Receiver) Stop() error {
	r.closeConns()
	r.wg.Wait()
	r.running.Store(false)
	return nil
}

// ReceiverStats is a snapshot of the receive counters.
type ReceiverStats struct {
	Received     uint64
	EchoedProbes uint64
	DroppedShort uint64
	DroppedLong  uint64
}

// Stats returns a snapshot of the receive counters.
func (r *Receiver) Stats() ReceiverStats {
	return ReceiverStats{
		Received:     r.received.Load(),
		EchoedProbes: r.echoedProbes.Load(),
		DroppedShort: r.droppedShort.Load(),
		DroppedLong:  r.droppedLong.Load(),
	}
}

func (r *Receiver) readLoop(ctx context.Context, conn *net.UDPConn, port uint16) {
	defer r.wg.Done()
	buf := make([]byte, wire.MaxMTU+1)

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		conn.SetReadDeadline(time.Now().Add(readDeadlinePoll))
		n, remote, err := conn.ReadFromUDP(buf)
		if err != nil {
			if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
				continue
			}
			// Closed socket ends the loop.
			return
		}
		r.handleDatagram(conn, port, remote, buf[:n])
	}
}

// handleDatagram echoes probes and forwards media datagrams of sane
// length. The probe check runs first: probes are shorter than a slice
// header and must be answered within the 10 ms reply budget.
func (r *Receiver) handleDatagram(conn *net.UDPConn, port uint16, remote *net.UDPAddr, data []byte) {
	if wire.IsProbe(data) {
		if _, err := conn.WriteToUDP(data, remote); err == nil {
			r.echoedProbes.Add(1)
		}
		return
	}
	if len(data) < wire.HeaderSize {
		r.droppedShort.Add(1)
		return
	}
	if len(data) > r.mtu {
		r.droppedLong.Add(1)
		return
	}

	r.received.Add(1)
	datagram := make([]byte, len(data))
	copy(datagram, data)
	r.handler(remote, datagram)
}

// reuseAddr sets SO_REUSEADDR before bind so a restarting session can
// reclaim its media ports without waiting out stale sockets.
func reuseAddr(network, address string, c syscall.RawConn) error {
	var sockErr error
	err := c.Control(func(fd uintptr) {
		sockErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEADDR, 1)
	})
	if err != nil {
		return err
	}
	return sockErr
}

func (r *Receiver) closeConns() {
	for _, c := range r.conns {
		if c != nil {
			c.Close()
		}
	}
}
