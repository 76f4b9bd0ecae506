package profiler

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/hydra/wire"
)

// Default probe loop timings.
const (
	DefaultInterval = 3 * time.Second
	DefaultTimeout  = 150 * time.Millisecond
)

// Profiler probes every tunnel of a session and maintains their stats.
//
// One UDP socket per tunnel carries probe traffic; replies arrive on the
// same socket because the peer echoes to the datagram's source address.
type Profiler struct {
	remote   net.IP
	ports    []uint16
	conns    []*net.UDPConn
	interval time.Duration
	timeout  time.Duration

	mu       sync.Mutex
	working  []TunnelStat
	snapshot Snapshot
	onRound  func(Snapshot)

	wg sync.WaitGroup
}

// New creates a profiler for the given peer address and tunnel ports.
// It binds one ephemeral probe socket per tunnel; bind failure is fatal.
func New(remoteIP string, ports []uint16, interval, timeout time.Duration) (*Profiler, error) {
	ip := net.ParseIP(remoteIP)
	if ip == nil || ip.To4() == nil {
		return nil, fmt.Errorf("profiler: remote address %q is not IPv4", remoteIP)
	}
	if len(ports) == 0 {
		return nil, fmt.Errorf("profiler: no tunnel ports")
	}
	if interval <= 0 {
		interval = DefaultInterval
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	p := &Profiler{
		remote:   ip.To4(),
		ports:    ports,
		interval: interval,
		timeout:  timeout,
		working:  make([]TunnelStat, len(ports)),
	}
	for i, port := range ports {
		conn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4zero, Port: 0})
		if err != nil {
			p.closeConns()
			return nil, fmt.Errorf("profiler: bind probe socket for port %d: %w", port, err)
		}
		p.conns = append(p.conns, conn)
		p.working[i] = TunnelStat{Port: port, AvgRTTMS: initialRTTMS}
	}
	p.snapshot = Snapshot(p.working).Clone()

	logrus.WithFields(logrus.Fields{
		"function": "profiler.New",
		"remote":   remoteIP,
		"tunnels":  len(ports),
		"interval": interval,
		"timeout":  timeout,
	}).Info("Profiler created")
	return p, nil
}

// Snapshot returns the latest published stats table.
func (p *Profiler) Snapshot() Snapshot {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.snapshot
}

// SetRoundCallback registers a function invoked with each fresh snapshot
// after a probe round completes. Must be called before Start.
func (p *Profiler) SetRoundCallback(cb func(Snapshot)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onRound = cb
}

// Start runs the probe loop until ctx is cancelled.
func (p *Profiler) Start(ctx context.Context) {
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		ticker := time.NewTicker(p.interval)
		defer ticker.Stop()
		for {
			p.RunRound()
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
		}
	}()
}

// Close releases the probe sockets after the loop has stopped.
func (p *Profiler) Close() error {
	p.closeConns()
	p.wg.Wait()
	return nil
}

func (p *Profiler) closeConns() {
	for _, c := range p.conns {
		if c != nil {
			c.Close()
		}
	}
}

// RunRound performs one probe round: one probe per tunnel, then a
// bounded wait for replies across all probe sockets. Tunnels that stay
// silent have their loss degraded. The refreshed table is published as
// a new snapshot at the end of the round.
func (p *Profiler) RunRound() {
	replies := p.exchangeProbes()

	p.mu.Lock()
	for i := range p.working {
		rtt, ok := replies[p.working[i].Port]
		p.working[i].Update(ok, rtt)
	}
	snap := Snapshot(p.working).Clone()
	p.snapshot = snap
	cb := p.onRound
	p.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"function": "RunRound",
		"replied":  len(replies),
		"tunnels":  len(p.ports),
		"avg_loss": snap.AvgLoss(),
		"avg_rtt":  snap.AvgRTTMS(),
	}).Debug("Probe round completed")

	if cb != nil {
		cb(snap)
	}
}

// exchangeProbes sends one probe per tunnel and collects the first reply
// for each port until the round deadline. Reply collection runs one
// reader per socket against a shared deadline, the Go rendition of the
// single epoll wait the wire protocol assumes.
func (p *Profiler) exchangeProbes() map[uint16]float64 {
	deadline := time.Now().Add(p.timeout)

	type reply struct {
		port uint16
		rtt  float64
	}
	results := make(chan reply, len(p.conns))

	var readers sync.WaitGroup
	for i, conn := range p.conns {
		probe := wire.Probe{Port: p.ports[i], TimestampUS: nowMicros()}
		dest := &net.UDPAddr{IP: p.remote, Port: int(p.ports[i])}
		if _, err := conn.WriteToUDP(probe.Marshal(), dest); err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "exchangeProbes",
				"port":     p.ports[i],
				"error":    err.Error(),
			}).Warn("Probe send failed")
			continue
		}

		readers.Add(1)
		go func(conn *net.UDPConn) {
			defer readers.Done()
			buf := make([]byte, 64)
			conn.SetReadDeadline(deadline)
			for {
				n, _, err := conn.ReadFromUDP(buf)
				if err != nil {
					return
				}
				echoed, err := wire.ParseProbe(buf[:n])
				if err != nil {
					continue
				}
				rtt := float64(nowMicros()-echoed.TimestampUS) / 1000.0
				if rtt < 0 {
					continue
				}
				results <- reply{port: echoed.Port, rtt: rtt}
				return
			}
		}(conn)
	}

	readers.Wait()
	close(results)

	replies := make(map[uint16]float64, len(p.conns))
	for r := range results {
		if _, dup := replies[r.port]; !dup {
			replies[r.port] = r.rtt
		}
	}
	return replies
}

func nowMicros() uint64 {
	return uint64(time.Now().UnixMicro())
}
