package transport

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"net"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/hydra/profiler"
	"github.com/opd-ai/hydra/wire"
)

// Weighted scheduling constants: weight = 1/(ε + α·loss + β·rtt_ms).
// Loss dominates because a lossy path wastes whole slices while a slow
// one merely delays them.
const (
	weightEpsilon = 1e-3
	weightAlpha   = 2.0
	weightBeta    = 0.01
)

// Send retry policy for transient socket errors.
const (
	sendAttempts   = 3
	sendRetryDelay = 200 * time.Microsecond
)

// maxSenderWorkers caps the goroutines draining the slice queue.
const maxSenderWorkers = 4

// SenderStats is a snapshot of the sender's transmit counters.
type SenderStats struct {
	SentDatagrams uint64
	SendFailures  uint64
	DroppedSlices uint64
	PerTunnelSent []uint64
}

// Sender transmits slice datagrams across the tunnel pool.
//
// Each slice is scheduled onto a tunnel by weighted sampling over the
// latest profiler snapshot, starting the roulette scan at a round-robin
// cursor so equal weights still spread. Redundancy clones a slice onto
// additional distinct tunnels; parity slices avoid the current best
// tunnel so recovery data travels a different path than the bulk of the
// data whenever possible.
type Sender struct {
	tunnels []*tunnel
	queue   *sliceQueue

	mu         sync.Mutex
	stats      profiler.Snapshot
	redundancy int
	rrCursor   int
	rng        *rand.Rand

	sentDatagrams atomic.Uint64
	sendFailures  atomic.Uint64
	perTunnelSent []atomic.Uint64

	wg      sync.WaitGroup
	running atomic.Bool
}

// NewSender creates the tunnel pool for the given peer. One socket per
// remote port; any bind failure tears the pool down and is fatal.
func NewSender(remoteIP string, ports []uint16, queueCapacity int) (*Sender, error) {
	ip := net.ParseIP(remoteIP)
	if ip == nil || ip.To4() == nil {
		return nil, fmt.Errorf("sender: peer %q: %w", remoteIP, ErrInvalidAddress)
	}
	if len(ports) == 0 {
		return nil, fmt.Errorf("sender: %w", ErrNoTunnels)
	}

	s := &Sender{
		queue:         newSliceQueue(queueCapacity),
		redundancy:    1,
		rng:           rand.New(rand.NewSource(time.Now().UnixNano())),
		perTunnelSent: make([]atomic.Uint64, len(ports)),
	}
	for _, port := range ports {
		t, err := dialTunnel(ip.To4(), port)
		if err != nil {
			s.closeTunnels()
			return nil, err
		}
		s.tunnels = append(s.tunnels, t)
	}

	// Optimistic initial stats until the first profile round lands.
	init := make(profiler.Snapshot, len(ports))
	for i, port := range ports {
		init[i] = profiler.TunnelStat{Port: port, AvgRTTMS: 10.0}
	}
	s.stats = init

	if len(ports) >= 2 {
		s.redundancy = 2
	}

	logrus.WithFields(logrus.Fields{
		"function":   "NewSender",
		"remote":     remoteIP,
		"tunnels":    len(ports),
		"redundancy": s.redundancy,
	}).Info("Multipath sender created")
	return s, nil
}

// TunnelCount returns the size of the tunnel pool.
func (s *Sender) TunnelCount() int { return len(s.tunnels) }

// SetProfiles atomically replaces the tunnel metric table and runs the
// liveness watchdog against it.
func (s *Sender) SetProfiles(stats profiler.Snapshot) {
	if len(stats) != len(s.tunnels) {
		logrus.WithFields(logrus.Fields{
			"function": "SetProfiles",
			"got":      len(stats),
			"want":     len(s.tunnels),
		}).Warn("Profile size mismatch, keeping previous table")
		return
	}
	now := time.Now()
	s.mu.Lock()
	s.stats = stats
	for i, t := range s.tunnels {
		if stats[i].Received > t.lastReceived {
			t.lastReceived = stats[i].Received
			t.lastAlive = now
		} else if now.Sub(t.lastAlive) > deadAfter {
			logrus.WithFields(logrus.Fields{
				"function": "SetProfiles",
				"port":     t.remotePort,
				"silent":   now.Sub(t.lastAlive),
			}).Warn("Tunnel looks dead")
		}
	}
	s.mu.Unlock()
}

// SetRedundancy sets how many distinct tunnels receive each slice,
// clamped to [1, tunnel count]. A single-tunnel pool forces 1: cloning
// onto the same path only doubles its load.
func (s *Sender) SetRedundancy(c int) {
	if c < 1 {
		c = 1
	}
	if c > len(s.tunnels) {
		c = len(s.tunnels)
	}
	if len(s.tunnels) <= 1 {
		c = 1
	}
	s.mu.Lock()
	s.redundancy = c
	s.mu.Unlock()
}

// Redundancy returns the current per-slice clone count.
func (s *Sender) Redundancy() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.redundancy
}

// EnqueueFrameSlices queues all slices of one frame for transmission.
// The queue's backpressure policy applies; the call never blocks longer
// than one frame time per slice.
func (s *Sender) EnqueueFrameSlices(slices [][]byte) {
	for _, slice := range slices {
		s.queue.push(slice)
	}
}

// Start launches the sender workers. Worker count is the smaller of the
// tunnel count and four.
func (s *Sender) Start(ctx context.Context) error {
	if !s.running.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}
	workers := min(len(s.tunnels), maxSenderWorkers)
	for i := 0; i < workers; i++ {
		s.wg.Add(1)
		go s.workerLoop(ctx)
	}
	logrus.WithFields(logrus.Fields{
		"function": "Sender.Start",
		"workers":  workers,
	}).Info("Sender workers started")
	return nil
}

// Close shuts the queue, waits for workers, and closes the sockets.
func (s *Sender) Close() error {
	s.queue.close()
	s.wg.Wait()
	s.closeTunnels()
	s.running.Store(false)
	return nil
}

// Stats returns a snapshot of the transmit counters.
func (s *Sender) Stats() SenderStats {
	st := SenderStats{
		SentDatagrams: s.sentDatagrams.Load(),
		SendFailures:  s.sendFailures.Load(),
		DroppedSlices: s.queue.droppedCount(),
		PerTunnelSent: make([]uint64, len(s.perTunnelSent)),
	}
	for i := range s.perTunnelSent {
		st.PerTunnelSent[i] = s.perTunnelSent[i].Load()
	}
	return st
}

func (s *Sender) workerLoop(ctx context.Context) {
	defer s.wg.Done()
	for {
		slice, ok := s.queue.pop()
		if !ok {
			return
		}
		select {
		case <-ctx.Done():
			return
		default:
		}
		s.dispatch(slice)
	}
}

// dispatch sends one slice onto redundancy-many distinct tunnels.
// Keyframe slices transiently raise the clone count so the frames the
// whole stream resynchronizes on get the widest path spread.
func (s *Sender) dispatch(slice []byte) {
	flags, ok := wire.PeekSliceFlags(slice)
	parity := ok && flags&wire.FlagParity != 0
	keyframe := ok && flags&wire.FlagKeyframe != 0

	s.mu.Lock()
	clones := s.redundancy
	if keyframe {
		clones = keyframeRedundancy(len(s.tunnels))
	}
	if clones > len(s.tunnels) {
		clones = len(s.tunnels)
	}
	targets := make([]int, 0, clones)
	excluded := make(map[int]struct{}, clones)
	for c := 0; c < clones; c++ {
		idx := s.pickTunnelLocked(excluded, parity)
		if idx < 0 {
			break
		}
		excluded[idx] = struct{}{}
		targets = append(targets, idx)
	}
	s.mu.Unlock()

	for _, idx := range targets {
		s.sendWithRetry(s.tunnels[idx], idx, slice)
	}
}

// keyframeRedundancy is the transient clone count applied to keyframe
// slices: min(3, max(2, N/2)).
func keyframeRedundancy(tunnels int) int {
	if tunnels <= 1 {
		return 1
	}
	return min(3, max(2, tunnels/2))
}

// pickTunnelLocked selects one tunnel by weighted roulette over the
// current stats, skipping excluded indices. The scan starts at the
// round-robin cursor so equal weights spread across the pool. Parity
// slices that land on the overall best tunnel shift to the next free
// index; recovery data should not ride the same path as the data it
// protects. Caller holds s.mu.
func (s *Sender) pickTunnelLocked(excluded map[int]struct{}, parity bool) int {
	n := len(s.tunnels)
	if n == 0 {
		return -1
	}
	if len(excluded) >= n {
		return -1
	}

	weights := make([]float64, n)
	var sum float64
	for i := 0; i < n; i++ {
		if _, skip := excluded[i]; skip {
			continue
		}
		st := s.stats[i]
		rtt := st.AvgRTTMS
		if rtt < 0 {
			rtt = 0
		}
		w := 1.0 / (weightEpsilon + weightAlpha*st.PacketLoss + weightBeta*rtt)
		weights[i] = w
		sum += w
	}

	idx := -1
	if sum <= 0 {
		for i := 0; i < n; i++ {
			if _, skip := excluded[i]; !skip {
				idx = i
				break
			}
		}
	} else {
		pick := s.rng.Float64() * sum
		start := s.rrCursor % n
		acc := 0.0
		for off := 0; off < n; off++ {
			i := (start + off) % n
			if _, skip := excluded[i]; skip {
				continue
			}
			acc += weights[i]
			if pick <= acc {
				idx = i
				break
			}
		}
		if idx < 0 {
			idx = s.stats.BestIndex()
		}
		s.rrCursor = (idx + 1) % n
	}
	if idx < 0 {
		return -1
	}

	if parity && n > 1 {
		if best := s.stats.BestIndex(); idx == best {
			idx = (idx + 1) % n
			for {
				if _, skip := excluded[idx]; !skip {
					break
				}
				idx = (idx + 1) % n
			}
		}
	}
	return idx
}

// sendWithRetry writes the datagram with a short bounded retry on
// transient errors. Permanent failures are counted, never surfaced.
func (s *Sender) sendWithRetry(t *tunnel, idx int, slice []byte) {
	for attempt := 0; attempt < sendAttempts; attempt++ {
		n, err := t.conn.WriteToUDP(slice, t.remoteAddr)
		if err == nil && n == len(slice) {
			s.sentDatagrams.Add(1)
			s.perTunnelSent[idx].Add(1)
			return
		}
		if err != nil && !isTransientSendError(err) {
			break
		}
		time.Sleep(sendRetryDelay)
	}
	s.sendFailures.Add(1)
}

// isTransientSendError reports whether a send error is worth the short
// retry (kernel buffer pressure rather than a dead socket).
func isTransientSendError(err error) bool {
	if errors.Is(err, syscall.EAGAIN) || errors.Is(err, syscall.ENOBUFS) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

func (s *Sender) closeTunnels() {
	for _, t := range s.tunnels {
		t.close()
	}
}
