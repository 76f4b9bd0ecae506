package profiler

import "sort"

// TunnelStat is the live quality estimate for one UDP tunnel.
//
// RTT is an EWMA updated on each successful probe round (α=0.2); loss is
// the lifetime ratio of unanswered probes.
type TunnelStat struct {
	Port       uint16
	AvgRTTMS   float64
	PacketLoss float64
	Sent       uint64
	Received   uint64
}

// initialRTTMS seeds new tunnels with an optimistic estimate so the
// weighted scheduler has something to work with before the first round.
const initialRTTMS = 10.0

// Update folds one probe round result into the stat. A successful round
// contributes the measured RTT to the EWMA; a silent round only degrades
// the loss ratio.
func (s *TunnelStat) Update(success bool, rttMS float64) {
	s.Sent++
	if success {
		s.Received++
		s.AvgRTTMS = 0.8*s.AvgRTTMS + 0.2*rttMS
	}
	if s.Sent > 0 {
		s.PacketLoss = 1.0 - float64(s.Received)/float64(s.Sent)
	}
}

// Score is the path quality metric used to pick the single best tunnel:
// lower is better, with loss dominating RTT.
func (s *TunnelStat) Score() float64 {
	return s.AvgRTTMS + 1000.0*s.PacketLoss
}

// Snapshot is one immutable per-tunnel stats table. The profiler
// publishes a fresh Snapshot after every probe round; readers never see
// a mix of old and new rows.
type Snapshot []TunnelStat

// AvgLoss returns the mean packet loss across tunnels, 0 when empty.
func (s Snapshot) AvgLoss() float64 {
	if len(s) == 0 {
		return 0
	}
	var sum float64
	for i := range s {
		sum += s[i].PacketLoss
	}
	return sum / float64(len(s))
}

// AvgRTTMS returns the mean RTT across tunnels, 0 when empty.
func (s Snapshot) AvgRTTMS() float64 {
	if len(s) == 0 {
		return 0
	}
	var sum float64
	for i := range s {
		sum += s[i].AvgRTTMS
	}
	return sum / float64(len(s))
}

// BestIndex returns the index of the tunnel with the lowest score, or
// -1 when the snapshot is empty. Ties resolve to the lowest index.
func (s Snapshot) BestIndex() int {
	best := -1
	bestScore := 0.0
	for i := range s {
		if score := s[i].Score(); best < 0 || score < bestScore {
			best = i
			bestScore = score
		}
	}
	return best
}

// RTTP95MS returns the 95th-percentile RTT across tunnels. With the
// small tunnel counts in practice this is the near-worst path, which is
// what the receiver's reassembly TTL must cover.
func (s Snapshot) RTTP95MS() float64 {
	if len(s) == 0 {
		return 0
	}
	rtts := make([]float64, len(s))
	for i := range s {
		rtts[i] = s[i].AvgRTTMS
	}
	sort.Float64s(rtts)
	idx := (len(rtts)*95 + 99) / 100
	if idx > 0 {
		idx--
	}
	return rtts[idx]
}

// Clone returns a deep copy. Snapshots handed to readers are already
// immutable by convention; Clone exists for callers that mutate working
// copies.
func (s Snapshot) Clone() Snapshot {
	out := make(Snapshot, len(s))
	copy(out, s)
	return out
}

// StatsProvider hands out the latest stats snapshot. The profiler is
// the production implementation; tests substitute fixed tables.
type StatsProvider interface {
	Snapshot() Snapshot
}
