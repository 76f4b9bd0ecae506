package stream

import (
	"fmt"
	"math/bits"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/hydra/fec"
	"github.com/opd-ai/hydra/media"
	"github.com/opd-ai/hydra/profiler"
	"github.com/opd-ai/hydra/wire"
)

// Reassembly limits.
const (
	// MaxConcurrentFrames caps the accumulator map; on overflow the
	// oldest unit is evicted so a burst of new frames cannot pin memory.
	MaxConcurrentFrames = 64

	// GCInterval is how often the owner should call SweepExpired.
	GCInterval = 100 * time.Millisecond

	// TTL bounds for incomplete units. The working TTL is twice the
	// 95th-percentile RTT clamped into this range.
	MinFrameTTL     = 300 * time.Millisecond
	MaxFrameTTL     = 2 * time.Second
	DefaultFrameTTL = time.Second
)

// TimeProvider abstracts the clock for deterministic GC testing.
type TimeProvider interface {
	Now() time.Time
}

// DefaultTimeProvider returns real wall-clock time.
type DefaultTimeProvider struct{}

// Now returns the current time.
func (DefaultTimeProvider) Now() time.Time { return time.Now() }

// Counters is a snapshot of the depacketizer's drop and emit counters.
type Counters struct {
	EmittedFrames   uint64
	InvalidSlices   uint64
	DuplicateSlices uint64
	MismatchSlices  uint64
	ExpiredFrames   uint64
	EvictedFrames   uint64
	FECFailures     uint64
}

// accumulator gathers the slices of one transmit unit. Geometry is
// adopted from the first valid slice; later slices must agree.
type accumulator struct {
	k               int
	r               int
	payloadBytes    int
	totalFrameBytes uint32
	timestampUS     uint64
	keyframe        bool

	shards    [][]byte // k+r entries, nil until the index arrives
	present   []uint64 // bitmap over k+r
	count     int
	firstSeen time.Time
}

func (a *accumulator) has(idx int) bool {
	return a.present[idx/64]&(1<<(idx%64)) != 0
}

func (a *accumulator) mark(idx int) {
	a.present[idx/64] |= 1 << (idx % 64)
	a.count++
}

func (a *accumulator) dataComplete() bool {
	need := a.k
	for w := 0; need > 0 && w < len(a.present); w++ {
		mask := ^uint64(0)
		if need < 64 {
			mask = (1 << need) - 1
		}
		if a.present[w]&mask != mask {
			return false
		}
		need -= 64
	}
	return true
}

func popcount(words []uint64) int {
	n := 0
	for _, w := range words {
		n += bits.OnesCount64(w)
	}
	return n
}

// Depacketizer rebuilds encoded frames from incoming slice datagrams.
//
// Frames are emitted in the order their k-th valid slice arrives; the
// consumer reorders by FrameID if it cares. Each unit emits at most
// once; duplicates and stragglers after emission are dropped.
type Depacketizer struct {
	mtu     int
	fourcc  uint32
	stats   profiler.StatsProvider
	onFrame func(*media.EncodedFrame)
	clock   TimeProvider

	mu       sync.Mutex
	units    map[uint32]*accumulator
	emitted  recentSet
	counters Counters

	codecMu sync.Mutex
	codecs  map[[2]int]*fec.Codec
}

// NewDepacketizer creates a depacketizer emitting frames through
// onFrame. fourcc is the session codec identity stamped on emitted
// frames (the slice header does not carry it). stats may be nil; the
// reassembly TTL then stays at its default.
func NewDepacketizer(mtu int, fourcc uint32, stats profiler.StatsProvider, onFrame func(*media.EncodedFrame)) (*Depacketizer, error) {
	if mtu-wire.HeaderSize < wire.MinPayloadBytes {
		return nil, fmt.Errorf("mtu %d leaves %d payload bytes: %w", mtu, mtu-wire.HeaderSize, ErrMTUTooSmall)
	}
	if onFrame == nil {
		return nil, fmt.Errorf("frame callback is nil")
	}
	return &Depacketizer{
		mtu:     mtu,
		fourcc:  fourcc,
		stats:   stats,
		onFrame: onFrame,
		clock:   DefaultTimeProvider{},
		units:   make(map[uint32]*accumulator),
		emitted: newRecentSet(emittedHistory),
		codecs:  make(map[[2]int]*fec.Codec),
	}, nil
}

// SetTimeProvider overrides the clock for deterministic testing.
func (d *Depacketizer) SetTimeProvider(tp TimeProvider) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.clock = tp
}

// Counters returns a snapshot of the drop and emit counters.
func (d *Depacketizer) Counters() Counters {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.counters
}

// PendingUnits returns the number of incomplete accumulators.
func (d *Depacketizer) PendingUnits() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.units)
}

// Ingest validates one datagram and folds it into its unit's
// accumulator, emitting the frame once k valid slices are in. Invalid
// datagrams are counted and dropped without touching any state.
func (d *Depacketizer) Ingest(datagram []byte) {
	h, err := wire.ValidateSlice(datagram)
	if err != nil {
		d.mu.Lock()
		d.counters.InvalidSlices++
		d.mu.Unlock()
		logrus.WithFields(logrus.Fields{
			"function": "Ingest",
			"bytes":    len(datagram),
			"error":    err.Error(),
		}).Debug("Dropped invalid slice")
		return
	}

	var emit *media.EncodedFrame

	d.mu.Lock()
	if d.emitted.contains(h.FrameID) {
		d.counters.DuplicateSlices++
		d.mu.Unlock()
		return
	}

	acc, ok := d.units[h.FrameID]
	if !ok {
		d.evictIfFullLocked()
		acc = newAccumulator(&h, d.clock.Now())
		d.units[h.FrameID] = acc
	}

	if !d.adoptSliceLocked(acc, &h, datagram) {
		d.mu.Unlock()
		return
	}

	if acc.count >= acc.k {
		emit = d.assembleLocked(h.FrameID, acc)
	}
	d.mu.Unlock()

	if emit != nil {
		d.onFrame(emit)
	}
}

// SweepExpired drops accumulators older than the reassembly TTL and
// returns how many were dropped. Their partial frames are lost; the
// next keyframe resynchronizes the stream.
func (d *Depacketizer) SweepExpired() int {
	ttl := d.frameTTL()

	d.mu.Lock()
	defer d.mu.Unlock()
	now := d.clock.Now()
	dropped := 0
	for id, acc := range d.units {
		if now.Sub(acc.firstSeen) > ttl {
			delete(d.units, id)
			d.counters.ExpiredFrames++
			dropped++
			logrus.WithFields(logrus.Fields{
				"function": "SweepExpired",
				"tx_unit":  id,
				"have":     acc.count,
				"need":     acc.k,
				"ttl":      ttl,
			}).Debug("Abandoned incomplete frame")
		}
	}
	return dropped
}

func (d *Depacketizer) frameTTL() time.Duration {
	if d.stats == nil {
		return DefaultFrameTTL
	}
	snap := d.stats.Snapshot()
	if len(snap) == 0 {
		return DefaultFrameTTL
	}
	ttl := time.Duration(2*snap.RTTP95MS()) * time.Millisecond
	if ttl < MinFrameTTL {
		ttl = MinFrameTTL
	}
	if ttl > MaxFrameTTL {
		ttl = MaxFrameTTL
	}
	return ttl
}

func newAccumulator(h *wire.SliceHeader, now time.Time) *accumulator {
	total := int(h.TotalSlices)
	return &accumulator{
		k:               int(h.KData),
		r:               int(h.RParity),
		payloadBytes:    int(h.PayloadBytes),
		totalFrameBytes: h.TotalFrameBytes,
		timestampUS:     h.TimestampUS,
		keyframe:        h.IsKeyframe(),
		shards:          make([][]byte, total),
		present:         make([]uint64, (total+63)/64),
		firstSeen:       now,
	}
}

// adoptSliceLocked copies the slice payload into its shard slot.
// Returns false when the slice was dropped (duplicate or geometry
// disagreement with the unit's adopted header).
func (d *Depacketizer) adoptSliceLocked(acc *accumulator, h *wire.SliceHeader, datagram []byte) bool {
	if int(h.KData) != acc.k || int(h.RParity) != acc.r ||
		int(h.PayloadBytes) != acc.payloadBytes ||
		h.TotalFrameBytes != acc.totalFrameBytes ||
		h.TimestampUS != acc.timestampUS {
		d.counters.MismatchSlices++
		return false
	}

	idx := int(h.SliceIndex)
	if acc.has(idx) {
		d.counters.DuplicateSlices++
		return false
	}

	payload := make([]byte, acc.payloadBytes)
	copy(payload, datagram[wire.HeaderSize:])
	acc.shards[idx] = payload
	acc.mark(idx)
	return true
}

// assembleLocked finishes a unit that has reached k valid slices,
// reconstructing missing data shards through FEC when needed. The
// accumulator is destroyed either way.
func (d *Depacketizer) assembleLocked(frameID uint32, acc *accumulator) *media.EncodedFrame {
	delete(d.units, frameID)

	if !acc.dataComplete() {
		codec, err := d.codec(acc.k, acc.r)
		if err == nil {
			err = codec.Reconstruct(acc.shards)
		}
		if err != nil {
			// With k valid shards this cannot fail unless the codec is
			// broken; count it and abandon the frame.
			d.counters.FECFailures++
			logrus.WithFields(logrus.Fields{
				"function": "assembleLocked",
				"tx_unit":  frameID,
				"present":  popcount(acc.present),
				"k":        acc.k,
				"error":    err.Error(),
			}).Warn("FEC reconstruction refused, abandoning frame")
			return nil
		}
	}

	payload := make([]byte, 0, acc.totalFrameBytes)
	for i := 0; i < acc.k && len(payload) < int(acc.totalFrameBytes); i++ {
		payload = append(payload, acc.shards[i]...)
	}
	if len(payload) > int(acc.totalFrameBytes) {
		payload = payload[:acc.totalFrameBytes]
	}

	d.emitted.add(frameID)
	d.counters.EmittedFrames++

	return &media.EncodedFrame{
		FrameID:     uint64(frameID),
		TimestampNS: int64(acc.timestampUS) * 1000,
		CodecFourCC: d.fourcc,
		IsKeyframe:  acc.keyframe,
		Payload:     payload,
	}
}

// evictIfFullLocked makes room for a new unit by dropping the oldest
// incomplete one when the cap is reached.
func (d *Depacketizer) evictIfFullLocked() {
	if len(d.units) < MaxConcurrentFrames {
		return
	}
	var oldestID uint32
	var oldest *accumulator
	for id, acc := range d.units {
		if oldest == nil || acc.firstSeen.Before(oldest.firstSeen) {
			oldestID = id
			oldest = acc
		}
	}
	if oldest != nil {
		delete(d.units, oldestID)
		d.counters.EvictedFrames++
		logrus.WithFields(logrus.Fields{
			"function": "evictIfFullLocked",
			"tx_unit":  oldestID,
		}).Debug("Evicted oldest accumulator at capacity")
	}
}

func (d *Depacketizer) codec(k, r int) (*fec.Codec, error) {
	d.codecMu.Lock()
	defer d.codecMu.Unlock()
	key := [2]int{k, r}
	if c, ok := d.codecs[key]; ok {
		return c, nil
	}
	c, err := fec.NewCodec(k, r)
	if err != nil {
		return nil, err
	}
	d.codecs[key] = c
	return c, nil
}
