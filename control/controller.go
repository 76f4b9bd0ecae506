// Package control adapts the encoder's target bitrate to observed
// channel conditions.
//
// The controller reacts only to sustained loss: Reed–Solomon parity
// absorbs ordinary loss, so bitrate moves are reserved for extremes and
// are damped by a large change threshold to prevent oscillation. The
// FEC ratio itself is recomputed per frame by the packetizer and the
// per-slice redundancy is owned by the sender; this component drives
// the encoder knob alone.
package control

import (
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/hydra/profiler"
)

// Bitrate policy constants.
const (
	// DefaultInitialBitrate is the session's starting target.
	DefaultInitialBitrate uint32 = 2_500_000

	// Floor and ceiling for the adapted target.
	bitrateFloor   = 2_000_000
	bitrateCeiling = 3_500_000

	// Loss thresholds: only extreme loss reduces the rate, only a clean
	// channel lets it creep back up.
	severeLoss = 0.80
	cleanLoss  = 0.01

	// Multiplicative steps per profile tick.
	decreaseFactor = 0.85
	increaseFactor = 1.02

	// minAdvertiseDelta is the hysteresis band: the encoder only hears
	// about a new target once it has drifted this far from the last
	// advertised one.
	minAdvertiseDelta = 500_000
)

// Controller turns profiler snapshots into encoder bitrate updates.
//
// An internal target compounds every tick; the advertised value follows
// it only across the hysteresis band. A one-tick loss spike therefore
// nudges the internal target without disturbing the encoder, while
// sustained loss walks the target far enough to advertise.
type Controller struct {
	mu         sync.Mutex
	target     float64
	advertised uint32
	onBitrate  func(bps uint32)
}

// New creates a controller starting at the given bitrate. The callback
// receives every advertised change; it may be nil and set later.
func New(initial uint32, onBitrate func(uint32)) *Controller {
	if initial == 0 {
		initial = DefaultInitialBitrate
	}
	logrus.WithFields(logrus.Fields{
		"function":    "control.New",
		"initial_bps": initial,
	}).Info("Bitrate controller created")
	return &Controller{
		target:     float64(initial),
		advertised: initial,
		onBitrate:  onBitrate,
	}
}

// SetCallback registers the encoder-facing bitrate callback.
func (c *Controller) SetCallback(onBitrate func(uint32)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onBitrate = onBitrate
}

// Target returns the currently advertised bitrate.
func (c *Controller) Target() uint32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.advertised
}

// Observe consumes one profile tick and returns whether a new target
// was advertised.
func (c *Controller) Observe(snap profiler.Snapshot) bool {
	avgLoss := snap.AvgLoss()

	c.mu.Lock()
	switch {
	case avgLoss > severeLoss:
		c.target *= decreaseFactor
		if c.target < bitrateFloor {
			c.target = bitrateFloor
		}
	case avgLoss < cleanLoss:
		c.target *= increaseFactor
		if c.target > bitrateCeiling {
			c.target = bitrateCeiling
		}
	}

	delta := c.target - float64(c.advertised)
	if delta < 0 {
		delta = -delta
	}
	if delta < minAdvertiseDelta {
		c.mu.Unlock()
		return false
	}

	c.advertised = uint32(c.target)
	advertised := c.advertised
	cb := c.onBitrate
	c.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"function": "Observe",
		"avg_loss": avgLoss,
		"bps":      advertised,
	}).Info("Advertising new target bitrate")
	if cb != nil {
		cb(advertised)
	}
	return true
}
