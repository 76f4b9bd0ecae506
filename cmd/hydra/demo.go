package main

import (
	"math/rand"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/hydra"
	"github.com/opd-ai/hydra/media"
)

// Demo source parameters: 30 fps with a short closed GOP, matching the
// reference encoder configuration.
const (
	demoFPS     = 30
	demoGOP     = 7
	demoKeyMult = 3 // keyframes carry roughly 3x the bytes of a P-frame
)

// demoSource pushes synthetic encoder output at 30 fps, sized from the
// session's advertised target bitrate, so two endpoints can exercise
// slicing, FEC, scheduling and reassembly over a real network path.
func demoSource(session *hydra.Session, done <-chan struct{}) {
	var targetBPS atomic.Uint32
	targetBPS.Store(2_500_000)
	session.OnTargetBitrate(func(bps uint32) {
		targetBPS.Store(bps)
		logrus.WithFields(logrus.Fields{
			"function": "demoSource",
			"bps":      bps,
		}).Info("Demo encoder retargeted")
	})

	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	frameID := uint64(0)

	for waitOrDone(done, time.Second/demoFPS) {
		keyframe := frameID%demoGOP == 0
		size := int(targetBPS.Load()) / 8 / demoFPS
		if keyframe {
			size *= demoKeyMult
		}
		payload := make([]byte, size)
		rng.Read(payload)

		err := session.PushFrame(&media.EncodedFrame{
			FrameID:     frameID,
			TimestampNS: time.Now().UnixNano(),
			CodecFourCC: media.FourCC('H', '2', '6', '4'),
			IsKeyframe:  keyframe,
			Payload:     payload,
		})
		if err != nil {
			return
		}
		frameID++
	}
}
