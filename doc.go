// Package hydra is a peer-to-peer real-time video transport over UDP.
//
// A Session moves opaque encoded frames to one remote peer across
// several parallel UDP paths ("tunnels"). Frames are cut into MTU-sized
// slices protected by systematic Reed–Solomon parity, scheduled onto
// tunnels by live loss/RTT measurements, reassembled on the receiving
// side as soon as enough slices arrive, and the encoder's target
// bitrate is adapted to what the channel sustains.
//
// Capture, codecs and rendering stay outside: anything producing an
// EncodedFrame stream can feed a session, and the session hands
// reassembled frames to a single callback.
//
// Example:
//
//	opts := hydra.NewOptions()
//	opts.RemoteIP = "203.0.113.7"
//	opts.RemotePorts = []uint16{4000, 4001, 4002}
//
//	session, err := hydra.New(opts)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	session.OnFrame(func(f *media.EncodedFrame) { decode(f) })
//	session.OnTargetBitrate(func(bps uint32) { encoder.SetBitrate(bps) })
//	if err := session.Start(); err != nil {
//	    log.Fatal(err)
//	}
//	defer session.Kill()
//
//	for f := range encodedFrames {
//	    session.PushFrame(f)
//	}
package hydra
