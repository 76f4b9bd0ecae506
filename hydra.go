package hydra

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/opd-ai/hydra/control"
	"github.com/opd-ai/hydra/media"
	"github.com/opd-ai/hydra/profiler"
	"github.com/opd-ai/hydra/stream"
	"github.com/opd-ai/hydra/transport"
	"github.com/opd-ai/hydra/wire"
)

// Options contains configuration for creating a Session.
type Options struct {
	// RemoteIP is the peer's IPv4 address. Required.
	RemoteIP string

	// RemotePorts are the peer's media ports, one tunnel each. Required.
	RemotePorts []uint16

	// LocalPorts are the ports this session listens on. Defaults to
	// RemotePorts, the symmetric setup both reference peers run.
	LocalPorts []uint16

	// MTU is the fixed slice datagram size in bytes, [200, 2000].
	MTU int

	// CodecFourCC identifies the codec of the stream; it is stamped on
	// frames emitted to the consumer.
	CodecFourCC uint32

	// ProfileInterval is the probe round period.
	ProfileInterval time.Duration

	// ProbeTimeout is how long one round waits for probe replies.
	ProbeTimeout time.Duration

	// Redundancy is the per-slice clone count across tunnels. Zero
	// selects the default: 2 when two or more tunnels exist.
	Redundancy int

	// QueueCapacity bounds the slice queue between packetizer and
	// sender workers. Zero selects the default.
	QueueCapacity int

	// InitialBitrate seeds the controller. Zero selects the default.
	InitialBitrate uint32

	// IngestBuffer bounds how many frames may be queued for
	// packetization. Zero selects the default.
	IngestBuffer int
}

// NewOptions returns options with the reference defaults: MTU 1200,
// 3-second profile rounds, 150 ms probe timeout, H.264 fourcc.
func NewOptions() *Options {
	return &Options{
		MTU:             wire.DefaultMTU,
		CodecFourCC:     media.FourCC('H', '2', '6', '4'),
		ProfileInterval: profiler.DefaultInterval,
		ProbeTimeout:    profiler.DefaultTimeout,
		IngestBuffer:    8,
	}
}

func (o *Options) validate() error {
	if o.MTU < wire.MinMTU || o.MTU > wire.MaxMTU {
		return fmt.Errorf("mtu %d: %w", o.MTU, ErrInvalidMTU)
	}
	if len(o.RemotePorts) == 0 {
		return ErrNoPorts
	}
	ip := net.ParseIP(o.RemoteIP)
	if ip == nil || ip.To4() == nil {
		return fmt.Errorf("remote ip %q: %w", o.RemoteIP, ErrInvalidAddress)
	}
	return nil
}

// Session is one live transport endpoint. Every peer runs both roles:
// it sends the local encoder's frames and reassembles the remote
// peer's. All goroutines are owned by the session and joined by Kill.
type Session struct {
	id   uuid.UUID
	opts *Options

	packetizer   *stream.Packetizer
	depacketizer *stream.Depacketizer
	sender       *transport.Sender
	receiver     *transport.Receiver
	profiler     *profiler.Profiler
	controller   *control.Controller

	frames chan *media.EncodedFrame
	raw    chan []byte

	cbMu      sync.RWMutex
	onFrame   func(*media.EncodedFrame)
	onBitrate func(uint32)

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	running bool
}

// New creates a session from options, binding all sockets. Bind or
// configuration failure is fatal and returns before any goroutine runs.
func New(options *Options) (*Session, error) {
	if options == nil {
		options = NewOptions()
	}
	if err := options.validate(); err != nil {
		return nil, err
	}
	localPorts := options.LocalPorts
	if len(localPorts) == 0 {
		localPorts = options.RemotePorts
	}

	s := &Session{
		id:     uuid.New(),
		opts:   options,
		frames: make(chan *media.EncodedFrame, max(options.IngestBuffer, 1)),
		raw:    make(chan []byte, 256),
	}
	s.ctx, s.cancel = context.WithCancel(context.Background())

	var err error
	s.profiler, err = profiler.New(options.RemoteIP, options.RemotePorts, options.ProfileInterval, options.ProbeTimeout)
	if err != nil {
		return nil, err
	}

	s.sender, err = transport.NewSender(options.RemoteIP, options.RemotePorts, options.QueueCapacity)
	if err != nil {
		s.profiler.Close()
		return nil, err
	}
	if options.Redundancy > 0 {
		s.sender.SetRedundancy(options.Redundancy)
	}

	s.receiver, err = transport.NewReceiver(localPorts, options.MTU)
	if err != nil {
		s.profiler.Close()
		s.sender.Close()
		return nil, err
	}

	s.packetizer, err = stream.NewPacketizer(options.MTU, s.profiler)
	if err != nil {
		s.teardownSockets()
		return nil, err
	}
	s.depacketizer, err = stream.NewDepacketizer(options.MTU, options.CodecFourCC, s.profiler, s.emitFrame)
	if err != nil {
		s.teardownSockets()
		return nil, err
	}

	s.controller = control.New(options.InitialBitrate, s.emitBitrate)
	s.profiler.SetRoundCallback(func(snap profiler.Snapshot) {
		s.sender.SetProfiles(snap)
		s.controller.Observe(snap)
	})

	logrus.WithFields(logrus.Fields{
		"function":   "hydra.New",
		"session_id": s.id.String(),
		"remote":     options.RemoteIP,
		"tunnels":    len(options.RemotePorts),
		"mtu":        options.MTU,
	}).Info("Session created")
	return s, nil
}

// OnFrame registers the consumer callback for reassembled frames.
// Frames arrive in the order their final needed slice arrived.
func (s *Session) OnFrame(cb func(*media.EncodedFrame)) {
	s.cbMu.Lock()
	defer s.cbMu.Unlock()
	s.onFrame = cb
}

// OnTargetBitrate registers the encoder-facing bitrate callback.
func (s *Session) OnTargetBitrate(cb func(bps uint32)) {
	s.cbMu.Lock()
	defer s.cbMu.Unlock()
	s.onBitrate = cb
}

// Start launches the session's goroutines: ingest, sender workers,
// receive loops, depacketizer, reassembly GC and the profiler loop.
func (s *Session) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return ErrSessionAlreadyRunning
	}

	if err := s.sender.Start(s.ctx); err != nil {
		return err
	}
	if err := s.receiver.Start(s.ctx, func(_ *net.UDPAddr, datagram []byte) {
		select {
		case s.raw <- datagram:
		case <-s.ctx.Done():
		}
	}); err != nil {
		return err
	}
	s.profiler.Start(s.ctx)

	s.wg.Add(1)
	go s.ingestLoop()
	s.wg.Add(1)
	go s.depacketizeLoop()
	s.wg.Add(1)
	go s.gcLoop()

	s.running = true
	logrus.WithFields(logrus.Fields{
		"function":   "Session.Start",
		"session_id": s.id.String(),
	}).Info("Session started")
	return nil
}

// PushFrame hands one encoded frame to the transport. FrameID must be
// strictly increasing; the core does not reorder. The call blocks only
// while the small ingest buffer is full.
func (s *Session) PushFrame(frame *media.EncodedFrame) error {
	if frame == nil {
		return stream.ErrNilFrame
	}
	s.mu.Lock()
	running := s.running
	s.mu.Unlock()
	if !running {
		return ErrSessionNotRunning
	}
	select {
	case s.frames <- frame:
		return nil
	case <-s.ctx.Done():
		return ErrSessionNotRunning
	}
}

// Kill stops every goroutine and closes all sockets. It is safe to call
// once regardless of whether Start succeeded.
func (s *Session) Kill() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		s.cancel()
		s.teardownSockets()
		return
	}
	s.running = false
	s.mu.Unlock()

	s.cancel()
	s.profiler.Close()
	s.receiver.Stop()
	s.sender.Close()
	s.wg.Wait()

	logrus.WithFields(logrus.Fields{
		"function":   "Session.Kill",
		"session_id": s.id.String(),
	}).Info("Session stopped")
}

// Stats bundles the session's live counters for the application.
type Stats struct {
	Sender       transport.SenderStats
	Receiver     transport.ReceiverStats
	Reassembly   stream.Counters
	Tunnels      profiler.Snapshot
	TargetBPS    uint32
	PendingUnits int
}

// Stats returns a snapshot of the session counters and tunnel table.
func (s *Session) Stats() Stats {
	return Stats{
		Sender:       s.sender.Stats(),
		Receiver:     s.receiver.Stats(),
		Reassembly:   s.depacketizer.Counters(),
		Tunnels:      s.profiler.Snapshot(),
		TargetBPS:    s.controller.Target(),
		PendingUnits: s.depacketizer.PendingUnits(),
	}
}

func (s *Session) ingestLoop() {
	defer s.wg.Done()
	for {
		select {
		case <-s.ctx.Done():
			return
		case frame := <-s.frames:
			slices, err := s.packetizer.Packetize(frame)
			if err != nil {
				logrus.WithFields(logrus.Fields{
					"function": "ingestLoop",
					"frame_id": frame.FrameID,
					"error":    err.Error(),
				}).Warn("Dropping unpacketizable frame")
				continue
			}
			s.sender.EnqueueFrameSlices(slices)
		}
	}
}

func (s *Session) depacketizeLoop() {
	defer s.wg.Done()
	for {
		select {
		case <-s.ctx.Done():
			return
		case datagram := <-s.raw:
			s.depacketizer.Ingest(datagram)
		}
	}
}

func (s *Session) gcLoop() {
	defer s.wg.Done()
	ticker := time.NewTicker(stream.GCInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			s.depacketizer.SweepExpired()
		}
	}
}

func (s *Session) emitFrame(frame *media.EncodedFrame) {
	s.cbMu.RLock()
	cb := s.onFrame
	s.cbMu.RUnlock()
	if cb != nil {
		cb(frame)
	}
}

func (s *Session) emitBitrate(bps uint32) {
	s.cbMu.RLock()
	cb := s.onBitrate
	s.cbMu.RUnlock()
	if cb != nil {
		cb(bps)
	}
}

func (s *Session) teardownSockets() {
	if s.profiler != nil {
		s.profiler.Close()
	}
	if s.receiver != nil {
		s.receiver.Stop()
	}
	if s.sender != nil {
		s.sender.Close()
	}
}
