// Package session implements the Session state machine of spec §3/§4.3:
// one participant inside one channel, owning its producers, its
// consumers of every other session, its bus, and its timers. Grounded
// on the teacher's sfuPeer (webrtc/sfu.go: wirePeerEvents, negotiation
// coalescing, RTCP relay, writePumpSFU/readPumpSFU) generalized from a
// single pion.PeerConnection into the two-transport (cts/stc) shape
// spec §4.3 describes, and on
// other_examples/...randeeprajputr-webinar_backend__internal-realtime-sfu.go
// for the zap+uuid session bookkeeping idiom.
package session

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/odoo/sfu/internal/bus"
	"github.com/odoo/sfu/internal/mediarouter"
)

// State is a Session's position in the NEW->CONNECTING->CONNECTED->CLOSED
// state machine (spec §4.3).
type State int

const (
	StateNew State = iota
	StateConnecting
	StateConnected
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateNew:
		return "NEW"
	case StateConnecting:
		return "CONNECTING"
	case StateConnected:
		return "CONNECTED"
	case StateClosed:
		return "CLOSED"
	default:
		return "UNKNOWN"
	}
}

// StreamType is one of the three producer slots spec §3 names.
type StreamType string

const (
	StreamAudio  StreamType = "audio"
	StreamCamera StreamType = "camera"
	StreamScreen StreamType = "screen"
)

var streamTypes = [...]StreamType{StreamAudio, StreamCamera, StreamScreen}

// Info is the mutable six-boolean info record spec §3 describes. All
// fields are pointers so "unset" and "false" are distinguishable, per
// the "update only recognized keys" rule in spec §4.3 Info-change.
type Info struct {
	IsTalking         *bool `json:"isTalking,omitempty"`
	IsCameraOn        *bool `json:"isCameraOn,omitempty"`
	IsScreenSharingOn *bool `json:"isScreenSharingOn,omitempty"`
	IsSelfMuted       *bool `json:"isSelfMuted,omitempty"`
	IsDeaf            *bool `json:"isDeaf,omitempty"`
	IsRaisingHand     *bool `json:"isRaisingHand,omitempty"`
}

func boolPtr(b bool) *bool { return &b }

// Timeouts bundles the per-session timer durations (spec §5).
type Timeouts struct {
	Session  time.Duration // connection deadline, default 10s
	Ping     time.Duration // ping interval, default 60s
	Recovery time.Duration // per-peer consumer recovery delay, default 2s
}

func (t Timeouts) withDefaults() Timeouts {
	if t.Session <= 0 {
		t.Session = 10 * time.Second
	}
	if t.Ping <= 0 {
		t.Ping = 60 * time.Second
	}
	if t.Recovery <= 0 {
		t.Recovery = 2 * time.Second
	}
	return t
}

const maxSessionErrors = 6

// Channel is the subset of internal/channel.Channel a Session needs,
// kept as an interface to avoid an import cycle.
type Channel interface {
	Peers(excludeID string) []PeerSession
	Router() mediarouter.Router
}

// PeerSession is the subset of a peer Session's surface this package
// needs to reach across sessions within the same channel.
type PeerSession interface {
	ID() string
	IsConnected() bool
	Consume(peer PeerSession)
	ProducerFor(t StreamType) (mediarouter.Producer, bool)
	Capabilities() mediarouter.RTPCapabilities
	OnPeerClose(func(id string))
	SendBus(msg bus.Message)
	RequestBus(ctx context.Context, msg bus.Message, opts ...bus.RequestOption) (bus.Message, error)
}

type consumerSlot struct {
	consumer mediarouter.Consumer
	stype    StreamType
}

// Session is one participant inside one channel.
type Session struct {
	id      string
	channel Channel
	log     *zap.Logger
	tm      Timeouts

	mu    sync.Mutex
	state State
	bus   *bus.Bus

	producers map[StreamType]mediarouter.Producer
	cts       mediarouter.Transport
	stc       mediarouter.Transport
	caps      mediarouter.RTPCapabilities

	consumers      map[string]map[StreamType]*consumerSlot
	recoveryTimers map[string]*time.Timer

	info Info

	errs []error

	connectionDeadline *time.Timer
	pingTimer          *time.Timer

	closeListeners []func(reason string)
	peerCloseFns   []func(id string)

	closeCh chan struct{}
}

// Options configures session construction.
type Options struct {
	ID       string
	Channel  Channel
	Log      *zap.Logger
	Timeouts Timeouts
}

// New constructs a Session in state NEW.
func New(opts Options) *Session {
	return &Session{
		id:             opts.ID,
		channel:        opts.Channel,
		log:            opts.Log,
		tm:             opts.Timeouts.withDefaults(),
		state:          StateNew,
		producers:      make(map[StreamType]mediarouter.Producer),
		consumers:      make(map[string]map[StreamType]*consumerSlot),
		recoveryTimers: make(map[string]*time.Timer),
		closeCh:        make(chan struct{}),
	}
}

func (s *Session) ID() string { return s.id }

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) IsConnected() bool {
	return s.State() == StateConnected
}

// OnClose registers a callback fired exactly once, on Close, with the
// session's close reason.
func (s *Session) OnClose(fn func(reason string)) {
	s.mu.Lock()
	s.closeListeners = append(s.closeListeners, fn)
	s.mu.Unlock()
}

// OnPeerClose registers a callback used by peers wanting to react to
// this session's close: the same event as OnClose (which the channel
// uses), delivered with the session id instead of the close reason.
func (s *Session) OnPeerClose(fn func(id string)) {
	s.mu.Lock()
	s.peerCloseFns = append(s.peerCloseFns, fn)
	s.mu.Unlock()
}

// Capabilities returns the client's negotiated RTP capabilities.
func (s *Session) Capabilities() mediarouter.RTPCapabilities {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.caps
}

// ProducerFor returns the session's producer for t, if any.
func (s *Session) ProducerFor(t StreamType) (mediarouter.Producer, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.producers[t]
	return p, ok
}

// BitrateStats reports the (approximate) bitrate of each producer slot,
// derived from the media router's getStats. Missing or unreadable
// producers report 0.
func (s *Session) BitrateStats() (audio, camera, screen int) {
	s.mu.Lock()
	producers := map[StreamType]mediarouter.Producer{
		StreamAudio:  s.producers[StreamAudio],
		StreamCamera: s.producers[StreamCamera],
		StreamScreen: s.producers[StreamScreen],
	}
	s.mu.Unlock()

	read := func(p mediarouter.Producer) int {
		if p == nil {
			return 0
		}
		stats, err := p.GetStats(context.Background())
		if err != nil {
			return 0
		}
		if v, ok := stats["bitrate"].(int); ok {
			return v
		}
		return 0
	}
	return read(producers[StreamAudio]), read(producers[StreamCamera]), read(producers[StreamScreen])
}

// InfoFlags reports the current camera/screen-share flags for channel
// stats aggregation.
func (s *Session) InfoFlags() (cameraOn, screenOn bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.info.IsCameraOn != nil {
		cameraOn = *s.info.IsCameraOn
	}
	if s.info.IsScreenSharingOn != nil {
		screenOn = *s.info.IsScreenSharingOn
	}
	return cameraOn, screenOn
}

// SendBus fire-and-forgets msg over this session's bus.
func (s *Session) SendBus(msg bus.Message) {
	s.mu.Lock()
	b := s.bus
	s.mu.Unlock()
	if b == nil {
		return
	}
	_ = b.Send(msg, bus.Batch())
}

// RequestBus issues a batched request over this session's bus.
func (s *Session) RequestBus(ctx context.Context, msg bus.Message, opts ...bus.RequestOption) (bus.Message, error) {
	s.mu.Lock()
	b := s.bus
	s.mu.Unlock()
	if b == nil {
		return bus.Message{}, fmt.Errorf("session: no bus attached")
	}
	return b.Request(ctx, msg, append([]bus.RequestOption{bus.WithBatch()}, opts...)...)
}

// transportsInit is the payload sent as INIT_TRANSPORTS (spec §6.2).
type transportsInit struct {
	Capabilities          mediarouter.RTPCapabilities `json:"capabilities"`
	StcConfig             transportConfig             `json:"stcConfig"`
	CtsConfig             transportConfig             `json:"ctsConfig"`
	ProducerOptionsByKind map[string]any              `json:"producerOptionsByKind"`
}

type transportConfig struct {
	ID             string                     `json:"id"`
	IceParameters  mediarouter.IceParameters  `json:"iceParameters"`
	IceCandidates  mediarouter.IceCandidates  `json:"iceCandidates"`
	DtlsParameters mediarouter.DtlsParameters `json:"dtlsParameters"`
	SctpParameters mediarouter.SctpParameters `json:"sctpParameters"`
}

// RouterOptions configures transport creation on Connect.
type RouterOptions struct {
	ListenIP        string
	MaxIncomingBps  int
	MaxOutgoingBps  int
}

// Connect drives NEW -> CONNECTING -> CONNECTED per spec §4.3. It is
// safe to call only once; subsequent calls are no-ops.
func (s *Session) Connect(ctx context.Context, b *bus.Bus, ropts RouterOptions) {
	s.mu.Lock()
	if s.state != StateNew {
		s.mu.Unlock()
		return
	}
	s.state = StateConnecting
	s.bus = b
	s.mu.Unlock()

	b.OnRequest(s.handleRequest)
	b.OnMessage(s.handleMessage)

	s.armConnectionDeadline()
	s.armPingTimer()

	router := s.channel.Router()
	if router == nil {
		// Data-only channel: no transports to negotiate, go straight
		// to CONNECTED and wire up existing peers.
		s.finishConnect()
		return
	}

	go s.negotiateTransports(ctx, router, ropts)
}

func (s *Session) negotiateTransports(ctx context.Context, router mediarouter.Router, ropts RouterOptions) {
	cts, err := router.CreateWebRTCTransport(ctx, mediarouter.TransportOptions{ListenIP: ropts.ListenIP})
	if err != nil {
		s.closeWithCause(CloseReasonError, fmt.Sprintf("create cts transport: %v", err))
		return
	}
	stc, err := router.CreateWebRTCTransport(ctx, mediarouter.TransportOptions{ListenIP: ropts.ListenIP})
	if err != nil {
		cts.Close()
		s.closeWithCause(CloseReasonError, fmt.Sprintf("create stc transport: %v", err))
		return
	}

	if ropts.MaxIncomingBps > 0 {
		_ = cts.SetMaxIncomingBitrate(ropts.MaxIncomingBps)
	}
	if ropts.MaxOutgoingBps > 0 {
		_ = stc.SetMaxOutgoingBitrate(ropts.MaxOutgoingBps)
	}

	payload := transportsInit{
		StcConfig: transportConfig{
			ID:             stc.ID(),
			IceParameters:  stc.IceParameters(),
			IceCandidates:  stc.IceCandidates(),
			DtlsParameters: stc.DtlsParameters(),
			SctpParameters: stc.SctpParameters(),
		},
		CtsConfig: transportConfig{
			ID:             cts.ID(),
			IceParameters:  cts.IceParameters(),
			IceCandidates:  cts.IceCandidates(),
			DtlsParameters: cts.DtlsParameters(),
			SctpParameters: cts.SctpParameters(),
		},
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		cts.Close()
		stc.Close()
		s.closeWithCause(CloseReasonError, fmt.Sprintf("marshal init transports: %v", err))
		return
	}

	s.mu.Lock()
	b := s.bus
	s.mu.Unlock()
	if b == nil {
		cts.Close()
		stc.Close()
		return
	}

	resp, err := b.Request(context.Background(), bus.Message{Name: "INIT_TRANSPORTS", Payload: raw}, bus.WithBatch())

	s.mu.Lock()
	closed := s.state == StateClosed
	s.mu.Unlock()
	if closed {
		cts.Close()
		stc.Close()
		return
	}
	if err != nil {
		cts.Close()
		stc.Close()
		s.closeWithCause(CloseReasonError, fmt.Sprintf("init transports request: %v", err))
		return
	}

	s.mu.Lock()
	s.cts = cts
	s.stc = stc
	s.caps = []byte(resp.Payload)
	s.mu.Unlock()

	s.finishConnect()
}

func (s *Session) finishConnect() {
	s.mu.Lock()
	if s.state == StateClosed {
		s.mu.Unlock()
		return
	}
	s.state = StateConnected
	s.mu.Unlock()

	s.cancelConnectionDeadline()

	for _, peer := range s.channel.Peers(s.id) {
		peer.Consume(s)
		s.Consume(peer)
	}
}

// Consume idempotently mounts consumers for every stream type peer
// produces that self can consume, per spec §4.3 Consume(peer).
func (s *Session) Consume(peer PeerSession) {
	if peer == nil || peer.ID() == s.id {
		return
	}
	if !peer.IsConnected() {
		return
	}
	router := s.channel.Router()
	if router == nil {
		return
	}

	s.mu.Lock()
	if _, ok := s.consumers[peer.ID()]; !ok {
		s.consumers[peer.ID()] = make(map[StreamType]*consumerSlot)
		s.mu.Unlock()
		peer.OnPeerClose(func(string) {
			s.closeConsumersFor(peer.ID())
		})
	} else {
		s.mu.Unlock()
	}

	for _, t := range streamTypes {
		if err := s.consumeOne(peer, t, router); err != nil {
			s.recordError(err)
			s.armRecoveryTimer(peer)
		}
	}
}

func (s *Session) consumeOne(peer PeerSession, t StreamType, router mediarouter.Router) error {
	producer, ok := peer.ProducerFor(t)
	if !ok || producer == nil {
		return nil
	}
	if !router.CanConsume(producer.ID(), s.Capabilities()) {
		return nil
	}

	s.mu.Lock()
	slots := s.consumers[peer.ID()]
	_, exists := slots[t]
	stc := s.stc
	s.mu.Unlock()

	if !exists {
		if stc == nil {
			return fmt.Errorf("session: stc transport not ready")
		}
		consumer, err := stc.Consume(context.Background(), producer.ID(), s.Capabilities())
		if err != nil {
			return fmt.Errorf("consume %s: %w", t, err)
		}

		s.mu.Lock()
		if prior, ok := s.consumers[peer.ID()][t]; ok && prior.consumer != nil {
			prior.consumer.Close()
		}
		s.consumers[peer.ID()][t] = &consumerSlot{consumer: consumer, stype: t}
		s.mu.Unlock()

		payload, _ := json.Marshal(map[string]any{
			"id":            consumer.ID(),
			"kind":          consumer.Kind(),
			"producerId":    producer.ID(),
			"rtpParameters": consumer.RTPParameters(),
			"sessionId":     peer.ID(),
			"active":        !producer.Paused(),
			"type":          t,
		})
		if _, err := s.RequestBus(context.Background(), bus.Message{Name: "INIT_CONSUMER", Payload: payload}); err != nil {
			return fmt.Errorf("init consumer %s: %w", t, err)
		}
	}

	return s.reconcilePause(peer, t, producer)
}

func (s *Session) reconcilePause(peer PeerSession, t StreamType, producer mediarouter.Producer) error {
	s.mu.Lock()
	slot, ok := s.consumers[peer.ID()][t]
	s.mu.Unlock()
	if !ok || slot.consumer == nil {
		return nil
	}
	if producer.Paused() == slot.consumer.Paused() {
		return nil
	}
	if producer.Paused() {
		return slot.consumer.Pause()
	}
	return slot.consumer.Resume()
}

func (s *Session) closeConsumersFor(peerID string) {
	s.mu.Lock()
	slots := s.consumers[peerID]
	delete(s.consumers, peerID)
	timer := s.recoveryTimers[peerID]
	delete(s.recoveryTimers, peerID)
	s.mu.Unlock()

	if timer != nil {
		timer.Stop()
	}
	for _, slot := range slots {
		if slot.consumer != nil {
			slot.consumer.Close()
		}
	}
}

func (s *Session) armRecoveryTimer(peer PeerSession) {
	s.mu.Lock()
	if t, ok := s.recoveryTimers[peer.ID()]; ok {
		t.Stop()
	}
	if s.state == StateClosed {
		s.mu.Unlock()
		return
	}
	s.recoveryTimers[peer.ID()] = time.AfterFunc(s.tm.Recovery, func() {
		if peer.IsConnected() {
			s.Consume(peer)
		}
	})
	s.mu.Unlock()
}

func (s *Session) recordError(err error) {
	s.mu.Lock()
	s.errs = append(s.errs, err)
	n := len(s.errs)
	errs := append([]error(nil), s.errs...)
	s.mu.Unlock()

	s.log.Warn("session error", zap.String("sessionId", s.id), zap.Error(err))

	if n > maxSessionErrors {
		msg := ""
		for i, e := range errs {
			if i > 0 {
				msg += "; "
			}
			msg += e.Error()
		}
		s.closeWithCause(CloseReasonError, msg)
	}
}

// Close codes mirror session close reasons (spec §4.3/§6.3).
const (
	CloseReasonClean         = "CLEAN"
	CloseReasonError         = "ERROR"
	CloseReasonKicked        = "KICKED"
	CloseReasonReplaced      = "REPLACED"
	CloseReasonChannelClosed = "CHANNEL_CLOSED"
	CloseReasonCTimeout      = "C_TIMEOUT"
	CloseReasonPTimeout      = "P_TIMEOUT"
	CloseReasonWSClosed      = "WS_CLOSED"
	CloseReasonWSError       = "WS_ERROR"
)

// Close tears the session down with no cause message, idempotent
// (spec §4.3 Close). Satisfies channel.Session's Close signature.
func (s *Session) Close(reason string) {
	s.closeWithCause(reason, "")
}

// closeWithCause is Close plus a diagnostic cause string logged
// alongside the close, used by internal failure paths (transport
// negotiation errors, exhausted error budget).
func (s *Session) closeWithCause(reason, cause string) {
	s.mu.Lock()
	if s.state == StateClosed {
		s.mu.Unlock()
		return
	}
	s.state = StateClosed
	s.cancelConnectionDeadlineLocked()
	s.cancelPingTimerLocked()

	recovery := s.recoveryTimers
	s.recoveryTimers = nil
	consumers := s.consumers
	s.consumers = nil
	producers := s.producers
	s.producers = nil
	cts, stc := s.cts, s.stc
	listeners := s.closeListeners
	peerListeners := s.peerCloseFns
	s.mu.Unlock()

	for _, t := range recovery {
		t.Stop()
	}
	for _, slots := range consumers {
		for _, slot := range slots {
			if slot.consumer != nil {
				slot.consumer.Close()
			}
		}
	}
	for _, p := range producers {
		if p != nil {
			p.Close()
		}
	}
	if cts != nil {
		cts.Close()
	}
	if stc != nil {
		stc.Close()
	}

	// SESSION_LEAVE is a Server->Client message for peers' clients (spec
	// §4.3/§6.2), not an echo back to the departing client itself, and
	// must go out before peers reap this session's consumers (§5).
	if reason != CloseReasonChannelClosed {
		payload, _ := json.Marshal(map[string]string{"sessionId": s.id})
		for _, peer := range s.channel.Peers(s.id) {
			peer.SendBus(bus.Message{Name: "SESSION_LEAVE", Payload: payload})
		}
	}

	s.log.Info("session closed", zap.String("sessionId", s.id), zap.String("reason", reason), zap.String("cause", cause))

	close(s.closeCh)
	for _, fn := range listeners {
		fn(reason)
	}
	for _, fn := range peerListeners {
		fn(s.id)
	}
}

func (s *Session) armConnectionDeadline() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.connectionDeadline = time.AfterFunc(s.tm.Session, func() {
		s.Close(CloseReasonCTimeout)
	})
}

func (s *Session) cancelConnectionDeadline() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cancelConnectionDeadlineLocked()
}

func (s *Session) cancelConnectionDeadlineLocked() {
	if s.connectionDeadline != nil {
		s.connectionDeadline.Stop()
		s.connectionDeadline = nil
	}
}

func (s *Session) armPingTimer() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.armPingTimerLocked()
}

func (s *Session) armPingTimerLocked() {
	s.pingTimer = time.AfterFunc(s.tm.Ping, s.firePing)
}

func (s *Session) firePing() {
	s.mu.Lock()
	b := s.bus
	closed := s.state == StateClosed
	s.mu.Unlock()
	if closed || b == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.tm.Session)
	defer cancel()
	_, err := b.Request(ctx, bus.Message{Name: "PING"})
	if err != nil {
		s.Close(CloseReasonPTimeout)
		return
	}

	s.mu.Lock()
	if s.state != StateClosed {
		s.armPingTimerLocked()
	}
	s.mu.Unlock()
}

func (s *Session) cancelPingTimerLocked() {
	if s.pingTimer != nil {
		s.pingTimer.Stop()
		s.pingTimer = nil
	}
}
