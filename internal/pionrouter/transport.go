package pionrouter

import (
	"context"
	"fmt"
	"sync"

	"github.com/pion/rtcp"
	"github.com/pion/webrtc/v4"
	"go.uber.org/zap"

	"github.com/odoo/sfu/internal/mediarouter"
)

// Transport adapts one pion PeerConnection to mediarouter.Transport. A
// Session holds two of these (cts, stc), mirroring the teacher's single
// sfuPeer.pc split into separate inbound/outbound negotiation sides.
type Transport struct {
	pc     *webrtc.PeerConnection
	router *Router
	log    *zap.Logger

	mu           sync.Mutex
	maxIncoming  int
	maxOutgoing  int
	candidatesMu sync.Mutex
	candidates   []webrtc.ICECandidateInit
	gatherDone   bool

	pendingMu sync.Mutex
	pending   map[mediarouter.Kind][]*Producer // producers awaiting their OnTrack
}

func newTransport(pc *webrtc.PeerConnection, router *Router, log *zap.Logger) *Transport {
	t := &Transport{pc: pc, router: router, log: log, pending: make(map[mediarouter.Kind][]*Producer)}

	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			t.candidatesMu.Lock()
			t.gatherDone = true
			t.candidatesMu.Unlock()
			return
		}
		t.candidatesMu.Lock()
		t.candidates = append(t.candidates, c.ToJSON())
		t.candidatesMu.Unlock()
	})

	pc.OnICEConnectionStateChange(func(state webrtc.ICEConnectionState) {
		log.Debug("ice state change", zap.String("transport", t.ID()), zap.String("state", state.String()))
	})

	// A Produce call only negotiates the SDP; the actual RTP track
	// arrives later as OnTrack. Match it to the oldest unbound producer
	// of the same kind registered via Produce on this transport,
	// mirroring the teacher's wirePeerEvents OnTrack handoff.
	pc.OnTrack(func(remote *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		kind := mediarouter.KindAudio
		if remote.Kind() == webrtc.RTPCodecTypeVideo {
			kind = mediarouter.KindVideo
		}
		t.pendingMu.Lock()
		queue := t.pending[kind]
		var p *Producer
		if len(queue) > 0 {
			p, queue = queue[0], queue[1:]
			t.pending[kind] = queue
		}
		t.pendingMu.Unlock()
		if p == nil {
			log.Warn("ontrack with no pending producer", zap.String("kind", string(kind)))
			return
		}
		p.bindRemoteTrack(remote)
	})

	return t
}

func (t *Transport) awaitTrack(p *Producer) {
	t.pendingMu.Lock()
	t.pending[p.kind] = append(t.pending[p.kind], p)
	t.pendingMu.Unlock()
}

func (t *Transport) ID() string {
	return fmt.Sprintf("%p", t.pc)
}

func (t *Transport) IceParameters() mediarouter.IceParameters {
	// pion negotiates ICE ufrag/pwd via SDP directly; exposed here as
	// an empty placeholder since the core treats this as opaque.
	return nil
}

func (t *Transport) IceCandidates() mediarouter.IceCandidates {
	t.candidatesMu.Lock()
	defer t.candidatesMu.Unlock()
	out := make([]webrtc.ICECandidateInit, len(t.candidates))
	copy(out, t.candidates)
	return marshalOrNil(out)
}

func (t *Transport) DtlsParameters() mediarouter.DtlsParameters {
	return nil
}

func (t *Transport) SctpParameters() mediarouter.SctpParameters {
	return nil
}

func (t *Transport) Connect(ctx context.Context, remoteDtls mediarouter.DtlsParameters) error {
	var desc webrtc.SessionDescription
	if err := unmarshalInto(remoteDtls, &desc); err != nil {
		return fmt.Errorf("pionrouter: bad remote description: %w", err)
	}
	if err := t.pc.SetRemoteDescription(desc); err != nil {
		return fmt.Errorf("pionrouter: set remote description: %w", err)
	}
	return nil
}

// Produce creates a producer from an inbound remote track negotiated
// via renegotiation; in this adapter the RTP parameters carry the
// client's SDP offer, and the resulting answer is applied as the local
// description, following the teacher's offer/answer renegotiation flow
// (webrtc/sfu.go: requestNegotiation). The answer is not returned to the
// caller, and GetStats does not expose it.
func (t *Transport) Produce(ctx context.Context, kind mediarouter.Kind, rtpParameters mediarouter.RTPParameters) (mediarouter.Producer, error) {
	var offer webrtc.SessionDescription
	if err := unmarshalInto(rtpParameters, &offer); err != nil {
		return nil, fmt.Errorf("pionrouter: bad offer: %w", err)
	}
	if err := t.pc.SetRemoteDescription(offer); err != nil {
		return nil, fmt.Errorf("pionrouter: set remote description: %w", err)
	}
	answer, err := t.pc.CreateAnswer(nil)
	if err != nil {
		return nil, fmt.Errorf("pionrouter: create answer: %w", err)
	}
	if err := t.pc.SetLocalDescription(answer); err != nil {
		return nil, fmt.Errorf("pionrouter: set local description: %w", err)
	}

	p := &Producer{kind: kind, transport: t, log: t.log}
	p.id = fmt.Sprintf("%p", p)
	t.router.registerProducer(p)
	t.awaitTrack(p)
	return p, nil
}

// Consume creates a local outbound track fanned out to producerID's
// remote track and adds it to this transport's PeerConnection,
// mirroring the teacher's AddTrack + relayRTCPToPublisher pattern
// (webrtc/sfu.go OnTrack handler).
func (t *Transport) Consume(ctx context.Context, producerID string, rtpCapabilities mediarouter.RTPCapabilities) (mediarouter.Consumer, error) {
	t.router.mu.Lock()
	producer, ok := t.router.producers[producerID]
	t.router.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("pionrouter: unknown producer %q", producerID)
	}
	if producer.remoteTrack == nil {
		return nil, fmt.Errorf("pionrouter: producer %q has no remote track yet", producerID)
	}

	localTrack, err := webrtc.NewTrackLocalStaticRTP(
		producer.remoteTrack.Codec().RTPCodecCapability,
		producer.remoteTrack.ID(),
		producer.remoteTrack.StreamID(),
	)
	if err != nil {
		return nil, fmt.Errorf("pionrouter: new local track: %w", err)
	}
	sender, err := t.pc.AddTrack(localTrack)
	if err != nil {
		return nil, fmt.Errorf("pionrouter: add track: %w", err)
	}

	c := &Consumer{
		id:       fmt.Sprintf("%p", sender),
		kind:     producer.kind,
		sender:   sender,
		transport: t,
	}
	go relayRTCP(sender, producer, t.log)
	go pumpRTP(producer.remoteTrack, producer, localTrack, c, t.log)
	return c, nil
}

func (t *Transport) SetMaxIncomingBitrate(bps int) error {
	t.mu.Lock()
	t.maxIncoming = bps
	t.mu.Unlock()
	return nil
}

func (t *Transport) SetMaxOutgoingBitrate(bps int) error {
	t.mu.Lock()
	t.maxOutgoing = bps
	t.mu.Unlock()
	return nil
}

func (t *Transport) GetStats(ctx context.Context) (mediarouter.Stats, error) {
	report := t.pc.GetStats()
	return mediarouter.Stats{"reportCount": len(report)}, nil
}

func (t *Transport) Close() error {
	return t.pc.Close()
}

// relayRTCP forwards RTCP feedback (PLI/NACK) from the consumer's
// RTPSender back to the producer's PeerConnection, matching the
// teacher's relayRTCPToPublisher (webrtc/sfu.go).
func relayRTCP(sender *webrtc.RTPSender, producer *Producer, log *zap.Logger) {
	buf := make([]byte, 1500)
	for {
		n, _, err := sender.Read(buf)
		if err != nil {
			return
		}
		pkts, err := rtcp.Unmarshal(buf[:n])
		if err != nil {
			continue
		}
		if producer.transport == nil {
			continue
		}
		if err := producer.transport.pc.WriteRTCP(pkts); err != nil {
			log.Debug("rtcp relay failed", zap.Error(err))
		}
	}
}

func pumpRTP(remote *webrtc.TrackRemote, producer *Producer, local *webrtc.TrackLocalStaticRTP, c *Consumer, log *zap.Logger) {
	buf := make([]byte, 1500)
	for {
		n, _, err := remote.Read(buf)
		if err != nil {
			return
		}
		producer.recordBytes(n)
		c.mu.Lock()
		paused := c.paused
		c.mu.Unlock()
		if paused {
			continue
		}
		if _, err := local.Write(buf[:n]); err != nil {
			log.Debug("rtp relay write failed", zap.Error(err))
			return
		}
	}
}
