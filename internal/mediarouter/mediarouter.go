// Package mediarouter defines the abstract Media Router the core
// consumes (spec §6.4): it creates transports, producers and consumers,
// and tells the session whether a consumer can be built for a producer
// given the requesting peer's capabilities. The core never imports a
// concrete media engine directly; internal/pionrouter is the one
// concrete adapter shipped with this repo.
//
// Grounded on the noun set of ion-sfu's WebRTCTransportConfig/Session
// (other_examples/...HMasataka-ion-sfu__pkg-sfu-sfu.go) and mediasoup-go's
// Worker/Router/Transport/Producer/Consumer chain
// (other_examples/...itzmanish-mediasoup-go__worker.go).
package mediarouter

import "context"

// Kind is a media kind, mirroring RTP's audio/video split.
type Kind string

const (
	KindAudio Kind = "audio"
	KindVideo Kind = "video"
)

// RTPCapabilities is the opaque capability blob a client advertises and
// the router interprets when deciding CanConsume. The core never parses
// it; only a concrete router implementation does.
type RTPCapabilities = []byte

// RTPParameters is the opaque blob describing how a producer or
// consumer encodes RTP, passed through untouched by the core.
type RTPParameters = []byte

// IceParameters, IceCandidates and DtlsParameters are opaque
// ICE/DTLS negotiation blobs, passed through untouched between the
// router and the remote peer via the Bus.
type (
	IceParameters  = []byte
	IceCandidates  = []byte
	DtlsParameters = []byte
	SctpParameters = []byte
)

// TransportOptions configures a new WebRTC transport.
type TransportOptions struct {
	// ListenIP is the address the transport should bind and advertise,
	// normally Config.RTCInterface / Config.PublicIP.
	ListenIP string
	// EnableSctp allows a data channel in addition to media.
	EnableSctp bool
}

// Stats is a generic snapshot of a transport/producer/consumer's
// runtime counters. The core reads only a producer's "bitrate" entry,
// which feeds the channel's aggregate stats.
type Stats map[string]any

// Transport is one client<->server-direction media transport
// (spec calls these "client->server" and "server->client" handles).
type Transport interface {
	ID() string
	IceParameters() IceParameters
	IceCandidates() IceCandidates
	DtlsParameters() DtlsParameters
	SctpParameters() SctpParameters

	// Connect finalizes DTLS with the remote's parameters.
	Connect(ctx context.Context, remoteDtls DtlsParameters) error

	// Produce creates a new Producer of kind from rtpParameters.
	Produce(ctx context.Context, kind Kind, rtpParameters RTPParameters) (Producer, error)

	// Consume creates a new Consumer for producerID, assuming
	// CanConsume already returned true for this pair.
	Consume(ctx context.Context, producerID string, rtpCapabilities RTPCapabilities) (Consumer, error)

	SetMaxIncomingBitrate(bps int) error
	SetMaxOutgoingBitrate(bps int) error

	GetStats(ctx context.Context) (Stats, error)
	Close() error
}

// Producer is one inbound media stream from a session.
type Producer interface {
	ID() string
	Kind() Kind
	Paused() bool
	Pause() error
	Resume() error
	Close() error
	GetStats(ctx context.Context) (Stats, error)
	RTPParameters() RTPParameters
}

// Consumer is one outbound media stream forwarding a Producer to a peer.
type Consumer interface {
	ID() string
	Kind() Kind
	Paused() bool
	Pause() error
	Resume() error
	Close() error
	RTPParameters() RTPParameters
}

// Router scopes transport/producer/consumer creation to one channel and
// decides codec/capability compatibility.
type Router interface {
	CreateWebRTCTransport(ctx context.Context, opts TransportOptions) (Transport, error)
	// CanConsume reports whether a consumer could be created for
	// producerID given the requesting peer's rtpCapabilities.
	CanConsume(producerID string, rtpCapabilities RTPCapabilities) bool
	Close() error
}

// ResourceUsage mirrors the rusage-style fields mediasoup-go surfaces
// for worker load balancing (RU_Maxrss drives lowest-RSS selection).
type ResourceUsage struct {
	UserTimeMicros   int64
	SystemTimeMicros int64
	MaxRSSKB         int64
}

// Worker is one media-engine process/instance hosting zero or more
// Routers. The core never creates Routers directly: it asks a Worker.
type Worker interface {
	ID() string
	GetResourceUsage(ctx context.Context) (ResourceUsage, error)
	CreateRouter(ctx context.Context) (Router, error)
	// OnDied registers the callback fired exactly once when the
	// worker's underlying process/engine instance dies unexpectedly.
	OnDied(func(err error))
	Close() error
}

// WorkerFactory constructs a new Worker, used by the worker pool to
// respawn a dead worker without the pool needing to know how workers
// are actually built (pion-backed, subprocess-backed, or otherwise).
type WorkerFactory func(ctx context.Context) (Worker, error)
