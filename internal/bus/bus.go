// Package bus implements the correlated request/response + fire-and-forget
// + trailing-edge-batched message layer over one link.Link (spec §4.2).
// The teacher has no correlation or batching machinery of its own; the
// request/response-by-id shape is modelled on mediasoup-go's
// Channel.Request (other_examples/...itzmanish-mediasoup-go__worker.go),
// and the single-writer-goroutine queue discipline on the teacher's
// sendJSON/p.send channel (webrtc/sfu.go).
package bus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/odoo/sfu/internal/link"
)

// ErrBusClosed is returned to any pending or new request once the bus
// has been closed.
var ErrBusClosed = errors.New("bus: closed")

// ErrRequestTimeout is returned when a Request's deadline elapses
// before a response arrives.
var ErrRequestTimeout = errors.New("bus: request timed out")

const defaultBatchDelay = 300 * time.Millisecond
const defaultRequestTimeout = 5 * time.Second

// Message is one application-level message exchanged over the bus.
type Message struct {
	Name    string          `json:"name"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Payload is the wire envelope spec §4.2/§6.2 describes: a message plus
// optional correlation markers.
type Payload struct {
	Message      Message `json:"message"`
	NeedResponse string  `json:"needResponse,omitempty"`
	ResponseTo   string  `json:"responseTo,omitempty"`
}

type pendingRequest struct {
	resolveOnce sync.Once
	done        chan struct{}
	response    Message
	err         error
}

func (p *pendingRequest) resolve(msg Message, err error) {
	p.resolveOnce.Do(func() {
		p.response = msg
		p.err = err
		close(p.done)
	})
}

// RequestHandler answers an inbound request with a response Message.
type RequestHandler func(msg Message) (Message, error)

// Bus is the request/response + broadcast + batching layer over one Link.
type Bus struct {
	id   string
	side string // "c" for client-originated numbering, "s" for server

	l link.Link

	mu       sync.Mutex
	pending  map[string]*pendingRequest
	seq      uint64
	closed   bool
	queue    []Payload
	batchTmr *time.Timer
	batchMs  time.Duration

	onMessage func(Message)
	onRequest RequestHandler
}

// New wires a Bus on top of l. side should be "s" for server-originated
// correlation ids (client-originated ids use "c") to keep ids generated
// by either peer from colliding, per spec §4.2.
func New(id, side string, l link.Link, batchDelay time.Duration) *Bus {
	if batchDelay <= 0 {
		batchDelay = defaultBatchDelay
	}
	b := &Bus{
		id:      id,
		side:    side,
		l:       l,
		pending: make(map[string]*pendingRequest),
		batchMs: batchDelay,
	}
	l.OnFrame(b.handleFrame)
	l.OnClose(b.Close)
	return b
}

// OnMessage registers the fire-and-forget message callback.
func (b *Bus) OnMessage(fn func(Message)) {
	b.mu.Lock()
	b.onMessage = fn
	b.mu.Unlock()
}

// OnRequest registers the inbound-request callback.
func (b *Bus) OnRequest(fn RequestHandler) {
	b.mu.Lock()
	b.onRequest = fn
	b.mu.Unlock()
}

type sendOpts struct {
	batch bool
}

// SendOption configures a Send/Request call.
type SendOption func(*sendOpts)

// Batch marks a message for trailing-edge batching.
func Batch() SendOption {
	return func(o *sendOpts) { o.batch = true }
}

// Send fire-and-forgets msg to the peer.
func (b *Bus) Send(msg Message, opts ...SendOption) error {
	o := applyOpts(opts)
	return b.enqueue(Payload{Message: msg}, o.batch)
}

type requestOpts struct {
	batch   bool
	timeout time.Duration
}

// RequestOption configures a Request call.
type RequestOption func(*requestOpts)

// WithTimeout overrides the default 5s request timeout.
func WithTimeout(d time.Duration) RequestOption {
	return func(o *requestOpts) { o.timeout = d }
}

// WithBatch marks the request payload for trailing-edge batching.
func WithBatch() RequestOption {
	return func(o *requestOpts) { o.batch = true }
}

// Request sends msg and blocks until a response arrives, the deadline
// fires, or the bus closes.
func (b *Bus) Request(ctx context.Context, msg Message, opts ...RequestOption) (Message, error) {
	ro := requestOpts{timeout: defaultRequestTimeout}
	for _, opt := range opts {
		opt(&ro)
	}

	id := b.nextID()
	pending := &pendingRequest{done: make(chan struct{})}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return Message{}, ErrBusClosed
	}
	b.pending[id] = pending
	b.mu.Unlock()

	payload := Payload{Message: msg, NeedResponse: id}
	if err := b.enqueue(payload, ro.batch); err != nil {
		b.removePending(id)
		return Message{}, err
	}

	timer := time.NewTimer(ro.timeout)
	defer timer.Stop()

	select {
	case <-pending.done:
		return pending.response, pending.err
	case <-timer.C:
		b.removePending(id)
		pending.resolve(Message{}, ErrRequestTimeout)
		return Message{}, ErrRequestTimeout
	case <-ctx.Done():
		b.removePending(id)
		pending.resolve(Message{}, ctx.Err())
		return Message{}, ctx.Err()
	}
}

func (b *Bus) removePending(id string) {
	b.mu.Lock()
	delete(b.pending, id)
	b.mu.Unlock()
}

func (b *Bus) nextID() string {
	n := atomic.AddUint64(&b.seq, 1)
	return fmt.Sprintf("%s_%s_%d", b.side, b.id, n)
}

// enqueue implements the trailing-edge-with-immediate-first batching
// discipline of spec §4.2: a non-batched send flushes immediately and
// bypasses the queue; a batched send flushes immediately only if no
// timer is currently armed (the "first" send of a burst), otherwise it
// joins the queue to ride out on the next timer fire.
func (b *Bus) enqueue(p Payload, batch bool) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return ErrBusClosed
	}

	if !batch {
		b.mu.Unlock()
		return b.writeFrame([]Payload{p})
	}

	if b.batchTmr == nil {
		// First batched send in this window: flush immediately, then
		// arm the trailing timer.
		b.armBatchTimer()
		b.mu.Unlock()
		return b.writeFrame([]Payload{p})
	}

	b.queue = append(b.queue, p)
	b.mu.Unlock()
	return nil
}

// armBatchTimer must be called with b.mu held.
func (b *Bus) armBatchTimer() {
	b.batchTmr = time.AfterFunc(b.batchMs, b.flushBatch)
}

func (b *Bus) flushBatch() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	queue := b.queue
	b.queue = nil
	b.batchTmr = nil
	if len(queue) > 0 {
		b.armBatchTimer()
	}
	b.mu.Unlock()

	if len(queue) > 0 {
		_ = b.writeFrame(queue)
	}
}

func (b *Bus) writeFrame(payloads []Payload) error {
	data, err := json.Marshal(payloads)
	if err != nil {
		return fmt.Errorf("bus: marshal frame: %w", err)
	}
	return b.l.Send(data)
}

func (b *Bus) handleFrame(frame []byte) {
	b.mu.Lock()
	closed := b.closed
	b.mu.Unlock()
	if closed {
		return
	}
	var payloads []Payload
	if err := json.Unmarshal(frame, &payloads); err != nil {
		return
	}
	for _, p := range payloads {
		b.handlePayload(p)
	}
}

func (b *Bus) handlePayload(p Payload) {
	if p.ResponseTo != "" {
		b.mu.Lock()
		pending, ok := b.pending[p.ResponseTo]
		if ok {
			delete(b.pending, p.ResponseTo)
		}
		b.mu.Unlock()
		if ok {
			pending.resolve(p.Message, nil)
		}
		return
	}

	if p.NeedResponse != "" {
		b.mu.Lock()
		handler := b.onRequest
		b.mu.Unlock()
		if handler == nil {
			return
		}
		resp, err := handler(p.Message)
		if err != nil {
			return
		}
		_ = b.enqueue(Payload{Message: resp, ResponseTo: p.NeedResponse}, false)
		return
	}

	b.mu.Lock()
	handler := b.onMessage
	b.mu.Unlock()
	if handler != nil {
		handler(p.Message)
	}
}

// Close rejects all pending requests with ErrBusClosed and detaches from
// the link. Idempotent.
func (b *Bus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	pending := b.pending
	b.pending = nil
	if b.batchTmr != nil {
		b.batchTmr.Stop()
		b.batchTmr = nil
	}
	b.mu.Unlock()

	for _, p := range pending {
		p.resolve(Message{}, ErrBusClosed)
	}
}

func applyOpts(opts []SendOption) sendOpts {
	var o sendOpts
	for _, opt := range opts {
		opt(&o)
	}
	return o
}
