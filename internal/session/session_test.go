package session

import (
	"context"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/odoo/sfu/internal/bus"
	"github.com/odoo/sfu/internal/link"
	"github.com/odoo/sfu/internal/mediarouter"
)

// loopLink is a minimal in-memory link.Link that discards every frame
// sent on it (only one side is ever used in these tests: the session's
// own bus, with no peer answering).
type loopLink struct {
	onFrame func([]byte)
	onClose func()
}

func (l *loopLink) Send(frame []byte) error            { return nil }
func (l *loopLink) OnFrame(fn func([]byte))             { l.onFrame = fn }
func (l *loopLink) OnClose(fn func())                   { l.onClose = fn }
func (l *loopLink) Close(code link.CloseCode) error     { return nil }

type fakeChannel struct {
	router mediarouter.Router
	peers  []PeerSession
}

func (c *fakeChannel) Peers(exclude string) []PeerSession {
	out := make([]PeerSession, 0, len(c.peers))
	for _, p := range c.peers {
		if p.ID() == exclude {
			continue
		}
		out = append(out, p)
	}
	return out
}
func (c *fakeChannel) Router() mediarouter.Router { return c.router }

func TestConnectDataOnlyChannelGoesConnected(t *testing.T) {
	ch := &fakeChannel{router: nil}
	s := New(Options{ID: "s1", Channel: ch, Log: zap.NewNop()})
	b := bus.New("s1", "s", &loopLink{}, time.Millisecond)

	s.Connect(context.Background(), b, RouterOptions{})

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) && s.State() != StateConnected {
		time.Sleep(5 * time.Millisecond)
	}
	if s.State() != StateConnected {
		t.Fatalf("expected CONNECTED, got %s", s.State())
	}
}

func TestConnectionDeadlineClosesUnconnectedSession(t *testing.T) {
	ch := &fakeChannel{router: fakeRouterThatNeverResponds{}}
	s := New(Options{
		ID:      "s1",
		Channel: ch,
		Log:     zap.NewNop(),
		Timeouts: Timeouts{
			Session: 30 * time.Millisecond,
		},
	})
	b := bus.New("s1", "s", &loopLink{}, time.Millisecond)

	s.Connect(context.Background(), b, RouterOptions{})

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) && s.State() != StateClosed {
		time.Sleep(5 * time.Millisecond)
	}
	if s.State() != StateClosed {
		t.Fatalf("expected CLOSED after connection deadline, got %s", s.State())
	}
}

func TestCloseIsIdempotent(t *testing.T) {
	ch := &fakeChannel{}
	s := New(Options{ID: "s1", Channel: ch, Log: zap.NewNop()})
	var reasons []string
	s.OnClose(func(reason string) { reasons = append(reasons, reason) })

	s.Close(CloseReasonClean)
	s.Close(CloseReasonClean)

	if len(reasons) != 1 {
		t.Fatalf("expected close listener invoked exactly once, got %d", len(reasons))
	}
}

func TestErrorBudgetClosesSession(t *testing.T) {
	ch := &fakeChannel{}
	s := New(Options{ID: "s1", Channel: ch, Log: zap.NewNop()})
	var closed bool
	s.OnClose(func(string) { closed = true })

	for i := 0; i < maxSessionErrors+1; i++ {
		s.recordError(errTest{})
	}

	if !closed {
		t.Fatal("expected session to close once error budget exceeded")
	}
}

type errTest struct{}

func (errTest) Error() string { return "boom" }

// fakeRouterThatNeverResponds lets Connect's transport-creation path
// hang forever so the connection deadline timer is what closes the
// session, exercising the C_TIMEOUT path independent of any router
// implementation detail.
type fakeRouterThatNeverResponds struct{}

func (fakeRouterThatNeverResponds) CreateWebRTCTransport(ctx context.Context, opts mediarouter.TransportOptions) (mediarouter.Transport, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}
func (fakeRouterThatNeverResponds) CanConsume(producerID string, caps mediarouter.RTPCapabilities) bool {
	return false
}
func (fakeRouterThatNeverResponds) Close() error { return nil }
