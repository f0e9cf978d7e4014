package gateway

import (
	"encoding/json"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/odoo/sfu/internal/auth"
	"github.com/odoo/sfu/internal/channel"
	"github.com/odoo/sfu/internal/link"
	"github.com/odoo/sfu/internal/registry"
	"github.com/odoo/sfu/internal/session"
)

// fakeLink is an in-memory link.Link double: Send appends to a buffer
// instead of touching a real socket, and Close/OnFrame/OnClose behave
// synchronously so handshake tests don't need a goroutine.
type fakeLink struct {
	mu       sync.Mutex
	sent     [][]byte
	closed   bool
	closeErr error
	code     link.CloseCode
	onFrame  func([]byte)
	onClose  func()
}

func (f *fakeLink) Send(frame []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, append([]byte(nil), frame...))
	return nil
}

func (f *fakeLink) OnFrame(fn func([]byte)) { f.onFrame = fn }
func (f *fakeLink) OnClose(fn func())       { f.onClose = fn }

func (f *fakeLink) Close(code link.CloseCode) error {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return nil
	}
	f.closed = true
	f.code = code
	f.mu.Unlock()
	if f.onClose != nil {
		f.onClose()
	}
	return f.closeErr
}

func (f *fakeLink) deliver(frame []byte) {
	if f.onFrame != nil {
		f.onFrame(frame)
	}
}

func (f *fakeLink) closeCode() link.CloseCode {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.code
}

func (f *fakeLink) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

func testGateway(t *testing.T) (*Gateway, []byte) {
	t.Helper()
	key := []byte("test-global-key")
	gw := New(Options{
		Registry:    registry.New(),
		GlobalKey:   key,
		AuthTimeout: time.Hour,
		Log:         zap.NewNop(),
	})
	return gw, key
}

func TestParseCredentialsBareToken(t *testing.T) {
	frame, _ := json.Marshal("a.b.c")
	creds, err := parseCredentials(frame)
	if err != nil {
		t.Fatalf("parseCredentials: %v", err)
	}
	if creds.JWT != "a.b.c" || creds.ChannelUUID != "" {
		t.Fatalf("unexpected creds: %+v", creds)
	}
}

func TestParseCredentialsObject(t *testing.T) {
	frame, _ := json.Marshal(credentials{ChannelUUID: "chan-1", JWT: "a.b.c"})
	creds, err := parseCredentials(frame)
	if err != nil {
		t.Fatalf("parseCredentials: %v", err)
	}
	if creds.ChannelUUID != "chan-1" || creds.JWT != "a.b.c" {
		t.Fatalf("unexpected creds: %+v", creds)
	}
}

func TestParseCredentialsMissingJWT(t *testing.T) {
	frame, _ := json.Marshal(map[string]string{"channelUUID": "chan-1"})
	if _, err := parseCredentials(frame); err == nil {
		t.Fatal("expected error for missing jwt")
	}
}

func TestParseCredentialsMalformed(t *testing.T) {
	if _, err := parseCredentials([]byte("not json")); err == nil {
		t.Fatal("expected error for malformed frame")
	}
}

func TestSessionReasonToLinkCode(t *testing.T) {
	cases := map[string]link.CloseCode{
		session.CloseReasonError:         link.CloseError,
		session.CloseReasonKicked:        link.CloseKicked,
		session.CloseReasonReplaced:      link.CloseKicked,
		session.CloseReasonChannelClosed: link.CloseKicked,
		session.CloseReasonCTimeout:      link.CloseTimeout,
		session.CloseReasonPTimeout:      link.CloseTimeout,
		session.CloseReasonClean:         link.CloseClean,
	}
	for reason, want := range cases {
		if got := sessionReasonToLinkCode(reason); got != want {
			t.Errorf("reason %q: got %v, want %v", reason, got, want)
		}
	}
}

func TestAcceptMalformedFirstFrameClosesWithError(t *testing.T) {
	gw, _ := testGateway(t)
	l := &fakeLink{}
	gw.Accept(l)
	l.deliver([]byte("not json"))

	if !l.isClosed() || l.closeCode() != link.CloseError {
		t.Fatalf("expected CloseError, got closed=%v code=%v", l.isClosed(), l.closeCode())
	}
}

func TestAcceptUnknownChannelClosesAuthFailed(t *testing.T) {
	gw, key := testGateway(t)
	token, err := auth.Sign(auth.Claims{SessionID: "s1"}, key, auth.HS256)
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}

	l := &fakeLink{}
	gw.Accept(l)
	frame, _ := json.Marshal(credentials{ChannelUUID: "does-not-exist", JWT: token})
	l.deliver(frame)

	if !l.isClosed() || l.closeCode() != link.CloseAuthenticationFailed {
		t.Fatalf("expected CloseAuthenticationFailed, got closed=%v code=%v", l.isClosed(), l.closeCode())
	}
}

func TestAcceptSuccessfulHandshakeJoinsChannel(t *testing.T) {
	gw, key := testGateway(t)

	ch := channel.New(channel.Options{
		UUID:     "chan-1",
		Capacity: 10,
		Log:      zap.NewNop(),
	})
	if !gw.registry.RegisterChannel(ch, "chan-1", registry.Issuer{}) {
		t.Fatal("RegisterChannel failed")
	}

	token, err := auth.Sign(auth.Claims{SessionID: "s1"}, key, auth.HS256)
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}

	l := &fakeLink{}
	gw.Accept(l)
	frame, _ := json.Marshal(credentials{ChannelUUID: "chan-1", JWT: token})
	l.deliver(frame)

	if l.isClosed() {
		t.Fatalf("link unexpectedly closed with code %v", l.closeCode())
	}
	if len(l.sent) != 1 || string(l.sent[0]) != "[]" {
		t.Fatalf("expected one empty authenticated frame, got %v", l.sent)
	}
	if ch.Size() != 1 {
		t.Fatalf("expected 1 session joined, got %d", ch.Size())
	}
}

func TestAcceptPerChannelKeyRejectsGlobalKey(t *testing.T) {
	gw, _ := testGateway(t)

	ch := channel.New(channel.Options{
		UUID:     "chan-1",
		Key:      []byte("channel-secret"),
		Capacity: 10,
		Log:      zap.NewNop(),
	})
	if !gw.registry.RegisterChannel(ch, "chan-1", registry.Issuer{}) {
		t.Fatal("RegisterChannel failed")
	}

	globalSignedToken, err := auth.Sign(auth.Claims{SessionID: "s1"}, gw.globalKey, auth.HS256)
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}

	l := &fakeLink{}
	gw.Accept(l)
	frame, _ := json.Marshal(credentials{ChannelUUID: "chan-1", JWT: globalSignedToken})
	l.deliver(frame)

	if !l.isClosed() || l.closeCode() != link.CloseAuthenticationFailed {
		t.Fatalf("expected CloseAuthenticationFailed, got closed=%v code=%v", l.isClosed(), l.closeCode())
	}
}

func TestAcceptLegacyBareTokenForbiddenOnKeyedChannel(t *testing.T) {
	gw, _ := testGateway(t)

	ch := channel.New(channel.Options{
		UUID:     "chan-1",
		Key:      []byte("channel-secret"),
		Capacity: 10,
		Log:      zap.NewNop(),
	})
	if !gw.registry.RegisterChannel(ch, "chan-1", registry.Issuer{}) {
		t.Fatal("RegisterChannel failed")
	}

	token, err := auth.Sign(auth.Claims{SFUChannelUUID: "chan-1", SessionID: "s1"}, ch.Key(), auth.HS256)
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}

	l := &fakeLink{}
	gw.Accept(l)
	frame, _ := json.Marshal(token)
	l.deliver(frame)

	if !l.isClosed() || l.closeCode() != link.CloseAuthenticationFailed {
		t.Fatalf("expected legacy bare-token path to be forbidden on a keyed channel, got closed=%v code=%v", l.isClosed(), l.closeCode())
	}
}
