package registry

import (
	"testing"

	"github.com/odoo/sfu/internal/link"
)

type fakeChannel struct{ uuid string }

func (c *fakeChannel) UUID() string { return c.uuid }

type fakeLink struct{}

func (fakeLink) Send(frame []byte) error         { return nil }
func (fakeLink) OnFrame(fn func([]byte))         {}
func (fakeLink) OnClose(fn func())                {}
func (fakeLink) Close(code link.CloseCode) error { return nil }

func TestRegisterAndLookupChannel(t *testing.T) {
	r := New()
	c := &fakeChannel{uuid: "abc"}
	iss := Issuer{RemoteAddr: "1.2.3.4", Iss: "app1"}

	if ok := r.RegisterChannel(c, "abc", iss); !ok {
		t.Fatal("expected first registration to succeed")
	}

	got, ok := r.ChannelByUUID("abc")
	if !ok || got != Channel(c) {
		t.Fatal("expected to find channel by uuid")
	}

	got, ok = r.ChannelByIssuer(iss)
	if !ok || got != Channel(c) {
		t.Fatal("expected to find channel by issuer")
	}
}

func TestRegisterChannelIdempotentByIssuer(t *testing.T) {
	r := New()
	iss := Issuer{RemoteAddr: "1.2.3.4", Iss: "app1"}
	first := &fakeChannel{uuid: "first"}
	second := &fakeChannel{uuid: "second"}

	if ok := r.RegisterChannel(first, "first", iss); !ok {
		t.Fatal("expected first registration to succeed")
	}
	if ok := r.RegisterChannel(second, "second", iss); ok {
		t.Fatal("expected second registration under the same issuer to fail")
	}

	got, _ := r.ChannelByIssuer(iss)
	if got != Channel(first) {
		t.Fatal("expected issuer to still resolve to the first channel")
	}
}

func TestUnregisterChannel(t *testing.T) {
	r := New()
	c := &fakeChannel{uuid: "abc"}
	iss := Issuer{RemoteAddr: "1.2.3.4", Iss: "app1"}
	r.RegisterChannel(c, "abc", iss)

	r.UnregisterChannel("abc", iss)

	if _, ok := r.ChannelByUUID("abc"); ok {
		t.Fatal("expected channel to be gone by uuid")
	}
	if _, ok := r.ChannelByIssuer(iss); ok {
		t.Fatal("expected channel to be gone by issuer")
	}
}

func TestLinkLifecycle(t *testing.T) {
	r := New()
	l := fakeLink{}

	r.AddPendingLink(l)
	if r.PendingLinkCount() != 1 || r.AuthenticatedLinkCount() != 0 {
		t.Fatal("expected one pending link")
	}

	r.PromoteLink(l)
	if r.PendingLinkCount() != 0 || r.AuthenticatedLinkCount() != 1 {
		t.Fatal("expected link to move to authenticated")
	}

	r.RemoveLink(l)
	if r.PendingLinkCount() != 0 || r.AuthenticatedLinkCount() != 0 {
		t.Fatal("expected link removed entirely")
	}
}
