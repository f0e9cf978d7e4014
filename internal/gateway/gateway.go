// Package gateway implements the connection handshake described in
// spec §4.6: it accepts a newly-opened Link, enforces the first-message
// authentication deadline, resolves the target Channel, verifies the
// client's token, and on success wraps the Link in a Bus and hands it
// off to a Session. Grounded on the teacher's sfu.go connection-accept
// path (registerConnection/handleFirstMessage in webrtc/sfu.go), split
// here into named steps per spec §4.6's numbered list.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/odoo/sfu/internal/auth"
	"github.com/odoo/sfu/internal/bus"
	"github.com/odoo/sfu/internal/channel"
	"github.com/odoo/sfu/internal/link"
	"github.com/odoo/sfu/internal/mediarouter"
	"github.com/odoo/sfu/internal/registry"
	"github.com/odoo/sfu/internal/session"
)

// Options configures a Gateway.
type Options struct {
	Registry        *registry.Registry
	GlobalKey       []byte // AUTH_KEY
	AuthTimeout     time.Duration
	BatchDelay      time.Duration
	SessionTimeouts session.Timeouts
	RouterOptions   session.RouterOptions
	Log             *zap.Logger
}

// Gateway accepts Links and drives them through the auth handshake.
type Gateway struct {
	registry    *registry.Registry
	globalKey   []byte
	authTimeout time.Duration
	batchDelay  time.Duration
	sessionTm   session.Timeouts
	routerOpts  session.RouterOptions
	log         *zap.Logger
}

const defaultAuthTimeout = 10 * time.Second

// New constructs a Gateway.
func New(opts Options) *Gateway {
	timeout := opts.AuthTimeout
	if timeout <= 0 {
		timeout = defaultAuthTimeout
	}
	return &Gateway{
		registry:    opts.Registry,
		globalKey:   opts.GlobalKey,
		authTimeout: timeout,
		batchDelay:  opts.BatchDelay,
		sessionTm:   opts.SessionTimeouts,
		routerOpts:  opts.RouterOptions,
		log:         opts.Log,
	}
}

// credentials is the shape of the opening frame (spec §6.2); a bare
// JSON string is also accepted for legacy clients and treated as the
// jwt with no explicit channelUUID.
type credentials struct {
	ChannelUUID string `json:"channelUUID"`
	JWT         string `json:"jwt"`
}

// Accept registers link l as pending, arms the authentication deadline,
// and installs the one-shot first-message handler. It returns
// immediately; the handshake completes asynchronously as frames arrive.
func (g *Gateway) Accept(l link.Link) {
	g.registry.AddPendingLink(l)

	deadline := time.AfterFunc(g.authTimeout, func() {
		g.log.Debug("authentication deadline elapsed")
		_ = l.Close(link.CloseTimeout)
	})

	// Link.OnClose only keeps the most recently registered callback, so
	// until the handshake creates a Bus, close handling is threaded
	// through this single mutable dispatcher; handleFirstFrame registers
	// the link's close callback again once bus.New has replaced it.
	onClose := func() {
		deadline.Stop()
		g.registry.RemoveLink(l)
	}
	l.OnClose(func() { onClose() })

	var handled bool
	l.OnFrame(func(frame []byte) {
		if handled {
			return
		}
		handled = true
		deadline.Stop()
		g.handleFirstFrame(l, frame, func(fn func()) { onClose = fn })
	})
}

func (g *Gateway) handleFirstFrame(l link.Link, frame []byte, setOnClose func(func())) {
	creds, err := parseCredentials(frame)
	if err != nil {
		g.log.Debug("malformed first frame", zap.Error(err))
		_ = l.Close(link.CloseError)
		return
	}

	claims, err := auth.Verify(creds.JWT, g.globalKey)
	legacyChannelUUID := ""
	if err == nil {
		legacyChannelUUID = claims.SFUChannelUUID
	}

	uuidToResolve := creds.ChannelUUID
	if uuidToResolve == "" {
		uuidToResolve = legacyChannelUUID
	}
	if uuidToResolve == "" {
		g.log.Debug("no channel identified in first frame")
		_ = l.Close(link.CloseAuthenticationFailed)
		return
	}

	ch, ok := g.registry.ChannelByUUID(uuidToResolve)
	if !ok {
		_ = l.Close(link.CloseAuthenticationFailed)
		return
	}
	concrete, ok := ch.(*channel.Channel)
	if !ok {
		_ = l.Close(link.CloseError)
		return
	}

	// A legacy bare-token handshake (no explicit channelUUID) is
	// forbidden once the resolved channel carries a per-channel key,
	// since the legacy claim alone cannot prove possession of it.
	if creds.ChannelUUID == "" && len(concrete.Key()) > 0 {
		_ = l.Close(link.CloseAuthenticationFailed)
		return
	}

	verifyKey := g.globalKey
	if len(concrete.Key()) > 0 {
		verifyKey = concrete.Key()
	}
	claims, err = auth.Verify(creds.JWT, verifyKey)
	if err != nil {
		g.log.Debug("token verification failed", zap.Error(err))
		_ = l.Close(link.CloseAuthenticationFailed)
		return
	}
	if claims.SessionID == "" {
		_ = l.Close(link.CloseAuthenticationFailed)
		return
	}

	sess := session.New(session.Options{
		ID:       claims.SessionID,
		Channel:  &channelAdapter{c: concrete},
		Log:      g.log,
		Timeouts: g.sessionTm,
	})

	if err := concrete.Join(claims.SessionID, sess); err != nil {
		var full *channel.ErrChannelFull
		if errors.As(err, &full) {
			_ = l.Close(link.CloseChannelFull)
			return
		}
		_ = l.Close(link.CloseError)
		return
	}

	// The empty frame is the "authenticated" signal the client waits
	// for before treating subsequent frames as bus traffic (spec §6.2).
	if err := l.Send([]byte("[]")); err != nil {
		sess.Close(session.CloseReasonWSError)
		return
	}

	b := bus.New(uuid.NewString(), "s", l, g.batchDelay)

	// The Link interface does not distinguish a clean close from an
	// error close (spec §9 REDESIGN FLAG "Duck-typed duplex endpoint"
	// collapsed both teacher events into one OnClose); every link
	// teardown is treated as WS_CLOSED. bus.New registered b.Close as the
	// link's only close callback, replacing Accept's dispatcher, so the
	// link's close callback is registered again here to close both the
	// bus and the session.
	closeSession := func() {
		g.registry.RemoveLink(l)
		sess.Close(session.CloseReasonWSClosed)
	}
	setOnClose(closeSession)
	l.OnClose(func() {
		b.Close()
		closeSession()
	})

	sess.OnClose(func(reason string) {
		_ = l.Close(sessionReasonToLinkCode(reason))
		g.registry.RemoveLink(l)
	})

	g.registry.PromoteLink(l)

	sess.Connect(context.Background(), b, g.routerOpts)
}

func parseCredentials(frame []byte) (credentials, error) {
	var creds credentials
	var bare string
	if err := json.Unmarshal(frame, &bare); err == nil {
		creds.JWT = bare
		return creds, nil
	}
	if err := json.Unmarshal(frame, &creds); err != nil {
		return credentials{}, fmt.Errorf("gateway: bad opening frame: %w", err)
	}
	if creds.JWT == "" {
		return credentials{}, fmt.Errorf("gateway: opening frame missing jwt")
	}
	return creds, nil
}

// sessionReasonToLinkCode maps a session close reason to a link close
// code per spec §6.3's mapping table.
func sessionReasonToLinkCode(reason string) link.CloseCode {
	switch reason {
	case session.CloseReasonError:
		return link.CloseError
	case session.CloseReasonKicked, session.CloseReasonReplaced, session.CloseReasonChannelClosed:
		return link.CloseKicked
	case session.CloseReasonCTimeout, session.CloseReasonPTimeout:
		return link.CloseTimeout
	default:
		return link.CloseClean
	}
}

// channelAdapter narrows *channel.Channel to session.Channel, converting
// channel.Session peers to session.PeerSession. Both interfaces are
// satisfied by the same *session.Session value; this adapter exists
// solely to bridge the two independently-declared interfaces that keep
// internal/channel and internal/session from importing one another.
type channelAdapter struct {
	c *channel.Channel
}

func (a *channelAdapter) Peers(excludeID string) []session.PeerSession {
	peers := a.c.Peers(excludeID)
	out := make([]session.PeerSession, 0, len(peers))
	for _, p := range peers {
		if ps, ok := p.(session.PeerSession); ok {
			out = append(out, ps)
		}
	}
	return out
}

func (a *channelAdapter) Router() mediarouter.Router {
	return a.c.Router()
}
