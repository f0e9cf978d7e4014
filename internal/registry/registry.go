// Package registry holds the explicit process-scope state spec §3
// "Process state" describes (channels-by-uuid, channels-by-issuer,
// pending and authenticated links; the worker set is held separately by
// internal/workerpool.Pool), per the REDESIGN FLAG
// that rejects hidden package-level singletons in favor of one
// constructed object threaded through the supervisor, gateway and HTTP
// API. Grounded on the idempotent session-map pattern of
// other_examples/...sebacius-switchboard__internal-rtpmanager-session-manager.go
// generalized one level up, from sessions to channels.
package registry

import (
	"sync"

	"github.com/odoo/sfu/internal/link"
)

// Channel is the minimal shape the registry needs to know about; the
// concrete internal/channel.Channel satisfies it.
type Channel interface {
	UUID() string
}

// Issuer identifies the combination of remote address and token issuer
// claim used for channel-creation idempotency (spec §3, §8 property 6).
type Issuer struct {
	RemoteAddr string
	Iss        string
}

// Registry is the single process-wide object owning every registry
// spec §3 names. Safe for concurrent use.
type Registry struct {
	mu             sync.RWMutex
	channelsByUUID map[string]Channel
	channelsByIss  map[Issuer]Channel
	pendingLinks   map[link.Link]struct{}
	authLinks      map[link.Link]struct{}
}

// New returns an empty Registry.
func New() *Registry {
	return &Registry{
		channelsByUUID: make(map[string]Channel),
		channelsByIss:  make(map[Issuer]Channel),
		pendingLinks:   make(map[link.Link]struct{}),
		authLinks:      make(map[link.Link]struct{}),
	}
}

// ChannelByUUID looks up a channel by its opaque id.
func (r *Registry) ChannelByUUID(uuid string) (Channel, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.channelsByUUID[uuid]
	return c, ok
}

// ChannelByIssuer looks up a channel by (remoteAddr, iss), used for the
// idempotent channel-creation contract (spec §8 property 6).
func (r *Registry) ChannelByIssuer(iss Issuer) (Channel, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.channelsByIss[iss]
	return c, ok
}

// RegisterChannel installs c under both its uuid and, if iss is
// non-zero, its issuer key. Returns false without installing anything
// if a channel is already registered under iss (the caller should use
// the existing channel instead, preserving idempotency).
func (r *Registry) RegisterChannel(c Channel, uuid string, iss Issuer) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if iss != (Issuer{}) {
		if _, exists := r.channelsByIss[iss]; exists {
			return false
		}
	}

	r.channelsByUUID[uuid] = c
	if iss != (Issuer{}) {
		r.channelsByIss[iss] = c
	}
	return true
}

// UnregisterChannel removes c from both maps.
func (r *Registry) UnregisterChannel(uuid string, iss Issuer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.channelsByUUID, uuid)
	if iss != (Issuer{}) {
		delete(r.channelsByIss, iss)
	}
}

// Channels returns a snapshot of every registered channel.
func (r *Registry) Channels() []Channel {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Channel, 0, len(r.channelsByUUID))
	for _, c := range r.channelsByUUID {
		out = append(out, c)
	}
	return out
}

// AddPendingLink tracks l as awaiting the auth handshake.
func (r *Registry) AddPendingLink(l link.Link) {
	r.mu.Lock()
	r.pendingLinks[l] = struct{}{}
	r.mu.Unlock()
}

// PromoteLink moves l from pending to authenticated.
func (r *Registry) PromoteLink(l link.Link) {
	r.mu.Lock()
	delete(r.pendingLinks, l)
	r.authLinks[l] = struct{}{}
	r.mu.Unlock()
}

// RemoveLink drops l from both sets, called on link close.
func (r *Registry) RemoveLink(l link.Link) {
	r.mu.Lock()
	delete(r.pendingLinks, l)
	delete(r.authLinks, l)
	r.mu.Unlock()
}

// PendingLinkCount and AuthenticatedLinkCount back the stats endpoint.
func (r *Registry) PendingLinkCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.pendingLinks)
}

func (r *Registry) AuthenticatedLinkCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.authLinks)
}
