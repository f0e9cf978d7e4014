// Package channel implements the Channel registry described in spec
// §3/§4.4: a process-unique room of sessions pinned to one media-router
// worker, with capacity enforcement, an idle-close timer, and aggregate
// statistics. Grounded on the idempotent session-map pattern of
// other_examples/...sebacius-switchboard__internal-rtpmanager-session-manager.go
// (CreateSession checking callToSession before allocating) raised one
// level, and on the teacher's sfuRoom (webrtc/sfu.go) for the
// join/leave/idle bookkeeping shape.
package channel

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/odoo/sfu/internal/mediarouter"
)

// SessionStats is the shape exposed in GetSessionsStats (spec §4.4).
type SessionStats struct {
	SessionID       string `json:"sessionId"`
	AudioBitrate    int    `json:"audioBitrate"`
	CameraBitrate   int    `json:"cameraBitrate"`
	ScreenBitrate   int    `json:"screenBitrate"`
	IsCameraOn      bool   `json:"isCameraOn"`
	IsScreenSharing bool   `json:"isScreenSharingOn"`
}

// Stats is the channel-level aggregate (spec §4.4 GetStats).
type Stats struct {
	Audio            int `json:"audio"`
	Camera           int `json:"camera"`
	Screen           int `json:"screen"`
	Total            int `json:"total"`
	SessionsWithCam  int `json:"sessionsWithCameraOn"`
	SessionsWithScrn int `json:"sessionsWithScreenSharingOn"`
}

// Session is the subset of internal/session.Session the channel needs,
// kept as an interface so that internal/channel and internal/session do
// not import each other (session reaches its peers through its own
// Channel interface, bridged by the gateway).
type Session interface {
	ID() string
	IsConnected() bool
	OnClose(func(reason string))
	Close(reason string)
	BitrateStats() (audio, camera, screen int)
	InfoFlags() (cameraOn, screenOn bool)
}

const (
	defaultIdleTimeout = time.Hour
)

// Channel is one room: a capacity-bounded set of sessions pinned to a
// single mediarouter.Router for its entire life.
type Channel struct {
	uuid       string
	createdAt  time.Time
	remoteAddr string
	key        []byte // optional per-channel verification key
	router     mediarouter.Router
	worker     mediarouter.Worker
	capacity   int
	idleAfter  time.Duration

	log *zap.Logger

	mu        sync.Mutex
	sessions  map[string]Session
	idleTimer *time.Timer
	closed    bool

	onClose []func(uuid string)
}

// Options configures channel construction.
type Options struct {
	UUID       string
	RemoteAddr string
	Key        []byte
	Router     mediarouter.Router // nil for a data-only channel
	Worker     mediarouter.Worker
	Capacity   int
	IdleAfter  time.Duration
	Log        *zap.Logger
}

// New constructs a Channel and arms its idle-close timer.
func New(opts Options) *Channel {
	idle := opts.IdleAfter
	if idle <= 0 {
		idle = defaultIdleTimeout
	}
	c := &Channel{
		uuid:       opts.UUID,
		createdAt:  time.Now(),
		remoteAddr: opts.RemoteAddr,
		key:        opts.Key,
		router:     opts.Router,
		worker:     opts.Worker,
		capacity:   opts.Capacity,
		idleAfter:  idle,
		log:        opts.Log,
		sessions:   make(map[string]Session),
	}
	c.armIdleTimer()
	return c
}

func (c *Channel) UUID() string               { return c.uuid }
func (c *Channel) RemoteAddr() string         { return c.remoteAddr }
func (c *Channel) Key() []byte                { return c.key }
func (c *Channel) Router() mediarouter.Router { return c.router }
func (c *Channel) Worker() mediarouter.Worker { return c.worker }
func (c *Channel) CreatedAt() time.Time       { return c.createdAt }

// ErrChannelFull is returned by Join when the channel is at capacity.
type ErrChannelFull struct{ UUID string }

func (e *ErrChannelFull) Error() string {
	return "channel: " + e.UUID + " is full"
}

// Join installs session under sessionId, replacing (and closing with
// reason "REPLACED") any existing session under the same id, per spec
// §4.4 channel.Join. Returns ErrChannelFull if the channel is at
// capacity and sessionId does not already exist.
func (c *Channel) Join(sessionID string, sess Session) error {
	c.mu.Lock()

	if existing, ok := c.sessions[sessionID]; ok {
		delete(c.sessions, sessionID)
		c.mu.Unlock()
		existing.Close("REPLACED")
		c.mu.Lock()
	} else if len(c.sessions) >= c.capacity {
		c.mu.Unlock()
		return &ErrChannelFull{UUID: c.uuid}
	}

	c.sessions[sessionID] = sess
	count := len(c.sessions)
	if count > 1 {
		c.disarmIdleTimerLocked()
	}
	c.mu.Unlock()

	sess.OnClose(func(reason string) {
		c.handleSessionClose(sessionID, sess)
	})
	return nil
}

func (c *Channel) handleSessionClose(sessionID string, sess Session) {
	c.mu.Lock()
	if cur, ok := c.sessions[sessionID]; ok && cur == sess {
		delete(c.sessions, sessionID)
	}
	remaining := len(c.sessions)
	closed := c.closed
	c.mu.Unlock()

	if !closed && remaining <= 1 {
		c.armIdleTimer()
	}
}

// Sessions returns a snapshot of every session currently joined.
func (c *Channel) Sessions() []Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Session, 0, len(c.sessions))
	for _, s := range c.sessions {
		out = append(out, s)
	}
	return out
}

// Peers returns every CONNECTED session other than excludeID, used by
// Session.Connect/Consume fan-out.
func (c *Channel) Peers(excludeID string) []Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Session, 0, len(c.sessions))
	for id, s := range c.sessions {
		if id == excludeID {
			continue
		}
		if s.IsConnected() {
			out = append(out, s)
		}
	}
	return out
}

// Size returns the current session count.
func (c *Channel) Size() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.sessions)
}

func (c *Channel) armIdleTimer() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.armIdleTimerLocked()
}

func (c *Channel) armIdleTimerLocked() {
	if c.idleTimer != nil {
		c.idleTimer.Stop()
	}
	c.idleTimer = time.AfterFunc(c.idleAfter, func() {
		c.log.Info("channel idle timeout, closing", zap.String("channel", c.uuid))
		c.Close()
	})
}

func (c *Channel) disarmIdleTimerLocked() {
	if c.idleTimer != nil {
		c.idleTimer.Stop()
		c.idleTimer = nil
	}
}

// GetStats aggregates per-session producer bitrates (spec §4.4).
func (c *Channel) GetStats() Stats {
	c.mu.Lock()
	sessions := make([]Session, 0, len(c.sessions))
	for _, s := range c.sessions {
		sessions = append(sessions, s)
	}
	c.mu.Unlock()

	var st Stats
	for _, s := range sessions {
		a, cam, scr := s.BitrateStats()
		st.Audio += a
		st.Camera += cam
		st.Screen += scr
		camOn, scrOn := s.InfoFlags()
		if camOn {
			st.SessionsWithCam++
		}
		if scrOn {
			st.SessionsWithScrn++
		}
	}
	st.Total = st.Audio + st.Camera + st.Screen
	return st
}

// GetSessionsStats returns per-session bitrate detail (spec §4.4).
func (c *Channel) GetSessionsStats() []SessionStats {
	c.mu.Lock()
	sessions := make(map[string]Session, len(c.sessions))
	for id, s := range c.sessions {
		sessions[id] = s
	}
	c.mu.Unlock()

	out := make([]SessionStats, 0, len(sessions))
	for id, s := range sessions {
		a, cam, scr := s.BitrateStats()
		camOn, scrOn := s.InfoFlags()
		out = append(out, SessionStats{
			SessionID:       id,
			AudioBitrate:    a,
			CameraBitrate:   cam,
			ScreenBitrate:   scr,
			IsCameraOn:      camOn,
			IsScreenSharing: scrOn,
		})
	}
	return out
}

// OnClose registers a callback fired exactly once when the channel
// closes, receiving the channel's uuid (used by the registry to remove
// both its entries, spec §4.4).
func (c *Channel) OnClose(fn func(uuid string)) {
	c.mu.Lock()
	c.onClose = append(c.onClose, fn)
	c.mu.Unlock()
}

// Close closes every session with reason CHANNEL_CLOSED (no
// per-session broadcast, avoiding O(n^2) messages per spec §4.4),
// cancels the idle timer, and fires the close listeners. Idempotent.
func (c *Channel) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.disarmIdleTimerLocked()
	sessions := make([]Session, 0, len(c.sessions))
	for _, s := range c.sessions {
		sessions = append(sessions, s)
	}
	c.sessions = make(map[string]Session)
	listeners := c.onClose
	c.mu.Unlock()

	for _, s := range sessions {
		s.Close("CHANNEL_CLOSED")
	}
	if c.router != nil {
		if err := c.router.Close(); err != nil {
			c.log.Warn("error closing channel router", zap.String("channel", c.uuid), zap.Error(err))
		}
	}
	for _, fn := range listeners {
		fn(c.uuid)
	}
}
