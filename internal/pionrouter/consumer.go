package pionrouter

import (
	"sync"

	"github.com/pion/webrtc/v4"

	"github.com/odoo/sfu/internal/mediarouter"
)

// Consumer adapts one outbound pion RTPSender/TrackLocalStaticRTP pair
// to mediarouter.Consumer, relaying a Producer's remote track to this
// transport's peer (spec §4.3 Consume).
type Consumer struct {
	id        string
	kind      mediarouter.Kind
	sender    *webrtc.RTPSender
	transport *Transport

	mu     sync.Mutex
	paused bool
	closed bool
}

func (c *Consumer) ID() string            { return c.id }
func (c *Consumer) Kind() mediarouter.Kind { return c.kind }

func (c *Consumer) Paused() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.paused
}

func (c *Consumer) Pause() error {
	c.mu.Lock()
	c.paused = true
	c.mu.Unlock()
	return nil
}

func (c *Consumer) Resume() error {
	c.mu.Lock()
	c.paused = false
	c.mu.Unlock()
	return nil
}

func (c *Consumer) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()
	if c.transport != nil && c.sender != nil {
		return c.transport.pc.RemoveTrack(c.sender)
	}
	return nil
}

func (c *Consumer) RTPParameters() mediarouter.RTPParameters {
	return nil
}
