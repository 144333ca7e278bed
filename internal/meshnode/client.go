package meshnode

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/BIT1028/imotos-network/pkg/brainwave"
	"github.com/BIT1028/imotos-network/pkg/presence"
)

// DefaultConnBuffer is the event buffer used when none is given.
const DefaultConnBuffer = 256

// ChannelConn is a presence.Conn that queues events on a buffered channel
// for a single consumer, typically a transport writer goroutine. Delivery
// never blocks: events that do not fit are dropped and counted.
type ChannelConn struct {
	nodeID      uint32
	connectedAt time.Time
	events      chan brainwave.Event
	dropped     atomic.Int64

	mu     sync.Mutex
	closed bool
}

// NewChannelConn creates a connection for nodeID with the given buffer size.
func NewChannelConn(nodeID uint32, buffer int) *ChannelConn {
	if buffer <= 0 {
		buffer = DefaultConnBuffer
	}
	return &ChannelConn{
		nodeID:      nodeID,
		connectedAt: time.Now(),
		events:      make(chan brainwave.Event, buffer),
	}
}

// NodeID returns the node this connection belongs to
func (c *ChannelConn) NodeID() uint32 {
	return c.nodeID
}

// ConnectedAt returns when this connection was created
func (c *ChannelConn) ConnectedAt() time.Time {
	return c.connectedAt
}

// Deliver queues ev and reports whether it was accepted.
func (c *ChannelConn) Deliver(ev brainwave.Event) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return false
	}
	select {
	case c.events <- ev:
		return true
	default:
		c.dropped.Add(1)
		return false
	}
}

// Events returns the channel events are queued on. It is closed by Close.
func (c *ChannelConn) Events() <-chan brainwave.Event {
	return c.events
}

// Dropped returns how many events were refused because the buffer was full.
func (c *ChannelConn) Dropped() int64 {
	return c.dropped.Load()
}

// Closed reports whether Close has been called.
func (c *ChannelConn) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// Close stops accepting events and closes the channel. It is idempotent.
func (c *ChannelConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.closed {
		c.closed = true
		close(c.events)
	}
	return nil
}

// Verify that ChannelConn implements the Conn interface at compile time
var _ presence.Conn = (*ChannelConn)(nil)
