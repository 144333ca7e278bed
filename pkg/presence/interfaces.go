package presence

import (
	"io"
	"time"

	"github.com/BIT1028/imotos-network/pkg/brainwave"
)

// Conn receives events for a single node.
type Conn interface {
	// Deliver hands ev to the connection without blocking and reports
	// whether it was accepted.
	Deliver(ev brainwave.Event) bool
}

// Change is emitted for every registry membership transition.
type Change struct {
	Kind brainwave.EventKind
	Node brainwave.Node
	At   time.Time
}

// Subscription is a live stream of registry changes.
type Subscription interface {
	io.Closer

	// Out returns the change channel. It is closed by Close.
	Out() <-chan Change
}

// StatusUpdate carries the optional fields of an update_status request.
type StatusUpdate struct {
	ConnectionStrength *int     `json:"connectionStrength,omitempty" cbor:"connectionStrength,omitempty"`
	Capabilities       []string `json:"capabilities,omitempty" cbor:"capabilities,omitempty"`
}

// Registry owns node records and their connection bindings.
type Registry interface {
	io.Closer

	// RegisterOrUpdate inserts or refreshes a node record and reports
	// whether the node was new.
	RegisterOrUpdate(nodeID uint32, displayName, location string) (brainwave.Node, bool, error)

	// Touch refreshes a node's liveness. It reports false for unknown nodes.
	Touch(nodeID uint32) bool

	// UpdateStatus changes strength and unions capabilities. Unknown nodes
	// are ignored.
	UpdateStatus(nodeID uint32, update StatusUpdate) (brainwave.Node, bool)

	// Remove deletes a record and its binding. It is idempotent.
	Remove(nodeID uint32) bool

	// Detach removes nodeID only while conn is still its binding, so a
	// stale connection cannot evict a node that reconnected elsewhere.
	Detach(nodeID uint32, conn Conn) bool

	// SweepInactive evicts every node idle longer than the inactivity
	// threshold at now and returns them.
	SweepInactive(now time.Time) []brainwave.Node

	Get(nodeID uint32) (brainwave.Node, bool)
	Snapshot() []brainwave.Node
	NodesInLocation(location string) []brainwave.Node
	ActiveCount() int
	NetworkLoad() int

	// Bind attaches conn to a registered node and returns the binding it
	// replaced, if any.
	Bind(nodeID uint32, conn Conn) (Conn, error)
	Connected(nodeID uint32) bool

	Deliver(nodeID uint32, ev brainwave.Event) bool
	DeliverOrElse(nodeID uint32, ev brainwave.Event, fallback func()) bool
	Broadcast(ev brainwave.Event, except ...uint32) int
	WithConn(nodeID uint32, fn func(Conn)) bool

	// Subscribe streams membership changes until the subscription is closed.
	Subscribe() (Subscription, error)
}
