// Package presence implements the in-memory node registry.
package presence

import (
	"errors"
	"fmt"
	"math/rand/v2"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"github.com/BIT1028/imotos-network/internal/events"
	"github.com/BIT1028/imotos-network/pkg/brainwave"
	"github.com/BIT1028/imotos-network/pkg/presence"
)

var (
	// ErrUnknownNode is returned when binding a connection to an unregistered node.
	ErrUnknownNode = errors.New("node is not registered")
	// ErrNilConn is returned when binding a nil connection.
	ErrNilConn = errors.New("connection cannot be nil")
)

type entry struct {
	node brainwave.Node
	conn presence.Conn
}

// InMemoryRegistry implements presence.Registry. Records and bindings
// share one RWMutex; deliveries hold it for reading.
type InMemoryRegistry struct {
	mu     sync.RWMutex
	config Config
	nodes  map[uint32]*entry
	bus    *events.Bus[presence.Change]
	closed bool

	clock    clock.Clock
	strength func() int
	logger   *zap.Logger
}

// Option configures a registry.
type Option func(*InMemoryRegistry)

// WithClock replaces the wall clock.
func WithClock(c clock.Clock) Option {
	return func(r *InMemoryRegistry) { r.clock = c }
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(r *InMemoryRegistry) { r.logger = l }
}

// WithStrengthSource overrides how a fresh node's connection strength is picked.
func WithStrengthSource(fn func() int) Option {
	return func(r *InMemoryRegistry) { r.strength = fn }
}

// NewInMemoryRegistry creates an empty registry.
func NewInMemoryRegistry(config Config, opts ...Option) (*InMemoryRegistry, error) {
	config.SetDefaults()
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid presence config: %w", err)
	}

	r := &InMemoryRegistry{
		config: config,
		nodes:  make(map[uint32]*entry),
		bus:    events.NewBus[presence.Change](config.EventBuffer),
		clock:  clock.New(),
		strength: func() int {
			return DefaultMinStrength + rand.IntN(DefaultStrengthSpread)
		},
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// RegisterOrUpdate inserts a new record or refreshes an existing one.
// Re-registration keeps strength and capabilities and never moves
// lastActiveAt backwards.
func (r *InMemoryRegistry) RegisterOrUpdate(nodeID uint32, displayName, location string) (brainwave.Node, bool, error) {
	if nodeID == 0 {
		return brainwave.Node{}, false, brainwave.Validationf("nodeId is required")
	}
	displayName = strings.TrimSpace(displayName)
	if displayName == "" {
		return brainwave.Node{}, false, brainwave.Validationf("displayName is required")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.clock.Now()
	e, exists := r.nodes[nodeID]
	if !exists {
		if location == "" {
			location = r.config.DefaultLocation
		}
		e = &entry{node: brainwave.Node{
			ID:                 nodeID,
			DisplayName:        displayName,
			ConnectionStrength: r.strength(),
			LastActiveAt:       now,
			Location:           location,
			Capabilities:       slices.Clone(r.config.DefaultCapabilities),
			IsAdmin:            nodeID == r.config.AdminNodeID,
		}}
		r.nodes[nodeID] = e
		r.logger.Info("node registered",
			zap.Uint32("node_id", nodeID),
			zap.String("display_name", displayName),
			zap.String("location", location))
	} else {
		e.node.DisplayName = displayName
		if location != "" {
			e.node.Location = location
		}
		e.node.LastActiveAt = latest(e.node.LastActiveAt, now)
	}

	node := e.node.Clone()
	r.publish(brainwave.EventNodeJoined, node, now)
	return node, !exists, nil
}

// Touch refreshes lastActiveAt.
func (r *InMemoryRegistry) Touch(nodeID uint32) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.nodes[nodeID]
	if !ok {
		return false
	}
	e.node.LastActiveAt = latest(e.node.LastActiveAt, r.clock.Now())
	return true
}

// UpdateStatus applies the optional fields of update. Strength is
// clamped to [0,100]; capabilities are merged, never replaced.
func (r *InMemoryRegistry) UpdateStatus(nodeID uint32, update presence.StatusUpdate) (brainwave.Node, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.nodes[nodeID]
	if !ok {
		return brainwave.Node{}, false
	}
	if update.ConnectionStrength != nil {
		e.node.ConnectionStrength = min(max(*update.ConnectionStrength, 0), 100)
	}
	for _, c := range update.Capabilities {
		if c != "" && !slices.Contains(e.node.Capabilities, c) {
			e.node.Capabilities = append(e.node.Capabilities, c)
		}
	}
	e.node.LastActiveAt = latest(e.node.LastActiveAt, r.clock.Now())
	return e.node.Clone(), true
}

// Remove deletes the record and its binding.
func (r *InMemoryRegistry) Remove(nodeID uint32) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.removeLocked(nodeID, brainwave.EventNodeLeft)
}

// Detach removes nodeID if conn is still its binding.
func (r *InMemoryRegistry) Detach(nodeID uint32, conn presence.Conn) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.nodes[nodeID]
	if !ok || e.conn != conn {
		return false
	}
	return r.removeLocked(nodeID, brainwave.EventNodeLeft)
}

func (r *InMemoryRegistry) removeLocked(nodeID uint32, kind brainwave.EventKind) bool {
	e, ok := r.nodes[nodeID]
	if !ok {
		return false
	}
	delete(r.nodes, nodeID)
	r.publish(kind, e.node.Clone(), r.clock.Now())
	r.logger.Info("node removed", zap.Uint32("node_id", nodeID), zap.String("reason", string(kind)))
	return true
}

// SweepInactive evicts nodes whose lastActiveAt is older than the threshold.
func (r *InMemoryRegistry) SweepInactive(now time.Time) []brainwave.Node {
	r.mu.Lock()
	defer r.mu.Unlock()

	var evicted []brainwave.Node
	for id, e := range r.nodes {
		if now.Sub(e.node.LastActiveAt) > r.config.InactivityThreshold {
			evicted = append(evicted, e.node.Clone())
			r.removeLocked(id, brainwave.EventNodeInactive)
		}
	}
	sortNodes(evicted)
	return evicted
}

// Get returns a copy of one record.
func (r *InMemoryRegistry) Get(nodeID uint32) (brainwave.Node, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.nodes[nodeID]
	if !ok {
		return brainwave.Node{}, false
	}
	return e.node.Clone(), true
}

// Snapshot returns copies of every record ordered by node id.
func (r *InMemoryRegistry) Snapshot() []brainwave.Node {
	return r.filter(func(brainwave.Node) bool { return true })
}

// NodesInLocation returns the records grouped under location.
func (r *InMemoryRegistry) NodesInLocation(location string) []brainwave.Node {
	return r.filter(func(n brainwave.Node) bool { return n.Location == location })
}

func (r *InMemoryRegistry) filter(keep func(brainwave.Node) bool) []brainwave.Node {
	r.mu.RLock()
	defer r.mu.RUnlock()

	nodes := make([]brainwave.Node, 0, len(r.nodes))
	for _, e := range r.nodes {
		if keep(e.node) {
			nodes = append(nodes, e.node.Clone())
		}
	}
	sortNodes(nodes)
	return nodes
}

// ActiveCount returns the number of registered nodes.
func (r *InMemoryRegistry) ActiveCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.nodes)
}

// NetworkLoad is min(100, floor(activeCount / capacity * 100)).
func (r *InMemoryRegistry) NetworkLoad() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return min(100, len(r.nodes)*100/r.config.Capacity)
}

// Bind attaches conn to nodeID.
func (r *InMemoryRegistry) Bind(nodeID uint32, conn presence.Conn) (presence.Conn, error) {
	if conn == nil {
		return nil, ErrNilConn
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.nodes[nodeID]
	if !ok {
		return nil, ErrUnknownNode
	}
	prev := e.conn
	e.conn = conn
	if prev == conn {
		prev = nil
	}
	return prev, nil
}

// Connected reports whether nodeID has a live binding.
func (r *InMemoryRegistry) Connected(nodeID uint32) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.nodes[nodeID]
	return ok && e.conn != nil
}

// Deliver hands ev to the node's connection.
func (r *InMemoryRegistry) Deliver(nodeID uint32, ev brainwave.Event) bool {
	return r.DeliverOrElse(nodeID, ev, nil)
}

// DeliverOrElse hands ev to the node's connection, or runs fallback under
// the registry lock when the node is not connected or refuses the event.
func (r *InMemoryRegistry) DeliverOrElse(nodeID uint32, ev brainwave.Event, fallback func()) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if e, ok := r.nodes[nodeID]; ok && e.conn != nil && e.conn.Deliver(ev) {
		return true
	}
	if fallback != nil {
		fallback()
	}
	return false
}

// Broadcast delivers ev to every connected node except the listed ids and
// returns how many accepted it.
func (r *InMemoryRegistry) Broadcast(ev brainwave.Event, except ...uint32) int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	delivered := 0
	for id, e := range r.nodes {
		if e.conn == nil || slices.Contains(except, id) {
			continue
		}
		if e.conn.Deliver(ev) {
			delivered++
		} else {
			r.logger.Warn("dropped broadcast event, connection buffer full",
				zap.Uint32("node_id", id),
				zap.String("kind", string(ev.Kind)))
		}
	}
	return delivered
}

// WithConn runs fn with the node's connection while holding the registry
// read lock. It reports false without calling fn when nodeID is not connected.
func (r *InMemoryRegistry) WithConn(nodeID uint32, fn func(presence.Conn)) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.nodes[nodeID]
	if !ok || e.conn == nil {
		return false
	}
	fn(e.conn)
	return true
}

// Subscribe streams membership changes.
func (r *InMemoryRegistry) Subscribe() (presence.Subscription, error) {
	sub, err := r.bus.Subscribe()
	if err != nil {
		return nil, err
	}
	return sub, nil
}

// Close drops every record and closes all change subscriptions.
func (r *InMemoryRegistry) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil
	}
	r.closed = true
	r.nodes = make(map[uint32]*entry)
	return r.bus.Close()
}

func (r *InMemoryRegistry) publish(kind brainwave.EventKind, node brainwave.Node, at time.Time) {
	r.bus.Publish(presence.Change{Kind: kind, Node: node, At: at})
}

func latest(a, b time.Time) time.Time {
	if b.After(a) {
		return b
	}
	return a
}

func sortNodes(nodes []brainwave.Node) {
	sort.Slice(nodes, func(i, j int) bool { return nodes[i].ID < nodes[j].ID })
}

// Verify that InMemoryRegistry implements the Registry interface at compile time
var _ presence.Registry = (*InMemoryRegistry)(nil)
