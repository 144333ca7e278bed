package meshnode

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/benbjohnson/clock"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/BIT1028/imotos-network/internal/admission"
	"github.com/BIT1028/imotos-network/internal/metrics"
	"github.com/BIT1028/imotos-network/internal/offline"
	"github.com/BIT1028/imotos-network/internal/presence"
	"github.com/BIT1028/imotos-network/internal/router"
	"github.com/BIT1028/imotos-network/pkg/brainwave"
	"github.com/BIT1028/imotos-network/pkg/meshnode"
	presencepkg "github.com/BIT1028/imotos-network/pkg/presence"
)

var (
	// ErrNotStarted is returned by node operations before Start
	ErrNotStarted = errors.New("mesh node is not started")
	// ErrClosed is returned by node operations after Close
	ErrClosed = errors.New("mesh node is closed")
	// ErrNilConn is returned when registering without a connection
	ErrNilConn = errors.New("connection cannot be nil")
)

// Node implements the meshnode.MeshNode interface.
// It orchestrates the admission gate, presence registry, offline queue and
// router, and runs the housekeeping tick and presence fan-out while started.
type Node struct {
	mu     sync.RWMutex
	config *Config

	// Core components
	gate     *admission.Gate
	registry *presence.InMemoryRegistry
	queue    *offline.Queue
	router   *router.Router

	// State management
	started bool
	closed  bool
	cancel  context.CancelFunc
	group   *errgroup.Group
	sub     presencepkg.Subscription

	statusMu    sync.RWMutex
	status      brainwave.SystemStatus
	lastDropped int64

	verifier router.Verifier
	metrics  *metrics.Metrics
	clock    clock.Clock
	logger   *zap.Logger
}

// Option configures a Node.
type Option func(*Node)

// WithClock replaces the wall clock for every component.
func WithClock(c clock.Clock) Option {
	return func(n *Node) { n.clock = c }
}

// WithLogger sets the logger for every component.
func WithLogger(l *zap.Logger) Option {
	return func(n *Node) { n.logger = l }
}

// WithMetrics sets the collectors the node and router update.
func WithMetrics(m *metrics.Metrics) Option {
	return func(n *Node) { n.metrics = m }
}

// WithVerifier enables authentication of encrypted message content,
// usually with a *secure.Box built from the network secret.
func WithVerifier(v router.Verifier) Option {
	return func(n *Node) { n.verifier = v }
}

// NewNode creates a node with the given configuration.
// It builds the components but does not start the background loops.
// Call Start() to begin operation.
func NewNode(config *Config, opts ...Option) (*Node, error) {
	if config == nil {
		return nil, fmt.Errorf("config cannot be nil")
	}
	config.SetDefaults()
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	n := &Node{
		config:  config,
		status:  config.InitialStatus,
		metrics: metrics.New(nil),
		clock:   clock.New(),
		logger:  zap.NewNop(),
	}
	for _, opt := range opts {
		opt(n)
	}

	gate, err := admission.NewGate(config.Admission,
		admission.WithClock(n.clock),
		admission.WithLogger(n.logger.Named("admission")))
	if err != nil {
		return nil, fmt.Errorf("failed to create admission gate: %w", err)
	}

	registry, err := presence.NewInMemoryRegistry(config.Presence,
		presence.WithClock(n.clock),
		presence.WithLogger(n.logger.Named("presence")))
	if err != nil {
		return nil, fmt.Errorf("failed to create registry: %w", err)
	}

	queue, err := offline.NewQueue(config.Offline,
		offline.WithClock(n.clock),
		offline.WithLogger(n.logger.Named("offline")))
	if err != nil {
		_ = registry.Close()
		return nil, fmt.Errorf("failed to create offline queue: %w", err)
	}

	routerOpts := []router.Option{
		router.WithClock(n.clock),
		router.WithLogger(n.logger.Named("router")),
		router.WithMetrics(n.metrics),
		router.WithControlNode(config.Presence.AdminNodeID, brainwave.ControlNodeName),
	}
	if n.verifier != nil {
		routerOpts = append(routerOpts, router.WithVerifier(n.verifier))
	}

	n.gate = gate
	n.registry = registry
	n.queue = queue
	n.router = router.New(registry, queue, routerOpts...)
	n.metrics.Difficulty.Set(float64(gate.Difficulty()))
	return n, nil
}

// Start launches the housekeeping tick and the presence fan-out. The loops
// run until Stop or Close; ctx only bounds startup.
func (n *Node) Start(ctx context.Context) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.closed {
		return fmt.Errorf("cannot start closed mesh node")
	}
	if n.started {
		return nil // Already started, idempotent
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	sub, err := n.registry.Subscribe()
	if err != nil {
		return fmt.Errorf("failed to subscribe to registry: %w", err)
	}

	runCtx, cancel := context.WithCancel(context.Background())
	group, groupCtx := errgroup.WithContext(runCtx)
	group.Go(func() error { return n.fanOut(groupCtx, sub) })
	group.Go(func() error { return n.housekeeping(groupCtx) })

	n.sub = sub
	n.cancel = cancel
	n.group = group
	n.started = true

	n.logger.Info("mesh node started",
		zap.Duration("housekeeping_interval", n.config.HousekeepingInterval),
		zap.Int("difficulty", n.gate.Difficulty()),
		zap.Bool("adaptive_difficulty", n.config.AdaptiveDifficulty))
	return nil
}

// Stop halts the background loops and waits for them to exit or for ctx
// to expire.
func (n *Node) Stop(ctx context.Context) error {
	n.mu.Lock()
	if !n.started {
		n.mu.Unlock()
		return nil // Not started, idempotent
	}
	cancel, group, sub := n.cancel, n.group, n.sub
	n.started = false
	n.cancel, n.group, n.sub = nil, nil, nil
	n.mu.Unlock()

	cancel()
	err := sub.Close()

	done := make(chan error, 1)
	go func() { done <- group.Wait() }()
	select {
	case werr := <-done:
		err = multierr.Append(err, werr)
	case <-ctx.Done():
		return multierr.Append(err, ctx.Err())
	}

	n.logger.Info("mesh node stopped")
	return err
}

// Close stops the node and releases all resources.
// It is idempotent.
func (n *Node) Close() error {
	err := n.Stop(context.Background())

	n.mu.Lock()
	defer n.mu.Unlock()

	if n.closed {
		return nil // Already closed, idempotent
	}
	n.closed = true

	return multierr.Combine(
		err,
		n.registry.Close(),
		n.queue.Close(),
	)
}

func (n *Node) checkRunning() error {
	n.mu.RLock()
	defer n.mu.RUnlock()

	if n.closed {
		return ErrClosed
	}
	if !n.started {
		return ErrNotStarted
	}
	return nil
}

// IssueChallenge hands out a proof-of-work puzzle for nodeID.
func (n *Node) IssueChallenge(ctx context.Context, nodeID uint32) (brainwave.Challenge, error) {
	if err := n.checkRunning(); err != nil {
		return brainwave.Challenge{}, err
	}
	if nodeID == 0 {
		return brainwave.Challenge{}, brainwave.Validationf("nodeId is required")
	}

	ch, err := n.gate.IssueChallenge(nodeID)
	if err != nil {
		return brainwave.Challenge{}, err
	}
	n.metrics.ChallengesIssued.Inc()
	return ch, nil
}

// Register admits, records and binds a node.
//
// Flow:
// 1. Validate the request before the challenge is consumed
// 2. Redeem the proof at the admission gate
// 3. Record the node and bind its connection
// 4. Send the welcome notice and current network state to the node
//
// Peers learn about the node through the registry fan-out.
func (n *Node) Register(ctx context.Context, conn presencepkg.Conn, req meshnode.RegisterRequest) (brainwave.Node, error) {
	if err := n.checkRunning(); err != nil {
		return brainwave.Node{}, err
	}
	if conn == nil {
		return brainwave.Node{}, ErrNilConn
	}
	if req.NodeID == 0 {
		return brainwave.Node{}, brainwave.Validationf("nodeId is required")
	}
	if strings.TrimSpace(req.DisplayName) == "" {
		return brainwave.Node{}, brainwave.Validationf("displayName is required")
	}

	if err := n.gate.Admit(req.NodeID, req.Nonce); err != nil {
		n.metrics.AdmissionAttempts.WithLabelValues("rejected").Inc()
		n.logger.Info("registration refused",
			zap.Uint32("node_id", req.NodeID),
			zap.Error(err))
		return brainwave.Node{}, err
	}
	n.metrics.AdmissionAttempts.WithLabelValues("admitted").Inc()

	node, fresh, err := n.registry.RegisterOrUpdate(req.NodeID, req.DisplayName, req.Location)
	if err != nil {
		return brainwave.Node{}, err
	}

	prev, err := n.registry.Bind(req.NodeID, conn)
	if err != nil {
		return brainwave.Node{}, fmt.Errorf("failed to bind connection: %w", err)
	}
	if prev != nil && prev != conn {
		n.logger.Info("replaced connection",
			zap.Uint32("node_id", req.NodeID))
		if c, ok := prev.(io.Closer); ok {
			_ = c.Close()
		}
	}

	welcome := n.router.Notice(fmt.Sprintf(n.config.WelcomeFormat, node.DisplayName), n.config.WelcomePriority)
	conn.Deliver(brainwave.MessageEvent(welcome))
	conn.Deliver(brainwave.StateEvent(n.State(ctx)))

	n.updateGauges()
	n.logger.Debug("node admitted",
		zap.Uint32("node_id", node.ID),
		zap.Bool("fresh", fresh),
		zap.Int("offline_pending", n.queue.Pending(node.ID)))
	return node, nil
}

// HandleMessage routes msg sent by nodeID over conn.
func (n *Node) HandleMessage(ctx context.Context, nodeID uint32, conn presencepkg.Conn, msg brainwave.Message) (brainwave.Message, brainwave.Outcome, error) {
	if err := n.checkRunning(); err != nil {
		return msg, brainwave.OutcomeRejected, err
	}
	routed, outcome, err := n.router.Route(ctx, nodeID, conn, msg)
	if outcome == brainwave.OutcomeQueued {
		n.metrics.OfflineQueued.Set(float64(n.queue.Len()))
	}
	return routed, outcome, err
}

// UpdateStatus changes a node's strength and capabilities. An update for
// a node that is no longer registered, usually one just evicted, is
// ignored and returns the zero Node.
func (n *Node) UpdateStatus(ctx context.Context, nodeID uint32, update presencepkg.StatusUpdate) (brainwave.Node, error) {
	if err := n.checkRunning(); err != nil {
		return brainwave.Node{}, err
	}
	node, ok := n.registry.UpdateStatus(nodeID, update)
	if !ok {
		n.logger.Debug("status update for unknown node ignored", zap.Uint32("node_id", nodeID))
		return brainwave.Node{}, nil
	}
	return node, nil
}

// Heartbeat refreshes a node's liveness. Unknown nodes are ignored.
func (n *Node) Heartbeat(ctx context.Context, nodeID uint32) error {
	if err := n.checkRunning(); err != nil {
		return err
	}
	if !n.registry.Touch(nodeID) {
		n.logger.Debug("heartbeat for unknown node ignored", zap.Uint32("node_id", nodeID))
	}
	return nil
}

// DrainOffline hands every queued message for nodeID to its connection.
// The drain happens while the binding is held, so a concurrent DIRECT
// send either lands in the drained batch or is delivered live. Messages
// the connection refuses are put back at the front of the queue.
func (n *Node) DrainOffline(ctx context.Context, nodeID uint32) (int, error) {
	if err := n.checkRunning(); err != nil {
		return 0, err
	}

	delivered := 0
	bound := n.registry.WithConn(nodeID, func(conn presencepkg.Conn) {
		entries := n.queue.Drain(nodeID)
		for i, e := range entries {
			if !conn.Deliver(brainwave.MessageEvent(e.Message)) {
				n.queue.Requeue(nodeID, entries[i:])
				n.logger.Warn("connection refused offline messages",
					zap.Uint32("node_id", nodeID),
					zap.Int("requeued", len(entries)-i))
				return
			}
			delivered++
		}
	})
	if !bound {
		return 0, brainwave.Validationf("node %d is not connected", nodeID)
	}

	n.registry.Touch(nodeID)
	n.metrics.OfflineQueued.Set(float64(n.queue.Len()))
	return delivered, nil
}

// Disconnect removes nodeID if conn is still its connection. A stale
// connection closing after a reconnect leaves the node in place.
func (n *Node) Disconnect(nodeID uint32, conn presencepkg.Conn) {
	if n.registry.Detach(nodeID, conn) {
		n.logger.Debug("node disconnected", zap.Uint32("node_id", nodeID))
		n.updateGauges()
	}
}

// State returns the current network state.
func (n *Node) State(ctx context.Context) brainwave.NetworkState {
	n.statusMu.RLock()
	status := n.status
	n.statusMu.RUnlock()

	return brainwave.NetworkState{
		ActiveCount:       n.registry.ActiveCount(),
		SystemStatus:      status,
		NetworkLoad:       n.registry.NetworkLoad(),
		LastSyncTimestamp: n.clock.Now().UnixMilli(),
	}
}

// Nodes returns every registered node ordered by id.
func (n *Node) Nodes(ctx context.Context) []brainwave.Node {
	return n.registry.Snapshot()
}

// NodesInLocation returns the nodes sharing a location.
func (n *Node) NodesInLocation(ctx context.Context, location string) []brainwave.Node {
	return n.registry.NodesInLocation(location)
}

// SetSystemStatus changes the operator status and broadcasts the new state.
func (n *Node) SetSystemStatus(ctx context.Context, status brainwave.SystemStatus) error {
	if err := n.checkRunning(); err != nil {
		return err
	}
	if _, err := brainwave.ParseSystemStatus(string(status)); err != nil {
		return err
	}

	n.statusMu.Lock()
	prev := n.status
	n.status = status
	n.statusMu.Unlock()

	if prev != status {
		n.logger.Info("system status changed",
			zap.String("from", string(prev)),
			zap.String("to", string(status)))
	}
	n.registry.Broadcast(brainwave.StateEvent(n.State(ctx)))
	return nil
}

// SetDifficulty changes the proof-of-work difficulty for new challenges.
func (n *Node) SetDifficulty(ctx context.Context, difficulty int) error {
	if err := n.gate.SetDifficulty(difficulty); err != nil {
		return &brainwave.Error{
			Kind:   brainwave.KindValidation,
			Detail: fmt.Sprintf("difficulty %d", difficulty),
			Err:    err,
		}
	}
	n.metrics.Difficulty.Set(float64(difficulty))
	return nil
}

// SendSystemNotice broadcasts a SYSTEM message from the control node.
func (n *Node) SendSystemNotice(ctx context.Context, content string, priority uint8) (brainwave.Message, error) {
	if err := n.checkRunning(); err != nil {
		return brainwave.Message{}, err
	}
	if priority == 0 {
		priority = brainwave.DefaultPriority
	}

	msg := n.router.Notice(content, priority)
	if err := msg.Validate(); err != nil {
		return brainwave.Message{}, err
	}

	reached := n.registry.Broadcast(brainwave.MessageEvent(msg))
	n.metrics.MessagesRouted.WithLabelValues(msg.Type.String(), brainwave.OutcomeDelivered.Label()).Inc()
	n.logger.Info("system notice sent",
		zap.String("message_id", msg.ID),
		zap.Int("recipients", reached))
	return msg, nil
}

// GetHealth returns the overall health status of this node.
func (n *Node) GetHealth(ctx context.Context) (meshnode.HealthStatus, error) {
	n.mu.RLock()
	started, closed := n.started, n.closed
	n.mu.RUnlock()

	state := n.State(ctx)
	connected := 0
	for _, node := range n.registry.Snapshot() {
		if n.registry.Connected(node.ID) {
			connected++
		}
	}

	msg := "ok"
	switch {
	case closed:
		msg = "closed"
	case !started:
		msg = "not started"
	}

	return meshnode.HealthStatus{
		Healthy:           started && !closed,
		Running:           started,
		ActiveNodes:       state.ActiveCount,
		ConnectedNodes:    connected,
		OfflineMessages:   n.queue.Len(),
		PendingChallenges: n.gate.Pending(),
		Difficulty:        n.gate.Difficulty(),
		SystemStatus:      state.SystemStatus,
		Message:           msg,
	}, nil
}

// fanOut turns registry changes into events for connected nodes. A node
// is not told about its own join.
func (n *Node) fanOut(ctx context.Context, sub presencepkg.Subscription) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case change, ok := <-sub.Out():
			if !ok {
				return nil
			}
			ev := brainwave.NodeEvent(change.Kind, change.Node)
			if change.Kind == brainwave.EventNodeJoined {
				n.registry.Broadcast(ev, change.Node.ID)
			} else {
				n.registry.Broadcast(ev)
			}
		}
	}
}

func (n *Node) housekeeping(ctx context.Context) error {
	ticker := n.clock.Ticker(n.config.HousekeepingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			n.tick(ctx)
		}
	}
}

// tick runs one housekeeping pass.
func (n *Node) tick(ctx context.Context) {
	evicted := n.registry.SweepInactive(n.clock.Now())
	expired := n.gate.Sweep()
	pruned := n.queue.Prune()

	if n.config.AdaptiveDifficulty {
		if d, observed := n.gate.Adapt(); observed {
			n.metrics.Difficulty.Set(float64(d))
		}
	}

	n.metrics.NodesEvicted.Add(float64(len(evicted)))
	n.updateGauges()

	if len(evicted) > 0 || expired > 0 || pruned > 0 {
		n.logger.Debug("housekeeping",
			zap.Int("evicted_nodes", len(evicted)),
			zap.Int("expired_challenges", expired),
			zap.Int("pruned_messages", pruned))
	}

	n.registry.Broadcast(brainwave.StateEvent(n.State(ctx)))
}

func (n *Node) updateGauges() {
	n.metrics.ActiveNodes.Set(float64(n.registry.ActiveCount()))
	n.metrics.NetworkLoad.Set(float64(n.registry.NetworkLoad()))
	n.metrics.OfflineQueued.Set(float64(n.queue.Len()))

	n.statusMu.Lock()
	dropped := n.queue.Dropped()
	delta := dropped - n.lastDropped
	n.lastDropped = dropped
	n.statusMu.Unlock()
	if delta > 0 {
		n.metrics.OfflineDropped.Add(float64(delta))
	}
}

// Verify that Node implements the MeshNode interface at compile time
var _ meshnode.MeshNode = (*Node)(nil)
