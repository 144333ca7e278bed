package nodelink

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/BIT1028/imotos-network/internal/codec"
	"github.com/BIT1028/imotos-network/internal/identity"
	"github.com/BIT1028/imotos-network/internal/meshnode"
	"github.com/BIT1028/imotos-network/internal/metrics"
	"github.com/BIT1028/imotos-network/pkg/brainwave"
	meshnodepkg "github.com/BIT1028/imotos-network/pkg/meshnode"
	"github.com/BIT1028/imotos-network/pkg/nodelink"
	"github.com/BIT1028/imotos-network/pkg/presence"
)

var (
	// ErrReplaced ends a session whose node registered again on another connection.
	ErrReplaced = errors.New("connection replaced by a newer session")
	// ErrNoClaims is returned when a session is started without an identity.
	ErrNoClaims = errors.New("session requires authenticated claims")
)

// FrameStream is one bidirectional frame exchange with a node. Send and
// Recv are each called from a single goroutine. The gRPC server stream
// satisfies it directly; WebSocket connections are adapted to it.
type FrameStream interface {
	Context() context.Context
	Send(*nodelink.ServerFrame) error
	Recv() (*nodelink.ClientFrame, error)
}

// Handler runs node sessions against a MeshNode. It is shared by every
// transport.
type Handler struct {
	node      meshnodepkg.MeshNode
	frames    *codec.FrameCodec
	queueSize int
	metrics   *metrics.Metrics
	logger    *zap.Logger
}

// Option configures a Handler or Server.
type Option func(*options)

type options struct {
	metrics *metrics.Metrics
	logger  *zap.Logger
}

// WithMetrics records session gauges and frame sizes.
func WithMetrics(m *metrics.Metrics) Option {
	return func(o *options) {
		o.metrics = m
	}
}

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

func buildOptions(opts []Option) options {
	o := options{logger: zap.NewNop()}
	for _, opt := range opts {
		opt(&o)
	}
	if o.metrics == nil {
		o.metrics = metrics.New(nil)
	}
	return o
}

// NewHandler creates a session handler for node.
func NewHandler(node meshnodepkg.MeshNode, config *Config, opts ...Option) (*Handler, error) {
	if node == nil {
		return nil, errors.New("mesh node cannot be nil")
	}
	if config == nil {
		config = &Config{}
	}
	config.SetDefaults()

	frames, err := codec.NewFrameCodec(config.CompressThreshold)
	if err != nil {
		return nil, err
	}

	o := buildOptions(opts)
	return &Handler{
		node:      node,
		frames:    frames,
		queueSize: config.SendQueueSize,
		metrics:   o.metrics,
		logger:    o.logger,
	}, nil
}

// Close releases the frame codec.
func (h *Handler) Close() error {
	return h.frames.Close()
}

// Serve runs one session until the node goes away, the stream fails, or
// the node registers again elsewhere (ErrReplaced). Requests are handled
// in arrival order, so messages from one node are routed FIFO. The node
// is disconnected when the session ends.
func (h *Handler) Serve(stream FrameStream, claims *identity.Claims, transport string) error {
	if claims == nil {
		return ErrNoClaims
	}
	ctx := stream.Context()

	s := &session{
		handler: h,
		claims:  claims,
		conn:    meshnode.NewChannelConn(claims.NodeID, h.queueSize),
		replies: make(chan *nodelink.ServerFrame, 16),
		done:    make(chan struct{}),
		logger:  h.logger.With(zap.Uint32("node_id", claims.NodeID), zap.String("transport", transport)),
	}

	gauge := h.metrics.Sessions.WithLabelValues(transport)
	gauge.Inc()
	defer gauge.Dec()

	s.logger.Debug("session opened")
	defer s.logger.Debug("session closed")

	defer s.conn.Close()
	defer func() {
		if s.registered.Load() {
			h.node.Disconnect(claims.NodeID, s.conn)
		}
	}()
	defer close(s.done)

	recvErr := make(chan error, 1)
	go func() {
		recvErr <- s.readLoop(ctx, stream)
	}()

	return s.writeLoop(ctx, stream, recvErr)
}

type session struct {
	handler    *Handler
	claims     *identity.Claims
	conn       *meshnode.ChannelConn
	replies    chan *nodelink.ServerFrame
	done       chan struct{}
	registered atomic.Bool
	logger     *zap.Logger
}

// writeLoop is the only writer on the stream.
func (s *session) writeLoop(ctx context.Context, stream FrameStream, recvErr <-chan error) error {
	events := s.conn.Events()
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return ErrReplaced
			}
			if err := stream.Send(&nodelink.ServerFrame{Kind: nodelink.KindEvent, Event: &ev}); err != nil {
				return err
			}
		case reply := <-s.replies:
			if err := stream.Send(reply); err != nil {
				return err
			}
		case err := <-recvErr:
			if errors.Is(err, io.EOF) || ctx.Err() != nil {
				return nil
			}
			return err
		case <-ctx.Done():
			return nil
		}
	}
}

func (s *session) readLoop(ctx context.Context, stream FrameStream) error {
	for {
		frame, err := stream.Recv()
		if err != nil {
			return err
		}

		reply := s.handle(ctx, frame)
		reply.Seq = frame.Seq

		select {
		case s.replies <- reply:
		case <-s.done:
			return nil
		}
	}
}

func (s *session) handle(ctx context.Context, frame *nodelink.ClientFrame) *nodelink.ServerFrame {
	node := s.handler.node

	if frame.Invalid != nil {
		s.logger.Debug("undecodable frame", zap.Uint64("seq", frame.Seq), zap.Error(frame.Invalid))
		return errorFrame(malformed(frame.Invalid))
	}

	switch frame.Kind {
	case nodelink.KindChallenge:
		challenge, err := node.IssueChallenge(ctx, s.claims.NodeID)
		if err != nil {
			return errorFrame(err)
		}
		return &nodelink.ServerFrame{Kind: nodelink.KindChallenge, Challenge: &challenge}

	case nodelink.KindRegister:
		if frame.Register == nil {
			return errorFrame(brainwave.Validationf("register payload is required"))
		}
		req := *frame.Register
		if req.NodeID == 0 {
			req.NodeID = s.claims.NodeID
		}
		if req.NodeID != s.claims.NodeID {
			return errorFrame(brainwave.Permissionf("token is for node %d, not %d", s.claims.NodeID, req.NodeID))
		}
		if req.DisplayName == "" {
			req.DisplayName = s.claims.DisplayName
		}
		registered, err := node.Register(ctx, s.conn, req)
		if err != nil {
			return errorFrame(err)
		}
		s.registered.Store(true)
		return &nodelink.ServerFrame{Kind: nodelink.KindRegister, Node: &registered}

	case nodelink.KindMessage:
		if err := s.requireRegistered(); err != nil {
			return errorFrame(err)
		}
		msg, err := s.message(frame)
		if err != nil {
			return errorFrame(err)
		}
		routed, outcome, err := node.HandleMessage(ctx, s.claims.NodeID, replyConn{s.conn}, msg)
		return &nodelink.ServerFrame{
			Kind:      nodelink.KindAck,
			MessageID: routed.ID,
			Outcome:   outcome,
			Error:     brainwave.InfoOf(err),
		}

	case nodelink.KindStatus:
		if err := s.requireRegistered(); err != nil {
			return errorFrame(err)
		}
		if frame.Status == nil {
			return errorFrame(brainwave.Validationf("status payload is required"))
		}
		updated, err := node.UpdateStatus(ctx, s.claims.NodeID, *frame.Status)
		if err != nil {
			return errorFrame(err)
		}
		reply := &nodelink.ServerFrame{Kind: nodelink.KindStatus}
		// A node evicted while its session is open gets an empty reply.
		if updated.ID != 0 {
			reply.Node = &updated
		}
		return reply

	case nodelink.KindHeartbeat:
		if err := s.requireRegistered(); err != nil {
			return errorFrame(err)
		}
		if err := node.Heartbeat(ctx, s.claims.NodeID); err != nil {
			return errorFrame(err)
		}
		return &nodelink.ServerFrame{Kind: nodelink.KindHeartbeat}

	case nodelink.KindDrain:
		if err := s.requireRegistered(); err != nil {
			return errorFrame(err)
		}
		n, err := node.DrainOffline(ctx, s.claims.NodeID)
		if err != nil {
			return errorFrame(err)
		}
		return &nodelink.ServerFrame{Kind: nodelink.KindDrain, Drained: n}

	default:
		return errorFrame(brainwave.Validationf("unknown frame kind %q", frame.Kind))
	}
}

func (s *session) requireRegistered() error {
	if !s.registered.Load() {
		return brainwave.Validationf("node %d must register first", s.claims.NodeID)
	}
	return nil
}

// message extracts the message from a frame, preferring the binary envelope.
func (s *session) message(frame *nodelink.ClientFrame) (brainwave.Message, error) {
	if len(frame.Envelope) > 0 {
		s.handler.metrics.FrameBytes.
			WithLabelValues(strconv.FormatBool(codec.Compressed(frame.Envelope))).
			Observe(float64(len(frame.Envelope)))

		msg, err := s.handler.frames.Decode(frame.Envelope)
		if err != nil {
			return brainwave.Message{}, &brainwave.Error{
				Kind:   brainwave.KindValidation,
				Detail: fmt.Sprintf("malformed envelope (%d bytes)", len(frame.Envelope)),
				Err:    err,
			}
		}
		return *msg, nil
	}
	if frame.Message != nil {
		return *frame.Message, nil
	}
	return brainwave.Message{}, brainwave.Validationf("message payload is required")
}

// malformed classifies a frame decode failure as a validation error.
func malformed(err error) error {
	if errors.Is(err, brainwave.ErrValidation) {
		return err
	}
	return &brainwave.Error{Kind: brainwave.KindValidation, Detail: "malformed frame", Err: err}
}

// replyConn is the sender's connection as seen by the router. A rejection
// travels back in the message's ack, so the error event is not pushed.
type replyConn struct {
	presence.Conn
}

func (c replyConn) Deliver(ev brainwave.Event) bool {
	if ev.Kind == brainwave.EventError {
		return true
	}
	return c.Conn.Deliver(ev)
}

func errorFrame(err error) *nodelink.ServerFrame {
	return &nodelink.ServerFrame{Kind: nodelink.KindError, Error: brainwave.InfoOf(err)}
}
