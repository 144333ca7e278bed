// Package router dispatches validated messages to their recipients.
//
// Each message moves RECEIVED -> VALIDATED -> one of DELIVERED, QUEUED or
// REJECTED. Rejections are reported to the sending connection only and
// leave every other component untouched.
package router

import (
	"context"
	"fmt"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/BIT1028/imotos-network/internal/metrics"
	"github.com/BIT1028/imotos-network/pkg/brainwave"
	"github.com/BIT1028/imotos-network/pkg/presence"
)

// Mailbox stores DIRECT messages for recipients that are not connected.
type Mailbox interface {
	Enqueue(recipient uint32, msg brainwave.Message) (bool, error)
}

// Verifier authenticates sealed content before it is forwarded.
type Verifier interface {
	Verify(content string, level brainwave.EncryptionLevel) error
}

// Router is stateless apart from its collaborators and is safe for
// concurrent use.
type Router struct {
	registry presence.Registry
	mailbox  Mailbox
	verifier Verifier
	metrics  *metrics.Metrics
	clock    clock.Clock
	newID    func() string
	logger   *zap.Logger

	controlID   uint32
	controlName string
}

// Option configures a Router.
type Option func(*Router)

// WithVerifier enables authentication of encrypted content.
func WithVerifier(v Verifier) Option {
	return func(r *Router) { r.verifier = v }
}

// WithMetrics sets the collectors updated per message.
func WithMetrics(m *metrics.Metrics) Option {
	return func(r *Router) { r.metrics = m }
}

// WithClock replaces the wall clock.
func WithClock(c clock.Clock) Option {
	return func(r *Router) { r.clock = c }
}

// WithIDGenerator replaces the message id source.
func WithIDGenerator(fn func() string) Option {
	return func(r *Router) { r.newID = fn }
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(r *Router) { r.logger = l }
}

// WithControlNode sets the identity used on synthesized notices.
func WithControlNode(id uint32, name string) Option {
	return func(r *Router) {
		r.controlID = id
		r.controlName = name
	}
}

// New creates a router over registry and mailbox.
func New(registry presence.Registry, mailbox Mailbox, opts ...Option) *Router {
	r := &Router{
		registry:    registry,
		mailbox:     mailbox,
		metrics:     metrics.New(nil),
		clock:       clock.New(),
		newID:       uuid.NewString,
		logger:      zap.NewNop(),
		controlID:   brainwave.ControlNodeID,
		controlName: brainwave.ControlNodeName,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Route processes msg received on from, the connection authenticated as
// senderID. The returned message carries the id and defaults the router
// assigned. On rejection an error event has already been sent to from.
func (r *Router) Route(ctx context.Context, senderID uint32, from presence.Conn, msg brainwave.Message) (brainwave.Message, brainwave.Outcome, error) {
	msg = msg.Clone()
	outcome, err := r.route(ctx, senderID, from, &msg)

	r.metrics.MessagesRouted.WithLabelValues(msg.Type.String(), outcome.Label()).Inc()
	if err != nil {
		kind := brainwave.KindOf(err)
		r.metrics.RoutingErrors.WithLabelValues(string(kind)).Inc()
		r.logger.Debug("rejected message",
			zap.Uint32("sender_id", senderID),
			zap.Stringer("type", msg.Type),
			zap.String("kind", string(kind)),
			zap.Error(err))
		if from != nil {
			from.Deliver(brainwave.ErrorEvent(err))
		}
	}
	return msg, outcome, err
}

func (r *Router) route(ctx context.Context, senderID uint32, from presence.Conn, msg *brainwave.Message) (brainwave.Outcome, error) {
	select {
	case <-ctx.Done():
		return brainwave.OutcomeRejected, ctx.Err()
	default:
	}

	now := r.clock.Now()
	msg.ApplyDefaults(now)
	if err := msg.Validate(); err != nil {
		return brainwave.OutcomeRejected, err
	}
	if msg.SenderID != senderID {
		return brainwave.OutcomeRejected, brainwave.Validationf("senderId %d does not match connection node %d", msg.SenderID, senderID)
	}

	sender, ok := r.registry.Get(senderID)
	if !ok {
		return brainwave.OutcomeRejected, brainwave.Validationf("sender %d is not registered", senderID)
	}

	if msg.Encryption != brainwave.EncryptionNone && r.verifier != nil {
		if err := r.verifier.Verify(msg.Content, msg.Encryption); err != nil {
			return brainwave.OutcomeRejected, err
		}
	}

	msg.ID = r.newID()

	var (
		outcome brainwave.Outcome
		err     error
	)
	switch msg.Type {
	case brainwave.Broadcast:
		r.registry.Broadcast(brainwave.MessageEvent(*msg))
		outcome = brainwave.OutcomeDelivered

	case brainwave.Direct:
		outcome, err = r.routeDirect(from, msg)

	case brainwave.Emergency:
		msg.Priority = brainwave.EmergencyPriority
		r.registry.Broadcast(brainwave.MessageEvent(*msg))
		r.registry.Broadcast(brainwave.MessageEvent(r.emergencyNotice(msg, now)))
		outcome = brainwave.OutcomeDelivered

	case brainwave.System:
		if !sender.IsAdmin {
			return brainwave.OutcomeRejected, brainwave.Permissionf("node %d may not send SYSTEM messages", senderID)
		}
		r.registry.Broadcast(brainwave.MessageEvent(*msg))
		outcome = brainwave.OutcomeDelivered

	default:
		return brainwave.OutcomeRejected, brainwave.Validationf("unroutable messageType %s", msg.Type)
	}
	if err != nil {
		return brainwave.OutcomeRejected, err
	}

	r.registry.Touch(senderID)
	return outcome, nil
}

// routeDirect delivers to a connected receiver or queues for later. The
// enqueue runs under the registry lock so a receiver that connects and
// drains concurrently cannot miss the message.
func (r *Router) routeDirect(from presence.Conn, msg *brainwave.Message) (brainwave.Outcome, error) {
	var enqueueErr error
	delivered := r.registry.DeliverOrElse(msg.ReceiverID, brainwave.MessageEvent(*msg), func() {
		dropped, err := r.mailbox.Enqueue(msg.ReceiverID, *msg)
		if err != nil {
			enqueueErr = err
			return
		}
		if dropped {
			r.logger.Debug("offline mailbox full, dropped oldest",
				zap.Uint32("receiver_id", msg.ReceiverID))
		}
	})

	if !delivered && enqueueErr != nil {
		return brainwave.OutcomeRejected, fmt.Errorf("failed to queue message for %d: %w", msg.ReceiverID, enqueueErr)
	}

	receipt := brainwave.Receipt{
		MessageID:  msg.ID,
		ReceiverID: msg.ReceiverID,
		Timestamp:  msg.Timestamp,
		Status:     brainwave.StatusDelivered,
	}
	outcome := brainwave.OutcomeDelivered
	if !delivered {
		receipt.Status = brainwave.StatusOfflineStorage
		outcome = brainwave.OutcomeQueued
	}
	if from != nil {
		from.Deliver(brainwave.ReceiptEvent(receipt))
	}
	return outcome, nil
}

func (r *Router) emergencyNotice(msg *brainwave.Message, now time.Time) brainwave.Message {
	return brainwave.Message{
		ID:         r.newID(),
		SenderID:   r.controlID,
		SenderName: r.controlName,
		Type:       brainwave.System,
		Content:    fmt.Sprintf("Emergency notice from %s", msg.SenderName),
		Timestamp:  now.UnixMilli(),
		Priority:   brainwave.EmergencyPriority,
	}
}

// Notice builds a SYSTEM message from the control node, used for the
// registration welcome and operator announcements.
func (r *Router) Notice(content string, priority uint8) brainwave.Message {
	return brainwave.Message{
		ID:         r.newID(),
		SenderID:   r.controlID,
		SenderName: r.controlName,
		Type:       brainwave.System,
		Content:    content,
		Timestamp:  r.clock.Now().UnixMilli(),
		Priority:   priority,
	}
}
