// Package offline holds DIRECT messages for recipients that are not
// connected. Storage is bounded three ways: messages per recipient
// (oldest dropped first), number of recipients (least recently used
// mailbox dropped first) and a retention window.
package offline

import (
	"errors"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"

	"github.com/BIT1028/imotos-network/pkg/brainwave"
)

const (
	DefaultMaxPerRecipient = 100
	DefaultMaxRecipients   = 10_000
	DefaultRetention       = 24 * time.Hour
)

var (
	// ErrClosed is returned when enqueueing into a closed queue.
	ErrClosed = errors.New("offline queue is closed")
	// ErrNoRecipient is returned for recipient id zero.
	ErrNoRecipient = errors.New("recipient ID must be positive")
)

// Config holds configuration for the offline queue.
type Config struct {
	MaxPerRecipient int
	MaxRecipients   int
	Retention       time.Duration
}

// SetDefaults fills unset fields.
func (c *Config) SetDefaults() {
	if c.MaxPerRecipient <= 0 {
		c.MaxPerRecipient = DefaultMaxPerRecipient
	}
	if c.MaxRecipients <= 0 {
		c.MaxRecipients = DefaultMaxRecipients
	}
	if c.Retention <= 0 {
		c.Retention = DefaultRetention
	}
}

// Entry is a queued message and the time it was first queued. The time
// survives Requeue, so a message's retention window never restarts.
type Entry struct {
	Message  brainwave.Message
	QueuedAt time.Time
}

type mailbox struct {
	entries []Entry
}

// Queue is an in-memory, per-recipient FIFO. It is safe for concurrent use.
type Queue struct {
	mu        sync.Mutex
	config    Config
	mailboxes *lru.Cache[uint32, *mailbox]
	total     int
	closed    bool
	dropped   atomic.Int64

	clock  clock.Clock
	logger *zap.Logger
}

// Option configures a Queue.
type Option func(*Queue)

// WithClock replaces the wall clock.
func WithClock(c clock.Clock) Option {
	return func(q *Queue) { q.clock = c }
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(q *Queue) { q.logger = l }
}

// NewQueue creates an empty queue.
func NewQueue(config Config, opts ...Option) (*Queue, error) {
	config.SetDefaults()

	q := &Queue{
		config: config,
		clock:  clock.New(),
		logger: zap.NewNop(),
	}
	cache, err := lru.NewWithEvict[uint32, *mailbox](config.MaxRecipients, q.onEvict)
	if err != nil {
		return nil, fmt.Errorf("failed to create mailbox table: %w", err)
	}
	q.mailboxes = cache

	for _, opt := range opts {
		opt(q)
	}
	return q, nil
}

// onEvict runs for every removal from mailboxes while q.mu is held.
// Mailboxes are emptied before deliberate removals, so only capacity
// evictions reach the counters.
func (q *Queue) onEvict(recipient uint32, box *mailbox) {
	n := len(box.entries)
	if n == 0 {
		return
	}
	q.total -= n
	q.dropped.Add(int64(n))
	q.logger.Warn("evicted offline mailbox",
		zap.Uint32("recipient", recipient),
		zap.Int("messages", n))
}

// Enqueue appends msg to the recipient's mailbox and reports whether an
// older message had to be dropped to make room.
func (q *Queue) Enqueue(recipient uint32, msg brainwave.Message) (bool, error) {
	if recipient == 0 {
		return false, ErrNoRecipient
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return false, ErrClosed
	}

	box, ok := q.mailboxes.Get(recipient)
	if !ok {
		box = &mailbox{}
		q.mailboxes.Add(recipient, box)
	}

	dropped := false
	if len(box.entries) >= q.config.MaxPerRecipient {
		box.entries = box.entries[1:]
		q.total--
		q.dropped.Add(1)
		dropped = true
	}
	box.entries = append(box.entries, Entry{Message: msg.Clone(), QueuedAt: q.clock.Now()})
	q.total++
	return dropped, nil
}

// Drain removes and returns the recipient's entries in arrival order,
// skipping any older than the retention window.
func (q *Queue) Drain(recipient uint32) []Entry {
	q.mu.Lock()
	defer q.mu.Unlock()

	box, ok := q.mailboxes.Peek(recipient)
	if !ok {
		return nil
	}
	entries := box.entries
	box.entries = nil
	q.mailboxes.Remove(recipient)

	cutoff := q.clock.Now().Add(-q.config.Retention)
	live := make([]Entry, 0, len(entries))
	for _, e := range entries {
		q.total--
		if e.QueuedAt.Before(cutoff) {
			q.dropped.Add(1)
			continue
		}
		live = append(live, e)
	}
	return live
}

// Requeue puts drained entries back at the front of the recipient's
// mailbox, used when a drain could not be delivered in full. Entries keep
// their original queue time. Messages beyond the per-recipient cap are
// dropped from the tail.
func (q *Queue) Requeue(recipient uint32, entries []Entry) {
	if len(entries) == 0 || recipient == 0 {
		return
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return
	}

	front := slices.Clone(entries)

	box, ok := q.mailboxes.Get(recipient)
	if !ok {
		box = &mailbox{}
		q.mailboxes.Add(recipient, box)
	}
	q.total -= len(box.entries)
	box.entries = append(front, box.entries...)
	if over := len(box.entries) - q.config.MaxPerRecipient; over > 0 {
		box.entries = box.entries[:q.config.MaxPerRecipient]
		q.dropped.Add(int64(over))
	}
	q.total += len(box.entries)
}

// Pending returns how many messages wait for recipient.
func (q *Queue) Pending(recipient uint32) int {
	q.mu.Lock()
	defer q.mu.Unlock()

	box, ok := q.mailboxes.Peek(recipient)
	if !ok {
		return 0
	}
	return len(box.entries)
}

// Len returns the number of queued messages across all recipients.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.total
}

// Dropped returns how many messages were discarded by any of the bounds.
func (q *Queue) Dropped() int64 {
	return q.dropped.Load()
}

// Prune removes messages older than the retention window and returns how
// many were removed.
func (q *Queue) Prune() int {
	q.mu.Lock()
	defer q.mu.Unlock()

	cutoff := q.clock.Now().Add(-q.config.Retention)
	removed := 0
	for _, id := range q.mailboxes.Keys() {
		box, ok := q.mailboxes.Peek(id)
		if !ok {
			continue
		}
		keep := box.entries[:0]
		for _, e := range box.entries {
			if e.QueuedAt.Before(cutoff) {
				removed++
				continue
			}
			keep = append(keep, e)
		}
		box.entries = keep
		if len(keep) == 0 {
			q.mailboxes.Remove(id)
		}
	}
	q.total -= removed
	q.dropped.Add(int64(removed))
	return removed
}

// Close discards every queued message. It is idempotent.
func (q *Queue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return nil
	}
	q.closed = true
	for _, id := range q.mailboxes.Keys() {
		if box, ok := q.mailboxes.Peek(id); ok {
			box.entries = nil
		}
	}
	q.mailboxes.Purge()
	q.total = 0
	return nil
}
