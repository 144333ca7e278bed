package offline

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BIT1028/imotos-network/pkg/brainwave"
)

func newTestQueue(t *testing.T, cfg Config) (*Queue, *clock.Mock) {
	t.Helper()
	mock := clock.NewMock()
	q, err := NewQueue(cfg, WithClock(mock))
	require.NoError(t, err)
	t.Cleanup(func() { _ = q.Close() })
	return q, mock
}

func direct(content string) brainwave.Message {
	return brainwave.Message{
		SenderID:   42,
		SenderName: "Echo",
		ReceiverID: 99,
		Type:       brainwave.Direct,
		Content:    content,
		Priority:   5,
	}
}

func contents(entries []Entry) []string {
	out := make([]string, len(entries))
	for i, e := range entries {
		out[i] = e.Message.Content
	}
	return out
}

func entries(at time.Time, msgs ...string) []Entry {
	out := make([]Entry, len(msgs))
	for i, c := range msgs {
		out[i] = Entry{Message: direct(c), QueuedAt: at}
	}
	return out
}

func TestEnqueueDrain_FIFO(t *testing.T) {
	q, _ := newTestQueue(t, Config{})

	for _, c := range []string{"one", "two", "three"} {
		dropped, err := q.Enqueue(99, direct(c))
		require.NoError(t, err)
		assert.False(t, dropped)
	}
	assert.Equal(t, 3, q.Pending(99))
	assert.Equal(t, 3, q.Len())

	assert.Equal(t, []string{"one", "two", "three"}, contents(q.Drain(99)))
	assert.Empty(t, q.Drain(99), "drain empties the mailbox")
	assert.Equal(t, 0, q.Len())
}

func TestEnqueue_StoresCopy(t *testing.T) {
	q, _ := newTestQueue(t, Config{})

	msg := direct("x")
	msg.Coordinates = &brainwave.Coordinates{X: 1}
	_, err := q.Enqueue(99, msg)
	require.NoError(t, err)
	msg.Coordinates.X = 2

	drained := q.Drain(99)
	require.Len(t, drained, 1)
	assert.Equal(t, 1.0, drained[0].Message.Coordinates.X)
}

func TestEnqueue_DropOldestPerRecipient(t *testing.T) {
	q, _ := newTestQueue(t, Config{MaxPerRecipient: 2})

	_, err := q.Enqueue(99, direct("a"))
	require.NoError(t, err)
	_, err = q.Enqueue(99, direct("b"))
	require.NoError(t, err)
	dropped, err := q.Enqueue(99, direct("c"))
	require.NoError(t, err)

	assert.True(t, dropped)
	assert.Equal(t, int64(1), q.Dropped())
	assert.Equal(t, []string{"b", "c"}, contents(q.Drain(99)))
}

func TestEnqueue_RecipientCapEvictsLeastRecent(t *testing.T) {
	q, _ := newTestQueue(t, Config{MaxRecipients: 2})

	for _, id := range []uint32{1, 2} {
		_, err := q.Enqueue(id, direct(fmt.Sprint(id)))
		require.NoError(t, err)
	}
	// touch 1 so 2 becomes the eviction candidate
	_, err := q.Enqueue(1, direct("again"))
	require.NoError(t, err)
	_, err = q.Enqueue(3, direct("3"))
	require.NoError(t, err)

	assert.Equal(t, 0, q.Pending(2))
	assert.Equal(t, 2, q.Pending(1))
	assert.Equal(t, 1, q.Pending(3))
	assert.Equal(t, 3, q.Len())
	assert.Equal(t, int64(1), q.Dropped())
}

func TestRetention(t *testing.T) {
	q, mock := newTestQueue(t, Config{Retention: time.Hour})

	_, err := q.Enqueue(99, direct("stale"))
	require.NoError(t, err)
	mock.Add(45 * time.Minute)
	_, err = q.Enqueue(99, direct("fresh"))
	require.NoError(t, err)
	mock.Add(30 * time.Minute)

	t.Run("drain skips expired", func(t *testing.T) {
		assert.Equal(t, []string{"fresh"}, contents(q.Drain(99)))
		assert.Equal(t, int64(1), q.Dropped())
		assert.Equal(t, 0, q.Len())
	})

	t.Run("prune removes expired", func(t *testing.T) {
		_, err := q.Enqueue(7, direct("old"))
		require.NoError(t, err)
		_, err = q.Enqueue(8, direct("old"))
		require.NoError(t, err)
		mock.Add(2 * time.Hour)
		_, err = q.Enqueue(8, direct("new"))
		require.NoError(t, err)

		assert.Equal(t, 2, q.Prune())
		assert.Equal(t, 0, q.Pending(7))
		assert.Equal(t, 1, q.Pending(8))
		assert.Equal(t, 1, q.Len())
	})
}

func TestRequeue(t *testing.T) {
	q, mock := newTestQueue(t, Config{MaxPerRecipient: 3})

	_, err := q.Enqueue(99, direct("later"))
	require.NoError(t, err)
	q.Requeue(99, entries(mock.Now(), "first", "second"))

	assert.Equal(t, 3, q.Len())
	assert.Equal(t, []string{"first", "second", "later"}, contents(q.Drain(99)))

	_, err = q.Enqueue(99, direct("tail"))
	require.NoError(t, err)
	q.Requeue(99, entries(mock.Now(), "a", "b", "c"))
	assert.Equal(t, []string{"a", "b", "c"}, contents(q.Drain(99)), "cap trims from the tail")
}

func TestRequeue_KeepsRetentionWindow(t *testing.T) {
	q, mock := newTestQueue(t, Config{Retention: time.Hour})

	_, err := q.Enqueue(99, direct("old"))
	require.NoError(t, err)
	queuedAt := mock.Now()

	mock.Add(50 * time.Minute)
	drained := q.Drain(99)
	require.Len(t, drained, 1)
	assert.Equal(t, queuedAt, drained[0].QueuedAt)
	q.Requeue(99, drained)

	mock.Add(20 * time.Minute)
	assert.Equal(t, 1, q.Prune(), "a requeued message expires an hour after it was first queued")
	assert.Equal(t, 0, q.Pending(99))
}

func TestClose(t *testing.T) {
	q, _ := newTestQueue(t, Config{})
	_, err := q.Enqueue(99, direct("x"))
	require.NoError(t, err)

	require.NoError(t, q.Close())
	require.NoError(t, q.Close())

	_, err = q.Enqueue(99, direct("y"))
	assert.ErrorIs(t, err, ErrClosed)
	assert.Equal(t, 0, q.Len())
	assert.Equal(t, int64(0), q.Dropped(), "closing is not counted as dropping")
}

func TestEnqueue_RejectsZeroRecipient(t *testing.T) {
	q, _ := newTestQueue(t, Config{})
	_, err := q.Enqueue(0, direct("x"))
	assert.ErrorIs(t, err, ErrNoRecipient)
}

func TestQueue_Concurrent(t *testing.T) {
	q, _ := newTestQueue(t, Config{MaxPerRecipient: 1000})

	var wg sync.WaitGroup
	for s := 0; s < 10; s++ {
		wg.Add(1)
		go func(s int) {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				_, err := q.Enqueue(99, direct(fmt.Sprintf("%d-%d", s, i)))
				assert.NoError(t, err)
			}
		}(s)
	}
	wg.Wait()

	assert.Len(t, q.Drain(99), 500)
}
