package presence

import (
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BIT1028/imotos-network/pkg/brainwave"
	"github.com/BIT1028/imotos-network/pkg/presence"
)

// recordingConn is a presence.Conn that keeps every event it accepts.
type recordingConn struct {
	mu     sync.Mutex
	events []brainwave.Event
	refuse bool
}

func (c *recordingConn) Deliver(ev brainwave.Event) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.refuse {
		return false
	}
	c.events = append(c.events, ev)
	return true
}

func (c *recordingConn) received() []brainwave.Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]brainwave.Event(nil), c.events...)
}

func newTestRegistry(t *testing.T, cfg Config) (*InMemoryRegistry, *clock.Mock) {
	t.Helper()
	mock := clock.NewMock()
	mock.Set(time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC))
	r, err := NewInMemoryRegistry(cfg, WithClock(mock))
	require.NoError(t, err)
	t.Cleanup(func() { _ = r.Close() })
	return r, mock
}

func TestRegisterOrUpdate_Fresh(t *testing.T) {
	r, mock := newTestRegistry(t, Config{})

	node, fresh, err := r.RegisterOrUpdate(42, "Echo", "")
	require.NoError(t, err)

	assert.True(t, fresh)
	assert.Equal(t, uint32(42), node.ID)
	assert.Equal(t, "Echo", node.DisplayName)
	assert.Equal(t, DefaultLocation, node.Location)
	assert.Equal(t, []string{brainwave.BasicCommunication}, node.Capabilities)
	assert.Equal(t, mock.Now(), node.LastActiveAt)
	assert.False(t, node.IsAdmin)
	assert.GreaterOrEqual(t, node.ConnectionStrength, 85)
	assert.Less(t, node.ConnectionStrength, 100)
}

func TestRegisterOrUpdate_AdminIsNodeOne(t *testing.T) {
	r, _ := newTestRegistry(t, Config{})

	admin, _, err := r.RegisterOrUpdate(1, "Control", "core")
	require.NoError(t, err)
	assert.True(t, admin.IsAdmin)

	other, _, err := r.RegisterOrUpdate(2, "Other", "core")
	require.NoError(t, err)
	assert.False(t, other.IsAdmin)
}

func TestRegisterOrUpdate_Validation(t *testing.T) {
	r, _ := newTestRegistry(t, Config{})

	_, _, err := r.RegisterOrUpdate(0, "x", "")
	assert.True(t, errors.Is(err, brainwave.ErrValidation))

	_, _, err = r.RegisterOrUpdate(3, "   ", "")
	assert.True(t, errors.Is(err, brainwave.ErrValidation))

	assert.Equal(t, 0, r.ActiveCount(), "failed registrations do not mutate")
}

func TestRegisterOrUpdate_ReRegistrationKeepsState(t *testing.T) {
	strength := 90
	mock := clock.NewMock()
	r, err := NewInMemoryRegistry(Config{}, WithClock(mock), WithStrengthSource(func() int { return strength }))
	require.NoError(t, err)
	defer r.Close()

	_, _, err = r.RegisterOrUpdate(5, "Five", "lab")
	require.NoError(t, err)
	_, ok := r.UpdateStatus(5, presence.StatusUpdate{Capabilities: []string{"TELEPATHY"}})
	require.True(t, ok)

	strength = 86
	mock.Add(time.Second)
	node, fresh, err := r.RegisterOrUpdate(5, "Five renamed", "")
	require.NoError(t, err)

	assert.False(t, fresh)
	assert.Equal(t, "Five renamed", node.DisplayName)
	assert.Equal(t, "lab", node.Location, "empty location keeps the old one")
	assert.Equal(t, 90, node.ConnectionStrength)
	assert.Equal(t, []string{brainwave.BasicCommunication, "TELEPATHY"}, node.Capabilities)
	assert.Equal(t, mock.Now(), node.LastActiveAt)
	assert.Equal(t, 1, r.ActiveCount(), "at most one record per node id")
}

func TestLastActiveAt_NeverDecreases(t *testing.T) {
	r, mock := newTestRegistry(t, Config{})

	_, _, err := r.RegisterOrUpdate(5, "Five", "")
	require.NoError(t, err)
	mock.Add(time.Minute)
	require.True(t, r.Touch(5))
	later, _ := r.Get(5)

	mock.Set(mock.Now().Add(-30 * time.Second))
	require.True(t, r.Touch(5))
	_, _, err = r.RegisterOrUpdate(5, "Five", "")
	require.NoError(t, err)

	node, _ := r.Get(5)
	assert.Equal(t, later.LastActiveAt, node.LastActiveAt)
}

func TestTouch_Unknown(t *testing.T) {
	r, _ := newTestRegistry(t, Config{})
	assert.False(t, r.Touch(404))
}

func TestUpdateStatus(t *testing.T) {
	r, _ := newTestRegistry(t, Config{})
	_, _, err := r.RegisterOrUpdate(5, "Five", "")
	require.NoError(t, err)

	t.Run("capabilities union", func(t *testing.T) {
		node, ok := r.UpdateStatus(5, presence.StatusUpdate{Capabilities: []string{"A", "B", "A", brainwave.BasicCommunication}})
		require.True(t, ok)
		assert.Equal(t, []string{brainwave.BasicCommunication, "A", "B"}, node.Capabilities)

		node, ok = r.UpdateStatus(5, presence.StatusUpdate{Capabilities: []string{"C"}})
		require.True(t, ok)
		assert.Equal(t, []string{brainwave.BasicCommunication, "A", "B", "C"}, node.Capabilities)
	})

	t.Run("strength clamped", func(t *testing.T) {
		high, low := 150, -3
		node, _ := r.UpdateStatus(5, presence.StatusUpdate{ConnectionStrength: &high})
		assert.Equal(t, 100, node.ConnectionStrength)
		node, _ = r.UpdateStatus(5, presence.StatusUpdate{ConnectionStrength: &low})
		assert.Equal(t, 0, node.ConnectionStrength)
	})

	t.Run("unknown node is a silent no-op", func(t *testing.T) {
		_, ok := r.UpdateStatus(77, presence.StatusUpdate{Capabilities: []string{"X"}})
		assert.False(t, ok)
		assert.Equal(t, 1, r.ActiveCount())
	})
}

func TestRemove_Idempotent(t *testing.T) {
	r, _ := newTestRegistry(t, Config{})
	_, _, err := r.RegisterOrUpdate(5, "Five", "")
	require.NoError(t, err)
	conn := &recordingConn{}
	_, err = r.Bind(5, conn)
	require.NoError(t, err)

	assert.True(t, r.Remove(5))
	assert.False(t, r.Remove(5))
	assert.False(t, r.Connected(5))
	assert.False(t, r.Deliver(5, brainwave.Event{Kind: brainwave.EventNetworkState}))
	assert.Empty(t, conn.received(), "no delivery after removal")
}

func TestDetach_OnlyCurrentBinding(t *testing.T) {
	r, _ := newTestRegistry(t, Config{})
	_, _, err := r.RegisterOrUpdate(5, "Five", "")
	require.NoError(t, err)

	old, current := &recordingConn{}, &recordingConn{}
	_, err = r.Bind(5, old)
	require.NoError(t, err)
	prev, err := r.Bind(5, current)
	require.NoError(t, err)
	assert.Same(t, old, prev)

	assert.False(t, r.Detach(5, old), "stale connection cannot evict the node")
	assert.True(t, r.Connected(5))
	assert.True(t, r.Detach(5, current))
	assert.False(t, r.Connected(5))
}

func TestBind_Errors(t *testing.T) {
	r, _ := newTestRegistry(t, Config{})

	_, err := r.Bind(9, &recordingConn{})
	assert.ErrorIs(t, err, ErrUnknownNode)

	_, err = r.Bind(9, nil)
	assert.ErrorIs(t, err, ErrNilConn)
}

func TestSweepInactive(t *testing.T) {
	r, mock := newTestRegistry(t, Config{})

	_, _, err := r.RegisterOrUpdate(1, "old", "")
	require.NoError(t, err)
	_, _, err = r.RegisterOrUpdate(2, "fresh", "")
	require.NoError(t, err)

	mock.Add(4 * time.Minute)
	require.True(t, r.Touch(2))
	mock.Add(90 * time.Second)

	sub, err := r.Subscribe()
	require.NoError(t, err)
	defer sub.Close()

	evicted := r.SweepInactive(mock.Now())
	require.Len(t, evicted, 1)
	assert.Equal(t, uint32(1), evicted[0].ID)

	_, ok := r.Get(1)
	assert.False(t, ok)
	_, ok = r.Get(2)
	assert.True(t, ok)

	change := <-sub.Out()
	assert.Equal(t, brainwave.EventNodeInactive, change.Kind)
	assert.Equal(t, uint32(1), change.Node.ID)
}

func TestSweepInactive_ThresholdIsExclusive(t *testing.T) {
	r, mock := newTestRegistry(t, Config{InactivityThreshold: time.Minute})
	_, _, err := r.RegisterOrUpdate(1, "edge", "")
	require.NoError(t, err)

	mock.Add(time.Minute)
	assert.Empty(t, r.SweepInactive(mock.Now()))
	mock.Add(time.Millisecond)
	assert.Len(t, r.SweepInactive(mock.Now()), 1)
}

func TestNetworkLoad(t *testing.T) {
	r, _ := newTestRegistry(t, Config{Capacity: 3})
	assert.Equal(t, 0, r.NetworkLoad())

	for id := uint32(1); id <= 4; id++ {
		_, _, err := r.RegisterOrUpdate(id, fmt.Sprintf("n%d", id), "")
		require.NoError(t, err)
		switch id {
		case 1:
			assert.Equal(t, 33, r.NetworkLoad())
		case 2:
			assert.Equal(t, 66, r.NetworkLoad())
		case 3:
			assert.Equal(t, 100, r.NetworkLoad())
		case 4:
			assert.Equal(t, 100, r.NetworkLoad(), "load is capped")
		}
	}
}

func TestDeliverOrElse(t *testing.T) {
	r, _ := newTestRegistry(t, Config{})
	_, _, err := r.RegisterOrUpdate(5, "Five", "")
	require.NoError(t, err)
	ev := brainwave.Event{Kind: brainwave.EventBrainwave}

	fallbacks := 0
	assert.False(t, r.DeliverOrElse(5, ev, func() { fallbacks++ }), "registered but not bound")
	assert.False(t, r.DeliverOrElse(404, ev, func() { fallbacks++ }), "never seen")
	assert.Equal(t, 2, fallbacks)

	conn := &recordingConn{}
	_, err = r.Bind(5, conn)
	require.NoError(t, err)
	assert.True(t, r.DeliverOrElse(5, ev, func() { fallbacks++ }))
	assert.Equal(t, 2, fallbacks)
	assert.Len(t, conn.received(), 1)

	conn.refuse = true
	assert.False(t, r.DeliverOrElse(5, ev, func() { fallbacks++ }), "full buffer falls back")
	assert.Equal(t, 3, fallbacks)
}

func TestBroadcast(t *testing.T) {
	r, _ := newTestRegistry(t, Config{})
	conns := map[uint32]*recordingConn{}
	for id := uint32(1); id <= 3; id++ {
		_, _, err := r.RegisterOrUpdate(id, fmt.Sprintf("n%d", id), "")
		require.NoError(t, err)
		conns[id] = &recordingConn{}
		_, err = r.Bind(id, conns[id])
		require.NoError(t, err)
	}
	_, _, err := r.RegisterOrUpdate(4, "unbound", "")
	require.NoError(t, err)

	n := r.Broadcast(brainwave.Event{Kind: brainwave.EventNodeJoined}, 2)
	assert.Equal(t, 2, n)
	assert.Len(t, conns[1].received(), 1)
	assert.Empty(t, conns[2].received())
	assert.Len(t, conns[3].received(), 1)
}

func TestWithConn(t *testing.T) {
	r, _ := newTestRegistry(t, Config{})
	_, _, err := r.RegisterOrUpdate(5, "Five", "")
	require.NoError(t, err)

	called := false
	assert.False(t, r.WithConn(5, func(presence.Conn) { called = true }))
	assert.False(t, called)

	conn := &recordingConn{}
	_, err = r.Bind(5, conn)
	require.NoError(t, err)
	assert.True(t, r.WithConn(5, func(c presence.Conn) {
		called = true
		assert.Same(t, conn, c)
	}))
	assert.True(t, called)
}

func TestNodesInLocationAndSnapshot(t *testing.T) {
	r, _ := newTestRegistry(t, Config{})
	for id, loc := range map[uint32]string{3: "lab", 1: "lab", 2: "field"} {
		_, _, err := r.RegisterOrUpdate(id, fmt.Sprintf("n%d", id), loc)
		require.NoError(t, err)
	}

	lab := r.NodesInLocation("lab")
	require.Len(t, lab, 2)
	assert.Equal(t, uint32(1), lab[0].ID)
	assert.Equal(t, uint32(3), lab[1].ID)

	all := r.Snapshot()
	require.Len(t, all, 3)
	all[0].Capabilities[0] = "mutated"
	node, _ := r.Get(all[0].ID)
	assert.Equal(t, brainwave.BasicCommunication, node.Capabilities[0], "snapshots are copies")
}

func TestSubscribe_MembershipChanges(t *testing.T) {
	r, _ := newTestRegistry(t, Config{})
	sub, err := r.Subscribe()
	require.NoError(t, err)

	_, _, err = r.RegisterOrUpdate(5, "Five", "")
	require.NoError(t, err)
	r.Remove(5)

	joined := <-sub.Out()
	left := <-sub.Out()
	assert.Equal(t, brainwave.EventNodeJoined, joined.Kind)
	assert.Equal(t, brainwave.EventNodeLeft, left.Kind)
	assert.Equal(t, uint32(5), left.Node.ID)

	require.NoError(t, sub.Close())
	_, _, err = r.RegisterOrUpdate(6, "Six", "")
	require.NoError(t, err)
	_, open := <-sub.Out()
	assert.False(t, open, "closed subscriptions receive nothing")
}

func TestRegistry_ConcurrentAccess(t *testing.T) {
	r, _ := newTestRegistry(t, Config{})

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(id uint32) {
			defer wg.Done()
			conn := &recordingConn{}
			for j := 0; j < 50; j++ {
				_, _, _ = r.RegisterOrUpdate(id, "n", "")
				_, _ = r.Bind(id, conn)
				r.Touch(id)
				r.Broadcast(brainwave.Event{Kind: brainwave.EventNetworkState})
				r.Detach(id, conn)
			}
		}(uint32(i + 1))
	}
	wg.Wait()
	assert.Equal(t, 0, r.ActiveCount())
}
