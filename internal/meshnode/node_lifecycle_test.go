package meshnode

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/BIT1028/imotos-network/pkg/meshnode"
)

// TestNode_StartStopClose tests the lifecycle methods
func TestNode_StartStopClose(t *testing.T) {
	node, err := NewNode(NewConfig())
	if err != nil {
		t.Fatalf("Expected no error creating node, got %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	// Test Start
	if err := node.Start(ctx); err != nil {
		t.Fatalf("Expected no error starting node, got %v", err)
	}

	node.mu.RLock()
	started, closed := node.started, node.closed
	node.mu.RUnlock()
	if !started {
		t.Error("Expected node to be started after Start()")
	}
	if closed {
		t.Error("Expected node to not be closed after Start()")
	}

	// Test idempotent Start
	if err := node.Start(ctx); err != nil {
		t.Errorf("Expected no error from idempotent Start(), got %v", err)
	}

	// Test Stop
	if err := node.Stop(ctx); err != nil {
		t.Fatalf("Expected no error stopping node, got %v", err)
	}

	node.mu.RLock()
	started, closed = node.started, node.closed
	node.mu.RUnlock()
	if started {
		t.Error("Expected node to not be started after Stop()")
	}
	if closed {
		t.Error("Expected node to not be closed after Stop() (should still be closeable)")
	}

	// Test idempotent Stop
	if err := node.Stop(ctx); err != nil {
		t.Errorf("Expected no error from idempotent Stop(), got %v", err)
	}

	// A stopped node can be started again
	if err := node.Start(ctx); err != nil {
		t.Fatalf("Expected no error restarting node, got %v", err)
	}

	// Test Close
	if err := node.Close(); err != nil {
		t.Fatalf("Expected no error closing node, got %v", err)
	}

	node.mu.RLock()
	started, closed = node.started, node.closed
	node.mu.RUnlock()
	if started {
		t.Error("Expected node to not be started after Close()")
	}
	if !closed {
		t.Error("Expected node to be closed after Close()")
	}

	// Test idempotent Close
	if err := node.Close(); err != nil {
		t.Errorf("Expected no error from idempotent Close(), got %v", err)
	}

	// Cannot start a closed node
	if err := node.Start(ctx); err == nil {
		t.Error("Expected error starting closed node")
	}
}

// TestNode_OperationsRequireRunning tests that operations are refused
// before Start and after Close
func TestNode_OperationsRequireRunning(t *testing.T) {
	node, err := NewNode(NewConfig())
	if err != nil {
		t.Fatalf("Expected no error creating node, got %v", err)
	}
	ctx := context.Background()
	conn := NewChannelConn(42, 8)

	if _, err := node.IssueChallenge(ctx, 42); !errors.Is(err, ErrNotStarted) {
		t.Errorf("Expected ErrNotStarted from IssueChallenge, got %v", err)
	}
	if _, err := node.Register(ctx, conn, meshnode.RegisterRequest{NodeID: 42, DisplayName: "Echo"}); !errors.Is(err, ErrNotStarted) {
		t.Errorf("Expected ErrNotStarted from Register, got %v", err)
	}

	if err := node.Close(); err != nil {
		t.Fatalf("Expected no error closing node, got %v", err)
	}

	if err := node.Heartbeat(ctx, 42); !errors.Is(err, ErrClosed) {
		t.Errorf("Expected ErrClosed from Heartbeat, got %v", err)
	}
	if _, err := node.DrainOffline(ctx, 42); !errors.Is(err, ErrClosed) {
		t.Errorf("Expected ErrClosed from DrainOffline, got %v", err)
	}
}

// TestNode_NilConfig tests constructor validation
func TestNode_NilConfig(t *testing.T) {
	if _, err := NewNode(nil); err == nil {
		t.Error("Expected error for nil config")
	}

	config := NewConfig()
	config.WelcomePriority = 11
	if _, err := NewNode(config); !errors.Is(err, ErrInvalidWelcomePriority) {
		t.Errorf("Expected ErrInvalidWelcomePriority, got %v", err)
	}
}

func TestNode_GetHealth(t *testing.T) {
	node, err := NewNode(NewConfig())
	if err != nil {
		t.Fatalf("Expected no error creating node, got %v", err)
	}
	defer node.Close()
	ctx := context.Background()

	health, err := node.GetHealth(ctx)
	if err != nil {
		t.Fatalf("Expected no error from GetHealth, got %v", err)
	}
	if health.Healthy || health.Message != "not started" {
		t.Errorf("Expected unhealthy before start, got %+v", health)
	}

	if err := node.Start(ctx); err != nil {
		t.Fatalf("Expected no error starting node, got %v", err)
	}
	health, _ = node.GetHealth(ctx)
	if !health.Healthy || !health.Running {
		t.Errorf("Expected healthy running node, got %+v", health)
	}
	if health.Difficulty != 4 {
		t.Errorf("Expected default difficulty 4, got %d", health.Difficulty)
	}
}
