package meshnode

import (
	"context"
	"io"

	"github.com/BIT1028/imotos-network/pkg/brainwave"
	"github.com/BIT1028/imotos-network/pkg/presence"
)

// RegisterRequest is what a node sends after solving its challenge.
type RegisterRequest struct {
	NodeID      uint32 `json:"nodeId" cbor:"nodeId"`
	DisplayName string `json:"displayName" cbor:"displayName"`
	Location    string `json:"location,omitempty" cbor:"location,omitempty"`
	// Nonce is the proof-of-work solution for the outstanding challenge.
	Nonce string `json:"nonce" cbor:"nonce"`
}

// MeshNode is the server core. It orchestrates the admission gate, the
// presence registry, the offline queue and the message router, and is
// driven by one transport session per connected node.
type MeshNode interface {
	io.Closer

	// Start launches the housekeeping tick and the presence fan-out.
	Start(ctx context.Context) error

	// Stop halts the background loops and waits for them to exit.
	Stop(ctx context.Context) error

	// IssueChallenge hands out a proof-of-work puzzle for nodeID.
	IssueChallenge(ctx context.Context, nodeID uint32) (brainwave.Challenge, error)

	// Register admits a node whose proof is valid, records it and binds
	// conn as its connection. The node receives a welcome notice and the
	// current network state; everyone else is told it joined.
	Register(ctx context.Context, conn presence.Conn, req RegisterRequest) (brainwave.Node, error)

	// HandleMessage routes msg sent by nodeID over conn. Rejections are
	// reported to conn and returned.
	HandleMessage(ctx context.Context, nodeID uint32, conn presence.Conn, msg brainwave.Message) (brainwave.Message, brainwave.Outcome, error)

	// UpdateStatus changes a node's strength and capabilities. Unknown
	// nodes are a no-op returning the zero Node.
	UpdateStatus(ctx context.Context, nodeID uint32, update presence.StatusUpdate) (brainwave.Node, error)

	// Heartbeat refreshes a node's liveness. Unknown nodes are a no-op.
	Heartbeat(ctx context.Context, nodeID uint32) error

	// DrainOffline delivers every queued DIRECT message for nodeID to its
	// connection and returns how many were delivered.
	DrainOffline(ctx context.Context, nodeID uint32) (int, error)

	// Disconnect removes nodeID if conn is still its connection.
	Disconnect(nodeID uint32, conn presence.Conn)

	// State returns the current network state.
	State(ctx context.Context) brainwave.NetworkState

	// Nodes returns every registered node ordered by id.
	Nodes(ctx context.Context) []brainwave.Node

	// NodesInLocation returns the nodes sharing a location.
	NodesInLocation(ctx context.Context, location string) []brainwave.Node

	// SetSystemStatus changes the operator status and broadcasts the new state.
	SetSystemStatus(ctx context.Context, status brainwave.SystemStatus) error

	// SetDifficulty changes the proof-of-work difficulty for new challenges.
	SetDifficulty(ctx context.Context, difficulty int) error

	// SendSystemNotice broadcasts a SYSTEM message from the control node.
	SendSystemNotice(ctx context.Context, content string, priority uint8) (brainwave.Message, error)

	// GetHealth returns the overall health status of this node.
	GetHealth(ctx context.Context) (HealthStatus, error)
}

// HealthStatus represents the overall health of the server core.
type HealthStatus struct {
	// Healthy indicates the node is started and not closed.
	Healthy bool `json:"healthy"`

	// Running reports whether the background loops are active.
	Running bool `json:"running"`

	// ActiveNodes is the number of registered nodes.
	ActiveNodes int `json:"activeNodes"`

	// ConnectedNodes is the number of registered nodes with a live connection.
	ConnectedNodes int `json:"connectedNodes"`

	// OfflineMessages is the number of DIRECT messages waiting for delivery.
	OfflineMessages int `json:"offlineMessages"`

	// PendingChallenges is the number of unredeemed challenges.
	PendingChallenges int `json:"pendingChallenges"`

	// Difficulty is the current proof-of-work difficulty.
	Difficulty int `json:"difficulty"`

	// SystemStatus is the operator status flag.
	SystemStatus brainwave.SystemStatus `json:"systemStatus"`

	// Message provides additional health information.
	Message string `json:"message"`
}
