package brainwave

import (
	"fmt"
	"slices"
	"time"
)

const (
	// ControlNodeID is the node that holds admin rights and signs system notices.
	ControlNodeID uint32 = 1
	// ControlNodeName is the sender name used on synthesized system notices.
	ControlNodeName = "SYSTEM"
	// BasicCommunication is granted to every freshly registered node.
	BasicCommunication = "BASIC_COMMUNICATION"
)

// Node is a registry record for one participant.
type Node struct {
	ID                 uint32    `json:"nodeId" cbor:"nodeId"`
	DisplayName        string    `json:"displayName" cbor:"displayName"`
	ConnectionStrength int       `json:"connectionStrength" cbor:"connectionStrength"`
	LastActiveAt       time.Time `json:"lastActiveAt" cbor:"lastActiveAt"`
	Location           string    `json:"location" cbor:"location"`
	Capabilities       []string  `json:"capabilities" cbor:"capabilities"`
	IsAdmin            bool      `json:"isAdmin" cbor:"isAdmin"`
}

// HasCapability reports whether the node was granted capability c.
func (n *Node) HasCapability(c string) bool {
	return slices.Contains(n.Capabilities, c)
}

// Clone returns a deep copy of the node record.
func (n Node) Clone() Node {
	n.Capabilities = slices.Clone(n.Capabilities)
	return n
}

// SystemStatus is the operator-controlled health flag of the network.
type SystemStatus string

const (
	StatusOnline      SystemStatus = "ONLINE"
	StatusDegraded    SystemStatus = "DEGRADED"
	StatusMaintenance SystemStatus = "MAINTENANCE"
	StatusEmergency   SystemStatus = "EMERGENCY"
)

// ParseSystemStatus validates s against the known statuses.
func ParseSystemStatus(s string) (SystemStatus, error) {
	switch st := SystemStatus(s); st {
	case StatusOnline, StatusDegraded, StatusMaintenance, StatusEmergency:
		return st, nil
	}
	return "", Validationf("unknown system status %q", s)
}

// NetworkState is the aggregate snapshot sent to nodes.
type NetworkState struct {
	ActiveCount       int          `json:"activeCount" cbor:"activeCount"`
	SystemStatus      SystemStatus `json:"systemStatus" cbor:"systemStatus"`
	NetworkLoad       int          `json:"networkLoad" cbor:"networkLoad"`
	LastSyncTimestamp int64        `json:"lastSyncTimestamp" cbor:"lastSyncTimestamp"`
}

// Challenge is a proof-of-work puzzle handed to a node before registration.
type Challenge struct {
	NodeID     uint32    `json:"nodeId" cbor:"nodeId"`
	Token      string    `json:"challenge" cbor:"challenge"`
	Difficulty int       `json:"difficulty" cbor:"difficulty"`
	IssuedAt   time.Time `json:"issuedAt" cbor:"issuedAt"`
	ExpiresAt  time.Time `json:"expiresAt" cbor:"expiresAt"`
}

// Outcome is the terminal state of a routed message.
type Outcome string

const (
	OutcomeDelivered Outcome = "DELIVERED"
	OutcomeQueued    Outcome = "QUEUED"
	OutcomeRejected  Outcome = "REJECTED"
)

func (o Outcome) String() string { return string(o) }

// Label is a stable lowercase form for metrics.
func (o Outcome) Label() string {
	switch o {
	case OutcomeDelivered:
		return "delivered"
	case OutcomeQueued:
		return "queued"
	case OutcomeRejected:
		return "rejected"
	}
	return fmt.Sprintf("unknown_%s", string(o))
}
