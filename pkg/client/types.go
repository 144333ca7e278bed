package client

import (
	"time"

	"github.com/BIT1028/imotos-network/pkg/brainwave"
)

// Config holds HTTP client configuration
type Config struct {
	// ServerURL is the base URL of the HTTP API (e.g., "http://localhost:8080")
	ServerURL string

	// Token is a bearer token; IssueToken sets it.
	Token string

	// Timeout for HTTP requests
	Timeout time.Duration
}

// SetDefaults sets reasonable default values for the config
func (c *Config) SetDefaults() {
	if c.Timeout == 0 {
		c.Timeout = 30 * time.Second
	}
}

// TokenRequest asks the development endpoint for a token
type TokenRequest struct {
	NodeID      uint32 `json:"nodeId"`
	DisplayName string `json:"displayName,omitempty"`
}

// TokenResponse carries a signed token
type TokenResponse struct {
	Token     string    `json:"token"`
	NodeID    uint32    `json:"nodeId"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// LocationResponse lists the nodes in one location
type LocationResponse struct {
	Location string           `json:"location"`
	Nodes    []brainwave.Node `json:"nodes"`
}

// NodesResponse is the admin view of every registered node
type NodesResponse struct {
	Nodes []brainwave.Node `json:"nodes"`
}

// StatusRequest changes the operator status
type StatusRequest struct {
	SystemStatus brainwave.SystemStatus `json:"systemStatus"`
}

// DifficultyRequest changes the proof-of-work difficulty
type DifficultyRequest struct {
	Difficulty int `json:"difficulty"`
}

// DifficultyResponse reports the difficulty in force
type DifficultyResponse struct {
	Difficulty int `json:"difficulty"`
}

// NoticeRequest broadcasts a system notice
type NoticeRequest struct {
	Content  string `json:"content"`
	Priority uint8  `json:"priority,omitempty"`
}

// NoticeResponse identifies the broadcast notice
type NoticeResponse struct {
	MessageID string `json:"messageId"`
	Timestamp int64  `json:"timestamp"`
}

// HealthResponse represents health check response
type HealthResponse struct {
	Healthy           bool                   `json:"healthy"`
	Running           bool                   `json:"running"`
	ActiveNodes       int                    `json:"activeNodes"`
	ConnectedNodes    int                    `json:"connectedNodes"`
	OfflineMessages   int                    `json:"offlineMessages"`
	PendingChallenges int                    `json:"pendingChallenges"`
	Difficulty        int                    `json:"difficulty"`
	SystemStatus      brainwave.SystemStatus `json:"systemStatus"`
	Message           string                 `json:"message"`
}

// ErrorResponse represents an error response
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
	Code    int    `json:"code"`
}

// Ack is the server's answer to a sent message.
type Ack struct {
	MessageID string
	Outcome   brainwave.Outcome
}
