package httpapi

import (
	"time"

	"github.com/BIT1028/imotos-network/pkg/brainwave"
)

// Request/Response types for the HTTP API

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
	SystemStatus string `json:"systemStatus"`
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

// ErrorResponse represents an error response
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
	Code    int    `json:"code"`
}
