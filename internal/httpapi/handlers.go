package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"mime"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"github.com/BIT1028/imotos-network/internal/admission"
	"github.com/BIT1028/imotos-network/internal/identity"
	"github.com/BIT1028/imotos-network/internal/meshnode"
	"github.com/BIT1028/imotos-network/pkg/brainwave"
	meshnodepkg "github.com/BIT1028/imotos-network/pkg/meshnode"
)

// Handlers contains HTTP request handlers
type Handlers struct {
	node   meshnodepkg.MeshNode
	auth   *identity.Authenticator
	logger *zap.Logger
}

// NewHandlers creates a new handlers instance
func NewHandlers(node meshnodepkg.MeshNode, auth *identity.Authenticator, logger *zap.Logger) *Handlers {
	return &Handlers{
		node:   node,
		auth:   auth,
		logger: logger,
	}
}

// Auth endpoints

// IssueToken handles POST /api/v1/auth/token. It signs a token for any
// node id and is only routed when development tokens are enabled.
func (h *Handlers) IssueToken(w http.ResponseWriter, r *http.Request) {
	if err := h.validateJSON(r); err != nil {
		h.writeError(w, err.Error(), http.StatusBadRequest)
		return
	}

	var req TokenRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if req.NodeID == 0 {
		h.writeError(w, "nodeId is required", http.StatusBadRequest)
		return
	}

	token, expiresAt, err := h.auth.Issue(req.NodeID, req.DisplayName)
	if err != nil {
		h.writeError(w, "Failed to generate token", http.StatusInternalServerError)
		return
	}

	h.writeJSON(w, TokenResponse{
		Token:     token,
		NodeID:    req.NodeID,
		ExpiresAt: expiresAt,
	}, http.StatusOK)
}

// Network endpoints

// NetworkState handles GET /api/v1/network
func (h *Handlers) NetworkState(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, h.node.State(r.Context()), http.StatusOK)
}

// LocationMembers handles GET /api/v1/network/locations/{location}
func (h *Handlers) LocationMembers(w http.ResponseWriter, r *http.Request) {
	location := strings.TrimSpace(r.PathValue("location"))
	if location == "" {
		h.writeError(w, "location is required", http.StatusBadRequest)
		return
	}

	h.writeJSON(w, LocationResponse{
		Location: location,
		Nodes:    nonNil(h.node.NodesInLocation(r.Context(), location)),
	}, http.StatusOK)
}

// Challenge handles POST /api/v1/challenge for the token's node
func (h *Handlers) Challenge(w http.ResponseWriter, r *http.Request) {
	claims, ok := identity.FromContext(r.Context())
	if !ok {
		h.writeError(w, "Authentication required", http.StatusUnauthorized)
		return
	}

	challenge, err := h.node.IssueChallenge(r.Context(), claims.NodeID)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	h.writeJSON(w, challenge, http.StatusCreated)
}

// Admin endpoints

// AdminListNodes handles GET /api/v1/admin/nodes
func (h *Handlers) AdminListNodes(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, NodesResponse{Nodes: nonNil(h.node.Nodes(r.Context()))}, http.StatusOK)
}

// AdminSetStatus handles POST /api/v1/admin/status
func (h *Handlers) AdminSetStatus(w http.ResponseWriter, r *http.Request) {
	var req StatusRequest
	if !h.decode(w, r, &req) {
		return
	}

	status, err := brainwave.ParseSystemStatus(req.SystemStatus)
	if err != nil {
		h.writeError(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err := h.node.SetSystemStatus(r.Context(), status); err != nil {
		h.writeDomainError(w, err)
		return
	}

	h.logger.Info("system status changed", zap.String("status", string(status)))
	h.writeJSON(w, h.node.State(r.Context()), http.StatusOK)
}

// AdminSetDifficulty handles POST /api/v1/admin/difficulty
func (h *Handlers) AdminSetDifficulty(w http.ResponseWriter, r *http.Request) {
	var req DifficultyRequest
	if !h.decode(w, r, &req) {
		return
	}

	if err := h.node.SetDifficulty(r.Context(), req.Difficulty); err != nil {
		h.writeDomainError(w, err)
		return
	}

	h.logger.Info("difficulty changed", zap.Int("difficulty", req.Difficulty))
	h.writeJSON(w, DifficultyResponse{Difficulty: req.Difficulty}, http.StatusOK)
}

// AdminSendNotice handles POST /api/v1/admin/notice
func (h *Handlers) AdminSendNotice(w http.ResponseWriter, r *http.Request) {
	var req NoticeRequest
	if !h.decode(w, r, &req) {
		return
	}

	msg, err := h.node.SendSystemNotice(r.Context(), req.Content, req.Priority)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}

	h.writeJSON(w, NoticeResponse{MessageID: msg.ID, Timestamp: msg.Timestamp}, http.StatusCreated)
}

// Health endpoint

// Health handles GET /api/v1/health
func (h *Handlers) Health(w http.ResponseWriter, r *http.Request) {
	health, err := h.node.GetHealth(r.Context())
	if err != nil {
		h.writeError(w, "Failed to get health status", http.StatusInternalServerError)
		return
	}

	statusCode := http.StatusOK
	if !health.Healthy {
		statusCode = http.StatusServiceUnavailable
	}
	h.writeJSON(w, health, statusCode)
}

// Helper methods

// decode validates the content type and parses a JSON body into v.
func (h *Handlers) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := h.validateJSON(r); err != nil {
		h.writeError(w, err.Error(), http.StatusBadRequest)
		return false
	}
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		h.writeError(w, "Invalid request body", http.StatusBadRequest)
		return false
	}
	return true
}

// writeDomainError maps core errors onto HTTP status codes.
func (h *Handlers) writeDomainError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, meshnode.ErrNotStarted), errors.Is(err, meshnode.ErrClosed):
		status = http.StatusServiceUnavailable
	case errors.Is(err, brainwave.ErrValidation), errors.Is(err, brainwave.ErrCrypto):
		status = http.StatusBadRequest
	case errors.Is(err, admission.ErrRateLimited):
		status = http.StatusTooManyRequests
	case errors.Is(err, brainwave.ErrPermission), errors.Is(err, brainwave.ErrAdmission):
		status = http.StatusForbidden
	}
	if status == http.StatusInternalServerError {
		h.logger.Error("request failed", zap.Error(err))
	}
	h.writeError(w, err.Error(), status)
}

// writeError writes an error response as JSON
func (h *Handlers) writeError(w http.ResponseWriter, message string, statusCode int) {
	h.writeJSON(w, ErrorResponse{
		Error:   http.StatusText(statusCode),
		Message: message,
		Code:    statusCode,
	}, statusCode)
}

// writeJSON writes a JSON response
func (h *Handlers) writeJSON(w http.ResponseWriter, data interface{}, statusCode int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.Warn("failed to write response", zap.Error(err))
	}
}

// validateJSON validates that the request has a JSON content type
func (h *Handlers) validateJSON(r *http.Request) error {
	mediaType, _, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if err != nil || mediaType != "application/json" {
		return fmt.Errorf("Content-Type must be application/json")
	}
	return nil
}

func nonNil(nodes []brainwave.Node) []brainwave.Node {
	if nodes == nil {
		return []brainwave.Node{}
	}
	return nodes
}
