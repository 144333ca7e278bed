package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"

	"github.com/BIT1028/imotos-network/pkg/brainwave"
)

// HTTPClient talks to the HTTP API
type HTTPClient struct {
	config     Config
	httpClient *http.Client
	token      string
	baseURL    *url.URL
}

// NewHTTPClient creates a new HTTP API client
func NewHTTPClient(config Config) (*HTTPClient, error) {
	config.SetDefaults()

	if config.ServerURL == "" {
		return nil, fmt.Errorf("ServerURL is required")
	}

	baseURL, err := url.Parse(config.ServerURL)
	if err != nil {
		return nil, fmt.Errorf("invalid ServerURL: %w", err)
	}

	return &HTTPClient{
		config:     config,
		httpClient: &http.Client{Timeout: config.Timeout},
		token:      config.Token,
		baseURL:    baseURL,
	}, nil
}

// IssueToken obtains a development token for nodeID and stores it
func (c *HTTPClient) IssueToken(ctx context.Context, nodeID uint32, displayName string) (*TokenResponse, error) {
	req := TokenRequest{NodeID: nodeID, DisplayName: displayName}

	var resp TokenResponse
	if err := c.doRequest(ctx, http.MethodPost, "/api/v1/auth/token", req, &resp, false); err != nil {
		return nil, fmt.Errorf("token request failed: %w", err)
	}

	c.token = resp.Token
	return &resp, nil
}

// GetHealth retrieves the server health status
func (c *HTTPClient) GetHealth(ctx context.Context) (*HealthResponse, error) {
	var resp HealthResponse
	if err := c.doRequest(ctx, http.MethodGet, "/api/v1/health", nil, &resp, false); err != nil {
		return nil, fmt.Errorf("failed to get health: %w", err)
	}
	return &resp, nil
}

// NetworkState retrieves the current network state
func (c *HTTPClient) NetworkState(ctx context.Context) (*brainwave.NetworkState, error) {
	var resp brainwave.NetworkState
	if err := c.doRequest(ctx, http.MethodGet, "/api/v1/network", nil, &resp, true); err != nil {
		return nil, fmt.Errorf("failed to get network state: %w", err)
	}
	return &resp, nil
}

// LocationMembers lists the nodes sharing a location
func (c *HTTPClient) LocationMembers(ctx context.Context, location string) (*LocationResponse, error) {
	var resp LocationResponse
	path := "/api/v1/network/locations/" + url.PathEscape(location)
	if err := c.doRequest(ctx, http.MethodGet, path, nil, &resp, true); err != nil {
		return nil, fmt.Errorf("failed to list location members: %w", err)
	}
	return &resp, nil
}

// RequestChallenge asks for a proof-of-work puzzle for the token's node
func (c *HTTPClient) RequestChallenge(ctx context.Context) (*brainwave.Challenge, error) {
	var resp brainwave.Challenge
	if err := c.doRequest(ctx, http.MethodPost, "/api/v1/challenge", nil, &resp, true); err != nil {
		return nil, fmt.Errorf("failed to request challenge: %w", err)
	}
	return &resp, nil
}

// AdminListNodes lists every registered node (admin only)
func (c *HTTPClient) AdminListNodes(ctx context.Context) (*NodesResponse, error) {
	var resp NodesResponse
	if err := c.doRequest(ctx, http.MethodGet, "/api/v1/admin/nodes", nil, &resp, true); err != nil {
		return nil, fmt.Errorf("failed to list nodes: %w", err)
	}
	return &resp, nil
}

// AdminSetStatus changes the operator status (admin only)
func (c *HTTPClient) AdminSetStatus(ctx context.Context, status brainwave.SystemStatus) (*brainwave.NetworkState, error) {
	var resp brainwave.NetworkState
	if err := c.doRequest(ctx, http.MethodPost, "/api/v1/admin/status", StatusRequest{SystemStatus: status}, &resp, true); err != nil {
		return nil, fmt.Errorf("failed to set status: %w", err)
	}
	return &resp, nil
}

// AdminSetDifficulty changes the proof-of-work difficulty (admin only)
func (c *HTTPClient) AdminSetDifficulty(ctx context.Context, difficulty int) (*DifficultyResponse, error) {
	var resp DifficultyResponse
	if err := c.doRequest(ctx, http.MethodPost, "/api/v1/admin/difficulty", DifficultyRequest{Difficulty: difficulty}, &resp, true); err != nil {
		return nil, fmt.Errorf("failed to set difficulty: %w", err)
	}
	return &resp, nil
}

// AdminSendNotice broadcasts a system notice (admin only)
func (c *HTTPClient) AdminSendNotice(ctx context.Context, content string, priority uint8) (*NoticeResponse, error) {
	var resp NoticeResponse
	if err := c.doRequest(ctx, http.MethodPost, "/api/v1/admin/notice", NoticeRequest{Content: content, Priority: priority}, &resp, true); err != nil {
		return nil, fmt.Errorf("failed to send notice: %w", err)
	}
	return &resp, nil
}

// doRequest performs an HTTP request with optional authentication
func (c *HTTPClient) doRequest(ctx context.Context, method, path string, reqBody interface{}, respBody interface{}, requireAuth bool) error {
	if requireAuth && c.token == "" {
		return fmt.Errorf("client not authenticated - call IssueToken() or SetToken() first")
	}

	ref, err := url.Parse(path)
	if err != nil {
		return fmt.Errorf("invalid path %q: %w", path, err)
	}
	fullURL := c.baseURL.ResolveReference(ref)

	var bodyReader io.Reader
	if reqBody != nil {
		jsonBody, err := json.Marshal(reqBody)
		if err != nil {
			return fmt.Errorf("failed to marshal request body: %w", err)
		}
		bodyReader = bytes.NewBuffer(jsonBody)
	}

	req, err := http.NewRequestWithContext(ctx, method, fullURL.String(), bodyReader)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	if reqBody != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if requireAuth {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	bodyBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response body: %w", err)
	}

	if resp.StatusCode >= 400 {
		var errResp ErrorResponse
		if err := json.Unmarshal(bodyBytes, &errResp); err != nil {
			return fmt.Errorf("API error (%d): %s", resp.StatusCode, string(bodyBytes))
		}
		return fmt.Errorf("API error (%d): %s - %s", resp.StatusCode, resp.Status, errResp.Message)
	}

	if respBody != nil {
		if err := json.Unmarshal(bodyBytes, respBody); err != nil {
			return fmt.Errorf("failed to parse response: %w", err)
		}
	}

	return nil
}

// IsAuthenticated returns whether the client has a token
func (c *HTTPClient) IsAuthenticated() bool {
	return c.token != ""
}

// GetToken returns the current token
func (c *HTTPClient) GetToken() string {
	return c.token
}

// SetToken sets the token (useful for testing or token reuse)
func (c *HTTPClient) SetToken(token string) {
	c.token = token
}

// WebSocketURL returns the URL of the WebSocket node link.
func (c *HTTPClient) WebSocketURL() string {
	u := c.baseURL.ResolveReference(&url.URL{Path: "/api/v1/ws"})
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	return u.String()
}
