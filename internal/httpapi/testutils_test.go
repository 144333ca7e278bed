package httpapi

import (
	"context"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/BIT1028/imotos-network/internal/admission"
	"github.com/BIT1028/imotos-network/internal/identity"
	"github.com/BIT1028/imotos-network/internal/meshnode"
	"github.com/BIT1028/imotos-network/internal/metrics"
	"github.com/BIT1028/imotos-network/internal/nodelink"
	"github.com/BIT1028/imotos-network/pkg/brainwave"
)

// TestServerSetup holds common test dependencies
type TestServerSetup struct {
	Node     *meshnode.Node
	Server   *Server
	Auth     *identity.Authenticator
	Links    *nodelink.Handler
	HTTP     *httptest.Server
	Registry *prometheus.Registry
}

// NewTestServerSetup creates a started mesh node behind an HTTP test server
func NewTestServerSetup(t *testing.T) *TestServerSetup {
	t.Helper()

	registry := prometheus.NewRegistry()
	m := metrics.New(registry)

	config := meshnode.NewConfig().
		WithAdmissionConfig(admission.Config{Difficulty: 1}).
		WithHousekeepingInterval(time.Hour)
	node, err := meshnode.NewNode(config, meshnode.WithMetrics(m))
	if err != nil {
		t.Fatalf("Failed to create mesh node: %v", err)
	}
	if err := node.Start(context.Background()); err != nil {
		t.Fatalf("Failed to start mesh node: %v", err)
	}

	auth, err := identity.NewAuthenticator("test-secret-key")
	if err != nil {
		t.Fatalf("Failed to create authenticator: %v", err)
	}

	links, err := nodelink.NewHandler(node, &nodelink.Config{ListenAddress: "unused"}, nodelink.WithMetrics(m))
	if err != nil {
		t.Fatalf("Failed to create link handler: %v", err)
	}

	server := NewServer(node, auth, links, Config{DevTokens: true}, WithGatherer(registry))
	httpServer := httptest.NewServer(server.Handler())

	setup := &TestServerSetup{
		Node:     node,
		Server:   server,
		Auth:     auth,
		Links:    links,
		HTTP:     httpServer,
		Registry: registry,
	}
	t.Cleanup(setup.Close)
	return setup
}

// Close cleans up test resources
func (setup *TestServerSetup) Close() {
	setup.Server.cancel()
	setup.HTTP.Close()
	_ = setup.Links.Close()
	_ = setup.Node.Close()
}

// GenerateTestToken creates a JWT token for testing
func (setup *TestServerSetup) GenerateTestToken(t *testing.T, nodeID uint32, name string) string {
	t.Helper()

	token, _, err := setup.Auth.Issue(nodeID, name)
	if err != nil {
		t.Fatalf("Failed to generate test token: %v", err)
	}
	return token
}

// AdminToken returns a token for the control node
func (setup *TestServerSetup) AdminToken(t *testing.T) string {
	return setup.GenerateTestToken(t, brainwave.ControlNodeID, "Control")
}
