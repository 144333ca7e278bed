package main

import (
	"bytes"
	"context"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BIT1028/imotos-network/internal/admission"
	"github.com/BIT1028/imotos-network/internal/httpapi"
	"github.com/BIT1028/imotos-network/internal/identity"
	"github.com/BIT1028/imotos-network/internal/meshnode"
	"github.com/BIT1028/imotos-network/internal/nodelink"
	"github.com/BIT1028/imotos-network/pkg/brainwave"
)

type testServer struct {
	node     *meshnode.Node
	auth     *identity.Authenticator
	httpURL  string
	linkAddr string
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()

	config := meshnode.NewConfig().
		WithAdmissionConfig(admission.Config{Difficulty: 1}).
		WithHousekeepingInterval(time.Hour)
	node, err := meshnode.NewNode(config)
	require.NoError(t, err)
	require.NoError(t, node.Start(context.Background()))

	auth, err := identity.NewAuthenticator("cli-secret")
	require.NoError(t, err)

	linkConfig := &nodelink.Config{ListenAddress: "127.0.0.1:0"}
	links, err := nodelink.NewHandler(node, linkConfig)
	require.NoError(t, err)
	linkServer, err := nodelink.NewServer(linkConfig, links, auth)
	require.NoError(t, err)
	require.NoError(t, linkServer.Start(context.Background()))

	api := httpapi.NewServer(node, auth, links, httpapi.Config{DevTokens: true})
	httpServer := httptest.NewServer(api.Handler())

	t.Cleanup(func() {
		httpServer.Close()
		_ = linkServer.Close()
		_ = links.Close()
		_ = node.Close()
	})

	return &testServer{node: node, auth: auth, httpURL: httpServer.URL, linkAddr: linkServer.Addr()}
}

func (s *testServer) token(t *testing.T, id uint32, name string) string {
	t.Helper()
	token, _, err := s.auth.Issue(id, name)
	require.NoError(t, err)
	return token
}

// run executes the CLI with the global flags pointing at s
func (s *testServer) run(t *testing.T, token string, args ...string) (string, error) {
	t.Helper()

	var out bytes.Buffer
	cmd := newRootCommand()
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(append([]string{
		"--server", s.httpURL,
		"--link", s.linkAddr,
		"--token", token,
		"--timeout", "5s",
		"--transport", "grpc",
	}, args...))

	err := cmd.Execute()
	return out.String(), err
}

func TestCLI_Token(t *testing.T) {
	s := newTestServer(t)

	out, err := s.run(t, "", "token", "--node-id", "42", "--name", "Echo")
	require.NoError(t, err)
	assert.Contains(t, out, "Token for node 42")
	assert.Contains(t, out, "export IMOTOS_TOKEN=")

	_, err = s.run(t, "", "token")
	assert.Error(t, err, "node-id is required")
}

func TestCLI_Solve(t *testing.T) {
	s := newTestServer(t)

	out, err := s.run(t, "", "solve", "--challenge", "abc123", "--difficulty", "1")
	require.NoError(t, err)
	assert.Contains(t, out, "nonce:")

	out, err = s.run(t, s.token(t, 42, "Echo"), "solve")
	require.NoError(t, err)
	assert.Contains(t, out, "Challenge for node 42")
	assert.Contains(t, out, "difficulty: 1")

	_, err = s.run(t, "", "solve")
	assert.Error(t, err)
}

func TestCLI_SendAndInbox(t *testing.T) {
	s := newTestServer(t)

	out, err := s.run(t, s.token(t, 42, "Echo"), "send", "--to", "99", "--content", "ping")
	require.NoError(t, err)
	assert.Contains(t, out, "Joined as node 42")
	assert.Contains(t, out, string(brainwave.OutcomeQueued))

	out, err = s.run(t, s.token(t, 99, "Late"), "--transport", "ws", "inbox")
	require.NoError(t, err)
	assert.Contains(t, out, "1 queued message(s)")
	assert.Contains(t, out, `from 42 "Echo"`)
	assert.Contains(t, out, "ping")

	out, err = s.run(t, s.token(t, 99, "Late"), "inbox")
	require.NoError(t, err)
	assert.Contains(t, out, "0 queued message(s)")
}

func TestCLI_SendRejected(t *testing.T) {
	s := newTestServer(t)

	_, err := s.run(t, s.token(t, 42, "Echo"), "send", "--type", "telepathy", "--content", "x")
	assert.Error(t, err)

	_, err = s.run(t, s.token(t, 42, "Echo"), "send", "--content", "x", "--transport", "pigeon")
	assert.Error(t, err)

	_, err = s.run(t, "", "send", "--content", "x")
	assert.Error(t, err)
}

func TestCLI_StateAndAdmin(t *testing.T) {
	s := newTestServer(t)

	out, err := s.run(t, s.token(t, 42, "Echo"), "state", "--location", "Lab")
	require.NoError(t, err)
	assert.Contains(t, out, "Status:     ONLINE")
	assert.Contains(t, out, "Nodes in Lab")

	_, err = s.run(t, s.token(t, 42, "Echo"), "admin", "nodes")
	assert.Error(t, err, "regular nodes are not admins")

	admin := s.token(t, brainwave.ControlNodeID, "Control")
	out, err = s.run(t, admin, "admin", "status", "MAINTENANCE")
	require.NoError(t, err)
	assert.Contains(t, out, "MAINTENANCE")

	out, err = s.run(t, admin, "admin", "difficulty", "2")
	require.NoError(t, err)
	assert.Contains(t, out, "Difficulty is now 2")

	out, err = s.run(t, admin, "admin", "notice", "hello everyone")
	require.NoError(t, err)
	assert.Contains(t, out, "Notice")

	out, err = s.run(t, admin, "admin", "nodes")
	require.NoError(t, err)
	assert.Contains(t, out, "0 node(s)")
}
