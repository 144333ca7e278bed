package httpapi

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BIT1028/imotos-network/internal/admission"
	"github.com/BIT1028/imotos-network/pkg/brainwave"
	"github.com/BIT1028/imotos-network/pkg/client"
	meshnodepkg "github.com/BIT1028/imotos-network/pkg/meshnode"
	"github.com/BIT1028/imotos-network/pkg/nodelink"
)

const waitTimeout = 2 * time.Second

// TestNewServer tests that we can create a new server instance
func TestNewServer(t *testing.T) {
	setup := NewTestServerSetup(t)

	if setup.Server.node == nil {
		t.Error("Expected node to be set")
	}
	if setup.Server.handlers == nil {
		t.Error("Expected handlers to be set")
	}
	if setup.Server.middleware == nil {
		t.Error("Expected middleware to be set")
	}
	if setup.Server.config.Address != ":8080" {
		t.Errorf("Expected default address :8080, got %s", setup.Server.config.Address)
	}
}

func (setup *TestServerSetup) client(t *testing.T) *client.HTTPClient {
	t.Helper()
	c, err := client.NewHTTPClient(client.Config{ServerURL: setup.HTTP.URL})
	require.NoError(t, err)
	return c
}

func TestServer_DevTokens(t *testing.T) {
	setup := NewTestServerSetup(t)
	c := setup.client(t)
	ctx := context.Background()

	resp, err := c.IssueToken(ctx, 42, "Echo")
	require.NoError(t, err)
	assert.Equal(t, uint32(42), resp.NodeID)
	assert.True(t, c.IsAuthenticated())

	claims, err := setup.Auth.Validate(resp.Token)
	require.NoError(t, err)
	assert.Equal(t, uint32(42), claims.NodeID)
	assert.Equal(t, "Echo", claims.DisplayName)

	_, err = c.IssueToken(ctx, 0, "Nobody")
	assert.Error(t, err)
}

func TestServer_DevTokensDisabled(t *testing.T) {
	setup := NewTestServerSetup(t)
	server := NewServer(setup.Node, setup.Auth, setup.Links, Config{})

	w := setup.doWith(t, server.Handler(), "POST", "/api/v1/auth/token", `{"nodeId":42}`)
	if w.Code != http.StatusNotFound {
		t.Errorf("Expected status 404 with dev tokens disabled, got %d", w.Code)
	}
}

func TestServer_Health(t *testing.T) {
	setup := NewTestServerSetup(t)

	health, err := setup.client(t).GetHealth(context.Background())
	require.NoError(t, err)
	assert.True(t, health.Healthy)
	assert.Equal(t, 1, health.Difficulty)
	assert.Zero(t, health.ActiveNodes)
}

func TestServer_NetworkEndpoints(t *testing.T) {
	setup := NewTestServerSetup(t)
	ctx := context.Background()

	c := setup.client(t)
	_, err := c.NetworkState(ctx)
	assert.Error(t, err, "network state requires a token")

	c.SetToken(setup.GenerateTestToken(t, 42, "Echo"))

	state, err := c.NetworkState(ctx)
	require.NoError(t, err)
	assert.Equal(t, brainwave.StatusOnline, state.SystemStatus)
	assert.Zero(t, state.ActiveCount)

	members, err := c.LocationMembers(ctx, "Lab")
	require.NoError(t, err)
	assert.Equal(t, "Lab", members.Location)
	assert.Empty(t, members.Nodes)

	challenge, err := c.RequestChallenge(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint32(42), challenge.NodeID)
	assert.Equal(t, 1, challenge.Difficulty)
	assert.NotEmpty(t, challenge.Token)
}

func TestServer_AdminClient(t *testing.T) {
	setup := NewTestServerSetup(t)
	ctx := context.Background()

	c := setup.client(t)
	c.SetToken(setup.AdminToken(t))

	state, err := c.AdminSetStatus(ctx, brainwave.StatusDegraded)
	require.NoError(t, err)
	assert.Equal(t, brainwave.StatusDegraded, state.SystemStatus)

	difficulty, err := c.AdminSetDifficulty(ctx, 3)
	require.NoError(t, err)
	assert.Equal(t, 3, difficulty.Difficulty)

	notice, err := c.AdminSendNotice(ctx, "drills at noon", 0)
	require.NoError(t, err)
	assert.NotEmpty(t, notice.MessageID)

	nodes, err := c.AdminListNodes(ctx)
	require.NoError(t, err)
	assert.Empty(t, nodes.Nodes)
}

func TestServer_Metrics(t *testing.T) {
	setup := NewTestServerSetup(t)

	resp, err := http.Get(setup.HTTP.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestServer_Root(t *testing.T) {
	setup := NewTestServerSetup(t)

	w := setup.do(t, "GET", "/", "", "")
	if w.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", w.Code)
	}

	var info map[string]any
	if err := json.NewDecoder(w.Body).Decode(&info); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	if info["service"] != "imotos network API" {
		t.Errorf("Unexpected service name: %v", info["service"])
	}

	w = setup.do(t, "GET", "/nope", "", "")
	if w.Code != http.StatusNotFound {
		t.Errorf("Expected status 404, got %d", w.Code)
	}
}

func TestServer_CORSPreflight(t *testing.T) {
	setup := NewTestServerSetup(t)

	w := setup.do(t, "OPTIONS", "/", "", "")
	if w.Code != http.StatusOK {
		t.Errorf("Expected status 200, got %d", w.Code)
	}
	if got := w.Header().Get("Access-Control-Allow-Origin"); got != "*" {
		t.Errorf("Expected CORS header, got %q", got)
	}
}

func (setup *TestServerSetup) dialWS(t *testing.T, id uint32, name string) *client.Link {
	t.Helper()
	c := setup.client(t)
	link, err := client.DialWebSocket(context.Background(), c.WebSocketURL(), client.LinkConfig{
		Token: setup.GenerateTestToken(t, id, name),
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = link.Close() })
	return link
}

func waitFor(t *testing.T, link *client.Link, kind brainwave.EventKind) brainwave.Event {
	t.Helper()
	deadline := time.After(waitTimeout)
	for {
		select {
		case ev, ok := <-link.Events():
			require.True(t, ok, "link closed: %v", link.Err())
			if ev.Kind == kind {
				return ev
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s", kind)
			return brainwave.Event{}
		}
	}
}

func TestWebSocket_EchoScenario(t *testing.T) {
	setup := NewTestServerSetup(t)
	ctx := context.Background()

	echo := setup.dialWS(t, 42, "Echo")
	node, err := echo.Join(ctx, "Echo", "Lab")
	require.NoError(t, err)
	assert.Equal(t, uint32(42), node.ID)
	waitFor(t, echo, brainwave.EventNetworkState)

	ack, err := echo.Send(ctx, brainwave.Message{
		SenderID:   42,
		SenderName: "Echo",
		ReceiverID: 99,
		Type:       brainwave.Direct,
		Content:    "ping over websocket",
	})
	require.NoError(t, err)
	assert.Equal(t, brainwave.OutcomeQueued, ack.Outcome)

	late := setup.dialWS(t, 99, "Late")
	_, err = late.Join(ctx, "Late", "Lab")
	require.NoError(t, err)

	n, err := late.Drain(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got := waitFor(t, late, brainwave.EventBrainwave)
	assert.Equal(t, "ping over websocket", got.Message.Content)
	assert.Equal(t, ack.MessageID, got.Message.ID)

	assert.Len(t, setup.Node.NodesInLocation(ctx, "Lab"), 2)
}

func TestWebSocket_Unauthorized(t *testing.T) {
	setup := NewTestServerSetup(t)

	wsURL := "ws" + strings.TrimPrefix(setup.HTTP.URL, "http") + "/api/v1/ws"
	_, err := client.DialWebSocket(context.Background(), wsURL, client.LinkConfig{Token: "garbage"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "401")
}

func TestWebSocket_ShutdownEndsSessions(t *testing.T) {
	setup := NewTestServerSetup(t)
	ctx := context.Background()

	link := setup.dialWS(t, 7, "Seven")
	_, err := link.Join(ctx, "Seven", "")
	require.NoError(t, err)

	stopCtx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	require.NoError(t, setup.Server.Stop(stopCtx))

	select {
	case <-link.Done():
	case <-time.After(waitTimeout):
		t.Fatal("session survived server shutdown")
	}

	require.Eventually(t, func() bool {
		health, err := setup.Node.GetHealth(ctx)
		return err == nil && health.ConnectedNodes == 0
	}, waitTimeout, 10*time.Millisecond)
}

// rawCall writes frame as a text message and returns the reply with seq,
// skipping pushed events.
func rawCall(t *testing.T, conn *websocket.Conn, seq uint64, frame []byte) *nodelink.ServerFrame {
	t.Helper()
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, frame))

	deadline := time.Now().Add(waitTimeout)
	for {
		require.NoError(t, conn.SetReadDeadline(deadline))
		var reply nodelink.ServerFrame
		require.NoError(t, conn.ReadJSON(&reply), "session ended")
		if reply.Kind != nodelink.KindEvent && reply.Seq == seq {
			return &reply
		}
	}
}

func TestWebSocket_MalformedMessageKeepsSession(t *testing.T) {
	setup := NewTestServerSetup(t)
	ctx := context.Background()

	wsURL := "ws" + strings.TrimPrefix(setup.HTTP.URL, "http") + "/api/v1/ws"
	header := http.Header{"Authorization": {"Bearer " + setup.GenerateTestToken(t, 42, "Echo")}}
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, header)
	require.NoError(t, err)
	defer conn.Close()

	reply := rawCall(t, conn, 1, []byte(`{"kind":"challenge","seq":1}`))
	require.Equal(t, nodelink.KindChallenge, reply.Kind)
	require.NotNil(t, reply.Challenge)
	nonce, _, err := admission.Solve(ctx, reply.Challenge.Token, reply.Challenge.Difficulty, 0)
	require.NoError(t, err)

	register, err := json.Marshal(nodelink.ClientFrame{
		Kind: nodelink.KindRegister,
		Seq:  2,
		Register: &meshnodepkg.RegisterRequest{
			NodeID:      42,
			DisplayName: "Echo",
			Location:    "Lab",
			Nonce:       nonce,
		},
	})
	require.NoError(t, err)
	reply = rawCall(t, conn, 2, register)
	require.Equal(t, nodelink.KindRegister, reply.Kind, "register failed: %v", reply.Err())
	require.Equal(t, 1, setup.Node.State(ctx).ActiveCount)

	const msg = `{"kind":"message","seq":%d,"message":{"senderId":42,"senderName":"Echo","messageType":%q,"content":"x","encryptionLevel":%q%s}}`
	tests := []struct {
		name       string
		msgType    string
		encryption string
		extra      string
	}{
		{"unknown message type", "BOGUS", "NONE", ""},
		{"unknown encryption level", "BROADCAST", "LEVEL9", ""},
		{"negative priority", "BROADCAST", "NONE", `,"priority":-1`},
		{"priority too large", "BROADCAST", "NONE", `,"priority":300`},
		{"explicit zero priority", "BROADCAST", "NONE", `,"priority":0`},
	}

	seq := uint64(2)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			seq++
			frame := fmt.Sprintf(msg, seq, tt.msgType, tt.encryption, tt.extra)
			reply := rawCall(t, conn, seq, []byte(frame))
			assert.Equal(t, nodelink.KindError, reply.Kind)
			assert.ErrorIs(t, reply.Err(), brainwave.ErrValidation)
			assert.Equal(t, 1, setup.Node.State(ctx).ActiveCount, "registry must not change")
		})
	}

	seq++
	valid := fmt.Sprintf(msg, seq, "BROADCAST", "NONE", `,"priority":7`)
	reply = rawCall(t, conn, seq, []byte(valid))
	require.Equal(t, nodelink.KindAck, reply.Kind)
	assert.NoError(t, reply.Err())
	assert.Equal(t, brainwave.OutcomeDelivered, reply.Outcome)
}
