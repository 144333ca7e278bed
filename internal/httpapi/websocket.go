package httpapi

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/BIT1028/imotos-network/internal/identity"
	"github.com/BIT1028/imotos-network/pkg/nodelink"
)

// TransportWebSocket labels sessions served over WebSocket.
const TransportWebSocket = "websocket"

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = pongWait * 9 / 10

	// Control frame payloads are limited to 125 bytes, two of which hold the code.
	maxCloseText = 123
)

// ServeWebSocket handles GET /api/v1/ws. The connection carries JSON
// node link frames for the lifetime of one session.
func (s *Server) ServeWebSocket(w http.ResponseWriter, r *http.Request) {
	claims, ok := identity.FromContext(r.Context())
	if !ok {
		s.handlers.writeError(w, "Authentication required", http.StatusUnauthorized)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written the HTTP error.
		s.logger.Debug("websocket upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(s.baseCtx)
	defer cancel()

	stream := newWSStream(ctx, conn, s.config.MaxMessageSize)
	go stream.keepAlive()

	err = s.links.Serve(stream, claims, TransportWebSocket)
	stream.close(err)
}

// wsStream adapts a WebSocket connection to nodelink.FrameStream.
type wsStream struct {
	ctx  context.Context
	conn *websocket.Conn

	// writeMu serializes frames with keepalive pings.
	writeMu sync.Mutex
	done    chan struct{}
	once    sync.Once
}

func newWSStream(ctx context.Context, conn *websocket.Conn, maxMessageSize int) *wsStream {
	conn.SetReadLimit(int64(maxMessageSize))
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	return &wsStream{ctx: ctx, conn: conn, done: make(chan struct{})}
}

func (s *wsStream) Context() context.Context {
	return s.ctx
}

func (s *wsStream) Send(frame *nodelink.ServerFrame) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return s.conn.WriteJSON(frame)
}

// Recv returns the next frame. Only transport failures are errors; a
// frame that does not decode comes back with Invalid set.
func (s *wsStream) Recv() (*nodelink.ClientFrame, error) {
	_, data, err := s.conn.ReadMessage()
	if err != nil {
		if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
			return nil, io.EOF
		}
		return nil, err
	}
	// Any frame proves the peer is alive.
	_ = s.conn.SetReadDeadline(time.Now().Add(pongWait))
	return nodelink.DecodeClientFrame(data, json.Unmarshal), nil
}

func (s *wsStream) keepAlive() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			s.writeMu.Lock()
			err := s.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
			s.writeMu.Unlock()
			if err != nil {
				return
			}
		}
	}
}

// close sends a close frame describing why the session ended.
func (s *wsStream) close(err error) {
	s.once.Do(func() {
		close(s.done)

		code, text := websocket.CloseNormalClosure, ""
		if err != nil {
			code, text = websocket.CloseGoingAway, err.Error()
		}
		if len(text) > maxCloseText {
			text = text[:maxCloseText]
		}
		s.writeMu.Lock()
		_ = s.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, text), time.Now().Add(writeWait))
		s.writeMu.Unlock()
	})
}
