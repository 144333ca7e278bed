package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/multierr"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"

	"github.com/BIT1028/imotos-network/internal/admission"
	"github.com/BIT1028/imotos-network/internal/codec"
	"github.com/BIT1028/imotos-network/pkg/brainwave"
	"github.com/BIT1028/imotos-network/pkg/meshnode"
	"github.com/BIT1028/imotos-network/pkg/nodelink"
	"github.com/BIT1028/imotos-network/pkg/presence"
)

var (
	// ErrLinkClosed is returned by calls on a closed link.
	ErrLinkClosed = errors.New("link closed")
	// ErrUnexpectedReply is returned when the server answers with the wrong kind.
	ErrUnexpectedReply = errors.New("unexpected reply")
)

// LinkConfig configures a Link
type LinkConfig struct {
	// Token is the bearer token presented when the link opens.
	Token string

	// EventBuffer is the size of the Events channel.
	EventBuffer int

	// CompressThreshold is passed to the envelope codec.
	CompressThreshold int

	// SolveAttempts bounds the proof-of-work search in Join. Zero uses
	// admission.DefaultMaxAttempts.
	SolveAttempts int

	// DialOptions are appended to the gRPC defaults.
	DialOptions []grpc.DialOption
}

// SetDefaults sets reasonable default values for LinkConfig
func (c *LinkConfig) SetDefaults() {
	if c.EventBuffer == 0 {
		c.EventBuffer = 100
	}
}

// frameConn is one open transport carrying node link frames.
type frameConn interface {
	Send(*nodelink.ClientFrame) error
	Recv() (*nodelink.ServerFrame, error)
	Close() error
}

// Link is a node's session with the server. Requests may be issued from
// several goroutines; events pushed by the server arrive on Events.
type Link struct {
	config   LinkConfig
	conn     frameConn
	binary   bool
	frames   *codec.FrameCodec
	events   chan brainwave.Event
	done     chan struct{}
	dropped  atomic.Int64
	seq      atomic.Uint64
	sendMu   sync.Mutex
	mu       sync.Mutex
	pending  map[uint64]chan *nodelink.ServerFrame
	err      error
	closeErr error
	once     sync.Once
}

// Dial opens a gRPC link to target.
func Dial(ctx context.Context, target string, config LinkConfig) (*Link, error) {
	config.SetDefaults()
	if config.Token == "" {
		return nil, fmt.Errorf("Token is required")
	}

	dialOpts := append([]grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.CallContentSubtype(nodelink.CodecName)),
	}, config.DialOptions...)

	cc, err := grpc.NewClient(target, dialOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create client for %s: %w", target, err)
	}

	// The stream outlives ctx; Close cancels it.
	streamCtx, cancel := context.WithCancel(context.Background())
	streamCtx = metadata.AppendToOutgoingContext(streamCtx, nodelink.AuthorizationKey, "Bearer "+config.Token)

	if err := ctx.Err(); err != nil {
		cancel()
		_ = cc.Close()
		return nil, err
	}
	cs, err := cc.NewStream(streamCtx, &nodelink.ConnectStream, nodelink.ConnectMethod)
	if err != nil {
		cancel()
		_ = cc.Close()
		return nil, fmt.Errorf("failed to open stream: %w", err)
	}

	conn := &grpcConn{
		stream: &grpc.GenericClientStream[nodelink.ClientFrame, nodelink.ServerFrame]{ClientStream: cs},
		cc:     cc,
		cancel: cancel,
	}
	return newLink(conn, true, config)
}

// DialWebSocket opens a JSON link over WebSocket to url (ws:// or wss://).
func DialWebSocket(ctx context.Context, url string, config LinkConfig) (*Link, error) {
	config.SetDefaults()
	if config.Token == "" {
		return nil, fmt.Errorf("Token is required")
	}

	header := http.Header{}
	header.Set("Authorization", "Bearer "+config.Token)

	ws, resp, err := websocket.DefaultDialer.DialContext(ctx, url, header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("websocket handshake failed (%d): %w", resp.StatusCode, err)
		}
		return nil, fmt.Errorf("websocket dial failed: %w", err)
	}
	return newLink(&wsConn{conn: ws}, false, config)
}

func newLink(conn frameConn, binary bool, config LinkConfig) (*Link, error) {
	frames, err := codec.NewFrameCodec(config.CompressThreshold)
	if err != nil {
		_ = conn.Close()
		return nil, err
	}

	l := &Link{
		config:  config,
		conn:    conn,
		binary:  binary,
		frames:  frames,
		events:  make(chan brainwave.Event, config.EventBuffer),
		done:    make(chan struct{}),
		pending: make(map[uint64]chan *nodelink.ServerFrame),
	}
	go l.recvLoop()
	return l, nil
}

// Events returns the channel for pushed events. It is closed when the link ends.
func (l *Link) Events() <-chan brainwave.Event {
	return l.events
}

// Done returns a channel that's closed when the link ends
func (l *Link) Done() <-chan struct{} {
	return l.done
}

// Dropped returns how many events were discarded because Events was full.
func (l *Link) Dropped() int64 {
	return l.dropped.Load()
}

// Err returns why the link ended, or nil while it is open.
func (l *Link) Err() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.err
}

// RequestChallenge asks for a proof-of-work puzzle.
func (l *Link) RequestChallenge(ctx context.Context) (brainwave.Challenge, error) {
	reply, err := l.call(ctx, &nodelink.ClientFrame{Kind: nodelink.KindChallenge})
	if err != nil {
		return brainwave.Challenge{}, err
	}
	if reply.Challenge == nil {
		return brainwave.Challenge{}, ErrUnexpectedReply
	}
	return *reply.Challenge, nil
}

// Register redeems a solved challenge.
func (l *Link) Register(ctx context.Context, req meshnode.RegisterRequest) (brainwave.Node, error) {
	reply, err := l.call(ctx, &nodelink.ClientFrame{Kind: nodelink.KindRegister, Register: &req})
	if err != nil {
		return brainwave.Node{}, err
	}
	if reply.Node == nil {
		return brainwave.Node{}, ErrUnexpectedReply
	}
	return *reply.Node, nil
}

// Join requests a challenge, solves it and registers. The node id comes
// from the token.
func (l *Link) Join(ctx context.Context, displayName, location string) (brainwave.Node, error) {
	challenge, err := l.RequestChallenge(ctx)
	if err != nil {
		return brainwave.Node{}, fmt.Errorf("challenge: %w", err)
	}

	nonce, _, err := admission.Solve(ctx, challenge.Token, challenge.Difficulty, l.config.SolveAttempts)
	if err != nil {
		return brainwave.Node{}, fmt.Errorf("solve: %w", err)
	}

	return l.Register(ctx, meshnode.RegisterRequest{
		NodeID:      challenge.NodeID,
		DisplayName: displayName,
		Location:    location,
		Nonce:       nonce,
	})
}

// Send routes msg. A rejected message returns its Ack together with the error.
func (l *Link) Send(ctx context.Context, msg brainwave.Message) (Ack, error) {
	frame := &nodelink.ClientFrame{Kind: nodelink.KindMessage}
	if l.binary {
		envelope, err := l.frames.Encode(&msg)
		if err != nil {
			return Ack{}, err
		}
		frame.Envelope = envelope
	} else {
		frame.Message = &msg
	}

	reply, err := l.call(ctx, frame)
	if err != nil {
		return Ack{}, err
	}
	if reply.Kind != nodelink.KindAck {
		return Ack{}, ErrUnexpectedReply
	}
	return Ack{MessageID: reply.MessageID, Outcome: reply.Outcome}, reply.Err()
}

// UpdateStatus changes this node's strength and capabilities.
func (l *Link) UpdateStatus(ctx context.Context, update presence.StatusUpdate) (brainwave.Node, error) {
	reply, err := l.call(ctx, &nodelink.ClientFrame{Kind: nodelink.KindStatus, Status: &update})
	if err != nil {
		return brainwave.Node{}, err
	}
	if reply.Kind != nodelink.KindStatus {
		return brainwave.Node{}, ErrUnexpectedReply
	}
	// No node means the server no longer knows this one and ignored the update.
	if reply.Node == nil {
		return brainwave.Node{}, nil
	}
	return *reply.Node, nil
}

// Heartbeat refreshes this node's liveness.
func (l *Link) Heartbeat(ctx context.Context) error {
	_, err := l.call(ctx, &nodelink.ClientFrame{Kind: nodelink.KindHeartbeat})
	return err
}

// Drain asks for queued offline messages and returns how many were delivered.
// The messages themselves arrive on Events.
func (l *Link) Drain(ctx context.Context) (int, error) {
	reply, err := l.call(ctx, &nodelink.ClientFrame{Kind: nodelink.KindDrain})
	if err != nil {
		return 0, err
	}
	return reply.Drained, nil
}

// KeepAlive sends a heartbeat every interval until ctx ends or the link closes.
func (l *Link) KeepAlive(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-l.done:
			return l.Err()
		case <-ticker.C:
			if err := l.Heartbeat(ctx); err != nil {
				return err
			}
		}
	}
}

// Close ends the link and waits for the receive loop to exit
func (l *Link) Close() error {
	l.once.Do(func() {
		l.closeErr = l.conn.Close()
		<-l.done
		l.closeErr = multierr.Append(l.closeErr, l.frames.Close())
	})
	return l.closeErr
}

func (l *Link) call(ctx context.Context, frame *nodelink.ClientFrame) (*nodelink.ServerFrame, error) {
	seq := l.seq.Add(1)
	frame.Seq = seq
	ch := make(chan *nodelink.ServerFrame, 1)

	l.mu.Lock()
	if l.err != nil {
		err := l.err
		l.mu.Unlock()
		return nil, err
	}
	l.pending[seq] = ch
	l.mu.Unlock()

	defer func() {
		l.mu.Lock()
		delete(l.pending, seq)
		l.mu.Unlock()
	}()

	l.sendMu.Lock()
	err := l.conn.Send(frame)
	l.sendMu.Unlock()
	if err != nil {
		if errors.Is(err, io.EOF) {
			// The real cause surfaces on the receive side.
			<-l.done
			return nil, l.Err()
		}
		return nil, err
	}

	select {
	case reply := <-ch:
		if reply.Kind == nodelink.KindError {
			return nil, reply.Err()
		}
		return reply, nil
	case <-l.done:
		return nil, l.Err()
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (l *Link) recvLoop() {
	defer close(l.done)
	defer close(l.events)

	for {
		frame, err := l.conn.Recv()
		if err != nil {
			l.mu.Lock()
			if errors.Is(err, io.EOF) || websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				err = ErrLinkClosed
			}
			l.err = err
			l.mu.Unlock()
			return
		}

		if frame.Kind == nodelink.KindEvent {
			if frame.Event == nil {
				continue
			}
			select {
			case l.events <- *frame.Event:
			default:
				l.dropped.Add(1)
			}
			continue
		}

		l.mu.Lock()
		ch := l.pending[frame.Seq]
		l.mu.Unlock()
		if ch != nil {
			ch <- frame
		}
	}
}

type grpcConn struct {
	stream grpc.BidiStreamingClient[nodelink.ClientFrame, nodelink.ServerFrame]
	cc     *grpc.ClientConn
	cancel context.CancelFunc
}

func (c *grpcConn) Send(f *nodelink.ClientFrame) error   { return c.stream.Send(f) }
func (c *grpcConn) Recv() (*nodelink.ServerFrame, error) { return c.stream.Recv() }
func (c *grpcConn) Close() error {
	_ = c.stream.CloseSend()
	c.cancel()
	return c.cc.Close()
}

type wsConn struct {
	conn *websocket.Conn
}

func (c *wsConn) Send(f *nodelink.ClientFrame) error {
	return c.conn.WriteJSON(f)
}

func (c *wsConn) Recv() (*nodelink.ServerFrame, error) {
	var f nodelink.ServerFrame
	if err := c.conn.ReadJSON(&f); err != nil {
		return nil, err
	}
	return &f, nil
}

func (c *wsConn) Close() error {
	// Close unblocks ReadJSON in the receive loop.
	return c.conn.Close()
}
