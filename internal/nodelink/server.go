package nodelink

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"github.com/BIT1028/imotos-network/internal/identity"
	"github.com/BIT1028/imotos-network/pkg/nodelink"
)

// TransportGRPC labels sessions served over gRPC.
const TransportGRPC = "grpc"

var (
	// ErrServerClosed is returned when starting a closed server.
	ErrServerClosed = errors.New("node link server is closed")
	// ErrAlreadyServing is returned when a server is started twice.
	ErrAlreadyServing = errors.New("node link server is already serving")
)

// Server exposes a Handler over the gRPC NodeLink service.
type Server struct {
	config     *Config
	handler    *Handler
	auth       *identity.Authenticator
	grpcServer *grpc.Server
	logger     *zap.Logger

	mu       sync.Mutex
	listener net.Listener
	serving  bool
	closed   bool
	serveErr chan error
}

// NewServer creates a gRPC server. Streams must carry a bearer token that
// auth accepts.
func NewServer(config *Config, handler *Handler, auth *identity.Authenticator, opts ...Option) (*Server, error) {
	if config == nil {
		return nil, errors.New("config cannot be nil")
	}
	config.SetDefaults()
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if handler == nil {
		return nil, errors.New("handler cannot be nil")
	}
	if auth == nil {
		return nil, errors.New("authenticator cannot be nil")
	}

	o := buildOptions(opts)
	s := &Server{
		config:   config,
		handler:  handler,
		auth:     auth,
		logger:   o.logger,
		serveErr: make(chan error, 1),
	}

	s.grpcServer = grpc.NewServer(
		grpc.MaxRecvMsgSize(config.MaxMessageSize),
		grpc.KeepaliveParams(keepalive.ServerParameters{Time: config.KeepaliveInterval}),
		grpc.ChainStreamInterceptor(s.authenticate),
	)
	nodelink.RegisterLinkServer(s.grpcServer, s)

	return s, nil
}

// Start listens on the configured address and serves in the background.
func (s *Server) Start(ctx context.Context) error {
	lis, err := (&net.ListenConfig{}).Listen(ctx, "tcp", s.config.ListenAddress)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.config.ListenAddress, err)
	}
	if err := s.Serve(lis); err != nil {
		_ = lis.Close()
		return err
	}
	return nil
}

// Serve accepts connections on lis in the background.
func (s *Server) Serve(lis net.Listener) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrServerClosed
	}
	if s.serving {
		return ErrAlreadyServing
	}
	s.serving = true
	s.listener = lis

	s.logger.Info("node link listening", zap.String("address", lis.Addr().String()))
	go func() {
		s.serveErr <- s.grpcServer.Serve(lis)
	}()
	return nil
}

// Addr returns the listening address, or "" before Serve.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Stop drains open streams until ctx ends, then closes them.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil // Already stopped, idempotent
	}
	s.closed = true
	serving := s.serving
	s.mu.Unlock()

	stopped := make(chan struct{})
	go func() {
		s.grpcServer.GracefulStop()
		close(stopped)
	}()

	select {
	case <-stopped:
	case <-ctx.Done():
		s.grpcServer.Stop()
		<-stopped
	}

	if serving {
		if err := <-s.serveErr; err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			return err
		}
	}
	return nil
}

// Close stops the server immediately.
func (s *Server) Close() error {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	return s.Stop(ctx)
}

// Connect implements nodelink.LinkServer.
func (s *Server) Connect(stream grpc.BidiStreamingServer[nodelink.ClientFrame, nodelink.ServerFrame]) error {
	claims, ok := identity.FromContext(stream.Context())
	if !ok {
		return status.Error(codes.Unauthenticated, "missing identity")
	}

	err := s.handler.Serve(stream, claims, TransportGRPC)
	if errors.Is(err, ErrReplaced) {
		return status.Error(codes.Aborted, err.Error())
	}
	return err
}

// authenticate validates the bearer token and attaches its claims to the
// stream context.
func (s *Server) authenticate(srv any, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
	md, _ := metadata.FromIncomingContext(ss.Context())
	values := md.Get(nodelink.AuthorizationKey)
	if len(values) == 0 {
		return status.Error(codes.Unauthenticated, "missing bearer token")
	}

	claims, err := s.auth.Validate(values[0])
	if err != nil {
		s.logger.Debug("rejected stream", zap.String("method", info.FullMethod), zap.Error(err))
		return status.Error(codes.Unauthenticated, "invalid bearer token")
	}

	return handler(srv, &authenticatedStream{
		ServerStream: ss,
		ctx:          identity.NewContext(ss.Context(), claims),
	})
}

type authenticatedStream struct {
	grpc.ServerStream
	ctx context.Context
}

func (s *authenticatedStream) Context() context.Context {
	return s.ctx
}

// Verify that Server implements the LinkServer interface at compile time
var _ nodelink.LinkServer = (*Server)(nil)
