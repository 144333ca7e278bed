package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"slices"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/BIT1028/imotos-network/internal/identity"
	"github.com/BIT1028/imotos-network/internal/nodelink"
	meshnodepkg "github.com/BIT1028/imotos-network/pkg/meshnode"
)

// Config holds server configuration
type Config struct {
	// Address is the listen address, e.g. ":8080".
	Address string

	// DevTokens routes POST /api/v1/auth/token, which signs a token for
	// any node id. Never enable it in production.
	DevTokens bool

	// AllowedOrigins restricts WebSocket upgrades by Origin header. Empty
	// allows any origin.
	AllowedOrigins []string

	// MaxMessageSize bounds one inbound WebSocket frame.
	MaxMessageSize int
}

// SetDefaults sets sensible default values for unset configuration fields
func (c *Config) SetDefaults() {
	if c.Address == "" {
		c.Address = ":8080"
	}
	if c.MaxMessageSize <= 0 {
		c.MaxMessageSize = 1024 * 1024 // 1MB
	}
}

// Server represents the HTTP API server
type Server struct {
	config     Config
	node       meshnodepkg.MeshNode
	links      *nodelink.Handler
	handlers   *Handlers
	middleware *Middleware
	upgrader   websocket.Upgrader
	gatherer   prometheus.Gatherer
	server     *http.Server
	logger     *zap.Logger

	// baseCtx outlives requests; hijacked WebSocket sessions end when it
	// is cancelled on shutdown.
	baseCtx context.Context
	cancel  context.CancelFunc
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(s *Server) {
		s.logger = logger
	}
}

// WithGatherer exposes the collectors of g on /metrics.
func WithGatherer(g prometheus.Gatherer) Option {
	return func(s *Server) {
		s.gatherer = g
	}
}

// NewServer creates a new HTTP API server
func NewServer(node meshnodepkg.MeshNode, auth *identity.Authenticator, links *nodelink.Handler, config Config, opts ...Option) *Server {
	config.SetDefaults()

	s := &Server{
		config: config,
		node:   node,
		links:  links,
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}

	s.baseCtx, s.cancel = context.WithCancel(context.Background())
	s.handlers = NewHandlers(node, auth, s.logger)
	s.middleware = NewMiddleware(auth, s.logger)
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     s.checkOrigin,
	}

	s.server = &http.Server{
		Addr:           config.Address,
		Handler:        s.setupRoutes(),
		ReadTimeout:    30 * time.Second,
		WriteTimeout:   30 * time.Second,
		IdleTimeout:    120 * time.Second,
		MaxHeaderBytes: 1 << 20, // 1MB
		ErrorLog:       zap.NewStdLog(s.logger),
		BaseContext:    func(net.Listener) context.Context { return s.baseCtx },
	}
	s.server.RegisterOnShutdown(s.cancel)

	return s
}

// Handler returns the routed handler, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.server.Handler
}

// Start listens and serves until Stop. It returns nil after a clean stop.
func (s *Server) Start() error {
	s.logger.Info("http api listening", zap.String("address", s.config.Address))
	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Stop gracefully stops the HTTP server and ends WebSocket sessions
func (s *Server) Stop(ctx context.Context) error {
	defer s.cancel()
	return s.server.Shutdown(ctx)
}

// setupRoutes configures all HTTP routes
func (s *Server) setupRoutes() http.Handler {
	mux := http.NewServeMux()

	// Apply global middleware
	withMiddleware := func(handler http.HandlerFunc) http.Handler {
		return s.middleware.Recovery(
			s.middleware.Logging(
				s.middleware.CORS(handler)))
	}

	// Development token endpoint (no auth required)
	if s.config.DevTokens {
		mux.Handle("POST /api/v1/auth/token", withMiddleware(s.handlers.IssueToken))
	}

	// Network endpoints (auth required)
	mux.Handle("GET /api/v1/network", withMiddleware(s.middleware.AuthRequired(s.handlers.NetworkState)))
	mux.Handle("GET /api/v1/network/locations/{location}", withMiddleware(s.middleware.AuthRequired(s.handlers.LocationMembers)))
	mux.Handle("POST /api/v1/challenge", withMiddleware(s.middleware.AuthRequired(s.handlers.Challenge)))

	// Node link over WebSocket (auth required). CORS is skipped for upgrades.
	mux.Handle("GET /api/v1/ws", s.middleware.Recovery(s.middleware.Logging(s.middleware.AuthRequired(s.ServeWebSocket))))

	// Admin endpoints (control node only)
	mux.Handle("GET /api/v1/admin/nodes", withMiddleware(s.middleware.AdminRequired(s.handlers.AdminListNodes)))
	mux.Handle("POST /api/v1/admin/status", withMiddleware(s.middleware.AdminRequired(s.handlers.AdminSetStatus)))
	mux.Handle("POST /api/v1/admin/difficulty", withMiddleware(s.middleware.AdminRequired(s.handlers.AdminSetDifficulty)))
	mux.Handle("POST /api/v1/admin/notice", withMiddleware(s.middleware.AdminRequired(s.handlers.AdminSendNotice)))

	// Health endpoint (no auth required)
	mux.Handle("GET /api/v1/health", withMiddleware(s.handlers.Health))

	if s.gatherer != nil {
		mux.Handle("GET /metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	}

	// Root endpoint with API info
	mux.Handle("/", withMiddleware(s.handleRoot))

	return mux
}

// handleRoot provides API information
func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		s.handlers.writeError(w, "Not found", http.StatusNotFound)
		return
	}

	info := map[string]interface{}{
		"service":     "imotos network API",
		"version":     "1.0.0",
		"description": "Presence and message routing for brainwave nodes",
		"endpoints": map[string]interface{}{
			"network": map[string]string{
				"state":     "GET /api/v1/network",
				"location":  "GET /api/v1/network/locations/{location}",
				"challenge": "POST /api/v1/challenge",
				"link":      "GET /api/v1/ws",
			},
			"admin": map[string]string{
				"nodes":      "GET /api/v1/admin/nodes",
				"status":     "POST /api/v1/admin/status",
				"difficulty": "POST /api/v1/admin/difficulty",
				"notice":     "POST /api/v1/admin/notice",
			},
			"health": "GET /api/v1/health",
		},
		"authentication": "Bearer JWT token required for most endpoints",
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if err := json.NewEncoder(w).Encode(info); err != nil {
		s.logger.Warn("failed to write response", zap.Error(err))
	}
}

func (s *Server) checkOrigin(r *http.Request) bool {
	if len(s.config.AllowedOrigins) == 0 {
		return true
	}
	return slices.Contains(s.config.AllowedOrigins, r.Header.Get("Origin"))
}
