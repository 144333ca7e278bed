package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/pflag"
	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/BIT1028/imotos-network/internal/config"
	"github.com/BIT1028/imotos-network/internal/httpapi"
	"github.com/BIT1028/imotos-network/internal/identity"
	"github.com/BIT1028/imotos-network/internal/logging"
	"github.com/BIT1028/imotos-network/internal/meshnode"
	"github.com/BIT1028/imotos-network/internal/metrics"
	"github.com/BIT1028/imotos-network/internal/nodelink"
	"github.com/BIT1028/imotos-network/internal/secure"
)

const (
	// Application info
	appName    = "imotos"
	appVersion = "0.1.0"
)

// flags override individual settings from the config file
type flags struct {
	configPath string
	httpAddr   string
	linkAddr   string
	logLevel   string
	logFormat  string
	difficulty int
	devTokens  bool
	version    bool
}

func parseFlags(args []string) (*flags, error) {
	f := &flags{}
	fs := pflag.NewFlagSet(appName, pflag.ContinueOnError)
	fs.StringVarP(&f.configPath, "config", "c", "", "Path to a YAML config file")
	fs.StringVar(&f.httpAddr, "http", "", "Listen address for the HTTP API and WebSocket link")
	fs.StringVar(&f.linkAddr, "link", "", "Listen address for the gRPC node link")
	fs.StringVar(&f.logLevel, "log-level", "", "Log level (debug, info, warn, error)")
	fs.StringVar(&f.logFormat, "log-format", "", "Log format (json, console)")
	fs.IntVar(&f.difficulty, "difficulty", 0, "Initial proof-of-work difficulty")
	fs.BoolVar(&f.devTokens, "dev-tokens", false, "Serve the development token endpoint")
	fs.BoolVarP(&f.version, "version", "v", false, "Show version and exit")
	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	return f, nil
}

// loadConfig reads the config file and applies flag overrides
func loadConfig(f *flags) (*config.Config, error) {
	cfg, err := config.Load(f.configPath)
	if err != nil {
		return nil, err
	}
	if f.httpAddr != "" {
		cfg.HTTP.Address = f.httpAddr
	}
	if f.linkAddr != "" {
		cfg.Link.Address = f.linkAddr
	}
	if f.logLevel != "" {
		cfg.Log.Level = f.logLevel
	}
	if f.logFormat != "" {
		cfg.Log.Format = f.logFormat
	}
	if f.difficulty != 0 {
		cfg.Admission.Difficulty = f.difficulty
	}
	if f.devTokens {
		cfg.Auth.DevTokens = true
	}
	return cfg, cfg.Validate()
}

func main() {
	f, err := parseFlags(os.Args[1:])
	if errors.Is(err, pflag.ErrHelp) {
		return
	}
	if err != nil {
		os.Exit(2)
	}
	if f.version {
		fmt.Printf("%s v%s\n", appName, appVersion)
		return
	}

	cfg, err := loadConfig(f)
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid configuration: %v\n", err)
		os.Exit(1)
	}

	app := fx.New(
		fx.Supply(cfg),
		fx.Provide(
			newLogger,
			newRegistry,
			newMetrics,
			newNode,
			newAuthenticator,
			newLinkHandler,
			newLinkServer,
			newHTTPServer,
		),
		fx.WithLogger(func(logger *zap.Logger) fxevent.Logger {
			return &fxevent.ZapLogger{Logger: logger.Named("fx")}
		}),
		fx.Invoke(registerLifecycle),
	)
	app.Run()
}

func newLogger(cfg *config.Config) (*zap.Logger, error) {
	logger, err := logging.New(cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		return nil, err
	}
	return logger.With(zap.String("app", appName), zap.String("version", appVersion)), nil
}

func newRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return reg
}

func newMetrics(reg *prometheus.Registry) *metrics.Metrics {
	return metrics.New(reg)
}

func newNode(cfg *config.Config, m *metrics.Metrics, logger *zap.Logger) (*meshnode.Node, error) {
	box, err := secure.New(cfg.Network.Secret)
	if err != nil {
		return nil, fmt.Errorf("network secret: %w", err)
	}
	return meshnode.NewNode(cfg.MeshNode(),
		meshnode.WithLogger(logger.Named("meshnode")),
		meshnode.WithMetrics(m),
		meshnode.WithVerifier(box))
}

func newAuthenticator(cfg *config.Config) (*identity.Authenticator, error) {
	return identity.NewAuthenticator(cfg.Auth.JWTSecret, cfg.IdentityOptions()...)
}

func newLinkHandler(cfg *config.Config, node *meshnode.Node, m *metrics.Metrics, logger *zap.Logger) (*nodelink.Handler, error) {
	return nodelink.NewHandler(node, cfg.NodeLink(),
		nodelink.WithMetrics(m),
		nodelink.WithLogger(logger.Named("nodelink")))
}

func newLinkServer(cfg *config.Config, handler *nodelink.Handler, auth *identity.Authenticator, m *metrics.Metrics, logger *zap.Logger) (*nodelink.Server, error) {
	return nodelink.NewServer(cfg.NodeLink(), handler, auth,
		nodelink.WithMetrics(m),
		nodelink.WithLogger(logger.Named("nodelink")))
}

func newHTTPServer(cfg *config.Config, node *meshnode.Node, auth *identity.Authenticator, links *nodelink.Handler, reg *prometheus.Registry, logger *zap.Logger) *httpapi.Server {
	return httpapi.NewServer(node, auth, links, cfg.HTTPAPI(),
		httpapi.WithLogger(logger.Named("httpapi")),
		httpapi.WithGatherer(reg))
}

type lifecycleParams struct {
	fx.In

	Lifecycle  fx.Lifecycle
	Shutdowner fx.Shutdowner
	Config     *config.Config
	Logger     *zap.Logger
	Node       *meshnode.Node
	Links      *nodelink.Handler
	LinkServer *nodelink.Server
	HTTP       *httpapi.Server
}

// registerLifecycle starts the node before its transports and stops them
// in reverse order.
func registerLifecycle(p lifecycleParams) {
	p.Lifecycle.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			return p.Node.Start(ctx)
		},
		OnStop: func(ctx context.Context) error {
			return multierr.Append(p.Node.Stop(ctx), p.Node.Close())
		},
	})

	p.Lifecycle.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			return p.LinkServer.Start(ctx)
		},
		OnStop: func(ctx context.Context) error {
			return multierr.Append(p.LinkServer.Stop(ctx), p.Links.Close())
		},
	})

	p.Lifecycle.Append(fx.Hook{
		OnStart: func(context.Context) error {
			go func() {
				if err := p.HTTP.Start(); err != nil {
					p.Logger.Error("http api failed", zap.Error(err))
					_ = p.Shutdowner.Shutdown(fx.ExitCode(1))
				}
			}()
			p.Logger.Info("imotos started",
				zap.String("http", p.Config.HTTP.Address),
				zap.String("link", p.Config.Link.Address),
				zap.Bool("dev_tokens", p.Config.Auth.DevTokens))
			return nil
		},
		OnStop: func(ctx context.Context) error {
			return p.HTTP.Stop(ctx)
		},
	})
}
