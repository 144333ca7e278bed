// Package config loads the server configuration from YAML with
// environment overrides for secrets, and converts it into the
// configuration types of each component.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/BIT1028/imotos-network/internal/admission"
	"github.com/BIT1028/imotos-network/internal/httpapi"
	"github.com/BIT1028/imotos-network/internal/identity"
	"github.com/BIT1028/imotos-network/internal/logging"
	"github.com/BIT1028/imotos-network/internal/meshnode"
	"github.com/BIT1028/imotos-network/internal/nodelink"
	"github.com/BIT1028/imotos-network/internal/offline"
	"github.com/BIT1028/imotos-network/internal/presence"
	"github.com/BIT1028/imotos-network/pkg/brainwave"
)

// Environment variables that override secrets from the file.
const (
	EnvJWTSecret     = "IMOTOS_JWT_SECRET"
	EnvNetworkSecret = "IMOTOS_NETWORK_SECRET"
)

var (
	// ErrMissingJWTSecret is returned when no token signing secret is configured
	ErrMissingJWTSecret = errors.New("jwt secret is required (set " + EnvJWTSecret + ")")
	// ErrMissingNetworkSecret is returned when no network secret is configured
	ErrMissingNetworkSecret = errors.New("network secret is required (set " + EnvNetworkSecret + ")")
)

// Config is the complete server configuration
type Config struct {
	Log       LogConfig       `yaml:"log"`
	Auth      AuthConfig      `yaml:"auth"`
	Network   NetworkConfig   `yaml:"network"`
	Admission AdmissionConfig `yaml:"admission"`
	Presence  PresenceConfig  `yaml:"presence"`
	Offline   OfflineConfig   `yaml:"offline"`
	Link      LinkConfig      `yaml:"link"`
	HTTP      HTTPConfig      `yaml:"http"`
}

// LogConfig selects the logger
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// AuthConfig configures bearer token validation
type AuthConfig struct {
	JWTSecret string        `yaml:"jwt_secret"`
	Issuer    string        `yaml:"issuer"`
	TokenTTL  time.Duration `yaml:"token_ttl"`
	DevTokens bool          `yaml:"dev_tokens"`
}

// NetworkConfig holds settings that apply to the whole network
type NetworkConfig struct {
	// Secret is the shared secret encrypted content is sealed with.
	Secret               string        `yaml:"secret"`
	HousekeepingInterval time.Duration `yaml:"housekeeping_interval"`
	InitialStatus        string        `yaml:"initial_status"`
	WelcomeFormat        string        `yaml:"welcome_format"`
}

// AdmissionConfig configures the proof-of-work gate
type AdmissionConfig struct {
	Difficulty      int           `yaml:"difficulty"`
	Adaptive        bool          `yaml:"adaptive"`
	TargetSolveTime time.Duration `yaml:"target_solve_time"`
	Timeout         time.Duration `yaml:"timeout"`
	MaxChallenges   int           `yaml:"max_challenges"`
	IssueRate       float64       `yaml:"issue_rate"`
	IssueBurst      int           `yaml:"issue_burst"`
}

// PresenceConfig configures the node registry
type PresenceConfig struct {
	InactivityThreshold time.Duration `yaml:"inactivity_threshold"`
	Capacity            int           `yaml:"capacity"`
	DefaultLocation     string        `yaml:"default_location"`
}

// OfflineConfig configures the offline message queue
type OfflineConfig struct {
	MaxPerRecipient int           `yaml:"max_per_recipient"`
	MaxRecipients   int           `yaml:"max_recipients"`
	Retention       time.Duration `yaml:"retention"`
}

// LinkConfig configures the gRPC node link
type LinkConfig struct {
	Address           string        `yaml:"address"`
	SendQueueSize     int           `yaml:"send_queue_size"`
	KeepaliveInterval time.Duration `yaml:"keepalive_interval"`
	MaxMessageSize    int           `yaml:"max_message_size"`
	CompressThreshold int           `yaml:"compress_threshold"`
}

// HTTPConfig configures the HTTP API and WebSocket link
type HTTPConfig struct {
	Address        string   `yaml:"address"`
	AllowedOrigins []string `yaml:"allowed_origins"`
	MaxMessageSize int      `yaml:"max_message_size"`
}

// Default returns a configuration with every default applied. Secrets
// remain empty.
func Default() *Config {
	c := &Config{}
	c.SetDefaults()
	return c
}

// Load reads path (if not empty), applies environment overrides and
// defaults, and validates the result.
func Load(path string) (*Config, error) {
	c := &Config{}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := c.decode(data); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
	}

	c.ApplyEnv(os.LookupEnv)
	c.SetDefaults()
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Config) decode(data []byte) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(c); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

// ApplyEnv overrides secrets from the environment.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) {
	if v, ok := lookup(EnvJWTSecret); ok && v != "" {
		c.Auth.JWTSecret = v
	}
	if v, ok := lookup(EnvNetworkSecret); ok && v != "" {
		c.Network.Secret = v
	}
}

// SetDefaults sets sensible default values for unset configuration fields
func (c *Config) SetDefaults() {
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = logging.FormatJSON
	}
	if c.Auth.TokenTTL <= 0 {
		c.Auth.TokenTTL = identity.DefaultTokenTTL
	}
	if c.Network.HousekeepingInterval <= 0 {
		c.Network.HousekeepingInterval = meshnode.DefaultHousekeepingInterval
	}
	if c.Network.InitialStatus == "" {
		c.Network.InitialStatus = string(meshnode.DefaultInitialStatus)
	}
	if c.Admission.Difficulty == 0 {
		c.Admission.Difficulty = admission.DefaultDifficulty
	}
	if c.Offline.MaxPerRecipient <= 0 {
		c.Offline.MaxPerRecipient = offline.DefaultMaxPerRecipient
	}
	if c.Offline.MaxRecipients <= 0 {
		c.Offline.MaxRecipients = offline.DefaultMaxRecipients
	}
	if c.Offline.Retention <= 0 {
		c.Offline.Retention = offline.DefaultRetention
	}
	if c.Link.Address == "" {
		c.Link.Address = ":7070"
	}
	if c.HTTP.Address == "" {
		c.HTTP.Address = ":8080"
	}
}

// Validate validates the configuration and returns an error if invalid
func (c *Config) Validate() error {
	if c.Auth.JWTSecret == "" {
		return ErrMissingJWTSecret
	}
	if c.Network.Secret == "" {
		return ErrMissingNetworkSecret
	}
	if !logging.ValidFormat(c.Log.Format) {
		return fmt.Errorf("invalid log format %q", c.Log.Format)
	}
	if err := c.MeshNode().Validate(); err != nil {
		return fmt.Errorf("invalid network config: %w", err)
	}
	if err := c.NodeLink().Validate(); err != nil {
		return fmt.Errorf("invalid link config: %w", err)
	}
	return nil
}

// MeshNode converts to the orchestrator configuration.
func (c *Config) MeshNode() *meshnode.Config {
	mc := &meshnode.Config{
		Admission: admission.Config{
			Difficulty:      c.Admission.Difficulty,
			Timeout:         c.Admission.Timeout,
			MaxChallenges:   c.Admission.MaxChallenges,
			IssueRate:       c.Admission.IssueRate,
			IssueBurst:      c.Admission.IssueBurst,
			TargetSolveTime: c.Admission.TargetSolveTime,
		},
		Presence: presence.Config{
			InactivityThreshold: c.Presence.InactivityThreshold,
			Capacity:            c.Presence.Capacity,
			DefaultLocation:     c.Presence.DefaultLocation,
		},
		Offline: offline.Config{
			MaxPerRecipient: c.Offline.MaxPerRecipient,
			MaxRecipients:   c.Offline.MaxRecipients,
			Retention:       c.Offline.Retention,
		},
		HousekeepingInterval: c.Network.HousekeepingInterval,
		AdaptiveDifficulty:   c.Admission.Adaptive,
		WelcomeFormat:        c.Network.WelcomeFormat,
		InitialStatus:        brainwave.SystemStatus(c.Network.InitialStatus),
	}
	mc.SetDefaults()
	return mc
}

// NodeLink converts to the gRPC link server configuration.
func (c *Config) NodeLink() *nodelink.Config {
	lc := &nodelink.Config{
		ListenAddress:     c.Link.Address,
		SendQueueSize:     c.Link.SendQueueSize,
		KeepaliveInterval: c.Link.KeepaliveInterval,
		MaxMessageSize:    c.Link.MaxMessageSize,
		CompressThreshold: c.Link.CompressThreshold,
	}
	lc.SetDefaults()
	return lc
}

// HTTPAPI converts to the HTTP server configuration.
func (c *Config) HTTPAPI() httpapi.Config {
	hc := httpapi.Config{
		Address:        c.HTTP.Address,
		DevTokens:      c.Auth.DevTokens,
		AllowedOrigins: c.HTTP.AllowedOrigins,
		MaxMessageSize: c.HTTP.MaxMessageSize,
	}
	hc.SetDefaults()
	return hc
}

// IdentityOptions returns the authenticator options.
func (c *Config) IdentityOptions() []identity.Option {
	opts := []identity.Option{identity.WithTTL(c.Auth.TokenTTL)}
	if c.Auth.Issuer != "" {
		opts = append(opts, identity.WithIssuer(c.Auth.Issuer))
	}
	return opts
}
