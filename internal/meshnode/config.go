package meshnode

import (
	"errors"
	"fmt"
	"time"

	"github.com/BIT1028/imotos-network/internal/admission"
	"github.com/BIT1028/imotos-network/internal/offline"
	"github.com/BIT1028/imotos-network/internal/presence"
	"github.com/BIT1028/imotos-network/pkg/brainwave"
)

const (
	DefaultHousekeepingInterval = 30 * time.Second
	DefaultWelcomeFormat        = "Welcome to the network, %s"
	DefaultWelcomePriority      = 8
	DefaultInitialStatus        = brainwave.StatusOnline
)

var (
	// ErrInvalidHousekeepingInterval is returned when the tick interval is not positive
	ErrInvalidHousekeepingInterval = errors.New("housekeeping interval must be positive")
	// ErrInvalidWelcomePriority is returned when the welcome priority is outside [1,10]
	ErrInvalidWelcomePriority = errors.New("welcome priority out of range")
)

// Config represents configuration for a Node
type Config struct {
	// Admission configures the proof-of-work gate
	Admission admission.Config

	// Presence configures the node registry
	Presence presence.Config

	// Offline configures the DIRECT message queue for disconnected nodes
	Offline offline.Config

	// HousekeepingInterval is how often inactive nodes are swept, stale
	// challenges dropped and network state broadcast
	HousekeepingInterval time.Duration

	// AdaptiveDifficulty steers difficulty towards Admission.TargetSolveTime
	// on every housekeeping tick
	AdaptiveDifficulty bool

	// WelcomeFormat is the notice sent on registration; %s is the display name
	WelcomeFormat string

	// WelcomePriority is the priority of the welcome notice
	WelcomePriority uint8

	// InitialStatus is the system status reported until an operator changes it
	InitialStatus brainwave.SystemStatus
}

// NewConfig creates a new Node configuration with safe defaults
func NewConfig() *Config {
	c := &Config{}
	c.SetDefaults()
	return c
}

// SetDefaults fills unset fields, including those of the component configs.
func (c *Config) SetDefaults() {
	c.Admission.SetDefaults()
	c.Presence.SetDefaults()
	c.Offline.SetDefaults()
	if c.HousekeepingInterval == 0 {
		c.HousekeepingInterval = DefaultHousekeepingInterval
	}
	if c.WelcomeFormat == "" {
		c.WelcomeFormat = DefaultWelcomeFormat
	}
	if c.WelcomePriority == 0 {
		c.WelcomePriority = DefaultWelcomePriority
	}
	if c.InitialStatus == "" {
		c.InitialStatus = DefaultInitialStatus
	}
}

// Validate validates the configuration and returns an error if invalid
func (c *Config) Validate() error {
	if c.HousekeepingInterval <= 0 {
		return ErrInvalidHousekeepingInterval
	}
	if c.WelcomePriority < brainwave.MinPriority || c.WelcomePriority > brainwave.MaxPriority {
		return ErrInvalidWelcomePriority
	}
	if _, err := brainwave.ParseSystemStatus(string(c.InitialStatus)); err != nil {
		return fmt.Errorf("invalid initial status: %w", err)
	}
	if err := c.Admission.Validate(); err != nil {
		return fmt.Errorf("invalid admission config: %w", err)
	}
	if err := c.Presence.Validate(); err != nil {
		return fmt.Errorf("invalid presence config: %w", err)
	}
	return nil
}

// WithAdmissionConfig sets the admission gate configuration
func (c *Config) WithAdmissionConfig(config admission.Config) *Config {
	c.Admission = config
	c.Admission.SetDefaults()
	return c
}

// WithPresenceConfig sets the registry configuration
func (c *Config) WithPresenceConfig(config presence.Config) *Config {
	c.Presence = config
	c.Presence.SetDefaults()
	return c
}

// WithOfflineConfig sets the offline queue configuration
func (c *Config) WithOfflineConfig(config offline.Config) *Config {
	c.Offline = config
	c.Offline.SetDefaults()
	return c
}

// WithHousekeepingInterval sets the housekeeping tick interval
func (c *Config) WithHousekeepingInterval(d time.Duration) *Config {
	c.HousekeepingInterval = d
	return c
}

// WithAdaptiveDifficulty enables or disables difficulty adaptation
func (c *Config) WithAdaptiveDifficulty(enabled bool) *Config {
	c.AdaptiveDifficulty = enabled
	return c
}
