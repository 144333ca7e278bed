package presence

import (
	"errors"
	"time"

	"github.com/BIT1028/imotos-network/pkg/brainwave"
)

const (
	DefaultInactivityThreshold = 5 * time.Minute
	DefaultCapacity            = 20_000
	DefaultLocation            = "unknown"
	DefaultMinStrength         = 85
	DefaultStrengthSpread      = 15
)

// Config holds configuration for the registry.
type Config struct {
	// InactivityThreshold is how long a node may stay silent before
	// SweepInactive evicts it.
	InactivityThreshold time.Duration
	// Capacity is the node count that corresponds to 100% network load.
	Capacity int
	// DefaultLocation is used when a node registers without one.
	DefaultLocation string
	// DefaultCapabilities are granted on first registration.
	DefaultCapabilities []string
	// AdminNodeID is the node id that receives admin rights.
	AdminNodeID uint32
	// EventBuffer sizes each change subscription.
	EventBuffer int
}

// SetDefaults fills unset fields.
func (c *Config) SetDefaults() {
	if c.InactivityThreshold <= 0 {
		c.InactivityThreshold = DefaultInactivityThreshold
	}
	if c.Capacity <= 0 {
		c.Capacity = DefaultCapacity
	}
	if c.DefaultLocation == "" {
		c.DefaultLocation = DefaultLocation
	}
	if len(c.DefaultCapabilities) == 0 {
		c.DefaultCapabilities = []string{brainwave.BasicCommunication}
	}
	if c.AdminNodeID == 0 {
		c.AdminNodeID = brainwave.ControlNodeID
	}
}

// Validate checks the configuration after defaults are applied.
func (c *Config) Validate() error {
	if c.Capacity <= 0 {
		return errors.New("capacity must be positive")
	}
	return nil
}
