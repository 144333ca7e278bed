package nodelink

import (
	"errors"
	"time"

	"github.com/BIT1028/imotos-network/internal/codec"
)

// Config holds configuration for the node link server
type Config struct {
	ListenAddress     string
	SendQueueSize     int
	KeepaliveInterval time.Duration
	MaxMessageSize    int
	CompressThreshold int
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.ListenAddress == "" {
		return errors.New("listen address cannot be empty")
	}
	if c.SendQueueSize < 0 {
		return errors.New("send queue size cannot be negative")
	}
	if c.MaxMessageSize < 0 {
		return errors.New("max message size cannot be negative")
	}
	return nil
}

// SetDefaults sets sensible default values for unset configuration fields
func (c *Config) SetDefaults() {
	if c.ListenAddress == "" {
		c.ListenAddress = ":7070"
	}
	if c.SendQueueSize <= 0 {
		c.SendQueueSize = 1000
	}
	if c.KeepaliveInterval <= 0 {
		c.KeepaliveInterval = 30 * time.Second
	}
	if c.MaxMessageSize <= 0 {
		c.MaxMessageSize = 1024 * 1024 // 1MB
	}
	if c.CompressThreshold <= 0 {
		c.CompressThreshold = codec.DefaultCompressThreshold
	}
}
