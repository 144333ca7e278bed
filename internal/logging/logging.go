// Package logging builds the zap loggers used by the binaries.
package logging

import (
	"errors"
	"fmt"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

const (
	FormatJSON    = "json"
	FormatConsole = "console"
)

// ErrUnknownFormat is returned for a format other than json or console
var ErrUnknownFormat = errors.New("unknown log format")

// New builds a logger. json selects the production encoder and sampling,
// console the human-readable development encoder.
func New(level, format string) (*zap.Logger, error) {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", level, err)
	}

	var config zap.Config
	switch format {
	case FormatJSON, "":
		config = zap.NewProductionConfig()
		config.EncoderConfig.TimeKey = "time"
		config.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	case FormatConsole:
		config = zap.NewDevelopmentConfig()
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownFormat, format)
	}
	config.Level = zap.NewAtomicLevelAt(lvl)

	return config.Build()
}

// ValidFormat reports whether format is accepted by New.
func ValidFormat(format string) bool {
	return format == FormatJSON || format == FormatConsole || format == ""
}
