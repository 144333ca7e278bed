package admission

import (
	"errors"
	"fmt"
	"time"
)

const (
	// MinDifficulty and MaxDifficulty bound the number of leading hex zeros.
	MinDifficulty = 1
	MaxDifficulty = 8

	DefaultDifficulty      = 4
	DefaultTimeout         = 60 * time.Second
	DefaultMaxChallenges   = 50_000
	DefaultTargetSolveTime = 5 * time.Second
)

// ErrDifficultyOutOfRange is returned when a difficulty falls outside [1,8].
var ErrDifficultyOutOfRange = errors.New("difficulty out of range")

// Config holds configuration for the admission gate.
type Config struct {
	// Difficulty is the initial number of leading '0' hex digits required.
	Difficulty int
	// Timeout is how long an issued challenge stays redeemable.
	Timeout time.Duration
	// MaxChallenges caps outstanding challenges; the oldest are evicted first.
	MaxChallenges int
	// IssueRate limits challenge issuance per second across all nodes.
	// Zero disables the limit.
	IssueRate float64
	// IssueBurst is the token bucket size used with IssueRate.
	IssueBurst int
	// TargetSolveTime is what adaptive difficulty steers towards.
	TargetSolveTime time.Duration
}

// SetDefaults fills unset fields.
func (c *Config) SetDefaults() {
	if c.Difficulty == 0 {
		c.Difficulty = DefaultDifficulty
	}
	if c.Timeout <= 0 {
		c.Timeout = DefaultTimeout
	}
	if c.MaxChallenges <= 0 {
		c.MaxChallenges = DefaultMaxChallenges
	}
	if c.IssueRate > 0 && c.IssueBurst <= 0 {
		c.IssueBurst = int(c.IssueRate) + 1
	}
	if c.TargetSolveTime <= 0 {
		c.TargetSolveTime = DefaultTargetSolveTime
	}
}

// Validate checks the configuration after defaults are applied.
func (c *Config) Validate() error {
	if err := checkDifficulty(c.Difficulty); err != nil {
		return err
	}
	if c.IssueRate < 0 {
		return errors.New("issue rate cannot be negative")
	}
	return nil
}

func checkDifficulty(d int) error {
	if d < MinDifficulty || d > MaxDifficulty {
		return fmt.Errorf("%w: %d not in [%d,%d]", ErrDifficultyOutOfRange, d, MinDifficulty, MaxDifficulty)
	}
	return nil
}
