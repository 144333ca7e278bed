// Package admission guards node registration with a proof-of-work puzzle.
//
// A node asks for a challenge, searches for a nonce whose
// SHA-256(challenge || nonce) hex digest starts with the required number
// of '0' characters, and presents it when registering. Each challenge can
// be redeemed once and only within its validity window.
package admission

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/minio/sha256-simd"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/BIT1028/imotos-network/pkg/brainwave"
)

const tokenBytes = 16

var (
	// ErrNoChallenge is the refusal reason when nothing was issued to the node.
	ErrNoChallenge = errors.New("no outstanding challenge")
	// ErrChallengeExpired is the refusal reason when the challenge timed out.
	ErrChallengeExpired = errors.New("challenge expired")
	// ErrInvalidProof is the refusal reason when the digest misses the target.
	ErrInvalidProof = errors.New("proof does not meet difficulty")
	// ErrRateLimited is returned when challenges are requested too quickly.
	ErrRateLimited = errors.New("challenge issuance rate exceeded")
	// ErrInvalidNodeID is returned for node id zero.
	ErrInvalidNodeID = errors.New("node ID must be positive")
)

type challenge struct {
	token      string
	difficulty int
	issuedAt   time.Time
}

// Gate issues and verifies proof-of-work challenges. It is safe for
// concurrent use.
type Gate struct {
	mu         sync.Mutex
	config     Config
	difficulty int
	challenges *lru.Cache[uint32, challenge]
	limiter    *rate.Limiter

	solveTotal time.Duration
	solveCount int

	clock  clock.Clock
	random io.Reader
	logger *zap.Logger
}

// Option configures a Gate.
type Option func(*Gate)

// WithClock replaces the wall clock, mainly for tests.
func WithClock(c clock.Clock) Option {
	return func(g *Gate) { g.clock = c }
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(g *Gate) { g.logger = l }
}

// WithRandom replaces the token source.
func WithRandom(r io.Reader) Option {
	return func(g *Gate) { g.random = r }
}

// NewGate creates an admission gate.
func NewGate(config Config, opts ...Option) (*Gate, error) {
	config.SetDefaults()
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid admission config: %w", err)
	}

	cache, err := lru.New[uint32, challenge](config.MaxChallenges)
	if err != nil {
		return nil, fmt.Errorf("failed to create challenge table: %w", err)
	}

	g := &Gate{
		config:     config,
		difficulty: config.Difficulty,
		challenges: cache,
		clock:      clock.New(),
		random:     rand.Reader,
		logger:     zap.NewNop(),
	}
	if config.IssueRate > 0 {
		g.limiter = rate.NewLimiter(rate.Limit(config.IssueRate), config.IssueBurst)
	}
	for _, opt := range opts {
		opt(g)
	}
	return g, nil
}

// IssueChallenge creates a fresh challenge for nodeID, replacing any
// challenge issued to it before.
func (g *Gate) IssueChallenge(nodeID uint32) (brainwave.Challenge, error) {
	if nodeID == 0 {
		return brainwave.Challenge{}, ErrInvalidNodeID
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.clock.Now()
	if g.limiter != nil && !g.limiter.AllowN(now, 1) {
		return brainwave.Challenge{}, brainwave.AdmissionError(ErrRateLimited)
	}

	buf := make([]byte, tokenBytes)
	if _, err := io.ReadFull(g.random, buf); err != nil {
		return brainwave.Challenge{}, fmt.Errorf("failed to generate challenge: %w", err)
	}

	c := challenge{
		token:      hex.EncodeToString(buf),
		difficulty: g.difficulty,
		issuedAt:   now,
	}
	if evicted := g.challenges.Add(nodeID, c); evicted {
		g.logger.Debug("challenge table full, evicted oldest entry")
	}

	return brainwave.Challenge{
		NodeID:     nodeID,
		Token:      c.token,
		Difficulty: c.difficulty,
		IssuedAt:   now,
		ExpiresAt:  now.Add(g.config.Timeout),
	}, nil
}

// VerifyProof reports whether nonce solves the challenge issued to nodeID.
// A successful proof consumes the challenge; an expired one is discarded.
func (g *Gate) VerifyProof(nodeID uint32, nonce string) bool {
	return g.Admit(nodeID, nonce) == nil
}

// Admit is VerifyProof with the refusal reason attached as an admission error.
func (g *Gate) Admit(nodeID uint32, nonce string) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	c, ok := g.challenges.Peek(nodeID)
	if !ok {
		return brainwave.AdmissionError(ErrNoChallenge)
	}

	now := g.clock.Now()
	elapsed := now.Sub(c.issuedAt)
	if elapsed > g.config.Timeout {
		g.challenges.Remove(nodeID)
		return brainwave.AdmissionError(ErrChallengeExpired)
	}

	if !Satisfies(c.token, nonce, c.difficulty) {
		return brainwave.AdmissionError(ErrInvalidProof)
	}

	g.challenges.Remove(nodeID)
	g.solveTotal += elapsed
	g.solveCount++
	return nil
}

// Difficulty returns the difficulty assigned to newly issued challenges.
func (g *Gate) Difficulty() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.difficulty
}

// SetDifficulty changes the difficulty of future challenges. Outstanding
// challenges keep the difficulty they were issued with.
func (g *Gate) SetDifficulty(d int) error {
	if err := checkDifficulty(d); err != nil {
		return err
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	g.difficulty = d
	return nil
}

// AdjustDifficulty nudges the difficulty by one step towards target:
// up when solves take less than half the target, down when they take
// more than twice it. The result is clamped to [1,8] and returned.
func (g *Gate) AdjustDifficulty(observed, target time.Duration) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.adjustLocked(observed, target)
}

func (g *Gate) adjustLocked(observed, target time.Duration) int {
	next := g.difficulty
	switch {
	case observed < target/2:
		next++
	case observed > target*2:
		next--
	}
	next = min(max(next, MinDifficulty), MaxDifficulty)
	if next != g.difficulty {
		g.logger.Info("adjusted admission difficulty",
			zap.Int("from", g.difficulty),
			zap.Int("to", next),
			zap.Duration("observed", observed),
			zap.Duration("target", target))
		g.difficulty = next
	}
	return next
}

// AverageSolveTime is the mean issue-to-redeem latency of successful
// proofs since the last Adapt.
func (g *Gate) AverageSolveTime() (time.Duration, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.solveCount == 0 {
		return 0, false
	}
	return g.solveTotal / time.Duration(g.solveCount), true
}

// Adapt feeds the observed average solve time into AdjustDifficulty and
// resets the window. It does nothing when no proofs were redeemed.
func (g *Gate) Adapt() (int, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.solveCount == 0 {
		return g.difficulty, false
	}
	avg := g.solveTotal / time.Duration(g.solveCount)
	g.solveTotal, g.solveCount = 0, 0
	return g.adjustLocked(avg, g.config.TargetSolveTime), true
}

// Sweep drops every challenge older than the timeout and returns how
// many were removed.
func (g *Gate) Sweep() int {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.clock.Now()
	removed := 0
	for _, id := range g.challenges.Keys() {
		c, ok := g.challenges.Peek(id)
		if ok && now.Sub(c.issuedAt) > g.config.Timeout {
			g.challenges.Remove(id)
			removed++
		}
	}
	return removed
}

// Pending returns the number of outstanding challenges.
func (g *Gate) Pending() int {
	return g.challenges.Len()
}

// Satisfies reports whether SHA-256(token || nonce), hex encoded, starts
// with difficulty '0' characters.
func Satisfies(token, nonce string, difficulty int) bool {
	sum := sha256.Sum256([]byte(token + nonce))
	digest := hex.EncodeToString(sum[:])
	return strings.HasPrefix(digest, strings.Repeat("0", difficulty))
}
