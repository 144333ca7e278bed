// Package identity issues and validates the bearer tokens that bind a
// transport connection to a node id.
package identity

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/golang-jwt/jwt/v5"

	"github.com/BIT1028/imotos-network/pkg/brainwave"
)

// DefaultTokenTTL is how long issued tokens stay valid.
const DefaultTokenTTL = 24 * time.Hour

var (
	// ErrEmptySecret is returned when no signing secret is configured
	ErrEmptySecret = errors.New("signing secret cannot be empty")
	// ErrEmptyToken is returned when no token was presented
	ErrEmptyToken = errors.New("token cannot be empty")
	// ErrInvalidNodeID is returned for node id zero
	ErrInvalidNodeID = errors.New("node ID must be positive")
)

// Claims represents the JWT token claims
type Claims struct {
	NodeID      uint32 `json:"node_id"`
	DisplayName string `json:"display_name,omitempty"`
	jwt.RegisteredClaims
}

// IsAdmin reports whether the token belongs to the control node.
func (c *Claims) IsAdmin() bool {
	return c.NodeID == brainwave.ControlNodeID
}

// Authenticator handles JWT token creation and validation
type Authenticator struct {
	secretKey []byte
	ttl       time.Duration
	issuer    string
	clock     clock.Clock
}

// Option configures an Authenticator.
type Option func(*Authenticator)

// WithTTL sets the lifetime of issued tokens.
func WithTTL(ttl time.Duration) Option {
	return func(a *Authenticator) { a.ttl = ttl }
}

// WithIssuer sets and requires the iss claim.
func WithIssuer(issuer string) Option {
	return func(a *Authenticator) { a.issuer = issuer }
}

// WithClock replaces the wall clock used for issuing and validating.
func WithClock(c clock.Clock) Option {
	return func(a *Authenticator) { a.clock = c }
}

// NewAuthenticator creates a new JWT authentication handler
func NewAuthenticator(secretKey string, opts ...Option) (*Authenticator, error) {
	if secretKey == "" {
		return nil, ErrEmptySecret
	}
	a := &Authenticator{
		secretKey: []byte(secretKey),
		ttl:       DefaultTokenTTL,
		clock:     clock.New(),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a, nil
}

// Issue creates a new token for a node
func (a *Authenticator) Issue(nodeID uint32, displayName string) (string, time.Time, error) {
	if nodeID == 0 {
		return "", time.Time{}, ErrInvalidNodeID
	}

	now := a.clock.Now()
	expiresAt := now.Add(a.ttl)

	claims := Claims{
		NodeID:      nodeID,
		DisplayName: displayName,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   strconv.FormatUint(uint64(nodeID), 10),
			Issuer:    a.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	tokenString, err := token.SignedString(a.secretKey)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("failed to create token: %w", err)
	}

	return tokenString, expiresAt, nil
}

// Validate validates a token and returns the claims. A "Bearer " prefix
// is accepted.
func (a *Authenticator) Validate(tokenString string) (*Claims, error) {
	tokenString = strings.TrimSpace(strings.TrimPrefix(tokenString, "Bearer "))
	if tokenString == "" {
		return nil, ErrEmptyToken
	}

	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(a.clock.Now),
		jwt.WithExpirationRequired(),
	}
	if a.issuer != "" {
		opts = append(opts, jwt.WithIssuer(a.issuer))
	}

	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		return a.secretKey, nil
	}, opts...)
	if err != nil {
		return nil, fmt.Errorf("invalid token: %w", err)
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, errors.New("token is not valid")
	}
	if claims.NodeID == 0 {
		return nil, fmt.Errorf("invalid token: %w", ErrInvalidNodeID)
	}

	return claims, nil
}

type contextKey struct{}

// NewContext returns a copy of ctx carrying claims.
func NewContext(ctx context.Context, claims *Claims) context.Context {
	return context.WithValue(ctx, contextKey{}, claims)
}

// FromContext returns the claims stored by NewContext.
func FromContext(ctx context.Context) (*Claims, bool) {
	claims, ok := ctx.Value(contextKey{}).(*Claims)
	return claims, ok && claims != nil
}
