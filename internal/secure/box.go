// Package secure seals message content with authenticated encryption.
//
// Three tiers map onto AES-GCM key sizes; each seal derives a fresh key
// from the network secret and a random salt with scrypt, so no two
// messages share a key. NONE is a plain base64 encoding.
package secure

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/scrypt"

	"github.com/BIT1028/imotos-network/pkg/brainwave"
)

const (
	// NonceSize is the AES-GCM nonce length for every tier.
	NonceSize = 12
	// TagSize is the AES-GCM authentication tag length for every tier.
	TagSize = 16

	// DefaultScryptN, DefaultScryptR and DefaultScryptP are the key
	// derivation cost parameters.
	DefaultScryptN = 1 << 14
	DefaultScryptR = 8
	DefaultScryptP = 1
)

var (
	// ErrEmptySecret is returned when a Box is built without a secret.
	ErrEmptySecret = errors.New("network secret cannot be empty")
	// ErrUnknownLevel is returned for an encryption level outside the tiers.
	ErrUnknownLevel = errors.New("unknown encryption level")
	// ErrAuthentication is returned when the tag does not verify.
	ErrAuthentication = errors.New("message authentication failed")
	// ErrMalformedSealed is returned when a sealed string cannot be parsed.
	ErrMalformedSealed = errors.New("malformed sealed content")
)

type tier struct {
	keySize  int
	saltSize int
}

var tiers = map[brainwave.EncryptionLevel]tier{
	brainwave.EncryptionLevel1: {keySize: 16, saltSize: 16},
	brainwave.EncryptionLevel2: {keySize: 24, saltSize: 24},
	brainwave.EncryptionLevel3: {keySize: 32, saltSize: 32},
}

// Sealed is the output of Encrypt. For NONE only Ciphertext is set and
// holds the plaintext.
type Sealed struct {
	Level      brainwave.EncryptionLevel
	Ciphertext []byte
	Nonce      []byte
	Salt       []byte
	Tag        []byte
}

// Box encrypts and decrypts with one immutable network secret.
// It is safe for concurrent use.
type Box struct {
	secret  []byte
	n, r, p int
	random  io.Reader
}

// Option configures a Box.
type Option func(*Box)

// WithScryptParams overrides the key derivation cost.
func WithScryptParams(n, r, p int) Option {
	return func(b *Box) {
		b.n, b.r, b.p = n, r, p
	}
}

// WithRandom replaces the salt and nonce source.
func WithRandom(r io.Reader) Option {
	return func(b *Box) {
		b.random = r
	}
}

// New creates a Box bound to secret.
func New(secret string, opts ...Option) (*Box, error) {
	if secret == "" {
		return nil, ErrEmptySecret
	}
	b := &Box{
		secret: []byte(secret),
		n:      DefaultScryptN,
		r:      DefaultScryptR,
		p:      DefaultScryptP,
		random: rand.Reader,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b, nil
}

// Encrypt seals plaintext at the requested level.
func (b *Box) Encrypt(plaintext []byte, level brainwave.EncryptionLevel) (*Sealed, error) {
	if level == brainwave.EncryptionNone {
		return &Sealed{Level: level, Ciphertext: append([]byte(nil), plaintext...)}, nil
	}
	t, ok := tiers[level]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownLevel, level)
	}

	salt := make([]byte, t.saltSize)
	if _, err := io.ReadFull(b.random, salt); err != nil {
		return nil, fmt.Errorf("failed to read salt: %w", err)
	}
	nonce := make([]byte, NonceSize)
	if _, err := io.ReadFull(b.random, nonce); err != nil {
		return nil, fmt.Errorf("failed to read nonce: %w", err)
	}

	aead, err := b.aead(salt, t.keySize)
	if err != nil {
		return nil, err
	}

	out := aead.Seal(nil, nonce, plaintext, nil)
	split := len(out) - TagSize
	return &Sealed{
		Level:      level,
		Ciphertext: out[:split],
		Nonce:      nonce,
		Salt:       salt,
		Tag:        out[split:],
	}, nil
}

// Decrypt opens s. Any failure is a brainwave crypto error and no
// plaintext is returned.
func (b *Box) Decrypt(s *Sealed) ([]byte, error) {
	if s == nil {
		return nil, brainwave.CryptoError(ErrMalformedSealed)
	}
	if s.Level == brainwave.EncryptionNone {
		return append([]byte(nil), s.Ciphertext...), nil
	}
	t, ok := tiers[s.Level]
	if !ok {
		return nil, brainwave.CryptoError(fmt.Errorf("%w: %s", ErrUnknownLevel, s.Level))
	}
	if len(s.Salt) != t.saltSize || len(s.Nonce) != NonceSize || len(s.Tag) != TagSize {
		return nil, brainwave.CryptoError(ErrMalformedSealed)
	}

	aead, err := b.aead(s.Salt, t.keySize)
	if err != nil {
		return nil, brainwave.CryptoError(err)
	}

	sealed := make([]byte, 0, len(s.Ciphertext)+TagSize)
	sealed = append(sealed, s.Ciphertext...)
	sealed = append(sealed, s.Tag...)

	plaintext, err := aead.Open(nil, s.Nonce, sealed, nil)
	if err != nil {
		return nil, brainwave.CryptoError(ErrAuthentication)
	}
	return plaintext, nil
}

// Verify checks that content, as carried in a message at level, was
// sealed with this Box.
func (b *Box) Verify(content string, level brainwave.EncryptionLevel) error {
	s, err := ParseSealed(content, level)
	if err != nil {
		return brainwave.CryptoError(err)
	}
	_, err = b.Decrypt(s)
	return err
}

func (b *Box) aead(salt []byte, keySize int) (cipher.AEAD, error) {
	key, err := scrypt.Key(b.secret, salt, b.n, b.r, b.p, keySize)
	if err != nil {
		return nil, fmt.Errorf("failed to derive key: %w", err)
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	return cipher.NewGCMWithNonceSize(block, NonceSize)
}

// GenerateKey returns n random bytes hex-encoded, suitable as a network secret.
func GenerateKey(n int) (string, error) {
	if n <= 0 {
		return "", errors.New("key length must be positive")
	}
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}

var b64 = base64.RawStdEncoding
