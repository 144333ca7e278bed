package secure

import (
	"encoding/base64"
	"fmt"
	"strings"

	"github.com/BIT1028/imotos-network/pkg/brainwave"
)

// String renders s as the text carried in Message.Content.
// NONE is standard base64 of the plaintext; the tiers are four unpadded
// base64 fields separated by '.': salt, nonce, ciphertext, tag.
func (s *Sealed) String() string {
	if s.Level == brainwave.EncryptionNone {
		return base64.StdEncoding.EncodeToString(s.Ciphertext)
	}
	return strings.Join([]string{
		b64.EncodeToString(s.Salt),
		b64.EncodeToString(s.Nonce),
		b64.EncodeToString(s.Ciphertext),
		b64.EncodeToString(s.Tag),
	}, ".")
}

// ParseSealed is the inverse of Sealed.String for the given level.
func ParseSealed(text string, level brainwave.EncryptionLevel) (*Sealed, error) {
	if level == brainwave.EncryptionNone {
		raw, err := base64.StdEncoding.DecodeString(text)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedSealed, err)
		}
		return &Sealed{Level: level, Ciphertext: raw}, nil
	}
	if _, ok := tiers[level]; !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownLevel, level)
	}

	parts := strings.Split(text, ".")
	if len(parts) != 4 {
		return nil, fmt.Errorf("%w: expected 4 fields, got %d", ErrMalformedSealed, len(parts))
	}
	fields := make([][]byte, len(parts))
	for i, p := range parts {
		raw, err := b64.DecodeString(p)
		if err != nil {
			return nil, fmt.Errorf("%w: field %d: %v", ErrMalformedSealed, i, err)
		}
		fields[i] = raw
	}

	return &Sealed{
		Level:      level,
		Salt:       fields[0],
		Nonce:      fields[1],
		Ciphertext: fields[2],
		Tag:        fields[3],
	}, nil
}
