package brainwave

import (
	"encoding/json"
	"fmt"
	"math"
	"strings"
	"time"
)

const (
	// DefaultPriority is assigned to messages that arrive without one.
	DefaultPriority = 5
	// MinPriority and MaxPriority bound Message.Priority.
	MinPriority = 1
	MaxPriority = 10
	// EmergencyPriority is forced onto every EMERGENCY message.
	EmergencyPriority = MaxPriority
)

// MessageType selects how the router dispatches a message.
type MessageType uint8

const (
	// Unspecified is the zero value and never valid on a routed message.
	Unspecified MessageType = iota
	Broadcast
	Direct
	System
	Emergency
)

var messageTypeNames = map[MessageType]string{
	Broadcast: "BROADCAST",
	Direct:    "DIRECT",
	System:    "SYSTEM",
	Emergency: "EMERGENCY",
}

func (t MessageType) String() string {
	if name, ok := messageTypeNames[t]; ok {
		return name
	}
	return fmt.Sprintf("MessageType(%d)", uint8(t))
}

// Valid reports whether t is one of the four routable types.
func (t MessageType) Valid() bool {
	_, ok := messageTypeNames[t]
	return ok
}

// ParseMessageType parses the upper-case wire name of a message type.
func ParseMessageType(s string) (MessageType, error) {
	for t, name := range messageTypeNames {
		if strings.EqualFold(name, s) {
			return t, nil
		}
	}
	return Unspecified, fmt.Errorf("unknown message type %q", s)
}

// MarshalText implements encoding.TextMarshaler.
func (t MessageType) MarshalText() ([]byte, error) {
	if !t.Valid() {
		return nil, fmt.Errorf("cannot marshal %s", t)
	}
	return []byte(t.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (t *MessageType) UnmarshalText(text []byte) error {
	parsed, err := ParseMessageType(string(text))
	if err != nil {
		return err
	}
	*t = parsed
	return nil
}

// EncryptionLevel names the content protection tier of a message.
type EncryptionLevel uint8

const (
	EncryptionNone EncryptionLevel = iota
	EncryptionLevel1
	EncryptionLevel2
	EncryptionLevel3
)

var encryptionNames = [...]string{"NONE", "LEVEL1", "LEVEL2", "LEVEL3"}

func (l EncryptionLevel) String() string {
	if l.Valid() {
		return encryptionNames[l]
	}
	return fmt.Sprintf("EncryptionLevel(%d)", uint8(l))
}

// Valid reports whether l is a known tier.
func (l EncryptionLevel) Valid() bool {
	return int(l) < len(encryptionNames)
}

// ParseEncryptionLevel parses NONE, LEVEL1, LEVEL2 or LEVEL3.
func ParseEncryptionLevel(s string) (EncryptionLevel, error) {
	for i, name := range encryptionNames {
		if strings.EqualFold(name, s) {
			return EncryptionLevel(i), nil
		}
	}
	return EncryptionNone, fmt.Errorf("unknown encryption level %q", s)
}

// MarshalText implements encoding.TextMarshaler.
func (l EncryptionLevel) MarshalText() ([]byte, error) {
	if !l.Valid() {
		return nil, fmt.Errorf("cannot marshal %s", l)
	}
	return []byte(l.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (l *EncryptionLevel) UnmarshalText(text []byte) error {
	parsed, err := ParseEncryptionLevel(string(text))
	if err != nil {
		return err
	}
	*l = parsed
	return nil
}

// Coordinates is an optional spatial tag carried by a message.
type Coordinates struct {
	X float64 `json:"x" cbor:"x"`
	Y float64 `json:"y" cbor:"y"`
	Z float64 `json:"z" cbor:"z"`
}

// Message is the envelope exchanged between nodes.
type Message struct {
	// ID is assigned by the router and used to correlate delivery receipts.
	ID string `json:"id,omitempty" cbor:"id,omitempty"`

	SenderID   uint32 `json:"senderId" cbor:"senderId"`
	SenderName string `json:"senderName" cbor:"senderName"`

	// ReceiverID is required for DIRECT messages. Zero means absent.
	ReceiverID uint32 `json:"receiverId,omitempty" cbor:"receiverId,omitempty"`

	Type    MessageType `json:"messageType" cbor:"messageType"`
	Content string      `json:"content" cbor:"content"`

	// Timestamp is milliseconds since the Unix epoch.
	Timestamp int64 `json:"timestamp" cbor:"timestamp"`

	Priority    uint8           `json:"priority,omitempty" cbor:"priority"`
	Encryption  EncryptionLevel `json:"encryptionLevel" cbor:"encryptionLevel"`
	Coordinates *Coordinates    `json:"coordinates,omitempty" cbor:"coordinates,omitempty"`
}

// UnmarshalJSON keeps an explicit priority apart from a missing one: only
// a missing priority is left for ApplyDefaults, and an explicit value
// outside [1,10], zero included, is a validation error.
func (m *Message) UnmarshalJSON(data []byte) error {
	type plain Message
	aux := struct {
		*plain
		Priority *int `json:"priority"`
	}{plain: (*plain)(m)}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	if aux.Priority != nil {
		p := *aux.Priority
		if p < MinPriority || p > MaxPriority {
			return Validationf("priority %d out of range [%d,%d]", p, MinPriority, MaxPriority)
		}
		m.Priority = uint8(p)
	}
	return nil
}

// ApplyDefaults fills in the optional fields: priority 5 and a timestamp of now.
func (m *Message) ApplyDefaults(now time.Time) {
	if m.Priority == 0 {
		m.Priority = DefaultPriority
	}
	if m.Timestamp == 0 {
		m.Timestamp = now.UnixMilli()
	}
}

// Validate checks the envelope schema. It does not consult the registry.
func (m *Message) Validate() error {
	if m.SenderID == 0 {
		return Validationf("senderId is required")
	}
	if strings.TrimSpace(m.SenderName) == "" {
		return Validationf("senderName is required")
	}
	if !m.Type.Valid() {
		return Validationf("unknown messageType %d", uint8(m.Type))
	}
	if m.Type == Direct && m.ReceiverID == 0 {
		return Validationf("receiverId is required for DIRECT messages")
	}
	if m.Priority < MinPriority || m.Priority > MaxPriority {
		return Validationf("priority %d out of range [%d,%d]", m.Priority, MinPriority, MaxPriority)
	}
	if !m.Encryption.Valid() {
		return Validationf("unknown encryptionLevel %d", uint8(m.Encryption))
	}
	if m.Content == "" {
		return Validationf("content is required")
	}
	if c := m.Coordinates; c != nil {
		for _, v := range []float64{c.X, c.Y, c.Z} {
			if math.IsNaN(v) || math.IsInf(v, 0) {
				return Validationf("coordinates must be finite")
			}
		}
	}
	return nil
}

// Clone returns a copy that shares no pointers with m.
func (m Message) Clone() Message {
	if m.Coordinates != nil {
		c := *m.Coordinates
		m.Coordinates = &c
	}
	return m
}

// SentAt converts Timestamp back to a time.Time.
func (m *Message) SentAt() time.Time {
	return time.UnixMilli(m.Timestamp)
}
