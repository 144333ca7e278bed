// Package codec implements the compact binary encoding of brainwave
// messages. The layout is protobuf wire format with fixed field numbers,
// so any protobuf-aware peer can read it without generated code.
package codec

import (
	"errors"
	"fmt"
	"math"

	"google.golang.org/protobuf/encoding/protowire"

	"github.com/BIT1028/imotos-network/pkg/brainwave"
)

// Field numbers of the message envelope. They are part of the wire
// contract and must never be renumbered.
const (
	fieldSenderID       protowire.Number = 1
	fieldSenderName     protowire.Number = 2
	fieldReceiverID     protowire.Number = 3
	fieldMessageType    protowire.Number = 4
	fieldContent        protowire.Number = 5
	fieldTimestamp      protowire.Number = 6
	fieldPriority       protowire.Number = 7
	fieldEncryption     protowire.Number = 8
	fieldHasCoordinates protowire.Number = 9
	fieldCoordinateX    protowire.Number = 10
	fieldCoordinateY    protowire.Number = 11
	fieldCoordinateZ    protowire.Number = 12
	fieldID             protowire.Number = 13
)

var (
	// ErrMalformed is returned when the input is not valid wire format.
	ErrMalformed = errors.New("malformed message encoding")
	// ErrNilMessage is returned when encoding a nil message.
	ErrNilMessage = errors.New("message cannot be nil")
)

// Encode serializes msg. Optional fields are emitted only when set.
func Encode(msg *brainwave.Message) ([]byte, error) {
	if msg == nil {
		return nil, ErrNilMessage
	}

	b := make([]byte, 0, 32+len(msg.SenderName)+len(msg.Content)+len(msg.ID))

	b = protowire.AppendTag(b, fieldSenderID, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(msg.SenderID))

	b = protowire.AppendTag(b, fieldSenderName, protowire.BytesType)
	b = protowire.AppendString(b, msg.SenderName)

	if msg.ReceiverID != 0 {
		b = protowire.AppendTag(b, fieldReceiverID, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(msg.ReceiverID))
	}

	b = protowire.AppendTag(b, fieldMessageType, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(msg.Type))

	b = protowire.AppendTag(b, fieldContent, protowire.BytesType)
	b = protowire.AppendString(b, msg.Content)

	b = protowire.AppendTag(b, fieldTimestamp, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(msg.Timestamp))

	if msg.Priority != 0 {
		b = protowire.AppendTag(b, fieldPriority, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(msg.Priority))
	}

	if msg.Encryption != brainwave.EncryptionNone {
		b = protowire.AppendTag(b, fieldEncryption, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(msg.Encryption))
	}

	if c := msg.Coordinates; c != nil {
		b = protowire.AppendTag(b, fieldHasCoordinates, protowire.VarintType)
		b = protowire.AppendVarint(b, protowire.EncodeBool(true))
		b = appendFloat(b, fieldCoordinateX, c.X)
		b = appendFloat(b, fieldCoordinateY, c.Y)
		b = appendFloat(b, fieldCoordinateZ, c.Z)
	}

	if msg.ID != "" {
		b = protowire.AppendTag(b, fieldID, protowire.BytesType)
		b = protowire.AppendString(b, msg.ID)
	}

	return b, nil
}

func appendFloat(b []byte, num protowire.Number, v float64) []byte {
	b = protowire.AppendTag(b, num, protowire.Fixed32Type)
	return protowire.AppendFixed32(b, math.Float32bits(float32(v)))
}

// Decode parses data produced by Encode. Unknown fields are skipped, a
// missing priority decodes as the default and a missing encryption level
// as NONE. Decode does not validate the message.
func Decode(data []byte) (*brainwave.Message, error) {
	msg := &brainwave.Message{
		Priority:   brainwave.DefaultPriority,
		Encryption: brainwave.EncryptionNone,
	}
	var (
		hasCoordinates bool
		coords         brainwave.Coordinates
	)

	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return nil, malformed(n)
		}
		data = data[n:]

		switch {
		case typ == protowire.VarintType && isVarintField(num):
			v, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return nil, malformed(n)
			}
			data = data[n:]
			if err := setVarint(msg, &hasCoordinates, num, v); err != nil {
				return nil, err
			}

		case typ == protowire.BytesType && isBytesField(num):
			v, n := protowire.ConsumeString(data)
			if n < 0 {
				return nil, malformed(n)
			}
			data = data[n:]
			switch num {
			case fieldSenderName:
				msg.SenderName = v
			case fieldContent:
				msg.Content = v
			case fieldID:
				msg.ID = v
			}

		case typ == protowire.Fixed32Type && isCoordinateField(num):
			v, n := protowire.ConsumeFixed32(data)
			if n < 0 {
				return nil, malformed(n)
			}
			data = data[n:]
			f := float64(math.Float32frombits(v))
			switch num {
			case fieldCoordinateX:
				coords.X = f
			case fieldCoordinateY:
				coords.Y = f
			case fieldCoordinateZ:
				coords.Z = f
			}

		default:
			n := protowire.ConsumeFieldValue(num, typ, data)
			if n < 0 {
				return nil, malformed(n)
			}
			data = data[n:]
		}
	}

	if hasCoordinates {
		msg.Coordinates = &coords
	}
	return msg, nil
}

func setVarint(msg *brainwave.Message, hasCoordinates *bool, num protowire.Number, v uint64) error {
	switch num {
	case fieldSenderID:
		if v > math.MaxUint32 {
			return fmt.Errorf("%w: senderId overflows uint32", ErrMalformed)
		}
		msg.SenderID = uint32(v)
	case fieldReceiverID:
		if v > math.MaxUint32 {
			return fmt.Errorf("%w: receiverId overflows uint32", ErrMalformed)
		}
		msg.ReceiverID = uint32(v)
	case fieldMessageType:
		if v > math.MaxUint8 {
			return fmt.Errorf("%w: messageType %d", ErrMalformed, v)
		}
		msg.Type = brainwave.MessageType(v)
	case fieldTimestamp:
		msg.Timestamp = int64(v)
	case fieldPriority:
		if v > math.MaxUint8 {
			return fmt.Errorf("%w: priority %d", ErrMalformed, v)
		}
		msg.Priority = uint8(v)
	case fieldEncryption:
		if v > math.MaxUint8 {
			return fmt.Errorf("%w: encryptionLevel %d", ErrMalformed, v)
		}
		msg.Encryption = brainwave.EncryptionLevel(v)
	case fieldHasCoordinates:
		*hasCoordinates = protowire.DecodeBool(v)
	}
	return nil
}

func isVarintField(num protowire.Number) bool {
	switch num {
	case fieldSenderID, fieldReceiverID, fieldMessageType, fieldTimestamp,
		fieldPriority, fieldEncryption, fieldHasCoordinates:
		return true
	}
	return false
}

func isBytesField(num protowire.Number) bool {
	return num == fieldSenderName || num == fieldContent || num == fieldID
}

func isCoordinateField(num protowire.Number) bool {
	return num >= fieldCoordinateX && num <= fieldCoordinateZ
}

func malformed(n int) error {
	return fmt.Errorf("%w: %v", ErrMalformed, protowire.ParseError(n))
}

// CompressionRatio is the percentage saved by compressing original bytes
// down to compressed bytes, rounded to the nearest integer. It is zero
// when original is zero.
func CompressionRatio(original, compressed int) int {
	if original == 0 {
		return 0
	}
	return int(math.Round(float64(original-compressed) / float64(original) * 100))
}
