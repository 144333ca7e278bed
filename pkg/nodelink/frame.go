package nodelink

import (
	"github.com/BIT1028/imotos-network/pkg/brainwave"
	"github.com/BIT1028/imotos-network/pkg/meshnode"
	"github.com/BIT1028/imotos-network/pkg/presence"
)

// FrameKind names a request or reply on a node link.
type FrameKind string

const (
	// Requests (node -> server). Each is answered by a frame with the same
	// Seq: the kind of the same name, KindAck for messages, or KindError.
	KindChallenge FrameKind = "challenge"
	KindRegister  FrameKind = "register"
	KindMessage   FrameKind = "message"
	KindStatus    FrameKind = "update_status"
	KindHeartbeat FrameKind = "heartbeat"
	KindDrain     FrameKind = "drain"

	// Replies and pushes (server -> node).
	KindAck   FrameKind = "ack"
	KindEvent FrameKind = "event"
	KindError FrameKind = "error"
)

// ClientFrame is sent by a node.
type ClientFrame struct {
	Kind FrameKind `json:"kind" cbor:"kind"`
	Seq  uint64    `json:"seq,omitempty" cbor:"seq,omitempty"`

	Register *meshnode.RegisterRequest `json:"register,omitempty" cbor:"register,omitempty"`

	// Envelope carries a message as a versioned binary codec frame. Text
	// transports set Message instead.
	Envelope []byte             `json:"envelope,omitempty" cbor:"envelope,omitempty"`
	Message  *brainwave.Message `json:"message,omitempty" cbor:"message,omitempty"`

	Status *presence.StatusUpdate `json:"status,omitempty" cbor:"status,omitempty"`

	// Invalid is set by DecodeClientFrame when the frame arrived whole but
	// did not decode. Kind and Seq are kept when they could be read.
	Invalid error `json:"-" cbor:"-"`
}

// DecodeClientFrame decodes data with unmarshal. It never fails: a frame
// that does not decode is returned with Invalid set, so the session can
// answer it with an error frame and keep reading.
func DecodeClientFrame(data []byte, unmarshal func([]byte, any) error) *ClientFrame {
	var frame ClientFrame
	err := unmarshal(data, &frame)
	if err == nil {
		return &frame
	}

	var head struct {
		Kind FrameKind `json:"kind" cbor:"kind"`
		Seq  uint64    `json:"seq" cbor:"seq"`
	}
	_ = unmarshal(data, &head)
	return &ClientFrame{Kind: head.Kind, Seq: head.Seq, Invalid: err}
}

// ServerFrame is sent by the server, either as the reply to a ClientFrame
// with the same Seq or, for KindEvent, unsolicited with Seq zero.
type ServerFrame struct {
	Kind FrameKind `json:"kind" cbor:"kind"`
	Seq  uint64    `json:"seq,omitempty" cbor:"seq,omitempty"`

	Challenge *brainwave.Challenge `json:"challenge,omitempty" cbor:"challenge,omitempty"`
	Node      *brainwave.Node      `json:"node,omitempty" cbor:"node,omitempty"`
	Event     *brainwave.Event     `json:"event,omitempty" cbor:"event,omitempty"`
	Error     *brainwave.ErrorInfo `json:"error,omitempty" cbor:"error,omitempty"`

	// Set on KindAck.
	MessageID string            `json:"messageId,omitempty" cbor:"messageId,omitempty"`
	Outcome   brainwave.Outcome `json:"outcome,omitempty" cbor:"outcome,omitempty"`

	// Set on KindDrain replies.
	Drained int `json:"drained,omitempty" cbor:"drained,omitempty"`
}

// Err returns the error carried by a KindError frame or a rejected ack.
func (f *ServerFrame) Err() error {
	if f == nil || f.Error == nil {
		return nil
	}
	return f.Error.Err()
}
