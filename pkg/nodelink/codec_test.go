package nodelink

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc/encoding"

	"github.com/BIT1028/imotos-network/pkg/brainwave"
)

func TestCodec_Registered(t *testing.T) {
	c := encoding.GetCodec(CodecName)
	require.NotNil(t, c)
	assert.Equal(t, CodecName, c.Name())
}

func TestCodec_ServerFrameCarriesErrors(t *testing.T) {
	frame := &ServerFrame{
		Kind:    KindAck,
		Seq:     9,
		Outcome: brainwave.OutcomeRejected,
		Error:   brainwave.InfoOf(brainwave.Permissionf("sender 5 does not match connection 4")),
	}

	data, err := Codec{}.Marshal(frame)
	require.NoError(t, err)

	var got ServerFrame
	require.NoError(t, Codec{}.Unmarshal(data, &got))
	assert.Equal(t, uint64(9), got.Seq)
	assert.Equal(t, brainwave.OutcomeRejected, got.Outcome)
	assert.ErrorIs(t, got.Err(), brainwave.ErrPermission)
	assert.Nil(t, (&ServerFrame{Kind: KindAck}).Err())
}

func TestCodec_ClientFrameMessage(t *testing.T) {
	frame := &ClientFrame{
		Kind: KindMessage,
		Seq:  1,
		Message: &brainwave.Message{
			SenderID:   42,
			SenderName: "Echo",
			ReceiverID: 99,
			Type:       brainwave.Direct,
			Content:    "ping",
			Priority:   5,
		},
	}

	data, err := Marshal(frame)
	require.NoError(t, err)

	var got ClientFrame
	require.NoError(t, Unmarshal(data, &got))
	require.NotNil(t, got.Message)
	assert.Equal(t, brainwave.Direct, got.Message.Type)
	assert.Equal(t, "ping", got.Message.Content)
	assert.Nil(t, got.Register)
}

func TestCodec_UndecodableClientFrameKeepsSeq(t *testing.T) {
	data, err := Marshal(map[string]any{
		"kind": "message",
		"seq":  3,
		"message": map[string]any{
			"senderId":    42,
			"senderName":  "Echo",
			"messageType": "BOGUS",
			"content":     "x",
		},
	})
	require.NoError(t, err)

	var got ClientFrame
	require.NoError(t, Codec{}.Unmarshal(data, &got), "a bad payload is not a stream error")
	assert.Error(t, got.Invalid)
	assert.Equal(t, KindMessage, got.Kind)
	assert.Equal(t, uint64(3), got.Seq)
	assert.Nil(t, got.Message)
}

func TestDecodeClientFrame_JSON(t *testing.T) {
	tests := []struct {
		name    string
		data    string
		seq     uint64
		invalid bool
	}{
		{"valid", `{"kind":"heartbeat","seq":4}`, 4, false},
		{"bad encryption level", `{"kind":"message","seq":5,"message":{"encryptionLevel":"LEVEL9"}}`, 5, true},
		{"explicit zero priority", `{"kind":"message","seq":6,"message":{"priority":0}}`, 6, true},
		{"not json", `{"kind":`, 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			frame := DecodeClientFrame([]byte(tt.data), json.Unmarshal)
			require.NotNil(t, frame)
			assert.Equal(t, tt.seq, frame.Seq)
			if tt.invalid {
				assert.Error(t, frame.Invalid)
			} else {
				assert.NoError(t, frame.Invalid)
			}
		})
	}
}
