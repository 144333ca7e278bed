package codec

import (
	"errors"
	"fmt"

	"github.com/klauspost/compress/zstd"

	"github.com/BIT1028/imotos-network/pkg/brainwave"
)

const (
	// FrameVersion is the only frame layout this build understands.
	FrameVersion byte = 1

	flagCompressed byte = 1 << 0

	frameHeaderSize = 2

	// DefaultCompressThreshold is the payload size above which frames are compressed.
	DefaultCompressThreshold = 512

	maxDecodedSize = 4 << 20
)

var (
	// ErrShortFrame is returned when a frame is shorter than its header.
	ErrShortFrame = errors.New("frame shorter than header")
	// ErrUnsupportedVersion is returned for frames from a newer protocol.
	ErrUnsupportedVersion = errors.New("unsupported frame version")
)

// FrameCodec wraps encoded messages in a versioned frame:
//
//	[version:1][flags:1][payload...]
//
// Payloads larger than the threshold are zstd-compressed. A FrameCodec
// is safe for concurrent use.
type FrameCodec struct {
	threshold int
	enc       *zstd.Encoder
	dec       *zstd.Decoder
}

// NewFrameCodec creates a frame codec. A threshold <= 0 uses the default.
func NewFrameCodec(threshold int) (*FrameCodec, error) {
	if threshold <= 0 {
		threshold = DefaultCompressThreshold
	}

	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedFastest))
	if err != nil {
		return nil, fmt.Errorf("failed to create zstd encoder: %w", err)
	}
	dec, err := zstd.NewReader(nil, zstd.WithDecoderMaxMemory(maxDecodedSize))
	if err != nil {
		_ = enc.Close()
		return nil, fmt.Errorf("failed to create zstd decoder: %w", err)
	}

	return &FrameCodec{threshold: threshold, enc: enc, dec: dec}, nil
}

// Encode serializes msg into a frame.
func (c *FrameCodec) Encode(msg *brainwave.Message) ([]byte, error) {
	payload, err := Encode(msg)
	if err != nil {
		return nil, err
	}

	if len(payload) <= c.threshold {
		frame := make([]byte, 0, frameHeaderSize+len(payload))
		frame = append(frame, FrameVersion, 0)
		return append(frame, payload...), nil
	}

	frame := make([]byte, frameHeaderSize, frameHeaderSize+len(payload)/2)
	frame[0] = FrameVersion
	frame[1] = flagCompressed
	return c.enc.EncodeAll(payload, frame), nil
}

// Decode parses a frame produced by Encode.
func (c *FrameCodec) Decode(frame []byte) (*brainwave.Message, error) {
	if len(frame) < frameHeaderSize {
		return nil, ErrShortFrame
	}
	if frame[0] != FrameVersion {
		return nil, fmt.Errorf("%w: %d", ErrUnsupportedVersion, frame[0])
	}

	payload := frame[frameHeaderSize:]
	if frame[1]&flagCompressed != 0 {
		var err error
		payload, err = c.dec.DecodeAll(payload, nil)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
		}
	}
	return Decode(payload)
}

// Compressed reports whether frame carries a compressed payload.
func Compressed(frame []byte) bool {
	return len(frame) >= frameHeaderSize && frame[1]&flagCompressed != 0
}

// Close releases the compressor resources.
func (c *FrameCodec) Close() error {
	c.dec.Close()
	return c.enc.Close()
}
