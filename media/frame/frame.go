// Package frame defines the encoded media unit that flows from the encoder to the network.
package frame

import (
	"time"

	"github.com/wangscript007/ecmedia/common/errs"
)

type Kind uint8

const (
	KindVideo Kind = iota + 1
	KindAudio
)

func (k Kind) String() string {
	switch k {
	case KindVideo:
		return "video"
	case KindAudio:
		return "audio"
	}
	return "unknown"
}

// MaxPayloadSize bounds a single frame; RTMP message length is a 24 bit field.
const MaxPayloadSize = 0xFFFFFF - 16

// EncodedFrame is immutable once created. It is owned by exactly one stage
// at a time (cache, then the in-flight send).
type EncodedFrame struct {
	Kind       Kind
	Data       []byte
	Timestamp  time.Duration // capture time
	IsKeyFrame bool          // video only
	// IsConfig marks a video frame that only carries parameter sets. It
	// passes keyframe-wait and is never evicted.
	IsConfig bool
}

// Len returns the payload length.
func (f *EncodedFrame) Len() int {
	return len(f.Data)
}

func (f *EncodedFrame) IsVideo() bool {
	return f.Kind == KindVideo
}

func (f *EncodedFrame) IsAudio() bool {
	return f.Kind == KindAudio
}

// NewVideo copies data into a new video frame.
func NewVideo(data []byte, isKeyFrame bool, ts time.Duration) (*EncodedFrame, error) {
	if err := validate(data); err != nil {
		return nil, err
	}
	return &EncodedFrame{
		Kind:       KindVideo,
		Data:       clone(data),
		Timestamp:  ts,
		IsKeyFrame: isKeyFrame,
	}, nil
}

// NewAudio copies data into a new audio frame.
func NewAudio(data []byte, ts time.Duration) (*EncodedFrame, error) {
	if err := validate(data); err != nil {
		return nil, err
	}
	return &EncodedFrame{
		Kind:      KindAudio,
		Data:      clone(data),
		Timestamp: ts,
	}, nil
}

func validate(data []byte) error {
	if len(data) == 0 {
		return errs.Wrap(errs.ErrEncoderInput, "empty frame")
	}
	if len(data) > MaxPayloadSize {
		return errs.Wrapf(errs.ErrEncoderInput, "frame too large: %d bytes", len(data))
	}
	return nil
}

func clone(b []byte) []byte {
	c := make([]byte, len(b))
	copy(c, b)
	return c
}
