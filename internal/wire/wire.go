// Package wire implements the one-byte framing that prefixes every audio
// payload on overlay links: a codec tag byte followed by the encoded
// payload. Relay hops treat framed bytes as opaque; only the encode and
// decode endpoints interpret the tag, so it survives the tree unchanged.
package wire

import (
	"errors"
	"fmt"

	"github.com/canopy-audio/canopy/media"
)

// Codec tags carried in the first byte of every wire frame.
const (
	TagPCM  byte = 0x00 // 16-bit little-endian linear PCM, mono
	TagOpus byte = 0x01 // one Opus packet
)

// Sentinel errors for frame validation. Callers distinguish them with
// errors.Is.
var (
	ErrEmptyFrame     = errors.New("wire: empty frame")
	ErrOversizedFrame = errors.New("wire: payload exceeds cap")
)

// FrameError reports a malformed wire frame, recording the observed size
// and wrapping the underlying validation error.
type FrameError struct {
	Size int
	Err  error
}

func (e *FrameError) Error() string {
	return fmt.Sprintf("wire: frame of %d bytes: %v", e.Size, e.Err)
}

func (e *FrameError) Unwrap() error {
	return e.Err
}

// Known reports whether tag is a codec tag this node understands. Decode
// does not reject unknown tags; the decode path drops them with its own
// one-time notification so that framing stays forward-compatible.
func Known(tag byte) bool {
	switch tag {
	case TagPCM, TagOpus:
		return true
	}
	return false
}

// TagName returns a human-readable label for a codec tag, used in logs
// and status snapshots.
func TagName(tag byte) string {
	switch tag {
	case TagPCM:
		return "pcm"
	case TagOpus:
		return "opus"
	}
	return fmt.Sprintf("0x%02x", tag)
}

// Encode frames f for transmission: one tag byte followed by the payload.
func Encode(f media.Frame) []byte {
	out := make([]byte, 1+len(f.Payload))
	out[0] = f.Codec
	copy(out[1:], f.Payload)
	return out
}

// Decode splits a received wire frame into tag and payload. The returned
// payload aliases b; callers that retain it past the receive callback must
// copy. PTS is left zero: receive-side timestamps belong to the decode
// session, which derives them from its frame counter.
func Decode(b []byte) (media.Frame, error) {
	if len(b) == 0 {
		return media.Frame{}, &FrameError{Size: 0, Err: ErrEmptyFrame}
	}
	if len(b)-1 > media.MaxPayloadBytes {
		return media.Frame{}, &FrameError{Size: len(b), Err: ErrOversizedFrame}
	}
	return media.Frame{Codec: b[0], Payload: b[1:]}, nil
}
