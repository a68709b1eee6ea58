package wire

import (
	"bytes"
	"errors"
	"testing"

	"github.com/canopy-audio/canopy/media"
)

func TestEncodePrefixesTag(t *testing.T) {
	t.Parallel()
	f := media.Frame{Codec: TagOpus, Payload: []byte{0xDE, 0xAD, 0xBE}}
	b := Encode(f)

	if len(b) != 4 {
		t.Fatalf("expected 4 bytes, got %d", len(b))
	}
	if b[0] != TagOpus {
		t.Errorf("tag byte: got 0x%02x, want 0x%02x", b[0], TagOpus)
	}
	if !bytes.Equal(b[1:], f.Payload) {
		t.Errorf("payload mismatch: %x", b[1:])
	}
}

func TestEncodeEmptyPayload(t *testing.T) {
	t.Parallel()
	b := Encode(media.Frame{Codec: TagPCM})
	if len(b) != 1 || b[0] != TagPCM {
		t.Errorf("expected lone tag byte, got %x", b)
	}
}

func TestDecodeRoundTrip(t *testing.T) {
	t.Parallel()
	in := media.Frame{Codec: TagPCM, Payload: []byte{0x01, 0x02, 0x03, 0x04}}
	out, err := Decode(Encode(in))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out.Codec != in.Codec {
		t.Errorf("tag: got 0x%02x, want 0x%02x", out.Codec, in.Codec)
	}
	if !bytes.Equal(out.Payload, in.Payload) {
		t.Errorf("payload: got %x, want %x", out.Payload, in.Payload)
	}
	if out.PTS != 0 {
		t.Errorf("decode must leave PTS zero, got %d", out.PTS)
	}
}

func TestDecodeEmptyFrame(t *testing.T) {
	t.Parallel()
	_, err := Decode(nil)
	if !errors.Is(err, ErrEmptyFrame) {
		t.Fatalf("expected ErrEmptyFrame, got %v", err)
	}

	var fe *FrameError
	if !errors.As(err, &fe) {
		t.Fatal("expected a *FrameError")
	}
	if fe.Size != 0 {
		t.Errorf("FrameError size: got %d, want 0", fe.Size)
	}
}

func TestDecodeOversizedFrame(t *testing.T) {
	t.Parallel()
	b := make([]byte, media.MaxPayloadBytes+2)
	b[0] = TagOpus
	_, err := Decode(b)
	if !errors.Is(err, ErrOversizedFrame) {
		t.Fatalf("expected ErrOversizedFrame, got %v", err)
	}
}

func TestDecodeMaxPayloadAccepted(t *testing.T) {
	t.Parallel()
	b := make([]byte, media.MaxPayloadBytes+1)
	b[0] = TagOpus
	f, err := Decode(b)
	if err != nil {
		t.Fatalf("frame at the cap should decode: %v", err)
	}
	if len(f.Payload) != media.MaxPayloadBytes {
		t.Errorf("payload length: got %d, want %d", len(f.Payload), media.MaxPayloadBytes)
	}
}

func TestDecodePassesUnknownTagThrough(t *testing.T) {
	t.Parallel()
	// Unknown tags are a decode-path policy decision, not a framing error.
	f, err := Decode([]byte{0x7F, 0xAA})
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if f.Codec != 0x7F {
		t.Errorf("tag: got 0x%02x, want 0x7F", f.Codec)
	}
	if Known(f.Codec) {
		t.Error("0x7F must not be a known tag")
	}
}

func TestKnownTags(t *testing.T) {
	t.Parallel()
	if !Known(TagPCM) || !Known(TagOpus) {
		t.Error("TagPCM and TagOpus must be known")
	}
	if Known(0x02) {
		t.Error("0x02 must not be known")
	}
}

func TestTagNames(t *testing.T) {
	t.Parallel()
	cases := []struct {
		tag  byte
		want string
	}{
		{TagPCM, "pcm"},
		{TagOpus, "opus"},
		{0x7f, "0x7f"},
	}
	for _, tc := range cases {
		if got := TagName(tc.tag); got != tc.want {
			t.Errorf("TagName(0x%02x): got %q, want %q", tc.tag, got, tc.want)
		}
	}
}
