// Package codec encodes PCM frames for the wire and decodes them back,
// choosing an implementation at runtime. The encoder is probed once at
// session start and every frame it produces carries the same codec tag.
// The decode side keeps one decoder per observed tag, probing a ranked
// candidate list the first time a tag appears, so a stream that switches
// codecs mid-flight keeps playing.
package codec

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/canopy-audio/canopy/internal/wire"
	"github.com/canopy-audio/canopy/media"
)

// DefaultBitrate is the Opus target bitrate used when none is configured.
const DefaultBitrate = 24000

// ErrUnsupportedCodec marks frames whose tag no available decoder can
// handle. The chain reports each such tag once and then drops matching
// frames silently.
var ErrUnsupportedCodec = errors.New("codec: unsupported codec tag")

// Encoder turns fixed-size PCM frames into tagged, timestamped wire
// frames. Implementations track total samples encoded and derive each
// frame's PTS from that count, so timestamps never drift from wall-clock
// scheduling jitter.
type Encoder interface {
	// Encode compresses one PCM frame. The returned frame owns its
	// payload.
	Encode(pcm []int16) (media.Frame, error)

	// Name identifies the implementation for logs and status output.
	Name() string

	// Codec is the wire tag of frames this encoder produces.
	Codec() byte
}

// Decoder turns one codec's payloads back into PCM. The returned slice is
// only valid until the next Decode call; callers must consume it before
// decoding again.
type Decoder interface {
	Decode(payload []byte) ([]int16, error)
}

// EncoderConfig controls encoder probing.
type EncoderConfig struct {
	// SampleRate in samples per second. Defaults to 48000.
	SampleRate int

	// Bitrate is the Opus target in bits per second. Defaults to
	// DefaultBitrate. Ignored by the PCM fallback.
	Bitrate int
}

type encoderCandidate struct {
	name  string
	build func() (Encoder, error)
}

// NewEncoder probes for the best available encoder: native Opus first,
// then uncompressed PCM, which always succeeds. The choice is made once;
// a session never switches encoders mid-stream.
func NewEncoder(cfg EncoderConfig, log *slog.Logger) (Encoder, error) {
	if log == nil {
		log = slog.Default()
	}
	log = log.With("component", "codec")
	if cfg.SampleRate <= 0 {
		cfg.SampleRate = 48000
	}
	if cfg.Bitrate <= 0 {
		cfg.Bitrate = DefaultBitrate
	}

	candidates := []encoderCandidate{
		{name: "opus", build: func() (Encoder, error) {
			return newOpusEncoder(cfg.SampleRate, cfg.Bitrate)
		}},
		{name: "pcm", build: func() (Encoder, error) {
			return newPCMEncoder(cfg.SampleRate), nil
		}},
	}
	return probeEncoder(log, candidates)
}

func probeEncoder(log *slog.Logger, candidates []encoderCandidate) (Encoder, error) {
	for _, cand := range candidates {
		enc, err := cand.build()
		if err != nil {
			log.Warn("encoder unavailable", "encoder", cand.name, "error", err)
			continue
		}
		log.Info("encoder selected", "encoder", cand.name)
		return enc, nil
	}
	return nil, errors.New("codec: no encoder available")
}

// ChainConfig controls the decode chain.
type ChainConfig struct {
	// SampleRate is the PCM rate decoders must produce. Defaults to
	// 48000.
	SampleRate int

	// FrameDuration is the nominal duration of one frame, used by
	// decoders that must derive sample counts. Defaults to 20 ms.
	FrameDuration time.Duration

	// ForceSoftware skips the native Opus decoder tier so the pure-Go
	// one handles Opus frames.
	ForceSoftware bool
}

type decoderCandidate struct {
	name  string
	build func() (Decoder, error)
}

// Chain routes tagged frames to per-tag decoders. The first frame of each
// tag triggers a probe down a ranked candidate list; the winner sticks for
// the session. Tags with no working candidate are reported once through
// the OnUnsupported callback and dropped from then on.
type Chain struct {
	log       *slog.Logger
	rate      int
	frameDur  time.Duration
	forceSoft bool

	// candidatesFor is replaceable so the probe order is testable.
	candidatesFor func(tag byte) []decoderCandidate

	mu            sync.Mutex
	decoders      map[byte]Decoder
	names         map[byte]string
	unsupported   map[byte]bool
	onUnsupported func(tag byte)
}

// NewChain creates an empty decode chain. If log is nil, slog.Default()
// is used.
func NewChain(cfg ChainConfig, log *slog.Logger) *Chain {
	if log == nil {
		log = slog.Default()
	}
	if cfg.SampleRate <= 0 {
		cfg.SampleRate = 48000
	}
	if cfg.FrameDuration <= 0 {
		cfg.FrameDuration = 20 * time.Millisecond
	}
	c := &Chain{
		log:         log.With("component", "codec"),
		rate:        cfg.SampleRate,
		frameDur:    cfg.FrameDuration,
		forceSoft:   cfg.ForceSoftware,
		decoders:    make(map[byte]Decoder),
		names:       make(map[byte]string),
		unsupported: make(map[byte]bool),
	}
	c.candidatesFor = c.defaultCandidates
	return c
}

// OnUnsupported sets the observer for tags no decoder could be built for.
// It fires at most once per tag for the life of the chain.
func (c *Chain) OnUnsupported(fn func(tag byte)) {
	c.mu.Lock()
	c.onUnsupported = fn
	c.mu.Unlock()
}

// Decode routes one frame to the decoder for its tag. Frames with an
// unsupported tag return ErrUnsupportedCodec; other errors are per-frame
// decode failures that leave the decoder in place for the next frame.
func (c *Chain) Decode(f media.Frame) ([]int16, error) {
	dec, err := c.decoderFor(f.Codec)
	if err != nil {
		return nil, err
	}
	return dec.Decode(f.Payload)
}

func (c *Chain) decoderFor(tag byte) (Decoder, error) {
	c.mu.Lock()
	if dec, ok := c.decoders[tag]; ok {
		c.mu.Unlock()
		return dec, nil
	}
	if c.unsupported[tag] {
		c.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedCodec, wire.TagName(tag))
	}

	var dec Decoder
	var name string
	for _, cand := range c.candidatesFor(tag) {
		d, err := cand.build()
		if err != nil {
			c.log.Warn("decoder unavailable", "tag", wire.TagName(tag), "decoder", cand.name, "error", err)
			continue
		}
		dec, name = d, cand.name
		break
	}

	if dec == nil {
		c.unsupported[tag] = true
		fn := c.onUnsupported
		c.mu.Unlock()

		c.log.Warn("no decoder for codec tag, dropping its frames", "tag", wire.TagName(tag))
		if fn != nil {
			fn(tag)
		}
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedCodec, wire.TagName(tag))
	}

	c.decoders[tag] = dec
	c.names[tag] = name
	c.mu.Unlock()

	c.log.Info("decoder selected", "tag", wire.TagName(tag), "decoder", name)
	return dec, nil
}

func (c *Chain) defaultCandidates(tag byte) []decoderCandidate {
	switch tag {
	case wire.TagPCM:
		return []decoderCandidate{
			{name: "pcm", build: func() (Decoder, error) {
				return newPCMDecoder(), nil
			}},
		}
	case wire.TagOpus:
		var cands []decoderCandidate
		if !c.forceSoft {
			cands = append(cands, decoderCandidate{name: "opus", build: func() (Decoder, error) {
				return newOpusDecoder(c.rate)
			}})
		}
		cands = append(cands, decoderCandidate{name: "opus-soft", build: func() (Decoder, error) {
			return newSoftOpusDecoder(c.rate, c.frameDur), nil
		}})
		return cands
	}
	return nil
}

// Stats is the chain's status snapshot: the decoder chosen for each tag
// seen so far and the tags found unsupported.
type Stats struct {
	Decoders    map[string]string `json:"decoders,omitempty"`
	Unsupported []string          `json:"unsupported,omitempty"`
}

// Snapshot returns the current decoder selection.
func (c *Chain) Snapshot() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()

	st := Stats{}
	if len(c.names) > 0 {
		st.Decoders = make(map[string]string, len(c.names))
		for tag, name := range c.names {
			st.Decoders[wire.TagName(tag)] = name
		}
	}
	for tag := range c.unsupported {
		st.Unsupported = append(st.Unsupported, wire.TagName(tag))
	}
	return st
}
