package codec

import (
	"fmt"

	"github.com/canopy-audio/canopy/internal/wire"
	"github.com/canopy-audio/canopy/media"
	opus "gopkg.in/hraban/opus.v2"
)

// The tree carries a single mono voice channel.
const channels = 1

// maxFrameSamples is the longest Opus frame, 120 ms at 48 kHz. Decoder
// scratch buffers are sized for it even though this codebase always
// produces shorter frames.
const maxFrameSamples = 5760

// opusEncoder wraps the libopus encoder in VoIP mode.
type opusEncoder struct {
	enc     *opus.Encoder
	rate    int
	samples int64
	out     []byte
}

func newOpusEncoder(rate, bitrate int) (*opusEncoder, error) {
	enc, err := opus.NewEncoder(rate, channels, opus.AppVoIP)
	if err != nil {
		return nil, fmt.Errorf("codec: opus encoder init: %w", err)
	}
	if err := enc.SetBitrate(bitrate); err != nil {
		return nil, fmt.Errorf("codec: opus set bitrate %d: %w", bitrate, err)
	}
	return &opusEncoder{
		enc:  enc,
		rate: rate,
		out:  make([]byte, media.MaxPayloadBytes),
	}, nil
}

func (e *opusEncoder) Encode(pcm []int16) (media.Frame, error) {
	n, err := e.enc.Encode(pcm, e.out)
	if err != nil {
		return media.Frame{}, fmt.Errorf("codec: opus encode: %w", err)
	}
	pts := media.TimestampMicros(e.samples, e.rate)
	e.samples += int64(len(pcm))
	return media.Frame{
		PTS:     pts,
		Codec:   wire.TagOpus,
		Payload: append([]byte(nil), e.out[:n]...),
	}, nil
}

func (e *opusEncoder) Name() string { return "opus" }
func (e *opusEncoder) Codec() byte  { return wire.TagOpus }

// opusDecoder wraps the libopus decoder, which resamples internally to
// the requested rate.
type opusDecoder struct {
	dec *opus.Decoder
	pcm []int16
}

func newOpusDecoder(rate int) (*opusDecoder, error) {
	dec, err := opus.NewDecoder(rate, channels)
	if err != nil {
		return nil, fmt.Errorf("codec: opus decoder init: %w", err)
	}
	return &opusDecoder{
		dec: dec,
		pcm: make([]int16, maxFrameSamples),
	}, nil
}

func (d *opusDecoder) Decode(payload []byte) ([]int16, error) {
	n, err := d.dec.Decode(payload, d.pcm)
	if err != nil {
		return nil, fmt.Errorf("codec: opus decode: %w", err)
	}
	return d.pcm[:n], nil
}
