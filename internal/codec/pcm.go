package codec

import (
	"github.com/canopy-audio/canopy/internal/audio"
	"github.com/canopy-audio/canopy/internal/wire"
	"github.com/canopy-audio/canopy/media"
)

// pcmEncoder passes samples through as 16-bit little-endian bytes. It is
// the fallback when Opus cannot be initialized; at 48 kHz mono it costs
// 768 kbit/s on the wire.
type pcmEncoder struct {
	rate    int
	samples int64
}

func newPCMEncoder(rate int) *pcmEncoder {
	return &pcmEncoder{rate: rate}
}

func (e *pcmEncoder) Encode(pcm []int16) (media.Frame, error) {
	pts := media.TimestampMicros(e.samples, e.rate)
	e.samples += int64(len(pcm))
	return media.Frame{
		PTS:     pts,
		Codec:   wire.TagPCM,
		Payload: audio.Int16ToBytes(pcm),
	}, nil
}

func (e *pcmEncoder) Name() string { return "pcm" }
func (e *pcmEncoder) Codec() byte  { return wire.TagPCM }

// pcmDecoder converts little-endian byte payloads back to samples. It
// never fails: a trailing odd byte is ignored.
type pcmDecoder struct{}

func newPCMDecoder() *pcmDecoder { return &pcmDecoder{} }

func (d *pcmDecoder) Decode(payload []byte) ([]int16, error) {
	return audio.BytesToInt16(payload), nil
}
