package codec

import (
	"errors"
	"fmt"
	"time"

	"github.com/pion/opus"

	"github.com/canopy-audio/canopy/internal/audio"
	"github.com/canopy-audio/canopy/media"
)

// softOpusDecoder decodes Opus with the pure-Go pion decoder, the middle
// tier between libopus and dropping the stream. It handles SILK-coded
// voice frames; packets using CELT modes fail per-frame and are skipped.
// Unlike libopus it emits PCM at the packet's SILK bandwidth rate, so the
// output is brought up to the pipeline rate here.
type softOpusDecoder struct {
	rate     int
	frameDur time.Duration
	dec      opus.Decoder
	raw      []byte
}

func newSoftOpusDecoder(rate int, frameDur time.Duration) *softOpusDecoder {
	return &softOpusDecoder{
		rate:     rate,
		frameDur: frameDur,
		dec:      opus.NewDecoder(),
		raw:      make([]byte, maxFrameSamples*2),
	}
}

func (d *softOpusDecoder) Decode(payload []byte) ([]int16, error) {
	bandwidth, isStereo, err := d.dec.Decode(payload, d.raw)
	if err != nil {
		return nil, fmt.Errorf("codec: soft opus decode: %w", err)
	}
	if isStereo {
		return nil, errors.New("codec: soft opus: unexpected stereo packet")
	}

	silkRate := int(bandwidth.SampleRate())
	if silkRate <= 0 {
		return nil, fmt.Errorf("codec: soft opus: bandwidth %d has no sample rate", int(bandwidth))
	}
	n := media.FrameSamples(silkRate, d.frameDur)
	if n <= 0 || n*2 > len(d.raw) {
		return nil, fmt.Errorf("codec: soft opus: implausible frame of %d samples", n)
	}

	samples := audio.BytesToInt16(d.raw[:n*2])
	if silkRate == d.rate {
		return samples, nil
	}
	if d.rate%silkRate != 0 {
		return nil, fmt.Errorf("codec: soft opus: cannot raise %d Hz to %d Hz", silkRate, d.rate)
	}
	return upsample(samples, d.rate/silkRate), nil
}

// upsample stretches samples by an integer factor using linear
// interpolation between neighbors. The final input sample is held flat.
func upsample(in []int16, factor int) []int16 {
	if factor <= 1 || len(in) == 0 {
		return in
	}
	out := make([]int16, len(in)*factor)
	for i, s := range in {
		next := s
		if i+1 < len(in) {
			next = in[i+1]
		}
		for j := 0; j < factor; j++ {
			out[i*factor+j] = int16((int(s)*(factor-j) + int(next)*j) / factor)
		}
	}
	return out
}
