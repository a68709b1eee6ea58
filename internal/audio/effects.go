package audio

import "math"

// Gain scales samples in place, saturating at the int16 bounds. A gain of
// 1.0 returns without touching the frame.
func Gain(samples []int16, gain float64) {
	if gain == 1.0 {
		return
	}
	for i, s := range samples {
		samples[i] = clampInt16(float64(s) * gain)
	}
}

// Compressor applies a static-curve downward compressor: amplitudes above
// the threshold are scaled toward it by the ratio. There is no attack or
// release envelope; the curve is memoryless, which keeps it safe to run
// inside the capture callback.
type Compressor struct {
	threshold float64 // linear amplitude, 0..1
	invRatio  float64
}

// NewCompressor converts a threshold in dBFS (e.g. -12) and a ratio
// (e.g. 12 for heavy limiting) into a ready-to-use curve. Ratios below 1
// are treated as 1 (no compression).
func NewCompressor(thresholdDB, ratio float64) *Compressor {
	if ratio < 1 {
		ratio = 1
	}
	return &Compressor{
		threshold: math.Pow(10, thresholdDB/20),
		invRatio:  1 / ratio,
	}
}

// Process compresses the frame in place.
func (c *Compressor) Process(samples []int16) {
	for i, s := range samples {
		x := float64(s) / 32768.0
		a := math.Abs(x)
		if a <= c.threshold {
			continue
		}
		out := c.threshold * math.Pow(a/c.threshold, c.invRatio)
		if x < 0 {
			out = -out
		}
		samples[i] = clampInt16(out * 32768.0)
	}
}
