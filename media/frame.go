// Package media defines the frame type and sample-count arithmetic shared
// by the canopy capture, codec, relay, and playout packages.
package media

import "time"

// MaxPayloadBytes bounds the encoded payload size accepted on the wire.
// Large enough for any Opus packet or a raw PCM frame at 48kHz/20ms
// (1920 bytes), small enough to reject garbage before it is buffered.
const MaxPayloadBytes = 4000

// Frame is one fixed-duration slice of mono audio in its encoded form.
// The same value is used on both sides of the wire: the source fills it
// from the encoder, the sink reconstructs it from received bytes.
type Frame struct {
	// PTS is the presentation timestamp in microseconds. It is always
	// derived from sample or frame counts (see TimestampMicros), never
	// from wall clock; wall-clock stamps make compressed decoders
	// misjudge inter-frame spacing.
	PTS int64

	// Codec is the one-byte wire tag identifying how Payload is encoded.
	Codec byte

	// Payload is the encoded audio, without the tag byte.
	Payload []byte
}

// FrameSamples returns the number of mono samples in one frame of the
// given duration at the given rate: 960 for 20ms at 48kHz.
func FrameSamples(sampleRate int, d time.Duration) int {
	return int(int64(sampleRate) * int64(d) / int64(time.Second))
}

// TimestampMicros converts a running sample count into a microsecond
// timestamp. Both codec directions stamp frames with this so that
// timing is a pure function of how much audio has passed through.
func TimestampMicros(samples int64, sampleRate int) int64 {
	return samples * 1_000_000 / int64(sampleRate)
}
