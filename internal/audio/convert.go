// Package audio provides the sample-level arithmetic shared by the capture,
// codec, and playout paths: int16/byte conversion, RMS energy, and the
// source-side conditioning applied before the voice gate.
package audio

import (
	"encoding/binary"
	"math"
)

// Int16ToBytes serializes mono samples as 16-bit little-endian PCM, the
// byte order used both on the wire (PCM payloads) and by the device layer.
func Int16ToBytes(samples []int16) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(s))
	}
	return out
}

// BytesToInt16 deserializes 16-bit little-endian PCM. A trailing odd byte
// is ignored.
func BytesToInt16(b []byte) []int16 {
	n := len(b) / 2
	out := make([]int16, n)
	for i := 0; i < n; i++ {
		out[i] = int16(binary.LittleEndian.Uint16(b[i*2:]))
	}
	return out
}

// RMS returns the root-mean-square energy of the frame on a normalized
// [0,1] scale, where 1.0 is a full-scale square wave. This is the quantity
// the voice gate thresholds against.
func RMS(samples []int16) float64 {
	if len(samples) == 0 {
		return 0
	}
	var sum float64
	for _, s := range samples {
		x := float64(s) / 32768.0
		sum += x * x
	}
	return math.Sqrt(sum / float64(len(samples)))
}

func clampInt16(v float64) int16 {
	if v > 32767 {
		return 32767
	}
	if v < -32768 {
		return -32768
	}
	return int16(v)
}
