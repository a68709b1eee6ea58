// Package jitter smooths network arrival timing into a steady sample flow
// for playback. A Buffer is a fixed-size ring of PCM samples with two
// durable states: buffering, where it emits silence while real samples
// accumulate, and draining, where it emits real samples as long as any
// are available. The capacity never adapts at runtime; sustained underrun
// sends the buffer back to buffering instead.
package jitter

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/canopy-audio/canopy/media"
)

// DefaultTarget is the fill level at which playback starts. 40 ms trades
// a barely audible startup delay for tolerance of typical LAN jitter.
const DefaultTarget = 40 * time.Millisecond

// underrunResetSamples is how many consecutive silent samples the buffer
// tolerates while draining before it gives up and rebuffers. At 48 kHz
// this is about a millisecond, long enough to ride out a single late
// frame but short enough that a real stall restarts cleanly.
const underrunResetSamples = 50

// Config controls a Buffer.
type Config struct {
	// SampleRate in samples per second. Defaults to 48000.
	SampleRate int

	// Target is the fill level that must accumulate before playback
	// starts or resumes. Defaults to DefaultTarget.
	Target time.Duration

	// Capacity is the ring size in samples. Defaults to one second of
	// audio at SampleRate.
	Capacity int
}

// Stats is the point-in-time view of buffer activity.
type Stats struct {
	State           string `json:"state"` // "buffering" or "draining"
	FillSamples     int    `json:"fillSamples"`
	TargetSamples   int    `json:"targetSamples"`
	CapacitySamples int    `json:"capacitySamples"`
	SamplesWritten  int64  `json:"samplesWritten"`
	SamplesRead     int64  `json:"samplesRead"`
	OverflowDropped int64  `json:"overflowDropped"`
	UnderrunSamples int64  `json:"underrunSamples"`
	Rebuffers       int64  `json:"rebuffers"`
}

// Buffer is a fixed-capacity sample ring. Write is called from the
// network receive path, Read from the playback device callback; both are
// safe concurrently.
type Buffer struct {
	log *slog.Logger

	mu       sync.Mutex
	buf      []int16
	head     int // index of the oldest sample
	size     int // samples currently held
	target   int
	draining bool
	underrun int // consecutive silent samples while draining

	samplesWritten  int64
	samplesRead     int64
	overflowDropped int64
	underrunTotal   int64
	rebuffers       int64
}

// New creates a Buffer. If log is nil, slog.Default() is used.
func New(cfg Config, log *slog.Logger) (*Buffer, error) {
	if log == nil {
		log = slog.Default()
	}
	if cfg.SampleRate <= 0 {
		cfg.SampleRate = 48000
	}
	if cfg.Target <= 0 {
		cfg.Target = DefaultTarget
	}
	if cfg.Capacity <= 0 {
		cfg.Capacity = cfg.SampleRate
	}

	target := media.FrameSamples(cfg.SampleRate, cfg.Target)
	if target <= 0 {
		return nil, fmt.Errorf("jitter: target %v is below one sample at %d Hz", cfg.Target, cfg.SampleRate)
	}
	if target > cfg.Capacity {
		return nil, fmt.Errorf("jitter: target %d samples exceeds capacity %d", target, cfg.Capacity)
	}

	return &Buffer{
		log:    log.With("component", "jitter"),
		buf:    make([]int16, cfg.Capacity),
		target: target,
	}, nil
}

// Write appends samples to the ring. When the ring is full, the oldest
// samples are discarded to make room, keeping playback near the live
// edge. Reaching the target fill while buffering switches the buffer to
// draining.
func (b *Buffer) Write(samples []int16) {
	b.mu.Lock()
	defer b.mu.Unlock()

	capacity := len(b.buf)
	for _, s := range samples {
		if b.size == capacity {
			b.head = (b.head + 1) % capacity
			b.size--
			b.overflowDropped++
		}
		b.buf[(b.head+b.size)%capacity] = s
		b.size++
	}
	b.samplesWritten += int64(len(samples))

	if !b.draining && b.size >= b.target {
		b.draining = true
		b.underrun = 0
		b.log.Debug("target fill reached", "fill", b.size, "target", b.target)
	}
}

// Read fills out with the next samples to play. While buffering it emits
// silence without consuming anything. While draining it emits stored
// samples; each sample the ring cannot supply becomes silence and
// lengthens the underrun streak, and a long enough streak clears the ring
// and drops back to buffering mid-call.
func (b *Buffer) Read(out []int16) {
	b.mu.Lock()
	defer b.mu.Unlock()

	capacity := len(b.buf)
	for i := range out {
		if !b.draining {
			out[i] = 0
			continue
		}
		if b.size > 0 {
			out[i] = b.buf[b.head]
			b.head = (b.head + 1) % capacity
			b.size--
			b.underrun = 0
			b.samplesRead++
			continue
		}
		out[i] = 0
		b.underrun++
		b.underrunTotal++
		if b.underrun >= underrunResetSamples {
			b.draining = false
			b.underrun = 0
			b.head = 0
			b.size = 0
			b.rebuffers++
			b.log.Debug("sustained underrun, rebuffering", "target", b.target)
		}
	}
}

// Snapshot returns current buffer statistics.
func (b *Buffer) Snapshot() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()

	state := "buffering"
	if b.draining {
		state = "draining"
	}
	return Stats{
		State:           state,
		FillSamples:     b.size,
		TargetSamples:   b.target,
		CapacitySamples: len(b.buf),
		SamplesWritten:  b.samplesWritten,
		SamplesRead:     b.samplesRead,
		OverflowDropped: b.overflowDropped,
		UnderrunSamples: b.underrunTotal,
		Rebuffers:       b.rebuffers,
	}
}
