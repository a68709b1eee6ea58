// Package vad implements the source-side voice activity gate: a per-frame
// RMS energy decision with a hangover state machine so that trailing
// syllables are not clipped when energy dips between words.
package vad

import (
	"log/slog"
	"sync"

	"github.com/canopy-audio/canopy/internal/audio"
)

// Defaults for the gate. The hangover is sized for 20ms frames: 15 frames
// is ~300ms of grace after energy drops, long enough to cover natural
// speech decay.
const (
	DefaultThreshold      = 0.01
	DefaultHangoverFrames = 15
)

// Config controls a Gate. Zero values for Threshold and HangoverFrames
// select the package defaults. The transition handlers, when set, fire
// synchronously from Process on the false→true and true→false speaking
// edges, exactly once per edge.
type Config struct {
	Enabled        bool
	Threshold      float64 // normalized RMS, 0..1
	HangoverFrames int

	OnSpeakingStart func()
	OnSpeakingStop  func()
}

// Gate holds the per-source speaking state machine. Threshold and enabled
// flag are live-adjustable; adjusting them never resets the state machine.
type Gate struct {
	log     *slog.Logger
	onStart func()
	onStop  func()

	mu        sync.Mutex
	enabled   bool
	threshold float64
	hangover  int
	remaining int
	speaking  bool
}

// New creates a Gate. If log is nil, slog.Default() is used.
func New(cfg Config, log *slog.Logger) *Gate {
	if log == nil {
		log = slog.Default()
	}
	if cfg.Threshold <= 0 {
		cfg.Threshold = DefaultThreshold
	}
	if cfg.HangoverFrames <= 0 {
		cfg.HangoverFrames = DefaultHangoverFrames
	}
	return &Gate{
		log:       log.With("component", "vad"),
		onStart:   cfg.OnSpeakingStart,
		onStop:    cfg.OnSpeakingStop,
		enabled:   cfg.Enabled,
		threshold: cfg.Threshold,
		hangover:  cfg.HangoverFrames,
	}
}

// Process examines one captured frame and reports whether it should pass
// into the encode path. While the gate is disabled every frame passes and
// the state machine is left untouched, so re-enabling resumes from the
// retained state.
func (g *Gate) Process(samples []int16) bool {
	rms := audio.RMS(samples)

	g.mu.Lock()
	if !g.enabled {
		g.mu.Unlock()
		return true
	}

	var started, stopped bool
	pass := true
	switch {
	case rms >= g.threshold:
		if !g.speaking {
			g.speaking = true
			started = true
		}
		g.remaining = g.hangover
	case g.remaining > 0:
		g.remaining--
	default:
		if g.speaking {
			g.speaking = false
			stopped = true
		}
		pass = false
	}
	g.mu.Unlock()

	if started {
		g.log.Debug("speaking state", "speaking", true, "rms", rms)
		if g.onStart != nil {
			g.onStart()
		}
	}
	if stopped {
		g.log.Debug("speaking state", "speaking", false)
		if g.onStop != nil {
			g.onStop()
		}
	}
	return pass
}

// SetEnabled toggles gating without resetting speaking or hangover state.
func (g *Gate) SetEnabled(enabled bool) {
	g.mu.Lock()
	g.enabled = enabled
	g.mu.Unlock()
}

// SetThreshold adjusts the RMS threshold live. Non-positive values are
// ignored.
func (g *Gate) SetThreshold(threshold float64) {
	if threshold <= 0 {
		return
	}
	g.mu.Lock()
	g.threshold = threshold
	g.mu.Unlock()
}

// Status is a point-in-time view of the gate for diagnostics.
type Status struct {
	Enabled           bool    `json:"enabled"`
	Speaking          bool    `json:"speaking"`
	Threshold         float64 `json:"threshold"`
	HangoverRemaining int     `json:"hangoverRemaining"`
}

// Snapshot returns the current gate state.
func (g *Gate) Snapshot() Status {
	g.mu.Lock()
	defer g.mu.Unlock()
	return Status{
		Enabled:           g.enabled,
		Speaking:          g.speaking,
		Threshold:         g.threshold,
		HangoverRemaining: g.remaining,
	}
}
