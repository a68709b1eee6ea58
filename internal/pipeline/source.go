package pipeline

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/canopy-audio/canopy/internal/audio"
	"github.com/canopy-audio/canopy/internal/codec"
	"github.com/canopy-audio/canopy/internal/vad"
	"github.com/canopy-audio/canopy/internal/wire"
	"github.com/canopy-audio/canopy/media"
)

// ErrStarted is returned by Start on a session that is already running.
var ErrStarted = errors.New("pipeline: already started")

// SourceConfig holds everything a capture session needs. Build it with
// DefaultSourceConfig and override fields; a zero config disables voice
// detection and the compressor rather than guessing intent.
type SourceConfig struct {
	// SampleRate of captured PCM in samples per second. Defaults to
	// 48000.
	SampleRate int

	// FrameDuration is the amount of audio per encoded frame. Defaults
	// to 20 ms.
	FrameDuration time.Duration

	// Bitrate is the Opus encoder target in bits per second.
	Bitrate int

	// VADEnabled gates frames through voice detection before encoding.
	VADEnabled bool

	// VADThreshold is the RMS level treated as speech.
	VADThreshold float64

	// VADHangoverFrames is how many quiet frames still pass after
	// speech.
	VADHangoverFrames int

	// InputGain scales captured samples before any other processing.
	// 1.0 is unity; must not be negative.
	InputGain float64

	// CompressorEnabled applies dynamic range compression after gain.
	CompressorEnabled bool

	// CompressorThresholdDB is the level compression starts at,
	// relative to full scale.
	CompressorThresholdDB float64

	// CompressorRatio is the compression ratio above the threshold.
	CompressorRatio float64

	// OnSpeakingStart fires when voice detection transitions into
	// speech, OnSpeakingStop when the hangover runs out. Both fire from
	// the capture goroutine.
	OnSpeakingStart func()
	OnSpeakingStop  func()
}

// DefaultSourceConfig returns the standard capture configuration: 48 kHz
// mono, 20 ms frames, 24 kbit/s Opus, voice detection on, unity gain,
// compressor off.
func DefaultSourceConfig() SourceConfig {
	return SourceConfig{
		SampleRate:            48000,
		FrameDuration:         20 * time.Millisecond,
		Bitrate:               codec.DefaultBitrate,
		VADEnabled:            true,
		VADThreshold:          vad.DefaultThreshold,
		VADHangoverFrames:     vad.DefaultHangoverFrames,
		InputGain:             1.0,
		CompressorEnabled:     false,
		CompressorThresholdDB: -12,
		CompressorRatio:       12,
	}
}

// SourceStats is the capture session's status snapshot.
type SourceStats struct {
	Started          bool        `json:"started"`
	Encoder          string      `json:"encoder,omitempty"`
	FramesEncoded    int64       `json:"framesEncoded"`
	FramesSuppressed int64       `json:"framesSuppressed"`
	BytesSent        int64       `json:"bytesSent"`
	EncodeErrors     int64       `json:"encodeErrors"`
	VAD              *vad.Status `json:"vad,omitempty"`
}

// Source is the capture-side session. WriteSamples must be called from a
// single goroutine, normally the capture device callback; the control
// methods are safe from any goroutine.
type Source struct {
	log    *slog.Logger
	sender Sender

	mu           sync.Mutex
	started      bool
	enc          codec.Encoder
	gate         *vad.Gate
	comp         *audio.Compressor
	gain         float64
	frameSamples int
	pending      []int16

	running atomic.Bool

	framesEncoded    atomic.Int64
	framesSuppressed atomic.Int64
	bytesSent        atomic.Int64
	encodeErrors     atomic.Int64
}

// NewSource creates an idle capture session that will push frames to
// sender. If log is nil, slog.Default() is used.
func NewSource(sender Sender, log *slog.Logger) *Source {
	if log == nil {
		log = slog.Default()
	}
	return &Source{
		log:    log.With("component", "source"),
		sender: sender,
	}
}

// Start validates cfg, probes an encoder, and begins the session. On any
// error the source is left exactly as it was. Starting a running source
// returns ErrStarted.
func (s *Source) Start(cfg SourceConfig) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return ErrStarted
	}

	if cfg.SampleRate <= 0 {
		cfg.SampleRate = 48000
	}
	if cfg.FrameDuration <= 0 {
		cfg.FrameDuration = 20 * time.Millisecond
	}
	if cfg.InputGain < 0 {
		return fmt.Errorf("pipeline: negative input gain %v", cfg.InputGain)
	}
	if cfg.InputGain == 0 {
		cfg.InputGain = 1.0
	}
	frameSamples := media.FrameSamples(cfg.SampleRate, cfg.FrameDuration)
	if frameSamples <= 0 {
		return fmt.Errorf("pipeline: frame duration %v is below one sample at %d Hz", cfg.FrameDuration, cfg.SampleRate)
	}

	enc, err := codec.NewEncoder(codec.EncoderConfig{
		SampleRate: cfg.SampleRate,
		Bitrate:    cfg.Bitrate,
	}, s.log)
	if err != nil {
		return err
	}

	gate := vad.New(vad.Config{
		Enabled:         cfg.VADEnabled,
		Threshold:       cfg.VADThreshold,
		HangoverFrames:  cfg.VADHangoverFrames,
		OnSpeakingStart: cfg.OnSpeakingStart,
		OnSpeakingStop:  cfg.OnSpeakingStop,
	}, s.log)

	var comp *audio.Compressor
	if cfg.CompressorEnabled {
		comp = audio.NewCompressor(cfg.CompressorThresholdDB, cfg.CompressorRatio)
	}

	s.enc = enc
	s.gate = gate
	s.comp = comp
	s.gain = cfg.InputGain
	s.frameSamples = frameSamples
	s.pending = s.pending[:0]
	s.framesEncoded.Store(0)
	s.framesSuppressed.Store(0)
	s.bytesSent.Store(0)
	s.encodeErrors.Store(0)
	s.started = true
	s.running.Store(true)

	s.log.Info("source started",
		"sample_rate", cfg.SampleRate,
		"frame_duration", cfg.FrameDuration,
		"encoder", enc.Name(),
		"vad", cfg.VADEnabled)
	return nil
}

// Stop ends the session immediately. Samples already inside WriteSamples
// may still produce one last frame; everything after returns without
// work. Stopping a stopped source is a no-op.
func (s *Source) Stop() {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return
	}
	s.started = false
	s.running.Store(false)
	s.pending = nil
	s.mu.Unlock()

	s.log.Info("source stopped")
}

// WriteSamples feeds captured PCM into the session. Samples accumulate
// until a full frame is available; each full frame is gained, compressed,
// gated, encoded, and sent. Partial frames wait for the next call.
func (s *Source) WriteSamples(samples []int16) {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return
	}
	enc, gate, comp := s.enc, s.gate, s.comp
	gain := s.gain
	frameSamples := s.frameSamples

	s.pending = append(s.pending, samples...)
	var frames [][]int16
	n := 0
	for len(s.pending)-n >= frameSamples {
		frames = append(frames, append([]int16(nil), s.pending[n:n+frameSamples]...))
		n += frameSamples
	}
	if n > 0 {
		s.pending = append(s.pending[:0], s.pending[n:]...)
	}
	s.mu.Unlock()

	for _, frame := range frames {
		if !s.running.Load() {
			return
		}
		s.processFrame(frame, enc, gate, comp, gain)
	}
}

func (s *Source) processFrame(frame []int16, enc codec.Encoder, gate *vad.Gate, comp *audio.Compressor, gain float64) {
	audio.Gain(frame, gain)
	if comp != nil {
		comp.Process(frame)
	}
	if !gate.Process(frame) {
		s.framesSuppressed.Add(1)
		return
	}

	f, err := enc.Encode(frame)
	if err != nil {
		s.encodeErrors.Add(1)
		s.log.Debug("encode failed", "error", err)
		return
	}

	b := wire.Encode(f)
	s.sender.Send(b)
	s.framesEncoded.Add(1)
	s.bytesSent.Add(int64(len(b)))
}

// SetVADEnabled toggles voice detection without touching detector state,
// so re-enabling resumes from where the detector left off.
func (s *Source) SetVADEnabled(enabled bool) {
	if gate := s.currentGate(); gate != nil {
		gate.SetEnabled(enabled)
	}
}

// SetVADThreshold adjusts the speech threshold live.
func (s *Source) SetVADThreshold(threshold float64) {
	if gate := s.currentGate(); gate != nil {
		gate.SetThreshold(threshold)
	}
}

// SetInputGain adjusts the capture gain live. Negative values are
// ignored.
func (s *Source) SetInputGain(gain float64) {
	if gain < 0 {
		return
	}
	s.mu.Lock()
	if s.started {
		s.gain = gain
	}
	s.mu.Unlock()
}

func (s *Source) currentGate() *vad.Gate {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.started {
		return nil
	}
	return s.gate
}

// Snapshot returns current capture statistics.
func (s *Source) Snapshot() SourceStats {
	s.mu.Lock()
	started := s.started
	enc := s.enc
	gate := s.gate
	s.mu.Unlock()

	st := SourceStats{
		Started:          started,
		FramesEncoded:    s.framesEncoded.Load(),
		FramesSuppressed: s.framesSuppressed.Load(),
		BytesSent:        s.bytesSent.Load(),
		EncodeErrors:     s.encodeErrors.Load(),
	}
	if started && enc != nil {
		st.Encoder = enc.Name()
	}
	if started && gate != nil {
		v := gate.Snapshot()
		st.VAD = &v
	}
	return st
}
