package pipeline

import (
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/canopy-audio/canopy/internal/codec"
	"github.com/canopy-audio/canopy/internal/jitter"
	"github.com/canopy-audio/canopy/internal/wire"
	"github.com/canopy-audio/canopy/media"
)

// SinkConfig holds everything a playback session needs.
type SinkConfig struct {
	// SampleRate of PCM handed to the playback device. Defaults to
	// 48000.
	SampleRate int

	// FrameDuration is the nominal duration of one received frame, used
	// for receive-side timestamps. Defaults to 20 ms.
	FrameDuration time.Duration

	// JitterTarget is the buffer fill that must accumulate before
	// playback starts. Defaults to jitter.DefaultTarget.
	JitterTarget time.Duration

	// ForceSoftwareDecode skips the native Opus decoder tier.
	ForceSoftwareDecode bool

	// OnFrameReceived fires for every arriving frame whose codec tag
	// this node knows, before decoding, with the tag and the payload
	// size in bytes. Runs on the receive goroutine.
	OnFrameReceived func(tag byte, size int)

	// OnUnsupportedCodec fires once per codec tag that no decoder could
	// be built for.
	OnUnsupportedCodec func(tag byte)
}

// DefaultSinkConfig returns the standard playback configuration: 48 kHz,
// 20 ms frames, a 40 ms jitter target, and the full decoder chain.
func DefaultSinkConfig() SinkConfig {
	return SinkConfig{
		SampleRate:    48000,
		FrameDuration: 20 * time.Millisecond,
		JitterTarget:  jitter.DefaultTarget,
	}
}

// SinkStats is the playback session's status snapshot.
type SinkStats struct {
	Started         bool          `json:"started"`
	FramesReceived  int64         `json:"framesReceived"`
	FramesDropped   int64         `json:"framesDropped"`
	MalformedFrames int64         `json:"malformedFrames"`
	LastPTSMicros   int64         `json:"lastPtsMicros"`
	Jitter          *jitter.Stats `json:"jitter,omitempty"`
	Codecs          *codec.Stats  `json:"codecs,omitempty"`
}

// Sink is the playback-side session. HandleFrame is fed by the relay's
// receive path; Read is drained by the playback device callback.
type Sink struct {
	log *slog.Logger

	mu          sync.Mutex
	started     bool
	chain       *codec.Chain
	buf         *jitter.Buffer
	frameMicros int64
	onFrame     func(tag byte, size int)

	framesReceived  atomic.Int64
	framesDropped   atomic.Int64
	malformedFrames atomic.Int64
	lastPTS         atomic.Int64
}

// NewSink creates an idle playback session. If log is nil, slog.Default()
// is used.
func NewSink(log *slog.Logger) *Sink {
	if log == nil {
		log = slog.Default()
	}
	return &Sink{
		log: log.With("component", "sink"),
	}
}

// Start validates cfg and begins the session. On any error the sink is
// left exactly as it was. Starting a running sink returns ErrStarted.
func (k *Sink) Start(cfg SinkConfig) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.started {
		return ErrStarted
	}

	if cfg.SampleRate <= 0 {
		cfg.SampleRate = 48000
	}
	if cfg.FrameDuration <= 0 {
		cfg.FrameDuration = 20 * time.Millisecond
	}
	if cfg.JitterTarget <= 0 {
		cfg.JitterTarget = jitter.DefaultTarget
	}
	frameSamples := media.FrameSamples(cfg.SampleRate, cfg.FrameDuration)
	if frameSamples <= 0 {
		return fmt.Errorf("pipeline: frame duration %v is below one sample at %d Hz", cfg.FrameDuration, cfg.SampleRate)
	}

	buf, err := jitter.New(jitter.Config{
		SampleRate: cfg.SampleRate,
		Target:     cfg.JitterTarget,
	}, k.log)
	if err != nil {
		return err
	}

	chain := codec.NewChain(codec.ChainConfig{
		SampleRate:    cfg.SampleRate,
		FrameDuration: cfg.FrameDuration,
		ForceSoftware: cfg.ForceSoftwareDecode,
	}, k.log)
	if cfg.OnUnsupportedCodec != nil {
		chain.OnUnsupported(cfg.OnUnsupportedCodec)
	}

	k.chain = chain
	k.buf = buf
	k.frameMicros = cfg.FrameDuration.Microseconds()
	k.onFrame = cfg.OnFrameReceived
	k.framesReceived.Store(0)
	k.framesDropped.Store(0)
	k.malformedFrames.Store(0)
	k.lastPTS.Store(0)
	k.started = true

	k.log.Info("sink started",
		"sample_rate", cfg.SampleRate,
		"frame_duration", cfg.FrameDuration,
		"jitter_target", cfg.JitterTarget)
	return nil
}

// Stop ends the session immediately. Frames already inside HandleFrame
// may still land in the old buffer; everything after returns without
// work. Stopping a stopped sink is a no-op.
func (k *Sink) Stop() {
	k.mu.Lock()
	if !k.started {
		k.mu.Unlock()
		return
	}
	k.started = false
	k.mu.Unlock()

	k.log.Info("sink stopped")
}

// session snapshots the running session's pieces, or ok=false when
// stopped.
func (k *Sink) session() (chain *codec.Chain, buf *jitter.Buffer, frameMicros int64, onFrame func(byte, int), ok bool) {
	k.mu.Lock()
	defer k.mu.Unlock()
	if !k.started {
		return nil, nil, 0, nil, false
	}
	return k.chain, k.buf, k.frameMicros, k.onFrame, true
}

// HandleFrame consumes one framed payload from the relay: unframe,
// timestamp, decode, and queue for playback. Malformed and undecodable
// frames are counted and dropped; the stream continues with the next
// frame. Must be called from a single goroutine.
func (k *Sink) HandleFrame(b []byte) {
	chain, buf, frameMicros, onFrame, ok := k.session()
	if !ok {
		return
	}

	f, err := wire.Decode(b)
	if err != nil {
		k.malformedFrames.Add(1)
		k.log.Debug("malformed frame", "error", err)
		return
	}

	if wire.Known(f.Codec) && onFrame != nil {
		onFrame(f.Codec, len(f.Payload))
	}

	// Receive-side timestamps come from the frame counter, not arrival
	// time, so network jitter never shows up in them.
	n := k.framesReceived.Add(1) - 1
	f.PTS = n * frameMicros
	k.lastPTS.Store(f.PTS)

	samples, err := chain.Decode(f)
	if err != nil {
		k.framesDropped.Add(1)
		k.log.Debug("frame dropped", "tag", wire.TagName(f.Codec), "error", err)
		return
	}
	buf.Write(samples)
}

// Read fills out with the next playback samples, silence when stopped or
// while the jitter buffer rebuilds.
func (k *Sink) Read(out []int16) {
	_, buf, _, _, ok := k.session()
	if !ok {
		for i := range out {
			out[i] = 0
		}
		return
	}
	buf.Read(out)
}

// Snapshot returns current playback statistics.
func (k *Sink) Snapshot() SinkStats {
	k.mu.Lock()
	started := k.started
	buf := k.buf
	chain := k.chain
	k.mu.Unlock()

	st := SinkStats{
		Started:         started,
		FramesReceived:  k.framesReceived.Load(),
		FramesDropped:   k.framesDropped.Load(),
		MalformedFrames: k.malformedFrames.Load(),
		LastPTSMicros:   k.lastPTS.Load(),
	}
	if started && buf != nil {
		j := buf.Snapshot()
		st.Jitter = &j
	}
	if started && chain != nil {
		c := chain.Snapshot()
		st.Codecs = &c
	}
	return st
}
