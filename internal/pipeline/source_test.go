package pipeline

import (
	"errors"
	"testing"
	"time"

	"github.com/canopy-audio/canopy/internal/wire"
)

// sourceConfig8k is the base test configuration: 160-sample frames keep
// the arithmetic small.
func sourceConfig8k() SourceConfig {
	cfg := DefaultSourceConfig()
	cfg.SampleRate = 8000
	cfg.FrameDuration = 20 * time.Millisecond
	return cfg
}

func TestSourceAccumulatesPartialFrames(t *testing.T) {
	t.Parallel()

	sender := &stubSender{}
	src := NewSource(sender, nil)
	cfg := sourceConfig8k()
	cfg.VADEnabled = false
	if err := src.Start(cfg); err != nil {
		t.Fatalf("Start: %v", err)
	}

	src.WriteSamples(sineFrame(100))
	if sender.count() != 0 {
		t.Fatalf("frames after 100 samples: got %d, want 0 (below one frame)", sender.count())
	}

	src.WriteSamples(sineFrame(100)) // 200 total: one frame plus 40 pending
	if sender.count() != 1 {
		t.Fatalf("frames after 200 samples: got %d, want 1", sender.count())
	}

	src.WriteSamples(sineFrame(120)) // 160 pending: exactly one more
	if sender.count() != 2 {
		t.Fatalf("frames after 320 samples: got %d, want 2", sender.count())
	}
}

func TestSourceFramesCarryKnownTag(t *testing.T) {
	t.Parallel()

	sender := &stubSender{}
	src := NewSource(sender, nil)
	cfg := sourceConfig8k()
	cfg.VADEnabled = false
	if err := src.Start(cfg); err != nil {
		t.Fatalf("Start: %v", err)
	}

	src.WriteSamples(sineFrame(160))
	if sender.count() != 1 {
		t.Fatalf("frames sent: got %d, want 1", sender.count())
	}
	b := sender.frame(0)
	if len(b) < 2 {
		t.Fatalf("frame too short: %d bytes", len(b))
	}
	if !wire.Known(b[0]) {
		t.Errorf("frame tag: got 0x%02x, want a known codec tag", b[0])
	}
}

func TestSourceSuppressesSilenceAfterHangover(t *testing.T) {
	t.Parallel()

	sender := &stubSender{}
	src := NewSource(sender, nil)
	cfg := sourceConfig8k()
	cfg.VADHangoverFrames = 2
	if err := src.Start(cfg); err != nil {
		t.Fatalf("Start: %v", err)
	}

	quiet := make([]int16, 160)

	src.WriteSamples(sineFrame(160)) // speech
	src.WriteSamples(quiet)          // hangover 1
	src.WriteSamples(quiet)          // hangover 2
	src.WriteSamples(quiet)          // suppressed
	src.WriteSamples(quiet)          // suppressed

	if sender.count() != 3 {
		t.Errorf("frames sent: got %d, want 3 (speech plus two hangover frames)", sender.count())
	}
	if snap := src.Snapshot(); snap.FramesSuppressed != 2 {
		t.Errorf("frames suppressed: got %d, want 2", snap.FramesSuppressed)
	}
}

func TestSourceVADDisabledSendsSilence(t *testing.T) {
	t.Parallel()

	sender := &stubSender{}
	src := NewSource(sender, nil)
	cfg := sourceConfig8k()
	cfg.VADEnabled = false
	if err := src.Start(cfg); err != nil {
		t.Fatalf("Start: %v", err)
	}

	for i := 0; i < 4; i++ {
		src.WriteSamples(make([]int16, 160))
	}
	if sender.count() != 4 {
		t.Errorf("frames sent with detection off: got %d, want 4", sender.count())
	}
}

func TestSourceSpeakingEvents(t *testing.T) {
	t.Parallel()

	sender := &stubSender{}
	src := NewSource(sender, nil)
	starts, stops := 0, 0
	cfg := sourceConfig8k()
	cfg.VADHangoverFrames = 1
	cfg.OnSpeakingStart = func() { starts++ }
	cfg.OnSpeakingStop = func() { stops++ }
	if err := src.Start(cfg); err != nil {
		t.Fatalf("Start: %v", err)
	}

	quiet := make([]int16, 160)
	src.WriteSamples(sineFrame(160))
	src.WriteSamples(sineFrame(160))
	src.WriteSamples(quiet) // hangover
	src.WriteSamples(quiet) // stops here

	if starts != 1 {
		t.Errorf("speaking starts: got %d, want 1", starts)
	}
	if stops != 1 {
		t.Errorf("speaking stops: got %d, want 1", stops)
	}
}

func TestSourceLiveVADToggle(t *testing.T) {
	t.Parallel()

	sender := &stubSender{}
	src := NewSource(sender, nil)
	if err := src.Start(sourceConfig8k()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	quiet := make([]int16, 160)
	src.WriteSamples(quiet)
	if sender.count() != 0 {
		t.Fatalf("silence with detection on: got %d frames, want 0", sender.count())
	}

	src.SetVADEnabled(false)
	src.WriteSamples(quiet)
	if sender.count() != 1 {
		t.Errorf("silence with detection off: got %d frames, want 1", sender.count())
	}

	src.SetVADEnabled(true)
	src.SetVADThreshold(0.9) // nothing in these fixtures reaches it
	src.WriteSamples(sineFrame(160))
	if sender.count() != 1 {
		t.Errorf("loud frame under raised threshold: got %d frames, want still 1", sender.count())
	}
}

func TestSourceStopDiscardsLaterSamples(t *testing.T) {
	t.Parallel()

	sender := &stubSender{}
	src := NewSource(sender, nil)
	cfg := sourceConfig8k()
	cfg.VADEnabled = false
	if err := src.Start(cfg); err != nil {
		t.Fatalf("Start: %v", err)
	}

	src.WriteSamples(sineFrame(160))
	src.Stop()
	src.Stop() // second stop is a no-op
	src.WriteSamples(sineFrame(160))

	if sender.count() != 1 {
		t.Errorf("frames after stop: got %d, want 1", sender.count())
	}
	if snap := src.Snapshot(); snap.Started {
		t.Error("snapshot started: got true after Stop")
	}

	// A stopped source restarts cleanly with a fresh configuration.
	if err := src.Start(cfg); err != nil {
		t.Fatalf("restart: %v", err)
	}
	src.WriteSamples(sineFrame(160))
	if sender.count() != 2 {
		t.Errorf("frames after restart: got %d, want 2", sender.count())
	}
}

func TestSourceStartTwice(t *testing.T) {
	t.Parallel()

	src := NewSource(&stubSender{}, nil)
	if err := src.Start(sourceConfig8k()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := src.Start(sourceConfig8k()); !errors.Is(err, ErrStarted) {
		t.Errorf("second Start: got %v, want ErrStarted", err)
	}
}

func TestSourceRejectsNegativeGain(t *testing.T) {
	t.Parallel()

	src := NewSource(&stubSender{}, nil)
	cfg := sourceConfig8k()
	cfg.InputGain = -0.5
	if err := src.Start(cfg); err == nil {
		t.Fatal("Start with negative gain: got nil error")
	}
	if snap := src.Snapshot(); snap.Started {
		t.Error("failed Start left the source running")
	}
}

func TestSourceSnapshot(t *testing.T) {
	t.Parallel()

	sender := &stubSender{}
	src := NewSource(sender, nil)
	cfg := sourceConfig8k()
	cfg.VADEnabled = false
	if err := src.Start(cfg); err != nil {
		t.Fatalf("Start: %v", err)
	}
	src.WriteSamples(sineFrame(160))

	snap := src.Snapshot()
	if !snap.Started {
		t.Error("started: got false, want true")
	}
	if snap.Encoder == "" {
		t.Error("encoder name: got empty, want the probed encoder")
	}
	if snap.FramesEncoded != 1 {
		t.Errorf("frames encoded: got %d, want 1", snap.FramesEncoded)
	}
	if snap.BytesSent == 0 {
		t.Error("bytes sent: got 0, want > 0")
	}
	if snap.VAD == nil {
		t.Error("vad status: got nil, want populated")
	}
}
