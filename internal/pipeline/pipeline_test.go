package pipeline

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/canopy-audio/canopy/internal/overlay"
	"github.com/canopy-audio/canopy/internal/relay"
)

// stubSender collects frames a Source pushes, optionally forwarding them
// straight into a Sink like the relay would.
type stubSender struct {
	mu      sync.Mutex
	frames  [][]byte
	forward func(frame []byte)
}

func (s *stubSender) Send(frame []byte) {
	s.mu.Lock()
	s.frames = append(s.frames, append([]byte(nil), frame...))
	fwd := s.forward
	s.mu.Unlock()
	if fwd != nil {
		fwd(frame)
	}
}

func (s *stubSender) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.frames)
}

func (s *stubSender) frame(i int) []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.frames[i]
}

// sineFrame produces loud periodic samples, comfortably above any voice
// detection threshold.
func sineFrame(n int) []int16 {
	out := make([]int16, n)
	for i := range out {
		if i%8 < 4 {
			out[i] = 8000
		} else {
			out[i] = -8000
		}
	}
	return out
}

// TestSourceToSinkEndToEnd runs captured samples through a Source, feeds
// the framed output into a Sink the way the relay would, and drains the
// jitter buffer. Whatever encoder the probe selected, the sink's chain
// must be able to play it back.
func TestSourceToSinkEndToEnd(t *testing.T) {
	t.Parallel()

	sink := NewSink(nil)
	sinkCfg := DefaultSinkConfig()
	sinkCfg.SampleRate = 8000
	sinkCfg.FrameDuration = 20 * time.Millisecond
	sinkCfg.JitterTarget = 40 * time.Millisecond
	if err := sink.Start(sinkCfg); err != nil {
		t.Fatalf("sink start: %v", err)
	}

	sender := &stubSender{forward: sink.HandleFrame}
	src := NewSource(sender, nil)
	srcCfg := DefaultSourceConfig()
	srcCfg.SampleRate = 8000
	srcCfg.FrameDuration = 20 * time.Millisecond
	if err := src.Start(srcCfg); err != nil {
		t.Fatalf("source start: %v", err)
	}

	// 10 frames of loud audio: 160 samples per 20 ms frame at 8 kHz.
	for i := 0; i < 10; i++ {
		src.WriteSamples(sineFrame(160))
	}

	if sender.count() != 10 {
		t.Fatalf("frames sent: got %d, want 10", sender.count())
	}

	snap := sink.Snapshot()
	if snap.FramesReceived != 10 {
		t.Fatalf("frames received: got %d, want 10", snap.FramesReceived)
	}
	if snap.FramesDropped != 0 {
		t.Fatalf("frames dropped: got %d, want 0 (decoder must handle its own encoder's output)", snap.FramesDropped)
	}

	// 10 frames is well past the 40 ms target, so playback is live.
	out := make([]int16, 800)
	sink.Read(out)
	loud := 0
	for _, v := range out {
		if v > 1000 || v < -1000 {
			loud++
		}
	}
	if loud == 0 {
		t.Error("playback output is silent after 200 ms of loud input")
	}
}

// memLink is one end of an in-memory transport pair: frames sent here
// surface on the receive callback of the paired end.
type memLink struct {
	neighbor string
	label    string

	mu     sync.Mutex
	peer   *memLink
	recv   func([]byte)
	closed bool
}

func memPair(parentName, childName, label string) (parentEnd, childEnd *memLink) {
	parentEnd = &memLink{neighbor: childName, label: label}
	childEnd = &memLink{neighbor: parentName, label: label}
	parentEnd.peer = childEnd
	childEnd.peer = parentEnd
	return parentEnd, childEnd
}

func (m *memLink) Neighbor() string { return m.neighbor }
func (m *memLink) Label() string    { return m.label }

func (m *memLink) State() overlay.State {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return overlay.StateClosed
	}
	return overlay.StateOpen
}

func (m *memLink) Send(frame []byte) error {
	m.mu.Lock()
	closed := m.closed
	m.mu.Unlock()
	if closed {
		return errors.New("link closed")
	}
	m.peer.mu.Lock()
	fn := m.peer.recv
	m.peer.mu.Unlock()
	if fn != nil {
		fn(frame)
	}
	return nil
}

func (m *memLink) QueuedBytes() int { return 0 }

func (m *memLink) OnMessage(fn func(frame []byte)) {
	m.mu.Lock()
	m.recv = fn
	m.mu.Unlock()
}

func (m *memLink) Close() error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	return nil
}

// TestTreeEndToEndLateJoin runs two nodes joined by an in-memory link: a
// root with a capture pipeline, and a child whose relay and playback
// pipeline start only after half the broadcast has gone by. The child
// must pick up cleanly from the current point; the missed half is gone.
func TestTreeEndToEndLateJoin(t *testing.T) {
	t.Parallel()

	regRoot := overlay.NewRegistry(nil)
	regChild := overlay.NewRegistry(nil)

	mgrRoot := relay.New(regRoot, relay.Config{}, nil)
	mgrRoot.Start()
	defer mgrRoot.Stop()

	// Creating the root's downstream link surfaces its pair on the child,
	// the way a link announcement does on a real connection.
	regRoot.AddNeighbor("child", func(label string, _ overlay.Reliability) (overlay.Link, error) {
		parentEnd, childEnd := memPair("root", "child", label)
		regChild.Offer(childEnd)
		return parentEnd, nil
	})

	src := NewSource(mgrRoot, nil)
	srcCfg := DefaultSourceConfig()
	srcCfg.SampleRate = 8000
	srcCfg.FrameDuration = 20 * time.Millisecond
	srcCfg.VADEnabled = false
	if err := src.Start(srcCfg); err != nil {
		t.Fatalf("source start: %v", err)
	}
	defer src.Stop()

	// First 50 frames play out with the link up but nobody listening on
	// the child.
	for i := 0; i < 50; i++ {
		src.WriteSamples(sineFrame(160))
	}

	sink := NewSink(nil)
	sinkCfg := DefaultSinkConfig()
	sinkCfg.SampleRate = 8000
	sinkCfg.FrameDuration = 20 * time.Millisecond
	sinkCfg.JitterTarget = 40 * time.Millisecond
	if err := sink.Start(sinkCfg); err != nil {
		t.Fatalf("sink start: %v", err)
	}
	defer sink.Stop()

	mgrChild := relay.New(regChild, relay.Config{}, nil)
	mgrChild.OnFrame(sink.HandleFrame)
	mgrChild.Start()
	defer mgrChild.Stop()

	for i := 0; i < 50; i++ {
		src.WriteSamples(sineFrame(160))
	}

	snap := sink.Snapshot()
	if snap.FramesReceived != 50 {
		t.Fatalf("frames received after late join: got %d, want 50", snap.FramesReceived)
	}
	if snap.FramesDropped != 0 {
		t.Fatalf("frames dropped: got %d, want 0", snap.FramesDropped)
	}
	if want := int64(49 * 20_000); snap.LastPTSMicros != want {
		t.Errorf("late sink restarts its clock: got PTS %d, want %d", snap.LastPTSMicros, want)
	}

	out := make([]int16, 800)
	sink.Read(out)
	loud := 0
	for _, v := range out {
		if v > 1000 || v < -1000 {
			loud++
		}
	}
	if loud == 0 {
		t.Error("child playback is silent after joining mid-broadcast")
	}
}

func TestSourceToSinkTimestampsAdvance(t *testing.T) {
	t.Parallel()

	sink := NewSink(nil)
	cfg := DefaultSinkConfig()
	cfg.SampleRate = 8000
	if err := sink.Start(cfg); err != nil {
		t.Fatalf("sink start: %v", err)
	}

	sender := &stubSender{forward: sink.HandleFrame}
	src := NewSource(sender, nil)
	srcCfg := DefaultSourceConfig()
	srcCfg.SampleRate = 8000
	srcCfg.VADEnabled = false
	if err := src.Start(srcCfg); err != nil {
		t.Fatalf("source start: %v", err)
	}

	for i := 0; i < 5; i++ {
		src.WriteSamples(sineFrame(160))
	}

	snap := sink.Snapshot()
	if want := int64(4 * 20_000); snap.LastPTSMicros != want {
		t.Errorf("last receive PTS: got %d, want %d (frame counter times frame duration)", snap.LastPTSMicros, want)
	}
}
