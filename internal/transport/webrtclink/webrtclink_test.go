package webrtclink

import (
	"bytes"
	"errors"
	"sync"
	"testing"

	"github.com/pion/webrtc/v4"

	"github.com/canopy-audio/canopy/internal/overlay"
)

// fakeChannel implements the dataChannel seam with scripted state.
type fakeChannel struct {
	mu        sync.Mutex
	label     string
	state     webrtc.DataChannelState
	buffered  uint64
	sent      [][]byte
	sendErr   error
	closed    bool
	onOpen    func()
	onClose   func()
	onMessage func(webrtc.DataChannelMessage)
}

func newFakeChannel(label string, state webrtc.DataChannelState) *fakeChannel {
	return &fakeChannel{label: label, state: state}
}

func (c *fakeChannel) Label() string { return c.label }

func (c *fakeChannel) ReadyState() webrtc.DataChannelState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *fakeChannel) Send(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sendErr != nil {
		return c.sendErr
	}
	c.sent = append(c.sent, append([]byte(nil), data...))
	return nil
}

func (c *fakeChannel) BufferedAmount() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.buffered
}

func (c *fakeChannel) OnOpen(f func())    { c.onOpen = f }
func (c *fakeChannel) OnClose(f func())   { c.onClose = f }
func (c *fakeChannel) Close() error       { c.mu.Lock(); c.closed = true; c.mu.Unlock(); return nil }
func (c *fakeChannel) OnMessage(f func(webrtc.DataChannelMessage)) {
	c.onMessage = f
}

// open transitions the scripted channel to open and fires the handler,
// the way pion does after the SCTP handshake.
func (c *fakeChannel) open() {
	c.mu.Lock()
	c.state = webrtc.DataChannelStateOpen
	c.mu.Unlock()
	if c.onOpen != nil {
		c.onOpen()
	}
}

func (c *fakeChannel) remoteClose() {
	c.mu.Lock()
	c.state = webrtc.DataChannelStateClosed
	c.mu.Unlock()
	if c.onClose != nil {
		c.onClose()
	}
}

func TestInitAudioProfile(t *testing.T) {
	t.Parallel()

	init := Init(overlay.Unreliable)
	if init.Ordered == nil || *init.Ordered {
		t.Error("ordered: want explicitly false")
	}
	if init.MaxRetransmits == nil || *init.MaxRetransmits != 0 {
		t.Error("max retransmits: want explicitly 0")
	}

	reliable := Init(overlay.Reliability{Ordered: true, MaxRetransmits: 7})
	if reliable.Ordered == nil || !*reliable.Ordered {
		t.Error("ordered: want explicitly true")
	}
	if reliable.MaxRetransmits == nil || *reliable.MaxRetransmits != 7 {
		t.Error("max retransmits: want 7")
	}
}

func TestLinkStateFollowsChannel(t *testing.T) {
	t.Parallel()

	dc := newFakeChannel("canopy-audio", webrtc.DataChannelStateConnecting)
	l := Wrap(dc, "browser-1", nil)

	if l.State() != overlay.StatePending {
		t.Errorf("connecting state: got %v, want pending", l.State())
	}
	if err := l.Send([]byte{1}); !errors.Is(err, ErrNotOpen) {
		t.Errorf("send while pending: got %v, want ErrNotOpen", err)
	}

	dc.open()
	if l.State() != overlay.StateOpen {
		t.Errorf("open state: got %v, want open", l.State())
	}

	dc.remoteClose()
	if l.State() != overlay.StateClosed {
		t.Errorf("closed state: got %v, want closed", l.State())
	}
	if err := l.Send([]byte{1}); !errors.Is(err, ErrNotOpen) {
		t.Errorf("send after close: got %v, want ErrNotOpen", err)
	}
}

func TestLinkSendAndGauge(t *testing.T) {
	t.Parallel()

	dc := newFakeChannel("canopy-audio", webrtc.DataChannelStateOpen)
	dc.buffered = 120
	l := Wrap(dc, "browser-1", nil)

	if err := l.Send([]byte{0xAA, 0xBB}); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if len(dc.sent) != 1 || !bytes.Equal(dc.sent[0], []byte{0xAA, 0xBB}) {
		t.Errorf("channel payloads: got %v", dc.sent)
	}
	if got := l.QueuedBytes(); got != 120 {
		t.Errorf("gauge: got %d, want the channel's buffered amount 120", got)
	}

	if l.Neighbor() != "browser-1" {
		t.Errorf("neighbor: got %q", l.Neighbor())
	}
	if l.Label() != "canopy-audio" {
		t.Errorf("label: got %q", l.Label())
	}
}

func TestLinkDeliversMessages(t *testing.T) {
	t.Parallel()

	dc := newFakeChannel("canopy-audio", webrtc.DataChannelStateOpen)
	l := Wrap(dc, "browser-1", nil)

	var got [][]byte
	l.OnMessage(func(frame []byte) { got = append(got, append([]byte(nil), frame...)) })

	dc.onMessage(webrtc.DataChannelMessage{Data: []byte{1, 2}})
	l.OnMessage(nil) // detached: dropped
	dc.onMessage(webrtc.DataChannelMessage{Data: []byte{3}})

	if len(got) != 1 || !bytes.Equal(got[0], []byte{1, 2}) {
		t.Errorf("delivered frames: got %v, want [[1 2]]", got)
	}
}

func TestLinkCloseClosesChannel(t *testing.T) {
	t.Parallel()

	dc := newFakeChannel("canopy-audio", webrtc.DataChannelStateOpen)
	l := Wrap(dc, "browser-1", nil)

	if err := l.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	dc.mu.Lock()
	closed := dc.closed
	dc.mu.Unlock()
	if !closed {
		t.Error("underlying channel left open")
	}
	if l.State() != overlay.StateClosed {
		t.Errorf("state after Close: got %v, want closed", l.State())
	}
}
