// Package webrtclink adapts WebRTC data channels into overlay links, which
// is how browser listeners join the tree: the node answers an SDP offer,
// registers the peer connection as a neighbor, and the relay opens its
// audio link as an unordered no-retransmit channel.
package webrtclink

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/pion/webrtc/v4"

	"github.com/canopy-audio/canopy/internal/overlay"
)

// ErrNotOpen is returned by Send before the channel has finished the
// SCTP handshake or after it closed.
var ErrNotOpen = errors.New("webrtclink: channel not open")

// dataChannel is the slice of *webrtc.DataChannel the adapter uses.
type dataChannel interface {
	Label() string
	ReadyState() webrtc.DataChannelState
	Send(data []byte) error
	BufferedAmount() uint64
	OnOpen(f func())
	OnClose(f func())
	OnMessage(f func(msg webrtc.DataChannelMessage))
	Close() error
}

var _ dataChannel = (*webrtc.DataChannel)(nil)

// offerer is the slice of the overlay registry the receive side drives.
type offerer interface {
	Offer(l overlay.Link)
}

var _ offerer = (*overlay.Registry)(nil)

// Init translates a reliability profile into data channel options. The
// audio profile maps to an unordered channel with zero retransmits, the
// SCTP equivalent of a datagram.
func Init(rel overlay.Reliability) *webrtc.DataChannelInit {
	ordered := rel.Ordered
	retransmits := rel.MaxRetransmits
	return &webrtc.DataChannelInit{
		Ordered:        &ordered,
		MaxRetransmits: &retransmits,
	}
}

// Link is an overlay link running over one WebRTC data channel. The
// backpressure gauge is the channel's SCTP buffered amount.
type Link struct {
	log      *slog.Logger
	dc       dataChannel
	neighbor string

	mu        sync.Mutex
	onMessage func(frame []byte)
	closed    bool
}

var _ overlay.Link = (*Link)(nil)

// Wrap adapts an established or still-connecting data channel. The link
// reports pending until the channel opens. If log is nil, slog.Default()
// is used.
func Wrap(dc dataChannel, neighbor string, log *slog.Logger) *Link {
	if log == nil {
		log = slog.Default()
	}
	l := &Link{
		log:      log.With("component", "webrtclink", "peer", neighbor, "label", dc.Label()),
		dc:       dc,
		neighbor: neighbor,
	}
	dc.OnOpen(func() {
		l.log.Info("channel open")
	})
	dc.OnClose(func() {
		l.markClosed()
		l.log.Info("channel closed")
	})
	dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		l.mu.Lock()
		fn := l.onMessage
		l.mu.Unlock()
		if fn != nil {
			fn(msg.Data)
		}
	})
	return l
}

func (l *Link) markClosed() {
	l.mu.Lock()
	l.closed = true
	l.mu.Unlock()
}

func (l *Link) Neighbor() string {
	return l.neighbor
}

func (l *Link) Label() string {
	return l.dc.Label()
}

func (l *Link) State() overlay.State {
	l.mu.Lock()
	closed := l.closed
	l.mu.Unlock()
	if closed {
		return overlay.StateClosed
	}
	switch l.dc.ReadyState() {
	case webrtc.DataChannelStateConnecting:
		return overlay.StatePending
	case webrtc.DataChannelStateOpen:
		return overlay.StateOpen
	default:
		return overlay.StateClosed
	}
}

func (l *Link) Send(frame []byte) error {
	if l.State() != overlay.StateOpen {
		return ErrNotOpen
	}
	return l.dc.Send(frame)
}

func (l *Link) QueuedBytes() int {
	return int(l.dc.BufferedAmount())
}

// OnMessage installs the receive callback. A nil fn detaches it.
func (l *Link) OnMessage(fn func(frame []byte)) {
	l.mu.Lock()
	l.onMessage = fn
	l.mu.Unlock()
}

func (l *Link) Close() error {
	l.markClosed()
	return l.dc.Close()
}

// Creator returns an overlay.LinkCreator that opens data channels on pc.
// Register it with the neighbor so the relay can build links the moment
// the peer joins.
func Creator(pc *webrtc.PeerConnection, neighbor string, log *slog.Logger) overlay.LinkCreator {
	return func(label string, rel overlay.Reliability) (overlay.Link, error) {
		dc, err := pc.CreateDataChannel(label, Init(rel))
		if err != nil {
			return nil, fmt.Errorf("webrtclink: create channel %q: %w", label, err)
		}
		return Wrap(dc, neighbor, log), nil
	}
}

// Attach offers every data channel the remote side opens on pc into the
// registry, labelled by the channel's own label. This is the child-side
// glue: the parent opens the channels, the child receives them.
func Attach(pc *webrtc.PeerConnection, neighbor string, reg offerer, log *slog.Logger) {
	pc.OnDataChannel(func(dc *webrtc.DataChannel) {
		reg.Offer(Wrap(dc, neighbor, log))
	})
}
