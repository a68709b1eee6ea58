// Package quiclink carries overlay links between canopy nodes over QUIC.
// One connection per neighbor; each link on it is announced with a small
// header on its own stream and then moves frames as QUIC datagrams
// prefixed with the link id. Datagrams are unordered and unreliable,
// which is exactly the delivery profile the audio tree wants.
//
// Datagram size is bounded by the path MTU, so compressed frames fit
// comfortably but raw PCM at 48 kHz does not; across QUIC hops the
// compressed encode path is effectively required.
package quiclink

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/quic-go/quic-go"

	"github.com/canopy-audio/canopy/internal/overlay"
)

// Protocol is the ALPN identifier both sides of a canopy connection
// negotiate.
const Protocol = "canopy/1"

// sendQueueFrames bounds the per-link send queue. The byte occupancy of
// this queue is the link's backpressure gauge; the relay stops feeding a
// link well before the queue itself fills.
const sendQueueFrames = 64

var (
	// ErrQueueFull is returned by Send when the link's send queue cannot
	// take another frame.
	ErrQueueFull = errors.New("quiclink: send queue full")

	// ErrClosed is returned by Send on a closed link.
	ErrClosed = errors.New("quiclink: link closed")
)

// membership is the slice of the overlay registry the transport drives.
type membership interface {
	AddNeighbor(neighbor string, create overlay.LinkCreator)
	RemoveNeighbor(neighbor string)
	Offer(l overlay.Link)
}

var _ membership = (*overlay.Registry)(nil)

// session is the connection surface Peer runs on. quic.Connection
// satisfies it through the quicSession adapter; tests substitute an
// in-memory implementation.
type session interface {
	SendDatagram(b []byte) error
	ReceiveDatagram(ctx context.Context) ([]byte, error)
	OpenStream(ctx context.Context) (io.ReadWriteCloser, error)
	AcceptStream(ctx context.Context) (io.ReadWriteCloser, error)
	RemoteAddr() net.Addr
	Close(code uint64, reason string) error
}

// quicSession adapts quic.Connection to the session interface.
type quicSession struct {
	conn quic.Connection
}

func (s quicSession) SendDatagram(b []byte) error {
	return s.conn.SendDatagram(b)
}

func (s quicSession) ReceiveDatagram(ctx context.Context) ([]byte, error) {
	return s.conn.ReceiveDatagram(ctx)
}

func (s quicSession) OpenStream(ctx context.Context) (io.ReadWriteCloser, error) {
	return s.conn.OpenStreamSync(ctx)
}

func (s quicSession) AcceptStream(ctx context.Context) (io.ReadWriteCloser, error) {
	return s.conn.AcceptStream(ctx)
}

func (s quicSession) RemoteAddr() net.Addr {
	return s.conn.RemoteAddr()
}

func (s quicSession) Close(code uint64, reason string) error {
	return s.conn.CloseWithError(quic.ApplicationErrorCode(code), reason)
}

func newQUICConfig() *quic.Config {
	return &quic.Config{
		EnableDatagrams: true,
		MaxIdleTimeout:  30 * time.Second,
		KeepAlivePeriod: 10 * time.Second,
	}
}

// Peer multiplexes the links of one neighbor connection. The side that
// initiates a link (the parent, for tree edges) calls CreateLink; the
// other side surfaces accepted links through the link handler.
type Peer struct {
	log  *slog.Logger
	sess session
	name string

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	links   map[byte]*link
	nextID  byte
	onLink  func(overlay.Link)
	onClose func(error)
	closed  bool
}

// NewPeer wraps an established session. name becomes the Neighbor() of
// every link on it. If log is nil, slog.Default() is used.
func NewPeer(sess session, name string, log *slog.Logger) *Peer {
	if log == nil {
		log = slog.Default()
	}
	return &Peer{
		log:   log.With("component", "quiclink", "peer", name),
		sess:  sess,
		name:  name,
		links: make(map[byte]*link),
	}
}

// Name returns the neighbor identity links on this peer report.
func (p *Peer) Name() string {
	return p.name
}

// OnLink sets the handler for links the remote side announces. Must be
// set before Start.
func (p *Peer) OnLink(fn func(overlay.Link)) {
	p.mu.Lock()
	p.onLink = fn
	p.mu.Unlock()
}

// OnClose sets the handler invoked exactly once when the connection dies,
// with the error that killed it.
func (p *Peer) OnClose(fn func(error)) {
	p.mu.Lock()
	p.onClose = fn
	p.mu.Unlock()
}

// Start launches the accept and datagram receive loops.
func (p *Peer) Start(ctx context.Context) {
	p.ctx, p.cancel = context.WithCancel(ctx)
	go p.acceptLoop(p.ctx)
	go p.datagramLoop(p.ctx)
}

// Close tears the connection down, closing every link on it.
func (p *Peer) Close() error {
	err := p.sess.Close(0, "closing")
	p.shutdown(errors.New("quiclink: peer closed"))
	return err
}

// CreateLink opens a new link to the neighbor: allocates an id, announces
// it on a fresh stream, and returns the link ready for frames. Satisfies
// overlay.LinkCreator. Only the unordered, no-retransmit profile can ride
// datagrams.
func (p *Peer) CreateLink(label string, rel overlay.Reliability) (overlay.Link, error) {
	if rel.Ordered || rel.MaxRetransmits != 0 {
		return nil, fmt.Errorf("quiclink: reliability profile %+v not supported over datagrams", rel)
	}
	if len(label) == 0 || len(label) > 255 {
		return nil, fmt.Errorf("quiclink: label %q must be 1..255 bytes", label)
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, ErrClosed
	}
	id := p.nextID
	p.nextID++
	ctx := p.ctx
	p.mu.Unlock()
	if ctx == nil {
		ctx = context.Background()
	}

	stream, err := p.sess.OpenStream(ctx)
	if err != nil {
		return nil, fmt.Errorf("quiclink: open link stream: %w", err)
	}
	hdr := make([]byte, 0, 2+len(label))
	hdr = append(hdr, id, byte(len(label)))
	hdr = append(hdr, label...)
	if _, err := stream.Write(hdr); err != nil {
		stream.Close()
		return nil, fmt.Errorf("quiclink: announce link: %w", err)
	}

	l := p.addLink(id, label, stream)
	p.log.Info("link created", "label", label, "id", id)
	return l, nil
}

func (p *Peer) acceptLoop(ctx context.Context) {
	for {
		stream, err := p.sess.AcceptStream(ctx)
		if err != nil {
			p.shutdown(err)
			return
		}
		go p.handleIncomingLink(stream)
	}
}

// handleIncomingLink reads one link announcement and surfaces the link.
func (p *Peer) handleIncomingLink(stream io.ReadWriteCloser) {
	hdr := make([]byte, 2)
	if _, err := io.ReadFull(stream, hdr); err != nil {
		p.log.Debug("bad link announcement", "error", err)
		stream.Close()
		return
	}
	labelBuf := make([]byte, int(hdr[1]))
	if _, err := io.ReadFull(stream, labelBuf); err != nil {
		p.log.Debug("bad link announcement", "error", err)
		stream.Close()
		return
	}

	l := p.addLink(hdr[0], string(labelBuf), stream)
	p.log.Info("link accepted", "label", l.label, "id", l.id)

	p.mu.Lock()
	handler := p.onLink
	p.mu.Unlock()
	if handler != nil {
		handler(l)
	}
}

func (p *Peer) datagramLoop(ctx context.Context) {
	for {
		data, err := p.sess.ReceiveDatagram(ctx)
		if err != nil {
			p.shutdown(err)
			return
		}
		if len(data) < 1 {
			continue
		}
		p.mu.Lock()
		l := p.links[data[0]]
		p.mu.Unlock()
		if l == nil {
			continue
		}
		l.deliver(data[1:])
	}
}

func (p *Peer) addLink(id byte, label string, stream io.ReadWriteCloser) *link {
	l := &link{
		peer:     p,
		id:       id,
		neighbor: p.name,
		label:    label,
		stream:   stream,
		queue:    make(chan []byte, sendQueueFrames),
	}
	l.state.Store(int32(overlay.StateOpen))

	p.mu.Lock()
	if old := p.links[id]; old != nil {
		go old.Close()
	}
	p.links[id] = l
	p.mu.Unlock()

	go l.writeLoop()
	go l.watch()
	return l
}

func (p *Peer) dropLink(id byte, l *link) {
	p.mu.Lock()
	if p.links[id] == l {
		delete(p.links, id)
	}
	p.mu.Unlock()
}

// shutdown runs once: closes every link and reports the terminal error.
func (p *Peer) shutdown(err error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	links := make([]*link, 0, len(p.links))
	for _, l := range p.links {
		links = append(links, l)
	}
	onClose := p.onClose
	p.mu.Unlock()

	for _, l := range links {
		l.Close()
	}
	if p.cancel != nil {
		p.cancel()
	}
	p.log.Info("peer closed", "error", err)
	if onClose != nil {
		onClose(err)
	}
}

// link is one multiplexed channel on a peer connection.
type link struct {
	peer     *Peer
	id       byte
	neighbor string
	label    string
	stream   io.ReadWriteCloser

	queue  chan []byte
	queued atomic.Int64
	state  atomic.Int32

	mu        sync.Mutex
	onMessage func(frame []byte)
	closed    bool
}

var _ overlay.Link = (*link)(nil)

func (l *link) Neighbor() string {
	return l.neighbor
}

func (l *link) Label() string {
	return l.label
}

func (l *link) State() overlay.State {
	return overlay.State(l.state.Load())
}

// Send queues frame for transmission. The queue is drained by a single
// writer; a full queue means the connection is not keeping up and the
// frame is refused rather than buffered without bound.
func (l *link) Send(frame []byte) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return ErrClosed
	}
	select {
	case l.queue <- frame:
		l.queued.Add(int64(len(frame)))
		return nil
	default:
		return ErrQueueFull
	}
}

// QueuedBytes reports the bytes sitting in the send queue, including the
// frame currently being written.
func (l *link) QueuedBytes() int {
	return int(l.queued.Load())
}

// OnMessage installs the receive callback. A nil fn detaches it; frames
// arriving with no callback are dropped.
func (l *link) OnMessage(fn func(frame []byte)) {
	l.mu.Lock()
	l.onMessage = fn
	l.mu.Unlock()
}

// Close tears the link down and signals the remote side by closing the
// announcement stream. The connection and its other links are untouched.
// Closing twice is a no-op.
func (l *link) Close() error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	close(l.queue)
	l.mu.Unlock()

	l.state.Store(int32(overlay.StateClosed))
	l.stream.Close()
	if cr, ok := l.stream.(interface {
		CancelRead(quic.StreamErrorCode)
	}); ok {
		cr.CancelRead(0)
	}
	l.peer.dropLink(l.id, l)
	return nil
}

func (l *link) deliver(frame []byte) {
	l.mu.Lock()
	fn := l.onMessage
	l.mu.Unlock()
	if fn != nil {
		fn(frame)
	}
}

// writeLoop drains the send queue into datagrams. The gauge is decremented
// only after the datagram is handed to the connection, so in-flight bytes
// still count as queued.
func (l *link) writeLoop() {
	for frame := range l.queue {
		payload := make([]byte, 1+len(frame))
		payload[0] = l.id
		copy(payload[1:], frame)
		if err := l.peer.sess.SendDatagram(payload); err != nil {
			l.peer.log.Debug("datagram send failed", "label", l.label, "error", err)
		}
		l.queued.Add(-int64(len(frame)))
	}
}

// watch blocks on the announcement stream until the remote side closes it
// or the connection dies, then closes the local half.
func (l *link) watch() {
	io.Copy(io.Discard, l.stream)
	l.Close()
}
