// Package relay fans encoded audio frames out across the overlay tree. A
// Manager watches the topology for membership changes, keeps exactly one
// audio link per downstream neighbor, consumes frames arriving on the
// upstream link, and re-sends every frame to all open downstream links
// with per-link backpressure. Frames are opaque here: the manager never
// parses payloads, so codec changes upstream pass through untouched.
package relay

import (
	"log/slog"
	"sync"

	"github.com/canopy-audio/canopy/internal/overlay"
)

// DefaultMaxQueuedBytes is the per-link backpressure threshold. A frame is
// dropped for a link when that link already has more than this many bytes
// queued locally. At 20 ms Opus frames this keeps at most a few frames of
// lag on a stalled link instead of letting latency grow without bound.
const DefaultMaxQueuedBytes = 200

// Topology is the view of the overlay the manager needs: current state to
// sweep at startup and mutation feeds to follow afterward. Implemented by
// overlay.Registry.
type Topology interface {
	Upstream() overlay.Link
	Neighbors() []string
	DownstreamsByLabel(label string) []overlay.Link
	OfferedByLabel(label string) []overlay.Link
	CreateLink(neighbor, label string, rel overlay.Reliability) (overlay.Link, error)

	OnUpstream(fn func(overlay.Link)) (cancel func())
	OnNeighborJoined(fn func(neighbor string)) (cancel func())
	OnLinkOffered(fn func(neighbor string, l overlay.Link)) (cancel func())
	OnNeighborLeft(fn func(neighbor string)) (cancel func())
}

// Compile-time interface check.
var _ Topology = (*overlay.Registry)(nil)

// Config controls a Manager.
type Config struct {
	// Label is the purpose label of the channels this manager owns.
	// Defaults to overlay.AudioLabel.
	Label string

	// MaxQueuedBytes is the per-link queue threshold above which frames
	// are dropped for that link. Defaults to DefaultMaxQueuedBytes.
	MaxQueuedBytes int

	// DisableForward keeps inbound frames local: the consumer callback
	// still fires, but nothing is relayed downstream. Frames injected
	// with Send are unaffected.
	DisableForward bool
}

// DropEvent describes one frame discarded for one congested link. Other
// links receive the frame normally; the drop is never retried.
type DropEvent struct {
	Neighbor    string `json:"neighbor"`
	FrameBytes  int    `json:"frameBytes"`
	QueuedBytes int    `json:"queuedBytes"`
}

// Manager runs the relay role for one node. Start and Stop are idempotent
// and cheap; the heavy lifting happens in callbacks fired by the topology
// and by upstream links.
type Manager struct {
	log   *slog.Logger
	topo  Topology
	stats *Stats

	label      string
	maxQueued  int
	forwarding bool

	mu        sync.RWMutex
	started   bool
	cancels   []func()
	upstream  overlay.Link
	onFrame   func(frame []byte)
	onDropped func(ev DropEvent)
}

// New creates a Manager over the given topology. If log is nil,
// slog.Default() is used. The manager does nothing until Start.
func New(topo Topology, cfg Config, log *slog.Logger) *Manager {
	if log == nil {
		log = slog.Default()
	}
	if cfg.Label == "" {
		cfg.Label = overlay.AudioLabel
	}
	if cfg.MaxQueuedBytes <= 0 {
		cfg.MaxQueuedBytes = DefaultMaxQueuedBytes
	}
	return &Manager{
		log:        log.With("component", "relay"),
		topo:       topo,
		stats:      newStats(),
		label:      cfg.Label,
		maxQueued:  cfg.MaxQueuedBytes,
		forwarding: !cfg.DisableForward,
	}
}

// OnFrame sets the local consumer for frames arriving from upstream.
// Passing nil detaches it. Forwarding to downstreams happens regardless of
// whether a consumer is attached.
func (m *Manager) OnFrame(fn func(frame []byte)) {
	m.mu.Lock()
	m.onFrame = fn
	m.mu.Unlock()
}

// OnFrameDropped sets the observer for per-link backpressure drops.
// Exactly one event is delivered per discarded frame per link.
func (m *Manager) OnFrameDropped(fn func(ev DropEvent)) {
	m.mu.Lock()
	m.onDropped = fn
	m.mu.Unlock()
}

// Start subscribes to topology mutations and then sweeps current topology
// state, so links that existed before this call are picked up exactly as
// if their notifications had just fired. Calling Start on a started
// manager is a no-op.
func (m *Manager) Start() {
	m.mu.Lock()
	if m.started {
		m.mu.Unlock()
		return
	}
	m.started = true
	m.mu.Unlock()

	cancels := []func(){
		m.topo.OnUpstream(m.handleUpstreamChanged),
		m.topo.OnNeighborJoined(m.handleNeighborJoined),
		m.topo.OnLinkOffered(m.handleLinkOffered),
		m.topo.OnNeighborLeft(m.handleNeighborLeft),
	}
	m.mu.Lock()
	m.cancels = cancels
	m.mu.Unlock()

	m.sweep()
	m.log.Info("relay started", "label", m.label, "max_queued_bytes", m.maxQueued)
}

// Stop detaches from the topology and from the upstream link. Links are
// left open: they belong to the topology, and a later Start finds them
// again through the sweep. Calling Stop on a stopped manager is a no-op.
func (m *Manager) Stop() {
	m.mu.Lock()
	if !m.started {
		m.mu.Unlock()
		return
	}
	m.started = false
	cancels := m.cancels
	m.cancels = nil
	up := m.upstream
	m.upstream = nil
	m.mu.Unlock()

	for _, cancel := range cancels {
		cancel()
	}
	if up != nil {
		up.OnMessage(nil)
	}
	m.log.Info("relay stopped")
}

// Send injects a locally produced frame into the tree, used by the root
// node. It takes the same per-link backpressure path as forwarded frames.
// Dropped silently when the manager is stopped.
func (m *Manager) Send(frame []byte) {
	if !m.isStarted() {
		return
	}
	m.stats.recordInjected()
	m.fanOut(frame)
}

// Snapshot returns current relay statistics.
func (m *Manager) Snapshot() Snapshot {
	m.mu.RLock()
	started := m.started
	var upstreamPeer string
	if m.upstream != nil {
		upstreamPeer = m.upstream.Neighbor()
	}
	m.mu.RUnlock()

	snap := m.stats.snapshot()
	snap.Label = m.label
	snap.Started = started
	snap.UpstreamPeer = upstreamPeer
	return snap
}

func (m *Manager) isStarted() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.started
}

// sweep reconciles against topology state that predates Start: a cached
// upstream or offered audio link is wired, and every known neighbor gets
// a downstream link if it doesn't have one yet.
func (m *Manager) sweep() {
	if up := m.topo.Upstream(); up != nil {
		m.wireUpstream(up)
	} else {
		for _, l := range m.topo.OfferedByLabel(m.label) {
			m.wireUpstream(l)
		}
	}
	for _, neighbor := range m.topo.Neighbors() {
		m.ensureDownstream(neighbor)
	}
}

func (m *Manager) handleUpstreamChanged(l overlay.Link) {
	if !m.isStarted() {
		return
	}
	m.wireUpstream(l)
}

func (m *Manager) handleNeighborJoined(neighbor string) {
	if !m.isStarted() {
		return
	}
	m.ensureDownstream(neighbor)
}

// handleLinkOffered wires a remote-initiated audio link as the upstream.
// In the tree only the parent initiates toward us, so a fresh offer
// replaces any previous binding. Links under other labels belong to other
// subsystems and are skipped.
func (m *Manager) handleLinkOffered(neighbor string, l overlay.Link) {
	if !m.isStarted() {
		return
	}
	if l.Label() != m.label {
		return
	}
	m.wireUpstream(l)
}

func (m *Manager) handleNeighborLeft(neighbor string) {
	m.mu.Lock()
	if m.upstream != nil && m.upstream.Neighbor() == neighbor {
		m.upstream = nil
	}
	m.mu.Unlock()

	m.stats.forgetNeighbor(neighbor)
	m.log.Info("neighbor left", "neighbor", neighbor)
}

func (m *Manager) wireUpstream(l overlay.Link) {
	m.mu.Lock()
	old := m.upstream
	if old == l {
		m.mu.Unlock()
		return
	}
	m.upstream = l
	m.mu.Unlock()

	if old != nil {
		old.OnMessage(nil)
	}
	l.OnMessage(m.handleInbound)
	m.log.Info("upstream wired", "neighbor", l.Neighbor())
}

// ensureDownstream creates the audio link toward a neighbor unless one
// already exists. Creation is eager: the link may sit pending for a while,
// and frames simply skip it until it opens.
func (m *Manager) ensureDownstream(neighbor string) {
	for _, l := range m.topo.DownstreamsByLabel(m.label) {
		if l.Neighbor() == neighbor {
			return
		}
	}
	if _, err := m.topo.CreateLink(neighbor, m.label, overlay.Unreliable); err != nil {
		m.log.Warn("create downstream link failed", "neighbor", neighbor, "error", err)
		return
	}
	m.log.Info("downstream link created", "neighbor", neighbor)
}

// handleInbound runs on the upstream link's receive path: deliver to the
// local consumer, then forward downstream unless forwarding is disabled.
// A leaf node has no downstream links, so the forward loop is naturally
// empty there.
func (m *Manager) handleInbound(frame []byte) {
	m.mu.RLock()
	started := m.started
	fn := m.onFrame
	m.mu.RUnlock()
	if !started {
		return
	}

	m.stats.recordReceived(len(frame))
	if fn != nil {
		fn(frame)
	}
	if m.forwarding {
		m.fanOut(frame)
	}
}

// fanOut sends one frame to every open downstream link, applying the
// per-link queue threshold. Each link decides independently: a congested
// or failing link never delays the others, and a dropped frame is gone
// for that link only.
func (m *Manager) fanOut(frame []byte) {
	m.mu.RLock()
	dropFn := m.onDropped
	m.mu.RUnlock()

	for _, l := range m.topo.DownstreamsByLabel(m.label) {
		if l.State() != overlay.StateOpen {
			continue
		}
		if queued := l.QueuedBytes(); queued > m.maxQueued {
			m.stats.recordDropped(l.Neighbor())
			m.log.Debug("frame dropped",
				"neighbor", l.Neighbor(),
				"queued_bytes", queued,
				"frame_bytes", len(frame))
			if dropFn != nil {
				dropFn(DropEvent{
					Neighbor:    l.Neighbor(),
					FrameBytes:  len(frame),
					QueuedBytes: queued,
				})
			}
			continue
		}
		if err := l.Send(frame); err != nil {
			m.stats.recordSendFailure(l.Neighbor())
			m.log.Debug("send failed", "neighbor", l.Neighbor(), "error", err)
			continue
		}
		m.stats.recordSent(l.Neighbor(), len(frame))
	}
}
