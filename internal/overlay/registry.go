package overlay

import (
	"fmt"
	"log/slog"
	"sync"
)

// Registry is the rendezvous point between the topology layer and the
// audio relay. The topology files membership changes and incoming links as
// they happen; consumers subscribe to mutations and sweep current state
// when they start. Offered links are cached by purpose label whether or
// not anyone has subscribed for them, so a consumer that starts late still
// finds every link that arrived before it.
type Registry struct {
	log *slog.Logger

	mu          sync.RWMutex
	upstream    Link
	downstreams map[string]map[string]Link // neighbor -> label -> link we created
	offered     map[string]map[string]Link // label -> neighbor -> link
	creators    map[string]LinkCreator     // neighbor -> channel factory

	nextSubID    int
	upstreamSubs map[int]func(Link)
	joinSubs     map[int]func(neighbor string)
	offerSubs    map[int]func(neighbor string, l Link)
	leaveSubs    map[int]func(neighbor string)
}

// NewRegistry creates an empty registry. If log is nil, slog.Default() is
// used.
func NewRegistry(log *slog.Logger) *Registry {
	if log == nil {
		log = slog.Default()
	}
	return &Registry{
		log:          log.With("component", "overlay"),
		downstreams:  make(map[string]map[string]Link),
		offered:      make(map[string]map[string]Link),
		creators:     make(map[string]LinkCreator),
		upstreamSubs: make(map[int]func(Link)),
		joinSubs:     make(map[int]func(string)),
		offerSubs:    make(map[int]func(string, Link)),
		leaveSubs:    make(map[int]func(string)),
	}
}

// SetUpstream records l as the link toward the parent node and notifies
// upstream subscribers. A previously recorded upstream is replaced but not
// closed; the topology retires old parents through RemoveNeighbor.
func (r *Registry) SetUpstream(l Link) {
	r.mu.Lock()
	r.upstream = l
	subs := snapshotSubs(r.upstreamSubs)
	r.mu.Unlock()

	r.log.Debug("upstream set", "neighbor", l.Neighbor(), "label", l.Label())
	for _, fn := range subs {
		fn(l)
	}
}

// AddNeighbor registers a downstream neighbor together with the factory
// that opens channels toward it, then notifies join subscribers. Calling
// it again for the same neighbor replaces the factory.
func (r *Registry) AddNeighbor(neighbor string, create LinkCreator) {
	r.mu.Lock()
	r.creators[neighbor] = create
	subs := snapshotSubs(r.joinSubs)
	r.mu.Unlock()

	r.log.Debug("neighbor added", "neighbor", neighbor)
	for _, fn := range subs {
		fn(neighbor)
	}
}

// Offer files a link that the remote side initiated. The link is cached
// under its own label and neighbor before subscribers run, so a consumer
// subscribing later can still sweep it up. Offering a second link for the
// same label and neighbor replaces the first.
func (r *Registry) Offer(l Link) {
	neighbor, label := l.Neighbor(), l.Label()

	r.mu.Lock()
	byNeighbor, ok := r.offered[label]
	if !ok {
		byNeighbor = make(map[string]Link)
		r.offered[label] = byNeighbor
	}
	byNeighbor[neighbor] = l
	subs := snapshotSubs(r.offerSubs)
	r.mu.Unlock()

	r.log.Debug("link offered", "neighbor", neighbor, "label", label)
	for _, fn := range subs {
		fn(neighbor, l)
	}
}

// CreateLink opens a channel toward a previously added downstream
// neighbor, records it, and returns it. The registry keeps the link so
// frame-path code can enumerate it later through Downstreams.
func (r *Registry) CreateLink(neighbor, label string, rel Reliability) (Link, error) {
	r.mu.RLock()
	create, ok := r.creators[neighbor]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("overlay: no creator for neighbor %q", neighbor)
	}

	l, err := create(label, rel)
	if err != nil {
		return nil, fmt.Errorf("overlay: create link to %q: %w", neighbor, err)
	}

	r.mu.Lock()
	byLabel, ok := r.downstreams[neighbor]
	if !ok {
		byLabel = make(map[string]Link)
		r.downstreams[neighbor] = byLabel
	}
	if old, ok := byLabel[label]; ok && old != l {
		old.Close()
	}
	byLabel[label] = l
	r.mu.Unlock()

	r.log.Debug("link created", "neighbor", neighbor, "label", label)
	return l, nil
}

// RemoveNeighbor drops every piece of state tied to the neighbor: its
// creator, the downstream link we opened toward it, any links it offered,
// and the upstream slot if it held that. Links are closed here because the
// neighbor relationship is over. Leave subscribers run last.
func (r *Registry) RemoveNeighbor(neighbor string) {
	r.mu.Lock()
	delete(r.creators, neighbor)

	var closing []Link
	for _, l := range r.downstreams[neighbor] {
		closing = append(closing, l)
	}
	delete(r.downstreams, neighbor)
	for label, byNeighbor := range r.offered {
		if l, ok := byNeighbor[neighbor]; ok {
			delete(byNeighbor, neighbor)
			if len(byNeighbor) == 0 {
				delete(r.offered, label)
			}
			closing = append(closing, l)
		}
	}
	if r.upstream != nil && r.upstream.Neighbor() == neighbor {
		r.upstream = nil
	}
	subs := snapshotSubs(r.leaveSubs)
	r.mu.Unlock()

	for _, l := range closing {
		l.Close()
	}
	r.log.Debug("neighbor removed", "neighbor", neighbor, "links_closed", len(closing))
	for _, fn := range subs {
		fn(neighbor)
	}
}

// Upstream returns the current parent link, or nil when the node is the
// root or the parent has gone away.
func (r *Registry) Upstream() Link {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.upstream
}

// Downstreams returns a snapshot of every link this node created toward
// its children, across all labels.
func (r *Registry) Downstreams() []Link {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []Link
	for _, byLabel := range r.downstreams {
		for _, l := range byLabel {
			out = append(out, l)
		}
	}
	return out
}

// DownstreamsByLabel returns a snapshot of the links this node created
// toward its children for one purpose label.
func (r *Registry) DownstreamsByLabel(label string) []Link {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []Link
	for _, byLabel := range r.downstreams {
		if l, ok := byLabel[label]; ok {
			out = append(out, l)
		}
	}
	return out
}

// Neighbors returns the identities of all registered downstream neighbors,
// whether or not a link toward them exists yet.
func (r *Registry) Neighbors() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.creators))
	for n := range r.creators {
		out = append(out, n)
	}
	return out
}

// OfferedByLabel returns a snapshot of every cached remote-initiated link
// carrying the given purpose label.
func (r *Registry) OfferedByLabel(label string) []Link {
	r.mu.RLock()
	defer r.mu.RUnlock()
	byNeighbor := r.offered[label]
	out := make([]Link, 0, len(byNeighbor))
	for _, l := range byNeighbor {
		out = append(out, l)
	}
	return out
}

// OnUpstream subscribes to upstream changes. The returned cancel func
// removes the subscription; it is safe to call more than once.
func (r *Registry) OnUpstream(fn func(Link)) (cancel func()) {
	r.mu.Lock()
	defer r.mu.Unlock()
	id := r.nextSubID
	r.nextSubID++
	r.upstreamSubs[id] = fn
	return func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		delete(r.upstreamSubs, id)
	}
}

// OnNeighborJoined subscribes to downstream neighbor registrations.
func (r *Registry) OnNeighborJoined(fn func(neighbor string)) (cancel func()) {
	r.mu.Lock()
	defer r.mu.Unlock()
	id := r.nextSubID
	r.nextSubID++
	r.joinSubs[id] = fn
	return func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		delete(r.joinSubs, id)
	}
}

// OnLinkOffered subscribes to remote-initiated links of every label;
// consumers filter by the labels they care about.
func (r *Registry) OnLinkOffered(fn func(neighbor string, l Link)) (cancel func()) {
	r.mu.Lock()
	defer r.mu.Unlock()
	id := r.nextSubID
	r.nextSubID++
	r.offerSubs[id] = fn
	return func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		delete(r.offerSubs, id)
	}
}

// OnNeighborLeft subscribes to neighbor removals.
func (r *Registry) OnNeighborLeft(fn func(neighbor string)) (cancel func()) {
	r.mu.Lock()
	defer r.mu.Unlock()
	id := r.nextSubID
	r.nextSubID++
	r.leaveSubs[id] = fn
	return func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		delete(r.leaveSubs, id)
	}
}

func snapshotSubs[T any](m map[int]T) []T {
	out := make([]T, 0, len(m))
	for _, fn := range m {
		out = append(out, fn)
	}
	return out
}
