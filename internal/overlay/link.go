// Package overlay defines the link abstraction the audio pipeline consumes
// from the topology layer, and the registry through which the two sides
// rendezvous. The topology owns connection establishment and membership;
// this package only models the per-neighbor channels those decisions
// produce.
package overlay

// AudioLabel is the reserved purpose label of the audio distribution
// channel. Links offered under any other label are cached but never wired
// by the audio relay.
const AudioLabel = "canopy-audio"

// State is the lifecycle state of a link's channel.
type State int

const (
	StatePending State = iota // created, handshake not finished
	StateOpen                 // usable for send/receive
	StateClosed               // torn down, permanently unusable
)

func (s State) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateOpen:
		return "open"
	case StateClosed:
		return "closed"
	}
	return "unknown"
}

// Reliability is the delivery profile requested when a channel is created.
type Reliability struct {
	Ordered        bool
	MaxRetransmits uint16
}

// Unreliable is the profile for every audio link: unordered delivery with
// zero retransmissions. A late retransmitted frame would only displace a
// fresher one, so reliability is explicitly opted out of.
var Unreliable = Reliability{Ordered: false, MaxRetransmits: 0}

// Link is one bidirectional best-effort channel to a single neighbor.
// Implementations must make Send and QueuedBytes safe to call from any
// goroutine, and Send must never block on network I/O.
type Link interface {
	// Neighbor returns the overlay identity of the peer on this channel.
	Neighbor() string

	// Label returns the purpose label declared at channel creation.
	Label() string

	// State returns the current channel lifecycle state.
	State() State

	// Send queues one frame for best-effort transmission. An error means
	// the frame was certainly not sent (channel closed or mid-teardown);
	// nil means it was handed to the transport, nothing more.
	Send(frame []byte) error

	// QueuedBytes reports how many bytes are queued locally and not yet
	// handed to the network: the backpressure gauge.
	QueuedBytes() int

	// OnMessage sets the receive callback, replacing any previous one.
	// Passing nil detaches the consumer.
	OnMessage(fn func(frame []byte))

	// Close tears the channel down. Called by the registry when the
	// neighbor relationship ends, not by frame-path code.
	Close() error
}

// LinkCreator opens a new channel with the given purpose label toward the
// neighbor it is bound to. Implemented by the transport adapters; handed
// to the registry when a downstream neighbor joins. The returned link may
// still be pending: creation is eager so early frames have somewhere to
// go.
type LinkCreator func(label string, rel Reliability) (Link, error)
