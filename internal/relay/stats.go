package relay

import (
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// LinkStats holds delivery counters for one downstream neighbor,
// serialized as JSON in status snapshots.
type LinkStats struct {
	Neighbor      string `json:"neighbor"`
	FramesSent    int64  `json:"framesSent"`
	BytesSent     int64  `json:"bytesSent"`
	FramesDropped int64  `json:"framesDropped"`
	SendFailures  int64  `json:"sendFailures"`
}

// Snapshot is the point-in-time view of relay activity exposed by the
// status API.
type Snapshot struct {
	Label          string      `json:"label"`
	Started        bool        `json:"started"`
	UpstreamPeer   string      `json:"upstreamPeer,omitempty"`
	FramesReceived int64       `json:"framesReceived"`
	BytesReceived  int64       `json:"bytesReceived"`
	FramesInjected int64       `json:"framesInjected"`
	FramesDropped  int64       `json:"framesDropped"`
	ReceiveKbps    float64     `json:"receiveKbps"`
	Links          []LinkStats `json:"links,omitempty"`
}

// Stats accumulates relay telemetry concurrency-safely: totals are atomic
// counters, per-neighbor accumulators live behind a RWMutex, and the
// inbound bitrate comes from a short sliding window.
type Stats struct {
	framesReceived atomic.Int64
	bytesReceived  atomic.Int64
	framesInjected atomic.Int64
	framesDropped  atomic.Int64

	mu    sync.RWMutex
	links map[string]*linkAccum

	rateMu     sync.Mutex
	rateWindow []rateEntry
}

type linkAccum struct {
	framesSent    atomic.Int64
	bytesSent     atomic.Int64
	framesDropped atomic.Int64
	sendFailures  atomic.Int64
}

type rateEntry struct {
	ts    time.Time
	bytes int64
}

const rateWindowSpan = 2 * time.Second

func newStats() *Stats {
	return &Stats{links: make(map[string]*linkAccum)}
}

func (s *Stats) recordReceived(bytes int) {
	s.framesReceived.Add(1)
	s.bytesReceived.Add(int64(bytes))

	now := time.Now()
	s.rateMu.Lock()
	s.rateWindow = append(s.rateWindow, rateEntry{ts: now, bytes: int64(bytes)})
	cutoff := now.Add(-rateWindowSpan)
	i := 0
	for i < len(s.rateWindow) && s.rateWindow[i].ts.Before(cutoff) {
		i++
	}
	s.rateWindow = s.rateWindow[i:]
	s.rateMu.Unlock()
}

func (s *Stats) recordInjected() {
	s.framesInjected.Add(1)
}

func (s *Stats) accum(neighbor string) *linkAccum {
	s.mu.RLock()
	acc, ok := s.links[neighbor]
	s.mu.RUnlock()
	if ok {
		return acc
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if acc, ok = s.links[neighbor]; !ok {
		acc = &linkAccum{}
		s.links[neighbor] = acc
	}
	return acc
}

func (s *Stats) recordSent(neighbor string, bytes int) {
	acc := s.accum(neighbor)
	acc.framesSent.Add(1)
	acc.bytesSent.Add(int64(bytes))
}

func (s *Stats) recordDropped(neighbor string) {
	s.framesDropped.Add(1)
	s.accum(neighbor).framesDropped.Add(1)
}

func (s *Stats) recordSendFailure(neighbor string) {
	s.accum(neighbor).sendFailures.Add(1)
}

func (s *Stats) forgetNeighbor(neighbor string) {
	s.mu.Lock()
	delete(s.links, neighbor)
	s.mu.Unlock()
}

// receiveKbps computes the inbound bitrate over the sliding window.
func (s *Stats) receiveKbps() float64 {
	s.rateMu.Lock()
	defer s.rateMu.Unlock()

	if len(s.rateWindow) < 2 {
		return 0
	}
	dur := s.rateWindow[len(s.rateWindow)-1].ts.Sub(s.rateWindow[0].ts).Seconds()
	if dur <= 0 {
		return 0
	}
	var total int64
	for _, e := range s.rateWindow {
		total += e.bytes
	}
	return float64(total) * 8 / dur / 1000
}

func (s *Stats) snapshot() Snapshot {
	s.mu.RLock()
	links := make([]LinkStats, 0, len(s.links))
	for neighbor, acc := range s.links {
		links = append(links, LinkStats{
			Neighbor:      neighbor,
			FramesSent:    acc.framesSent.Load(),
			BytesSent:     acc.bytesSent.Load(),
			FramesDropped: acc.framesDropped.Load(),
			SendFailures:  acc.sendFailures.Load(),
		})
	}
	s.mu.RUnlock()

	sort.Slice(links, func(i, j int) bool { return links[i].Neighbor < links[j].Neighbor })

	return Snapshot{
		FramesReceived: s.framesReceived.Load(),
		BytesReceived:  s.bytesReceived.Load(),
		FramesInjected: s.framesInjected.Load(),
		FramesDropped:  s.framesDropped.Load(),
		ReceiveKbps:    s.receiveKbps(),
		Links:          links,
	}
}
