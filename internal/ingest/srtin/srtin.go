// Package srtin accepts a live SRT publisher and feeds its audio into
// the capture pipeline. The payload is raw S16LE mono PCM at the session
// sample rate; SRT supplies the transport-level retransmission and
// pacing. One publisher holds the slot at a time, so a broadcast cannot
// be hijacked mid-show by a second caller.
package srtin

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	srtgo "github.com/zsiec/srtgo"

	"github.com/canopy-audio/canopy/internal/audio"
)

// readBufferSize is the read buffer for SRT socket reads, a multiple of
// the standard 1316-byte SRT payload.
const readBufferSize = 1316 * 10

// latencyNs is the SRT latency setting in nanoseconds (120ms).
const latencyNs = 120_000_000

// SampleWriter receives the publisher's decoded samples. The capture
// pipeline's Source satisfies it.
type SampleWriter interface {
	WriteSamples(samples []int16)
}

// Stats is the ingest slot's status snapshot.
type Stats struct {
	Publishing    bool   `json:"publishing"`
	StreamKey     string `json:"streamKey,omitempty"`
	RemoteAddr    string `json:"remoteAddr,omitempty"`
	BytesReceived int64  `json:"bytesReceived"`
	Reads         int64  `json:"reads"`
	UptimeMs      int64  `json:"uptimeMs"`
}

// Server accepts SRT publish connections and pumps their PCM into the
// sample writer.
type Server struct {
	log  *slog.Logger
	addr string
	out  SampleWriter

	busy atomic.Bool

	mu        sync.Mutex
	streamKey string
	remote    string
	started   time.Time

	bytes atomic.Int64
	reads atomic.Int64
}

// NewServer creates an SRT ingest server listening on addr. If log is
// nil, slog.Default() is used.
func NewServer(addr string, out SampleWriter, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	return &Server{
		log:  log.With("component", "srtin"),
		addr: addr,
		out:  out,
	}
}

// Start begins accepting publish connections. It blocks until the
// context is cancelled.
func (s *Server) Start(ctx context.Context) error {
	cfg := srtgo.DefaultConfig()
	cfg.Latency = latencyNs

	l, err := srtgo.Listen(s.addr, cfg)
	if err != nil {
		return fmt.Errorf("srtin: listen on %s: %w", s.addr, err)
	}
	s.log.Info("listening", "addr", s.addr)

	l.SetAcceptRejectFunc(func(req srtgo.ConnRequest) srtgo.RejectReason {
		if req.StreamID == "" {
			return srtgo.RejPeer
		}
		if s.busy.Load() {
			return srtgo.RejPeer
		}
		return 0
	})

	go func() {
		<-ctx.Done()
		l.Close()
	}()

	for {
		conn, err := l.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			s.log.Warn("accept error", "error", err)
			continue
		}
		go s.handleConnection(ctx, conn)
	}
}

func (s *Server) handleConnection(ctx context.Context, conn *srtgo.Conn) {
	defer conn.Close()

	// The accept-reject hook already screens for a busy slot, but two
	// handshakes can race past it; the swap settles who publishes.
	if !s.busy.CompareAndSwap(false, true) {
		s.log.Warn("publisher slot taken", "remote", conn.RemoteAddr())
		return
	}
	defer s.busy.Store(false)

	key := extractStreamKey(conn.StreamID())
	s.beginSession(key, conn.RemoteAddr().String())
	s.log.Info("publisher connected", "stream_key", key, "remote", conn.RemoteAddr())

	var chunker pcmChunker
	buf := make([]byte, readBufferSize)
	for {
		if ctx.Err() != nil {
			break
		}
		n, err := conn.Read(buf)
		if err != nil {
			if !errors.Is(err, io.EOF) {
				s.log.Debug("read error", "stream_key", key, "error", err)
			}
			break
		}
		s.bytes.Add(int64(n))
		s.reads.Add(1)
		if samples := chunker.chunk(buf[:n]); len(samples) > 0 {
			s.out.WriteSamples(samples)
		}
	}

	st := s.Snapshot()
	s.endSession()
	s.log.Info("publisher disconnected", "stream_key", key,
		"bytes", st.BytesReceived, "reads", st.Reads, "uptime_ms", st.UptimeMs)
}

func (s *Server) beginSession(key, remote string) {
	s.mu.Lock()
	s.streamKey = key
	s.remote = remote
	s.started = time.Now()
	s.mu.Unlock()
	s.bytes.Store(0)
	s.reads.Store(0)
}

func (s *Server) endSession() {
	s.mu.Lock()
	s.streamKey = ""
	s.remote = ""
	s.started = time.Time{}
	s.mu.Unlock()
}

// Snapshot returns the current ingest state.
func (s *Server) Snapshot() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := Stats{
		Publishing:    s.busy.Load(),
		StreamKey:     s.streamKey,
		RemoteAddr:    s.remote,
		BytesReceived: s.bytes.Load(),
		Reads:         s.reads.Load(),
	}
	if !s.started.IsZero() {
		st.UptimeMs = time.Since(s.started).Milliseconds()
	}
	return st
}

// pcmChunker converts a byte stream of little-endian samples into int16
// slices, carrying a trailing half sample to the next read so that no
// sample is lost across read boundaries.
type pcmChunker struct {
	carry []byte
}

func (c *pcmChunker) chunk(buf []byte) []int16 {
	if len(c.carry) > 0 {
		buf = append(c.carry, buf...)
		c.carry = nil
	}
	n := len(buf) / 2 * 2
	samples := audio.BytesToInt16(buf[:n])
	if n < len(buf) {
		c.carry = []byte{buf[n]}
	}
	return samples
}

func extractStreamKey(streamID string) string {
	streamID = strings.TrimPrefix(streamID, "/")
	streamID = strings.TrimPrefix(streamID, "live/")
	if streamID == "" {
		return "default"
	}
	return streamID
}
