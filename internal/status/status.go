// Package status serves the node's operator API: JSON snapshots of the
// relay and pipelines, the certificate fingerprint children need to pin,
// live tuning of the capture source, and an SDP exchange that admits
// browser listeners over WebRTC data channels.
package status

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync/atomic"

	"github.com/pion/webrtc/v4"

	"github.com/canopy-audio/canopy/internal/certs"
	"github.com/canopy-audio/canopy/internal/ingest/srtin"
	"github.com/canopy-audio/canopy/internal/overlay"
	"github.com/canopy-audio/canopy/internal/pipeline"
	"github.com/canopy-audio/canopy/internal/relay"
	"github.com/canopy-audio/canopy/internal/transport/webrtclink"
)

// Membership is the slice of the overlay registry browser admission
// drives.
type Membership interface {
	AddNeighbor(neighbor string, create overlay.LinkCreator)
	RemoveNeighbor(neighbor string)
}

var _ Membership = (*overlay.Registry)(nil)

// Config wires the server to the node's components. Nil components are
// simply absent from responses; a leaf without capture has no Source, a
// muted relay has no Sink.
type Config struct {
	Cert     *certs.CertInfo
	LinkAddr string // address children dial, echoed by /api/cert-hash

	Relay    *relay.Manager
	Source   *pipeline.Source
	Sink     *pipeline.Sink
	Ingest   *srtin.Server
	Topology Membership // enables /api/join when set
}

// Server is the operator API.
type Server struct {
	log     *slog.Logger
	cfg     Config
	joinSeq atomic.Int64
}

// NewServer creates the API server. If log is nil, slog.Default() is
// used.
func NewServer(cfg Config, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	return &Server{
		log: log.With("component", "status"),
		cfg: cfg,
	}
}

// Handler returns the REST API handler, CORS headers included.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/status", s.handleStatus)
	mux.HandleFunc("GET /api/cert-hash", s.handleCertHash)
	mux.HandleFunc("POST /api/source", s.handleSourceControl)
	mux.HandleFunc("OPTIONS /api/source", handleOptions)
	mux.HandleFunc("POST /api/join", s.handleJoin)
	mux.HandleFunc("OPTIONS /api/join", handleOptions)
	return corsMiddleware(mux)
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		next.ServeHTTP(w, r)
	})
}

func handleOptions(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
	w.WriteHeader(http.StatusNoContent)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("encoding JSON response", "error", err)
	}
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}

type statusResponse struct {
	Relay  *relay.Snapshot       `json:"relay,omitempty"`
	Source *pipeline.SourceStats `json:"source,omitempty"`
	Sink   *pipeline.SinkStats   `json:"sink,omitempty"`
	Ingest *srtin.Stats          `json:"ingest,omitempty"`
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	var resp statusResponse
	if s.cfg.Relay != nil {
		snap := s.cfg.Relay.Snapshot()
		resp.Relay = &snap
	}
	if s.cfg.Source != nil {
		snap := s.cfg.Source.Snapshot()
		resp.Source = &snap
	}
	if s.cfg.Sink != nil {
		snap := s.cfg.Sink.Snapshot()
		resp.Sink = &snap
	}
	if s.cfg.Ingest != nil {
		snap := s.cfg.Ingest.Snapshot()
		resp.Ingest = &snap
	}
	writeJSON(w, http.StatusOK, resp)
}

type certHashResponse struct {
	Hash string `json:"hash"`
	Addr string `json:"addr"`
}

func (s *Server) handleCertHash(w http.ResponseWriter, _ *http.Request) {
	if s.cfg.Cert == nil {
		writeError(w, http.StatusNotFound, "no certificate")
		return
	}
	writeJSON(w, http.StatusOK, certHashResponse{
		Hash: s.cfg.Cert.FingerprintBase64(),
		Addr: s.cfg.LinkAddr,
	})
}

// sourceControlRequest carries live adjustments. Absent fields leave the
// setting untouched.
type sourceControlRequest struct {
	VADEnabled   *bool    `json:"vadEnabled,omitempty"`
	VADThreshold *float64 `json:"vadThreshold,omitempty"`
	InputGain    *float64 `json:"inputGain,omitempty"`
}

func (s *Server) handleSourceControl(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Source == nil {
		writeError(w, http.StatusNotFound, "no capture source on this node")
		return
	}
	var req sourceControlRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if req.VADEnabled != nil {
		s.cfg.Source.SetVADEnabled(*req.VADEnabled)
	}
	if req.VADThreshold != nil {
		s.cfg.Source.SetVADThreshold(*req.VADThreshold)
	}
	if req.InputGain != nil {
		s.cfg.Source.SetInputGain(*req.InputGain)
	}

	snap := s.cfg.Source.Snapshot()
	writeJSON(w, http.StatusOK, snap)
}

func (s *Server) handleJoin(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Topology == nil {
		writeError(w, http.StatusNotFound, "node does not accept browser listeners")
		return
	}
	var offer webrtc.SessionDescription
	if err := json.NewDecoder(r.Body).Decode(&offer); err != nil || offer.SDP == "" {
		writeError(w, http.StatusBadRequest, "invalid session description")
		return
	}

	answer, err := s.admitBrowser(offer)
	if err != nil {
		s.log.Warn("browser join failed", "error", err)
		writeError(w, http.StatusInternalServerError, "session setup failed")
		return
	}
	writeJSON(w, http.StatusOK, answer)
}

// admitBrowser answers an SDP offer and registers the peer connection as
// a downstream neighbor. The relay opens the audio channel before the
// answer is built, so it is negotiated in the same round trip.
func (s *Server) admitBrowser(offer webrtc.SessionDescription) (*webrtc.SessionDescription, error) {
	pc, err := webrtc.NewPeerConnection(webrtc.Configuration{})
	if err != nil {
		return nil, fmt.Errorf("create peer connection: %w", err)
	}
	name := fmt.Sprintf("browser-%d", s.joinSeq.Add(1))

	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		switch state {
		case webrtc.PeerConnectionStateFailed, webrtc.PeerConnectionStateClosed:
			s.log.Info("browser listener gone", "peer", name, "state", state)
			s.cfg.Topology.RemoveNeighbor(name)
			pc.Close()
		}
	})

	if err := pc.SetRemoteDescription(offer); err != nil {
		pc.Close()
		return nil, fmt.Errorf("set remote description: %w", err)
	}

	s.cfg.Topology.AddNeighbor(name, webrtclink.Creator(pc, name, s.log))

	answer, err := pc.CreateAnswer(nil)
	if err != nil {
		s.cfg.Topology.RemoveNeighbor(name)
		pc.Close()
		return nil, fmt.Errorf("create answer: %w", err)
	}
	gatherDone := webrtc.GatheringCompletePromise(pc)
	if err := pc.SetLocalDescription(answer); err != nil {
		s.cfg.Topology.RemoveNeighbor(name)
		pc.Close()
		return nil, fmt.Errorf("set local description: %w", err)
	}
	<-gatherDone

	s.log.Info("browser listener joined", "peer", name)
	return pc.LocalDescription(), nil
}
