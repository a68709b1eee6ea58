package quiclink

import (
	"context"
	"crypto/tls"
	"log/slog"
	"net"

	"github.com/quic-go/quic-go"

	"github.com/canopy-audio/canopy/internal/overlay"
)

// Listener accepts child connections and registers each one as an
// overlay neighbor, so the relay can open links to it the moment it
// appears.
type Listener struct {
	log *slog.Logger
	reg membership
	ln  *quic.Listener
}

// Listen binds a QUIC listener on addr serving cert. If log is nil,
// slog.Default() is used.
func Listen(addr string, cert tls.Certificate, reg membership, log *slog.Logger) (*Listener, error) {
	if log == nil {
		log = slog.Default()
	}
	tlsConf := &tls.Config{
		Certificates: []tls.Certificate{cert},
		NextProtos:   []string{Protocol},
	}
	ln, err := quic.ListenAddr(addr, tlsConf, newQUICConfig())
	if err != nil {
		return nil, err
	}
	return &Listener{
		log: log.With("component", "quiclink"),
		reg: reg,
		ln:  ln,
	}, nil
}

// Addr returns the bound address.
func (s *Listener) Addr() net.Addr {
	return s.ln.Addr()
}

// Serve accepts connections until ctx is cancelled or the listener is
// closed.
func (s *Listener) Serve(ctx context.Context) error {
	s.log.Info("listening for children", "addr", s.ln.Addr())
	for {
		conn, err := s.ln.Accept(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		s.handle(ctx, conn)
	}
}

// Close stops accepting. Established connections keep running.
func (s *Listener) Close() error {
	return s.ln.Close()
}

func (s *Listener) handle(ctx context.Context, conn quic.Connection) {
	name := conn.RemoteAddr().String()
	peer := NewPeer(quicSession{conn}, name, s.log)
	peer.OnLink(func(l overlay.Link) {
		// Children do not announce links today, but accepting them keeps
		// the edge symmetric if they ever do.
		s.reg.Offer(l)
	})
	peer.OnClose(func(err error) {
		s.log.Info("child left", "peer", name, "error", err)
		s.reg.RemoveNeighbor(name)
	})
	peer.Start(ctx)
	s.reg.AddNeighbor(name, peer.CreateLink)
	s.log.Info("child joined", "peer", name)
}
