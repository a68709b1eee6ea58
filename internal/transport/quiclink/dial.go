package quiclink

import (
	"context"
	"crypto/sha256"
	"crypto/tls"
	"crypto/x509"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"

	"github.com/quic-go/quic-go"

	"github.com/canopy-audio/canopy/internal/overlay"
)

// Dial connects to a parent node at addr and wires the connection into
// the registry: links the parent announces are offered under their label,
// and the neighbor is removed when the connection dies.
//
// fingerprint is the parent certificate's base64 SHA-256 fingerprint, as
// served by its status API. An empty fingerprint accepts any certificate,
// which is only acceptable on trusted networks.
func Dial(ctx context.Context, addr, fingerprint string, reg membership, log *slog.Logger) (*Peer, error) {
	if log == nil {
		log = slog.Default()
	}
	if fingerprint == "" {
		log.Warn("dialing without certificate pinning", "addr", addr)
	}

	// Chain verification is skipped; trust is the pinned fingerprint.
	tlsConf := &tls.Config{
		InsecureSkipVerify:    true,
		NextProtos:            []string{Protocol},
		VerifyPeerCertificate: verifyFingerprint(fingerprint),
	}
	conn, err := quic.DialAddr(ctx, addr, tlsConf, newQUICConfig())
	if err != nil {
		return nil, fmt.Errorf("quiclink: dial %s: %w", addr, err)
	}

	peer := NewPeer(quicSession{conn}, addr, log)
	peer.OnLink(func(l overlay.Link) {
		reg.Offer(l)
	})
	peer.OnClose(func(err error) {
		log.Info("parent connection lost", "addr", addr, "error", err)
		reg.RemoveNeighbor(addr)
	})
	peer.Start(ctx)
	log.Info("connected to parent", "addr", addr)
	return peer, nil
}

func verifyFingerprint(want string) func(rawCerts [][]byte, _ [][]*x509.Certificate) error {
	return func(rawCerts [][]byte, _ [][]*x509.Certificate) error {
		if want == "" {
			return nil
		}
		if len(rawCerts) == 0 {
			return errors.New("quiclink: peer presented no certificate")
		}
		sum := sha256.Sum256(rawCerts[0])
		got := base64.StdEncoding.EncodeToString(sum[:])
		if got != want {
			return fmt.Errorf("quiclink: certificate fingerprint mismatch: got %s", got)
		}
		return nil
	}
}
