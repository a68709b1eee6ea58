package certs

import (
	"crypto/sha256"
	"crypto/x509"
	"net"
	"testing"
	"time"
)

func TestGenerate(t *testing.T) {
	t.Parallel()
	cert, err := Generate(7 * 24 * time.Hour)
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if len(cert.TLSCert.Certificate) == 0 {
		t.Fatal("no certificate data")
	}

	x509Cert, err := x509.ParseCertificate(cert.TLSCert.Certificate[0])
	if err != nil {
		t.Fatalf("parse cert: %v", err)
	}

	if got := x509Cert.Subject.CommonName; got != "canopy" {
		t.Errorf("common name: got %q, want %q", got, "canopy")
	}
	if x509Cert.NotAfter.Before(time.Now()) {
		t.Error("certificate is already expired")
	}
	if validity := x509Cert.NotAfter.Sub(x509Cert.NotBefore); validity > 7*24*time.Hour+2*time.Minute {
		t.Errorf("validity too long: %v", validity)
	}

	want := sha256.Sum256(cert.TLSCert.Certificate[0])
	if cert.Fingerprint != want {
		t.Error("fingerprint does not match certificate DER")
	}
	if cert.FingerprintBase64() == "" {
		t.Error("FingerprintBase64 returned empty string")
	}

	found := false
	for _, name := range x509Cert.DNSNames {
		if name == "localhost" {
			found = true
			break
		}
	}
	if !found {
		t.Error("expected localhost in DNS names")
	}
}

func TestGenerateCapsValidity(t *testing.T) {
	t.Parallel()
	cert, err := Generate(90 * 24 * time.Hour)
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}

	x509Cert, err := x509.ParseCertificate(cert.TLSCert.Certificate[0])
	if err != nil {
		t.Fatalf("parse cert: %v", err)
	}
	if validity := x509Cert.NotAfter.Sub(x509Cert.NotBefore); validity > maxValidity+2*time.Minute {
		t.Errorf("validity should be capped at %v, got %v", maxValidity, validity)
	}
}

func TestGenerateExtraHosts(t *testing.T) {
	t.Parallel()
	cert, err := Generate(time.Hour, "192.168.1.40", "studio.local", "")
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}

	x509Cert, err := x509.ParseCertificate(cert.TLSCert.Certificate[0])
	if err != nil {
		t.Fatalf("parse cert: %v", err)
	}

	foundIP := false
	for _, ip := range x509Cert.IPAddresses {
		if ip.Equal(net.ParseIP("192.168.1.40")) {
			foundIP = true
			break
		}
	}
	if !foundIP {
		t.Error("expected 192.168.1.40 in IP SANs")
	}

	foundName := false
	for _, name := range x509Cert.DNSNames {
		if name == "studio.local" {
			foundName = true
			break
		}
	}
	if !foundName {
		t.Error("expected studio.local in DNS names")
	}
}

func TestGenerateUniqueFingerprints(t *testing.T) {
	t.Parallel()
	a, err := Generate(time.Hour)
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	b, err := Generate(time.Hour)
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if a.Fingerprint == b.Fingerprint {
		t.Error("two generated certificates share a fingerprint")
	}
}
