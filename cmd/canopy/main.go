package main

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/canopy-audio/canopy/internal/certs"
	"github.com/canopy-audio/canopy/internal/device"
	"github.com/canopy-audio/canopy/internal/ingest/srtin"
	"github.com/canopy-audio/canopy/internal/overlay"
	"github.com/canopy-audio/canopy/internal/pipeline"
	"github.com/canopy-audio/canopy/internal/relay"
	"github.com/canopy-audio/canopy/internal/status"
	"github.com/canopy-audio/canopy/internal/transport/quiclink"
	"github.com/canopy-audio/canopy/media"
)

var version = "dev"

func main() {
	level := slog.LevelInfo
	if os.Getenv("DEBUG") != "" {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	slog.Info("generating self-signed certificate")
	var certHosts []string
	if v := os.Getenv("CERT_HOSTS"); v != "" {
		certHosts = strings.Split(v, ",")
	}
	cert, err := certs.Generate(14*24*time.Hour, certHosts...)
	if err != nil {
		slog.Error("failed to generate cert", "error", err)
		os.Exit(1)
	}
	slog.Info("certificate generated",
		"fingerprint", cert.FingerprintBase64(),
		"expires", cert.NotAfter.Format(time.RFC3339),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		slog.Info("received signal, shutting down", "signal", sig)
		cancel()
	}()

	linkAddr := envOr("LINK_ADDR", ":4443")
	apiAddr := envOr("API_ADDR", ":8443")
	parentAddr := os.Getenv("PARENT")
	parentHash := os.Getenv("PARENT_HASH")
	srtAddr := os.Getenv("SRT_ADDR")
	captureOn := os.Getenv("CAPTURE") != ""
	mute := os.Getenv("MUTE") != ""

	role := "root"
	if parentAddr != "" {
		role = "child"
	}
	slog.Info("canopy starting",
		"version", version,
		"role", role,
		"link", linkAddr,
		"api", apiAddr,
		"cert_hash", cert.FingerprintBase64(),
	)

	reg := overlay.NewRegistry(nil)
	mgr := relay.New(reg, relay.Config{}, nil)

	var src *pipeline.Source
	srcCfg := pipeline.DefaultSourceConfig()
	if captureOn || srtAddr != "" {
		src = pipeline.NewSource(mgr, nil)
		if err := src.Start(srcCfg); err != nil {
			slog.Error("failed to start capture pipeline", "error", err)
			os.Exit(1)
		}
		defer src.Stop()
	}

	var snk *pipeline.Sink
	snkCfg := pipeline.DefaultSinkConfig()
	if parentAddr != "" && !mute {
		snk = pipeline.NewSink(nil)
		if err := snk.Start(snkCfg); err != nil {
			slog.Error("failed to start playback pipeline", "error", err)
			os.Exit(1)
		}
		defer snk.Stop()
		mgr.OnFrame(snk.HandleFrame)
	}

	mgr.Start()
	defer mgr.Stop()

	if captureOn {
		capDev, err := device.StartCapture(srcCfg.SampleRate, media.FrameSamples(srcCfg.SampleRate, srcCfg.FrameDuration), src, nil)
		if err != nil {
			slog.Error("failed to open capture device", "error", err)
			os.Exit(1)
		}
		defer capDev.Close()
	}
	if snk != nil {
		playDev, err := device.StartPlayback(snkCfg.SampleRate, media.FrameSamples(snkCfg.SampleRate, snkCfg.FrameDuration), snk, nil)
		if err != nil {
			slog.Error("failed to open playback device", "error", err)
			os.Exit(1)
		}
		defer playDev.Close()
	}

	linkLn, err := quiclink.Listen(linkAddr, cert.TLSCert, reg, nil)
	if err != nil {
		slog.Error("failed to listen for children", "error", err)
		os.Exit(1)
	}

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return linkLn.Serve(ctx)
	})
	g.Go(func() error {
		<-ctx.Done()
		return linkLn.Close()
	})

	if parentAddr != "" {
		peer, err := quiclink.Dial(ctx, parentAddr, parentHash, reg, nil)
		if err != nil {
			slog.Error("failed to reach parent", "addr", parentAddr, "error", err)
			os.Exit(1)
		}
		defer peer.Close()
	}

	var srtSrv *srtin.Server
	if srtAddr != "" {
		srtSrv = srtin.NewServer(srtAddr, src, nil)
		g.Go(func() error {
			return srtSrv.Start(ctx)
		})
	}

	statusSrv := status.NewServer(status.Config{
		Cert:     cert,
		LinkAddr: linkAddr,
		Relay:    mgr,
		Source:   src,
		Sink:     snk,
		Ingest:   srtSrv,
		Topology: reg,
	}, nil)

	apiSrv := &http.Server{
		Addr:    apiAddr,
		Handler: statusSrv.Handler(),
		TLSConfig: &tls.Config{
			Certificates: []tls.Certificate{cert.TLSCert},
		},
	}

	g.Go(func() error {
		slog.Info("HTTPS API server listening", "addr", apiAddr)
		if err := apiSrv.ListenAndServeTLS("", ""); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("API server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		return apiSrv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		slog.Error("node error", "error", err)
		os.Exit(1)
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
