// Package device connects the pipelines to the host's audio hardware
// through miniaudio: a capture device feeding the Source and a playback
// device draining the Sink. Everything runs S16 mono at the session
// sample rate, so no conversion happens outside the pipelines.
package device

import (
	"fmt"
	"log/slog"
	"runtime"
	"strings"
	"sync"

	"github.com/gen2brain/malgo"

	"github.com/canopy-audio/canopy/internal/audio"
	"github.com/canopy-audio/canopy/internal/pipeline"
)

const channels = 1

// SampleWriter receives captured microphone samples.
type SampleWriter interface {
	WriteSamples(samples []int16)
}

var _ SampleWriter = (*pipeline.Source)(nil)

// Capture owns a running microphone device.
type Capture struct {
	log  *slog.Logger
	ctx  *malgo.AllocatedContext
	dev  *malgo.Device
	once sync.Once
}

// StartCapture opens the default microphone at sampleRate and streams its
// samples into out from the audio thread. frameSamples sizes the device
// period so callbacks arrive roughly framewise. If log is nil,
// slog.Default() is used.
func StartCapture(sampleRate, frameSamples int, out SampleWriter, log *slog.Logger) (*Capture, error) {
	if log == nil {
		log = slog.Default()
	}
	log = log.With("component", "capture")

	mCtx, err := malgo.InitContext(nil, malgo.ContextConfig{}, func(message string) {
		log.Debug("miniaudio", "message", strings.TrimSpace(message))
	})
	if err != nil {
		return nil, fmt.Errorf("device: init context: %w", err)
	}

	cfg := malgo.DefaultDeviceConfig(malgo.Capture)
	cfg.Capture.Format = malgo.FormatS16
	cfg.Capture.Channels = channels
	cfg.SampleRate = uint32(sampleRate)
	if frameSamples > 0 {
		cfg.PeriodSizeInFrames = uint32(frameSamples)
	}
	if runtime.GOOS == "linux" {
		cfg.Alsa.NoMMap = 1
	}

	callbacks := malgo.DeviceCallbacks{
		Data: func(_, input []byte, _ uint32) {
			if len(input) == 0 {
				return
			}
			out.WriteSamples(audio.BytesToInt16(input))
		},
	}

	dev, err := malgo.InitDevice(mCtx.Context, cfg, callbacks)
	if err != nil {
		mCtx.Uninit()
		mCtx.Free()
		return nil, fmt.Errorf("device: open capture device: %w", err)
	}
	if err := dev.Start(); err != nil {
		dev.Uninit()
		mCtx.Uninit()
		mCtx.Free()
		return nil, fmt.Errorf("device: start capture device: %w", err)
	}

	log.Info("capture started", "sample_rate", sampleRate)
	return &Capture{log: log, ctx: mCtx, dev: dev}, nil
}

// Close stops the device and releases it. Safe to call more than once.
func (c *Capture) Close() {
	if c == nil {
		return
	}
	c.once.Do(func() {
		_ = c.dev.Stop()
		c.dev.Uninit()
		c.ctx.Uninit()
		c.ctx.Free()
		c.log.Info("capture stopped")
	})
}
