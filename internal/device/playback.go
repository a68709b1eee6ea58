package device

import (
	"fmt"
	"log/slog"
	"runtime"
	"strings"
	"sync"

	"github.com/gen2brain/malgo"

	"github.com/canopy-audio/canopy/internal/pipeline"
)

// SampleReader fills a slice with the next playback samples, padding with
// silence when nothing is buffered.
type SampleReader interface {
	Read(out []int16)
}

var _ SampleReader = (*pipeline.Sink)(nil)

// Playback owns a running speaker device.
type Playback struct {
	log  *slog.Logger
	ctx  *malgo.AllocatedContext
	dev  *malgo.Device
	once sync.Once
}

// StartPlayback opens the default output device at sampleRate and drains
// in from the audio thread. frameSamples sizes the device period. If log
// is nil, slog.Default() is used.
func StartPlayback(sampleRate, frameSamples int, in SampleReader, log *slog.Logger) (*Playback, error) {
	if log == nil {
		log = slog.Default()
	}
	log = log.With("component", "playback")

	mCtx, err := malgo.InitContext(nil, malgo.ContextConfig{}, func(message string) {
		log.Debug("miniaudio", "message", strings.TrimSpace(message))
	})
	if err != nil {
		return nil, fmt.Errorf("device: init context: %w", err)
	}

	cfg := malgo.DefaultDeviceConfig(malgo.Playback)
	cfg.Playback.Format = malgo.FormatS16
	cfg.Playback.Channels = channels
	cfg.SampleRate = uint32(sampleRate)
	if frameSamples > 0 {
		cfg.PeriodSizeInFrames = uint32(frameSamples)
	}
	if cfg.Periods < 4 {
		cfg.Periods = 4
	}
	if runtime.GOOS == "linux" {
		cfg.Alsa.NoMMap = 1
	}

	callbacks := malgo.DeviceCallbacks{
		Data: func(output, _ []byte, frameCount uint32) {
			samples := make([]int16, int(frameCount)*channels)
			in.Read(samples)
			for i, v := range samples {
				off := 2 * i
				if off+1 >= len(output) {
					break
				}
				output[off] = byte(v)
				output[off+1] = byte(v >> 8)
			}
		},
	}

	dev, err := malgo.InitDevice(mCtx.Context, cfg, callbacks)
	if err != nil {
		mCtx.Uninit()
		mCtx.Free()
		return nil, fmt.Errorf("device: open playback device: %w", err)
	}
	if err := dev.Start(); err != nil {
		dev.Uninit()
		mCtx.Uninit()
		mCtx.Free()
		return nil, fmt.Errorf("device: start playback device: %w", err)
	}

	log.Info("playback started", "sample_rate", sampleRate)
	return &Playback{log: log, ctx: mCtx, dev: dev}, nil
}

// Close stops the device and releases it. Safe to call more than once.
func (p *Playback) Close() {
	if p == nil {
		return
	}
	p.once.Do(func() {
		_ = p.dev.Stop()
		p.dev.Uninit()
		p.ctx.Uninit()
		p.ctx.Free()
		p.log.Info("playback stopped")
	})
}
