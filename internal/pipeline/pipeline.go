// Package pipeline assembles the audio processing chains. A Source runs
// on the node that owns the microphone: it shapes captured PCM into
// fixed-size frames, gates them through voice detection, encodes them,
// and hands the framed bytes to the relay for distribution. A Sink runs
// on every listening node: it unframes bytes arriving from the relay,
// decodes them, and feeds the jitter buffer that the playback device
// drains.
//
// Start and Stop bound a session. Start validates its whole
// configuration synchronously and either succeeds completely or changes
// nothing; Stop returns immediately and never waits for in-flight
// frames.
package pipeline

import (
	"github.com/canopy-audio/canopy/internal/relay"
)

// Sender is where a Source pushes framed audio. The interface keeps the
// pipeline free of the concrete relay type so tests can capture frames
// with a stub. Satisfied by relay.Manager.
type Sender interface {
	Send(frame []byte)
}

// Compile-time interface check.
var _ Sender = (*relay.Manager)(nil)
