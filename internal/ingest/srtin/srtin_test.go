package srtin

import (
	"testing"
)

func TestExtractStreamKey(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		streamID string
		want     string
	}{
		{name: "simple key", streamID: "morningshow", want: "morningshow"},
		{name: "leading slash", streamID: "/morningshow", want: "morningshow"},
		{name: "live prefix", streamID: "live/morningshow", want: "morningshow"},
		{name: "slash and live prefix", streamID: "/live/morningshow", want: "morningshow"},
		{name: "empty returns default", streamID: "", want: "default"},
		{name: "just slash returns default", streamID: "/", want: "default"},
		{name: "just live/ returns default", streamID: "live/", want: "default"},
		{name: "nested path preserved", streamID: "studio/desk2", want: "studio/desk2"},
		{name: "live in name preserved", streamID: "liveset", want: "liveset"},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			got := extractStreamKey(tc.streamID)
			if got != tc.want {
				t.Errorf("extractStreamKey(%q) = %q, want %q", tc.streamID, got, tc.want)
			}
		})
	}
}

func TestPCMChunkerEvenReads(t *testing.T) {
	t.Parallel()

	var c pcmChunker
	got := c.chunk([]byte{0x01, 0x00, 0xFF, 0xFF})
	if len(got) != 2 || got[0] != 1 || got[1] != -1 {
		t.Errorf("chunk: got %v, want [1 -1]", got)
	}
	if len(c.carry) != 0 {
		t.Errorf("carry after even read: got %v, want empty", c.carry)
	}
}

func TestPCMChunkerCarriesHalfSample(t *testing.T) {
	t.Parallel()

	var c pcmChunker

	// 0x0201 complete, 0x03 carried.
	got := c.chunk([]byte{0x01, 0x02, 0x03})
	if len(got) != 1 || got[0] != 0x0201 {
		t.Fatalf("first chunk: got %v, want [0x0201]", got)
	}

	// Carried 0x03 joins 0x04: sample 0x0403.
	got = c.chunk([]byte{0x04, 0x05, 0x06})
	if len(got) != 2 || got[0] != 0x0403 || got[1] != 0x0605 {
		t.Fatalf("second chunk: got %v, want [0x0403 0x0605]", got)
	}

	// The second read was odd too, so nothing is pending now.
	if len(c.carry) != 0 {
		t.Errorf("carry: got %v, want empty", c.carry)
	}
}

func TestPCMChunkerSingleBytes(t *testing.T) {
	t.Parallel()

	var c pcmChunker
	if got := c.chunk([]byte{0x0A}); len(got) != 0 {
		t.Fatalf("half sample produced output: %v", got)
	}
	got := c.chunk([]byte{0x0B})
	if len(got) != 1 || got[0] != 0x0B0A {
		t.Errorf("joined sample: got %v, want [0x0B0A]", got)
	}
}

func TestSnapshotIdle(t *testing.T) {
	t.Parallel()

	s := NewServer(":0", nil, nil)
	st := s.Snapshot()
	if st.Publishing {
		t.Error("idle server reports publishing")
	}
	if st.StreamKey != "" || st.BytesReceived != 0 || st.UptimeMs != 0 {
		t.Errorf("idle snapshot not zero: %+v", st)
	}
}

func TestSessionLifecycleStats(t *testing.T) {
	t.Parallel()

	s := NewServer(":0", nil, nil)
	s.busy.Store(true)
	s.beginSession("morningshow", "198.51.100.7:9000")
	s.bytes.Add(2632)
	s.reads.Add(2)

	st := s.Snapshot()
	if !st.Publishing {
		t.Error("active session reports not publishing")
	}
	if st.StreamKey != "morningshow" {
		t.Errorf("stream key: got %q", st.StreamKey)
	}
	if st.RemoteAddr != "198.51.100.7:9000" {
		t.Errorf("remote addr: got %q", st.RemoteAddr)
	}
	if st.BytesReceived != 2632 || st.Reads != 2 {
		t.Errorf("counters: got %d bytes %d reads", st.BytesReceived, st.Reads)
	}

	s.endSession()
	s.busy.Store(false)
	st = s.Snapshot()
	if st.Publishing || st.StreamKey != "" || st.UptimeMs != 0 {
		t.Errorf("post-session snapshot not cleared: %+v", st)
	}
}
