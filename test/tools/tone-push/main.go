// tone-push feeds a canopy SRT ingest with raw S16LE mono PCM, either a
// generated sine tone or a file, paced at real time. Useful for driving a
// root node without a microphone or a studio feed.
package main

import (
	"encoding/binary"
	"flag"
	"fmt"
	"math"
	"os"
	"time"

	srt "github.com/zsiec/srtgo"
)

// chunkSamples keeps each write inside a single standard 1316-byte SRT
// payload.
const chunkSamples = 658

// fill produces the next chunk of samples. Implementations keep their own
// position so audio is continuous across calls and reconnects.
type fill func(dst []int16)

func main() {
	addrFlag := flag.String("addr", "127.0.0.1:6001", "SRT ingest address")
	keyFlag := flag.String("key", "live/tone", "stream ID sent to the ingest")
	fileFlag := flag.String("file", "", "raw S16LE mono PCM file to loop (default: generated tone)")
	rateFlag := flag.Int("rate", 48000, "sample rate of the pushed audio")
	freqFlag := flag.Float64("freq", 440, "tone frequency in Hz when generating")
	flag.Parse()

	var next fill
	if *fileFlag != "" {
		samples, err := loadPCM(*fileFlag)
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		fmt.Printf("Looping %s (%.1fs at %d Hz) into %s as %q\n",
			*fileFlag, float64(len(samples))/float64(*rateFlag), *rateFlag, *addrFlag, *keyFlag)
		next = loopSource(samples)
	} else {
		fmt.Printf("Generating %.0f Hz tone at %d Hz into %s as %q\n",
			*freqFlag, *rateFlag, *addrFlag, *keyFlag)
		next = sineSource(*rateFlag, *freqFlag)
	}

	for {
		if err := push(*addrFlag, *keyFlag, *rateFlag, next); err != nil {
			fmt.Fprintf(os.Stderr, "%s: %v, reconnecting\n", *keyFlag, err)
		}
		time.Sleep(time.Second)
	}
}

// sineSource synthesizes a sine at freq, carrying phase between calls.
func sineSource(rate int, freq float64) fill {
	phase := 0.0
	step := 2 * math.Pi * freq / float64(rate)
	return func(dst []int16) {
		for i := range dst {
			dst[i] = int16(0.3 * math.MaxInt16 * math.Sin(phase))
			phase += step
			if phase >= 2*math.Pi {
				phase -= 2 * math.Pi
			}
		}
	}
}

// loopSource serves samples endlessly, wrapping at the end.
func loopSource(samples []int16) fill {
	pos := 0
	return func(dst []int16) {
		for i := range dst {
			dst[i] = samples[pos]
			pos++
			if pos == len(samples) {
				pos = 0
			}
		}
	}
}

func loadPCM(path string) ([]int16, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if len(data) < 2 {
		return nil, fmt.Errorf("%s: no samples", path)
	}
	if len(data)%2 != 0 {
		fmt.Fprintf(os.Stderr, "Warning: %s is not a whole number of samples, dropping last byte\n", path)
		data = data[:len(data)-1]
	}
	samples := make([]int16, len(data)/2)
	for i := range samples {
		samples[i] = int16(binary.LittleEndian.Uint16(data[i*2:]))
	}
	return samples, nil
}

// push connects once and streams until the connection fails, pacing each
// chunk against the wall clock so the ingest sees real-time audio.
func push(addr, streamID string, rate int, next fill) error {
	cfg := srt.DefaultConfig()
	cfg.StreamID = streamID

	conn, err := srt.Dial(addr, cfg)
	if err != nil {
		return fmt.Errorf("connect %s: %w", addr, err)
	}
	defer conn.Close()
	fmt.Printf("%s: connected to %s\n", streamID, addr)

	start := time.Now()
	var sent int64 // samples
	samples := make([]int16, chunkSamples)
	buf := make([]byte, chunkSamples*2)
	lastLog := start

	for {
		next(samples)
		for i, s := range samples {
			binary.LittleEndian.PutUint16(buf[i*2:], uint16(s))
		}
		if _, err := conn.Write(buf); err != nil {
			return err
		}
		sent += chunkSamples

		deadline := start.Add(time.Duration(sent) * time.Second / time.Duration(rate))
		if d := time.Until(deadline); d > 0 {
			time.Sleep(d)
		}

		if time.Since(lastLog) >= 10*time.Second {
			fmt.Printf("%s: %s of audio sent, %.1f MB\n",
				streamID, (time.Duration(sent)*time.Second/time.Duration(rate)).Truncate(time.Second),
				float64(sent*2)/(1024*1024))
			lastLog = time.Now()
		}
	}
}
