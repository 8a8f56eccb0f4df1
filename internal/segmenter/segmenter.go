// Package segmenter accumulates speech frames into bounded segments.
//
// The buffer closes a segment when enough trailing silence follows speech,
// or when the configured maximum window fills. Segments shorter than the
// minimum speech duration are discarded as noise.
package segmenter

import (
	"fmt"
	"sync/atomic"
	"time"

	"speech-transcription-service/internal/audio"
	"speech-transcription-service/internal/vad"
)

// Generator produces monotonic segment IDs scoped to one stream.
type Generator struct {
	counter uint64
}

// NewGenerator returns a fresh ID generator.
func NewGenerator() *Generator {
	return &Generator{}
}

// Next returns the next ID in the form "<stream>-seg-<n>".
func (g *Generator) Next(streamID string) string {
	n := atomic.AddUint64(&g.counter, 1)
	return fmt.Sprintf("%s-seg-%d", streamID, n)
}

// Segment is a closed run of speech ready for transcription.
type Segment struct {
	ID       string
	PCM      []byte
	Start    time.Time
	Duration time.Duration
}

// Config bounds segment accumulation.
type Config struct {
	SampleRate int
	// MaxDuration closes a segment even if speech continues.
	MaxDuration time.Duration
	// MinSilence is the trailing silence required to close a segment.
	MinSilence time.Duration
	// MinSpeech is the noise gate; shorter segments are discarded.
	MinSpeech time.Duration
}

// Buffer turns a classified frame stream into segments. Not safe for
// concurrent use; the session pipeline owns it from one goroutine.
type Buffer struct {
	cfg      Config
	gen      *Generator
	streamID string

	pcm        []byte
	start      time.Time
	speechDur  time.Duration
	silenceRun time.Duration
	active     bool
}

// NewBuffer creates a segment buffer for one stream.
func NewBuffer(cfg Config, streamID string) *Buffer {
	if cfg.SampleRate <= 0 {
		cfg.SampleRate = audio.DefaultSampleRate
	}
	return &Buffer{cfg: cfg, gen: NewGenerator(), streamID: streamID}
}

// Push adds one classified frame. It returns a closed segment when the
// frame completes one, or nil.
//
// Silence before any speech is never buffered, so segments start at the
// first confirmed speech frame.
func (b *Buffer) Push(frame audio.Frame, decision vad.Decision) *Segment {
	frameDur := frame.Duration(b.cfg.SampleRate)

	if !b.active {
		if decision != vad.Speech {
			return nil
		}
		b.active = true
		b.start = frame.Timestamp
	}

	b.pcm = append(b.pcm, frame.PCM...)
	if decision == vad.Speech {
		b.speechDur += frameDur
		b.silenceRun = 0
	} else {
		b.silenceRun += frameDur
	}

	if b.silenceRun >= b.cfg.MinSilence {
		return b.close()
	}
	if b.cfg.MaxDuration > 0 && b.buffered() >= b.cfg.MaxDuration {
		return b.close()
	}
	return nil
}

// Flush closes the in-progress segment regardless of trailing silence.
// The noise gate still applies, so a too-short fragment returns nil.
func (b *Buffer) Flush() *Segment {
	if !b.active {
		return nil
	}
	return b.close()
}

// Active reports whether speech is being accumulated.
func (b *Buffer) Active() bool { return b.active }

// Buffered returns the duration of audio held so far.
func (b *Buffer) Buffered() time.Duration { return b.buffered() }

func (b *Buffer) buffered() time.Duration {
	samples := len(b.pcm) / audio.BytesPerSample
	return time.Duration(samples) * time.Second / time.Duration(b.cfg.SampleRate)
}

func (b *Buffer) close() *Segment {
	defer b.reset()

	if b.speechDur < b.cfg.MinSpeech {
		return nil
	}

	pcm := make([]byte, len(b.pcm))
	copy(pcm, b.pcm)
	return &Segment{
		ID:       b.gen.Next(b.streamID),
		PCM:      pcm,
		Start:    b.start,
		Duration: b.buffered(),
	}
}

func (b *Buffer) reset() {
	b.pcm = b.pcm[:0]
	b.start = time.Time{}
	b.speechDur = 0
	b.silenceRun = 0
	b.active = false
}
