package segmenter

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"speech-transcription-service/internal/audio"
	"speech-transcription-service/internal/vad"
)

func testConfig() Config {
	return Config{
		SampleRate:  16000,
		MaxDuration: 3 * time.Second,
		MinSilence:  300 * time.Millisecond,
		MinSpeech:   90 * time.Millisecond,
	}
}

// frame builds one 30ms frame with a meaningless payload.
func frame(seq uint64) audio.Frame {
	return audio.Frame{
		PCM:       make([]byte, audio.FrameBytes(16000)),
		Seq:       seq,
		Timestamp: time.Now(),
	}
}

// push feeds n frames with the same decision, returning the first segment
// closed along the way.
func push(b *Buffer, seq *uint64, n int, d vad.Decision) *Segment {
	var out *Segment
	for i := 0; i < n; i++ {
		if seg := b.Push(frame(*seq), d); seg != nil && out == nil {
			out = seg
		}
		*seq++
	}
	return out
}

func TestGenerator_Next(t *testing.T) {
	g := NewGenerator()

	if got := g.Next("sess-1"); got != "sess-1-seg-1" {
		t.Errorf("expected 'sess-1-seg-1', got %s", got)
	}
	if got := g.Next("sess-1"); got != "sess-1-seg-2" {
		t.Errorf("expected 'sess-1-seg-2', got %s", got)
	}
}

func TestGenerator_Concurrent(t *testing.T) {
	g := NewGenerator()

	var wg sync.WaitGroup
	seen := make(chan string, 100)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 10; j++ {
				seen <- g.Next("s")
			}
		}()
	}
	wg.Wait()
	close(seen)

	unique := make(map[string]struct{})
	for id := range seen {
		unique[id] = struct{}{}
	}
	if len(unique) != 100 {
		t.Errorf("expected 100 unique IDs, got %d", len(unique))
	}
}

func TestBuffer_LeadingSilenceNotBuffered(t *testing.T) {
	b := NewBuffer(testConfig(), "s")
	var seq uint64

	if seg := push(b, &seq, 100, vad.Silence); seg != nil {
		t.Fatal("silence-only input should never close a segment")
	}
	if b.Active() {
		t.Error("expected buffer inactive with no speech")
	}
	if b.Buffered() != 0 {
		t.Errorf("expected nothing buffered, got %v", b.Buffered())
	}
}

func TestBuffer_SilenceClosesSegment(t *testing.T) {
	b := NewBuffer(testConfig(), "sess-1")
	var seq uint64

	// 600ms speech, then silence until the 300ms run closes it.
	if seg := push(b, &seq, 20, vad.Speech); seg != nil {
		t.Fatal("segment closed before silence run")
	}
	seg := push(b, &seq, 10, vad.Silence)
	if seg == nil {
		t.Fatal("expected segment after min silence")
	}

	if seg.ID != "sess-1-seg-1" {
		t.Errorf("expected ID 'sess-1-seg-1', got %s", seg.ID)
	}
	// 20 speech frames + 10 silence frames, 30ms each.
	if seg.Duration != 900*time.Millisecond {
		t.Errorf("expected 900ms segment, got %v", seg.Duration)
	}
	if len(seg.PCM) != 30*audio.FrameBytes(16000) {
		t.Errorf("expected 30 frames of PCM, got %d bytes", len(seg.PCM))
	}
	if b.Active() {
		t.Error("expected buffer reset after close")
	}
}

func TestBuffer_MaxDurationClosesMidSpeech(t *testing.T) {
	b := NewBuffer(testConfig(), "s")
	var seq uint64

	// 3s window at 30ms frames is 100 frames.
	seg := push(b, &seq, 100, vad.Speech)
	if seg == nil {
		t.Fatal("expected segment at max duration")
	}
	if seg.Duration != 3*time.Second {
		t.Errorf("expected 3s segment, got %v", seg.Duration)
	}

	// Continued speech starts a fresh segment.
	seg = push(b, &seq, 100, vad.Speech)
	if seg == nil {
		t.Fatal("expected second segment")
	}
	if seg.ID != "s-seg-2" {
		t.Errorf("expected ID 's-seg-2', got %s", seg.ID)
	}
}

func TestBuffer_NoiseGateDiscardsShortSpeech(t *testing.T) {
	b := NewBuffer(testConfig(), "s")
	var seq uint64

	// 60ms speech is under the 90ms gate.
	push(b, &seq, 2, vad.Speech)
	if seg := push(b, &seq, 10, vad.Silence); seg != nil {
		t.Errorf("expected short burst discarded, got segment %s", seg.ID)
	}
	if b.Active() {
		t.Error("expected buffer reset after discard")
	}

	// The next real utterance still gets seg-1: discards do not burn IDs.
	push(b, &seq, 20, vad.Speech)
	seg := push(b, &seq, 10, vad.Silence)
	if seg == nil {
		t.Fatal("expected segment")
	}
	if seg.ID != "s-seg-1" {
		t.Errorf("expected 's-seg-1', got %s", seg.ID)
	}
}

func TestBuffer_FlushBypassesSilenceRun(t *testing.T) {
	b := NewBuffer(testConfig(), "s")
	var seq uint64

	push(b, &seq, 20, vad.Speech)
	seg := b.Flush()
	if seg == nil {
		t.Fatal("expected flushed segment without trailing silence")
	}
	if seg.Duration != 600*time.Millisecond {
		t.Errorf("expected 600ms segment, got %v", seg.Duration)
	}
}

func TestBuffer_FlushAppliesNoiseGate(t *testing.T) {
	b := NewBuffer(testConfig(), "s")
	var seq uint64

	push(b, &seq, 2, vad.Speech)
	if seg := b.Flush(); seg != nil {
		t.Errorf("expected flush of short burst to discard, got %s", seg.ID)
	}
}

func TestBuffer_FlushIdleIsNil(t *testing.T) {
	b := NewBuffer(testConfig(), "s")
	if seg := b.Flush(); seg != nil {
		t.Error("expected nil flush on idle buffer")
	}
}

func TestBuffer_SuccessiveUtterances(t *testing.T) {
	b := NewBuffer(testConfig(), "s")
	var seq uint64

	// Three utterances of 2s, 3s, 1s separated by silence.
	var got []*Segment
	for _, frames := range []int{67, 100, 34} {
		if seg := push(b, &seq, frames, vad.Speech); seg != nil {
			got = append(got, seg)
		}
		if seg := push(b, &seq, 10, vad.Silence); seg != nil {
			got = append(got, seg)
		}
	}

	// The 3s utterance fills the max window exactly and closes with no
	// remainder, so each utterance yields one segment.
	if len(got) != 3 {
		t.Fatalf("expected 3 segments, got %d", len(got))
	}
	for i, seg := range got {
		want := fmt.Sprintf("s-seg-%d", i+1)
		if seg.ID != want {
			t.Errorf("segment %d: expected ID %s, got %s", i, want, seg.ID)
		}
	}
	wantDur := []time.Duration{2310 * time.Millisecond, 3 * time.Second, 1320 * time.Millisecond}
	for i, seg := range got {
		if seg.Duration != wantDur[i] {
			t.Errorf("segment %d: expected duration %v, got %v", i, wantDur[i], seg.Duration)
		}
	}
}
