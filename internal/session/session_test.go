package session

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"testing"
	"time"

	"speech-transcription-service/internal/audio"
	"speech-transcription-service/internal/config"
	"speech-transcription-service/internal/engine"
	"speech-transcription-service/internal/events"
	"speech-transcription-service/internal/vad"
)

func testRealtime() config.RealtimeConfig {
	return config.RealtimeConfig{
		ModelSize:      "base",
		Device:         "auto",
		SampleRateHz:   16000,
		BufferDuration: time.Second,
		VADThreshold:   0.1,
		MinSilence:     90 * time.Millisecond,
		MinSpeech:      60 * time.Millisecond,
	}
}

// speechPCM returns n frames of a loud sine, silencePCM n frames of zeros.
func speechPCM(frames int) []byte {
	fb := audio.FrameBytes(16000)
	pcm := make([]byte, frames*fb)
	for i := 0; i < len(pcm)/2; i++ {
		v := 0.5 * math.Sin(2*math.Pi*440*float64(i)/16000)
		binary.LittleEndian.PutUint16(pcm[i*2:], uint16(int16(v*math.MaxInt16)))
	}
	return pcm
}

func silencePCM(frames int) []byte {
	return make([]byte, frames*audio.FrameBytes(16000))
}

func concat(parts ...[]byte) []byte {
	var out []byte
	for _, p := range parts {
		out = append(out, p...)
	}
	return out
}

func newTestSession(t *testing.T, pcm []byte, mutate func(*Options)) (*Session, *events.Bus, *engine.Stub) {
	t.Helper()

	det, err := vad.NewEnergy(0.1)
	if err != nil {
		t.Fatal(err)
	}
	stub, err := engine.NewStub("base", "en-US")
	if err != nil {
		t.Fatal(err)
	}
	bus := events.NewBus()

	opts := Options{
		ID:            "sess-test",
		Source:        audio.NewPCMSource(pcm, 16000, false),
		Detector:      det,
		Engine:        stub,
		Bus:           bus,
		Realtime:      testRealtime(),
		EngineTimeout: 2 * time.Second,
	}
	if mutate != nil {
		mutate(&opts)
	}

	sess, err := New(opts)
	if err != nil {
		t.Fatal(err)
	}
	return sess, bus, stub
}

func waitDone(t *testing.T, sess *Session) {
	t.Helper()
	select {
	case <-sess.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("session did not finish in time")
	}
}

func TestSession_EndToEnd(t *testing.T) {
	// Two utterances separated by enough silence to close each segment.
	pcm := concat(speechPCM(20), silencePCM(10), speechPCM(20), silencePCM(10))
	sess, bus, _ := newTestSession(t, pcm, nil)

	ch, unsub := bus.SubscribeChan(64, events.TypeTextReady, events.TypeStatusUpdate)
	defer unsub()

	if err := sess.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	waitDone(t, sess)

	if sess.State() != StateStopped {
		t.Errorf("expected stopped, got %v", sess.State())
	}

	var texts []string
	var stopped bool
	for !stopped {
		select {
		case ev := <-ch:
			switch ev.Type {
			case events.TypeTextReady:
				texts = append(texts, ev.Data.(events.TextReadyPayload).Text)
			case events.TypeStatusUpdate:
				if ev.Data.(events.StatusUpdatePayload).State == StateStopped.String() {
					stopped = true
				}
			}
		case <-time.After(2 * time.Second):
			t.Fatal("timed out waiting for stop event")
		}
	}

	if len(texts) != 2 {
		t.Fatalf("expected 2 transcriptions, got %d: %v", len(texts), texts)
	}
	if sess.Transcript() == "" {
		t.Error("expected accumulated transcript")
	}
}

func TestSession_ResultsArriveInCaptureOrder(t *testing.T) {
	// Three utterances of different lengths: 2s, 3s, 1s of speech. The 3s
	// one is split by the 1s window, so expect four segments in order.
	pcm := concat(
		speechPCM(67), silencePCM(10),
		speechPCM(100), silencePCM(10),
		speechPCM(34), silencePCM(10),
	)
	sess, bus, _ := newTestSession(t, pcm, nil)

	ch, unsub := bus.SubscribeChan(64, events.TypeTextReady)
	defer unsub()

	if err := sess.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	waitDone(t, sess)

	var ids []string
	for {
		select {
		case ev := <-ch:
			ids = append(ids, ev.Data.(events.TextReadyPayload).SegmentID)
			continue
		default:
		}
		break
	}

	// Backpressure may shed segments under this flood, but results must
	// never be reordered. Segment IDs carry a monotonic counter.
	if len(ids) < 2 {
		t.Fatalf("expected at least 2 segments, got %d: %v", len(ids), ids)
	}
	prev := 0
	for _, id := range ids {
		var n int
		if _, err := fmt.Sscanf(id, "sess-test-seg-%d", &n); err != nil {
			t.Fatalf("unexpected segment ID %q: %v", id, err)
		}
		if n <= prev {
			t.Errorf("segment IDs out of order: %v", ids)
			break
		}
		prev = n
	}
}

func TestSession_StartTwiceRejected(t *testing.T) {
	sess, _, _ := newTestSession(t, speechPCM(20), nil)

	if err := sess.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	if err := sess.Start(context.Background()); !errors.Is(err, ErrInvalidState) {
		t.Errorf("expected ErrInvalidState on second start, got %v", err)
	}
	waitDone(t, sess)
}

func TestSession_StopIdle(t *testing.T) {
	sess, _, _ := newTestSession(t, speechPCM(20), nil)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := sess.Stop(ctx); err != nil {
		t.Fatalf("stop idle: %v", err)
	}
	if sess.State() != StateStopped {
		t.Errorf("expected stopped, got %v", sess.State())
	}

	// Terminal: a later start is rejected.
	if err := sess.Start(context.Background()); !errors.Is(err, ErrInvalidState) {
		t.Errorf("expected ErrInvalidState, got %v", err)
	}
}

func TestSession_StopFlushesPartialSegment(t *testing.T) {
	// Speech with no trailing silence: only an explicit flush can close it.
	pcm := speechPCM(20)
	sess, bus, _ := newTestSession(t, pcm, nil)

	ch, unsub := bus.SubscribeChan(16, events.TypeTextReady)
	defer unsub()

	if err := sess.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	waitDone(t, sess)

	select {
	case ev := <-ch:
		p := ev.Data.(events.TextReadyPayload)
		if p.Text == "" {
			t.Error("expected flushed segment to carry text")
		}
	case <-time.After(time.Second):
		t.Fatal("expected a transcription from the flushed segment")
	}
}

func TestSession_PauseResume(t *testing.T) {
	// Realtime pacing so the session is still running when we pause.
	pcm := concat(speechPCM(100), silencePCM(10))
	sess, _, _ := newTestSession(t, pcm, func(o *Options) {
		o.Source = audio.NewPCMSource(pcm, 16000, true)
	})

	if err := sess.Start(context.Background()); err != nil {
		t.Fatal(err)
	}

	if err := sess.Pause(); err != nil {
		t.Fatalf("pause: %v", err)
	}
	if sess.State() != StatePaused {
		t.Errorf("expected paused, got %v", sess.State())
	}
	// Pausing a paused session is a no-op.
	if err := sess.Pause(); err != nil {
		t.Errorf("second pause: %v", err)
	}

	if err := sess.Resume(); err != nil {
		t.Fatalf("resume: %v", err)
	}
	if sess.State() != StateRecording {
		t.Errorf("expected recording, got %v", sess.State())
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := sess.Stop(ctx); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if sess.State() != StateStopped {
		t.Errorf("expected stopped, got %v", sess.State())
	}
}

func TestSession_NoOpPauseResumeEmitNoEvents(t *testing.T) {
	pcm := concat(speechPCM(100), silencePCM(10))
	sess, bus, _ := newTestSession(t, pcm, func(o *Options) {
		o.Source = audio.NewPCMSource(pcm, 16000, true)
	})

	ch, unsub := bus.SubscribeChan(32, events.TypeStatusUpdate)
	defer unsub()

	if err := sess.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	if err := sess.Pause(); err != nil {
		t.Fatalf("pause: %v", err)
	}
	if err := sess.Pause(); err != nil {
		t.Fatalf("second pause: %v", err)
	}
	if err := sess.Resume(); err != nil {
		t.Fatalf("resume: %v", err)
	}
	if err := sess.Resume(); err != nil {
		t.Fatalf("second resume: %v", err)
	}

	// Publishes happen synchronously inside the calls above, so the
	// channel already holds everything. Exactly one paused and two
	// recording updates (start plus resume); the repeated calls add none.
	var paused, recording int
	for {
		select {
		case ev := <-ch:
			switch ev.Data.(events.StatusUpdatePayload).State {
			case StatePaused.String():
				paused++
			case StateRecording.String():
				recording++
			}
			continue
		default:
		}
		break
	}
	if paused != 1 {
		t.Errorf("expected 1 paused update, got %d", paused)
	}
	if recording != 2 {
		t.Errorf("expected 2 recording updates, got %d", recording)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := sess.Stop(ctx); err != nil {
		t.Fatalf("stop: %v", err)
	}
}

func TestSession_PausedSpeechNeverReachesEngine(t *testing.T) {
	// Silence, then a speech burst, then silence, paced in real time. The
	// session is paused before the burst arrives, so no frame of it may
	// reach the segment buffer or the engine.
	pcm := concat(silencePCM(20), speechPCM(30), silencePCM(20))
	sess, bus, stub := newTestSession(t, pcm, func(o *Options) {
		o.Source = audio.NewPCMSource(pcm, 16000, true)
	})

	ch, unsub := bus.SubscribeChan(16, events.TypeTextReady)
	defer unsub()

	if err := sess.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	if err := sess.Pause(); err != nil {
		t.Fatalf("pause: %v", err)
	}
	waitDone(t, sess)

	if stub.Calls() != 0 {
		t.Errorf("expected 0 engine calls for paused speech, got %d", stub.Calls())
	}
	select {
	case ev := <-ch:
		t.Errorf("expected no transcription while paused, got %v", ev.Data)
	default:
	}
}

func TestSession_ConsecutiveTimeoutsFailSession(t *testing.T) {
	// Three utterances, each timing out.
	pcm := concat(
		speechPCM(20), silencePCM(10),
		speechPCM(20), silencePCM(10),
		speechPCM(20), silencePCM(10),
	)
	sess, bus, stub := newTestSession(t, pcm, func(o *Options) {
		o.EngineTimeout = 20 * time.Millisecond
		o.MaxConsecutiveTimeouts = 2
	})
	stub.Delay = 200 * time.Millisecond

	ch, unsub := bus.SubscribeChan(16, events.TypeError)
	defer unsub()

	if err := sess.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	waitDone(t, sess)

	if sess.State() != StateError {
		t.Fatalf("expected error state, got %v", sess.State())
	}
	if !errors.Is(sess.Err(), engine.ErrTimeout) {
		t.Errorf("expected ErrTimeout, got %v", sess.Err())
	}

	var sawFatal bool
	for !sawFatal {
		select {
		case ev := <-ch:
			if p, ok := ev.Data.(events.ErrorPayload); ok && p.Fatal {
				sawFatal = true
			}
		case <-time.After(time.Second):
			t.Fatal("expected a fatal error event")
		}
	}
}

func TestSession_BackpressureDropEmitsDiagnostic(t *testing.T) {
	// A fast source delivering many segments against a slow engine must
	// overflow the pending queue and report each shed segment.
	var parts [][]byte
	for i := 0; i < 6; i++ {
		parts = append(parts, speechPCM(20), silencePCM(10))
	}
	pcm := concat(parts...)
	sess, bus, stub := newTestSession(t, pcm, nil)
	stub.Delay = 100 * time.Millisecond

	ch, unsub := bus.SubscribeChan(32, events.TypeError)
	defer unsub()

	if err := sess.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	waitDone(t, sess)

	var dropped bool
	for !dropped {
		select {
		case ev := <-ch:
			if p, ok := ev.Data.(events.ErrorPayload); ok && p.Code == "segment_dropped" {
				if p.Fatal {
					t.Error("drop diagnostic must not be fatal")
				}
				dropped = true
			}
		case <-time.After(time.Second):
			t.Fatal("expected a segment_dropped diagnostic")
		}
	}
	if sess.State() != StateStopped {
		t.Errorf("drops must not fail the session, got %v", sess.State())
	}
}

func TestSession_ModelLoadFailureFailsStart(t *testing.T) {
	sess, _, _ := newTestSession(t, speechPCM(20), func(o *Options) {
		o.Engine = loadFailEngine{}
	})

	err := sess.Start(context.Background())
	if err == nil {
		t.Fatal("expected start to fail")
	}
	if sess.State() != StateError {
		t.Errorf("expected error state, got %v", sess.State())
	}
	waitDone(t, sess)
}

func TestSession_NoSpeechYieldsNoTranscription(t *testing.T) {
	sess, bus, stub := newTestSession(t, silencePCM(100), nil)

	ch, unsub := bus.SubscribeChan(16, events.TypeTextReady)
	defer unsub()

	if err := sess.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	waitDone(t, sess)

	select {
	case ev := <-ch:
		t.Errorf("expected no transcription for silence, got %v", ev)
	default:
	}
	if stub.Calls() != 0 {
		t.Errorf("expected 0 engine calls, got %d", stub.Calls())
	}
}

type loadFailEngine struct{}

func (loadFailEngine) Load(context.Context) error { return errors.New("no model file") }
func (loadFailEngine) Unload() error              { return nil }
func (loadFailEngine) IsLoaded() bool             { return false }
func (loadFailEngine) Transcribe(context.Context, engine.Request) (engine.Result, error) {
	return engine.Result{}, engine.ErrNotLoaded
}
func (loadFailEngine) Name() string { return "loadfail" }
