package engine

import (
	"context"
	"fmt"
	"hash/fnv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
)

// stubPhrases is cycled through deterministically so tests can assert on
// output without cloud credentials.
var stubPhrases = []string{
	"I want to cancel my subscription",
	"Yes please go ahead",
	"Can you help me with my account",
	"I've been waiting for over an hour",
	"Thank you very much",
}

// loadDelays simulates model load time per size.
var loadDelays = map[string]time.Duration{
	"tiny":     10 * time.Millisecond,
	"base":     20 * time.Millisecond,
	"small":    40 * time.Millisecond,
	"medium":   80 * time.Millisecond,
	"large-v3": 160 * time.Millisecond,
}

// Stub is a deterministic in-process engine. The transcript for a segment
// is chosen by hashing its PCM, so identical audio always yields identical
// text. Latency and failures are injectable for tests.
type Stub struct {
	modelSize string
	language  string

	// Delay is added to every Transcribe call.
	Delay time.Duration
	// FailNext makes that many Transcribe calls fail before recovering.
	FailNext int32

	mu     sync.Mutex
	loaded bool
	calls  uint64
}

// NewStub creates a stub engine for the given model size.
func NewStub(modelSize, language string) (*Stub, error) {
	if _, ok := loadDelays[modelSize]; !ok {
		return nil, fmt.Errorf("%w: size %q", ErrUnsupportedModel, modelSize)
	}
	return &Stub{modelSize: modelSize, language: language}, nil
}

// Load simulates model initialization. Idempotent.
func (s *Stub) Load(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.loaded {
		return nil
	}

	select {
	case <-time.After(loadDelays[s.modelSize]):
	case <-ctx.Done():
		return fmt.Errorf("%w: %v", ErrModelLoadFailed, ctx.Err())
	}

	s.loaded = true
	log.Info().Str("model", s.modelSize).Msg("Stub engine loaded")
	return nil
}

// Unload releases the simulated model.
func (s *Stub) Unload() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.loaded = false
	return nil
}

// IsLoaded reports load state.
func (s *Stub) IsLoaded() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loaded
}

// Transcribe returns a phrase chosen by hashing the segment's PCM.
func (s *Stub) Transcribe(ctx context.Context, req Request) (Result, error) {
	if !s.IsLoaded() {
		return Result{}, ErrNotLoaded
	}

	start := time.Now()

	if s.Delay > 0 {
		select {
		case <-time.After(s.Delay):
		case <-ctx.Done():
			return Result{}, ErrTimeout
		}
	}
	if ctx.Err() != nil {
		return Result{}, ErrTimeout
	}

	if n := atomic.LoadInt32(&s.FailNext); n > 0 {
		atomic.AddInt32(&s.FailNext, -1)
		return Result{}, fmt.Errorf("%w: injected failure", ErrTranscriptionFailed)
	}

	atomic.AddUint64(&s.calls, 1)

	h := fnv.New32a()
	h.Write(req.PCM)
	phrase := stubPhrases[int(h.Sum32())%len(stubPhrases)]

	lang := req.Language
	if lang == "" {
		lang = s.language
	}

	return Result{
		Text:       phrase,
		Confidence: 0.95,
		Language:   lang,
		Elapsed:    time.Since(start),
	}, nil
}

// Name identifies the stub engine.
func (s *Stub) Name() string {
	return fmt.Sprintf("stub-%s", s.modelSize)
}

// Calls reports how many transcriptions succeeded. Used by tests.
func (s *Stub) Calls() uint64 {
	return atomic.LoadUint64(&s.calls)
}
