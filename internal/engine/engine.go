// Package engine defines the transcription engine interface and its
// implementations. The stub engine transcribes deterministically without
// cloud credentials; the google engine calls Cloud Speech-to-Text.
package engine

import (
	"context"
	"errors"
	"time"
)

// Typed failures callers branch on with errors.Is.
var (
	// ErrNotLoaded is returned by Transcribe before a successful Load.
	ErrNotLoaded = errors.New("engine: model not loaded")
	// ErrModelLoadFailed wraps failures during Load.
	ErrModelLoadFailed = errors.New("engine: model load failed")
	// ErrTranscriptionFailed wraps provider failures during Transcribe.
	ErrTranscriptionFailed = errors.New("engine: transcription failed")
	// ErrUnsupportedModel is returned for model sizes or devices outside
	// the supported sets.
	ErrUnsupportedModel = errors.New("engine: unsupported model")
	// ErrTimeout is returned when a Transcribe call exceeds its deadline.
	ErrTimeout = errors.New("engine: transcription timed out")
)

// Request carries one segment of PCM to transcribe.
type Request struct {
	SegmentID  string
	PCM        []byte
	SampleRate int
	Language   string
}

// Result is the transcription of one segment.
type Result struct {
	Text       string
	Confidence float64
	Language   string
	Elapsed    time.Duration
}

// Engine transcribes audio segments. Load is idempotent; Transcribe
// before Load returns ErrNotLoaded. Implementations are safe for
// concurrent Transcribe calls.
type Engine interface {
	// Load prepares the model. Calling Load on a loaded engine is a no-op.
	Load(ctx context.Context) error
	// Unload releases model resources.
	Unload() error
	// IsLoaded reports whether Transcribe can be called.
	IsLoaded() bool
	// Transcribe processes one segment synchronously.
	Transcribe(ctx context.Context, req Request) (Result, error)
	// Name identifies the engine for logs and status reporting.
	Name() string
}
