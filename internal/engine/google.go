package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	speech "cloud.google.com/go/speech/apiv1"
	"cloud.google.com/go/speech/apiv1/speechpb"
	"github.com/rs/zerolog/log"
)

// Google transcribes segments with Cloud Speech-to-Text. Segments arrive
// already bounded to a few seconds, so the synchronous Recognize RPC is
// used rather than a streaming session.
//
// Requires GOOGLE_APPLICATION_CREDENTIALS to be set.
type Google struct {
	language string

	mu     sync.Mutex
	client *speech.Client
}

// NewGoogle creates an unloaded Google engine.
func NewGoogle(language string) *Google {
	if language == "" {
		language = "en-US"
	}
	return &Google{language: language}
}

// Load establishes the API client. Idempotent.
func (g *Google) Load(ctx context.Context) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.client != nil {
		return nil
	}

	c, err := speech.NewClient(ctx)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrModelLoadFailed, err)
	}
	g.client = c
	log.Info().Str("language", g.language).Msg("Google speech client ready")
	return nil
}

// Unload closes the API client.
func (g *Google) Unload() error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.client == nil {
		return nil
	}
	err := g.client.Close()
	g.client = nil
	return err
}

// IsLoaded reports whether the client is established.
func (g *Google) IsLoaded() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.client != nil
}

// Transcribe sends one segment through the Recognize RPC.
func (g *Google) Transcribe(ctx context.Context, req Request) (Result, error) {
	g.mu.Lock()
	client := g.client
	g.mu.Unlock()

	if client == nil {
		return Result{}, ErrNotLoaded
	}

	start := time.Now()

	lang := req.Language
	if lang == "" {
		lang = g.language
	}

	resp, err := client.Recognize(ctx, &speechpb.RecognizeRequest{
		Config: &speechpb.RecognitionConfig{
			Encoding:        speechpb.RecognitionConfig_LINEAR16,
			SampleRateHertz: int32(req.SampleRate),
			LanguageCode:    lang,
		},
		Audio: &speechpb.RecognitionAudio{
			AudioSource: &speechpb.RecognitionAudio_Content{Content: req.PCM},
		},
	})
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || ctx.Err() != nil {
			return Result{}, ErrTimeout
		}
		return Result{}, fmt.Errorf("%w: %v", ErrTranscriptionFailed, err)
	}

	var (
		text       string
		confidence float64
		n          int
	)
	for _, r := range resp.Results {
		if len(r.Alternatives) == 0 {
			continue
		}
		alt := r.Alternatives[0]
		if text != "" {
			text += " "
		}
		text += alt.Transcript
		confidence += float64(alt.Confidence)
		n++
	}
	if n > 0 {
		confidence /= float64(n)
	}

	return Result{
		Text:       text,
		Confidence: confidence,
		Language:   lang,
		Elapsed:    time.Since(start),
	}, nil
}

// Name identifies the Google engine.
func (g *Google) Name() string { return "google" }
