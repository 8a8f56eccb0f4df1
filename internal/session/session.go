package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"speech-transcription-service/internal/audio"
	"speech-transcription-service/internal/config"
	"speech-transcription-service/internal/engine"
	"speech-transcription-service/internal/events"
	"speech-transcription-service/internal/observability/metrics"
	"speech-transcription-service/internal/segmenter"
	"speech-transcription-service/internal/vad"
)

const (
	// pendingSegments bounds the queue between the segmenter and the
	// inference worker. When inference falls behind, the oldest queued
	// segment is dropped so latency stays bounded.
	pendingSegments = 2
	// volumeInterval throttles volume events to 10 Hz.
	volumeInterval = 100 * time.Millisecond
)

// Options wires a session's collaborators.
type Options struct {
	// ID defaults to a fresh UUID.
	ID       string
	Source   audio.Source
	Detector vad.Detector
	Engine   engine.Engine
	Bus      *events.Bus
	Realtime config.RealtimeConfig
	// EngineTimeout bounds each Transcribe call.
	EngineTimeout time.Duration
	// MaxConsecutiveTimeouts is how many engine timeouts in a row the
	// session tolerates before failing. Zero means the default of 3.
	MaxConsecutiveTimeouts int
}

// Session owns one live transcription pipeline from source to bus.
// All control methods are safe to call from any goroutine.
type Session struct {
	id       string
	machine  *Machine
	source   audio.Source
	detector vad.Detector
	buffer   *segmenter.Buffer
	eng      engine.Engine
	bus      *events.Bus
	metrics  *metrics.Metrics

	engineTimeout time.Duration
	maxTimeouts   int

	segCh    chan *segmenter.Segment
	stopCh   chan struct{}
	fatalCh  chan struct{}
	done     chan struct{}
	stopOnce sync.Once
	failOnce sync.Once
	doneOnce sync.Once

	mu         sync.Mutex
	started    bool
	transcript []string
	lastErr    error
}

// New creates an idle session. Start launches the pipeline.
func New(opts Options) (*Session, error) {
	if opts.Source == nil || opts.Detector == nil || opts.Engine == nil || opts.Bus == nil {
		return nil, errors.New("session: source, detector, engine and bus are required")
	}

	id := opts.ID
	if id == "" {
		id = uuid.NewString()
	}
	maxTimeouts := opts.MaxConsecutiveTimeouts
	if maxTimeouts <= 0 {
		maxTimeouts = 3
	}

	buf := segmenter.NewBuffer(segmenter.Config{
		SampleRate:  opts.Realtime.SampleRateHz,
		MaxDuration: opts.Realtime.BufferDuration,
		MinSilence:  opts.Realtime.MinSilence,
		MinSpeech:   opts.Realtime.MinSpeech,
	}, id)

	return &Session{
		id:            id,
		machine:       NewMachine(),
		source:        opts.Source,
		detector:      opts.Detector,
		buffer:        buf,
		eng:           opts.Engine,
		bus:           opts.Bus,
		metrics:       metrics.DefaultMetrics,
		engineTimeout: opts.EngineTimeout,
		maxTimeouts:   maxTimeouts,
		segCh:         make(chan *segmenter.Segment, pendingSegments),
		stopCh:        make(chan struct{}),
		fatalCh:       make(chan struct{}),
		done:          make(chan struct{}),
	}, nil
}

// ID returns the session identifier.
func (s *Session) ID() string { return s.id }

// State returns the current lifecycle state.
func (s *Session) State() State { return s.machine.State() }

// Done is closed when the pipeline has fully drained.
func (s *Session) Done() <-chan struct{} { return s.done }

// Err returns the fatal error, if the session entered the error state.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastErr
}

// Transcript returns all committed text so far, in capture order.
func (s *Session) Transcript() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return strings.Join(s.transcript, " ")
}

// Start loads the model, opens the source and launches the pipeline.
func (s *Session) Start(ctx context.Context) error {
	if err := s.machine.Start(); err != nil {
		return err
	}

	s.publishStatus("loading model")
	if err := s.eng.Load(ctx); err != nil {
		s.fail(fmt.Errorf("%w: %v", engine.ErrModelLoadFailed, err))
		s.doneOnce.Do(func() { close(s.done) })
		return err
	}

	if err := s.source.Start(ctx); err != nil {
		s.fail(err)
		s.doneOnce.Do(func() { close(s.done) })
		return err
	}

	s.mu.Lock()
	s.started = true
	s.mu.Unlock()

	s.metrics.IncActiveSessions()
	go s.run(ctx)
	go s.work(ctx)

	s.bus.Publish(events.New(events.TypeStatusUpdate, events.StatusUpdatePayload{
		SessionID: s.id,
		State:     StateRecording.String(),
	}))
	log.Info().Str("session", s.id).Str("engine", s.eng.Name()).Msg("Session started")
	return nil
}

// Pause stops feeding frames into the pipeline. Capture continues so
// resume is immediate; paused frames are discarded. Pausing a paused
// session is accepted silently, with no transition event.
func (s *Session) Pause() error {
	changed, err := s.machine.Pause()
	if err != nil {
		return err
	}
	if !changed {
		return nil
	}
	s.bus.Publish(events.New(events.TypeStatusUpdate, events.StatusUpdatePayload{
		SessionID: s.id,
		State:     StatePaused.String(),
	}))
	return nil
}

// Resume reenters the recording state. Resuming a recording session is
// accepted silently, with no transition event.
func (s *Session) Resume() error {
	changed, err := s.machine.Resume()
	if err != nil {
		return err
	}
	if !changed {
		return nil
	}
	s.bus.Publish(events.New(events.TypeStatusUpdate, events.StatusUpdatePayload{
		SessionID: s.id,
		State:     StateRecording.String(),
	}))
	return nil
}

// Stop flushes buffered speech, waits for in-flight inference and
// releases the source. Blocks until the drain completes or ctx expires.
func (s *Session) Stop(ctx context.Context) error {
	drain, err := s.machine.BeginStop()
	if err != nil {
		return err
	}
	if drain {
		s.stopOnce.Do(func() { close(s.stopCh) })
	} else if !s.hasStarted() {
		// Idle went straight to stopped; no pipeline to drain.
		s.doneOnce.Do(func() { close(s.done) })
	}

	select {
	case <-s.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Session) hasStarted() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.started
}

// run is the frame loop. It owns the detector and segment buffer.
func (s *Session) run(ctx context.Context) {
	defer close(s.segCh)

	lastVolume := time.Time{}

	for {
		select {
		case <-s.stopCh:
			s.source.Stop()
			s.drainAndFlush()
			return
		case <-s.fatalCh:
			s.source.Stop()
			return
		case <-ctx.Done():
			s.machine.BeginStop()
			s.source.Stop()
			return
		case frame, ok := <-s.source.Frames():
			if !ok {
				// Input exhausted; behave as an implicit stop.
				if err := s.source.Err(); err != nil {
					s.fail(err)
					return
				}
				s.machine.BeginStop()
				s.flushSegment()
				return
			}

			if s.machine.State() != StateRecording {
				continue
			}

			decision := s.detector.Classify(frame.PCM)
			if time.Since(lastVolume) >= volumeInterval {
				lastVolume = time.Now()
				s.bus.Publish(events.New(events.TypeVolumeChanged, events.VolumeChangedPayload{
					SessionID: s.id,
					Level:     s.detector.Level(),
				}))
			}

			if seg := s.buffer.Push(frame, decision); seg != nil {
				s.enqueue(seg)
			}
		}
	}
}

// drainAndFlush consumes frames already buffered by the source, then
// flushes the partial segment.
func (s *Session) drainAndFlush() {
	for frame := range s.source.Frames() {
		if s.machine.State() == StateRecording || s.machine.State() == StateStopping {
			decision := s.detector.Classify(frame.PCM)
			if seg := s.buffer.Push(frame, decision); seg != nil {
				s.enqueue(seg)
			}
		}
	}
	s.flushSegment()
}

func (s *Session) flushSegment() {
	if seg := s.buffer.Flush(); seg != nil {
		s.enqueue(seg)
	}
}

// enqueue hands a segment to the worker, dropping the oldest pending
// segment when inference is behind. Only the run goroutine writes to
// segCh, so the recv-then-retry is race-free.
func (s *Session) enqueue(seg *segmenter.Segment) {
	s.metrics.RecordSegmentClosed(seg.Duration.Seconds())
	for {
		select {
		case s.segCh <- seg:
			return
		default:
		}
		select {
		case old := <-s.segCh:
			s.metrics.RecordSegmentDropped()
			log.Warn().
				Str("session", s.id).
				Str("segment", old.ID).
				Msg("Inference behind, dropping oldest pending segment")
			s.bus.Publish(events.New(events.TypeError, events.ErrorPayload{
				SessionID: s.id,
				Code:      "segment_dropped",
				Message:   "inference behind, dropped pending segment " + old.ID,
				Fatal:     false,
			}))
		default:
		}
	}
}

// work is the single inference worker. One segment is in flight at a
// time, and results are published in queue order, so transcription
// events preserve capture order.
func (s *Session) work(ctx context.Context) {
	defer s.finish()

	timeouts := 0
	for seg := range s.segCh {
		res, err := s.transcribe(ctx, seg)
		if err != nil {
			if errors.Is(err, engine.ErrTimeout) {
				timeouts++
				log.Warn().
					Str("session", s.id).
					Str("segment", seg.ID).
					Int("consecutive", timeouts).
					Msg("Segment transcription timed out")
				if timeouts >= s.maxTimeouts {
					s.fail(fmt.Errorf("%w: %d consecutive timeouts", engine.ErrTimeout, timeouts))
					return
				}
				continue
			}
			// Recoverable failure: report it and keep the session alive.
			log.Error().Err(err).Str("session", s.id).Str("segment", seg.ID).Msg("Segment transcription failed")
			s.bus.Publish(events.New(events.TypeError, events.ErrorPayload{
				SessionID: s.id,
				Code:      "transcription_failed",
				Message:   err.Error(),
				Fatal:     false,
			}))
			continue
		}

		timeouts = 0
		if res.Text == "" {
			continue
		}

		s.mu.Lock()
		s.transcript = append(s.transcript, res.Text)
		s.mu.Unlock()

		s.bus.Publish(events.New(events.TypeTextReady, events.TextReadyPayload{
			SessionID: s.id,
			SegmentID: seg.ID,
			Text:      res.Text,
			Language:  res.Language,
			Duration:  seg.Duration,
			Source:    "realtime",
		}))
	}
}

func (s *Session) transcribe(ctx context.Context, seg *segmenter.Segment) (engine.Result, error) {
	if s.engineTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.engineTimeout)
		defer cancel()
	}

	start := time.Now()
	res, err := s.eng.Transcribe(ctx, engine.Request{
		SegmentID:  seg.ID,
		PCM:        seg.PCM,
		SampleRate: s.source.SampleRate(),
	})
	s.metrics.RecordTranscription(s.eng.Name(), err, time.Since(start).Seconds())
	return res, err
}

// finish runs once the worker drains. It completes either the stop or
// the failure path.
func (s *Session) finish() {
	s.metrics.DecActiveSessions()

	if s.machine.State() == StateError {
		s.doneOnce.Do(func() { close(s.done) })
		return
	}

	s.machine.FinishStop()
	s.bus.Publish(events.New(events.TypeStatusUpdate, events.StatusUpdatePayload{
		SessionID: s.id,
		State:     StateStopped.String(),
	}))
	log.Info().Str("session", s.id).Msg("Session stopped")
	s.doneOnce.Do(func() { close(s.done) })
}

// fail records the error, transitions to the error state and tears the
// pipeline down.
func (s *Session) fail(err error) {
	if !s.machine.Fail() {
		return
	}
	s.failOnce.Do(func() { close(s.fatalCh) })

	s.mu.Lock()
	s.lastErr = err
	s.mu.Unlock()

	log.Error().Err(err).Str("session", s.id).Msg("Session failed")
	s.bus.Publish(events.New(events.TypeError, events.ErrorPayload{
		SessionID: s.id,
		Code:      "session_failed",
		Message:   err.Error(),
		Fatal:     true,
	}))
	s.publishStatus(StateError.String())
}

func (s *Session) publishStatus(msg string) {
	s.bus.Publish(events.New(events.TypeStatusUpdate, events.StatusUpdatePayload{
		SessionID: s.id,
		State:     s.machine.State().String(),
		Message:   msg,
	}))
}
