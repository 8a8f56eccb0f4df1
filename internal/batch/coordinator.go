// Package batch transcribes sets of audio files through a bounded worker
// pool, reporting progress on the event bus.
package batch

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"speech-transcription-service/internal/audio"
	"speech-transcription-service/internal/engine"
	"speech-transcription-service/internal/events"
	"speech-transcription-service/internal/observability/metrics"
)

var (
	// ErrBatchActive is returned by Submit while a batch is running.
	ErrBatchActive = errors.New("batch: another batch is active")
	// ErrNoFiles is returned by Submit for an empty file list.
	ErrNoFiles = errors.New("batch: no files given")
	// ErrUnknownBatch is returned for IDs the coordinator never issued.
	ErrUnknownBatch = errors.New("batch: unknown batch")
)

// JobStatus is the lifecycle of one file job.
type JobStatus string

const (
	JobPending   JobStatus = "pending"
	JobRunning   JobStatus = "running"
	JobDone      JobStatus = "done"
	JobFailed    JobStatus = "failed"
	JobCancelled JobStatus = "cancelled"
)

// Job is the observable state of one file.
type Job struct {
	Path    string        `json:"path"`
	Status  JobStatus     `json:"status"`
	Text    string        `json:"text,omitempty"`
	Error   string        `json:"error,omitempty"`
	Elapsed time.Duration `json:"elapsed_ns,omitempty"`
}

// Snapshot is a point-in-time view of a batch.
type Snapshot struct {
	ID           string `json:"id"`
	Total        int    `json:"total"`
	Completed    int    `json:"completed"`
	SuccessCount int    `json:"success_count"`
	FailedCount  int    `json:"failed_count"`
	Running      bool   `json:"running"`
	Cancelled    bool   `json:"cancelled"`
	Jobs         []Job  `json:"jobs"`
}

type batchState struct {
	id        string
	jobs      []*Job
	cancelled atomic.Bool
	done      chan struct{}

	mu        sync.Mutex
	completed int
	success   int
	failed    int
}

// Coordinator runs at most one batch at a time over a bounded pool of
// workers. Cancellation is checked at job boundaries; the job in flight
// when Cancel arrives is allowed to finish.
type Coordinator struct {
	eng         engine.Engine
	bus         *events.Bus
	metrics     *metrics.Metrics
	maxWorkers  int
	fileTimeout time.Duration
	outputDir   string

	mu      sync.Mutex
	active  *batchState
	history map[string]*batchState
}

// Options configures a coordinator.
type Options struct {
	Engine      engine.Engine
	Bus         *events.Bus
	MaxWorkers  int
	FileTimeout time.Duration
	// OutputDir, when set, receives one "<name>.txt" per transcribed file.
	OutputDir string
}

// New creates a coordinator.
func New(opts Options) (*Coordinator, error) {
	if opts.Engine == nil || opts.Bus == nil {
		return nil, errors.New("batch: engine and bus are required")
	}
	workers := opts.MaxWorkers
	if workers < 1 {
		workers = 1
	}
	return &Coordinator{
		eng:         opts.Engine,
		bus:         opts.Bus,
		metrics:     metrics.DefaultMetrics,
		maxWorkers:  workers,
		fileTimeout: opts.FileTimeout,
		outputDir:   opts.OutputDir,
		history:     make(map[string]*batchState),
	}, nil
}

// Submit starts a batch over the given files and returns its ID. Only
// one batch runs at a time.
func (c *Coordinator) Submit(ctx context.Context, paths []string) (string, error) {
	if len(paths) == 0 {
		return "", ErrNoFiles
	}

	b := &batchState{
		id:   uuid.NewString(),
		done: make(chan struct{}),
	}
	for _, p := range paths {
		b.jobs = append(b.jobs, &Job{Path: p, Status: JobPending})
	}

	c.mu.Lock()
	if c.active != nil {
		c.mu.Unlock()
		return "", ErrBatchActive
	}
	c.active = b
	c.history[b.id] = b
	c.mu.Unlock()

	c.metrics.RecordBatchSubmitted()
	log.Info().Str("batch", b.id).Int("files", len(paths)).Msg("Batch submitted")

	go c.run(ctx, b)
	return b.id, nil
}

// Cancel flags the batch; pending jobs finish as cancelled. No-op if the
// batch already completed.
func (c *Coordinator) Cancel(id string) error {
	c.mu.Lock()
	b, ok := c.history[id]
	c.mu.Unlock()
	if !ok {
		return ErrUnknownBatch
	}
	if b.cancelled.CompareAndSwap(false, true) {
		log.Info().Str("batch", id).Msg("Batch cancelled")
	}
	return nil
}

// Status returns a snapshot of the batch.
func (c *Coordinator) Status(id string) (Snapshot, error) {
	c.mu.Lock()
	b, ok := c.history[id]
	active := c.active == b
	c.mu.Unlock()
	if !ok {
		return Snapshot{}, ErrUnknownBatch
	}
	return b.snapshot(active), nil
}

// Active returns the running batch's snapshot, if any.
func (c *Coordinator) Active() (Snapshot, bool) {
	c.mu.Lock()
	b := c.active
	c.mu.Unlock()
	if b == nil {
		return Snapshot{}, false
	}
	return b.snapshot(true), true
}

// Wait blocks until the batch completes or ctx expires.
func (c *Coordinator) Wait(ctx context.Context, id string) error {
	c.mu.Lock()
	b, ok := c.history[id]
	c.mu.Unlock()
	if !ok {
		return ErrUnknownBatch
	}
	select {
	case <-b.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Coordinator) run(ctx context.Context, b *batchState) {
	defer func() {
		c.mu.Lock()
		c.active = nil
		c.mu.Unlock()
		close(b.done)
	}()

	if err := c.eng.Load(ctx); err != nil {
		// Without a model every job fails the same way.
		for _, job := range b.jobs {
			c.finishJob(b, job, JobFailed, "", err.Error(), 0)
		}
		c.publishSummary(b)
		return
	}

	jobs := make(chan *Job)
	var wg sync.WaitGroup

	workers := c.maxWorkers
	if workers > len(b.jobs) {
		workers = len(b.jobs)
	}
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for job := range jobs {
				c.process(ctx, b, job)
			}
		}()
	}

	for _, job := range b.jobs {
		jobs <- job
	}
	close(jobs)
	wg.Wait()

	c.publishSummary(b)
}

func (c *Coordinator) process(ctx context.Context, b *batchState, job *Job) {
	if b.cancelled.Load() {
		c.finishJob(b, job, JobCancelled, "", "batch cancelled", 0)
		return
	}

	b.mu.Lock()
	job.Status = JobRunning
	b.mu.Unlock()

	start := time.Now()
	res, err := TranscribeFile(ctx, c.eng, job.Path, c.fileTimeout)
	elapsed := time.Since(start)

	if err != nil {
		c.finishJob(b, job, JobFailed, "", err.Error(), elapsed)
		return
	}

	if c.outputDir != "" {
		if werr := c.writeTranscript(job.Path, res.Text); werr != nil {
			log.Error().Err(werr).Str("path", job.Path).Msg("Failed to write transcript")
		}
	}
	c.finishJob(b, job, JobDone, res.Text, "", elapsed)
}

func (c *Coordinator) finishJob(b *batchState, job *Job, status JobStatus, text, errMsg string, elapsed time.Duration) {
	b.mu.Lock()
	job.Status = status
	job.Text = text
	job.Error = errMsg
	job.Elapsed = elapsed
	b.completed++
	if status == JobDone {
		b.success++
	} else {
		b.failed++
	}
	completed, total := b.completed, len(b.jobs)
	b.mu.Unlock()

	c.metrics.RecordBatchJob(string(status), elapsed.Seconds())

	c.bus.Publish(events.New(events.TypeFileFinished, events.FileFinishedPayload{
		BatchID:  b.id,
		FilePath: job.Path,
		Text:     text,
		Error:    errMsg,
		Success:  status == JobDone,
		Duration: elapsed,
	}))
	c.bus.Publish(events.New(events.TypeBatchProgress, events.BatchProgressPayload{
		BatchID:   b.id,
		Filename:  filepath.Base(job.Path),
		Completed: completed,
		Total:     total,
	}))
}

func (c *Coordinator) publishSummary(b *batchState) {
	b.mu.Lock()
	success, failed := b.success, b.failed
	b.mu.Unlock()

	c.bus.Publish(events.New(events.TypeAllFinished, events.AllFinishedPayload{
		BatchID:      b.id,
		SuccessCount: success,
		FailedCount:  failed,
		Cancelled:    b.cancelled.Load(),
	}))
	log.Info().
		Str("batch", b.id).
		Int("success", success).
		Int("failed", failed).
		Bool("cancelled", b.cancelled.Load()).
		Msg("Batch finished")
}

func (c *Coordinator) writeTranscript(audioPath, text string) error {
	if err := os.MkdirAll(c.outputDir, 0o755); err != nil {
		return err
	}
	base := strings.TrimSuffix(filepath.Base(audioPath), filepath.Ext(audioPath))
	out := filepath.Join(c.outputDir, base+".txt")
	return os.WriteFile(out, []byte(text+"\n"), 0o644)
}

func (b *batchState) snapshot(active bool) Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()

	jobs := make([]Job, len(b.jobs))
	for i, j := range b.jobs {
		jobs[i] = *j
	}
	return Snapshot{
		ID:           b.id,
		Total:        len(b.jobs),
		Completed:    b.completed,
		SuccessCount: b.success,
		FailedCount:  b.failed,
		Running:      active,
		Cancelled:    b.cancelled.Load(),
		Jobs:         jobs,
	}
}

// TranscribeFile decodes one audio file and runs it through the engine.
// Shared by batch workers, the folder monitor and the single-file API.
func (c *Coordinator) TranscribeFile(ctx context.Context, path string) (engine.Result, error) {
	if err := c.eng.Load(ctx); err != nil {
		return engine.Result{}, err
	}
	return TranscribeFile(ctx, c.eng, path, c.fileTimeout)
}

// TranscribeFile decodes the WAV file at path and transcribes it as one
// segment, bounded by timeout when non-zero.
func TranscribeFile(ctx context.Context, eng engine.Engine, path string, timeout time.Duration) (engine.Result, error) {
	pcm, rate, err := audio.DecodeFile(path)
	if err != nil {
		return engine.Result{}, fmt.Errorf("decode %s: %w", filepath.Base(path), err)
	}

	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	return eng.Transcribe(ctx, engine.Request{
		SegmentID:  filepath.Base(path),
		PCM:        pcm,
		SampleRate: rate,
	})
}
