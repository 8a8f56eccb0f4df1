// Package monitor polls a folder for new audio files and drives them
// through the transcription engine, remembering what it already handled
// across restarts.
package monitor

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"speech-transcription-service/internal/batch"
	"speech-transcription-service/internal/engine"
	"speech-transcription-service/internal/events"
	"speech-transcription-service/internal/observability/metrics"
)

var (
	ErrAlreadyRunning = errors.New("monitor: already running")
	ErrNotRunning     = errors.New("monitor: not running")
	ErrNotInFolder    = errors.New("monitor: path outside watched folder")
)

const (
	// processedListName is kept inside the watched folder so the list
	// travels with it.
	processedListName = ".processed_files"
	// maxProcessedBytes guards against a corrupt or runaway list file.
	maxProcessedBytes = 50 << 20
	// maxProcessedEntries triggers pruning of entries whose files no
	// longer exist on disk.
	maxProcessedEntries = 50_000
)

// Options configures a Monitor. Engine and Bus are required.
type Options struct {
	FolderPath    string
	CheckInterval time.Duration
	// StabilityDelay is how long a file's size must hold steady before
	// it counts as fully written.
	StabilityDelay time.Duration
	// AutoMove moves handled files into CompletedFolder.
	AutoMove        bool
	CompletedFolder string
	FileTimeout     time.Duration
	Engine          engine.Engine
	Bus             *events.Bus
}

// Status is a point-in-time view of the monitor.
type Status struct {
	IsRunning      bool          `json:"is_running"`
	FolderPath     string        `json:"folder_path,omitempty"`
	CheckInterval  time.Duration `json:"check_interval,omitempty"`
	TotalProcessed int           `json:"total_processed"`
	TotalFailed    int           `json:"total_failed"`
}

// Monitor watches one folder. A stopped monitor can be started again.
type Monitor struct {
	folder         string
	interval       time.Duration
	stabilityDelay time.Duration
	autoMove       bool
	completed      string
	fileTimeout    time.Duration
	eng            engine.Engine
	bus            *events.Bus
	metrics        *metrics.Metrics

	mu        sync.Mutex
	running   bool
	stopCh    chan struct{}
	done      chan struct{}
	processed map[string]struct{}
	succeeded int
	failed    int
}

// New validates the folder and loads the processed-file list.
func New(opts Options) (*Monitor, error) {
	if opts.Engine == nil || opts.Bus == nil {
		return nil, errors.New("monitor: engine and bus are required")
	}
	info, err := os.Stat(opts.FolderPath)
	if err != nil {
		return nil, fmt.Errorf("monitor: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("monitor: %s is not a directory", opts.FolderPath)
	}

	folder, err := filepath.Abs(opts.FolderPath)
	if err != nil {
		return nil, fmt.Errorf("monitor: %w", err)
	}
	interval := opts.CheckInterval
	if interval <= 0 {
		interval = 10 * time.Second
	}
	stability := opts.StabilityDelay
	if stability <= 0 {
		stability = time.Second
	}

	m := &Monitor{
		folder:         folder,
		interval:       interval,
		stabilityDelay: stability,
		autoMove:       opts.AutoMove,
		completed:      opts.CompletedFolder,
		fileTimeout:    opts.FileTimeout,
		eng:            opts.Engine,
		bus:            opts.Bus,
		metrics:        metrics.DefaultMetrics,
		processed:      map[string]struct{}{},
	}
	m.loadProcessed()
	return m, nil
}

// Start launches the scan loop. The first scan happens immediately.
func (m *Monitor) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return ErrAlreadyRunning
	}
	m.running = true
	m.stopCh = make(chan struct{})
	m.done = make(chan struct{})
	stopCh, done := m.stopCh, m.done
	m.mu.Unlock()

	if err := m.eng.Load(ctx); err != nil {
		m.mu.Lock()
		m.running = false
		m.mu.Unlock()
		return fmt.Errorf("monitor: %w", err)
	}

	go m.loop(ctx, stopCh, done)
	log.Info().
		Str("folder", m.folder).
		Dur("interval", m.interval).
		Bool("auto_move", m.autoMove).
		Msg("Folder monitoring started")
	m.publishStatus("monitoring started: " + m.folder)
	return nil
}

// Stop halts the loop and waits for the in-flight scan to finish.
func (m *Monitor) Stop() error {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return ErrNotRunning
	}
	stopCh, done := m.stopCh, m.done
	m.mu.Unlock()

	select {
	case <-stopCh:
	default:
		close(stopCh)
	}
	<-done

	m.mu.Lock()
	m.running = false
	m.mu.Unlock()

	log.Info().Str("folder", m.folder).Msg("Folder monitoring stopped")
	m.publishStatus("monitoring stopped")
	return nil
}

// Status reports the monitor's current state and lifetime counters.
func (m *Monitor) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Status{
		IsRunning:      m.running,
		FolderPath:     m.folder,
		CheckInterval:  m.interval,
		TotalProcessed: m.succeeded,
		TotalFailed:    m.failed,
	}
}

// MarkProcessed records a file as handled without transcribing it. The
// path must live inside the watched folder.
func (m *Monitor) MarkProcessed(path string) error {
	abs, err := m.within(path)
	if err != nil {
		return err
	}
	m.mu.Lock()
	m.processed[abs] = struct{}{}
	m.mu.Unlock()
	m.prune()
	return m.saveProcessed()
}

func (m *Monitor) loop(ctx context.Context, stopCh <-chan struct{}, done chan<- struct{}) {
	defer close(done)

	m.scan(ctx, stopCh)

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		select {
		case <-stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.scan(ctx, stopCh)
		}
	}
}

// scan finds unprocessed ready files, announces them and works through
// them one at a time. Stop takes effect between files.
func (m *Monitor) scan(ctx context.Context, stopCh <-chan struct{}) {
	files := m.unprocessed()
	if len(files) == 0 {
		return
	}

	log.Info().Int("count", len(files)).Str("folder", m.folder).Msg("New files detected")
	m.bus.Publish(events.New(events.TypeNewFilesDetected, events.NewFilesDetectedPayload{Files: files}))
	m.publishStatus(fmt.Sprintf("%d new files detected", len(files)))

	for _, path := range files {
		select {
		case <-stopCh:
			return
		case <-ctx.Done():
			return
		default:
		}
		m.metrics.RecordFileDetected()
		m.process(ctx, path)
	}
}

func (m *Monitor) process(ctx context.Context, path string) {
	start := time.Now()
	res, err := batch.TranscribeFile(ctx, m.eng, path, m.fileTimeout)
	elapsed := time.Since(start)

	if err != nil {
		m.mu.Lock()
		m.failed++
		m.mu.Unlock()
		log.Error().Err(err).Str("path", path).Msg("Monitor transcription failed")
		m.bus.Publish(events.New(events.TypeFileFinished, events.FileFinishedPayload{
			FilePath: path,
			Success:  false,
			Error:    err.Error(),
			Duration: elapsed,
		}))
		// Mark failures processed too, so one broken file does not get
		// retried on every scan.
		if merr := m.MarkProcessed(path); merr != nil {
			log.Error().Err(merr).Str("path", path).Msg("Failed to record processed file")
		}
		return
	}

	if werr := writeTranscript(path, res.Text); werr != nil {
		log.Error().Err(werr).Str("path", path).Msg("Failed to write transcript")
	}
	if merr := m.MarkProcessed(path); merr != nil {
		log.Error().Err(merr).Str("path", path).Msg("Failed to record processed file")
	}

	m.mu.Lock()
	m.succeeded++
	m.mu.Unlock()

	m.bus.Publish(events.New(events.TypeTextReady, events.TextReadyPayload{
		Text:     res.Text,
		Language: res.Language,
		Duration: elapsed,
		Source:   "monitor",
	}))
	m.bus.Publish(events.New(events.TypeFileFinished, events.FileFinishedPayload{
		FilePath: path,
		Text:     res.Text,
		Success:  true,
		Duration: elapsed,
	}))

	if m.autoMove && m.completed != "" {
		if merr := m.moveCompleted(path); merr != nil {
			log.Error().Err(merr).Str("path", path).Msg("Failed to move completed file")
		}
	}
}

// unprocessed lists ready WAV files not yet handled, sorted by name.
func (m *Monitor) unprocessed() []string {
	entries, err := os.ReadDir(m.folder)
	if err != nil {
		log.Error().Err(err).Str("folder", m.folder).Msg("Failed to read watched folder")
		return nil
	}

	var files []string
	for _, e := range entries {
		if e.IsDir() || !strings.EqualFold(filepath.Ext(e.Name()), ".wav") {
			continue
		}
		path := filepath.Join(m.folder, e.Name())
		if m.isProcessed(path) {
			continue
		}
		if !m.fileReady(path) {
			continue
		}
		files = append(files, path)
	}
	sort.Strings(files)
	return files
}

func (m *Monitor) isProcessed(path string) bool {
	if _, err := os.Stat(transcriptPath(path)); err == nil {
		return true
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.processed[path]
	return ok
}

// fileReady rejects files still being copied in: the size must be
// non-zero and unchanged across the stability delay.
func (m *Monitor) fileReady(path string) bool {
	info, err := os.Stat(path)
	if err != nil || info.Size() == 0 {
		return false
	}
	f, err := os.Open(path)
	if err != nil {
		return false
	}
	f.Close()

	time.Sleep(m.stabilityDelay)
	again, err := os.Stat(path)
	if err != nil {
		return false
	}
	return info.Size() == again.Size()
}

func (m *Monitor) moveCompleted(path string) error {
	if err := os.MkdirAll(m.completed, 0o755); err != nil {
		return err
	}
	return os.Rename(path, filepath.Join(m.completed, filepath.Base(path)))
}

func (m *Monitor) within(path string) (string, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", err
	}
	if abs != m.folder && !strings.HasPrefix(abs, m.folder+string(filepath.Separator)) {
		return "", ErrNotInFolder
	}
	return abs, nil
}

func (m *Monitor) loadProcessed() {
	path := filepath.Join(m.folder, processedListName)
	info, err := os.Stat(path)
	if err != nil {
		return
	}
	if info.Size() > maxProcessedBytes {
		log.Error().Int64("bytes", info.Size()).Str("path", path).Msg("Processed file list too large, ignoring")
		return
	}
	f, err := os.Open(path)
	if err != nil {
		log.Error().Err(err).Str("path", path).Msg("Failed to load processed file list")
		return
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	for sc.Scan() {
		if line := strings.TrimSpace(sc.Text()); line != "" {
			m.processed[line] = struct{}{}
		}
	}
	log.Info().Int("count", len(m.processed)).Str("folder", m.folder).Msg("Loaded processed file list")
}

// saveProcessed writes the list atomically via a temp file rename.
func (m *Monitor) saveProcessed() error {
	m.mu.Lock()
	lines := make([]string, 0, len(m.processed))
	for p := range m.processed {
		lines = append(lines, p)
	}
	m.mu.Unlock()
	sort.Strings(lines)

	tmp, err := os.CreateTemp(m.folder, processedListName+".*.tmp")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	w := bufio.NewWriter(tmp)
	for _, line := range lines {
		fmt.Fprintln(w, line)
	}
	if err := w.Flush(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), filepath.Join(m.folder, processedListName))
}

// prune drops entries whose files are gone once the set grows past the
// cap, so the list cannot grow without bound.
func (m *Monitor) prune() {
	m.mu.Lock()
	if len(m.processed) <= maxProcessedEntries {
		m.mu.Unlock()
		return
	}
	before := len(m.processed)
	for p := range m.processed {
		if _, err := os.Stat(p); err != nil {
			delete(m.processed, p)
		}
	}
	after := len(m.processed)
	m.mu.Unlock()
	if before != after {
		log.Info().Int("before", before).Int("after", after).Msg("Pruned processed file list")
	}
}

func (m *Monitor) publishStatus(msg string) {
	m.bus.Publish(events.New(events.TypeStatusUpdate, events.StatusUpdatePayload{Message: msg}))
}

func transcriptPath(audioPath string) string {
	base := strings.TrimSuffix(audioPath, filepath.Ext(audioPath))
	return base + ".txt"
}

// writeTranscript puts the text next to the audio file. The transcript
// doubles as the processed marker once the list file is lost.
func writeTranscript(audioPath, text string) error {
	return os.WriteFile(transcriptPath(audioPath), []byte(text+"\n"), 0o644)
}
