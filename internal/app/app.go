// Package app holds process-wide state and owns the live handles for
// the realtime session, the batch coordinator and the folder monitor.
// All control-surface conflict checks (one session, one batch, one
// monitor) live here behind a single mutex.
package app

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"speech-transcription-service/internal/audio"
	"speech-transcription-service/internal/batch"
	"speech-transcription-service/internal/config"
	"speech-transcription-service/internal/engine"
	"speech-transcription-service/internal/events"
	"speech-transcription-service/internal/monitor"
	"speech-transcription-service/internal/observability/logging"
	"speech-transcription-service/internal/session"
	"speech-transcription-service/internal/settings"
	"speech-transcription-service/internal/vad"
)

var (
	// ErrSessionActive is returned when a realtime start races an
	// existing live session.
	ErrSessionActive = errors.New("app: realtime session already running")
	// ErrNoSession is returned by control calls without a live session.
	ErrNoSession = errors.New("app: no realtime session")
	// ErrMonitorActive is returned when a monitor start is attempted
	// while one is running.
	ErrMonitorActive = errors.New("app: folder monitor already running")
	// ErrEngineBusy is returned by single-file transcriptions while a
	// batch holds the engine.
	ErrEngineBusy = errors.New("app: engine busy")
)

// EngineFactory builds an engine for the requested model size and
// device. Empty strings fall back to the configured defaults.
type EngineFactory func(modelSize, device string) (engine.Engine, error)

// SourceFactory opens the live audio input.
type SourceFactory func() (audio.Source, error)

// Application is the process-wide context shared by every transport.
type Application struct {
	StartupTime time.Time
	Logger      zerolog.Logger
	Cfg         *config.Config
	Bus         *events.Bus
	Settings    *settings.Store

	// NewEngine and NewSource are replaceable for tests.
	NewEngine EngineFactory
	NewSource SourceFactory

	mu        sync.Mutex
	sess      *session.Session
	sessModel string
	batch     *batch.Coordinator
	monitor   *monitor.Monitor
}

// New constructs the application, wiring the bus and the settings store.
func New(cfg *config.Config) (*Application, error) {
	a := &Application{
		Cfg: cfg,
		Bus: events.NewBus(),
	}
	a.setupLogger()

	store, err := settings.Open(cfg.SettingsPath)
	if err != nil {
		return nil, err
	}
	a.Settings = store

	a.NewEngine = func(modelSize, device string) (engine.Engine, error) {
		rt := cfg.Realtime
		if modelSize != "" {
			rt.ModelSize = modelSize
		}
		if device != "" {
			rt.Device = device
		}
		return engine.New(cfg.Engine, rt)
	}
	a.NewSource = func() (audio.Source, error) {
		return audio.NewMicSource(cfg.Realtime.SampleRateHz), nil
	}

	a.Logger.Info().Msg("Speech transcription service application created")
	return a, nil
}

// setupLogger configures zerolog for the service.
func (a *Application) setupLogger() {
	cfg := logging.DefaultConfig()
	if lvl := a.Cfg.Observability.LogLevel; lvl != "" {
		cfg.Level = strings.ToLower(lvl)
	}
	if os.Getenv("ENV") == "dev" {
		cfg.Format = "console"
	}
	logging.Init(cfg)

	a.Logger = log.With().
		Str("service", "speech-transcription-service").
		Logger()
	log.Logger = a.Logger

	a.Logger.Info().
		Str("logLevel", cfg.Level).
		Str("environment", os.Getenv("ENV")).
		Msg("Logger setup completed")
}

// Start records the startup time.
func (a *Application) Start() error {
	a.StartupTime = time.Now().UTC()
	a.Logger.Info().
		Time("startupTime", a.StartupTime).
		Msg("Speech transcription service starting")
	return nil
}

// Shutdown stops whatever is still running, best effort.
func (a *Application) Shutdown(ctx context.Context) {
	a.Logger.Info().Msg("Speech transcription service shutting down")

	if err := a.StopMonitor(); err != nil && !errors.Is(err, monitor.ErrNotRunning) {
		a.Logger.Error().Err(err).Msg("Monitor shutdown failed")
	}
	a.CancelBatch()
	if err := a.StopRealtime(ctx); err != nil && !errors.Is(err, ErrNoSession) {
		a.Logger.Error().Err(err).Msg("Session shutdown failed")
	}
}

// RealtimeParams are the per-start overrides for a live session. Zero
// values fall back to the configured defaults.
type RealtimeParams struct {
	ModelSize      string
	Device         string
	BufferDuration time.Duration
	VADThreshold   float64
}

// RealtimeStatus mirrors the realtime status response.
type RealtimeStatus struct {
	IsRunning bool   `json:"is_running"`
	IsPaused  bool   `json:"is_paused"`
	ModelSize string `json:"model_size,omitempty"`
	SessionID string `json:"session_id,omitempty"`
}

// StartRealtime opens the audio source and launches a session. At most
// one session is live at a time.
func (a *Application) StartRealtime(ctx context.Context, p RealtimeParams) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.sess != nil && !a.sess.State().IsTerminal() {
		return "", ErrSessionActive
	}

	rt := a.Cfg.Realtime
	if p.ModelSize != "" {
		if err := config.ValidateModelSize(p.ModelSize); err != nil {
			return "", err
		}
		rt.ModelSize = p.ModelSize
	}
	if p.Device != "" {
		if err := config.ValidateDevice(p.Device); err != nil {
			return "", err
		}
		rt.Device = p.Device
	}
	if p.BufferDuration != 0 {
		if err := config.ValidateBufferDuration(p.BufferDuration); err != nil {
			return "", err
		}
		rt.BufferDuration = p.BufferDuration
	}
	if p.VADThreshold != 0 {
		if err := config.ValidateVADThreshold(p.VADThreshold); err != nil {
			return "", err
		}
		rt.VADThreshold = p.VADThreshold
	}

	eng, err := a.NewEngine(rt.ModelSize, p.Device)
	if err != nil {
		return "", err
	}
	src, err := a.NewSource()
	if err != nil {
		return "", fmt.Errorf("app: open audio source: %w", err)
	}
	det, err := vad.NewAdaptive(rt.VADThreshold)
	if err != nil {
		return "", err
	}

	sess, err := session.New(session.Options{
		Source:                 src,
		Detector:               det,
		Engine:                 eng,
		Bus:                    a.Bus,
		Realtime:               rt,
		EngineTimeout:          a.Cfg.Engine.SegmentTimeout,
		MaxConsecutiveTimeouts: a.Cfg.Engine.MaxConsecutiveFails,
	})
	if err != nil {
		return "", err
	}
	if err := sess.Start(ctx); err != nil {
		return "", err
	}

	a.sess = sess
	a.sessModel = rt.ModelSize
	return sess.ID(), nil
}

func (a *Application) liveSession() (*session.Session, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.sess == nil || a.sess.State().IsTerminal() {
		return nil, ErrNoSession
	}
	return a.sess, nil
}

// StopRealtime drains and stops the live session.
func (a *Application) StopRealtime(ctx context.Context) error {
	sess, err := a.liveSession()
	if err != nil {
		return err
	}
	return sess.Stop(ctx)
}

// PauseRealtime pauses the live session.
func (a *Application) PauseRealtime() error {
	sess, err := a.liveSession()
	if err != nil {
		return err
	}
	return sess.Pause()
}

// ResumeRealtime resumes the live session.
func (a *Application) ResumeRealtime() error {
	sess, err := a.liveSession()
	if err != nil {
		return err
	}
	return sess.Resume()
}

// Realtime reports the live session status.
func (a *Application) Realtime() RealtimeStatus {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.sess == nil {
		return RealtimeStatus{}
	}
	st := a.sess.State()
	if st.IsTerminal() {
		return RealtimeStatus{ModelSize: a.sessModel}
	}
	return RealtimeStatus{
		IsRunning: true,
		IsPaused:  st == session.StatePaused,
		ModelSize: a.sessModel,
		SessionID: a.sess.ID(),
	}
}

// StartBatch launches a batch over the given files. A fresh coordinator
// is built per batch so the worker bound can vary per request, but only
// one batch runs at a time.
func (a *Application) StartBatch(ctx context.Context, paths []string, maxWorkers int) (string, int, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.batch != nil {
		if _, active := a.batch.Active(); active {
			return "", 0, batch.ErrBatchActive
		}
	}

	workers := maxWorkers
	if workers <= 0 {
		workers = a.Cfg.Batch.MaxWorkers
	}
	if err := config.ValidateMaxWorkers(workers); err != nil {
		return "", 0, err
	}

	eng, err := a.NewEngine("", "")
	if err != nil {
		return "", 0, err
	}
	c, err := batch.New(batch.Options{
		Engine:      eng,
		Bus:         a.Bus,
		MaxWorkers:  workers,
		FileTimeout: a.Cfg.Batch.FileTimeout,
		OutputDir:   a.Cfg.Batch.OutputDir,
	})
	if err != nil {
		return "", 0, err
	}
	id, err := c.Submit(ctx, paths)
	if err != nil {
		return "", 0, err
	}
	a.batch = c
	return id, len(paths), nil
}

// CancelBatch cancels the active batch, if any. Reports whether a
// cancellation was issued.
func (a *Application) CancelBatch() bool {
	a.mu.Lock()
	c := a.batch
	a.mu.Unlock()
	if c == nil {
		return false
	}
	snap, active := c.Active()
	if !active {
		return false
	}
	return c.Cancel(snap.ID) == nil
}

// BatchStatus reports the active or most recent batch.
func (a *Application) BatchStatus() (batch.Snapshot, bool) {
	a.mu.Lock()
	c := a.batch
	a.mu.Unlock()
	if c == nil {
		return batch.Snapshot{}, false
	}
	if snap, active := c.Active(); active {
		return snap, true
	}
	return batch.Snapshot{}, false
}

// TranscribeFile runs one file through the engine, refusing while a
// batch is active.
func (a *Application) TranscribeFile(ctx context.Context, path string) (engine.Result, error) {
	a.mu.Lock()
	if a.batch != nil {
		if _, active := a.batch.Active(); active {
			a.mu.Unlock()
			return engine.Result{}, ErrEngineBusy
		}
	}
	a.mu.Unlock()

	eng, err := a.NewEngine("", "")
	if err != nil {
		return engine.Result{}, err
	}
	if err := eng.Load(ctx); err != nil {
		return engine.Result{}, err
	}
	a.Bus.Publish(events.New(events.TypeProgress, events.ProgressPayload{Value: 0}))
	res, err := batch.TranscribeFile(ctx, eng, path, a.Cfg.Batch.FileTimeout)
	if err != nil {
		return engine.Result{}, err
	}
	a.Bus.Publish(events.New(events.TypeProgress, events.ProgressPayload{Value: 100}))
	a.Bus.Publish(events.New(events.TypeFinished, events.FinishedPayload{}))
	return res, nil
}

// MonitorParams configure a folder monitor start.
type MonitorParams struct {
	FolderPath      string
	CheckInterval   time.Duration
	AutoMove        bool
	CompletedFolder string
}

// StartMonitor launches the folder monitor. At most one runs at a time.
func (a *Application) StartMonitor(ctx context.Context, p MonitorParams) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.monitor != nil && a.monitor.Status().IsRunning {
		return ErrMonitorActive
	}

	interval := p.CheckInterval
	if interval == 0 {
		interval = a.Cfg.Monitor.CheckInterval
	}
	if err := config.ValidateCheckInterval(interval); err != nil {
		return err
	}

	eng, err := a.NewEngine("", "")
	if err != nil {
		return err
	}
	m, err := monitor.New(monitor.Options{
		FolderPath:      p.FolderPath,
		CheckInterval:   interval,
		StabilityDelay:  a.Cfg.Monitor.StabilityDelay,
		AutoMove:        p.AutoMove,
		CompletedFolder: p.CompletedFolder,
		FileTimeout:     a.Cfg.Batch.FileTimeout,
		Engine:          eng,
		Bus:             a.Bus,
	})
	if err != nil {
		return err
	}
	if err := m.Start(ctx); err != nil {
		return err
	}
	a.monitor = m
	return nil
}

// StopMonitor halts the folder monitor.
func (a *Application) StopMonitor() error {
	a.mu.Lock()
	m := a.monitor
	a.mu.Unlock()
	if m == nil {
		return monitor.ErrNotRunning
	}
	return m.Stop()
}

// MonitorStatus reports the monitor state.
func (a *Application) MonitorStatus() monitor.Status {
	a.mu.Lock()
	m := a.monitor
	a.mu.Unlock()
	if m == nil {
		return monitor.Status{}
	}
	return m.Status()
}
