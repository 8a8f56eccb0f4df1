// Package httpapi exposes the control surface: realtime session
// control, batch and single-file transcription, folder monitoring,
// settings and the WebSocket event stream.
package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"os"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog/log"

	"speech-transcription-service/internal/app"
	"speech-transcription-service/internal/batch"
	"speech-transcription-service/internal/config"
	"speech-transcription-service/internal/engine"
	"speech-transcription-service/internal/monitor"
	"speech-transcription-service/internal/observability/metrics"
	"speech-transcription-service/internal/session"
	"speech-transcription-service/internal/settings"
)

// NewRouter constructs the HTTP router for the service.
func NewRouter(application *app.Application) http.Handler {
	h := &handlers{app: application}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(requestMetrics)

	r.Get("/v1/liveness", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Get("/v1/readiness", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
	})

	r.Route("/v1", func(r chi.Router) {
		r.Route("/realtime", func(r chi.Router) {
			r.Post("/start", h.realtimeStart)
			r.Post("/stop", h.realtimeStop)
			r.Post("/pause", h.realtimePause)
			r.Post("/resume", h.realtimeResume)
			r.Get("/status", h.realtimeStatus)
		})
		r.Post("/transcribe", h.transcribe)
		r.Route("/batch", func(r chi.Router) {
			r.Post("/start", h.batchStart)
			r.Post("/cancel", h.batchCancel)
			r.Get("/status", h.batchStatus)
		})
		r.Route("/monitor", func(r chi.Router) {
			r.Post("/start", h.monitorStart)
			r.Post("/stop", h.monitorStop)
			r.Get("/status", h.monitorStatus)
		})
		r.Get("/settings", h.settingsGet)
		r.Put("/settings", h.settingsPut)
		r.Get("/events", h.events)
	})

	return r
}

type handlers struct {
	app *app.Application
}

// requestMetrics records per-route counts and latency.
func requestMetrics(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		route := chi.RouteContext(r.Context()).RoutePattern()
		if route == "" {
			route = r.URL.Path
		}
		metrics.DefaultMetrics.RecordHTTPRequest(route, ww.Status(), time.Since(start).Seconds())
	})
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

type messageResponse struct {
	Message string `json:"message"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Msg("Failed to encode response")
	}
}

// writeError maps sentinel errors onto HTTP statuses.
func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	code := "internal"
	switch {
	case errors.Is(err, app.ErrSessionActive),
		errors.Is(err, app.ErrMonitorActive),
		errors.Is(err, app.ErrEngineBusy),
		errors.Is(err, batch.ErrBatchActive),
		errors.Is(err, monitor.ErrAlreadyRunning),
		errors.Is(err, session.ErrInvalidState):
		status, code = http.StatusConflict, "conflict"
	case errors.Is(err, app.ErrNoSession), errors.Is(err, monitor.ErrNotRunning):
		status, code = http.StatusConflict, "not_running"
	case errors.Is(err, config.ErrInvalidConfiguration),
		errors.Is(err, settings.ErrUnknownKey),
		errors.Is(err, settings.ErrInvalidValue),
		errors.Is(err, batch.ErrNoFiles),
		errors.Is(err, monitor.ErrNotInFolder):
		status, code = http.StatusBadRequest, "invalid_request"
	case errors.Is(err, os.ErrNotExist):
		status, code = http.StatusNotFound, "not_found"
	case errors.Is(err, engine.ErrTimeout):
		status, code = http.StatusGatewayTimeout, "timeout"
	}
	writeJSON(w, status, errorResponse{Error: err.Error(), Code: code})
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid JSON body", Code: "invalid_request"})
		return false
	}
	return true
}

type realtimeStartRequest struct {
	ModelSize      string  `json:"model_size,omitempty"`
	Device         string  `json:"device,omitempty"`
	BufferDuration float64 `json:"buffer_duration,omitempty"` // seconds
	VADThreshold   float64 `json:"vad_threshold,omitempty"`
}

func (h *handlers) realtimeStart(w http.ResponseWriter, r *http.Request) {
	var req realtimeStartRequest
	if !decode(w, r, &req) {
		return
	}

	id, err := h.app.StartRealtime(r.Context(), app.RealtimeParams{
		ModelSize:      req.ModelSize,
		Device:         req.Device,
		BufferDuration: time.Duration(req.BufferDuration * float64(time.Second)),
		VADThreshold:   req.VADThreshold,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"session_id": id})
}

func (h *handlers) realtimeStop(w http.ResponseWriter, r *http.Request) {
	if err := h.app.StopRealtime(r.Context()); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, messageResponse{Message: "session stopped"})
}

func (h *handlers) realtimePause(w http.ResponseWriter, r *http.Request) {
	if err := h.app.PauseRealtime(); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, messageResponse{Message: "session paused"})
}

func (h *handlers) realtimeResume(w http.ResponseWriter, r *http.Request) {
	if err := h.app.ResumeRealtime(); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, messageResponse{Message: "session resumed"})
}

func (h *handlers) realtimeStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, h.app.Realtime())
}

type transcribeRequest struct {
	FilePath string `json:"file_path"`
}

type transcribeResponse struct {
	Text       string  `json:"text"`
	Language   string  `json:"language,omitempty"`
	Confidence float64 `json:"confidence,omitempty"`
}

func (h *handlers) transcribe(w http.ResponseWriter, r *http.Request) {
	var req transcribeRequest
	if !decode(w, r, &req) {
		return
	}
	if req.FilePath == "" {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "file_path is required", Code: "invalid_request"})
		return
	}

	res, err := h.app.TranscribeFile(r.Context(), req.FilePath)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, transcribeResponse{
		Text:       res.Text,
		Language:   res.Language,
		Confidence: res.Confidence,
	})
}

type batchStartRequest struct {
	FilePaths  []string `json:"file_paths"`
	MaxWorkers int      `json:"max_workers,omitempty"`
}

type batchStartResponse struct {
	BatchID    string `json:"batch_id"`
	TotalFiles int    `json:"total_files"`
}

func (h *handlers) batchStart(w http.ResponseWriter, r *http.Request) {
	var req batchStartRequest
	if !decode(w, r, &req) {
		return
	}

	id, total, err := h.app.StartBatch(r.Context(), req.FilePaths, req.MaxWorkers)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, batchStartResponse{BatchID: id, TotalFiles: total})
}

func (h *handlers) batchCancel(w http.ResponseWriter, _ *http.Request) {
	if h.app.CancelBatch() {
		writeJSON(w, http.StatusOK, messageResponse{Message: "batch cancelled"})
		return
	}
	writeJSON(w, http.StatusOK, messageResponse{Message: "no active batch"})
}

func (h *handlers) batchStatus(w http.ResponseWriter, _ *http.Request) {
	snap, active := h.app.BatchStatus()
	if !active {
		writeJSON(w, http.StatusOK, map[string]bool{"running": false})
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

type monitorStartRequest struct {
	FolderPath      string  `json:"folder_path"`
	CheckInterval   float64 `json:"check_interval,omitempty"` // seconds
	AutoMove        bool    `json:"auto_move,omitempty"`
	CompletedFolder string  `json:"completed_folder,omitempty"`
}

func (h *handlers) monitorStart(w http.ResponseWriter, r *http.Request) {
	var req monitorStartRequest
	if !decode(w, r, &req) {
		return
	}
	if req.FolderPath == "" {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "folder_path is required", Code: "invalid_request"})
		return
	}

	err := h.app.StartMonitor(r.Context(), app.MonitorParams{
		FolderPath:      req.FolderPath,
		CheckInterval:   time.Duration(req.CheckInterval * float64(time.Second)),
		AutoMove:        req.AutoMove,
		CompletedFolder: req.CompletedFolder,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, messageResponse{Message: "monitoring started"})
}

func (h *handlers) monitorStop(w http.ResponseWriter, _ *http.Request) {
	if err := h.app.StopMonitor(); err != nil {
		if errors.Is(err, monitor.ErrNotRunning) {
			writeJSON(w, http.StatusOK, messageResponse{Message: "no monitor running"})
			return
		}
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, messageResponse{Message: "monitoring stopped"})
}

type monitorStatusResponse struct {
	IsRunning      bool    `json:"is_running"`
	FolderPath     string  `json:"folder_path,omitempty"`
	CheckInterval  float64 `json:"check_interval,omitempty"` // seconds
	TotalProcessed int     `json:"total_processed"`
	TotalFailed    int     `json:"total_failed"`
}

func (h *handlers) monitorStatus(w http.ResponseWriter, _ *http.Request) {
	st := h.app.MonitorStatus()
	writeJSON(w, http.StatusOK, monitorStatusResponse{
		IsRunning:      st.IsRunning,
		FolderPath:     st.FolderPath,
		CheckInterval:  st.CheckInterval.Seconds(),
		TotalProcessed: st.TotalProcessed,
		TotalFailed:    st.TotalFailed,
	})
}

func (h *handlers) settingsGet(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, h.app.Settings.All())
}

// settingsPut applies a partial update one key at a time. The first
// invalid key rejects the request; keys applied before it stay set.
func (h *handlers) settingsPut(w http.ResponseWriter, r *http.Request) {
	var req map[string]any
	if !decode(w, r, &req) {
		return
	}
	if len(req) == 0 {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "no settings given", Code: "invalid_request"})
		return
	}

	for key, value := range req {
		if err := h.app.Settings.Set(key, value); err != nil {
			writeError(w, err)
			return
		}
	}
	writeJSON(w, http.StatusOK, h.app.Settings.All())
}
