// Package events provides the in-process event bus and the Kafka forwarder
// that fans transcription events out to external consumers.
package events

import "time"

// Type identifies an event category on the bus. The set is closed for
// producers in this repo, but consumers must tolerate unknown types.
type Type string

const (
	// TypeProgress reports percent completion of a single transcription.
	TypeProgress Type = "progress"
	// TypeFinished is the terminal marker for a single transcription.
	TypeFinished Type = "finished"
	// TypeTextReady carries committed realtime text.
	TypeTextReady Type = "text_ready"
	// TypeVolumeChanged carries the input level, throttled to 10 Hz.
	TypeVolumeChanged Type = "volume_changed"
	// TypeBatchProgress reports one batch job finishing.
	TypeBatchProgress Type = "batch_progress"
	// TypeFileFinished carries the outcome of one file.
	TypeFileFinished Type = "file_finished"
	// TypeAllFinished summarizes a completed batch.
	TypeAllFinished Type = "all_finished"
	// TypeNewFilesDetected reports folder monitor pickups.
	TypeNewFilesDetected Type = "new_files_detected"
	// TypeStatusUpdate carries session state changes and model load
	// progress.
	TypeStatusUpdate Type = "status_update"
	// TypeError carries recoverable and fatal failures.
	TypeError Type = "error"
)

// Event is the envelope delivered to every subscriber and serialized as
// one JSON object per event on the wire.
type Event struct {
	Type      Type    `json:"type"`
	Data      any     `json:"data"`
	Timestamp float64 `json:"timestamp,omitempty"` // unix seconds
}

// New builds an event stamped with the current time.
func New(t Type, data any) Event {
	return Event{
		Type:      t,
		Data:      data,
		Timestamp: float64(time.Now().UnixNano()) / float64(time.Second),
	}
}

// ProgressPayload reports percent completion in [0, 100].
type ProgressPayload struct {
	Value float64 `json:"value"`
}

// FinishedPayload marks a single transcription complete.
type FinishedPayload struct {
	SessionID string `json:"session_id,omitempty"`
}

// TextReadyPayload carries one committed segment of text.
type TextReadyPayload struct {
	Text      string        `json:"text"`
	SessionID string        `json:"session_id,omitempty"`
	SegmentID string        `json:"segment_id,omitempty"`
	Language  string        `json:"language,omitempty"`
	Duration  time.Duration `json:"duration_ns,omitempty"`
	Source    string        `json:"source,omitempty"` // realtime | batch | monitor
}

// VolumeChangedPayload carries the smoothed input level in [0, 1].
type VolumeChangedPayload struct {
	Level     float64 `json:"level"`
	SessionID string  `json:"session_id,omitempty"`
}

// BatchProgressPayload reports one job finishing within a batch.
type BatchProgressPayload struct {
	Completed int    `json:"completed"`
	Total     int    `json:"total"`
	Filename  string `json:"filename"`
	BatchID   string `json:"batch_id,omitempty"`
}

// FileFinishedPayload carries the outcome of a single file job.
type FileFinishedPayload struct {
	FilePath string        `json:"file_path"`
	Text     string        `json:"text"`
	Success  bool          `json:"success"`
	Error    string        `json:"error,omitempty"`
	BatchID  string        `json:"batch_id,omitempty"`
	Duration time.Duration `json:"duration_ns,omitempty"`
}

// AllFinishedPayload summarizes a completed batch.
type AllFinishedPayload struct {
	SuccessCount int    `json:"success_count"`
	FailedCount  int    `json:"failed_count"`
	BatchID      string `json:"batch_id,omitempty"`
	Cancelled    bool   `json:"cancelled,omitempty"`
}

// NewFilesDetectedPayload reports files picked up by the folder monitor.
type NewFilesDetectedPayload struct {
	Files []string `json:"files"`
}

// StatusUpdatePayload carries state changes and progress messages.
type StatusUpdatePayload struct {
	SessionID string `json:"session_id,omitempty"`
	State     string `json:"state,omitempty"`
	Message   string `json:"message,omitempty"`
}

// ErrorPayload carries pipeline failures. Fatal errors accompany a
// transition into the error state.
type ErrorPayload struct {
	Message   string `json:"message"`
	Code      string `json:"code,omitempty"`
	SessionID string `json:"session_id,omitempty"`
	Fatal     bool   `json:"fatal,omitempty"`
}
