// Package config loads service configuration from environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// ErrInvalidConfiguration is wrapped by every validation failure so callers
// can fail fast on out-of-range values handed to the core directly.
var ErrInvalidConfiguration = errors.New("invalid configuration")

// ModelSizes lists every model size the engine factory accepts.
var ModelSizes = []string{"tiny", "base", "small", "medium", "large-v3"}

// Devices lists every device selector the engine factory accepts.
var Devices = []string{"auto", "cpu", "cuda"}

// ServiceConfig holds service identity and listener settings.
type ServiceConfig struct {
	Principal string
	HTTPPort  string
}

// RealtimeConfig holds defaults for live microphone sessions.
type RealtimeConfig struct {
	ModelSize      string
	Device         string
	SampleRateHz   int
	BufferDuration time.Duration // max segment window
	VADThreshold   float64
	MinSilence     time.Duration
	MinSpeech      time.Duration
}

// EngineConfig holds transcription engine settings shared by realtime and batch.
type EngineConfig struct {
	Provider            string // stub | google
	LanguageCode        string
	SegmentTimeout      time.Duration
	MaxConsecutiveFails int
}

// BatchConfig holds batch coordinator settings.
type BatchConfig struct {
	MaxWorkers  int
	FileTimeout time.Duration
	OutputDir   string // empty disables transcript file output
}

// MonitorConfig holds folder monitor defaults.
type MonitorConfig struct {
	CheckInterval  time.Duration
	StabilityDelay time.Duration
}

// KafkaConfig holds the optional transcript forwarder settings.
type KafkaConfig struct {
	Enabled    bool
	Brokers    []string
	TopicText  string
	TopicFiles string
	Principal  string
}

// ObservabilityConfig holds logging and metrics settings.
type ObservabilityConfig struct {
	LogLevel    string
	MetricsPort string
}

// Config is the root configuration for the service.
type Config struct {
	Service       ServiceConfig
	Realtime      RealtimeConfig
	Engine        EngineConfig
	Batch         BatchConfig
	Monitor       MonitorConfig
	Kafka         KafkaConfig
	Observability ObservabilityConfig
	SettingsPath  string
}

// Load reads configuration from the environment, falling back to defaults
// on missing or unparsable values.
func Load() *Config {
	principal := envOrDefault("SERVICE_PRINCIPAL", "svc-speech-transcription")

	return &Config{
		Service: ServiceConfig{
			Principal: principal,
			HTTPPort:  envOrDefault("HTTP_PORT", "8080"),
		},
		Realtime: RealtimeConfig{
			ModelSize:      envOrDefault("MODEL_SIZE", "base"),
			Device:         envOrDefault("DEVICE", "auto"),
			SampleRateHz:   envOrDefaultInt("SAMPLE_RATE_HZ", 16000),
			BufferDuration: envOrDefaultDuration("BUFFER_DURATION", 3*time.Second),
			VADThreshold:   envOrDefaultFloat("VAD_THRESHOLD", 0.5),
			MinSilence:     envOrDefaultDuration("MIN_SILENCE_DURATION", 500*time.Millisecond),
			MinSpeech:      envOrDefaultDuration("MIN_SPEECH_DURATION", 300*time.Millisecond),
		},
		Engine: EngineConfig{
			Provider:            envOrDefault("ENGINE_PROVIDER", "stub"),
			LanguageCode:        envOrDefault("ENGINE_LANGUAGE_CODE", "en-US"),
			SegmentTimeout:      envOrDefaultDuration("ENGINE_SEGMENT_TIMEOUT", 30*time.Second),
			MaxConsecutiveFails: envOrDefaultInt("ENGINE_MAX_CONSECUTIVE_TIMEOUTS", 3),
		},
		Batch: BatchConfig{
			MaxWorkers:  envOrDefaultInt("BATCH_MAX_WORKERS", 2),
			FileTimeout: envOrDefaultDuration("BATCH_FILE_TIMEOUT", 10*time.Minute),
			OutputDir:   os.Getenv("BATCH_OUTPUT_DIR"),
		},
		Monitor: MonitorConfig{
			CheckInterval:  envOrDefaultDuration("MONITOR_CHECK_INTERVAL", 10*time.Second),
			StabilityDelay: envOrDefaultDuration("MONITOR_STABILITY_DELAY", time.Second),
		},
		Kafka: KafkaConfig{
			Enabled:    envOrDefaultBool("KAFKA_ENABLED", false),
			Brokers:    splitNonEmpty(os.Getenv("KAFKA_BROKERS")),
			TopicText:  envOrDefault("KAFKA_TOPIC_TEXT", "transcription.text"),
			TopicFiles: envOrDefault("KAFKA_TOPIC_FILES", "transcription.files"),
			Principal:  envOrDefault("KAFKA_PRINCIPAL", principal),
		},
		Observability: ObservabilityConfig{
			LogLevel:    envOrDefault("LOG_LEVEL", "info"),
			MetricsPort: envOrDefault("METRICS_PORT", "9090"),
		},
		SettingsPath: envOrDefault("SETTINGS_PATH", "settings.yaml"),
	}
}

// Validate re-checks ranges and enums. Values normally arrive pre-validated
// from the settings collaborator, but the core fails fast when handed
// out-of-range values directly.
func (c *Config) Validate() error {
	if err := ValidateModelSize(c.Realtime.ModelSize); err != nil {
		return err
	}
	if err := ValidateDevice(c.Realtime.Device); err != nil {
		return err
	}
	if err := ValidateVADThreshold(c.Realtime.VADThreshold); err != nil {
		return err
	}
	if err := ValidateBufferDuration(c.Realtime.BufferDuration); err != nil {
		return err
	}
	if err := ValidateMaxWorkers(c.Batch.MaxWorkers); err != nil {
		return err
	}
	if err := ValidateCheckInterval(c.Monitor.CheckInterval); err != nil {
		return err
	}
	if c.Realtime.SampleRateHz < 8000 || c.Realtime.SampleRateHz > 48000 {
		return fmt.Errorf("%w: sample rate %d outside [8000, 48000]", ErrInvalidConfiguration, c.Realtime.SampleRateHz)
	}
	switch c.Engine.Provider {
	case "stub", "google":
	default:
		return fmt.Errorf("%w: unknown engine provider %q", ErrInvalidConfiguration, c.Engine.Provider)
	}
	return nil
}

// ValidateModelSize checks the model size against the allowed enum.
func ValidateModelSize(size string) error {
	for _, s := range ModelSizes {
		if s == size {
			return nil
		}
	}
	return fmt.Errorf("%w: model size %q not in %v", ErrInvalidConfiguration, size, ModelSizes)
}

// ValidateDevice checks the device selector against the allowed enum.
func ValidateDevice(device string) error {
	for _, d := range Devices {
		if d == device {
			return nil
		}
	}
	return fmt.Errorf("%w: device %q not in %v", ErrInvalidConfiguration, device, Devices)
}

// ValidateVADThreshold checks the threshold is in (0, 1].
func ValidateVADThreshold(t float64) error {
	if t <= 0 || t > 1 {
		return fmt.Errorf("%w: vad threshold %v outside (0, 1]", ErrInvalidConfiguration, t)
	}
	return nil
}

// ValidateBufferDuration checks the segment window is in [1s, 10s].
func ValidateBufferDuration(d time.Duration) error {
	if d < time.Second || d > 10*time.Second {
		return fmt.Errorf("%w: buffer duration %v outside [1s, 10s]", ErrInvalidConfiguration, d)
	}
	return nil
}

// ValidateMaxWorkers checks the batch worker bound is in [1, 32].
func ValidateMaxWorkers(n int) error {
	if n < 1 || n > 32 {
		return fmt.Errorf("%w: max workers %d outside [1, 32]", ErrInvalidConfiguration, n)
	}
	return nil
}

// ValidateCheckInterval checks the monitor poll interval is at least 1s.
func ValidateCheckInterval(d time.Duration) error {
	if d < time.Second {
		return fmt.Errorf("%w: check interval %v below 1s", ErrInvalidConfiguration, d)
	}
	return nil
}

func envOrDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envOrDefaultInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func envOrDefaultFloat(key string, def float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return def
	}
	return f
}

func envOrDefaultBool(key string, def bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(strings.ToLower(v))
	if err != nil {
		return def
	}
	return b
}

func envOrDefaultDuration(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return def
	}
	return d
}

func splitNonEmpty(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
