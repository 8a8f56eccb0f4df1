// Package settings is the persisted key-value store behind the settings
// API. Every key has a validator, writes are synchronous and the file is
// replaced atomically.
package settings

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"

	"speech-transcription-service/internal/config"
)

var (
	ErrUnknownKey   = errors.New("settings: unknown key")
	ErrInvalidValue = errors.New("settings: invalid value")
)

// validator checks one candidate value. Numeric values may arrive as
// int, int64 or float64 depending on whether they came from YAML or a
// JSON request body.
type validator func(value any) error

var validators = map[string]validator{
	"model_size": func(v any) error {
		s, ok := v.(string)
		if !ok {
			return fmt.Errorf("%w: model_size must be a string", ErrInvalidValue)
		}
		return config.ValidateModelSize(s)
	},
	"device": func(v any) error {
		s, ok := v.(string)
		if !ok {
			return fmt.Errorf("%w: device must be a string", ErrInvalidValue)
		}
		return config.ValidateDevice(s)
	},
	"language_code": func(v any) error {
		s, ok := v.(string)
		if !ok || s == "" {
			return fmt.Errorf("%w: language_code must be a non-empty string", ErrInvalidValue)
		}
		return nil
	},
	"vad_threshold": func(v any) error {
		f, ok := asFloat(v)
		if !ok {
			return fmt.Errorf("%w: vad_threshold must be a number", ErrInvalidValue)
		}
		return config.ValidateVADThreshold(f)
	},
	"buffer_duration_seconds": func(v any) error {
		f, ok := asFloat(v)
		if !ok {
			return fmt.Errorf("%w: buffer_duration_seconds must be a number", ErrInvalidValue)
		}
		return config.ValidateBufferDuration(time.Duration(f * float64(time.Second)))
	},
	"max_workers": func(v any) error {
		n, ok := asInt(v)
		if !ok {
			return fmt.Errorf("%w: max_workers must be an integer", ErrInvalidValue)
		}
		return config.ValidateMaxWorkers(n)
	},
	"check_interval_seconds": func(v any) error {
		f, ok := asFloat(v)
		if !ok {
			return fmt.Errorf("%w: check_interval_seconds must be a number", ErrInvalidValue)
		}
		return config.ValidateCheckInterval(time.Duration(f * float64(time.Second)))
	},
	"monitored_folder":    stringOrEmpty("monitored_folder"),
	"completed_folder":    stringOrEmpty("completed_folder"),
	"auto_move_completed": boolValue("auto_move_completed"),
}

func stringOrEmpty(key string) validator {
	return func(v any) error {
		if _, ok := v.(string); !ok {
			return fmt.Errorf("%w: %s must be a string", ErrInvalidValue, key)
		}
		return nil
	}
}

func boolValue(key string) validator {
	return func(v any) error {
		if _, ok := v.(bool); !ok {
			return fmt.Errorf("%w: %s must be a boolean", ErrInvalidValue, key)
		}
		return nil
	}
}

func defaults() map[string]any {
	return map[string]any{
		"model_size":              "base",
		"device":                  "auto",
		"language_code":           "en-US",
		"vad_threshold":           0.5,
		"buffer_duration_seconds": 3.0,
		"max_workers":             2,
		"check_interval_seconds":  10.0,
		"monitored_folder":        "",
		"completed_folder":        "",
		"auto_move_completed":     false,
	}
}

// Store holds the settings map and its backing file.
type Store struct {
	path string

	mu     sync.Mutex
	values map[string]any
}

// Open loads the file at path over the defaults. Loaded values that no
// longer validate are dropped with a warning rather than failing the
// whole store. A missing file is not an error.
func Open(path string) (*Store, error) {
	s := &Store{path: path, values: defaults()}

	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return s, nil
	}
	if err != nil {
		return nil, fmt.Errorf("settings: %w", err)
	}

	var loaded map[string]any
	if err := yaml.Unmarshal(data, &loaded); err != nil {
		return nil, fmt.Errorf("settings: parse %s: %w", path, err)
	}

	for key, value := range loaded {
		validate, ok := validators[key]
		if !ok {
			log.Warn().Str("key", key).Msg("Ignoring unknown settings key")
			continue
		}
		if err := validate(value); err != nil {
			log.Warn().Err(err).Str("key", key).Msg("Ignoring invalid persisted setting")
			continue
		}
		s.values[key] = value
	}
	return s, nil
}

// Get returns the current value for key.
func (s *Store) Get(key string) (any, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.values[key]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownKey, key)
	}
	return v, nil
}

// All returns a copy of every setting.
func (s *Store) All() map[string]any {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]any, len(s.values))
	for k, v := range s.values {
		out[k] = v
	}
	return out
}

// Set validates, applies and persists one value. The previous value is
// restored if the write fails.
func (s *Store) Set(key string, value any) error {
	validate, ok := validators[key]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownKey, key)
	}
	if err := validate(value); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	prev := s.values[key]
	s.values[key] = value
	if err := s.save(); err != nil {
		s.values[key] = prev
		return err
	}
	log.Info().Str("key", key).Interface("value", value).Msg("Setting updated")
	return nil
}

// Reset restores the defaults and persists them.
func (s *Store) Reset() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	prev := s.values
	s.values = defaults()
	if err := s.save(); err != nil {
		s.values = prev
		return err
	}
	return nil
}

// save writes the YAML file atomically. Caller holds the lock.
func (s *Store) save() error {
	data, err := yaml.Marshal(s.values)
	if err != nil {
		return fmt.Errorf("settings: %w", err)
	}

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("settings: %w", err)
	}
	tmp, err := os.CreateTemp(dir, filepath.Base(s.path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("settings: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("settings: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("settings: %w", err)
	}
	if err := os.Rename(tmp.Name(), s.path); err != nil {
		return fmt.Errorf("settings: %w", err)
	}
	return nil
}

func asFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	default:
		return 0, false
	}
}

func asInt(v any) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int64:
		return int(n), true
	case float64:
		if n == float64(int(n)) {
			return int(n), true
		}
		return 0, false
	default:
		return 0, false
	}
}
