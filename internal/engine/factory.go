package engine

import (
	"fmt"

	"github.com/rs/zerolog/log"

	"speech-transcription-service/internal/config"
)

// New builds an engine from configuration. The device selector is
// validated here even though the stub and google engines ignore it, so a
// bad setting fails at startup rather than mid-session.
func New(cfg config.EngineConfig, rt config.RealtimeConfig) (Engine, error) {
	if err := config.ValidateDevice(rt.Device); err != nil {
		return nil, fmt.Errorf("%w: device %q", ErrUnsupportedModel, rt.Device)
	}

	switch cfg.Provider {
	case "stub":
		return NewStub(rt.ModelSize, cfg.LanguageCode)
	case "google":
		if err := config.ValidateModelSize(rt.ModelSize); err != nil {
			return nil, fmt.Errorf("%w: size %q", ErrUnsupportedModel, rt.ModelSize)
		}
		return NewGoogle(cfg.LanguageCode), nil
	default:
		log.Warn().Str("provider", cfg.Provider).Msg("Unknown engine provider")
		return nil, fmt.Errorf("%w: provider %q", ErrUnsupportedModel, cfg.Provider)
	}
}
