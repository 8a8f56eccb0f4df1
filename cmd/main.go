package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"

	"speech-transcription-service/internal/api/httpapi"
	"speech-transcription-service/internal/app"
	"speech-transcription-service/internal/config"
	"speech-transcription-service/internal/events"
	"speech-transcription-service/internal/observability"
)

func main() {
	// Local overrides; absence of the file is fine in production.
	_ = godotenv.Load()

	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		log.Fatal().Err(err).Msg("Invalid configuration")
	}

	application, err := app.New(cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to build application")
	}
	if err := application.Start(); err != nil {
		log.Fatal().Err(err).Msg("Failed to start application")
	}

	// Kafka forwarder mirrors transcription events to external topics.
	forwarder := events.NewForwarder(&events.ForwarderConfig{
		Enabled:    cfg.Kafka.Enabled,
		Brokers:    cfg.Kafka.Brokers,
		TopicText:  cfg.Kafka.TopicText,
		TopicFiles: cfg.Kafka.TopicFiles,
		Principal:  cfg.Kafka.Principal,
	})
	unsub := forwarder.Attach(application.Bus)
	defer unsub()
	defer forwarder.Close()

	obsServer := observability.NewServer(":" + cfg.Observability.MetricsPort)
	obsServer.Start()

	apiServer := &http.Server{
		Addr:         ":" + cfg.Service.HTTPPort,
		Handler:      httpapi.NewRouter(application),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 0, // the event stream holds connections open
		IdleTimeout:  60 * time.Second,
	}
	go func() {
		log.Info().Str("addr", apiServer.Addr).Msg("Speech transcription service listening")
		if err := apiServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("HTTP server failed")
		}
	}()
	obsServer.SetReady()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	log.Info().Msg("Shutting down")
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := apiServer.Shutdown(ctx); err != nil {
		log.Error().Err(err).Msg("HTTP server shutdown failed")
	}
	application.Shutdown(ctx)
	if err := obsServer.Shutdown(ctx); err != nil {
		log.Error().Err(err).Msg("Observability server shutdown failed")
	}
}
