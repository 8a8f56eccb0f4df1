package events

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/segmentio/kafka-go"

	"speech-transcription-service/internal/observability/metrics"
)

// Forwarder mirrors bus events onto Kafka topics for external consumers.
// Transcription text and batch file outcomes go to separate topics.
type Forwarder struct {
	writerText  *kafka.Writer
	writerFiles *kafka.Writer
	principal   string
	topicText   string
	topicFiles  string
	enabled     bool
	metrics     *metrics.Metrics
}

// ForwarderConfig holds Kafka forwarder configuration.
type ForwarderConfig struct {
	Brokers    []string
	TopicText  string
	TopicFiles string
	Principal  string
	Enabled    bool
}

// NewForwarder creates a Kafka forwarder. With Kafka disabled or no brokers
// configured it runs in log-only mode and every publish is a logged no-op.
func NewForwarder(cfg *ForwarderConfig) *Forwarder {
	m := metrics.DefaultMetrics

	if cfg == nil {
		log.Info().Msg("Kafka disabled (nil config), using log-only mode")
		return &Forwarder{enabled: false, metrics: m}
	}

	if !cfg.Enabled || len(cfg.Brokers) == 0 {
		log.Info().Msg("Kafka disabled, using log-only mode")
		return &Forwarder{
			principal:  cfg.Principal,
			topicText:  cfg.TopicText,
			topicFiles: cfg.TopicFiles,
			enabled:    false,
			metrics:    m,
		}
	}

	// Longer dial timeouts for DNS resolution in Kubernetes
	dialer := &kafka.Dialer{
		Timeout:   10 * time.Second,
		DualStack: true,
	}

	transport := &kafka.Transport{
		Dial: dialer.DialFunc,
	}

	writerText := &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        cfg.TopicText,
		Balancer:     &kafka.LeastBytes{},
		BatchTimeout: 10 * time.Millisecond,
		WriteTimeout: 10 * time.Second,
		RequiredAcks: kafka.RequireOne,
		Transport:    transport,
	}

	writerFiles := &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        cfg.TopicFiles,
		Balancer:     &kafka.LeastBytes{},
		BatchTimeout: 10 * time.Millisecond,
		WriteTimeout: 10 * time.Second,
		RequiredAcks: kafka.RequireOne,
		Transport:    transport,
	}

	log.Info().
		Strs("brokers", cfg.Brokers).
		Str("topicText", cfg.TopicText).
		Str("topicFiles", cfg.TopicFiles).
		Str("principal", cfg.Principal).
		Msg("Kafka forwarder initialized")

	return &Forwarder{
		writerText:  writerText,
		writerFiles: writerFiles,
		principal:   cfg.Principal,
		topicText:   cfg.TopicText,
		topicFiles:  cfg.TopicFiles,
		enabled:     true,
		metrics:     m,
	}
}

// forwardQueue bounds events waiting on Kafka delivery. When the broker
// falls behind, the oldest queued event is dropped.
const forwardQueue = 256

// Attach subscribes the forwarder to the bus. Kafka writes happen on a
// drain goroutine behind a drop-oldest queue, so a slow or unreachable
// broker never blocks publishers. Transcription events are keyed by
// session or batch ID so one conversation lands on one partition.
func (f *Forwarder) Attach(bus *Bus) Unsubscribe {
	ch, unsub := bus.SubscribeChan(forwardQueue,
		TypeTextReady, TypeFileFinished, TypeAllFinished)

	stop := make(chan struct{})
	go func() {
		for {
			select {
			case <-stop:
				return
			case ev := <-ch:
				f.forward(ev)
			}
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			unsub()
			close(stop)
		})
	}
}

func (f *Forwarder) forward(ev Event) {
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	switch ev.Type {
	case TypeTextReady:
		key := ""
		if p, ok := ev.Data.(TextReadyPayload); ok {
			key = p.SessionID
			if key == "" {
				key = p.SegmentID
			}
		}
		_ = f.publish(ctx, f.writerText, f.topicText, string(ev.Type), key, ev)
	case TypeFileFinished, TypeAllFinished:
		key := ""
		switch p := ev.Data.(type) {
		case FileFinishedPayload:
			key = p.BatchID
		case AllFinishedPayload:
			key = p.BatchID
		}
		_ = f.publish(ctx, f.writerFiles, f.topicFiles, string(ev.Type), key, ev)
	}
}

func (f *Forwarder) publish(ctx context.Context, writer *kafka.Writer, topic, eventType, key string, event any) error {
	start := time.Now()

	payload, err := json.Marshal(event)
	if err != nil {
		log.Error().Err(err).Str("topic", topic).Msg("Failed to marshal event")
		return err
	}

	log.Debug().
		Str("principal", f.principal).
		Str("topic", topic).
		Str("key", key).
		RawJSON("payload", payload).
		Msg("Publishing event")

	// If Kafka is disabled, just log
	if !f.enabled || writer == nil {
		f.metrics.RecordKafkaPublish(topic, eventType, nil, time.Since(start).Seconds())
		return nil
	}

	msg := kafka.Message{
		Key:   []byte(key),
		Value: payload,
		Headers: []kafka.Header{
			{Key: "eventType", Value: []byte(eventType)},
			{Key: "principal", Value: []byte(f.principal)},
		},
	}

	if err := writer.WriteMessages(ctx, msg); err != nil {
		log.Error().
			Err(err).
			Str("topic", topic).
			Str("key", key).
			Msg("Failed to write to Kafka")
		f.metrics.RecordKafkaPublish(topic, eventType, err, time.Since(start).Seconds())
		return err
	}

	f.metrics.RecordKafkaPublish(topic, eventType, nil, time.Since(start).Seconds())
	return nil
}

// Close closes both Kafka writers.
func (f *Forwarder) Close() error {
	var err error
	if f.writerText != nil {
		if e := f.writerText.Close(); e != nil {
			log.Error().Err(e).Msg("Error closing text writer")
			err = e
		}
	}
	if f.writerFiles != nil {
		if e := f.writerFiles.Close(); e != nil {
			log.Error().Err(e).Msg("Error closing files writer")
			err = e
		}
	}
	return err
}
