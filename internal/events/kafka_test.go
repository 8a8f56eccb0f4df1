package events

import (
	"context"
	"io"
	"net"
	"testing"
	"time"
)

func TestNewForwarder_DisabledMode(t *testing.T) {
	tests := []struct {
		name string
		cfg  *ForwarderConfig
	}{
		{"nil config", nil},
		{"disabled", &ForwarderConfig{Enabled: false, Brokers: []string{"localhost:9092"}}},
		{"no brokers", &ForwarderConfig{Enabled: true, Brokers: []string{}}},
		{"empty brokers", &ForwarderConfig{Enabled: true, Brokers: nil}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := NewForwarder(tt.cfg)
			if f == nil {
				t.Fatal("expected non-nil forwarder")
			}
			if f.enabled {
				t.Error("expected forwarder to be disabled")
			}
			if f.writerText != nil {
				t.Error("expected nil text writer when disabled")
			}
			if f.writerFiles != nil {
				t.Error("expected nil files writer when disabled")
			}
		})
	}
}

func TestNewForwarder_ConfigValues(t *testing.T) {
	cfg := &ForwarderConfig{
		Enabled:    false,
		Brokers:    []string{"localhost:9092"},
		TopicText:  "test.text",
		TopicFiles: "test.files",
		Principal:  "test-principal",
	}

	f := NewForwarder(cfg)

	if f.principal != "test-principal" {
		t.Errorf("expected principal 'test-principal', got %s", f.principal)
	}
	if f.topicText != "test.text" {
		t.Errorf("expected topic text 'test.text', got %s", f.topicText)
	}
	if f.topicFiles != "test.files" {
		t.Errorf("expected topic files 'test.files', got %s", f.topicFiles)
	}
}

func TestForwarder_Publish_Disabled(t *testing.T) {
	f := NewForwarder(&ForwarderConfig{Enabled: false})

	ev := New(TypeTextReady, TextReadyPayload{SegmentID: "seg-1", Text: "hello"})
	err := f.publish(context.Background(), f.writerText, f.topicText, string(ev.Type), "seg-1", ev)

	if err != nil {
		t.Errorf("expected no error when disabled, got %v", err)
	}
}

func TestForwarder_Publish_InvalidJSON(t *testing.T) {
	f := NewForwarder(&ForwarderConfig{Enabled: false})

	// Create an unmarshalable value (channel)
	event := make(chan int)
	err := f.publish(context.Background(), f.writerText, f.topicText, "transcription", "key", event)

	if err == nil {
		t.Error("expected error for unmarshalable event")
	}
}

func TestForwarder_Attach_ForwardsTranscription(t *testing.T) {
	bus := NewBus()
	f := NewForwarder(&ForwarderConfig{Enabled: false, TopicText: "test.text"})
	unsub := f.Attach(bus)
	defer unsub()

	if bus.SubscriberCount() != 1 {
		t.Fatalf("expected 1 subscriber, got %d", bus.SubscriberCount())
	}

	// Disabled forwarder logs only; publishing must not panic or block.
	bus.Publish(New(TypeTextReady, TextReadyPayload{SessionID: "sess-1", SegmentID: "seg-1", Text: "hi"}))
	bus.Publish(New(TypeFileFinished, FileFinishedPayload{BatchID: "batch-1", FilePath: "a.wav", Success: true}))
	bus.Publish(New(TypeAllFinished, AllFinishedPayload{BatchID: "batch-1", SuccessCount: 1}))
	// Events outside the filter are ignored.
	bus.Publish(New(TypeVolumeChanged, VolumeChangedPayload{SessionID: "sess-1", Level: 0.3}))

	// Detaching twice is safe.
	unsub()
	unsub()
}

func TestForwarder_Attach_HungBrokerDoesNotBlockPublish(t *testing.T) {
	// A broker that accepts connections but never answers stalls every
	// Kafka write until its timeout. Publishers must not feel that.
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { ln.Close() })
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go io.Copy(io.Discard, conn)
		}
	}()

	f := NewForwarder(&ForwarderConfig{
		Enabled:    true,
		Brokers:    []string{ln.Addr().String()},
		TopicText:  "test.text",
		TopicFiles: "test.files",
	})
	bus := NewBus()
	unsub := f.Attach(bus)
	defer unsub()

	start := time.Now()
	for i := 0; i < 10; i++ {
		bus.Publish(New(TypeTextReady, TextReadyPayload{SessionID: "sess-1", Text: "hi"}))
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Fatalf("publish stalled for %v behind a hung broker", elapsed)
	}
}

func TestForwarder_Close_NoWriters(t *testing.T) {
	f := NewForwarder(&ForwarderConfig{Enabled: false})

	if err := f.Close(); err != nil {
		t.Errorf("expected no error closing disabled forwarder, got %v", err)
	}
}

func TestForwarder_Close_NilWriters(t *testing.T) {
	f := &Forwarder{}

	if err := f.Close(); err != nil {
		t.Errorf("expected no error closing forwarder with nil writers, got %v", err)
	}
}
