package redis

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/pithecene-io/kitpack/audit"
)

func testRecord() *audit.Record {
	return &audit.Record{
		ContractVersion: "0.3.0",
		EventType:       audit.EventKitDownloaded,
		RequestID:       "req-001",
		BundleID:        "g1",
		Subject:         "12 Oak Lane",
		AssetCount:      3,
		Timestamp:       "2026-02-07T12:00:00Z",
	}
}

// asyncReceive starts a goroutine that reads one message from the subscriber
// and sends it to the returned channel. Must be called BEFORE Publish to avoid
// deadlocking miniredis's synchronous pub/sub delivery.
func asyncReceive(sub *miniredis.Subscriber) <-chan miniredis.PubsubMessage {
	ch := make(chan miniredis.PubsubMessage, 1)
	go func() {
		ch <- <-sub.Messages()
	}()
	return ch
}

func waitMessage(t *testing.T, ch <-chan miniredis.PubsubMessage) miniredis.PubsubMessage {
	t.Helper()
	select {
	case msg := <-ch:
		return msg
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for pub/sub message")
		return miniredis.PubsubMessage{}
	}
}

func TestPublish_JSON(t *testing.T) {
	mr := miniredis.RunT(t)

	s, err := New(Config{URL: "redis://" + mr.Addr()})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	defer func() { _ = s.Close() }()

	sub := mr.NewSubscriber()
	sub.Subscribe(DefaultChannel)
	ch := asyncReceive(sub)

	if err := s.Publish(t.Context(), testRecord()); err != nil {
		t.Fatalf("publish: %v", err)
	}

	msg := waitMessage(t, ch)
	var received audit.Record
	if err := json.Unmarshal([]byte(msg.Message), &received); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if received.RequestID != "req-001" || received.AssetCount != 3 {
		t.Errorf("unexpected record %+v", received)
	}
}

func TestPublish_Msgpack(t *testing.T) {
	mr := miniredis.RunT(t)

	channel := "custom:audit"
	s, err := New(Config{URL: "redis://" + mr.Addr(), Channel: channel, Codec: CodecMsgpack})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	defer func() { _ = s.Close() }()

	sub := mr.NewSubscriber()
	sub.Subscribe(channel)
	ch := asyncReceive(sub)

	if err := s.Publish(t.Context(), testRecord()); err != nil {
		t.Fatalf("publish: %v", err)
	}

	msg := waitMessage(t, ch)
	if msg.Channel != channel {
		t.Errorf("expected channel %q, got %q", channel, msg.Channel)
	}
	var received audit.Record
	if err := msgpack.Unmarshal([]byte(msg.Message), &received); err != nil {
		t.Fatalf("msgpack unmarshal: %v", err)
	}
	if received.Subject != "12 Oak Lane" || received.EventType != audit.EventKitDownloaded {
		t.Errorf("unexpected record %+v", received)
	}
}

func TestPublish_ExhaustsRetries(t *testing.T) {
	s, err := New(Config{URL: "redis://127.0.0.1:1", Retries: 1, Timeout: 100 * time.Millisecond})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	defer func() { _ = s.Close() }()

	if err := s.Publish(t.Context(), testRecord()); err == nil {
		t.Fatal("expected error after exhausting retries")
	}
}

func TestPublish_ContextCanceled(t *testing.T) {
	s, err := New(Config{URL: "redis://127.0.0.1:1", Retries: 5, Timeout: 10 * time.Second})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	defer func() { _ = s.Close() }()

	ctx, cancel := context.WithTimeout(t.Context(), 100*time.Millisecond)
	defer cancel()

	if err := s.Publish(ctx, testRecord()); err == nil {
		t.Fatal("expected error on canceled context")
	}
}

func TestNew_Validation(t *testing.T) {
	tests := []struct {
		name string
		cfg  Config
	}{
		{"empty URL", Config{}},
		{"invalid URL", Config{URL: "not-a-redis-url"}},
		{"negative retries", Config{URL: "redis://localhost:6379", Retries: -1}},
		{"unknown codec", Config{URL: "redis://localhost:6379", Codec: "xml"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := New(tt.cfg); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestNew_DefaultsApplied(t *testing.T) {
	mr := miniredis.RunT(t)

	s, err := New(Config{URL: "redis://" + mr.Addr()})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	defer func() { _ = s.Close() }()

	if s.config.Channel != DefaultChannel {
		t.Errorf("expected default channel %q, got %q", DefaultChannel, s.config.Channel)
	}
	if s.config.Timeout != DefaultTimeout {
		t.Errorf("expected default timeout %v, got %v", DefaultTimeout, s.config.Timeout)
	}
	if s.config.Codec != CodecJSON {
		t.Errorf("expected default codec json, got %q", s.config.Codec)
	}
}
