package notify

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	gobreaker "github.com/sony/gobreaker/v2"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type failingPublisher struct {
	calls int
}

func (f *failingPublisher) Publish(topic string, msgs ...*message.Message) error {
	f.calls++
	return errors.New("broker unavailable")
}

func (f *failingPublisher) Close() error { return nil }

func TestPublish_Channel(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	p, ch := NewChannel(quietLogger())
	defer p.Close()

	msgs, err := ch.Subscribe(ctx, TopicLibraryStarted)
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	ev := Event{Topic: TopicLibraryStarted, Client: "c1", Source: "alpha", Payload: map[string]any{"items": 3}}
	if err := p.Publish(ctx, ev); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	select {
	case msg := <-msgs:
		msg.Ack()
		got, err := Decode(msg.Payload)
		if err != nil {
			t.Fatalf("Decode: %v", err)
		}
		if got.ID == "" || got.ID != msg.UUID {
			t.Errorf("expected event id to match message uuid, got %q and %q", got.ID, msg.UUID)
		}
		if got.Topic != TopicLibraryStarted || got.Client != "c1" || got.Source != "alpha" {
			t.Errorf("unexpected event %+v", got)
		}
		if got.At.IsZero() {
			t.Error("expected timestamp to be set")
		}
		if msg.Metadata.Get("source") != "alpha" {
			t.Errorf("expected source metadata alpha, got %q", msg.Metadata.Get("source"))
		}
		payload, _ := got.Payload.(map[string]any)
		if payload["items"] != float64(3) {
			t.Errorf("expected payload items 3, got %v", got.Payload)
		}
	case <-ctx.Done():
		t.Fatal("timed out waiting for message")
	}
}

func TestPublish_EmptyTopic(t *testing.T) {
	if err := Nop().Publish(context.Background(), Event{}); err == nil {
		t.Error("expected error for empty topic")
	}
}

func TestPublish_Nop(t *testing.T) {
	if err := Nop().Publish(context.Background(), Event{Topic: TopicItemCreated}); err != nil {
		t.Errorf("expected nil, got %v", err)
	}
}

func TestPublish_Closed(t *testing.T) {
	p, _ := NewChannel(quietLogger())
	if err := p.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := p.Close(); err != nil {
		t.Errorf("expected second close to succeed, got %v", err)
	}
	if err := p.Publish(context.Background(), Event{Topic: TopicItemCreated}); !errors.Is(err, ErrClosed) {
		t.Errorf("expected ErrClosed, got %v", err)
	}
}

func TestPublish_BreakerOpens(t *testing.T) {
	fp := &failingPublisher{}
	p := New(fp, WithLogger(quietLogger()), WithBreaker(BreakerConfig{MaxFailures: 2, Timeout: time.Minute}))
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		if err := p.Publish(ctx, Event{Topic: TopicItemUpdated}); err == nil {
			t.Fatalf("attempt %d: expected publish error", i)
		}
	}
	err := p.Publish(ctx, Event{Topic: TopicItemUpdated})
	if !errors.Is(err, gobreaker.ErrOpenState) {
		t.Errorf("expected ErrOpenState, got %v", err)
	}
	if fp.calls != 2 {
		t.Errorf("expected 2 calls to reach the broker, got %d", fp.calls)
	}
}

func TestOpen(t *testing.T) {
	tests := []struct {
		name    string
		cfg     Config
		wantErr bool
	}{
		{"none", Config{Backend: BackendNone}, false},
		{"empty", Config{}, false},
		{"channel", Config{Backend: BackendChannel, Breaker: BreakerConfig{MaxFailures: 3, Timeout: time.Second}}, false},
		{"nats without url", Config{Backend: BackendNATS}, true},
		{"unknown", Config{Backend: "kafka"}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, err := Open(tt.cfg, quietLogger())
			if tt.wantErr {
				if err == nil {
					t.Error("expected error")
				}
				return
			}
			if err != nil {
				t.Fatalf("expected no error, got %v", err)
			}
			p.Close()
		})
	}
}

func TestDecode_Invalid(t *testing.T) {
	if _, err := Decode([]byte("{")); err == nil {
		t.Error("expected error for invalid json")
	}
}
