// Package notify publishes medley events over Watermill. Events are JSON
// encoded and sent either to an in-process go channel or to NATS, behind a
// circuit breaker.
package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/goccy/go-json"
	"github.com/google/uuid"
	gobreaker "github.com/sony/gobreaker/v2"

	"github.com/jacentio/medley/internal/metrics"
)

// Topics.
const (
	TopicLibraryStarted  = "library.started"
	TopicLibraryFinished = "library.finished"
	TopicSessionCreated  = "session.created"
	TopicSessionUpdated  = "session.updated"
	TopicItemCreated     = "item.created"
	TopicItemUpdated     = "item.updated"
)

// ErrClosed is returned when publishing through a closed Publisher.
var ErrClosed = errors.New("medley: publisher closed")

// Event is one notification.
type Event struct {
	ID      string    `json:"id"`
	Topic   string    `json:"topic"`
	Client  string    `json:"client,omitempty"`
	Source  string    `json:"source,omitempty"`
	At      time.Time `json:"at"`
	Payload any       `json:"payload,omitempty"`
}

// Notifier is what producers publish through.
type Notifier interface {
	Publish(ctx context.Context, ev Event) error
}

// Publisher sends events to a Watermill publisher.
type Publisher struct {
	pub     message.Publisher
	breaker *gobreaker.CircuitBreaker[struct{}]
	logger  *slog.Logger
	now     func() time.Time

	mu     sync.RWMutex
	closed bool
}

// BreakerConfig configures the circuit breaker around publishes. A zero
// MaxFailures disables the breaker.
type BreakerConfig struct {
	MaxFailures uint32
	Timeout     time.Duration
}

// Option configures a Publisher.
type Option func(*Publisher)

// WithLogger sets the publisher logger.
func WithLogger(l *slog.Logger) Option {
	return func(p *Publisher) {
		if l != nil {
			p.logger = l
		}
	}
}

// WithBreaker trips publishing after cfg.MaxFailures consecutive failures
// and rejects publishes for cfg.Timeout.
func WithBreaker(cfg BreakerConfig) Option {
	return func(p *Publisher) {
		if cfg.MaxFailures == 0 {
			p.breaker = nil
			return
		}
		p.breaker = gobreaker.NewCircuitBreaker[struct{}](gobreaker.Settings{
			Name:    "medley-notify",
			Timeout: cfg.Timeout,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= cfg.MaxFailures
			},
			OnStateChange: func(name string, from, to gobreaker.State) {
				p.logger.Warn("notification breaker state changed",
					"breaker", name, "from", from.String(), "to", to.String())
			},
		})
	}
}

// New wraps pub. A nil pub yields a Publisher that drops every event.
func New(pub message.Publisher, opts ...Option) *Publisher {
	p := &Publisher{
		pub:    pub,
		logger: slog.Default(),
		now:    func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Nop returns a Publisher that drops every event.
func Nop() *Publisher { return New(nil) }

// Publish encodes ev and sends it on ev.Topic. Missing ids and timestamps
// are filled in.
func (p *Publisher) Publish(ctx context.Context, ev Event) error {
	if ev.Topic == "" {
		return fmt.Errorf("publish: empty topic")
	}
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return ErrClosed
	}
	if p.pub == nil {
		return nil
	}

	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.At.IsZero() {
		ev.At = p.now()
	}
	data, err := json.Marshal(ev)
	if err != nil {
		metrics.Notifications.WithLabelValues(ev.Topic, "failed").Inc()
		return fmt.Errorf("encode %s event: %w", ev.Topic, err)
	}

	msg := message.NewMessage(ev.ID, data)
	msg.Metadata.Set("topic", ev.Topic)
	if ev.Client != "" {
		msg.Metadata.Set("client", ev.Client)
	}
	if ev.Source != "" {
		msg.Metadata.Set("source", ev.Source)
	}
	msg.SetContext(ctx)

	send := func() (struct{}, error) {
		return struct{}{}, p.pub.Publish(ev.Topic, msg)
	}
	if p.breaker != nil {
		_, err = p.breaker.Execute(send)
	} else {
		_, err = send()
	}

	switch {
	case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
		metrics.Notifications.WithLabelValues(ev.Topic, "rejected").Inc()
		return fmt.Errorf("publish %s: %w", ev.Topic, err)
	case err != nil:
		metrics.Notifications.WithLabelValues(ev.Topic, "failed").Inc()
		return fmt.Errorf("publish %s: %w", ev.Topic, err)
	}
	metrics.Notifications.WithLabelValues(ev.Topic, "published").Inc()
	p.logger.Debug("published event", "topic", ev.Topic, "id", ev.ID)
	return nil
}

// Close closes the underlying publisher. It is safe to call more than once.
func (p *Publisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true
	if p.pub == nil {
		return nil
	}
	return p.pub.Close()
}

// Decode parses an event published by Publisher. Payload is left as the
// decoded JSON value.
func Decode(data []byte) (Event, error) {
	var ev Event
	if err := json.Unmarshal(data, &ev); err != nil {
		return Event{}, fmt.Errorf("decode event: %w", err)
	}
	return ev, nil
}
