package notify

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	wmnats "github.com/ThreeDotsLabs/watermill-nats/v2/pkg/nats"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	natsgo "github.com/nats-io/nats.go"
)

// Backend names.
const (
	BackendNone    = "none"
	BackendChannel = "channel"
	BackendNATS    = "nats"
)

// Config selects a transport.
type Config struct {
	Backend string
	NATSURL string
	Breaker BreakerConfig
}

// NewChannel returns a Publisher over an in-process go channel, along with
// the channel so callers can subscribe to it.
func NewChannel(logger *slog.Logger, opts ...Option) (*Publisher, *gochannel.GoChannel) {
	if logger == nil {
		logger = slog.Default()
	}
	ch := gochannel.NewGoChannel(gochannel.Config{
		OutputChannelBuffer: 64,
	}, watermill.NewSlogLogger(logger))
	return New(ch, append([]Option{WithLogger(logger)}, opts...)...), ch
}

// NewNATS returns a Publisher sending core NATS messages to url.
func NewNATS(url string, logger *slog.Logger, opts ...Option) (*Publisher, error) {
	if logger == nil {
		logger = slog.Default()
	}
	wl := watermill.NewSlogLogger(logger)
	pub, err := wmnats.NewPublisher(wmnats.PublisherConfig{
		URL: url,
		NatsOptions: []natsgo.Option{
			natsgo.RetryOnFailedConnect(true),
			natsgo.MaxReconnects(-1),
			natsgo.ReconnectWait(2 * time.Second),
			natsgo.DisconnectErrHandler(func(_ *natsgo.Conn, err error) {
				if err != nil {
					logger.Warn("nats disconnected", "error", err)
				}
			}),
			natsgo.ReconnectHandler(func(nc *natsgo.Conn) {
				logger.Info("nats reconnected", "url", nc.ConnectedUrl())
			}),
		},
		Marshaler: &wmnats.NATSMarshaler{},
		JetStream: wmnats.JetStreamConfig{Disabled: true},
	}, wl)
	if err != nil {
		return nil, fmt.Errorf("create nats publisher: %w", err)
	}
	return New(pub, append([]Option{WithLogger(logger)}, opts...)...), nil
}

// Open builds the Publisher selected by cfg.
func Open(cfg Config, logger *slog.Logger) (*Publisher, error) {
	breaker := WithBreaker(cfg.Breaker)
	switch cfg.Backend {
	case BackendNone, "":
		return New(nil, WithLogger(logger)), nil
	case BackendChannel:
		p, _ := NewChannel(logger, breaker)
		return p, nil
	case BackendNATS:
		if cfg.NATSURL == "" {
			return nil, fmt.Errorf("nats backend requires a url")
		}
		return NewNATS(cfg.NATSURL, logger, breaker)
	default:
		return nil, fmt.Errorf("unknown notify backend %q", cfg.Backend)
	}
}
