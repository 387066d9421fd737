package consumer

import (
	"context"
	"encoding/json"
	"os"

	"github.com/google/uuid"
	"github.com/openbell/openbell/internal/domain/bus"
	"github.com/openbell/openbell/internal/domain/quote"
	"github.com/openbell/openbell/pkg/config"
	"github.com/openbell/openbell/pkg/errors"
	"github.com/openbell/openbell/pkg/logger"
	"github.com/segmentio/kafka-go"
)

// kafkaReader is the slice of *kafka.Reader the feed consumer uses,
// extracted so tests can feed messages without a broker.
type kafkaReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// FeedConsumer bridges the raw quote topic onto the quote bus. Multiple
// collectors publish the same symbols; the consumer keeps the freshest
// observation per source class and forwards only the resolved winner.
type FeedConsumer struct {
	cfg    config.FeedConfig
	reader kafkaReader
	bus    bus.QuoteBus
	logger logger.Interface

	collector string
	primary   map[string]*quote.Event
	secondary map[string]*quote.Event
}

// NewFeedConsumer creates a consumer joined to the feed consumer group.
func NewFeedConsumer(cfg config.FeedConfig, b bus.QuoteBus, log logger.Interface) *FeedConsumer {
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  cfg.Brokers,
		Topic:    cfg.Topic,
		GroupID:  cfg.ConsumerGroup,
		MinBytes: 1,
		MaxBytes: 10e6,
	})

	host, _ := os.Hostname()
	return &FeedConsumer{
		cfg:       cfg,
		reader:    reader,
		bus:       b,
		logger:    log,
		collector: host,
		primary:   make(map[string]*quote.Event),
		secondary: make(map[string]*quote.Event),
	}
}

// Run consumes the feed until the context is cancelled. A bad message
// never stops the loop: undecodable payloads and rejected events are
// logged and committed, only transient publish failures leave the offset
// uncommitted for redelivery.
func (c *FeedConsumer) Run(ctx context.Context) error {
	defer func() {
		if err := c.reader.Close(); err != nil {
			c.logger.Error(errors.TracerFromError(err), logger.Field{
				Key:   "action",
				Value: "close_reader",
			})
		}
	}()

	c.logger.InfoContext(ctx, "starting feed consumer", logger.Field{
		Key:   "topic",
		Value: c.cfg.Topic,
	}, logger.Field{
		Key:   "group",
		Value: c.cfg.ConsumerGroup,
	})

	for {
		msg, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			c.logger.ErrorContext(ctx, errors.TracerFromError(err), logger.Field{
				Key:   "action",
				Value: "fetch_message",
			})
			continue
		}

		if c.handle(ctx, msg.Value) {
			if err := c.reader.CommitMessages(ctx, msg); err != nil {
				c.logger.ErrorContext(ctx, errors.TracerFromError(err), logger.Field{
					Key:   "action",
					Value: "commit_message",
				})
			}
		}
	}
}

// handle reports whether the message's offset may be committed.
func (c *FeedConsumer) handle(ctx context.Context, payload []byte) bool {
	var event quote.Event
	if err := json.Unmarshal(payload, &event); err != nil {
		c.logger.WarnContext(ctx, "dropping undecodable feed message", logger.Field{
			Key:   "error",
			Value: err.Error(),
		})
		return true
	}

	// A redelivered message must keep the id it was first published under,
	// or the tick store sees it as a new observation.
	if event.IngestID == "" {
		event.IngestID = uuid.New().String()
	}
	if event.Collector == "" {
		event.Collector = c.collector
	}

	if !c.resolve(&event) {
		// A fresher observation from the preferred source already covers
		// this symbol.
		return true
	}

	err := c.bus.Publish(ctx, &event)
	switch {
	case err == nil:
		return true
	case errors.ErrorCodeEquals(err, errors.ValidationError):
		// Quarantined at the publish edge, nothing left to retry.
		return true
	default:
		c.logger.ErrorContext(ctx, errors.TracerFromError(err), logger.Field{
			Key:   "symbol",
			Value: event.Symbol,
		}, logger.Field{
			Key:   "action",
			Value: "publish_event",
		})
		return false
	}
}

// resolve records the observation under its source class and reports
// whether it wins source priority for its symbol.
func (c *FeedConsumer) resolve(event *quote.Event) bool {
	if event.Source == c.cfg.PrimarySource {
		c.primary[event.Symbol] = event
	} else {
		c.secondary[event.Symbol] = event
	}

	chosen := quote.Resolve(c.primary[event.Symbol], c.secondary[event.Symbol], c.cfg.SourceStaleness)
	return chosen == event
}
