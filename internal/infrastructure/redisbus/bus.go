package redisbus

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	v9 "github.com/redis/go-redis/v9"

	"github.com/openbell/openbell/internal/domain/bus"
	"github.com/openbell/openbell/internal/domain/deadletter"
	"github.com/openbell/openbell/internal/domain/quote"
	"github.com/openbell/openbell/internal/usecase/gate"
	"github.com/openbell/openbell/pkg/config"
	"github.com/openbell/openbell/pkg/errors"
	"github.com/openbell/openbell/pkg/logger"
	"github.com/openbell/openbell/pkg/redis"
)

const payloadField = "payload"

// Bus is the Redis Streams quote bus: one bounded stream per symbol
// (XADD MAXLEN), a latest-value hash per symbol, and native stream consumer
// groups for competing consumers. Cursor tracking lives in the group itself.
type Bus struct {
	cfg     config.BusConfig
	client  redis.Client
	gate    *gate.Gate
	dlq     deadletter.Repository
	logger  logger.Interface
	symbols []string

	mu       sync.Mutex
	prepared map[string]bool
	// backlog marks groups whose own pending entries have not been drained
	// yet; a restarted consumer re-reads them before asking for new entries.
	backlog map[string]bool
}

var _ bus.QuoteBus = (*Bus)(nil)

// NewBus creates a Redis Streams quote bus over the configured symbols.
func NewBus(cfg config.BusConfig, client redis.Client, g *gate.Gate, dlq deadletter.Repository, log logger.Interface, markets []config.MarketConfig) *Bus {
	var symbols []string
	for _, m := range markets {
		for _, inst := range m.Instruments {
			symbols = append(symbols, inst.Symbol)
		}
	}

	return &Bus{
		cfg:      cfg,
		client:   client,
		gate:     g,
		dlq:      dlq,
		logger:   log,
		symbols:  symbols,
		prepared: make(map[string]bool),
		backlog:  make(map[string]bool),
	}
}

func (b *Bus) stream(symbol string) string {
	return b.cfg.StreamPrefix + "stream:" + symbol
}

func (b *Bus) latestKey() string {
	return b.cfg.StreamPrefix + "latest"
}

// Publish validates the event through the shared gate, routes rejects to
// the dead-letter store, then writes the latest-value slot and appends to
// the symbol's bounded stream.
func (b *Bus) Publish(ctx context.Context, event *quote.Event) error {
	prev, err := b.Latest(ctx, event.Symbol)
	if err != nil {
		return err
	}

	result, err := b.gate.Check(ctx, event, prev)
	if err != nil {
		// Calendar unreachable: fail closed, nothing published.
		return err
	}

	payload, merr := json.Marshal(event)
	if merr != nil {
		return errors.NewTracer("failed to marshal quote event").Wrap(merr)
	}

	if !result.Accepted {
		return b.quarantine(ctx, payload, result.Reason, event)
	}

	if _, err := b.client.HSet(ctx, b.latestKey(), map[string]any{event.Symbol: payload}); err != nil {
		return errors.NewTracer("failed to write latest value").Wrap(err)
	}

	_, err = b.client.XAdd(ctx, &v9.XAddArgs{
		Stream: b.stream(event.Symbol),
		MaxLen: b.cfg.MaxLenPerSymbol,
		Approx: true,
		Values: map[string]any{payloadField: payload},
	})
	if err != nil {
		return errors.NewTracer("failed to append quote event").Wrap(err)
	}
	return nil
}

func (b *Bus) quarantine(ctx context.Context, payload []byte, reason string, event *quote.Event) error {
	err := b.dlq.Insert(ctx, &deadletter.Entry{
		ID:           ulid.Make().String(),
		RawPayload:   payload,
		Reason:       reason,
		FirstSeenAt:  event.Ts,
		AttemptCount: 1,
	})
	if err != nil {
		return err
	}
	return errors.NewErrorDetailsWithObject(reason, string(errors.ValidationError), "publish", event)
}

// Latest returns the latest known value for the symbol, nil when absent.
func (b *Bus) Latest(ctx context.Context, symbol string) (*quote.Event, error) {
	raw, err := b.client.HGet(ctx, b.latestKey(), symbol)
	if err != nil {
		return nil, err
	}
	if raw == "" {
		return nil, nil
	}

	var event quote.Event
	if err := json.Unmarshal([]byte(raw), &event); err != nil {
		return nil, errors.NewTracer("failed to unmarshal latest value").Wrap(err)
	}
	return &event, nil
}

// Len returns the retained stream length for the symbol.
func (b *Bus) Len(ctx context.Context, symbol string) (int64, error) {
	return b.client.XLen(ctx, b.stream(symbol))
}

// Fetch reads up to max entries for the consumer. The first call after a
// restart drains the consumer's own pending entries (delivered before the
// crash, never acknowledged) before asking for new ones.
func (b *Bus) Fetch(ctx context.Context, group, consumer string, max int) ([]bus.Message, error) {
	if err := b.prepare(ctx, group); err != nil {
		return nil, err
	}

	start := ">"
	b.mu.Lock()
	if b.backlog[group] {
		start = "0"
	}
	b.mu.Unlock()

	args := &v9.XReadGroupArgs{
		Group:    group,
		Consumer: consumer,
		Streams:  b.readStreams(start),
		Count:    int64(max),
		Block:    b.cfg.Block,
	}

	streams, err := b.client.XReadGroup(ctx, args)
	if err != nil {
		return nil, err
	}

	var msgs []bus.Message
	read := 0
	for _, stream := range streams {
		for _, m := range stream.Messages {
			read++
			event, ok := b.decode(ctx, stream.Stream, m)
			if !ok {
				b.discard(ctx, group, stream.Stream, m)
				continue
			}
			msgs = append(msgs, bus.Message{Stream: stream.Stream, ID: m.ID, Event: event})
		}
	}

	// Drained means the raw read came back empty; a read that only carried
	// discarded entries must not skip whatever is still pending behind them.
	if start == "0" && read == 0 {
		b.mu.Lock()
		b.backlog[group] = false
		b.mu.Unlock()
		return b.Fetch(ctx, group, consumer, max)
	}
	return msgs, nil
}

// discard dead-letters an undecodable stream entry and acknowledges it so it
// stops counting against the group's pending depth. A failed dead-letter
// write leaves the entry pending for the next backlog drain.
func (b *Bus) discard(ctx context.Context, group, stream string, m v9.XMessage) {
	raw, _ := m.Values[payloadField].(string)
	reason := "undecodable stream entry"
	if raw == "" {
		reason = "stream entry without payload"
	}

	err := b.dlq.Insert(ctx, &deadletter.Entry{
		ID:           ulid.Make().String(),
		RawPayload:   []byte(raw),
		Reason:       reason,
		FirstSeenAt:  time.Now().UTC(),
		AttemptCount: 1,
	})
	if err != nil {
		b.logger.ErrorContext(ctx, errors.TracerFromError(err), logger.Field{
			Key:   "stream",
			Value: stream,
		}, logger.Field{
			Key:   "action",
			Value: "dead_letter_entry",
		})
		return
	}

	if _, err := b.client.XAck(ctx, stream, group, m.ID); err != nil {
		b.logger.ErrorContext(ctx, errors.TracerFromError(err), logger.Field{
			Key:   "stream",
			Value: stream,
		}, logger.Field{
			Key:   "action",
			Value: "ack_discarded_entry",
		})
	}
}

func (b *Bus) decode(ctx context.Context, stream string, m v9.XMessage) (*quote.Event, bool) {
	raw, ok := m.Values[payloadField].(string)
	if !ok {
		b.logger.WarnContext(ctx, "stream entry without payload", logger.Field{
			Key:   "stream",
			Value: stream,
		}, logger.Field{
			Key:   "id",
			Value: m.ID,
		})
		return nil, false
	}

	var event quote.Event
	if err := json.Unmarshal([]byte(raw), &event); err != nil {
		b.logger.ErrorContext(ctx, errors.TracerFromError(err), logger.Field{
			Key:   "stream",
			Value: stream,
		}, logger.Field{
			Key:   "id",
			Value: m.ID,
		})
		return nil, false
	}
	return &event, true
}

// Ack acknowledges consumed entries so the group does not redeliver them.
func (b *Bus) Ack(ctx context.Context, group string, msgs ...bus.Message) error {
	byStream := make(map[string][]string)
	for _, msg := range msgs {
		byStream[msg.Stream] = append(byStream[msg.Stream], msg.ID)
	}

	for stream, ids := range byStream {
		if _, err := b.client.XAck(ctx, stream, group, ids...); err != nil {
			return err
		}
	}
	return nil
}

// Pending returns the group's delivered-but-unacknowledged depth across
// all symbol streams.
func (b *Bus) Pending(ctx context.Context, group string) (int64, error) {
	if err := b.prepare(ctx, group); err != nil {
		return 0, err
	}

	var depth int64
	for _, symbol := range b.symbols {
		pending, err := b.client.XPending(ctx, b.stream(symbol), group)
		if err != nil {
			return 0, err
		}
		depth += pending.Count
	}
	return depth, nil
}

// prepare creates the consumer group on every symbol stream once per
// process and arms the pending-backlog drain for restarted consumers.
func (b *Bus) prepare(ctx context.Context, group string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.prepared[group] {
		return nil
	}
	for _, symbol := range b.symbols {
		if err := b.client.XGroupCreateMkStream(ctx, b.stream(symbol), group, "0"); err != nil {
			return err
		}
	}
	b.prepared[group] = true
	b.backlog[group] = true
	return nil
}

func (b *Bus) readStreams(start string) []string {
	streams := make([]string, 0, len(b.symbols)*2)
	for _, symbol := range b.symbols {
		streams = append(streams, b.stream(symbol))
	}
	for range b.symbols {
		streams = append(streams, start)
	}
	return streams
}
