package ingestor

import (
	"context"
	"encoding/json"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/openbell/openbell/internal/domain/bus"
	"github.com/openbell/openbell/internal/domain/deadletter"
	"github.com/openbell/openbell/internal/domain/quote"
	"github.com/openbell/openbell/internal/domain/tick"
	"github.com/openbell/openbell/internal/usecase/gate"
	"github.com/openbell/openbell/pkg/config"
	"github.com/openbell/openbell/pkg/errors"
	"github.com/openbell/openbell/pkg/logger"
)

// Ingestor drains the quote bus into the tick store with effectively-once
// persisted semantics on top of at-least-once delivery: the store
// deduplicates on the tick natural key, so replaying an unacked batch after
// a crash is a no-op.
type Ingestor struct {
	cfg      config.IngestorConfig
	bus      bus.QuoteBus
	gate     *gate.Gate
	ticks    tick.Repository
	dlq      deadletter.Repository
	logger   logger.Interface
	critical map[string]bool

	degraded bool
}

// NewIngestor creates a durable ingestor. Instruments marked critical in
// the markets config keep durable writes even in degraded mode.
func NewIngestor(cfg config.IngestorConfig, b bus.QuoteBus, g *gate.Gate, ticks tick.Repository, dlq deadletter.Repository, log logger.Interface, markets []config.MarketConfig) *Ingestor {
	critical := make(map[string]bool)
	for _, m := range markets {
		for _, inst := range m.Instruments {
			if inst.Critical {
				critical[inst.Symbol] = true
			}
		}
	}

	return &Ingestor{
		cfg:      cfg,
		bus:      b,
		gate:     g,
		ticks:    ticks,
		dlq:      dlq,
		logger:   log,
		critical: critical,
	}
}

// Run consumes batches until the context is cancelled. The in-flight batch
// always completes before the loop exits.
func (i *Ingestor) Run(ctx context.Context) error {
	i.logger.InfoContext(ctx, "starting durable ingestor", logger.Field{
		Key:   "group",
		Value: i.cfg.ConsumerGroup,
	}, logger.Field{
		Key:   "consumer",
		Value: i.cfg.ConsumerID,
	})

	for {
		select {
		case <-ctx.Done():
			i.logger.InfoContext(ctx, "stopping durable ingestor", logger.Field{
				Key:   "group",
				Value: i.cfg.ConsumerGroup,
			})
			return nil
		default:
		}

		i.checkLag(ctx)

		msgs, err := i.bus.Fetch(ctx, i.cfg.ConsumerGroup, i.cfg.ConsumerID, i.cfg.BatchSize)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			i.logger.ErrorContext(ctx, errors.TracerFromError(err), logger.Field{
				Key:   "action",
				Value: "fetch_batch",
			})
			continue
		}
		if len(msgs) == 0 {
			continue
		}

		if err := i.processBatch(ctx, msgs); err != nil {
			// Batch left unacked: the bus redelivers it and dedup absorbs
			// whatever was already written.
			i.logger.ErrorContext(ctx, errors.TracerFromError(err), logger.Field{
				Key:   "action",
				Value: "process_batch",
			}, logger.Field{
				Key:   "batch_size",
				Value: len(msgs),
			})
			continue
		}

		if err := i.bus.Ack(ctx, i.cfg.ConsumerGroup, msgs...); err != nil {
			i.logger.ErrorContext(ctx, errors.TracerFromError(err), logger.Field{
				Key:   "action",
				Value: "ack_batch",
			})
		}
	}
}

// processBatch validates and persists every event of the batch. A non-nil
// return means the batch must not be acknowledged.
func (i *Ingestor) processBatch(ctx context.Context, msgs []bus.Message) error {
	for _, msg := range msgs {
		if err := i.processEvent(ctx, msg.Event); err != nil {
			return err
		}
	}
	return nil
}

func (i *Ingestor) processEvent(ctx context.Context, event *quote.Event) error {
	prev, err := i.bus.Latest(ctx, event.Symbol)
	if err != nil {
		return err
	}

	result, err := i.gate.Check(ctx, event, prev)
	if err != nil {
		// Calendar unreachable: fail closed, keep the batch unacked.
		return err
	}
	if !result.Accepted {
		return i.quarantine(ctx, event, result.Reason)
	}

	if i.degraded && !i.critical[event.Symbol] {
		// Degraded mode sheds non-critical durable writes; latest-value
		// reads are unaffected.
		return nil
	}

	return i.upsertWithRetry(ctx, tick.FromEvent(event))
}

// upsertWithRetry retries transient store failures with exponential backoff
// up to the configured attempt budget.
func (i *Ingestor) upsertWithRetry(ctx context.Context, record *tick.Record) error {
	backoff := i.cfg.RetryBackoff
	var lastErr error

	for attempt := 0; attempt < i.cfg.MaxAttempts; attempt++ {
		lastErr = i.ticks.Upsert(ctx, record)
		if lastErr == nil {
			return nil
		}
		if errors.ErrorCodeEquals(lastErr, errors.DuplicateKeyCollision) {
			// Idempotent no-op, the row is already there.
			return nil
		}

		select {
		case <-ctx.Done():
			return lastErr
		case <-time.After(backoff):
			backoff *= 2
		}
	}

	return errors.NewTracer("tick store unavailable beyond retry budget").Wrap(lastErr)
}

func (i *Ingestor) quarantine(ctx context.Context, event *quote.Event, reason string) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return errors.NewTracer("failed to marshal rejected event").Wrap(err)
	}

	err = i.dlq.Insert(ctx, &deadletter.Entry{
		ID:           ulid.Make().String(),
		RawPayload:   payload,
		Reason:       reason,
		FirstSeenAt:  time.Now(),
		AttemptCount: 1,
	})
	if err != nil {
		return err
	}

	i.logger.WarnContext(ctx, "quote event quarantined", logger.Field{
		Key:   "symbol",
		Value: event.Symbol,
	}, logger.Field{
		Key:   "reason",
		Value: reason,
	})
	return nil
}

// checkLag flips degraded mode on hysteresis watermarks over the group's
// unacknowledged depth.
func (i *Ingestor) checkLag(ctx context.Context) {
	depth, err := i.bus.Pending(ctx, i.cfg.ConsumerGroup)
	if err != nil {
		return
	}

	switch {
	case !i.degraded && depth > i.cfg.HighWater:
		i.degraded = true
		i.logger.WarnContext(ctx, "entering degraded mode", logger.Field{
			Key:   "depth",
			Value: depth,
		}, logger.Field{
			Key:   "high_water",
			Value: i.cfg.HighWater,
		})
	case i.degraded && depth < i.cfg.LowWater:
		i.degraded = false
		i.logger.InfoContext(ctx, "leaving degraded mode", logger.Field{
			Key:   "depth",
			Value: depth,
		}, logger.Field{
			Key:   "low_water",
			Value: i.cfg.LowWater,
		})
	}
}

// Degraded reports whether the ingestor is currently shedding non-critical
// durable writes.
func (i *Ingestor) Degraded() bool {
	return i.degraded
}
