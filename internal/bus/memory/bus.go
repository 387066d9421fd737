package memory

import (
	"context"
	"encoding/json"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/openbell/openbell/internal/domain/bus"
	"github.com/openbell/openbell/internal/domain/cursor"
	"github.com/openbell/openbell/internal/domain/deadletter"
	"github.com/openbell/openbell/internal/domain/quote"
	"github.com/openbell/openbell/internal/usecase/gate"
	"github.com/openbell/openbell/pkg/config"
	"github.com/openbell/openbell/pkg/errors"
	"github.com/openbell/openbell/pkg/logger"
)

type entry struct {
	seq   uint64
	event *quote.Event
}

type claim struct {
	consumer    string
	deliveredAt time.Time
}

type groupStream struct {
	// delivered is the highest sequence handed to any consumer of the group.
	delivered uint64
	// pending maps delivered-but-unacked sequences to their claims.
	pending map[uint64]*claim
	loaded  bool
}

// Bus is the in-process quote bus: a bounded per-symbol ring plus a
// last-write-wins latest-value slot, with competing-consumer groups whose
// acknowledged positions survive restarts through the cursor repository.
type Bus struct {
	mu sync.RWMutex

	cfg     config.BusConfig
	gate    *gate.Gate
	dlq     deadletter.Repository
	cursors cursor.Repository
	logger  logger.Interface

	seq     uint64
	streams map[string][]*entry
	latest  map[string]*quote.Event
	groups  map[string]map[string]*groupStream

	now func() time.Time
}

var _ bus.QuoteBus = (*Bus)(nil)

// NewBus creates an in-process quote bus. The cursor repository may be nil;
// acknowledged positions are then process-local only.
func NewBus(cfg config.BusConfig, g *gate.Gate, dlq deadletter.Repository, cursors cursor.Repository, log logger.Interface) *Bus {
	return &Bus{
		cfg:     cfg,
		gate:    g,
		dlq:     dlq,
		cursors: cursors,
		logger:  log,
		streams: make(map[string][]*entry),
		latest:  make(map[string]*quote.Event),
		groups:  make(map[string]map[string]*groupStream),
		now:     time.Now,
	}
}

func (b *Bus) stream(symbol string) string {
	return b.cfg.StreamPrefix + symbol
}

// Publish validates the event through the shared gate, routes rejects to
// the dead-letter store, then updates the latest-value slot and appends to
// the symbol's bounded log.
func (b *Bus) Publish(ctx context.Context, event *quote.Event) error {
	b.mu.RLock()
	prev := b.latest[event.Symbol]
	b.mu.RUnlock()

	result, err := b.gate.Check(ctx, event, prev)
	if err != nil {
		// Calendar unreachable: fail closed, nothing published.
		return err
	}
	if !result.Accepted {
		if err := b.quarantine(ctx, event, result.Reason); err != nil {
			return err
		}
		return errors.NewErrorDetailsWithObject(result.Reason, string(errors.ValidationError), "publish", event)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	// Last write wins by arrival order; producers never block each other on
	// anything finer than this append.
	b.latest[event.Symbol] = event

	b.seq++
	name := b.stream(event.Symbol)
	log := append(b.streams[name], &entry{seq: b.seq, event: event})
	if int64(len(log)) > b.cfg.MaxLenPerSymbol {
		// Backpressure valve: slow consumers lose history, memory stays bounded.
		log = log[int64(len(log))-b.cfg.MaxLenPerSymbol:]
	}
	b.streams[name] = log

	return nil
}

func (b *Bus) quarantine(ctx context.Context, event *quote.Event, reason string) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return errors.NewTracer("failed to marshal rejected event").Wrap(err)
	}
	return b.dlq.Insert(ctx, &deadletter.Entry{
		ID:           ulid.Make().String(),
		RawPayload:   payload,
		Reason:       reason,
		FirstSeenAt:  b.now(),
		AttemptCount: 1,
	})
}

// Latest returns the latest known value for the symbol, nil when absent.
// Never blocks beyond the mutex.
func (b *Bus) Latest(ctx context.Context, symbol string) (*quote.Event, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.latest[symbol], nil
}

// Len returns the retained log length for the symbol.
func (b *Bus) Len(ctx context.Context, symbol string) (int64, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return int64(len(b.streams[b.stream(symbol)])), nil
}

// Fetch hands up to max undelivered entries to the named consumer of the
// group, redelivering entries whose previous claim expired. It blocks up to
// the configured block window when the log has nothing new.
func (b *Bus) Fetch(ctx context.Context, group, consumer string, max int) ([]bus.Message, error) {
	deadline := b.now().Add(b.cfg.Block)
	for {
		msgs := b.fetchOnce(ctx, group, consumer, max)
		if len(msgs) > 0 {
			return msgs, nil
		}

		if b.cfg.Block <= 0 || !b.now().Before(deadline) {
			return nil, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func (b *Bus) fetchOnce(ctx context.Context, group, consumer string, max int) []bus.Message {
	b.mu.Lock()
	defer b.mu.Unlock()

	var msgs []bus.Message
	for _, name := range b.streamNames() {
		if len(msgs) >= max {
			break
		}

		log := b.streams[name]
		gs := b.groupStream(ctx, group, name)

		msgs = b.redeliverExpired(msgs, gs, name, log, consumer, max)

		for _, e := range log {
			if len(msgs) >= max {
				break
			}
			if e.seq <= gs.delivered {
				continue
			}
			gs.delivered = e.seq
			gs.pending[e.seq] = &claim{consumer: consumer, deliveredAt: b.now()}
			msgs = append(msgs, bus.Message{Stream: name, ID: formatSeq(e.seq), Event: e.event})
		}
	}
	return msgs
}

// redeliverExpired reassigns claims past the claim timeout and drops
// pending sequences the ring has already evicted; a lagging consumer
// observes the truncation instead of hanging on lost entries.
func (b *Bus) redeliverExpired(msgs []bus.Message, gs *groupStream, name string, log []*entry, consumer string, max int) []bus.Message {
	oldest := uint64(0)
	if len(log) > 0 {
		oldest = log[0].seq
	}

	var expired []uint64
	for seq, c := range gs.pending {
		if seq < oldest {
			delete(gs.pending, seq)
			continue
		}
		if b.now().Sub(c.deliveredAt) >= b.cfg.ClaimTimeout {
			expired = append(expired, seq)
		}
	}
	sort.Slice(expired, func(i, j int) bool { return expired[i] < expired[j] })

	for _, seq := range expired {
		if len(msgs) >= max {
			break
		}
		for _, e := range log {
			if e.seq == seq {
				gs.pending[seq] = &claim{consumer: consumer, deliveredAt: b.now()}
				msgs = append(msgs, bus.Message{Stream: name, ID: formatSeq(seq), Event: e.event})
				break
			}
		}
	}
	return msgs
}

// Ack marks entries processed for the group and persists the contiguous
// acknowledged position so a restarted group resumes past it.
func (b *Bus) Ack(ctx context.Context, group string, msgs ...bus.Message) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	touched := make(map[string]bool)
	for _, msg := range msgs {
		seq, err := strconv.ParseUint(msg.ID, 10, 64)
		if err != nil {
			return errors.NewErrorDetails("malformed message id", string(errors.BusAckError), "ack")
		}
		gs := b.groupStream(ctx, group, msg.Stream)
		delete(gs.pending, seq)
		touched[msg.Stream] = true
	}

	if b.cursors == nil {
		return nil
	}
	for name := range touched {
		gs := b.groups[group][name]
		pos := contiguousAcked(gs)
		err := b.cursors.Save(ctx, &cursor.Cursor{
			Group:     group,
			Stream:    name,
			Position:  formatSeq(pos),
			UpdatedAt: b.now(),
		})
		if err != nil {
			// Cursor persistence is an optimization over dedup; losing a save
			// means replay, not data loss.
			b.logger.WarnContext(ctx, "failed to persist consumer cursor", logger.Field{
				Key:   "group",
				Value: group,
			}, logger.Field{
				Key:   "stream",
				Value: name,
			})
		}
	}
	return nil
}

// Pending returns the group's unacknowledged depth across all streams:
// delivered-but-unacked claims plus the undelivered backlog.
func (b *Bus) Pending(ctx context.Context, group string) (int64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	var depth int64
	for _, name := range b.streamNames() {
		gs := b.groupStream(ctx, group, name)
		depth += int64(len(gs.pending))
		for _, e := range b.streams[name] {
			if e.seq > gs.delivered {
				depth++
			}
		}
	}
	return depth, nil
}

// DropConsumer releases every claim held by the consumer so the group
// redelivers them immediately. Used when a consumer instance is known dead.
func (b *Bus) DropConsumer(group, consumer string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, gs := range b.groups[group] {
		for _, c := range gs.pending {
			if c.consumer == consumer {
				c.deliveredAt = time.Time{} // expire the claim
			}
		}
	}
}

func (b *Bus) groupStream(ctx context.Context, group, name string) *groupStream {
	streams, ok := b.groups[group]
	if !ok {
		streams = make(map[string]*groupStream)
		b.groups[group] = streams
	}

	gs, ok := streams[name]
	if !ok {
		gs = &groupStream{pending: make(map[uint64]*claim)}
		streams[name] = gs
	}

	if !gs.loaded {
		gs.loaded = true
		if b.cursors != nil {
			if pos, err := b.cursors.Load(ctx, group, name); err == nil && pos != "" {
				if seq, err := strconv.ParseUint(pos, 10, 64); err == nil {
					gs.delivered = seq
				}
			}
		}
	}
	return gs
}

func (b *Bus) streamNames() []string {
	names := make([]string, 0, len(b.streams))
	for name := range b.streams {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// contiguousAcked returns the highest sequence below which every delivered
// entry has been acknowledged.
func contiguousAcked(gs *groupStream) uint64 {
	pos := gs.delivered
	for seq := range gs.pending {
		if seq-1 < pos {
			pos = seq - 1
		}
	}
	return pos
}

func formatSeq(seq uint64) string {
	return strconv.FormatUint(seq, 10)
}
