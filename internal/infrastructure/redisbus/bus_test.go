package redisbus

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	v9 "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"github.com/openbell/openbell/internal/domain/bus"
	"github.com/openbell/openbell/internal/domain/deadletter"
	"github.com/openbell/openbell/internal/domain/quote"
	"github.com/openbell/openbell/internal/usecase/gate"
	"github.com/openbell/openbell/pkg/config"
	"github.com/openbell/openbell/pkg/errors"
	"github.com/openbell/openbell/pkg/logger"
	redis_mock "github.com/openbell/openbell/pkg/redis/mock"
)

// fakeDeadLetters records quarantined payloads.
type fakeDeadLetters struct {
	entries []*deadletter.Entry
}

func (f *fakeDeadLetters) Insert(ctx context.Context, entry *deadletter.Entry) error {
	f.entries = append(f.entries, entry)
	return nil
}

func (f *fakeDeadLetters) List(ctx context.Context, limit int) ([]*deadletter.Entry, error) {
	return f.entries, nil
}

func (f *fakeDeadLetters) IncrementAttempt(ctx context.Context, id string) error { return nil }

func (f *fakeDeadLetters) Delete(ctx context.Context, id string) error { return nil }

func testMarkets() []config.MarketConfig {
	return []config.MarketConfig{
		{
			Name:     "NYSE",
			Timezone: "UTC",
			Open:     "00:00",
			Close:    "23:59",
			Instruments: []config.InstrumentConfig{
				{Symbol: "ES"},
				{Symbol: "NQ"},
			},
		},
	}
}

func testGateConfig() config.GateConfig {
	return config.GateConfig{
		MinPrice:             0.0001,
		MaxPrice:             1_000_000,
		MaxSkew:              5 * time.Minute,
		BidAskTolerance:      0.01,
		JumpFraction:         0.2,
		MinCorroboratingSize: 1,
	}
}

func setupBus(t *testing.T) (*Bus, *redis_mock.MockClient, *fakeDeadLetters) {
	t.Helper()
	ctrl := gomock.NewController(t)
	t.Cleanup(ctrl.Finish)

	log, err := logger.NewLogger()
	require.NoError(t, err)

	client := redis_mock.NewMockClient(ctrl)
	dlq := &fakeDeadLetters{}
	g := gate.New(testGateConfig(), nil, nil)

	cfg := config.BusConfig{
		Backend:         "redis",
		MaxLenPerSymbol: 100,
		Block:           0,
		StreamPrefix:    "quotes:",
	}
	return NewBus(cfg, client, g, dlq, log, testMarkets()), client, dlq
}

func acceptedEvent() *quote.Event {
	return &quote.Event{
		Symbol:   "ES",
		Ts:       time.Now().UTC(),
		Last:     quote.Float64Ptr(5000),
		LastSize: 10,
		Source:   "rtd",
		IngestID: "ing-1",
	}
}

func TestBus_PublishWritesLatestAndAppends(t *testing.T) {
	b, client, dlq := setupBus(t)
	ctx := context.Background()
	event := acceptedEvent()

	client.EXPECT().HGet(ctx, "quotes:latest", "ES").Return("", nil)
	client.EXPECT().HSet(ctx, "quotes:latest", gomock.Any()).Return(int64(1), nil)
	client.EXPECT().XAdd(ctx, gomock.Any()).DoAndReturn(func(_ context.Context, args *v9.XAddArgs) (string, error) {
		assert.Equal(t, "quotes:stream:ES", args.Stream)
		assert.Equal(t, int64(100), args.MaxLen)
		assert.True(t, args.Approx)
		return "1-0", nil
	})

	require.NoError(t, b.Publish(ctx, event))
	assert.Empty(t, dlq.entries)
}

func TestBus_PublishRejectQuarantines(t *testing.T) {
	b, client, dlq := setupBus(t)
	ctx := context.Background()

	event := acceptedEvent()
	event.IngestID = ""

	// The reject is quarantined before any stream write happens.
	client.EXPECT().HGet(ctx, "quotes:latest", "ES").Return("", nil)

	err := b.Publish(ctx, event)
	assert.Error(t, err)
	assert.True(t, errors.ErrorCodeEquals(err, errors.ValidationError))
	require.Len(t, dlq.entries, 1)
	assert.Equal(t, 1, dlq.entries[0].AttemptCount)
}

func TestBus_LatestDecodesStoredValue(t *testing.T) {
	b, client, _ := setupBus(t)
	ctx := context.Background()

	stored, err := json.Marshal(acceptedEvent())
	require.NoError(t, err)
	client.EXPECT().HGet(ctx, "quotes:latest", "ES").Return(string(stored), nil)

	event, err := b.Latest(ctx, "ES")
	require.NoError(t, err)
	require.NotNil(t, event)
	assert.Equal(t, "ES", event.Symbol)
	assert.Equal(t, 5000.0, *event.Last)
}

func TestBus_LatestUnknownSymbolIsNil(t *testing.T) {
	b, client, _ := setupBus(t)
	ctx := context.Background()

	client.EXPECT().HGet(ctx, "quotes:latest", "YM").Return("", nil)

	event, err := b.Latest(ctx, "YM")
	assert.NoError(t, err)
	assert.Nil(t, event)
}

func TestBus_FetchDrainsBacklogThenReadsNew(t *testing.T) {
	b, client, _ := setupBus(t)
	ctx := context.Background()

	payload, err := json.Marshal(acceptedEvent())
	require.NoError(t, err)

	// First fetch creates the group on every symbol stream, then reads the
	// consumer's own pending entries from 0.
	client.EXPECT().XGroupCreateMkStream(ctx, "quotes:stream:ES", "durable-ingestor", "0").Return(nil)
	client.EXPECT().XGroupCreateMkStream(ctx, "quotes:stream:NQ", "durable-ingestor", "0").Return(nil)
	gomock.InOrder(
		client.EXPECT().XReadGroup(ctx, gomock.Any()).DoAndReturn(func(_ context.Context, args *v9.XReadGroupArgs) ([]v9.XStream, error) {
			assert.Equal(t, []string{"quotes:stream:ES", "quotes:stream:NQ", "0", "0"}, args.Streams)
			return []v9.XStream{{
				Stream:   "quotes:stream:ES",
				Messages: []v9.XMessage{{ID: "1-0", Values: map[string]any{"payload": string(payload)}}},
			}}, nil
		}),
		// Backlog still armed until an empty read.
		client.EXPECT().XReadGroup(ctx, gomock.Any()).DoAndReturn(func(_ context.Context, args *v9.XReadGroupArgs) ([]v9.XStream, error) {
			assert.Equal(t, []string{"quotes:stream:ES", "quotes:stream:NQ", "0", "0"}, args.Streams)
			return nil, nil
		}),
		client.EXPECT().XReadGroup(ctx, gomock.Any()).DoAndReturn(func(_ context.Context, args *v9.XReadGroupArgs) ([]v9.XStream, error) {
			assert.Equal(t, []string{"quotes:stream:ES", "quotes:stream:NQ", ">", ">"}, args.Streams)
			return nil, nil
		}),
	)

	msgs, err := b.Fetch(ctx, "durable-ingestor", "worker-1", 10)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "quotes:stream:ES", msgs[0].Stream)
	assert.Equal(t, "1-0", msgs[0].ID)
	assert.Equal(t, "ES", msgs[0].Event.Symbol)

	// Backlog drained, the next fetch asks for new entries only.
	msgs, err = b.Fetch(ctx, "durable-ingestor", "worker-1", 10)
	require.NoError(t, err)
	assert.Empty(t, msgs)
}

func TestBus_FetchDeadLettersUndecodableEntries(t *testing.T) {
	b, client, dlq := setupBus(t)
	ctx := context.Background()

	client.EXPECT().XGroupCreateMkStream(ctx, gomock.Any(), "durable-ingestor", "0").Return(nil).Times(2)
	client.EXPECT().XReadGroup(ctx, gomock.Any()).Return([]v9.XStream{{
		Stream: "quotes:stream:ES",
		Messages: []v9.XMessage{
			{ID: "1-0", Values: map[string]any{"payload": "not json"}},
			{ID: "2-0", Values: map[string]any{}},
		},
	}}, nil)
	client.EXPECT().XAck(ctx, "quotes:stream:ES", "durable-ingestor", "1-0").Return(int64(1), nil)
	client.EXPECT().XAck(ctx, "quotes:stream:ES", "durable-ingestor", "2-0").Return(int64(1), nil)

	msgs, err := b.Fetch(ctx, "durable-ingestor", "worker-1", 10)
	require.NoError(t, err)
	assert.Empty(t, msgs)

	// Garbage entries are quarantined and acked instead of rotting in the
	// group's pending list.
	require.Len(t, dlq.entries, 2)
	assert.Equal(t, "undecodable stream entry", dlq.entries[0].Reason)
	assert.Equal(t, "not json", string(dlq.entries[0].RawPayload))
	assert.Equal(t, "stream entry without payload", dlq.entries[1].Reason)

	// The read carried entries, so the backlog stays armed: the next fetch
	// still drains pending from 0 before switching to new entries.
	gomock.InOrder(
		client.EXPECT().XReadGroup(ctx, gomock.Any()).DoAndReturn(func(_ context.Context, args *v9.XReadGroupArgs) ([]v9.XStream, error) {
			assert.Equal(t, []string{"quotes:stream:ES", "quotes:stream:NQ", "0", "0"}, args.Streams)
			return nil, nil
		}),
		client.EXPECT().XReadGroup(ctx, gomock.Any()).DoAndReturn(func(_ context.Context, args *v9.XReadGroupArgs) ([]v9.XStream, error) {
			assert.Equal(t, []string{"quotes:stream:ES", "quotes:stream:NQ", ">", ">"}, args.Streams)
			return nil, nil
		}),
	)

	msgs, err = b.Fetch(ctx, "durable-ingestor", "worker-1", 10)
	require.NoError(t, err)
	assert.Empty(t, msgs)
}

func TestBus_AckGroupsIDsByStream(t *testing.T) {
	b, client, _ := setupBus(t)
	ctx := context.Background()

	client.EXPECT().XAck(ctx, "quotes:stream:ES", "durable-ingestor", "1-0", "2-0").Return(int64(2), nil)
	client.EXPECT().XAck(ctx, "quotes:stream:NQ", "durable-ingestor", "3-0").Return(int64(1), nil)

	err := b.Ack(ctx, "durable-ingestor",
		bus.Message{Stream: "quotes:stream:ES", ID: "1-0"},
		bus.Message{Stream: "quotes:stream:ES", ID: "2-0"},
		bus.Message{Stream: "quotes:stream:NQ", ID: "3-0"},
	)
	assert.NoError(t, err)
}

func TestBus_PendingSumsAcrossSymbols(t *testing.T) {
	b, client, _ := setupBus(t)
	ctx := context.Background()

	client.EXPECT().XGroupCreateMkStream(ctx, gomock.Any(), "durable-ingestor", "0").Return(nil).Times(2)
	client.EXPECT().XPending(ctx, "quotes:stream:ES", "durable-ingestor").Return(&v9.XPending{Count: 3}, nil)
	client.EXPECT().XPending(ctx, "quotes:stream:NQ", "durable-ingestor").Return(&v9.XPending{Count: 2}, nil)

	depth, err := b.Pending(ctx, "durable-ingestor")
	assert.NoError(t, err)
	assert.Equal(t, int64(5), depth)
}
