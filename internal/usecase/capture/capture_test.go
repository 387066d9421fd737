package capture

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/openbell/openbell/internal/bus/memory"
	"github.com/openbell/openbell/internal/domain/deadletter"
	"github.com/openbell/openbell/internal/domain/quote"
	"github.com/openbell/openbell/internal/domain/session"
	"github.com/openbell/openbell/internal/usecase/gate"
	"github.com/openbell/openbell/pkg/config"
	"github.com/openbell/openbell/pkg/errors"
	"github.com/openbell/openbell/pkg/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type txState struct{}

// fakeTX stages writes until Commit, mirroring the context-embedded
// transaction helpers.
type fakeTX struct {
	store     *fakeSessions
	commits   int
	rollbacks int
}

func (f *fakeTX) Begin(ctx context.Context) (context.Context, error) {
	f.store.mu.Lock()
	f.store.staged = nil
	f.store.mu.Unlock()
	return context.WithValue(ctx, txState{}, f), nil
}

func (f *fakeTX) Commit(ctx context.Context) error {
	f.store.mu.Lock()
	defer f.store.mu.Unlock()
	f.store.rows = append(f.store.rows, f.store.staged...)
	f.store.staged = nil
	f.commits++
	return nil
}

func (f *fakeTX) Rollback(ctx context.Context) error {
	f.store.mu.Lock()
	defer f.store.mu.Unlock()
	f.store.staged = nil
	f.rollbacks++
	return nil
}

type fakeSessions struct {
	mu     sync.Mutex
	rows   []*session.Session
	staged []*session.Session

	priorEntries map[string]*float64
	existing     map[string]bool
	insertErr    error
}

func newFakeSessions() *fakeSessions {
	return &fakeSessions{
		priorEntries: make(map[string]*float64),
		existing:     make(map[string]bool),
	}
}

func (f *fakeSessions) InsertBatch(ctx context.Context, sessions []*session.Session) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.insertErr != nil {
		return f.insertErr
	}
	if ctx.Value(txState{}) != nil {
		f.staged = append(f.staged, sessions...)
	} else {
		f.rows = append(f.rows, sessions...)
	}
	return nil
}

func (f *fakeSessions) ExistsForSession(ctx context.Context, market string, sessionNumber int64) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.existing[market], nil
}

func (f *fakeSessions) ExistsForDay(ctx context.Context, market string, year, month, date int) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, r := range f.rows {
		if r.Market == market && r.Year == year && r.Month == month && r.Date == date {
			return true, nil
		}
	}
	return false, nil
}

func (f *fakeSessions) NextSessionNumber(ctx context.Context, market string) (int64, error) {
	return 42, nil
}

func (f *fakeSessions) ListPending(ctx context.Context) ([]*session.Session, error) {
	return nil, nil
}

func (f *fakeSessions) PriorEntryPrice(ctx context.Context, market, instrument string, before int64) (*float64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.priorEntries[instrument], nil
}

func (f *fakeSessions) UpdateGradeIfPending(ctx context.Context, market, instrument string, sessionNumber int64, grade session.Grade) (bool, error) {
	return false, nil
}

func (f *fakeSessions) byInstrument() map[string]*session.Session {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[string]*session.Session)
	for _, r := range f.rows {
		out[r.Instrument] = r
	}
	return out
}

var testOpen = time.Date(2026, 3, 2, 14, 30, 0, 0, time.UTC) // 09:30 New York

func testMarket() *config.MarketConfig {
	return &config.MarketConfig{
		Name:     "NYSE",
		Timezone: "America/New_York",
		Open:     "09:30",
		Close:    "16:00",
		Instruments: []config.InstrumentConfig{
			{Symbol: "ES", Weight: 1, TargetMode: "percent", TargetOffset: 0.5, BuyThresholdPct: 0.25, SellThresholdPct: 0.25},
			{Symbol: "NQ", Weight: 1, TargetMode: "percent", TargetOffset: 0.75, BuyThresholdPct: 0.3, SellThresholdPct: 0.3},
			{Symbol: "YM", Weight: 1, TargetMode: "absolute", TargetOffset: 120, BuyThresholdPct: 0.25, SellThresholdPct: 0.25},
		},
	}
}

func setupCapture(t *testing.T) (*Capture, *memory.Bus, *fakeSessions, *fakeTX) {
	t.Helper()

	log, err := logger.NewLogger()
	require.NoError(t, err)

	g := gate.New(config.GateConfig{
		MinPrice:     0.0001,
		MaxPrice:     1000000,
		MaxSkew:      5 * time.Minute,
		JumpFraction: 0.5,
	}, nil, nil)
	b := memory.NewBus(config.BusConfig{
		MaxLenPerSymbol: 100,
		StreamPrefix:    "quotes:",
	}, g, &nopDeadLetters{}, nil, log)

	sessions := newFakeSessions()
	tx := &fakeTX{store: sessions}
	c := NewCapture(b, sessions, tx, log)
	c.now = func() time.Time { return testOpen }
	return c, b, sessions, tx
}

type nopDeadLetters struct{}

func (n *nopDeadLetters) Insert(ctx context.Context, entry *deadletter.Entry) error { return nil }
func (n *nopDeadLetters) List(ctx context.Context, limit int) ([]*deadletter.Entry, error) {
	return nil, nil
}
func (n *nopDeadLetters) IncrementAttempt(ctx context.Context, id string) error { return nil }
func (n *nopDeadLetters) Delete(ctx context.Context, id string) error           { return nil }

func publishLatest(t *testing.T, b *memory.Bus, symbol string, last float64) {
	t.Helper()
	require.NoError(t, b.Publish(context.Background(), &quote.Event{
		Symbol:   symbol,
		Ts:       time.Now(),
		Last:     quote.Float64Ptr(last),
		LastSize: 10,
		Source:   "rtd",
		IngestID: "capture-" + symbol,
	}))
}

func TestCapture_SignalsAndTotalAggregation(t *testing.T) {
	c, b, sessions, tx := setupCapture(t)
	ctx := context.Background()

	publishLatest(t, b, "ES", 5000)  // prior 4900: +2.04% -> BUY
	publishLatest(t, b, "NQ", 17500) // prior 18000: -2.78% -> SELL
	publishLatest(t, b, "YM", 39000) // no prior -> HOLD
	sessions.priorEntries["ES"] = quote.Float64Ptr(4900)
	sessions.priorEntries["NQ"] = quote.Float64Ptr(18000)

	require.NoError(t, c.CaptureMarket(ctx, testMarket(), testOpen))
	assert.Equal(t, 1, tx.commits)

	rows := sessions.byInstrument()
	require.Len(t, rows, 4)

	assert.Equal(t, session.SignalBuy, rows["ES"].Signal)
	assert.Equal(t, session.SignalSell, rows["NQ"].Signal)
	assert.Equal(t, session.SignalHold, rows["YM"].Signal)

	total := rows[session.TotalInstrument]
	require.NotNil(t, total)
	require.NotNil(t, total.WeightedAverage)
	assert.InDelta(t, 0.0, *total.WeightedAverage, 1e-9) // (1 - 1 + 0) / 3
	require.NotNil(t, total.InstrumentCount)
	assert.Equal(t, 3, *total.InstrumentCount)
	assert.Equal(t, session.SignalHold, total.Signal)
	assert.Equal(t, session.GradePending, total.Grade)

	// Every row shares the session number and the open's calendar day.
	for _, r := range rows {
		assert.Equal(t, int64(42), r.SessionNumber)
		assert.Equal(t, 2026, r.Year)
		assert.Equal(t, 3, r.Month)
		assert.Equal(t, 2, r.Date)
		assert.Equal(t, "Monday", r.Day)
		assert.Equal(t, session.GradePending, r.Grade)
	}
}

func TestCapture_TargetBands(t *testing.T) {
	c, b, sessions, _ := setupCapture(t)
	ctx := context.Background()

	publishLatest(t, b, "ES", 5000)  // percent 0.5
	publishLatest(t, b, "YM", 39000) // absolute 120

	require.NoError(t, c.CaptureMarket(ctx, testMarket(), testOpen))
	rows := sessions.byInstrument()

	es := rows["ES"]
	require.NotNil(t, es.TargetHigh)
	assert.InDelta(t, 5025, *es.TargetHigh, 1e-9)
	assert.InDelta(t, 4975, *es.TargetLow, 1e-9)

	ym := rows["YM"]
	require.NotNil(t, ym.TargetHigh)
	assert.InDelta(t, 39120, *ym.TargetHigh, 1e-9)
	assert.InDelta(t, 38880, *ym.TargetLow, 1e-9)
}

func TestCapture_MissingQuoteStillWritesRow(t *testing.T) {
	c, b, sessions, tx := setupCapture(t)
	ctx := context.Background()

	publishLatest(t, b, "ES", 5000)
	// NQ and YM have no quotes at all.

	require.NoError(t, c.CaptureMarket(ctx, testMarket(), testOpen))
	assert.Equal(t, 1, tx.commits)

	rows := sessions.byInstrument()
	require.Len(t, rows, 4)

	nq := rows["NQ"]
	assert.Nil(t, nq.LastPrice)
	assert.Nil(t, nq.EntryPrice)
	assert.Nil(t, nq.TargetHigh)
	assert.Equal(t, session.SignalHold, nq.Signal)
	assert.Equal(t, session.GradePending, nq.Grade)
}

func TestCapture_ConcurrentCaptureIsTreatedAsSuccess(t *testing.T) {
	c, b, sessions, tx := setupCapture(t)
	ctx := context.Background()

	publishLatest(t, b, "ES", 5000)
	sessions.existing["NYSE"] = true

	require.NoError(t, c.CaptureMarket(ctx, testMarket(), testOpen))

	assert.Equal(t, 0, tx.commits)
	assert.Equal(t, 1, tx.rollbacks)
	assert.Empty(t, sessions.rows)
}

func TestCapture_RefiredOpenAfterRestartIsSkipped(t *testing.T) {
	c, b, sessions, tx := setupCapture(t)
	ctx := context.Background()

	publishLatest(t, b, "ES", 5000)
	require.NoError(t, c.CaptureMarket(ctx, testMarket(), testOpen))
	require.Equal(t, 1, tx.commits)

	// A restart re-fires the same open; the next session number has moved
	// past the first capture, so day identity is what stops the rewrite.
	require.NoError(t, c.CaptureMarket(ctx, testMarket(), testOpen))

	assert.Equal(t, 1, tx.commits)
	assert.Equal(t, 1, tx.rollbacks)
	assert.Len(t, sessions.rows, 4)
}

func TestCapture_InsertFailureRollsBackEverything(t *testing.T) {
	c, b, sessions, tx := setupCapture(t)
	ctx := context.Background()

	publishLatest(t, b, "ES", 5000)
	sessions.insertErr = errors.NewErrorDetails("store down", string(errors.TransientStoreFailure), "insert")

	err := c.CaptureMarket(ctx, testMarket(), testOpen)
	require.Error(t, err)

	assert.Equal(t, 0, tx.commits)
	assert.Equal(t, 1, tx.rollbacks)
	assert.Empty(t, sessions.rows)
}

func TestCapture_DuplicateKeyOnInsertIsSuccess(t *testing.T) {
	c, b, sessions, tx := setupCapture(t)
	ctx := context.Background()

	publishLatest(t, b, "ES", 5000)
	sessions.insertErr = errors.NewErrorDetails("dup", string(errors.DuplicateKeyCollision), "insert")

	require.NoError(t, c.CaptureMarket(ctx, testMarket(), testOpen))
	assert.Equal(t, 0, tx.commits)
	assert.Equal(t, 1, tx.rollbacks)
}
