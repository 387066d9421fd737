package grader

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

type nopDeadLetters struct{}

func (n *nopDeadLetters) Insert(ctx context.Context, entry *deadletter.Entry) error { return nil }
func (n *nopDeadLetters) List(ctx context.Context, limit int) ([]*deadletter.Entry, error) {
	return nil, nil
}
func (n *nopDeadLetters) IncrementAttempt(ctx context.Context, id string) error { return nil }
func (n *nopDeadLetters) Delete(ctx context.Context, id string) error           { return nil }

type gradeUpdate struct {
	instrument string
	grade      session.Grade
}

type fakeSessions struct {
	mu      sync.Mutex
	pending []*session.Session
	updates []gradeUpdate

	// alreadySettled simulates a racing grader winning the transition.
	alreadySettled bool
	updateFailures int
}

func (f *fakeSessions) InsertBatch(ctx context.Context, sessions []*session.Session) error {
	return nil
}

func (f *fakeSessions) ExistsForSession(ctx context.Context, market string, sessionNumber int64) (bool, error) {
	return false, nil
}

func (f *fakeSessions) ExistsForDay(ctx context.Context, market string, year, month, date int) (bool, error) {
	return false, nil
}

func (f *fakeSessions) NextSessionNumber(ctx context.Context, market string) (int64, error) {
	return 1, nil
}

func (f *fakeSessions) ListPending(ctx context.Context) ([]*session.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]*session.Session, len(f.pending))
	copy(out, f.pending)
	return out, nil
}

func (f *fakeSessions) PriorEntryPrice(ctx context.Context, market, instrument string, before int64) (*float64, error) {
	return nil, nil
}

func (f *fakeSessions) UpdateGradeIfPending(ctx context.Context, market, instrument string, sessionNumber int64, grade session.Grade) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.updateFailures > 0 {
		f.updateFailures--
		return false, errors.NewErrorDetails("store down", string(errors.TransientStoreFailure), "update")
	}
	if f.alreadySettled {
		return false, nil
	}
	f.updates = append(f.updates, gradeUpdate{instrument: instrument, grade: grade})
	kept := f.pending[:0]
	for _, p := range f.pending {
		if p.Instrument != instrument {
			kept = append(kept, p)
		}
	}
	f.pending = kept
	return true, nil
}

func (f *fakeSessions) recorded() []gradeUpdate {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]gradeUpdate, len(f.updates))
	copy(out, f.updates)
	return out
}

func pendingRow(instrument string, signal session.Signal, targetHigh, targetLow *float64) *session.Session {
	return &session.Session{
		SessionNumber: 7,
		Market:        "NYSE",
		Instrument:    instrument,
		Signal:        signal,
		Grade:         session.GradePending,
		EntryPrice:    quote.Float64Ptr(100),
		TargetHigh:    targetHigh,
		TargetLow:     targetLow,
	}
}

func setupGrader(t *testing.T) (*Grader, *memory.Bus, *fakeSessions) {
	t.Helper()

	log, err := logger.NewLogger()
	require.NoError(t, err)

	g := gate.New(config.GateConfig{
		MinPrice:     0.0001,
		MaxPrice:     1000000,
		MaxSkew:      5 * time.Minute,
		JumpFraction: 10,
	}, nil, nil)
	b := memory.NewBus(config.BusConfig{
		MaxLenPerSymbol: 100,
		StreamPrefix:    "quotes:",
	}, g, &nopDeadLetters{}, nil, log)

	sessions := &fakeSessions{}
	gr := NewGrader(config.GraderConfig{
		PollInterval: 10 * time.Millisecond,
		WriteTimeout: time.Second,
		RetryBackoff: time.Millisecond,
		MaxAttempts:  3,
	}, b, sessions, log)
	return gr, b, sessions
}

func publishLast(t *testing.T, b *memory.Bus, symbol string, last float64) {
	t.Helper()
	require.NoError(t, b.Publish(context.Background(), &quote.Event{
		Symbol:   symbol,
		Ts:       time.Now(),
		Last:     quote.Float64Ptr(last),
		LastSize: 10,
		Source:   "rtd",
		IngestID: "grade-" + symbol + "-" + time.Now().Format("150405.000000000"),
	}))
}

func TestGrader_Sweep(t *testing.T) {
	testCases := []struct {
		name      string
		signal    session.Signal
		lastPrice *float64
		want      *session.Grade
	}{
		{
			name:      "buy reaching target high works",
			signal:    session.SignalBuy,
			lastPrice: quote.Float64Ptr(111),
			want:      gradePtr(session.GradeWorked),
		},
		{
			name:      "buy reaching target low didn't work",
			signal:    session.SignalBuy,
			lastPrice: quote.Float64Ptr(89),
			want:      gradePtr(session.GradeDidntWork),
		},
		{
			name:      "buy between bands stays pending",
			signal:    session.SignalBuy,
			lastPrice: quote.Float64Ptr(100),
			want:      nil,
		},
		{
			name:      "sell reaching target low works",
			signal:    session.SignalSell,
			lastPrice: quote.Float64Ptr(89),
			want:      gradePtr(session.GradeWorked),
		},
		{
			name:      "sell reaching target high didn't work",
			signal:    session.SignalSell,
			lastPrice: quote.Float64Ptr(111),
			want:      gradePtr(session.GradeDidntWork),
		},
		{
			name:      "hold settles neutral without price data",
			signal:    session.SignalHold,
			lastPrice: nil,
			want:      gradePtr(session.GradeNeutral),
		},
		{
			name:      "no live price stays pending",
			signal:    session.SignalBuy,
			lastPrice: nil,
			want:      nil,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			gr, b, sessions := setupGrader(t)
			sessions.pending = []*session.Session{
				pendingRow("ES", tc.signal, quote.Float64Ptr(110), quote.Float64Ptr(90)),
			}
			if tc.lastPrice != nil {
				publishLast(t, b, "ES", *tc.lastPrice)
			}

			require.NoError(t, gr.Sweep(context.Background()))

			updates := sessions.recorded()
			if tc.want == nil {
				assert.Empty(t, updates)
				return
			}
			require.Len(t, updates, 1)
			assert.Equal(t, *tc.want, updates[0].grade)
		})
	}
}

func gradePtr(g session.Grade) *session.Grade {
	return &g
}

func TestGrader_TieBreaksTowardTheSignal(t *testing.T) {
	gr, b, sessions := setupGrader(t)

	// Degenerate band where one print crosses both targets at once.
	sessions.pending = []*session.Session{
		pendingRow("ES", session.SignalBuy, quote.Float64Ptr(100), quote.Float64Ptr(100)),
	}
	publishLast(t, b, "ES", 100)

	require.NoError(t, gr.Sweep(context.Background()))

	updates := sessions.recorded()
	require.Len(t, updates, 1)
	assert.Equal(t, session.GradeWorked, updates[0].grade)
}

func TestGrader_MissingBandSettlesNeutral(t *testing.T) {
	gr, _, sessions := setupGrader(t)

	// Composite and partial-capture rows carry no band and would otherwise
	// stay pending forever.
	sessions.pending = []*session.Session{
		pendingRow(session.TotalInstrument, session.SignalBuy, nil, nil),
	}

	require.NoError(t, gr.Sweep(context.Background()))

	updates := sessions.recorded()
	require.Len(t, updates, 1)
	assert.Equal(t, session.GradeNeutral, updates[0].grade)
}

func TestGrader_LosingTheRaceIsNotAnError(t *testing.T) {
	gr, b, sessions := setupGrader(t)

	sessions.pending = []*session.Session{
		pendingRow("ES", session.SignalBuy, quote.Float64Ptr(110), quote.Float64Ptr(90)),
	}
	sessions.alreadySettled = true
	publishLast(t, b, "ES", 111)

	require.NoError(t, gr.Sweep(context.Background()))
	assert.Empty(t, sessions.recorded())
}

func TestGrader_RetriesTransientWriteFailure(t *testing.T) {
	gr, b, sessions := setupGrader(t)

	sessions.pending = []*session.Session{
		pendingRow("ES", session.SignalBuy, quote.Float64Ptr(110), quote.Float64Ptr(90)),
	}
	sessions.updateFailures = 2 // fewer than MaxAttempts
	publishLast(t, b, "ES", 111)

	require.NoError(t, gr.Sweep(context.Background()))

	updates := sessions.recorded()
	require.Len(t, updates, 1)
	assert.Equal(t, session.GradeWorked, updates[0].grade)
}

func TestGrader_GivesUpAfterRetryBudget(t *testing.T) {
	gr, b, sessions := setupGrader(t)

	sessions.pending = []*session.Session{
		pendingRow("ES", session.SignalBuy, quote.Float64Ptr(110), quote.Float64Ptr(90)),
	}
	sessions.updateFailures = 10
	publishLast(t, b, "ES", 111)

	err := gr.Sweep(context.Background())
	require.Error(t, err)
	assert.True(t, errors.ErrorCodeEquals(err, errors.TransientStoreFailure))
	assert.Empty(t, sessions.recorded())
}

func TestGrader_RunSettlesPendingRows(t *testing.T) {
	gr, b, sessions := setupGrader(t)

	sessions.pending = []*session.Session{
		pendingRow("ES", session.SignalBuy, quote.Float64Ptr(110), quote.Float64Ptr(90)),
		pendingRow("NQ", session.SignalHold, nil, nil),
	}
	publishLast(t, b, "ES", 112)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = gr.Run(ctx)
	}()

	require.Eventually(t, func() bool {
		return len(sessions.recorded()) == 2
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("grader did not stop on cancel")
	}
}
