package capture

import (
	"context"
	"time"

	"github.com/openbell/openbell/internal/domain/bus"
	"github.com/openbell/openbell/internal/domain/session"
	"github.com/openbell/openbell/pkg/config"
	"github.com/openbell/openbell/pkg/errors"
	"github.com/openbell/openbell/pkg/logger"
	"github.com/openbell/openbell/pkg/questdb"
)

// Capture freezes a market-open snapshot into session rows: one row per
// configured instrument plus one TOTAL row, all inside a single
// transaction so a session is either fully captured or absent.
type Capture struct {
	bus      bus.QuoteBus
	sessions session.Repository
	tx       questdb.TX
	logger   logger.Interface

	now func() time.Time
}

// NewCapture creates a capture usecase.
func NewCapture(b bus.QuoteBus, sessions session.Repository, tx questdb.TX, log logger.Interface) *Capture {
	return &Capture{
		bus:      b,
		sessions: sessions,
		tx:       tx,
		logger:   log,
		now:      time.Now,
	}
}

// CaptureMarket snapshots every instrument of the market at its open.
// A concurrent capture of the same session is detected and treated as
// success, the earlier writer's rows stand.
func (c *Capture) CaptureMarket(ctx context.Context, market *config.MarketConfig, openAt time.Time) error {
	next, err := c.sessions.NextSessionNumber(ctx, market.Name)
	if err != nil {
		return err
	}

	rows := make([]*session.Session, 0, len(market.Instruments)+1)
	for i := range market.Instruments {
		row, err := c.instrumentRow(ctx, market, &market.Instruments[i], next, openAt)
		if err != nil {
			return err
		}
		rows = append(rows, row)
	}
	rows = append(rows, c.totalRow(market, rows, next, openAt))

	txCtx, err := c.tx.Begin(ctx)
	if err != nil {
		return err
	}

	year, month, date, _ := localDay(market, openAt)
	captured, err := c.sessions.ExistsForDay(txCtx, market.Name, year, month, date)
	if err != nil {
		_ = c.tx.Rollback(txCtx)
		return err
	}
	if captured {
		// A restart after the open re-fires capture for the in-progress
		// session; the day's rows already standing make it a no-op.
		_ = c.tx.Rollback(txCtx)
		c.logger.InfoContext(ctx, "session already captured for this open", logger.Field{
			Key:   "market",
			Value: market.Name,
		}, logger.Field{
			Key:   "open_at",
			Value: openAt.Format(time.RFC3339),
		})
		return nil
	}

	exists, err := c.sessions.ExistsForSession(txCtx, market.Name, next)
	if err != nil {
		_ = c.tx.Rollback(txCtx)
		return err
	}
	if exists {
		_ = c.tx.Rollback(txCtx)
		c.logger.WarnContext(ctx, "session already captured by a concurrent writer", logger.Field{
			Key:   "market",
			Value: market.Name,
		}, logger.Field{
			Key:   "session_number",
			Value: next,
		})
		return nil
	}

	if err := c.sessions.InsertBatch(txCtx, rows); err != nil {
		_ = c.tx.Rollback(txCtx)
		if errors.ErrorCodeEquals(err, errors.DuplicateKeyCollision) {
			// Lost the race after the existence check, the winner's rows stand.
			return nil
		}
		return err
	}

	if err := c.tx.Commit(txCtx); err != nil {
		return err
	}

	c.logger.InfoContext(ctx, "captured market session", logger.Field{
		Key:   "market",
		Value: market.Name,
	}, logger.Field{
		Key:   "session_number",
		Value: next,
	}, logger.Field{
		Key:   "instruments",
		Value: len(market.Instruments),
	})
	return nil
}

// instrumentRow builds one session row from the latest bus value. A symbol
// with no quote yet still gets a row, with null prices and a HOLD signal,
// so the session stays structurally complete.
func (c *Capture) instrumentRow(ctx context.Context, market *config.MarketConfig, inst *config.InstrumentConfig, sessionNumber int64, openAt time.Time) (*session.Session, error) {
	row := newRow(market, inst.Symbol, sessionNumber, openAt, c.now())

	latest, err := c.bus.Latest(ctx, inst.Symbol)
	if err != nil {
		return nil, err
	}
	if latest == nil {
		c.logger.WarnContext(ctx, "no quote for instrument at capture", logger.Field{
			Key:   "market",
			Value: market.Name,
		}, logger.Field{
			Key:   "symbol",
			Value: inst.Symbol,
		})
		return row, nil
	}

	row.LastPrice = latest.Last
	row.BidPrice = latest.Bid
	row.AskPrice = latest.Ask
	row.BidSize = latest.BidSize
	row.AskSize = latest.AskSize
	row.Spread = latest.Spread()
	row.Volume = latest.Volume

	if latest.Last == nil {
		return row, nil
	}
	entry := *latest.Last
	row.EntryPrice = &entry

	high, low := targets(inst, entry)
	row.TargetHigh = &high
	row.TargetLow = &low

	reference, err := c.sessions.PriorEntryPrice(ctx, market.Name, inst.Symbol, sessionNumber)
	if err != nil {
		return nil, err
	}
	row.Signal = deriveSignal(inst, entry, reference)

	return row, nil
}

// totalRow aggregates the instrument rows into the per-market composite.
func (c *Capture) totalRow(market *config.MarketConfig, rows []*session.Session, sessionNumber int64, openAt time.Time) *session.Session {
	row := newRow(market, session.TotalInstrument, sessionNumber, openAt, c.now())

	var sum, weights float64
	for _, r := range rows {
		inst, ok := market.Instrument(r.Instrument)
		if !ok {
			continue
		}
		sum += r.Signal.Numeric() * inst.Weight
		weights += inst.Weight
	}

	count := len(rows)
	row.InstrumentCount = &count

	avg := 0.0
	if weights > 0 {
		avg = sum / weights
	}
	row.WeightedAverage = &avg

	switch {
	case avg > 0:
		row.Signal = session.SignalBuy
	case avg < 0:
		row.Signal = session.SignalSell
	}

	return row
}

func newRow(market *config.MarketConfig, instrument string, sessionNumber int64, openAt, capturedAt time.Time) *session.Session {
	year, month, date, day := localDay(market, openAt)

	return &session.Session{
		SessionNumber: sessionNumber,
		Market:        market.Name,
		Instrument:    instrument,
		Year:          year,
		Month:         month,
		Date:          date,
		Day:           day,
		CapturedAt:    capturedAt,
		Signal:        session.SignalHold,
		Grade:         session.GradePending,
	}
}

// localDay resolves the open instant to the market's calendar day.
func localDay(market *config.MarketConfig, openAt time.Time) (year, month, date int, day string) {
	local := openAt
	if loc, err := time.LoadLocation(market.Timezone); err == nil {
		local = openAt.In(loc)
	}
	return local.Year(), int(local.Month()), local.Day(), local.Weekday().String()
}

// targets derives the worked/didn't-work price band around the entry.
func targets(inst *config.InstrumentConfig, entry float64) (high, low float64) {
	switch inst.TargetMode {
	case "absolute":
		return entry + inst.TargetOffset, entry - inst.TargetOffset
	default: // percent
		return entry * (1 + inst.TargetOffset/100), entry * (1 - inst.TargetOffset/100)
	}
}

// deriveSignal compares the captured entry against the prior session's
// entry for the same instrument. No reference level means no call.
func deriveSignal(inst *config.InstrumentConfig, entry float64, reference *float64) session.Signal {
	if reference == nil || *reference == 0 {
		return session.SignalHold
	}

	changePct := (entry - *reference) / *reference * 100
	switch {
	case changePct >= inst.BuyThresholdPct:
		return session.SignalBuy
	case changePct <= -inst.SellThresholdPct:
		return session.SignalSell
	default:
		return session.SignalHold
	}
}
