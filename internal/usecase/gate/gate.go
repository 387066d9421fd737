package gate

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/openbell/openbell/internal/domain/calendar"
	"github.com/openbell/openbell/internal/domain/quote"
	"github.com/openbell/openbell/pkg/config"
	"github.com/openbell/openbell/pkg/errors"
)

// Result is the tagged outcome of the validation gate: accepted, or
// rejected with a reason suitable for the dead-letter entry.
type Result struct {
	Accepted bool
	Reason   string
}

func accepted() Result {
	return Result{Accepted: true}
}

func rejected(reason string) Result {
	return Result{Reason: reason}
}

// Gate applies the shared event validation rules on both the publish path
// and the ingestor path.
type Gate struct {
	cfg      config.GateConfig
	calendar calendar.Calendar
	marketOf map[string]string
	now      func() time.Time
}

// New creates a Gate. markets maps each configured symbol onto the market
// whose schedule guards it; symbols without a mapping skip the
// session-aware check.
func New(cfg config.GateConfig, cal calendar.Calendar, markets []config.MarketConfig) *Gate {
	marketOf := make(map[string]string)
	for _, m := range markets {
		for _, inst := range m.Instruments {
			marketOf[inst.Symbol] = m.Name
		}
	}

	return &Gate{
		cfg:      cfg,
		calendar: cal,
		marketOf: marketOf,
		now:      time.Now,
	}
}

// Check validates an event against the previous latest value for its
// symbol. A non-nil error is returned only when the calendar oracle is
// unreachable; the caller must fail closed in that case rather than treat
// the event as rejected.
func (g *Gate) Check(ctx context.Context, event *quote.Event, prev *quote.Event) (Result, error) {
	if event.Symbol == "" {
		return rejected("missing symbol"), nil
	}
	if event.IngestID == "" {
		return rejected("missing ingest id"), nil
	}
	if event.Ts.IsZero() {
		return rejected("missing timestamp"), nil
	}

	skew := g.now().Sub(event.Ts)
	if skew > g.cfg.MaxSkew || skew < -g.cfg.MaxSkew {
		return rejected(fmt.Sprintf("timestamp outside skew window: %s", skew)), nil
	}

	for _, p := range []struct {
		name  string
		value *float64
	}{
		{"last", event.Last},
		{"bid", event.Bid},
		{"ask", event.Ask},
	} {
		if p.value == nil {
			continue
		}
		v := *p.value
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return rejected(fmt.Sprintf("%s price is not a number", p.name)), nil
		}
		if v < g.cfg.MinPrice || v > g.cfg.MaxPrice {
			return rejected(fmt.Sprintf("%s price %v outside bounds", p.name, v)), nil
		}
	}

	if event.Bid != nil && event.Ask != nil && *event.Bid-*event.Ask > g.cfg.BidAskTolerance {
		return rejected(fmt.Sprintf("bid %v crosses ask %v", *event.Bid, *event.Ask)), nil
	}

	if event.Last != nil && event.Bid != nil && event.Ask != nil {
		if *event.Last < *event.Bid-g.cfg.BidAskTolerance || *event.Last > *event.Ask+g.cfg.BidAskTolerance {
			return rejected(fmt.Sprintf("last %v outside bid/ask band %v-%v", *event.Last, *event.Bid, *event.Ask)), nil
		}
	}

	if r := g.checkJump(event, prev); !r.Accepted {
		return r, nil
	}

	if r, err := g.checkSession(ctx, event); err != nil || !r.Accepted {
		return r, err
	}

	return accepted(), nil
}

// checkJump rejects a last price moving too far from the previous latest
// value without corroborating size. Uncorroborated spikes are a known
// failure mode of the desktop RTD collector.
func (g *Gate) checkJump(event, prev *quote.Event) Result {
	if prev == nil || prev.Last == nil || event.Last == nil || *prev.Last == 0 {
		return accepted()
	}

	jump := math.Abs(*event.Last-*prev.Last) / math.Abs(*prev.Last)
	if jump <= g.cfg.JumpFraction {
		return accepted()
	}
	if event.LastSize >= g.cfg.MinCorroboratingSize && event.LastSize > 0 {
		return accepted()
	}
	return rejected(fmt.Sprintf("price jump %.4f from %v to %v without corroborating size", jump, *prev.Last, *event.Last))
}

// checkSession rejects ticks arriving while the owning market is known
// closed, unless the event carries the manual backfill override.
func (g *Gate) checkSession(ctx context.Context, event *quote.Event) (Result, error) {
	if event.Override {
		return accepted(), nil
	}

	market, ok := g.marketOf[event.Symbol]
	if !ok {
		return accepted(), nil
	}

	open, err := g.calendar.IsOpen(ctx, market, event.Ts)
	if err != nil {
		return Result{}, errors.NewTracer("market calendar unreachable").Wrap(
			errors.NewErrorDetails(err.Error(), string(errors.CalendarUnavailable), "calendar"))
	}
	if !open {
		return rejected(fmt.Sprintf("market %s closed at %s", market, event.Ts.Format(time.RFC3339))), nil
	}
	return accepted(), nil
}
