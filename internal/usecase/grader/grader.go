package grader

import (
	"context"
	"time"

	"github.com/openbell/openbell/internal/domain/bus"
	"github.com/openbell/openbell/internal/domain/session"
	"github.com/openbell/openbell/pkg/config"
	"github.com/openbell/openbell/pkg/errors"
	"github.com/openbell/openbell/pkg/logger"
)

// Grader walks pending session rows against live prices and settles each
// exactly once. Transitions go through the repository's pending-guarded
// update, so a terminal grade can never be overwritten even with several
// graders racing.
type Grader struct {
	cfg      config.GraderConfig
	bus      bus.QuoteBus
	sessions session.Repository
	logger   logger.Interface
}

// NewGrader creates a live grader.
func NewGrader(cfg config.GraderConfig, b bus.QuoteBus, sessions session.Repository, log logger.Interface) *Grader {
	return &Grader{
		cfg:      cfg,
		bus:      b,
		sessions: sessions,
		logger:   log,
	}
}

// Run polls pending rows on the configured interval until cancelled.
func (g *Grader) Run(ctx context.Context) error {
	g.logger.InfoContext(ctx, "starting live grader", logger.Field{
		Key:   "poll_interval",
		Value: g.cfg.PollInterval.String(),
	})

	ticker := time.NewTicker(g.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			g.logger.InfoContext(ctx, "stopping live grader")
			return nil
		case <-ticker.C:
			if err := g.Sweep(ctx); err != nil {
				g.logger.ErrorContext(ctx, errors.TracerFromError(err), logger.Field{
					Key:   "action",
					Value: "grade_sweep",
				})
			}
		}
	}
}

// Sweep grades every currently pending row once. Rows the live price has
// not decided stay pending for the next sweep.
func (g *Grader) Sweep(ctx context.Context) error {
	pending, err := g.sessions.ListPending(ctx)
	if err != nil {
		return err
	}

	for _, row := range pending {
		grade, ok, err := g.decide(ctx, row)
		if err != nil {
			return err
		}
		if !ok {
			continue
		}
		if err := g.settle(ctx, row, grade); err != nil {
			return err
		}
	}
	return nil
}

// decide computes the terminal grade for a row, or ok=false when live data
// cannot settle it yet.
func (g *Grader) decide(ctx context.Context, row *session.Session) (session.Grade, bool, error) {
	if row.Signal == session.SignalHold {
		return session.GradeNeutral, true, nil
	}
	if row.TargetHigh == nil || row.TargetLow == nil {
		// No price band to judge against (composite rows and partial
		// captures): nothing will ever settle it, close it out.
		return session.GradeNeutral, true, nil
	}

	latest, err := g.bus.Latest(ctx, row.Instrument)
	if err != nil {
		return "", false, err
	}
	if latest == nil || latest.Last == nil {
		return "", false, nil
	}
	last := *latest.Last

	hitHigh := last >= *row.TargetHigh
	hitLow := last <= *row.TargetLow
	if !hitHigh && !hitLow {
		return "", false, nil
	}

	// A single observation crossing both bands counts for the signal's
	// direction.
	switch row.Signal {
	case session.SignalBuy:
		if hitHigh {
			return session.GradeWorked, true, nil
		}
		return session.GradeDidntWork, true, nil
	case session.SignalSell:
		if hitLow {
			return session.GradeWorked, true, nil
		}
		return session.GradeDidntWork, true, nil
	default:
		return session.GradeNeutral, true, nil
	}
}

// settle writes the terminal grade with a bounded per-write timeout and
// retries transient store failures.
func (g *Grader) settle(ctx context.Context, row *session.Session, grade session.Grade) error {
	backoff := g.cfg.RetryBackoff
	var lastErr error

	for attempt := 0; attempt < g.cfg.MaxAttempts; attempt++ {
		writeCtx, cancel := context.WithTimeout(ctx, g.cfg.WriteTimeout)
		updated, err := g.sessions.UpdateGradeIfPending(writeCtx, row.Market, row.Instrument, row.SessionNumber, grade)
		cancel()

		if err == nil {
			if updated {
				g.logger.InfoContext(ctx, "session row graded", logger.Field{
					Key:   "market",
					Value: row.Market,
				}, logger.Field{
					Key:   "instrument",
					Value: row.Instrument,
				}, logger.Field{
					Key:   "session_number",
					Value: row.SessionNumber,
				}, logger.Field{
					Key:   "grade",
					Value: string(grade),
				})
			}
			// Not updated means another grader settled it first.
			return nil
		}
		lastErr = err

		select {
		case <-ctx.Done():
			return lastErr
		case <-time.After(backoff):
			backoff *= 2
		}
	}

	return errors.NewTracer("session store unavailable beyond retry budget").Wrap(lastErr)
}
