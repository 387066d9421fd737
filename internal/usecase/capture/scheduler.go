package capture

import (
	"context"
	"sync"
	"time"

	"github.com/openbell/openbell/internal/domain/calendar"
	"github.com/openbell/openbell/pkg/config"
	"github.com/openbell/openbell/pkg/errors"
	"github.com/openbell/openbell/pkg/logger"
)

// Scheduler fires CaptureMarket at each market open. It never guesses when
// the calendar is unreachable: capture is skipped and retried after a
// backoff rather than firing against a possibly-closed market.
type Scheduler struct {
	cfg      config.CaptureConfig
	capture  *Capture
	calendar calendar.Calendar
	markets  []config.MarketConfig
	logger   logger.Interface

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) bool
}

// NewScheduler creates a capture scheduler over the configured markets.
func NewScheduler(cfg config.CaptureConfig, c *Capture, cal calendar.Calendar, markets []config.MarketConfig, log logger.Interface) *Scheduler {
	return &Scheduler{
		cfg:      cfg,
		capture:  c,
		calendar: cal,
		markets:  markets,
		logger:   log,
		now:      time.Now,
		sleep:    sleepCtx,
	}
}

// Run drives one capture loop per market until the context is cancelled.
func (s *Scheduler) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	for i := range s.markets {
		wg.Add(1)
		go func(market *config.MarketConfig) {
			defer wg.Done()
			s.runMarket(ctx, market)
		}(&s.markets[i])
	}
	wg.Wait()
	return nil
}

func (s *Scheduler) runMarket(ctx context.Context, market *config.MarketConfig) {
	after, ok := s.startCursor(ctx, market.Name)
	for !ok {
		if !s.sleep(ctx, s.cfg.RetryBackoff) {
			return
		}
		after, ok = s.startCursor(ctx, market.Name)
	}

	for ctx.Err() == nil {
		openAt, err := s.calendar.NextOpen(ctx, market.Name, after)
		if err != nil {
			s.failClosed(ctx, market.Name, err)
			if !s.sleep(ctx, s.cfg.RetryBackoff) {
				return
			}
			continue
		}

		if wait := openAt.Sub(s.now()); wait > 0 {
			// Sleep in bounded slices so schedule changes and shutdown are
			// picked up promptly.
			if wait > s.cfg.MaxSleep {
				wait = s.cfg.MaxSleep
			}
			if !s.sleep(ctx, wait) {
				return
			}
			continue
		}

		if err := s.capture.CaptureMarket(ctx, market, openAt); err != nil {
			s.logger.ErrorContext(ctx, errors.TracerFromError(err), logger.Field{
				Key:   "market",
				Value: market.Name,
			}, logger.Field{
				Key:   "action",
				Value: "capture_market",
			})
			if !s.sleep(ctx, s.cfg.RetryBackoff) {
				return
			}
			continue
		}

		after = openAt
	}
}

// startCursor picks where the open cursor begins. A market already trading
// at startup gets a cursor just before the in-progress session's open, so
// the loop re-fires capture for it; the day guard in CaptureMarket makes
// that a no-op when the session was captured before the restart. A closed
// market starts at now, only future opens fire.
func (s *Scheduler) startCursor(ctx context.Context, market string) (time.Time, bool) {
	now := s.now()

	open, err := s.calendar.IsOpen(ctx, market, now)
	if err != nil {
		s.failClosed(ctx, market, err)
		return time.Time{}, false
	}
	if !open {
		return now, true
	}

	// Walk forward from a day back to find the latest open at or before now.
	cursor := now.AddDate(0, 0, -1)
	openAt := now
	for {
		next, err := s.calendar.NextOpen(ctx, market, cursor)
		if err != nil {
			s.failClosed(ctx, market, err)
			return time.Time{}, false
		}
		if next.After(now) {
			break
		}
		openAt = next
		cursor = next
	}
	return openAt.Add(-time.Nanosecond), true
}

func (s *Scheduler) failClosed(ctx context.Context, market string, err error) {
	s.logger.ErrorContext(ctx, errors.TracerFromError(err), logger.Field{
		Key:   "market",
		Value: market,
	}, logger.Field{
		Key:   "action",
		Value: "next_open",
	})
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
