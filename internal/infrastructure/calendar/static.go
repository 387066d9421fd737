package calendar

import (
	"context"
	"fmt"
	"time"

	"github.com/openbell/openbell/internal/domain/calendar"
	"github.com/openbell/openbell/pkg/config"
	"github.com/openbell/openbell/pkg/errors"
)

type marketSchedule struct {
	location *time.Location
	open     time.Duration
	close    time.Duration
	days     map[time.Weekday]bool
	holidays map[string]bool
}

// Static is a schedule-file calendar oracle. Markets missing from the file
// or carrying an unloadable timezone surface as CalendarUnavailable so
// callers fail closed instead of guessing.
type Static struct {
	markets map[string]*marketSchedule
}

var _ calendar.Calendar = (*Static)(nil)

// NewStatic builds a calendar from the markets configuration.
func NewStatic(markets []config.MarketConfig) (*Static, error) {
	schedules := make(map[string]*marketSchedule, len(markets))
	for _, m := range markets {
		schedule, err := buildSchedule(m)
		if err != nil {
			return nil, err
		}
		schedules[m.Name] = schedule
	}
	return &Static{markets: schedules}, nil
}

func buildSchedule(m config.MarketConfig) (*marketSchedule, error) {
	location, err := time.LoadLocation(m.Timezone)
	if err != nil {
		return nil, errors.NewErrorDetails(
			fmt.Sprintf("unknown timezone %q for market %s", m.Timezone, m.Name),
			string(errors.CalendarUnavailable), "timezone")
	}

	open, err := parseWallClock(m.Open)
	if err != nil {
		return nil, errors.NewErrorDetails(
			fmt.Sprintf("bad open time %q for market %s", m.Open, m.Name),
			string(errors.CalendarUnavailable), "open")
	}
	closeAt, err := parseWallClock(m.Close)
	if err != nil {
		return nil, errors.NewErrorDetails(
			fmt.Sprintf("bad close time %q for market %s", m.Close, m.Name),
			string(errors.CalendarUnavailable), "close")
	}

	days := make(map[time.Weekday]bool)
	if len(m.Days) == 0 {
		for d := time.Monday; d <= time.Friday; d++ {
			days[d] = true
		}
	} else {
		for _, name := range m.Days {
			day, ok := weekdayByName(name)
			if !ok {
				return nil, errors.NewErrorDetails(
					fmt.Sprintf("bad trading day %q for market %s", name, m.Name),
					string(errors.CalendarUnavailable), "days")
			}
			days[day] = true
		}
	}

	holidays := make(map[string]bool, len(m.Holidays))
	for _, h := range m.Holidays {
		holidays[h] = true
	}

	return &marketSchedule{
		location: location,
		open:     open,
		close:    closeAt,
		days:     days,
		holidays: holidays,
	}, nil
}

// IsOpen reports whether the market trades at the given instant.
func (s *Static) IsOpen(ctx context.Context, market string, at time.Time) (bool, error) {
	schedule, err := s.schedule(market)
	if err != nil {
		return false, err
	}

	local := at.In(schedule.location)
	if !schedule.tradingDay(local) {
		return false, nil
	}

	sinceMidnight := local.Sub(midnight(local))
	return sinceMidnight >= schedule.open && sinceMidnight < schedule.close, nil
}

// NextOpen returns the first open instant strictly after the given time.
func (s *Static) NextOpen(ctx context.Context, market string, after time.Time) (time.Time, error) {
	schedule, err := s.schedule(market)
	if err != nil {
		return time.Time{}, err
	}

	local := after.In(schedule.location)
	day := midnight(local)
	// A year of lookahead covers any holiday run.
	for i := 0; i < 366; i++ {
		candidate := day.Add(schedule.open)
		if candidate.After(after) && schedule.tradingDay(candidate) {
			return candidate, nil
		}
		day = day.AddDate(0, 0, 1)
	}

	return time.Time{}, errors.NewErrorDetails(
		fmt.Sprintf("no open instant within a year for market %s", market),
		string(errors.CalendarUnavailable), "next_open")
}

func (s *Static) schedule(market string) (*marketSchedule, error) {
	schedule, ok := s.markets[market]
	if !ok {
		return nil, errors.NewErrorDetails(
			fmt.Sprintf("no schedule for market %s", market),
			string(errors.CalendarUnavailable), "market")
	}
	return schedule, nil
}

func (m *marketSchedule) tradingDay(local time.Time) bool {
	if !m.days[local.Weekday()] {
		return false
	}
	return !m.holidays[local.Format("2006-01-02")]
}

func parseWallClock(value string) (time.Duration, error) {
	t, err := time.Parse("15:04", value)
	if err != nil {
		return 0, err
	}
	return time.Duration(t.Hour())*time.Hour + time.Duration(t.Minute())*time.Minute, nil
}

func midnight(local time.Time) time.Time {
	year, month, day := local.Date()
	return time.Date(year, month, day, 0, 0, 0, 0, local.Location())
}

func weekdayByName(name string) (time.Weekday, bool) {
	for d := time.Sunday; d <= time.Saturday; d++ {
		if d.String() == name {
			return d, true
		}
	}
	return 0, false
}
