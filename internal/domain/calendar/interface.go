package calendar

import (
	"context"
	"time"
)

// Calendar is the read-only market schedule oracle. Implementations report
// errors when the schedule source is unreachable; callers fail closed on
// error (no capture, no ingest for the affected market).
//
//go:generate mockgen -source=interface.go -destination=mock/interface_mock.go -package=mock
type Calendar interface {
	IsOpen(ctx context.Context, market string, at time.Time) (bool, error)
	// NextOpen returns the first open instant strictly after the given time.
	NextOpen(ctx context.Context, market string, after time.Time) (time.Time, error)
}
