package session

import (
	"context"
)

// Repository is the interface for the market session repository.
//
//go:generate mockgen -source=interface.go -destination=mock/interface_mock.go -package=mock
type Repository interface {
	// InsertBatch writes every row of one capture. Callers wrap it in a
	// transaction so a session number appears fully or not at all.
	InsertBatch(ctx context.Context, sessions []*Session) error
	ExistsForSession(ctx context.Context, market string, sessionNumber int64) (bool, error)
	// ExistsForDay reports whether the market already has rows captured for
	// the given local calendar day. Session numbers move forward after every
	// capture, so day identity is what makes a re-fired open idempotent.
	ExistsForDay(ctx context.Context, market string, year, month, date int) (bool, error)
	// NextSessionNumber returns max(session_number)+1 for the market,
	// starting at 1 for a market with no rows.
	NextSessionNumber(ctx context.Context, market string) (int64, error)
	ListPending(ctx context.Context) ([]*Session, error)
	// PriorEntryPrice returns the entry price of the most recent session
	// before the given number for (market, instrument), nil when none
	// exists. Capture uses it as the signal reference level.
	PriorEntryPrice(ctx context.Context, market, instrument string, before int64) (*float64, error)
	// UpdateGradeIfPending applies the terminal grade only when the row is
	// still PENDING and reports whether a row transitioned. Terminal rows
	// never reopen.
	UpdateGradeIfPending(ctx context.Context, market, instrument string, sessionNumber int64, grade Grade) (bool, error)
}
