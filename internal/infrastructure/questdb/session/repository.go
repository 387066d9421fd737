package session

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/openbell/openbell/internal/domain/session"
	"github.com/openbell/openbell/pkg/questdb"
)

const sessionColumns = `session_number, market, instrument, year, month, date, day, captured_at,
	last_price, bid_price, ask_price, bid_size, ask_size, spread, volume,
	entry_price, target_high, target_low, signal, grade, weighted_average, instrument_count`

// Repository persists captured market sessions and their grade
// transitions.
type Repository struct {
	client questdb.QuestDBClient
}

var _ session.Repository = (*Repository)(nil)

// NewRepository creates a new market session repository.
func NewRepository(client questdb.QuestDBClient) *Repository {
	return &Repository{
		client: client,
	}
}

// InsertBatch writes every row of one capture. Callers run it inside a
// transaction so a session number appears fully or not at all.
func (r *Repository) InsertBatch(ctx context.Context, sessions []*session.Session) error {
	if len(sessions) == 0 {
		return nil
	}

	query := `INSERT INTO market_sessions (` + sessionColumns + `)
			  VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20, $21, $22)`

	for _, s := range sessions {
		err := r.client.Exec(ctx, query,
			s.SessionNumber, s.Market, s.Instrument, s.Year, s.Month, s.Date, s.Day, s.CapturedAt,
			s.LastPrice, s.BidPrice, s.AskPrice, s.BidSize, s.AskSize, s.Spread, s.Volume,
			s.EntryPrice, s.TargetHigh, s.TargetLow, string(s.Signal), string(s.Grade),
			s.WeightedAverage, s.InstrumentCount)
		if err != nil {
			return fmt.Errorf("failed to store session row: %w", err)
		}
	}

	return nil
}

// ExistsForSession reports whether any row exists for the market's session
// number. Used by capture to detect a duplicate open-transition trigger.
func (r *Repository) ExistsForSession(ctx context.Context, market string, sessionNumber int64) (bool, error) {
	query := `SELECT count(*) FROM market_sessions WHERE market = $1 AND session_number = $2`

	var count int64
	err := r.client.QueryRow(ctx, query, market, sessionNumber).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("failed to count session rows: %w", err)
	}

	return count > 0, nil
}

// ExistsForDay reports whether the market already has rows captured for the
// local calendar day. Capture keys idempotency on the day because session
// numbers move forward after every completed capture.
func (r *Repository) ExistsForDay(ctx context.Context, market string, year, month, date int) (bool, error) {
	query := `SELECT count(*) FROM market_sessions WHERE market = $1 AND year = $2 AND month = $3 AND date = $4`

	var count int64
	err := r.client.QueryRow(ctx, query, market, year, month, date).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("failed to count session rows for day: %w", err)
	}

	return count > 0, nil
}

// NextSessionNumber returns max(session_number)+1 for the market, starting
// at 1 for a market with no rows.
func (r *Repository) NextSessionNumber(ctx context.Context, market string) (int64, error) {
	query := `SELECT COALESCE(MAX(session_number), 0) FROM market_sessions WHERE market = $1`

	var current int64
	err := r.client.QueryRow(ctx, query, market).Scan(&current)
	if err != nil {
		return 0, fmt.Errorf("failed to get max session number: %w", err)
	}

	return current + 1, nil
}

// ListPending retrieves all rows still awaiting a terminal grade.
func (r *Repository) ListPending(ctx context.Context) ([]*session.Session, error) {
	query := `SELECT ` + sessionColumns + ` FROM market_sessions WHERE grade = $1`

	rows, err := r.client.Query(ctx, query, string(session.GradePending))
	if err != nil {
		return nil, fmt.Errorf("failed to query pending sessions: %w", err)
	}
	defer rows.Close()

	var sessions []*session.Session
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, s)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating rows: %w", err)
	}

	return sessions, nil
}

// UpdateGradeIfPending applies the terminal grade only when the row is
// still PENDING. The WHERE guard keeps the transition monotonic; the
// reported bool is informational for logging.
func (r *Repository) UpdateGradeIfPending(ctx context.Context, market, instrument string, sessionNumber int64, grade session.Grade) (bool, error) {
	check := `SELECT grade FROM market_sessions WHERE market = $1 AND instrument = $2 AND session_number = $3`

	var current string
	err := r.client.QueryRow(ctx, check, market, instrument, sessionNumber).Scan(&current)
	if err == pgx.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to read current grade: %w", err)
	}
	if session.Grade(current) != session.GradePending {
		return false, nil
	}

	update := `UPDATE market_sessions SET grade = $1
			   WHERE market = $2 AND instrument = $3 AND session_number = $4 AND grade = $5`

	err = r.client.Exec(ctx, update, string(grade), market, instrument, sessionNumber, string(session.GradePending))
	if err != nil {
		return false, fmt.Errorf("failed to update grade: %w", err)
	}

	return true, nil
}

// PriorEntryPrice returns the entry price of the market's most recent
// session before the given one for the instrument, nil when none exists.
// Capture uses it as the reference level for signal derivation.
func (r *Repository) PriorEntryPrice(ctx context.Context, market, instrument string, before int64) (*float64, error) {
	query := `SELECT entry_price FROM market_sessions
			  WHERE market = $1 AND instrument = $2 AND session_number < $3
			  ORDER BY session_number DESC LIMIT 1`

	var price *float64
	err := r.client.QueryRow(ctx, query, market, instrument, before).Scan(&price)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get prior entry price: %w", err)
	}

	return price, nil
}

func scanSession(rows questdb.RowsInterface) (*session.Session, error) {
	s := &session.Session{}
	var signal, grade string
	err := rows.Scan(&s.SessionNumber, &s.Market, &s.Instrument, &s.Year, &s.Month, &s.Date, &s.Day, &s.CapturedAt,
		&s.LastPrice, &s.BidPrice, &s.AskPrice, &s.BidSize, &s.AskSize, &s.Spread, &s.Volume,
		&s.EntryPrice, &s.TargetHigh, &s.TargetLow, &signal, &grade,
		&s.WeightedAverage, &s.InstrumentCount)
	if err != nil {
		return nil, fmt.Errorf("failed to scan session: %w", err)
	}
	s.Signal = session.Signal(signal)
	s.Grade = session.Grade(grade)
	return s, nil
}
