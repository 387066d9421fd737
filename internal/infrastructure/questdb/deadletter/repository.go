package deadletter

import (
	"context"
	"fmt"

	"github.com/openbell/openbell/internal/domain/deadletter"
	"github.com/openbell/openbell/pkg/questdb"
)

// Repository persists quarantined quote payloads for later replay.
type Repository struct {
	client questdb.QuestDBClient
}

var _ deadletter.Repository = (*Repository)(nil)

// NewRepository creates a new dead-letter repository.
func NewRepository(client questdb.QuestDBClient) *Repository {
	return &Repository{
		client: client,
	}
}

// Insert stores a quarantined payload.
func (r *Repository) Insert(ctx context.Context, entry *deadletter.Entry) error {
	query := `INSERT INTO dead_letters (id, raw_payload, reason, first_seen_at, attempt_count)
			  VALUES ($1, $2, $3, $4, $5)`

	err := r.client.Exec(ctx, query,
		entry.ID, string(entry.RawPayload), entry.Reason, entry.FirstSeenAt, entry.AttemptCount)
	if err != nil {
		return fmt.Errorf("failed to store dead letter: %w", err)
	}

	return nil
}

// List retrieves quarantined entries oldest first, for replay.
func (r *Repository) List(ctx context.Context, limit int) ([]*deadletter.Entry, error) {
	query := `SELECT id, raw_payload, reason, first_seen_at, attempt_count
			  FROM dead_letters ORDER BY first_seen_at ASC LIMIT $1`

	rows, err := r.client.Query(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query dead letters: %w", err)
	}
	defer rows.Close()

	var entries []*deadletter.Entry
	for rows.Next() {
		entry := &deadletter.Entry{}
		var payload string
		err := rows.Scan(&entry.ID, &payload, &entry.Reason, &entry.FirstSeenAt, &entry.AttemptCount)
		if err != nil {
			return nil, fmt.Errorf("failed to scan dead letter: %w", err)
		}
		entry.RawPayload = []byte(payload)
		entries = append(entries, entry)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating rows: %w", err)
	}

	return entries, nil
}

// IncrementAttempt bumps the replay attempt counter.
func (r *Repository) IncrementAttempt(ctx context.Context, id string) error {
	query := `UPDATE dead_letters SET attempt_count = attempt_count + 1 WHERE id = $1`

	if err := r.client.Exec(ctx, query, id); err != nil {
		return fmt.Errorf("failed to increment attempt count: %w", err)
	}
	return nil
}

// Delete removes a successfully replayed entry.
func (r *Repository) Delete(ctx context.Context, id string) error {
	query := `DELETE FROM dead_letters WHERE id = $1`

	if err := r.client.Exec(ctx, query, id); err != nil {
		return fmt.Errorf("failed to delete dead letter: %w", err)
	}
	return nil
}
