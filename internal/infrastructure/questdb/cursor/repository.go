package cursor

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/openbell/openbell/internal/domain/cursor"
	"github.com/openbell/openbell/pkg/questdb"
)

// Repository persists consumer-group cursor positions. Each (group, stream)
// pair has a single writer, so the read-then-write save is race-free.
type Repository struct {
	client questdb.QuestDBClient
}

var _ cursor.Repository = (*Repository)(nil)

// NewRepository creates a new consumer cursor repository.
func NewRepository(client questdb.QuestDBClient) *Repository {
	return &Repository{
		client: client,
	}
}

// Save stores the last acknowledged position for the group and stream.
func (r *Repository) Save(ctx context.Context, c *cursor.Cursor) error {
	existing, err := r.Load(ctx, c.Group, c.Stream)
	if err != nil {
		return err
	}

	if existing == "" {
		query := `INSERT INTO consumer_cursors (group_name, stream, position, updated_at)
				  VALUES ($1, $2, $3, $4)`
		if err := r.client.Exec(ctx, query, c.Group, c.Stream, c.Position, c.UpdatedAt); err != nil {
			return fmt.Errorf("failed to insert cursor: %w", err)
		}
		return nil
	}

	query := `UPDATE consumer_cursors SET position = $1, updated_at = $2
			  WHERE group_name = $3 AND stream = $4`
	if err := r.client.Exec(ctx, query, c.Position, c.UpdatedAt, c.Group, c.Stream); err != nil {
		return fmt.Errorf("failed to update cursor: %w", err)
	}
	return nil
}

// Load returns the saved position, "" when the group has never acknowledged
// anything on the stream.
func (r *Repository) Load(ctx context.Context, group, stream string) (string, error) {
	query := `SELECT position FROM consumer_cursors WHERE group_name = $1 AND stream = $2 LIMIT 1`

	var position string
	err := r.client.QueryRow(ctx, query, group, stream).Scan(&position)
	if err == pgx.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to load cursor: %w", err)
	}

	return position, nil
}
