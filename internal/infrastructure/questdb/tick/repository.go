package tick

import (
	"context"
	"fmt"

	"github.com/openbell/openbell/internal/domain/tick"
	"github.com/openbell/openbell/pkg/questdb"
)

// Repository persists accepted quote events as tick rows. The ticks table
// is partitioned by day and deduplicated on (ts, symbol, source, ingest_id),
// so replaying an already-written event collapses into the existing row.
type Repository struct {
	client questdb.QuestDBClient
}

var _ tick.Repository = (*Repository)(nil)

// NewRepository creates a new tick repository.
func NewRepository(client questdb.QuestDBClient) *Repository {
	return &Repository{
		client: client,
	}
}

// Upsert stores a tick row; hitting an existing natural key is a no-op.
func (r *Repository) Upsert(ctx context.Context, record *tick.Record) error {
	query := `INSERT INTO ticks (ts, symbol, last, bid, ask, last_size, bid_size, ask_size, volume, source, ingest_id, collector, latency_ms)
			  VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`

	err := r.client.Exec(ctx, query,
		record.Ts, record.Symbol, record.Last, record.Bid, record.Ask,
		record.LastSize, record.BidSize, record.AskSize, record.Volume,
		record.Source, record.IngestID, record.Collector, record.LatencyMS)

	if err != nil {
		return fmt.Errorf("failed to store tick: %w", err)
	}

	return nil
}

// GetByFilter retrieves tick rows by filter.
func (r *Repository) GetByFilter(ctx context.Context, filter tick.Filter) ([]*tick.Record, error) {
	query := "SELECT ts, symbol, last, bid, ask, last_size, bid_size, ask_size, volume, source, ingest_id, collector, latency_ms FROM ticks WHERE 1=1"
	args := []interface{}{}
	argIndex := 1

	if filter.Symbol != "" {
		query += fmt.Sprintf(" AND symbol = $%d", argIndex)
		args = append(args, filter.Symbol)
		argIndex++
	}

	if filter.From != nil {
		query += fmt.Sprintf(" AND ts >= $%d", argIndex)
		args = append(args, *filter.From)
		argIndex++
	}

	if filter.To != nil {
		query += fmt.Sprintf(" AND ts <= $%d", argIndex)
		args = append(args, *filter.To)
		argIndex++
	}

	query += " ORDER BY ts DESC"

	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", argIndex)
		args = append(args, filter.Limit)
	}

	rows, err := r.client.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query ticks: %w", err)
	}
	defer rows.Close()

	var records []*tick.Record
	for rows.Next() {
		record := &tick.Record{}
		err := rows.Scan(&record.Ts, &record.Symbol, &record.Last, &record.Bid, &record.Ask,
			&record.LastSize, &record.BidSize, &record.AskSize, &record.Volume,
			&record.Source, &record.IngestID, &record.Collector, &record.LatencyMS)
		if err != nil {
			return nil, fmt.Errorf("failed to scan tick: %w", err)
		}
		records = append(records, record)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating rows: %w", err)
	}

	return records, nil
}
