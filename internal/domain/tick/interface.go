package tick

import (
	"context"
)

// Repository is the interface for the tick repository.
//
//go:generate mockgen -source=interface.go -destination=mock/interface_mock.go -package=mock
type Repository interface {
	// Upsert stores a record keyed by (symbol, ts, source, ingest_id).
	// Hitting an existing key is success, not an error.
	Upsert(ctx context.Context, record *Record) error
	GetByFilter(ctx context.Context, filter Filter) ([]*Record, error)
}
