package deadletter

import (
	"context"
)

// Repository is the interface for the dead-letter repository.
//
//go:generate mockgen -source=interface.go -destination=mock/interface_mock.go -package=mock
type Repository interface {
	Insert(ctx context.Context, entry *Entry) error
	List(ctx context.Context, limit int) ([]*Entry, error)
	IncrementAttempt(ctx context.Context, id string) error
	Delete(ctx context.Context, id string) error
}
