package cursor

import (
	"context"
)

// Repository is the interface for the consumer cursor repository.
//
//go:generate mockgen -source=interface.go -destination=mock/interface_mock.go -package=mock
type Repository interface {
	Save(ctx context.Context, c *Cursor) error
	// Load returns the saved position, or "" when the group has never
	// acknowledged anything on the stream.
	Load(ctx context.Context, group, stream string) (string, error)
}
