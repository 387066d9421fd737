package bus

import (
	"context"

	"github.com/openbell/openbell/internal/domain/quote"
)

// Message is one stream entry handed to a consumer group member. Stream and
// ID together identify the position to acknowledge.
type Message struct {
	Stream string
	ID     string
	Event  *quote.Event
}

// QuoteBus is the latest-value cache plus append-only log carrying quote
// events between producers and consumers.
//
// Publish validates the event through the shared gate, updates the
// latest-value slot for the symbol (last write wins by arrival order) and
// appends to the symbol's log. The log is bounded: once a symbol's retained
// entry count exceeds the configured maximum the oldest entries are dropped
// regardless of consumer lag.
//
// Fetch delivers entries at-least-once to competing consumers within a named
// group; an entry is delivered to exactly one consumer of a group at a time.
// Ack marks entries as processed for the group so they are not redelivered.
//
//go:generate mockgen -source=interface.go -destination=mock/interface_mock.go -package=bus_mock
type QuoteBus interface {
	Publish(ctx context.Context, event *quote.Event) error
	Latest(ctx context.Context, symbol string) (*quote.Event, error)
	Fetch(ctx context.Context, group, consumer string, max int) ([]Message, error)
	Ack(ctx context.Context, group string, msgs ...Message) error
	Len(ctx context.Context, symbol string) (int64, error)
	Pending(ctx context.Context, group string) (int64, error)
}
