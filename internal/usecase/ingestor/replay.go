package ingestor

import (
	"context"
	"encoding/json"

	"github.com/openbell/openbell/internal/domain/quote"
	"github.com/openbell/openbell/pkg/errors"
	"github.com/openbell/openbell/pkg/logger"
)

// Replay resubmits quarantined payloads through the regular publish entry
// point, oldest first. Entries that pass validation are removed; entries
// rejected again are re-quarantined with their current reason, and
// transient publish failures only bump the attempt counter so the entry
// stays in place for the next sweep. Returns the number of entries
// successfully replayed.
func (i *Ingestor) Replay(ctx context.Context, limit int) (int, error) {
	entries, err := i.dlq.List(ctx, limit)
	if err != nil {
		return 0, err
	}

	replayed := 0
	for _, entry := range entries {
		var event quote.Event
		if err := json.Unmarshal(entry.RawPayload, &event); err != nil {
			i.logger.WarnContext(ctx, "skipping undecodable dead letter", logger.Field{
				Key:   "id",
				Value: entry.ID,
			})
			if err := i.dlq.IncrementAttempt(ctx, entry.ID); err != nil {
				return replayed, err
			}
			continue
		}

		err := i.bus.Publish(ctx, &event)
		switch {
		case err == nil:
			if err := i.dlq.Delete(ctx, entry.ID); err != nil {
				return replayed, err
			}
			replayed++
		case errors.ErrorCodeEquals(err, errors.ValidationError):
			// Publish re-quarantined the payload with a fresh reason, the
			// stale entry is superseded.
			if err := i.dlq.Delete(ctx, entry.ID); err != nil {
				return replayed, err
			}
		default:
			if err := i.dlq.IncrementAttempt(ctx, entry.ID); err != nil {
				return replayed, err
			}
		}
	}

	return replayed, nil
}
