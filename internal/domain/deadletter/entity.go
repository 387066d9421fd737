package deadletter

import (
	"encoding/json"
	"time"
)

// Entry is a quarantined quote payload that failed the validation gate,
// kept with enough context to resubmit through the publish path after
// manual correction.
type Entry struct {
	ID           string          `json:"id"`
	RawPayload   json.RawMessage `json:"raw_payload"`
	Reason       string          `json:"reason"`
	FirstSeenAt  time.Time       `json:"first_seen_at"`
	AttemptCount int             `json:"attempt_count"`
}
