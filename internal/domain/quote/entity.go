package quote

import (
	"time"
)

// Event is a single market quote observation carried on the quote bus.
// Price fields are pointers because feeds routinely deliver partial books
// (bid/ask without a trade, or a trade without sizes).
type Event struct {
	Symbol    string     `json:"symbol"`
	Ts        time.Time  `json:"ts"`
	Last      *float64   `json:"last"`
	Bid       *float64   `json:"bid"`
	Ask       *float64   `json:"ask"`
	LastSize  int64      `json:"last_size"`
	BidSize   int64      `json:"bid_size"`
	AskSize   int64      `json:"ask_size"`
	Volume    int64      `json:"volume"`
	Source    string     `json:"source"`
	IngestID  string     `json:"ingest_id"`
	Collector string     `json:"collector"`
	LatencyMS int64      `json:"latency_ms"`

	// Override marks a manual backfill event that may be published while the
	// owning market is closed.
	Override bool `json:"override,omitempty"`
}

// Spread returns ask-bid when both sides are present.
func (e *Event) Spread() *float64 {
	if e.Bid == nil || e.Ask == nil {
		return nil
	}
	spread := *e.Ask - *e.Bid
	return &spread
}

// Float64Ptr converts a float64 to a pointer, for building events.
func Float64Ptr(v float64) *float64 {
	return &v
}

// Resolve chooses between two observations of the same symbol coming from
// independent publishers (e.g. a desktop RTD collector and a broker API
// poller). The primary wins whenever it is present and not materially staler
// than the secondary; source selection stays out of the bus itself.
func Resolve(primary, secondary *Event, staleness time.Duration) *Event {
	switch {
	case primary == nil:
		return secondary
	case secondary == nil:
		return primary
	case secondary.Ts.Sub(primary.Ts) > staleness:
		return secondary
	default:
		return primary
	}
}
