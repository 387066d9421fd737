package tick

import (
	"time"

	"github.com/openbell/openbell/internal/domain/quote"
)

// Record is one persisted quote event. Rows are append-only and keyed by
// (symbol, ts, source, ingest_id); replaying the same event is a no-op.
type Record struct {
	Ts        time.Time
	Symbol    string
	Last      *float64
	Bid       *float64
	Ask       *float64
	LastSize  int64
	BidSize   int64
	AskSize   int64
	Volume    int64
	Source    string
	IngestID  string
	Collector string
	LatencyMS int64
}

// Filter represents the filter criteria for tick data.
type Filter struct {
	Symbol string
	From   *time.Time
	To     *time.Time
	Limit  int
}

// FromEvent builds a Record from an accepted quote event.
func FromEvent(event *quote.Event) *Record {
	return &Record{
		Ts:        event.Ts,
		Symbol:    event.Symbol,
		Last:      event.Last,
		Bid:       event.Bid,
		Ask:       event.Ask,
		LastSize:  event.LastSize,
		BidSize:   event.BidSize,
		AskSize:   event.AskSize,
		Volume:    event.Volume,
		Source:    event.Source,
		IngestID:  event.IngestID,
		Collector: event.Collector,
		LatencyMS: event.LatencyMS,
	}
}
