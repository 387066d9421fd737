package session

import (
	"time"
)

// Signal is the directional call derived at capture time.
type Signal string

const (
	// SignalBuy expects the price to rise toward target_high.
	SignalBuy Signal = "BUY"
	// SignalSell expects the price to fall toward target_low.
	SignalSell Signal = "SELL"
	// SignalHold makes no directional call and grades NEUTRAL immediately.
	SignalHold Signal = "HOLD"
)

// Numeric maps a signal onto the weighted-average convention BUY=+1,
// HOLD=0, SELL=-1.
func (s Signal) Numeric() float64 {
	switch s {
	case SignalBuy:
		return 1
	case SignalSell:
		return -1
	default:
		return 0
	}
}

// Grade is the outcome of a captured session row. PENDING transitions
// exactly once to one of the terminal values and never back.
type Grade string

const (
	// GradePending means live prices have not confirmed or refuted the signal yet.
	GradePending Grade = "PENDING"
	// GradeWorked means the price reached the target in the signal's direction.
	GradeWorked Grade = "WORKED"
	// GradeDidntWork means the price reached the opposite target first.
	GradeDidntWork Grade = "DIDNT_WORK"
	// GradeNeutral is the terminal grade of HOLD rows.
	GradeNeutral Grade = "NEUTRAL"
)

// Terminal reports whether the grade is final.
func (g Grade) Terminal() bool {
	return g == GradeWorked || g == GradeDidntWork || g == GradeNeutral
}

// TotalInstrument is the per-market composite row aggregating every
// instrument captured under the same session number.
const TotalInstrument = "TOTAL"

// Session is one captured market-open row. One row exists per
// (market, instrument, session_number), plus exactly one TOTAL row per
// (market, session_number). Rows are immutable after capture except for
// the grade transition.
type Session struct {
	SessionNumber int64      `json:"session_number"`
	Market        string     `json:"market"`
	Instrument    string     `json:"instrument"`
	Year          int        `json:"year"`
	Month         int        `json:"month"`
	Date          int        `json:"date"`
	Day           string     `json:"day"`
	CapturedAt    time.Time  `json:"captured_at"`
	LastPrice     *float64   `json:"last_price"`
	BidPrice      *float64   `json:"bid_price"`
	AskPrice      *float64   `json:"ask_price"`
	BidSize       int64      `json:"bid_size"`
	AskSize       int64      `json:"ask_size"`
	Spread        *float64   `json:"spread"`
	Volume        int64      `json:"volume"`
	EntryPrice    *float64   `json:"entry_price"`
	TargetHigh    *float64   `json:"target_high"`
	TargetLow     *float64   `json:"target_low"`
	Signal        Signal     `json:"signal"`
	Grade         Grade      `json:"grade"`

	// TOTAL row only.
	WeightedAverage *float64 `json:"weighted_average,omitempty"`
	InstrumentCount *int     `json:"instrument_count,omitempty"`
}

// IsTotal reports whether the row is the composite TOTAL row.
func (s *Session) IsTotal() bool {
	return s.Instrument == TotalInstrument
}
