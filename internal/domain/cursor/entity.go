package cursor

import (
	"time"
)

// Cursor is the last acknowledged stream position of a named consumer
// group. A group restarting with the same name resumes from here; dedup on
// the tick natural key absorbs anything replayed past it.
type Cursor struct {
	Group     string
	Stream    string
	Position  string
	UpdatedAt time.Time
}
