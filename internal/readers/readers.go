// Package readers provides the read-side queries over the mirrored data
// lake. All queries are scoped by organization, with an optional
// connection filter, and never return soft-deleted rows.
package readers

import (
	"time"
)

// Page bounds a paginated list query.
type Page struct {
	Limit  int
	Offset int
}

func (p Page) normalize() Page {
	if p.Limit <= 0 || p.Limit > 500 {
		p.Limit = 100
	}
	if p.Offset < 0 {
		p.Offset = 0
	}
	return p
}

// DateRange bounds a time-windowed query. Zero values leave the side
// open.
type DateRange struct {
	From time.Time
	To   time.Time
}
