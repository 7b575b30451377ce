// Package system provides the wall clock used outside tests.
package system

import "time"

// Clock implements crawler.Clock and dates.Clock. Now reports wall time in
// the clock's zone, UTC unless set with In.
type Clock struct {
	loc *time.Location
}

// New creates a UTC Clock.
func New() *Clock {
	return &Clock{loc: time.UTC}
}

// In returns a copy reporting time in loc.
func (c *Clock) In(loc *time.Location) *Clock {
	if loc == nil {
		loc = time.UTC
	}
	return &Clock{loc: loc}
}

// Now returns the current time.
func (c *Clock) Now() time.Time {
	loc := time.UTC
	if c != nil && c.loc != nil {
		loc = c.loc
	}
	return time.Now().In(loc)
}
