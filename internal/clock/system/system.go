// Package system provides the wall clock used outside of tests.
package system

import "time"

// Clock implements ingest.Clock using time.Now in UTC.
type Clock struct{}

// New creates a new Clock.
func New() *Clock {
	return &Clock{}
}

// Now returns the current UTC time.
func (Clock) Now() time.Time {
	return time.Now().UTC()
}

// Since reports the time elapsed since t.
func (c Clock) Since(t time.Time) time.Duration {
	return c.Now().Sub(t)
}

// EpochMillis returns the current Unix time in milliseconds.
func (c Clock) EpochMillis() int64 {
	return c.Now().UnixMilli()
}
