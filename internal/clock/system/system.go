// Package system supplies the wall clock used outside of tests.
package system

import "time"

// Clock reads the real time, normalized to UTC so stored timestamps and
// duration math never depend on the host zone.
type Clock struct{}

// New returns a Clock.
func New() *Clock {
	return &Clock{}
}

// Now reports the current UTC time.
func (*Clock) Now() time.Time {
	return time.Now().UTC()
}
