package peerscore

import "github.com/benbjohnson/clock"

// Clock is the time source every component in this package reads through,
// so that the property tests in §8 can drive decay, retention, and promise
// expiry deterministically with a clock.Mock instead of sleeping.
type Clock = clock.Clock

// NewClock returns the production clock, backed by the real wall clock.
func NewClock() Clock {
	return clock.New()
}
