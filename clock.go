package expiringmap

import "github.com/benbjohnson/clock"

// Clock is the time source used for all expiration deadlines (C1). The
// engine never reads the wall clock directly; every deadline comes from
// Clock.Now, so tests can substitute clock.NewMock() and advance it
// deterministically instead of sleeping real time.
type Clock = clock.Clock

// NewClock returns the default, real-time clock.
func NewClock() Clock { return clock.New() }

// schedTimer is the minimal surface the scheduler needs from a fired
// timer; satisfied by *clock.Timer.
type schedTimer interface {
	Stop() bool
}
