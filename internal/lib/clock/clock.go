// Package clock abstracts the passage of time so that components which
// evaluate deadlines, e.g. agent heartbeat liveness, can be tested
// deterministically. Production code uses the real clock; tests substitute a
// fake whose time only moves when told to.
package clock

import "time"

// Clock is the interface for obtaining the current time and for constructing
// time-based signals. It is satisfied by both the real clock and the fake
// used in tests.
type Clock interface {
	// Now returns the current time.
	Now() time.Time
	// After returns a channel that receives the then-current time after the
	// given duration has elapsed.
	After(d time.Duration) <-chan time.Time
	// NewTicker returns a Ticker that delivers ticks at the given interval.
	NewTicker(d time.Duration) Ticker
}

// Ticker is the clock-agnostic counterpart of time.Ticker.
type Ticker interface {
	// C returns the channel on which ticks are delivered.
	C() <-chan time.Time
	// Stop shuts the ticker down. As with time.Ticker, it does not close the
	// channel.
	Stop()
}

// NewRealClock returns a Clock backed by the time package.
func NewRealClock() Clock {
	return &realClock{}
}

type realClock struct{}

func (r *realClock) Now() time.Time {
	return time.Now()
}

func (r *realClock) After(d time.Duration) <-chan time.Time {
	return time.After(d)
}

func (r *realClock) NewTicker(d time.Duration) Ticker {
	return &realTicker{ticker: time.NewTicker(d)}
}

type realTicker struct {
	ticker *time.Ticker
}

func (r *realTicker) C() <-chan time.Time {
	return r.ticker.C
}

func (r *realTicker) Stop() {
	r.ticker.Stop()
}
