// Package clock provides an injectable time source so stage timers and
// poll loops can be driven deterministically in tests.
package clock

import "time"

// Clock abstracts time reads and ticker construction.
type Clock interface {
	Now() time.Time
	NewTicker(d time.Duration) Ticker
}

// Ticker is the subset of time.Ticker the monitor needs.
type Ticker interface {
	C() <-chan time.Time
	Stop()
}

// Real is the wall-clock implementation.
type Real struct{}

func NewReal() Real { return Real{} }

func (Real) Now() time.Time { return time.Now() }

func (Real) NewTicker(d time.Duration) Ticker {
	return realTicker{t: time.NewTicker(d)}
}

type realTicker struct {
	t *time.Ticker
}

func (rt realTicker) C() <-chan time.Time { return rt.t.C }
func (rt realTicker) Stop()               { rt.t.Stop() }
