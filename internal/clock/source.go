package clock

import "time"

// Ticker delivers ticks until stopped.
type Ticker interface {
	C() <-chan time.Time
	Stop()
}

// Timer is a pending one-shot callback.
type Timer interface {
	// Stop prevents the callback from firing. It reports false when the
	// callback already fired or was stopped.
	Stop() bool
}

// Source abstracts wall time so producers can be driven manually in tests.
type Source interface {
	Now() time.Time
	NewTicker(d time.Duration) Ticker
	AfterFunc(d time.Duration, f func()) Timer
}

// System returns the Source backed by the time package.
func System() Source { return systemSource{} }

type systemSource struct{}

func (systemSource) Now() time.Time { return time.Now() }

func (systemSource) NewTicker(d time.Duration) Ticker {
	return systemTicker{t: time.NewTicker(d)}
}

func (systemSource) AfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}

type systemTicker struct {
	t *time.Ticker
}

func (s systemTicker) C() <-chan time.Time { return s.t.C }
func (s systemTicker) Stop()               { s.t.Stop() }
