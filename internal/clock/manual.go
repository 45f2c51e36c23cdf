package clock

import (
	"sort"
	"sync"
	"time"
)

// Manual is a Source whose time only moves when Advance is called.
// Tickers drop ticks that are not consumed, like time.Ticker, and timer
// callbacks run synchronously inside Advance.
type Manual struct {
	mu      sync.Mutex
	now     time.Time
	tickers []*manualTicker
	timers  []*manualTimer
}

// NewManual returns a manual source starting at start.
func NewManual(start time.Time) *Manual {
	return &Manual{now: start}
}

func (m *Manual) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

func (m *Manual) NewTicker(d time.Duration) Ticker {
	if d <= 0 {
		panic("clock: non-positive ticker interval")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	t := &manualTicker{src: m, period: d, next: m.now.Add(d), ch: make(chan time.Time, 1)}
	m.tickers = append(m.tickers, t)
	return t
}

func (m *Manual) AfterFunc(d time.Duration, f func()) Timer {
	m.mu.Lock()
	defer m.mu.Unlock()
	t := &manualTimer{src: m, deadline: m.now.Add(d), fn: f}
	m.timers = append(m.timers, t)
	return t
}

// Advance moves time forward by d, delivering due ticks and firing due timers
// in deadline order.
func (m *Manual) Advance(d time.Duration) {
	m.mu.Lock()
	m.now = m.now.Add(d)
	now := m.now
	for _, t := range m.tickers {
		for !t.next.After(now) {
			select {
			case t.ch <- t.next:
			default:
			}
			t.next = t.next.Add(t.period)
		}
	}
	var due []*manualTimer
	pending := m.timers[:0]
	for _, t := range m.timers {
		if t.deadline.After(now) {
			pending = append(pending, t)
			continue
		}
		due = append(due, t)
	}
	m.timers = pending
	m.mu.Unlock()

	sort.SliceStable(due, func(i, j int) bool { return due[i].deadline.Before(due[j].deadline) })
	for _, t := range due {
		t.fn()
	}
}

// ActiveTickers reports tickers that were created and not yet stopped.
func (m *Manual) ActiveTickers() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.tickers)
}

// PendingTimers reports timers that have neither fired nor been stopped.
func (m *Manual) PendingTimers() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.timers)
}

type manualTicker struct {
	src    *Manual
	period time.Duration
	next   time.Time
	ch     chan time.Time
}

func (t *manualTicker) C() <-chan time.Time { return t.ch }

func (t *manualTicker) Stop() {
	t.src.mu.Lock()
	defer t.src.mu.Unlock()
	for i, other := range t.src.tickers {
		if other == t {
			t.src.tickers = append(t.src.tickers[:i], t.src.tickers[i+1:]...)
			return
		}
	}
}

type manualTimer struct {
	src      *Manual
	deadline time.Time
	fn       func()
}

func (t *manualTimer) Stop() bool {
	t.src.mu.Lock()
	defer t.src.mu.Unlock()
	for i, other := range t.src.timers {
		if other == t {
			t.src.timers = append(t.src.timers[:i], t.src.timers[i+1:]...)
			return true
		}
	}
	return false
}
