// Package clock provides the session's elapsed-time ticker and the time
// source shared by every producer.
package clock

import (
	"fmt"
	"sync"
	"time"
)

// DefaultInterval is the tick period of the elapsed-time counter.
const DefaultInterval = time.Second

// Clock emits one tick per interval while running. Each Start opens a new
// run; ticks carry the run id so a consumer can drop ticks that raced a Stop.
type Clock struct {
	src      Source
	interval time.Duration
	onTick   func(run uint64)

	mu      sync.Mutex
	run     uint64
	running bool
	ticker  Ticker
	done    chan struct{}
	wg      sync.WaitGroup
}

func New(src Source, interval time.Duration, onTick func(run uint64)) *Clock {
	if src == nil {
		src = System()
	}
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Clock{src: src, interval: interval, onTick: onTick}
}

// Start begins ticking and returns the run id. Starting a running clock
// returns the current run unchanged.
func (c *Clock) Start() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.running {
		return c.run
	}
	c.run++
	c.running = true
	c.ticker = c.src.NewTicker(c.interval)
	c.done = make(chan struct{})

	c.wg.Add(1)
	go c.loop(c.run, c.ticker, c.done)
	return c.run
}

// Stop halts ticking. It does not wait for the tick goroutine; a tick that
// was already in flight is still delivered with the old run id.
func (c *Clock) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.running {
		return
	}
	c.running = false
	c.ticker.Stop()
	close(c.done)
	c.ticker = nil
	c.done = nil
}

// Running reports whether the clock is ticking.
func (c *Clock) Running() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.running
}

// Wait blocks until every tick goroutine has exited. Call after Stop.
func (c *Clock) Wait() {
	c.wg.Wait()
}

func (c *Clock) loop(run uint64, ticker Ticker, done <-chan struct{}) {
	defer c.wg.Done()
	for {
		select {
		case <-done:
			return
		case <-ticker.C():
			c.mu.Lock()
			current := c.running && c.run == run
			c.mu.Unlock()
			if !current {
				return
			}
			if c.onTick != nil {
				c.onTick(run)
			}
		}
	}
}

// Format renders elapsed seconds as MM:SS, or H:MM:SS from one hour on.
func Format(seconds int) string {
	if seconds < 0 {
		seconds = 0
	}
	h := seconds / 3600
	m := (seconds % 3600) / 60
	s := seconds % 60
	if h > 0 {
		return fmt.Sprintf("%d:%02d:%02d", h, m, s)
	}
	return fmt.Sprintf("%02d:%02d", m, s)
}
