package clock

import (
	"sync/atomic"
	"testing"
	"time"
)

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met before deadline")
		}
		time.Sleep(time.Millisecond)
	}
}

func TestFormat(t *testing.T) {
	cases := map[int]string{
		0:    "00:00",
		59:   "00:59",
		61:   "01:01",
		3599: "59:59",
		3600: "1:00:00",
		3725: "1:02:05",
		-4:   "00:00",
	}
	for in, want := range cases {
		if got := Format(in); got != want {
			t.Fatalf("Format(%d) = %q, want %q", in, got, want)
		}
	}
}

func TestClockTicksOnlyWhileRunning(t *testing.T) {
	src := NewManual(time.Date(2025, 1, 1, 9, 0, 0, 0, time.UTC))
	var ticks atomic.Int64
	c := New(src, time.Second, func(uint64) { ticks.Add(1) })

	run := c.Start()
	if run != 1 {
		t.Fatalf("expected first run id 1, got %d", run)
	}
	if again := c.Start(); again != run {
		t.Fatalf("restarting a running clock must keep run %d, got %d", run, again)
	}

	src.Advance(time.Second)
	waitFor(t, func() bool { return ticks.Load() == 1 })
	src.Advance(time.Second)
	waitFor(t, func() bool { return ticks.Load() == 2 })

	c.Stop()
	c.Wait()
	if src.ActiveTickers() != 0 {
		t.Fatalf("expected ticker released after stop, %d active", src.ActiveTickers())
	}
	src.Advance(5 * time.Second)
	time.Sleep(10 * time.Millisecond)
	if got := ticks.Load(); got != 2 {
		t.Fatalf("expected no ticks after stop, got %d", got)
	}

	if next := c.Start(); next != 2 {
		t.Fatalf("expected new run id 2, got %d", next)
	}
	c.Stop()
	c.Wait()
}

func TestManualTimers(t *testing.T) {
	src := NewManual(time.Unix(0, 0))
	var fired []string
	src.AfterFunc(2*time.Second, func() { fired = append(fired, "late") })
	src.AfterFunc(time.Second, func() { fired = append(fired, "early") })
	cancelled := src.AfterFunc(time.Second, func() { fired = append(fired, "cancelled") })
	if !cancelled.Stop() {
		t.Fatal("expected pending timer to stop")
	}

	src.Advance(3 * time.Second)
	if len(fired) != 2 || fired[0] != "early" || fired[1] != "late" {
		t.Fatalf("unexpected firing order %v", fired)
	}
	if src.PendingTimers() != 0 {
		t.Fatalf("expected no pending timers")
	}
	if cancelled.Stop() {
		t.Fatal("stopping a removed timer must report false")
	}
}
