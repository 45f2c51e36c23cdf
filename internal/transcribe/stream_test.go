package transcribe

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/loqalabs/lecturecap/internal/clock"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

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

type fakeListener struct {
	mu     sync.Mutex
	events chan Event
	closed bool
}

func (l *fakeListener) emit(evt Event) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.closed {
		l.events <- evt
	}
}

// end simulates the platform ending the listener on its own.
func (l *fakeListener) end() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return
	}
	l.events <- Event{Kind: EventEnd}
	l.closed = true
	close(l.events)
}

type fakeRecognizer struct {
	mu        sync.Mutex
	listeners []*fakeListener
	// lastWords is flushed as a final result when a listener is cancelled.
	lastWords string
	failNext  error
}

func (r *fakeRecognizer) Listen(ctx context.Context, _ AudioSource, _ Options) (<-chan Event, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failNext != nil {
		err := r.failNext
		r.failNext = nil
		r.listeners = append(r.listeners, nil)
		return nil, err
	}
	l := &fakeListener{events: make(chan Event, 16)}
	r.listeners = append(r.listeners, l)
	l.events <- Event{Kind: EventStart}
	lastWords := r.lastWords
	go func() {
		<-ctx.Done()
		if lastWords != "" {
			l.emit(Event{Kind: EventResult, Text: lastWords, Final: true})
		}
		l.end()
	}()
	return l.events, nil
}

func (r *fakeRecognizer) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.listeners)
}

func (r *fakeRecognizer) listener(i int) *fakeListener {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.listeners[i]
}

type recordingSink struct {
	mu        sync.Mutex
	finals    []string
	interims  []string
	errs      []error
	listening bool
}

func (s *recordingSink) OnListening(active bool) {
	s.mu.Lock()
	s.listening = active
	s.mu.Unlock()
}

func (s *recordingSink) OnInterim(text string) {
	s.mu.Lock()
	s.interims = append(s.interims, text)
	s.mu.Unlock()
}

func (s *recordingSink) OnFinal(text string, _ *float64) {
	s.mu.Lock()
	s.finals = append(s.finals, text)
	s.mu.Unlock()
}

func (s *recordingSink) OnError(err error) {
	s.mu.Lock()
	s.errs = append(s.errs, err)
	s.mu.Unlock()
}

func (s *recordingSink) snapshot() (finals, interims []string, errs []error, listening bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.finals...), append([]string(nil), s.interims...), append([]error(nil), s.errs...), s.listening
}

type noAudio struct{}

func (noAudio) Subscribe(int) (<-chan []byte, func()) { return make(chan []byte), func() {} }

func newTestStream(rec Recognizer, sink Sink, src clock.Source, guard func() bool) *Stream {
	return NewStream(rec, sink, StreamOptions{
		Locale:       "en-US",
		Interim:      true,
		RestartDelay: 250 * time.Millisecond,
		Source:       src,
		Logger:       newLogger(),
		Guard:        guard,
	})
}

func TestStreamDeliversResults(t *testing.T) {
	rec := &fakeRecognizer{}
	sink := &recordingSink{}
	s := newTestStream(rec, sink, clock.NewManual(time.Unix(0, 0)), nil)

	if err := s.Start(noAudio{}); err != nil {
		t.Fatalf("start: %v", err)
	}
	waitFor(t, func() bool { return rec.count() == 1 })
	l := rec.listener(0)
	l.emit(Event{Kind: EventResult, Text: "photosyn", Final: false})
	l.emit(Event{Kind: EventResult, Text: "photosynthesis converts light", Final: true})
	l.emit(Event{Kind: EventResult, Text: "", Final: true})

	waitFor(t, func() bool {
		finals, _, _, _ := sink.snapshot()
		return len(finals) == 1
	})
	finals, interims, _, listening := sink.snapshot()
	if finals[0] != "photosynthesis converts light" {
		t.Fatalf("unexpected final %q", finals[0])
	}
	if len(interims) != 1 || interims[0] != "photosyn" {
		t.Fatalf("unexpected interims %v", interims)
	}
	if !listening || !s.Listening() {
		t.Fatal("expected listening indicator after start event")
	}

	s.Stop()
	s.Wait()
	if s.Active() {
		t.Fatal("expected inactive stream after stop")
	}
}

func TestStreamRestartsAfterUnexpectedEnd(t *testing.T) {
	src := clock.NewManual(time.Unix(0, 0))
	rec := &fakeRecognizer{}
	sink := &recordingSink{}
	s := newTestStream(rec, sink, src, func() bool { return true })

	if err := s.Start(noAudio{}); err != nil {
		t.Fatalf("start: %v", err)
	}
	waitFor(t, func() bool { return rec.count() == 1 })
	rec.listener(0).end()
	waitFor(t, s.RestartPending)

	src.Advance(249 * time.Millisecond)
	if rec.count() != 1 {
		t.Fatal("restart fired before the delay elapsed")
	}
	src.Advance(time.Millisecond)
	waitFor(t, func() bool { return rec.count() == 2 })
	if s.Restarts() != 1 {
		t.Fatalf("expected 1 restart, got %d", s.Restarts())
	}

	rec.listener(1).emit(Event{Kind: EventResult, Text: "after restart", Final: true})
	waitFor(t, func() bool {
		finals, _, _, _ := sink.snapshot()
		return len(finals) == 1 && finals[0] == "after restart"
	})

	s.Stop()
	s.Wait()
}

func TestStreamStopCancelsPendingRestart(t *testing.T) {
	src := clock.NewManual(time.Unix(0, 0))
	rec := &fakeRecognizer{}
	s := newTestStream(rec, &recordingSink{}, src, func() bool { return true })

	if err := s.Start(noAudio{}); err != nil {
		t.Fatalf("start: %v", err)
	}
	waitFor(t, func() bool { return rec.count() == 1 })
	rec.listener(0).end()
	waitFor(t, s.RestartPending)

	s.Stop()
	if src.PendingTimers() != 0 {
		t.Fatal("stop must clear the restart timer")
	}
	src.Advance(time.Second)
	s.Wait()
	if rec.count() != 1 {
		t.Fatalf("expected no restart after stop, got %d listeners", rec.count())
	}
}

func TestStreamGuardCheckedAtFireTime(t *testing.T) {
	src := clock.NewManual(time.Unix(0, 0))
	rec := &fakeRecognizer{}
	var recording atomic.Bool
	recording.Store(true)
	s := newTestStream(rec, &recordingSink{}, src, recording.Load)

	if err := s.Start(noAudio{}); err != nil {
		t.Fatalf("start: %v", err)
	}
	waitFor(t, func() bool { return rec.count() == 1 })
	rec.listener(0).end()
	waitFor(t, s.RestartPending)

	// the session leaves recording inside the delay window
	recording.Store(false)
	src.Advance(time.Second)
	if rec.count() != 1 {
		t.Fatalf("restart must re-check the session when it fires, got %d listeners", rec.count())
	}
	if s.RestartPending() {
		t.Fatal("skipped restart must clear the pending flag")
	}
	s.Stop()
	s.Wait()
}

func TestStreamDeduplicatesEndEvents(t *testing.T) {
	src := clock.NewManual(time.Unix(0, 0))
	rec := &fakeRecognizer{}
	s := newTestStream(rec, &recordingSink{}, src, func() bool { return true })

	if err := s.Start(noAudio{}); err != nil {
		t.Fatalf("start: %v", err)
	}
	waitFor(t, func() bool { return rec.count() == 1 })
	l := rec.listener(0)
	l.emit(Event{Kind: EventEnd})
	l.emit(Event{Kind: EventEnd})
	l.end()
	waitFor(t, s.RestartPending)
	// give the listener goroutine time to process the duplicate ends
	time.Sleep(20 * time.Millisecond)
	if src.PendingTimers() != 1 {
		t.Fatalf("expected a single restart timer, got %d", src.PendingTimers())
	}

	src.Advance(time.Second)
	waitFor(t, func() bool { return rec.count() == 2 })
	time.Sleep(20 * time.Millisecond)
	if rec.count() != 2 || s.Restarts() != 1 {
		t.Fatalf("expected exactly one restart, got %d listeners / %d restarts", rec.count(), s.Restarts())
	}
	s.Stop()
	s.Wait()
}

func TestStreamListenErrorIsTransient(t *testing.T) {
	src := clock.NewManual(time.Unix(0, 0))
	rec := &fakeRecognizer{failNext: errors.New("audio-capture")}
	sink := &recordingSink{}
	s := newTestStream(rec, sink, src, func() bool { return true })

	if err := s.Start(noAudio{}); err != nil {
		t.Fatalf("start: %v", err)
	}
	waitFor(t, s.RestartPending)
	_, _, errs, _ := sink.snapshot()
	var recErr *RecognitionError
	if len(errs) != 1 || !errors.As(errs[0], &recErr) {
		t.Fatalf("expected one RecognitionError, got %v", errs)
	}

	src.Advance(time.Second)
	waitFor(t, func() bool { return rec.count() == 2 })
	s.Stop()
	s.Wait()
}

func TestStreamUnsupported(t *testing.T) {
	s := NewStream(nil, &recordingSink{}, StreamOptions{Logger: newLogger()})
	if s.Supported() {
		t.Fatal("nil recognizer must be unsupported")
	}
	if err := s.Start(noAudio{}); !errors.Is(err, ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable, got %v", err)
	}
	if s.Active() {
		t.Fatal("unsupported stream must stay inactive")
	}
	s.Stop()
}

func TestStreamStopKeepsListenerFinalFlush(t *testing.T) {
	src := clock.NewManual(time.Unix(0, 0))
	rec := &fakeRecognizer{lastWords: "and that is the proof"}
	sink := &recordingSink{}
	s := newTestStream(rec, sink, src, func() bool { return true })

	if err := s.Start(noAudio{}); err != nil {
		t.Fatalf("start: %v", err)
	}
	waitFor(t, func() bool { return rec.count() == 1 })
	if s.Exited() {
		t.Fatal("running stream must not report exited")
	}

	s.Stop()
	s.Wait()
	finals, _, _, _ := sink.snapshot()
	if len(finals) != 1 || finals[0] != "and that is the proof" {
		t.Fatalf("expected flushed final after stop, got %v", finals)
	}
	if !s.Exited() {
		t.Fatal("expected exited after stop and wait")
	}
	if src.PendingTimers() != 0 {
		t.Fatal("end after stop must not schedule a restart")
	}
}
