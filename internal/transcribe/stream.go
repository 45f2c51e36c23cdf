package transcribe

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/loqalabs/lecturecap/internal/clock"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// DefaultRestartDelay is the pause between an unexpected end and the next
// listener.
const DefaultRestartDelay = 250 * time.Millisecond

// Sink receives the stream's output. Calls come from listener goroutines and
// must not call back into the Stream.
type Sink interface {
	OnListening(active bool)
	OnInterim(text string)
	OnFinal(text string, confidence *float64)
	OnError(err error)
}

type StreamOptions struct {
	Locale       string
	Interim      bool
	RestartDelay time.Duration
	Source       clock.Source
	Logger       *slog.Logger
	// Guard is consulted when a restart timer fires; returning false cancels
	// the restart. It reports whether the owning session is still recording.
	Guard func() bool
}

// Stream keeps one recognition listener alive while it is active. Every
// listener gets a generation number; Stop and each restart bump it so events
// and timers belonging to an older listener are ignored.
type Stream struct {
	rec    Recognizer
	sink   Sink
	opts   StreamOptions
	log    *slog.Logger
	source clock.Source

	restartCounter metric.Int64Counter
	errorCounter   metric.Int64Counter

	mu             sync.Mutex
	active         bool
	gen            uint64
	audio          AudioSource
	cancel         context.CancelFunc
	timer          clock.Timer
	restartPending bool
	listening      bool
	restarts       int

	// drainGen is the listener cancelled by Stop; its final results are
	// still delivered while it shuts down.
	drainGen uint64
	running  atomic.Int32
	wg       sync.WaitGroup
}

// NewStream builds a stream over rec. A nil recognizer yields an unsupported
// stream whose Start is a no-op.
func NewStream(rec Recognizer, sink Sink, opts StreamOptions) *Stream {
	if opts.RestartDelay <= 0 {
		opts.RestartDelay = DefaultRestartDelay
	}
	if opts.Source == nil {
		opts.Source = clock.System()
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	s := &Stream{
		rec:    rec,
		sink:   sink,
		opts:   opts,
		log:    logger.With(slog.String("component", "transcription"), slog.String("locale", opts.Locale)),
		source: opts.Source,
	}
	meter := otel.Meter("github.com/loqalabs/lecturecap/transcribe")
	if c, err := meter.Int64Counter("lecturecap.stt.restarts", metric.WithDescription("Recognizer listeners restarted after an unexpected end")); err == nil {
		s.restartCounter = c
	}
	if c, err := meter.Int64Counter("lecturecap.stt.errors", metric.WithDescription("Errors reported by the recognizer")); err == nil {
		s.errorCounter = c
	}
	return s
}

// Supported reports whether a recognizer is available.
func (s *Stream) Supported() bool { return s.rec != nil }

// Start activates the stream over audio. It returns ErrUnavailable when
// recognition is unsupported; callers treat that as non-fatal.
func (s *Stream) Start(audio AudioSource) error {
	if s.rec == nil {
		return ErrUnavailable
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active {
		return nil
	}
	s.active = true
	s.audio = audio
	s.launchLocked()
	return nil
}

// Stop deactivates the stream: the current listener is cancelled and any
// pending restart is dropped. It does not wait for the listener goroutine
// and never calls the sink itself; the cancelled listener may still deliver
// final results it flushes on the way out.
func (s *Stream) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.active {
		return
	}
	s.active = false
	if s.cancel != nil && !s.restartPending {
		s.drainGen = s.gen
	}
	s.gen++
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	s.restartPending = false
	s.listening = false
	s.audio = nil
}

// Active reports whether the stream is meant to be listening.
func (s *Stream) Active() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

// Listening reports whether the current listener has started.
func (s *Stream) Listening() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.listening
}

// RestartPending reports whether a restart timer is armed.
func (s *Stream) RestartPending() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.restartPending
}

// Restarts returns how many listeners were started by the supervisor.
func (s *Stream) Restarts() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.restarts
}

// Wait blocks until all listener goroutines have exited. Call after Stop.
func (s *Stream) Wait() {
	s.wg.Wait()
}

// Exited reports whether the stream was stopped and every listener goroutine
// has returned.
func (s *Stream) Exited() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.active && s.running.Load() == 0
}

func (s *Stream) launchLocked() {
	if s.cancel != nil {
		s.cancel()
	}
	s.gen++
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.wg.Add(1)
	s.running.Add(1)
	go s.listen(ctx, s.gen, s.audio)
}

func (s *Stream) current(gen uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active && s.gen == gen
}

func (s *Stream) draining(gen uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.active && s.drainGen == gen
}

func (s *Stream) listen(ctx context.Context, gen uint64, audio AudioSource) {
	defer s.wg.Done()
	defer s.running.Add(-1)

	events, err := s.rec.Listen(ctx, audio, Options{Locale: s.opts.Locale, Interim: s.opts.Interim})
	if err != nil {
		s.reportError(gen, &RecognitionError{Code: "start-failed", Err: err})
		s.ended(gen)
		return
	}
	for evt := range events {
		if !s.current(gen) {
			if evt.Kind == EventResult && evt.Final && evt.Text != "" && s.draining(gen) {
				s.sink.OnFinal(evt.Text, evt.Confidence)
			}
			continue
		}
		switch evt.Kind {
		case EventStart:
			s.mu.Lock()
			s.listening = true
			s.mu.Unlock()
			s.sink.OnListening(true)
		case EventResult:
			if evt.Final {
				if evt.Text != "" {
					s.sink.OnFinal(evt.Text, evt.Confidence)
				}
			} else if s.opts.Interim {
				s.sink.OnInterim(evt.Text)
			}
		case EventError:
			s.reportError(gen, &RecognitionError{Code: evt.Code, Err: evt.Err})
		case EventEnd:
			s.ended(gen)
		}
	}
	s.ended(gen)
}

func (s *Stream) reportError(gen uint64, err *RecognitionError) {
	if s.errorCounter != nil {
		s.errorCounter.Add(context.Background(), 1, metric.WithAttributes(attribute.String("code", err.Code)))
	}
	s.log.Warn("recognizer error", slog.String("error", err.Error()), slog.Uint64("listener", gen))
	if s.current(gen) {
		s.sink.OnError(err)
	}
}

// ended handles the end of listener gen. Only the first end of the current
// listener arms a restart; later ends while a restart is pending are ignored.
func (s *Stream) ended(gen uint64) {
	s.mu.Lock()
	if gen != s.gen {
		s.mu.Unlock()
		return
	}
	wasListening := s.listening
	s.listening = false
	if !s.active || s.restartPending {
		s.mu.Unlock()
		return
	}
	s.restartPending = true
	s.timer = s.source.AfterFunc(s.opts.RestartDelay, func() { s.restart(gen) })
	s.mu.Unlock()

	s.log.Info("recognizer ended, restart scheduled", slog.Duration("delay", s.opts.RestartDelay))
	if wasListening {
		s.sink.OnListening(false)
	}
}

// restart fires after the restart delay. The session state is re-checked
// now, not when the timer was armed.
func (s *Stream) restart(gen uint64) {
	if s.opts.Guard != nil && !s.opts.Guard() {
		s.mu.Lock()
		if s.gen == gen {
			s.restartPending = false
			s.timer = nil
		}
		s.mu.Unlock()
		s.log.Debug("restart skipped, session no longer recording")
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.gen != gen || !s.active {
		return
	}
	s.restartPending = false
	s.timer = nil
	s.restarts++
	s.launchLocked()
	if s.restartCounter != nil {
		s.restartCounter.Add(context.Background(), 1)
	}
}
