package stt

import (
	"context"
	"log/slog"
	"time"

	"github.com/loqalabs/lecturecap/internal/clock"
	"github.com/loqalabs/lecturecap/internal/transcribe"
)

const (
	transcribeTimeout = 45 * time.Second
	drainTimeout      = 5 * time.Second
	checkInterval     = 100 * time.Millisecond
)

type ListenerOptions struct {
	SampleRate     int
	Channels       int
	PartialEvery   time.Duration
	Utterance      time.Duration
	SilenceTimeout time.Duration
	MaxListen      time.Duration
	Source         clock.Source
	Logger         *slog.Logger
}

// Listener turns a chunk Backend into a continuous recognizer. A listener
// session ends by itself after SilenceTimeout without audio or after
// MaxListen, the same way hosted recognizers do.
type Listener struct {
	backend Backend
	opts    ListenerOptions
	log     *slog.Logger
}

func NewListener(backend Backend, opts ListenerOptions) *Listener {
	if opts.Source == nil {
		opts.Source = clock.System()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Listener{
		backend: backend,
		opts:    opts,
		log:     opts.Logger.With(slog.String("component", "stt-listener")),
	}
}

func (l *Listener) Listen(ctx context.Context, audio transcribe.AudioSource, opts transcribe.Options) (<-chan transcribe.Event, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	tap, unsubscribe := audio.Subscribe(64)
	events := make(chan transcribe.Event, 16)
	go l.run(ctx, tap, unsubscribe, events, opts)
	return events, nil
}

type listenSession struct {
	window       []byte
	sincePartial int
	started      time.Time
	lastAudio    time.Time
}

func (l *Listener) run(ctx context.Context, tap <-chan []byte, unsubscribe func(), events chan<- transcribe.Event, opts transcribe.Options) {
	defer close(events)
	defer unsubscribe()

	ticker := l.opts.Source.NewTicker(checkInterval)
	defer ticker.Stop()

	now := l.opts.Source.Now()
	sess := &listenSession{started: now, lastAudio: now}
	bytesPerSecond := l.opts.SampleRate * l.opts.Channels * 2
	partialBytes := int(l.opts.PartialEvery.Seconds() * float64(bytesPerSecond))
	utteranceBytes := int(l.opts.Utterance.Seconds() * float64(bytesPerSecond))

	events <- transcribe.Event{Kind: transcribe.EventStart}
	for {
		select {
		case <-ctx.Done():
			l.drain(ctx, sess, events)
			events <- transcribe.Event{Kind: transcribe.EventEnd}
			return
		case data, ok := <-tap:
			if !ok {
				l.flush(ctx, sess, events)
				events <- transcribe.Event{Kind: transcribe.EventEnd}
				return
			}
			sess.window = append(sess.window, data...)
			sess.sincePartial += len(data)
			sess.lastAudio = l.opts.Source.Now()
			if utteranceBytes > 0 && len(sess.window) >= utteranceBytes {
				l.flush(ctx, sess, events)
				continue
			}
			if opts.Interim && partialBytes > 0 && sess.sincePartial >= partialBytes {
				sess.sincePartial = 0
				l.transcribe(ctx, sess.window, false, events)
			}
		case <-ticker.C():
			now := l.opts.Source.Now()
			if l.opts.SilenceTimeout > 0 && now.Sub(sess.lastAudio) >= l.opts.SilenceTimeout {
				events <- transcribe.Event{Kind: transcribe.EventError, Code: "no-speech", Err: errNoSpeech}
				events <- transcribe.Event{Kind: transcribe.EventEnd}
				return
			}
			if l.opts.MaxListen > 0 && now.Sub(sess.started) >= l.opts.MaxListen {
				l.flush(ctx, sess, events)
				events <- transcribe.Event{Kind: transcribe.EventEnd}
				return
			}
		}
	}
}

func (l *Listener) flush(ctx context.Context, sess *listenSession, events chan<- transcribe.Event) {
	if len(sess.window) == 0 {
		return
	}
	window := sess.window
	sess.window = nil
	sess.sincePartial = 0
	l.transcribe(ctx, window, true, events)
}

// drain transcribes audio still buffered when the listener is cancelled, so
// speech right before a pause or stop is not lost.
func (l *Listener) drain(ctx context.Context, sess *listenSession, events chan<- transcribe.Event) {
	if len(sess.window) == 0 {
		return
	}
	dctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), drainTimeout)
	defer cancel()
	l.flush(dctx, sess, events)
}

func (l *Listener) transcribe(ctx context.Context, pcm []byte, final bool, events chan<- transcribe.Event) {
	tctx, cancel := context.WithTimeout(ctx, transcribeTimeout)
	defer cancel()

	result, err := l.backend.Transcribe(tctx, pcm, l.opts.SampleRate, l.opts.Channels, final)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		l.log.Warn("stt transcription failed", slogError(err))
		events <- transcribe.Event{Kind: transcribe.EventError, Code: "backend", Err: err}
		return
	}
	if result.Text == "" {
		return
	}
	evt := transcribe.Event{Kind: transcribe.EventResult, Text: result.Text, Final: final}
	if result.Confidence > 0 {
		confidence := result.Confidence
		evt.Confidence = &confidence
	}
	events <- evt
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
