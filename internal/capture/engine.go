package capture

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

// Chunk is one buffered unit of captured audio.
type Chunk struct {
	Seq  int
	Data []byte
	At   time.Time
}

// Artifact is the finalized recording: every chunk concatenated in arrival order.
type Artifact struct {
	MimeType   string
	Data       []byte
	ChunkCount int
}

// Size returns the artifact length in bytes.
func (a Artifact) Size() int { return len(a.Data) }

type EngineOptions struct {
	MimeType string
	Logger   *slog.Logger
	Now      func() time.Time
}

// Engine buffers the chunks of one stream. It is the only owner of the
// stream and must be released on every exit path.
type Engine struct {
	stream   Stream
	mimeType string
	log      *slog.Logger
	now      func() time.Time
	captured metric.Int64Counter
	dropped  metric.Int64Counter

	mu        sync.Mutex
	chunks    []Chunk
	size      int
	paused    bool
	finalized bool
	released  bool
	done      chan struct{}
	subs      map[int]chan []byte
	nextSub   int
	wg        sync.WaitGroup
}

func NewEngine(stream Stream, opts EngineOptions) *Engine {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	e := &Engine{
		stream:   stream,
		mimeType: opts.MimeType,
		log:      logger.With(slog.String("component", "capture"), slog.String("stream", stream.ID())),
		now:      now,
		subs:     make(map[int]chan []byte),
	}
	meter := otel.Meter("github.com/loqalabs/lecturecap/capture")
	if c, err := meter.Int64Counter("lecturecap.capture.chunks", metric.WithDescription("Audio chunks buffered")); err == nil {
		e.captured = c
	}
	if c, err := meter.Int64Counter("lecturecap.capture.chunks_dropped", metric.WithDescription("Audio chunks dropped while paused")); err == nil {
		e.dropped = c
	}
	return e
}

// Start launches the pump that moves device chunks into the buffer.
func (e *Engine) Start() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.done != nil || e.finalized || e.released {
		return
	}
	e.done = make(chan struct{})
	e.wg.Add(1)
	go e.pump(e.done)
}

// Pause drops incoming chunks until Resume.
func (e *Engine) Pause() {
	e.mu.Lock()
	e.paused = true
	e.mu.Unlock()
}

func (e *Engine) Resume() {
	e.mu.Lock()
	e.paused = false
	e.mu.Unlock()
}

// Len returns the number of buffered chunks.
func (e *Engine) Len() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.chunks)
}

// Size returns the total buffered bytes.
func (e *Engine) Size() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.size
}

// Chunks returns a copy of the buffered chunk list.
func (e *Engine) Chunks() []Chunk {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]Chunk(nil), e.chunks...)
}

// Subscribe tees accepted chunks to a bounded channel. A full channel drops
// chunks rather than stalling capture. The channel is closed by the returned
// cancel func, Finalize or Release.
func (e *Engine) Subscribe(buffer int) (<-chan []byte, func()) {
	if buffer <= 0 {
		buffer = 32
	}
	ch := make(chan []byte, buffer)
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.finalized || e.released {
		close(ch)
		return ch, func() {}
	}
	id := e.nextSub
	e.nextSub++
	e.subs[id] = ch
	return ch, func() {
		e.mu.Lock()
		defer e.mu.Unlock()
		if sub, ok := e.subs[id]; ok {
			delete(e.subs, id)
			close(sub)
		}
	}
}

// Finalize stops the pump, takes any chunk the device already delivered and
// concatenates the buffer into one artifact.
func (e *Engine) Finalize() (Artifact, error) {
	e.mu.Lock()
	if e.finalized {
		e.mu.Unlock()
		return Artifact{}, ErrFinalized
	}
	e.mu.Unlock()

	e.stopPump()
	e.wg.Wait()
	e.drain()

	e.mu.Lock()
	defer e.mu.Unlock()
	e.finalized = true
	e.closeSubs()

	data := make([]byte, 0, e.size)
	for _, c := range e.chunks {
		data = append(data, c.Data...)
	}
	artifact := Artifact{MimeType: e.mimeType, Data: data, ChunkCount: len(e.chunks)}
	e.log.Info("capture finalized", slog.Int("chunks", artifact.ChunkCount), slog.Int("bytes", artifact.Size()))
	return artifact, nil
}

// Release stops every track of the stream. It is safe to call more than once;
// only the first call touches the device.
func (e *Engine) Release() error {
	e.stopPump()
	e.wg.Wait()

	e.mu.Lock()
	if e.released {
		e.mu.Unlock()
		return nil
	}
	e.released = true
	e.closeSubs()
	e.mu.Unlock()

	if err := e.stream.Close(); err != nil {
		return &ReleaseError{StreamID: e.stream.ID(), Err: err}
	}
	e.log.Debug("stream released", slog.Int("tracks", len(e.stream.Tracks())))
	return nil
}

// Released reports whether the device handle was released.
func (e *Engine) Released() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.released
}

func (e *Engine) stopPump() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.done != nil {
		close(e.done)
		e.done = nil
	}
}

func (e *Engine) pump(done <-chan struct{}) {
	defer e.wg.Done()
	source := e.stream.Chunks()
	for {
		select {
		case <-done:
			return
		case data, ok := <-source:
			if !ok {
				e.log.Warn("device stream ended")
				return
			}
			e.accept(data)
		}
	}
}

func (e *Engine) drain() {
	source := e.stream.Chunks()
	for {
		select {
		case data, ok := <-source:
			if !ok {
				return
			}
			e.accept(data)
		default:
			return
		}
	}
}

func (e *Engine) accept(data []byte) {
	if len(data) == 0 {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.finalized || e.released {
		return
	}
	if e.paused {
		if e.dropped != nil {
			e.dropped.Add(context.Background(), 1)
		}
		return
	}
	buf := make([]byte, len(data))
	copy(buf, data)
	e.chunks = append(e.chunks, Chunk{Seq: len(e.chunks), Data: buf, At: e.now()})
	e.size += len(buf)
	if e.captured != nil {
		e.captured.Add(context.Background(), 1)
	}
	for _, sub := range e.subs {
		select {
		case sub <- buf:
		default:
		}
	}
}

func (e *Engine) closeSubs() {
	for id, sub := range e.subs {
		delete(e.subs, id)
		close(sub)
	}
}
