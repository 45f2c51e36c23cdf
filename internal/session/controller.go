package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/loqalabs/lecturecap/internal/capture"
	"github.com/loqalabs/lecturecap/internal/clock"
	"github.com/loqalabs/lecturecap/internal/transcribe"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const defaultUpdateBuffer = 64

type Options struct {
	Device       capture.Device
	Recognizer   transcribe.Recognizer
	Constraints  capture.Constraints
	MimeType     string
	Locale       string
	Interim      bool
	TickInterval time.Duration
	RestartDelay time.Duration
	UpdateBuffer int
	TitlePrefix  string
	Source       clock.Source
	Logger       *slog.Logger
	Transcripts  TranscriptObserver
}

// Controller owns one recording session and every resource it holds: the
// device stream (through the capture engine), the transcription stream and
// the clock. Producers never touch session state; they dispatch events that
// are applied under the controller lock.
type Controller struct {
	opts   Options
	log    *slog.Logger
	source clock.Source
	clock  *clock.Clock

	started   metric.Int64Counter
	finished  metric.Int64Counter
	discarded metric.Int64Counter
	releases  metric.Int64Counter

	mu        sync.Mutex
	state     State
	closed    bool
	run       uint64
	clockRun  uint64
	engine    *capture.Engine
	stream    *transcribe.Stream
	retired   []*transcribe.Stream
	supported bool
	updates   chan Update

	// abortAcquire cancels the in-flight device acquisition and is set only
	// while acquiring; aborted marks it discarded.
	acquiring    bool
	aborted      bool
	abortAcquire context.CancelFunc

	// drainRun is the run last ended by pause or stop. Final results its
	// listener delivers while shutting down are still kept.
	drainRun uint64

	id          string
	startedAt   time.Time
	elapsed     int
	segments    []Segment
	interim     string
	listening   bool
	artifact    *capture.Artifact
	title       string
	description string
	jobID       string
}

func NewController(opts Options) *Controller {
	if opts.Source == nil {
		opts.Source = clock.System()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.UpdateBuffer <= 0 {
		opts.UpdateBuffer = defaultUpdateBuffer
	}
	if opts.TitlePrefix == "" {
		opts.TitlePrefix = "Recording"
	}
	if opts.MimeType == "" {
		opts.MimeType = capture.DefaultMimeType(opts.Constraints.SampleRate, opts.Constraints.Channels)
	}
	c := &Controller{
		opts:      opts,
		log:       opts.Logger.With(slog.String("component", "session")),
		source:    opts.Source,
		supported: opts.Recognizer != nil,
		updates:   make(chan Update, opts.UpdateBuffer),
	}
	c.clock = clock.New(opts.Source, opts.TickInterval, func(run uint64) {
		c.dispatch(tickEvent{run: run})
	})

	meter := otel.Meter("github.com/loqalabs/lecturecap/session")
	if ctr, err := meter.Int64Counter("lecturecap.sessions.started", metric.WithDescription("Recording sessions started")); err == nil {
		c.started = ctr
	}
	if ctr, err := meter.Int64Counter("lecturecap.sessions.completed", metric.WithDescription("Recording sessions completed")); err == nil {
		c.finished = ctr
	}
	if ctr, err := meter.Int64Counter("lecturecap.sessions.discarded", metric.WithDescription("Recording sessions discarded")); err == nil {
		c.discarded = ctr
	}
	if ctr, err := meter.Int64Counter("lecturecap.capture.release_failures", metric.WithDescription("Device releases that failed")); err == nil {
		c.releases = ctr
	}
	return c
}

// Updates delivers controller notifications. Delivery is lossy: when the
// buffer is full a notification is dropped rather than blocking a producer.
// The channel is closed by Close.
func (c *Controller) Updates() <-chan Update {
	return c.updates
}

// TranscriptionSupported reports whether live transcription is available.
func (c *Controller) TranscriptionSupported() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.supported
}

// Start acquires the device and begins recording. It is a no-op outside
// idle. Device refusal leaves the controller idle and returns an error
// wrapping ErrPermissionDenied.
func (c *Controller) Start(ctx context.Context) (bool, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return false, ErrClosed
	}
	if c.state != StateIdle {
		c.mu.Unlock()
		return false, nil
	}
	if c.acquiring || (c.engine != nil && !c.engine.Released()) {
		c.mu.Unlock()
		return false, ErrDeviceBusy
	}
	acquireCtx, cancel := context.WithCancel(ctx)
	c.acquiring = true
	c.aborted = false
	c.abortAcquire = cancel
	c.mu.Unlock()

	stream, err := c.opts.Device.Acquire(acquireCtx, c.opts.Constraints)
	cancel()

	c.mu.Lock()
	defer c.mu.Unlock()
	c.acquiring = false
	c.abortAcquire = nil
	if c.aborted || c.closed {
		c.aborted = false
		if err == nil {
			if cerr := stream.Close(); cerr != nil {
				c.log.Warn("release of abandoned stream failed", slogError(cerr))
			}
		}
		if c.closed {
			return false, ErrClosed
		}
		c.log.Info("start abandoned, discarded during device acquisition")
		return false, ErrStartAborted
	}
	if err != nil {
		c.log.Warn("device acquisition failed", slogError(err))
		c.notifyLocked(UpdateError, err.Error())
		return false, fmt.Errorf("%w: %w", ErrPermissionDenied, err)
	}

	c.engine = capture.NewEngine(stream, capture.EngineOptions{
		MimeType: c.opts.MimeType,
		Logger:   c.opts.Logger,
		Now:      c.source.Now,
	})
	c.id = uuid.NewString()
	c.startedAt = c.source.Now()
	c.elapsed = 0
	c.segments = nil
	c.interim = ""
	c.listening = false
	c.artifact = nil
	c.jobID = ""

	c.engine.Start()
	c.state = StateRecording
	c.drainRun = 0
	c.run++
	c.clockRun = c.clock.Start()
	c.startStreamLocked()

	if c.started != nil {
		c.started.Add(ctx, 1)
	}
	c.log.Info("recording started", slog.String("session_id", c.id), slog.String("stream", stream.ID()))
	c.notifyLocked(UpdateState, "")
	return true, nil
}

// Pause stops the clock and the transcription stream and drops audio until
// Resume. Legal only while recording.
func (c *Controller) Pause() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateRecording {
		return false
	}
	c.clock.Stop()
	c.stopStreamLocked()
	c.drainRun = c.run
	c.run++
	c.engine.Pause()
	c.state = StatePaused
	c.log.Info("recording paused", slog.String("session_id", c.id), slog.Int("elapsed_seconds", c.elapsed))
	c.notifyLocked(UpdateState, "")
	return true
}

// Resume restarts the clock, transcription and audio capture. Legal only
// while paused.
func (c *Controller) Resume() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StatePaused {
		return false
	}
	c.engine.Resume()
	c.state = StateRecording
	c.run++
	c.clockRun = c.clock.Start()
	c.startStreamLocked()
	c.log.Info("recording resumed", slog.String("session_id", c.id))
	c.notifyLocked(UpdateState, "")
	return true
}

// Stop finalizes the recording and releases the device. Legal while
// recording or paused.
func (c *Controller) Stop() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateRecording && c.state != StatePaused {
		return false
	}
	c.clock.Stop()
	c.stopStreamLocked()
	c.drainRun = c.run
	c.run++

	artifact, err := c.engine.Finalize()
	if err != nil {
		c.log.Warn("finalize failed", slogError(err))
	}
	c.artifact = &artifact
	c.releaseLocked()

	if c.title == "" {
		c.title = fmt.Sprintf("%s %s", c.opts.TitlePrefix, c.source.Now().Format("2006-01-02 15:04"))
	}
	c.state = StateCompleted
	if c.finished != nil {
		c.finished.Add(context.Background(), 1)
	}
	c.log.Info("recording completed",
		slog.String("session_id", c.id),
		slog.Int("elapsed_seconds", c.elapsed),
		slog.Int("chunks", artifact.ChunkCount),
		slog.Int("bytes", artifact.Size()),
		slog.Int("segments", len(c.segments)))
	c.notifyLocked(UpdateState, "")
	return true
}

// Discard tears the session down from any state and returns to idle. It
// reports whether there was anything to discard.
func (c *Controller) Discard() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.discardLocked()
}

// Close discards the session and waits for every producer goroutine to
// exit. The controller cannot be used afterwards.
func (c *Controller) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.discardLocked()
	c.closed = true
	close(c.updates)
	streams := c.retired
	c.retired = nil
	c.mu.Unlock()

	c.clock.Wait()
	for _, s := range streams {
		s.Wait()
	}
}

// SetTitle edits the title. Edits are refused once the session was handed off.
func (c *Controller) SetTitle(title string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.jobID != "" {
		return ErrHandedOff
	}
	c.title = strings.TrimSpace(title)
	c.notifyLocked(UpdateMetadata, "title")
	return nil
}

func (c *Controller) SetDescription(description string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.jobID != "" {
		return ErrHandedOff
	}
	c.description = description
	c.notifyLocked(UpdateMetadata, "description")
	return nil
}

// Handoff returns the payload of a completed session.
func (c *Controller) Handoff() (Payload, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateCompleted || c.artifact == nil {
		return Payload{}, ErrNotCompleted
	}
	if c.jobID != "" {
		return Payload{}, ErrHandedOff
	}
	texts := make([]string, 0, len(c.segments))
	for _, seg := range c.segments {
		texts = append(texts, seg.Text)
	}
	data := make([]byte, len(c.artifact.Data))
	copy(data, c.artifact.Data)
	return Payload{
		SessionID:      c.id,
		Artifact:       capture.Artifact{MimeType: c.artifact.MimeType, Data: data, ChunkCount: c.artifact.ChunkCount},
		Segments:       append([]Segment(nil), c.segments...),
		Transcript:     strings.Join(texts, " "),
		ElapsedSeconds: c.elapsed,
		Title:          c.title,
		Description:    c.description,
	}, nil
}

// MarkHandedOff records the collaborator's job id and freezes metadata.
func (c *Controller) MarkHandedOff(sessionID, jobID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateCompleted || c.id != sessionID {
		return ErrNotCompleted
	}
	if c.jobID != "" {
		return ErrHandedOff
	}
	c.jobID = jobID
	c.log.Info("session handed off", slog.String("session_id", c.id), slog.String("job_id", jobID))
	c.notifyLocked(UpdateMetadata, "handoff")
	return nil
}

// State returns the current state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Controller) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snapshotLocked()
}

func (c *Controller) snapshotLocked() Snapshot {
	snap := Snapshot{
		ID:                     c.id,
		State:                  c.state,
		StartedAt:              c.startedAt,
		ElapsedSeconds:         c.elapsed,
		Segments:               append([]Segment(nil), c.segments...),
		Interim:                c.interim,
		Listening:              c.listening,
		TranscriptionSupported: c.supported,
		Title:                  c.title,
		Description:            c.description,
		JobID:                  c.jobID,
	}
	switch {
	case c.artifact != nil:
		snap.ChunkCount = c.artifact.ChunkCount
		snap.ChunkBytes = c.artifact.Size()
	case c.engine != nil:
		snap.ChunkCount = c.engine.Len()
		snap.ChunkBytes = c.engine.Size()
	}
	return snap
}

func (c *Controller) discardLocked() bool {
	changed := c.state != StateIdle || c.title != "" || c.description != ""
	if c.acquiring {
		c.aborted = true
		c.abortAcquire()
		changed = true
	}
	c.clock.Stop()
	c.stopStreamLocked()
	c.drainRun = 0
	c.run++
	if c.engine != nil {
		c.releaseLocked()
		c.engine = nil
	}
	if c.state != StateIdle && c.discarded != nil {
		c.discarded.Add(context.Background(), 1)
	}
	if c.state != StateIdle {
		c.log.Info("session discarded", slog.String("session_id", c.id), slog.String("state", c.state.String()))
	}

	c.state = StateIdle
	c.id = ""
	c.startedAt = time.Time{}
	c.elapsed = 0
	c.segments = nil
	c.interim = ""
	c.listening = false
	c.artifact = nil
	c.title = ""
	c.description = ""
	c.jobID = ""
	if changed {
		c.notifyLocked(UpdateState, "discarded")
	}
	return changed
}

func (c *Controller) releaseLocked() {
	if err := c.engine.Release(); err != nil {
		var relErr *capture.ReleaseError
		if errors.As(err, &relErr) && c.releases != nil {
			c.releases.Add(context.Background(), 1, metric.WithAttributes(attribute.String("stream", relErr.StreamID)))
		}
		c.log.Error("device release failed", slogError(err))
		c.notifyLocked(UpdateError, err.Error())
	}
}

func (c *Controller) startStreamLocked() {
	if !c.supported {
		return
	}
	run := c.run
	stream := transcribe.NewStream(c.opts.Recognizer, &streamSink{c: c, run: run}, transcribe.StreamOptions{
		Locale:       c.opts.Locale,
		Interim:      c.opts.Interim,
		RestartDelay: c.opts.RestartDelay,
		Source:       c.source,
		Logger:       c.opts.Logger,
		Guard: func() bool {
			c.mu.Lock()
			defer c.mu.Unlock()
			return c.state == StateRecording && c.run == run
		},
	})
	if err := stream.Start(c.engine); err != nil {
		if errors.Is(err, transcribe.ErrUnavailable) {
			c.supported = false
			c.log.Info("live transcription unavailable, recording without transcript")
			return
		}
		c.log.Warn("transcription start failed", slogError(err))
		return
	}
	c.stream = stream
	c.retired = append(pruneExited(c.retired), stream)
}

// pruneExited drops streams whose listener goroutines have all returned.
func pruneExited(streams []*transcribe.Stream) []*transcribe.Stream {
	live := streams[:0]
	for _, s := range streams {
		if !s.Exited() {
			live = append(live, s)
		}
	}
	clear(streams[len(live):])
	return live
}

func (c *Controller) stopStreamLocked() {
	if c.stream != nil {
		c.stream.Stop()
		c.stream = nil
	}
	c.listening = false
	c.interim = ""
}

func (c *Controller) notifyLocked(kind UpdateKind, detail string) {
	if c.closed {
		return
	}
	select {
	case c.updates <- Update{Kind: kind, Detail: detail, Snapshot: c.snapshotLocked()}:
	default:
	}
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
