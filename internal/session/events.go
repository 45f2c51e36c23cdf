package session

import (
	"log/slog"
)

// event is a producer notification applied by the controller's transition
// function. Every event carries the run it belongs to; events from a run
// that was paused, stopped or discarded are dropped.
type event interface {
	eventRun() uint64
}

type tickEvent struct{ run uint64 }

type segmentEvent struct {
	run        uint64
	text       string
	confidence *float64
}

type interimEvent struct {
	run  uint64
	text string
}

type listeningEvent struct {
	run    uint64
	active bool
}

type recognitionErrorEvent struct {
	run uint64
	err error
}

func (e tickEvent) eventRun() uint64             { return e.run }
func (e segmentEvent) eventRun() uint64          { return e.run }
func (e interimEvent) eventRun() uint64          { return e.run }
func (e listeningEvent) eventRun() uint64        { return e.run }
func (e recognitionErrorEvent) eventRun() uint64 { return e.run }

func (c *Controller) dispatch(evt event) {
	c.mu.Lock()
	after := c.apply(evt)
	c.mu.Unlock()
	if after != nil {
		after()
	}
}

// apply mutates session state for evt. The returned func, if any, runs after
// the lock is released.
func (c *Controller) apply(evt event) func() {
	if c.closed {
		return nil
	}
	if e, ok := evt.(segmentEvent); ok && c.draining(e.run) {
		return c.appendSegmentLocked(e)
	}
	if c.state != StateRecording {
		return nil
	}
	switch e := evt.(type) {
	case tickEvent:
		if e.run != c.clockRun {
			return nil
		}
		c.elapsed++
		c.notifyLocked(UpdateTick, "")
		return nil
	}

	if evt.eventRun() != c.run {
		return nil
	}
	switch e := evt.(type) {
	case segmentEvent:
		return c.appendSegmentLocked(e)
	case interimEvent:
		c.interim = e.text
		c.notifyLocked(UpdateInterim, e.text)
		if obs := c.opts.Transcripts; obs != nil {
			id, elapsed := c.id, c.elapsed
			return func() { obs.Interim(id, e.text, elapsed) }
		}
	case listeningEvent:
		if c.listening == e.active {
			return nil
		}
		c.listening = e.active
		if !e.active {
			c.interim = ""
		}
		c.notifyLocked(UpdateListening, "")
	case recognitionErrorEvent:
		c.log.Warn("recognition error", slog.String("session_id", c.id), slogError(e.err))
		c.notifyLocked(UpdateError, e.err.Error())
	}
	return nil
}

// draining reports whether run is the span just ended by pause or stop, whose
// listener may still flush a last final result. A handed-off session takes no
// more text.
func (c *Controller) draining(run uint64) bool {
	return run != 0 && run == c.drainRun && c.state != StateIdle && c.jobID == ""
}

func (c *Controller) appendSegmentLocked(e segmentEvent) func() {
	seg := Segment{Text: e.text, TimestampSeconds: c.elapsed, Confidence: e.confidence}
	c.segments = append(c.segments, seg)
	c.interim = ""
	c.notifyLocked(UpdateSegment, seg.Text)
	obs := c.opts.Transcripts
	if obs == nil {
		return nil
	}
	id := c.id
	return func() { obs.Final(id, seg.Text, seg.TimestampSeconds, seg.Confidence) }
}

// streamSink turns transcription callbacks into controller events for one run.
type streamSink struct {
	c   *Controller
	run uint64
}

func (s *streamSink) OnListening(active bool) {
	s.c.dispatch(listeningEvent{run: s.run, active: active})
}

func (s *streamSink) OnInterim(text string) {
	s.c.dispatch(interimEvent{run: s.run, text: text})
}

func (s *streamSink) OnFinal(text string, confidence *float64) {
	s.c.dispatch(segmentEvent{run: s.run, text: text, confidence: confidence})
}

func (s *streamSink) OnError(err error) {
	s.c.dispatch(recognitionErrorEvent{run: s.run, err: err})
}
