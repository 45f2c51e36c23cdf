package stt

import (
	"encoding/json"
	"log/slog"
	"time"

	"github.com/loqalabs/lecturecap/internal/bus"
	"github.com/loqalabs/lecturecap/internal/protocol"
)

// Publisher broadcasts live transcript lines on the bus so other nodes can
// follow a lecture while it is being recorded.
type Publisher struct {
	bus     *bus.Client
	interim bool
	now     func() time.Time
}

func NewPublisher(busClient *bus.Client, publishInterim bool) *Publisher {
	return &Publisher{bus: busClient, interim: publishInterim, now: time.Now}
}

func (p *Publisher) Interim(sessionID, text string, elapsed int) {
	if !p.interim {
		return
	}
	p.publish(sessionID, text, elapsed, nil, false)
}

func (p *Publisher) Final(sessionID, text string, elapsed int, confidence *float64) {
	p.publish(sessionID, text, elapsed, confidence, true)
}

func (p *Publisher) publish(sessionID, text string, elapsed int, confidence *float64, final bool) {
	if text == "" || p.bus == nil {
		return
	}
	subject := protocol.SubjectTranscriptPartial
	if final {
		subject = protocol.SubjectTranscriptFinal
	}
	msg := protocol.Transcript{
		SessionID:        sessionID,
		Text:             text,
		Partial:          !final,
		TimestampSeconds: elapsed,
		Timestamp:        p.now().UTC(),
		Confidence:       confidence,
	}
	data, err := json.Marshal(msg)
	if err != nil {
		p.bus.Logger().Warn("failed to marshal transcript", slogError(err))
		return
	}
	if err := p.bus.Conn().Publish(subject, data); err != nil {
		p.bus.Logger().Warn("failed to publish transcript", slogError(err), slog.String("subject", subject))
	}
}
