package capture

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"
	"github.com/loqalabs/lecturecap/internal/clock"
	"github.com/loqalabs/lecturecap/internal/protocol"
	"github.com/nats-io/nats.go"
)

// BusDevice is a microphone bridged onto the bus: a capture agent in the
// classroom publishes PCM frames on audio.frame.<device>, and the device
// regroups them into chunks at the requested interval.
type BusDevice struct {
	conn     *nats.Conn
	deviceID string
	source   clock.Source
	log      *slog.Logger

	mu   sync.Mutex
	held bool
}

func NewBusDevice(conn *nats.Conn, deviceID string, source clock.Source, logger *slog.Logger) *BusDevice {
	if source == nil {
		source = clock.System()
	}
	return &BusDevice{
		conn:     conn,
		deviceID: deviceID,
		source:   source,
		log:      logger.With(slog.String("component", "bus-device"), slog.String("device", deviceID)),
	}
}

func (d *BusDevice) Acquire(ctx context.Context, c Constraints) (Stream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if d.conn == nil || !d.conn.IsConnected() {
		return nil, fmt.Errorf("%w: bus not connected", ErrDeviceUnavailable)
	}
	if c.ChunkInterval <= 0 {
		return nil, fmt.Errorf("%w: chunk interval must be positive", ErrDeviceUnavailable)
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.held {
		return nil, fmt.Errorf("%w: %s already in use", ErrDeviceUnavailable, d.deviceID)
	}

	s := &busStream{
		id:     uuid.NewString(),
		device: d,
		c:      c,
		chunks: make(chan []byte, 16),
		done:   make(chan struct{}),
	}
	sub, err := d.conn.Subscribe(protocol.AudioFrameSubject(d.deviceID), s.handleFrame)
	if err != nil {
		return nil, fmt.Errorf("%w: subscribe frames: %v", ErrDeviceUnavailable, err)
	}
	s.sub = sub
	s.ticker = d.source.NewTicker(c.ChunkInterval)
	d.held = true
	go s.run()
	return s, nil
}

type busStream struct {
	id     string
	device *BusDevice
	c      Constraints
	sub    *nats.Subscription
	ticker clock.Ticker
	chunks chan []byte
	done   chan struct{}
	once   sync.Once

	mu      sync.Mutex
	pending []byte
	lastSeq int
}

func (s *busStream) ID() string { return s.id }

func (s *busStream) Tracks() []Track {
	return []Track{{ID: s.id + "/audio", Kind: "audio", Label: s.device.deviceID}}
}

func (s *busStream) Chunks() <-chan []byte { return s.chunks }

func (s *busStream) Close() error {
	var err error
	s.once.Do(func() {
		s.ticker.Stop()
		close(s.done)
		err = s.sub.Unsubscribe()
		s.device.mu.Lock()
		s.device.held = false
		s.device.mu.Unlock()
	})
	return err
}

func (s *busStream) handleFrame(msg *nats.Msg) {
	var frame protocol.AudioFrame
	if err := json.Unmarshal(msg.Data, &frame); err != nil {
		s.device.log.Warn("failed to decode audio frame", slogError(err))
		return
	}
	if frame.SampleRate != 0 && frame.SampleRate != s.c.SampleRate {
		s.device.log.Warn("dropping frame with unexpected sample rate",
			slog.Int("got", frame.SampleRate), slog.Int("want", s.c.SampleRate))
		return
	}
	if frame.Channels != 0 && frame.Channels != s.c.Channels {
		s.device.log.Warn("dropping frame with unexpected channel count",
			slog.Int("got", frame.Channels), slog.Int("want", s.c.Channels))
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.lastSeq != 0 && frame.Sequence > s.lastSeq+1 {
		s.device.log.Debug("audio frame gap", slog.Int("from", s.lastSeq), slog.Int("to", frame.Sequence))
	}
	s.lastSeq = frame.Sequence
	s.pending = append(s.pending, frame.PCM...)
}

func (s *busStream) run() {
	for {
		select {
		case <-s.done:
			return
		case <-s.ticker.C():
			s.mu.Lock()
			chunk := s.pending
			s.pending = nil
			s.mu.Unlock()
			if len(chunk) == 0 {
				continue
			}
			select {
			case s.chunks <- chunk:
			case <-s.done:
				return
			}
		}
	}
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
