package capture

import (
	"context"
	"encoding/binary"
	"fmt"
	"math"
	"sync"

	"github.com/google/uuid"
	"github.com/loqalabs/lecturecap/internal/clock"
)

// ToneDevice is a synthetic microphone producing a 16-bit PCM sine wave in
// real time. It stands in for classroom hardware in development and tests.
type ToneDevice struct {
	label  string
	hz     float64
	deny   bool
	source clock.Source

	mu   sync.Mutex
	held bool
}

type ToneOptions struct {
	Label  string
	Hz     float64
	Deny   bool
	Source clock.Source
}

func NewToneDevice(opts ToneOptions) *ToneDevice {
	if opts.Source == nil {
		opts.Source = clock.System()
	}
	if opts.Label == "" {
		opts.Label = "tone"
	}
	return &ToneDevice{label: opts.Label, hz: opts.Hz, deny: opts.Deny, source: opts.Source}
}

// Held reports whether a stream currently owns the device.
func (d *ToneDevice) Held() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.held
}

func (d *ToneDevice) Acquire(ctx context.Context, c Constraints) (Stream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if d.deny {
		return nil, ErrPermissionDenied
	}
	if c.SampleRate <= 0 || c.Channels <= 0 || c.ChunkInterval <= 0 {
		return nil, fmt.Errorf("%w: invalid constraints %+v", ErrDeviceUnavailable, c)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.held {
		return nil, fmt.Errorf("%w: %s already in use", ErrDeviceUnavailable, d.label)
	}
	d.held = true

	s := &toneStream{
		id:     uuid.NewString(),
		device: d,
		c:      c,
		chunks: make(chan []byte, 16),
		done:   make(chan struct{}),
		ticker: d.source.NewTicker(c.ChunkInterval),
	}
	go s.run()
	return s, nil
}

func (d *ToneDevice) release() {
	d.mu.Lock()
	d.held = false
	d.mu.Unlock()
}

type toneStream struct {
	id     string
	device *ToneDevice
	c      Constraints
	chunks chan []byte
	done   chan struct{}
	ticker clock.Ticker
	phase  float64
	once   sync.Once
}

func (s *toneStream) ID() string { return s.id }

func (s *toneStream) Tracks() []Track {
	return []Track{{ID: s.id + "/audio", Kind: "audio", Label: s.device.label}}
}

func (s *toneStream) Chunks() <-chan []byte { return s.chunks }

func (s *toneStream) Close() error {
	s.once.Do(func() {
		s.ticker.Stop()
		close(s.done)
		s.device.release()
	})
	return nil
}

func (s *toneStream) run() {
	for {
		select {
		case <-s.done:
			return
		case <-s.ticker.C():
			chunk := s.synthesize()
			select {
			case s.chunks <- chunk:
			case <-s.done:
				return
			}
		}
	}
}

func (s *toneStream) synthesize() []byte {
	frames := int(float64(s.c.SampleRate) * s.c.ChunkInterval.Seconds())
	buf := make([]byte, frames*s.c.Channels*2)
	step := 2 * math.Pi * s.device.hz / float64(s.c.SampleRate)
	for i := 0; i < frames; i++ {
		sample := int16(0.2 * math.MaxInt16 * math.Sin(s.phase))
		s.phase += step
		for ch := 0; ch < s.c.Channels; ch++ {
			binary.LittleEndian.PutUint16(buf[(i*s.c.Channels+ch)*2:], uint16(sample))
		}
	}
	s.phase = math.Mod(s.phase, 2*math.Pi)
	return buf
}
