package stt

import (
	"context"
	"fmt"
)

type mockBackend struct{}

func NewMockBackend() Backend {
	return &mockBackend{}
}

func (m *mockBackend) Transcribe(_ context.Context, pcm []byte, sampleRate int, channels int, final bool) (TranscriptResult, error) {
	mode := "partial"
	if final {
		mode = "final"
	}
	seconds := 0.0
	if sampleRate > 0 && channels > 0 {
		seconds = float64(len(pcm)) / float64(sampleRate*channels*2)
	}
	return TranscriptResult{
		Text:       fmt.Sprintf("[%s transcript %.1fs]", mode, seconds),
		Confidence: 0.5,
	}, nil
}
