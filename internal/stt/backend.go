package stt

import (
	"context"
)

// TranscriptResult captures backend output.
type TranscriptResult struct {
	Text       string
	Confidence float64
}

// Backend abstracts chunk transcription engines.
type Backend interface {
	Transcribe(ctx context.Context, pcm []byte, sampleRate int, channels int, final bool) (TranscriptResult, error)
}
