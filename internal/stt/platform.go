package stt

import (
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"time"

	"github.com/loqalabs/lecturecap/internal/clock"
	"github.com/loqalabs/lecturecap/internal/config"
	"github.com/loqalabs/lecturecap/internal/transcribe"
)

var errNoSpeech = errors.New("no speech detected")

// NewPlatform feature-detects speech recognition for the node. When it is
// not available the error wraps transcribe.ErrUnavailable and recording
// proceeds without a live transcript.
func NewPlatform(cfg config.TranscriptionConfig, capCfg config.CaptureConfig, source clock.Source, logger *slog.Logger) (transcribe.Recognizer, error) {
	if !cfg.Enabled || cfg.Mode == "none" {
		return nil, fmt.Errorf("%w: disabled by configuration", transcribe.ErrUnavailable)
	}

	var backend Backend
	switch cfg.Mode {
	case "mock":
		backend = NewMockBackend()
	case "exec":
		args, err := parseCommand(cfg.Command)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", transcribe.ErrUnavailable, err)
		}
		if _, err := exec.LookPath(args[0]); err != nil {
			return nil, fmt.Errorf("%w: %v", transcribe.ErrUnavailable, err)
		}
		backend, err = NewExecBackend(cfg)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", transcribe.ErrUnavailable, err)
		}
	default:
		return nil, fmt.Errorf("%w: unknown mode %q", transcribe.ErrUnavailable, cfg.Mode)
	}

	return NewListener(backend, ListenerOptions{
		SampleRate:     capCfg.SampleRate,
		Channels:       capCfg.Channels,
		PartialEvery:   time.Duration(cfg.PartialEveryMS) * time.Millisecond,
		Utterance:      time.Duration(cfg.UtteranceMS) * time.Millisecond,
		SilenceTimeout: time.Duration(cfg.SilenceTimeoutMS) * time.Millisecond,
		MaxListen:      time.Duration(cfg.MaxListenMS) * time.Millisecond,
		Source:         source,
		Logger:         logger,
	}), nil
}
