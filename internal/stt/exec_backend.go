package stt

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"sync"

	"github.com/loqalabs/lecturecap/internal/capture"
	"github.com/loqalabs/lecturecap/internal/config"
	"github.com/mattn/go-shellwords"
)

type execBackend struct {
	cmd []string
	cfg config.TranscriptionConfig
	mu  sync.Mutex
}

type execResult struct {
	Text       string  `json:"text"`
	Confidence float64 `json:"confidence"`
}

func NewExecBackend(cfg config.TranscriptionConfig) (Backend, error) {
	args, err := parseCommand(cfg.Command)
	if err != nil {
		return nil, err
	}
	return &execBackend{cmd: args, cfg: cfg}, nil
}

func parseCommand(command string) ([]string, error) {
	parser := shellwords.NewParser()
	args, err := parser.Parse(command)
	if err != nil {
		return nil, fmt.Errorf("parse stt command: %w", err)
	}
	if len(args) == 0 {
		return nil, fmt.Errorf("stt command is empty")
	}
	return args, nil
}

func (b *execBackend) Transcribe(ctx context.Context, pcm []byte, sampleRate int, channels int, final bool) (TranscriptResult, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	file, err := os.CreateTemp(os.TempDir(), "lecturecap_stt_*.wav")
	if err != nil {
		return TranscriptResult{}, fmt.Errorf("temp file: %w", err)
	}
	defer os.Remove(file.Name())
	defer file.Close()

	if err := capture.WritePCMAsWAV(file, pcm, sampleRate, channels); err != nil {
		return TranscriptResult{}, err
	}

	base := b.cmd[0]
	cmdArgs := append([]string{}, b.cmd[1:]...)
	cmdArgs = append(cmdArgs, "--audio", file.Name())
	if b.cfg.ModelPath != "" {
		cmdArgs = append(cmdArgs, "--model", b.cfg.ModelPath)
	}
	if b.cfg.Locale != "" {
		cmdArgs = append(cmdArgs, "--language", b.cfg.Locale)
	}
	if !final {
		cmdArgs = append(cmdArgs, "--partial")
	}

	command := exec.CommandContext(ctx, base, cmdArgs...)
	var stdout bytes.Buffer
	var stderr bytes.Buffer
	command.Stdout = &stdout
	command.Stderr = &stderr

	if err := command.Run(); err != nil {
		return TranscriptResult{}, fmt.Errorf("stt command failed: %w: %s", err, stderr.String())
	}

	var resp execResult
	if err := json.Unmarshal(stdout.Bytes(), &resp); err != nil {
		return TranscriptResult{}, fmt.Errorf("decode stt response: %w", err)
	}
	return TranscriptResult{Text: resp.Text, Confidence: resp.Confidence}, nil
}
