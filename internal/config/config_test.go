package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Bus.Servers[0] != "nats://localhost:4222" {
		t.Fatalf("expected default server, got %v", cfg.Bus.Servers)
	}
	if cfg.Capture.ChunkIntervalMS != 100 {
		t.Fatalf("expected 100ms chunk interval, got %d", cfg.Capture.ChunkIntervalMS)
	}
	if cfg.EventStore.RetentionMode != "ephemeral" {
		t.Fatalf("expected ephemeral journal by default, got %s", cfg.EventStore.RetentionMode)
	}
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "lecturecap.yaml")
	data := []byte(`node:
  id: room-204
capture:
  device: bus
  device_id: lectern
  chunk_interval_ms: 250
transcription:
  mode: none
handoff:
  mode: bus
  class_id: bio-101
`)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Node.ID != "room-204" || cfg.Capture.Device != "bus" || cfg.Capture.DeviceID != "lectern" {
		t.Fatalf("file values not applied: %+v", cfg)
	}
	if cfg.Capture.ChunkIntervalMS != 250 {
		t.Fatalf("expected chunk interval 250, got %d", cfg.Capture.ChunkIntervalMS)
	}
	if cfg.Capture.SampleRate != 16000 {
		t.Fatalf("expected default sample rate to survive partial file")
	}
	if cfg.Handoff.ClassID != "bio-101" {
		t.Fatalf("expected class id override")
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("LECTURECAP_BUS_SERVERS", "nats://one:4222, nats://two:4222")
	t.Setenv("LECTURECAP_BUS_USERNAME", "alice")
	t.Setenv("LECTURECAP_BUS_PASSWORD", "secret")
	t.Setenv("LECTURECAP_BUS_TLS_INSECURE", "true")
	t.Setenv("LECTURECAP_BUS_CONNECT_TIMEOUT_MS", "5000")
	t.Setenv("LECTURECAP_NODE_ID", "test-node")
	t.Setenv("LECTURECAP_NODE_HEARTBEAT_INTERVAL_MS", "500")
	t.Setenv("LECTURECAP_EVENT_STORE_PATH", "./tmp.db")
	t.Setenv("LECTURECAP_EVENT_STORE_RETENTION_MODE", "persistent")
	t.Setenv("LECTURECAP_EVENT_STORE_RETENTION_DAYS", "7")
	t.Setenv("LECTURECAP_EVENT_STORE_MAX_SESSIONS", "123")
	t.Setenv("LECTURECAP_EVENT_STORE_VACUUM_ON_START", "true")
	t.Setenv("LECTURECAP_CAPTURE_TONE_HZ", "220.5")
	t.Setenv("LECTURECAP_TRANSCRIPTION_LOCALE", "de-DE")
	t.Setenv("LECTURECAP_TRANSCRIPTION_RESTART_DELAY_MS", "400")
	t.Setenv("LECTURECAP_HANDOFF_AUTO_UPLOAD", "true")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(cfg.Bus.Servers) != 2 {
		t.Fatalf("expected 2 servers, got %v", cfg.Bus.Servers)
	}
	if cfg.Bus.Username != "alice" || cfg.Bus.Password != "secret" {
		t.Fatalf("expected credentials override")
	}
	if !cfg.Bus.TLSInsecure {
		t.Fatal("expected tls insecure override true")
	}
	if cfg.Bus.ConnectTimeout != 5000 {
		t.Fatalf("expected timeout 5000, got %d", cfg.Bus.ConnectTimeout)
	}
	if cfg.Node.ID != "test-node" {
		t.Fatalf("expected node id override")
	}
	if cfg.Node.HeartbeatIntervalMS != 500 {
		t.Fatalf("expected heartbeat interval override, got %d", cfg.Node.HeartbeatIntervalMS)
	}
	if cfg.EventStore.Path != "./tmp.db" || cfg.EventStore.RetentionMode != "persistent" {
		t.Fatalf("expected event store overrides")
	}
	if cfg.EventStore.RetentionDays != 7 || cfg.EventStore.MaxSessions != 123 || !cfg.EventStore.VacuumOnStart {
		t.Fatalf("expected event store retention overrides")
	}
	if cfg.Capture.ToneHz != 220.5 {
		t.Fatalf("expected tone override, got %v", cfg.Capture.ToneHz)
	}
	if cfg.Transcription.Locale != "de-DE" || cfg.Transcription.RestartDelayMS != 400 {
		t.Fatalf("expected transcription overrides")
	}
	if !cfg.Handoff.AutoUpload {
		t.Fatalf("expected auto upload override")
	}
}

func TestValidateRejects(t *testing.T) {
	cases := map[string]func(*Config){
		"device":        func(c *Config) { c.Capture.Device = "webcam" },
		"chunk":         func(c *Config) { c.Capture.ChunkIntervalMS = 0 },
		"exec command":  func(c *Config) { c.Transcription.Mode = "exec" },
		"restart delay": func(c *Config) { c.Transcription.RestartDelayMS = 0 },
		"node id":       func(c *Config) { c.Node.ID = "room.1" },
		"heartbeat":     func(c *Config) { c.Node.HeartbeatTimeoutMS = c.Node.HeartbeatIntervalMS },
		"handoff":       func(c *Config) { c.Handoff.Mode = "ftp" },
		"auto upload":   func(c *Config) { c.Handoff.Mode = "none"; c.Handoff.AutoUpload = true },
		"bucket":        func(c *Config) { c.Handoff.Mode = "bus"; c.Handoff.Bucket = "lecture.audio" },
		"retention":     func(c *Config) { c.EventStore.RetentionMode = "forever" },
	}
	for name, mutate := range cases {
		cfg := Default()
		mutate(&cfg)
		if err := validate(cfg); err == nil {
			t.Fatalf("%s: expected validation error", name)
		}
	}
}
