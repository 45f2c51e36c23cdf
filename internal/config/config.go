package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

type TelemetryConfig struct {
	LogLevel       string `yaml:"log_level"`
	OTLPEndpoint   string `yaml:"otlp_endpoint"`
	OTLPInsecure   bool   `yaml:"otlp_insecure"`
	PrometheusBind string `yaml:"prometheus_bind"`
}

type HTTPConfig struct {
	Bind string `yaml:"bind"`
	Port int    `yaml:"port"`
}

type Config struct {
	RuntimeName   string              `yaml:"runtime_name"`
	Environment   string              `yaml:"environment"`
	HTTP          HTTPConfig          `yaml:"http"`
	Telemetry     TelemetryConfig     `yaml:"telemetry"`
	Bus           BusConfig           `yaml:"bus"`
	Node          NodeConfig          `yaml:"node"`
	EventStore    EventStoreConfig    `yaml:"event_store"`
	Capture       CaptureConfig       `yaml:"capture"`
	Transcription TranscriptionConfig `yaml:"transcription"`
	Session       SessionConfig       `yaml:"session"`
	Handoff       HandoffConfig       `yaml:"handoff"`
}

type BusConfig struct {
	Embedded       bool     `yaml:"embedded"`
	Port           int      `yaml:"port"`
	StoreDir       string   `yaml:"store_dir"`
	Servers        []string `yaml:"servers"`
	Username       string   `yaml:"username"`
	Password       string   `yaml:"password"`
	Token          string   `yaml:"token"`
	TLSInsecure    bool     `yaml:"tls_insecure"`
	ConnectTimeout int      `yaml:"connect_timeout_ms"`
}

// NodeConfig identifies the classroom node; its id scopes control subjects.
type NodeConfig struct {
	ID                  string `yaml:"id"`
	Room                string `yaml:"room"`
	HeartbeatIntervalMS int    `yaml:"heartbeat_interval_ms"`
	HeartbeatTimeoutMS  int    `yaml:"heartbeat_timeout_ms"`
}

type EventStoreConfig struct {
	Path          string `yaml:"path"`
	RetentionMode string `yaml:"retention_mode"`
	RetentionDays int    `yaml:"retention_days"`
	MaxSessions   int    `yaml:"max_sessions"`
	VacuumOnStart bool   `yaml:"vacuum_on_start"`
}

type CaptureConfig struct {
	Device          string  `yaml:"device"` // mock, bus
	DeviceID        string  `yaml:"device_id"`
	SampleRate      int     `yaml:"sample_rate"`
	Channels        int     `yaml:"channels"`
	ChunkIntervalMS int     `yaml:"chunk_interval_ms"`
	MimeType        string  `yaml:"mime_type"`
	ToneHz          float64 `yaml:"tone_hz"`
	DenyAccess      bool    `yaml:"deny_access"`
}

type TranscriptionConfig struct {
	Enabled          bool   `yaml:"enabled"`
	Mode             string `yaml:"mode"` // none, mock, exec
	Command          string `yaml:"command"`
	ModelPath        string `yaml:"model_path"`
	Locale           string `yaml:"locale"`
	PartialEveryMS   int    `yaml:"partial_every_ms"`
	UtteranceMS      int    `yaml:"utterance_ms"`
	SilenceTimeoutMS int    `yaml:"silence_timeout_ms"`
	MaxListenMS      int    `yaml:"max_listen_ms"`
	RestartDelayMS   int    `yaml:"restart_delay_ms"`
	PublishInterim   bool   `yaml:"publish_interim"`
}

type SessionConfig struct {
	TickIntervalMS int    `yaml:"tick_interval_ms"`
	UpdateBuffer   int    `yaml:"update_buffer"`
	TitlePrefix    string `yaml:"title_prefix"`
}

type HandoffConfig struct {
	Mode       string `yaml:"mode"` // none, bus, spool
	Subject    string `yaml:"subject"`
	Bucket     string `yaml:"bucket"`
	SpoolDir   string `yaml:"spool_dir"`
	TimeoutMS  int    `yaml:"timeout_ms"`
	ClassID    string `yaml:"class_id"`
	AutoUpload bool   `yaml:"auto_upload"`
}

func Default() Config {
	return Config{
		RuntimeName: "lecturecap",
		Environment: "development",
		HTTP: HTTPConfig{
			Bind: "0.0.0.0",
			Port: 8080,
		},
		Telemetry: TelemetryConfig{
			LogLevel:       "info",
			OTLPEndpoint:   "",
			OTLPInsecure:   true,
			PrometheusBind: ":9091",
		},
		Bus: BusConfig{
			Embedded:       true,
			Port:           4222,
			StoreDir:       "./data/nats",
			Servers:        []string{"nats://localhost:4222"},
			ConnectTimeout: 2000,
		},
		Node: NodeConfig{
			ID:                  "classroom-1",
			HeartbeatIntervalMS: 2000,
			HeartbeatTimeoutMS:  6000,
		},
		EventStore: EventStoreConfig{
			Path:          "./data/lecturecap-journal.db",
			RetentionMode: "ephemeral",
			RetentionDays: 30,
			MaxSessions:   10000,
		},
		Capture: CaptureConfig{
			Device:          "mock",
			DeviceID:        "default",
			SampleRate:      16000,
			Channels:        1,
			ChunkIntervalMS: 100,
			ToneHz:          440,
		},
		Transcription: TranscriptionConfig{
			Enabled:          true,
			Mode:             "mock",
			Locale:           "en-US",
			PartialEveryMS:   800,
			UtteranceMS:      4000,
			SilenceTimeoutMS: 8000,
			MaxListenMS:      60000,
			RestartDelayMS:   250,
			PublishInterim:   true,
		},
		Session: SessionConfig{
			TickIntervalMS: 1000,
			UpdateBuffer:   64,
			TitlePrefix:    "Recording",
		},
		Handoff: HandoffConfig{
			Mode:      "spool",
			Subject:   "upload.request",
			Bucket:    "lecturecap-artifacts",
			SpoolDir:  "./data/spool",
			TimeoutMS: 30000,
		},
	}
}

func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				return cfg, fmt.Errorf("config file not found: %w", err)
			}
			return cfg, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	if err := validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	overrideString(&cfg.RuntimeName, "LECTURECAP_RUNTIME_NAME")
	overrideString(&cfg.Environment, "LECTURECAP_RUNTIME_ENVIRONMENT")
	overrideString(&cfg.HTTP.Bind, "LECTURECAP_HTTP_BIND")
	overrideInt(&cfg.HTTP.Port, "LECTURECAP_HTTP_PORT")
	overrideString(&cfg.Telemetry.LogLevel, "LECTURECAP_TELEMETRY_LOG_LEVEL")
	overrideString(&cfg.Telemetry.OTLPEndpoint, "LECTURECAP_TELEMETRY_OTLP_ENDPOINT")
	overrideBool(&cfg.Telemetry.OTLPInsecure, "LECTURECAP_TELEMETRY_OTLP_INSECURE")
	overrideString(&cfg.Telemetry.PrometheusBind, "LECTURECAP_TELEMETRY_PROMETHEUS_BIND")
	overrideBool(&cfg.Bus.Embedded, "LECTURECAP_BUS_EMBEDDED")
	overrideInt(&cfg.Bus.Port, "LECTURECAP_BUS_PORT")
	overrideString(&cfg.Bus.StoreDir, "LECTURECAP_BUS_STORE_DIR")
	overrideStringSlice(&cfg.Bus.Servers, "LECTURECAP_BUS_SERVERS")
	overrideString(&cfg.Bus.Username, "LECTURECAP_BUS_USERNAME")
	overrideString(&cfg.Bus.Password, "LECTURECAP_BUS_PASSWORD")
	overrideString(&cfg.Bus.Token, "LECTURECAP_BUS_TOKEN")
	overrideBool(&cfg.Bus.TLSInsecure, "LECTURECAP_BUS_TLS_INSECURE")
	overrideInt(&cfg.Bus.ConnectTimeout, "LECTURECAP_BUS_CONNECT_TIMEOUT_MS")
	overrideString(&cfg.Node.ID, "LECTURECAP_NODE_ID")
	overrideString(&cfg.Node.Room, "LECTURECAP_NODE_ROOM")
	overrideInt(&cfg.Node.HeartbeatIntervalMS, "LECTURECAP_NODE_HEARTBEAT_INTERVAL_MS")
	overrideInt(&cfg.Node.HeartbeatTimeoutMS, "LECTURECAP_NODE_HEARTBEAT_TIMEOUT_MS")
	overrideString(&cfg.EventStore.Path, "LECTURECAP_EVENT_STORE_PATH")
	overrideString(&cfg.EventStore.RetentionMode, "LECTURECAP_EVENT_STORE_RETENTION_MODE")
	overrideInt(&cfg.EventStore.RetentionDays, "LECTURECAP_EVENT_STORE_RETENTION_DAYS")
	overrideInt(&cfg.EventStore.MaxSessions, "LECTURECAP_EVENT_STORE_MAX_SESSIONS")
	overrideBool(&cfg.EventStore.VacuumOnStart, "LECTURECAP_EVENT_STORE_VACUUM_ON_START")
	overrideString(&cfg.Capture.Device, "LECTURECAP_CAPTURE_DEVICE")
	overrideString(&cfg.Capture.DeviceID, "LECTURECAP_CAPTURE_DEVICE_ID")
	overrideInt(&cfg.Capture.SampleRate, "LECTURECAP_CAPTURE_SAMPLE_RATE")
	overrideInt(&cfg.Capture.Channels, "LECTURECAP_CAPTURE_CHANNELS")
	overrideInt(&cfg.Capture.ChunkIntervalMS, "LECTURECAP_CAPTURE_CHUNK_INTERVAL_MS")
	overrideString(&cfg.Capture.MimeType, "LECTURECAP_CAPTURE_MIME_TYPE")
	overrideFloat(&cfg.Capture.ToneHz, "LECTURECAP_CAPTURE_TONE_HZ")
	overrideBool(&cfg.Capture.DenyAccess, "LECTURECAP_CAPTURE_DENY_ACCESS")
	overrideBool(&cfg.Transcription.Enabled, "LECTURECAP_TRANSCRIPTION_ENABLED")
	overrideString(&cfg.Transcription.Mode, "LECTURECAP_TRANSCRIPTION_MODE")
	overrideString(&cfg.Transcription.Command, "LECTURECAP_TRANSCRIPTION_COMMAND")
	overrideString(&cfg.Transcription.ModelPath, "LECTURECAP_TRANSCRIPTION_MODEL_PATH")
	overrideString(&cfg.Transcription.Locale, "LECTURECAP_TRANSCRIPTION_LOCALE")
	overrideInt(&cfg.Transcription.PartialEveryMS, "LECTURECAP_TRANSCRIPTION_PARTIAL_EVERY_MS")
	overrideInt(&cfg.Transcription.UtteranceMS, "LECTURECAP_TRANSCRIPTION_UTTERANCE_MS")
	overrideInt(&cfg.Transcription.SilenceTimeoutMS, "LECTURECAP_TRANSCRIPTION_SILENCE_TIMEOUT_MS")
	overrideInt(&cfg.Transcription.MaxListenMS, "LECTURECAP_TRANSCRIPTION_MAX_LISTEN_MS")
	overrideInt(&cfg.Transcription.RestartDelayMS, "LECTURECAP_TRANSCRIPTION_RESTART_DELAY_MS")
	overrideBool(&cfg.Transcription.PublishInterim, "LECTURECAP_TRANSCRIPTION_PUBLISH_INTERIM")
	overrideInt(&cfg.Session.TickIntervalMS, "LECTURECAP_SESSION_TICK_INTERVAL_MS")
	overrideInt(&cfg.Session.UpdateBuffer, "LECTURECAP_SESSION_UPDATE_BUFFER")
	overrideString(&cfg.Session.TitlePrefix, "LECTURECAP_SESSION_TITLE_PREFIX")
	overrideString(&cfg.Handoff.Mode, "LECTURECAP_HANDOFF_MODE")
	overrideString(&cfg.Handoff.Subject, "LECTURECAP_HANDOFF_SUBJECT")
	overrideString(&cfg.Handoff.Bucket, "LECTURECAP_HANDOFF_BUCKET")
	overrideString(&cfg.Handoff.SpoolDir, "LECTURECAP_HANDOFF_SPOOL_DIR")
	overrideInt(&cfg.Handoff.TimeoutMS, "LECTURECAP_HANDOFF_TIMEOUT_MS")
	overrideString(&cfg.Handoff.ClassID, "LECTURECAP_HANDOFF_CLASS_ID")
	overrideBool(&cfg.Handoff.AutoUpload, "LECTURECAP_HANDOFF_AUTO_UPLOAD")
}

func overrideString(target *string, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok && strings.TrimSpace(value) != "" {
		*target = value
	}
}

func overrideInt(target *int, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.Atoi(value); err == nil {
			*target = parsed
		}
	}
}

func overrideBool(target *bool, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.ParseBool(value); err == nil {
			*target = parsed
		}
	}
}

func overrideStringSlice(target *[]string, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		parts := strings.Split(value, ",")
		var trimmed []string
		for _, p := range parts {
			if s := strings.TrimSpace(p); s != "" {
				trimmed = append(trimmed, s)
			}
		}
		if len(trimmed) > 0 {
			*target = trimmed
		}
	}
}

func overrideFloat(target *float64, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.ParseFloat(value, 64); err == nil {
			*target = parsed
		}
	}
}

func validate(cfg Config) error {
	if cfg.RuntimeName == "" {
		return errors.New("runtime_name must not be empty")
	}
	if cfg.HTTP.Port <= 0 || cfg.HTTP.Port > 65535 {
		return errors.New("http.port must be between 1 and 65535")
	}
	if cfg.Bus.Embedded {
		if cfg.Bus.Port <= 0 || cfg.Bus.Port > 65535 {
			return errors.New("bus.port must be between 1 and 65535 when embedded mode is enabled")
		}
	} else {
		if len(cfg.Bus.Servers) == 0 {
			return errors.New("bus.servers must not be empty when embedded mode is disabled")
		}
	}
	if cfg.Node.ID == "" {
		return errors.New("node.id must not be empty")
	}
	if strings.ContainsAny(cfg.Node.ID, ".*> ") {
		return errors.New("node.id must not contain '.', '*', '>' or spaces")
	}
	if cfg.Node.HeartbeatIntervalMS <= 0 {
		return errors.New("node.heartbeat_interval_ms must be positive")
	}
	if cfg.Node.HeartbeatTimeoutMS <= cfg.Node.HeartbeatIntervalMS {
		return errors.New("node.heartbeat_timeout_ms must exceed heartbeat_interval_ms")
	}
	switch cfg.EventStore.RetentionMode {
	case "ephemeral", "session", "persistent":
		// ok
	default:
		return errors.New("event_store.retention_mode must be one of ephemeral|session|persistent")
	}
	if cfg.EventStore.RetentionMode != "ephemeral" && cfg.EventStore.Path == "" {
		return errors.New("event_store.path must not be empty")
	}
	if cfg.EventStore.RetentionDays < 0 {
		return errors.New("event_store.retention_days must be >= 0")
	}
	if cfg.Telemetry.PrometheusBind == "" {
		return errors.New("telemetry.prometheus_bind must not be empty")
	}
	switch cfg.Capture.Device {
	case "mock", "bus":
	default:
		return errors.New("capture.device must be one of mock|bus")
	}
	if cfg.Capture.Device == "bus" && cfg.Capture.DeviceID == "" {
		return errors.New("capture.device_id must be set when device=bus")
	}
	if cfg.Capture.SampleRate <= 0 {
		return errors.New("capture.sample_rate must be positive")
	}
	if cfg.Capture.Channels <= 0 {
		return errors.New("capture.channels must be positive")
	}
	if cfg.Capture.ChunkIntervalMS <= 0 {
		return errors.New("capture.chunk_interval_ms must be positive")
	}
	if cfg.Transcription.Enabled {
		switch cfg.Transcription.Mode {
		case "none", "mock", "exec":
		default:
			return errors.New("transcription.mode must be one of none|mock|exec")
		}
		if cfg.Transcription.Mode == "exec" && cfg.Transcription.Command == "" {
			return errors.New("transcription.command must be set when mode=exec")
		}
		if cfg.Transcription.Locale == "" {
			return errors.New("transcription.locale must not be empty")
		}
		if cfg.Transcription.RestartDelayMS <= 0 {
			return errors.New("transcription.restart_delay_ms must be positive")
		}
		if cfg.Transcription.UtteranceMS <= 0 {
			return errors.New("transcription.utterance_ms must be positive")
		}
		if cfg.Transcription.MaxListenMS < 0 || cfg.Transcription.SilenceTimeoutMS < 0 {
			return errors.New("transcription.max_listen_ms and silence_timeout_ms must be >= 0")
		}
	}
	if cfg.Session.TickIntervalMS <= 0 {
		return errors.New("session.tick_interval_ms must be positive")
	}
	if cfg.Session.UpdateBuffer < 0 {
		return errors.New("session.update_buffer must be >= 0")
	}
	switch cfg.Handoff.Mode {
	case "none":
	case "bus":
		if cfg.Handoff.Subject == "" {
			return errors.New("handoff.subject must be set when mode=bus")
		}
		if cfg.Handoff.Bucket == "" || strings.ContainsAny(cfg.Handoff.Bucket, ".*> ") {
			return errors.New("handoff.bucket must be a plain name when mode=bus")
		}
	case "spool":
		if cfg.Handoff.SpoolDir == "" {
			return errors.New("handoff.spool_dir must be set when mode=spool")
		}
	default:
		return errors.New("handoff.mode must be one of none|bus|spool")
	}
	if cfg.Handoff.AutoUpload && cfg.Handoff.Mode == "none" {
		return errors.New("handoff.auto_upload requires a handoff mode")
	}
	return nil
}
