package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

type TelemetryConfig struct {
	LogLevel     string `yaml:"log_level"`
	LogFormat    string `yaml:"log_format"`
	OTLPEndpoint string `yaml:"otlp_endpoint"`
	OTLPInsecure bool   `yaml:"otlp_insecure"`
	TraceStdout  bool   `yaml:"trace_stdout"`
}

type HTTPConfig struct {
	Bind string `yaml:"bind"`
	Port int    `yaml:"port"`
}

type Config struct {
	RuntimeName string           `yaml:"runtime_name"`
	Environment string           `yaml:"environment"`
	HTTP        HTTPConfig       `yaml:"http"`
	Telemetry   TelemetryConfig  `yaml:"telemetry"`
	Bus         BusConfig        `yaml:"bus"`
	Renderer    RendererConfig   `yaml:"renderer"`
	Timeline    TimelineConfig   `yaml:"timeline"`
	Output      OutputConfig     `yaml:"output"`
	EventStore  EventStoreConfig `yaml:"event_store"`
}

type BusConfig struct {
	Embedded bool `yaml:"embedded"`
	// Host and Port are where an embedded server listens. Port -1 picks a
	// free port.
	Host           string   `yaml:"host"`
	Port           int      `yaml:"port"`
	StoreDir       string   `yaml:"store_dir"`
	Servers        []string `yaml:"servers"`
	Username       string   `yaml:"username"`
	Password       string   `yaml:"password"`
	Token          string   `yaml:"token"`
	TLSInsecure    bool     `yaml:"tls_insecure"`
	ConnectTimeout int      `yaml:"connect_timeout_ms"`
}

// RendererConfig describes the remote audio renderer. The client side uses
// Endpoint and ConnectTimeout; the daemon uses Mode, Command and DefaultSpriteMS.
type RendererConfig struct {
	Endpoint        string `yaml:"endpoint"`
	ConnectTimeout  int    `yaml:"connect_timeout_ms"`
	Mode            string `yaml:"mode"`
	Command         string `yaml:"command"`
	DefaultSpriteMS int    `yaml:"default_sprite_ms"`
}

type TimelineConfig struct {
	TimingFile   string  `yaml:"timing_file"`
	SentenceFile string  `yaml:"sentence_file"`
	SpeechRate   float64 `yaml:"speech_rate"`
}

type OutputConfig struct {
	Dir          string `yaml:"dir"`
	SubtitleFile string `yaml:"subtitle_file"`
	MarkupFile   string `yaml:"markup_file"`
}

type EventStoreConfig struct {
	Path          string `yaml:"path"`
	RetentionMode string `yaml:"retention_mode"`
	RetentionDays int    `yaml:"retention_days"`
	MaxSessions   int    `yaml:"max_sessions"`
	VacuumOnStart bool   `yaml:"vacuum_on_start"`
}

func Default() Config {
	return Config{
		RuntimeName: "loqa-narrator",
		Environment: "development",
		HTTP: HTTPConfig{
			Bind: "0.0.0.0",
			Port: 8080,
		},
		Telemetry: TelemetryConfig{
			LogLevel:     "info",
			LogFormat:    "json",
			OTLPEndpoint: "",
			OTLPInsecure: true,
		},
		Bus: BusConfig{
			Embedded:       false,
			Host:           "127.0.0.1",
			Port:           4222,
			StoreDir:       "./data/nats",
			Servers:        []string{"nats://localhost:4222"},
			ConnectTimeout: 2000,
		},
		Renderer: RendererConfig{
			Endpoint:        "ws://localhost:8080/ws",
			ConnectTimeout:  30000,
			Mode:            "mock",
			DefaultSpriteMS: 1000,
		},
		Timeline: TimelineConfig{
			SpeechRate: 5,
		},
		Output: OutputConfig{
			Dir:          "./out",
			SubtitleFile: "speak.srt",
			MarkupFile:   "speak.json",
		},
		EventStore: EventStoreConfig{
			Path:          "./data/narrator-events.db",
			RetentionMode: "session",
			RetentionDays: 30,
			MaxSessions:   1000,
		},
	}
}

// LoadDotEnv populates the process environment from .env files so that the
// NARRATOR_* overrides can live next to the project. Missing files are ignored.
func LoadDotEnv(paths ...string) error {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	var existing []string
	for _, p := range paths {
		if _, err := os.Stat(p); err == nil {
			existing = append(existing, p)
		}
	}
	if len(existing) == 0 {
		return nil
	}
	if err := godotenv.Load(existing...); err != nil {
		return fmt.Errorf("load env file: %w", err)
	}
	return nil
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
	overrideString(&cfg.RuntimeName, "NARRATOR_RUNTIME_NAME")
	overrideString(&cfg.Environment, "NARRATOR_RUNTIME_ENVIRONMENT")
	overrideString(&cfg.HTTP.Bind, "NARRATOR_HTTP_BIND")
	overrideInt(&cfg.HTTP.Port, "NARRATOR_HTTP_PORT")
	overrideString(&cfg.Telemetry.LogLevel, "NARRATOR_TELEMETRY_LOG_LEVEL")
	overrideString(&cfg.Telemetry.LogFormat, "NARRATOR_TELEMETRY_LOG_FORMAT")
	overrideString(&cfg.Telemetry.OTLPEndpoint, "NARRATOR_TELEMETRY_OTLP_ENDPOINT")
	overrideBool(&cfg.Telemetry.OTLPInsecure, "NARRATOR_TELEMETRY_OTLP_INSECURE")
	overrideBool(&cfg.Telemetry.TraceStdout, "NARRATOR_TELEMETRY_TRACE_STDOUT")
	overrideBool(&cfg.Bus.Embedded, "NARRATOR_BUS_EMBEDDED")
	overrideString(&cfg.Bus.Host, "NARRATOR_BUS_HOST")
	overrideInt(&cfg.Bus.Port, "NARRATOR_BUS_PORT")
	overrideString(&cfg.Bus.StoreDir, "NARRATOR_BUS_STORE_DIR")
	overrideStringSlice(&cfg.Bus.Servers, "NARRATOR_BUS_SERVERS")
	overrideString(&cfg.Bus.Username, "NARRATOR_BUS_USERNAME")
	overrideString(&cfg.Bus.Password, "NARRATOR_BUS_PASSWORD")
	overrideString(&cfg.Bus.Token, "NARRATOR_BUS_TOKEN")
	overrideBool(&cfg.Bus.TLSInsecure, "NARRATOR_BUS_TLS_INSECURE")
	overrideInt(&cfg.Bus.ConnectTimeout, "NARRATOR_BUS_CONNECT_TIMEOUT_MS")
	overrideString(&cfg.Renderer.Endpoint, "NARRATOR_RENDERER_ENDPOINT")
	overrideInt(&cfg.Renderer.ConnectTimeout, "NARRATOR_RENDERER_CONNECT_TIMEOUT_MS")
	overrideString(&cfg.Renderer.Mode, "NARRATOR_RENDERER_MODE")
	overrideString(&cfg.Renderer.Command, "NARRATOR_RENDERER_COMMAND")
	overrideInt(&cfg.Renderer.DefaultSpriteMS, "NARRATOR_RENDERER_DEFAULT_SPRITE_MS")
	overrideString(&cfg.Timeline.TimingFile, "NARRATOR_TIMELINE_TIMING_FILE")
	overrideString(&cfg.Timeline.SentenceFile, "NARRATOR_TIMELINE_SENTENCE_FILE")
	overrideFloat(&cfg.Timeline.SpeechRate, "NARRATOR_TIMELINE_SPEECH_RATE")
	overrideString(&cfg.Output.Dir, "NARRATOR_OUTPUT_DIR")
	overrideString(&cfg.Output.SubtitleFile, "NARRATOR_OUTPUT_SUBTITLE_FILE")
	overrideString(&cfg.Output.MarkupFile, "NARRATOR_OUTPUT_MARKUP_FILE")
	overrideString(&cfg.EventStore.Path, "NARRATOR_EVENT_STORE_PATH")
	overrideString(&cfg.EventStore.RetentionMode, "NARRATOR_EVENT_STORE_RETENTION_MODE")
	overrideInt(&cfg.EventStore.RetentionDays, "NARRATOR_EVENT_STORE_RETENTION_DAYS")
	overrideInt(&cfg.EventStore.MaxSessions, "NARRATOR_EVENT_STORE_MAX_SESSIONS")
	overrideBool(&cfg.EventStore.VacuumOnStart, "NARRATOR_EVENT_STORE_VACUUM_ON_START")
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
		if cfg.Bus.Port != -1 && (cfg.Bus.Port <= 0 || cfg.Bus.Port > 65535) {
			return errors.New("bus.port must be -1 or between 1 and 65535 when embedded mode is enabled")
		}
	}
	if cfg.Renderer.Endpoint == "" {
		return errors.New("renderer.endpoint must not be empty")
	}
	u, err := url.Parse(cfg.Renderer.Endpoint)
	if err != nil {
		return fmt.Errorf("renderer.endpoint: %w", err)
	}
	switch u.Scheme {
	case "ws", "wss", "nats":
	default:
		return errors.New("renderer.endpoint scheme must be one of ws|wss|nats")
	}
	if cfg.Renderer.ConnectTimeout <= 0 {
		return errors.New("renderer.connect_timeout_ms must be positive")
	}
	switch cfg.Renderer.Mode {
	case "mock", "exec":
	default:
		return errors.New("renderer.mode must be one of mock|exec")
	}
	if cfg.Renderer.Mode == "exec" && cfg.Renderer.Command == "" {
		return errors.New("renderer.command must be set when mode=exec")
	}
	if cfg.Renderer.DefaultSpriteMS < 0 {
		return errors.New("renderer.default_sprite_ms must be >= 0")
	}
	if cfg.Timeline.SpeechRate <= 0 {
		return errors.New("timeline.speech_rate must be positive")
	}
	if cfg.Output.Dir == "" {
		return errors.New("output.dir must not be empty")
	}
	if cfg.Output.SubtitleFile == "" || cfg.Output.MarkupFile == "" {
		return errors.New("output.subtitle_file and output.markup_file must not be empty")
	}
	if cfg.EventStore.Path == "" && cfg.EventStore.RetentionMode != "ephemeral" {
		return errors.New("event_store.path must not be empty")
	}
	switch cfg.EventStore.RetentionMode {
	case "ephemeral", "session", "persistent":
		// ok
	default:
		return errors.New("event_store.retention_mode must be one of ephemeral|session|persistent")
	}
	if cfg.EventStore.RetentionDays < 0 {
		return errors.New("event_store.retention_days must be >= 0")
	}
	return nil
}
