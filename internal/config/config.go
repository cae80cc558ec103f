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
	LogLevel     string `yaml:"log_level"`
	OTLPEndpoint string `yaml:"otlp_endpoint"`
	OTLPInsecure bool   `yaml:"otlp_insecure"`
	Metrics      bool   `yaml:"metrics"`
}

type HTTPConfig struct {
	Bind           string `yaml:"bind"`
	Port           int    `yaml:"port"`
	MaxUploadBytes int64  `yaml:"max_upload_bytes"`
}

type Config struct {
	RuntimeName string           `yaml:"runtime_name"`
	Environment string           `yaml:"environment"`
	HTTP        HTTPConfig       `yaml:"http"`
	Telemetry   TelemetryConfig  `yaml:"telemetry"`
	Bus         BusConfig        `yaml:"bus"`
	Chat        ChatConfig       `yaml:"chat"`
	Transcoder  TranscoderConfig `yaml:"transcoder"`
	Artifact    ArtifactConfig   `yaml:"artifact"`
	Streamer    StreamerConfig   `yaml:"streamer"`
	EventStore  EventStoreConfig `yaml:"event_store"`
}

type BusConfig struct {
	Mode           string `yaml:"mode"` // mqtt, nats
	Embedded       bool   `yaml:"embedded"`
	Port           int    `yaml:"port"`
	URL            string `yaml:"url"`
	Username       string `yaml:"username"`
	Password       string `yaml:"password"`
	ClientID       string `yaml:"client_id"`
	Topic          string `yaml:"topic"`
	QoS            int    `yaml:"qos"`
	KeepAlive      int    `yaml:"keepalive_s"`
	TLSInsecure    bool   `yaml:"tls_insecure"`
	ConnectTimeout int    `yaml:"connect_timeout_ms"`
	RetryDelay     int    `yaml:"retry_delay_ms"`
}

type ChatConfig struct {
	Enabled            bool   `yaml:"enabled"`
	Token              string `yaml:"token"`
	ChannelID          string `yaml:"channel_id"`
	FetchTimeout       int    `yaml:"fetch_timeout_ms"`
	MaxAttachmentBytes int64  `yaml:"max_attachment_bytes"`
}

type TranscoderConfig struct {
	Mode       string `yaml:"mode"` // exec, wav, mock
	Command    string `yaml:"command"`
	ScratchDir string `yaml:"scratch_dir"`
	SampleRate int    `yaml:"sample_rate"`
	Channels   int    `yaml:"channels"`
	Timeout    int    `yaml:"timeout_ms"`
	QueueSize  int    `yaml:"queue_size"`
}

type ArtifactConfig struct {
	Path string `yaml:"path"`
}

type StreamerConfig struct {
	Enabled      bool   `yaml:"enabled"`
	Bind         string `yaml:"bind"`
	Port         int    `yaml:"port"`
	WriteTimeout int    `yaml:"write_timeout_ms"`
	ChunkBytes   int    `yaml:"chunk_bytes"`
}

type EventStoreConfig struct {
	Path          string `yaml:"path"`
	RetentionMode string `yaml:"retention_mode"`
	RetentionDays int    `yaml:"retention_days"`
	MaxRequests   int    `yaml:"max_requests"`
	VacuumOnStart bool   `yaml:"vacuum_on_start"`
}

// DefaultTranscodeCommand mirrors the ffmpeg invocation the device format
// was tuned against.
const DefaultTranscodeCommand = "ffmpeg -hide_banner -loglevel error -y -i {input} -ac {channels} -ar {sample_rate} -f s16le -c:a pcm_s16le {output}"

func Default() Config {
	return Config{
		RuntimeName: "owlimatronic",
		Environment: "development",
		HTTP: HTTPConfig{
			Bind:           "0.0.0.0",
			Port:           8080,
			MaxUploadBytes: 25 << 20,
		},
		Telemetry: TelemetryConfig{
			LogLevel:     "info",
			OTLPEndpoint: "",
			OTLPInsecure: true,
			Metrics:      true,
		},
		Bus: BusConfig{
			Mode:           "mqtt",
			Embedded:       false,
			Port:           1883,
			URL:            "mqtt://localhost:1883",
			Topic:          "owlimatronic/event",
			QoS:            1,
			KeepAlive:      20,
			ConnectTimeout: 10000,
			RetryDelay:     3000,
		},
		Chat: ChatConfig{
			Enabled:            false,
			FetchTimeout:       15000,
			MaxAttachmentBytes: 25 << 20,
		},
		Transcoder: TranscoderConfig{
			Mode:       "exec",
			Command:    DefaultTranscodeCommand,
			ScratchDir: "./audio/scratch",
			SampleRate: 16000,
			Channels:   1,
			Timeout:    60000,
			QueueSize:  16,
		},
		Artifact: ArtifactConfig{
			Path: "./audio/stream.pcm",
		},
		Streamer: StreamerConfig{
			Enabled:      true,
			Bind:         "0.0.0.0",
			Port:         9000,
			WriteTimeout: 10000,
			ChunkBytes:   4096,
		},
		EventStore: EventStoreConfig{
			Path:          "./data/owl-events.db",
			RetentionMode: "persistent",
			RetentionDays: 30,
			MaxRequests:   10000,
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
	if err := validate(&cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	overrideString(&cfg.RuntimeName, "OWL_RUNTIME_NAME")
	overrideString(&cfg.Environment, "OWL_RUNTIME_ENVIRONMENT")
	overrideString(&cfg.HTTP.Bind, "OWL_HTTP_BIND")
	overrideInt(&cfg.HTTP.Port, "OWL_HTTP_PORT")
	overrideInt64(&cfg.HTTP.MaxUploadBytes, "OWL_HTTP_MAX_UPLOAD_BYTES")
	overrideString(&cfg.Telemetry.LogLevel, "OWL_TELEMETRY_LOG_LEVEL")
	overrideString(&cfg.Telemetry.OTLPEndpoint, "OWL_TELEMETRY_OTLP_ENDPOINT")
	overrideBool(&cfg.Telemetry.OTLPInsecure, "OWL_TELEMETRY_OTLP_INSECURE")
	overrideBool(&cfg.Telemetry.Metrics, "OWL_TELEMETRY_METRICS")
	overrideString(&cfg.Bus.Mode, "OWL_BUS_MODE")
	overrideBool(&cfg.Bus.Embedded, "OWL_BUS_EMBEDDED")
	overrideInt(&cfg.Bus.Port, "OWL_BUS_PORT")
	// Names kept compatible with the previous deployment's .env file.
	overrideString(&cfg.Bus.URL, "MQTT_CONNECTION_URL")
	overrideString(&cfg.Bus.Username, "MQTT_USERNAME")
	overrideString(&cfg.Bus.Password, "MQTT_PASSWORD")
	overrideString(&cfg.Bus.URL, "OWL_BUS_URL")
	overrideString(&cfg.Bus.Username, "OWL_BUS_USERNAME")
	overrideString(&cfg.Bus.Password, "OWL_BUS_PASSWORD")
	overrideString(&cfg.Bus.ClientID, "OWL_BUS_CLIENT_ID")
	overrideString(&cfg.Bus.Topic, "OWL_BUS_TOPIC")
	overrideInt(&cfg.Bus.QoS, "OWL_BUS_QOS")
	overrideInt(&cfg.Bus.KeepAlive, "OWL_BUS_KEEPALIVE_S")
	overrideBool(&cfg.Bus.TLSInsecure, "OWL_BUS_TLS_INSECURE")
	overrideInt(&cfg.Bus.ConnectTimeout, "OWL_BUS_CONNECT_TIMEOUT_MS")
	overrideInt(&cfg.Bus.RetryDelay, "OWL_BUS_RETRY_DELAY_MS")
	overrideString(&cfg.Chat.Token, "DISCORD_TOKEN")
	overrideString(&cfg.Chat.ChannelID, "DISCORD_CHANNEL_ID")
	overrideBool(&cfg.Chat.Enabled, "OWL_CHAT_ENABLED")
	overrideString(&cfg.Chat.Token, "OWL_CHAT_TOKEN")
	overrideString(&cfg.Chat.ChannelID, "OWL_CHAT_CHANNEL_ID")
	overrideInt(&cfg.Chat.FetchTimeout, "OWL_CHAT_FETCH_TIMEOUT_MS")
	overrideInt64(&cfg.Chat.MaxAttachmentBytes, "OWL_CHAT_MAX_ATTACHMENT_BYTES")
	overrideString(&cfg.Transcoder.Mode, "OWL_TRANSCODER_MODE")
	overrideString(&cfg.Transcoder.Command, "OWL_TRANSCODER_COMMAND")
	overrideString(&cfg.Transcoder.ScratchDir, "OWL_TRANSCODER_SCRATCH_DIR")
	overrideInt(&cfg.Transcoder.SampleRate, "OWL_TRANSCODER_SAMPLE_RATE")
	overrideInt(&cfg.Transcoder.Channels, "OWL_TRANSCODER_CHANNELS")
	overrideInt(&cfg.Transcoder.Timeout, "OWL_TRANSCODER_TIMEOUT_MS")
	overrideInt(&cfg.Transcoder.QueueSize, "OWL_TRANSCODER_QUEUE_SIZE")
	overrideString(&cfg.Artifact.Path, "OWL_ARTIFACT_PATH")
	overrideBool(&cfg.Streamer.Enabled, "OWL_STREAMER_ENABLED")
	overrideString(&cfg.Streamer.Bind, "OWL_STREAMER_BIND")
	overrideInt(&cfg.Streamer.Port, "OWL_STREAMER_PORT")
	overrideInt(&cfg.Streamer.WriteTimeout, "OWL_STREAMER_WRITE_TIMEOUT_MS")
	overrideInt(&cfg.Streamer.ChunkBytes, "OWL_STREAMER_CHUNK_BYTES")
	overrideString(&cfg.EventStore.Path, "OWL_EVENT_STORE_PATH")
	overrideString(&cfg.EventStore.RetentionMode, "OWL_EVENT_STORE_RETENTION_MODE")
	overrideInt(&cfg.EventStore.RetentionDays, "OWL_EVENT_STORE_RETENTION_DAYS")
	overrideInt(&cfg.EventStore.MaxRequests, "OWL_EVENT_STORE_MAX_REQUESTS")
	overrideBool(&cfg.EventStore.VacuumOnStart, "OWL_EVENT_STORE_VACUUM_ON_START")
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

func overrideInt64(target *int64, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.ParseInt(value, 10, 64); err == nil {
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

func validate(cfg *Config) error {
	if cfg.RuntimeName == "" {
		return errors.New("runtime_name must not be empty")
	}
	if cfg.HTTP.Port <= 0 || cfg.HTTP.Port > 65535 {
		return errors.New("http.port must be between 1 and 65535")
	}
	if cfg.HTTP.MaxUploadBytes <= 0 {
		return errors.New("http.max_upload_bytes must be positive")
	}
	switch cfg.Bus.Mode {
	case "mqtt", "nats":
	default:
		return errors.New("bus.mode must be one of mqtt|nats")
	}
	if cfg.Bus.Embedded {
		if cfg.Bus.Port <= 0 || cfg.Bus.Port > 65535 {
			return errors.New("bus.port must be between 1 and 65535 when embedded mode is enabled")
		}
	} else if cfg.Bus.URL == "" {
		return errors.New("bus.url must not be empty when embedded mode is disabled")
	}
	if cfg.Bus.Topic == "" {
		return errors.New("bus.topic must not be empty")
	}
	if cfg.Bus.QoS < 0 || cfg.Bus.QoS > 2 {
		return errors.New("bus.qos must be 0, 1 or 2")
	}
	if cfg.Bus.ConnectTimeout <= 0 {
		return errors.New("bus.connect_timeout_ms must be positive")
	}
	if cfg.Chat.Enabled {
		if cfg.Chat.Token == "" {
			return errors.New("chat.token must be set when chat is enabled")
		}
		if cfg.Chat.ChannelID == "" {
			return errors.New("chat.channel_id must be set when chat is enabled")
		}
		if cfg.Chat.MaxAttachmentBytes <= 0 {
			return errors.New("chat.max_attachment_bytes must be positive")
		}
	}
	switch cfg.Transcoder.Mode {
	case "exec", "wav", "mock":
	default:
		return errors.New("transcoder.mode must be one of exec|wav|mock")
	}
	if cfg.Transcoder.Mode == "exec" && cfg.Transcoder.Command == "" {
		return errors.New("transcoder.command must be set when mode=exec")
	}
	if cfg.Transcoder.ScratchDir == "" {
		return errors.New("transcoder.scratch_dir must not be empty")
	}
	if cfg.Transcoder.SampleRate <= 0 {
		return errors.New("transcoder.sample_rate must be positive")
	}
	if cfg.Transcoder.Channels <= 0 {
		return errors.New("transcoder.channels must be positive")
	}
	if cfg.Transcoder.Timeout <= 0 {
		return errors.New("transcoder.timeout_ms must be positive")
	}
	if cfg.Transcoder.QueueSize <= 0 {
		cfg.Transcoder.QueueSize = 1
	}
	if cfg.Artifact.Path == "" {
		return errors.New("artifact.path must not be empty")
	}
	if cfg.Streamer.Enabled {
		if cfg.Streamer.Port <= 0 || cfg.Streamer.Port > 65535 {
			return errors.New("streamer.port must be between 1 and 65535")
		}
		if cfg.Streamer.WriteTimeout <= 0 {
			return errors.New("streamer.write_timeout_ms must be positive")
		}
	}
	if cfg.Streamer.ChunkBytes <= 0 {
		cfg.Streamer.ChunkBytes = 4096
	}
	switch cfg.EventStore.RetentionMode {
	case "ephemeral", "persistent":
		// ok
	default:
		return errors.New("event_store.retention_mode must be one of ephemeral|persistent")
	}
	if cfg.EventStore.RetentionMode == "persistent" && cfg.EventStore.Path == "" {
		return errors.New("event_store.path must not be empty")
	}
	if cfg.EventStore.RetentionDays < 0 {
		return errors.New("event_store.retention_days must be >= 0")
	}
	return nil
}
