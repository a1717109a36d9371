package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration for chatty.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Store    StoreConfig    `yaml:"store"`
	Provider ProviderConfig `yaml:"provider"`
	Stream   StreamConfig   `yaml:"stream"`
	Client   ClientConfig   `yaml:"client"`
	Voice    VoiceConfig    `yaml:"voice"`
	Log      LogConfig      `yaml:"log"`
}

type ServerConfig struct {
	Bind                string  `yaml:"bind"`
	Port                int     `yaml:"port"`
	Auth                Auth    `yaml:"auth"`
	HeartbeatIntervalMS int     `yaml:"heartbeat_interval_ms"`
	RatePerMinute       float64 `yaml:"rate_per_minute"`
	RateBurst           int     `yaml:"rate_burst"`
}

type Auth struct {
	Enabled      bool   `yaml:"enabled"`
	Username     string `yaml:"username"`
	PasswordHash string `yaml:"password_hash"` // sha256 hex
}

type StoreConfig struct {
	Driver string `yaml:"driver"` // sqlite | memory
	Path   string `yaml:"path"`
}

type ProviderConfig struct {
	Mode          string       `yaml:"mode"` // gemini | ollama | mock
	FailoverChain []string     `yaml:"failover_chain"`
	MaxTokens     int          `yaml:"max_tokens"`
	Temperature   float64      `yaml:"temperature"`
	Gemini        GeminiConfig `yaml:"gemini"`
	Ollama        OllamaConfig `yaml:"ollama"`
	Chunker       ChunkerConfig `yaml:"chunker"`
}

type GeminiConfig struct {
	APIKey      string `yaml:"api_key"`
	Endpoint    string `yaml:"endpoint"`
	Model       string `yaml:"model"`
	VisionModel string `yaml:"vision_model"`
}

type OllamaConfig struct {
	Endpoint string `yaml:"endpoint"`
	Model    string `yaml:"model"`
}

// ChunkerConfig tunes the synthetic chunker wrapped around providers that
// only return a complete blob.
type ChunkerConfig struct {
	ChunkSize  int `yaml:"chunk_size"`
	MaxDelayMS int `yaml:"max_delay_ms"`
}

type StreamConfig struct {
	MaxHistory       int `yaml:"max_history"`
	ExchangeTimeoutS int `yaml:"exchange_timeout_s"`
}

type ClientConfig struct {
	BaseURL    string           `yaml:"base_url"`
	TimeoutS   int              `yaml:"timeout_s"`
	Attachment AttachmentConfig `yaml:"attachment"`
}

// AttachmentConfig bounds client-side image preprocessing: screenshots are
// downscaled to fit MaxWidth x MaxHeight and re-encoded as JPEG before
// transmission.
type AttachmentConfig struct {
	MaxWidth    int `yaml:"max_width"`
	MaxHeight   int `yaml:"max_height"`
	JPEGQuality int `yaml:"jpeg_quality"`
}

type VoiceConfig struct {
	Enabled         bool   `yaml:"enabled"`
	Provider        string `yaml:"provider"` // openai | elevenlabs
	APIBase         string `yaml:"api_base"`
	APIKey          string `yaml:"api_key"`
	Model           string `yaml:"model"`
	Voice           string `yaml:"voice"`
	Player          string `yaml:"player"` // command receiving audio on stdin
	MaxSegmentRunes int    `yaml:"max_segment_runes"`
}

type LogConfig struct {
	Level  string `yaml:"level"`  // debug | info | warn | error
	Format string `yaml:"format"` // text | json
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Server: ServerConfig{
			Bind:                "127.0.0.1",
			Port:                8080,
			HeartbeatIntervalMS: 15000,
			RatePerMinute:       30,
			RateBurst:           5,
		},
		Store: StoreConfig{
			Driver: "sqlite",
			Path:   "./data/chatty.db",
		},
		Provider: ProviderConfig{
			Mode:        "mock",
			MaxTokens:   1024,
			Temperature: 0.7,
			Gemini: GeminiConfig{
				Endpoint:    "https://generativelanguage.googleapis.com",
				Model:       "gemini-pro",
				VisionModel: "gemini-pro-vision",
			},
			Ollama: OllamaConfig{
				Endpoint: "http://localhost:11434",
				Model:    "llama3.1:8b",
			},
			Chunker: ChunkerConfig{
				ChunkSize:  24,
				MaxDelayMS: 40,
			},
		},
		Stream: StreamConfig{
			MaxHistory:       50,
			ExchangeTimeoutS: 120,
		},
		Client: ClientConfig{
			BaseURL:  "http://127.0.0.1:8080",
			TimeoutS: 120,
			Attachment: AttachmentConfig{
				MaxWidth:    1280,
				MaxHeight:   720,
				JPEGQuality: 80,
			},
		},
		Voice: VoiceConfig{
			Enabled:         false,
			Provider:        "openai",
			APIBase:         "https://api.openai.com/v1",
			Model:           "tts-1",
			Voice:           "alloy",
			MaxSegmentRunes: 240,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// DefaultConfigDir is where chatty keeps its config and data.
func DefaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".chatty"
	}
	return filepath.Join(home, ".chatty")
}

func DefaultConfigPath() string {
	return filepath.Join(DefaultConfigDir(), "config.yaml")
}

// Load reads the YAML config at path (if non-empty), applies CHATTY_* env
// overrides and validates the result.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config file: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	if err := Validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	overrideString(&cfg.Server.Bind, "CHATTY_SERVER_BIND")
	overrideInt(&cfg.Server.Port, "CHATTY_SERVER_PORT")
	overrideBool(&cfg.Server.Auth.Enabled, "CHATTY_SERVER_AUTH_ENABLED")
	overrideString(&cfg.Server.Auth.Username, "CHATTY_SERVER_AUTH_USERNAME")
	overrideString(&cfg.Server.Auth.PasswordHash, "CHATTY_SERVER_AUTH_PASSWORD_HASH")
	overrideInt(&cfg.Server.HeartbeatIntervalMS, "CHATTY_SERVER_HEARTBEAT_INTERVAL_MS")
	overrideFloat(&cfg.Server.RatePerMinute, "CHATTY_SERVER_RATE_PER_MINUTE")
	overrideInt(&cfg.Server.RateBurst, "CHATTY_SERVER_RATE_BURST")
	overrideString(&cfg.Store.Driver, "CHATTY_STORE_DRIVER")
	overrideString(&cfg.Store.Path, "CHATTY_STORE_PATH")
	overrideString(&cfg.Provider.Mode, "CHATTY_PROVIDER_MODE")
	overrideStringSlice(&cfg.Provider.FailoverChain, "CHATTY_PROVIDER_FAILOVER_CHAIN")
	overrideInt(&cfg.Provider.MaxTokens, "CHATTY_PROVIDER_MAX_TOKENS")
	overrideFloat(&cfg.Provider.Temperature, "CHATTY_PROVIDER_TEMPERATURE")
	overrideString(&cfg.Provider.Gemini.APIKey, "CHATTY_GEMINI_API_KEY")
	overrideString(&cfg.Provider.Gemini.Endpoint, "CHATTY_GEMINI_ENDPOINT")
	overrideString(&cfg.Provider.Gemini.Model, "CHATTY_GEMINI_MODEL")
	overrideString(&cfg.Provider.Gemini.VisionModel, "CHATTY_GEMINI_VISION_MODEL")
	overrideString(&cfg.Provider.Ollama.Endpoint, "CHATTY_OLLAMA_ENDPOINT")
	overrideString(&cfg.Provider.Ollama.Model, "CHATTY_OLLAMA_MODEL")
	overrideInt(&cfg.Provider.Chunker.ChunkSize, "CHATTY_CHUNKER_CHUNK_SIZE")
	overrideInt(&cfg.Provider.Chunker.MaxDelayMS, "CHATTY_CHUNKER_MAX_DELAY_MS")
	overrideInt(&cfg.Stream.MaxHistory, "CHATTY_STREAM_MAX_HISTORY")
	overrideInt(&cfg.Stream.ExchangeTimeoutS, "CHATTY_STREAM_EXCHANGE_TIMEOUT_S")
	overrideString(&cfg.Client.BaseURL, "CHATTY_CLIENT_BASE_URL")
	overrideInt(&cfg.Client.TimeoutS, "CHATTY_CLIENT_TIMEOUT_S")
	overrideBool(&cfg.Voice.Enabled, "CHATTY_VOICE_ENABLED")
	overrideString(&cfg.Voice.Provider, "CHATTY_VOICE_PROVIDER")
	overrideString(&cfg.Voice.APIBase, "CHATTY_VOICE_API_BASE")
	overrideString(&cfg.Voice.APIKey, "CHATTY_VOICE_API_KEY")
	overrideString(&cfg.Voice.Model, "CHATTY_VOICE_MODEL")
	overrideString(&cfg.Voice.Voice, "CHATTY_VOICE_VOICE")
	overrideString(&cfg.Voice.Player, "CHATTY_VOICE_PLAYER")
	overrideString(&cfg.Log.Level, "CHATTY_LOG_LEVEL")
	overrideString(&cfg.Log.Format, "CHATTY_LOG_FORMAT")
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

func overrideFloat(target *float64, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.ParseFloat(value, 64); err == nil {
			*target = parsed
		}
	}
}

func overrideStringSlice(target *[]string, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		var trimmed []string
		for _, p := range strings.Split(value, ",") {
			if s := strings.TrimSpace(p); s != "" {
				trimmed = append(trimmed, s)
			}
		}
		if len(trimmed) > 0 {
			*target = trimmed
		}
	}
}

// Validate checks invariants that would otherwise surface as confusing
// runtime failures.
func Validate(cfg Config) error {
	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		return errors.New("server.port must be between 1 and 65535")
	}
	if cfg.Server.HeartbeatIntervalMS <= 0 {
		return errors.New("server.heartbeat_interval_ms must be positive")
	}
	if cfg.Server.Auth.Enabled && (cfg.Server.Auth.Username == "" || cfg.Server.Auth.PasswordHash == "") {
		return errors.New("server.auth requires username and password_hash when enabled")
	}
	switch cfg.Store.Driver {
	case "sqlite":
		if cfg.Store.Path == "" {
			return errors.New("store.path must not be empty when driver=sqlite")
		}
	case "memory":
	default:
		return errors.New("store.driver must be one of sqlite|memory")
	}
	switch cfg.Provider.Mode {
	case "gemini":
		if cfg.Provider.Gemini.APIKey == "" {
			return errors.New("provider.gemini.api_key must be set when mode=gemini")
		}
	case "ollama":
		if cfg.Provider.Ollama.Endpoint == "" {
			return errors.New("provider.ollama.endpoint must be set when mode=ollama")
		}
	case "mock":
	default:
		return errors.New("provider.mode must be one of gemini|ollama|mock")
	}
	for _, name := range cfg.Provider.FailoverChain {
		switch name {
		case "gemini", "ollama", "mock":
		default:
			return fmt.Errorf("provider.failover_chain contains unknown provider %q", name)
		}
	}
	if cfg.Provider.Chunker.ChunkSize <= 0 {
		return errors.New("provider.chunker.chunk_size must be positive")
	}
	if cfg.Stream.MaxHistory <= 0 {
		return errors.New("stream.max_history must be positive")
	}
	if cfg.Stream.ExchangeTimeoutS <= 0 {
		return errors.New("stream.exchange_timeout_s must be positive")
	}
	if cfg.Client.Attachment.MaxWidth <= 0 || cfg.Client.Attachment.MaxHeight <= 0 {
		return errors.New("client.attachment bounds must be positive")
	}
	if cfg.Client.Attachment.JPEGQuality < 1 || cfg.Client.Attachment.JPEGQuality > 100 {
		return errors.New("client.attachment.jpeg_quality must be between 1 and 100")
	}
	if cfg.Voice.Enabled {
		switch cfg.Voice.Provider {
		case "openai", "elevenlabs":
		default:
			return errors.New("voice.provider must be one of openai|elevenlabs")
		}
		if cfg.Voice.MaxSegmentRunes <= 0 {
			return errors.New("voice.max_segment_runes must be positive")
		}
	}
	return nil
}

// Save writes cfg to path as YAML.
func Save(path string, cfg Config) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	return os.WriteFile(path, data, 0o600)
}
