package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// EnvPrefix is the namespace prefix for all Parley environment variables.
const EnvPrefix = "PARLEY_"

// Config holds all application configuration. Secrets (API keys) are loaded
// exclusively from environment variables and never appear in the config file.
type Config struct {
	ListenAddr       string `yaml:"listen_addr"`
	InputSampleRate  int    `yaml:"input_sample_rate"`
	OutputSampleRate int    `yaml:"output_sample_rate"`
	LiveModel        string `yaml:"live_model"`
	Voice            string `yaml:"voice"`
	ConnectTimeout   string `yaml:"connect_timeout"`
	RecapProvider    string `yaml:"recap_provider"`
	RecapModel       string `yaml:"recap_model"`
	RecapVoice       string `yaml:"recap_voice"`

	// Secrets — env vars only, never serialized to YAML.
	GeminiAPIKey    string `yaml:"-"`
	DeepgramAPIKey  string `yaml:"-"`
	OpenAIAPIKey    string `yaml:"-"`
	AnthropicAPIKey string `yaml:"-"`
}

func defaults() Config {
	return Config{
		ListenAddr:       "localhost:8137",
		InputSampleRate:  16000,
		OutputSampleRate: 24000,
		LiveModel:        "gemini-2.0-flash-live-001",
		Voice:            "Puck",
		ConnectTimeout:   "15s",
		RecapProvider:    "openai",
		RecapModel:       "gpt-4o-mini",
		RecapVoice:       "aura-2-thalia-en",
	}
}

// Load reads configuration from a YAML file (if it exists), applies
// environment variable overrides, loads secrets, and validates the result.
// It returns the config, any validation warnings, and an error if the file
// exists but cannot be read or parsed.
func Load(path string) (Config, []string, error) {
	cfg := defaults()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return cfg, nil, fmt.Errorf("read config file: %w", err)
			}
		} else {
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return cfg, nil, fmt.Errorf("parse config file: %w", err)
			}
		}
	}

	applyEnvOverrides(&cfg)
	loadSecrets(&cfg)

	warnings := validate(&cfg)
	return cfg, warnings, nil
}

// ParsedConnectTimeout returns ConnectTimeout as a time.Duration,
// falling back to 15s if the value is invalid.
func (c *Config) ParsedConnectTimeout() time.Duration {
	d, err := time.ParseDuration(c.ConnectTimeout)
	if err != nil {
		return 15 * time.Second
	}
	return d
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv(EnvPrefix + "LISTEN_ADDR"); v != "" {
		cfg.ListenAddr = v
	}
	if v := os.Getenv(EnvPrefix + "INPUT_SAMPLE_RATE"); v != "" {
		if rate, err := strconv.Atoi(strings.TrimSpace(v)); err == nil && rate > 0 {
			cfg.InputSampleRate = rate
		}
	}
	if v := os.Getenv(EnvPrefix + "OUTPUT_SAMPLE_RATE"); v != "" {
		if rate, err := strconv.Atoi(strings.TrimSpace(v)); err == nil && rate > 0 {
			cfg.OutputSampleRate = rate
		}
	}
	if v := os.Getenv(EnvPrefix + "LIVE_MODEL"); v != "" {
		cfg.LiveModel = v
	}
	if v := os.Getenv(EnvPrefix + "VOICE"); v != "" {
		cfg.Voice = v
	}
	if v := os.Getenv(EnvPrefix + "CONNECT_TIMEOUT"); v != "" {
		cfg.ConnectTimeout = v
	}
	if v := os.Getenv(EnvPrefix + "RECAP_PROVIDER"); v != "" {
		cfg.RecapProvider = v
	}
	if v := os.Getenv(EnvPrefix + "RECAP_MODEL"); v != "" {
		cfg.RecapModel = v
	}
	if v := os.Getenv(EnvPrefix + "RECAP_VOICE"); v != "" {
		cfg.RecapVoice = v
	}
}

func loadSecrets(cfg *Config) {
	cfg.GeminiAPIKey = os.Getenv(EnvPrefix + "GEMINI_API_KEY")
	cfg.DeepgramAPIKey = os.Getenv(EnvPrefix + "DEEPGRAM_API_KEY")
	cfg.OpenAIAPIKey = os.Getenv(EnvPrefix + "OPENAI_API_KEY")
	cfg.AnthropicAPIKey = os.Getenv(EnvPrefix + "ANTHROPIC_API_KEY")
}

func validate(cfg *Config) []string {
	var warnings []string

	if cfg.GeminiAPIKey == "" {
		warnings = append(warnings, "Gemini API key not configured — live conversations are disabled. Set "+EnvPrefix+"GEMINI_API_KEY.")
	}
	if cfg.DeepgramAPIKey == "" {
		warnings = append(warnings, "Deepgram API key not configured — spoken recaps are disabled. Set "+EnvPrefix+"DEEPGRAM_API_KEY.")
	}
	if recapKeyFor(cfg) == "" {
		warnings = append(warnings, fmt.Sprintf("No API key for recap provider %q — conversation recaps are disabled.", cfg.RecapProvider))
	}
	if _, err := time.ParseDuration(cfg.ConnectTimeout); err != nil {
		warnings = append(warnings, fmt.Sprintf("Invalid connect_timeout %q — using default 15s.", cfg.ConnectTimeout))
	}

	return warnings
}

// recapKeyFor returns the secret backing the configured recap provider.
func recapKeyFor(cfg *Config) string {
	switch cfg.RecapProvider {
	case "anthropic":
		return cfg.AnthropicAPIKey
	case "gemini":
		return cfg.GeminiAPIKey
	default:
		return cfg.OpenAIAPIKey
	}
}
