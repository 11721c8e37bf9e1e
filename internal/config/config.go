package config

import (
	"fmt"
	"os"
	"strings"
	"time"
)

// Config contains all runtime settings for the call-practice service.
type Config struct {
	BindAddr         string
	ShutdownTimeout  time.Duration
	MetricsNamespace string

	AllowAnyOrigin bool

	VoiceProvider string

	ASRWSBaseURL string
	ASRAPIKey    string
	ASRModelID   string

	TTSWSBaseURL string
	TTSAPIKey    string
	TTSVoiceID   string
	TTSModelID   string

	OpenAIAPIKey  string
	OpenAIBaseURL string
	LLMModel      string
	FeedbackModel string

	PersonaFile string
}

// Load reads environment variables and applies safe defaults.
func Load() (Config, error) {
	cfg := Config{
		BindAddr:         envOrDefault("APP_BIND_ADDR", ":8080"),
		MetricsNamespace: envOrDefault("APP_METRICS_NAMESPACE", "coldline"),
		AllowAnyOrigin:   false,
		VoiceProvider:    envOrDefault("VOICE_PROVIDER", "auto"),
		ASRWSBaseURL:     envOrDefault("ASR_WS_URL", "wss://api.elevenlabs.io"),
		ASRAPIKey:        trimmedEnv("ASR_API_KEY"),
		ASRModelID:       envOrDefault("ASR_MODEL_ID", "scribe_v2_realtime"),
		TTSWSBaseURL:     envOrDefault("TTS_WS_URL", "wss://api.elevenlabs.io"),
		TTSAPIKey:        trimmedEnv("TTS_API_KEY"),
		TTSVoiceID:       envOrDefault("TTS_VOICE_ID", "cgSgspJ2msm6clMCkdW9"),
		TTSModelID:       envOrDefault("TTS_MODEL_ID", "eleven_flash_v2_5"),
		OpenAIAPIKey:     trimmedEnv("OPENAI_API_KEY"),
		OpenAIBaseURL:    trimmedEnv("OPENAI_BASE_URL"),
		LLMModel:         envOrDefault("LLM_MODEL", "gpt-4o-mini"),
		FeedbackModel:    envOrDefault("FEEDBACK_MODEL", "gpt-4o"),
		PersonaFile:      trimmedEnv("PERSONA_FILE"),
		ShutdownTimeout:  15 * time.Second,
	}

	var err error
	cfg.ShutdownTimeout, err = durationFromEnv("APP_SHUTDOWN_TIMEOUT", cfg.ShutdownTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.AllowAnyOrigin, err = boolFromEnv("APP_ALLOW_ANY_ORIGIN", cfg.AllowAnyOrigin)
	if err != nil {
		return Config{}, err
	}

	mode := strings.ToLower(strings.TrimSpace(cfg.VoiceProvider))
	if mode == "" {
		mode = "auto"
	}
	switch mode {
	case "auto", "realtime", "mock":
		cfg.VoiceProvider = mode
	default:
		return Config{}, fmt.Errorf("invalid VOICE_PROVIDER: %q (expected auto|realtime|mock)", cfg.VoiceProvider)
	}

	if cfg.ShutdownTimeout <= 0 {
		return Config{}, fmt.Errorf("APP_SHUTDOWN_TIMEOUT must be positive")
	}

	return cfg, nil
}

// RealtimeConfigured reports whether all three external services have keys.
func (c Config) RealtimeConfigured() bool {
	return c.ASRAPIKey != "" && c.TTSAPIKey != "" && c.OpenAIAPIKey != ""
}

func envOrDefault(key, fallback string) string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	return v
}

func trimmedEnv(key string) string {
	return strings.TrimSpace(os.Getenv(key))
}

func durationFromEnv(key string, fallback time.Duration) (time.Duration, error) {
	v := trimmedEnv(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return d, nil
}

func boolFromEnv(key string, fallback bool) (bool, error) {
	v := strings.ToLower(trimmedEnv(key))
	if v == "" {
		return fallback, nil
	}
	switch v {
	case "1", "true", "t", "yes", "y", "on":
		return true, nil
	case "0", "false", "f", "no", "n", "off":
		return false, nil
	default:
		return false, fmt.Errorf("%s parse error: expected bool", key)
	}
}
