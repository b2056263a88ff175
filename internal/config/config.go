package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config contains all runtime settings for the pitch rehearsal service.
type Config struct {
	BindAddr                 string
	ShutdownTimeout          time.Duration
	SessionInactivityTimeout time.Duration
	MetricsNamespace         string
	AllowAnyOrigin           bool

	LogLevel  string
	LogFormat string

	// Conversation tuning.
	SpeechLanguage       string
	HistoryWindowTurns   int
	CaptureRestartBudget int
	PlaybackStallTimeout time.Duration

	// When set, the orchestrator reaches /api/chat and /api/analyze over HTTP
	// instead of calling the in-process coach service.
	CoachAPIBaseURL  string
	CoachHTTPTimeout time.Duration

	BrainProvider string
	GeminiAPIKey  string
	GeminiModel   string
	OpenAIAPIKey  string
	OpenAIModel   string
	OpenAIBaseURL string

	TTSProvider               string
	ElevenLabsAPIKey          string
	ElevenLabsWSBaseURL       string
	ElevenLabsTTSVoice        string
	ElevenLabsTTSModel        string
	ElevenLabsTTSOutputFormat string

	DatabaseURL       string
	ResultsSQLitePath string
}

// Load reads an optional .env file and environment variables, then applies defaults.
func Load() (Config, error) {
	if err := loadDotEnv(".env"); err != nil {
		return Config{}, err
	}

	cfg := Config{
		BindAddr:         envOrDefault("APP_BIND_ADDR", ":8080"),
		MetricsNamespace: envOrDefault("APP_METRICS_NAMESPACE", "pitchcoach"),
		LogLevel:         strings.ToLower(envOrDefault("LOG_LEVEL", "info")),
		LogFormat:        strings.ToLower(envOrDefault("LOG_FORMAT", "json")),
		// The built-in scenarios are written in French, like the original coaching material.
		SpeechLanguage:  envOrDefault("SPEECH_LANGUAGE", "fr-FR"),
		CoachAPIBaseURL: trimmedEnv("COACH_API_BASE_URL"),
		BrainProvider:   strings.ToLower(envOrDefault("BRAIN_PROVIDER", "auto")),
		GeminiAPIKey:    trimmedEnv("GEMINI_API_KEY"),
		GeminiModel:     envOrDefault("GEMINI_MODEL", "gemini-1.5-pro-latest"),
		OpenAIAPIKey:    trimmedEnv("OPENAI_API_KEY"),
		OpenAIModel:     envOrDefault("OPENAI_MODEL", "gpt-4o-mini"),
		OpenAIBaseURL:   trimmedEnv("OPENAI_BASE_URL"),
		TTSProvider:     strings.ToLower(envOrDefault("TTS_PROVIDER", "auto")),

		ElevenLabsAPIKey:    trimmedEnv("ELEVENLABS_API_KEY"),
		ElevenLabsWSBaseURL: envOrDefault("ELEVENLABS_WS_BASE_URL", "wss://api.elevenlabs.io"),
		ElevenLabsTTSVoice:  envOrDefault("ELEVENLABS_TTS_VOICE_ID", "cgSgspJ2msm6clMCkdW9"),
		ElevenLabsTTSModel:  envOrDefault("ELEVENLABS_TTS_MODEL_ID", "eleven_multilingual_v2"),
		// PCM is wrapped into a WAV container so browsers can play it directly.
		ElevenLabsTTSOutputFormat: envOrDefault("ELEVENLABS_TTS_OUTPUT_FORMAT", "pcm_16000"),

		DatabaseURL:       trimmedEnv("DATABASE_URL"),
		ResultsSQLitePath: trimmedEnv("RESULTS_SQLITE_PATH"),

		ShutdownTimeout:          15 * time.Second,
		SessionInactivityTimeout: 10 * time.Minute,
		HistoryWindowTurns:       2,
		CaptureRestartBudget:     5,
		PlaybackStallTimeout:     2 * time.Minute,
	}

	var err error
	cfg.ShutdownTimeout, err = durationFromEnv("APP_SHUTDOWN_TIMEOUT", cfg.ShutdownTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.SessionInactivityTimeout, err = durationFromEnv("APP_SESSION_INACTIVITY_TIMEOUT", cfg.SessionInactivityTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.PlaybackStallTimeout, err = durationFromEnv("PLAYBACK_STALL_TIMEOUT", cfg.PlaybackStallTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.CoachHTTPTimeout, err = durationFromEnv("COACH_HTTP_TIMEOUT", cfg.CoachHTTPTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.HistoryWindowTurns, err = intFromEnv("HISTORY_WINDOW_TURNS", cfg.HistoryWindowTurns)
	if err != nil {
		return Config{}, err
	}
	cfg.CaptureRestartBudget, err = intFromEnv("CAPTURE_RESTART_BUDGET", cfg.CaptureRestartBudget)
	if err != nil {
		return Config{}, err
	}
	cfg.AllowAnyOrigin, err = boolFromEnv("APP_ALLOW_ANY_ORIGIN", cfg.AllowAnyOrigin)
	if err != nil {
		return Config{}, err
	}

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	if c.SessionInactivityTimeout < 5*time.Second {
		return fmt.Errorf("APP_SESSION_INACTIVITY_TIMEOUT must be at least 5s")
	}
	if c.HistoryWindowTurns <= 0 {
		return fmt.Errorf("HISTORY_WINDOW_TURNS must be positive")
	}
	if c.CaptureRestartBudget <= 0 {
		return fmt.Errorf("CAPTURE_RESTART_BUDGET must be positive")
	}
	if c.PlaybackStallTimeout < time.Second {
		return fmt.Errorf("PLAYBACK_STALL_TIMEOUT must be at least 1s")
	}
	if c.CoachHTTPTimeout < 0 {
		return fmt.Errorf("COACH_HTTP_TIMEOUT must be >= 0")
	}
	switch c.BrainProvider {
	case "auto", "gemini", "openai", "mock":
	default:
		return fmt.Errorf("invalid BRAIN_PROVIDER %q (expected auto|gemini|openai|mock)", c.BrainProvider)
	}
	switch c.TTSProvider {
	case "auto", "elevenlabs", "mock", "none":
	default:
		return fmt.Errorf("invalid TTS_PROVIDER %q (expected auto|elevenlabs|mock|none)", c.TTSProvider)
	}
	switch c.LogFormat {
	case "json", "console":
	default:
		return fmt.Errorf("invalid LOG_FORMAT %q (expected json|console)", c.LogFormat)
	}
	return nil
}

// loadDotEnv populates the process environment from path. Variables that are
// already set keep their value; a missing file is not an error.
func loadDotEnv(path string) error {
	if err := godotenv.Load(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("load %s: %w", path, err)
	}
	return nil
}

func envOrDefault(key, fallback string) string {
	v := strings.TrimSpace(os.Getenv(key))
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

func intFromEnv(key string, fallback int) (int, error) {
	v := trimmedEnv(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return n, nil
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
