package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"tutorchat/internal/transport"
)

type Config struct {
	APIBaseURL  string
	PresenceURL string

	Token     string
	TokenFile string

	DBFile    string
	DebugAddr string

	PollIdleDelay  time.Duration
	PollErrorDelay time.Duration
	HistoryLimit   int

	ReconnectAttempts int
	ReconnectDelay    time.Duration

	LogLevel  string
	LogFormat string
}

// Load reads configuration from the environment, merging an optional .env
// file first.
func Load() (*Config, error) {
	// Missing .env is the normal case outside development.
	_ = godotenv.Load()

	pollIdle, err := parseDuration("POLL_IDLE_DELAY", "2s")
	if err != nil {
		return nil, err
	}
	pollError, err := parseDuration("POLL_ERROR_DELAY", "5s")
	if err != nil {
		return nil, err
	}
	reconnectDelay, err := parseDuration("PRESENCE_RETRY_DELAY", "3s")
	if err != nil {
		return nil, err
	}
	historyLimit, err := parseInt("HISTORY_LIMIT", 50)
	if err != nil {
		return nil, err
	}
	reconnectAttempts, err := parseInt("PRESENCE_RETRY_ATTEMPTS", 5)
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		APIBaseURL:        strings.TrimRight(getEnv("API_BASE_URL", "http://localhost:5000/api"), "/"),
		PresenceURL:       getEnv("PRESENCE_URL", "ws://localhost:5000/presence"),
		Token:             os.Getenv("API_TOKEN"),
		TokenFile:         os.Getenv("API_TOKEN_FILE"),
		DBFile:            getEnv("TUTORCHAT_DB", "tutorchat.db"),
		DebugAddr:         os.Getenv("DEBUG_ADDR"),
		PollIdleDelay:     pollIdle,
		PollErrorDelay:    pollError,
		HistoryLimit:      historyLimit,
		ReconnectAttempts: reconnectAttempts,
		ReconnectDelay:    reconnectDelay,
		LogLevel:          getEnv("LOG_LEVEL", "info"),
		LogFormat:         getEnv("LOG_FORMAT", "text"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) Validate() error {
	if c.APIBaseURL == "" {
		return fmt.Errorf("API_BASE_URL is required")
	}
	if c.PresenceURL == "" {
		return fmt.Errorf("PRESENCE_URL is required")
	}
	if c.Token == "" && c.TokenFile == "" {
		return fmt.Errorf("one of API_TOKEN or API_TOKEN_FILE is required")
	}
	if c.PollIdleDelay <= 0 || c.PollErrorDelay <= 0 {
		return fmt.Errorf("poll delays must be greater than 0")
	}
	return nil
}

// TokenSource builds the credential reader: a fixed token from the
// environment, or a file re-read on every request so rotation works without
// a restart.
func (c *Config) TokenSource() transport.TokenSource {
	if c.TokenFile != "" {
		return fileTokenSource(c.TokenFile)
	}
	return transport.StaticToken(c.Token)
}

type fileTokenSource string

func (f fileTokenSource) Token() string {
	data, err := os.ReadFile(string(f))
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(data))
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func parseDuration(key, fallback string) (time.Duration, error) {
	d, err := time.ParseDuration(getEnv(key, fallback))
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return d, nil
}

func parseInt(key string, fallback int) (int, error) {
	v, ok := os.LookupEnv(key)
	if !ok {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return n, nil
}
