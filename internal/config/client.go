package config

import (
	"errors"
	"time"
)

// ClientConfig holds configuration for the presence client (cmd/presencectl).
type ClientConfig struct {
	// ServerURL is the base URL of the HTTP API (e.g. http://localhost:8081).
	ServerURL string `mapstructure:"SERVER_URL"`
	// StatePath is the SQLite file holding the persisted auth state.
	StatePath string `mapstructure:"STATE_PATH"`

	ReconnectBaseDelay   time.Duration `mapstructure:"RECONNECT_BASE_DELAY"`
	ReconnectMaxDelay    time.Duration `mapstructure:"RECONNECT_MAX_DELAY"`
	ReconnectMaxAttempts int           `mapstructure:"RECONNECT_MAX_ATTEMPTS"`

	// PollDebounceWindow suppresses mount/reconnect polls that follow a completed poll this closely.
	PollDebounceWindow time.Duration `mapstructure:"POLL_DEBOUNCE_WINDOW"`
	// PollStalenessThreshold is the minimum age of the last sync before a rehydrate poll is issued.
	PollStalenessThreshold time.Duration `mapstructure:"POLL_STALENESS_THRESHOLD"`
	// PollInterval is the periodic poll period while the socket is healthy.
	PollInterval time.Duration `mapstructure:"POLL_INTERVAL"`
	// DegradedPollInterval replaces PollInterval once reconnects are exhausted.
	DegradedPollInterval time.Duration `mapstructure:"DEGRADED_POLL_INTERVAL"`

	RedirectBreakerThreshold int           `mapstructure:"REDIRECT_BREAKER_THRESHOLD"`
	RedirectBreakerWindow    time.Duration `mapstructure:"REDIRECT_BREAKER_WINDOW"`

	LogLevel string `mapstructure:"LOG_LEVEL"`
}

// LoadClient reads client configuration from .env and the environment.
func LoadClient() (*ClientConfig, error) {
	v := newViper()

	v.SetDefault("SERVER_URL", "http://localhost:8081")
	v.SetDefault("STATE_PATH", "presencectl.db")
	v.SetDefault("RECONNECT_BASE_DELAY", "500ms")
	v.SetDefault("RECONNECT_MAX_DELAY", "30s")
	v.SetDefault("RECONNECT_MAX_ATTEMPTS", 8)
	v.SetDefault("POLL_DEBOUNCE_WINDOW", "3s")
	v.SetDefault("POLL_STALENESS_THRESHOLD", "30s")
	v.SetDefault("POLL_INTERVAL", "60s")
	v.SetDefault("DEGRADED_POLL_INTERVAL", "10s")
	v.SetDefault("REDIRECT_BREAKER_THRESHOLD", 3)
	v.SetDefault("REDIRECT_BREAKER_WINDOW", "5s")
	v.SetDefault("LOG_LEVEL", "info")

	var cfg ClientConfig
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	if cfg.ServerURL == "" {
		return nil, errors.New("config: SERVER_URL must be set")
	}
	if cfg.ReconnectBaseDelay <= 0 || cfg.ReconnectMaxDelay < cfg.ReconnectBaseDelay {
		return nil, errors.New("config: RECONNECT_BASE_DELAY must be positive and not exceed RECONNECT_MAX_DELAY")
	}
	if cfg.ReconnectMaxAttempts < 1 {
		return nil, errors.New("config: RECONNECT_MAX_ATTEMPTS must be at least 1")
	}
	if cfg.PollStalenessThreshold < cfg.PollDebounceWindow {
		return nil, errors.New("config: POLL_STALENESS_THRESHOLD must not be shorter than POLL_DEBOUNCE_WINDOW")
	}
	if cfg.RedirectBreakerThreshold < 1 || cfg.RedirectBreakerWindow <= 0 {
		return nil, errors.New("config: REDIRECT_BREAKER_THRESHOLD and REDIRECT_BREAKER_WINDOW must be positive")
	}
	return &cfg, nil
}
