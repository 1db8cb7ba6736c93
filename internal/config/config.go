package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"
)

const defaultSinkURL = "https://www.hostedgraphite.com/api/v1/sink"

// Config holds the run settings read from the environment.
type Config struct {
	APIKey string
	Branch string

	SinkURL        string
	Timeout        time.Duration
	RetryAttempts  int
	RetryBaseDelay time.Duration
	RetryMaxDelay  time.Duration
}

// Load reads configuration from the environment. HOSTED_GRAPHITE_KEY and BRANCH_NAME
// are passed through as-is; the sink URL, timeout and retry policy fall back to
// defaults when unset or unparsable.
func Load() (*Config, error) {
	cfg := &Config{
		APIKey: os.Getenv("HOSTED_GRAPHITE_KEY"),
		Branch: os.Getenv("BRANCH_NAME"),
	}

	cfg.SinkURL = strings.TrimSpace(os.Getenv("GRAPHITE_SINK_URL"))
	if cfg.SinkURL == "" {
		cfg.SinkURL = defaultSinkURL
	}
	cfg.Timeout = parseDuration(os.Getenv("GRAPHITE_TIMEOUT"), 30*time.Second)
	cfg.RetryAttempts = parseInt(os.Getenv("GRAPHITE_RETRY_ATTEMPTS"), 1)
	cfg.RetryBaseDelay = parseDuration(os.Getenv("GRAPHITE_RETRY_BASE_DELAY"), 500*time.Millisecond)
	cfg.RetryMaxDelay = parseDuration(os.Getenv("GRAPHITE_RETRY_MAX_DELAY"), 5*time.Second)

	if err := validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// parseDuration parses a duration string and returns defaultVal if parsing fails or result is <= 0.
func parseDuration(s string, defaultVal time.Duration) time.Duration {
	s = strings.TrimSpace(s)
	if s == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return defaultVal
	}
	return d
}

// parseInt returns defaultVal for empty, unparsable or non-positive input.
func parseInt(s string, defaultVal int) int {
	s = strings.TrimSpace(s)
	if s == "" {
		return defaultVal
	}
	v, err := strconv.Atoi(s)
	if err != nil || v <= 0 {
		return defaultVal
	}
	return v
}

// validate checks the sink URL and keeps RetryMaxDelay >= RetryBaseDelay.
func validate(cfg *Config) error {
	u, err := url.Parse(cfg.SinkURL)
	if err != nil {
		return fmt.Errorf("GRAPHITE_SINK_URL: %w", err)
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("GRAPHITE_SINK_URL must be an absolute http(s) URL, got %q", cfg.SinkURL)
	}
	if cfg.RetryMaxDelay < cfg.RetryBaseDelay {
		cfg.RetryMaxDelay = cfg.RetryBaseDelay
	}
	return nil
}
