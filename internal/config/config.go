// Package config loads configuration from environment variables.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"
)

// Defaults for the DesignSafe tenant.
const (
	DefaultTenant     = "https://agave.designsafe-ci.org"
	DefaultClientName = "SimCenter_CWE_GUI"
	DefaultStorage    = "designsafe.storage.default"
)

var (
	ErrMissingTenant  = errors.New("AGAVE_TENANT is required")
	ErrMissingStorage = errors.New("AGAVE_STORAGE is required")
)

// Config holds all client configuration.
type Config struct {
	// Remote platform
	Tenant     string
	ClientName string
	Storage    string
	RootFolder string // defaults to /<username> after login

	// Credentials (optional; the CLI prompts when empty)
	Username string
	Password string

	// Logging
	LogLevel  string
	LogFormat string
	LogOutput string

	// Transport
	HTTPTimeout       time.Duration
	RetryMaxAttempts  int
	RetryInitialWait  time.Duration
	RequestsPerSecond float64 // 0 = unlimited
	RequestBurst      int

	// Jobs
	JobPollInterval time.Duration

	// Metrics endpoint (optional)
	MetricsAddr string
}

// Load reads configuration from environment variables with defaults and
// validates it.
func Load() (*Config, error) {
	cfg := Read()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Read reads configuration from environment variables without validating,
// so callers can apply overrides first.
func Read() *Config {
	return &Config{
		Tenant:            envOr("AGAVE_TENANT", DefaultTenant),
		ClientName:        envOr("AGAVE_CLIENT_NAME", DefaultClientName),
		Storage:           envOr("AGAVE_STORAGE", DefaultStorage),
		RootFolder:        envOr("AGAVE_ROOT_FOLDER", ""),
		Username:          envOr("AGAVE_USERNAME", ""),
		Password:          envOr("AGAVE_PASSWORD", ""),
		LogLevel:          envOr("LOG_LEVEL", "warn"),
		LogFormat:         envOr("LOG_FORMAT", "console"),
		LogOutput:         envOr("LOG_OUTPUT", ""),
		HTTPTimeout:       envDuration("HTTP_TIMEOUT", 60*time.Second),
		RetryMaxAttempts:  envInt("RETRY_MAX_ATTEMPTS", 3),
		RetryInitialWait:  envDuration("RETRY_INITIAL_WAIT", 200*time.Millisecond),
		RequestsPerSecond: envFloat("REQUESTS_PER_SECOND", 0),
		RequestBurst:      envInt("REQUEST_BURST", 4),
		JobPollInterval:   envDuration("JOB_POLL_INTERVAL", 5*time.Second),
		MetricsAddr:       envOr("METRICS_ADDR", ""),
	}
}

// Validate checks the values that cannot be defaulted away.
func (c *Config) Validate() error {
	if c.Tenant == "" {
		return ErrMissingTenant
	}
	u, err := url.Parse(c.Tenant)
	if err != nil {
		return fmt.Errorf("invalid AGAVE_TENANT %q: %w", c.Tenant, err)
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("invalid AGAVE_TENANT %q: must be an absolute http(s) URL", c.Tenant)
	}
	c.Tenant = strings.TrimRight(c.Tenant, "/")

	if c.Storage == "" {
		return ErrMissingStorage
	}
	if c.RetryMaxAttempts < 1 {
		c.RetryMaxAttempts = 1
	}
	if c.JobPollInterval <= 0 {
		c.JobPollInterval = 5 * time.Second
	}
	return nil
}

// HomeFolder returns the remote root folder for a user.
func (c *Config) HomeFolder(username string) string {
	if c.RootFolder != "" {
		return c.RootFolder
	}
	return "/" + username
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return i
}

func envFloat(key string, fallback float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return fallback
	}
	return f
}

func envDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fallback
	}
	return d
}
