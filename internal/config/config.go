// Package config contains everything related to configuration
package config

import (
	"errors"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds the application configuration.
type Config struct {
	DatabasePath              string
	AccountsPath              string
	GoogleClientID            string
	GoogleClientSecret        string
	LogLevel                  string
	SoftQuotaThresholdPercent float64
	QuotaRefreshInterval      time.Duration
	AuditRetention            time.Duration
	Notifications             bool
}

// ThresholdEnvVar overrides the soft quota threshold used for selection.
const ThresholdEnvVar = "OPENCODE_ANTIGRAVITY_SOFT_QUOTA_THRESHOLD_PERCENT"

// Default values
const (
	defaultQuotaRefreshInterval = 5 * time.Minute
	defaultAuditRetention       = 7 * 24 * time.Hour
	defaultThresholdPercent     = 70.0
	defaultLogLevel             = "info"
)

// ErrMissingCredentials is returned by Validate when no OAuth client is configured.
var ErrMissingCredentials = errors.New(
	"GOOGLE_CLIENT_ID and GOOGLE_CLIENT_SECRET are required (set via env or opencode-antigravity-auth)")

// Load reads configuration from .env files and environment variables.
func Load() (*Config, error) {
	// Try loading .env from multiple locations
	for _, path := range getEnvPaths() {
		if _, err := os.Stat(path); err == nil {
			_ = godotenv.Load(path)
			break
		}
	}

	var defaultClientID, defaultClientSecret string
	if constants := LoadAntigravityConstants(); constants != nil {
		defaultClientID = constants.ClientID
		defaultClientSecret = constants.ClientSecret
	}

	cfg := &Config{
		DatabasePath:              getEnvString("DATABASE_PATH", getDefaultDatabasePath()),
		AccountsPath:              getEnvString("ACCOUNTS_PATH", getDefaultAccountsPath()),
		GoogleClientID:            getEnvString("GOOGLE_CLIENT_ID", defaultClientID),
		GoogleClientSecret:        getEnvString("GOOGLE_CLIENT_SECRET", defaultClientSecret),
		LogLevel:                  getEnvString("LOG_LEVEL", defaultLogLevel),
		SoftQuotaThresholdPercent: getEnvThreshold(ThresholdEnvVar, defaultThresholdPercent),
		QuotaRefreshInterval:      getEnvDuration("QUOTA_REFRESH_INTERVAL", defaultQuotaRefreshInterval),
		AuditRetention:            getEnvDuration("AUDIT_RETENTION", defaultAuditRetention),
		Notifications:             getEnvBool("AGPOOL_NOTIFICATIONS", true),
	}

	// Ensure database directory exists
	if err := ensureDir(filepath.Dir(cfg.DatabasePath)); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate reports whether the OAuth client credentials needed for token
// refresh are present.
func (c *Config) Validate() error {
	if c.GoogleClientID == "" || c.GoogleClientSecret == "" {
		return ErrMissingCredentials
	}
	return nil
}

// getEnvPaths returns a list of paths to check for .env files.
func getEnvPaths() []string {
	var paths []string

	if cwd, err := os.Getwd(); err == nil {
		paths = append(paths, filepath.Join(cwd, ".env"))
	}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths,
			filepath.Join(home, ".config", "opencode", "antigravity-pool", ".env"),
			filepath.Join(home, ".config", "opencode", ".env"),
			filepath.Join(home, ".antigravity", ".env"),
		)
	}

	return paths
}

// getDefaultDatabasePath returns the default path for the SQLite database.
func getDefaultDatabasePath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "pool.db"
	}
	return filepath.Join(home, ".config", "opencode", "antigravity-pool", "pool.db")
}

// getDefaultAccountsPath returns the default path for the accounts JSON file.
func getDefaultAccountsPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "antigravity-accounts.json"
	}
	return filepath.Join(home, ".config", "opencode", "antigravity-accounts.json")
}

// getEnvString retrieves a string environment variable or returns the default.
func getEnvString(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvDuration retrieves a duration environment variable or returns the default.
// Accepts values like "30s", "1m", "500ms".
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil && duration > 0 {
			return duration
		}
		// Try parsing as seconds if no unit specified
		if secs, err := strconv.Atoi(value); err == nil && secs > 0 {
			return time.Duration(secs) * time.Second
		}
	}
	return defaultValue
}

// getEnvThreshold parses a percentage. Non-numeric and non-finite values fall
// back to the default.
func getEnvThreshold(key string, defaultValue float64) float64 {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return defaultValue
	}
	f, err := strconv.ParseFloat(value, 64)
	if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
		return defaultValue
	}
	return f
}

// getEnvBool retrieves a boolean environment variable or returns the default.
func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

// ensureDir creates a directory and all parent directories if they don't exist.
func ensureDir(path string) error {
	if path == "" || path == "." {
		return nil
	}
	return os.MkdirAll(path, 0o750)
}
