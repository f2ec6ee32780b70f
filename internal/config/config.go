package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all application configuration
type Config struct {
	// Server configuration
	Host string `yaml:"host"`
	Port int    `yaml:"port"`

	// Database configuration
	DatabasePath string `yaml:"database_path"`

	// Strava API configuration
	StravaClientID     string `yaml:"strava_client_id"`
	StravaClientSecret string `yaml:"strava_client_secret"`
	StravaVerifyToken  string `yaml:"strava_verify_token"`

	// Outbound quota windows. Both capacities must be positive.
	QuotaShortLimit int `yaml:"quota_short_limit"`
	QuotaLongLimit  int `yaml:"quota_long_limit"`

	// Tokens are refreshed this long before their reported expiry.
	TokenSafetyMargin time.Duration `yaml:"token_safety_margin"`

	// Admin API configuration
	AdminAPIKey string `yaml:"admin_api_key"`

	// Metrics configuration
	MetricsEnabled bool   `yaml:"metrics_enabled"`
	MetricsHost    string `yaml:"metrics_host"`
	MetricsPort    int    `yaml:"metrics_port"`

	// Logging configuration
	LogLevel string `yaml:"log_level"`
}

// Load reads configuration from an optional YAML file (CONFIG_FILE) with
// environment variables layered on top. It fails fast if required values
// are missing or invalid.
func Load() (*Config, error) {
	cfg := &Config{
		Host:              "localhost",
		Port:              4201,
		DatabasePath:      "./data.db",
		QuotaShortLimit:   200,
		QuotaLongLimit:    2000,
		TokenSafetyMargin: 5 * time.Minute,
		MetricsEnabled:    true,
		MetricsHost:       "localhost",
		MetricsPort:       4291,
		LogLevel:          "info",
	}

	if path := os.Getenv("CONFIG_FILE"); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}

	applyEnv(cfg)

	var missingVars []string
	if cfg.StravaClientID == "" {
		missingVars = append(missingVars, "STRAVA_CLIENT_ID")
	}
	if cfg.StravaClientSecret == "" {
		missingVars = append(missingVars, "STRAVA_CLIENT_SECRET")
	}
	if cfg.StravaVerifyToken == "" {
		missingVars = append(missingVars, "STRAVA_VERIFY_TOKEN")
	}
	if cfg.AdminAPIKey == "" {
		missingVars = append(missingVars, "ADMIN_API_KEY")
	}
	if len(missingVars) > 0 {
		return nil, fmt.Errorf("missing required configuration: %v", missingVars)
	}

	if cfg.QuotaShortLimit <= 0 || cfg.QuotaLongLimit <= 0 {
		return nil, fmt.Errorf("quota window capacities must be positive (short=%d, long=%d)",
			cfg.QuotaShortLimit, cfg.QuotaLongLimit)
	}
	if cfg.TokenSafetyMargin < 0 {
		return nil, fmt.Errorf("token safety margin must not be negative: %s", cfg.TokenSafetyMargin)
	}

	return cfg, nil
}

// applyEnv overrides config values from environment variables
func applyEnv(cfg *Config) {
	cfg.Host = getEnv("HOST", cfg.Host)
	cfg.Port = getEnvInt("PORT", cfg.Port)
	cfg.DatabasePath = getEnv("DATABASE_PATH", cfg.DatabasePath)
	cfg.LogLevel = getEnv("LOG_LEVEL", cfg.LogLevel)

	cfg.StravaClientID = getEnv("STRAVA_CLIENT_ID", cfg.StravaClientID)
	cfg.StravaClientSecret = getEnv("STRAVA_CLIENT_SECRET", cfg.StravaClientSecret)
	cfg.StravaVerifyToken = getEnv("STRAVA_VERIFY_TOKEN", cfg.StravaVerifyToken)
	cfg.AdminAPIKey = getEnv("ADMIN_API_KEY", cfg.AdminAPIKey)

	cfg.QuotaShortLimit = getEnvInt("QUOTA_SHORT_LIMIT", cfg.QuotaShortLimit)
	cfg.QuotaLongLimit = getEnvInt("QUOTA_LONG_LIMIT", cfg.QuotaLongLimit)
	cfg.TokenSafetyMargin = getEnvDuration("TOKEN_SAFETY_MARGIN", cfg.TokenSafetyMargin)

	cfg.MetricsEnabled = getEnvBool("METRICS_ENABLED", cfg.MetricsEnabled)
	cfg.MetricsHost = getEnv("METRICS_HOST", cfg.MetricsHost)
	cfg.MetricsPort = getEnvInt("METRICS_PORT", cfg.MetricsPort)
}

// getEnv gets an environment variable or returns a default value
func getEnv(key, defaultValue string) string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	return value
}

// getEnvInt gets an integer environment variable or returns a default value
func getEnvInt(key string, defaultValue int) int {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}

	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}

	return value
}

// getEnvBool gets a boolean environment variable or returns a default value
func getEnvBool(key string, defaultValue bool) bool {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}

	value, err := strconv.ParseBool(valueStr)
	if err != nil {
		return defaultValue
	}

	return value
}

// getEnvDuration gets a duration environment variable or returns a default value
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}

	value, err := time.ParseDuration(valueStr)
	if err != nil {
		return defaultValue
	}

	return value
}
