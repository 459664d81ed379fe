// Package config loads hub settings from the environment and the hub file.
package config

import (
	"log/slog"
	"os"
	"strconv"
	"strings"
)

// Config holds process-level settings read from the environment.
type Config struct {
	Port         string
	HealthPort   string
	LogLevel     string
	DatabaseURL  string // empty selects lite mode (SQLite under DataDir)
	DataDir      string
	HubFile      string // optional path to the hub YAML file
	RedisAddr    string // empty keeps spend accounting in process
	RedisPass    string
	OTelEnabled  bool
	OTLPEndpoint string
	Production   bool
}

// Load reads the environment, applying defaults.
func Load() *Config {
	return &Config{
		Port:         getenv("PORT", "8080"),
		HealthPort:   getenv("HEALTH_PORT", "8081"),
		LogLevel:     strings.ToUpper(getenv("LOG_LEVEL", "INFO")),
		DatabaseURL:  os.Getenv("DATABASE_URL"),
		DataDir:      getenv("QHUB_DATA_DIR", "data"),
		HubFile:      os.Getenv("QHUB_CONFIG"),
		RedisAddr:    os.Getenv("REDIS_ADDR"),
		RedisPass:    os.Getenv("REDIS_PASSWORD"),
		OTelEnabled:  boolenv("OTEL_ENABLED"),
		OTLPEndpoint: getenv("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4317"),
		Production:   boolenv("QHUB_PRODUCTION"),
	}
}

// LiteMode reports whether the hub runs on local files and SQLite.
func (c *Config) LiteMode() bool {
	return c.DatabaseURL == ""
}

// SlogLevel maps LogLevel onto slog. Unknown names fall back to INFO.
func (c *Config) SlogLevel() slog.Level {
	switch c.LogLevel {
	case "DEBUG":
		return slog.LevelDebug
	case "WARN", "WARNING":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func boolenv(key string) bool {
	v, err := strconv.ParseBool(os.Getenv(key))
	return err == nil && v
}
