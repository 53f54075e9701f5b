package config

import (
	"io"
	"log/slog"
	"os"
	"strings"
)

const (
	defaultListenAddr = ":8080"
	defaultDBPath     = "kiln.db"
	defaultDefsPath   = "pipelines.yaml"
	defaultDockerBin  = "docker"

	envListenAddr  = "KILN_LISTEN_ADDR"
	envDBPath      = "KILN_DB_PATH"
	envLogLevel    = "KILN_LOG_LEVEL"
	envDefsPath    = "KILN_PIPELINES_FILE"
	envDockerBin   = "KILN_DOCKER_BIN"
	envProbeCmd    = "KILN_VERSION_PROBE"
	envRegistryURL = "KILN_REGISTRY_URL"
	envRegistryTok = "KILN_REGISTRY_TOKEN"
)

// Config holds application configuration loaded from environment variables.
type Config struct {
	ListenAddr    string
	DBPath        string
	LogLevel      slog.Level
	DefsPath      string
	DockerBin     string
	ProbeCmd      []string
	RegistryURL   string
	RegistryToken string
}

// Load reads configuration from environment variables with sensible defaults.
func Load() Config {
	cfg := Config{
		ListenAddr: defaultListenAddr,
		DBPath:     defaultDBPath,
		LogLevel:   slog.LevelInfo,
		DefsPath:   defaultDefsPath,
		DockerBin:  defaultDockerBin,
	}

	if v := os.Getenv(envListenAddr); v != "" {
		cfg.ListenAddr = v
	}
	if v := os.Getenv(envDBPath); v != "" {
		cfg.DBPath = v
	}
	if v := os.Getenv(envLogLevel); v != "" {
		cfg.LogLevel = parseLogLevel(v)
	}
	if v := os.Getenv(envDefsPath); v != "" {
		cfg.DefsPath = v
	}
	if v := os.Getenv(envDockerBin); v != "" {
		cfg.DockerBin = v
	}
	if v := os.Getenv(envProbeCmd); v != "" {
		cfg.ProbeCmd = strings.Fields(v)
	}
	if v := os.Getenv(envRegistryURL); v != "" {
		cfg.RegistryURL = v
	}
	if v := os.Getenv(envRegistryTok); v != "" {
		cfg.RegistryToken = v
	}

	return cfg
}

func parseLogLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// NewLogger creates a structured JSON logger writing to w at the configured level.
func NewLogger(w io.Writer, level slog.Level) *slog.Logger {
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level: level,
	}))
}
