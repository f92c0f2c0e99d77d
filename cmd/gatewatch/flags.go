package main

import (
	"flag"
	"fmt"
	"os"
	"time"
)

// CLIConfig holds command-line configuration.
type CLIConfig struct {
	ConfigPath      string
	LogLevel        string
	LogFormat       string
	ShutdownTimeout time.Duration
	ShowVersion     bool
	Validate        bool
}

func parseFlags() *CLIConfig {
	cfg := &CLIConfig{}

	flag.StringVar(&cfg.ConfigPath, "config",
		getEnv("GATEWATCH_CONFIG", "gatewatch.yaml"),
		"Path to configuration file (env: GATEWATCH_CONFIG)")
	flag.StringVar(&cfg.ConfigPath, "c",
		getEnv("GATEWATCH_CONFIG", "gatewatch.yaml"),
		"Path to configuration file (env: GATEWATCH_CONFIG)")

	flag.StringVar(&cfg.LogLevel, "log-level",
		getEnv("GATEWATCH_LOG_LEVEL", "info"),
		"Log level: debug, info, warn, error (env: GATEWATCH_LOG_LEVEL)")

	flag.StringVar(&cfg.LogFormat, "log-format",
		getEnv("GATEWATCH_LOG_FORMAT", "json"),
		"Log format: json, text (env: GATEWATCH_LOG_FORMAT)")

	flag.DurationVar(&cfg.ShutdownTimeout, "shutdown-timeout",
		getEnvDuration("GATEWATCH_SHUTDOWN_TIMEOUT", 30*time.Second),
		"Graceful shutdown timeout (env: GATEWATCH_SHUTDOWN_TIMEOUT)")

	flag.BoolVar(&cfg.ShowVersion, "version", false, "Show version information")
	flag.BoolVar(&cfg.ShowVersion, "v", false, "Show version information")
	flag.BoolVar(&cfg.Validate, "validate", false, "Validate configuration and exit")

	flag.Parse()
	return cfg
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
		fmt.Fprintf(os.Stderr, "invalid duration in %s: %q, using %s\n", key, v, fallback)
	}
	return fallback
}
