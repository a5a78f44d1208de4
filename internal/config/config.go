package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

const (
	defaultListenAddr   = ":8080"
	defaultDBPath       = "guidance.db"
	defaultBackend      = "sim"
	defaultMaxBatchSize = 64
	defaultPollInterval = time.Millisecond
	defaultStepInterval = 2 * time.Millisecond
	defaultMaxNewTokens = 256

	envListenAddr       = "GUIDANCE_LISTEN_ADDR"
	envDBPath           = "GUIDANCE_DB_PATH"
	envLogLevel         = "GUIDANCE_LOG_LEVEL"
	envBackend          = "GUIDANCE_BACKEND"
	envMaxBatchSize     = "GUIDANCE_MAX_BATCH_SIZE"
	envPollInterval     = "GUIDANCE_POLL_INTERVAL"
	envStepInterval     = "GUIDANCE_STEP_INTERVAL"
	envMaxNewTokens     = "GUIDANCE_MAX_NEW_TOKENS"
	envConstraintConfig = "GUIDANCE_CONSTRAINT_CONFIG"
)

// Config holds application configuration loaded from environment variables.
type Config struct {
	ListenAddr string
	DBPath     string
	LogLevel   slog.Level

	// Backend names the registered inference engine to open.
	Backend      string
	MaxBatchSize int
	PollInterval time.Duration
	StepInterval time.Duration
	MaxNewTokens int

	// ConstraintConfig is an optional YAML file overriding parser limits.
	ConstraintConfig string

	parseErrs []error
}

// Load reads configuration from environment variables with sensible defaults.
// Malformed values are reported by Validate.
func Load() Config {
	cfg := Config{
		ListenAddr:   defaultListenAddr,
		DBPath:       defaultDBPath,
		LogLevel:     slog.LevelInfo,
		Backend:      defaultBackend,
		MaxBatchSize: defaultMaxBatchSize,
		PollInterval: defaultPollInterval,
		StepInterval: defaultStepInterval,
		MaxNewTokens: defaultMaxNewTokens,
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
	if v := os.Getenv(envBackend); v != "" {
		cfg.Backend = v
	}
	if v := os.Getenv(envConstraintConfig); v != "" {
		cfg.ConstraintConfig = v
	}
	cfg.MaxBatchSize = cfg.intEnv(envMaxBatchSize, cfg.MaxBatchSize)
	cfg.MaxNewTokens = cfg.intEnv(envMaxNewTokens, cfg.MaxNewTokens)
	cfg.PollInterval = cfg.durationEnv(envPollInterval, cfg.PollInterval)
	cfg.StepInterval = cfg.durationEnv(envStepInterval, cfg.StepInterval)

	return cfg
}

func (c *Config) intEnv(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		c.parseErrs = append(c.parseErrs, fmt.Errorf("%s: %w", key, err))
		return def
	}
	return n
}

func (c *Config) durationEnv(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		c.parseErrs = append(c.parseErrs, fmt.Errorf("%s: %w", key, err))
		return def
	}
	return d
}

// Validate reports every malformed or out-of-range setting.
func (c Config) Validate() error {
	errs := append([]error(nil), c.parseErrs...)
	if c.ListenAddr == "" {
		errs = append(errs, errors.New("listen address is required"))
	}
	if c.DBPath == "" {
		errs = append(errs, errors.New("database path is required"))
	}
	if c.Backend == "" {
		errs = append(errs, errors.New("backend is required"))
	}
	if c.MaxBatchSize <= 0 {
		errs = append(errs, fmt.Errorf("max batch size must be positive, got %d", c.MaxBatchSize))
	}
	if c.MaxNewTokens <= 0 {
		errs = append(errs, fmt.Errorf("max new tokens must be positive, got %d", c.MaxNewTokens))
	}
	if c.PollInterval <= 0 {
		errs = append(errs, fmt.Errorf("poll interval must be positive, got %s", c.PollInterval))
	}
	if c.StepInterval < 0 {
		errs = append(errs, fmt.Errorf("step interval must not be negative, got %s", c.StepInterval))
	}
	return errors.Join(errs...)
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
