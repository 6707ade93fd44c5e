package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	envPrefix = "SIMRELAY"

	keyConfigFile        = "config"
	keyListenAddr        = "listen_addr"
	keyDBPath            = "db_path"
	keyLogLevel          = "log_level"
	keyPlatformDomain    = "platform_domain"
	keyPlatformAPIKey    = "platform_api_key"
	keyStatusEndpoint    = "status_endpoint"
	keyStatusAPIKey      = "status_api_key"
	keySessionTTL        = "session_ttl"
	keyBatchSize         = "batch_size"
	keyPageSize          = "page_size"
	keyMaxTries          = "max_tries"
	keySingleMaxTries    = "single_max_tries"
	keyUnexpectedDelay   = "unexpected_delay"
	keyLoginBaseDelay    = "login_base_delay"
	keyJobTimeout        = "job_timeout"
	keyReconcileInterval = "reconcile_interval"
	keyPollConcurrency   = "poll_concurrency"
	keyPollTimeout       = "poll_timeout"

	defaultListenAddr        = ":8080"
	defaultDBPath            = "simrelay.db"
	defaultSessionTTL        = time.Hour
	defaultBatchSize         = 10
	defaultPageSize          = 500
	defaultMaxTries          = 3
	defaultSingleMaxTries    = 600
	defaultUnexpectedDelay   = 2 * time.Second
	defaultLoginBaseDelay    = 10 * time.Second
	defaultJobTimeout        = 2 * time.Hour
	defaultReconcileInterval = 2 * time.Hour
	defaultPollConcurrency   = 8
	defaultPollTimeout       = 5 * time.Minute
)

// Config holds application configuration loaded from SIMRELAY_* environment
// variables and an optional config file.
type Config struct {
	ListenAddr string
	DBPath     string
	LogLevel   slog.Level

	PlatformDomain string
	PlatformAPIKey string
	StatusEndpoint string
	StatusAPIKey   string

	SessionTTL      time.Duration
	BatchSize       int
	PageSize        int
	MaxTries        int
	SingleMaxTries  int
	UnexpectedDelay time.Duration
	LoginBaseDelay  time.Duration
	JobTimeout      time.Duration

	ReconcileInterval time.Duration
	PollConcurrency   int
	PollTimeout       time.Duration
}

// Load reads configuration from the environment with sensible defaults. When
// SIMRELAY_CONFIG names a file, its values are read first and environment
// variables still take precedence.
func Load() (Config, error) {
	v := viper.New()
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	if path := v.GetString(keyConfigFile); path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return Config{}, fmt.Errorf("read config file: %w", err)
			}
		}
	}

	cfg := Config{
		ListenAddr:        v.GetString(keyListenAddr),
		DBPath:            v.GetString(keyDBPath),
		LogLevel:          parseLogLevel(v.GetString(keyLogLevel)),
		PlatformDomain:    strings.TrimRight(v.GetString(keyPlatformDomain), "/"),
		PlatformAPIKey:    v.GetString(keyPlatformAPIKey),
		StatusEndpoint:    v.GetString(keyStatusEndpoint),
		StatusAPIKey:      v.GetString(keyStatusAPIKey),
		SessionTTL:        v.GetDuration(keySessionTTL),
		BatchSize:         v.GetInt(keyBatchSize),
		PageSize:          v.GetInt(keyPageSize),
		MaxTries:          v.GetInt(keyMaxTries),
		SingleMaxTries:    v.GetInt(keySingleMaxTries),
		UnexpectedDelay:   v.GetDuration(keyUnexpectedDelay),
		LoginBaseDelay:    v.GetDuration(keyLoginBaseDelay),
		JobTimeout:        v.GetDuration(keyJobTimeout),
		ReconcileInterval: v.GetDuration(keyReconcileInterval),
		PollConcurrency:   v.GetInt(keyPollConcurrency),
		PollTimeout:       v.GetDuration(keyPollTimeout),
	}
	cfg.clamp()

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault(keyConfigFile, "")
	v.SetDefault(keyListenAddr, defaultListenAddr)
	v.SetDefault(keyDBPath, defaultDBPath)
	v.SetDefault(keyLogLevel, "info")
	v.SetDefault(keyPlatformDomain, "")
	v.SetDefault(keyPlatformAPIKey, "")
	v.SetDefault(keyStatusEndpoint, "")
	v.SetDefault(keyStatusAPIKey, "")
	v.SetDefault(keySessionTTL, defaultSessionTTL)
	v.SetDefault(keyBatchSize, defaultBatchSize)
	v.SetDefault(keyPageSize, defaultPageSize)
	v.SetDefault(keyMaxTries, defaultMaxTries)
	v.SetDefault(keySingleMaxTries, defaultSingleMaxTries)
	v.SetDefault(keyUnexpectedDelay, defaultUnexpectedDelay)
	v.SetDefault(keyLoginBaseDelay, defaultLoginBaseDelay)
	v.SetDefault(keyJobTimeout, defaultJobTimeout)
	v.SetDefault(keyReconcileInterval, defaultReconcileInterval)
	v.SetDefault(keyPollConcurrency, defaultPollConcurrency)
	v.SetDefault(keyPollTimeout, defaultPollTimeout)
}

// clamp replaces out-of-range values with their defaults.
func (c *Config) clamp() {
	if c.SessionTTL <= 0 {
		c.SessionTTL = defaultSessionTTL
	}
	if c.BatchSize <= 0 {
		c.BatchSize = defaultBatchSize
	}
	if c.PageSize <= 0 || c.PageSize > defaultPageSize {
		c.PageSize = defaultPageSize
	}
	if c.MaxTries < 1 {
		c.MaxTries = 1
	}
	if c.SingleMaxTries < 1 {
		c.SingleMaxTries = 1
	}
	if c.UnexpectedDelay < 0 {
		c.UnexpectedDelay = 0
	}
	if c.LoginBaseDelay < 0 {
		c.LoginBaseDelay = 0
	}
	if c.JobTimeout <= 0 {
		c.JobTimeout = defaultJobTimeout
	}
	if c.ReconcileInterval <= 0 {
		c.ReconcileInterval = defaultReconcileInterval
	}
	if c.PollConcurrency <= 0 {
		c.PollConcurrency = defaultPollConcurrency
	}
	if c.PollTimeout <= 0 {
		c.PollTimeout = defaultPollTimeout
	}
}

// StatusConfigured reports whether the status API endpoint and key are both set.
func (c Config) StatusConfigured() bool {
	return c.StatusEndpoint != "" && c.StatusAPIKey != ""
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
