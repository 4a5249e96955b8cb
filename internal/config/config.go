package config

import (
	"strings"

	"github.com/spf13/viper"
	"go.uber.org/zap"
)

// Config represents the application configuration
type Config struct {
	// Server configuration
	Server struct {
		Host string `mapstructure:"host"`
		Port int    `mapstructure:"port"`
	} `mapstructure:"server"`

	// Event store configuration
	Store struct {
		// Backend is "memory" or "postgres"
		Backend string `mapstructure:"backend"`
		DSN     string `mapstructure:"dsn"`

		// Circuit breaker thresholds
		BreakerConsecutiveFailures uint32 `mapstructure:"breaker_consecutive_failures"`
		BreakerTimeoutSeconds      int    `mapstructure:"breaker_timeout_seconds"`
	} `mapstructure:"store"`

	// Engine configuration
	Engine struct {
		// RestoreWorkers bounds the parallelism of startup replay
		RestoreWorkers int `mapstructure:"restore_workers"`

		// SnapshotDepth is the default depth of order book queries
		SnapshotDepth int `mapstructure:"snapshot_depth"`
	} `mapstructure:"engine"`

	// Market data fan-out configuration
	MarketData struct {
		BufferSize int `mapstructure:"buffer_size"`

		// SnapshotCacheSeconds is the TTL of cached depth snapshots
		SnapshotCacheSeconds int `mapstructure:"snapshot_cache_seconds"`
	} `mapstructure:"market_data"`

	// API rate limiting
	RateLimit struct {
		// Requests per period, e.g. "100-S" for 100 per second
		Rate string `mapstructure:"rate"`
	} `mapstructure:"rate_limit"`
}

// Load reads the configuration from the given file, with environment
// variable overrides prefixed MATCHENGINE_
func Load(path string, logger *zap.Logger) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix("MATCHENGINE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		logger.Warn("Config file not read, using defaults",
			zap.String("path", path),
			zap.Error(err),
		)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	logger.Info("Loaded configuration",
		zap.String("storeBackend", cfg.Store.Backend),
		zap.Int("serverPort", cfg.Server.Port),
	)
	return &cfg, nil
}

// Default returns the default configuration without reading any file
func Default() *Config {
	v := viper.New()
	setDefaults(v)
	var cfg Config
	_ = v.Unmarshal(&cfg)
	return &cfg
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("store.backend", "memory")
	v.SetDefault("store.dsn", "")
	v.SetDefault("store.breaker_consecutive_failures", 5)
	v.SetDefault("store.breaker_timeout_seconds", 10)
	v.SetDefault("engine.restore_workers", 4)
	v.SetDefault("engine.snapshot_depth", 20)
	v.SetDefault("market_data.buffer_size", 1024)
	v.SetDefault("market_data.snapshot_cache_seconds", 1)
	v.SetDefault("rate_limit.rate", "200-S")
}
