// Package config defines the engine's typed configuration and loads it
// from defaults, an optional TOML file, and environment variables via
// viper, the way steveyegge-beads wires its own CLI configuration.
package config

import (
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds every tunable read by the engine's subsystems.
type Config struct {
	DataDir string

	// Mirror write-back pipeline.
	RetryBaseDelay   time.Duration
	RetryFactor      float64
	RetryMaxDelay    time.Duration
	RetryMaxAttempts int
	MirrorHighWater  int
	MirrorLowWater   int

	// Scheduling sessions and holds.
	HoldTTL       time.Duration
	SweepInterval time.Duration

	// Ingestion.
	SkewBudget time.Duration

	// Queue transport.
	RedisAddr         string
	RedisDB           int
	QueueStreamPrefix string

	// Operator surfaces.
	MetricsAddr string
}

// Default returns the configuration every component falls back to
// absent operator overrides: a 10 minute hold TTL, 1s/2x/5min capped
// backoff, 8 retryable attempts, and reasonable values elsewhere.
func Default() Config {
	return Config{
		DataDir:           defaultDataDir(),
		RetryBaseDelay:    1 * time.Second,
		RetryFactor:       2,
		RetryMaxDelay:     5 * time.Minute,
		RetryMaxAttempts:  8,
		MirrorHighWater:   500,
		MirrorLowWater:    100,
		HoldTTL:           10 * time.Minute,
		SweepInterval:     30 * time.Second,
		SkewBudget:        10 * time.Second,
		RedisAddr:         "127.0.0.1:6379",
		RedisDB:           0,
		QueueStreamPrefix: "tminus:mirror-writes:",
		MetricsAddr:       ":9108",
	}
}

// Load merges Default() with TMINUS_-prefixed environment variables
// and an optional config file (TOML/YAML/JSON, resolved by viper) at
// path. An empty path skips the file lookup.
func Load(path string) (Config, error) {
	cfg := Default()

	v := viper.New()
	v.SetEnvPrefix("TMINUS")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	bind := map[string]any{
		"data_dir":            cfg.DataDir,
		"retry_base_delay":    cfg.RetryBaseDelay,
		"retry_factor":        cfg.RetryFactor,
		"retry_max_delay":     cfg.RetryMaxDelay,
		"retry_max_attempts":  cfg.RetryMaxAttempts,
		"mirror_high_water":   cfg.MirrorHighWater,
		"mirror_low_water":    cfg.MirrorLowWater,
		"hold_ttl":            cfg.HoldTTL,
		"sweep_interval":      cfg.SweepInterval,
		"skew_budget":         cfg.SkewBudget,
		"redis_addr":          cfg.RedisAddr,
		"redis_db":            cfg.RedisDB,
		"queue_stream_prefix": cfg.QueueStreamPrefix,
		"metrics_addr":        cfg.MetricsAddr,
	}
	for k, val := range bind {
		v.SetDefault(k, val)
	}

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			if !os.IsNotExist(err) {
				return cfg, err
			}
		}
	}

	cfg.DataDir = v.GetString("data_dir")
	cfg.RetryBaseDelay = v.GetDuration("retry_base_delay")
	cfg.RetryFactor = v.GetFloat64("retry_factor")
	cfg.RetryMaxDelay = v.GetDuration("retry_max_delay")
	cfg.RetryMaxAttempts = v.GetInt("retry_max_attempts")
	cfg.MirrorHighWater = v.GetInt("mirror_high_water")
	cfg.MirrorLowWater = v.GetInt("mirror_low_water")
	cfg.HoldTTL = v.GetDuration("hold_ttl")
	cfg.SweepInterval = v.GetDuration("sweep_interval")
	cfg.SkewBudget = v.GetDuration("skew_budget")
	cfg.RedisAddr = v.GetString("redis_addr")
	cfg.RedisDB = v.GetInt("redis_db")
	cfg.QueueStreamPrefix = v.GetString("queue_stream_prefix")
	cfg.MetricsAddr = v.GetString("metrics_addr")
	return cfg, nil
}

// UserDBPath returns the per-user SQLite database path under DataDir.
func (c Config) UserDBPath(userID string) string {
	return filepath.Join(c.DataDir, "users", userID, "store.db")
}

func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".tminus"
	}
	return filepath.Join(home, ".local", "state", "tminus")
}
