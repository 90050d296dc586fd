package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config holds all configuration for the driftwatch core.
type Config struct {
	Database DatabaseConfig
	Redis    RedisConfig
	Queue    QueueConfig
	Progress ProgressConfig
	Drift    DriftConfig
}

type DatabaseConfig struct {
	URL             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

type RedisConfig struct {
	URL string
}

// QueueConfig bounds the background worker pool. Workers is the concurrency
// ceiling; embedding work is CPU-bound and must not starve the process.
type QueueConfig struct {
	Workers         int
	ShutdownTimeout time.Duration

	// SubmitRateLimit caps how many tasks one subject may submit per minute,
	// counted in the cache so the limit holds across processes. 0 disables it.
	SubmitRateLimit int
}

// ProgressConfig tunes ETA estimation and push reporting.
type ProgressConfig struct {
	HistorySize int           // per-operation timing samples kept
	PushMinGap  time.Duration // floor between pushed snapshots per task

	// Default per-item seconds used before any history exists.
	DefaultAttributeSecs float64
	DefaultEmbeddingSecs float64
	DefaultDriftSecs     float64
}

// DriftConfig carries the severity caps, ensemble weights and status
// thresholds. The numbers are empirically tuned, not derived, so they stay
// configuration rather than constants.
type DriftConfig struct {
	MinEmbeddings int // per side; fewer is rejected as insufficient evidence

	// Severity caps: raw metric value at which severity saturates at 1.0.
	KLCap          float64
	MMDCap         float64
	MeanShiftCap   float64
	WassersteinCap float64
	PSICap         float64

	// Ensemble weights per metric.
	AttributeWeight   float64
	MMDWeight         float64
	MeanShiftWeight   float64
	WassersteinWeight float64
	PSIWeight         float64

	// Status thresholds on the overall score.
	WarningThreshold  float64
	CriticalThreshold float64
}

// Load reads configuration from environment variables and returns a validated
// Config. Returns an error with a descriptive message if any required value
// is missing or invalid.
func Load() (*Config, error) {
	cfg := &Config{
		Database: DatabaseConfig{
			URL:             os.Getenv("DATABASE_URL"),
			MaxOpenConns:    envInt("DATABASE_MAX_OPEN_CONNS", 25),
			MaxIdleConns:    envInt("DATABASE_MAX_IDLE_CONNS", 5),
			ConnMaxLifetime: envDuration("DATABASE_CONN_MAX_LIFETIME", 5*time.Minute),
		},
		Redis: RedisConfig{
			URL: os.Getenv("REDIS_URL"),
		},
		Queue: QueueConfig{
			Workers:         envInt("DRIFTWATCH_WORKERS", 4),
			ShutdownTimeout: envDuration("DRIFTWATCH_SHUTDOWN_TIMEOUT", 30*time.Second),
			SubmitRateLimit: envInt("DRIFTWATCH_SUBMIT_RATE_LIMIT", 0),
		},
		Progress: ProgressConfig{
			HistorySize:          envInt("DRIFTWATCH_ETA_HISTORY", 20),
			PushMinGap:           envDuration("DRIFTWATCH_PUSH_MIN_GAP", 2*time.Second),
			DefaultAttributeSecs: envFloat("DRIFTWATCH_DEFAULT_ATTRIBUTE_SECS", 0.5),
			DefaultEmbeddingSecs: envFloat("DRIFTWATCH_DEFAULT_EMBEDDING_SECS", 1.0),
			DefaultDriftSecs:     envFloat("DRIFTWATCH_DEFAULT_DRIFT_SECS", 1.5),
		},
		Drift: DriftConfig{
			MinEmbeddings:     envInt("DRIFT_MIN_EMBEDDINGS", 5),
			KLCap:             envFloat("DRIFT_KL_CAP", 0.5),
			MMDCap:            envFloat("DRIFT_MMD_CAP", 0.5),
			MeanShiftCap:      envFloat("DRIFT_MEAN_SHIFT_CAP", 0.1),
			WassersteinCap:    envFloat("DRIFT_WASSERSTEIN_CAP", 1.0),
			PSICap:            envFloat("DRIFT_PSI_CAP", 0.25),
			AttributeWeight:   envFloat("DRIFT_ATTRIBUTE_WEIGHT", 0.10),
			MMDWeight:         envFloat("DRIFT_MMD_WEIGHT", 0.25),
			MeanShiftWeight:   envFloat("DRIFT_MEAN_SHIFT_WEIGHT", 0.20),
			WassersteinWeight: envFloat("DRIFT_WASSERSTEIN_WEIGHT", 0.15),
			PSIWeight:         envFloat("DRIFT_PSI_WEIGHT", 0.10),
			WarningThreshold:  envFloat("DRIFT_WARNING_THRESHOLD", 0.15),
			CriticalThreshold: envFloat("DRIFT_CRITICAL_THRESHOLD", 0.25),
		},
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) validate() error {
	if c.Database.URL == "" {
		return fmt.Errorf("DATABASE_URL is required")
	}

	if c.Redis.URL == "" {
		return fmt.Errorf("REDIS_URL is required")
	}

	if c.Queue.Workers < 1 {
		return fmt.Errorf("DRIFTWATCH_WORKERS must be at least 1, got %d", c.Queue.Workers)
	}

	if c.Queue.SubmitRateLimit < 0 {
		return fmt.Errorf("DRIFTWATCH_SUBMIT_RATE_LIMIT must not be negative, got %d", c.Queue.SubmitRateLimit)
	}

	if c.Drift.MinEmbeddings < 2 {
		return fmt.Errorf("DRIFT_MIN_EMBEDDINGS must be at least 2, got %d", c.Drift.MinEmbeddings)
	}

	if c.Drift.WarningThreshold >= c.Drift.CriticalThreshold {
		return fmt.Errorf("DRIFT_WARNING_THRESHOLD (%v) must be below DRIFT_CRITICAL_THRESHOLD (%v)",
			c.Drift.WarningThreshold, c.Drift.CriticalThreshold)
	}

	caps := map[string]float64{
		"DRIFT_KL_CAP":          c.Drift.KLCap,
		"DRIFT_MMD_CAP":         c.Drift.MMDCap,
		"DRIFT_MEAN_SHIFT_CAP":  c.Drift.MeanShiftCap,
		"DRIFT_WASSERSTEIN_CAP": c.Drift.WassersteinCap,
		"DRIFT_PSI_CAP":         c.Drift.PSICap,
	}
	for name, cap := range caps {
		if cap <= 0 {
			return fmt.Errorf("%s must be positive, got %v", name, cap)
		}
	}

	return nil
}

// DefaultDrift returns the drift tunables with their built-in defaults,
// without touching the environment. Used by library consumers that construct
// analyzers directly.
func DefaultDrift() DriftConfig {
	return DriftConfig{
		MinEmbeddings:     5,
		KLCap:             0.5,
		MMDCap:            0.5,
		MeanShiftCap:      0.1,
		WassersteinCap:    1.0,
		PSICap:            0.25,
		AttributeWeight:   0.10,
		MMDWeight:         0.25,
		MeanShiftWeight:   0.20,
		WassersteinWeight: 0.15,
		PSIWeight:         0.10,
		WarningThreshold:  0.15,
		CriticalThreshold: 0.25,
	}
}

// DefaultProgress returns the progress tunables with built-in defaults.
func DefaultProgress() ProgressConfig {
	return ProgressConfig{
		HistorySize:          20,
		PushMinGap:           2 * time.Second,
		DefaultAttributeSecs: 0.5,
		DefaultEmbeddingSecs: 1.0,
		DefaultDriftSecs:     1.5,
	}
}

func envInt(key string, defaultVal int) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return i
}

func envFloat(key string, defaultVal float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return defaultVal
	}
	return f
}

func envDuration(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return defaultVal
	}
	return d
}
