package config

import (
	"os"
	"strconv"
	"time"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap/zapcore"
	"gopkg.in/ini.v1"

	"github.com/mevdschee/tqbulk/admission"
	"github.com/mevdschee/tqbulk/executor"
	"github.com/mevdschee/tqbulk/session"
	"github.com/mevdschee/tqbulk/writebatch"
)

// Config holds the loader configuration
type Config struct {
	Cluster    ClusterConfig
	Executor   ExecutorConfig
	Batch      BatchConfig
	Continuous ContinuousConfig
	Log        LogConfig
}

// ClusterConfig describes the database hosts
type ClusterConfig struct {
	Driver            string   // database/sql driver name
	Primary           string   // Primary data source name
	Replicas          []string // Read replica data source names
	ReplicationFactor int
	HealthInterval    time.Duration
}

// ExecutorConfig holds admission and failure settings
type ExecutorConfig struct {
	MaxInFlight       int
	MaxPerSecond      float64
	MaxBytesPerSecond float64
	FailFast          bool
	PageSize          int
}

// BatchConfig holds statement batching settings
type BatchConfig struct {
	Mode          string
	MaxStatements int
	MaxSizeBytes  int64
}

// ContinuousConfig holds continuous paging settings
type ContinuousConfig struct {
	Enabled           bool
	PageSize          int
	MaxPages          int
	MaxPagesPerSecond float64
	MaxEnqueuedPages  int
}

// LogConfig holds logging settings
type LogConfig struct {
	Level string
}

// Load reads configuration from an INI file with environment variable
// overrides. An empty path loads the defaults.
func Load(path string) (*Config, error) {
	cfg := ini.Empty()
	if path != "" {
		var err error
		cfg, err = ini.Load(path)
		if err != nil {
			return nil, errors.Wrapf(err, "loading %s", path)
		}
	}

	config := &Config{
		Cluster:    loadClusterConfig(cfg.Section("cluster")),
		Executor:   loadExecutorConfig(cfg.Section("executor")),
		Batch:      loadBatchConfig(cfg.Section("batch")),
		Continuous: loadContinuousConfig(cfg.Section("continuous_paging")),
		Log: LogConfig{
			Level: cfg.Section("log").Key("level").MustString("info"),
		},
	}

	if err := config.applyEnv(); err != nil {
		return nil, err
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return config, nil
}

func loadClusterConfig(sec *ini.Section) ClusterConfig {
	// Parse replicas (replica1, replica2, etc.)
	var replicas []string
	for i := 1; i <= 10; i++ { // Support up to 10 replicas
		keyName := "replica" + strconv.Itoa(i)
		replica := sec.Key(keyName).String()
		if replica != "" {
			replicas = append(replicas, replica)
		}
	}

	return ClusterConfig{
		Driver:            sec.Key("driver").MustString("mysql"),
		Primary:           sec.Key("primary").String(),
		Replicas:          replicas,
		ReplicationFactor: sec.Key("replication_factor").MustInt(3),
		HealthInterval:    time.Duration(sec.Key("health_interval_s").MustInt(10)) * time.Second,
	}
}

func loadExecutorConfig(sec *ini.Section) ExecutorConfig {
	return ExecutorConfig{
		MaxInFlight:       sec.Key("max_in_flight").MustInt(1024),
		MaxPerSecond:      sec.Key("max_per_second").MustFloat64(0),
		MaxBytesPerSecond: sec.Key("max_bytes_per_second").MustFloat64(0),
		FailFast:          sec.Key("fail_fast").MustBool(false),
		PageSize:          sec.Key("page_size").MustInt(5000),
	}
}

func loadBatchConfig(sec *ini.Section) BatchConfig {
	return BatchConfig{
		Mode:          sec.Key("mode").MustString("partition_key"),
		MaxStatements: sec.Key("max_statements").MustInt(32),
		MaxSizeBytes:  sec.Key("max_size_bytes").MustInt64(0),
	}
}

func loadContinuousConfig(sec *ini.Section) ContinuousConfig {
	defaults := session.DefaultContinuousOptions()
	return ContinuousConfig{
		Enabled:           sec.Key("enabled").MustBool(false),
		PageSize:          sec.Key("page_size").MustInt(defaults.PageSize),
		MaxPages:          sec.Key("max_pages").MustInt(0),
		MaxPagesPerSecond: sec.Key("max_pages_per_second").MustFloat64(0),
		MaxEnqueuedPages:  sec.Key("max_enqueued_pages").MustInt(defaults.MaxEnqueuedPages),
	}
}

// applyEnv applies the TQBULK_* environment variable overrides
func (c *Config) applyEnv() error {
	if v := os.Getenv("TQBULK_DRIVER"); v != "" {
		c.Cluster.Driver = v
	}
	if v := os.Getenv("TQBULK_PRIMARY"); v != "" {
		c.Cluster.Primary = v
	}
	if v := os.Getenv("TQBULK_BATCH_MODE"); v != "" {
		c.Batch.Mode = v
	}
	if v := os.Getenv("TQBULK_LOG_LEVEL"); v != "" {
		c.Log.Level = v
	}
	if v := os.Getenv("TQBULK_MAX_IN_FLIGHT"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return errors.Wrap(err, "TQBULK_MAX_IN_FLIGHT")
		}
		c.Executor.MaxInFlight = n
	}
	if v := os.Getenv("TQBULK_MAX_PER_SECOND"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return errors.Wrap(err, "TQBULK_MAX_PER_SECOND")
		}
		c.Executor.MaxPerSecond = f
	}
	if v := os.Getenv("TQBULK_FAIL_FAST"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return errors.Wrap(err, "TQBULK_FAIL_FAST")
		}
		c.Executor.FailFast = b
	}
	return nil
}

// Validate checks values that cannot be defaulted
func (c *Config) Validate() error {
	if c.Cluster.Driver == "" {
		return errors.New("cluster driver is required")
	}
	if _, err := writebatch.ParseMode(c.Batch.Mode); err != nil {
		return errors.Wrap(err, "batch mode")
	}
	if _, err := zapcore.ParseLevel(c.Log.Level); err != nil {
		return errors.Wrap(err, "log level")
	}
	return nil
}

// ExecutorOptions converts the configuration to executor options
func (c *Config) ExecutorOptions() executor.Options {
	return executor.Options{
		Admission: admission.Config{
			MaxInFlight:       c.Executor.MaxInFlight,
			MaxPerSecond:      c.Executor.MaxPerSecond,
			MaxBytesPerSecond: c.Executor.MaxBytesPerSecond,
		},
		FailFast:         c.Executor.FailFast,
		PageSize:         c.Executor.PageSize,
		ContinuousPaging: c.Continuous.Enabled,
		Continuous: session.ContinuousOptions{
			PageSize:          c.Continuous.PageSize,
			MaxPages:          c.Continuous.MaxPages,
			MaxPagesPerSecond: c.Continuous.MaxPagesPerSecond,
			MaxEnqueuedPages:  c.Continuous.MaxEnqueuedPages,
		},
	}
}

// BatcherConfig converts the configuration to a batcher configuration
func (c *Config) BatcherConfig() (writebatch.Config, error) {
	mode, err := writebatch.ParseMode(c.Batch.Mode)
	if err != nil {
		return writebatch.Config{}, err
	}
	return writebatch.Config{
		Mode:          mode,
		MaxStatements: c.Batch.MaxStatements,
		MaxSizeBytes:  c.Batch.MaxSizeBytes,
	}, nil
}

// LogLevel returns the configured zap level
func (c *Config) LogLevel() zapcore.Level {
	level, err := zapcore.ParseLevel(c.Log.Level)
	if err != nil {
		return zapcore.InfoLevel
	}
	return level
}
