// Package config loads node configuration from YAML and the environment.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
	"go.uber.org/zap/zapcore"

	"github.com/roach88/lifeboat/internal/store"
)

// EnvPrefix marks environment overrides. LIFEBOAT_RESTORE_MAX_BATCH_SIZE
// sets restore.max_batch_size: the first underscore after the prefix
// separates the section from the key.
const EnvPrefix = "LIFEBOAT_"

type Config struct {
	HTTP     HTTPConfig     `koanf:"http"`
	Storage  StorageConfig  `koanf:"storage"`
	Node     NodeConfig     `koanf:"node"`
	Restore  RestoreConfig  `koanf:"restore"`
	Export   ExportConfig   `koanf:"export"`
	Snapshot SnapshotConfig `koanf:"snapshot"`
	Logging  LoggingConfig  `koanf:"logging"`
	Tracing  TracingConfig  `koanf:"tracing"`
}

type HTTPConfig struct {
	Host            string        `koanf:"host"`
	Port            uint16        `koanf:"port"`
	ReadTimeout     time.Duration `koanf:"read_timeout"`
	WriteTimeout    time.Duration `koanf:"write_timeout"`
	IdleTimeout     time.Duration `koanf:"idle_timeout"`
	RequestTimeout  time.Duration `koanf:"request_timeout"`
	ShutdownTimeout time.Duration `koanf:"shutdown_timeout"`
	// MaxBodyBytes bounds POST /restore bodies.
	MaxBodyBytes int64 `koanf:"max_body_bytes"`
}

type StorageConfig struct {
	Path string `koanf:"path"`
}

type NodeConfig struct {
	Prefix string `koanf:"prefix"`
}

type RestoreConfig struct {
	// Secret guards /restore. Empty disables restore.
	Secret       string  `koanf:"secret"`
	MaxBatchSize int     `koanf:"max_batch_size"`
	RateLimit    float64 `koanf:"rate_limit"`
	RateBurst    int     `koanf:"rate_burst"`
}

type ExportConfig struct {
	DefaultLimit int `koanf:"default_limit"`
	MaxLimit     int `koanf:"max_limit"`
}

type SnapshotConfig struct {
	Tables []store.TableSpec `koanf:"tables"`
}

type LoggingConfig struct {
	Level      string `koanf:"level"`
	Encoding   string `koanf:"encoding"`
	FilePath   string `koanf:"file_path"`
	MaxSizeMB  int    `koanf:"max_size_mb"`
	MaxBackups int    `koanf:"max_backups"`
	MaxAgeDays int    `koanf:"max_age_days"`
}

type TracingConfig struct {
	Endpoint    string  `koanf:"endpoint"`
	Environment string  `koanf:"environment"`
	SampleRatio float64 `koanf:"sample_ratio"`
}

// Addr returns host:port.
func (c HTTPConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// Load reads the YAML file at path, if any, fills defaults and applies
// environment overrides. The result is validated.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("failed to load config file: %w", err)
		}
	}

	applyDefaults(k)

	if err := k.Load(env.Provider(EnvPrefix, ".", envKey), nil); err != nil {
		return nil, fmt.Errorf("failed to load environment: %w", err)
	}

	var cfg Config
	if err := k.UnmarshalWithConf("", &cfg, koanf.UnmarshalConf{Tag: "koanf"}); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func envKey(s string) string {
	key := strings.ToLower(strings.TrimPrefix(s, EnvPrefix))
	return strings.Replace(key, "_", ".", 1)
}

func applyDefaults(k *koanf.Koanf) {
	setDefault(k, "http.host", "0.0.0.0")
	setDefault(k, "http.port", 8420)
	setDefault(k, "http.read_timeout", 30*time.Second)
	setDefault(k, "http.write_timeout", 60*time.Second)
	setDefault(k, "http.idle_timeout", time.Minute)
	setDefault(k, "http.request_timeout", 60*time.Second)
	setDefault(k, "http.shutdown_timeout", 10*time.Second)
	setDefault(k, "http.max_body_bytes", 64<<20)

	setDefault(k, "storage.path", "lifeboat.db")
	setDefault(k, "node.prefix", "node")

	setDefault(k, "restore.max_batch_size", 1000)
	setDefault(k, "restore.rate_limit", 5.0)
	setDefault(k, "restore.rate_burst", 10)

	setDefault(k, "export.default_limit", 1000)
	setDefault(k, "export.max_limit", 5000)

	setDefault(k, "logging.level", "info")
	setDefault(k, "logging.encoding", "json")
	setDefault(k, "logging.max_size_mb", 100)
	setDefault(k, "logging.max_backups", 5)
	setDefault(k, "logging.max_age_days", 30)

	setDefault(k, "tracing.environment", "development")
	setDefault(k, "tracing.sample_ratio", 1.0)
}

// setDefault only sets the value if the key doesn't already exist
func setDefault(k *koanf.Koanf, key string, value any) {
	if !k.Exists(key) {
		k.Set(key, value)
	}
}

// Validate rejects settings the node cannot run with.
func (c *Config) Validate() error {
	var errs []error

	if c.HTTP.Port == 0 {
		errs = append(errs, errors.New("http.port must be set"))
	}
	if c.HTTP.MaxBodyBytes <= 0 {
		errs = append(errs, errors.New("http.max_body_bytes must be positive"))
	}
	if c.Storage.Path == "" {
		errs = append(errs, errors.New("storage.path must be set"))
	}
	if c.Restore.MaxBatchSize <= 0 {
		errs = append(errs, errors.New("restore.max_batch_size must be positive"))
	}
	if c.Restore.RateLimit < 0 {
		errs = append(errs, errors.New("restore.rate_limit must not be negative"))
	}
	if c.Export.DefaultLimit <= 0 || c.Export.MaxLimit <= 0 {
		errs = append(errs, errors.New("export limits must be positive"))
	} else if c.Export.DefaultLimit > c.Export.MaxLimit {
		errs = append(errs, fmt.Errorf("export.default_limit %d exceeds export.max_limit %d",
			c.Export.DefaultLimit, c.Export.MaxLimit))
	}
	for i, t := range c.Snapshot.Tables {
		if t.Name == "" || len(t.PrimaryKey) == 0 {
			errs = append(errs, fmt.Errorf("snapshot.tables[%d] needs a name and a primary_key", i))
		}
	}
	if _, err := zapcore.ParseLevel(c.Logging.Level); err != nil {
		errs = append(errs, fmt.Errorf("logging.level: %w", err))
	}
	if c.Logging.Encoding != "json" && c.Logging.Encoding != "console" {
		errs = append(errs, fmt.Errorf("logging.encoding must be json or console, got %q", c.Logging.Encoding))
	}
	if c.Tracing.SampleRatio < 0 || c.Tracing.SampleRatio > 1 {
		errs = append(errs, errors.New("tracing.sample_ratio must be between 0 and 1"))
	}

	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}
