// Package config loads service configuration from a YAML file with
// environment variable overrides.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/szaher/convmem/internal/auth"
	"github.com/szaher/convmem/internal/compaction"
	"github.com/szaher/convmem/internal/conversation"
	"github.com/szaher/convmem/internal/store"
	"github.com/szaher/convmem/internal/telemetry"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "CONVMEM_"

// Defaults.
const (
	DefaultListen         = ":8787"
	DefaultModel          = "workersai/@cf/meta/llama-3.3-70b-instruct-fp8-fast"
	DefaultStorePath      = "convmem.db"
	DefaultResumeSchedule = "@every 1m"
)

// Config is the complete service configuration.
type Config struct {
	Listen       string           `yaml:"listen"`
	APIKey       string           `yaml:"api_key"`
	CORSOrigins  []string         `yaml:"cors_origins"`
	RateLimit    string           `yaml:"rate_limit"`
	LogLevel     string           `yaml:"log_level"`
	Model        string           `yaml:"model"`
	SummaryModel string           `yaml:"summary_model"`
	Store        store.Config     `yaml:"store"`
	Compaction   CompactionConfig `yaml:"compaction"`
}

// CompactionConfig controls the trigger policy and the background runner.
type CompactionConfig struct {
	When           string        `yaml:"when"`
	Workers        int           `yaml:"workers"`
	MaxAttempts    int           `yaml:"max_attempts"`
	Backoff        time.Duration `yaml:"backoff"`
	MaxBackoff     time.Duration `yaml:"max_backoff"`
	ResumeSchedule string        `yaml:"resume_schedule"`
	StaleAfter     time.Duration `yaml:"stale_after"`
	Retention      time.Duration `yaml:"retention"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Listen:      DefaultListen,
		CORSOrigins: []string{"*"},
		LogLevel:    "info",
		Model:       DefaultModel,
		Store: store.Config{
			Driver: store.DriverSQLite,
			Path:   DefaultStorePath,
		},
		Compaction: CompactionConfig{
			When:           conversation.DefaultPolicy,
			Workers:        compaction.DefaultWorkers,
			MaxAttempts:    compaction.DefaultMaxAttempts,
			Backoff:        compaction.DefaultBackoff,
			MaxBackoff:     compaction.DefaultMaxBackoff,
			ResumeSchedule: DefaultResumeSchedule,
			StaleAfter:     compaction.DefaultStaleAfter,
			Retention:      compaction.DefaultRetention,
		},
	}
}

// Load builds a configuration from defaults, the YAML file at path (if
// path is non-empty) and CONVMEM_* environment variables, in that order
// of increasing precedence.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config file %q: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config file %q: %w", path, err)
		}
	}
	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

type lookupFunc func(string) (string, bool)

func (c *Config) applyEnv(lookup lookupFunc) error {
	str := func(name string, dst *string) {
		if v, ok := lookup(EnvPrefix + name); ok {
			*dst = v
		}
	}
	list := func(name string, dst *[]string) {
		if v, ok := lookup(EnvPrefix + name); ok {
			*dst = splitList(v)
		}
	}
	var errs []error
	num := func(name string, dst *int) {
		if v, ok := lookup(EnvPrefix + name); ok {
			n, err := strconv.Atoi(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s%s: %w", EnvPrefix, name, err))
				return
			}
			*dst = n
		}
	}
	dur := func(name string, dst *time.Duration) {
		if v, ok := lookup(EnvPrefix + name); ok {
			d, err := time.ParseDuration(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s%s: %w", EnvPrefix, name, err))
				return
			}
			*dst = d
		}
	}

	str("LISTEN", &c.Listen)
	str("API_KEY", &c.APIKey)
	list("CORS_ORIGINS", &c.CORSOrigins)
	str("RATE_LIMIT", &c.RateLimit)
	str("LOG_LEVEL", &c.LogLevel)
	str("MODEL", &c.Model)
	str("SUMMARY_MODEL", &c.SummaryModel)

	str("STORE_DRIVER", &c.Store.Driver)
	str("STORE_PATH", &c.Store.Path)
	str("STORE_DSN", &c.Store.DSN)
	list("STORE_ENDPOINTS", &c.Store.Endpoints)
	str("STORE_BUCKET", &c.Store.Bucket)
	str("STORE_PREFIX", &c.Store.Prefix)
	str("STORE_REGION", &c.Store.Region)
	str("STORE_ENDPOINT", &c.Store.Endpoint)

	str("COMPACTION_WHEN", &c.Compaction.When)
	num("COMPACTION_WORKERS", &c.Compaction.Workers)
	num("COMPACTION_MAX_ATTEMPTS", &c.Compaction.MaxAttempts)
	dur("COMPACTION_BACKOFF", &c.Compaction.Backoff)
	dur("COMPACTION_MAX_BACKOFF", &c.Compaction.MaxBackoff)
	str("COMPACTION_RESUME_SCHEDULE", &c.Compaction.ResumeSchedule)
	dur("COMPACTION_STALE_AFTER", &c.Compaction.StaleAfter)
	dur("COMPACTION_RETENTION", &c.Compaction.Retention)

	return errors.Join(errs...)
}

func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// Validate checks the configuration for values that cannot work.
func (c *Config) Validate() error {
	var errs []error
	if _, err := telemetry.ParseLevel(c.LogLevel); err != nil {
		errs = append(errs, err)
	}
	if _, err := auth.ParseRateLimit(c.RateLimit); err != nil {
		errs = append(errs, err)
	}
	if c.Model == "" {
		errs = append(errs, errors.New("model is required"))
	}
	if _, err := conversation.NewPolicy(c.Compaction.When); err != nil {
		errs = append(errs, err)
	}
	if c.Compaction.Workers < 1 {
		errs = append(errs, errors.New("compaction.workers must be at least 1"))
	}
	if c.Compaction.MaxAttempts < 1 {
		errs = append(errs, errors.New("compaction.max_attempts must be at least 1"))
	}
	if c.Compaction.Retention < 0 {
		errs = append(errs, errors.New("compaction.retention must not be negative"))
	}
	if c.Compaction.Backoff > c.Compaction.MaxBackoff {
		errs = append(errs, errors.New("compaction.backoff exceeds compaction.max_backoff"))
	}
	switch c.Store.Driver {
	case store.DriverMemory, store.DriverFile, store.DriverSQLite:
	case store.DriverPostgres:
		if c.Store.DSN == "" {
			errs = append(errs, errors.New("store.dsn is required for postgres"))
		}
	case store.DriverEtcd:
		if len(c.Store.Endpoints) == 0 {
			errs = append(errs, errors.New("store.endpoints is required for etcd"))
		}
	case store.DriverS3:
		if c.Store.Bucket == "" {
			errs = append(errs, errors.New("store.bucket is required for s3"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown store driver %q", c.Store.Driver))
	}
	return errors.Join(errs...)
}

// SummarizerModel returns the model used for compaction, falling back to
// the chat model.
func (c *Config) SummarizerModel() string {
	if c.SummaryModel != "" {
		return c.SummaryModel
	}
	return c.Model
}
