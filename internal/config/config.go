// Package config loads service configuration from an optional YAML file with
// environment variable overrides.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"math"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	BackendDynamoDB = "dynamodb"
	BackendPostgres = "postgres"
	BackendMemory   = "memory"
)

type Config struct {
	Memory      MemoryConfig `yaml:"memory"`
	Store       StoreConfig  `yaml:"store"`
	ParamPrefix string       `yaml:"param_prefix"`
	LogLevel    string       `yaml:"log_level"`
	// UserName is how review feedback refers to the mailbox owner.
	UserName string `yaml:"user_name"`
}

type MemoryConfig struct {
	Enabled bool `yaml:"enabled"`
	// ConfidenceThreshold has no default; it must be set explicitly.
	ConfidenceThreshold *float64      `yaml:"confidence_threshold"`
	AssistantID         string        `yaml:"assistant_id"`
	DefaultUserID       string        `yaml:"default_user_id"`
	NamespaceScope      string        `yaml:"namespace_scope"`
	ExtractTimeout      time.Duration `yaml:"extract_timeout"`
	CommitTimeout       time.Duration `yaml:"commit_timeout"`
}

type StoreConfig struct {
	Backend     string        `yaml:"backend"`
	Table       string        `yaml:"table"`
	DatabaseURL string        `yaml:"database_url"`
	Locking     bool          `yaml:"locking"`
	LockLease   time.Duration `yaml:"lock_lease"`
}

func defaults() Config {
	return Config{
		Memory: MemoryConfig{
			Enabled:        true,
			NamespaceScope: "user",
			ExtractTimeout: 30 * time.Second,
			CommitTimeout:  5 * time.Second,
		},
		Store: StoreConfig{
			Backend:   BackendDynamoDB,
			Locking:   true,
			LockLease: 30 * time.Second,
		},
		LogLevel: "info",
		UserName: "The user",
	}
}

// Load reads path (skipped when empty), then applies environment overrides
// and validates the result.
func Load(path string) (Config, error) {
	cfg := defaults()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}
	if err := applyEnv(&cfg); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config) error {
	envString("PARAM_PREFIX", &cfg.ParamPrefix)
	envString("LOG_LEVEL", &cfg.LogLevel)
	envString("USER_NAME", &cfg.UserName)
	envString("ASSISTANT_ID", &cfg.Memory.AssistantID)
	envString("DEFAULT_USER_ID", &cfg.Memory.DefaultUserID)
	envString("NAMESPACE_SCOPE", &cfg.Memory.NamespaceScope)
	envString("STORE_BACKEND", &cfg.Store.Backend)
	envString("STATE_TABLE", &cfg.Store.Table)
	envString("DATABASE_URL", &cfg.Store.DatabaseURL)

	if v, ok := lookup("MEMORY_CONFIDENCE_THRESHOLD"); ok {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return fmt.Errorf("config: MEMORY_CONFIDENCE_THRESHOLD: %w", err)
		}
		cfg.Memory.ConfidenceThreshold = &f
	}
	if err := envBool("MEMORY_ENABLED", &cfg.Memory.Enabled); err != nil {
		return err
	}
	if err := envBool("STORE_LOCKING", &cfg.Store.Locking); err != nil {
		return err
	}
	if err := envDuration("EXTRACT_TIMEOUT", &cfg.Memory.ExtractTimeout); err != nil {
		return err
	}
	if err := envDuration("COMMIT_TIMEOUT", &cfg.Memory.CommitTimeout); err != nil {
		return err
	}
	return envDuration("LOCK_LEASE", &cfg.Store.LockLease)
}

func (c Config) Validate() error {
	var errs []error
	if c.ParamPrefix == "" {
		errs = append(errs, errors.New("param_prefix is required"))
	}
	switch t := c.Memory.ConfidenceThreshold; {
	case t == nil:
		errs = append(errs, errors.New("memory.confidence_threshold is required"))
	case math.IsNaN(*t) || *t < 0 || *t > 1:
		errs = append(errs, fmt.Errorf("memory.confidence_threshold %v is outside [0, 1]", *t))
	}
	switch strings.ToLower(c.LogLevel) {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Errorf("log_level %q must be debug, info, warn or error", c.LogLevel))
	}
	switch c.Memory.NamespaceScope {
	case "user", "thread":
	default:
		errs = append(errs, fmt.Errorf("memory.namespace_scope %q must be user or thread", c.Memory.NamespaceScope))
	}
	if c.Memory.ExtractTimeout < 0 || c.Memory.CommitTimeout < 0 {
		errs = append(errs, errors.New("memory timeouts must not be negative"))
	}
	switch c.Store.Backend {
	case BackendDynamoDB:
		if c.Store.Table == "" {
			errs = append(errs, errors.New("store.table is required for the dynamodb backend"))
		}
	case BackendPostgres:
		if c.Store.DatabaseURL == "" {
			errs = append(errs, errors.New("store.database_url is required for the postgres backend"))
		}
	case BackendMemory:
	default:
		errs = append(errs, fmt.Errorf("store.backend %q is not one of dynamodb, postgres, memory", c.Store.Backend))
	}
	if len(errs) > 0 {
		return fmt.Errorf("config: %w", errors.Join(errs...))
	}
	return nil
}

// Threshold returns the configured confidence threshold. Call it only on a
// validated Config.
func (c Config) Threshold() float64 {
	return *c.Memory.ConfidenceThreshold
}

// SlogLevel maps LogLevel onto slog. Unknown values map to info.
func (c Config) SlogLevel() slog.Level {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return slog.LevelInfo
	}
	return lvl
}

func lookup(key string) (string, bool) {
	v, ok := os.LookupEnv(key)
	v = strings.TrimSpace(v)
	return v, ok && v != ""
}

func envString(key string, dst *string) {
	if v, ok := lookup(key); ok {
		*dst = v
	}
}

func envBool(key string, dst *bool) error {
	v, ok := lookup(key)
	if !ok {
		return nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fmt.Errorf("config: %s: %w", key, err)
	}
	*dst = b
	return nil
}

func envDuration(key string, dst *time.Duration) error {
	v, ok := lookup(key)
	if !ok {
		return nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fmt.Errorf("config: %s: %w", key, err)
	}
	*dst = d
	return nil
}
