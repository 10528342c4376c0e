package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/pflag"
)

const envPrefix = "KAPCHAT_"

// Config holds all kapchat configuration.
// Priority: flags > env vars (.env included) > settings.json > defaults.
type Config struct {
	ListenAddr string `json:"listen_addr"`
	DBPath     string `json:"db_path"`
	LogLevel   string `json:"log_level"`
	LogFormat  string `json:"log_format"`

	Workers                 int      `json:"workers"`
	MaxStepsPerEvent        int      `json:"max_steps_per_event"`
	HTTPActionTimeout       Duration `json:"http_action_timeout"`
	ExecutionTimeoutMinutes int      `json:"execution_timeout_minutes"`
	ReapSchedule            string   `json:"reap_schedule"`
	SchedulerInterval       Duration `json:"scheduler_interval"`

	CacheBackend string   `json:"cache_backend"`
	CacheTTL     Duration `json:"cache_ttl"`
	RedisAddr    string   `json:"redis_addr"`

	OutboundURL string `json:"outbound_url"`
	StateURL    string `json:"state_url"`
	AudienceURL string `json:"audience_url"`
}

// Duration is a time.Duration that reads "30s" style strings from JSON.
type Duration time.Duration

func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return fmt.Errorf("duration must be a string like \"30s\": %w", err)
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

func defaultConfig() Config {
	return Config{
		ListenAddr:              ":4200",
		DBPath:                  filepath.Join(kapchatDir(), "kapchat.db"),
		LogLevel:                "info",
		LogFormat:               "text",
		Workers:                 10,
		MaxStepsPerEvent:        50,
		HTTPActionTimeout:       Duration(10 * time.Second),
		ExecutionTimeoutMinutes: 30,
		ReapSchedule:            "*/5 * * * *",
		SchedulerInterval:       Duration(10 * time.Second),
		CacheBackend:            "memory",
		CacheTTL:                Duration(30 * time.Minute),
	}
}

func kapchatDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".kapchat"
	}
	return filepath.Join(home, ".kapchat")
}

func settingsPath() string {
	return filepath.Join(kapchatDir(), "settings.json")
}

// loadConfig layers defaults, the settings file, a .env file and KAPCHAT_*
// environment variables. Missing files are skipped; malformed ones are errors.
// Flags are applied afterwards by applyFlags.
func loadConfig(settingsFile, envFile string) (Config, error) {
	cfg := defaultConfig()

	data, err := os.ReadFile(settingsFile)
	switch {
	case err == nil:
		if err := json.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse %s: %w", settingsFile, err)
		}
	case !errors.Is(err, fs.ErrNotExist):
		return cfg, fmt.Errorf("read %s: %w", settingsFile, err)
	}

	// godotenv.Load never overrides variables already set in the environment.
	if err := godotenv.Load(envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return cfg, fmt.Errorf("load %s: %w", envFile, err)
	}

	if err := applyEnv(&cfg, os.LookupEnv); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// configFields binds each config key to its field so that env vars and
// flags share one name table.
func configFields(cfg *Config) map[string]any {
	return map[string]any{
		"listen_addr":               &cfg.ListenAddr,
		"db_path":                   &cfg.DBPath,
		"log_level":                 &cfg.LogLevel,
		"log_format":                &cfg.LogFormat,
		"workers":                   &cfg.Workers,
		"max_steps_per_event":       &cfg.MaxStepsPerEvent,
		"http_action_timeout":       &cfg.HTTPActionTimeout,
		"execution_timeout_minutes": &cfg.ExecutionTimeoutMinutes,
		"reap_schedule":             &cfg.ReapSchedule,
		"scheduler_interval":        &cfg.SchedulerInterval,
		"cache_backend":             &cfg.CacheBackend,
		"cache_ttl":                 &cfg.CacheTTL,
		"redis_addr":                &cfg.RedisAddr,
		"outbound_url":              &cfg.OutboundURL,
		"state_url":                 &cfg.StateURL,
		"audience_url":              &cfg.AudienceURL,
	}
}

func applyEnv(cfg *Config, lookup func(string) (string, bool)) error {
	for key, field := range configFields(cfg) {
		name := envPrefix + strings.ToUpper(key)
		v, ok := lookup(name)
		if !ok || v == "" {
			continue
		}
		if err := setField(field, v); err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
	}
	return nil
}

// applyFlags copies explicitly set flags over cfg. Flag names are the config
// keys with dashes, e.g. --db-path.
func applyFlags(cfg *Config, flags *pflag.FlagSet) error {
	for key, field := range configFields(cfg) {
		f := flags.Lookup(strings.ReplaceAll(key, "_", "-"))
		if f == nil || !f.Changed {
			continue
		}
		if err := setField(field, f.Value.String()); err != nil {
			return fmt.Errorf("--%s: %w", f.Name, err)
		}
	}
	return nil
}

func setField(field any, v string) error {
	switch p := field.(type) {
	case *string:
		*p = v
	case *int:
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid integer %q", v)
		}
		*p = n
	case *Duration:
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("invalid duration %q", v)
		}
		*p = Duration(d)
	default:
		return fmt.Errorf("unsupported config field %T", field)
	}
	return nil
}

// validate rejects settings the engine cannot run with.
func (c Config) validate() error {
	var errs []error
	if c.DBPath == "" {
		errs = append(errs, errors.New("db_path is required"))
	}
	if c.Workers <= 0 {
		errs = append(errs, errors.New("workers must be positive"))
	}
	if c.MaxStepsPerEvent <= 0 {
		errs = append(errs, errors.New("max_steps_per_event must be positive"))
	}
	if c.ExecutionTimeoutMinutes <= 0 {
		errs = append(errs, errors.New("execution_timeout_minutes must be positive"))
	}
	if c.SchedulerInterval.Std() <= 0 {
		errs = append(errs, errors.New("scheduler_interval must be positive"))
	}
	switch c.CacheBackend {
	case "", "none", "memory":
	case "redis":
		if c.RedisAddr == "" {
			errs = append(errs, errors.New("redis_addr is required for the redis cache backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown cache_backend %q", c.CacheBackend))
	}
	return errors.Join(errs...)
}
