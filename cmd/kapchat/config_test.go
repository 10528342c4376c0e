package main

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfig_Defaults(t *testing.T) {
	dir := t.TempDir()
	cfg, err := loadConfig(filepath.Join(dir, "missing.json"), filepath.Join(dir, "missing.env"))
	require.NoError(t, err)

	def := defaultConfig()
	assert.Equal(t, def, cfg)
	assert.Equal(t, 10, cfg.Workers)
	assert.Equal(t, 50, cfg.MaxStepsPerEvent)
	assert.Equal(t, 30, cfg.ExecutionTimeoutMinutes)
	assert.Equal(t, "*/5 * * * *", cfg.ReapSchedule)
	assert.NoError(t, cfg.validate())
}

func TestLoadConfig_Layers(t *testing.T) {
	dir := t.TempDir()
	settings := filepath.Join(dir, "settings.json")
	require.NoError(t, os.WriteFile(settings, []byte(`{
  "listen_addr": ":9000",
  "workers": 4,
  "log_level": "debug",
  "http_action_timeout": "3s",
  "cache_backend": "none"
}`), 0o644))

	envFile := filepath.Join(dir, ".env")
	require.NoError(t, os.WriteFile(envFile, []byte("KAPCHAT_LOG_FORMAT=json\nKAPCHAT_WORKERS=6\n"), 0o644))
	t.Cleanup(func() { _ = os.Unsetenv("KAPCHAT_LOG_FORMAT") })

	// A real environment variable beats the .env file.
	t.Setenv("KAPCHAT_WORKERS", "8")
	t.Setenv("KAPCHAT_SCHEDULER_INTERVAL", "2s")

	cfg, err := loadConfig(settings, envFile)
	require.NoError(t, err)

	// settings.json
	assert.Equal(t, ":9000", cfg.ListenAddr)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, 3*time.Second, cfg.HTTPActionTimeout.Std())
	assert.Equal(t, "none", cfg.CacheBackend)
	// .env
	assert.Equal(t, "json", cfg.LogFormat)
	// environment
	assert.Equal(t, 8, cfg.Workers)
	assert.Equal(t, 2*time.Second, cfg.SchedulerInterval.Std())
	// default
	assert.Equal(t, 50, cfg.MaxStepsPerEvent)
}

func TestLoadConfig_Malformed(t *testing.T) {
	dir := t.TempDir()
	settings := filepath.Join(dir, "settings.json")
	require.NoError(t, os.WriteFile(settings, []byte(`{"workers": "many"}`), 0o644))

	_, err := loadConfig(settings, filepath.Join(dir, "none.env"))
	assert.Error(t, err)

	require.NoError(t, os.WriteFile(settings, []byte(`{"cache_ttl": "forever"}`), 0o644))
	_, err = loadConfig(settings, filepath.Join(dir, "none.env"))
	assert.Error(t, err)
}

func TestApplyEnv_BadValue(t *testing.T) {
	cfg := defaultConfig()
	env := map[string]string{"KAPCHAT_MAX_STEPS_PER_EVENT": "lots"}
	err := applyEnv(&cfg, func(k string) (string, bool) {
		v, ok := env[k]
		return v, ok
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "KAPCHAT_MAX_STEPS_PER_EVENT")
}

func TestApplyFlags_OnlyChanged(t *testing.T) {
	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	fs.String("db-path", "", "")
	fs.Int("workers", 0, "")
	fs.Duration("cache-ttl", 0, "")
	require.NoError(t, fs.Parse([]string{"--db-path=/tmp/k.db", "--cache-ttl=90s"}))

	cfg := defaultConfig()
	require.NoError(t, applyFlags(&cfg, fs))

	assert.Equal(t, "/tmp/k.db", cfg.DBPath)
	assert.Equal(t, 90*time.Second, cfg.CacheTTL.Std())
	assert.Equal(t, 10, cfg.Workers, "unset flag keeps the layered value")
}

func TestConfigValidate(t *testing.T) {
	cfg := defaultConfig()
	cfg.Workers = 0
	cfg.CacheBackend = "redis"

	err := cfg.validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "workers")
	assert.Contains(t, err.Error(), "redis_addr")

	cfg = defaultConfig()
	cfg.CacheBackend = "memcached"
	assert.ErrorContains(t, cfg.validate(), "memcached")
}

func TestDuration_JSON(t *testing.T) {
	d := Duration(90 * time.Second)
	b, err := d.MarshalJSON()
	require.NoError(t, err)
	assert.Equal(t, `"1m30s"`, string(b))

	var back Duration
	require.NoError(t, back.UnmarshalJSON(b))
	assert.Equal(t, d, back)
	assert.Error(t, back.UnmarshalJSON([]byte(`90`)))
}
