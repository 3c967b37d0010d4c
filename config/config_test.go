package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func clearEnv(t *testing.T) {
	for _, k := range []string{"API_KEY", "DATABASE_URL", "STORAGE_BACKEND", "LOG_LEVEL", "METRICS_ADDR", "PUSHGATEWAY_URL", "NATS_URL"} {
		t.Setenv(k, "")
	}
}

func writeConfig(t *testing.T, content string) string {
	path := filepath.Join(t.TempDir(), "config.yml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestLoadDefaults(t *testing.T) {
	clearEnv(t)

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "sqlite", cfg.Storage.Backend)
	assert.Equal(t, "database/gtfs.db", cfg.Storage.DSN)
	assert.Equal(t, "data/static", cfg.Paths.Staging)
	assert.Equal(t, "data/gtfs_static", cfg.Paths.Active)
	assert.Equal(t, "data/static_archive", cfg.Paths.Archive)
	assert.Equal(t, "database/gtfs_hashes.txt", cfg.Paths.Manifest)
	assert.Equal(t, "https://gtfsapi.translink.ca/v3/gtfsrealtime", cfg.Realtime.TripUpdatesURL)
	assert.Equal(t, "apikey", cfg.Realtime.APIKeyParam)
	assert.Equal(t, 10*time.Second, cfg.Realtime.Timeout)
	assert.Equal(t, "America/Vancouver", cfg.Timezone)
	assert.True(t, *cfg.Reprocess.InProcess)
	assert.Equal(t, "gtfs.delays", cfg.NATS.Subject)
	assert.Equal(t, time.Duration(0), cfg.Realtime.CacheTTL)
	assert.Equal(t, "gtfs_delays", cfg.Metrics.Job)
	assert.Equal(t, "", cfg.Metrics.PushgatewayURL)
	assert.Equal(t, time.Hour, cfg.Schedule.CheckInterval)
	assert.Equal(t, 30*time.Second, cfg.Schedule.CollectInterval)

	loc, err := cfg.Location()
	require.NoError(t, err)
	assert.Equal(t, "America/Vancouver", loc.String())
}

func TestLoadYAML(t *testing.T) {
	clearEnv(t)

	path := writeConfig(t, `
storage:
  backend: postgres
  dsn: postgres://localhost:5432/gtfs?sslmode=disable
paths:
  staging: /srv/static
realtime:
  api_key: from-file
  timeout: 3s
  cache_ttl: 15s
metrics:
  pushgateway_url: http://pushgateway:9091
  job: transit
schedule:
  collect_interval: 10s
reprocess:
  command: ["python", "scripts/process_static.py"]
  in_process: false
timezone: America/Toronto
log_level: debug
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "postgres", cfg.Storage.Backend)
	assert.Equal(t, "postgres://localhost:5432/gtfs?sslmode=disable", cfg.Storage.DSN)
	assert.Equal(t, "/srv/static", cfg.Paths.Staging)
	// Untouched keys keep defaults
	assert.Equal(t, "data/gtfs_static", cfg.Paths.Active)
	assert.Equal(t, "from-file", cfg.Realtime.APIKey)
	assert.Equal(t, 3*time.Second, cfg.Realtime.Timeout)
	assert.Equal(t, 15*time.Second, cfg.Realtime.CacheTTL)
	assert.Equal(t, "http://pushgateway:9091", cfg.Metrics.PushgatewayURL)
	assert.Equal(t, "transit", cfg.Metrics.Job)
	assert.Equal(t, 10*time.Second, cfg.Schedule.CollectInterval)
	assert.Equal(t, time.Hour, cfg.Schedule.CheckInterval)
	assert.Equal(t, []string{"python", "scripts/process_static.py"}, cfg.Reprocess.Command)
	assert.False(t, *cfg.Reprocess.InProcess)
	assert.Equal(t, "America/Toronto", cfg.Timezone)
	assert.Equal(t, "debug", cfg.LogLevel)
}

func TestLoadEnvOverridesFile(t *testing.T) {
	clearEnv(t)
	t.Setenv("API_KEY", "from-env")
	t.Setenv("STORAGE_BACKEND", "memory")
	t.Setenv("NATS_URL", "nats://127.0.0.1:4222")
	t.Setenv("METRICS_ADDR", "127.0.0.1:9090")
	t.Setenv("PUSHGATEWAY_URL", "http://127.0.0.1:9091")

	path := writeConfig(t, `
realtime:
  api_key: from-file
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "from-env", cfg.Realtime.APIKey)
	assert.Equal(t, "memory", cfg.Storage.Backend)
	assert.Equal(t, "nats://127.0.0.1:4222", cfg.NATS.URL)
	assert.Equal(t, "127.0.0.1:9090", cfg.Metrics.Addr)
	assert.Equal(t, "http://127.0.0.1:9091", cfg.Metrics.PushgatewayURL)
}

func TestLoadInvalid(t *testing.T) {
	for name, content := range map[string]string{
		"unknown backend":  "storage:\n  backend: oracle\n",
		"bad timezone":     "timezone: Mars/Olympus_Mons\n",
		"bad url":          "realtime:\n  trip_updates_url: not a url\n",
		"zero timeout":     "realtime:\n  timeout: 0s\n",
		"negative ttl":     "realtime:\n  cache_ttl: -1s\n",
		"bad pushgateway":  "metrics:\n  pushgateway_url: nope\n",
		"zero interval":    "schedule:\n  collect_interval: 0s\n",
		"bad log level":    "log_level: loud\n",
		"malformed yaml":   "storage: [\n",
		"empty active dir": "paths:\n  active: \"\"\n",
	} {
		t.Run(name, func(t *testing.T) {
			clearEnv(t)
			_, err := Load(writeConfig(t, content))
			assert.Error(t, err)
		})
	}

	_, err := Load(filepath.Join(t.TempDir(), "missing.yml"))
	assert.Error(t, err)
}
