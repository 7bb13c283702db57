package config

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "tickflow.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadMissingFileGivesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	def := Default()
	def.ApplyEnv(os.LookupEnv)
	assert.Equal(t, def, cfg)
}

func TestLoadOverridesDefaults(t *testing.T) {
	path := writeFile(t, `
database:
  path: /var/lib/tickflow/state.db
dispatcher:
  trigger: "*/2 * * * *"
  limit: 10
  stale_lock_timeout: 90s
worker:
  mode: async
  concurrency: 4
log:
  level: debug
  format: json
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "/var/lib/tickflow/state.db", cfg.Database.Path)
	assert.Equal(t, "*/2 * * * *", cfg.Dispatcher.Trigger)
	assert.Equal(t, 10, cfg.Dispatcher.Limit)
	assert.Equal(t, 90*time.Second, cfg.Dispatcher.StaleLockTimeout)
	assert.Equal(t, 5*time.Second, cfg.Dispatcher.ClaimTimeout)
	assert.Equal(t, ModeAsync, cfg.Worker.Mode)
	assert.Equal(t, 4, cfg.Worker.Concurrency)
	assert.Equal(t, "json", cfg.Log.Format)
}

func TestLoadRejectsUnknownFields(t *testing.T) {
	_, err := Load(writeFile(t, "dispatcher:\n  limt: 5\n"))
	assert.Error(t, err)
}

func TestApplyEnv(t *testing.T) {
	env := map[string]string{
		"DATABASE_URL":       "postgres://tickflow@db/tickflow",
		"REDIS_URL":          "redis://cache:6379/0",
		"HTTP_ADDR":          ":9090",
		"TICKFLOW_WORKER_ID": "node-a",
	}
	cfg := Default()
	cfg.ApplyEnv(func(k string) (string, bool) {
		v, ok := env[k]
		return v, ok
	})
	assert.Equal(t, DriverPostgres, cfg.Database.Driver)
	assert.Equal(t, "postgres://tickflow@db/tickflow", cfg.Database.DSN)
	assert.Equal(t, "redis://cache:6379/0", cfg.Redis.URL)
	assert.Equal(t, ":9090", cfg.HTTP.Addr)
	assert.Equal(t, "node-a", cfg.WorkerID())
	require.NoError(t, cfg.Validate())
}

func TestValidate(t *testing.T) {
	cases := map[string]func(*Config){
		"driver":     func(c *Config) { c.Database.Driver = "mysql" },
		"no dsn":     func(c *Config) { c.Database.Driver = DriverPostgres },
		"trigger":    func(c *Config) { c.Dispatcher.Trigger = "every minute" },
		"limit":      func(c *Config) { c.Dispatcher.Limit = 0 },
		"stale lock": func(c *Config) { c.Dispatcher.StaleLockTimeout = 0 },
		"mode":       func(c *Config) { c.Worker.Mode = "threads" },
		"retries":    func(c *Config) { c.Worker.Retries = -1 },
		"log format": func(c *Config) { c.Log.Format = "xml" },
		"sync command outlives lock": func(c *Config) {
			c.Worker.CommandTimeout = 2 * time.Minute
			c.Worker.Retries = 2
		},
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			cfg := Default()
			mutate(&cfg)
			assert.Error(t, cfg.Validate())
		})
	}
	assert.NoError(t, Default().Validate())

	async := Default()
	async.Worker.Mode = ModeAsync
	async.Worker.CommandTimeout = 10 * time.Minute
	assert.NoError(t, async.Validate())
}

func TestGeneratedWorkerIDIsUnique(t *testing.T) {
	cfg := Default()
	a, b := cfg.WorkerID(), cfg.WorkerID()
	assert.NotEqual(t, a, b)
}

func TestEncodeRoundTrips(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, Default().Encode(&buf))
	assert.True(t, strings.Contains(buf.String(), "stale_lock_timeout: 5m0s"), buf.String())

	var cfg Config
	require.NoError(t, decode(buf.Bytes(), &cfg))
	assert.Equal(t, Default(), cfg)
}
