// Package config loads tickflow settings from YAML with environment overrides.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"
)

const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"

	ModeSync  = "sync"
	ModeAsync = "async"
)

type Config struct {
	Database   Database   `yaml:"database"`
	HTTP       HTTP       `yaml:"http"`
	Dispatcher Dispatcher `yaml:"dispatcher"`
	Worker     Worker     `yaml:"worker"`
	Redis      Redis      `yaml:"redis"`
	Log        Log        `yaml:"log"`
}

type Database struct {
	Driver      string        `yaml:"driver"`
	Path        string        `yaml:"path"`
	DSN         string        `yaml:"dsn"`
	BusyTimeout time.Duration `yaml:"busy_timeout"`
}

type HTTP struct {
	Addr  string `yaml:"addr"`
	Pprof bool   `yaml:"pprof"`
}

type Dispatcher struct {
	WorkerID         string        `yaml:"worker_id"`
	Trigger          string        `yaml:"trigger"`
	Limit            int           `yaml:"limit"`
	StaleLockTimeout time.Duration `yaml:"stale_lock_timeout"`
	ClaimTimeout     time.Duration `yaml:"claim_timeout"`
	RunTimeout       time.Duration `yaml:"run_timeout"`
}

type Worker struct {
	Mode           string        `yaml:"mode"`
	Concurrency    int           `yaml:"concurrency"`
	CommandTimeout time.Duration `yaml:"command_timeout"`
	Retries        int           `yaml:"retries"`
}

type Redis struct {
	URL   string `yaml:"url"`
	Queue string `yaml:"queue"`
}

type Log struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

func Default() Config {
	return Config{
		Database: Database{Driver: DriverSQLite, Path: "tickflow.db", BusyTimeout: 5 * time.Second},
		HTTP:     HTTP{Addr: ":8080"},
		Dispatcher: Dispatcher{
			Trigger:          "@every 1m",
			Limit:            50,
			StaleLockTimeout: 5 * time.Minute,
			ClaimTimeout:     5 * time.Second,
			RunTimeout:       time.Hour,
		},
		Worker: Worker{Mode: ModeSync, Concurrency: 8, CommandTimeout: 4 * time.Minute},
		Redis:  Redis{Queue: "tickflow:runs"},
		Log:    Log{Level: "info", Format: "console"},
	}
}

// Load reads path over the defaults, applies environment overrides and
// validates the result. A missing file is not an error.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case errors.Is(err, os.ErrNotExist):
		case err != nil:
			return Config{}, fmt.Errorf("read config: %w", err)
		default:
			if err := decode(data, &cfg); err != nil {
				return Config{}, fmt.Errorf("parse %s: %w", path, err)
			}
		}
	}
	cfg.ApplyEnv(os.LookupEnv)
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func decode(data []byte, cfg *Config) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

// ApplyEnv overrides settings from the environment. DATABASE_URL switches
// the store to postgres.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) {
	if v, ok := lookup("DATABASE_URL"); ok && v != "" {
		c.Database.Driver = DriverPostgres
		c.Database.DSN = v
	}
	if v, ok := lookup("REDIS_URL"); ok && v != "" {
		c.Redis.URL = v
	}
	if v, ok := lookup("HTTP_ADDR"); ok && v != "" {
		c.HTTP.Addr = v
	}
	if v, ok := lookup("TICKFLOW_WORKER_ID"); ok && v != "" {
		c.Dispatcher.WorkerID = v
	}
	if v, ok := lookup("TICKFLOW_LOG_LEVEL"); ok && v != "" {
		c.Log.Level = v
	}
}

func (c Config) Validate() error {
	var errs []error
	switch c.Database.Driver {
	case DriverSQLite:
		if c.Database.Path == "" {
			errs = append(errs, errors.New("database.path is required for sqlite"))
		}
	case DriverPostgres:
		if c.Database.DSN == "" {
			errs = append(errs, errors.New("database.dsn is required for postgres"))
		}
	default:
		errs = append(errs, fmt.Errorf("database.driver: unknown driver %q", c.Database.Driver))
	}
	if _, err := cron.ParseStandard(c.Dispatcher.Trigger); err != nil {
		errs = append(errs, fmt.Errorf("dispatcher.trigger: %w", err))
	}
	if c.Dispatcher.Limit <= 0 {
		errs = append(errs, errors.New("dispatcher.limit must be positive"))
	}
	for name, d := range map[string]time.Duration{
		"dispatcher.stale_lock_timeout": c.Dispatcher.StaleLockTimeout,
		"dispatcher.claim_timeout":      c.Dispatcher.ClaimTimeout,
		"dispatcher.run_timeout":        c.Dispatcher.RunTimeout,
		"worker.command_timeout":        c.Worker.CommandTimeout,
	} {
		if d <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive", name))
		}
	}
	if c.Worker.Mode != ModeSync && c.Worker.Mode != ModeAsync {
		errs = append(errs, fmt.Errorf("worker.mode: unknown mode %q", c.Worker.Mode))
	}
	if c.Worker.Concurrency <= 0 {
		errs = append(errs, errors.New("worker.concurrency must be positive"))
	}
	if c.Worker.Retries < 0 {
		errs = append(errs, errors.New("worker.retries must not be negative"))
	}
	// A sync tick holds the claim for the whole command, retries included.
	if c.Worker.Mode == ModeSync && c.Worker.Retries >= 0 &&
		c.Worker.CommandTimeout*time.Duration(c.Worker.Retries+1) >= c.Dispatcher.StaleLockTimeout {
		errs = append(errs, fmt.Errorf("worker.command_timeout x (retries+1) must be below dispatcher.stale_lock_timeout (%s) in sync mode",
			c.Dispatcher.StaleLockTimeout))
	}
	switch strings.ToLower(c.Log.Format) {
	case "console", "json":
	default:
		errs = append(errs, fmt.Errorf("log.format: unknown format %q", c.Log.Format))
	}
	return errors.Join(errs...)
}

// WorkerID returns the configured identity or a fresh host-scoped one.
func (c Config) WorkerID() string {
	if c.Dispatcher.WorkerID != "" {
		return c.Dispatcher.WorkerID
	}
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "tickflow"
	}
	return host + "-" + uuid.NewString()[:8]
}

// Encode renders c as YAML, e.g. for `tickflow config`.
func (c Config) Encode(w io.Writer) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	defer enc.Close()
	return enc.Encode(c)
}
