/*
Package config loads the service configuration from a TOML file.

PURPOSE:
  One place for every tunable: HTTP server, database path, engine timing and
  the hierarchy refresher. Missing keys keep their defaults, so an empty file
  (or no file at all) gives a working local setup.

FILE FORMAT:
  [server]
  port = 8080
  request_timeout = "10s"
  shutdown_timeout = "15s"

  [database]
  path = "./data/varaamo.db"

  [engine]
  timezone = "Europe/Helsinki"
  fetch_timeout = "2s"
  search_horizon_days = 730
  stale_after = "36h"

  [scheduler]
  hierarchy_refresh_interval = "10m"

  [log]
  level = "info"
  development = false

  [metrics]
  enabled = true
  path = "/metrics"

  Durations use time.ParseDuration syntax. Unknown keys are rejected, so a
  typo does not silently fall back to a default.

SEE ALSO:
  - cmd/server/main.go: CLI flags override file values
*/
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"go.uber.org/zap"
)

// Duration is a time.Duration read from a string such as "90s".
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

type Config struct {
	Server    ServerConfig    `toml:"server"`
	Database  DatabaseConfig  `toml:"database"`
	Engine    EngineConfig    `toml:"engine"`
	Scheduler SchedulerConfig `toml:"scheduler"`
	Log       LogConfig       `toml:"log"`
	Metrics   MetricsConfig   `toml:"metrics"`
}

type ServerConfig struct {
	Port            int      `toml:"port"`
	RequestTimeout  Duration `toml:"request_timeout"`
	ShutdownTimeout Duration `toml:"shutdown_timeout"`
}

type DatabaseConfig struct {
	Path string `toml:"path"`
}

type EngineConfig struct {
	Timezone          string   `toml:"timezone"`
	FetchTimeout      Duration `toml:"fetch_timeout"`
	SearchHorizonDays int      `toml:"search_horizon_days"`

	// StaleAfter flags opening hours older than this; zero disables the check.
	StaleAfter Duration `toml:"stale_after"`
}

type SchedulerConfig struct {
	HierarchyRefreshInterval Duration `toml:"hierarchy_refresh_interval"`
}

type LogConfig struct {
	Level       string `toml:"level"`
	Development bool   `toml:"development"`
}

type MetricsConfig struct {
	Enabled bool   `toml:"enabled"`
	Path    string `toml:"path"`
}

// Default returns the configuration used when no file is given.
func Default() Config {
	return Config{
		Server: ServerConfig{
			Port:            8080,
			RequestTimeout:  Duration{10 * time.Second},
			ShutdownTimeout: Duration{15 * time.Second},
		},
		Database: DatabaseConfig{Path: "./data/varaamo.db"},
		Engine: EngineConfig{
			Timezone:          "Europe/Helsinki",
			FetchTimeout:      Duration{2 * time.Second},
			SearchHorizonDays: 730,
			StaleAfter:        Duration{36 * time.Hour},
		},
		Scheduler: SchedulerConfig{HierarchyRefreshInterval: Duration{10 * time.Minute}},
		Log:       LogConfig{Level: "info"},
		Metrics:   MetricsConfig{Enabled: true, Path: "/metrics"},
	}
}

// Load reads path over the defaults. An empty path returns the defaults.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, cfg.Validate()
	}

	md, err := toml.DecodeFile(path, &cfg)
	if err != nil {
		return Config{}, fmt.Errorf("failed to read config %s: %w", path, err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, len(undecoded))
		for i, k := range undecoded {
			keys[i] = k.String()
		}
		return Config{}, fmt.Errorf("unknown config keys in %s: %s", path, strings.Join(keys, ", "))
	}
	return cfg, cfg.Validate()
}

// Parse decodes TOML text over the defaults.
func Parse(text string) (Config, error) {
	cfg := Default()
	md, err := toml.Decode(text, &cfg)
	if err != nil {
		return Config{}, fmt.Errorf("failed to parse config: %w", err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		return Config{}, fmt.Errorf("unknown config key %s", undecoded[0].String())
	}
	return cfg, cfg.Validate()
}

func (c Config) Validate() error {
	var errs []error
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port %d out of range", c.Server.Port))
	}
	if c.Database.Path == "" {
		errs = append(errs, errors.New("database.path must be set"))
	}
	if _, err := time.LoadLocation(c.Engine.Timezone); err != nil {
		errs = append(errs, fmt.Errorf("engine.timezone: %w", err))
	}
	if c.Engine.FetchTimeout.Duration <= 0 {
		errs = append(errs, errors.New("engine.fetch_timeout must be positive"))
	}
	if c.Engine.SearchHorizonDays <= 0 {
		errs = append(errs, errors.New("engine.search_horizon_days must be positive"))
	}
	if c.Scheduler.HierarchyRefreshInterval.Duration <= 0 {
		errs = append(errs, errors.New("scheduler.hierarchy_refresh_interval must be positive"))
	}
	if _, err := zap.ParseAtomicLevel(c.Log.Level); err != nil {
		errs = append(errs, fmt.Errorf("log.level: %w", err))
	}
	return errors.Join(errs...)
}

// Location returns the engine's local time zone.
func (c Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.Engine.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// SearchHorizon returns the first-reservable search horizon.
func (c Config) SearchHorizon() time.Duration {
	return time.Duration(c.Engine.SearchHorizonDays) * 24 * time.Hour
}

// NewLogger builds the zap logger described by the log section.
func (l LogConfig) NewLogger() (*zap.Logger, error) {
	level, err := zap.ParseAtomicLevel(l.Level)
	if err != nil {
		return nil, err
	}
	zc := zap.NewProductionConfig()
	if l.Development {
		zc = zap.NewDevelopmentConfig()
	}
	zc.Level = level
	return zc.Build()
}
