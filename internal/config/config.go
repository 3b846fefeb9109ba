package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// Store drivers.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// Config represents the global ~/.convsync/config.toml.
type Config struct {
	DefaultWorkspace string       `toml:"default_workspace"`
	ViewerID         string       `toml:"viewer_id"`
	Store            StoreConfig  `toml:"store"`
	Daemon           DaemonConfig `toml:"daemon"`
	Cache            CacheConfig  `toml:"cache"`
	Sync             SyncConfig   `toml:"sync"`
}

// StoreConfig selects the table store backend. An empty DSN with the sqlite
// driver means the workspace database file.
type StoreConfig struct {
	Driver string `toml:"driver"`
	DSN    string `toml:"dsn,omitempty"`
}

type DaemonConfig struct {
	MetricsAddr string `toml:"metrics_addr"`
}

// CacheConfig enables the Redis profile cache when RedisURL is set.
type CacheConfig struct {
	RedisURL string   `toml:"redis_url,omitempty"`
	TTL      Duration `toml:"ttl"`
}

type SyncConfig struct {
	EchoWindow Duration `toml:"echo_window"`
}

// Duration is a time.Duration written as "2m" in TOML.
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

// Default returns the configuration used when nothing is set.
func Default() *Config {
	return &Config{
		Store:  StoreConfig{Driver: DriverSQLite},
		Daemon: DaemonConfig{MetricsAddr: "127.0.0.1:9464"},
		Cache:  CacheConfig{TTL: Duration{10 * time.Minute}},
		Sync:   SyncConfig{EchoWindow: Duration{2 * time.Minute}},
	}
}

// Load reads config from the given path on top of the defaults. Returns
// an error if the file is missing.
func Load(path string) (*Config, error) {
	cfg := Default()
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Resolve loads path when it exists and applies the CONVSYNC_* environment,
// with envFile (usually ".env") filling variables the process lacks.
func Resolve(path, envFile string) (*Config, error) {
	cfg, err := Load(path)
	if errors.Is(err, fs.ErrNotExist) {
		cfg, err = Default(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("load config %s: %w", path, err)
	}

	fileEnv := map[string]string{}
	if envFile != "" {
		fileEnv, err = godotenv.Read(envFile)
		if errors.Is(err, fs.ErrNotExist) {
			fileEnv, err = map[string]string{}, nil
		}
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", envFile, err)
		}
	}
	lookup := func(key string) (string, bool) {
		if v, ok := os.LookupEnv(key); ok {
			return v, true
		}
		v, ok := fileEnv[key]
		return v, ok
	}
	if err := cfg.Overlay(lookup); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Overlay applies environment overrides read through lookup.
func (c *Config) Overlay(lookup func(string) (string, bool)) error {
	strs := []struct {
		key string
		dst *string
	}{
		{"CONVSYNC_WORKSPACE", &c.DefaultWorkspace},
		{"CONVSYNC_VIEWER", &c.ViewerID},
		{"CONVSYNC_STORE_DRIVER", &c.Store.Driver},
		{"CONVSYNC_STORE_DSN", &c.Store.DSN},
		{"CONVSYNC_METRICS_ADDR", &c.Daemon.MetricsAddr},
		{"CONVSYNC_REDIS_URL", &c.Cache.RedisURL},
	}
	for _, s := range strs {
		if v, ok := lookup(s.key); ok {
			*s.dst = v
		}
	}

	durs := []struct {
		key string
		dst *Duration
	}{
		{"CONVSYNC_CACHE_TTL", &c.Cache.TTL},
		{"CONVSYNC_ECHO_WINDOW", &c.Sync.EchoWindow},
	}
	for _, d := range durs {
		v, ok := lookup(d.key)
		if !ok {
			continue
		}
		if err := d.dst.UnmarshalText([]byte(v)); err != nil {
			return fmt.Errorf("%s: %w", d.key, err)
		}
	}
	return c.Validate()
}

// Validate checks the store driver.
func (c *Config) Validate() error {
	switch c.Store.Driver {
	case DriverSQLite:
		return nil
	case DriverPostgres:
		if c.Store.DSN == "" {
			return errors.New("store: postgres driver requires a dsn")
		}
		return nil
	}
	return fmt.Errorf("store: unknown driver %q", c.Store.Driver)
}

// Save writes config to the given path, creating parent dirs as needed.
func Save(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return err
	}
	encErr := toml.NewEncoder(f).Encode(cfg)
	if closeErr := f.Close(); closeErr != nil && encErr == nil {
		return closeErr
	}
	return encErr
}
