// Package daemon holds wwcd's configuration and wires the ledger server
// and the client sync engine from it.
package daemon

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/wwc-network/wwc/internal/app/ledger"
	"github.com/wwc-network/wwc/internal/client/creditsync"
	"github.com/wwc-network/wwc/internal/client/lifecycle"
	"github.com/wwc-network/wwc/internal/infra/ratelimit"
)

// Config is the full config.toml.
type Config struct {
	API    APIConfig     `toml:"api"`
	Store  StoreConfig   `toml:"store"`
	Limits LimitsConfig  `toml:"limits"`
	Ledger ledger.Config `toml:"ledger"`
	Sync   SyncConfig    `toml:"sync"`
}

// APIConfig configures the HTTP listener.
type APIConfig struct {
	Host           string `toml:"host"`
	Port           int    `toml:"port"`
	RequestTimeout string `toml:"request_timeout"`
	Metrics        bool   `toml:"metrics"`
}

// Addr returns host:port.
func (c APIConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// SetListen parses a host:port address. An empty host keeps the current one.
func (c *APIConfig) SetListen(addr string) error {
	host, port, ok := strings.Cut(addr, ":")
	if !ok {
		return fmt.Errorf("listen address %q: want host:port", addr)
	}
	n, err := strconv.Atoi(port)
	if err != nil {
		return fmt.Errorf("listen address %q: %w", addr, err)
	}
	if host != "" {
		c.Host = host
	}
	c.Port = n
	return nil
}

// Timeout returns the per-request timeout (default 15s).
func (c APIConfig) Timeout() time.Duration {
	return parseDuration(c.RequestTimeout, 15*time.Second)
}

// StoreConfig selects the ledger backend.
type StoreConfig struct {
	Driver   string `toml:"driver"`   // sqlite | postgres | mongo | memory
	Dir      string `toml:"dir"`      // sqlite data directory
	DSN      string `toml:"dsn"`      // postgres DSN or mongo URI
	Database string `toml:"database"` // mongo database name
}

// LimitsConfig is requests per Window for each operation family.
// Zero disables the family's limit.
type LimitsConfig struct {
	Read   int    `toml:"read"`
	Swipe  int    `toml:"swipe"`
	Sync   int    `toml:"sync"`
	Spend  int    `toml:"spend"`
	Unlock int    `toml:"unlock"`
	Window string `toml:"window"`
}

// Rules converts the limits into rate limiter rules.
func (c LimitsConfig) Rules() map[string]ratelimit.Rule {
	w := parseDuration(c.Window, time.Minute)
	return map[string]ratelimit.Rule{
		ratelimit.FamilyRead:   {Limit: c.Read, Window: w},
		ratelimit.FamilySwipe:  {Limit: c.Swipe, Window: w},
		ratelimit.FamilySync:   {Limit: c.Sync, Window: w},
		ratelimit.FamilySpend:  {Limit: c.Spend, Window: w},
		ratelimit.FamilyUnlock: {Limit: c.Unlock, Window: w},
	}
}

// SyncConfig configures the client side.
type SyncConfig struct {
	ServerURL     string `toml:"server_url"`
	PollInterval  string `toml:"poll_interval"`
	FlushInterval string `toml:"flush_interval"`
	HideTimeout   string `toml:"hide_timeout"`
	MaxBatch      int64  `toml:"max_batch"`
	Idempotent    bool   `toml:"idempotent"`
	StateFile     string `toml:"state_file"` // fallback balance file
}

// Engine returns the sync engine config.
func (c SyncConfig) Engine() creditsync.Config {
	def := creditsync.DefaultConfig()
	cfg := creditsync.Config{
		PollInterval: parseDuration(c.PollInterval, def.PollInterval),
		MaxBatch:     c.MaxBatch,
		Idempotent:   c.Idempotent,
	}
	if cfg.MaxBatch <= 0 {
		cfg.MaxBatch = def.MaxBatch
	}
	return cfg
}

// Trigger returns the lifecycle trigger config.
func (c SyncConfig) Trigger() lifecycle.Config {
	def := lifecycle.DefaultConfig()
	return lifecycle.Config{
		FlushInterval: parseDuration(c.FlushInterval, def.FlushInterval),
		HideTimeout:   parseDuration(c.HideTimeout, def.HideTimeout),
	}
}

// DefaultConfig returns the built-in configuration.
func DefaultConfig() Config {
	home := Home()
	rules := ratelimit.DefaultRules()
	return Config{
		API: APIConfig{
			Host:           "127.0.0.1",
			Port:           8787,
			RequestTimeout: "15s",
			Metrics:        true,
		},
		Store: StoreConfig{
			Driver:   "sqlite",
			Dir:      home,
			Database: "wwc",
		},
		Limits: LimitsConfig{
			Read:   rules[ratelimit.FamilyRead].Limit,
			Swipe:  rules[ratelimit.FamilySwipe].Limit,
			Sync:   rules[ratelimit.FamilySync].Limit,
			Spend:  rules[ratelimit.FamilySpend].Limit,
			Unlock: rules[ratelimit.FamilyUnlock].Limit,
			Window: "1m",
		},
		Ledger: ledger.DefaultConfig(),
		Sync: SyncConfig{
			ServerURL:     "http://127.0.0.1:8787",
			PollInterval:  "5s",
			FlushInterval: "10s",
			HideTimeout:   "2s",
			MaxBatch:      100,
			Idempotent:    true,
			StateFile:     filepath.Join(home, "client.toml"),
		},
	}
}

// Home returns the wwc data directory: $WWC_HOME, else ~/.wwc.
func Home() string {
	if h := os.Getenv("WWC_HOME"); h != "" {
		return h
	}
	dir, err := os.UserHomeDir()
	if err != nil {
		return ".wwc"
	}
	return filepath.Join(dir, ".wwc")
}

// ConfigPath returns the default config file location.
func ConfigPath() string {
	return filepath.Join(Home(), "config.toml")
}

// Load reads path over the defaults. A missing file yields the defaults.
// Environment overrides are applied last.
func Load(path string) (Config, error) {
	cfg := DefaultConfig()
	if path == "" {
		path = ConfigPath()
	}
	if _, err := toml.DecodeFile(path, &cfg); err != nil && !errors.Is(err, os.ErrNotExist) {
		return cfg, fmt.Errorf("load config %s: %w", path, err)
	}
	if err := cfg.applyEnv(); err != nil {
		return cfg, err
	}
	return cfg, cfg.Validate()
}

func (c *Config) applyEnv() error {
	if v := os.Getenv("WWC_STORE"); v != "" {
		c.Store.Driver = v
	}
	if v := os.Getenv("WWC_DSN"); v != "" {
		c.Store.DSN = v
	}
	if v := os.Getenv("WWC_SERVER"); v != "" {
		c.Sync.ServerURL = v
	}
	if v := os.Getenv("WWC_LISTEN"); v != "" {
		if err := c.API.SetListen(v); err != nil {
			return fmt.Errorf("WWC_LISTEN: %w", err)
		}
	}
	return nil
}

// Validate rejects configurations the server cannot run with.
func (c Config) Validate() error {
	switch c.Store.Driver {
	case "sqlite", "memory":
	case "postgres", "mongo":
		if c.Store.DSN == "" {
			return fmt.Errorf("store driver %s requires a dsn", c.Store.Driver)
		}
	default:
		return fmt.Errorf("unknown store driver %q", c.Store.Driver)
	}
	if c.API.Port <= 0 || c.API.Port > 65535 {
		return fmt.Errorf("api port %d out of range", c.API.Port)
	}
	if c.Ledger.SwipeCap <= 0 || c.Ledger.SyncCap <= 0 {
		return errors.New("ledger caps must be positive")
	}
	return nil
}

// parseDuration parses s, falling back to def when s is empty or invalid.
func parseDuration(s string, def time.Duration) time.Duration {
	if s == "" {
		return def
	}
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return def
	}
	return d
}
