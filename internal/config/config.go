// Package config resolves pokefs settings from defaults, an optional HCL
// file, and POKEFS_* environment variables, in that order. CLI flags are
// applied last by the caller.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/hashicorp/hcl/v2/hclsimple"

	"github.com/agentic-research/pokefs/internal/cache"
	"github.com/agentic-research/pokefs/internal/catalog"
)

const EnvPrefix = "POKEFS_"

const (
	BackendNFS  = "nfs"
	BackendFUSE = "fuse"
	BackendNone = "none" // operator API only, nothing mounted
)

var ErrInvalid = errors.New("invalid configuration")

type CatalogConfig struct {
	BaseURL         string        `env:"BASE_URL"`
	Limit           int           `env:"LIMIT"`
	RequestTimeout  time.Duration `env:"REQUEST_TIMEOUT"`
	ResourceTimeout time.Duration `env:"RESOURCE_TIMEOUT"`
	// Requests per second; 0 disables the limiter.
	RateLimit float64 `env:"RATE_LIMIT"`
	UserAgent string  `env:"USER_AGENT"`
	// Fill an empty cache on first lookup instead of serving an empty folder.
	FetchOnEmpty bool `env:"FETCH_ON_EMPTY"`
}

type CacheConfig struct {
	Path      string `env:"PATH"`
	Namespace string `env:"NAMESPACE"`
	// When set, snapshots live in Redis instead of the SQLite file.
	RedisURL string `env:"REDIS_URL"`
	// When set (and RedisURL is not), snapshots live in a double-buffered
	// arena file instead of the SQLite file.
	ArenaPath string `env:"ARENA_PATH"`
}

type HostConfig struct {
	Backend     string `env:"BACKEND"`
	Mountpoint  string `env:"MOUNTPOINT"`
	NFSListen   string `env:"NFS_LISTEN"`
	ControlPath string `env:"CONTROL_PATH"`
}

type OperatorConfig struct {
	Addr string `env:"ADDR"`
}

type Config struct {
	LogLevel string         `env:"LOG_LEVEL"`
	Catalog  CatalogConfig  `envPrefix:"CATALOG_"`
	Cache    CacheConfig    `envPrefix:"CACHE_"`
	Host     HostConfig     `envPrefix:"HOST_"`
	Operator OperatorConfig `envPrefix:"OPERATOR_"`
}

// Dir is the per-user state directory, ~/.pokefs.
func Dir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(os.TempDir(), "pokefs")
	}
	return filepath.Join(home, ".pokefs")
}

// DefaultFile is where Load looks when no file is named.
func DefaultFile() string {
	return filepath.Join(Dir(), "config.hcl")
}

// Default returns the built-in settings.
func Default() *Config {
	dir := Dir()
	return &Config{
		LogLevel: "info",
		Catalog: CatalogConfig{
			BaseURL:         catalog.DefaultBaseURL,
			Limit:           catalog.DefaultLimit,
			RequestTimeout:  catalog.DefaultRequestTimeout,
			ResourceTimeout: catalog.DefaultResourceTimeout,
			UserAgent:       catalog.DefaultUserAgent,
			FetchOnEmpty:    true,
		},
		Cache: CacheConfig{
			Path:      filepath.Join(dir, "shared.db"),
			Namespace: cache.DefaultNamespace,
		},
		Host: HostConfig{
			Backend:     BackendNFS,
			NFSListen:   "127.0.0.1:0",
			ControlPath: filepath.Join(dir, "control"),
		},
		Operator: OperatorConfig{
			Addr: "127.0.0.1:7151",
		},
	}
}

// Load layers path (if non-empty) and environ over the defaults. A nil
// environ reads the process environment.
func Load(path string, environ map[string]string) (*Config, error) {
	cfg := Default()
	if path != "" {
		if err := cfg.applyFile(path); err != nil {
			return nil, err
		}
	}
	opts := env.Options{Prefix: EnvPrefix, Environment: environ}
	if err := env.ParseWithOptions(cfg, opts); err != nil {
		return nil, fmt.Errorf("parse environment: %w", err)
	}
	return cfg, nil
}

// Validate rejects settings no component can run with.
func (c *Config) Validate() error {
	var errs []error
	if c.Catalog.Limit <= 0 {
		errs = append(errs, fmt.Errorf("catalog limit %d must be positive", c.Catalog.Limit))
	}
	if c.Catalog.RequestTimeout <= 0 {
		errs = append(errs, fmt.Errorf("catalog request timeout must be positive"))
	}
	if c.Catalog.ResourceTimeout <= 0 {
		errs = append(errs, fmt.Errorf("catalog resource timeout must be positive"))
	}
	if c.Catalog.RateLimit < 0 {
		errs = append(errs, fmt.Errorf("catalog rate limit must not be negative"))
	}
	if c.Catalog.BaseURL == "" {
		errs = append(errs, fmt.Errorf("catalog base url is required"))
	}
	if c.Cache.Namespace == "" {
		errs = append(errs, fmt.Errorf("cache namespace is required"))
	}
	if c.Cache.RedisURL == "" && c.Cache.ArenaPath == "" && c.Cache.Path == "" {
		errs = append(errs, fmt.Errorf("cache path, arena path or redis url is required"))
	}
	switch c.Host.Backend {
	case BackendNFS, BackendFUSE, BackendNone:
	default:
		errs = append(errs, fmt.Errorf("unknown host backend %q", c.Host.Backend))
	}
	if c.Host.Backend == BackendFUSE && c.Host.Mountpoint == "" {
		errs = append(errs, fmt.Errorf("fuse backend needs a mountpoint"))
	}
	if _, err := parseLevel(c.LogLevel); err != nil {
		errs = append(errs, err)
	}
	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrInvalid, errors.Join(errs...))
	}
	return nil
}

// SlogLevel returns the configured log level, defaulting to info.
func (c *Config) SlogLevel() slog.Level {
	lvl, err := parseLevel(c.LogLevel)
	if err != nil {
		return slog.LevelInfo
	}
	return lvl
}

func parseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("unknown log level %q", s)
	}
}

// fileConfig mirrors Config for HCL. Pointers distinguish "absent" from
// the zero value so a file only overrides what it names.
type fileConfig struct {
	LogLevel *string        `hcl:"log_level,optional"`
	Catalog  *catalogBlock  `hcl:"catalog,block"`
	Cache    *cacheBlock    `hcl:"cache,block"`
	Host     *hostBlock     `hcl:"host,block"`
	Operator *operatorBlock `hcl:"operator,block"`
}

type catalogBlock struct {
	BaseURL         *string  `hcl:"base_url,optional"`
	Limit           *int     `hcl:"limit,optional"`
	RequestTimeout  *string  `hcl:"request_timeout,optional"`
	ResourceTimeout *string  `hcl:"resource_timeout,optional"`
	RateLimit       *float64 `hcl:"rate_limit,optional"`
	UserAgent       *string  `hcl:"user_agent,optional"`
	FetchOnEmpty    *bool    `hcl:"fetch_on_empty,optional"`
}

type cacheBlock struct {
	Path      *string `hcl:"path,optional"`
	Namespace *string `hcl:"namespace,optional"`
	RedisURL  *string `hcl:"redis_url,optional"`
	ArenaPath *string `hcl:"arena_path,optional"`
}

type hostBlock struct {
	Backend     *string `hcl:"backend,optional"`
	Mountpoint  *string `hcl:"mountpoint,optional"`
	NFSListen   *string `hcl:"nfs_listen,optional"`
	ControlPath *string `hcl:"control_path,optional"`
}

type operatorBlock struct {
	Addr *string `hcl:"addr,optional"`
}

func (c *Config) applyFile(path string) error {
	var fc fileConfig
	if err := hclsimple.DecodeFile(path, nil, &fc); err != nil {
		return fmt.Errorf("load config %s: %w", path, err)
	}

	setString(&c.LogLevel, fc.LogLevel)
	if b := fc.Catalog; b != nil {
		setString(&c.Catalog.BaseURL, b.BaseURL)
		if b.Limit != nil {
			c.Catalog.Limit = *b.Limit
		}
		if err := setDuration(&c.Catalog.RequestTimeout, b.RequestTimeout); err != nil {
			return fmt.Errorf("load config %s: catalog.request_timeout: %w", path, err)
		}
		if err := setDuration(&c.Catalog.ResourceTimeout, b.ResourceTimeout); err != nil {
			return fmt.Errorf("load config %s: catalog.resource_timeout: %w", path, err)
		}
		if b.RateLimit != nil {
			c.Catalog.RateLimit = *b.RateLimit
		}
		setString(&c.Catalog.UserAgent, b.UserAgent)
		if b.FetchOnEmpty != nil {
			c.Catalog.FetchOnEmpty = *b.FetchOnEmpty
		}
	}
	if b := fc.Cache; b != nil {
		setString(&c.Cache.Path, b.Path)
		setString(&c.Cache.Namespace, b.Namespace)
		setString(&c.Cache.RedisURL, b.RedisURL)
		setString(&c.Cache.ArenaPath, b.ArenaPath)
	}
	if b := fc.Host; b != nil {
		setString(&c.Host.Backend, b.Backend)
		setString(&c.Host.Mountpoint, b.Mountpoint)
		setString(&c.Host.NFSListen, b.NFSListen)
		setString(&c.Host.ControlPath, b.ControlPath)
	}
	if b := fc.Operator; b != nil {
		setString(&c.Operator.Addr, b.Addr)
	}
	return nil
}

func setString(dst *string, v *string) {
	if v != nil {
		*dst = *v
	}
}

func setDuration(dst *time.Duration, v *string) error {
	if v == nil {
		return nil
	}
	d, err := time.ParseDuration(*v)
	if err != nil {
		return err
	}
	*dst = d
	return nil
}
