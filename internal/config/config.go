// Package config loads build settings from weblink.json and WEBLINK_*
// environment variables.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap/zapcore"

	"github.com/wippyai/weblink/errors"
	"github.com/wippyai/weblink/weblink"
)

// FileName is the project configuration file looked up in the project
// directory.
const FileName = "weblink.json"

// DefaultCacheMaxAge is how long cached results are kept.
const DefaultCacheMaxAge = 30 * 24 * time.Hour

// Config holds the settings of a build. Fields left empty in the file and
// environment keep their defaults.
type Config struct {
	Entry          string   `json:"entry,omitempty"`
	Mode           string   `json:"mode,omitempty"`
	Template       string   `json:"template,omitempty"` // path to a glue skeleton
	HostImports    []string `json:"host_imports,omitempty"`
	RuntimeVersion string   `json:"runtime_version,omitempty"`
	OutDir         string   `json:"out_dir,omitempty"`
	LogLevel       string   `json:"log_level,omitempty"`
	CachePath      string   `json:"cache_path,omitempty"`
	CacheMaxAge    string   `json:"cache_max_age,omitempty"` // Go duration, "0" keeps entries forever
	NoCache        bool     `json:"no_cache,omitempty"`
	Verify         bool     `json:"verify,omitempty"`
	OtelEndpoint   string   `json:"otel_endpoint,omitempty"`

	dir string
}

// DefaultConfig returns the built-in defaults.
func DefaultConfig() *Config {
	cache := ""
	if dir, err := os.UserCacheDir(); err == nil {
		cache = filepath.Join(dir, "weblink", "cache.db")
	}
	return &Config{
		Mode:           weblink.ModeNative.String(),
		RuntimeVersion: weblink.DefaultRuntimeVersion,
		OutDir:         ".",
		LogLevel:       "warn",
		CachePath:      cache,
		CacheMaxAge:    DefaultCacheMaxAge.String(),
	}
}

// Load reads dir/weblink.json when present, applies WEBLINK_* overrides
// and validates the result.
func Load(dir string) (*Config, error) {
	cfg := DefaultConfig()
	cfg.dir = dir

	path := filepath.Join(dir, FileName)
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, errors.Wrap(errors.PhaseConfig, errors.KindInvalidInput, err, "failed to parse "+path)
		}
	case !os.IsNotExist(err):
		return nil, errors.Wrap(errors.PhaseConfig, errors.KindIO, err, "failed to read "+path)
	}

	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	c.Entry = getEnv("WEBLINK_ENTRY", c.Entry)
	c.Mode = getEnv("WEBLINK_MODE", c.Mode)
	c.Template = getEnv("WEBLINK_TEMPLATE", c.Template)
	c.RuntimeVersion = getEnv("WEBLINK_RUNTIME_VERSION", c.RuntimeVersion)
	c.OutDir = getEnv("WEBLINK_OUT_DIR", c.OutDir)
	c.LogLevel = getEnv("WEBLINK_LOG_LEVEL", c.LogLevel)
	c.CachePath = getEnv("WEBLINK_CACHE_PATH", c.CachePath)
	c.CacheMaxAge = getEnv("WEBLINK_CACHE_MAX_AGE", c.CacheMaxAge)
	c.OtelEndpoint = getEnv("WEBLINK_OTEL_ENDPOINT", c.OtelEndpoint)

	if v := os.Getenv("WEBLINK_HOST_IMPORTS"); v != "" {
		c.HostImports = nil
		for _, h := range strings.Split(v, ",") {
			if h = strings.TrimSpace(h); h != "" {
				c.HostImports = append(c.HostImports, h)
			}
		}
	}
	switch strings.ToLower(os.Getenv("WEBLINK_NO_CACHE")) {
	case "1", "true", "yes":
		c.NoCache = true
	}
	switch strings.ToLower(os.Getenv("WEBLINK_VERIFY")) {
	case "1", "true", "yes":
		c.Verify = true
	}
}

// Validate checks the settings and fills an empty runtime version.
func (c *Config) Validate() error {
	if _, err := weblink.ParseMode(c.Mode); err != nil {
		return errors.InPhase(errors.PhaseConfig, err)
	}
	if c.RuntimeVersion == "" {
		c.RuntimeVersion = weblink.DefaultRuntimeVersion
	}
	if err := weblink.CheckRuntimeVersion(c.RuntimeVersion); err != nil {
		return errors.InPhase(errors.PhaseConfig, err)
	}
	for _, h := range c.HostImports {
		if m, f, ok := strings.Cut(h, "."); !ok || m == "" || f == "" {
			return errors.InvalidInput(errors.PhaseConfig, fmt.Sprintf("host import %q is not of the form module.field", h))
		}
	}
	if _, err := zapcore.ParseLevel(c.LogLevel); err != nil {
		return errors.Wrap(errors.PhaseConfig, errors.KindInvalidInput, err, "log level")
	}
	if c.CacheMaxAge == "" {
		c.CacheMaxAge = DefaultCacheMaxAge.String()
	}
	if d, err := time.ParseDuration(c.CacheMaxAge); err != nil {
		return errors.Wrap(errors.PhaseConfig, errors.KindInvalidInput, err, "cache max age")
	} else if d < 0 {
		return errors.InvalidInput(errors.PhaseConfig, fmt.Sprintf("cache max age %s is negative", c.CacheMaxAge))
	}
	return nil
}

// MaxAge returns the validated cache retention. Zero disables pruning.
func (c *Config) MaxAge() time.Duration {
	d, _ := time.ParseDuration(c.CacheMaxAge)
	return d
}

// Options converts the configuration into pipeline options. A relative
// template path is resolved against the project directory.
func (c *Config) Options() (weblink.Options, error) {
	mode, err := weblink.ParseMode(c.Mode)
	if err != nil {
		return weblink.Options{}, err
	}
	opts := weblink.Options{
		Entry:          c.Entry,
		Mode:           mode,
		HostImports:    c.HostImports,
		RuntimeVersion: c.RuntimeVersion,
	}
	if c.Template != "" {
		path := c.Template
		if !filepath.IsAbs(path) {
			path = filepath.Join(c.dir, path)
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return weblink.Options{}, errors.Wrap(errors.PhaseConfig, errors.KindIO, err, "failed to read template")
		}
		opts.Template = string(data)
	}
	return opts, nil
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
