package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all configuration for the anivault service.
type Config struct {
	// Server configuration
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
	Addr string `yaml:"-"` // computed from Host:Port

	// File system
	MediaDir    string `yaml:"media_dir"` // user-provided
	AbsMediaDir string `yaml:"-"`         // resolved/absolute path
	DBPath      string `yaml:"db_path"`
	AbsDBPath   string `yaml:"-"`

	// Transfer behavior
	ParallelDownloadLimit int           `yaml:"parallel_download_limit"`
	ChunkSize             int           `yaml:"chunk_size"`              // bytes per read
	SpeedWindow           int           `yaml:"speed_window"`            // samples in the speed ring
	SpeedInterval         time.Duration `yaml:"speed_interval"`          // sampling interval
	ReadTimeout           time.Duration `yaml:"read_timeout"`            // per network read
	BackoffCap            time.Duration `yaml:"backoff_cap"`             // retry wait ceiling
	MetadataReleaseBytes  int64         `yaml:"metadata_release_bytes"`  // remaining bytes under which the metadata gate opens
	BandwidthLimit        int64         `yaml:"bandwidth_limit"`         // bytes/sec, 0 = unlimited

	// Provider
	ProviderBaseURL string        `yaml:"provider_base_url"`
	SandboxTimeout  time.Duration `yaml:"sandbox_timeout"`
	PageTokenTTL    time.Duration `yaml:"page_token_ttl"`
	TokenCacheSize  int           `yaml:"token_cache_size"`

	// Logging
	LogLevel string `yaml:"log_level"` // debug|info|warn|error

	// Computed
	Version   string    `yaml:"-"`
	StartTime time.Time `yaml:"-"`
}

// New creates a Config with default values.
func New() *Config {
	return &Config{
		Host:                  "0.0.0.0",
		Port:                  8080,
		ParallelDownloadLimit: 2,
		ChunkSize:             256 * 1024,
		SpeedWindow:           16,
		SpeedInterval:         500 * time.Millisecond,
		ReadTimeout:           8 * time.Second,
		BackoffCap:            30 * time.Second,
		MetadataReleaseBytes:  10 << 20,
		SandboxTimeout:        time.Second,
		PageTokenTTL:          10 * time.Minute,
		TokenCacheSize:        32,
		LogLevel:              "info",
		StartTime:             time.Now(),
		Version:               "1.0.0",
	}
}

// LoadFile overlays values from a YAML file onto the config. Keys absent
// from the file leave the existing value untouched, so the file only needs
// the settings that differ from the defaults.
func (c *Config) LoadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}
	return nil
}

// UnmarshalYAML decodes the file representation. Durations are written as Go
// duration strings ("500ms", "30s"); pointer fields distinguish an absent
// key from an explicit zero.
func (c *Config) UnmarshalYAML(value *yaml.Node) error {
	var raw struct {
		Host                  *string `yaml:"host"`
		Port                  *int    `yaml:"port"`
		MediaDir              *string `yaml:"media_dir"`
		DBPath                *string `yaml:"db_path"`
		ParallelDownloadLimit *int    `yaml:"parallel_download_limit"`
		ChunkSize             *int    `yaml:"chunk_size"`
		SpeedWindow           *int    `yaml:"speed_window"`
		SpeedInterval         *string `yaml:"speed_interval"`
		ReadTimeout           *string `yaml:"read_timeout"`
		BackoffCap            *string `yaml:"backoff_cap"`
		MetadataReleaseBytes  *int64  `yaml:"metadata_release_bytes"`
		BandwidthLimit        *int64  `yaml:"bandwidth_limit"`
		ProviderBaseURL       *string `yaml:"provider_base_url"`
		SandboxTimeout        *string `yaml:"sandbox_timeout"`
		PageTokenTTL          *string `yaml:"page_token_ttl"`
		TokenCacheSize        *int    `yaml:"token_cache_size"`
		LogLevel              *string `yaml:"log_level"`
	}
	if err := value.Decode(&raw); err != nil {
		return err
	}

	setString(&c.Host, raw.Host)
	setInt(&c.Port, raw.Port)
	setString(&c.MediaDir, raw.MediaDir)
	setString(&c.DBPath, raw.DBPath)
	setInt(&c.ParallelDownloadLimit, raw.ParallelDownloadLimit)
	setInt(&c.ChunkSize, raw.ChunkSize)
	setInt(&c.SpeedWindow, raw.SpeedWindow)
	setInt64(&c.MetadataReleaseBytes, raw.MetadataReleaseBytes)
	setInt64(&c.BandwidthLimit, raw.BandwidthLimit)
	setString(&c.ProviderBaseURL, raw.ProviderBaseURL)
	setInt(&c.TokenCacheSize, raw.TokenCacheSize)
	setString(&c.LogLevel, raw.LogLevel)

	for _, d := range []struct {
		dst *time.Duration
		src *string
		key string
	}{
		{&c.SpeedInterval, raw.SpeedInterval, "speed_interval"},
		{&c.ReadTimeout, raw.ReadTimeout, "read_timeout"},
		{&c.BackoffCap, raw.BackoffCap, "backoff_cap"},
		{&c.SandboxTimeout, raw.SandboxTimeout, "sandbox_timeout"},
		{&c.PageTokenTTL, raw.PageTokenTTL, "page_token_ttl"},
	} {
		if d.src == nil {
			continue
		}
		parsed, err := time.ParseDuration(*d.src)
		if err != nil {
			return fmt.Errorf("%s: %w", d.key, err)
		}
		*d.dst = parsed
	}
	return nil
}

func setString(dst *string, src *string) {
	if src != nil {
		*dst = *src
	}
}

func setInt(dst *int, src *int) {
	if src != nil {
		*dst = *src
	}
}

func setInt64(dst *int64, src *int64) {
	if src != nil {
		*dst = *src
	}
}

// Validate checks that all required configuration is present and valid and
// fills computed fields.
func (c *Config) Validate() error {
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("invalid port: %d (must be 1-65535)", c.Port)
	}

	if c.ParallelDownloadLimit < 1 {
		c.ParallelDownloadLimit = 1
	}
	if c.ChunkSize < 4096 {
		c.ChunkSize = 4096
	}
	if c.SpeedWindow < 2 {
		c.SpeedWindow = 2
	}
	if c.SpeedInterval <= 0 {
		c.SpeedInterval = 500 * time.Millisecond
	}
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = 8 * time.Second
	}
	if c.BackoffCap <= 0 {
		c.BackoffCap = 30 * time.Second
	}
	if c.MetadataReleaseBytes <= 0 {
		c.MetadataReleaseBytes = 10 << 20
	}
	if c.SandboxTimeout <= 0 {
		c.SandboxTimeout = time.Second
	}
	if c.PageTokenTTL <= 0 {
		c.PageTokenTTL = 10 * time.Minute
	}
	if c.TokenCacheSize < 1 {
		c.TokenCacheSize = 32
	}

	validLevels := []string{"debug", "info", "warn", "error"}
	c.LogLevel = strings.ToLower(c.LogLevel)
	valid := false
	for _, level := range validLevels {
		if c.LogLevel == level {
			valid = true
			break
		}
	}
	if !valid {
		return fmt.Errorf("invalid log level: %s (must be debug|info|warn|error)", c.LogLevel)
	}

	c.Addr = c.ComputeAddr()

	return nil
}

// ResolveMediaDir expands the media directory path and resolves it to an
// absolute path. If empty, defaults to $HOME/Videos/anivault.
func (c *Config) ResolveMediaDir() error {
	if c.MediaDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return fmt.Errorf("get home directory: %w", err)
		}
		c.MediaDir = filepath.Join(home, "Videos", "anivault")
	}

	expanded, err := expandHome(c.MediaDir)
	if err != nil {
		return err
	}
	abs, err := filepath.Abs(expanded)
	if err != nil {
		return fmt.Errorf("resolve absolute path for %s: %w", c.MediaDir, err)
	}
	c.AbsMediaDir = abs
	return nil
}

// ResolveDBPath expands the catalog database path. If empty, defaults to the
// cache directory next to the media dir.
func (c *Config) ResolveDBPath() error {
	if c.DBPath == "" {
		if home, err := os.UserHomeDir(); err == nil {
			c.DBPath = filepath.Join(home, ".cache", "anivault", "catalog.db")
		} else {
			c.DBPath = filepath.Join("anivault", "catalog.db")
		}
	}

	expanded, err := expandHome(c.DBPath)
	if err != nil {
		return err
	}
	abs, err := filepath.Abs(expanded)
	if err != nil {
		return fmt.Errorf("resolve absolute path for %s: %w", c.DBPath, err)
	}
	c.AbsDBPath = abs
	return nil
}

func expandHome(p string) (string, error) {
	if p == "~" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("expand home directory: %w", err)
		}
		return home, nil
	}
	if strings.HasPrefix(p, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("expand home directory: %w", err)
		}
		return filepath.Join(home, p[2:]), nil
	}
	return p, nil
}

// ComputeAddr returns the full server address as host:port.
func (c *Config) ComputeAddr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// Summary returns a one-line summary of key configuration for startup logs.
func (c *Config) Summary() map[string]any {
	return map[string]any{
		"addr":      c.Addr,
		"media_dir": c.AbsMediaDir,
		"db_path":   c.AbsDBPath,
		"parallel":  c.ParallelDownloadLimit,
		"log_level": c.LogLevel,
		"version":   c.Version,
	}
}
