// Package config loads shaman-pack settings. Values are layered: built-in
// defaults, then an optional YAML file, then SHAMAN_PACK_* environment
// variables. Command-line flags are applied on top by the CLI.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/yuya-takeyama/shaman-pack/internal/logging"
	"github.com/yuya-takeyama/shaman-pack/pkg/transfer"
)

// EnvPrefix is prepended to every environment variable name.
const EnvPrefix = "SHAMAN_PACK_"

type Config struct {
	// Store is the store URL: http(s):// for a Shaman server, s3:// for an
	// S3 bucket, file://, mem:// or gs:// for a gocloud bucket.
	Store        string            `yaml:"store"`
	CheckoutPath string            `yaml:"checkout_path"`
	Excludes     []string          `yaml:"exclude"`
	Move         bool              `yaml:"move"`
	CacheFile    string            `yaml:"cache_file"`
	Compress     bool              `yaml:"compress"`
	Headers      map[string]string `yaml:"headers"`
	MetricsAddr  string            `yaml:"metrics_addr"`

	Log      LogConfig      `yaml:"log"`
	Transfer TransferConfig `yaml:"transfer"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

type TransferConfig struct {
	MaxRounds        int           `yaml:"max_rounds"`
	MaxDeferred      int           `yaml:"max_deferred"`
	MaxFailed        int           `yaml:"max_failed"`
	ProgressInterval time.Duration `yaml:"progress_interval"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		CacheFile: DefaultCacheFile(),
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Transfer: TransferConfig{
			MaxRounds:        transfer.DefaultMaxNegotiationRounds,
			MaxDeferred:      transfer.DefaultMaxDeferred,
			MaxFailed:        transfer.DefaultMaxFailed,
			ProgressInterval: transfer.DefaultProgressInterval,
		},
	}
}

// DefaultCacheFile is the checksum cache location under the user cache
// directory, or empty when there is none.
func DefaultCacheFile() string {
	dir, err := os.UserCacheDir()
	if err != nil {
		return ""
	}
	return filepath.Join(dir, "shaman-pack", "checksums.json")
}

// Load returns the defaults overlaid with the YAML file at path (skipped
// when path is empty) and the environment.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		if err := cfg.LoadFile(path); err != nil {
			return Config{}, err
		}
	}
	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// LoadFile overlays the YAML file at path. Keys missing from the file keep
// their current value.
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

// ApplyEnv overlays SHAMAN_PACK_* variables found by lookup.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	var errs []error
	str := func(name string, dst *string) {
		if v, ok := lookup(EnvPrefix + name); ok && v != "" {
			*dst = v
		}
	}
	boolean := func(name string, dst *bool) {
		if v, ok := lookup(EnvPrefix + name); ok && v != "" {
			b, err := strconv.ParseBool(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s%s: %w", EnvPrefix, name, err))
				return
			}
			*dst = b
		}
	}
	integer := func(name string, dst *int) {
		if v, ok := lookup(EnvPrefix + name); ok && v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s%s: %w", EnvPrefix, name, err))
				return
			}
			*dst = n
		}
	}

	str("STORE", &c.Store)
	str("CHECKOUT_PATH", &c.CheckoutPath)
	str("CACHE_FILE", &c.CacheFile)
	str("METRICS_ADDR", &c.MetricsAddr)
	str("LOG_LEVEL", &c.Log.Level)
	str("LOG_FORMAT", &c.Log.Format)
	boolean("MOVE", &c.Move)
	boolean("COMPRESS", &c.Compress)
	integer("MAX_ROUNDS", &c.Transfer.MaxRounds)
	integer("MAX_DEFERRED", &c.Transfer.MaxDeferred)
	integer("MAX_FAILED", &c.Transfer.MaxFailed)

	if v, ok := lookup(EnvPrefix + "EXCLUDE"); ok && v != "" {
		c.Excludes = nil
		for _, p := range strings.Split(v, ",") {
			if p = strings.TrimSpace(p); p != "" {
				c.Excludes = append(c.Excludes, p)
			}
		}
	}
	if v, ok := lookup(EnvPrefix + "PROGRESS_INTERVAL"); ok && v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("%sPROGRESS_INTERVAL: %w", EnvPrefix, err))
		} else {
			c.Transfer.ProgressInterval = d
		}
	}

	return errors.Join(errs...)
}

// Validate checks the settings that have no usable default.
func (c *Config) Validate() error {
	if c.Store == "" {
		return errors.New("no store configured: set --store or " + EnvPrefix + "STORE")
	}
	switch strings.ToLower(c.Log.Format) {
	case "text", "json":
	default:
		return fmt.Errorf("invalid log format %q: must be text or json", c.Log.Format)
	}
	if c.Transfer.ProgressInterval < 0 {
		return fmt.Errorf("invalid progress interval %s", c.Transfer.ProgressInterval)
	}
	return nil
}

// Options returns the transfer policy.
func (c *Config) Options() transfer.Options {
	return transfer.Options{
		MaxNegotiationRounds: c.Transfer.MaxRounds,
		MaxDeferred:          c.Transfer.MaxDeferred,
		MaxFailed:            c.Transfer.MaxFailed,
		ProgressInterval:     c.Transfer.ProgressInterval,
	}
}

// Logging returns the logging setup.
func (c *Config) Logging() logging.Config {
	return logging.Config{Format: c.Log.Format, Level: c.Log.Level}
}
