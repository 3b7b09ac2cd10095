// Package config loads the service configuration from an optional YAML file
// with SVID_-prefixed environment variable overrides layered on top.
package config

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"

	"github.com/itsaakashpatel/svidserve/internal/credstore"
)

// Defaults for everything not present in the file or the environment.
const (
	DefaultListenAddr        = ":3000"
	DefaultDebounce          = 500 * time.Millisecond
	DefaultLoadTimeout       = 5 * time.Second
	DefaultBootstrapInterval = 5 * time.Second
	DefaultShutdownTimeout   = 30 * time.Second
	DefaultLogLevel          = "info"
)

// EnvPrefix is the prefix of all environment overrides (SVID_CERT_PATH,
// SVID_LISTEN_ADDR, ...).
const EnvPrefix = "SVID"

// Config is the complete service configuration.
type Config struct {
	// ListenAddr is the mTLS listener address.
	ListenAddr string `mapstructure:"listen_addr" validate:"required,hostname_port"`

	// CertPath, KeyPath and BundlePath locate the identity agent's output.
	CertPath   string `mapstructure:"cert_path" validate:"required"`
	KeyPath    string `mapstructure:"key_path" validate:"required"`
	BundlePath string `mapstructure:"bundle_path" validate:"required"`

	// Debounce is the rotation coalescing window.
	Debounce time.Duration `mapstructure:"debounce" validate:"gt=0"`

	// LoadTimeout bounds each credential load.
	LoadTimeout time.Duration `mapstructure:"load_timeout" validate:"gt=0"`

	// BootstrapInterval is the retry delay while waiting for the agent to
	// produce the first valid credential set.
	BootstrapInterval time.Duration `mapstructure:"bootstrap_interval" validate:"gt=0"`

	// ShutdownTimeout is the force timeout for teardown.
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" validate:"gt=0"`

	// LogLevel is one of debug, info, warn, error.
	LogLevel string `mapstructure:"log_level" validate:"oneof=debug info warn error"`
}

// Paths returns the credential paths in the loader's shape.
func (c *Config) Paths() credstore.Paths {
	return credstore.Paths{Cert: c.CertPath, Key: c.KeyPath, Bundle: c.BundlePath}
}

// SlogLevel maps the configured level name onto slog.
func (c *Config) SlogLevel() slog.Level {
	switch c.LogLevel {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Load reads configuration from the optional YAML file at path (empty means
// no file), applies environment overrides and validates the result.
func Load(path string) (*Config, error) {
	v := viper.New()

	v.SetDefault("listen_addr", DefaultListenAddr)
	v.SetDefault("cert_path", credstore.DefaultCertPath)
	v.SetDefault("key_path", credstore.DefaultKeyPath)
	v.SetDefault("bundle_path", credstore.DefaultBundlePath)
	v.SetDefault("debounce", DefaultDebounce)
	v.SetDefault("load_timeout", DefaultLoadTimeout)
	v.SetDefault("bootstrap_interval", DefaultBootstrapInterval)
	v.SetDefault("shutdown_timeout", DefaultShutdownTimeout)
	v.SetDefault("log_level", DefaultLogLevel)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("reading config file %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	if err := validator.New().Struct(&cfg); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}
	return &cfg, nil
}
