// Package config loads devbridge settings from .devbridge.kdl, an optional
// .env file and DEVBRIDGE_* environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	kdl "github.com/sblinch/kdl-go"

	"github.com/standardbeagle/devbridge/internal/bridge"
	"github.com/standardbeagle/devbridge/internal/cdp"
	"github.com/standardbeagle/devbridge/internal/dispatch"
	"github.com/standardbeagle/devbridge/internal/hub"
	"github.com/standardbeagle/devbridge/internal/relay"
)

// ConfigFileName is the name of the devbridge configuration file.
const ConfigFileName = ".devbridge.kdl"

// EnvFileName is read from the config file's directory, if present.
const EnvFileName = ".env"

// Environment overrides.
const (
	EnvBrowser   = "DEVBRIDGE_BROWSER"
	EnvHubListen = "DEVBRIDGE_HUB_LISTEN"
	EnvDebug     = "DEVBRIDGE_DEBUG"
)

// Config represents the devbridge configuration.
type Config struct {
	Browser  *BrowserConfig  `kdl:"browser"`
	Dispatch *DispatchConfig `kdl:"dispatch"`
	Inject   *InjectConfig   `kdl:"inject"`
	Relay    *RelayConfig    `kdl:"relay"`

	// Debug is set from DEVBRIDGE_DEBUG or --debug, never from the file.
	Debug bool `kdl:"-"`
	// Path is the file the config was loaded from, empty for defaults.
	Path string `kdl:"-"`
}

// BrowserConfig locates the browser's debugging endpoint.
type BrowserConfig struct {
	Endpoint string `kdl:"endpoint"`
	// Schemes lists extra URL schemes that may host a handler.
	Schemes []string `kdl:"schemes"`
}

// DispatchConfig holds the delivery constants. Durations are milliseconds.
type DispatchConfig struct {
	ProbeTimeout    int `kdl:"probe-timeout"`
	MaxRetries      int `kdl:"max-retries"`
	BaseDelay       int `kdl:"base-delay"`
	AttemptTimeout  int `kdl:"attempt-timeout"`
	SettleDelay     int `kdl:"settle-delay"`
	StrategyTimeout int `kdl:"strategy-timeout"`
	Concurrency     int `kdl:"concurrency"`
}

// InjectConfig controls handler installation.
type InjectConfig struct {
	Strategies []string `kdl:"strategies"`
	// BundleURL overrides where the script-tag strategy loads from. Empty
	// means the hub's own bundle endpoint.
	BundleURL string `kdl:"bundle-url"`
	Theme     string `kdl:"theme"`
}

// RelayConfig controls the hub and the correlation relay.
type RelayConfig struct {
	Enabled bool   `kdl:"enabled"`
	Listen  string `kdl:"listen"`
	Timeout int    `kdl:"timeout"`
	Source  string `kdl:"source"`
	// Isolated lists URL substrings of targets reached through the relay.
	Isolated []string `kdl:"isolated"`
}

// DefaultConfig returns a config with the canonical defaults.
func DefaultConfig() *Config {
	return &Config{
		Browser: &BrowserConfig{
			Endpoint: cdp.DefaultEndpoint,
		},
		Dispatch: &DispatchConfig{
			ProbeTimeout:    int(dispatch.DefaultProbeTimeout / time.Millisecond),
			MaxRetries:      dispatch.DefaultMaxRetries,
			BaseDelay:       int(dispatch.DefaultBaseDelay / time.Millisecond),
			AttemptTimeout:  int(dispatch.DefaultAttemptTimeout / time.Millisecond),
			SettleDelay:     int(dispatch.DefaultSettleDelay / time.Millisecond),
			StrategyTimeout: int(dispatch.DefaultStrategyTimeout / time.Millisecond),
			Concurrency:     dispatch.DefaultConcurrency,
		},
		Inject: &InjectConfig{
			Strategies: append([]string(nil), cdp.DefaultStrategies...),
			Theme:      "system",
		},
		Relay: &RelayConfig{
			Enabled: true,
			Listen:  hub.DefaultListen,
			Timeout: int(relay.DefaultTimeout / time.Millisecond),
			Source:  relay.SourceController,
		},
	}
}

// Load finds and loads the configuration for dir, then applies the .env
// file and environment overrides.
func Load(dir string) (*Config, error) {
	path := FindConfigFile(dir)
	if path == "" {
		cfg := DefaultConfig()
		if err := cfg.applyEnv(filepath.Join(dir, EnvFileName)); err != nil {
			return nil, err
		}
		return cfg, cfg.Validate()
	}
	return LoadFile(path)
}

// FindConfigFile searches for .devbridge.kdl starting from dir and walking up.
func FindConfigFile(dir string) string {
	absDir, err := filepath.Abs(dir)
	if err != nil {
		return ""
	}

	for {
		configPath := filepath.Join(absDir, ConfigFileName)
		if _, err := os.Stat(configPath); err == nil {
			return configPath
		}

		parent := filepath.Dir(absDir)
		if parent == absDir {
			break
		}
		absDir = parent
	}
	return ""
}

// LoadFile loads configuration from a specific file.
func LoadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	cfg, err := Parse(string(data))
	if err != nil {
		return nil, err
	}
	cfg.Path = path
	if err := cfg.applyEnv(filepath.Join(filepath.Dir(path), EnvFileName)); err != nil {
		return nil, err
	}
	return cfg, cfg.Validate()
}

// Parse parses KDL configuration data on top of the defaults.
func Parse(data string) (*Config, error) {
	cfg := DefaultConfig()
	if err := kdl.Unmarshal([]byte(data), cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	cfg.fillNil()
	return cfg, nil
}

// fillNil restores sections an empty KDL node may have cleared.
func (c *Config) fillNil() {
	def := DefaultConfig()
	if c.Browser == nil {
		c.Browser = def.Browser
	}
	if c.Dispatch == nil {
		c.Dispatch = def.Dispatch
	}
	if c.Inject == nil {
		c.Inject = def.Inject
	}
	if c.Relay == nil {
		c.Relay = def.Relay
	}
}

// applyEnv applies variables from envFile (if it exists) and then from the
// process environment, which wins.
func (c *Config) applyEnv(envFile string) error {
	vars := map[string]string{}
	if _, err := os.Stat(envFile); err == nil {
		fileVars, err := godotenv.Read(envFile)
		if err != nil {
			return fmt.Errorf("failed to read %s: %w", envFile, err)
		}
		vars = fileVars
	}
	for _, key := range []string{EnvBrowser, EnvHubListen, EnvDebug} {
		if v, ok := os.LookupEnv(key); ok {
			vars[key] = v
		}
	}
	c.ApplyOverrides(vars)
	return nil
}

// ApplyOverrides applies DEVBRIDGE_* values from vars.
func (c *Config) ApplyOverrides(vars map[string]string) {
	if v := strings.TrimSpace(vars[EnvBrowser]); v != "" {
		c.Browser.Endpoint = v
	}
	if v := strings.TrimSpace(vars[EnvHubListen]); v != "" {
		c.Relay.Listen = v
		c.Relay.Enabled = true
	}
	switch strings.ToLower(strings.TrimSpace(vars[EnvDebug])) {
	case "1", "true", "yes", "on":
		c.Debug = true
	}
}

// Validate reports every invalid setting at once.
func (c *Config) Validate() error {
	var errs []error
	if c.Browser.Endpoint == "" {
		errs = append(errs, errors.New("browser.endpoint is empty"))
	}
	d := c.Dispatch
	for name, v := range map[string]int{
		"probe-timeout":    d.ProbeTimeout,
		"base-delay":       d.BaseDelay,
		"attempt-timeout":  d.AttemptTimeout,
		"settle-delay":     d.SettleDelay,
		"strategy-timeout": d.StrategyTimeout,
		"max-retries":      d.MaxRetries,
	} {
		if v < 0 {
			errs = append(errs, fmt.Errorf("dispatch.%s must not be negative (got %d)", name, v))
		}
	}
	if d.Concurrency < 1 {
		errs = append(errs, fmt.Errorf("dispatch.concurrency must be at least 1 (got %d)", d.Concurrency))
	}
	for _, s := range c.Inject.Strategies {
		switch s {
		case cdp.StrategyEvaluate, cdp.StrategyScriptTag, cdp.StrategyNewDocument:
		default:
			errs = append(errs, fmt.Errorf("inject.strategies: unknown strategy %q", s))
		}
	}
	if c.Inject.Theme != "" && !bridge.ValidTheme(c.Inject.Theme) {
		errs = append(errs, fmt.Errorf("inject.theme: unknown theme %q (want one of %s)", c.Inject.Theme, strings.Join(bridge.Themes, ", ")))
	}
	if c.Relay.Enabled && c.Relay.Listen == "" {
		errs = append(errs, errors.New("relay.listen is empty"))
	}
	if c.Relay.Timeout < 0 {
		errs = append(errs, fmt.Errorf("relay.timeout must not be negative (got %d)", c.Relay.Timeout))
	}
	return errors.Join(errs...)
}

func ms(v int) time.Duration { return time.Duration(v) * time.Millisecond }

// DispatchSettings converts the dispatch section into dispatch.Config.
func (c *Config) DispatchSettings() dispatch.Config {
	d := c.Dispatch
	return dispatch.Config{
		ProbeTimeout:    ms(d.ProbeTimeout),
		SettleDelay:     ms(d.SettleDelay),
		StrategyTimeout: ms(d.StrategyTimeout),
		Retry: dispatch.RetryConfig{
			MaxRetries:     d.MaxRetries,
			BaseDelay:      ms(d.BaseDelay),
			AttemptTimeout: ms(d.AttemptTimeout),
		},
		Concurrency: d.Concurrency,
	}
}

// RelayTimeout returns the per-correlation deadline.
func (c *Config) RelayTimeout() time.Duration { return ms(c.Relay.Timeout) }
