package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// New-tab settle policies.
const (
	NewTabAbort  = "abort"
	NewTabAbsorb = "absorb"
)

// Config holds all hackium configuration. Switches are pointers so a later
// layer can turn off what an earlier one turned on; nil means off.
type Config struct {
	// Page instrumentation
	PWD         string   `yaml:"pwd"`
	Inject      []string `yaml:"inject"`
	Interceptor []string `yaml:"interceptor"`
	Watch       *bool    `yaml:"watch,omitempty"`
	Execute     []string `yaml:"execute"`

	// Browser launch
	Headless     *bool    `yaml:"headless,omitempty"`
	DevTools     *bool    `yaml:"devtools,omitempty"`
	URL          string   `yaml:"url"`
	UserDataDir  string   `yaml:"user_data_dir"`
	ChromeBin    string   `yaml:"chrome_bin"`
	ControlURL   string   `yaml:"control_url"`
	Timeout      string   `yaml:"timeout"`
	Env          []string `yaml:"env"`
	ChromeOutput *bool    `yaml:"chrome_output,omitempty"`

	NewTab       NewTabConfig       `yaml:"new_tab"`
	Interceptors InterceptorsConfig `yaml:"interceptors"`
	Logging      LoggingConfig      `yaml:"logging"`
	Metrics      MetricsConfig      `yaml:"metrics"`
}

// NewTabConfig controls handling of targets that open on the engine's
// placeholder new-tab URL. Chrome leaves such tabs on the placeholder unless
// something (an extension, a new-tab override) sends them to URL, so the
// settle wait only happens when URL is set.
type NewTabConfig struct {
	Placeholder   string `yaml:"placeholder"`
	URL           string `yaml:"url"`
	SettleTimeout string `yaml:"settle_timeout"`
	Policy        string `yaml:"policy"` // abort, absorb
}

// InterceptorsConfig controls the response pipeline.
type InterceptorsConfig struct {
	// Isolate keeps a failing transform from breaking the chain. nil means true.
	Isolate *bool `yaml:"isolate"`
}

// MetricsConfig configures the prometheus endpoint.
type MetricsConfig struct {
	Addr string `yaml:"addr"`
}

// PageConfig is the per-page instrumentation view of the configuration.
type PageConfig struct {
	InjectionFiles   []string
	InterceptorFiles []string
	Watch            bool
	PWD              string
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Timeout: "30s",
		NewTab: NewTabConfig{
			Placeholder:   "chrome://newtab/",
			SettleTimeout: "500ms",
			Policy:        NewTabAbsorb,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// LoadFile reads only the file layer. A missing file yields an empty layer.
func LoadFile(path string) (*Config, error) {
	cfg := &Config{}
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if cfg.PWD != "" && !filepath.IsAbs(cfg.PWD) {
		cfg.PWD = filepath.Join(filepath.Dir(path), cfg.PWD)
	}
	return cfg, nil
}

// Load returns the defaults merged with the file at path and the environment.
func Load(path string) (*Config, error) {
	file, err := LoadFile(path)
	if err != nil {
		return nil, err
	}
	file.applyEnvOverrides()
	return Merge(DefaultConfig(), file, nil)
}

// Save writes the configuration as YAML.
func (c *Config) Save(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}

	return nil
}

// applyEnvOverrides applies environment variable overrides.
func (c *Config) applyEnvOverrides() {
	if pwd := os.Getenv("HACKIUM_PWD"); pwd != "" {
		c.PWD = pwd
	}
	if bin := os.Getenv("HACKIUM_CHROME_BIN"); bin != "" {
		c.ChromeBin = bin
	}
	if url := os.Getenv("HACKIUM_CONTROL_URL"); url != "" {
		c.ControlURL = url
	}
}

// Page returns the instrumentation settings every page is created with.
func (c *Config) Page() PageConfig {
	pwd := c.PWD
	if pwd == "" {
		pwd, _ = os.Getwd()
	}
	return PageConfig{
		InjectionFiles:   append([]string(nil), c.Inject...),
		InterceptorFiles: append([]string(nil), c.Interceptor...),
		Watch:            c.WatchEnabled(),
		PWD:              pwd,
	}
}

// WatchEnabled reports whether interceptor files are watched.
func (c *Config) WatchEnabled() bool { return isSet(c.Watch) }

// HeadlessEnabled reports whether the browser runs headless.
func (c *Config) HeadlessEnabled() bool { return isSet(c.Headless) }

// DevToolsEnabled reports whether devtools open for every tab.
func (c *Config) DevToolsEnabled() bool { return isSet(c.DevTools) }

// ChromeOutputEnabled reports whether the browser's output is forwarded.
func (c *Config) ChromeOutputEnabled() bool { return isSet(c.ChromeOutput) }

func isSet(b *bool) bool { return b != nil && *b }

// GetLaunchTimeout returns the engine launch timeout as a duration.
func (c *Config) GetLaunchTimeout() time.Duration {
	d, err := time.ParseDuration(c.Timeout)
	if err != nil {
		return 30 * time.Second
	}
	return d
}

// GetSettleTimeout returns the new-tab settle wait as a duration.
func (c *Config) GetSettleTimeout() time.Duration {
	d, err := time.ParseDuration(c.NewTab.SettleTimeout)
	if err != nil {
		return 500 * time.Millisecond
	}
	return d
}

// GetNewTabPlaceholder returns the URL treated as an unsettled new tab.
func (c *Config) GetNewTabPlaceholder() string {
	if c.NewTab.Placeholder == "" {
		return "chrome://newtab/"
	}
	return c.NewTab.Placeholder
}

// AbortOnNewTabTimeout reports whether a settle timeout fails target creation.
func (c *Config) AbortOnNewTabTimeout() bool {
	return c.NewTab.Policy == NewTabAbort
}

// IsolateInterceptors reports whether transform failures are contained per interceptor.
func (c *Config) IsolateInterceptors() bool {
	if c.Interceptors.Isolate == nil {
		return true
	}
	return *c.Interceptors.Isolate
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	switch c.NewTab.Policy {
	case "", NewTabAbort, NewTabAbsorb:
	default:
		return fmt.Errorf("invalid new_tab.policy: %s (valid: %s, %s)", c.NewTab.Policy, NewTabAbort, NewTabAbsorb)
	}
	if c.NewTab.SettleTimeout != "" {
		if _, err := time.ParseDuration(c.NewTab.SettleTimeout); err != nil {
			return fmt.Errorf("invalid new_tab.settle_timeout: %w", err)
		}
	}
	if c.Timeout != "" {
		if _, err := time.ParseDuration(c.Timeout); err != nil {
			return fmt.Errorf("invalid timeout: %w", err)
		}
	}
	return nil
}

// Bool returns a pointer to b, for optional config fields.
func Bool(b bool) *bool { return &b }
