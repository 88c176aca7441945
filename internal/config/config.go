// Package config loads and validates gatekeeper.yaml, the single
// configuration file for the governance core.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/researchops/gatekeeper/internal/gkerrors"
	"github.com/researchops/gatekeeper/internal/logging"
	"github.com/researchops/gatekeeper/internal/provider"
)

// DefaultPath is where the CLI looks for configuration when --config is
// not given.
const DefaultPath = "gatekeeper.yaml"

// Config holds the runtime configuration.
type Config struct {
	Path       string
	Logger     *logging.Logger
	Definition *Definition
}

// Definition mirrors the gatekeeper.yaml structure.
type Definition struct {
	Version  int    `yaml:"version"`
	Database string `yaml:"database,omitempty"`

	MasterPassphrase PassphraseSource `yaml:"master_passphrase,omitempty"`

	GracePeriod Duration `yaml:"grace_period,omitempty"`

	Limits map[string]LimitConfig `yaml:"limits,omitempty"`

	Rotation RotationConfig `yaml:"rotation,omitempty"`

	Notifications NotificationConfig `yaml:"notifications,omitempty"`

	Metrics MetricsConfig `yaml:"metrics,omitempty"`
}

// PassphraseSource says where the master passphrase comes from. The OS
// keyring is tried first; the environment variable is the fallback for
// headless machines.
type PassphraseSource struct {
	KeyringService string `yaml:"keyring_service,omitempty"`
	KeyringAccount string `yaml:"keyring_account,omitempty"`
	Env            string `yaml:"env,omitempty"`
}

// LimitConfig overrides a provider's default rate-limit envelope.
type LimitConfig struct {
	Requests    int      `yaml:"requests,omitempty"`
	Window      Duration `yaml:"window,omitempty"`
	WarningPct  float64  `yaml:"warning_pct,omitempty"`
	CriticalPct float64  `yaml:"critical_pct,omitempty"`
}

// RotationConfig tunes the background scheduler.
type RotationConfig struct {
	Interval         Duration `yaml:"interval,omitempty"`
	CredentialMaxAge Duration `yaml:"credential_max_age,omitempty"`
	MasterKeyMaxAge  Duration `yaml:"master_key_max_age,omitempty"`
	Retention        Duration `yaml:"retention,omitempty"`
}

// WebhookConfig is one notification endpoint.
type WebhookConfig struct {
	Name    string            `yaml:"name,omitempty"`
	URL     string            `yaml:"url"`
	Headers map[string]string `yaml:"headers,omitempty"`
	Events  []string          `yaml:"events,omitempty"`
}

// NotificationConfig lists rotation-event sinks.
type NotificationConfig struct {
	Webhooks []WebhookConfig `yaml:"webhooks,omitempty"`
}

// MetricsConfig enables the Prometheus registry.
type MetricsConfig struct {
	Enabled bool `yaml:"enabled,omitempty"`
}

// Duration is a time.Duration that unmarshals from strings like "24h".
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	parsed, err := time.ParseDuration(value.Value)
	if err != nil {
		return gkerrors.ConfigError{
			Field:      "duration",
			Value:      value.Value,
			Message:    "invalid duration",
			Suggestion: "Use Go duration syntax, e.g. '60s', '24h', '2160h'",
		}
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// Std converts to time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Load reads and parses the configuration file. A missing file yields a
// usable default definition rather than an error.
func (c *Config) Load() error {
	data, err := os.ReadFile(c.Path)
	if err != nil {
		if os.IsNotExist(err) {
			c.Definition = &Definition{}
			return nil
		}
		return gkerrors.ConfigError{
			Field:      "path",
			Value:      c.Path,
			Message:    "failed to read configuration file",
			Suggestion: "Check file permissions and path",
		}
	}

	var def Definition
	if err := yaml.Unmarshal(data, &def); err != nil {
		return gkerrors.ConfigError{
			Message:    "invalid YAML syntax in configuration file",
			Suggestion: "Check for indentation errors, missing quotes, or invalid characters. Use a YAML validator",
		}
	}

	if def.Version != 0 {
		return gkerrors.ConfigError{
			Field:      "version",
			Value:      def.Version,
			Message:    "unsupported configuration version",
			Suggestion: "Set 'version: 0' at the top of your gatekeeper.yaml file",
		}
	}

	if err := def.validate(); err != nil {
		return err
	}

	c.Definition = &def
	return nil
}

func (d *Definition) validate() error {
	for name, lc := range d.Limits {
		if _, err := provider.Parse(name); err != nil {
			return gkerrors.ConfigError{
				Field:      "limits",
				Value:      name,
				Message:    "unknown provider",
				Suggestion: fmt.Sprintf("Supported providers: %s", providerNames()),
			}
		}
		if lc.Requests < 0 {
			return gkerrors.ConfigError{
				Field:      "limits." + name + ".requests",
				Value:      lc.Requests,
				Message:    "request limit must not be negative",
				Suggestion: "Set a positive limit, or omit the field to use the provider default",
			}
		}
		if lc.WarningPct != 0 && lc.CriticalPct != 0 && lc.WarningPct >= lc.CriticalPct {
			return gkerrors.ConfigError{
				Field:      "limits." + name,
				Value:      fmt.Sprintf("warning=%.0f critical=%.0f", lc.WarningPct, lc.CriticalPct),
				Message:    "warning threshold must be below critical",
				Suggestion: "Use something like warning_pct: 80, critical_pct: 95",
			}
		}
	}
	return nil
}

// DatabasePath resolves the sqlite path, defaulting next to the config
// file.
func (c *Config) DatabasePath() string {
	if c.Definition != nil && c.Definition.Database != "" {
		return c.Definition.Database
	}
	dir := filepath.Dir(c.Path)
	return filepath.Join(dir, "gatekeeper.db")
}

// GracePeriod returns the rotation grace period, defaulting to 24h.
func (c *Config) GracePeriod() time.Duration {
	if c.Definition != nil && c.Definition.GracePeriod > 0 {
		return c.Definition.GracePeriod.Std()
	}
	return 24 * time.Hour
}

// LimitOverrides builds per-provider limit overrides from the config,
// filling unset fields from the provider defaults.
func (c *Config) LimitOverrides() map[provider.Provider]provider.Limits {
	out := map[provider.Provider]provider.Limits{}
	if c.Definition == nil {
		return out
	}
	for name, lc := range c.Definition.Limits {
		p, err := provider.Parse(name)
		if err != nil {
			continue // validate already rejected these
		}
		limits := p.DefaultLimits()
		if lc.Requests > 0 {
			limits.Requests = lc.Requests
		}
		if lc.Window > 0 {
			limits.WindowLength = lc.Window.Std()
		}
		if lc.WarningPct > 0 {
			limits.WarningPct = lc.WarningPct
		}
		if lc.CriticalPct > 0 {
			limits.CriticalPct = lc.CriticalPct
		}
		out[p] = limits
	}
	return out
}

func providerNames() string {
	names := ""
	for i, p := range provider.All() {
		if i > 0 {
			names += ", "
		}
		names += p.String()
	}
	return names
}
