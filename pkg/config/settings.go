// Package config loads engine settings from the hostforge.toml file.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/pelletier/go-toml/v2"
)

// DefaultPath is where Load looks when no explicit path is given.
const DefaultPath = "/etc/hostforge/hostforge.toml"

var validate = validator.New(validator.WithRequiredStructEnabled())

// Settings is the engine's static configuration. Everything has a
// default; a missing config file is not an error.
type Settings struct {
	// StateDir holds the run database and lock file.
	StateDir string `toml:"state_dir" validate:"required"`

	// DefaultTimeout bounds steps with no plan or step timeout.
	DefaultTimeout duration `toml:"default_timeout"`

	// PolicyPaths lists extra .rego policy files evaluated before runs.
	PolicyPaths []string `toml:"policy_paths"`

	// Logging configures the structured logger.
	Logging LoggingSettings `toml:"logging"`

	// Metrics configures the Prometheus endpoint.
	Metrics MetricsSettings `toml:"metrics"`

	// Tracing configures OpenTelemetry export.
	Tracing TracingSettings `toml:"tracing"`
}

// LoggingSettings configures the structured logger.
type LoggingSettings struct {
	Level  string `toml:"level" validate:"omitempty,oneof=debug info warn error fatal"`
	Format string `toml:"format" validate:"omitempty,oneof=console json"`
	Output string `toml:"output"`
}

// MetricsSettings configures the Prometheus endpoint.
type MetricsSettings struct {
	Enabled       bool   `toml:"enabled"`
	ListenAddress string `toml:"listen_address"`
}

// TracingSettings configures OpenTelemetry export.
type TracingSettings struct {
	Enabled  bool   `toml:"enabled"`
	Exporter string `toml:"exporter" validate:"omitempty,oneof=otlp stdout none"`
	Endpoint string `toml:"endpoint"`
}

// duration is a TOML-friendly wrapper around time.Duration.
type duration struct {
	time.Duration
}

func (d *duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = parsed
	return nil
}

func (d duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Defaults returns the built-in settings.
func Defaults() *Settings {
	return &Settings{
		StateDir:       "/var/lib/hostforge",
		DefaultTimeout: duration{5 * time.Minute},
		Logging: LoggingSettings{
			Level:  "info",
			Format: "console",
			Output: "stderr",
		},
		Metrics: MetricsSettings{
			Enabled:       false,
			ListenAddress: ":9430",
		},
		Tracing: TracingSettings{
			Enabled:  false,
			Exporter: "none",
		},
	}
}

// Load reads settings from path, layering the file over the defaults.
// A missing file yields the defaults; a malformed file is an error.
func Load(path string) (*Settings, error) {
	settings := Defaults()

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return settings, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read config %s: %w", path, err)
	}

	if err := toml.Unmarshal(data, settings); err != nil {
		return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
	}

	if err := validate.Struct(settings); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}

	return settings, nil
}

// DatabasePath is the run database location under the state dir.
func (s *Settings) DatabasePath() string {
	return filepath.Join(s.StateDir, "hostforge.db")
}

// LockPath is the run lock location under the state dir.
func (s *Settings) LockPath() string {
	return filepath.Join(s.StateDir, "run.lock")
}

// Timeout returns the configured default step timeout.
func (s *Settings) Timeout() time.Duration {
	return s.DefaultTimeout.Duration
}
