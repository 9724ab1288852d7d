// Package config provides YAML configuration loading, validation, and
// defaults for the niols daemon.
//
// Configuration file: /etc/niols/config.yaml (default)
// Schema version: 1
//
// Two concerns share this file but are treated very differently by the
// rest of the module:
//
//   - hardware/safety are the session-bound document spec §3 describes:
//     they travel through internal/hashchain and get bound (hashed) once
//     at INITIALIZE. Their Go struct tags exist only so Defaults()/Load()
//     can populate them conveniently; control.Manager binds the document
//     ToDocument builds from these structs, so keys the structs do not
//     declare are dropped at Load and never reach the bound snapshot.
//   - observability/storage/control configure the daemon process itself
//     (log level, metrics bind address, bbolt path, control socket path)
//     and are never hashed or bound to a session.
//
// Validation:
//   - Required fields must be present; numeric ranges enforced.
//   - Invalid config on startup: the daemon refuses to start (fatal).
package config

import (
	"fmt"
	"os"

	"go.uber.org/multierr"
	"gopkg.in/yaml.v3"
)

// Version, GitCommit, BuildTime are injected by the Makefile via -ldflags.
var (
	Version   = "dev"
	GitCommit = "unknown"
	BuildTime = "unknown"
)

// Config is the root configuration structure for niolsd.
type Config struct {
	// SchemaVersion must be "1".
	SchemaVersion string `yaml:"schema_version"`

	// Hardware carries simulation mode and simulated-device parameters.
	// Required top-level section for a valid bound config snapshot (spec §3).
	Hardware HardwareConfig `yaml:"hardware"`

	// Safety carries the three fields spec §3 names as load-bearing for
	// guard predicates. Keys beyond these are not decoded, so they are not
	// part of the document ToDocument builds for hashing.
	Safety SafetyConfig `yaml:"safety"`

	// Observability configures the daemon's logger and metrics server.
	// Outside the hash-bound snapshot.
	Observability ObservabilityConfig `yaml:"observability"`

	// Storage configures the bbolt-backed closed-session index.
	Storage StorageConfig `yaml:"storage"`

	// Control configures the Unix-domain-socket control surface.
	Control ControlConfig `yaml:"control"`
}

// HardwareConfig holds the simulated-device parameters consumed when
// hardware.simulation_mode is true. A real GPIO/ADC driver is out of
// scope (spec §1); these fields only parameterize the simulated ports.
type HardwareConfig struct {
	// SimulationMode selects simulated LaserPort/PhotodiodePort/HealthPort
	// implementations instead of (unimplemented) real drivers.
	SimulationMode bool `yaml:"simulation_mode"`

	// ADCFullScaleV is the photodiode ADC's full-scale voltage, used by
	// the simulated photodiode's saturation-flag computation.
	ADCFullScaleV float64 `yaml:"adc_full_scale_v"`

	// DarkVoltageV is the simulated photodiode's dark-voltage offset.
	DarkVoltageV float64 `yaml:"dark_voltage_v"`

	// CalibrationTablePath is an optional path to a calibration document.
	// When set it is included in the hash-bound config document; the file
	// itself is not read, and INITIALIZE binds the photodiode port's own
	// calibration table.
	CalibrationTablePath string `yaml:"calibration_table_path,omitempty"`
}

// SafetyConfig holds the three safety fields spec §3 names as load-bearing.
type SafetyConfig struct {
	// MaxContinuousTime bounds the initial emission budget, in seconds.
	MaxContinuousTime float64 `yaml:"max_continuous_time"`

	// CooldownTime is the required quiet interval after any emission, in
	// seconds.
	CooldownTime float64 `yaml:"cooldown_time"`

	// MaxPowerMW is the absolute power ceiling in milliwatts. Must be
	// <= 1.0 (Class 1M limit).
	MaxPowerMW float64 `yaml:"max_power_mw"`
}

// ObservabilityConfig holds logger and metrics parameters.
type ObservabilityConfig struct {
	// MetricsAddr is the Prometheus metrics HTTP bind address.
	// Default: 127.0.0.1:9092.
	MetricsAddr string `yaml:"metrics_addr"`

	// LogLevel controls the minimum log level (debug, info, warn, error).
	LogLevel string `yaml:"log_level"`

	// LogFormat controls the log output format (json, console).
	LogFormat string `yaml:"log_format"`
}

// StorageConfig holds the bbolt closed-session index parameters.
type StorageConfig struct {
	// DBPath is the absolute path to the bbolt index file.
	DBPath string `yaml:"db_path"`

	// BundleRoot is the directory under which session bundles are
	// materialized at teardown (spec §6 bundle directory layout).
	BundleRoot string `yaml:"bundle_root"`
}

// ControlConfig holds the Unix-domain-socket control server parameters.
type ControlConfig struct {
	// SocketPath is the Unix domain socket path for the control surface.
	SocketPath string `yaml:"socket_path"`

	// Enabled controls whether the control socket is active.
	Enabled bool `yaml:"enabled"`
}

const (
	// DefaultDBPath is the default bbolt closed-session index location.
	DefaultDBPath = "/var/lib/niols/niols.db"

	// DefaultBundleRoot is the default session-bundle archive directory.
	DefaultBundleRoot = "/var/lib/niols/sessions"

	// DefaultSocketPath is the default control socket location.
	DefaultSocketPath = "/run/niols/control.sock"
)

// Defaults returns a Config populated with all default values. The
// safety defaults (1 hour continuous, 60s cooldown, Class 1M power
// ceiling) are conservative placeholders meant to be overridden by a
// real device's config.yaml.
func Defaults() Config {
	return Config{
		SchemaVersion: "1",
		Hardware: HardwareConfig{
			SimulationMode: true,
			ADCFullScaleV:  3.3,
			DarkVoltageV:   0.05,
		},
		Safety: SafetyConfig{
			MaxContinuousTime: 3600.0,
			CooldownTime:      60.0,
			MaxPowerMW:        1.0,
		},
		Observability: ObservabilityConfig{
			MetricsAddr: "127.0.0.1:9092",
			LogLevel:    "info",
			LogFormat:   "json",
		},
		Storage: StorageConfig{
			DBPath:     DefaultDBPath,
			BundleRoot: DefaultBundleRoot,
		},
		Control: ControlConfig{
			SocketPath: DefaultSocketPath,
			Enabled:    true,
		},
	}
}

// Load reads and validates a config file from the given path. Returns
// the merged config (defaults overridden by file values). Returns an
// error if the file cannot be read, parsed, or validated.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config.Load: read %q: %w", path, err)
	}

	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config.Load: parse %q: %w", path, err)
	}

	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("config.Load: validation failed: %w", err)
	}

	return &cfg, nil
}

// Validate checks all config fields for correctness, aggregating every
// violation found via go.uber.org/multierr rather than stopping at the
// first one — so a single invalid startup attempt reports everything
// wrong with the file at once.
func Validate(cfg *Config) error {
	var err error

	if cfg.SchemaVersion != "1" {
		err = multierr.Append(err, fmt.Errorf("schema_version must be \"1\", got %q", cfg.SchemaVersion))
	}
	if cfg.Safety.MaxContinuousTime <= 0 {
		err = multierr.Append(err, fmt.Errorf("safety.max_continuous_time must be > 0, got %v", cfg.Safety.MaxContinuousTime))
	}
	if cfg.Safety.CooldownTime < 0 {
		err = multierr.Append(err, fmt.Errorf("safety.cooldown_time must be >= 0, got %v", cfg.Safety.CooldownTime))
	}
	if cfg.Safety.MaxPowerMW <= 0 || cfg.Safety.MaxPowerMW > 1.0 {
		err = multierr.Append(err, fmt.Errorf("safety.max_power_mw must be in (0, 1.0] mW (Class 1M limit), got %v", cfg.Safety.MaxPowerMW))
	}
	if cfg.Hardware.ADCFullScaleV <= 0 {
		err = multierr.Append(err, fmt.Errorf("hardware.adc_full_scale_v must be > 0, got %v", cfg.Hardware.ADCFullScaleV))
	}
	if cfg.Storage.DBPath == "" {
		err = multierr.Append(err, fmt.Errorf("storage.db_path must not be empty"))
	}
	if cfg.Storage.BundleRoot == "" {
		err = multierr.Append(err, fmt.Errorf("storage.bundle_root must not be empty"))
	}
	if cfg.Control.Enabled && cfg.Control.SocketPath == "" {
		err = multierr.Append(err, fmt.Errorf("control.socket_path must not be empty when control.enabled is true"))
	}
	switch cfg.Observability.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		err = multierr.Append(err, fmt.Errorf("observability.log_level must be one of debug|info|warn|error, got %q", cfg.Observability.LogLevel))
	}
	switch cfg.Observability.LogFormat {
	case "json", "console":
	default:
		err = multierr.Append(err, fmt.Errorf("observability.log_format must be one of json|console, got %q", cfg.Observability.LogFormat))
	}

	return err
}

// ToDocument converts the hash-bound portion of Config (hardware +
// safety) into the key/value tree that gets bound as the session's
// config snapshot. This is distinct from yaml-decoding: the bound
// document is whatever key/value tree INITIALIZE was handed — which may
// carry more fields than this struct recognizes (spec §9 on dynamic
// structural typing) — so in the common case where the config snapshot
// originates from this file, ToDocument is a convenience bridge, not the
// only valid way to construct a bindable document.
func (c Config) ToDocument() map[string]interface{} {
	hardware := map[string]interface{}{
		"simulation_mode":  c.Hardware.SimulationMode,
		"adc_full_scale_v": c.Hardware.ADCFullScaleV,
		"dark_voltage_v":   c.Hardware.DarkVoltageV,
	}
	if c.Hardware.CalibrationTablePath != "" {
		hardware["calibration_table_path"] = c.Hardware.CalibrationTablePath
	}
	return map[string]interface{}{
		"hardware": hardware,
		"safety": map[string]interface{}{
			"max_continuous_time": c.Safety.MaxContinuousTime,
			"cooldown_time":       c.Safety.CooldownTime,
			"max_power_mw":        c.Safety.MaxPowerMW,
		},
	}
}
