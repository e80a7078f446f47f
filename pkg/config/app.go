package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// AppConfig is the fleetplay application configuration.
type AppConfig struct {
	// DataDir holds the database and backups.
	DataDir string `yaml:"data_dir" validate:"required"`

	// Inventory is the default inventory file.
	Inventory string `yaml:"inventory,omitempty"`

	// Forks is the default worker pool size.
	Forks int `yaml:"forks" validate:"gte=1,lte=1000"`

	// Strategy is the default scheduling strategy.
	Strategy string `yaml:"strategy" validate:"oneof=linear free"`

	// PollInterval is the default pause between scheduling rounds.
	PollInterval time.Duration `yaml:"poll_interval" validate:"gte=0"`

	// TaskTimeout bounds a single task unless the task sets its own.
	TaskTimeout time.Duration `yaml:"task_timeout" validate:"gte=0"`

	SSH       SSHDefaults     `yaml:"ssh"`
	Policy    PolicySettings  `yaml:"policy"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
}

// SSHDefaults apply to hosts that do not override them in the inventory.
type SSHDefaults struct {
	User           string        `yaml:"user,omitempty"`
	Port           int           `yaml:"port" validate:"gte=1,lte=65535"`
	KeyFile        string        `yaml:"key_file,omitempty"`
	KnownHostsFile string        `yaml:"known_hosts_file,omitempty"`
	StrictHostKey  bool          `yaml:"strict_host_key"`
	ConnectTimeout time.Duration `yaml:"connect_timeout" validate:"gte=0"`
}

// PolicySettings configures play admission.
type PolicySettings struct {
	// Enabled turns on admission checks.
	Enabled bool `yaml:"enabled"`

	// Paths lists extra .rego/.json policy files or directories.
	Paths []string `yaml:"paths,omitempty"`

	// Mode is enforcing (deny blocks the play) or advisory (deny only warns).
	Mode string `yaml:"mode" validate:"oneof=advisory enforcing"`
}

// TelemetryConfig configures logging, metrics and tracing.
type TelemetryConfig struct {
	LogLevel     string `yaml:"log_level" validate:"oneof=debug info warn error"`
	LogFormat    string `yaml:"log_format" validate:"oneof=json console"`
	MetricsAddr  string `yaml:"metrics_addr,omitempty"`
	TraceExport  string `yaml:"trace_exporter" validate:"oneof=none stdout otlp"`
	OTLPEndpoint string `yaml:"otlp_endpoint,omitempty"`
}

// DefaultAppConfig returns the configuration used when no file exists.
func DefaultAppConfig() *AppConfig {
	return &AppConfig{
		DataDir:      ".fleetplay",
		Forks:        5,
		Strategy:     "linear",
		PollInterval: 5 * time.Millisecond,
		TaskTimeout:  10 * time.Minute,
		SSH: SSHDefaults{
			Port:           22,
			StrictHostKey:  true,
			ConnectTimeout: 30 * time.Second,
		},
		Policy: PolicySettings{
			Enabled: true,
			Mode:    "enforcing",
		},
		Telemetry: TelemetryConfig{
			LogLevel:    "info",
			LogFormat:   "console",
			TraceExport: "none",
		},
	}
}

// DatabasePath returns the SQLite database location.
func (c *AppConfig) DatabasePath() string {
	return filepath.Join(c.DataDir, "fleetplay.db")
}

// Validate checks the configuration.
func (c *AppConfig) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	if c.Telemetry.TraceExport == "otlp" && c.Telemetry.OTLPEndpoint == "" {
		return fmt.Errorf("invalid configuration: otlp_endpoint is required for the otlp exporter")
	}
	return nil
}

// LoadAppConfig reads a YAML configuration file on top of the defaults.
// A missing file yields the defaults.
func LoadAppConfig(path string) (*AppConfig, error) {
	cfg := DefaultAppConfig()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return cfg, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read config %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// WriteAppConfig writes cfg as YAML.
func WriteAppConfig(path string, cfg *AppConfig) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write config %s: %w", path, err)
	}
	return nil
}
