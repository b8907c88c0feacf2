// Package config loads and validates the engine's runtime configuration.
// The configuration is separate from the model: it tells the binary where the
// model repository and the revision store live and how to reach hosts, while
// the model itself describes what the hosts should look like.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/opereon/opereon/pkg/telemetry"
)

// DefaultFileName is the configuration file looked up in the model
// repository root.
const DefaultFileName = "opereon.yaml"

// SSHConfig holds transport defaults applied to hosts that do not override
// them in their ssh_dest block.
type SSHConfig struct {
	// Username is the default login user.
	Username string `yaml:"username"`

	// IdentityFile is the default private key path.
	IdentityFile string `yaml:"identity_file"`

	// KnownHostsFile is the host key verification file. Empty disables
	// verification.
	KnownHostsFile string `yaml:"known_hosts_file"`

	// ConnectTimeout bounds connection establishment.
	ConnectTimeout time.Duration `yaml:"connect_timeout" validate:"omitempty,min=1s"`

	// CommandTimeout bounds a single remote operation. Zero means no limit.
	CommandTimeout time.Duration `yaml:"command_timeout"`
}

// UnmarshalYAML accepts human-readable durations like "10s" for the timeout
// fields, which the YAML decoder does not parse into time.Duration itself.
// Fields absent from the document keep their current values.
func (c *SSHConfig) UnmarshalYAML(value *yaml.Node) error {
	var raw struct {
		Username       string `yaml:"username"`
		IdentityFile   string `yaml:"identity_file"`
		KnownHostsFile string `yaml:"known_hosts_file"`
		ConnectTimeout string `yaml:"connect_timeout"`
		CommandTimeout string `yaml:"command_timeout"`
	}
	if err := value.Decode(&raw); err != nil {
		return err
	}
	if raw.Username != "" {
		c.Username = raw.Username
	}
	if raw.IdentityFile != "" {
		c.IdentityFile = raw.IdentityFile
	}
	if raw.KnownHostsFile != "" {
		c.KnownHostsFile = raw.KnownHostsFile
	}
	if raw.ConnectTimeout != "" {
		d, err := time.ParseDuration(raw.ConnectTimeout)
		if err != nil {
			return fmt.Errorf("connect_timeout: %w", err)
		}
		c.ConnectTimeout = d
	}
	if raw.CommandTimeout != "" {
		d, err := time.ParseDuration(raw.CommandTimeout)
		if err != nil {
			return fmt.Errorf("command_timeout: %w", err)
		}
		c.CommandTimeout = d
	}
	return nil
}

// EngineConfig holds execution tuning.
type EngineConfig struct {
	// HostConcurrency bounds concurrent host runs per proc.
	HostConcurrency int `yaml:"host_concurrency" validate:"omitempty,min=1,max=256"`
}

// StoreConfig locates the revision store.
type StoreConfig struct {
	// Path is the SQLite database file, relative to the model repository.
	Path string `yaml:"path"`
}

// Config is the full runtime configuration.
type Config struct {
	// ModelDir is the model repository root.
	ModelDir string `yaml:"model_dir" validate:"required"`

	SSH     SSHConfig               `yaml:"ssh"`
	Engine  EngineConfig            `yaml:"engine"`
	Store   StoreConfig             `yaml:"store"`
	Logging telemetry.LoggingConfig `yaml:"logging"`
	Metrics telemetry.MetricsConfig `yaml:"metrics"`
}

// Default returns the configuration used when no file is present, rooted at
// modelDir.
func Default(modelDir string) *Config {
	return &Config{
		ModelDir: modelDir,
		SSH: SSHConfig{
			ConnectTimeout: 10 * time.Second,
		},
		Engine: EngineConfig{
			HostConcurrency: 8,
		},
		Store: StoreConfig{
			Path: ".opereon/revisions.db",
		},
		Logging: telemetry.DefaultLoggingConfig(),
		Metrics: telemetry.DefaultMetricsConfig(),
	}
}

// Load reads the configuration file at path, fills defaults and validates
// the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}
	cfg := Default(filepath.Dir(path))
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadOrDefault loads DefaultFileName from modelDir when it exists, and
// falls back to defaults otherwise.
func LoadOrDefault(modelDir string) (*Config, error) {
	path := filepath.Join(modelDir, DefaultFileName)
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return Default(modelDir), nil
		}
		return nil, err
	}
	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}
	cfg.ModelDir = modelDir
	return cfg, nil
}

// Validate checks the configuration's structural constraints.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

// StorePath returns the absolute revision store path.
func (c *Config) StorePath() string {
	if filepath.IsAbs(c.Store.Path) {
		return c.Store.Path
	}
	return filepath.Join(c.ModelDir, c.Store.Path)
}
