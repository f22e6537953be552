// Package config loads host configuration from the environment and the
// remote registration table from disk.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"

	"github.com/mosaicfe/mosaic/internal/descriptor"
)

// Config holds host settings. All fields are read from MOSAIC_* environment
// variables.
type Config struct {
	// Environment selects the resolver's default URL scheme.
	Environment string `envconfig:"ENVIRONMENT" default:"development"`

	// CDNHost serves production entry defaults (https://<CDNHost>/<scope>/entry.js).
	CDNHost string `envconfig:"CDN_HOST"`

	// DevBasePort is the first port of the development default range.
	DevBasePort int `envconfig:"DEV_BASE_PORT" default:"3001"`

	// RemotesFile is the YAML remote registration table.
	RemotesFile string `envconfig:"REMOTES_FILE" default:"remotes.yaml"`

	// RemoteConfigURL, when set, points at a JSON configuration document
	// fetched at boot; it replaces RemotesFile.
	RemoteConfigURL string `envconfig:"REMOTE_CONFIG_URL"`

	// MaxLoadAttempts bounds fetch attempts per remote load.
	MaxLoadAttempts int `envconfig:"MAX_LOAD_ATTEMPTS" default:"3"`

	// RetryInitialInterval is the first retry delay; later delays double.
	RetryInitialInterval time.Duration `envconfig:"RETRY_INITIAL_INTERVAL" default:"1s"`

	FetchTimeout time.Duration `envconfig:"FETCH_TIMEOUT" default:"10s"`
	ProbeTimeout time.Duration `envconfig:"PROBE_TIMEOUT" default:"2s"`

	// ProbeSchedule is the cron expression for availability sweeps. Empty
	// disables the health monitor.
	ProbeSchedule string `envconfig:"PROBE_SCHEDULE" default:"@every 30s"`

	// ListenAddr serves the status and metrics endpoints.
	ListenAddr string `envconfig:"LISTEN_ADDR" default:":8080"`

	// EventLogSize is the telemetry ring buffer capacity.
	EventLogSize int `envconfig:"EVENT_LOG_SIZE" default:"256"`
}

// Load reads configuration from MOSAIC_* environment variables.
func Load() (Config, error) {
	var cfg Config
	if err := envconfig.Process("mosaic", &cfg); err != nil {
		return Config{}, fmt.Errorf("load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks field consistency.
func (c Config) Validate() error {
	switch descriptor.Environment(c.Environment) {
	case descriptor.EnvDevelopment, descriptor.EnvProduction:
	default:
		return fmt.Errorf("config: unknown environment %q", c.Environment)
	}
	if descriptor.Environment(c.Environment) == descriptor.EnvProduction && c.CDNHost == "" {
		return fmt.Errorf("config: CDN host is required in production")
	}
	if c.MaxLoadAttempts < 1 {
		return fmt.Errorf("config: max load attempts must be at least 1, got %d", c.MaxLoadAttempts)
	}
	if c.DevBasePort < 1 || c.DevBasePort > 65535 {
		return fmt.Errorf("config: dev base port %d out of range", c.DevBasePort)
	}
	if c.EventLogSize < 1 {
		return fmt.Errorf("config: event log size must be positive, got %d", c.EventLogSize)
	}
	return nil
}

// remotesFile is the on-disk shape of the remote registration table.
type remotesFile struct {
	Remotes []descriptor.Entry `yaml:"remotes"`
}

// LoadRemotes reads the YAML remote registration table at path.
func LoadRemotes(path string) ([]descriptor.Entry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read remotes table: %w", err)
	}
	var file remotesFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse remotes table %s: %w", path, err)
	}
	return file.Remotes, nil
}
