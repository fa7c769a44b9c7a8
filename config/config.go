// Package config loads the server configuration from an optional YAML file.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/meigma/archivist/internal/logging"
)

// Defaults.
const (
	DefaultListen           = ":8080"
	DefaultStorageDir       = "uploads"
	DefaultArchiveExt       = ".zim"
	DefaultProgressInterval = 500 * time.Millisecond
	DefaultOpenArchives     = 8
	DefaultShutdownTimeout  = 10 * time.Second
)

// Config is the server configuration.
type Config struct {
	Listen           string         `yaml:"listen"`
	StorageDir       string         `yaml:"storage_dir"`
	ArchiveExt       string         `yaml:"archive_ext"`
	StaticDir        string         `yaml:"static_dir"`
	ProgressInterval time.Duration  `yaml:"progress_interval"`
	BlockingWorkers  int            `yaml:"blocking_workers"`
	OpenArchives     int            `yaml:"open_archives"`
	ShutdownTimeout  time.Duration  `yaml:"shutdown_timeout"`
	Log              logging.Config `yaml:"log"`
}

// Default returns the configuration used when no file is given.
func Default() Config {
	return Config{
		Listen:           DefaultListen,
		StorageDir:       DefaultStorageDir,
		ArchiveExt:       DefaultArchiveExt,
		ProgressInterval: DefaultProgressInterval,
		OpenArchives:     DefaultOpenArchives,
		ShutdownTimeout:  DefaultShutdownTimeout,
		Log:              logging.DefaultConfig(),
	}
}

// Load reads the YAML file at path over the defaults. An empty path
// returns the defaults.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path) //nolint:gosec // operator supplied path
	if err != nil {
		return Config{}, fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("config: parse %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate reports configuration values that cannot be used.
func (c Config) Validate() error {
	var errs []error
	if c.Listen == "" {
		errs = append(errs, errors.New("config: listen must not be empty"))
	}
	if c.StorageDir == "" {
		errs = append(errs, errors.New("config: storage_dir must not be empty"))
	}
	if c.ArchiveExt == "" {
		errs = append(errs, errors.New("config: archive_ext must not be empty"))
	}
	if c.ProgressInterval <= 0 {
		errs = append(errs, errors.New("config: progress_interval must be positive"))
	}
	if c.ShutdownTimeout <= 0 {
		errs = append(errs, errors.New("config: shutdown_timeout must be positive"))
	}
	if c.BlockingWorkers < 0 {
		errs = append(errs, errors.New("config: blocking_workers must be non-negative"))
	}
	if c.OpenArchives < 0 {
		errs = append(errs, errors.New("config: open_archives must be non-negative"))
	}
	if err := c.Log.Validate(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}
