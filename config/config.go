package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	log "github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

const (
	DefaultConfigPath   = "./mobileproxy.yaml"
	DefaultDatabasePath = "./data/mobileproxy.db"
	DefaultHTTPAddr     = ":8080"
)

type Config struct {
	ADB struct {
		Path           string        `yaml:"path"`
		CommandTimeout time.Duration `yaml:"command_timeout"`
		ListTimeout    time.Duration `yaml:"list_timeout"`
	} `yaml:"adb"`

	Rotation struct {
		SettleDelay time.Duration `yaml:"settle_delay"`
	} `yaml:"rotation"`

	Database struct {
		Path string `yaml:"path"`
	} `yaml:"database"`

	HTTP struct {
		Addr string `yaml:"addr"`
	} `yaml:"http"`

	Log struct {
		Level string `yaml:"level"`
		Dir   string `yaml:"dir"`
		JSON  bool   `yaml:"json"`
	} `yaml:"log"`

	Bulk struct {
		Concurrency int `yaml:"concurrency"`
	} `yaml:"bulk"`

	Probe struct {
		Timeout    time.Duration `yaml:"timeout"`
		IPServices []string      `yaml:"ip_services"`
	} `yaml:"probe"`
}

// Default returns the configuration used when no file is present.
func Default() *Config {
	cfg := &Config{}
	cfg.ADB.Path = "adb"
	cfg.ADB.CommandTimeout = 5 * time.Second
	cfg.ADB.ListTimeout = 10 * time.Second
	cfg.Rotation.SettleDelay = 5 * time.Second
	cfg.Database.Path = DefaultDatabasePath
	cfg.HTTP.Addr = DefaultHTTPAddr
	cfg.Log.Level = "info"
	cfg.Log.Dir = "log"
	cfg.Bulk.Concurrency = 4
	cfg.Probe.Timeout = 5 * time.Second
	cfg.Probe.IPServices = []string{
		"https://api.ipify.org?format=json",
		"https://ifconfig.me/ip",
	}
	return cfg
}

// Load reads path on top of the defaults. A missing file is not an error.
// Environment overrides are applied last.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
	case err != nil:
		return nil, err
	default:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
	}

	cfg.ADB.Path = getEnv("MOBILEPROXY_ADB_PATH", cfg.ADB.Path)
	cfg.Database.Path = getEnv("MOBILEPROXY_DB_PATH", cfg.Database.Path)
	cfg.HTTP.Addr = getEnv("MOBILEPROXY_HTTP_ADDR", cfg.HTTP.Addr)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	if _, err := log.ParseLevel(c.Log.Level); err != nil {
		return fmt.Errorf("log.level: %w", err)
	}
	if c.ADB.Path == "" {
		return errors.New("adb.path must not be empty")
	}
	if c.ADB.CommandTimeout <= 0 || c.ADB.ListTimeout <= 0 {
		return errors.New("adb timeouts must be positive")
	}
	if c.Rotation.SettleDelay <= 0 {
		return errors.New("rotation.settle_delay must be positive")
	}
	if c.Bulk.Concurrency < 1 {
		return fmt.Errorf("bulk.concurrency must be at least 1, got %d", c.Bulk.Concurrency)
	}
	if c.Probe.Timeout <= 0 {
		return errors.New("probe.timeout must be positive")
	}
	return nil
}

// getEnv gets environment variable with fallback default
func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}
