package config

import (
	"encoding/base64"
	"fmt"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	ServiceName       string `yaml:"service_name"`
	DatabasePath      string `yaml:"database_path"`
	HTTPListenAddr    string `yaml:"http_listen_addr"`
	MetricsListenAddr string `yaml:"metrics_listen_addr"`
	LogLevel          string `yaml:"log_level"`

	// Provider selects the remote implementation: "aws" or "fake".
	Provider string `yaml:"provider"`

	// DefaultRegion is used until a region is saved in the settings. Empty
	// picks the provider's own default.
	DefaultRegion string `yaml:"default_region"`

	ResyncInterval        time.Duration `yaml:"resync_interval"`
	LocalRefreshInterval  time.Duration `yaml:"local_refresh_interval"`
	TransientPollInterval time.Duration `yaml:"transient_poll_interval"`
	BusyTimeout           time.Duration `yaml:"busy_timeout"`
	ShutdownGrace         time.Duration `yaml:"shutdown_grace"`

	PreloadOnStart bool   `yaml:"preload_on_start"`
	PreloadWorkers int    `yaml:"preload_workers"`
	PreloadMode    string `yaml:"preload_mode"`

	SidecarAddr         string        `yaml:"sidecar_addr"`
	SidecarBinary       string        `yaml:"sidecar_binary"`
	SidecarReadyTimeout time.Duration `yaml:"sidecar_ready_timeout"`

	NATSURL string `yaml:"nats_url"`

	// SecretSealingKey is a base64 encoded 32 byte key. When set, the stored
	// secret key is sealed at rest.
	SecretSealingKey string `yaml:"secret_sealing_key"`
}

// Region used when DEFAULT_REGION is unset, per provider.
var providerRegions = map[string]string{
	"aws":  "us-east-1",
	"fake": "ap-beijing",
}

var awsRegion = regexp.MustCompile(`^[a-z]{2}(-gov|-iso[a-z]*)?-[a-z]+-[0-9]+$`)

// Preload modes.
const (
	PreloadLocal   = "local"
	PreloadSidecar = "sidecar"
)

// Load reads the configuration from the environment. When VMCACHE_CONFIG
// names a YAML file, values from the file override the defaults and are in
// turn overridden by explicitly set environment variables.
func Load() (*Config, error) {
	cfg := defaults()

	if path := os.Getenv("VMCACHE_CONFIG"); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	var err error
	cfg.ServiceName = getEnv("SERVICE_NAME", cfg.ServiceName)
	cfg.DatabasePath = getEnv("DATABASE_PATH", cfg.DatabasePath)
	cfg.HTTPListenAddr = getEnv("HTTP_LISTEN_ADDR", cfg.HTTPListenAddr)
	cfg.MetricsListenAddr = getEnv("METRICS_LISTEN_ADDR", cfg.MetricsListenAddr)
	cfg.LogLevel = getEnv("LOG_LEVEL", cfg.LogLevel)
	cfg.Provider = getEnv("PROVIDER", cfg.Provider)
	cfg.DefaultRegion = getEnv("DEFAULT_REGION", cfg.DefaultRegion)
	if cfg.DefaultRegion == "" {
		cfg.DefaultRegion = providerRegions[cfg.Provider]
	}
	cfg.PreloadMode = getEnv("PRELOAD_MODE", cfg.PreloadMode)
	cfg.SidecarAddr = getEnv("SIDECAR_ADDR", cfg.SidecarAddr)
	cfg.SidecarBinary = getEnv("SIDECAR_BINARY", cfg.SidecarBinary)
	cfg.NATSURL = getEnv("NATS_URL", cfg.NATSURL)
	cfg.SecretSealingKey = getEnv("SECRET_SEALING_KEY", cfg.SecretSealingKey)

	if cfg.ResyncInterval, err = getEnvDuration("RESYNC_INTERVAL", cfg.ResyncInterval); err != nil {
		return nil, err
	}
	if cfg.LocalRefreshInterval, err = getEnvDuration("LOCAL_REFRESH_INTERVAL", cfg.LocalRefreshInterval); err != nil {
		return nil, err
	}
	if cfg.TransientPollInterval, err = getEnvDuration("TRANSIENT_POLL_INTERVAL", cfg.TransientPollInterval); err != nil {
		return nil, err
	}
	if cfg.BusyTimeout, err = getEnvDuration("BUSY_TIMEOUT", cfg.BusyTimeout); err != nil {
		return nil, err
	}
	if cfg.ShutdownGrace, err = getEnvDuration("SHUTDOWN_GRACE", cfg.ShutdownGrace); err != nil {
		return nil, err
	}
	if cfg.SidecarReadyTimeout, err = getEnvDuration("SIDECAR_READY_TIMEOUT", cfg.SidecarReadyTimeout); err != nil {
		return nil, err
	}
	if cfg.PreloadWorkers, err = getEnvInt("PRELOAD_WORKERS", cfg.PreloadWorkers); err != nil {
		return nil, err
	}
	if cfg.PreloadOnStart, err = getEnvBool("PRELOAD_ON_START", cfg.PreloadOnStart); err != nil {
		return nil, err
	}

	return cfg, nil
}

func defaults() *Config {
	return &Config{
		DatabasePath:          "vmcache.db",
		HTTPListenAddr:        "127.0.0.1:8090",
		MetricsListenAddr:     "",
		LogLevel:              "info",
		Provider:              "aws",
		ResyncInterval:        time.Minute,
		LocalRefreshInterval:  4 * time.Second,
		TransientPollInterval: 2 * time.Second,
		BusyTimeout:           5 * time.Second,
		ShutdownGrace:         10 * time.Second,
		PreloadOnStart:        true,
		PreloadWorkers:        10,
		PreloadMode:           PreloadLocal,
		SidecarAddr:           "127.0.0.1:8088",
		SidecarBinary:         "preload-helper",
		SidecarReadyTimeout:   15 * time.Second,
	}
}

// Validate checks the fields the named binary needs and reports every
// missing or malformed one at once.
func (c *Config) Validate(service string) error {
	var problems []string

	if c.DatabasePath == "" {
		problems = append(problems, "DATABASE_PATH is required")
	}

	switch service {
	case "vmcached":
		if c.HTTPListenAddr == "" {
			problems = append(problems, "HTTP_LISTEN_ADDR is required")
		}
		if c.Provider != "aws" && c.Provider != "fake" {
			problems = append(problems, fmt.Sprintf("PROVIDER must be aws or fake, got %q", c.Provider))
		}
		if c.Provider == "aws" && c.DefaultRegion != "" && !awsRegion.MatchString(c.DefaultRegion) {
			problems = append(problems, fmt.Sprintf("DEFAULT_REGION %q is not an AWS region", c.DefaultRegion))
		}
		if c.PreloadMode != PreloadLocal && c.PreloadMode != PreloadSidecar {
			problems = append(problems, fmt.Sprintf("PRELOAD_MODE must be local or sidecar, got %q", c.PreloadMode))
		}
		if c.PreloadMode == PreloadSidecar && c.SidecarAddr == "" {
			problems = append(problems, "SIDECAR_ADDR is required when PRELOAD_MODE=sidecar")
		}
		if c.PreloadWorkers < 1 {
			problems = append(problems, "PRELOAD_WORKERS must be at least 1")
		}
		for name, d := range map[string]time.Duration{
			"RESYNC_INTERVAL":         c.ResyncInterval,
			"LOCAL_REFRESH_INTERVAL":  c.LocalRefreshInterval,
			"TRANSIENT_POLL_INTERVAL": c.TransientPollInterval,
		} {
			if d <= 0 {
				problems = append(problems, name+" must be positive")
			}
		}
	case "preload-helper":
		if c.SidecarAddr == "" {
			problems = append(problems, "SIDECAR_ADDR is required")
		}
		if c.PreloadWorkers < 1 {
			problems = append(problems, "PRELOAD_WORKERS must be at least 1")
		}
	}

	if c.SecretSealingKey != "" {
		if _, err := c.SealingKey(); err != nil {
			problems = append(problems, err.Error())
		}
	}

	if len(problems) > 0 {
		return fmt.Errorf("invalid %s config: %s", service, strings.Join(problems, "; "))
	}
	return nil
}

// SealingKey decodes SecretSealingKey. It returns nil without error when no
// key is configured.
func (c *Config) SealingKey() ([]byte, error) {
	if c.SecretSealingKey == "" {
		return nil, nil
	}
	key, err := base64.StdEncoding.DecodeString(c.SecretSealingKey)
	if err != nil {
		return nil, fmt.Errorf("SECRET_SEALING_KEY is not valid base64: %w", err)
	}
	if len(key) != 32 {
		return nil, fmt.Errorf("SECRET_SEALING_KEY must decode to 32 bytes, got %d", len(key))
	}
	return key, nil
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return n, nil
}

func getEnvBool(key string, fallback bool) (bool, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, fmt.Errorf("%s: %w", key, err)
	}
	return b, nil
}

func getEnvDuration(key string, fallback time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return d, nil
}
