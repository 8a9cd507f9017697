// Package config loads the shim's own settings: defaults, then an optional
// YAML file, then SPIN_SHIM_* environment overrides.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// DefaultPath is read when SPIN_SHIM_CONFIG is unset.
const DefaultPath = "/etc/containerd-shim-spin/config.yaml"

// DefaultHTTPListenAddr is used when SPIN_HTTP_LISTEN_ADDR is unset.
const DefaultHTTPListenAddr = "0.0.0.0:80"

type LogConfig struct {
	Level  string `yaml:"level" validate:"oneof=debug info warn error"`
	Format string `yaml:"format" validate:"oneof=auto json console"`
}

type EngineConfig struct {
	CompilationCacheDir string `yaml:"compilation_cache_dir"`
	MemoryLimitPages    uint32 `yaml:"memory_limit_pages" validate:"lte=65536"`
	Interpreter         bool   `yaml:"interpreter"`
}

type TracingConfig struct {
	Exporter     string  `yaml:"exporter" validate:"oneof=none otlp stdout"`
	Endpoint     string  `yaml:"endpoint" validate:"required_if=Exporter otlp"`
	Insecure     bool    `yaml:"insecure"`
	SamplingRate float64 `yaml:"sampling_rate" validate:"gte=0,lte=1"`
}

type Config struct {
	Log                  LogConfig     `yaml:"log"`
	Engine               EngineConfig  `yaml:"engine"`
	Tracing              TracingConfig `yaml:"tracing"`
	CacheDir             string        `yaml:"cache_dir" validate:"required"`
	HTTPListenAddr       string        `yaml:"http_listen_addr" validate:"required,hostname_port"`
	MetricsAddr          string        `yaml:"metrics_addr" validate:"omitempty,hostname_port"`
	ShutdownGraceSeconds int           `yaml:"shutdown_grace_seconds" validate:"gte=0"`
}

// CompilationCacheDir is where wazero keeps native code between the
// precompile and run phases: the configured directory, or "wazero" beside
// the content cache.
func (c *Config) CompilationCacheDir() string {
	if c.Engine.CompilationCacheDir != "" {
		return c.Engine.CompilationCacheDir
	}
	return filepath.Join(filepath.Dir(c.CacheDir), "wazero")
}

// ShutdownGrace is how long losing trigger executors get to stop.
func (c *Config) ShutdownGrace() time.Duration {
	return time.Duration(c.ShutdownGraceSeconds) * time.Second
}

// Default returns the configuration used when nothing overrides it.
func Default() *Config {
	return &Config{
		Log: LogConfig{
			Level:  "info",
			Format: "auto",
		},
		Tracing: TracingConfig{
			Exporter:     "none",
			Insecure:     true,
			SamplingRate: 1.0,
		},
		CacheDir:             defaultCacheDir(),
		HTTPListenAddr:       DefaultHTTPListenAddr,
		ShutdownGraceSeconds: 10,
	}
}

func defaultCacheDir() string {
	dir, err := os.UserCacheDir()
	if err != nil {
		dir = os.TempDir()
	}
	return filepath.Join(dir, "spin", "registry")
}

// Load reads the configuration using the process environment.
func Load(yamlPath string) (*Config, error) {
	return LoadWithEnv(yamlPath, os.Getenv)
}

// LoadWithEnv reads the configuration, taking overrides from getenv.
// A missing file is not an error.
func LoadWithEnv(yamlPath string, getenv func(string) string) (*Config, error) {
	cfg := Default()

	if yamlPath != "" {
		data, err := os.ReadFile(yamlPath)
		if err == nil {
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("parse %s: %w", yamlPath, err)
			}
		} else if !os.IsNotExist(err) {
			return nil, err
		}
	}

	if err := applyEnvOverrides(cfg, getenv); err != nil {
		return nil, err
	}

	if err := validator.New().Struct(cfg); err != nil {
		return nil, fmt.Errorf("invalid shim configuration: %w", err)
	}
	return cfg, nil
}

// PathFromEnv returns the configuration file to load.
func PathFromEnv(getenv func(string) string) string {
	if p := getenv("SPIN_SHIM_CONFIG"); p != "" {
		return p
	}
	return DefaultPath
}

func applyEnvOverrides(cfg *Config, getenv func(string) string) error {
	if v := getenv("SPIN_SHIM_LOG_LEVEL"); v != "" {
		cfg.Log.Level = strings.ToLower(v)
	}
	if v := getenv("SPIN_SHIM_LOG_FORMAT"); v != "" {
		cfg.Log.Format = strings.ToLower(v)
	}
	if v := getenv("SPIN_SHIM_CACHE_DIR"); v != "" {
		cfg.CacheDir = v
	}
	if v := getenv("SPIN_SHIM_COMPILATION_CACHE_DIR"); v != "" {
		cfg.Engine.CompilationCacheDir = v
	}
	if v := getenv("SPIN_SHIM_METRICS_ADDR"); v != "" {
		cfg.MetricsAddr = v
	}
	if v := getenv("SPIN_SHIM_SHUTDOWN_GRACE_SECONDS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("SPIN_SHIM_SHUTDOWN_GRACE_SECONDS: %w", err)
		}
		cfg.ShutdownGraceSeconds = n
	}
	if v := getenv("OTEL_EXPORTER_OTLP_ENDPOINT"); v != "" {
		cfg.Tracing.Exporter = "otlp"
		cfg.Tracing.Endpoint = v
	}
	return nil
}
