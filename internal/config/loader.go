package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultConfigFile is the path checked for YAML configuration.
const DefaultConfigFile = "pyforge.yaml"

// Load returns a Config using the hierarchy: defaults < YAML < ENV.
// YAML file is optional; missing file is not an error.
func Load() (*Config, error) {
	return LoadFrom(DefaultConfigFile)
}

// LoadFrom returns a Config loaded from the given YAML path using the
// hierarchy: defaults < YAML < ENV. The YAML file is optional.
func LoadFrom(yamlPath string) (*Config, error) {
	cfg := Defaults()

	if err := loadYAML(&cfg, yamlPath); err != nil {
		return nil, fmt.Errorf("config yaml: %w", err)
	}

	loadEnv(&cfg)

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validate: %w", err)
	}

	return &cfg, nil
}

// loadYAML reads the YAML file and unmarshals it over cfg.
// Returns nil if the file does not exist.
func loadYAML(cfg *Config, path string) error {
	data, err := os.ReadFile(path) //nolint:gosec // G304: path is validated by caller
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("read %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}

	return nil
}

// loadEnv overlays environment variables onto cfg.
// Only non-empty env values override the current config.
func loadEnv(cfg *Config) {
	setString(&cfg.Server.Name, "PYFORGE_SERVER_NAME")
	setString(&cfg.Server.Version, "PYFORGE_SERVER_VERSION")

	setArgv(&cfg.Engine.Command, "PYFORGE_ENGINE_COMMAND")
	setString(&cfg.Engine.LanguageID, "PYFORGE_ENGINE_LANGUAGE_ID")
	setDuration(&cfg.Engine.RequestTimeout, "PYFORGE_REQUEST_TIMEOUT")
	setDuration(&cfg.Engine.HandshakeTimeout, "PYFORGE_HANDSHAKE_TIMEOUT")
	setDuration(&cfg.Engine.IdleTimeout, "PYFORGE_IDLE_TIMEOUT")
	setDuration(&cfg.Engine.IdlePollInterval, "PYFORGE_IDLE_POLL_INTERVAL")
	setDuration(&cfg.Engine.ShutdownGrace, "PYFORGE_SHUTDOWN_GRACE")

	setInt(&cfg.Pool.Capacity, "PYFORGE_POOL_CAPACITY")
	setInt(&cfg.Pool.SpawnConcurrency, "PYFORGE_POOL_SPAWN_CONCURRENCY")

	setInt(&cfg.Breaker.MaxFailures, "PYFORGE_BREAKER_MAX_FAILURES")
	setDuration(&cfg.Breaker.Timeout, "PYFORGE_BREAKER_TIMEOUT")

	setSlice(&cfg.Workspace.AllowedRoots, "PYFORGE_ALLOWED_ROOTS")

	setBool(&cfg.Cache.Enabled, "PYFORGE_CACHE_ENABLED")
	setDuration(&cfg.Cache.TTL, "PYFORGE_CACHE_TTL")
	setInt64(&cfg.Cache.MaxSizeMB, "PYFORGE_CACHE_MAX_SIZE_MB")

	setString(&cfg.Debug.Addr, "PYFORGE_DEBUG_ADDR")
	setString(&cfg.Debug.CORSOrigin, "PYFORGE_DEBUG_CORS_ORIGIN")
	setString(&cfg.Debug.AuthToken, "PYFORGE_DEBUG_AUTH_TOKEN")
	setDuration(&cfg.Debug.DiagDebounce, "PYFORGE_DEBUG_DIAG_DEBOUNCE")

	setString(&cfg.Logging.Level, "PYFORGE_LOG_LEVEL")
	setString(&cfg.Logging.Service, "PYFORGE_LOG_SERVICE")
	setBool(&cfg.Logging.Async, "PYFORGE_LOG_ASYNC")

	setString(&cfg.Telemetry.Endpoint, "PYFORGE_OTLP_ENDPOINT")
	setDuration(&cfg.Telemetry.Interval, "PYFORGE_OTLP_INTERVAL")
}

// validate checks that required fields are set.
func validate(cfg *Config) error {
	if len(cfg.Engine.Command) == 0 {
		return errors.New("engine.command is required")
	}
	if cfg.Engine.LanguageID == "" {
		return errors.New("engine.language_id is required")
	}
	if cfg.Engine.RequestTimeout <= 0 {
		return errors.New("engine.request_timeout must be positive")
	}
	if cfg.Engine.HandshakeTimeout <= 0 {
		return errors.New("engine.handshake_timeout must be positive")
	}
	if cfg.Engine.IdleTimeout < 0 {
		return errors.New("engine.idle_timeout must not be negative")
	}
	if cfg.Engine.IdlePollInterval <= 0 {
		return errors.New("engine.idle_poll_interval must be positive")
	}
	if cfg.Pool.Capacity < 1 {
		return errors.New("pool.capacity must be >= 1")
	}
	if cfg.Pool.SpawnConcurrency < 1 {
		return errors.New("pool.spawn_concurrency must be >= 1")
	}
	if cfg.Breaker.MaxFailures < 1 {
		return errors.New("breaker.max_failures must be >= 1")
	}
	if cfg.Cache.Enabled && cfg.Cache.MaxSizeMB < 1 {
		return errors.New("cache.max_size_mb must be >= 1 when cache is enabled")
	}
	for _, root := range cfg.Workspace.AllowedRoots {
		if !filepath.IsAbs(root) {
			return fmt.Errorf("workspace.allowed_roots entry %q must be an absolute path", root)
		}
	}
	return nil
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setInt64(dst *int64, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			*dst = n
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setDuration(dst *time.Duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			*dst = d
		}
	}
}

// setArgv splits a whitespace-separated command into an argument vector.
// Quoting is not supported; arguments must not contain spaces.
func setArgv(dst *[]string, key string) {
	if v := os.Getenv(key); v != "" {
		if fields := strings.Fields(v); len(fields) > 0 {
			*dst = fields
		}
	}
}

// setSlice splits a comma-separated value into a string slice.
func setSlice(dst *[]string, key string) {
	if v := os.Getenv(key); v != "" {
		parts := strings.Split(v, ",")
		out := make([]string, 0, len(parts))
		for _, p := range parts {
			if p = strings.TrimSpace(p); p != "" {
				out = append(out, p)
			}
		}
		*dst = out
	}
}
