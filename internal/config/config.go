// Package config provides hierarchical configuration loading for PyForge.
// Precedence: defaults < YAML file < environment variables.
package config

import "time"

// Config holds all runtime configuration for the PyForge server.
type Config struct {
	Server    Server    `yaml:"server"`
	Engine    Engine    `yaml:"engine"`
	Pool      Pool      `yaml:"pool"`
	Breaker   Breaker   `yaml:"breaker"`
	Workspace Workspace `yaml:"workspace"`
	Cache     Cache     `yaml:"cache"`
	Debug     Debug     `yaml:"debug"`
	Logging   Logging   `yaml:"logging"`
	Telemetry Telemetry `yaml:"telemetry"`
}

// Server identifies the MCP server to connecting clients.
type Server struct {
	Name    string `yaml:"name"`
	Version string `yaml:"version"`
}

// Engine holds language engine subprocess configuration.
type Engine struct {
	Command          []string      `yaml:"command"`            // argv; never joined into a shell string
	LanguageID       string        `yaml:"language_id"`        // languageId sent in didOpen
	RequestTimeout   time.Duration `yaml:"request_timeout"`    // per-request deadline (default: 30s)
	HandshakeTimeout time.Duration `yaml:"handshake_timeout"`  // spawn + initialize deadline (default: 45s)
	IdleTimeout      time.Duration `yaml:"idle_timeout"`       // 0 disables idle shutdown (default: 5m)
	IdlePollInterval time.Duration `yaml:"idle_poll_interval"` // idle watcher wakeup period (default: 30s)
	ShutdownGrace    time.Duration `yaml:"shutdown_grace"`     // wait before killing the process (default: 5s)
}

// Pool holds engine connection pool configuration.
type Pool struct {
	Capacity         int `yaml:"capacity"`          // max concurrently pooled workspaces (default: 3)
	SpawnConcurrency int `yaml:"spawn_concurrency"` // max concurrent spawn+handshake sequences (default: 2)
}

// Breaker holds circuit breaker configuration for engine spawning.
type Breaker struct {
	MaxFailures int           `yaml:"max_failures"`
	Timeout     time.Duration `yaml:"timeout"`
}

// Workspace holds workspace root validation configuration.
type Workspace struct {
	AllowedRoots []string `yaml:"allowed_roots"` // empty = any root is allowed
}

// Cache holds query response cache configuration.
type Cache struct {
	Enabled   bool          `yaml:"enabled"`
	TTL       time.Duration `yaml:"ttl"`
	MaxSizeMB int64         `yaml:"max_size_mb"`
}

// Debug holds the optional HTTP debug listener configuration.
type Debug struct {
	Addr         string        `yaml:"addr"` // empty = disabled
	CORSOrigin   string        `yaml:"cors_origin"`
	AuthToken    string        `yaml:"auth_token"`    // empty = unauthenticated
	DiagDebounce time.Duration `yaml:"diag_debounce"` // collapse diagnostics bursts before broadcasting
}

// Logging holds structured logging configuration.
type Logging struct {
	Level   string `yaml:"level"`
	Service string `yaml:"service"`
	Async   bool   `yaml:"async"`
}

// Telemetry holds OpenTelemetry export configuration.
type Telemetry struct {
	Endpoint string        `yaml:"endpoint"` // OTLP gRPC endpoint; empty = disabled
	Interval time.Duration `yaml:"interval"` // metric export interval
}

// Defaults returns a Config with sensible default values.
func Defaults() Config {
	return Config{
		Server: Server{
			Name:    "pyforge",
			Version: "0.1.0",
		},
		Engine: Engine{
			Command:          []string{"pyright-langserver", "--stdio"},
			LanguageID:       "python",
			RequestTimeout:   30 * time.Second,
			HandshakeTimeout: 45 * time.Second,
			IdleTimeout:      5 * time.Minute,
			IdlePollInterval: 30 * time.Second,
			ShutdownGrace:    5 * time.Second,
		},
		Pool: Pool{
			Capacity:         3,
			SpawnConcurrency: 2,
		},
		Breaker: Breaker{
			MaxFailures: 3,
			Timeout:     30 * time.Second,
		},
		Cache: Cache{
			Enabled:   false,
			TTL:       30 * time.Second,
			MaxSizeMB: 64,
		},
		Debug: Debug{
			Addr:         "",
			CORSOrigin:   "http://localhost:3000",
			DiagDebounce: 250 * time.Millisecond,
		},
		Logging: Logging{
			Level:   "info",
			Service: "pyforge",
		},
		Telemetry: Telemetry{
			Interval: time.Minute,
		},
	}
}
