// ABOUTME: Configuration loading and parsing for the gestalt gateway.
// ABOUTME: Supports YAML files with environment variable expansion and duration parsing.

package config

import (
	"fmt"
	"os"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete gateway configuration.
type Config struct {
	Server  ServerConfig  `yaml:"server"`
	Brain   BrainConfig   `yaml:"brain"`
	Clients ClientsConfig `yaml:"clients"`
	Logging LoggingConfig `yaml:"logging"`
}

// ServerConfig holds bind address configuration.
type ServerConfig struct {
	// WSAddr is the HTTP/WebSocket listen address serving the /cc endpoint.
	WSAddr string `yaml:"ws_addr"`
	// GRPCAddr is the control-plane gRPC listen address the Brain calls back on.
	GRPCAddr string `yaml:"grpc_addr"`
}

// BrainConfig holds the upstream Brain connection configuration.
type BrainConfig struct {
	Addr string `yaml:"addr"`

	ReconnectBackoff time.Duration `yaml:"-"`
	ConnectTimeout   time.Duration `yaml:"-"`

	// Raw string values for YAML unmarshaling
	ReconnectBackoffRaw string `yaml:"reconnect_backoff"`
	ConnectTimeoutRaw   string `yaml:"connect_timeout"`
}

// ClientsConfig holds per-connection tuning for WebSocket clients.
type ClientsConfig struct {
	IdleTimeout time.Duration `yaml:"-"`
	// SendBuffer is the capacity of each client's outbound message channel.
	SendBuffer int `yaml:"send_buffer"`

	IdleTimeoutRaw string `yaml:"idle_timeout"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Default returns the built-in configuration used when no config file exists.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			WSAddr:   ":3000",
			GRPCAddr: "127.0.0.1:50052",
		},
		Brain: BrainConfig{
			Addr:             "127.0.0.1:50051",
			ReconnectBackoff: 3000 * time.Millisecond,
			ConnectTimeout:   10 * time.Second,
		},
		Clients: ClientsConfig{
			IdleTimeout: 120 * time.Second,
			SendBuffer:  8,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load reads a configuration file from the given path and returns a parsed Config.
// Environment variables in the format ${VAR_NAME} are expanded.
// Duration strings are parsed into time.Duration values, and unset fields
// fall back to the defaults from Default.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	// Expand environment variables in the raw YAML content
	expandedData := expandEnvVars(string(data))

	cfg := Default()
	if err := yaml.Unmarshal([]byte(expandedData), cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	if err := parseDurations(cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	re := regexp.MustCompile(`\$\{([^}]+)\}`)

	return re.ReplaceAllStringFunc(s, func(match string) string {
		varName := re.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	if c.Server.WSAddr == "" {
		return fmt.Errorf("server.ws_addr is required")
	}
	if c.Server.GRPCAddr == "" {
		return fmt.Errorf("server.grpc_addr is required")
	}
	if c.Brain.Addr == "" {
		return fmt.Errorf("brain.addr is required")
	}
	if c.Clients.SendBuffer <= 0 {
		return fmt.Errorf("clients.send_buffer must be positive")
	}
	if c.Clients.IdleTimeout <= 0 {
		return fmt.Errorf("clients.idle_timeout must be positive")
	}
	if c.Brain.ReconnectBackoff <= 0 {
		return fmt.Errorf("brain.reconnect_backoff must be positive")
	}
	return nil
}

// parseDurations converts the raw duration strings into time.Duration values.
func parseDurations(cfg *Config) error {
	var err error

	if cfg.Brain.ReconnectBackoffRaw != "" {
		cfg.Brain.ReconnectBackoff, err = time.ParseDuration(cfg.Brain.ReconnectBackoffRaw)
		if err != nil {
			return fmt.Errorf("parsing reconnect_backoff %q: %w", cfg.Brain.ReconnectBackoffRaw, err)
		}
	}

	if cfg.Brain.ConnectTimeoutRaw != "" {
		cfg.Brain.ConnectTimeout, err = time.ParseDuration(cfg.Brain.ConnectTimeoutRaw)
		if err != nil {
			return fmt.Errorf("parsing connect_timeout %q: %w", cfg.Brain.ConnectTimeoutRaw, err)
		}
	}

	if cfg.Clients.IdleTimeoutRaw != "" {
		cfg.Clients.IdleTimeout, err = time.ParseDuration(cfg.Clients.IdleTimeoutRaw)
		if err != nil {
			return fmt.Errorf("parsing idle_timeout %q: %w", cfg.Clients.IdleTimeoutRaw, err)
		}
	}

	return nil
}
