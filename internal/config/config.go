// Package config provides configuration parsing and validation for the
// connudp tools.
package config

import (
	"fmt"
	"net/netip"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"gopkg.in/yaml.v3"

	"github.com/postalsys/connudp/internal/logging"
)

// MaxDatagramSize is the largest UDP payload over IPv4.
const MaxDatagramSize = 65507

// Config is the complete tool configuration.
type Config struct {
	LogLevel  string        `yaml:"log_level"`  // debug, info, warn, error
	LogFormat string        `yaml:"log_format"` // text, json
	Metrics   MetricsConfig `yaml:"metrics"`
	Echo      EchoConfig    `yaml:"echo"`
	Ping      PingConfig    `yaml:"ping"`
}

// MetricsConfig controls the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Address string `yaml:"address"`
}

// EchoConfig configures the reflector.
type EchoConfig struct {
	Address         string `yaml:"address"`
	Reverse         bool   `yaml:"reverse"`
	MaxDatagramSize int    `yaml:"max_datagram_size"`
	RateLimit       string `yaml:"rate_limit"` // bytes per second, e.g. "256KiB"; empty is unlimited
}

// PingConfig configures the pinger.
type PingConfig struct {
	Peer        string        `yaml:"peer"`
	Local       string        `yaml:"local"`
	Count       int           `yaml:"count"`
	Interval    time.Duration `yaml:"interval"`
	Timeout     time.Duration `yaml:"timeout"`
	Payload     string        `yaml:"payload"`
	PayloadSize string        `yaml:"payload_size"` // e.g. "64B"; empty means len(payload)
	TOS         int           `yaml:"tos"`
	TTL         int           `yaml:"ttl"`
}

// Default returns a Config with default values.
func Default() *Config {
	return &Config{
		LogLevel:  "info",
		LogFormat: "text",
		Metrics: MetricsConfig{
			Enabled: false,
			Address: "127.0.0.1:9102",
		},
		Echo: EchoConfig{
			Address:         "127.0.0.1:7777",
			Reverse:         true,
			MaxDatagramSize: 1472,
		},
		Ping: PingConfig{
			Count:    4,
			Interval: time.Second,
			Timeout:  2 * time.Second,
			Payload:  "ping",
		},
	}
}

// Load reads and parses a configuration file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	return Parse(data)
}

// Parse parses configuration from YAML bytes on top of the defaults.
func Parse(data []byte) (*Config, error) {
	expanded := expandEnvVars(string(data))

	cfg := Default()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// envVarRegex matches ${VAR} or $VAR patterns
var envVarRegex = regexp.MustCompile(`\$\{([^}]+)\}|\$([A-Za-z_][A-Za-z0-9_]*)`)

// expandEnvVars replaces environment variable references with their values.
// ${VAR:-default} falls back to default when VAR is unset. Unknown variables
// are left as written.
func expandEnvVars(s string) string {
	return envVarRegex.ReplaceAllStringFunc(s, func(match string) string {
		var name string
		if strings.HasPrefix(match, "${") {
			name = match[2 : len(match)-1]
		} else {
			name = match[1:]
		}

		if idx := strings.Index(name, ":-"); idx != -1 {
			if val, ok := os.LookupEnv(name[:idx]); ok {
				return val
			}
			return name[idx+2:]
		}

		if val, ok := os.LookupEnv(name); ok {
			return val
		}
		return match
	})
}

// Validate checks the configuration for errors. The ping peer is not
// required here since the CLI usually supplies it as an argument.
func (c *Config) Validate() error {
	var errs []string

	if !logging.IsValidLevel(c.LogLevel) {
		errs = append(errs, fmt.Sprintf("invalid log_level: %s (must be debug, info, warn, or error)", c.LogLevel))
	}
	if !logging.IsValidFormat(c.LogFormat) {
		errs = append(errs, fmt.Sprintf("invalid log_format: %s (must be text or json)", c.LogFormat))
	}

	if c.Metrics.Enabled && c.Metrics.Address == "" {
		errs = append(errs, "metrics.address is required when enabled")
	}

	if !isValidAddrPort(c.Echo.Address) {
		errs = append(errs, fmt.Sprintf("echo.address: invalid address: %s", c.Echo.Address))
	}
	if c.Echo.MaxDatagramSize < 1 || c.Echo.MaxDatagramSize > MaxDatagramSize {
		errs = append(errs, fmt.Sprintf("echo.max_datagram_size must be between 1 and %d", MaxDatagramSize))
	}
	if _, err := c.Echo.RateLimitBytes(); err != nil {
		errs = append(errs, fmt.Sprintf("echo.rate_limit: %v", err))
	}

	if c.Ping.Peer != "" && !isValidAddrPort(c.Ping.Peer) {
		errs = append(errs, fmt.Sprintf("ping.peer: invalid address: %s", c.Ping.Peer))
	}
	if c.Ping.Local != "" && !isValidAddrPort(c.Ping.Local) {
		errs = append(errs, fmt.Sprintf("ping.local: invalid address: %s", c.Ping.Local))
	}
	if c.Ping.Count < 1 {
		errs = append(errs, "ping.count must be positive")
	}
	if c.Ping.Interval <= 0 {
		errs = append(errs, "ping.interval must be positive")
	}
	if c.Ping.Timeout <= 0 {
		errs = append(errs, "ping.timeout must be positive")
	}
	if size, err := c.Ping.Size(); err != nil {
		errs = append(errs, fmt.Sprintf("ping.payload_size: %v", err))
	} else if size > MaxDatagramSize {
		errs = append(errs, fmt.Sprintf("ping.payload_size must be at most %d bytes", MaxDatagramSize))
	}
	if c.Ping.TOS < 0 || c.Ping.TOS > 255 {
		errs = append(errs, "ping.tos must be between 0 and 255")
	}
	if c.Ping.TTL < 0 || c.Ping.TTL > 255 {
		errs = append(errs, "ping.ttl must be between 0 and 255")
	}

	if len(errs) > 0 {
		return fmt.Errorf("validation errors:\n  - %s", strings.Join(errs, "\n  - "))
	}

	return nil
}

// RateLimitBytes returns the reflector bandwidth cap in bytes per second,
// or 0 when unlimited.
func (e EchoConfig) RateLimitBytes() (int64, error) {
	return parseSize(e.RateLimit)
}

// Size returns the probe payload size in bytes. Without payload_size it is
// the length of the payload string.
func (p PingConfig) Size() (int, error) {
	if strings.TrimSpace(p.PayloadSize) == "" {
		return len(p.Payload), nil
	}
	n, err := parseSize(p.PayloadSize)
	if err != nil {
		return 0, err
	}
	return int(n), nil
}

// parseSize parses "64B", "1KiB", "1.5MB" or a plain byte count. An empty
// string is zero.
func parseSize(s string) (int64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, nil
	}
	n, err := humanize.ParseBytes(s)
	if err != nil {
		return 0, fmt.Errorf("invalid size format '%s': %w", s, err)
	}
	return int64(n), nil
}

func isValidAddrPort(s string) bool {
	_, err := netip.ParseAddrPort(s)
	return err == nil
}

// String returns the configuration as YAML.
func (c *Config) String() string {
	data, _ := yaml.Marshal(c)
	return string(data)
}
