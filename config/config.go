// Package config defines the TOML configuration for the mailrelay server.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/StarZeus/mailrelay/helpers"
)

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Output string `toml:"output"` // "stdout", "stderr" or a file path
	Format string `toml:"format"` // "console" or "json"
	Level  string `toml:"level"`  // "debug", "info", "warn", "error"
}

// DatabaseConfig holds the PostgreSQL connection configuration.
type DatabaseConfig struct {
	Host            string `toml:"host"`
	Port            int    `toml:"port"`
	User            string `toml:"user"`
	Password        string `toml:"password"`
	Name            string `toml:"name"`
	TLSMode         bool   `toml:"tls"`
	LogQueries      bool   `toml:"log_queries"`
	MaxConns        int    `toml:"max_conns"`
	MinConns        int    `toml:"min_conns"`
	MaxConnLifetime string `toml:"max_conn_lifetime"`
	MaxConnIdleTime string `toml:"max_conn_idle_time"`
}

// GetMaxConnLifetime parses the max connection lifetime duration.
func (d *DatabaseConfig) GetMaxConnLifetime() (time.Duration, error) {
	if d.MaxConnLifetime == "" {
		return time.Hour, nil
	}
	return helpers.ParseDuration(d.MaxConnLifetime)
}

// GetMaxConnIdleTime parses the max connection idle time duration.
func (d *DatabaseConfig) GetMaxConnIdleTime() (time.Duration, error) {
	if d.MaxConnIdleTime == "" {
		return 30 * time.Minute, nil
	}
	return helpers.ParseDuration(d.MaxConnIdleTime)
}

// SMTPConfig holds the inbound SMTP listener configuration.
type SMTPConfig struct {
	Start          bool   `toml:"start"`
	Addr           string `toml:"addr"`     // listen address, e.g. ":2525"
	Hostname       string `toml:"hostname"` // advertised in the SMTP banner
	MaxMessageSize int64  `toml:"max_message_size"`
	TLS            bool   `toml:"tls"`
	TLSCertFile    string `toml:"tls_cert_file"`
	TLSKeyFile     string `toml:"tls_key_file"`
	AuthOptional   *bool  `toml:"auth_optional"` // default true; any credentials are accepted
	Debug          bool   `toml:"debug"`
}

// GetMaxMessageSize returns the maximum accepted message size in bytes.
func (s *SMTPConfig) GetMaxMessageSize() int64 {
	if s.MaxMessageSize <= 0 {
		return 25 << 20
	}
	return s.MaxMessageSize
}

// GetAuthOptional returns whether unauthenticated sessions are accepted.
func (s *SMTPConfig) GetAuthOptional() bool {
	if s.AuthOptional == nil {
		return true
	}
	return *s.AuthOptional
}

// RelayConfig holds the outbound SMTP relay configuration used by the
// forward and template-relay actions. Credentials come from configuration,
// never from rule data.
type RelayConfig struct {
	Host        string `toml:"host"` // host:port of the upstream relay
	Security    string `toml:"security"` // "tls", "starttls" or "none"
	TLSVerify   *bool  `toml:"tls_verify"`
	Username    string `toml:"username"`
	Password    string `toml:"password"`
	FromAddress string `toml:"from_address"`
}

// GetTLSVerify returns whether upstream TLS certificates are verified.
func (r *RelayConfig) GetTLSVerify() bool {
	if r.TLSVerify == nil {
		return true
	}
	return *r.TLSVerify
}

// PipelineConfig holds rule evaluation and action dispatch configuration.
type PipelineConfig struct {
	MaxAttempts    int    `toml:"max_attempts"`    // total attempts per action (default 3)
	BackoffBase    string `toml:"backoff_base"`    // first retry delay (default "2s")
	SandboxTimeout string `toml:"sandbox_timeout"` // script wall-clock budget (default "5s")
}

// GetMaxAttempts returns the total attempt budget per action.
func (p *PipelineConfig) GetMaxAttempts() int {
	if p.MaxAttempts <= 0 {
		return 3
	}
	return p.MaxAttempts
}

// GetBackoffBase parses the base retry delay.
func (p *PipelineConfig) GetBackoffBase() (time.Duration, error) {
	if p.BackoffBase == "" {
		return 2 * time.Second, nil
	}
	return helpers.ParseDuration(p.BackoffBase)
}

// GetSandboxTimeout parses the script sandbox wall-clock budget.
func (p *PipelineConfig) GetSandboxTimeout() (time.Duration, error) {
	if p.SandboxTimeout == "" {
		return 5 * time.Second, nil
	}
	return helpers.ParseDuration(p.SandboxTimeout)
}

// HTTPAPIConfig holds the HTTP API server configuration.
type HTTPAPIConfig struct {
	Start        bool     `toml:"start"`
	Addr         string   `toml:"addr"`
	APIKey       string   `toml:"api_key"`
	AllowedHosts []string `toml:"allowed_hosts"`
	TLS          bool     `toml:"tls"`
	TLSCertFile  string   `toml:"tls_cert_file"`
	TLSKeyFile   string   `toml:"tls_key_file"`
}

// Config is the top-level configuration.
type Config struct {
	Logging  LoggingConfig  `toml:"logging"`
	Database DatabaseConfig `toml:"database"`
	SMTP     SMTPConfig     `toml:"smtp"`
	Relay    RelayConfig    `toml:"relay"`
	Pipeline PipelineConfig `toml:"pipeline"`
	HTTPAPI  HTTPAPIConfig  `toml:"http_api"`
}

// NewDefaultConfig returns a configuration populated with application
// defaults. Values from the config file and command-line flags are layered
// on top.
func NewDefaultConfig() Config {
	return Config{
		Logging: LoggingConfig{
			Output: "stderr",
			Format: "console",
			Level:  "info",
		},
		Database: DatabaseConfig{
			Host: "localhost",
			Port: 5432,
			User: "postgres",
			Name: "mailrelay",
		},
		SMTP: SMTPConfig{
			Start:          true,
			Addr:           ":2525",
			Hostname:       "localhost",
			MaxMessageSize: 25 << 20, // 25MB
		},
		Pipeline: PipelineConfig{
			MaxAttempts:    3,
			BackoffBase:    "2s",
			SandboxTimeout: "5s",
		},
		HTTPAPI: HTTPAPIConfig{
			Addr: ":8080",
		},
	}
}

// Load reads the TOML configuration file at path into cfg.
func Load(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}
	if err := toml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("failed to parse config file: %w", err)
	}
	return cfg.Validate()
}

// Validate checks the configuration for inconsistencies that would only
// surface later at runtime.
func (c *Config) Validate() error {
	switch c.Relay.Security {
	case "", "tls", "starttls", "none":
	default:
		return fmt.Errorf("invalid relay security mode %q (expected tls, starttls or none)", c.Relay.Security)
	}

	if c.SMTP.TLS && (c.SMTP.TLSCertFile == "" || c.SMTP.TLSKeyFile == "") {
		return fmt.Errorf("smtp: tls enabled but tls_cert_file/tls_key_file not set")
	}
	if c.HTTPAPI.Start && c.HTTPAPI.APIKey == "" {
		return fmt.Errorf("http_api: api_key is required when the API server is enabled")
	}

	if _, err := c.Pipeline.GetBackoffBase(); err != nil {
		return fmt.Errorf("pipeline: invalid backoff_base: %w", err)
	}
	if _, err := c.Pipeline.GetSandboxTimeout(); err != nil {
		return fmt.Errorf("pipeline: invalid sandbox_timeout: %w", err)
	}

	return nil
}
