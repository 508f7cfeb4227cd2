// Package config loads YAML configuration for the gateway and agent
// binaries, with environment-variable overrides layered on top of file
// defaults. Command-line flags take the final say (applied by the caller
// after Load returns).
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// LoggingConfig is shared between the gateway and the agent.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	File   string `yaml:"file"`
}

// Gateway is the gateway process's configuration.
type Gateway struct {
	SocketPath     string        `yaml:"socket_path"`
	AdminAddr      string        `yaml:"admin_addr"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
	Logging        LoggingConfig `yaml:"logging"`
}

// DefaultGateway returns the built-in gateway defaults.
func DefaultGateway() *Gateway {
	return &Gateway{
		SocketPath:     "/tmp/wsrtunnel.sock",
		AdminAddr:      "127.0.0.1:7000",
		RequestTimeout: 600 * time.Second,
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// LoadGateway reads path (if non-empty) over the defaults, then applies
// WSRTUNNEL_GATEWAY_* environment overrides.
func LoadGateway(path string) (*Gateway, error) {
	cfg := DefaultGateway()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading gateway config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing gateway config %s: %w", path, err)
		}
	}
	applyGatewayEnv(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating gateway config: %w", err)
	}
	return cfg, nil
}

// Validate checks the gateway configuration for obvious errors.
func (c *Gateway) Validate() error {
	if c.SocketPath == "" {
		return fmt.Errorf("socket_path is required")
	}
	if c.AdminAddr == "" {
		return fmt.Errorf("admin_addr is required")
	}
	if c.RequestTimeout <= 0 {
		return fmt.Errorf("request_timeout must be positive")
	}
	return validateLogging(c.Logging)
}

func applyGatewayEnv(cfg *Gateway) {
	if v := os.Getenv("WSRTUNNEL_GATEWAY_SOCKET_PATH"); v != "" {
		cfg.SocketPath = v
	}
	if v := os.Getenv("WSRTUNNEL_GATEWAY_ADMIN_ADDR"); v != "" {
		cfg.AdminAddr = v
	}
	if v := os.Getenv("WSRTUNNEL_GATEWAY_REQUEST_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.RequestTimeout = d
		}
	}
	applyLoggingEnv("WSRTUNNEL_GATEWAY", &cfg.Logging)
}

// Agent is the agent process's configuration.
type Agent struct {
	GatewayURL      string        `yaml:"gateway_url"`
	ServiceURL      string        `yaml:"service_url"`
	GatewayProxyURL string        `yaml:"gateway_proxy_url"`
	MetricsAddr     string        `yaml:"metrics_addr"`
	ReconnectDelay  time.Duration `yaml:"reconnect_delay"`
	Logging         LoggingConfig `yaml:"logging"`
}

// DefaultAgent returns the built-in agent defaults. GatewayURL and
// ServiceURL have no default — they are required flags.
func DefaultAgent() *Agent {
	return &Agent{
		MetricsAddr:    "127.0.0.1:7001",
		ReconnectDelay: 10 * time.Second,
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// LoadAgent reads path (if non-empty) over the defaults, then applies
// WSRTUNNEL_AGENT_* environment overrides. It does not validate
// GatewayURL/ServiceURL — those are filled in and validated by the caller
// once flags have been layered on top.
func LoadAgent(path string) (*Agent, error) {
	cfg := DefaultAgent()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading agent config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing agent config %s: %w", path, err)
		}
	}
	applyAgentEnv(cfg)
	if err := validateLogging(cfg.Logging); err != nil {
		return nil, fmt.Errorf("validating agent config: %w", err)
	}
	return cfg, nil
}

func applyAgentEnv(cfg *Agent) {
	if v := os.Getenv("WSRTUNNEL_AGENT_GATEWAY_URL"); v != "" {
		cfg.GatewayURL = v
	}
	if v := os.Getenv("WSRTUNNEL_AGENT_SERVICE_URL"); v != "" {
		cfg.ServiceURL = v
	}
	if v := os.Getenv("WSRTUNNEL_AGENT_GATEWAY_PROXY_URL"); v != "" {
		cfg.GatewayProxyURL = v
	}
	if v := os.Getenv("WSRTUNNEL_AGENT_METRICS_ADDR"); v != "" {
		cfg.MetricsAddr = v
	}
	if v := os.Getenv("WSRTUNNEL_AGENT_RECONNECT_DELAY"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.ReconnectDelay = d
		}
	}
	applyLoggingEnv("WSRTUNNEL_AGENT", &cfg.Logging)
}

func applyLoggingEnv(prefix string, l *LoggingConfig) {
	if v := os.Getenv(prefix + "_LOG_LEVEL"); v != "" {
		l.Level = v
	}
	if v := os.Getenv(prefix + "_LOG_FORMAT"); v != "" {
		l.Format = v
	}
	if v := os.Getenv(prefix + "_LOG_FILE"); v != "" {
		l.File = v
	}
}

func validateLogging(l LoggingConfig) error {
	switch strings.ToLower(l.Level) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level must be one of: debug, info, warn, error (got %q)", l.Level)
	}
	switch strings.ToLower(l.Format) {
	case "json", "text":
	default:
		return fmt.Errorf("logging.format must be one of: json, text (got %q)", l.Format)
	}
	return nil
}
