// Package config provides YAML-based configuration loading for meshwatch.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level meshwatch configuration, loaded from meshwatch.yaml.
type Config struct {
	Device     DeviceConfig     `yaml:"device"`
	Database   DatabaseConfig   `yaml:"database"`
	Gateway    GatewayConfig    `yaml:"gateway"`
	Chat       ChatConfig       `yaml:"chat"`
	Listener   ListenerConfig   `yaml:"listener"`
	Traceroute TracerouteConfig `yaml:"traceroute"`
}

// DeviceConfig holds connection settings for the mesh device bridge.
type DeviceConfig struct {
	Host      string `yaml:"host"`
	Port      int    `yaml:"port"`
	ClientID  string `yaml:"client_id"`
	RootTopic string `yaml:"root_topic"`
	Username  string `yaml:"username"`
	Password  string `yaml:"password"`
}

// DatabaseConfig selects and configures the persistence backend.
// SQLite is the default; MySQL is available for shared deployments.
type DatabaseConfig struct {
	Driver string `yaml:"driver"`
	Path   string `yaml:"path"`
	DSN    string `yaml:"dsn"`
}

// GatewayConfig configures the local outbound-send HTTP service.
type GatewayConfig struct {
	Port int `yaml:"port"`
}

// ChatConfig configures the chat-completion collaborator.
type ChatConfig struct {
	APIKey         string `yaml:"api_key"`
	BaseURL        string `yaml:"base_url"`
	Model          string `yaml:"model"`
	SystemPrompt   string `yaml:"system_prompt"`
	TriggerCommand string `yaml:"trigger_command"`
	MaxTokens      int    `yaml:"max_tokens"`
}

// ListenerConfig holds supervisor timing and message limits.
type ListenerConfig struct {
	InitialRetrySeconds int `yaml:"initial_retry_seconds"`
	MaxRetrySeconds     int `yaml:"max_retry_seconds"`
	PollSeconds         int `yaml:"poll_seconds"`
	GatewayGraceSeconds int `yaml:"gateway_grace_seconds"`
	MaxMessageLength    int `yaml:"max_message_length"`
}

// TracerouteConfig controls how routing replies carrying error markers are handled.
type TracerouteConfig struct {
	PersistErrors bool `yaml:"persist_errors"`
}

// Load reads a YAML config file from path and returns a validated Config.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	return Parse(data)
}

// Parse unmarshals YAML bytes into a validated Config.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// applyDefaults fills in derived and default values.
func (c *Config) applyDefaults() {
	if c.Device.Port == 0 {
		c.Device.Port = 1883
	}
	if c.Device.ClientID == "" {
		c.Device.ClientID = "meshwatch"
	}
	if c.Device.RootTopic == "" {
		c.Device.RootTopic = "mesh"
	}
	if c.Database.Driver == "" {
		c.Database.Driver = "sqlite"
	}
	if c.Database.Driver == "sqlite" && c.Database.Path == "" {
		c.Database.Path = "meshwatch.db"
	}
	if c.Gateway.Port == 0 {
		c.Gateway.Port = 5555
	}
	if c.Chat.BaseURL == "" {
		c.Chat.BaseURL = "https://api.openai.com/v1"
	}
	if c.Chat.Model == "" {
		c.Chat.Model = "gpt-3.5-turbo"
	}
	if c.Chat.SystemPrompt == "" {
		c.Chat.SystemPrompt = "You are a helpful assistant replying over a bandwidth-constrained radio mesh. Keep answers short."
	}
	if c.Chat.TriggerCommand == "" {
		c.Chat.TriggerCommand = "!chat"
	}
	if c.Chat.MaxTokens == 0 {
		c.Chat.MaxTokens = 150
	}
	if c.Listener.InitialRetrySeconds == 0 {
		c.Listener.InitialRetrySeconds = 5
	}
	if c.Listener.MaxRetrySeconds == 0 {
		c.Listener.MaxRetrySeconds = 60
	}
	if c.Listener.PollSeconds == 0 {
		c.Listener.PollSeconds = 5
	}
	if c.Listener.GatewayGraceSeconds == 0 {
		c.Listener.GatewayGraceSeconds = 3
	}
	if c.Listener.MaxMessageLength == 0 {
		c.Listener.MaxMessageLength = 220
	}
}

// validate checks that all required fields are present and consistent.
func (c *Config) validate() error {
	var errs []string
	if c.Device.Host == "" {
		errs = append(errs, "device.host is required")
	}
	switch c.Database.Driver {
	case "sqlite":
	case "mysql":
		if c.Database.DSN == "" {
			errs = append(errs, "database.dsn is required for the mysql driver")
		}
	default:
		errs = append(errs, fmt.Sprintf("database.driver %q is not supported (sqlite, mysql)", c.Database.Driver))
	}
	if c.Listener.MaxRetrySeconds < c.Listener.InitialRetrySeconds {
		errs = append(errs, "listener.max_retry_seconds must be >= listener.initial_retry_seconds")
	}
	if len(errs) > 0 {
		return fmt.Errorf("config: validation failed: %s", strings.Join(errs, "; "))
	}
	return nil
}

// InitialRetry returns the supervisor's initial reconnect backoff.
func (c *Config) InitialRetry() time.Duration {
	return time.Duration(c.Listener.InitialRetrySeconds) * time.Second
}

// MaxRetry returns the supervisor's backoff cap.
func (c *Config) MaxRetry() time.Duration {
	return time.Duration(c.Listener.MaxRetrySeconds) * time.Second
}

// PollInterval returns the supervisor's health-check poll interval.
func (c *Config) PollInterval() time.Duration {
	return time.Duration(c.Listener.PollSeconds) * time.Second
}

// GatewayGrace returns how long the supervisor waits for the gateway to bind.
func (c *Config) GatewayGrace() time.Duration {
	return time.Duration(c.Listener.GatewayGraceSeconds) * time.Second
}
