package relaymq

import (
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"

	"gopkg.in/yaml.v3"
)

// Config holds the immutable connection parameters for a Client.
type Config struct {
	Host                      string `yaml:"host"`
	Port                      int    `yaml:"port"`
	VHost                     string `yaml:"vhost"`
	Username                  string `yaml:"username"`
	Password                  string `yaml:"password"`
	HeartbeatSeconds          int    `yaml:"heartbeatSeconds"`
	ReconnectBaseDelaySeconds int    `yaml:"reconnectBaseDelaySeconds"`
	MaxRetries                int    `yaml:"maxRetries"`
	DialTimeoutSeconds        int    `yaml:"dialTimeoutSeconds"`
}

// DefaultConfig returns built-in defaults: a local broker, heartbeats
// disabled, 2s base reconnect delay, 5 attempts.
func DefaultConfig() Config {
	return Config{
		Host:                      "127.0.0.1",
		Port:                      5672,
		VHost:                     "/",
		Username:                  "guest",
		Password:                  "guest",
		HeartbeatSeconds:          0,
		ReconnectBaseDelaySeconds: 2,
		MaxRetries:                5,
		DialTimeoutSeconds:        30,
	}
}

// LoadConfig reads configuration from a YAML file, overlaying the defaults.
// If path is empty, returns defaults.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	if path == "" {
		return cfg, nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}

// FromEnv overlays RELAYMQ_* environment variables onto cfg.
func FromEnv(cfg *Config) {
	if v := os.Getenv("RELAYMQ_HOST"); v != "" {
		cfg.Host = v
	}
	if v := os.Getenv("RELAYMQ_PORT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Port = n
		}
	}
	if v := os.Getenv("RELAYMQ_VHOST"); v != "" {
		cfg.VHost = v
	}
	if v := os.Getenv("RELAYMQ_USERNAME"); v != "" {
		cfg.Username = v
	}
	if v := os.Getenv("RELAYMQ_PASSWORD"); v != "" {
		cfg.Password = v
	}
	if v := os.Getenv("RELAYMQ_HEARTBEAT_SECONDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.HeartbeatSeconds = n
		}
	}
	if v := os.Getenv("RELAYMQ_RECONNECT_BASE_DELAY_SECONDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.ReconnectBaseDelaySeconds = n
		}
	}
	if v := os.Getenv("RELAYMQ_MAX_RETRIES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.MaxRetries = n
		}
	}
	if v := os.Getenv("RELAYMQ_DIAL_TIMEOUT_SECONDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.DialTimeoutSeconds = n
		}
	}
}

// Validate reports configuration errors before any connection attempt.
func (c Config) Validate() error {
	if c.Host == "" {
		return errors.New("config: host is required")
	}
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("config: invalid port %d", c.Port)
	}
	if c.MaxRetries < 0 {
		return fmt.Errorf("config: maxRetries must not be negative, got %d", c.MaxRetries)
	}
	if c.ReconnectBaseDelaySeconds < 0 {
		return fmt.Errorf("config: reconnectBaseDelaySeconds must not be negative, got %d", c.ReconnectBaseDelaySeconds)
	}
	if c.HeartbeatSeconds < 0 {
		return fmt.Errorf("config: heartbeatSeconds must not be negative, got %d", c.HeartbeatSeconds)
	}
	return nil
}

// Addr returns the broker address as host:port.
func (c Config) Addr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// Redacted returns a display URL for the broker with the password masked.
func (c Config) Redacted() string {
	return fmt.Sprintf("amqp://%s:***@%s%s", c.Username, c.Addr(), c.VHost)
}
