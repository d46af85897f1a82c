package config

import (
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	commoncfg "github.com/gaspardpetit/livelink/core/config"
)

// AgentConfig holds configuration for the livelink agent.
type AgentConfig struct {
	Endpoint          string        `yaml:"endpoint"`
	AuthPayload       string        `yaml:"auth_payload"`
	AuthPayloadFile   string        `yaml:"auth_payload_file"`
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
	AuthTimeout       time.Duration `yaml:"auth_timeout"`
	StatusAddr        string        `yaml:"status_addr"`
	MetricsAddr       string        `yaml:"metrics_addr"`
	RedisURL          string        `yaml:"redis_url"`
	RedisChannel      string        `yaml:"redis_channel"`
	Reconnect         bool          `yaml:"reconnect"`
	LogLevel          string        `yaml:"log_level"`
	LogFormat         string        `yaml:"log_format"`
	ConfigFile        string        `yaml:"-"`
}

// BindFlags seeds the config from the environment and registers flags on fs
// that override it.
func (c *AgentConfig) BindFlags(fs *flag.FlagSet) {
	c.ConfigFile = commoncfg.GetEnv("CONFIG_FILE", commoncfg.DefaultConfigPath("agent.yaml"))
	c.LogLevel = commoncfg.GetEnv("LOG_LEVEL", "info")
	c.LogFormat = commoncfg.GetEnv("LOG_FORMAT", "console")
	c.Endpoint = commoncfg.GetEnv("ENDPOINT", "")
	c.AuthPayload = commoncfg.GetEnv("AUTH_PAYLOAD", "")
	c.AuthPayloadFile = commoncfg.GetEnv("AUTH_PAYLOAD_FILE", "")
	c.HeartbeatInterval = envDuration("HEARTBEAT_INTERVAL", 20*time.Second)
	c.AuthTimeout = envDuration("AUTH_TIMEOUT", 30*time.Second)
	c.StatusAddr = commoncfg.GetEnv("STATUS_ADDR", "")
	mp := commoncfg.GetEnv("METRICS_PORT", "")
	if mp != "" && !strings.Contains(mp, ":") {
		mp = ":" + mp
	}
	c.MetricsAddr = mp
	c.RedisURL = commoncfg.GetEnv("REDIS_URL", "")
	c.RedisChannel = commoncfg.GetEnv("REDIS_CHANNEL", "livelink")
	if b, err := strconv.ParseBool(commoncfg.GetEnv("RECONNECT", "false")); err == nil {
		c.Reconnect = b
	}

	fs.StringVar(&c.Endpoint, "endpoint", c.Endpoint, "push server WebSocket URL (e.g. wss://example.com/sub)")
	fs.StringVar(&c.AuthPayload, "auth-payload", c.AuthPayload, "opaque authentication payload sent in the AUTH frame")
	fs.StringVar(&c.AuthPayloadFile, "auth-payload-file", c.AuthPayloadFile, "read the authentication payload from this file")
	fs.DurationVar(&c.HeartbeatInterval, "heartbeat-interval", c.HeartbeatInterval, "keep-alive period while streaming")
	fs.DurationVar(&c.AuthTimeout, "auth-timeout", c.AuthTimeout, "time to wait for AUTH_REPLY")
	fs.StringVar(&c.StatusAddr, "status-addr", c.StatusAddr, "local status HTTP listen address (enables /status; e.g. 127.0.0.1:4556)")
	fs.StringVar(&c.MetricsAddr, "metrics-port", c.MetricsAddr, "Prometheus metrics listen address or port (disabled when empty)")
	fs.StringVar(&c.RedisURL, "redis-url", c.RedisURL, "publish messages to this Redis (redis://, rediss://, redis-sentinel://)")
	fs.StringVar(&c.RedisChannel, "redis-channel", c.RedisChannel, "Redis pub/sub channel prefix")
	fs.BoolVar(&c.Reconnect, "reconnect", c.Reconnect, "start a new connection attempt after a failure")
	fs.BoolVar(&c.Reconnect, "r", c.Reconnect, "short for --reconnect")
	fs.StringVar(&c.ConfigFile, "config", c.ConfigFile, "agent config file path")
	fs.StringVar(&c.LogLevel, "log-level", c.LogLevel, "log verbosity (all, debug, info, warn, error, fatal, none)")
	fs.StringVar(&c.LogFormat, "log-format", c.LogFormat, "log output format (console or json)")
}

func envDuration(key string, def time.Duration) time.Duration {
	if d, err := time.ParseDuration(commoncfg.GetEnv(key, def.String())); err == nil {
		return d
	}
	return def
}

// LoadFile populates the config from a YAML file. Fields already set remain
// unless overwritten by corresponding entries in the file.
func (c *AgentConfig) LoadFile(path string) error {
	b, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return yaml.Unmarshal(b, c)
}

// ResolveAuthPayload loads the auth payload from AuthPayloadFile when no
// inline payload was given.
func (c *AgentConfig) ResolveAuthPayload() error {
	if c.AuthPayload != "" || c.AuthPayloadFile == "" {
		return nil
	}
	b, err := os.ReadFile(c.AuthPayloadFile)
	if err != nil {
		return fmt.Errorf("read auth payload: %w", err)
	}
	c.AuthPayload = strings.TrimSpace(string(b))
	return nil
}

// Validate checks the fields required to start a connection.
func (c *AgentConfig) Validate() error {
	if strings.TrimSpace(c.Endpoint) == "" {
		return fmt.Errorf("endpoint is required")
	}
	if !strings.HasPrefix(c.Endpoint, "ws://") && !strings.HasPrefix(c.Endpoint, "wss://") {
		return fmt.Errorf("endpoint %q must be a ws:// or wss:// URL", c.Endpoint)
	}
	return nil
}
