package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Ingest   IngestConfig   `yaml:"ingest"`
	Server   ServerConfig   `yaml:"server"`
	Hub      HubConfig      `yaml:"hub"`
	Session  SessionConfig  `yaml:"session"`
	Liveness LivenessConfig `yaml:"liveness"`
}

type IngestConfig struct {
	SocketPath    string `yaml:"socket_path"`
	MaxFrameBytes int    `yaml:"max_frame_bytes"`
}

type ServerConfig struct {
	Host           string   `yaml:"host"`
	Port           int      `yaml:"port"`
	AllowedOrigins []string `yaml:"allowed_origins"`
}

type HubConfig struct {
	QueueCapacity int `yaml:"queue_capacity"`
	PublishBuffer int `yaml:"publish_buffer"`
}

type SessionConfig struct {
	IdleTimeout time.Duration `yaml:"idle_timeout"`
	RemoveGrace time.Duration `yaml:"remove_grace"`
}

type LivenessConfig struct {
	// Mode selects the probe: "parent" (watch the spawning process),
	// "marker" (watch a heartbeat file), or "none" (signals only).
	Mode             string        `yaml:"mode"`
	MarkerPath       string        `yaml:"marker_path"`
	HeartbeatTimeout time.Duration `yaml:"heartbeat_timeout"`
	PollInterval     time.Duration `yaml:"poll_interval"`
	DrainGrace       time.Duration `yaml:"drain_grace"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Ingest: IngestConfig{
			SocketPath:    "/tmp/stravinsky.sock",
			MaxFrameBytes: 1 << 20,
		},
		Server: ServerConfig{
			Host: "127.0.0.1",
			Port: 42000,
		},
		Hub: HubConfig{
			QueueCapacity: 256,
			PublishBuffer: 1024,
		},
		Session: SessionConfig{
			IdleTimeout: 5 * time.Minute,
			RemoveGrace: 30 * time.Second,
		},
		Liveness: LivenessConfig{
			Mode:             "parent",
			HeartbeatTimeout: 10 * time.Second,
			PollInterval:     time.Second,
			DrainGrace:       2 * time.Second,
		},
	}
}

// Load reads the YAML file at path over the defaults and then applies
// environment overrides. An empty path skips the file entirely.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing %s: %w", path, err)
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Environment variables recognized by applyEnv. They win over both the
// defaults and the config file; command-line flags win over everything.
const (
	EnvSocket           = "STRAVINSKY_SOCKET"
	EnvHTTPAddr         = "STRAVINSKY_HTTP_ADDR"
	EnvHeartbeatTimeout = "STRAVINSKY_HEARTBEAT_TIMEOUT"
	EnvQueueCap         = "STRAVINSKY_QUEUE_CAP"
	EnvMarkerPath       = "STRAVINSKY_MARKER"
)

func (c *Config) applyEnv() error {
	if v := os.Getenv(EnvSocket); v != "" {
		c.Ingest.SocketPath = v
	}
	if v := os.Getenv(EnvHTTPAddr); v != "" {
		host, port, err := SplitHostPort(v)
		if err != nil {
			return fmt.Errorf("%s: %w", EnvHTTPAddr, err)
		}
		if host != "" {
			c.Server.Host = host
		}
		c.Server.Port = port
	}
	if v := os.Getenv(EnvHeartbeatTimeout); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("%s: %w", EnvHeartbeatTimeout, err)
		}
		c.Liveness.HeartbeatTimeout = d
	}
	if v := os.Getenv(EnvQueueCap); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%s: %w", EnvQueueCap, err)
		}
		c.Hub.QueueCapacity = n
	}
	if v := os.Getenv(EnvMarkerPath); v != "" {
		c.Liveness.MarkerPath = v
		c.Liveness.Mode = "marker"
	}
	return nil
}

func (c *Config) validate() error {
	if c.Ingest.SocketPath == "" {
		return fmt.Errorf("ingest socket_path must not be empty")
	}
	if c.Hub.QueueCapacity < 1 {
		return fmt.Errorf("hub queue_capacity must be at least 1, got %d", c.Hub.QueueCapacity)
	}
	if c.Liveness.PollInterval <= 0 {
		return fmt.Errorf("liveness poll_interval must be positive")
	}
	if c.Liveness.PollInterval >= c.Liveness.HeartbeatTimeout {
		return fmt.Errorf("liveness poll_interval (%v) must be shorter than heartbeat_timeout (%v)",
			c.Liveness.PollInterval, c.Liveness.HeartbeatTimeout)
	}
	switch c.Liveness.Mode {
	case "parent", "none":
	case "marker":
		if c.Liveness.MarkerPath == "" {
			return fmt.Errorf("liveness marker mode requires marker_path")
		}
	default:
		return fmt.Errorf("unknown liveness mode %q", c.Liveness.Mode)
	}
	return nil
}

// SplitHostPort parses "host:port" where host may be empty (":42000").
func SplitHostPort(addr string) (string, int, error) {
	for i := len(addr) - 1; i >= 0; i-- {
		if addr[i] == ':' {
			port, err := strconv.Atoi(addr[i+1:])
			if err != nil || port < 1 || port > 65535 {
				return "", 0, fmt.Errorf("invalid port in %q", addr)
			}
			return addr[:i], port, nil
		}
	}
	return "", 0, fmt.Errorf("missing port in %q", addr)
}
