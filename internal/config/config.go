package config

import "time"

// ServerConfig is the root configuration for a tcpsocketd instance.
type ServerConfig struct {
	Instance    InstanceConfig    `yaml:"instance"`
	Bridge      BridgeConfig      `yaml:"bridge"`
	Connections ConnectionsConfig `yaml:"connections"`
	Metrics     MetricsConfig     `yaml:"metrics"`
	Log         LogConfig         `yaml:"log"`
}

// InstanceConfig identifies this instance.
type InstanceConfig struct {
	ID string `yaml:"id"`
}

// BridgeConfig holds the WebSocket command/event endpoint settings.
type BridgeConfig struct {
	Listen       string        `yaml:"listen"`        // host:port for the HTTP server
	Path         string        `yaml:"path"`          // WebSocket upgrade path
	QueueSize    int           `yaml:"queue_size"`    // Outbound frames buffered per session
	WriteTimeout time.Duration `yaml:"write_timeout"` // Deadline for a single frame write
	PingInterval time.Duration `yaml:"ping_interval"`
}

// ConnectionsConfig holds TCP connection settings.
type ConnectionsConfig struct {
	PollInterval   time.Duration `yaml:"poll_interval"`
	BufferSize     int           `yaml:"buffer_size"`
	ConnectTimeout time.Duration `yaml:"connect_timeout"` // Used when a connect request has no timeout
	WriteTimeout   time.Duration `yaml:"write_timeout"`
	ReadMode       string        `yaml:"read_mode"` // "deadline" or "poll"
	Workers        int           `yaml:"workers"`   // Concurrent asynchronous connects
}

// MetricsConfig holds Prometheus metrics settings.
type MetricsConfig struct {
	Port int    `yaml:"port"`
	Path string `yaml:"path"`
}

// LogConfig holds logger settings.
type LogConfig struct {
	Level string `yaml:"level"` // debug, info, warn, error
}
