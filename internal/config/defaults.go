package config

import "time"

// Default values for optional configuration fields.
const (
	DefaultInstanceID         = "tcpsocketd"
	DefaultBridgeListen       = ":8081"
	DefaultBridgePath         = "/ws"
	DefaultBridgeQueueSize    = 1024
	DefaultBridgeWriteTimeout = 5 * time.Second
	DefaultBridgePingInterval = 30 * time.Second
	DefaultPollInterval       = 500 * time.Millisecond
	DefaultBufferSize         = 100000
	DefaultConnectTimeout     = 10 * time.Second
	DefaultWriteTimeout       = 10 * time.Second
	DefaultReadMode           = "deadline"
	DefaultWorkers            = 64
	DefaultMetricsPort        = 9090
	DefaultMetricsPath        = "/metrics"
	DefaultLogLevel           = "info"
)

func (c *ServerConfig) applyDefaults() {
	// Bridge defaults
	if c.Bridge.Listen == "" {
		c.Bridge.Listen = DefaultBridgeListen
	}
	if c.Bridge.Path == "" {
		c.Bridge.Path = DefaultBridgePath
	}
	if c.Bridge.QueueSize == 0 {
		c.Bridge.QueueSize = DefaultBridgeQueueSize
	}
	if c.Bridge.WriteTimeout == 0 {
		c.Bridge.WriteTimeout = DefaultBridgeWriteTimeout
	}
	if c.Bridge.PingInterval == 0 {
		c.Bridge.PingInterval = DefaultBridgePingInterval
	}

	// Connections defaults
	if c.Connections.PollInterval == 0 {
		c.Connections.PollInterval = DefaultPollInterval
	}
	if c.Connections.BufferSize == 0 {
		c.Connections.BufferSize = DefaultBufferSize
	}
	if c.Connections.ConnectTimeout == 0 {
		c.Connections.ConnectTimeout = DefaultConnectTimeout
	}
	if c.Connections.WriteTimeout == 0 {
		c.Connections.WriteTimeout = DefaultWriteTimeout
	}
	if c.Connections.ReadMode == "" {
		c.Connections.ReadMode = DefaultReadMode
	}
	if c.Connections.Workers == 0 {
		c.Connections.Workers = DefaultWorkers
	}

	// Metrics defaults
	if c.Metrics.Port == 0 {
		c.Metrics.Port = DefaultMetricsPort
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = DefaultMetricsPath
	}

	if c.Log.Level == "" {
		c.Log.Level = DefaultLogLevel
	}
}
