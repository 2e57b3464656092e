package config

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strings"
)

// Validate checks that all required fields are set and values are valid.
func (c *ServerConfig) Validate() error {
	if c.Instance.ID == "" {
		return errors.New("instance.id is required")
	}

	if err := c.Bridge.validate("bridge"); err != nil {
		return err
	}

	if c.Connections.PollInterval <= 0 {
		return errors.New("connections.poll_interval must be > 0")
	}
	if c.Connections.BufferSize < 1 {
		return errors.New("connections.buffer_size must be >= 1")
	}
	if c.Connections.ConnectTimeout < 0 {
		return errors.New("connections.connect_timeout must be >= 0")
	}
	if c.Connections.WriteTimeout < 0 {
		return errors.New("connections.write_timeout must be >= 0")
	}
	switch c.Connections.ReadMode {
	case "deadline", "poll":
	default:
		return fmt.Errorf("connections.read_mode must be deadline or poll, got %q", c.Connections.ReadMode)
	}
	if c.Connections.Workers < 1 {
		return errors.New("connections.workers must be >= 1")
	}

	if c.Metrics.Port < 1 || c.Metrics.Port > 65535 {
		return fmt.Errorf("metrics.port must be between 1 and 65535, got %d", c.Metrics.Port)
	}
	if !strings.HasPrefix(c.Metrics.Path, "/") {
		return fmt.Errorf("metrics.path must start with /, got %q", c.Metrics.Path)
	}

	if _, err := ParseLevel(c.Log.Level); err != nil {
		return err
	}

	return nil
}

func (b *BridgeConfig) validate(prefix string) error {
	if _, _, err := net.SplitHostPort(b.Listen); err != nil {
		return fmt.Errorf("%s.listen %q: %w", prefix, b.Listen, err)
	}
	if !strings.HasPrefix(b.Path, "/") {
		return fmt.Errorf("%s.path must start with /, got %q", prefix, b.Path)
	}
	if b.QueueSize < 1 {
		return fmt.Errorf("%s.queue_size must be >= 1", prefix)
	}
	if b.WriteTimeout <= 0 {
		return fmt.Errorf("%s.write_timeout must be > 0", prefix)
	}
	return nil
}

// ParseLevel maps a log.level value to a slog level.
func ParseLevel(s string) (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(s)); err != nil {
		return 0, fmt.Errorf("log.level %q: %w", s, err)
	}
	return level, nil
}
