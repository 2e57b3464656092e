package dispatcher

import (
	"errors"
	"time"

	"github.com/rickgao/tcpsocket/internal/connection"
	"github.com/rickgao/tcpsocket/internal/errs"
	"github.com/rickgao/tcpsocket/internal/registry"
	"github.com/rickgao/tcpsocket/internal/sink"
)

// ErrShutdown is returned by commands issued after Shutdown.
var ErrShutdown = errors.New("dispatcher shut down")

// Config configures a Dispatcher.
type Config struct {
	Connection     connection.Config
	ConnectTimeout time.Duration // Dial timeout when a request carries none
	Workers        int           // Concurrent asynchronous connects
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		Connection:     connection.DefaultConfig(),
		ConnectTimeout: 10 * time.Second,
		Workers:        64,
	}
}

// ConnectRequest describes a connection to open.
type ConnectRequest struct {
	Address string
	Port    int

	// Timeout bounds the dial and, once connected, the time the connection
	// may stay without inbound data: an idle connection is torn down with a
	// ReadFailed("read timeout") event. This is stricter than a plain socket
	// read timeout on a loop that only reads when bytes are available, which
	// never fires and keeps idle connections open. Zero uses the dispatcher
	// defaults and never times out idle connections.
	Timeout time.Duration
}

// Validate checks the request without performing I/O.
func (r ConnectRequest) Validate() error {
	if r.Address == "" {
		return errs.New(errs.InvalidArgument, "address is required")
	}
	if r.Port < 1 || r.Port > 65535 {
		return errs.New(errs.InvalidArgument, "port must be between 1 and 65535, got %d", r.Port)
	}
	if r.Timeout < 0 {
		return errs.New(errs.InvalidArgument, "timeout must be >= 0, got %v", r.Timeout)
	}
	return nil
}

// Observer receives connection and connect notifications.
type Observer interface {
	connection.Observer
	ConnectResult(err error)
}

type nopObserver struct{}

func (nopObserver) ReadAttempt()                     {}
func (nopObserver) BytesRead(int)                    {}
func (nopObserver) BytesWritten(int)                 {}
func (nopObserver) LoopExited(connection.ExitReason) {}
func (nopObserver) ConnectResult(error)              {}

// Stats is a snapshot of the dispatcher state.
type Stats struct {
	Open           int
	Bindings       sink.BindingStats
	RunningWorkers int
	ShutDown       bool
}

// ConnInfo describes one open connection.
type ConnInfo struct {
	Handle     registry.Handle  `json:"handle"`
	RemoteAddr string           `json:"remote_addr"`
	Subscribed bool             `json:"subscribed"`
	Stats      connection.Stats `json:"stats"`
}
