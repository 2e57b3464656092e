package connection

import (
	"errors"
	"time"
)

// Errors
var (
	ErrClosed         = errors.New("connection closed")
	ErrReadTimeout    = errors.New("read timeout")
	ErrAlreadyStarted = errors.New("read loop already started")

	errProbeUnsupported = errors.New("socket probe not supported")
)

// ReadMode selects how the read loop waits for inbound bytes.
type ReadMode string

const (
	// ReadModeDeadline blocks in Read with a deadline of one poll interval.
	ReadModeDeadline ReadMode = "deadline"

	// ReadModePoll asks the kernel how many bytes are queued (FIONREAD) and
	// sleeps one poll interval when there are none.
	ReadModePoll ReadMode = "poll"
)

// ExitReason records why a read loop ended.
type ExitReason string

const (
	ExitCloseRequested ExitReason = "close_requested"
	ExitReadError      ExitReason = "read_error"
	ExitPeerClosed     ExitReason = "peer_closed"
	ExitReadTimeout    ExitReason = "read_timeout"
)

// Config configures a single connection.
type Config struct {
	PollInterval time.Duration // Max idle wait per iteration; bounds close latency
	BufferSize   int           // Read buffer capacity in bytes
	ReadTimeout  time.Duration // Tear down after this long without data (0 = never)
	WriteTimeout time.Duration // Deadline for a single Send (0 = none)
	Mode         ReadMode
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		PollInterval: 500 * time.Millisecond,
		BufferSize:   100000,
		Mode:         ReadModeDeadline,
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.PollInterval <= 0 {
		c.PollInterval = def.PollInterval
	}
	if c.BufferSize <= 0 {
		c.BufferSize = def.BufferSize
	}
	if c.Mode == "" {
		c.Mode = def.Mode
	}
	return c
}

// Observer receives per-connection I/O notifications. Implementations must
// be safe for concurrent use and must not block.
type Observer interface {
	ReadAttempt()
	BytesRead(n int)
	BytesWritten(n int)
	LoopExited(reason ExitReason)
}

type nopObserver struct{}

func (nopObserver) ReadAttempt()          {}
func (nopObserver) BytesRead(int)         {}
func (nopObserver) BytesWritten(int)      {}
func (nopObserver) LoopExited(ExitReason) {}

// Stats is a snapshot of a connection's counters.
type Stats struct {
	ReadAttempts int64     `json:"read_attempts"`
	BytesRead    int64     `json:"bytes_read"`
	BytesWritten int64     `json:"bytes_written"`
	StartedAt    time.Time `json:"started_at"`
	Closing      bool      `json:"closing"`
}
