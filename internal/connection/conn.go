package connection

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/valyala/bytebufferpool"

	"github.com/rickgao/tcpsocket/internal/errs"
	"github.com/rickgao/tcpsocket/internal/registry"
	"github.com/rickgao/tcpsocket/internal/sink"
)

// readBuffers is separate from bytebufferpool's default pool so the large
// read buffers do not skew its size calibration for other users.
var readBuffers bytebufferpool.Pool

// Conn owns one socket and runs its read loop.
type Conn struct {
	handle   registry.Handle
	cfg      Config
	nc       net.Conn
	registry *registry.Registry[*Conn]
	sinks    *sink.Bindings
	observer Observer
	logger   *slog.Logger

	// Write serialization
	writeMu sync.Mutex

	// Close signalling: closing is closed by RequestClose, done by teardown.
	closing   chan struct{}
	closeOnce sync.Once
	done      chan struct{}
	started   atomic.Bool
	mode      ReadMode // read loop only

	startedAt    time.Time
	readAttempts atomic.Int64
	bytesRead    atomic.Int64
	bytesWritten atomic.Int64
}

// New wraps an established socket. The caller registers the Conn and then
// calls Start; until then nothing reads from nc.
func New(h registry.Handle, nc net.Conn, reg *registry.Registry[*Conn], sinks *sink.Bindings, cfg Config, observer Observer, logger *slog.Logger) *Conn {
	if logger == nil {
		logger = slog.Default()
	}
	if observer == nil {
		observer = nopObserver{}
	}
	cfg = cfg.withDefaults()

	return &Conn{
		handle:   h,
		cfg:      cfg,
		nc:       nc,
		registry: reg,
		sinks:    sinks,
		observer: observer,
		logger:   logger.With("handle", uint64(h), "remote", nc.RemoteAddr().String()),
		closing:  make(chan struct{}),
		done:     make(chan struct{}),
		mode:     cfg.Mode,

		startedAt: time.Now(),
	}
}

// Handle returns the connection's handle.
func (c *Conn) Handle() registry.Handle {
	return c.handle
}

// RemoteAddr returns the peer address.
func (c *Conn) RemoteAddr() net.Addr {
	return c.nc.RemoteAddr()
}

// Start launches the read loop. It may be called once.
func (c *Conn) Start() error {
	if !c.started.CompareAndSwap(false, true) {
		return ErrAlreadyStarted
	}
	go c.readLoop()
	return nil
}

// RequestClose asks the read loop to stop. It does not block and does not
// touch the socket beyond waking a pending read; the read loop closes it.
func (c *Conn) RequestClose() {
	c.closeOnce.Do(func() {
		close(c.closing)
		// Wake a Read parked on its deadline so close is observed now rather
		// than after the poll interval.
		if err := c.nc.SetReadDeadline(time.Now()); err != nil {
			c.logger.Debug("failed to wake read loop", "error", err)
		}
	})
}

// Done is closed after teardown completes.
func (c *Conn) Done() <-chan struct{} {
	return c.done
}

// Send writes data to the socket, blocking until the write returns.
func (c *Conn) Send(ctx context.Context, data []byte) error {
	select {
	case <-c.done:
		return errs.Wrap(errs.WriteFailed, ErrClosed)
	default:
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	deadline := time.Time{}
	if c.cfg.WriteTimeout > 0 {
		deadline = time.Now().Add(c.cfg.WriteTimeout)
	}
	if d, ok := ctx.Deadline(); ok && (deadline.IsZero() || d.Before(deadline)) {
		deadline = d
	}
	if err := c.nc.SetWriteDeadline(deadline); err != nil {
		return errs.Wrap(errs.WriteFailed, err)
	}

	n, err := c.nc.Write(data)
	c.bytesWritten.Add(int64(n))
	c.observer.BytesWritten(n)
	if err != nil {
		return errs.Wrap(errs.WriteFailed, err)
	}
	return nil
}

// Stats returns a snapshot of the connection counters.
func (c *Conn) Stats() Stats {
	closing := false
	select {
	case <-c.closing:
		closing = true
	default:
	}
	return Stats{
		ReadAttempts: c.readAttempts.Load(),
		BytesRead:    c.bytesRead.Load(),
		BytesWritten: c.bytesWritten.Load(),
		StartedAt:    c.startedAt,
		Closing:      closing,
	}
}

func (c *Conn) closeRequested() bool {
	select {
	case <-c.closing:
		return true
	default:
		return false
	}
}

// readLoop moves bytes from the socket to the bound sink until close is
// requested or a read fails. Each non-empty read is delivered as its own
// Data event and the buffer is reused from offset zero.
func (c *Conn) readLoop() {
	buf := readBuffers.Get()
	if cap(buf.B) < c.cfg.BufferSize {
		buf.B = make([]byte, c.cfg.BufferSize)
	}
	buf.B = buf.B[:c.cfg.BufferSize]

	reason := ExitCloseRequested
	defer func() {
		buf.Reset()
		readBuffers.Put(buf)
		c.teardown(reason)
	}()

	c.logger.Debug("read loop started", "mode", c.mode, "poll_interval", c.cfg.PollInterval)
	lastData := time.Now()

	for {
		if c.closeRequested() {
			reason = ExitCloseRequested
			return
		}

		n, err := c.fill(buf.B)
		if n > 0 {
			lastData = time.Now()
			c.bytesRead.Add(int64(n))
			c.observer.BytesRead(n)

			// The buffer is reused next iteration; the receiver gets its own copy.
			data := make([]byte, n)
			copy(data, buf.B[:n])
			c.sinks.Deliver(sink.Data(c.handle, data))
		}
		if err == nil {
			continue
		}

		if c.closeRequested() {
			reason = ExitCloseRequested
			return
		}
		if isTimeout(err) {
			if c.cfg.ReadTimeout > 0 && time.Since(lastData) > c.cfg.ReadTimeout {
				reason = ExitReadTimeout
				c.sinks.Deliver(sink.Error(c.handle, errs.Wrap(errs.ReadFailed, ErrReadTimeout)))
				return
			}
			continue
		}

		reason = ExitReadError
		if errors.Is(err, io.EOF) {
			reason = ExitPeerClosed
		}
		c.logger.Debug("read failed", "error", err)
		c.sinks.Deliver(sink.Error(c.handle, errs.Wrap(errs.ReadFailed, err)))
		return
	}
}

// fill waits at most one poll interval for inbound bytes and reads them into
// p. It returns (0, nil) or a timeout error when nothing arrived.
func (c *Conn) fill(p []byte) (int, error) {
	if c.mode == ReadModePoll {
		n, err := c.pollRead(p)
		if !errors.Is(err, errProbeUnsupported) {
			return n, err
		}
		c.logger.Warn("poll read mode unsupported, falling back to deadline mode")
		c.mode = ReadModeDeadline
	}
	return c.deadlineRead(p)
}

func (c *Conn) deadlineRead(p []byte) (int, error) {
	if err := c.nc.SetReadDeadline(time.Now().Add(c.cfg.PollInterval)); err != nil {
		return 0, err
	}
	// RequestClose may have poked the deadline before we replaced it.
	if c.closeRequested() {
		return 0, nil
	}
	c.readAttempts.Add(1)
	c.observer.ReadAttempt()
	return c.nc.Read(p)
}

func (c *Conn) pollRead(p []byte) (int, error) {
	c.readAttempts.Add(1)
	c.observer.ReadAttempt()

	avail, eof, err := probe(c.nc)
	if err != nil {
		return 0, err
	}
	if eof {
		return 0, io.EOF
	}
	if avail == 0 {
		timer := time.NewTimer(c.cfg.PollInterval)
		defer timer.Stop()
		select {
		case <-c.closing:
		case <-timer.C:
		}
		if c.cfg.ReadTimeout > 0 {
			// Let the caller apply the read timeout the same way as in
			// deadline mode.
			return 0, os.ErrDeadlineExceeded
		}
		return 0, nil
	}

	if avail > len(p) {
		avail = len(p)
	}
	return c.nc.Read(p[:avail])
}

// teardown runs exactly once, on every read loop exit path.
func (c *Conn) teardown(reason ExitReason) {
	if c.registry != nil {
		c.registry.RemoveIf(c.handle, c)
	}

	// Half-closes are best effort; the full Close below is authoritative.
	if tc, ok := c.nc.(*net.TCPConn); ok {
		if err := tc.CloseRead(); err != nil {
			c.logger.Debug("close read side failed", "error", err)
		}
		if err := tc.CloseWrite(); err != nil {
			c.logger.Debug("close write side failed", "error", err)
		}
	}
	if err := c.nc.Close(); err != nil {
		c.logger.Warn("socket close failed", "error", fmt.Errorf("close socket: %w", err))
	}

	c.sinks.Deliver(sink.Closed(c.handle))
	c.sinks.Unbind(c.handle)

	c.observer.LoopExited(reason)
	close(c.done)

	c.logger.Info("connection closed",
		"reason", reason,
		"bytes_read", c.bytesRead.Load(),
		"bytes_written", c.bytesWritten.Load(),
	)
}

func isTimeout(err error) bool {
	if errors.Is(err, os.ErrDeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
