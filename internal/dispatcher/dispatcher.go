package dispatcher

import (
	"cmp"
	"context"
	"fmt"
	"log/slog"
	"net"
	"slices"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/panjf2000/ants/v2"

	"github.com/rickgao/tcpsocket/internal/connection"
	"github.com/rickgao/tcpsocket/internal/errs"
	"github.com/rickgao/tcpsocket/internal/registry"
	"github.com/rickgao/tcpsocket/internal/sink"
	"github.com/rickgao/tcpsocket/internal/version"
)

// Dispatcher translates commands into registry and connection actions.
type Dispatcher struct {
	cfg      Config
	registry *registry.Registry[*connection.Conn]
	sinks    *sink.Bindings
	pool     *ants.Pool
	observer Observer
	logger   *slog.Logger

	shutdown atomic.Bool
}

// antsLogger routes pool diagnostics to slog.
type antsLogger struct {
	logger *slog.Logger
}

func (l antsLogger) Printf(format string, args ...any) {
	l.logger.Warn(fmt.Sprintf(format, args...))
}

// New creates a Dispatcher. A nil observer or logger is replaced by a no-op
// observer and slog.Default().
func New(cfg Config, observer Observer, logger *slog.Logger) (*Dispatcher, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if observer == nil {
		observer = nopObserver{}
	}
	if cfg.Workers <= 0 {
		cfg.Workers = DefaultConfig().Workers
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = DefaultConfig().ConnectTimeout
	}
	logger = logger.With("component", "dispatcher")

	pool, err := ants.NewPool(cfg.Workers,
		ants.WithNonblocking(true),
		ants.WithLogger(antsLogger{logger: logger}),
		ants.WithPanicHandler(func(p any) {
			logger.Error("connect worker panic", "panic", p)
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("create connect pool: %w", err)
	}

	return &Dispatcher{
		cfg:      cfg,
		registry: registry.New[*connection.Conn](),
		sinks:    sink.NewBindings(),
		pool:     pool,
		observer: observer,
		logger:   logger,
	}, nil
}

// Connect dials the peer, registers the connection under a fresh handle and
// starts its read loop. It returns without waiting for inbound data.
func (d *Dispatcher) Connect(ctx context.Context, req ConnectRequest) (registry.Handle, error) {
	h, err := d.connect(ctx, req)
	d.observer.ConnectResult(err)
	return h, err
}

func (d *Dispatcher) connect(ctx context.Context, req ConnectRequest) (registry.Handle, error) {
	if err := req.Validate(); err != nil {
		return 0, err
	}
	if d.shutdown.Load() {
		return 0, errs.Wrap(errs.ConnectFailed, ErrShutdown)
	}

	addr := net.JoinHostPort(req.Address, strconv.Itoa(req.Port))
	dialTimeout := req.Timeout
	if dialTimeout == 0 {
		dialTimeout = d.cfg.ConnectTimeout
	}

	dialer := net.Dialer{Timeout: dialTimeout}
	start := time.Now()
	nc, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		d.logger.Debug("connect failed", "addr", addr, "error", err)
		return 0, errs.Wrap(errs.ConnectFailed, err)
	}

	connCfg := d.cfg.Connection
	if req.Timeout > 0 {
		connCfg.ReadTimeout = req.Timeout
	}

	h := d.registry.Next()
	c := connection.New(h, nc, d.registry, d.sinks, connCfg, d.observer, d.logger)
	if err := d.registry.Insert(h, c); err != nil {
		nc.Close()
		return 0, err
	}
	if err := c.Start(); err != nil {
		d.registry.Remove(h)
		nc.Close()
		return 0, errs.Wrap(errs.Internal, err)
	}

	// Shutdown may have snapshotted the registry before the insert.
	if d.shutdown.Load() {
		c.RequestClose()
	}

	d.logger.Info("connection opened",
		"handle", uint64(h),
		"addr", addr,
		"local", nc.LocalAddr().String(),
		"elapsed", time.Since(start),
	)
	return h, nil
}

// ConnectAsync runs Connect on the worker pool and passes the result to
// done. It fails immediately when every worker is busy or the dispatcher is
// shut down; done is not called in that case.
func (d *Dispatcher) ConnectAsync(req ConnectRequest, done func(registry.Handle, error)) error {
	if err := req.Validate(); err != nil {
		d.observer.ConnectResult(err)
		return err
	}

	err := d.pool.Submit(func() {
		h, err := d.Connect(context.Background(), req)
		if done != nil {
			done(h, err)
		}
	})
	switch err {
	case nil:
		return nil
	case ants.ErrPoolClosed:
		return errs.Wrap(errs.ConnectFailed, ErrShutdown)
	default:
		return errs.Wrap(errs.ConnectFailed, fmt.Errorf("submit connect: %w", err))
	}
}

// Send writes data to the connection for h, blocking until the write returns.
func (d *Dispatcher) Send(ctx context.Context, h registry.Handle, data []byte) error {
	c, ok := d.registry.Get(h)
	if !ok {
		return errs.New(errs.UnknownHandle, "no connection for handle %s", h)
	}
	return c.Send(ctx, data)
}

// Close asks the connection for h to shut down and returns immediately.
// Unknown handles are ignored.
func (d *Dispatcher) Close(h registry.Handle) {
	if c, ok := d.registry.Get(h); ok {
		c.RequestClose()
	}
}

// Subscribe binds s to the events of h, replacing any previous sink. Only
// handles of open connections can be subscribed.
func (d *Dispatcher) Subscribe(h registry.Handle, s sink.Sink) error {
	if _, ok := d.registry.Get(h); !ok {
		return errs.New(errs.UnknownHandle, "no connection for handle %s", h)
	}
	d.sinks.Bind(h, s)

	// Teardown unbinds after removing the handle; if it ran in between, the
	// binding just made would never be cleared.
	if _, ok := d.registry.Get(h); !ok {
		d.sinks.Unbind(h)
		return errs.New(errs.UnknownHandle, "no connection for handle %s", h)
	}
	return nil
}

// Unsubscribe clears the sink for h. The connection stays open and further
// events are dropped.
func (d *Dispatcher) Unsubscribe(h registry.Handle) {
	d.sinks.Unbind(h)
}

// UnsubscribeIf clears the sink for h only while it is still s.
func (d *Dispatcher) UnsubscribeIf(h registry.Handle, s sink.Sink) bool {
	return d.sinks.UnbindIf(h, s)
}

// Handles returns the open handles in ascending order.
func (d *Dispatcher) Handles() []registry.Handle {
	hs := d.registry.Handles()
	slices.Sort(hs)
	return hs
}

// Conns describes every open connection, ordered by handle.
func (d *Dispatcher) Conns() []ConnInfo {
	conns := d.registry.Values()
	infos := make([]ConnInfo, 0, len(conns))
	for _, c := range conns {
		infos = append(infos, ConnInfo{
			Handle:     c.Handle(),
			RemoteAddr: c.RemoteAddr().String(),
			Subscribed: d.sinks.Bound(c.Handle()),
			Stats:      c.Stats(),
		})
	}
	slices.SortFunc(infos, func(a, b ConnInfo) int {
		return cmp.Compare(a.Handle, b.Handle)
	})
	return infos
}

// Stats returns a snapshot of the dispatcher state.
func (d *Dispatcher) Stats() Stats {
	return Stats{
		Open:           d.registry.Len(),
		Bindings:       d.sinks.Stats(),
		RunningWorkers: d.pool.Running(),
		ShutDown:       d.shutdown.Load(),
	}
}

// Ready reports nil while the dispatcher accepts commands.
func (d *Dispatcher) Ready() error {
	if d.shutdown.Load() {
		return ErrShutdown
	}
	return nil
}

// Version describes the runtime platform.
func (d *Dispatcher) Version() string {
	return version.Platform()
}

// Shutdown closes every connection and waits for their read loops to exit,
// then releases the worker pool. Commands issued afterwards fail.
func (d *Dispatcher) Shutdown(ctx context.Context) error {
	if !d.shutdown.CompareAndSwap(false, true) {
		return nil
	}

	conns := d.registry.Values()
	d.logger.Info("shutting down", "open_connections", len(conns))
	for _, c := range conns {
		c.RequestClose()
	}

	for _, c := range conns {
		select {
		case <-c.Done():
		case <-ctx.Done():
			d.logger.Warn("shutdown timeout, read loops still running", "open_connections", d.registry.Len())
			d.pool.Release()
			return fmt.Errorf("wait for read loops: %w", ctx.Err())
		}
	}

	timeout := 5 * time.Second
	if deadline, ok := ctx.Deadline(); ok {
		timeout = time.Until(deadline)
	}
	if err := d.pool.ReleaseTimeout(timeout); err != nil {
		d.logger.Warn("connect workers still running", "error", err)
	}

	d.logger.Info("shutdown complete")
	return nil
}
