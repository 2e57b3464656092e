// Package bridge exposes the dispatcher over a WebSocket endpoint.
//
// Each WebSocket session carries JSON requests (connect, sendData, close,
// subscribe, unsubscribe, getPlatformVersion), their responses, and event
// frames for the handles the session subscribed to.
package bridge

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	cmap "github.com/orcaman/concurrent-map/v2"

	"github.com/rickgao/tcpsocket/internal/dispatcher"
	"github.com/rickgao/tcpsocket/internal/registry"
	"github.com/rickgao/tcpsocket/internal/sink"
)

// ErrSessionClosed is returned when a frame is queued on a closed session.
var ErrSessionClosed = errors.New("session closed")

// Commands is the dispatcher surface used by the bridge.
type Commands interface {
	ConnectAsync(req dispatcher.ConnectRequest, done func(registry.Handle, error)) error
	Send(ctx context.Context, h registry.Handle, data []byte) error
	Close(h registry.Handle)
	Subscribe(h registry.Handle, s sink.Sink) error
	Unsubscribe(h registry.Handle)
	UnsubscribeIf(h registry.Handle, s sink.Sink) bool
	Version() string
}

// Recorder receives bridge activity for metrics.
type Recorder interface {
	SessionOpened()
	SessionClosed()
	FrameDropped()
	CommandHandled(method string, err error)
}

type nopRecorder struct{}

func (nopRecorder) SessionOpened()               {}
func (nopRecorder) SessionClosed()               {}
func (nopRecorder) FrameDropped()                {}
func (nopRecorder) CommandHandled(string, error) {}

// Config configures the bridge server.
type Config struct {
	QueueSize    int           // Outbound frames buffered per session
	WriteTimeout time.Duration // Deadline for a single frame write
	PingInterval time.Duration // Keepalive ping period; the peer must answer within two
	ReadLimit    int64         // Max inbound frame size in bytes
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		QueueSize:    1024,
		WriteTimeout: 5 * time.Second,
		PingInterval: 30 * time.Second,
		ReadLimit:    1 << 20,
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.QueueSize <= 0 {
		c.QueueSize = def.QueueSize
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = def.WriteTimeout
	}
	if c.PingInterval <= 0 {
		c.PingInterval = def.PingInterval
	}
	if c.ReadLimit <= 0 {
		c.ReadLimit = def.ReadLimit
	}
	return c
}

// Server upgrades HTTP requests to bridge sessions. It implements
// http.Handler.
type Server struct {
	cmds     Commands
	cfg      Config
	recorder Recorder
	logger   *slog.Logger

	upgrader websocket.Upgrader
	sessions cmap.ConcurrentMap[string, *session]
	wg       sync.WaitGroup
	closed   atomic.Bool
}

// NewServer creates a bridge server. A nil recorder or logger is replaced by
// a no-op recorder and slog.Default().
func NewServer(cmds Commands, cfg Config, recorder Recorder, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	if recorder == nil {
		recorder = nopRecorder{}
	}

	return &Server{
		cmds:     cmds,
		cfg:      cfg.withDefaults(),
		recorder: recorder,
		logger:   logger.With("component", "bridge"),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		sessions: cmap.New[*session](),
	}
}

// ServeHTTP upgrades the request and serves the session until it ends.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if s.closed.Load() {
		http.Error(w, "server shutting down", http.StatusServiceUnavailable)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debug("upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}

	sess := newSession(uuid.NewString(), conn, s)
	s.sessions.Set(sess.id, sess)
	s.wg.Add(1)
	defer func() {
		s.sessions.Remove(sess.id)
		s.wg.Done()
	}()

	sess.run()
}

// Sessions returns the number of open sessions.
func (s *Server) Sessions() int {
	return s.sessions.Count()
}

// Shutdown closes every session and waits for them to finish. Connections
// opened through the sessions stay open.
func (s *Server) Shutdown(ctx context.Context) error {
	s.closed.Store(true)

	for _, sess := range s.sessions.Items() {
		sess.closeWith(websocket.CloseGoingAway, "server shutting down")
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
