// sockettest opens one TCP connection, prints every event it produces and
// sends each line read from stdin.
// Usage: go run ./cmd/sockettest --addr 127.0.0.1:7000
//
// With --bridge the connection is opened through a running tcpsocketd
// instead of an in-process dispatcher:
//
//	go run ./cmd/sockettest --addr 127.0.0.1:7000 --bridge ws://localhost:8081/ws
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/rickgao/tcpsocket/internal/bridge"
	"github.com/rickgao/tcpsocket/internal/connection"
	"github.com/rickgao/tcpsocket/internal/dispatcher"
	"github.com/rickgao/tcpsocket/internal/registry"
	"github.com/rickgao/tcpsocket/internal/sink"
)

// session is the command surface shared by both modes.
type session interface {
	send(ctx context.Context, data []byte) error
	close(ctx context.Context) error
}

func main() {
	addr := flag.String("addr", "127.0.0.1:7000", "peer host:port")
	bridgeURL := flag.String("bridge", "", "tcpsocketd bridge URL; empty runs a local dispatcher")
	timeout := flag.Duration("timeout", 0, "connect and idle read timeout (0 = defaults)")
	pollInterval := flag.Duration("poll", 500*time.Millisecond, "read loop poll interval (local mode)")
	mode := flag.String("mode", string(connection.ReadModeDeadline), "read mode: deadline or poll (local mode)")
	verbose := flag.Bool("verbose", false, "print bytes as integers")
	flag.Parse()

	// Setup logger
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelDebug,
	}))

	host, portStr, err := net.SplitHostPort(*addr)
	if err != nil {
		logger.Error("invalid address", "addr", *addr, "error", err)
		os.Exit(1)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		logger.Error("invalid port", "port", portStr, "error", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Handle signals
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		logger.Info("received shutdown signal")
		cancel()
	}()

	printer := func(kind string, h registry.Handle, data []byte, code, message string) {
		switch {
		case kind == bridge.EventData && *verbose:
			fmt.Printf("[DATA] handle=%s bytes=%v\n", h, data)
		case kind == bridge.EventData:
			fmt.Printf("[DATA] handle=%s len=%d %q\n", h, len(data), data)
		case kind == bridge.EventError:
			fmt.Printf("[ERROR] handle=%s code=%s message=%s\n", h, code, message)
		default:
			fmt.Printf("[CLOSED] handle=%s\n", h)
			cancel()
		}
	}

	var sess session
	if *bridgeURL != "" {
		sess, err = openBridge(ctx, *bridgeURL, host, port, *timeout, printer, logger)
	} else {
		sess, err = openLocal(ctx, host, port, *timeout, *pollInterval, connection.ReadMode(*mode), printer, logger)
	}
	if err != nil {
		logger.Error("failed to connect", "addr", *addr, "error", err)
		os.Exit(1)
	}

	// Forward stdin lines
	go func() {
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			line := append(scanner.Bytes(), '\n')
			if err := sess.send(ctx, line); err != nil {
				logger.Error("send failed", "error", err)
				cancel()
				return
			}
		}
		logger.Info("stdin closed, closing connection")
		sess.close(ctx)
	}()

	logger.Info("connected - type lines to send, Ctrl+C to stop", "addr", *addr)

	// Wait for shutdown
	<-ctx.Done()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := sess.close(shutdownCtx); err != nil {
		logger.Debug("close", "error", err)
	}

	logger.Info("shutdown complete")
}

type printFunc func(kind string, h registry.Handle, data []byte, code, message string)

// localSession drives an in-process dispatcher.
type localSession struct {
	d *dispatcher.Dispatcher
	h registry.Handle
}

func openLocal(ctx context.Context, host string, port int, timeout, poll time.Duration, mode connection.ReadMode, emit printFunc, logger *slog.Logger) (*localSession, error) {
	cfg := dispatcher.DefaultConfig()
	cfg.Connection.PollInterval = poll
	cfg.Connection.Mode = mode
	cfg.Workers = 1

	d, err := dispatcher.New(cfg, nil, logger)
	if err != nil {
		return nil, err
	}

	h, err := d.Connect(ctx, dispatcher.ConnectRequest{Address: host, Port: port, Timeout: timeout})
	if err != nil {
		return nil, err
	}

	queue := sink.NewQueue(64, 10000)
	if err := d.Subscribe(h, queue); err != nil {
		return nil, err
	}

	go func() {
		for {
			ev, ok := queue.Receive()
			if !ok {
				return
			}
			emit(string(ev.Kind), ev.Handle, ev.Data, string(ev.ErrKind), ev.Message)
			if ev.Kind == sink.KindClosed {
				queue.Close()
			}
		}
	}()

	return &localSession{d: d, h: h}, nil
}

func (s *localSession) send(ctx context.Context, data []byte) error {
	return s.d.Send(ctx, s.h, data)
}

func (s *localSession) close(ctx context.Context) error {
	s.d.Close(s.h)
	return s.d.Shutdown(ctx)
}

// bridgeSession drives a remote tcpsocketd.
type bridgeSession struct {
	c *bridge.Client
	h registry.Handle
}

func openBridge(ctx context.Context, url, host string, port int, timeout time.Duration, emit printFunc, logger *slog.Logger) (*bridgeSession, error) {
	c, err := bridge.Dial(ctx, url, logger)
	if err != nil {
		return nil, err
	}

	version, err := c.PlatformVersion(ctx)
	if err != nil {
		c.Close()
		return nil, err
	}
	logger.Info("bridge connected", "url", url, "platform", version)

	h, err := c.Connect(ctx, host, port, timeout)
	if err != nil {
		c.Close()
		return nil, err
	}
	if err := c.Subscribe(ctx, h); err != nil {
		c.Close()
		return nil, err
	}

	go func() {
		for ev := range c.Events() {
			var code, message string
			if ev.Error != nil {
				code, message = ev.Error.Code, ev.Error.Message
			}
			emit(ev.Event, ev.Handle, ev.Data, code, message)
		}
	}()

	return &bridgeSession{c: c, h: h}, nil
}

func (s *bridgeSession) send(ctx context.Context, data []byte) error {
	return s.c.SendData(ctx, s.h, data)
}

func (s *bridgeSession) close(ctx context.Context) error {
	if err := s.c.CloseHandle(ctx, s.h); err != nil {
		s.c.Close()
		return err
	}
	return s.c.Close()
}
