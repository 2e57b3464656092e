// echoserver is a TCP peer for exercising tcpsocketd and sockettest. It
// writes back every byte it receives.
// Usage: go run ./cmd/echoserver --listen 127.0.0.1:7000
package main

import (
	"context"
	"errors"
	"flag"
	"io"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"
)

func main() {
	listen := flag.String("listen", "127.0.0.1:7000", "listen address")
	greeting := flag.String("greeting", "", "sent to every new connection before echoing")
	idleClose := flag.Duration("idle-close", 0, "close connections idle for this long (0 = never)")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelDebug,
	}))

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

	ln, err := net.Listen("tcp", *listen)
	if err != nil {
		logger.Error("failed to listen", "addr", *listen, "error", err)
		os.Exit(1)
	}
	logger.Info("echo server listening", "addr", ln.Addr().String())

	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	var wg sync.WaitGroup
	for {
		c, err := ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				break
			}
			logger.Warn("accept failed", "error", err)
			continue
		}

		wg.Add(1)
		go func() {
			defer wg.Done()
			serve(ctx, c, []byte(*greeting), *idleClose, logger)
		}()
	}

	wg.Wait()
	logger.Info("echo server stopped")
}

func serve(ctx context.Context, c net.Conn, greeting []byte, idleClose time.Duration, logger *slog.Logger) {
	logger = logger.With("remote", c.RemoteAddr().String())
	logger.Info("peer connected")

	stop := context.AfterFunc(ctx, func() { c.Close() })
	defer stop()
	defer c.Close()

	if len(greeting) > 0 {
		if _, err := c.Write(greeting); err != nil {
			logger.Warn("greeting failed", "error", err)
			return
		}
	}

	var total int64
	buf := make([]byte, 32*1024)
	for {
		if idleClose > 0 {
			c.SetReadDeadline(time.Now().Add(idleClose))
		}
		n, err := c.Read(buf)
		if n > 0 {
			total += int64(n)
			if _, werr := c.Write(buf[:n]); werr != nil {
				logger.Warn("write failed", "error", werr)
				return
			}
		}
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
				logger.Debug("read ended", "error", err)
			}
			logger.Info("peer disconnected", "bytes_echoed", total)
			return
		}
	}
}
