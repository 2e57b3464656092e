package dispatcher

import (
	"context"
	"io"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rickgao/tcpsocket/internal/connection"
	"github.com/rickgao/tcpsocket/internal/errs"
	"github.com/rickgao/tcpsocket/internal/registry"
	"github.com/rickgao/tcpsocket/internal/sink"
)

const pollInterval = 100 * time.Millisecond

type testServer struct {
	addr     string
	port     int
	accepted atomic.Int32
	closed   chan struct{} // receives once per peer socket that saw EOF
}

// startServer runs handler for every accepted socket on a loopback listener.
func startServer(t *testing.T, handler func(net.Conn)) *testServer {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })

	srv := &testServer{
		addr:   "127.0.0.1",
		port:   ln.Addr().(*net.TCPAddr).Port,
		closed: make(chan struct{}, 16),
	}
	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			srv.accepted.Add(1)
			go func() {
				defer c.Close()
				handler(c)
				srv.closed <- struct{}{}
			}()
		}
	}()
	return srv
}

func echoServer(t *testing.T) *testServer {
	return startServer(t, func(c net.Conn) { io.Copy(c, c) })
}

func (s *testServer) request() ConnectRequest {
	return ConnectRequest{Address: s.addr, Port: s.port}
}

type recordingObserver struct {
	nopObserver
	mu      sync.Mutex
	results []error
}

func (o *recordingObserver) ConnectResult(err error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.results = append(o.results, err)
}

func (o *recordingObserver) Results() []error {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]error(nil), o.results...)
}

func newDispatcher(t *testing.T, observer Observer) *Dispatcher {
	t.Helper()

	cfg := DefaultConfig()
	cfg.Connection.PollInterval = pollInterval
	cfg.ConnectTimeout = 2 * time.Second
	cfg.Workers = 4

	d, err := New(cfg, observer, nil)
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		d.Shutdown(ctx)
	})
	return d
}

func nextEvent(t *testing.T, q *sink.Queue, within time.Duration) sink.Event {
	t.Helper()

	deadline := time.Now().Add(within)
	for time.Now().Before(deadline) {
		if ev, ok := q.TryReceive(); ok {
			return ev
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("no event within %v", within)
	return sink.Event{}
}

func TestDispatcher_EchoScenario(t *testing.T) {
	srv := echoServer(t)
	d := newDispatcher(t, nil)
	ctx := context.Background()

	h, err := d.Connect(ctx, srv.request())
	require.NoError(t, err)
	assert.NotZero(t, h)

	q := sink.NewQueue(8, 64)
	require.NoError(t, d.Subscribe(h, q))
	require.NoError(t, d.Send(ctx, h, []byte{1, 2, 3}))

	var got []byte
	for len(got) < 3 {
		ev := nextEvent(t, q, pollInterval+200*time.Millisecond)
		require.Equal(t, sink.KindData, ev.Kind)
		assert.Equal(t, h, ev.Handle)
		got = append(got, ev.Data...)
	}
	assert.Equal(t, []byte{1, 2, 3}, got)

	d.Close(h)
	require.Eventually(t, func() bool {
		return errs.KindOf(d.Send(ctx, h, []byte{4})) == errs.UnknownHandle
	}, 2*pollInterval, 5*time.Millisecond, "handle must become invalid after close")

	assert.Equal(t, sink.KindClosed, nextEvent(t, q, time.Second).Kind)
}

func TestDispatcher_CloseUnsubscribedWithinPollInterval(t *testing.T) {
	srv := echoServer(t)
	d := newDispatcher(t, nil)

	h, err := d.Connect(context.Background(), srv.request())
	require.NoError(t, err)
	require.Contains(t, d.Handles(), h)

	d.Close(h)
	d.Close(h)

	require.Eventually(t, func() bool {
		return !slicesContains(d.Handles(), h)
	}, pollInterval+50*time.Millisecond, 5*time.Millisecond)

	select {
	case <-srv.closed:
	case <-time.After(time.Second):
		t.Fatal("peer did not observe the socket closing")
	}
}

func slicesContains(hs []registry.Handle, h registry.Handle) bool {
	for _, x := range hs {
		if x == h {
			return true
		}
	}
	return false
}

func TestDispatcher_CloseUnknownHandleIsIgnored(t *testing.T) {
	d := newDispatcher(t, nil)

	assert.NotPanics(t, func() { d.Close(12345) })
	assert.Empty(t, d.Handles())
}

func TestDispatcher_SendUnknownHandle(t *testing.T) {
	d := newDispatcher(t, nil)

	err := d.Send(context.Background(), 42, []byte("hello"))
	require.Error(t, err)
	assert.Equal(t, errs.UnknownHandle, errs.KindOf(err))
}

func TestDispatcher_ConnectInvalidArgument(t *testing.T) {
	srv := echoServer(t)
	obs := &recordingObserver{}
	d := newDispatcher(t, obs)

	tests := []struct {
		name string
		req  ConnectRequest
	}{
		{"missing address", ConnectRequest{Port: srv.port}},
		{"missing port", ConnectRequest{Address: srv.addr}},
		{"port too large", ConnectRequest{Address: srv.addr, Port: 70000}},
		{"negative timeout", ConnectRequest{Address: srv.addr, Port: srv.port, Timeout: -time.Second}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h, err := d.Connect(context.Background(), tt.req)
			require.Error(t, err)
			assert.Equal(t, errs.InvalidArgument, errs.KindOf(err))
			assert.Zero(t, h)

			err = d.ConnectAsync(tt.req, func(registry.Handle, error) {
				t.Error("callback must not run for an invalid request")
			})
			assert.Equal(t, errs.InvalidArgument, errs.KindOf(err))
		})
	}

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int32(0), srv.accepted.Load(), "no socket may be opened")
	assert.Empty(t, d.Handles())
	assert.Len(t, obs.Results(), 2*len(tests))
}

func TestDispatcher_ConnectFailed(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port
	ln.Close()

	obs := &recordingObserver{}
	d := newDispatcher(t, obs)

	_, err = d.Connect(context.Background(), ConnectRequest{Address: "127.0.0.1", Port: port})
	require.Error(t, err)
	assert.Equal(t, errs.ConnectFailed, errs.KindOf(err))
	assert.Empty(t, d.Handles())

	results := obs.Results()
	require.Len(t, results, 1)
	assert.Equal(t, errs.ConnectFailed, errs.KindOf(results[0]))
}

func TestDispatcher_ConnectAsync(t *testing.T) {
	srv := echoServer(t)
	d := newDispatcher(t, nil)

	type result struct {
		h   registry.Handle
		err error
	}
	results := make(chan result, 3)
	for i := 0; i < 3; i++ {
		require.NoError(t, d.ConnectAsync(srv.request(), func(h registry.Handle, err error) {
			results <- result{h, err}
		}))
	}

	seen := map[registry.Handle]bool{}
	for i := 0; i < 3; i++ {
		select {
		case r := <-results:
			require.NoError(t, r.err)
			assert.False(t, seen[r.h], "handles must be unique")
			seen[r.h] = true
		case <-time.After(2 * time.Second):
			t.Fatal("timeout waiting for async connect")
		}
	}
	assert.Len(t, d.Handles(), 3)
}

func TestDispatcher_SubscribeUnknownHandle(t *testing.T) {
	d := newDispatcher(t, nil)

	err := d.Subscribe(7, sink.NewQueue(1, 1))
	assert.Equal(t, errs.UnknownHandle, errs.KindOf(err))
	assert.Equal(t, 0, d.Stats().Bindings.Bound)
}

func TestDispatcher_UnsubscribeKeepsConnectionAndDrops(t *testing.T) {
	release := make(chan struct{})
	srv := startServer(t, func(c net.Conn) {
		<-release
		for i := 0; i < 5; i++ {
			c.Write([]byte(strconv.Itoa(i)))
			time.Sleep(10 * time.Millisecond)
		}
		time.Sleep(2 * time.Second)
	})
	d := newDispatcher(t, nil)

	h, err := d.Connect(context.Background(), srv.request())
	require.NoError(t, err)

	q := sink.NewQueue(4, 16)
	require.NoError(t, d.Subscribe(h, q))
	d.Unsubscribe(h)
	close(release)

	require.Eventually(t, func() bool {
		conns := d.Conns()
		return len(conns) == 1 && conns[0].Stats.BytesRead == 5
	}, 2*time.Second, 10*time.Millisecond)

	assert.Equal(t, 0, q.Len(), "unsubscribed sink receives nothing")
	assert.Contains(t, d.Handles(), h, "unsubscribe does not close")
	assert.False(t, d.Conns()[0].Subscribed)
	assert.Positive(t, d.Stats().Bindings.Dropped)
}

func TestDispatcher_IdleConnectionDoesNotSpin(t *testing.T) {
	srv := startServer(t, func(c net.Conn) { time.Sleep(2 * time.Second) })
	d := newDispatcher(t, nil)

	_, err := d.Connect(context.Background(), srv.request())
	require.NoError(t, err)

	time.Sleep(5 * pollInterval)
	conns := d.Conns()
	require.Len(t, conns, 1)
	assert.LessOrEqual(t, conns[0].Stats.ReadAttempts, int64(7))
}

func TestDispatcher_RequestTimeoutIsReadTimeout(t *testing.T) {
	srv := startServer(t, func(c net.Conn) { time.Sleep(2 * time.Second) })
	d := newDispatcher(t, nil)

	req := srv.request()
	req.Timeout = 250 * time.Millisecond
	h, err := d.Connect(context.Background(), req)
	require.NoError(t, err)

	q := sink.NewQueue(4, 16)
	require.NoError(t, d.Subscribe(h, q))

	ev := nextEvent(t, q, 2*time.Second)
	require.Equal(t, sink.KindError, ev.Kind)
	assert.Equal(t, errs.ReadFailed, ev.ErrKind)
	assert.Equal(t, connection.ErrReadTimeout.Error(), ev.Message)
	assert.Equal(t, sink.KindClosed, nextEvent(t, q, time.Second).Kind)
}

func TestDispatcher_NoTimeoutKeepsIdleConnectionOpen(t *testing.T) {
	srv := startServer(t, func(c net.Conn) { time.Sleep(2 * time.Second) })
	d := newDispatcher(t, nil)

	h, err := d.Connect(context.Background(), srv.request())
	require.NoError(t, err)

	q := sink.NewQueue(4, 16)
	require.NoError(t, d.Subscribe(h, q))

	time.Sleep(400 * time.Millisecond)
	assert.Contains(t, d.Handles(), h)
	assert.Equal(t, 0, q.Len())
}

func TestDispatcher_UnsubscribeIfWithFuncSink(t *testing.T) {
	srv := echoServer(t)
	d := newDispatcher(t, nil)

	h, err := d.Connect(context.Background(), srv.request())
	require.NoError(t, err)

	f := sink.Func(func(sink.Event) bool { return true })
	require.NoError(t, d.Subscribe(h, f))

	assert.False(t, d.UnsubscribeIf(h, f))
	assert.Equal(t, 1, d.Stats().Bindings.Bound)

	d.Unsubscribe(h)
	assert.Equal(t, 0, d.Stats().Bindings.Bound)
}

func TestDispatcher_PeerCloseUnbindsSink(t *testing.T) {
	release := make(chan struct{})
	srv := startServer(t, func(c net.Conn) { <-release })
	d := newDispatcher(t, nil)

	h, err := d.Connect(context.Background(), srv.request())
	require.NoError(t, err)
	q := sink.NewQueue(4, 16)
	require.NoError(t, d.Subscribe(h, q))
	close(release)

	ev := nextEvent(t, q, 2*time.Second)
	assert.Equal(t, sink.KindError, ev.Kind)
	assert.Equal(t, errs.ReadFailed, ev.ErrKind)
	assert.Equal(t, sink.KindClosed, nextEvent(t, q, time.Second).Kind)

	require.Eventually(t, func() bool {
		s := d.Stats()
		return s.Open == 0 && s.Bindings.Bound == 0
	}, time.Second, 5*time.Millisecond)
}

func TestDispatcher_Shutdown(t *testing.T) {
	srv := echoServer(t)
	d := newDispatcher(t, nil)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := d.Connect(ctx, srv.request())
		require.NoError(t, err)
	}
	require.Len(t, d.Handles(), 3)
	require.NoError(t, d.Ready())

	shutdownCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	require.NoError(t, d.Shutdown(shutdownCtx))
	require.NoError(t, d.Shutdown(shutdownCtx), "second shutdown is a no-op")

	assert.Empty(t, d.Handles())
	assert.True(t, d.Stats().ShutDown)
	assert.ErrorIs(t, d.Ready(), ErrShutdown)

	_, err := d.Connect(ctx, srv.request())
	assert.Equal(t, errs.ConnectFailed, errs.KindOf(err))
	assert.ErrorIs(t, err, ErrShutdown)

	err = d.ConnectAsync(srv.request(), nil)
	assert.Equal(t, errs.ConnectFailed, errs.KindOf(err))
}

func TestDispatcher_HandlesAreOrderedAndNeverReused(t *testing.T) {
	srv := echoServer(t)
	d := newDispatcher(t, nil)
	ctx := context.Background()

	first, err := d.Connect(ctx, srv.request())
	require.NoError(t, err)
	d.Close(first)
	require.Eventually(t, func() bool { return len(d.Handles()) == 0 }, time.Second, 5*time.Millisecond)

	second, err := d.Connect(ctx, srv.request())
	require.NoError(t, err)
	third, err := d.Connect(ctx, srv.request())
	require.NoError(t, err)

	assert.Greater(t, second, first)
	assert.Equal(t, []registry.Handle{second, third}, d.Handles())
}

func TestDispatcher_Version(t *testing.T) {
	d := newDispatcher(t, nil)
	assert.NotEmpty(t, d.Version())
}
