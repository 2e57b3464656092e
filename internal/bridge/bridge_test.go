package bridge

import (
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rickgao/tcpsocket/internal/dispatcher"
	"github.com/rickgao/tcpsocket/internal/errs"
	"github.com/rickgao/tcpsocket/internal/registry"
)

type fixture struct {
	d      *dispatcher.Dispatcher
	srv    *Server
	url    string
	tcpAdr *net.TCPAddr
}

// newFixture wires a dispatcher, a bridge server on httptest and a TCP echo
// peer on loopback.
func newFixture(t *testing.T) *fixture {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })
	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			go func() {
				defer c.Close()
				io.Copy(c, c)
			}()
		}
	}()

	cfg := dispatcher.DefaultConfig()
	cfg.Connection.PollInterval = 50 * time.Millisecond
	cfg.Workers = 4
	d, err := dispatcher.New(cfg, nil, nil)
	require.NoError(t, err)

	srv := NewServer(d, Config{PingInterval: time.Second}, nil, nil)
	ts := httptest.NewServer(srv)

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(ctx)
		ts.Close()
		d.Shutdown(ctx)
	})

	return &fixture{
		d:      d,
		srv:    srv,
		url:    "ws" + strings.TrimPrefix(ts.URL, "http"),
		tcpAdr: ln.Addr().(*net.TCPAddr),
	}
}

func (f *fixture) dial(t *testing.T) *Client {
	t.Helper()
	c, err := Dial(context.Background(), f.url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c
}

func nextEvent(t *testing.T, c *Client) EventFrame {
	t.Helper()
	select {
	case ev, ok := <-c.Events():
		require.True(t, ok, "session ended")
		return ev
	case <-time.After(3 * time.Second):
		t.Fatal("timeout waiting for event")
		return EventFrame{}
	}
}

func callCtx(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestBridge_EchoScenario(t *testing.T) {
	f := newFixture(t)
	c := f.dial(t)
	ctx := callCtx(t)

	h, err := c.Connect(ctx, "127.0.0.1", f.tcpAdr.Port, 0)
	require.NoError(t, err)
	require.NotZero(t, h)

	require.NoError(t, c.Subscribe(ctx, h))
	require.NoError(t, c.SendData(ctx, h, []byte{1, 2, 3}))

	var got []byte
	for len(got) < 3 {
		ev := nextEvent(t, c)
		require.Equal(t, EventData, ev.Event)
		assert.Equal(t, h, ev.Handle)
		got = append(got, ev.Data...)
	}
	assert.Equal(t, []byte{1, 2, 3}, got)

	require.NoError(t, c.CloseHandle(ctx, h))
	ev := nextEvent(t, c)
	assert.Equal(t, EventClosed, ev.Event)
	assert.Equal(t, h, ev.Handle)

	err = c.SendData(ctx, h, []byte{4})
	require.Error(t, err)
	assert.Equal(t, errs.UnknownHandle, errs.KindOf(err))
}

func TestBridge_ConnectErrors(t *testing.T) {
	f := newFixture(t)
	c := f.dial(t)
	ctx := callCtx(t)

	_, err := c.Connect(ctx, "", f.tcpAdr.Port, 0)
	assert.Equal(t, errs.InvalidArgument, errs.KindOf(err))

	_, err = c.Connect(ctx, "127.0.0.1", 0, 0)
	assert.Equal(t, errs.InvalidArgument, errs.KindOf(err))

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	closedPort := ln.Addr().(*net.TCPAddr).Port
	ln.Close()

	_, err = c.Connect(ctx, "127.0.0.1", closedPort, 0)
	assert.Equal(t, errs.ConnectFailed, errs.KindOf(err))
	assert.Empty(t, f.d.Handles())
}

func TestBridge_SubscribeUnknownHandle(t *testing.T) {
	f := newFixture(t)
	c := f.dial(t)

	err := c.Subscribe(callCtx(t), 404)
	assert.Equal(t, errs.UnknownHandle, errs.KindOf(err))
}

func TestBridge_PlatformVersion(t *testing.T) {
	f := newFixture(t)
	c := f.dial(t)

	v, err := c.PlatformVersion(callCtx(t))
	require.NoError(t, err)
	assert.Equal(t, f.d.Version(), v)
}

func TestBridge_UnsubscribeKeepsConnection(t *testing.T) {
	f := newFixture(t)
	c := f.dial(t)
	ctx := callCtx(t)

	h, err := c.Connect(ctx, "127.0.0.1", f.tcpAdr.Port, 0)
	require.NoError(t, err)
	require.NoError(t, c.Subscribe(ctx, h))
	require.NoError(t, c.Unsubscribe(ctx, h))

	require.NoError(t, c.SendData(ctx, h, []byte("dropped")))
	require.Eventually(t, func() bool {
		return f.d.Stats().Bindings.Dropped > 0
	}, 2*time.Second, 10*time.Millisecond)

	assert.Contains(t, f.d.Handles(), h)
	select {
	case ev := <-c.Events():
		t.Fatalf("unexpected event after unsubscribe: %+v", ev)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestBridge_DisconnectReleasesSubscriptions(t *testing.T) {
	f := newFixture(t)
	c, err := Dial(context.Background(), f.url, nil)
	require.NoError(t, err)
	ctx := callCtx(t)

	h, err := c.Connect(ctx, "127.0.0.1", f.tcpAdr.Port, 0)
	require.NoError(t, err)
	require.NoError(t, c.Subscribe(ctx, h))
	require.Equal(t, 1, f.d.Stats().Bindings.Bound)
	require.Equal(t, 1, f.srv.Sessions())

	require.NoError(t, c.Close())

	require.Eventually(t, func() bool {
		return f.srv.Sessions() == 0 && f.d.Stats().Bindings.Bound == 0
	}, 2*time.Second, 10*time.Millisecond)
	assert.Contains(t, f.d.Handles(), h, "connections outlive the session")
}

func TestBridge_ShutdownEndsSessions(t *testing.T) {
	f := newFixture(t)
	c := f.dial(t)

	require.Eventually(t, func() bool { return f.srv.Sessions() == 1 }, time.Second, 5*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, f.srv.Shutdown(ctx))

	select {
	case <-c.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("client session still open after shutdown")
	}
	assert.Equal(t, 0, f.srv.Sessions())
}

func TestBridge_ShutdownWhileClientIsBusy(t *testing.T) {
	f := newFixture(t)
	srv := NewServer(f.d, Config{PingInterval: time.Minute}, nil, nil)
	ts := httptest.NewServer(srv)
	defer ts.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(ts.URL, "http"), nil)
	require.NoError(t, err)
	defer conn.Close()

	stop := make(chan struct{})
	defer close(stop)
	go func() {
		for i := 1; ; i++ {
			select {
			case <-stop:
				return
			default:
			}
			frame := `{"id":` + strconv.Itoa(i) + `,"method":"getPlatformVersion"}`
			if conn.WriteMessage(websocket.TextMessage, []byte(frame)) != nil {
				return
			}
		}
	}()
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	require.Eventually(t, func() bool { return srv.Sessions() == 1 }, time.Second, 5*time.Millisecond)
	time.Sleep(50 * time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	start := time.Now()
	require.NoError(t, srv.Shutdown(ctx))
	assert.Less(t, time.Since(start), 2*time.Second, "shutdown must not wait for the pong deadline")
}

// rawCall writes a request frame and returns the next frame as a generic map.
func rawCall(t *testing.T, conn *websocket.Conn, frame string) map[string]any {
	t.Helper()

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(frame)))
	conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)

	var out map[string]any
	require.NoError(t, json.Unmarshal(data, &out))
	return out
}

func TestBridge_WireFormat(t *testing.T) {
	f := newFixture(t)
	conn, _, err := websocket.DefaultDialer.Dial(f.url, nil)
	require.NoError(t, err)
	defer conn.Close()

	resp := rawCall(t, conn, `{"id":1,"method":"getPlatformVersion"}`)
	assert.Equal(t, float64(1), resp["id"])
	assert.Equal(t, f.d.Version(), resp["result"])
	assert.NotContains(t, resp, "error")

	resp = rawCall(t, conn, `{"id":2,"method":"sendData","args":{"id":99,"data":[1,2]}}`)
	assert.Equal(t, float64(2), resp["id"])
	assert.NotContains(t, resp, "result")
	assert.Equal(t, map[string]any{
		"code":    "UnknownHandle",
		"message": "no connection for handle 99",
	}, resp["error"])

	resp = rawCall(t, conn, `{"id":3,"method":"sendData","args":{"id":1,"data":[256]}}`)
	assert.Equal(t, "InvalidArgument", resp["error"].(map[string]any)["code"])

	resp = rawCall(t, conn, `{"id":4,"method":"launch"}`)
	assert.Equal(t, "InvalidArgument", resp["error"].(map[string]any)["code"])

	resp = rawCall(t, conn, `not json`)
	assert.Equal(t, float64(0), resp["id"])
	assert.Equal(t, "InvalidArgument", resp["error"].(map[string]any)["code"])

	resp = rawCall(t, conn, `{"id":5,"method":"close","args":{"id":12345}}`)
	assert.Equal(t, float64(5), resp["id"])
	assert.Contains(t, resp, "result")
	assert.Nil(t, resp["result"])

	connect := `{"id":6,"method":"connect","args":{"address":"127.0.0.1","port":` +
		strconv.Itoa(f.tcpAdr.Port) + `,"timeout":5000}}`
	resp = rawCall(t, conn, connect)
	h := registry.Handle(resp["result"].(float64))
	require.NotZero(t, h)
	hs := h.String()

	resp = rawCall(t, conn, `{"id":7,"method":"subscribe","args":{"id":`+hs+`}}`)
	require.NotContains(t, resp, "error")

	// The echo may overtake the response, so read both frames before
	// checking either.
	require.NoError(t, conn.WriteMessage(websocket.TextMessage,
		[]byte(`{"id":8,"method":"sendData","args":{"id":`+hs+`,"data":[7,8,9]}}`)))

	var event string
	var gotResponse bool
	for i := 0; i < 2; i++ {
		conn.SetReadDeadline(time.Now().Add(3 * time.Second))
		_, data, err := conn.ReadMessage()
		require.NoError(t, err)
		if strings.Contains(string(data), `"event"`) {
			event = string(data)
			continue
		}
		assert.JSONEq(t, `{"id":8,"result":null}`, string(data))
		gotResponse = true
	}
	assert.True(t, gotResponse)
	assert.JSONEq(t, `{"event":"data","handle":`+hs+`,"data":[7,8,9]}`, event)
}

func TestByteList(t *testing.T) {
	data, err := json.Marshal(ByteList{0, 127, 255})
	require.NoError(t, err)
	assert.Equal(t, `[0,127,255]`, string(data))

	var b ByteList
	require.NoError(t, json.Unmarshal([]byte(`[1,2,3]`), &b))
	assert.Equal(t, ByteList{1, 2, 3}, b)

	assert.Error(t, json.Unmarshal([]byte(`[-1]`), &b))
	assert.Error(t, json.Unmarshal([]byte(`"AQID"`), &b))

	require.NoError(t, json.Unmarshal([]byte(`null`), &b))
	assert.Nil(t, b)
}
