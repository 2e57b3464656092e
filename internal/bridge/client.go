package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/rickgao/tcpsocket/internal/registry"
)

// Client errors
var (
	ErrClientClosed = errors.New("client closed")
)

// Client is a bridge session from the caller's side. Requests are correlated
// with responses by id; event frames are delivered on Events.
type Client struct {
	conn   *websocket.Conn
	logger *slog.Logger

	writeTimeout time.Duration

	// Output channels
	events chan EventFrame
	done   chan struct{}

	// Write serialization
	writeMu sync.Mutex

	// Command/response correlation
	pendingMu sync.Mutex
	pending   map[int64]chan Response
	nextID    atomic.Int64

	closeOnce sync.Once
}

// Dial opens a bridge session at url (ws:// or wss://).
func Dial(ctx context.Context, url string, logger *slog.Logger) (*Client, error) {
	if logger == nil {
		logger = slog.Default()
	}

	dialer := websocket.Dialer{
		HandshakeTimeout: 10 * time.Second,
	}
	header := http.Header{}
	header.Set("Accept", "application/json")

	conn, _, err := dialer.DialContext(ctx, url, header)
	if err != nil {
		return nil, fmt.Errorf("dial bridge: %w", err)
	}

	c := &Client{
		conn:         conn,
		logger:       logger,
		writeTimeout: 5 * time.Second,
		events:       make(chan EventFrame, 1024),
		done:         make(chan struct{}),
		pending:      make(map[int64]chan Response),
	}
	go c.readLoop()

	c.logger.Debug("bridge connected", "url", url)
	return c, nil
}

// Events returns the event frame channel. It is closed when the session ends.
func (c *Client) Events() <-chan EventFrame {
	return c.events
}

// Done is closed when the session ends.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// Close gracefully closes the session.
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.writeMu.Lock()
		c.conn.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second),
		)
		c.writeMu.Unlock()
		err = c.conn.Close()
	})
	return err
}

// Call sends a request and waits for its response. A response error is
// returned as an *errs.Error carrying the remote kind and message.
func (c *Client) Call(ctx context.Context, method string, args, result any) error {
	req := Request{ID: c.nextID.Add(1), Method: method}
	if args != nil {
		raw, err := json.Marshal(args)
		if err != nil {
			return fmt.Errorf("encode %s args: %w", method, err)
		}
		req.Args = raw
	}
	data, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("encode %s request: %w", method, err)
	}

	respCh := make(chan Response, 1)
	c.pendingMu.Lock()
	c.pending[req.ID] = respCh
	c.pendingMu.Unlock()

	defer func() {
		c.pendingMu.Lock()
		delete(c.pending, req.ID)
		c.pendingMu.Unlock()
	}()

	if err := c.write(data); err != nil {
		return err
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-c.done:
		return ErrClientClosed
	case resp := <-respCh:
		if resp.Error != nil {
			return resp.Error.Err()
		}
		if result != nil && len(resp.Result) > 0 {
			if err := json.Unmarshal(resp.Result, result); err != nil {
				return fmt.Errorf("decode %s result: %w", method, err)
			}
		}
		return nil
	}
}

// Connect opens a TCP connection on the server side and returns its handle.
// A zero timeout leaves the server defaults in place.
func (c *Client) Connect(ctx context.Context, address string, port int, timeout time.Duration) (registry.Handle, error) {
	args := ConnectArgs{Address: address, Port: port}
	if timeout > 0 {
		ms := int(timeout / time.Millisecond)
		args.Timeout = &ms
	}

	var h registry.Handle
	if err := c.Call(ctx, MethodConnect, args, &h); err != nil {
		return 0, err
	}
	return h, nil
}

// SendData writes data to the connection for h.
func (c *Client) SendData(ctx context.Context, h registry.Handle, data []byte) error {
	return c.Call(ctx, MethodSendData, SendDataArgs{ID: h, Data: data}, nil)
}

// CloseHandle asks the server to close the connection for h.
func (c *Client) CloseHandle(ctx context.Context, h registry.Handle) error {
	return c.Call(ctx, MethodClose, HandleArgs{ID: h}, nil)
}

// Subscribe starts event delivery for h to this session.
func (c *Client) Subscribe(ctx context.Context, h registry.Handle) error {
	return c.Call(ctx, MethodSubscribe, HandleArgs{ID: h}, nil)
}

// Unsubscribe stops event delivery for h.
func (c *Client) Unsubscribe(ctx context.Context, h registry.Handle) error {
	return c.Call(ctx, MethodUnsubscribe, HandleArgs{ID: h}, nil)
}

// PlatformVersion returns the server's platform description.
func (c *Client) PlatformVersion(ctx context.Context) (string, error) {
	var v string
	err := c.Call(ctx, MethodGetPlatformVersion, nil, &v)
	return v, err
}

func (c *Client) write(data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	select {
	case <-c.done:
		return ErrClientClosed
	default:
	}

	c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

// frame is either a Response or an EventFrame.
type frame struct {
	ID     int64           `json:"id"`
	Result json.RawMessage `json:"result"`
	Event  string          `json:"event"`
	Handle registry.Handle `json:"handle"`
	Data   ByteList        `json:"data"`
	Error  *WireError      `json:"error"`
}

// readLoop routes responses to waiting calls and events to the channel.
func (c *Client) readLoop() {
	defer func() {
		close(c.done)
		close(c.events)
	}()

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.logger.Debug("bridge read failed", "error", err)
			}
			return
		}

		var f frame
		if err := json.Unmarshal(data, &f); err != nil {
			c.logger.Warn("malformed frame", "error", err)
			continue
		}

		if f.Event != "" {
			ev := EventFrame{Event: f.Event, Handle: f.Handle, Data: f.Data, Error: f.Error}
			select {
			case c.events <- ev:
			default:
				c.logger.Warn("event buffer full, dropping event", "handle", uint64(f.Handle))
			}
			continue
		}

		c.pendingMu.Lock()
		respCh, ok := c.pending[f.ID]
		c.pendingMu.Unlock()
		if !ok {
			c.logger.Debug("response without pending request", "id", f.ID)
			continue
		}
		respCh <- Response{ID: f.ID, Result: f.Result, Error: f.Error}
	}
}
