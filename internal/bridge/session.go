package bridge

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/Workiva/go-datastructures/queue"
	"github.com/gorilla/websocket"

	"github.com/rickgao/tcpsocket/internal/dispatcher"
	"github.com/rickgao/tcpsocket/internal/errs"
	"github.com/rickgao/tcpsocket/internal/registry"
	"github.com/rickgao/tcpsocket/internal/sink"
)

// session serves one WebSocket peer. The read loop handles requests; a
// single writer goroutine drains the outbound ring buffer.
type session struct {
	id     string
	conn   *websocket.Conn
	srv    *Server
	logger *slog.Logger

	out  *queue.RingBuffer // encoded frames
	wake chan struct{}
	done chan struct{}
	once sync.Once

	mu   sync.Mutex
	subs map[registry.Handle]*subscription
}

// subscription is the sink bound for one handle on behalf of a session.
// Its pointer identity lets the session unbind only what it bound.
type subscription struct {
	sess   *session
	handle registry.Handle
}

// Send implements sink.Sink. It never blocks: a full queue drops the event.
func (sub *subscription) Send(ev sink.Event) bool {
	if ev.Kind == sink.KindClosed {
		sub.sess.forget(sub)
	}
	return sub.sess.enqueue(eventFrame(ev)) == nil
}

func newSession(id string, conn *websocket.Conn, srv *Server) *session {
	return &session{
		id:     id,
		conn:   conn,
		srv:    srv,
		logger: srv.logger.With("session", id, "remote", conn.RemoteAddr().String()),
		out:    queue.NewRingBuffer(uint64(srv.cfg.QueueSize)),
		wake:   make(chan struct{}, 1),
		done:   make(chan struct{}),
		subs:   make(map[registry.Handle]*subscription),
	}
}

func (s *session) run() {
	s.srv.recorder.SessionOpened()
	s.logger.Info("session opened")

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		s.writeLoop()
	}()
	go func() {
		defer wg.Done()
		s.heartbeatLoop()
	}()

	s.readLoop()

	s.closeWith(websocket.CloseNormalClosure, "")
	wg.Wait()
	s.unsubscribeAll()
	s.conn.Close()

	s.srv.recorder.SessionClosed()
	s.logger.Info("session closed")
}

// closeWith stops the session. Safe to call from any goroutine, more than
// once.
func (s *session) closeWith(code int, text string) {
	s.once.Do(func() {
		close(s.done)
		s.out.Dispose()
		s.conn.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(code, text),
			time.Now().Add(time.Second),
		)
		// Unblock ReadMessage.
		s.conn.SetReadDeadline(time.Now())
	})
}

func (s *session) readLoop() {
	pongWait := 2 * s.srv.cfg.PingInterval
	s.conn.SetReadLimit(s.srv.cfg.ReadLimit)
	s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		return s.extendReadDeadline(pongWait)
	})

	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			select {
			case <-s.done:
			default:
				if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
					s.logger.Warn("read failed", "error", err)
				}
			}
			return
		}
		if s.extendReadDeadline(pongWait) != nil {
			return
		}

		var req Request
		if err := json.Unmarshal(data, &req); err != nil {
			s.respond(0, nil, errs.New(errs.InvalidArgument, "malformed request: %v", err))
			continue
		}
		s.handle(req)
	}
}

// extendReadDeadline pushes the read deadline out by d. closeWith pokes the
// deadline only after closing done, so an extension that raced with it is
// reported as ErrSessionClosed.
func (s *session) extendReadDeadline(d time.Duration) error {
	if err := s.conn.SetReadDeadline(time.Now().Add(d)); err != nil {
		return err
	}
	select {
	case <-s.done:
		return ErrSessionClosed
	default:
		return nil
	}
}

func (s *session) writeLoop() {
	for {
		select {
		case <-s.done:
			return
		case <-s.wake:
		}

		for s.out.Len() > 0 {
			item, err := s.out.Get()
			if err != nil {
				return
			}
			s.conn.SetWriteDeadline(time.Now().Add(s.srv.cfg.WriteTimeout))
			if err := s.conn.WriteMessage(websocket.TextMessage, item.([]byte)); err != nil {
				s.logger.Warn("write failed", "error", err)
				s.closeWith(websocket.CloseAbnormalClosure, "")
				return
			}
		}
	}
}

// heartbeatLoop pings the peer so dead sessions are detected by the read
// deadline.
func (s *session) heartbeatLoop() {
	ticker := time.NewTicker(s.srv.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			deadline := time.Now().Add(s.srv.cfg.WriteTimeout)
			if err := s.conn.WriteControl(websocket.PingMessage, []byte("keepalive"), deadline); err != nil {
				s.logger.Debug("failed to send ping", "error", err)
			}
		}
	}
}

// enqueue encodes v and queues it for the writer.
func (s *session) enqueue(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}

	ok, err := s.out.Offer(data)
	if err != nil {
		return ErrSessionClosed
	}
	if !ok {
		s.srv.recorder.FrameDropped()
		s.logger.Warn("outbound queue full, dropping frame")
		return errs.New(errs.Internal, "outbound queue full")
	}

	select {
	case s.wake <- struct{}{}:
	default:
	}
	return nil
}

func (s *session) respond(id int64, result any, err error) {
	resp := Response{ID: id}
	if err != nil {
		resp.Error = wireError(err)
	} else {
		raw, merr := json.Marshal(result)
		if merr != nil {
			resp.Error = wireError(errs.Wrap(errs.Internal, merr))
		} else {
			resp.Result = raw
		}
	}

	if qerr := s.enqueue(resp); qerr != nil {
		s.logger.Debug("response not delivered", "id", id, "error", qerr)
	}
}

func (s *session) handle(req Request) {
	var err error
	switch req.Method {
	case MethodConnect:
		err = s.connect(req)
		if err == nil {
			// Answered by the connect callback.
			return
		}
		s.respond(req.ID, nil, err)
	case MethodSendData:
		err = s.sendData(req)
		s.respond(req.ID, nil, err)
	case MethodClose:
		var args HandleArgs
		if err = decodeArgs(req, &args); err == nil {
			s.srv.cmds.Close(args.ID)
		}
		s.respond(req.ID, nil, err)
	case MethodSubscribe:
		err = s.subscribe(req)
		s.respond(req.ID, nil, err)
	case MethodUnsubscribe:
		err = s.unsubscribe(req)
		s.respond(req.ID, nil, err)
	case MethodGetPlatformVersion:
		s.respond(req.ID, s.srv.cmds.Version(), nil)
	default:
		err = errs.New(errs.InvalidArgument, "unknown method %q", req.Method)
		s.respond(req.ID, nil, err)
	}

	s.srv.recorder.CommandHandled(req.Method, err)
}

func decodeArgs(req Request, v any) error {
	if len(req.Args) == 0 {
		return errs.New(errs.InvalidArgument, "%s: args are required", req.Method)
	}
	if err := json.Unmarshal(req.Args, v); err != nil {
		return errs.New(errs.InvalidArgument, "%s: %v", req.Method, err)
	}
	return nil
}

func (s *session) connect(req Request) error {
	var args ConnectArgs
	if err := decodeArgs(req, &args); err != nil {
		return err
	}

	creq := dispatcher.ConnectRequest{
		Address: args.Address,
		Port:    args.Port,
		Timeout: args.timeout(),
	}
	return s.srv.cmds.ConnectAsync(creq, func(h registry.Handle, err error) {
		s.srv.recorder.CommandHandled(MethodConnect, err)
		if err != nil {
			s.respond(req.ID, nil, err)
			return
		}

		resp := Response{ID: req.ID, Result: json.RawMessage(h.String())}
		if qerr := s.enqueue(resp); qerr != nil {
			// Nobody will learn the handle; do not leak the connection.
			s.logger.Debug("connect result not delivered, closing", "handle", uint64(h), "error", qerr)
			s.srv.cmds.Close(h)
		}
	})
}

func (s *session) sendData(req Request) error {
	var args SendDataArgs
	if err := decodeArgs(req, &args); err != nil {
		return err
	}
	if args.Data == nil {
		return errs.New(errs.InvalidArgument, "sendData: data is required")
	}

	// The connection's write timeout bounds the call.
	return s.srv.cmds.Send(context.Background(), args.ID, args.Data)
}

func (s *session) subscribe(req Request) error {
	var args HandleArgs
	if err := decodeArgs(req, &args); err != nil {
		return err
	}

	sub := &subscription{sess: s, handle: args.ID}
	s.mu.Lock()
	s.subs[args.ID] = sub
	s.mu.Unlock()

	if err := s.srv.cmds.Subscribe(args.ID, sub); err != nil {
		s.forget(sub)
		return err
	}
	return nil
}

func (s *session) unsubscribe(req Request) error {
	var args HandleArgs
	if err := decodeArgs(req, &args); err != nil {
		return err
	}

	s.mu.Lock()
	delete(s.subs, args.ID)
	s.mu.Unlock()

	s.srv.cmds.Unsubscribe(args.ID)
	return nil
}

// forget drops sub from the session's table if it is still current.
func (s *session) forget(sub *subscription) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.subs[sub.handle] == sub {
		delete(s.subs, sub.handle)
	}
}

// unsubscribeAll releases every binding this session still owns. The
// connections stay open.
func (s *session) unsubscribeAll() {
	s.mu.Lock()
	subs := s.subs
	s.subs = make(map[registry.Handle]*subscription)
	s.mu.Unlock()

	for h, sub := range subs {
		s.srv.cmds.UnsubscribeIf(h, sub)
	}
	if len(subs) > 0 {
		s.logger.Debug("released subscriptions", "count", len(subs))
	}
}
