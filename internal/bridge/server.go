package bridge

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"bluetooth-spp/internal/connmgr"
)

// Options configures a Server.
type Options struct {
	// WriteTimeout bounds every frame written to a client.
	WriteTimeout time.Duration
	// CheckOrigin overrides the upgrader's origin check. Nil accepts same-origin only.
	CheckOrigin func(r *http.Request) bool
	// SendQueue is the number of outgoing messages buffered per client. A client whose
	// queue is full is dropped.
	SendQueue int
}

// DefaultSendQueue is used when Options.SendQueue is zero.
const DefaultSendQueue = 256

// Server is an http.Handler upgrading every request to a bridge WebSocket.
type Server struct {
	mgr      connmgr.Mgr
	log      logrus.FieldLogger
	opts     Options
	upgrader websocket.Upgrader

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	closed  bool
	clients map[*client]struct{}
}

// client is one WebSocket peer. Only writeLoop writes to conn.
type client struct {
	id   string
	conn *websocket.Conn
	log  logrus.FieldLogger

	timeout time.Duration
	out     chan any
	done    chan struct{}
	once    sync.Once
}

// enqueue hands v to the writer without blocking. False means the client is gone or
// cannot keep up.
func (c *client) enqueue(v any) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.out <- v:
		return true
	default:
		return false
	}
}

func (c *client) stop() {
	c.once.Do(func() {
		close(c.done)
		_ = c.conn.Close()
	})
}

func (s *Server) writeLoop(c *client) {
	for {
		select {
		case <-c.done:
			return
		case v := <-c.out:
			if c.timeout > 0 {
				_ = c.conn.SetWriteDeadline(time.Now().Add(c.timeout))
			}
			if err := c.conn.WriteJSON(v); err != nil {
				c.log.WithError(err).Warn("bridge client write failed")
				s.remove(c)
				return
			}
		}
	}
}

// New creates a bridge over mgr. Call Run to start relaying events.
func New(mgr connmgr.Mgr, opts Options, logger logrus.FieldLogger) *Server {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		mgr:      mgr,
		log:      logger,
		opts:     opts,
		upgrader: websocket.Upgrader{CheckOrigin: opts.CheckOrigin},
		ctx:      ctx,
		cancel:   cancel,
		clients:  make(map[*client]struct{}),
	}
}

// Run broadcasts manager events to all clients until the event stream closes or ctx is done.
func (s *Server) Run(ctx context.Context) error {
	events := s.mgr.Events()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			s.broadcast(eventMessage(ev))
		}
	}
}

func (s *Server) broadcast(msg EventMessage) {
	s.mu.Lock()
	clients := make([]*client, 0, len(s.clients))
	for c := range s.clients {
		clients = append(clients, c)
	}
	s.mu.Unlock()

	for _, c := range clients {
		if !c.enqueue(msg) {
			c.log.Warn("dropping slow bridge client")
			s.remove(c)
		}
	}
}

func (s *Server) add(c *client) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.clients[c] = struct{}{}
	return true
}

func (s *Server) remove(c *client) {
	s.mu.Lock()
	delete(s.clients, c)
	s.mu.Unlock()
	c.stop()
}

// ServeHTTP upgrades the request and serves bridge requests until the peer goes away.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already replied with an HTTP error.
		s.log.WithError(err).Debug("websocket upgrade failed")
		return
	}
	queue := s.opts.SendQueue
	if queue <= 0 {
		queue = DefaultSendQueue
	}
	c := &client{
		id:      uuid.NewString(),
		conn:    conn,
		timeout: s.opts.WriteTimeout,
		out:     make(chan any, queue),
		done:    make(chan struct{}),
	}
	c.log = s.log.WithFields(logrus.Fields{"client": c.id, "remote": r.RemoteAddr})
	if !s.add(c) {
		_ = conn.Close()
		return
	}
	defer s.remove(c)
	go s.writeLoop(c)
	c.log.Info("bridge client connected")

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.log.WithError(err).Warn("bridge client read failed")
			} else {
				c.log.Info("bridge client disconnected")
			}
			return
		}
		var req Request
		if err := json.Unmarshal(data, &req); err != nil {
			s.reply(c, badRequest("", "malformed request: "+err.Error()))
			continue
		}
		if req.ID == "" {
			req.ID = uuid.NewString()
		}
		s.handle(c, req)
	}
}

func (s *Server) reply(c *client, resp Response) {
	if !c.enqueue(resp) {
		c.log.WithField("request", resp.ID).Warn("response dropped")
		s.remove(c)
	}
}

func (s *Server) handle(c *client, req Request) {
	log := c.log.WithFields(logrus.Fields{"request": req.ID, "method": req.Method})
	log.Debug("bridge request")

	switch req.Method {
	case MethodConnect:
		var p connectParams
		if err := decodeParams(req.Params, &p); err != nil {
			s.reply(c, badRequest(req.ID, err.Error()))
			return
		}
		sel, err := connmgr.ParseSelector(p.Name, p.Address)
		if err != nil {
			s.reply(c, failure(req.ID, err))
			return
		}
		results := s.mgr.ConnectAsync(s.ctx, sel, p.Identifier)
		go func() {
			res := <-results
			if res.Err != nil {
				log.WithError(res.Err).Info("connect failed")
				s.reply(c, failure(req.ID, res.Err))
				return
			}
			s.reply(c, Response{ID: req.ID, Result: connectResult{Identifier: res.Identifier}})
		}()

	case MethodWrite:
		var p writeParams
		if err := decodeParams(req.Params, &p); err != nil {
			s.reply(c, badRequest(req.ID, err.Error()))
			return
		}
		if p.Identifier == "" {
			s.reply(c, Response{ID: req.ID, Error: &Error{Code: CodeNullException, Message: "identifier is null"}})
			return
		}
		if err := s.mgr.Write(p.Identifier, p.Payload); err != nil {
			s.reply(c, failure(req.ID, err))
			return
		}
		s.reply(c, Response{ID: req.ID})

	case MethodDisconnect:
		var p disconnectParams
		if err := decodeParams(req.Params, &p); err != nil {
			s.reply(c, badRequest(req.ID, err.Error()))
			return
		}
		if err := s.mgr.Disconnect(p.Identifier); err != nil {
			s.reply(c, failure(req.ID, err))
			return
		}
		s.reply(c, Response{ID: req.ID})

	case MethodDevices:
		devs, err := s.mgr.Devices(s.ctx)
		if err != nil {
			s.reply(c, failure(req.ID, err))
			return
		}
		out := make([]deviceJSON, 0, len(devs))
		for _, d := range devs {
			out = append(out, deviceJSON{Name: d.Name, Address: d.MAC, Alias: d.Alias, Path: d.Path})
		}
		s.reply(c, Response{ID: req.ID, Result: out})

	case MethodSessions:
		sessions := s.mgr.Sessions()
		out := make([]sessionJSON, 0, len(sessions))
		for _, si := range sessions {
			out = append(out, sessionJSON{Identifier: si.Identifier, Address: si.Address, State: si.State.String()})
		}
		s.reply(c, Response{ID: req.ID, Result: out})

	default:
		s.reply(c, badRequest(req.ID, "unknown method "+req.Method))
	}
}

func decodeParams(raw json.RawMessage, v any) error {
	if len(raw) == 0 {
		return nil
	}
	return json.Unmarshal(raw, v)
}

// Close cancels pending connects started by the bridge and drops every client.
func (s *Server) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	clients := s.clients
	s.clients = make(map[*client]struct{})
	s.mu.Unlock()

	s.cancel()
	for c := range clients {
		_ = c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "bridge shutting down"),
			time.Now().Add(time.Second))
		c.stop()
	}
	return nil
}
