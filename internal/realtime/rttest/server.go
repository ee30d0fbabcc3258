// Package rttest runs an in-process Socket.IO event server for tests. It
// speaks the Engine.IO v4 WebSocket framing without depending on the client
// code it exercises.
package rttest

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

const waitTimeout = 3 * time.Second

// Event is one event received from a client.
type Event struct {
	Conn *Conn
	Name string
	Data json.RawMessage
}

// Decode unmarshals the event payload into v.
func (e Event) Decode(v any) error {
	return json.Unmarshal(e.Data, v)
}

type Option func(*Server)

// WithPing sets the ping interval and timeout announced in the open packet.
func WithPing(interval, timeout time.Duration) Option {
	return func(s *Server) {
		s.pingInterval = int(interval / time.Millisecond)
		s.pingTimeout = int(timeout / time.Millisecond)
	}
}

// WithRefusal makes the server answer namespace connects with a connect
// error carrying msg.
func WithRefusal(msg string) Option {
	return func(s *Server) { s.refuse = msg }
}

// WithHandler mounts h on pattern next to the socket endpoint, so one base
// URL can serve both REST and events.
func WithHandler(pattern string, h http.Handler) Option {
	return func(s *Server) { s.extra = append(s.extra, route{pattern, h}) }
}

type route struct {
	pattern string
	h       http.Handler
}

// Server is a fake event server.
type Server struct {
	srv      *httptest.Server
	upgrader websocket.Upgrader

	pingInterval int
	pingTimeout  int
	refuse       string
	extra        []route

	mu       sync.Mutex
	conns    []*Conn
	handlers map[string]func(Event)

	events chan Event
	connCh chan *Conn
	nextID atomic.Int64
}

// NewServer starts a server. Close it when done.
func NewServer(opts ...Option) *Server {
	s := &Server{
		pingInterval: 25000,
		pingTimeout:  20000,
		handlers:     make(map[string]func(Event)),
		events:       make(chan Event, 256),
		connCh:       make(chan *Conn, 16),
	}
	for _, opt := range opts {
		opt(s)
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/socket.io/", s.serveWS)
	for _, r := range s.extra {
		mux.Handle(r.pattern, r.h)
	}
	s.srv = httptest.NewServer(mux)
	return s
}

// URL is the http:// base URL a client is configured with.
func (s *Server) URL() string { return s.srv.URL }

// Close drops every connection and stops the server.
func (s *Server) Close() {
	s.mu.Lock()
	conns := append([]*Conn(nil), s.conns...)
	s.mu.Unlock()
	for _, c := range conns {
		c.Close()
	}
	s.srv.Close()
}

// Handle installs an auto-responder for event. It runs on the connection's
// read goroutine before the event is queued on Events.
func (s *Server) Handle(event string, fn func(Event)) {
	s.mu.Lock()
	s.handlers[event] = fn
	s.mu.Unlock()
}

// Events yields every event received from any client, in arrival order per
// connection.
func (s *Server) Events() <-chan Event { return s.events }

// Expect waits for the next event and requires it to be named name.
func (s *Server) Expect(t testing.TB, name string) Event {
	t.Helper()
	select {
	case ev := <-s.events:
		if ev.Name != name {
			t.Fatalf("rttest: expected event %q, got %q (%s)", name, ev.Name, ev.Data)
		}
		return ev
	case <-time.After(waitTimeout):
		t.Fatalf("rttest: timed out waiting for event %q", name)
	}
	return Event{}
}

// ExpectNone fails if any event arrives within d.
func (s *Server) ExpectNone(t testing.TB, d time.Duration) {
	t.Helper()
	select {
	case ev := <-s.events:
		t.Fatalf("rttest: unexpected event %q (%s)", ev.Name, ev.Data)
	case <-time.After(d):
	}
}

// WaitConn returns the next connection that completed the handshake.
func (s *Server) WaitConn(t testing.TB) *Conn {
	t.Helper()
	select {
	case c := <-s.connCh:
		return c
	case <-time.After(waitTimeout):
		t.Fatalf("rttest: timed out waiting for a client connection")
	}
	return nil
}

// Emit sends an event to every connected client.
func (s *Server) Emit(event string, payload any) error {
	s.mu.Lock()
	conns := append([]*Conn(nil), s.conns...)
	s.mu.Unlock()
	for _, c := range conns {
		if err := c.Emit(event, payload); err != nil {
			return err
		}
	}
	return nil
}

func (s *Server) serveWS(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	if q.Get("EIO") != "4" || q.Get("transport") != "websocket" {
		http.Error(w, "unsupported transport", http.StatusBadRequest)
		return
	}
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	c := &Conn{ws: ws, sid: fmt.Sprintf("sid-%d", s.nextID.Add(1))}

	open, _ := json.Marshal(map[string]any{
		"sid":          c.sid,
		"upgrades":     []string{},
		"pingInterval": s.pingInterval,
		"pingTimeout":  s.pingTimeout,
		"maxPayload":   1000000,
	})
	if err := c.send("0" + string(open)); err != nil {
		ws.Close()
		return
	}
	_, msg, err := ws.ReadMessage()
	if err != nil || !strings.HasPrefix(string(msg), "40") {
		ws.Close()
		return
	}
	if s.refuse != "" {
		body, _ := json.Marshal(map[string]string{"message": s.refuse})
		_ = c.send("44" + string(body))
		ws.Close()
		return
	}
	if err := c.send(`40{"sid":"` + c.sid + `-io"}`); err != nil {
		ws.Close()
		return
	}

	s.mu.Lock()
	s.conns = append(s.conns, c)
	s.mu.Unlock()
	select {
	case s.connCh <- c:
	default:
	}
	s.readLoop(c)
}

func (s *Server) readLoop(c *Conn) {
	defer func() {
		c.markClosed()
		s.mu.Lock()
		for i, x := range s.conns {
			if x == c {
				s.conns = append(s.conns[:i], s.conns[i+1:]...)
				break
			}
		}
		s.mu.Unlock()
	}()
	for {
		_, msg, err := c.ws.ReadMessage()
		if err != nil {
			return
		}
		frame := string(msg)
		switch {
		case frame == "3":
			c.pongs.Add(1)
		case frame == "41":
			c.disconnected.Store(true)
			return
		case strings.HasPrefix(frame, "42"):
			ev, err := parseEvent(frame[2:])
			if err != nil {
				continue
			}
			ev.Conn = c
			s.mu.Lock()
			fn := s.handlers[ev.Name]
			s.mu.Unlock()
			if fn != nil {
				fn(ev)
			}
			select {
			case s.events <- ev:
			default:
			}
		}
	}
}

func parseEvent(body string) (Event, error) {
	var args []json.RawMessage
	if err := json.Unmarshal([]byte(body), &args); err != nil {
		return Event{}, err
	}
	if len(args) == 0 {
		return Event{}, fmt.Errorf("empty event")
	}
	var ev Event
	if err := json.Unmarshal(args[0], &ev.Name); err != nil {
		return Event{}, err
	}
	ev.Data = json.RawMessage("null")
	if len(args) > 1 {
		ev.Data = args[1]
	}
	return ev, nil
}

// Conn is one client connection as seen by the server.
type Conn struct {
	ws  *websocket.Conn
	sid string
	wmu sync.Mutex

	pongs        atomic.Int64
	disconnected atomic.Bool
	closed       atomic.Bool
}

func (c *Conn) send(frame string) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	return c.ws.WriteMessage(websocket.TextMessage, []byte(frame))
}

// SID is the Engine.IO session id handed to this client.
func (c *Conn) SID() string { return c.sid }

// Emit sends an event to this client.
func (c *Conn) Emit(event string, payload any) error {
	name, _ := json.Marshal(event)
	arg, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	return c.send("42[" + string(name) + "," + string(arg) + "]")
}

// SendRaw writes a frame as-is.
func (c *Conn) SendRaw(frame string) error { return c.send(frame) }

// Ping sends an Engine.IO ping.
func (c *Conn) Ping() error { return c.send("2") }

// Pongs counts the pongs received from the client.
func (c *Conn) Pongs() int { return int(c.pongs.Load()) }

// Kick sends a namespace disconnect.
func (c *Conn) Kick() error { return c.send("41") }

// ClientDisconnected reports whether the client sent a namespace disconnect.
func (c *Conn) ClientDisconnected() bool { return c.disconnected.Load() }

// Closed reports whether the connection's read side has ended.
func (c *Conn) Closed() bool { return c.closed.Load() }

// Close drops the connection without a goodbye.
func (c *Conn) Close() { c.ws.Close() }

func (c *Conn) markClosed() { c.closed.Store(true) }
