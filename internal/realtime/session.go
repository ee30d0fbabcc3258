// Package realtime is the client side of the backend's Socket.IO event
// channel: one WebSocket connection per Session, named events in both
// directions, handlers dispatched serially in arrival order.
package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	logging "github.com/ipfs/go-log/v2"

	"github.com/petervdpas/ychat/internal/metrics"
)

var log = logging.Logger("realtime")

var (
	ErrNotConnected = errors.New("realtime session is not connected")
	ErrServerClosed = errors.New("server closed the session")
)

const (
	DefaultHandshakeTimeout = 10 * time.Second
	DefaultWriteTimeout     = 10 * time.Second

	subscribeBuffer = 64
)

// State of a Session.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	default:
		return "disconnected"
	}
}

// Handler receives the first argument of an event. Handlers run on the
// session's reader goroutine and must not block.
type Handler func(payload json.RawMessage)

// Subscription identifies one registered handler. The zero value matches
// nothing.
type Subscription uint64

// Handle adapts a typed callback into a Handler. Payloads that do not decode
// into T are logged and skipped.
func Handle[T any](fn func(T)) Handler {
	return func(raw json.RawMessage) {
		var v T
		if err := json.Unmarshal(raw, &v); err != nil {
			log.Warnf("decode %T: %v", v, err)
			return
		}
		fn(v)
	}
}

type Options struct {
	HandshakeTimeout time.Duration
	WriteTimeout     time.Duration
}

type Option func(*Options)

func WithHandshakeTimeout(d time.Duration) Option {
	return func(o *Options) { o.HandshakeTimeout = d }
}

type handlerEntry struct {
	id Subscription
	fn Handler
}

// Session is one connection to the event server.
type Session struct {
	id        string
	serverURL string
	opts      Options

	state atomic.Int32

	conn        *websocket.Conn
	sid         string
	readTimeout time.Duration
	writeMu     sync.Mutex

	// dispatchMu is held while a handler runs; Disconnect takes it once so
	// that no handler is running when it returns.
	dispatchMu sync.Mutex

	mu       sync.RWMutex
	handlers map[string][]handlerEntry
	live     map[Subscription]struct{}
	nextID   uint64
	closed   bool
	err      error

	done     chan struct{}
	doneOnce sync.Once
}

// Connect dials serverURL and performs the Socket.IO handshake. It never
// returns nil: when the connection cannot be established the Session is
// disconnected and Err reports why.
func Connect(ctx context.Context, serverURL string, opts ...Option) *Session {
	o := Options{
		HandshakeTimeout: DefaultHandshakeTimeout,
		WriteTimeout:     DefaultWriteTimeout,
	}
	for _, opt := range opts {
		opt(&o)
	}

	s := &Session{
		id:        uuid.NewString(),
		serverURL: serverURL,
		opts:      o,
		handlers:  make(map[string][]handlerEntry),
		live:      make(map[Subscription]struct{}),
		done:      make(chan struct{}),
	}
	s.state.Store(int32(StateConnecting))

	if err := s.dial(ctx); err != nil {
		log.Warnf("[%s] connect %s: %v", s.short(), serverURL, err)
		metrics.SessionsOpened.WithLabelValues("failed").Inc()
		s.mu.Lock()
		s.closed = true
		s.err = err
		s.mu.Unlock()
		s.state.Store(int32(StateDisconnected))
		s.closeDone()
		return s
	}

	s.state.Store(int32(StateConnected))
	metrics.SessionsOpened.WithLabelValues("connected").Inc()
	log.Infof("[%s] connected to %s (sid %s)", s.short(), serverURL, s.sid)
	go s.readLoop()
	return s
}

func (s *Session) dial(ctx context.Context) error {
	u, err := socketURL(s.serverURL)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, s.opts.HandshakeTimeout)
	defer cancel()

	dialer := *websocket.DefaultDialer
	conn, resp, err := dialer.DialContext(ctx, u, nil)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}

	// Unblock handshake reads when ctx ends.
	stop := context.AfterFunc(ctx, func() { _ = conn.SetReadDeadline(time.Now()) })
	defer stop()
	if dl, ok := ctx.Deadline(); ok {
		_ = conn.SetReadDeadline(dl)
		_ = conn.SetWriteDeadline(dl)
	}

	if err := s.handshake(conn); err != nil {
		conn.Close()
		if ctx.Err() != nil {
			return fmt.Errorf("handshake: %w", ctx.Err())
		}
		return fmt.Errorf("handshake: %w", err)
	}

	_ = conn.SetWriteDeadline(time.Time{})
	if s.readTimeout > 0 {
		_ = conn.SetReadDeadline(time.Now().Add(s.readTimeout))
	} else {
		_ = conn.SetReadDeadline(time.Time{})
	}
	s.conn = conn
	return nil
}

func (s *Session) handshake(conn *websocket.Conn) error {
	_, frame, err := conn.ReadMessage()
	if err != nil {
		return err
	}
	pkt, err := decodePacket(frame)
	if err != nil {
		return err
	}
	if pkt.kind != kindOpen {
		return fmt.Errorf("expected open packet, got %q", frame)
	}
	var info openInfo
	if err := json.Unmarshal(pkt.data, &info); err != nil {
		return fmt.Errorf("open packet: %w", err)
	}
	s.sid = info.SID
	s.readTimeout = info.readTimeout()

	if err := conn.WriteMessage(websocket.TextMessage, frameConnect); err != nil {
		return err
	}

	for {
		_, frame, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		pkt, err := decodePacket(frame)
		if err != nil {
			return err
		}
		switch pkt.kind {
		case kindConnect:
			return nil
		case kindConnectError:
			return fmt.Errorf("server refused connection: %s", connectErrorMessage(pkt.data))
		case kindClose, kindDisconnect:
			return ErrServerClosed
		case kindPing:
			if err := conn.WriteMessage(websocket.TextMessage, framePong); err != nil {
				return err
			}
		}
	}
}

func (s *Session) readLoop() {
	defer s.finish()
	for {
		_, frame, err := s.conn.ReadMessage()
		if err != nil {
			if !s.isClosed() {
				log.Warnf("[%s] connection lost: %v", s.short(), err)
				s.setErr(err)
			}
			return
		}
		if s.readTimeout > 0 {
			_ = s.conn.SetReadDeadline(time.Now().Add(s.readTimeout))
		}

		pkt, err := decodePacket(frame)
		if err != nil {
			log.Debugf("[%s] skip frame: %v", s.short(), err)
			continue
		}
		switch pkt.kind {
		case kindPing:
			if err := s.write(framePong); err != nil {
				log.Debugf("[%s] pong: %v", s.short(), err)
			}
		case kindClose, kindDisconnect:
			log.Infof("[%s] server closed the session", s.short())
			s.setErr(ErrServerClosed)
			return
		case kindEvent:
			metrics.EventsReceived.WithLabelValues(pkt.event).Inc()
			s.dispatch(pkt.event, pkt.data)
		}
	}
}

// dispatch runs the handlers registered for event in registration order.
// A handler removed by an earlier handler of the same event is skipped.
func (s *Session) dispatch(event string, data json.RawMessage) {
	s.mu.RLock()
	entries := append([]handlerEntry(nil), s.handlers[event]...)
	s.mu.RUnlock()

	if len(entries) == 0 {
		log.Debugf("[%s] no handler for %q", s.short(), event)
		return
	}
	for _, h := range entries {
		s.dispatchMu.Lock()
		if s.isLive(h.id) {
			s.invoke(event, h.fn, data)
		}
		s.dispatchMu.Unlock()
	}
}

func (s *Session) invoke(event string, fn Handler, data json.RawMessage) {
	defer func() {
		if r := recover(); r != nil {
			log.Errorf("[%s] handler for %q panicked: %v", s.short(), event, r)
		}
	}()
	fn(data)
}

// Emit sends one event. There is no acknowledgement; when the session is not
// connected the event is dropped and ErrNotConnected returned.
func (s *Session) Emit(event string, payload any) error {
	if s.State() != StateConnected {
		metrics.EventsDropped.WithLabelValues(event).Inc()
		return ErrNotConnected
	}
	frame, err := encodeEvent(event, payload)
	if err != nil {
		return fmt.Errorf("encode %s: %w", event, err)
	}
	if err := s.write(frame); err != nil {
		metrics.EventsDropped.WithLabelValues(event).Inc()
		return fmt.Errorf("emit %s: %w", event, err)
	}
	metrics.EventsEmitted.WithLabelValues(event).Inc()
	return nil
}

func (s *Session) write(frame []byte) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if s.opts.WriteTimeout > 0 {
		_ = s.conn.SetWriteDeadline(time.Now().Add(s.opts.WriteTimeout))
	}
	return s.conn.WriteMessage(websocket.TextMessage, frame)
}

// On registers fn for event. On a closed session nothing is registered.
func (s *Session) On(event string, fn Handler) Subscription {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	sub := Subscription(s.nextID)
	if s.closed || fn == nil {
		return sub
	}
	s.handlers[event] = append(s.handlers[event], handlerEntry{id: sub, fn: fn})
	s.live[sub] = struct{}{}
	return sub
}

// Off removes one handler. Unknown subscriptions are ignored.
func (s *Session) Off(event string, sub Subscription) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.live, sub)
	hs := s.handlers[event]
	for i, h := range hs {
		if h.id == sub {
			s.handlers[event] = append(hs[:i:i], hs[i+1:]...)
			break
		}
	}
	if len(s.handlers[event]) == 0 {
		delete(s.handlers, event)
	}
}

// OffAll removes every handler registered for event.
func (s *Session) OffAll(event string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, h := range s.handlers[event] {
		delete(s.live, h.id)
	}
	delete(s.handlers, event)
}

// Subscribe is the channel form of On. The channel is closed when ctx is done
// or the session ends. A subscriber that falls behind loses events.
func (s *Session) Subscribe(ctx context.Context, event string) <-chan json.RawMessage {
	ch := make(chan json.RawMessage, subscribeBuffer)
	var (
		mu     sync.Mutex
		closed bool
	)
	sub := s.On(event, func(p json.RawMessage) {
		mu.Lock()
		defer mu.Unlock()
		if closed {
			return
		}
		select {
		case ch <- p:
		default:
			log.Warnf("[%s] subscriber for %q is full, dropping event", s.short(), event)
		}
	})
	go func() {
		select {
		case <-ctx.Done():
		case <-s.done:
		}
		s.Off(event, sub)
		mu.Lock()
		closed = true
		close(ch)
		mu.Unlock()
	}()
	return ch
}

// Disconnect closes the connection and drops every handler. It waits for a
// running handler to return, so handlers must not call it themselves. It is
// safe to call more than once.
func (s *Session) Disconnect() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.handlers = make(map[string][]handlerEntry)
	s.live = make(map[Subscription]struct{})
	s.mu.Unlock()

	// Wait out a handler that is already running.
	s.dispatchMu.Lock()
	s.dispatchMu.Unlock()

	if s.State() == StateConnected {
		_ = s.write(frameDisconnect)
		s.writeMu.Lock()
		_ = s.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		s.writeMu.Unlock()
	}
	s.state.Store(int32(StateDisconnected))
	if s.conn != nil {
		s.conn.Close()
	}
	s.closeDone()
	log.Infof("[%s] disconnected", s.short())
}

func (s *Session) finish() {
	s.mu.Lock()
	s.closed = true
	s.handlers = make(map[string][]handlerEntry)
	s.live = make(map[Subscription]struct{})
	s.mu.Unlock()
	s.state.Store(int32(StateDisconnected))
	s.conn.Close()
	s.closeDone()
}

func (s *Session) closeDone() {
	s.doneOnce.Do(func() { close(s.done) })
}

func (s *Session) isClosed() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.closed
}

func (s *Session) isLive(id Subscription) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return false
	}
	_, ok := s.live[id]
	return ok
}

func (s *Session) setErr(err error) {
	s.mu.Lock()
	if s.err == nil {
		s.err = err
	}
	s.mu.Unlock()
}

// State reports the connection state.
func (s *Session) State() State { return State(s.state.Load()) }

// Err returns the error that ended or prevented the connection, or nil.
func (s *Session) Err() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.err
}

// Done is closed when the session is disconnected for any reason.
func (s *Session) Done() <-chan struct{} { return s.done }

// ID is a client-side identifier used in logs.
func (s *Session) ID() string { return s.id }

func (s *Session) short() string { return s.id[:8] }

// socketURL turns the configured http(s) server URL into the Engine.IO
// WebSocket endpoint.
func socketURL(serverURL string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(serverURL))
	if err != nil {
		return "", fmt.Errorf("server url: %w", err)
	}
	switch u.Scheme {
	case "http", "ws":
		u.Scheme = "ws"
	case "https", "wss":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("server url %q: unsupported scheme %q", serverURL, u.Scheme)
	}
	if u.Host == "" {
		return "", fmt.Errorf("server url %q: missing host", serverURL)
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/socket.io/"
	q := u.Query()
	q.Set("EIO", "4")
	q.Set("transport", "websocket")
	u.RawQuery = q.Encode()
	u.Fragment = ""
	return u.String(), nil
}
