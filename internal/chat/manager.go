// Package chat runs the room protocol on top of a realtime session: join,
// history load with an HTTP backstop, live messages and sending.
package chat

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	logging "github.com/ipfs/go-log/v2"

	"github.com/petervdpas/ychat/internal/proto"
	"github.com/petervdpas/ychat/internal/realtime"
)

var log = logging.Logger("chat")

var (
	ErrEmptyMessage = errors.New("message text is empty")
	ErrNoUser       = errors.New("no signed-in user")
	ErrNoChat       = errors.New("chat id is empty")
	ErrLeft         = errors.New("room was left")
)

// DefaultFallbackDelay is how long Join waits for the socket history before
// fetching it over HTTP.
const DefaultFallbackDelay = 3 * time.Second

// Eventer is the part of a realtime session the room protocol needs.
type Eventer interface {
	Emit(event string, payload any) error
	On(event string, fn realtime.Handler) realtime.Subscription
	Off(event string, sub realtime.Subscription)
}

// HistoryFetcher loads a room's history over HTTP.
type HistoryFetcher interface {
	FetchMessages(ctx context.Context, chatID string) ([]proto.Message, error)
}

// UserSource gives read access to the signed-in user.
type UserSource interface {
	CurrentUser() proto.User
}

// Notifier is told about messages that other users send to the open room.
type Notifier interface {
	Notify(msg proto.Message)
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(proto.Message)

func (f NotifierFunc) Notify(m proto.Message) { f(m) }

type Options struct {
	FallbackDelay time.Duration
	Clock         clock.Clock
	Notifier      Notifier
	NewID         func() string
}

// Manager keeps at most one joined room per session.
type Manager struct {
	ev      Eventer
	history HistoryFetcher
	user    UserSource
	opts    Options

	mu      sync.Mutex
	current *Room
}

func New(ev Eventer, history HistoryFetcher, user UserSource, opts Options) *Manager {
	if opts.FallbackDelay <= 0 {
		opts.FallbackDelay = DefaultFallbackDelay
	}
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	if opts.NewID == nil {
		opts.NewID = newMessageID
	}
	return &Manager{ev: ev, history: history, user: user, opts: opts}
}

// Join leaves the current room, if any, and joins chatID: it registers the
// history and message handlers, emits joinChat and getMessages once each and
// arms the HTTP fallback timer. ctx bounds the room's HTTP fetches.
func (m *Manager) Join(ctx context.Context, chatID string) (*Room, error) {
	chatID = strings.TrimSpace(chatID)
	if chatID == "" {
		return nil, ErrNoChat
	}
	u := m.user.CurrentUser()
	if !u.SignedIn() {
		return nil, ErrNoUser
	}

	m.mu.Lock()
	prev := m.current
	m.current = nil
	m.mu.Unlock()
	if prev != nil {
		prev.Leave()
	}

	r := newRoom(ctx, m, chatID, u)
	r.histSub = m.ev.On(proto.EventGetMessages, realtime.Handle(r.onHistory))
	r.msgSub = m.ev.On(proto.EventMessage, realtime.Handle(r.onMessage))

	if err := m.ev.Emit(proto.EventJoinChat, proto.JoinChatPayload{ChatID: chatID, UserID: u.ID}); err != nil {
		log.Warnf("[%s] joinChat not sent: %v", chatID, err)
	}
	if err := m.ev.Emit(proto.EventGetMessages, proto.GetMessagesPayload{ChatID: chatID}); err != nil {
		log.Warnf("[%s] getMessages not sent: %v", chatID, err)
	}
	r.armFallback()

	m.mu.Lock()
	m.current = r
	m.mu.Unlock()
	log.Infof("[%s] joined as %s", chatID, u.ID)
	return r, nil
}

// Current returns the joined room or nil.
func (m *Manager) Current() *Room {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current
}

// Close leaves the current room.
func (m *Manager) Close() {
	m.mu.Lock()
	r := m.current
	m.current = nil
	m.mu.Unlock()
	if r != nil {
		r.Leave()
	}
}

func (m *Manager) forget(r *Room) {
	m.mu.Lock()
	if m.current == r {
		m.current = nil
	}
	m.mu.Unlock()
}
