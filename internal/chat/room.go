package chat

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/benbjohnson/clock"

	"github.com/petervdpas/ychat/internal/metrics"
	"github.com/petervdpas/ychat/internal/proto"
	"github.com/petervdpas/ychat/internal/realtime"
)

const listenerBuffer = 32

// Room is one joined chat. Messages keep arrival order and are not
// deduplicated: a message delivered twice is listed twice.
type Room struct {
	m      *Manager
	chatID string
	user   proto.User

	ctx    context.Context
	cancel context.CancelFunc

	histSub realtime.Subscription
	msgSub  realtime.Subscription

	mu            sync.RWMutex
	messages      []proto.Message
	loaded        bool // history arrived over the socket or HTTP
	socketHistory bool // a getMessages response arrived
	fallbackFired bool
	timer         *clock.Timer
	listeners     []chan Update
	left          bool
}

func newRoom(ctx context.Context, m *Manager, chatID string, u proto.User) *Room {
	ctx, cancel := context.WithCancel(ctx)
	return &Room{
		m:        m,
		chatID:   chatID,
		user:     u,
		ctx:      ctx,
		cancel:   cancel,
		messages: []proto.Message{},
	}
}

func (r *Room) ChatID() string { return r.chatID }

// Messages returns a copy of the message list.
func (r *Room) Messages() []proto.Message {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]proto.Message(nil), r.messages...)
}

// Loaded reports whether history has arrived by either path.
func (r *Room) Loaded() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.loaded
}

func (r *Room) armFallback() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.left || r.socketHistory {
		return
	}
	r.timer = r.m.opts.Clock.AfterFunc(r.m.opts.FallbackDelay, r.fallback)
}

// fallback fetches history over HTTP once, unless the socket answered first.
func (r *Room) fallback() {
	r.mu.Lock()
	if r.left || r.socketHistory || r.fallbackFired {
		r.mu.Unlock()
		return
	}
	r.fallbackFired = true
	r.mu.Unlock()

	metrics.HistoryFallbacks.Inc()
	log.Infof("[%s] no history over socket after %s, fetching over HTTP", r.chatID, r.m.opts.FallbackDelay)
	msgs, err := r.m.history.FetchMessages(r.ctx, r.chatID)
	if err != nil {
		if r.ctx.Err() == nil {
			log.Warnf("[%s] history fallback: %v", r.chatID, err)
		}
		return
	}
	r.replace(msgs, false)
}

func (r *Room) onHistory(msgs []proto.Message) {
	r.replace(msgs, true)
}

func (r *Room) replace(msgs []proto.Message, fromSocket bool) {
	list := append(make([]proto.Message, 0, len(msgs)), msgs...)

	r.mu.Lock()
	if r.left {
		r.mu.Unlock()
		return
	}
	r.messages = list
	r.loaded = true
	if fromSocket {
		r.socketHistory = true
		if r.timer != nil {
			r.timer.Stop()
		}
	}
	r.notifyLocked(Update{Kind: UpdateHistory, Messages: append([]proto.Message(nil), list...)})
	r.mu.Unlock()
	log.Debugf("[%s] history loaded: %d messages", r.chatID, len(list))
}

func (r *Room) onMessage(msg proto.Message) {
	if msg.ChatID != "" && msg.ChatID != r.chatID {
		log.Debugf("[%s] ignoring message for %s", r.chatID, msg.ChatID)
		return
	}

	r.mu.Lock()
	if r.left {
		r.mu.Unlock()
		return
	}
	r.messages = append(r.messages, msg)
	r.notifyLocked(Update{Kind: UpdateMessage, Message: msg})
	r.mu.Unlock()

	if msg.Sender != r.user.ID && r.m.opts.Notifier != nil {
		r.m.opts.Notifier.Notify(msg)
	}
}

// Send emits a new message. The message is not added locally; the server
// echoes it back as a message event.
func (r *Room) Send(text string) (proto.Message, error) {
	if strings.TrimSpace(text) == "" {
		return proto.Message{}, ErrEmptyMessage
	}
	if !r.user.SignedIn() {
		return proto.Message{}, ErrNoUser
	}
	r.mu.RLock()
	left := r.left
	r.mu.RUnlock()
	if left {
		return proto.Message{}, ErrLeft
	}

	msg := proto.Message{
		ID:        r.m.opts.NewID(),
		Text:      text,
		Sender:    r.user.ID,
		ChatID:    r.chatID,
		Timestamp: r.m.opts.Clock.Now().UnixMilli(),
	}
	if err := r.m.ev.Emit(proto.EventMessage, msg); err != nil {
		return msg, fmt.Errorf("send message: %w", err)
	}
	metrics.MessagesSent.Inc()
	return msg, nil
}

// Refresh reloads the history over HTTP and replaces the list.
func (r *Room) Refresh(ctx context.Context) error {
	msgs, err := r.m.history.FetchMessages(ctx, r.chatID)
	if err != nil {
		return fmt.Errorf("refresh messages: %w", err)
	}
	r.mu.RLock()
	left := r.left
	r.mu.RUnlock()
	if left {
		return ErrLeft
	}
	r.replace(msgs, false)
	return nil
}

// Subscribe returns a channel that receives room updates.
func (r *Room) Subscribe() <-chan Update {
	r.mu.Lock()
	defer r.mu.Unlock()
	ch := make(chan Update, listenerBuffer)
	if r.left {
		close(ch)
		return ch
	}
	r.listeners = append(r.listeners, ch)
	return ch
}

// SubscribeSnapshot is Subscribe plus the message list and loaded flag as
// of the moment of subscribing, so no history update falls in between.
func (r *Room) SubscribeSnapshot() ([]proto.Message, bool, <-chan Update) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ch := make(chan Update, listenerBuffer)
	msgs := append([]proto.Message(nil), r.messages...)
	if r.left {
		close(ch)
		return msgs, r.loaded, ch
	}
	r.listeners = append(r.listeners, ch)
	return msgs, r.loaded, ch
}

// Unsubscribe removes a listener channel
func (r *Room) Unsubscribe(ch <-chan Update) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, l := range r.listeners {
		if l == ch {
			close(l)
			r.listeners = append(r.listeners[:i], r.listeners[i+1:]...)
			return
		}
	}
}

func (r *Room) notifyLocked(u Update) {
	for _, l := range r.listeners {
		select {
		case l <- u:
		default:
			log.Warnf("[%s] listener buffer full, skipping update", r.chatID)
		}
	}
}

// Leave deregisters the room's handlers, stops the fallback timer, abandons
// in-flight fetches and closes listeners. Safe to call more than once.
func (r *Room) Leave() {
	r.mu.Lock()
	if r.left {
		r.mu.Unlock()
		return
	}
	r.left = true
	if r.timer != nil {
		r.timer.Stop()
	}
	for _, l := range r.listeners {
		close(l)
	}
	r.listeners = nil
	r.mu.Unlock()

	r.m.ev.Off(proto.EventGetMessages, r.histSub)
	r.m.ev.Off(proto.EventMessage, r.msgSub)
	r.cancel()
	r.m.forget(r)
	log.Infof("[%s] left", r.chatID)
}
