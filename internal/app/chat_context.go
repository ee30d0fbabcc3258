package app

import (
	"context"
	"sync"

	"github.com/petervdpas/ychat/internal/call"
	"github.com/petervdpas/ychat/internal/chat"
	"github.com/petervdpas/ychat/internal/realtime"
)

// ChatContext is one open chat: its own realtime session, the joined room
// and the call forwarder for that room.
type ChatContext struct {
	ChatID  string
	Session *realtime.Session
	Room    *chat.Room
	Call    *call.Forwarder

	manager *chat.Manager
	cancel  context.CancelFunc
	once    sync.Once
}

// OpenChat connects a fresh session and joins chatID on it. A session that
// fails to connect is kept: the room still loads its history over HTTP and
// emits fail with realtime.ErrNotConnected.
func (c *Client) OpenChat(ctx context.Context, chatID string, notifier chat.Notifier) (*ChatContext, error) {
	if _, err := c.user(); err != nil {
		return nil, err
	}
	id, err := checkChatID(chatID)
	if err != nil {
		return nil, err
	}
	cfg := c.Config()

	sess := realtime.Connect(ctx, cfg.Server.URL, realtime.WithHandshakeTimeout(cfg.HandshakeTimeout()))
	if err := sess.Err(); err != nil {
		log.Warnf("[%s] realtime unavailable: %v", id, err)
	}

	roomCtx, cancel := context.WithCancel(context.Background())
	mgr := chat.New(sess, c.backend(), c.store, chat.Options{
		FallbackDelay: cfg.HistoryFallback(),
		Clock:         c.deps.Clock,
		Notifier:      notifier,
	})
	room, err := mgr.Join(roomCtx, id)
	if err != nil {
		cancel()
		sess.Disconnect()
		return nil, err
	}

	fwd := call.New(sess, id, call.Options{
		Peers:       c.deps.Peers,
		Media:       c.deps.Media,
		Clock:       c.deps.Clock,
		RingTimeout: cfg.RingTimeout(),
	})
	c.store.SetCurrentChat(id)

	return &ChatContext{
		ChatID:  id,
		Session: sess,
		Room:    room,
		Call:    fwd,
		manager: mgr,
		cancel:  cancel,
	}, nil
}

// Connected reports whether the realtime session is up.
func (cc *ChatContext) Connected() bool {
	return cc.Session.State() == realtime.StateConnected
}

// Close ends any call, leaves the room and disconnects the session, in that
// order. Safe to call more than once.
func (cc *ChatContext) Close() {
	cc.once.Do(func() {
		cc.Call.Close()
		cc.manager.Close()
		cc.Session.Disconnect()
		cc.cancel()
		log.Infof("[%s] closed", cc.ChatID)
	})
}
