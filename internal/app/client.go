// Package app composes the backend client, persistence, the realtime
// session and the chat and call layers behind one Client.
package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/benbjohnson/clock"
	logging "github.com/ipfs/go-log/v2"

	"github.com/petervdpas/ychat/internal/api"
	"github.com/petervdpas/ychat/internal/call"
	"github.com/petervdpas/ychat/internal/config"
	"github.com/petervdpas/ychat/internal/proto"
	"github.com/petervdpas/ychat/internal/storage"
	"github.com/petervdpas/ychat/internal/util"
)

var log = logging.Logger("app")

var (
	ErrNotSignedIn  = errors.New("not signed in")
	ErrChatNotFound = errors.New("chat not found")
	ErrBadChatID    = errors.New("chat id must be non-empty and without spaces")
)

// Deps overrides the platform pieces, mostly for tests. Zero values use the
// real clock and the platform's WebRTC stack.
type Deps struct {
	Peers call.PeerFactory
	Media call.MediaSource
	Clock clock.Clock
}

// ChatEntry is a chat list row with its display name resolved.
type ChatEntry struct {
	proto.Chat
	Name string
}

type Client struct {
	db    *storage.DB
	store *Store
	deps  Deps

	mu  sync.RWMutex
	cfg config.Config
	api *api.Client
}

func NewClient(cfg config.Config, db *storage.DB, deps Deps) *Client {
	if deps.Clock == nil {
		deps.Clock = clock.New()
	}
	if deps.Peers == nil || deps.Media == nil {
		peers, media, err := call.NewPlatform(cfg.Call.ICEServers)
		if err != nil {
			log.Warnf("calls unavailable: %v", err)
		} else {
			if deps.Peers == nil {
				deps.Peers = peers
			}
			if deps.Media == nil {
				deps.Media = media
			}
		}
	}
	return &Client{
		db:    db,
		store: NewStore(db),
		deps:  deps,
		cfg:   cfg,
		api:   api.New(cfg.Server.URL, cfg.HTTPTimeout()),
	}
}

func (c *Client) Store() *Store { return c.store }

func (c *Client) Config() config.Config {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.cfg
}

// SetConfig swaps in a reloaded config. Open chats keep their session; the
// next OpenChat uses the new values.
func (c *Client) SetConfig(cfg config.Config) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if cfg.Server.URL != c.cfg.Server.URL || cfg.Server.HTTPTimeoutSec != c.cfg.Server.HTTPTimeoutSec {
		c.api = api.New(cfg.Server.URL, cfg.HTTPTimeout())
	}
	c.cfg = cfg
}

func (c *Client) backend() *api.Client {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.api
}

func (c *Client) user() (proto.User, error) {
	u := c.store.CurrentUser()
	if !u.SignedIn() {
		return u, ErrNotSignedIn
	}
	return u, nil
}

// ── Account ───────────────────────────────────────────────────────────────────

// RestoreUser loads the user saved by an earlier SignIn.
func (c *Client) RestoreUser() (proto.User, bool, error) {
	if c.db == nil {
		return proto.User{}, false, nil
	}
	u, ok, err := c.db.LoadUser()
	if err != nil || !ok {
		return u, ok, err
	}
	c.store.setUser(u)
	log.Infof("restored user %s", u.Username)
	return u, true, nil
}

// SignIn registers username with the backend and keeps the returned id.
func (c *Client) SignIn(ctx context.Context, username string) (proto.User, error) {
	name, err := util.ValidateUsername(username)
	if err != nil {
		return proto.User{}, err
	}
	u, err := c.backend().Register(ctx, name)
	if err != nil {
		return proto.User{}, err
	}
	if err := c.store.SetUser(u); err != nil {
		return u, err
	}
	log.Infof("signed in as %s", u.Username)
	return u, nil
}

func (c *Client) SignOut() error {
	return c.store.ClearUser()
}

// ── Chats ─────────────────────────────────────────────────────────────────────

func (c *Client) Chats(ctx context.Context) ([]ChatEntry, error) {
	u, err := c.user()
	if err != nil {
		return nil, err
	}
	chats, err := c.backend().ListChats(ctx, u.ID)
	if err != nil {
		return nil, err
	}
	out := make([]ChatEntry, 0, len(chats))
	for _, ch := range chats {
		out = append(out, ChatEntry{Chat: ch, Name: c.ChatName(ch.DisplayID())})
	}
	return out, nil
}

func (c *Client) CreateChat(ctx context.Context) (proto.Chat, error) {
	u, err := c.user()
	if err != nil {
		return proto.Chat{}, err
	}
	return c.backend().CreateChat(ctx, api.CreateChatRequest{OwnerID: u.ID})
}

// CreateVIPChat creates a chat under a chosen id. The backend refuses ids
// that are taken.
func (c *Client) CreateVIPChat(ctx context.Context, customID string) (proto.Chat, error) {
	u, err := c.user()
	if err != nil {
		return proto.Chat{}, err
	}
	id, err := checkChatID(customID)
	if err != nil {
		return proto.Chat{}, err
	}
	return c.backend().CreateChat(ctx, api.CreateChatRequest{OwnerID: u.ID, IsVIP: true, CustomChatID: id})
}

func (c *Client) DeleteChat(ctx context.Context, chatID string) error {
	if _, err := c.user(); err != nil {
		return err
	}
	id, err := checkChatID(chatID)
	if err != nil {
		return err
	}
	if err := c.backend().DeleteChat(ctx, id); err != nil {
		return err
	}
	if c.db != nil {
		if err := c.db.SetChatName(id, ""); err != nil {
			log.Warnf("[%s] drop custom name: %v", id, err)
		}
	}
	if c.store.CurrentChat() == id {
		c.store.SetCurrentChat("")
	}
	return nil
}

// EnterChat checks that chatID exists and registers the user as a member.
func (c *Client) EnterChat(ctx context.Context, chatID string) error {
	u, err := c.user()
	if err != nil {
		return err
	}
	id, err := checkChatID(chatID)
	if err != nil {
		return err
	}
	ok, err := c.backend().ChatExists(ctx, id)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: %s", ErrChatNotFound, id)
	}
	if err := c.backend().JoinChat(ctx, id, u.ID); err != nil {
		return err
	}
	c.store.SetCurrentChat(id)
	return nil
}

func (c *Client) ShareChat(ctx context.Context, chatID string) error {
	u, err := c.user()
	if err != nil {
		return err
	}
	id, err := checkChatID(chatID)
	if err != nil {
		return err
	}
	return c.backend().ShareChat(ctx, id, u.ID)
}

// ChatName returns the custom name for chatID, or chatID itself.
func (c *Client) ChatName(chatID string) string {
	if c.db == nil {
		return chatID
	}
	name, ok, err := c.db.ChatName(chatID)
	if err != nil {
		log.Warnf("[%s] load custom name: %v", chatID, err)
	}
	if !ok || name == "" {
		return chatID
	}
	return name
}

// RenameChat sets a local display name; an empty name removes it.
func (c *Client) RenameChat(chatID, name string) error {
	if c.db == nil {
		return errors.New("rename chat: no local storage")
	}
	return c.db.SetChatName(chatID, strings.TrimSpace(name))
}

func checkChatID(id string) (string, error) {
	id = strings.TrimSpace(id)
	if id == "" || strings.ContainsAny(id, " \t\r\n/") {
		return "", ErrBadChatID
	}
	return id, nil
}
