// Package api is the HTTP client for the chat backend's REST endpoints.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	logging "github.com/ipfs/go-log/v2"

	"github.com/petervdpas/ychat/internal/metrics"
	"github.com/petervdpas/ychat/internal/proto"
	"github.com/petervdpas/ychat/internal/util"
)

var log = logging.Logger("api")

var (
	ErrNotFound  = errors.New("not found")
	ErrForbidden = errors.New("forbidden")
)

// Error is a non-2xx response from the backend.
type Error struct {
	Op      string
	Status  int
	Message string
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" {
		msg = http.StatusText(e.Status)
	}
	return fmt.Sprintf("%s: %s (%d)", e.Op, msg, e.Status)
}

func (e *Error) Is(target error) bool {
	switch target {
	case ErrNotFound:
		return e.Status == http.StatusNotFound
	case ErrForbidden:
		return e.Status == http.StatusForbidden
	}
	return false
}

type Client struct {
	BaseURL string
	HTTP    *http.Client
}

func New(baseURL string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = util.DefaultFetchTimeout
	}
	return &Client{
		BaseURL: util.NormalizeURL(baseURL),
		HTTP:    &http.Client{Timeout: timeout},
	}
}

// do sends one request and decodes a 2xx JSON body into out (when non-nil).
// Non-2xx responses become *Error carrying the server's message.
func (c *Client) do(ctx context.Context, op, method, path string, query url.Values, body, out any) error {
	if c.BaseURL == "" {
		return fmt.Errorf("%s: no server configured", op)
	}
	u := c.BaseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("%s: encode: %w", op, err)
		}
		rd = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, u, rd)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if body != nil {
		req.Header.Set("content-type", "application/json")
	}
	req.Header.Set("accept", "application/json")

	start := time.Now()
	resp, err := c.HTTP.Do(req)
	metrics.APILatency.WithLabelValues(op).Observe(time.Since(start).Seconds())
	if err != nil {
		metrics.APIRequests.WithLabelValues(op, "error").Inc()
		return fmt.Errorf("%s: %w", op, err)
	}
	defer func() {
		io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
	}()
	metrics.APIRequests.WithLabelValues(op, strconv.Itoa(resp.StatusCode)).Inc()

	if resp.StatusCode/100 != 2 {
		apiErr := &Error{Op: op, Status: resp.StatusCode, Message: errorMessage(resp.Body)}
		log.Debugf("%s %s: %v", method, path, apiErr)
		return apiErr
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("%s: decode response: %w", op, err)
	}
	return nil
}

// errorMessage reads `{"error": ".."}` or `{"message": ".."}`, falling back
// to the raw text of the body.
func errorMessage(r io.Reader) string {
	b, _ := io.ReadAll(io.LimitReader(r, 4096))
	var body struct {
		Error   string `json:"error"`
		Message string `json:"message"`
	}
	if json.Unmarshal(b, &body) == nil {
		if body.Error != "" {
			return body.Error
		}
		if body.Message != "" {
			return body.Message
		}
	}
	return strings.TrimSpace(string(b))
}

// Register signs a username in. The backend returns the user id in the
// "password" field.
func (c *Client) Register(ctx context.Context, username string) (proto.User, error) {
	username, err := util.ValidateUsername(username)
	if err != nil {
		return proto.User{}, err
	}
	var resp struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if err := c.do(ctx, "register", http.MethodPost, "/api/register", nil,
		map[string]string{"username": username}, &resp); err != nil {
		return proto.User{}, err
	}
	if resp.Password == "" || resp.Username == "" {
		return proto.User{}, errors.New("register: invalid server response structure")
	}
	return proto.User{ID: resp.Password, Username: resp.Username}, nil
}

func (c *Client) ListChats(ctx context.Context, userID string) ([]proto.Chat, error) {
	var chats []proto.Chat
	q := url.Values{"userId": {userID}}
	if err := c.do(ctx, "list chats", http.MethodGet, "/api/chats", q, nil, &chats); err != nil {
		return nil, err
	}
	if chats == nil {
		chats = []proto.Chat{}
	}
	return chats, nil
}

type CreateChatRequest struct {
	OwnerID      string `json:"ownerId"`
	IsVIP        bool   `json:"isVIP"`
	CustomChatID string `json:"customChatId,omitempty"`
}

func (c *Client) CreateChat(ctx context.Context, req CreateChatRequest) (proto.Chat, error) {
	if req.IsVIP && strings.TrimSpace(req.CustomChatID) == "" {
		return proto.Chat{}, errors.New("create chat: a VIP chat needs a custom chat id")
	}
	req.CustomChatID = strings.TrimSpace(req.CustomChatID)
	var chat proto.Chat
	if err := c.do(ctx, "create chat", http.MethodPost, "/api/chats", nil, req, &chat); err != nil {
		return proto.Chat{}, err
	}
	if chat.ChatID == "" {
		return proto.Chat{}, errors.New("create chat: server returned no chat id")
	}
	if chat.UserID == "" {
		chat.UserID = req.OwnerID
	}
	if req.IsVIP {
		chat.IsVIP = true
		if chat.CustomChatID == "" {
			chat.CustomChatID = req.CustomChatID
		}
	}
	return chat, nil
}

func (c *Client) DeleteChat(ctx context.Context, chatID string) error {
	return c.do(ctx, "delete chat", http.MethodDelete, "/api/chats/"+url.PathEscape(chatID), nil, nil, nil)
}

func (c *Client) JoinChat(ctx context.Context, chatID, userID string) error {
	return c.do(ctx, "join chat", http.MethodPost, "/api/chats/join", nil,
		map[string]string{"chatId": chatID, "userId": userID}, nil)
}

func (c *Client) ShareChat(ctx context.Context, chatID, userID string) error {
	return c.do(ctx, "share chat", http.MethodPost, "/api/chats/share", nil,
		map[string]string{"chatId": chatID, "userId": userID}, nil)
}

// ChatExists reports whether chatID is known to the backend. A 404 or an
// empty body means it is not.
func (c *Client) ChatExists(ctx context.Context, chatID string) (bool, error) {
	chatID = strings.TrimSpace(chatID)
	if chatID == "" {
		return false, nil
	}
	var raw json.RawMessage
	err := c.do(ctx, "check chat", http.MethodGet, "/api/chats/"+url.PathEscape(chatID), nil, nil, &raw)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	switch strings.TrimSpace(string(raw)) {
	case "", "null", "false", `""`, "{}", "[]":
		return false, nil
	}
	return true, nil
}

// FetchMessages returns the chat history in server order.
func (c *Client) FetchMessages(ctx context.Context, chatID string) ([]proto.Message, error) {
	var msgs []proto.Message
	q := url.Values{"chatId": {chatID}}
	if err := c.do(ctx, "fetch messages", http.MethodGet, "/api/messages", q, nil, &msgs); err != nil {
		return nil, err
	}
	if msgs == nil {
		msgs = []proto.Message{}
	}
	return msgs, nil
}
