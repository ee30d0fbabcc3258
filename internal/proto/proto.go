// Package proto holds the wire vocabulary shared by the realtime session,
// the chat layer, the call forwarder and the backend API client.
package proto

import "time"

// User is the signed-in identity. The backend hands out the id as the
// "password" field of the register response.
type User struct {
	ID       string `json:"id"`
	Username string `json:"username"`
}

// SignedIn reports whether u carries a usable id.
func (u User) SignedIn() bool { return u.ID != "" }

// Message is one chat message as it travels over the event channel and the
// history endpoint.
type Message struct {
	ID        string `json:"id"`
	Text      string `json:"text"`
	Sender    string `json:"sender"`
	ChatID    string `json:"chatId"`
	Timestamp int64  `json:"timestamp"` // Unix milliseconds
}

// Time returns the message timestamp as a time.Time.
func (m Message) Time() time.Time { return time.UnixMilli(m.Timestamp) }

// Chat is one entry of the chat list.
type Chat struct {
	ChatID       string `json:"chatId"`
	UserID       string `json:"userId,omitempty"`
	IsVIP        bool   `json:"isVIP,omitempty"`
	CustomChatID string `json:"customChatId,omitempty"`
	LastMessage  string `json:"lastMessage,omitempty"`
}

// DisplayID is the id shown to users: VIP chats are known by their custom id.
func (c Chat) DisplayID() string {
	if c.IsVIP && c.CustomChatID != "" {
		return c.CustomChatID
	}
	return c.ChatID
}
