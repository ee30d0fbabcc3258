// Package apitest is an in-memory chat backend for tests. It serves the REST
// endpoints the api client talks to.
package apitest

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/petervdpas/ychat/internal/proto"
)

// Backend records every request and holds users, chats and messages.
type Backend struct {
	srv     *httptest.Server
	handler http.Handler

	mu       sync.Mutex
	users    map[string]string // username → id
	chats    map[string]*proto.Chat
	order    []string
	members  map[string]map[string]bool // chatID → userIDs
	shares   map[string][]string        // chatID → userIDs
	messages map[string][]proto.Message

	nextID   atomic.Int64
	requests map[string]int // "METHOD /path" → count
}

func NewBackend() *Backend {
	b := &Backend{
		users:    make(map[string]string),
		chats:    make(map[string]*proto.Chat),
		members:  make(map[string]map[string]bool),
		shares:   make(map[string][]string),
		messages: make(map[string][]proto.Message),
		requests: make(map[string]int),
	}
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/register", b.register)
	mux.HandleFunc("GET /api/chats", b.listChats)
	mux.HandleFunc("POST /api/chats", b.createChat)
	mux.HandleFunc("POST /api/chats/join", b.joinChat)
	mux.HandleFunc("POST /api/chats/share", b.shareChat)
	mux.HandleFunc("GET /api/chats/{id}", b.getChat)
	mux.HandleFunc("DELETE /api/chats/{id}", b.deleteChat)
	mux.HandleFunc("GET /api/messages", b.listMessages)
	b.handler = b.count(mux)
	b.srv = httptest.NewServer(b.handler)
	return b
}

// Handler returns the backend's routes for mounting on another server.
func (b *Backend) Handler() http.Handler { return b.handler }

func (b *Backend) URL() string { return b.srv.URL }

func (b *Backend) Close() { b.srv.Close() }

// Requests returns how many times "METHOD /path" was hit.
func (b *Backend) Requests(key string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.requests[key]
}

// AddChat seeds a chat owned by userID.
func (b *Backend) AddChat(c proto.Chat) {
	b.mu.Lock()
	defer b.mu.Unlock()
	cp := c
	b.chats[c.ChatID] = &cp
	b.order = append(b.order, c.ChatID)
	if c.UserID != "" {
		b.addMemberLocked(c.ChatID, c.UserID)
	}
}

// AddMessages seeds chat history.
func (b *Backend) AddMessages(chatID string, msgs ...proto.Message) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.messages[chatID] = append(b.messages[chatID], msgs...)
}

// Members lists the users registered for chatID via create or join.
func (b *Backend) Members(chatID string) []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []string
	for id := range b.members[chatID] {
		out = append(out, id)
	}
	return out
}

// Shares lists the users that shared chatID.
func (b *Backend) Shares(chatID string) []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.shares[chatID]...)
}

func (b *Backend) count(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := r.Method + " " + r.URL.Path
		b.mu.Lock()
		b.requests[key]++
		b.mu.Unlock()
		next.ServeHTTP(w, r)
	})
}

func (b *Backend) addMemberLocked(chatID, userID string) {
	if b.members[chatID] == nil {
		b.members[chatID] = make(map[string]bool)
	}
	b.members[chatID][userID] = true
}

func (b *Backend) register(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Username string `json:"username"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || strings.TrimSpace(req.Username) == "" {
		writeError(w, http.StatusBadRequest, "Username is required")
		return
	}
	b.mu.Lock()
	id, ok := b.users[req.Username]
	if !ok {
		id = fmt.Sprintf("user-%d", b.nextID.Add(1))
		b.users[req.Username] = id
	}
	b.mu.Unlock()
	writeJSON(w, http.StatusOK, map[string]string{"username": req.Username, "password": id})
}

func (b *Backend) listChats(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("userId")
	b.mu.Lock()
	out := []proto.Chat{}
	for _, id := range b.order {
		c, ok := b.chats[id]
		if !ok {
			continue
		}
		if userID == "" || b.members[id][userID] {
			out = append(out, *c)
		}
	}
	b.mu.Unlock()
	writeJSON(w, http.StatusOK, out)
}

func (b *Backend) createChat(w http.ResponseWriter, r *http.Request) {
	var req struct {
		OwnerID      string `json:"ownerId"`
		IsVIP        bool   `json:"isVIP"`
		CustomChatID string `json:"customChatId"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.OwnerID == "" {
		writeError(w, http.StatusBadRequest, "ownerId is required")
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	id := fmt.Sprintf("chat-%d", b.nextID.Add(1))
	if req.IsVIP {
		if _, taken := b.chats[req.CustomChatID]; taken {
			writeError(w, http.StatusConflict, "Chat ID already exists")
			return
		}
		id = req.CustomChatID
	}
	c := &proto.Chat{ChatID: id, UserID: req.OwnerID, IsVIP: req.IsVIP, CustomChatID: req.CustomChatID}
	b.chats[id] = c
	b.order = append(b.order, id)
	b.addMemberLocked(id, req.OwnerID)
	writeJSON(w, http.StatusCreated, c)
}

func (b *Backend) joinChat(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ChatID string `json:"chatId"`
		UserID string `json:"userId"`
	}
	_ = json.NewDecoder(r.Body).Decode(&req)
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.chats[req.ChatID]; !ok {
		writeError(w, http.StatusNotFound, "Chat not found")
		return
	}
	b.addMemberLocked(req.ChatID, req.UserID)
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (b *Backend) shareChat(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ChatID string `json:"chatId"`
		UserID string `json:"userId"`
	}
	_ = json.NewDecoder(r.Body).Decode(&req)
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.chats[req.ChatID]; !ok {
		writeError(w, http.StatusNotFound, "Chat not found")
		return
	}
	b.shares[req.ChatID] = append(b.shares[req.ChatID], req.UserID)
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (b *Backend) getChat(w http.ResponseWriter, r *http.Request) {
	b.mu.Lock()
	c, ok := b.chats[r.PathValue("id")]
	b.mu.Unlock()
	if !ok {
		writeError(w, http.StatusNotFound, "Chat not found")
		return
	}
	writeJSON(w, http.StatusOK, c)
}

func (b *Backend) deleteChat(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.chats[id]; !ok {
		writeError(w, http.StatusNotFound, "Chat not found")
		return
	}
	delete(b.chats, id)
	delete(b.messages, id)
	delete(b.members, id)
	w.WriteHeader(http.StatusNoContent)
}

func (b *Backend) listMessages(w http.ResponseWriter, r *http.Request) {
	chatID := r.URL.Query().Get("chatId")
	b.mu.Lock()
	msgs := append([]proto.Message{}, b.messages[chatID]...)
	b.mu.Unlock()
	writeJSON(w, http.StatusOK, msgs)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("content-type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
