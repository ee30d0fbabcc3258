package app

import (
	"sync"

	"github.com/petervdpas/ychat/internal/proto"
	"github.com/petervdpas/ychat/internal/storage"
)

const metaTheme = "theme"

// Store is the application state the front-end reads and mutates: the
// signed-in user, the chat on screen and the theme flag. The chat and call
// layers only see it through chat.UserSource.
type Store struct {
	db *storage.DB // nil keeps everything in memory

	mu          sync.RWMutex
	user        proto.User
	currentChat string
	dark        bool
}

func NewStore(db *storage.DB) *Store {
	s := &Store{db: db}
	if db != nil {
		if v, ok, err := db.Meta(metaTheme); err != nil {
			log.Warnf("load theme: %v", err)
		} else if ok {
			s.dark = v == "dark"
		}
	}
	return s
}

func (s *Store) CurrentUser() proto.User {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.user
}

func (s *Store) setUser(u proto.User) {
	s.mu.Lock()
	s.user = u
	s.mu.Unlock()
}

// SetUser records u as signed in and persists it.
func (s *Store) SetUser(u proto.User) error {
	if s.db != nil {
		if err := s.db.SaveUser(u); err != nil {
			return err
		}
	}
	s.setUser(u)
	return nil
}

// ClearUser signs out and forgets the chat on screen.
func (s *Store) ClearUser() error {
	if s.db != nil {
		if err := s.db.ClearUser(); err != nil {
			return err
		}
	}
	s.mu.Lock()
	s.user = proto.User{}
	s.currentChat = ""
	s.mu.Unlock()
	return nil
}

func (s *Store) CurrentChat() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.currentChat
}

func (s *Store) SetCurrentChat(chatID string) {
	s.mu.Lock()
	s.currentChat = chatID
	s.mu.Unlock()
}

func (s *Store) DarkTheme() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.dark
}

// ToggleTheme flips the theme flag and returns the new value. The flag is
// stored only; nothing in the client renders it.
func (s *Store) ToggleTheme() bool {
	s.mu.Lock()
	s.dark = !s.dark
	dark := s.dark
	s.mu.Unlock()

	if s.db != nil {
		v := "light"
		if dark {
			v = "dark"
		}
		if err := s.db.SetMeta(metaTheme, v); err != nil {
			log.Warnf("save theme: %v", err)
		}
	}
	return dark
}
