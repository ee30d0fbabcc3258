package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
)

// SetChatName stores a local display name for a chat. An empty name removes it.
func (d *DB) SetChatName(chatID, name string) error {
	chatID = strings.TrimSpace(chatID)
	if chatID == "" {
		return errors.New("set chat name: empty chat id")
	}
	name = strings.TrimSpace(name)
	d.mu.Lock()
	defer d.mu.Unlock()
	var err error
	if name == "" {
		_, err = d.db.Exec(`DELETE FROM _chat_names WHERE chat_id = ?`, chatID)
	} else {
		_, err = d.db.Exec(`
			INSERT INTO _chat_names (chat_id, name, updated_at)
			VALUES (?, ?, CURRENT_TIMESTAMP)
			ON CONFLICT(chat_id) DO UPDATE SET
				name       = excluded.name,
				updated_at = CURRENT_TIMESTAMP`,
			chatID, name)
	}
	if err != nil {
		return fmt.Errorf("set chat name: %w", err)
	}
	return nil
}

// ChatName returns the local display name for a chat, or false if none is set.
func (d *DB) ChatName(chatID string) (string, bool, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	var name string
	err := d.db.QueryRow(`SELECT name FROM _chat_names WHERE chat_id = ?`, chatID).Scan(&name)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("get chat name: %w", err)
	}
	return name, true, nil
}

// ChatNames returns every stored chat name keyed by chat id.
func (d *DB) ChatNames() (map[string]string, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	rows, err := d.db.Query(`SELECT chat_id, name FROM _chat_names`)
	if err != nil {
		return nil, fmt.Errorf("list chat names: %w", err)
	}
	defer rows.Close()
	out := make(map[string]string)
	for rows.Next() {
		var id, name string
		if err := rows.Scan(&id, &name); err != nil {
			return nil, err
		}
		out[id] = name
	}
	return out, rows.Err()
}
