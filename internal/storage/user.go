package storage

import (
	"database/sql"
	"errors"
	"fmt"

	"github.com/petervdpas/ychat/internal/proto"
)

// SaveUser stores u as the signed-in user, replacing any previous one.
func (d *DB) SaveUser(u proto.User) error {
	if u.ID == "" {
		return errors.New("save user: empty user id")
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	_, err := d.db.Exec(`
		INSERT INTO _user (slot, user_id, username, saved_at)
		VALUES (1, ?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(slot) DO UPDATE SET
			user_id  = excluded.user_id,
			username = excluded.username,
			saved_at = CURRENT_TIMESTAMP`,
		u.ID, u.Username)
	if err != nil {
		return fmt.Errorf("save user: %w", err)
	}
	return nil
}

// LoadUser returns the stored user, or false when nobody is signed in.
func (d *DB) LoadUser() (proto.User, bool, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	var u proto.User
	err := d.db.QueryRow(`SELECT user_id, username FROM _user WHERE slot = 1`).Scan(&u.ID, &u.Username)
	if errors.Is(err, sql.ErrNoRows) {
		return proto.User{}, false, nil
	}
	if err != nil {
		return proto.User{}, false, fmt.Errorf("load user: %w", err)
	}
	return u, true, nil
}

func (d *DB) ClearUser() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, err := d.db.Exec(`DELETE FROM _user`); err != nil {
		return fmt.Errorf("clear user: %w", err)
	}
	return nil
}
