// Package users holds per-user settings owned by this service, currently the
// operator's name your price override.
package users

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"pricelane/services/nyp/internal/store"
)

var ErrInvalidUser = errors.New("invalid user")

type User struct {
	UserID      string    `json:"user_id"`
	Email       string    `json:"email"`
	Name        string    `json:"name"`
	NYPOverride bool      `json:"nyp_override"`
	UpdatedAt   time.Time `json:"updated_at"`
}

const DocUsers = "users"

type Directory struct {
	st    store.Store
	locks *store.KeyLock
	now   func() time.Time
}

func NewDirectory(st store.Store) *Directory {
	return &Directory{st: st, locks: store.NewKeyLock(), now: time.Now}
}

func (d *Directory) all(ctx context.Context) ([]User, error) {
	raw, err := d.st.Load(ctx, DocUsers, json.RawMessage(`[]`))
	if err != nil {
		return nil, err
	}
	var out []User
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("users: decode: %w", err)
	}
	return out, nil
}

// Get reports found=false for users this service has no record of.
func (d *Directory) Get(ctx context.Context, userID string) (User, bool, error) {
	all, err := d.all(ctx)
	if err != nil {
		return User{}, false, err
	}
	for _, u := range all {
		if u.UserID == userID {
			return u, true, nil
		}
	}
	return User{}, false, nil
}

// NYPOverride is false for unknown users.
func (d *Directory) NYPOverride(ctx context.Context, userID string) (bool, error) {
	u, _, err := d.Get(ctx, userID)
	if err != nil {
		return false, err
	}
	return u.NYPOverride, nil
}

func (d *Directory) SetOverride(ctx context.Context, userID string, enabled bool) (User, error) {
	return d.update(ctx, userID, func(u *User) { u.NYPOverride = enabled })
}

// Touch records the display fields seen on an authenticated request without
// touching the override flag.
func (d *Directory) Touch(ctx context.Context, userID, email, name string) (User, error) {
	return d.update(ctx, userID, func(u *User) {
		if email != "" {
			u.Email = email
		}
		if name != "" {
			u.Name = name
		}
	})
}

func (d *Directory) update(ctx context.Context, userID string, fn func(*User)) (User, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return User{}, ErrInvalidUser
	}
	unlock, err := d.locks.Lock(ctx, DocUsers)
	if err != nil {
		return User{}, err
	}
	defer unlock()

	all, err := d.all(ctx)
	if err != nil {
		return User{}, err
	}
	idx := -1
	for i := range all {
		if all[i].UserID == userID {
			idx = i
			break
		}
	}
	if idx < 0 {
		all = append(all, User{UserID: userID})
		idx = len(all) - 1
	}
	before := all[idx]
	fn(&all[idx])
	if all[idx] == before {
		return all[idx], nil
	}
	all[idx].UpdatedAt = d.now().UTC()
	raw, err := json.Marshal(all)
	if err != nil {
		return User{}, err
	}
	if err := d.st.Save(ctx, DocUsers, raw); err != nil {
		return User{}, err
	}
	return all[idx], nil
}
