// Package presence tracks which connections are online and under which
// username.
//
// The registry is the single source of truth for "who is online". Mutations
// are serialized by one write lock, and the change hook runs while that lock
// is held so every observer sees user lists in mutation order.
package presence

import (
	"errors"
	"strings"
	"sync"
)

var (
	ErrInvalidUsername = errors.New("presence: invalid username")
	// ErrUsernameTaken is only returned when the registry enforces unique
	// usernames.
	ErrUsernameTaken = errors.New("presence: username already in use")
)

// User is one logged-in connection as published in the user list.
type User struct {
	ID       string `json:"id"`
	Username string `json:"username"`
}

// ChangeFunc receives the full user list after a successful mutation.
type ChangeFunc func(users []User)

type Options struct {
	// UniqueUsernames rejects a login whose username is already bound to a
	// different connection. Off by default: duplicate usernames are allowed
	// and lookups resolve to the earliest registration.
	UniqueUsernames bool

	OnChange ChangeFunc
}

type Registry struct {
	unique   bool
	onChange ChangeFunc

	mu      sync.RWMutex
	entries []User
	index   map[string]int
}

func NewRegistry(opts Options) *Registry {
	return &Registry{
		unique:   opts.UniqueUsernames,
		onChange: opts.OnChange,
		index:    make(map[string]int),
	}
}

// SetOnChange replaces the change hook. It must be called before the registry
// is shared.
func (r *Registry) SetOnChange(fn ChangeFunc) {
	r.mu.Lock()
	r.onChange = fn
	r.mu.Unlock()
}

// Login binds username to connID. Logging in again on the same connection
// overwrites the username and keeps the original registration position.
func (r *Registry) Login(connID, username string) error {
	username = strings.TrimSpace(username)
	if connID == "" || username == "" {
		return ErrInvalidUsername
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.unique {
		for _, u := range r.entries {
			if u.Username == username && u.ID != connID {
				return ErrUsernameTaken
			}
		}
	}

	if i, ok := r.index[connID]; ok {
		r.entries[i].Username = username
	} else {
		r.index[connID] = len(r.entries)
		r.entries = append(r.entries, User{ID: connID, Username: username})
	}
	r.notifyLocked()
	return nil
}

// Remove deletes connID from the registry. It reports whether an entry
// existed; removing an anonymous connection is a no-op and does not notify.
func (r *Registry) Remove(connID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	i, ok := r.index[connID]
	if !ok {
		return false
	}
	delete(r.index, connID)
	r.entries = append(r.entries[:i], r.entries[i+1:]...)
	for j := i; j < len(r.entries); j++ {
		r.index[r.entries[j].ID] = j
	}
	r.notifyLocked()
	return true
}

func (r *Registry) LookupByID(connID string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	i, ok := r.index[connID]
	if !ok {
		return "", false
	}
	return r.entries[i].Username, true
}

// LookupByUsername returns the first connection registered under username.
// Usernames are not unique unless the registry enforces it, so callers must
// tolerate the answer being one of several candidates.
func (r *Registry) LookupByUsername(username string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, u := range r.entries {
		if u.Username == username {
			return u.ID, true
		}
	}
	return "", false
}

// Snapshot returns the user list in registration order.
func (r *Registry) Snapshot() []User {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.snapshotLocked()
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

func (r *Registry) snapshotLocked() []User {
	out := make([]User, len(r.entries))
	copy(out, r.entries)
	return out
}

func (r *Registry) notifyLocked() {
	if r.onChange == nil {
		return
	}
	r.onChange(r.snapshotLocked())
}
