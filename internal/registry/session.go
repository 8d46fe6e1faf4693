package registry

import (
	"log/slog"
	"sync"
)

// SessionRegistry maps transport session ids to their currently-bound
// user, enabling reconnect continuity and identity-change detection. At
// most one live mapping per session id.
type SessionRegistry struct {
	logger *slog.Logger

	mu       sync.Mutex
	sessions map[string]*User
}

func NewSessionRegistry(logger *slog.Logger) *SessionRegistry {
	return &SessionRegistry{
		logger:   logger.With("component", "sessions"),
		sessions: make(map[string]*User),
	}
}

// Bind points the session at user, replacing any previous binding.
func (r *SessionRegistry) Bind(sessionID string, user *User) {
	r.mu.Lock()
	r.sessions[sessionID] = user
	r.mu.Unlock()
}

// Lookup returns the user bound to the session. A binding to a user the
// directory has since removed is scrubbed and reported as absent.
func (r *SessionRegistry) Lookup(sessionID string) (*User, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	u, ok := r.sessions[sessionID]
	if !ok {
		return nil, false
	}
	if DoReturning(u, func(st *UserState) bool { return st.removed }) {
		r.logger.Warn("found removed user for session", "user", u.ID, "session", sessionID)
		delete(r.sessions, sessionID)
		return nil, false
	}
	return u, true
}

// Unbind removes the session's mapping, but only while it still points at
// the given user; an identity change may have rebound it concurrently.
func (r *SessionRegistry) Unbind(sessionID string, user *User) {
	r.mu.Lock()
	if r.sessions[sessionID] == user {
		delete(r.sessions, sessionID)
	}
	r.mu.Unlock()
}
