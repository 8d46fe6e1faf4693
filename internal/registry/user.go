// Package registry tracks which users are connected to this node, which
// sockets they own and which channels they subscribe to. All mutable user
// state is guarded by a per-user lock exposed only through scoped access.
package registry

import (
	"sort"
	"sync"
)

// Socket is a writer endpoint registered on a user: the registration, not
// the transport connection itself. Send must be non-blocking and safe for
// concurrent use.
type Socket interface {
	ID() string
	SessionID() string
	Send(payload []byte) bool
}

// User is the per-identity aggregate. Its state is reachable only through
// Do/DoReturning, which hold the user's lock for the duration of the
// closure. Never call bus, storage or socket writes from inside the
// closure.
type User struct {
	ID string

	mu sync.Mutex
	st UserState
}

func NewUser(id string) *User {
	return &User{
		ID: id,
		st: UserState{
			sessions: make(map[string][]Socket),
			subs:     make(map[string]*subscription),
		},
	}
}

// Do runs fn with exclusive access to the user's state.
func (u *User) Do(fn func(*UserState)) {
	u.mu.Lock()
	defer u.mu.Unlock()
	fn(&u.st)
}

// DoReturning runs fn with exclusive access and returns its result.
func DoReturning[T any](u *User, fn func(*UserState) T) T {
	u.mu.Lock()
	defer u.mu.Unlock()
	return fn(&u.st)
}

// Snapshot returns a copy of the user's current sockets, taking and
// releasing the lock internally. Fanout paths use it so the lock is never
// held across socket writes.
func (u *User) Snapshot() []Socket {
	return DoReturning(u, func(st *UserState) []Socket {
		return st.Sockets()
	})
}

// UserState is the lock-guarded portion of a User. Sockets are tracked
// twice: in registration order, and grouped by transport session to
// support bulk detach on identity change.
type UserState struct {
	sockets  []Socket
	sessions map[string][]Socket
	subs     map[string]*subscription
	removed  bool

	cancelUpdate func()
	cancelDirect func()
}

// RegisterSocket attaches a socket. It returns false when the user has
// already been removed from the directory; the caller must then obtain a
// fresh User and retry, never attach to a half-removed one.
func (st *UserState) RegisterSocket(s Socket) bool {
	if st.removed {
		return false
	}
	st.sockets = append(st.sockets, s)
	st.sessions[s.SessionID()] = append(st.sessions[s.SessionID()], s)
	return true
}

// RemoveSocket detaches a single socket registration.
func (st *UserState) RemoveSocket(s Socket) {
	st.sockets = removeSocket(st.sockets, s.ID())
	sess := removeSocket(st.sessions[s.SessionID()], s.ID())
	if len(sess) == 0 {
		delete(st.sessions, s.SessionID())
	} else {
		st.sessions[s.SessionID()] = sess
	}
}

// RemoveSession detaches every socket bound to the session and returns
// them, preserving registration order.
func (st *UserState) RemoveSession(sessionID string) []Socket {
	moved := st.sessions[sessionID]
	if len(moved) == 0 {
		return nil
	}
	delete(st.sessions, sessionID)
	for _, s := range moved {
		st.sockets = removeSocket(st.sockets, s.ID())
	}
	return moved
}

// Sockets returns a copy of the registered sockets.
func (st *UserState) Sockets() []Socket {
	return append([]Socket(nil), st.sockets...)
}

func (st *UserState) SocketCount() int { return len(st.sockets) }

// SessionSocketCount reports how many sockets remain for a session.
func (st *UserState) SessionSocketCount(sessionID string) int {
	return len(st.sessions[sessionID])
}

// Channels returns the user's subscribed channel names, sorted.
func (st *UserState) Channels() []string {
	out := make([]string, 0, len(st.subs))
	for ch := range st.subs {
		out = append(out, ch)
	}
	sort.Strings(out)
	return out
}

// Removed reports whether the directory has evicted this user.
func (st *UserState) Removed() bool { return st.removed }

func removeSocket(list []Socket, id string) []Socket {
	for i, s := range list {
		if s.ID() == id {
			return append(list[:i:i], list[i+1:]...)
		}
	}
	return list
}
