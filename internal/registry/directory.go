package registry

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/relaycore/chatrelay/internal/cluster"
)

// UserDirectory is the node-wide user table. It creates a User on first
// reference and destroys it once the last socket detaches. Each resident
// user carries two cluster consumers: one for channel-set updates, one for
// direct messages.
type UserDirectory struct {
	bus      *cluster.Bus
	channels *ChannelRegistry
	logger   *slog.Logger

	// OnChannelsAdded, when set, runs after a cross-node channel update
	// added channels to a user, outside the user's lock. The relay uses
	// it to replay history for exactly the added channels.
	OnChannelsAdded func(ctx context.Context, user *User, added []string)

	mu    sync.RWMutex
	users map[string]*User
}

func NewUserDirectory(bus *cluster.Bus, channels *ChannelRegistry, logger *slog.Logger) *UserDirectory {
	return &UserDirectory{
		bus:      bus,
		channels: channels,
		logger:   logger.With("component", "users"),
		users:    make(map[string]*User),
	}
}

// GetOrCreate returns the resident User for the id, constructing and
// publishing a new one under the directory write lock if absent. The
// user's cluster consumers are registered before the user becomes visible,
// so no update can be missed between creation and visibility. The
// consumers outlive the request that created the user, so they run on
// their own context, not the caller's.
func (d *UserDirectory) GetOrCreate(userID string) *User {
	d.mu.RLock()
	u, ok := d.users[userID]
	d.mu.RUnlock()
	if ok {
		return u
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if u, ok := d.users[userID]; ok {
		return u
	}

	u = NewUser(userID)
	cancelUpdate, err := d.bus.Consume(cluster.UserUpdateAddress(userID), func(payload []byte) {
		d.handleChannelUpdate(context.Background(), u, payload)
	})
	if err != nil {
		d.logger.Error("update consumer registration failed", "user", userID, "err", err)
	}
	cancelDirect, err := d.bus.Consume(cluster.DirectAddress(userID), func(payload []byte) {
		for _, s := range u.Snapshot() {
			if !s.Send(payload) {
				d.logger.Warn("dropped direct frame", "user", userID, "socket", s.ID())
			}
		}
	})
	if err != nil {
		d.logger.Error("direct consumer registration failed", "user", userID, "err", err)
	}
	u.st.cancelUpdate = cancelUpdate
	u.st.cancelDirect = cancelDirect

	d.users[userID] = u
	d.logger.Debug("user created", "user", userID)
	return u
}

// Lookup returns the resident user, if any.
func (d *UserDirectory) Lookup(userID string) (*User, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	u, ok := d.users[userID]
	return u, ok
}

// CheckAndRemove re-validates pred under the directory write lock and the
// user's own lock; when it holds, the user is unsubscribed from all
// channels, its consumers cancelled, marked removed and evicted. Returns
// whether removal occurred. A concurrent reconnect either observes the
// user before removal or triggers creation of a fresh one afterwards.
func (d *UserDirectory) CheckAndRemove(ctx context.Context, user *User, pred func(*UserState) bool) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	return DoReturning(user, func(st *UserState) bool {
		if !pred(st) {
			return false
		}
		d.channels.UpdateSubscriptions(ctx, user, st, nil)
		if st.cancelUpdate != nil {
			st.cancelUpdate()
		}
		if st.cancelDirect != nil {
			st.cancelDirect()
		}
		st.removed = true
		delete(d.users, user.ID)
		d.logger.Debug("user removed", "user", user.ID)
		return true
	})
}

// handleChannelUpdate applies a cross-node channel-set update, then hands
// the added channels to the replay hook outside the user's lock.
func (d *UserDirectory) handleChannelUpdate(ctx context.Context, user *User, payload []byte) {
	var channels []string
	if err := json.Unmarshal(payload, &channels); err != nil {
		d.logger.Error("bad channel update payload", "user", user.ID, "err", err)
		return
	}
	var added []string
	user.Do(func(st *UserState) {
		if st.removed {
			return
		}
		added = d.channels.UpdateSubscriptions(ctx, user, st, channels)
	})
	if len(added) > 0 && d.OnChannelsAdded != nil {
		d.OnChannelsAdded(ctx, user, added)
	}
}
