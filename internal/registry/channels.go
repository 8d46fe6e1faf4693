package registry

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/relaycore/chatrelay/internal/cluster"
	"github.com/relaycore/chatrelay/internal/domain/model"
)

// subscription binds a channel to the set of locally-connected users
// subscribed to it, plus the cluster consumer that feeds inbound channel
// traffic to this node. It exists iff its user set is non-empty.
type subscription struct {
	channel string
	users   map[string]*User
	cancel  func()
}

// ChannelRegistry owns this node's channel subscriptions. Subscriptions
// are created lazily on the first local subscriber and torn down when the
// last one leaves.
type ChannelRegistry struct {
	bus    *cluster.Bus
	logger *slog.Logger

	mu   sync.Mutex
	subs map[string]*subscription
}

func NewChannelRegistry(bus *cluster.Bus, logger *slog.Logger) *ChannelRegistry {
	return &ChannelRegistry{
		bus:    bus,
		logger: logger.With("component", "channels"),
		subs:   make(map[string]*subscription),
	}
}

// UpdateSubscriptions reconciles the user's subscription set to desired
// and returns the channels that were newly added, so the caller can fetch
// history for exactly those. The caller must be inside user.Do: st is the
// user's locked state. An unchanged set is detected before taking the
// registry lock and is a no-op.
func (r *ChannelRegistry) UpdateSubscriptions(ctx context.Context, user *User, st *UserState, desired []string) []string {
	added := make([]string, 0, len(desired))
	want := make(map[string]struct{}, len(desired))
	for _, ch := range desired {
		want[ch] = struct{}{}
		if _, ok := st.subs[ch]; !ok {
			added = append(added, ch)
		}
	}
	var removed []string
	for ch := range st.subs {
		if _, ok := want[ch]; !ok {
			removed = append(removed, ch)
		}
	}
	if len(added) == 0 && len(removed) == 0 {
		return added
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	for _, ch := range removed {
		sub := st.subs[ch]
		delete(st.subs, ch)
		delete(sub.users, user.ID)
		if len(sub.users) == 0 {
			r.teardownLocked(sub)
		}
	}
	for _, ch := range added {
		sub, ok := r.subs[ch]
		if !ok {
			sub = r.createLocked(ch)
		}
		sub.users[user.ID] = user
		st.subs[ch] = sub
	}
	return added
}

// createLocked registers the cluster consumer for a channel and installs
// the subscription. Caller holds r.mu.
func (r *ChannelRegistry) createLocked(channel string) *subscription {
	sub := &subscription{
		channel: channel,
		users:   make(map[string]*User),
	}
	cancel, err := r.bus.Consume(cluster.ChannelAddress(channel), func(payload []byte) {
		r.deliver(sub, payload)
	})
	if err != nil {
		// The subscription still exists for bookkeeping; only inbound
		// cluster traffic is lost until it is recreated.
		r.logger.Error("channel consumer registration failed", "channel", channel, "err", err)
	}
	sub.cancel = cancel
	r.subs[channel] = sub
	return sub
}

// teardownLocked unregisters the cluster consumer and drops the
// subscription. Unregister problems are best-effort cleanup and never
// block registry mutation. Caller holds r.mu.
func (r *ChannelRegistry) teardownLocked(sub *subscription) {
	if sub.cancel != nil {
		sub.cancel()
	}
	delete(r.subs, sub.channel)
	r.logger.Debug("channel subscription closed", "channel", sub.channel)
}

// deliver fans an inbound channel message out to every local subscriber's
// every socket. The subscriber list is copied under the registry lock and
// the lock released before any socket write, so a slow client cannot
// block registry mutation.
func (r *ChannelRegistry) deliver(sub *subscription, payload []byte) {
	var msg model.ChatMessage
	if err := json.Unmarshal(payload, &msg); err != nil {
		r.logger.Error("bad channel payload", "channel", sub.channel, "err", err)
		return
	}
	frame := model.EnvelopeForMessages(msg).Encode()

	r.mu.Lock()
	users := make([]*User, 0, len(sub.users))
	for _, u := range sub.users {
		users = append(users, u)
	}
	r.mu.Unlock()

	for _, u := range users {
		for _, s := range u.Snapshot() {
			if !s.Send(frame) {
				r.logger.Warn("dropped channel frame", "channel", sub.channel, "user", u.ID, "socket", s.ID())
			}
		}
	}
}

// HasSubscription reports whether a subscription currently exists for the
// channel, i.e. at least one local user is subscribed.
func (r *ChannelRegistry) HasSubscription(channel string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.subs[channel]
	return ok
}
