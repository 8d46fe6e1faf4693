// Package relay wires the registries, presence, history and the cluster
// bus into the publish and connection flows. Locks are never held across
// bus, history or presence calls: every step that suspends happens
// between scoped-lock sections.
package relay

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/relaycore/chatrelay/internal/auth"
	"github.com/relaycore/chatrelay/internal/cluster"
	"github.com/relaycore/chatrelay/internal/domain/model"
	"github.com/relaycore/chatrelay/internal/history"
	"github.com/relaycore/chatrelay/internal/presence"
	"github.com/relaycore/chatrelay/internal/registry"
)

// ControlUpdate is the reserved socket frame meaning "re-authenticate and
// refresh my channel subscriptions without reconnecting".
const ControlUpdate = "update"

// maxLoggedFrame bounds how much of a bad client frame reaches the log.
const maxLoggedFrame = 100

const (
	errMsgRejected    = "Authentication failed"
	errMsgUnavailable = "Error while authenticating"
)

// Authenticator is the identity-service collaborator.
type Authenticator interface {
	Authenticate(ctx context.Context, token string) (model.AuthResult, error)
}

// Relay is the fanout and presence-coordination engine for one node.
type Relay struct {
	bus      *cluster.Bus
	users    *registry.UserDirectory
	sessions *registry.SessionRegistry
	channels *registry.ChannelRegistry
	presence *presence.Directory
	history  history.Store
	auth     Authenticator
	limit    int
	logger   *slog.Logger
}

func New(
	bus *cluster.Bus,
	users *registry.UserDirectory,
	sessions *registry.SessionRegistry,
	channels *registry.ChannelRegistry,
	pres *presence.Directory,
	store history.Store,
	authn Authenticator,
	historyLimit int,
	logger *slog.Logger,
) *Relay {
	r := &Relay{
		bus:      bus,
		users:    users,
		sessions: sessions,
		channels: channels,
		presence: pres,
		history:  store,
		auth:     authn,
		limit:    historyLimit,
		logger:   logger.With("component", "relay"),
	}
	users.OnChannelsAdded = r.replayToUser
	return r
}

// PublishToChannel fans messages out on the channel's cluster address and
// appends them to history unless the channel is marked non-storing. A
// history failure loses that write only; live delivery is unaffected.
func (r *Relay) PublishToChannel(ctx context.Context, channel string, msgs []model.ChatMessage) error {
	now := time.Now()
	var firstErr error
	for i := range msgs {
		msgs[i].EnsureTimestamp(now)
		data, err := json.Marshal(msgs[i])
		if err != nil {
			return err
		}
		if err := r.bus.Publish(ctx, cluster.ChannelAddress(channel), data); err != nil {
			r.logger.Error("channel publish failed", "channel", channel, "err", err)
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	if model.ShouldStore(channel) {
		if err := r.history.Append(ctx, channel, r.limit, msgs); err != nil {
			r.logger.Warn("history append dropped", "channel", channel, "err", err)
		}
	}
	return firstErr
}

// PublishToUsers delivers messages to every writer endpoint currently
// recorded for the user anywhere in the cluster. Direct messages are not
// persisted to channel history.
func (r *Relay) PublishToUsers(ctx context.Context, userID string, msgs []model.ChatMessage) error {
	now := time.Now()
	for i := range msgs {
		msgs[i].EnsureTimestamp(now)
	}
	frame := model.EnvelopeForMessages(msgs...).Encode()
	ids, err := r.presence.ClusterEndpointIDs(ctx, userID)
	if err != nil {
		return err
	}
	for _, id := range ids {
		if err := r.bus.Publish(ctx, cluster.SocketAddress(id), frame); err != nil {
			r.logger.Error("direct publish failed", "user", userID, "endpoint", id, "err", err)
		}
	}
	return nil
}

// Ingest splits a producer batch: channel-addressed messages flow through
// channel fanout and history, user-addressed ones through presence only.
func (r *Relay) Ingest(ctx context.Context, msgs []model.ChatMessage) error {
	now := time.Now()
	byChannel := make(map[string][]model.ChatMessage)
	var channelOrder []string
	byUser := make(map[string][]model.ChatMessage)
	var userOrder []string

	for i := range msgs {
		msgs[i].EnsureTimestamp(now)
		m := msgs[i]
		if len(m.TargetUserIDs) == 0 {
			if _, ok := byChannel[m.Channel]; !ok {
				channelOrder = append(channelOrder, m.Channel)
			}
			byChannel[m.Channel] = append(byChannel[m.Channel], m)
			continue
		}
		for _, uid := range m.TargetUserIDs {
			if _, ok := byUser[uid]; !ok {
				userOrder = append(userOrder, uid)
			}
			byUser[uid] = append(byUser[uid], m)
		}
	}

	var firstErr error
	for _, ch := range channelOrder {
		if err := r.PublishToChannel(ctx, ch, byChannel[ch]); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	for _, uid := range userOrder {
		if err := r.PublishToUsers(ctx, uid, byUser[uid]); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Connect authenticates a new socket and attaches it: identity-change
// handling, user creation, session binding, presence registration,
// subscription reconciliation and history replay for the channels added
// by this exact operation. On an auth failure the socket receives a
// descriptive error envelope and the returned error tells the transport
// to close.
func (r *Relay) Connect(ctx context.Context, sock registry.Socket, token string, fetchOld bool) (*registry.User, error) {
	res, err := r.auth.Authenticate(ctx, token)
	if err != nil {
		sock.Send(model.EnvelopeForError(authErrMsg(err)).Encode())
		return nil, err
	}

	sessionID := sock.SessionID()
	prev, hadPrev := r.sessions.Lookup(sessionID)
	var moved []registry.Socket
	if hadPrev && prev.ID != res.UserID {
		moved = registry.DoReturning(prev, func(st *registry.UserState) []registry.Socket {
			return st.RemoveSession(sessionID)
		})
		for _, s := range moved {
			r.presence.RemoveEndpoint(ctx, prev.ID, s.ID())
		}
		r.logger.Info("session identity changed", "session", sessionID, "from", prev.ID, "to", res.UserID)
	}

	user := r.adopt(res.UserID, append(moved, sock))
	for _, s := range moved {
		r.presence.AddEndpoint(ctx, user.ID, s)
	}
	if hadPrev && prev.ID != res.UserID {
		r.users.CheckAndRemove(ctx, prev, func(st *registry.UserState) bool {
			return st.SocketCount() == 0
		})
	}

	r.sessions.Bind(sessionID, user)
	r.presence.AddEndpoint(ctx, user.ID, sock)

	added := registry.DoReturning(user, func(st *registry.UserState) []string {
		return r.channels.UpdateSubscriptions(ctx, user, st, res.Channels)
	})
	if fetchOld {
		r.replayToSocket(ctx, sock, added)
	}
	return user, nil
}

// Disconnect detaches the socket, withdraws its presence entry, unbinds
// the session when this was its last socket, and removes the user once no
// sockets remain. The caller's user pointer may be stale: an identity
// change on another socket of the same session moves every session socket
// to a different user, so the socket's current owner is resolved through
// the session binding first.
func (r *Relay) Disconnect(ctx context.Context, sock registry.Socket, user *registry.User) {
	if owner, ok := r.sessions.Lookup(sock.SessionID()); ok {
		user = owner
	}
	user.Do(func(st *registry.UserState) {
		st.RemoveSocket(sock)
	})
	r.presence.RemoveEndpoint(ctx, user.ID, sock.ID())

	sessionID := sock.SessionID()
	left := registry.DoReturning(user, func(st *registry.UserState) int {
		return st.SessionSocketCount(sessionID)
	})
	if left == 0 {
		r.sessions.Unbind(sessionID, user)
	}

	r.users.CheckAndRemove(ctx, user, func(st *registry.UserState) bool {
		return st.SocketCount() == 0
	})
}

// HandleFrame processes an inbound client frame. The only meaningful
// frame is the update control token; anything else is logged (truncated)
// and ignored, the connection stays open. The returned user replaces the
// caller's binding, since a re-auth can change identity.
func (r *Relay) HandleFrame(ctx context.Context, sock registry.Socket, user *registry.User, token string, frame []byte) (*registry.User, error) {
	if string(frame) != ControlUpdate {
		logged := frame
		if len(logged) > maxLoggedFrame {
			logged = logged[:maxLoggedFrame]
		}
		r.logger.Error("bad frame on socket", "user", user.ID, "frame", string(logged))
		return user, nil
	}
	return r.refresh(ctx, sock, user, token)
}

// refresh re-authenticates and reconciles subscriptions, replaying
// history only for channels added by this operation.
func (r *Relay) refresh(ctx context.Context, sock registry.Socket, user *registry.User, token string) (*registry.User, error) {
	res, err := r.auth.Authenticate(ctx, token)
	if err != nil {
		sock.Send(model.EnvelopeForError(authErrMsg(err)).Encode())
		return user, err
	}

	sessionID := sock.SessionID()
	if res.UserID != user.ID {
		moved := registry.DoReturning(user, func(st *registry.UserState) []registry.Socket {
			return st.RemoveSession(sessionID)
		})
		for _, s := range moved {
			r.presence.RemoveEndpoint(ctx, user.ID, s.ID())
		}
		next := r.adopt(res.UserID, moved)
		for _, s := range moved {
			r.presence.AddEndpoint(ctx, next.ID, s)
		}
		r.users.CheckAndRemove(ctx, user, func(st *registry.UserState) bool {
			return st.SocketCount() == 0
		})
		r.sessions.Bind(sessionID, next)
		r.logger.Info("session identity changed", "session", sessionID, "from", user.ID, "to", next.ID)
		user = next
	}

	added := registry.DoReturning(user, func(st *registry.UserState) []string {
		return r.channels.UpdateSubscriptions(ctx, user, st, res.Channels)
	})
	r.replayToSocket(ctx, sock, added)
	return user, nil
}

// adopt registers sockets on the directory user for the id, retrying if
// the user is concurrently removed so a reconnect never lands on a
// half-removed aggregate.
func (r *Relay) adopt(userID string, socks []registry.Socket) *registry.User {
	for {
		user := r.users.GetOrCreate(userID)
		ok := registry.DoReturning(user, func(st *registry.UserState) bool {
			for _, s := range socks {
				if !st.RegisterSocket(s) {
					return false
				}
			}
			return true
		})
		if ok {
			return user
		}
	}
}

// replayToSocket sends stored history for the given channels to one
// socket, one envelope per channel.
func (r *Relay) replayToSocket(ctx context.Context, sock registry.Socket, channels []string) {
	stored := storable(channels)
	if len(stored) == 0 {
		return
	}
	err := r.history.Fetch(ctx, stored, r.limit, func(channel string, msgs []model.ChatMessage) {
		sock.Send(model.EnvelopeForMessages(msgs...).Encode())
	})
	if err != nil {
		r.logger.Warn("history replay failed", "err", err)
	}
}

// replayToUser sends stored history for newly-added channels to every
// local socket of the user; used by cross-node channel updates.
func (r *Relay) replayToUser(ctx context.Context, user *registry.User, added []string) {
	stored := storable(added)
	if len(stored) == 0 {
		return
	}
	err := r.history.Fetch(ctx, stored, r.limit, func(channel string, msgs []model.ChatMessage) {
		frame := model.EnvelopeForMessages(msgs...).Encode()
		for _, s := range user.Snapshot() {
			s.Send(frame)
		}
	})
	if err != nil {
		r.logger.Warn("history replay failed", "user", user.ID, "err", err)
	}
}

func storable(channels []string) []string {
	out := make([]string, 0, len(channels))
	for _, ch := range channels {
		if model.ShouldStore(ch) {
			out = append(out, ch)
		}
	}
	return out
}

func authErrMsg(err error) string {
	if errors.Is(err, auth.ErrRejected) {
		return errMsgRejected
	}
	return errMsgUnavailable
}
