package relay

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relaycore/chatrelay/internal/auth"
	"github.com/relaycore/chatrelay/internal/cluster"
	"github.com/relaycore/chatrelay/internal/domain/model"
	"github.com/relaycore/chatrelay/internal/history"
	"github.com/relaycore/chatrelay/internal/presence"
	"github.com/relaycore/chatrelay/internal/registry"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type stubAuth struct {
	mu  sync.Mutex
	res model.AuthResult
	err error
}

func (a *stubAuth) set(res model.AuthResult, err error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.res, a.err = res, err
}

func (a *stubAuth) Authenticate(context.Context, string) (model.AuthResult, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.res, a.err
}

type fakeSocket struct {
	id      string
	session string

	mu     sync.Mutex
	frames [][]byte
}

func (s *fakeSocket) ID() string        { return s.id }
func (s *fakeSocket) SessionID() string { return s.session }

func (s *fakeSocket) Send(payload []byte) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.frames = append(s.frames, payload)
	return true
}

func (s *fakeSocket) frameCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.frames)
}

func (s *fakeSocket) envelope(t *testing.T, i int) model.Envelope {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()
	require.Greater(t, len(s.frames), i)
	var env model.Envelope
	require.NoError(t, json.Unmarshal(s.frames[i], &env))
	return env
}

type testRig struct {
	bus      *cluster.Bus
	users    *registry.UserDirectory
	sessions *registry.SessionRegistry
	channels *registry.ChannelRegistry
	presence *presence.Directory
	store    history.Store
	auth     *stubAuth
	relay    *Relay
}

func newTestRig(t *testing.T) *testRig {
	return newTestRigWithStore(t, nil)
}

func newTestRigWithStore(t *testing.T, wrap func(history.Store) history.Store) *testRig {
	t.Helper()
	logger := testLogger()
	gc := gochannel.NewGoChannel(gochannel.Config{}, watermill.NopLogger{})
	bus := cluster.NewBus(gc, gc, logger)
	t.Cleanup(func() { bus.Close() })

	kv := cluster.NewMemoryKV()
	channels := registry.NewChannelRegistry(bus, logger)
	users := registry.NewUserDirectory(bus, channels, logger)
	sessions := registry.NewSessionRegistry(logger)
	pres := presence.NewDirectory(kv, logger)
	var store history.Store = history.NewKVStore(kv, cluster.NewMemoryLocker(), logger)
	if wrap != nil {
		store = wrap(store)
	}
	authn := &stubAuth{}

	return &testRig{
		bus:      bus,
		users:    users,
		sessions: sessions,
		channels: channels,
		presence: pres,
		store:    store,
		auth:     authn,
		relay:    New(bus, users, sessions, channels, pres, store, authn, 100, logger),
	}
}

func fetchChannel(t *testing.T, s history.Store, channel string) ([]model.ChatMessage, bool) {
	t.Helper()
	var got []model.ChatMessage
	called := false
	err := s.Fetch(context.Background(), []string{channel}, 100, func(_ string, msgs []model.ChatMessage) {
		got = msgs
		called = true
	})
	require.NoError(t, err)
	return got, called
}

func TestConnectSubscribesAndReceivesPublish(t *testing.T) {
	ctx := context.Background()
	rig := newTestRig(t)
	rig.auth.set(model.AuthResult{Success: true, UserID: "alice", Channels: []string{"room"}}, nil)

	s1 := &fakeSocket{id: "s1", session: "sess1"}
	s2 := &fakeSocket{id: "s2", session: "sess2"}
	_, err := rig.relay.Connect(ctx, s1, "tok", false)
	require.NoError(t, err)

	rig.auth.set(model.AuthResult{Success: true, UserID: "bob", Channels: []string{"room"}}, nil)
	_, err = rig.relay.Connect(ctx, s2, "tok2", false)
	require.NoError(t, err)

	err = rig.relay.PublishToChannel(ctx, "room", []model.ChatMessage{
		{SenderID: "bob", Channel: "room", Text: "hello"},
	})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return s1.frameCount() == 1 && s2.frameCount() == 1
	}, time.Second, 10*time.Millisecond)

	env := s1.envelope(t, 0)
	require.Len(t, env.Messages, 1)
	assert.Equal(t, "hello", env.Messages[0].Text)
	assert.NotZero(t, env.Messages[0].Timestamp)

	stored, _ := fetchChannel(t, rig.store, "room")
	require.Len(t, stored, 1)
	assert.Equal(t, "hello", stored[0].Text)
}

func TestConnectReplaysHistoryForSubscribedChannels(t *testing.T) {
	ctx := context.Background()
	rig := newTestRig(t)
	require.NoError(t, rig.store.Append(ctx, "room", 100, []model.ChatMessage{
		{SenderID: "bob", Channel: "room", Text: "earlier", Timestamp: 1},
	}))

	rig.auth.set(model.AuthResult{Success: true, UserID: "alice", Channels: []string{"room"}}, nil)
	sock := &fakeSocket{id: "s1", session: "sess1"}
	_, err := rig.relay.Connect(ctx, sock, "tok", true)
	require.NoError(t, err)

	require.Equal(t, 1, sock.frameCount())
	env := sock.envelope(t, 0)
	require.Len(t, env.Messages, 1)
	assert.Equal(t, "earlier", env.Messages[0].Text)
	assert.True(t, env.Messages[0].DataFlag(model.HistoryFlag))
}

func TestConnectWithoutFetchSkipsReplay(t *testing.T) {
	ctx := context.Background()
	rig := newTestRig(t)
	require.NoError(t, rig.store.Append(ctx, "room", 100, []model.ChatMessage{
		{SenderID: "bob", Text: "earlier", Timestamp: 1},
	}))

	rig.auth.set(model.AuthResult{Success: true, UserID: "alice", Channels: []string{"room"}}, nil)
	sock := &fakeSocket{id: "s1", session: "sess1"}
	_, err := rig.relay.Connect(ctx, sock, "tok", false)
	require.NoError(t, err)
	assert.Equal(t, 0, sock.frameCount())
}

func TestRefreshReplaysOnlyAddedChannels(t *testing.T) {
	ctx := context.Background()
	rig := newTestRig(t)
	require.NoError(t, rig.store.Append(ctx, "a", 100, []model.ChatMessage{{Text: "in-a", Timestamp: 1}}))
	require.NoError(t, rig.store.Append(ctx, "b", 100, []model.ChatMessage{{Text: "in-b", Timestamp: 2}}))

	rig.auth.set(model.AuthResult{Success: true, UserID: "alice", Channels: []string{"a"}}, nil)
	sock := &fakeSocket{id: "s1", session: "sess1"}
	user, err := rig.relay.Connect(ctx, sock, "tok", true)
	require.NoError(t, err)
	require.Equal(t, 1, sock.frameCount())

	rig.auth.set(model.AuthResult{Success: true, UserID: "alice", Channels: []string{"a", "b"}}, nil)
	user, err = rig.relay.HandleFrame(ctx, sock, user, "tok", []byte(ControlUpdate))
	require.NoError(t, err)
	require.Equal(t, "alice", user.ID)

	// Channel "a" was already subscribed; only "b" is replayed.
	require.Equal(t, 2, sock.frameCount())
	env := sock.envelope(t, 1)
	require.Len(t, env.Messages, 1)
	assert.Equal(t, "in-b", env.Messages[0].Text)
}

func TestHandleFrameIgnoresUnknownPayload(t *testing.T) {
	ctx := context.Background()
	rig := newTestRig(t)
	rig.auth.set(model.AuthResult{Success: true, UserID: "alice"}, nil)

	sock := &fakeSocket{id: "s1", session: "sess1"}
	user, err := rig.relay.Connect(ctx, sock, "tok", false)
	require.NoError(t, err)

	got, err := rig.relay.HandleFrame(ctx, sock, user, "tok", []byte("definitely not a control token"))
	require.NoError(t, err)
	assert.Same(t, user, got)
	assert.Equal(t, 0, sock.frameCount())
}

func TestNonStoringChannelSkipsHistory(t *testing.T) {
	ctx := context.Background()
	rig := newTestRig(t)

	err := rig.relay.PublishToChannel(ctx, "!room", []model.ChatMessage{{Text: "ephemeral"}})
	require.NoError(t, err)

	_, called := fetchChannel(t, rig.store, "!room")
	assert.False(t, called)
}

func TestAuthRejectedSendsErrorEnvelope(t *testing.T) {
	ctx := context.Background()
	rig := newTestRig(t)
	rig.auth.set(model.AuthResult{}, auth.ErrRejected)

	sock := &fakeSocket{id: "s1", session: "sess1"}
	_, err := rig.relay.Connect(ctx, sock, "tok", false)
	require.Error(t, err)

	env := sock.envelope(t, 0)
	assert.Equal(t, "Authentication failed", env.Error)
	_, ok := rig.users.Lookup("")
	assert.False(t, ok)
}

func TestAuthUnavailableSendsDistinctError(t *testing.T) {
	ctx := context.Background()
	rig := newTestRig(t)
	rig.auth.set(model.AuthResult{}, auth.ErrUnavailable)

	sock := &fakeSocket{id: "s1", session: "sess1"}
	_, err := rig.relay.Connect(ctx, sock, "tok", false)
	require.Error(t, err)

	env := sock.envelope(t, 0)
	assert.Equal(t, "Error while authenticating", env.Error)
}

func TestDisconnectRemovesUserOnLastSocket(t *testing.T) {
	ctx := context.Background()
	rig := newTestRig(t)
	rig.auth.set(model.AuthResult{Success: true, UserID: "alice", Channels: []string{"room"}}, nil)

	sock := &fakeSocket{id: "s1", session: "sess1"}
	user, err := rig.relay.Connect(ctx, sock, "tok", false)
	require.NoError(t, err)

	ids, err := rig.presence.ClusterEndpointIDs(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, []string{"s1"}, ids)

	rig.relay.Disconnect(ctx, sock, user)

	_, ok := rig.users.Lookup("alice")
	assert.False(t, ok)
	assert.False(t, rig.channels.HasSubscription("room"))
	_, ok = rig.sessions.Lookup("sess1")
	assert.False(t, ok)
	ids, err = rig.presence.ClusterEndpointIDs(ctx, "alice")
	require.NoError(t, err)
	assert.Empty(t, ids)
}

func TestReconnectContinuitySharesOneUser(t *testing.T) {
	ctx := context.Background()
	rig := newTestRig(t)
	rig.auth.set(model.AuthResult{Success: true, UserID: "alice", Channels: []string{"room"}}, nil)

	s1 := &fakeSocket{id: "s1", session: "sess1"}
	s2 := &fakeSocket{id: "s2", session: "sess1"}
	u1, err := rig.relay.Connect(ctx, s1, "tok", false)
	require.NoError(t, err)
	u2, err := rig.relay.Connect(ctx, s2, "tok", false)
	require.NoError(t, err)
	assert.Same(t, u1, u2)
	assert.Len(t, u1.Snapshot(), 2)

	// Dropping one socket keeps the user, its session and subscriptions.
	rig.relay.Disconnect(ctx, s1, u1)
	_, ok := rig.users.Lookup("alice")
	assert.True(t, ok)
	_, ok = rig.sessions.Lookup("sess1")
	assert.True(t, ok)
	assert.True(t, rig.channels.HasSubscription("room"))
}

func TestIdentityChangeMovesSessionSockets(t *testing.T) {
	ctx := context.Background()
	rig := newTestRig(t)
	rig.auth.set(model.AuthResult{Success: true, UserID: "alice", Channels: []string{"room"}}, nil)

	s1 := &fakeSocket{id: "s1", session: "sess1"}
	_, err := rig.relay.Connect(ctx, s1, "tok", false)
	require.NoError(t, err)

	// The same session re-authenticates as a different identity.
	rig.auth.set(model.AuthResult{Success: true, UserID: "bob", Channels: []string{"den"}}, nil)
	s2 := &fakeSocket{id: "s2", session: "sess1"}
	bob, err := rig.relay.Connect(ctx, s2, "tok2", false)
	require.NoError(t, err)
	require.Equal(t, "bob", bob.ID)

	_, ok := rig.users.Lookup("alice")
	assert.False(t, ok)
	assert.Len(t, bob.Snapshot(), 2)

	bound, ok := rig.sessions.Lookup("sess1")
	require.True(t, ok)
	assert.Same(t, bob, bound)

	ids, err := rig.presence.ClusterEndpointIDs(ctx, "bob")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"s1", "s2"}, ids)
	ids, err = rig.presence.ClusterEndpointIDs(ctx, "alice")
	require.NoError(t, err)
	assert.Empty(t, ids)
}

func TestStaleHandleDisconnectAfterIdentityChange(t *testing.T) {
	ctx := context.Background()
	rig := newTestRig(t)
	rig.auth.set(model.AuthResult{Success: true, UserID: "alice", Channels: []string{"room"}}, nil)

	s1 := &fakeSocket{id: "s1", session: "sess1"}
	s2 := &fakeSocket{id: "s2", session: "sess1"}
	alice, err := rig.relay.Connect(ctx, s1, "tok", false)
	require.NoError(t, err)
	_, err = rig.relay.Connect(ctx, s2, "tok", false)
	require.NoError(t, err)

	// One socket of the session re-authenticates as somebody else; its
	// sibling transport still holds the old user handle.
	rig.auth.set(model.AuthResult{Success: true, UserID: "bob", Channels: []string{"room"}}, nil)
	bob, err := rig.relay.HandleFrame(ctx, s1, alice, "tok2", []byte(ControlUpdate))
	require.NoError(t, err)
	require.Equal(t, "bob", bob.ID)

	rig.relay.Disconnect(ctx, s2, alice)

	assert.Len(t, bob.Snapshot(), 1)
	ids, err := rig.presence.ClusterEndpointIDs(ctx, "bob")
	require.NoError(t, err)
	assert.Equal(t, []string{"s1"}, ids)

	// Dropping the last socket through the stale handle still evicts the
	// current owner.
	rig.relay.Disconnect(ctx, s1, alice)
	_, ok := rig.users.Lookup("bob")
	assert.False(t, ok)
	ids, err = rig.presence.ClusterEndpointIDs(ctx, "bob")
	require.NoError(t, err)
	assert.Empty(t, ids)
	_, ok = rig.sessions.Lookup("sess1")
	assert.False(t, ok)
}

// guardedStore refuses work on a cancelled context, the way the Redis
// backend does.
type guardedStore struct {
	history.Store
}

func (s *guardedStore) Fetch(ctx context.Context, channels []string, limit int, fn func(string, []model.ChatMessage)) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.Store.Fetch(ctx, channels, limit, fn)
}

func TestChannelUpdateReplayOutlivesConnectContext(t *testing.T) {
	rig := newTestRigWithStore(t, func(s history.Store) history.Store {
		return &guardedStore{Store: s}
	})
	rig.auth.set(model.AuthResult{Success: true, UserID: "alice", Channels: []string{"a"}}, nil)
	require.NoError(t, rig.store.Append(context.Background(), "b", 100, []model.ChatMessage{
		{SenderID: "bob", Channel: "b", Text: "in-b", Timestamp: 1},
	}))

	connectCtx, cancel := context.WithCancel(context.Background())
	sock := &fakeSocket{id: "s1", session: "sess1"}
	_, err := rig.relay.Connect(connectCtx, sock, "tok", false)
	require.NoError(t, err)
	cancel()

	// A cross-node channel update arrives long after the connect request
	// that created the user has finished.
	payload, err := json.Marshal([]string{"a", "b"})
	require.NoError(t, err)
	require.NoError(t, rig.bus.Publish(context.Background(), cluster.UserUpdateAddress("alice"), payload))

	require.Eventually(t, func() bool {
		return sock.frameCount() == 1
	}, time.Second, 10*time.Millisecond)
	env := sock.envelope(t, 0)
	require.Len(t, env.Messages, 1)
	assert.Equal(t, "in-b", env.Messages[0].Text)
}

func TestPublishToUsersTargetsEveryEndpoint(t *testing.T) {
	ctx := context.Background()
	rig := newTestRig(t)
	rig.auth.set(model.AuthResult{Success: true, UserID: "alice"}, nil)

	sock := &fakeSocket{id: "s1", session: "sess1"}
	_, err := rig.relay.Connect(ctx, sock, "tok", false)
	require.NoError(t, err)

	// The transport normally consumes the socket's own address.
	var mu sync.Mutex
	var frames [][]byte
	cancel, err := rig.bus.Consume(cluster.SocketAddress("s1"), func(payload []byte) {
		mu.Lock()
		frames = append(frames, payload)
		mu.Unlock()
	})
	require.NoError(t, err)
	defer cancel()

	err = rig.relay.PublishToUsers(ctx, "alice", []model.ChatMessage{
		{SenderID: "bob", TargetUserIDs: []string{"alice"}, Text: "psst"},
	})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(frames) == 1
	}, time.Second, 10*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	var env model.Envelope
	require.NoError(t, json.Unmarshal(frames[0], &env))
	require.Len(t, env.Messages, 1)
	assert.Equal(t, "psst", env.Messages[0].Text)

	// Direct traffic is never written to channel history.
	_, called := fetchChannel(t, rig.store, "")
	assert.False(t, called)
}

func TestIngestSplitsChannelAndUserTraffic(t *testing.T) {
	ctx := context.Background()
	rig := newTestRig(t)
	rig.auth.set(model.AuthResult{Success: true, UserID: "alice", Channels: []string{"room"}}, nil)

	sock := &fakeSocket{id: "s1", session: "sess1"}
	_, err := rig.relay.Connect(ctx, sock, "tok", false)
	require.NoError(t, err)

	var mu sync.Mutex
	direct := 0
	cancel, err := rig.bus.Consume(cluster.SocketAddress("s1"), func([]byte) {
		mu.Lock()
		direct++
		mu.Unlock()
	})
	require.NoError(t, err)
	defer cancel()

	err = rig.relay.Ingest(ctx, []model.ChatMessage{
		{SenderID: "bob", Channel: "room", Text: "to channel"},
		{SenderID: "bob", TargetUserIDs: []string{"alice"}, Text: "to user"},
	})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return sock.frameCount() == 1 && direct == 1
	}, time.Second, 10*time.Millisecond)

	stored, _ := fetchChannel(t, rig.store, "room")
	require.Len(t, stored, 1)
	assert.Equal(t, "to channel", stored[0].Text)
}
