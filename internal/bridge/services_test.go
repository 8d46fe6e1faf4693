package bridge

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relaycore/chatrelay/internal/cluster"
	"github.com/relaycore/chatrelay/internal/domain/model"
)

func postForm(handler http.Handler, values url.Values) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/webhook/slack", strings.NewReader(values.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)
	return rr
}

func activatedSlack(t *testing.T, cfg SlackConfig, pub Publisher) *Slack {
	t.Helper()
	s := NewSlack(cfg, testLogger())
	c := newTestCoordinator(t, s, cluster.NewMemoryLocker(), newTestBus(t), pub)
	c.Activate(context.Background())
	require.True(t, c.IsActive())
	return s
}

func TestSlackOutgoingPayload(t *testing.T) {
	var body map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
	}))
	defer srv.Close()

	s := NewSlack(SlackConfig{
		WebhookURL: srv.URL,
		Username:   "relaybot",
		Channels:   map[string]string{"room": "#room"},
	}, testLogger())

	m := model.ChatMessage{SenderName: "Alice", Text: "hello"}
	m.SetData("slackAuthorLink", "https://example.com/alice")
	m.SetData("slackAuthorColor", "#00ff00")
	require.NoError(t, s.SendOutside(context.Background(), "#room", m))

	assert.Equal(t, "#room", body["channel"])
	assert.Equal(t, "relaybot", body["username"])
	atts := body["attachments"].([]any)
	require.Len(t, atts, 1)
	att := atts[0].(map[string]any)
	assert.Equal(t, "Alice", att["author_name"])
	assert.Equal(t, "https://example.com/alice", att["author_link"])
	assert.Equal(t, "#00ff00", att["color"])
	assert.Equal(t, "hello", att["text"])
}

func TestSlackOutgoingBadStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	s := NewSlack(SlackConfig{WebhookURL: srv.URL, Channels: map[string]string{"room": "#room"}}, testLogger())
	err := s.SendOutside(context.Background(), "#room", model.ChatMessage{Text: "x"})
	require.Error(t, err)
}

func TestSlackIncomingWebhook(t *testing.T) {
	pub := &capturePublisher{}
	s := activatedSlack(t, SlackConfig{
		WebhookURL:    "http://unused.invalid",
		IncomingToken: "tok",
		Username:      "relaybot",
		Channels:      map[string]string{"room": "#room"},
	}, pub)
	handler := s.IncomingHandler()

	t.Run("rejects wrong method", func(t *testing.T) {
		rr := httptest.NewRecorder()
		handler.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/webhook/slack", nil))
		assert.Equal(t, http.StatusMethodNotAllowed, rr.Code)
	})

	t.Run("rejects bad token", func(t *testing.T) {
		rr := postForm(handler, url.Values{"token": {"wrong"}})
		assert.Equal(t, http.StatusForbidden, rr.Code)
	})

	t.Run("skips own username", func(t *testing.T) {
		rr := postForm(handler, url.Values{
			"token":        {"tok"},
			"user_name":    {"relaybot"},
			"channel_name": {"#room"},
			"text":         {"echo"},
		})
		assert.Equal(t, http.StatusOK, rr.Code)
		pub.mu.Lock()
		assert.Empty(t, pub.msgs)
		pub.mu.Unlock()
	})

	t.Run("publishes mapped message", func(t *testing.T) {
		rr := postForm(handler, url.Values{
			"token":        {"tok"},
			"user_name":    {"remoter"},
			"channel_name": {"#room"},
			"text":         {"hi from slack"},
			"timestamp":    {"1234.5"},
		})
		assert.Equal(t, http.StatusOK, rr.Code)

		pub.mu.Lock()
		defer pub.mu.Unlock()
		require.Len(t, pub.msgs, 1)
		m := pub.msgs[0]
		assert.Equal(t, "room", m.Channel)
		assert.Equal(t, "slack:#room", m.SenderID)
		assert.Equal(t, "remoter", m.SenderName)
		assert.Equal(t, "hi from slack", m.Text)
		assert.EqualValues(t, 1234500, m.Timestamp)
		assert.True(t, m.DataFlag(model.LoopMarker("Slack")))
	})
}

func TestDiscordOutgoing(t *testing.T) {
	var body map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
	}))
	defer srv.Close()

	d := NewDiscord(DiscordConfig{
		WebhookURLs: map[string]string{"room": srv.URL},
		Username:    "relaybot",
	}, testLogger())

	assert.True(t, d.CanActivateOutgoing())
	assert.False(t, d.CanActivateIncoming())
	assert.Equal(t, map[string]string{"room": "room"}, d.OutgoingChannels())

	m := model.ChatMessage{SenderName: "Alice", Text: "hello"}
	require.NoError(t, d.SendOutside(context.Background(), "room", m))
	assert.Equal(t, "**Alice**: hello", body["content"])
	assert.Equal(t, "relaybot", body["username"])

	err := d.SendOutside(context.Background(), "nowhere", m)
	require.Error(t, err)
}
