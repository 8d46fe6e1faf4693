package bridge

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/relaycore/chatrelay/internal/domain/model"
)

// Metadata keys a producer can set to style the Slack rendering.
const (
	slackAuthorLinkKey  = "slackAuthorLink"
	slackAuthorColorKey = "slackAuthorColor"
	slackFieldsKey      = "slackAdditionalFields"
)

type SlackConfig struct {
	WebhookURL    string
	IncomingToken string
	Username      string
	Channels      map[string]string // internal channel -> slack channel
	Timeout       time.Duration
}

// Slack bridges channels to Slack: outbound through an incoming-webhook
// URL, inbound through Slack's outgoing-webhook form POSTs.
type Slack struct {
	cfg    SlackConfig
	http   *http.Client
	logger *slog.Logger

	mu sync.Mutex
	in *Inbound
}

func NewSlack(cfg SlackConfig, logger *slog.Logger) *Slack {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	return &Slack{
		cfg:    cfg,
		http:   &http.Client{Timeout: cfg.Timeout},
		logger: logger.With("component", "slack"),
	}
}

func (s *Slack) Name() string { return "Slack" }

func (s *Slack) CanActivateOutgoing() bool {
	return s.cfg.WebhookURL != "" && len(s.cfg.Channels) > 0
}

func (s *Slack) CanActivateIncoming() bool { return s.cfg.IncomingToken != "" }

func (s *Slack) OutgoingChannels() map[string]string { return s.cfg.Channels }

func (s *Slack) ActivateIncoming(ctx context.Context, in *Inbound) error {
	s.mu.Lock()
	s.in = in
	s.mu.Unlock()
	return nil
}

type slackField struct {
	Title string `json:"title"`
	Value string `json:"value"`
	Short bool   `json:"short"`
}

type slackAttachment struct {
	AuthorName string       `json:"author_name,omitempty"`
	AuthorLink string       `json:"author_link,omitempty"`
	Color      string       `json:"color,omitempty"`
	Text       string       `json:"text"`
	Fields     []slackField `json:"fields,omitempty"`
}

type slackPayload struct {
	Channel     string            `json:"channel,omitempty"`
	Username    string            `json:"username,omitempty"`
	Attachments []slackAttachment `json:"attachments"`
}

func (s *Slack) SendOutside(ctx context.Context, remoteChannel string, m model.ChatMessage) error {
	att := slackAttachment{
		AuthorName: m.SenderName,
		AuthorLink: m.DataString(slackAuthorLinkKey),
		Color:      m.DataString(slackAuthorColorKey),
		Text:       m.Text,
	}
	if fields, ok := m.AdditionalData[slackFieldsKey].(map[string]any); ok {
		for title, v := range fields {
			att.Fields = append(att.Fields, slackField{Title: title, Value: fmt.Sprint(v), Short: true})
		}
	}
	payload := slackPayload{
		Channel:     remoteChannel,
		Username:    s.cfg.Username,
		Attachments: []slackAttachment{att},
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.cfg.WebhookURL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := s.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("slack webhook status %d", resp.StatusCode)
	}
	return nil
}

// IncomingHandler accepts Slack outgoing-webhook POSTs. Requests are
// verified against the configured token, messages from the bridge's own
// username (and slackbot) are dropped to stop echo loops, and everything
// else is published under the slack loop marker. Slack retries non-200
// responses, so drops answer 200.
func (s *Slack) IncomingHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		if err := r.ParseForm(); err != nil {
			http.Error(w, "bad form", http.StatusBadRequest)
			return
		}
		if r.PostFormValue("token") != s.cfg.IncomingToken {
			http.Error(w, "forbidden", http.StatusForbidden)
			return
		}

		s.mu.Lock()
		in := s.in
		s.mu.Unlock()
		if in == nil {
			s.logger.Warn("slack webhook hit on inactive node, dropping")
			w.WriteHeader(http.StatusOK)
			return
		}

		username := r.PostFormValue("user_name")
		if username == "slackbot" || (s.cfg.Username != "" && username == s.cfg.Username) {
			w.WriteHeader(http.StatusOK)
			return
		}

		ts := slackTimestampMillis(r.PostFormValue("timestamp"))
		err := in.Publish(r.Context(), r.PostFormValue("channel_name"), username, r.PostFormValue("text"), ts)
		if err != nil {
			s.logger.Error("slack inbound publish failed", "err", err)
			http.Error(w, "publish failed", http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
	})
}

// slackTimestampMillis converts Slack's fractional-seconds timestamp to
// epoch millis; zero on parse failure lets the relay stamp arrival time.
func slackTimestampMillis(raw string) int64 {
	f, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0
	}
	return int64(f * 1000)
}
