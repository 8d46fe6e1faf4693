package bridge

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/relaycore/chatrelay/internal/domain/model"
)

type DiscordConfig struct {
	// WebhookURLs maps internal channel names to per-channel Discord
	// webhook URLs.
	WebhookURLs map[string]string
	Username    string
	Timeout     time.Duration
}

// Discord is an outgoing-only bridge built on Discord channel webhooks.
// Inbound traffic would need a gateway client and is not supported.
type Discord struct {
	cfg    DiscordConfig
	http   *http.Client
	logger *slog.Logger
}

func NewDiscord(cfg DiscordConfig, logger *slog.Logger) *Discord {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	return &Discord{
		cfg:    cfg,
		http:   &http.Client{Timeout: cfg.Timeout},
		logger: logger.With("component", "discord"),
	}
}

func (d *Discord) Name() string { return "Discord" }

func (d *Discord) CanActivateOutgoing() bool { return len(d.cfg.WebhookURLs) > 0 }

func (d *Discord) CanActivateIncoming() bool { return false }

// OutgoingChannels keys double as the remote names, since each internal
// channel has its own webhook URL.
func (d *Discord) OutgoingChannels() map[string]string {
	out := make(map[string]string, len(d.cfg.WebhookURLs))
	for internal := range d.cfg.WebhookURLs {
		out[internal] = internal
	}
	return out
}

func (d *Discord) ActivateIncoming(ctx context.Context, in *Inbound) error { return nil }

type discordPayload struct {
	Content  string `json:"content"`
	Username string `json:"username,omitempty"`
}

func (d *Discord) SendOutside(ctx context.Context, remoteChannel string, m model.ChatMessage) error {
	target, ok := d.cfg.WebhookURLs[remoteChannel]
	if !ok {
		return fmt.Errorf("discord: no webhook for channel %s", remoteChannel)
	}

	content := m.Text
	if m.SenderName != "" {
		content = "**" + m.SenderName + "**: " + m.Text
	}
	body, err := json.Marshal(discordPayload{Content: content, Username: d.cfg.Username})
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := d.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("discord webhook status %d", resp.StatusCode)
	}
	return nil
}
