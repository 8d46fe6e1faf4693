// Package rest is the producer-facing HTTP API: message ingestion,
// channel-membership updates and the bridge webhooks.
package rest

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/relaycore/chatrelay/internal/cluster"
	"github.com/relaycore/chatrelay/internal/domain/model"
	"github.com/relaycore/chatrelay/internal/relay"
)

type Config struct {
	// APIKeyHeader/APIKey guard the producer endpoints. An empty key
	// disables the guard.
	APIKeyHeader string
	APIKey       string
	Version      string
}

type Handler struct {
	relay        *relay.Relay
	bus          *cluster.Bus
	cfg          Config
	slackWebhook http.Handler
	logger       *slog.Logger
}

// NewHandler builds the REST surface. slackWebhook may be nil when no
// inbound-capable bridge is configured.
func NewHandler(r *relay.Relay, bus *cluster.Bus, cfg Config, slackWebhook http.Handler, logger *slog.Logger) *Handler {
	return &Handler{
		relay:        r,
		bus:          bus,
		cfg:          cfg,
		slackWebhook: slackWebhook,
		logger:       logger.With("component", "rest"),
	}
}

func (h *Handler) Router() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/healthcheck", h.health)
	r.Get("/version", h.version)
	if h.slackWebhook != nil {
		r.Handle("/webhook/slack", h.slackWebhook)
	}

	r.Group(func(r chi.Router) {
		r.Use(h.requireAPIKey)
		r.Post("/send", h.send)
		r.Post("/updateUsers", h.updateUsers)
	})
	return r
}

// send ingests a producer batch. Each message either targets users or a
// channel; the relay routes accordingly.
func (h *Handler) send(w http.ResponseWriter, r *http.Request) {
	var msgs []model.ChatMessage
	if err := json.NewDecoder(r.Body).Decode(&msgs); err != nil {
		http.Error(w, "bad request body", http.StatusBadRequest)
		return
	}
	if err := h.relay.Ingest(r.Context(), msgs); err != nil {
		h.logger.Error("ingest failed", "err", err)
		http.Error(w, "delivery failed", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusOK)
}

type updateUsersRequest struct {
	UserChannels map[string][]string `json:"userChannels"`
}

// updateUsers broadcasts new channel sets for users; whichever nodes host
// their sockets apply the update.
func (h *Handler) updateUsers(w http.ResponseWriter, r *http.Request) {
	var req updateUsersRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad request body", http.StatusBadRequest)
		return
	}
	for userID, channels := range req.UserChannels {
		payload, err := json.Marshal(channels)
		if err != nil {
			http.Error(w, "bad channel list", http.StatusBadRequest)
			return
		}
		if err := h.bus.Publish(r.Context(), cluster.UserUpdateAddress(userID), payload); err != nil {
			h.logger.Error("user update publish failed", "user", userID, "err", err)
			http.Error(w, "publish failed", http.StatusInternalServerError)
			return
		}
	}
	w.WriteHeader(http.StatusOK)
}

func (h *Handler) health(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("OK"))
}

func (h *Handler) version(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(h.cfg.Version))
}

func (h *Handler) requireAPIKey(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if h.cfg.APIKey != "" && r.Header.Get(h.cfg.APIKeyHeader) != h.cfg.APIKey {
			http.Error(w, "forbidden", http.StatusForbidden)
			return
		}
		next.ServeHTTP(w, r)
	})
}
