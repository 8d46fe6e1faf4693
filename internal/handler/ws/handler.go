// Package ws is the websocket transport: it upgrades connections, runs
// the per-socket read/write pumps, and delegates the connection lifecycle
// to the relay.
package ws

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/relaycore/chatrelay/internal/cluster"
	"github.com/relaycore/chatrelay/internal/relay"
)

const (
	// sessionCookie carries the browser-scoped session id that lets
	// multiple tabs share one identity.
	sessionCookie = "relay_session"

	defaultToken = "anonymous"

	maxFrameSize = 4096
)

type Handler struct {
	relay    *relay.Relay
	bus      *cluster.Bus
	upgrader websocket.Upgrader
	logger   *slog.Logger
}

func NewHandler(r *relay.Relay, bus *cluster.Bus, logger *slog.Logger) *Handler {
	return &Handler{
		relay: r,
		bus:   bus,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		logger: logger.With("component", "ws"),
	}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	token := r.URL.Query().Get("token")
	if token == "" {
		token = defaultToken
	}
	fetchOld := r.URL.Query().Get("fetchOldMessages") != "false"

	sessionID, setCookie := h.sessionID(r)
	var respHeader http.Header
	if setCookie {
		cookie := &http.Cookie{Name: sessionCookie, Value: sessionID, Path: "/"}
		respHeader = http.Header{"Set-Cookie": []string{cookie.String()}}
	}

	conn, err := h.upgrader.Upgrade(w, r, respHeader)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", "err", err)
		return
	}

	sock := newSocket(uuid.NewString(), sessionID, conn, h.logger)
	go sock.writePump()

	// Frames addressed to this endpoint from anywhere in the cluster.
	cancel, err := h.bus.Consume(cluster.SocketAddress(sock.ID()), func(payload []byte) {
		sock.Send(payload)
	})
	if err != nil {
		h.logger.Error("socket address subscribe failed", "err", err)
		sock.close()
		return
	}

	ctx := r.Context()
	user, err := h.relay.Connect(ctx, sock, token, fetchOld)
	if err != nil {
		cancel()
		sock.close()
		return
	}

	conn.SetReadLimit(maxFrameSize)
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, frame, err := conn.ReadMessage()
		if err != nil {
			break
		}
		conn.SetReadDeadline(time.Now().Add(pongWait))
		user, err = h.relay.HandleFrame(ctx, sock, user, token, frame)
		if err != nil {
			break
		}
	}

	cancel()
	sock.close()
	// Cleanup runs after the request is over; it must not inherit its
	// cancellation.
	h.relay.Disconnect(context.Background(), sock, user)
}

// sessionID reads the session cookie, minting a fresh id when the client
// has none yet.
func (h *Handler) sessionID(r *http.Request) (string, bool) {
	if c, err := r.Cookie(sessionCookie); err == nil && c.Value != "" {
		return c.Value, false
	}
	return uuid.NewString(), true
}
