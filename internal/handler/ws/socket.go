package ws

import (
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
	sendBuffer = 256
)

// socket is one client connection: a writer endpoint with a buffered
// outbound queue drained by a single write pump, so every other goroutine
// can hand off frames without blocking.
type socket struct {
	id        string
	sessionID string
	conn      *websocket.Conn
	send      chan []byte
	done      chan struct{}
	closeOnce sync.Once
	logger    *slog.Logger
}

func newSocket(id, sessionID string, conn *websocket.Conn, logger *slog.Logger) *socket {
	return &socket{
		id:        id,
		sessionID: sessionID,
		conn:      conn,
		send:      make(chan []byte, sendBuffer),
		done:      make(chan struct{}),
		logger:    logger,
	}
}

func (s *socket) ID() string        { return s.id }
func (s *socket) SessionID() string { return s.sessionID }

// Send queues a frame for the write pump. A full queue means the client
// is not keeping up; the frame is dropped rather than blocking fanout.
func (s *socket) Send(payload []byte) bool {
	select {
	case s.send <- payload:
		return true
	default:
		s.logger.Warn("send queue full, dropping frame", "socket", s.id)
		return false
	}
}

// close stops the write pump after it flushes queued frames.
func (s *socket) close() {
	s.closeOnce.Do(func() {
		close(s.done)
	})
}

// writePump owns all writes on the connection: queued frames, keepalive
// pings, and the final close handshake.
func (s *socket) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		s.conn.Close()
	}()
	for {
		select {
		case payload := <-s.send:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				return
			}
		case <-ticker.C:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-s.done:
			for {
				select {
				case payload := <-s.send:
					s.conn.SetWriteDeadline(time.Now().Add(writeWait))
					if err := s.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
						return
					}
				default:
					s.conn.SetWriteDeadline(time.Now().Add(writeWait))
					s.conn.WriteMessage(websocket.CloseMessage, nil)
					return
				}
			}
		}
	}
}
