package ws

import (
	"time"

	"github.com/gorilla/websocket"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 4096

	// sendBuffer bounds the per-session outbound queue. A client that cannot
	// drain it in time is disconnected rather than allowed to stall delivery.
	sendBuffer = 64
)

// session is one authenticated WebSocket connection.
type session struct {
	id     string
	userID string
	name   string
	conn   *websocket.Conn
	send   chan []byte
}

// writePump drains the outbound queue onto the socket and keeps the
// connection alive with pings. Exits when the queue is closed or a write
// fails; the read pump then observes the closed socket and unregisters.
func (s *session) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		s.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-s.send:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				s.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := s.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
