package web

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/nugget/homesim/internal/dashboard"
)

const (
	// sendBuffer is how many messages may wait for a slow client
	// before the hub drops it.
	sendBuffer = 16

	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = pongWait * 9 / 10

	maxInboundMessage = 512
)

// handleWS upgrades to a WebSocket, sends the current snapshot and then
// streams whatever the hub broadcasts until either side goes away.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written an HTTP error.
		s.logger.Debug("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	client := s.hub.Register(sendBuffer)
	defer s.hub.Unregister(client)
	s.logger.Debug("websocket client connected", "remote", r.RemoteAddr, "clients", s.hub.Len())

	snap := s.model.Snapshot()
	initial, err := json.Marshal(dashboard.Message{Type: dashboard.MessageSnapshot, Snapshot: &snap})
	if err != nil {
		s.logger.Error("encode snapshot failed", "error", err)
		return
	}
	if err := writeMessage(conn, initial); err != nil {
		return
	}

	go s.readPump(conn, client)
	s.writePump(conn, client)
}

// readPump discards inbound frames and unregisters the client when the
// connection fails, which in turn ends writePump.
func (s *Server) readPump(conn *websocket.Conn, client *dashboard.Client) {
	defer s.hub.Unregister(client)

	conn.SetReadLimit(maxInboundMessage)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.logger.Debug("websocket read failed", "error", err)
			}
			return
		}
	}
}

func (s *Server) writePump(conn *websocket.Conn, client *dashboard.Client) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case msg, ok := <-client.Send():
			if !ok {
				_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
				_ = conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := writeMessage(conn, msg); err != nil {
				s.logger.Debug("websocket write failed", "error", err)
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func writeMessage(conn *websocket.Conn, msg []byte) error {
	if err := conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return err
	}
	return conn.WriteMessage(websocket.TextMessage, msg)
}
