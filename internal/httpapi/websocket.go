package httpapi

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/ripkitten-co/parley/live"
)

// subscribe opens the live subscription before upgrading so that refusals
// are plain HTTP errors.
func (s *Server) subscribe(w http.ResponseWriter, r *http.Request) error {
	conn, err := s.resolver.Subscribe(r.Context(), subscribeInput(r))
	if err != nil {
		return err
	}
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the response.
		conn.Close()
		s.logger.Debug("websocket upgrade", "error", err)
		return nil
	}
	s.logger.Debug("live stream opened", "connection", conn.ID(), "user", conn.Principal().UserID)
	go s.readPump(ws, conn)
	s.writePump(ws, conn)
	return nil
}

// readPump discards client frames and closes the subscription when the
// client goes away.
func (s *Server) readPump(ws *websocket.Conn, conn *live.Connection) {
	defer conn.Close()
	ws.SetReadLimit(4096)
	_ = ws.SetReadDeadline(time.Now().Add(2 * s.pingInterval))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(2 * s.pingInterval))
	})
	for {
		if _, _, err := ws.ReadMessage(); err != nil {
			return
		}
	}
}

func (s *Server) writePump(ws *websocket.Conn, conn *live.Connection) {
	ticker := time.NewTicker(s.pingInterval)
	defer func() {
		ticker.Stop()
		conn.Close()
		_ = ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		_ = ws.Close()
		s.logger.Debug("live stream closed", "connection", conn.ID())
	}()

	for {
		select {
		case m, ok := <-conn.Messages():
			if !ok {
				return
			}
			data, err := s.codec.Marshal(m)
			if err != nil {
				s.logger.Error("encode live message", "connection", conn.ID(), "error", err)
				continue
			}
			_ = ws.SetWriteDeadline(time.Now().Add(s.writeTimeout))
			if err := ws.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case now := <-ticker.C:
			if conn.Principal().Expired(now) {
				s.logger.Info("credential expired, closing live stream", "connection", conn.ID())
				return
			}
			_ = ws.SetWriteDeadline(time.Now().Add(s.writeTimeout))
			if err := ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
