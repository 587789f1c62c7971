package server

import (
	"errors"
	"net/http"
	"time"

	"github.com/artemis/modernizer/internal/events"
	"github.com/artemis/modernizer/internal/service"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true // Allow all origins in development
	},
}

const (
	// Time allowed to write a message to the peer
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer
	pongWait = 60 * time.Second

	// Send pings to peer with this period (must be less than pongWait)
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer
	maxMessageSize = 8192
)

// HandleMigrationEvents streams one migration's event sequence over
// WebSocket. The stream ends after the terminal event; the server then
// closes the connection.
func (s *Server) HandleMigrationEvents(c *gin.Context) {
	id := c.Param("id")

	sub, err := s.service.SubscribeMigration(id)
	if err != nil {
		if errors.Is(err, service.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "migration not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.service.Unsubscribe(id, sub)
		s.logger.Error("failed to upgrade websocket", zap.Error(err))
		return
	}

	s.logger.Info("event stream started", zap.String("migration_id", id))

	done := make(chan struct{})

	// Reader: the client sends nothing meaningful, but reads are needed to
	// process pongs and detect disconnects.
	go func() {
		defer close(done)
		conn.SetReadLimit(maxMessageSize)
		conn.SetReadDeadline(time.Now().Add(pongWait))
		conn.SetPongHandler(func(string) error {
			conn.SetReadDeadline(time.Now().Add(pongWait))
			return nil
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
					s.logger.Debug("websocket read error", zap.Error(err))
				}
				return
			}
		}
	}()

	go s.writeEvents(conn, id, sub, done)
}

func (s *Server) writeEvents(conn *websocket.Conn, id string, sub *events.Subscription, done chan struct{}) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		s.service.Unsubscribe(id, sub)
		conn.Close()
		s.logger.Info("event stream closed",
			zap.String("migration_id", id),
			zap.Uint64("dropped", sub.Dropped()),
		)
	}()

	for {
		select {
		case ev, ok := <-sub.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// Terminal event delivered; end the stream cleanly.
				conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, "migration finished"))
				return
			}
			if err := conn.WriteJSON(ev); err != nil {
				return
			}

		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}

		case <-done:
			return
		}
	}
}
