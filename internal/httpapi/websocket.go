package httpapi

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

// writeWait bounds how long a single frame write may block; a subscriber
// whose TCP connection can't keep up here is already dead at the bus level
// (spec §5's "subscriber delivery must never block the turn loop" is
// enforced upstream by the bus itself — this bound just protects the socket
// write loop from a permanently wedged peer).
const writeWait = 5 * time.Second

const pingInterval = 30 * time.Second

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// subscribe upgrades to a WebSocket duplex stream and relays every event
// published for discussion :id until the bus closes the topic or the
// connection dies.
func (s *Server) subscribe(c *gin.Context) {
	id := c.Param("id")

	sub, err := s.orch.Subscribe(id)
	if err != nil {
		writeError(c, err)
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.logger.WithError(err).WithField("discussion_id", id).Warn("websocket upgrade failed")
		return
	}
	defer conn.Close()
	defer sub.Cancel()

	go discardInboundFrames(conn)

	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case ev, ok := <-sub.Recv():
			if !ok {
				conn.SetWriteDeadline(time.Now().Add(writeWait))
				conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "discussion closed"))
				return
			}
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(ev); err != nil {
				s.logger.WithError(err).WithField("discussion_id", id).Debug("websocket write failed, dropping subscriber")
				return
			}
			if ev.Terminal() {
				return
			}
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// discardInboundFrames drains client frames (pings/pongs/close) so the
// underlying connection doesn't build up read-buffer pressure. Every
// inbound frame is read and discarded; a text "ping" frame gets no "pong"
// reply.
func discardInboundFrames(conn *websocket.Conn) {
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}
