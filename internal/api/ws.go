package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/miradorstack/mirador-pulse/internal/hub"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// The dashboard is served from another origin in development.
	CheckOrigin: func(r *http.Request) bool { return true },
}

const (
	wsWriteTimeout = 10 * time.Second
	wsPingInterval = 30 * time.Second
	wsPongWait     = 2 * wsPingInterval
)

// wsSink adapts a websocket connection to the hub's Sink. WriteFrame is
// only called from the session's writer goroutine; control pings use
// WriteControl, which gorilla permits concurrently.
type wsSink struct {
	conn *websocket.Conn
}

func (s *wsSink) WriteFrame(frame hub.Frame) error {
	_ = s.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	return s.conn.WriteJSON(frame)
}

func (s *wsSink) Close() error {
	return s.conn.Close()
}

// handleWebsocket upgrades the connection and bridges it to the hub.
func (a *API) handleWebsocket(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		a.logger.Warn("websocket upgrade failed", "error", err)
		return
	}

	session := a.hub.Attach(&wsSink{conn: conn})
	a.logger.Debug("websocket client connected", "session_id", session.ID)

	_ = conn.SetReadDeadline(time.Now().Add(wsPongWait))
	conn.SetPongHandler(func(string) error {
		session.Touch()
		return conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})

	// Protocol-level heartbeat; the hub reaps sessions whose Touch goes
	// stale for two full cycles.
	stop := make(chan struct{})
	go func() {
		ticker := time.NewTicker(wsPingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				deadline := time.Now().Add(wsWriteTimeout)
				if err := conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
					return
				}
			}
		}
	}()

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			break
		}
		_ = conn.SetReadDeadline(time.Now().Add(wsPongWait))
		a.hub.HandleControl(session, raw)
	}

	close(stop)
	a.hub.Detach(session)
	a.logger.Debug("websocket client disconnected", "session_id", session.ID)
}
