package progress

import (
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

const writeWait = 10 * time.Second

// WSClient adapts a websocket connection to the Subscriber interface.
type WSClient struct {
	conn *websocket.Conn
	mu   sync.Mutex
	log  *slog.Logger
}

// UpgradeWS upgrades the request to a websocket and wraps it as a subscriber.
func UpgradeWS(w http.ResponseWriter, r *http.Request, log *slog.Logger) (*WSClient, error) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return nil, err
	}
	return &WSClient{conn: conn, log: log}, nil
}

// Send writes one frame as a websocket text message.
func (c *WSClient) Send(payload []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteMessage(websocket.TextMessage, payload)
}

// Close closes the underlying connection.
func (c *WSClient) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	c.conn.Close()
}

// ReadLoop drains client messages so pings and close frames are processed.
// It returns when the connection drops; the caller should then unsubscribe.
func (c *WSClient) ReadLoop() {
	c.conn.SetReadLimit(512)
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.log.Debug("websocket read ended", "error", err)
			}
			return
		}
	}
}
