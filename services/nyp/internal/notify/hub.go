package notify

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"pricelane/pkg/logger"

	"github.com/gorilla/websocket"
	"golang.org/x/exp/slog"
)

const (
	pongWait   = 20 * time.Second
	pingPeriod = 15 * time.Second
	writeWait  = 5 * time.Second
	sendBuffer = 32
)

// Hub pushes events to connected operator dashboards over websockets.
type Hub struct {
	mu       sync.Mutex
	clients  map[*hubClient]struct{}
	upgrader websocket.Upgrader
	log      *slog.Logger
}

type hubClient struct {
	conn *websocket.Conn
	send chan []byte
	once sync.Once
}

func NewHub(log *slog.Logger) *Hub {
	return &Hub{
		clients: map[*hubClient]struct{}{},
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
		log: log,
	}
}

func (h *Hub) Name() string { return "operator_feed" }

// Send queues e for every client. A client whose buffer is full is dropped.
func (h *Hub) Send(ctx context.Context, e Event) error {
	b, err := json.Marshal(e)
	if err != nil {
		return err
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		select {
		case c.send <- b:
		default:
			h.log.Warn("operator feed client too slow, dropping")
			h.removeLocked(c)
		}
	}
	return nil
}

func (h *Hub) Clients() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	const op = "notify.Hub.ServeHTTP"

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("websocket upgrade failed", slog.String("op", op), logger.Err(err))
		return
	}
	c := &hubClient{conn: conn, send: make(chan []byte, sendBuffer)}
	h.mu.Lock()
	h.clients[c] = struct{}{}
	h.mu.Unlock()

	go h.writePump(c)
	h.readPump(c)
}

// readPump only tracks liveness; operators never send anything meaningful.
func (h *Hub) readPump(c *hubClient) {
	defer h.remove(c)

	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (h *Hub) writePump(c *hubClient) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			if err := c.conn.WriteControl(websocket.PingMessage, []byte("ping"), time.Now().Add(writeWait)); err != nil {
				return
			}
		}
	}
}

func (h *Hub) remove(c *hubClient) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.removeLocked(c)
}

func (h *Hub) removeLocked(c *hubClient) {
	if _, ok := h.clients[c]; !ok {
		return
	}
	delete(h.clients, c)
	c.once.Do(func() { close(c.send) })
}

// Close disconnects every client.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		h.removeLocked(c)
	}
}
