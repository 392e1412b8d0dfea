package echoapi

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"

	"github.com/trezcool/nexlearn/core"
)

const (
	wsWriteWait  = 10 * time.Second
	wsPongWait   = 60 * time.Second
	wsPingPeriod = 30 * time.Second
	wsSendBuffer = 256
)

// wsRequest is a message sent by a client, e.g. `{"action":"subscribe","types":["toast"]}`.
type wsRequest struct {
	Action string           `json:"action"` // subscribe | unsubscribe | ping
	Types  []core.EventType `json:"types"`
}

type wsClient struct {
	id   string
	hub  *Hub
	conn *websocket.Conn
	send chan []byte

	mu    sync.RWMutex
	types map[core.EventType]bool // empty: every event
}

func (c *wsClient) wants(typ core.EventType) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.types) == 0 || c.types[typ]
}

func (c *wsClient) apply(req wsRequest) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, typ := range req.Types {
		if req.Action == "subscribe" {
			c.types[typ] = true
		} else {
			delete(c.types, typ)
		}
	}
}

// Hub relays the events of the bus to the connected websocket clients.
type Hub struct {
	logger   core.Logger
	upgrader websocket.Upgrader
	unsub    func()

	mu      sync.Mutex
	clients map[string]*wsClient
	closed  bool
}

// NewHub subscribes to bus. Connections without an Origin header are always accepted.
func NewHub(bus *core.EventBus, logger core.Logger, allowedOrigins ...string) *Hub {
	h := &Hub{
		logger:  logger,
		clients: make(map[string]*wsClient),
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			if origin == "" {
				return true
			}
			for _, o := range allowedOrigins {
				if o == "*" || o == origin {
					return true
				}
			}
			return false
		},
	}
	h.unsub = bus.Subscribe(h.broadcast)
	return h
}

func (h *Hub) broadcast(evt core.Event) {
	msg, err := json.Marshal(evt)
	if err != nil {
		h.logger.Error(fmt.Sprintf("marshalling %s event", evt.Type), err)
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	for id, c := range h.clients {
		if !c.wants(evt.Type) {
			continue
		}
		select {
		case c.send <- msg:
		default:
			// slow client
			delete(h.clients, id)
			close(c.send)
		}
	}
}

func (h *Hub) register(c *wsClient) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return false
	}
	h.clients[c.id] = c
	return true
}

func (h *Hub) unregister(c *wsClient) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[c.id]; ok {
		delete(h.clients, c.id)
		close(c.send)
	}
}

// Len returns the number of connected clients.
func (h *Hub) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// Close stops relaying events and disconnects every client.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	h.unsub()
	for id, c := range h.clients {
		delete(h.clients, id)
		close(c.send)
	}
}

// handle upgrades the connection and pumps events until the client goes away.
func (h *Hub) handle(ctx echo.Context) error {
	conn, err := h.upgrader.Upgrade(ctx.Response(), ctx.Request(), nil)
	if err != nil {
		// the upgrader already replied
		h.logger.Debug("upgrading websocket connection", err)
		return nil
	}

	c := &wsClient{
		id:    uuid.New().String(),
		hub:   h,
		conn:  conn,
		send:  make(chan []byte, wsSendBuffer),
		types: make(map[core.EventType]bool),
	}
	if !h.register(c) {
		_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, ""), time.Now().Add(wsWriteWait))
		return conn.Close()
	}
	h.logger.Debug(fmt.Sprintf("websocket client %s connected", c.id))

	go c.writePump()
	c.readPump()
	return nil
}

func (c *wsClient) readPump() {
	defer func() {
		c.hub.unregister(c)
		_ = c.conn.Close()
		c.hub.logger.Debug(fmt.Sprintf("websocket client %s disconnected", c.id))
	}()

	c.conn.SetReadLimit(4096)
	_ = c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.hub.logger.Debug(fmt.Sprintf("reading from websocket client %s", c.id), err)
			}
			return
		}

		var req wsRequest
		if err := json.Unmarshal(data, &req); err != nil {
			continue
		}
		switch req.Action {
		case "subscribe", "unsubscribe":
			c.apply(req)
		case "ping":
			c.reply(core.Event{Type: "pong", Timestamp: core.UnixMilli(time.Now())})
		}
	}
}

func (c *wsClient) reply(evt core.Event) {
	msg, err := json.Marshal(evt)
	if err != nil {
		return
	}
	c.hub.mu.Lock()
	defer c.hub.mu.Unlock()
	if _, ok := c.hub.clients[c.id]; !ok {
		return
	}
	select {
	case c.send <- msg:
	default:
	}
}

func (c *wsClient) writePump() {
	ticker := time.NewTicker(wsPingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
