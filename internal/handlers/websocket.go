package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"numbers-betting-backend/internal/middleware"
	"numbers-betting-backend/internal/models"
	"numbers-betting-backend/internal/services"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 4096

	clientSendBuffer = 64
	hubQueueSize     = 1024
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

type Client struct {
	ID      uuid.UUID
	UserID  int64
	IsAdmin bool
	Conn    *websocket.Conn
	send    chan []byte
}

// ClientMessage is what subscribers send to the server.
type ClientMessage struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

type delivery struct {
	audience string
	userID   int64
	client   *Client
	data     []byte
}

// WebSocketHub tracks connected clients and delivers notifications to them.
// All writes to client queues happen on the Run goroutine, so every client
// sees messages in the order they were published.
type WebSocketHub struct {
	clients    map[*Client]bool
	users      map[int64]map[*Client]bool
	register   chan *Client
	unregister chan *Client
	outbound   chan delivery
	done       chan struct{}
	connected  atomic.Int64
	log        zerolog.Logger
}

func NewWebSocketHub(log zerolog.Logger) *WebSocketHub {
	return &WebSocketHub{
		clients:    make(map[*Client]bool),
		users:      make(map[int64]map[*Client]bool),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		outbound:   make(chan delivery, hubQueueSize),
		done:       make(chan struct{}),
		log:        log,
	}
}

// Run delivers messages until ctx is cancelled, then closes every client.
func (hub *WebSocketHub) Run(ctx context.Context) {
	defer close(hub.done)

	for {
		select {
		case client := <-hub.register:
			hub.clients[client] = true
			if hub.users[client.UserID] == nil {
				hub.users[client.UserID] = make(map[*Client]bool)
			}
			hub.users[client.UserID][client] = true
			hub.connected.Add(1)
			hub.log.Debug().Int64("user_id", client.UserID).Bool("admin", client.IsAdmin).Msg("client registered")

		case client := <-hub.unregister:
			hub.remove(client)

		case d := <-hub.outbound:
			hub.deliver(d)

		case <-ctx.Done():
			for client := range hub.clients {
				hub.remove(client)
			}
			return
		}
	}
}

func (hub *WebSocketHub) remove(client *Client) {
	if !hub.clients[client] {
		return
	}
	delete(hub.clients, client)
	if set := hub.users[client.UserID]; set != nil {
		delete(set, client)
		if len(set) == 0 {
			delete(hub.users, client.UserID)
		}
	}
	close(client.send)
	hub.connected.Add(-1)
	hub.log.Debug().Int64("user_id", client.UserID).Msg("client unregistered")
}

func (hub *WebSocketHub) deliver(d delivery) {
	switch d.audience {
	case services.AudienceAll:
		for client := range hub.clients {
			hub.push(client, d.data)
		}
	case services.AudienceAdmins:
		for client := range hub.clients {
			if client.IsAdmin {
				hub.push(client, d.data)
			}
		}
	case services.AudienceUser:
		for client := range hub.users[d.userID] {
			hub.push(client, d.data)
		}
	default:
		if d.client != nil && hub.clients[d.client] {
			hub.push(d.client, d.data)
		}
	}
}

func (hub *WebSocketHub) push(client *Client, data []byte) {
	select {
	case client.send <- data:
	default:
		hub.log.Warn().Int64("user_id", client.UserID).Msg("client queue full, dropping message")
	}
}

func (hub *WebSocketHub) enqueue(d delivery) error {
	select {
	case hub.outbound <- d:
		return nil
	default:
		return services.ErrNotifyQueueFull
	}
}

func (hub *WebSocketHub) publish(audience string, userID int64, msg *models.Notification) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	return hub.enqueue(delivery{audience: audience, userID: userID, data: data})
}

func (hub *WebSocketHub) Broadcast(msg *models.Notification) error {
	return hub.publish(services.AudienceAll, 0, msg)
}

func (hub *WebSocketHub) PublishToAdmins(msg *models.Notification) error {
	return hub.publish(services.AudienceAdmins, 0, msg)
}

func (hub *WebSocketHub) PublishToUser(userID int64, msg *models.Notification) error {
	return hub.publish(services.AudienceUser, userID, msg)
}

func (hub *WebSocketHub) sendTo(client *Client, msg *models.Notification) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	return hub.enqueue(delivery{client: client, data: data})
}

// Connected reports the number of registered clients.
func (hub *WebSocketHub) Connected() int {
	return int(hub.connected.Load())
}

type WebSocketHandler struct {
	hub *WebSocketHub
	log zerolog.Logger
}

func NewWebSocketHandler(hub *WebSocketHub, log zerolog.Logger) *WebSocketHandler {
	return &WebSocketHandler{
		hub: hub,
		log: log,
	}
}

func (h *WebSocketHandler) HandleWebSocket(c *gin.Context) {
	userID := c.GetInt64(middleware.ContextUserID)
	role, _ := c.Get(middleware.ContextRole)

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.log.Warn().Err(err).Msg("failed to upgrade to websocket")
		return
	}

	client := &Client{
		ID:      uuid.New(),
		UserID:  userID,
		IsAdmin: role == models.RoleAdmin,
		Conn:    conn,
		send:    make(chan []byte, clientSendBuffer),
	}

	select {
	case h.hub.register <- client:
	case <-h.hub.done:
		conn.Close()
		return
	}

	go h.writePump(client)
	h.readPump(client)
}

func (h *WebSocketHandler) readPump(client *Client) {
	defer func() {
		select {
		case h.hub.unregister <- client:
		case <-h.hub.done:
		}
		client.Conn.Close()
	}()

	client.Conn.SetReadLimit(maxMessageSize)
	client.Conn.SetReadDeadline(time.Now().Add(pongWait))
	client.Conn.SetPongHandler(func(string) error {
		return client.Conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		var msg ClientMessage
		if err := client.Conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				h.log.Warn().Err(err).Int64("user_id", client.UserID).Msg("websocket read error")
			}
			return
		}

		h.handleMessage(client, &msg)
	}
}

func (h *WebSocketHandler) handleMessage(client *Client, msg *ClientMessage) {
	switch strings.ToLower(msg.Type) {
	case "ping":
		if err := h.hub.sendTo(client, models.NewPong()); err != nil {
			h.log.Warn().Err(err).Msg("failed to queue pong")
		}
	default:
		h.log.Debug().Str("type", msg.Type).Msg("ignoring client message")
	}
}

func (h *WebSocketHandler) writePump(client *Client) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		client.Conn.Close()
	}()

	for {
		select {
		case data, ok := <-client.send:
			client.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				client.Conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := client.Conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}

		case <-ticker.C:
			client.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := client.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

var _ services.Notifier = (*WebSocketHub)(nil)
