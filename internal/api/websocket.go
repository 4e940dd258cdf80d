package api

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"botfleet/internal/events"
	"botfleet/internal/logging"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// WSClient is a single websocket connection bound to a tenant.
type WSClient struct {
	conn      *websocket.Conn
	send      chan []byte
	hub       *WSHub
	tenantID  string
	admin     bool
	closeChan chan struct{}
}

type tenantMessage struct {
	tenantID string
	data     []byte
}

// WSHub fans lifecycle events out to connected websocket clients.
// Tenant-scoped events only reach that tenant's connections; admin
// connections see everything.
type WSHub struct {
	clients       map[*WSClient]bool
	tenantClients map[string]map[*WSClient]bool
	broadcast     chan []byte
	tenantCast    chan tenantMessage
	register      chan *WSClient
	unregister    chan *WSClient
	done          chan struct{}
	closeOnce     sync.Once
	mu            sync.RWMutex
	logger        *logging.Logger
}

// NewWSHub creates an event fan-out hub for websocket clients.
func NewWSHub(logger *logging.Logger) *WSHub {
	return &WSHub{
		clients:       make(map[*WSClient]bool),
		tenantClients: make(map[string]map[*WSClient]bool),
		broadcast:     make(chan []byte, 256),
		tenantCast:    make(chan tenantMessage, 256),
		register:      make(chan *WSClient),
		unregister:    make(chan *WSClient),
		done:          make(chan struct{}),
		logger:        logger.WithComponent("websocket"),
	}
}

// Attach subscribes the hub to the event bus. Events carrying a
// tenant_id in their payload are routed to that tenant; everything
// else goes to admin connections only.
func (h *WSHub) Attach(bus *events.Bus) {
	bus.SubscribeAll(func(event events.Event) {
		if tenantID, ok := event.Data["tenant_id"].(string); ok && tenantID != "" {
			h.BroadcastToTenant(tenantID, event)
			return
		}
		h.BroadcastToAdmins(event)
	})
}

// Run dispatches register, unregister, and message traffic. It exits
// when Close is called.
func (h *WSHub) Run() {
	for {
		select {
		case <-h.done:
			h.mu.Lock()
			for client := range h.clients {
				close(client.send)
			}
			h.clients = make(map[*WSClient]bool)
			h.tenantClients = make(map[string]map[*WSClient]bool)
			h.mu.Unlock()
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			if h.tenantClients[client.tenantID] == nil {
				h.tenantClients[client.tenantID] = make(map[*WSClient]bool)
			}
			h.tenantClients[client.tenantID][client] = true
			h.mu.Unlock()

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				if tc, ok := h.tenantClients[client.tenantID]; ok {
					delete(tc, client)
					if len(tc) == 0 {
						delete(h.tenantClients, client.tenantID)
					}
				}
				close(client.send)
			}
			h.mu.Unlock()

		case msg := <-h.tenantCast:
			h.mu.RLock()
			for client := range h.tenantClients[msg.tenantID] {
				h.deliver(client, msg.data)
			}
			// Admins on other tenants still see tenant-scoped events.
			for client := range h.clients {
				if client.admin && client.tenantID != msg.tenantID {
					h.deliver(client, msg.data)
				}
			}
			h.mu.RUnlock()

		case data := <-h.broadcast:
			h.mu.RLock()
			for client := range h.clients {
				if client.admin {
					h.deliver(client, data)
				}
			}
			h.mu.RUnlock()
		}
	}
}

// deliver pushes to a client without blocking; a full buffer means the
// client is too slow and gets dropped on its next unregister.
func (h *WSHub) deliver(client *WSClient, data []byte) {
	select {
	case client.send <- data:
	default:
	}
}

// BroadcastToTenant sends an event to a tenant's connections.
func (h *WSHub) BroadcastToTenant(tenantID string, event events.Event) {
	data, err := json.Marshal(event)
	if err != nil {
		h.logger.Error("failed to marshal event", "error", err)
		return
	}

	select {
	case h.tenantCast <- tenantMessage{tenantID: tenantID, data: data}:
	case <-h.done:
	default:
		h.logger.Warn("tenant cast channel full, dropping event", "tenant_id", tenantID)
	}
}

// BroadcastToAdmins sends an event to admin connections only.
func (h *WSHub) BroadcastToAdmins(event events.Event) {
	data, err := json.Marshal(event)
	if err != nil {
		h.logger.Error("failed to marshal event", "error", err)
		return
	}

	select {
	case h.broadcast <- data:
	case <-h.done:
	default:
		h.logger.Warn("broadcast channel full, dropping event")
	}
}

// ClientCount returns the number of connected clients.
func (h *WSHub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Close stops the hub and disconnects all clients.
func (h *WSHub) Close() {
	h.closeOnce.Do(func() {
		close(h.done)
	})
}

func (c *WSClient) writePump() {
	ticker := time.NewTicker(30 * time.Second)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}

		case <-c.closeChan:
			return
		}
	}
}

func (c *WSClient) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.done:
		}
		c.conn.Close()
		close(c.closeChan)
	}()

	c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.hub.logger.Debug("websocket read error", "error", err)
			}
			break
		}
	}
}

// handleWebSocket upgrades the connection and subscribes it to the
// caller's event stream. The /ws route sits outside the API middleware
// group, so identity is resolved here: a JWT via the token query
// parameter (or Authorization header), or the X-Tenant-ID header when
// auth is disabled.
func (s *Server) handleWebSocket(c *gin.Context) {
	tenantID, role, err := s.wsIdentity(c)
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": err.Error()})
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.logger.Error("websocket upgrade failed", "error", err)
		return
	}

	client := &WSClient{
		conn:      conn,
		send:      make(chan []byte, 256),
		hub:       s.hub,
		tenantID:  tenantID,
		admin:     role == "admin",
		closeChan: make(chan struct{}),
	}

	select {
	case s.hub.register <- client:
	case <-s.hub.done:
		conn.Close()
		return
	}

	go client.writePump()
	go client.readPump()

	s.logger.Info("websocket client connected",
		"tenant_id", tenantID,
		"clients", s.hub.ClientCount())
}

func (s *Server) wsIdentity(c *gin.Context) (tenantID, role string, err error) {
	if s.jwt == nil {
		tenantID = c.GetHeader("X-Tenant-ID")
		if tenantID == "" {
			tenantID = "dev-tenant"
		}
		return tenantID, "admin", nil
	}

	token := c.Query("token")
	if token == "" {
		token = bearerToken(c)
	}
	if token == "" {
		return "", "", ErrInvalidToken
	}

	claims, err := s.jwt.Validate(token)
	if err != nil {
		return "", "", err
	}
	return claims.TenantID, claims.Role, nil
}
