// Package websocket pushes relay events to staff dashboards. Clients
// authenticate with a staff JWT, then subscribe to individual thread logs or
// to the firehose.
package websocket

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"modmail/backend/internal/events"
	"modmail/backend/internal/monitoring"
)

// firehose subscribes a client to every thread's events.
const firehose = "*"

// Claims are the staff token claims accepted by the hub.
type Claims struct {
	UserID string `json:"sub"`
	Name   string `json:"name"`
	Level  string `json:"level"`
	jwt.RegisteredClaims
}

// MessageType tags frames exchanged with clients.
type MessageType string

const (
	MessageTypeEvent       MessageType = "event"
	MessageTypePing        MessageType = "ping"
	MessageTypePong        MessageType = "pong"
	MessageTypeSubscribe   MessageType = "subscribe"
	MessageTypeUnsubscribe MessageType = "unsubscribe"
	MessageTypeSubscribed  MessageType = "subscribed"
	MessageTypeError       MessageType = "error"
)

// Frame is the wire envelope in both directions.
type Frame struct {
	Type      MessageType     `json:"type"`
	LogKey    string          `json:"log_key,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
	Error     string          `json:"error,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// Client is one connected dashboard.
type Client struct {
	ID     string
	UserID string

	conn    *websocket.Conn
	send    chan []byte
	hub     *Hub
	logKeys map[string]bool
	mu      sync.RWMutex
	log     *zap.Logger
}

// Hub owns all dashboard connections and fans relay events out to them.
type Hub struct {
	clients    map[string]*Client
	byLogKey   map[string]map[string]*Client
	register   chan *Client
	unregister chan *Client

	bus            *events.Bus
	mu             sync.RWMutex
	log            *zap.Logger
	allowedOrigins []string
	jwtSecret      string
	metrics        *monitoring.Metrics
}

// SetMetrics attaches the connection gauge. A hub without metrics works
// unchanged.
func (h *Hub) SetMetrics(m *monitoring.Metrics) {
	h.metrics = m
}

func NewHub(bus *events.Bus, allowedOrigins []string, jwtSecret string, log *zap.Logger) *Hub {
	if len(allowedOrigins) == 0 {
		allowedOrigins = []string{"*"}
	}
	return &Hub{
		clients:        make(map[string]*Client),
		byLogKey:       make(map[string]map[string]*Client),
		register:       make(chan *Client),
		unregister:     make(chan *Client),
		bus:            bus,
		log:            log,
		allowedOrigins: allowedOrigins,
		jwtSecret:      jwtSecret,
	}
}

func upgraderFactory(allowedOrigins []string) websocket.Upgrader {
	return websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			for _, origin := range allowedOrigins {
				if origin == "*" {
					return true
				}
			}
			requestOrigin := r.Header.Get("Origin")
			if requestOrigin == "" {
				return true
			}
			for _, origin := range allowedOrigins {
				if requestOrigin == origin {
					return true
				}
			}
			return false
		},
	}
}

// Run pumps bus events to subscribers until ctx is cancelled.
func (h *Hub) Run(ctx context.Context) {
	sub, cancel := h.bus.Subscribe(256)
	defer cancel()

	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			h.log.Info("websocket hub stopped")
			h.closeAllClients()
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client.ID] = client
			count := len(h.clients)
			h.mu.Unlock()
			if h.metrics != nil {
				h.metrics.UpdateWebsocketClients(count)
			}
			h.log.Info("dashboard connected",
				zap.String("client_id", client.ID),
				zap.String("user_id", client.UserID))

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client.ID]; ok {
				for key := range client.logKeys {
					if subs, exists := h.byLogKey[key]; exists {
						delete(subs, client.ID)
						if len(subs) == 0 {
							delete(h.byLogKey, key)
						}
					}
				}
				delete(h.clients, client.ID)
				close(client.send)
				h.log.Info("dashboard disconnected", zap.String("client_id", client.ID))
			}
			count := len(h.clients)
			h.mu.Unlock()
			if h.metrics != nil {
				h.metrics.UpdateWebsocketClients(count)
			}

		case ev, ok := <-sub:
			if !ok {
				return
			}
			h.broadcastEvent(ev)

		case <-ticker.C:
			h.pingAllClients()
		}
	}
}

func (h *Hub) broadcastEvent(ev events.Event) {
	data, err := json.Marshal(ev)
	if err != nil {
		h.log.Error("event marshal failed", zap.Error(err))
		return
	}
	frame, err := json.Marshal(&Frame{
		Type:      MessageTypeEvent,
		LogKey:    ev.LogKey,
		Data:      data,
		Timestamp: time.Now().UTC(),
	})
	if err != nil {
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	seen := make(map[string]bool)
	for _, subs := range []map[string]*Client{h.byLogKey[ev.LogKey], h.byLogKey[firehose]} {
		for id, client := range subs {
			if seen[id] {
				continue
			}
			seen[id] = true
			select {
			case client.send <- frame:
			default:
				h.log.Warn("dashboard send buffer full, dropping event",
					zap.String("client_id", id))
			}
		}
	}
}

func (h *Hub) pingAllClients() {
	frame, err := json.Marshal(&Frame{Type: MessageTypePing, Timestamp: time.Now().UTC()})
	if err != nil {
		return
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, client := range h.clients {
		select {
		case client.send <- frame:
		default:
		}
	}
}

func (h *Hub) closeAllClients() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, client := range h.clients {
		close(client.send)
	}
	h.clients = make(map[string]*Client)
	h.byLogKey = make(map[string]map[string]*Client)
}

// authenticateClient accepts the token from the query string or the
// Authorization header and validates it as a staff JWT.
func (h *Hub) authenticateClient(c *gin.Context) (*Client, error) {
	token := c.Query("token")
	if token == "" {
		authHeader := c.GetHeader("Authorization")
		if authHeader != "" {
			parts := strings.SplitN(authHeader, " ", 2)
			if len(parts) == 2 && parts[0] == "Bearer" {
				token = parts[1]
			}
		}
	}
	if token == "" {
		return nil, errors.New("missing authentication token")
	}

	userID, err := h.validateJWT(token)
	if err != nil {
		return nil, err
	}
	return &Client{
		ID:      generateClientID(),
		UserID:  userID,
		logKeys: make(map[string]bool),
		log:     h.log,
	}, nil
}

func (h *Hub) validateJWT(tokenString string) (string, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return []byte(h.jwtSecret), nil
	})
	if err != nil {
		return "", err
	}
	if claims, ok := token.Claims.(*Claims); ok && token.Valid {
		return claims.UserID, nil
	}
	return "", errors.New("invalid token claims")
}

// Handle upgrades an authenticated request and starts the client pumps.
func Handle(hub *Hub) gin.HandlerFunc {
	upgrader := upgraderFactory(hub.allowedOrigins)

	return func(c *gin.Context) {
		client, err := hub.authenticateClient(c)
		if err != nil {
			hub.log.Warn("websocket authentication failed",
				zap.Error(err),
				zap.String("remote_addr", c.ClientIP()))
			c.JSON(http.StatusUnauthorized, gin.H{"error": "authentication required"})
			return
		}

		conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			hub.log.Error("websocket upgrade failed",
				zap.Error(err),
				zap.String("origin", c.Request.Header.Get("Origin")))
			return
		}

		client.conn = conn
		client.hub = hub
		client.send = make(chan []byte, 256)

		hub.register <- client

		go client.writePump()
		go client.readPump()
	}
}

func (c *Client) readPump() {
	defer func() {
		c.hub.unregister <- c
		c.conn.Close()
	}()

	c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	for {
		var frame Frame
		if err := c.conn.ReadJSON(&frame); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.log.Error("websocket read failed", zap.Error(err))
			}
			break
		}
		c.handleFrame(&frame)
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(54 * time.Second)
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
			c.conn.WriteMessage(websocket.TextMessage, message)

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *Client) handleFrame(frame *Frame) {
	switch frame.Type {
	case MessageTypeSubscribe:
		c.subscribe(frame.LogKey)
	case MessageTypeUnsubscribe:
		c.unsubscribe(frame.LogKey)
	case MessageTypePong:
		c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	default:
		c.log.Warn("unknown frame type", zap.String("type", string(frame.Type)))
	}
}

// subscribe registers interest in one log key, or the firehose with "*".
func (c *Client) subscribe(logKey string) {
	if logKey == "" {
		c.sendError("log key is required")
		return
	}

	c.mu.Lock()
	c.logKeys[logKey] = true
	c.mu.Unlock()

	c.hub.mu.Lock()
	if c.hub.byLogKey[logKey] == nil {
		c.hub.byLogKey[logKey] = make(map[string]*Client)
	}
	c.hub.byLogKey[logKey][c.ID] = c
	c.hub.mu.Unlock()

	c.sendFrame(&Frame{
		Type:      MessageTypeSubscribed,
		LogKey:    logKey,
		Timestamp: time.Now().UTC(),
	})
}

func (c *Client) unsubscribe(logKey string) {
	c.mu.Lock()
	delete(c.logKeys, logKey)
	c.mu.Unlock()

	c.hub.mu.Lock()
	if subs, exists := c.hub.byLogKey[logKey]; exists {
		delete(subs, c.ID)
		if len(subs) == 0 {
			delete(c.hub.byLogKey, logKey)
		}
	}
	c.hub.mu.Unlock()
}

func (c *Client) sendError(errMsg string) {
	c.sendFrame(&Frame{
		Type:      MessageTypeError,
		Error:     errMsg,
		Timestamp: time.Now().UTC(),
	})
}

func (c *Client) sendFrame(frame *Frame) {
	data, err := json.Marshal(frame)
	if err != nil {
		c.log.Error("frame marshal failed", zap.Error(err))
		return
	}
	select {
	case c.send <- data:
	default:
		c.log.Warn("dashboard send buffer full", zap.String("client_id", c.ID))
	}
}

func generateClientID() string {
	b := make([]byte, 8)
	if _, err := rand.Read(b); err != nil {
		return time.Now().Format("20060102150405")
	}
	return hex.EncodeToString(b)
}
