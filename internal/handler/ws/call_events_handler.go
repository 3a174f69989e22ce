package ws

import (
	"context"
	"encoding/json"
	"net/http"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"vconnect-backend/internal/database"
	"vconnect-backend/pkg/constants"
	"vconnect-backend/pkg/logger"
	"vconnect-backend/pkg/metrics"
)

// CallEventsHub fans call lifecycle events out to WebSocket clients. Clients
// subscribe per conversation; the hub bridges the conversation's Redis
// pub/sub channel to every local connection, so events published by any node
// reach clients connected to any other node.
type CallEventsHub struct {
	// Registered clients per conversation
	conversations map[uuid.UUID]map[*CallEventsClient]bool

	// Cancel functions for conversation subscriptions
	subscriptionCancels map[uuid.UUID]context.CancelFunc

	// Redis client for Pub/Sub
	redisClient *database.RedisClient

	// Mutex for thread-safe operations
	mu sync.RWMutex

	// Channels
	register   chan *CallEventsClient
	unregister chan *CallEventsClient
	broadcast  chan *CallServerEvent

	// Concurrency limit: maxConnections is the maximum number of concurrent WebSocket connections
	maxConnections int
	// Semaphore for limiting concurrent connections
	semaphore chan struct{}
}

// CallEventsClient represents a WebSocket client subscribed to call events
type CallEventsClient struct {
	hub            *CallEventsHub
	conn           *websocket.Conn
	send           chan []byte
	userID         uuid.UUID
	conversationID uuid.UUID
	ctx            context.Context
	cancel         context.CancelFunc
}

// GetAllowedOrigins returns allowed WebSocket origins from environment or defaults
func GetAllowedOrigins() map[string]bool {
	allowedOrigins := map[string]bool{
		"http://localhost:3000": true,
		"http://localhost:8080": true,
		"http://127.0.0.1:3000": true,
		"http://127.0.0.1:8080": true,
	}

	// Add production origins from environment if set
	if origins := os.Getenv("CORS_ALLOWED_ORIGINS"); origins != "" {
		// Parse comma-separated origins
		for _, origin := range strings.Split(origins, ",") {
			allowedOrigins[strings.TrimSpace(origin)] = true
		}
	}

	return allowedOrigins
}

var callEventsUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			// Reject empty origins - require explicit origin for security
			return false
		}

		// Check if origin is in allowed list
		allowedOrigins := GetAllowedOrigins()
		for allowed := range allowedOrigins {
			if origin == allowed {
				return true
			}
		}
		return false
	},
}

// NewCallEventsHub creates a new call events hub
func NewCallEventsHub(redisClient *database.RedisClient) *CallEventsHub {
	// Default max connections: 1000 (configurable via environment if needed)
	maxConns := 1000
	if val := os.Getenv("WS_MAX_CALL_CONNECTIONS"); val != "" {
		if n, err := strconv.Atoi(val); err == nil && n > 0 {
			maxConns = n
		}
	}

	hub := &CallEventsHub{
		conversations:       make(map[uuid.UUID]map[*CallEventsClient]bool),
		subscriptionCancels: make(map[uuid.UUID]context.CancelFunc),
		redisClient:         redisClient,
		register:            make(chan *CallEventsClient),
		unregister:          make(chan *CallEventsClient),
		broadcast:           make(chan *CallServerEvent, 256),
		maxConnections:      maxConns,
		semaphore:           make(chan struct{}, maxConns),
	}

	go hub.run()

	return hub
}

// run handles hub operations
func (h *CallEventsHub) run() {
	for {
		select {
		case client := <-h.register:
			h.mu.Lock()
			if h.conversations[client.conversationID] == nil {
				h.conversations[client.conversationID] = make(map[*CallEventsClient]bool)

				// Create cancelable context for subscription
				ctx, cancel := context.WithCancel(context.Background())
				h.subscriptionCancels[client.conversationID] = cancel

				// Subscribe to Redis channel for this conversation
				go h.subscribeToConversation(ctx, client.conversationID)
			}
			h.conversations[client.conversationID][client] = true
			h.mu.Unlock()

			metrics.CallWebsocketClientsActive.Inc()

		case client := <-h.unregister:
			h.mu.Lock()
			if clients, ok := h.conversations[client.conversationID]; ok {
				if _, exists := clients[client]; exists {
					delete(clients, client)
					close(client.send)
					client.cancel() // Cancel client context

					metrics.CallWebsocketClientsActive.Dec()

					// Clean up empty conversations
					if len(clients) == 0 {
						// Cancel Redis subscription
						if cancel, ok := h.subscriptionCancels[client.conversationID]; ok {
							cancel()
							delete(h.subscriptionCancels, client.conversationID)
						}
						delete(h.conversations, client.conversationID)
					}
				}
			}
			h.mu.Unlock()

		case event := <-h.broadcast:
			h.mu.RLock()
			if clients, ok := h.conversations[event.ConversationID]; ok {
				eventJSON, _ := json.Marshal(event)

				// Server events go to every subscribed client, the actor
				// included: their other devices need the update too.
				for client := range clients {
					select {
					case client.send <- eventJSON:
					default:
						close(client.send)
						delete(clients, client)
					}
				}
			}
			h.mu.RUnlock()
		}
	}
}

// subscribeToConversation subscribes to Redis Pub/Sub for a conversation's call events
func (h *CallEventsHub) subscribeToConversation(ctx context.Context, conversationID uuid.UUID) {
	channel := callChannel(conversationID)

	pubsub := h.redisClient.SafeSubscribe(ctx, channel)
	defer pubsub.Close()

	if _, err := pubsub.Receive(ctx); err != nil {
		logger.Error("Failed to subscribe to Redis channel",
			zap.String("conversation_id", conversationID.String()),
			zap.Error(err))
		return
	}

	ch := pubsub.Channel()

	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-ch:
			if msg == nil {
				continue
			}
			// Parse message from Redis
			var event CallServerEvent
			if err := json.Unmarshal([]byte(msg.Payload), &event); err != nil {
				logger.Warn("Failed to unmarshal Redis message",
					zap.String("conversation_id", conversationID.String()),
					zap.Error(err))
				continue
			}

			// Broadcast to WebSocket clients
			h.broadcast <- &event
		}
	}
}

// ServeWS handles WebSocket requests for call event subscriptions
func (h *CallEventsHub) ServeWS(c *gin.Context) {
	// Acquire semaphore to limit concurrent connections
	select {
	case h.semaphore <- struct{}{}:
		// Successfully acquired, continue
		defer func() {
			<-h.semaphore // Release semaphore when connection closes
		}()
	default:
		// No available slots, reject connection
		logger.Warn("WebSocket connection rejected: max connections reached",
			zap.Int("max_connections", h.maxConnections))
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "Server at capacity, please try again later"})
		return
	}

	// Get conversation ID from query params
	conversationIDStr := c.Query("conversation_id")
	if conversationIDStr == "" {
		c.JSON(400, gin.H{"error": "conversation_id required"})
		return
	}

	conversationID, err := uuid.Parse(conversationIDStr)
	if err != nil {
		c.JSON(400, gin.H{"error": "invalid conversation_id"})
		return
	}

	// Get user ID from context (set by auth middleware)
	userIDVal, exists := c.Get("user_id")
	if !exists {
		c.JSON(401, gin.H{"error": "unauthorized"})
		return
	}

	userID, ok := userIDVal.(uuid.UUID)
	if !ok {
		c.JSON(500, gin.H{"error": "invalid user_id"})
		return
	}

	// Upgrade to WebSocket
	conn, err := callEventsUpgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logger.Warn("WebSocket upgrade failed",
			zap.String("conversation_id", conversationID.String()),
			zap.String("user_id", userID.String()),
			zap.Error(err))
		return
	}

	// Create cancelable context for this client
	ctx, cancel := context.WithCancel(context.Background())
	client := &CallEventsClient{
		hub:            h,
		conn:           conn,
		send:           make(chan []byte, 256),
		userID:         userID,
		conversationID: conversationID,
		ctx:            ctx,
		cancel:         cancel,
	}

	client.hub.register <- client

	// Start goroutines for read/write
	go client.writePump()
	go client.readPump()
}

// readPump drains the connection. The call events socket is server-push
// only: inbound frames are discarded, the read loop exists to detect
// disconnects and answer pings.
func (c *CallEventsClient) readPump() {
	defer func() {
		c.hub.unregister <- c
		c.conn.Close()
	}()

	c.conn.SetReadDeadline(time.Now().Add(constants.WebSocketPingInterval))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(constants.WebSocketPingInterval))
		return nil
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				logger.Debug("WebSocket connection closed",
					zap.String("conversation_id", c.conversationID.String()),
					zap.String("user_id", c.userID.String()),
					zap.Error(err))
			}
			break
		}
	}
}

// writePump writes messages to WebSocket
func (c *CallEventsClient) writePump() {
	ticker := time.NewTicker(constants.WebSocketPingInterval)
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

			w, err := c.conn.NextWriter(websocket.TextMessage)
			if err != nil {
				return
			}
			w.Write(message)

			if err := w.Close(); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
