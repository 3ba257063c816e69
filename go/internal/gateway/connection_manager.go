package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"
)

// ConnectionManager owns the WebSocket connections of one logical room and
// fans broadcasts out to all of them. Fan-out cost is O(connections) per
// event; the replication layer exists so capacity can scale past one process.
type ConnectionManager struct {
	mu          sync.RWMutex
	connections map[*Connection]bool

	upgrader    websocket.Upgrader
	config      ConnectionConfig
	broadcastCh chan Event
	hooks       Hooks
}

// Hooks binds the manager to the intent-processing side of the gateway.
// OnIntent runs on the connection's read goroutine, preserving per-connection
// arrival order.
type Hooks struct {
	OnConnect    func(*Connection)
	OnIntent     func(*Connection, []byte)
	OnDisconnect func(*Connection)
}

// Connection represents one viewer's WebSocket connection.
type Connection struct {
	ID      string
	conn    *websocket.Conn
	send    chan []byte
	manager *ConnectionManager

	mu          sync.Mutex
	displayName string
	joined      bool
	closed      bool

	videoLimiter *rate.Limiter

	ConnectedAt time.Time
}

// ConnectionConfig holds per-connection transport and rate-limit settings.
type ConnectionConfig struct {
	WriteTimeout        time.Duration
	ReadTimeout         time.Duration
	PingInterval        time.Duration
	MaxMessageSize      int64
	ReadBufferSize      int
	WriteBufferSize     int
	VideoChangeCooldown time.Duration
	CheckOrigin         func(r *http.Request) bool
}

// DefaultConnectionConfig returns the reference transport settings.
func DefaultConnectionConfig() ConnectionConfig {
	return ConnectionConfig{
		WriteTimeout:        10 * time.Second,
		ReadTimeout:         60 * time.Second,
		PingInterval:        30 * time.Second,
		MaxMessageSize:      4096,
		ReadBufferSize:      1024,
		WriteBufferSize:     1024,
		VideoChangeCooldown: 2 * time.Second,
		CheckOrigin: func(r *http.Request) bool {
			return true
		},
	}
}

// NewConnectionManager creates a manager for one room.
func NewConnectionManager(config ConnectionConfig, hooks Hooks) *ConnectionManager {
	return &ConnectionManager{
		connections: make(map[*Connection]bool),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  config.ReadBufferSize,
			WriteBufferSize: config.WriteBufferSize,
			CheckOrigin:     config.CheckOrigin,
		},
		config:      config,
		broadcastCh: make(chan Event, 1000),
		hooks:       hooks,
	}
}

// Start processes broadcast messages until the context is cancelled.
func (cm *ConnectionManager) Start(ctx context.Context) {
	log.Info().Msg("connection manager started")

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("connection manager shutting down")
			return
		case event := <-cm.broadcastCh:
			cm.handleBroadcast(event)
		}
	}
}

// UpgradeConnection upgrades an HTTP request to a WebSocket connection and
// registers it with the room.
func (cm *ConnectionManager) UpgradeConnection(w http.ResponseWriter, r *http.Request) error {
	conn, err := cm.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Error().Err(err).Msg("failed to upgrade WebSocket connection")
		return fmt.Errorf("failed to upgrade connection: %w", err)
	}

	connection := &Connection{
		ID:           uuid.New().String(),
		conn:         conn,
		send:         make(chan []byte, 256),
		manager:      cm,
		videoLimiter: rate.NewLimiter(rate.Every(cm.config.VideoChangeCooldown), 1),
		ConnectedAt:  time.Now(),
	}

	cm.registerConnection(connection)

	go connection.writePump()
	go connection.readPump()

	if cm.hooks.OnConnect != nil {
		cm.hooks.OnConnect(connection)
	}

	log.Info().
		Str("connection_id", connection.ID).
		Str("remote_addr", r.RemoteAddr).
		Msg("WebSocket connection established")

	return nil
}

func (cm *ConnectionManager) registerConnection(conn *Connection) {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	cm.connections[conn] = true

	log.Debug().
		Str("connection_id", conn.ID).
		Int("total_connections", len(cm.connections)).
		Msg("connection registered")
}

func (cm *ConnectionManager) unregisterConnection(conn *Connection) {
	cm.mu.Lock()
	_, exists := cm.connections[conn]
	if exists {
		delete(cm.connections, conn)
		conn.closeSend()
	}
	remaining := len(cm.connections)
	cm.mu.Unlock()

	if !exists {
		return
	}

	if cm.hooks.OnDisconnect != nil {
		cm.hooks.OnDisconnect(conn)
	}

	log.Info().
		Str("connection_id", conn.ID).
		Str("display_name", conn.DisplayName()).
		Int("total_connections", remaining).
		Msg("connection unregistered")
}

// Broadcast queues an event for delivery to every connection in the room,
// the originator included.
func (cm *ConnectionManager) Broadcast(event Event) {
	select {
	case cm.broadcastCh <- event:
	default:
		log.Warn().Str("event_type", string(event.Type)).Msg("broadcast channel full, dropping message")
	}
}

func (cm *ConnectionManager) handleBroadcast(event Event) {
	cm.mu.RLock()
	targets := make([]*Connection, 0, len(cm.connections))
	for conn := range cm.connections {
		targets = append(targets, conn)
	}
	cm.mu.RUnlock()

	data, err := json.Marshal(event)
	if err != nil {
		log.Error().Err(err).Msg("failed to marshal event for broadcast")
		return
	}

	for _, conn := range targets {
		if conn.enqueue(data) {
			continue
		}
		log.Warn().
			Str("connection_id", conn.ID).
			Msg("connection send buffer full, closing connection")
		cm.unregisterConnection(conn)
		conn.conn.Close()
	}

	log.Debug().
		Str("event_type", string(event.Type)).
		Int("connections", len(targets)).
		Msg("event broadcasted")
}

// ConnectionCount returns the number of live connections.
func (cm *ConnectionManager) ConnectionCount() int {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	return len(cm.connections)
}

// Send delivers an event to this connection only.
func (c *Connection) Send(event Event) {
	data, err := json.Marshal(event)
	if err != nil {
		log.Error().Err(err).Str("connection_id", c.ID).Msg("failed to marshal event")
		return
	}
	if !c.enqueue(data) {
		log.Warn().Str("connection_id", c.ID).Msg("connection closed or buffer full, dropping direct event")
	}
}

// enqueue hands data to the write pump. The send channel is only ever closed
// under c.mu with closed set first, so a concurrent enqueue from the read
// pump or the fan-out loop can never hit a closed channel.
func (c *Connection) enqueue(data []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	select {
	case c.send <- data:
		return true
	default:
		return false
	}
}

func (c *Connection) closeSend() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	close(c.send)
}

// DisplayName returns the sanitized name set at join time, or empty before.
func (c *Connection) DisplayName() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.displayName
}

func (c *Connection) markJoined(name string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.displayName = name
	c.joined = true
}

// Joined reports whether the connection has completed its join intent.
func (c *Connection) Joined() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.joined
}

// AllowVideoChange consults the per-connection cooldown limiter. One token
// per cooldown window; intents inside the window are dropped by the caller.
func (c *Connection) AllowVideoChange(now time.Time) bool {
	return c.videoLimiter.AllowN(now, 1)
}

func (c *Connection) writePump() {
	ticker := time.NewTicker(c.manager.config.PingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
		c.manager.unregisterConnection(c)
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(c.manager.config.WriteTimeout))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				log.Error().
					Err(err).
					Str("connection_id", c.ID).
					Msg("failed to write message to WebSocket")
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(c.manager.config.WriteTimeout))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *Connection) readPump() {
	defer func() {
		c.manager.unregisterConnection(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(c.manager.config.MaxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(c.manager.config.ReadTimeout))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(c.manager.config.ReadTimeout))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Error().
					Err(err).
					Str("connection_id", c.ID).
					Msg("unexpected WebSocket close error")
			}
			break
		}

		if c.manager.hooks.OnIntent != nil {
			c.manager.hooks.OnIntent(c, message)
		}
		c.conn.SetReadDeadline(time.Now().Add(c.manager.config.ReadTimeout))
	}
}
