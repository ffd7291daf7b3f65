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

	"github.com/lotline/lotline/internal/events"
)

// ConnectionManager tracks WebSocket connections grouped by auction and,
// optionally, by individual lot. Every connection belongs to one auction
// group; lot groups are joined and left by client command.
type ConnectionManager struct {
	auctionConns map[uuid.UUID]map[*Connection]bool
	lotConns     map[uuid.UUID]map[*Connection]bool
	mu           sync.RWMutex

	upgrader websocket.Upgrader
	config   ConnectionConfig

	broadcastCh chan BroadcastMessage

	// commands is invoked from each connection's read pump.
	commands CommandHandler
}

// Connection is one WebSocket client watching an auction.
type Connection struct {
	ID        string
	UserID    uuid.UUID
	AuctionID uuid.UUID
	Conn      *websocket.Conn
	Send      chan []byte
	Manager   *ConnectionManager

	// lots this connection has joined, guarded by the manager's mutex.
	lots map[uuid.UUID]bool

	ConnectedAt time.Time
	LastPing    time.Time
}

// ConnectionConfig holds WebSocket connection tuning.
type ConnectionConfig struct {
	WriteTimeout    time.Duration
	ReadTimeout     time.Duration
	PingInterval    time.Duration
	MaxMessageSize  int64
	ReadBufferSize  int
	WriteBufferSize int
	CheckOrigin     func(r *http.Request) bool
}

// BroadcastMessage routes one envelope to a group of connections. When
// Target is set the message goes only to that connection.
type BroadcastMessage struct {
	AuctionID uuid.UUID
	LotID     *uuid.UUID
	Target    *Connection
	Envelope  events.Envelope
}

// DefaultConnectionConfig returns the default WebSocket tuning.
func DefaultConnectionConfig() ConnectionConfig {
	return ConnectionConfig{
		WriteTimeout:    10 * time.Second,
		ReadTimeout:     60 * time.Second,
		PingInterval:    30 * time.Second,
		MaxMessageSize:  4096,
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			return true
		},
	}
}

// CommandHandler processes one client command from a connection.
type CommandHandler interface {
	HandleCommand(ctx context.Context, conn *Connection, raw []byte)
}

func NewConnectionManager(config ConnectionConfig, commands CommandHandler) *ConnectionManager {
	return &ConnectionManager{
		auctionConns: make(map[uuid.UUID]map[*Connection]bool),
		lotConns:     make(map[uuid.UUID]map[*Connection]bool),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  config.ReadBufferSize,
			WriteBufferSize: config.WriteBufferSize,
			CheckOrigin:     config.CheckOrigin,
		},
		config:      config,
		broadcastCh: make(chan BroadcastMessage, 1000),
		commands:    commands,
	}
}

// Start processes broadcast messages until ctx is cancelled.
func (cm *ConnectionManager) Start(ctx context.Context) {
	log.Info().Msg("connection manager started")

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("connection manager shutting down")
			return
		case message := <-cm.broadcastCh:
			cm.handleBroadcast(message)
		}
	}
}

// UpgradeConnection upgrades an HTTP request to a WebSocket and registers
// the connection in its auction group.
func (cm *ConnectionManager) UpgradeConnection(w http.ResponseWriter, r *http.Request, userID, auctionID uuid.UUID) (*Connection, error) {
	conn, err := cm.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to upgrade connection: %w", err)
	}

	connection := &Connection{
		ID:          uuid.New().String(),
		UserID:      userID,
		AuctionID:   auctionID,
		Conn:        conn,
		Send:        make(chan []byte, 256),
		Manager:     cm,
		lots:        make(map[uuid.UUID]bool),
		ConnectedAt: time.Now(),
		LastPing:    time.Now(),
	}

	cm.registerConnection(connection)

	// The request context dies when the handler returns; pumps outlive it.
	go connection.writePump()
	go connection.readPump(context.Background())

	log.Info().
		Str("connection_id", connection.ID).
		Str("user_id", userID.String()).
		Str("auction_id", auctionID.String()).
		Msg("WebSocket connection established")

	return connection, nil
}

func (cm *ConnectionManager) registerConnection(conn *Connection) {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	if cm.auctionConns[conn.AuctionID] == nil {
		cm.auctionConns[conn.AuctionID] = make(map[*Connection]bool)
	}
	cm.auctionConns[conn.AuctionID][conn] = true
}

func (cm *ConnectionManager) unregisterConnection(conn *Connection) {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	connections, exists := cm.auctionConns[conn.AuctionID]
	if !exists || !connections[conn] {
		return
	}
	delete(connections, conn)
	close(conn.Send)
	if len(connections) == 0 {
		delete(cm.auctionConns, conn.AuctionID)
	}

	for lotID := range conn.lots {
		cm.leaveLotLocked(conn, lotID)
	}

	log.Info().
		Str("connection_id", conn.ID).
		Str("auction_id", conn.AuctionID.String()).
		Msg("connection unregistered")
}

// JoinLot subscribes the connection to a lot group.
func (cm *ConnectionManager) JoinLot(conn *Connection, lotID uuid.UUID) {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	if cm.lotConns[lotID] == nil {
		cm.lotConns[lotID] = make(map[*Connection]bool)
	}
	cm.lotConns[lotID][conn] = true
	conn.lots[lotID] = true
}

// LeaveLot unsubscribes the connection from a lot group.
func (cm *ConnectionManager) LeaveLot(conn *Connection, lotID uuid.UUID) {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	cm.leaveLotLocked(conn, lotID)
}

func (cm *ConnectionManager) leaveLotLocked(conn *Connection, lotID uuid.UUID) {
	if connections, exists := cm.lotConns[lotID]; exists {
		delete(connections, conn)
		if len(connections) == 0 {
			delete(cm.lotConns, lotID)
		}
	}
	delete(conn.lots, lotID)
}

// Broadcast fans an envelope out to the auction group and, when the event
// is lot-scoped, the lot group as well.
func (cm *ConnectionManager) Broadcast(env events.Envelope) {
	select {
	case cm.broadcastCh <- BroadcastMessage{AuctionID: env.AuctionID, LotID: env.LotID, Envelope: env}:
	default:
		log.Warn().Str("auction_id", env.AuctionID.String()).Msg("broadcast channel full, dropping message")
	}
}

// SendTo delivers an envelope to a single connection only; used for
// command replies and bid rejections.
func (cm *ConnectionManager) SendTo(conn *Connection, env events.Envelope) {
	select {
	case cm.broadcastCh <- BroadcastMessage{AuctionID: conn.AuctionID, Target: conn, Envelope: env}:
	default:
		log.Warn().Str("connection_id", conn.ID).Msg("broadcast channel full, dropping direct message")
	}
}

func (cm *ConnectionManager) handleBroadcast(message BroadcastMessage) {
	data, err := json.Marshal(message.Envelope)
	if err != nil {
		log.Error().Err(err).Msg("failed to marshal envelope for broadcast")
		return
	}

	// Sends run under the read lock. unregisterConnection closes Send
	// under the write lock, so a connection closed by a pump mid-broadcast
	// drops out of the maps before any send could reach its channel. A
	// connection in both the auction and lot group receives the envelope
	// once.
	cm.mu.RLock()
	targets := make(map[*Connection]bool)
	if message.Target != nil {
		if cm.auctionConns[message.Target.AuctionID][message.Target] {
			targets[message.Target] = true
		}
	} else {
		for conn := range cm.auctionConns[message.AuctionID] {
			targets[conn] = true
		}
		if message.LotID != nil {
			for conn := range cm.lotConns[*message.LotID] {
				targets[conn] = true
			}
		}
	}

	var evicted []*Connection
	for conn := range targets {
		select {
		case conn.Send <- data:
		default:
			evicted = append(evicted, conn)
		}
	}
	cm.mu.RUnlock()

	for _, conn := range evicted {
		log.Warn().
			Str("connection_id", conn.ID).
			Msg("connection send buffer full, closing connection")
		cm.unregisterConnection(conn)
		conn.Conn.Close()
	}
}

// Stats summarizes active connections for the stats endpoint.
func (cm *ConnectionManager) Stats() (totalConnections, activeAuctions int) {
	cm.mu.RLock()
	defer cm.mu.RUnlock()

	for _, connections := range cm.auctionConns {
		totalConnections += len(connections)
	}
	return totalConnections, len(cm.auctionConns)
}

func (c *Connection) writePump() {
	ticker := time.NewTicker(c.Manager.config.PingInterval)
	defer func() {
		ticker.Stop()
		c.Conn.Close()
		c.Manager.unregisterConnection(c)
	}()

	for {
		select {
		case message, ok := <-c.Send:
			c.Conn.SetWriteDeadline(time.Now().Add(c.Manager.config.WriteTimeout))
			if !ok {
				c.Conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.Conn.WriteMessage(websocket.TextMessage, message); err != nil {
				log.Error().Err(err).Str("connection_id", c.ID).Msg("failed to write message")
				return
			}

		case <-ticker.C:
			c.Conn.SetWriteDeadline(time.Now().Add(c.Manager.config.WriteTimeout))
			if err := c.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
			c.LastPing = time.Now()
		}
	}
}

func (c *Connection) readPump(ctx context.Context) {
	defer func() {
		c.Manager.unregisterConnection(c)
		c.Conn.Close()
	}()

	c.Conn.SetReadLimit(c.Manager.config.MaxMessageSize)
	c.Conn.SetReadDeadline(time.Now().Add(c.Manager.config.ReadTimeout))
	c.Conn.SetPongHandler(func(string) error {
		c.Conn.SetReadDeadline(time.Now().Add(c.Manager.config.ReadTimeout))
		c.LastPing = time.Now()
		return nil
	})

	for {
		_, message, err := c.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Error().Err(err).Str("connection_id", c.ID).Msg("unexpected WebSocket close")
			}
			break
		}

		c.Manager.commands.HandleCommand(ctx, c, message)
		c.Conn.SetReadDeadline(time.Now().Add(c.Manager.config.ReadTimeout))
	}
}
