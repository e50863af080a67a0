// Package livefeed broadcasts telemetry packets to read-only WebSocket
// subscribers, gating access to ground-operator-level detail behind a JWT
// clearance token.
package livefeed

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/saint0x/satbus-go/internal/obc/protocol"
)

// ClearanceLevel orders the amount of telemetry detail a subscriber may see.
type ClearanceLevel int

const (
	ClearancePublic ClearanceLevel = iota
	ClearanceOperator
	ClearanceAdmin
)

// Streamer broadcasts telemetry packets to connected WebSocket clients.
type Streamer struct {
	mu        sync.RWMutex
	clients   map[*client]bool
	broadcast chan *protocol.TelemetryPacket

	upgrader websocket.Upgrader
	jwtSecret []byte

	logger *logrus.Logger

	messagesSent   uint64
	clientsServed  uint64
	currentClients int
}

type client struct {
	conn      *websocket.Conn
	clearance ClearanceLevel
	send      chan *protocol.TelemetryPacket
	id        string
}

// NewStreamer constructs a telemetry streamer. jwtSecret validates
// X-Clearance-Token headers on upgrade; a nil/empty secret disables
// validation and grants every connection ClearancePublic.
func NewStreamer(jwtSecret []byte, logger *logrus.Logger) *Streamer {
	if logger == nil {
		logger = logrus.New()
	}
	return &Streamer{
		clients:   make(map[*client]bool),
		broadcast: make(chan *protocol.TelemetryPacket, 100),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		jwtSecret: jwtSecret,
		logger:    logger,
	}
}

// HandleWebSocket upgrades an HTTP request to a WebSocket telemetry
// subscription.
func (s *Streamer) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.WithError(err).Error("failed to upgrade websocket")
		return
	}

	clearance := s.validateClearance(r.Header.Get("X-Clearance-Token"))

	c := &client{
		conn:      conn,
		clearance: clearance,
		send:      make(chan *protocol.TelemetryPacket, 50),
		id:        r.RemoteAddr,
	}
	s.registerClient(c)

	s.logger.WithFields(logrus.Fields{"client": c.id, "clearance": clearance}).Info("telemetry client connected")

	ctx, cancel := context.WithCancel(context.Background())
	go c.writePump(ctx, s)
	go c.readPump(ctx, cancel, s)
}

func (s *Streamer) registerClient(c *client) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clients[c] = true
	s.clientsServed++
	s.currentClients++
}

func (s *Streamer) unregisterClient(c *client) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.clients[c]; ok {
		delete(s.clients, c)
		close(c.send)
		s.currentClients--
	}
}

// BroadcastTelemetry queues packet for delivery, dropping the oldest queued
// packet if the broadcast buffer is full.
func (s *Streamer) BroadcastTelemetry(packet *protocol.TelemetryPacket) {
	select {
	case s.broadcast <- packet:
	default:
		select {
		case <-s.broadcast:
		default:
		}
		s.broadcast <- packet
	}
}

// Run drains the broadcast channel and fans packets out to clients until
// ctx is cancelled.
func (s *Streamer) Run(ctx context.Context) error {
	s.logger.Info("telemetry livefeed started")
	for {
		select {
		case <-ctx.Done():
			s.closeAllClients()
			return ctx.Err()
		case packet := <-s.broadcast:
			s.sendToClients(packet)
		}
	}
}

func (s *Streamer) sendToClients(packet *protocol.TelemetryPacket) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for c := range s.clients {
		filtered := filterPacket(packet, c.clearance)
		select {
		case c.send <- filtered:
			s.messagesSent++
		default:
		}
	}
}

// filterPacket strips ground-operator-only detail for lower clearance
// levels. Public subscribers see system-level health only; the faults and
// safety-event history are operator-and-above detail.
func filterPacket(packet *protocol.TelemetryPacket, clearance ClearanceLevel) *protocol.TelemetryPacket {
	if clearance >= ClearanceAdmin {
		return packet
	}
	filtered := *packet
	if clearance < ClearanceOperator {
		filtered.Faults = nil
		filtered.SafetyEvents = nil
		filtered.SubsystemDiagnostics = protocol.SubsystemDiagnostics{}
	}
	return &filtered
}

func (s *Streamer) closeAllClients() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for c := range s.clients {
		c.conn.Close()
		close(c.send)
		delete(s.clients, c)
	}
}

// validateClearance parses and verifies a JWT clearance token, returning
// the clearance level it grants. An invalid, expired, or absent token
// grants only ClearancePublic.
func (s *Streamer) validateClearance(token string) ClearanceLevel {
	if token == "" || len(s.jwtSecret) == 0 {
		return ClearancePublic
	}

	parsed, err := jwt.Parse(token, func(t *jwt.Token) (interface{}, error) {
		return s.jwtSecret, nil
	}, jwt.WithValidMethods([]string{"HS256"}))
	if err != nil || !parsed.Valid {
		return ClearancePublic
	}

	claims, ok := parsed.Claims.(jwt.MapClaims)
	if !ok {
		return ClearancePublic
	}
	role, _ := claims["clearance"].(string)
	switch role {
	case "admin":
		return ClearanceAdmin
	case "operator":
		return ClearanceOperator
	default:
		return ClearancePublic
	}
}

// GetStats returns streamer-level connection statistics.
func (s *Streamer) GetStats() (clients int, sent, served uint64) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.currentClients, s.messagesSent, s.clientsServed
}

func (c *client) writePump(ctx context.Context, s *Streamer) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case packet, ok := <-c.send:
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			data, err := json.Marshal(packet)
			if err != nil {
				continue
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
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

func (c *client) readPump(ctx context.Context, cancel context.CancelFunc, s *Streamer) {
	defer func() {
		cancel()
		s.unregisterClient(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(4096)
	c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	for {
		// The feed is read-only: any inbound frame just resets the
		// read deadline via the pong handler / discard loop, it
		// carries no command semantics.
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}
