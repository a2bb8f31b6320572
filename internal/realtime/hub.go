// Package realtime is the websocket transport notifications are delivered
// through. Clients authenticate with a JWT and join payment groups.
package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"crypto-payment-service/internal/domain"
	"crypto-payment-service/internal/metrics"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

var ErrHubStopped = errors.New("realtime hub stopped")

type Config struct {
	MaxConnectionsPerUser int
	Heartbeat             time.Duration
	SendBuffer            int
	AllowedOrigins        []string
}

func DefaultConfig() Config {
	return Config{
		MaxConnectionsPerUser: 5,
		Heartbeat:             30 * time.Second,
		SendBuffer:            64,
	}
}

// Authorizer decides whether userID may follow paymentID.
type Authorizer func(ctx context.Context, userID, paymentID string) error

// Message is the envelope of every frame written to a client.
type Message struct {
	Type    string `json:"type"`
	Group   string `json:"group,omitempty"`
	Data    any    `json:"data,omitempty"`
	Error   string `json:"error,omitempty"`
	Success bool   `json:"success"`
}

type inbound struct {
	Type      string `json:"type"`
	PaymentID string `json:"payment_id"`
}

type Hub struct {
	cfg       Config
	verifier  *Verifier
	authorize Authorizer
	table     *ConnectionTable
	metrics   *metrics.Metrics
	logger    *zap.Logger
	upgrader  websocket.Upgrader

	// mu guards groups, the stopped flag and every client's send channel
	// close.
	mu      sync.RWMutex
	groups  map[string]map[*Client]struct{}
	stopped bool
}

func NewHub(cfg Config, verifier *Verifier, authorize Authorizer, m *metrics.Metrics, logger *zap.Logger) *Hub {
	def := DefaultConfig()
	if cfg.Heartbeat <= 0 {
		cfg.Heartbeat = def.Heartbeat
	}
	if cfg.SendBuffer <= 0 {
		cfg.SendBuffer = def.SendBuffer
	}

	h := &Hub{
		cfg:       cfg,
		verifier:  verifier,
		authorize: authorize,
		table:     NewConnectionTable(cfg.MaxConnectionsPerUser),
		metrics:   m,
		logger:    logger,
		groups:    make(map[string]map[*Client]struct{}),
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     h.checkOrigin,
	}
	return h
}

func (h *Hub) checkOrigin(r *http.Request) bool {
	if len(h.cfg.AllowedOrigins) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	for _, o := range h.cfg.AllowedOrigins {
		if o == "*" || strings.EqualFold(o, origin) {
			return true
		}
	}
	return false
}

func tokenFrom(r *http.Request) string {
	if t := r.URL.Query().Get("token"); t != "" {
		return t
	}
	return strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
}

// ServeHTTP authenticates and upgrades a websocket connection.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	claims, err := h.verifier.ParseAndValidate(tokenFrom(r))
	if err != nil {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	h.mu.RLock()
	stopped := h.stopped
	h.mu.RUnlock()
	if stopped {
		http.Error(w, "Service Unavailable", http.StatusServiceUnavailable)
		return
	}

	client := &Client{
		ID:     uuid.NewString(),
		UserID: claims.UserID,
		send:   make(chan []byte, h.cfg.SendBuffer),
		groups: make(map[string]struct{}),
		hub:    h,
	}
	if err := h.table.Acquire(client); err != nil {
		h.logger.Warn("websocket connection refused",
			zap.String("user_id", claims.UserID),
			zap.Error(err))
		http.Error(w, err.Error(), http.StatusTooManyRequests)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.table.Release(client)
		h.logger.Error("failed to upgrade websocket connection",
			zap.String("user_id", claims.UserID),
			zap.Error(err))
		return
	}
	client.conn = conn
	h.metrics.RealtimeConnections.Inc()

	h.reply(client, Message{Type: "connected", Success: true, Data: map[string]string{"client_id": client.ID}})

	go client.writePump()
	go client.readPump()

	h.logger.Info("websocket connected",
		zap.String("client_id", client.ID),
		zap.String("user_id", client.UserID))
}

func (h *Hub) handle(c *Client, raw []byte) {
	var msg inbound
	if err := json.Unmarshal(raw, &msg); err != nil {
		h.reply(c, Message{Type: "error", Error: "malformed message"})
		return
	}
	if msg.PaymentID == "" {
		h.reply(c, Message{Type: "error", Error: "payment_id is required"})
		return
	}
	group := domain.GroupKey(msg.PaymentID)

	switch msg.Type {
	case "subscribe":
		if h.authorize != nil {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			err := h.authorize(ctx, c.UserID, msg.PaymentID)
			cancel()
			if err != nil {
				h.reply(c, Message{Type: "error", Group: group, Error: "not allowed to follow this payment"})
				return
			}
		}
		h.join(c, group)
		h.reply(c, Message{Type: "subscribed", Group: group, Success: true})
	case "unsubscribe":
		h.leave(c, group)
		h.reply(c, Message{Type: "unsubscribed", Group: group, Success: true})
	default:
		h.reply(c, Message{Type: "error", Error: fmt.Sprintf("unknown message type %q", msg.Type)})
	}
}

func (h *Hub) join(c *Client, group string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if c.closed {
		return
	}
	members, ok := h.groups[group]
	if !ok {
		members = make(map[*Client]struct{})
		h.groups[group] = members
	}
	members[c] = struct{}{}
	c.groups[group] = struct{}{}
}

func (h *Hub) leave(c *Client, group string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.leaveLocked(c, group)
}

func (h *Hub) leaveLocked(c *Client, group string) {
	if members, ok := h.groups[group]; ok {
		delete(members, c)
		if len(members) == 0 {
			delete(h.groups, group)
		}
	}
	delete(c.groups, group)
}

// unregister removes c from every group and closes its send channel.
func (h *Hub) unregister(c *Client) {
	h.mu.Lock()
	if c.closed {
		h.mu.Unlock()
		return
	}
	for group := range c.groups {
		h.leaveLocked(c, group)
	}
	c.closed = true
	close(c.send)
	h.mu.Unlock()

	h.table.Release(c)
	h.metrics.RealtimeConnections.Dec()
	h.logger.Info("websocket disconnected",
		zap.String("client_id", c.ID),
		zap.String("user_id", c.UserID))
}

func (h *Hub) reply(c *Client, msg Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		h.logger.Error("failed to marshal websocket message", zap.Error(err))
		return
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	if c.closed {
		return
	}
	select {
	case c.send <- data:
	default:
		h.logger.Warn("client send buffer full", zap.String("client_id", c.ID))
	}
}

// SendToGroup writes one event to every client in groupKey. A group with no
// clients is not an error. Clients whose buffer is full are disconnected.
func (h *Hub) SendToGroup(ctx context.Context, groupKey, eventName string, payload any) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := json.Marshal(Message{Type: eventName, Group: groupKey, Data: payload, Success: true})
	if err != nil {
		return fmt.Errorf("failed to marshal %s: %w", eventName, err)
	}

	h.mu.RLock()
	if h.stopped {
		h.mu.RUnlock()
		return ErrHubStopped
	}
	var slow []*Client
	for c := range h.groups[groupKey] {
		select {
		case c.send <- data:
		default:
			slow = append(slow, c)
		}
	}
	h.mu.RUnlock()

	for _, c := range slow {
		h.logger.Warn("dropping slow websocket client",
			zap.String("client_id", c.ID),
			zap.String("group", groupKey))
		h.unregister(c)
	}
	return nil
}

func (h *Hub) GroupSize(groupKey string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.groups[groupKey])
}

func (h *Hub) Connections(userID string) int {
	return h.table.Count(userID)
}

// Stop disconnects every client and clears the connection table.
func (h *Hub) Stop() {
	h.mu.Lock()
	if h.stopped {
		h.mu.Unlock()
		return
	}
	h.stopped = true
	h.groups = make(map[string]map[*Client]struct{})
	clients := h.table.Clear()
	for _, c := range clients {
		if !c.closed {
			c.closed = true
			close(c.send)
			h.metrics.RealtimeConnections.Dec()
		}
	}
	h.mu.Unlock()

	h.logger.Info("realtime hub stopped", zap.Int("disconnected", len(clients)))
}
