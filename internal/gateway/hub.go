package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/arqma/arqmavisor/pkg/logger"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 64 * 1024
	sendBufferSize = 256
)

// WSMessage is a frame written to WebSocket clients.
type WSMessage struct {
	Type  string      `json:"type"`
	Topic string      `json:"topic"`
	Data  interface{} `json:"data,omitempty"`
	Time  int64       `json:"timestamp"`
}

// WSRequest is a frame read from WebSocket clients. Action is one of
// subscribe, unsubscribe or command.
type WSRequest struct {
	Action string          `json:"action"`
	Topics []string        `json:"topics,omitempty"`
	Method string          `json:"method,omitempty"`
	Data   json.RawMessage `json:"data,omitempty"`
}

// CommandHandler executes a front-end command such as ban_peer.
type CommandHandler func(ctx context.Context, method string, data json.RawMessage) error

// WSClient is one connected WebSocket peer.
type WSClient struct {
	hub           *Hub
	conn          *websocket.Conn
	send          chan []byte
	subscriptions map[string]bool
	closed        bool
	mu            sync.RWMutex
}

// Hub is a Gateway that broadcasts to WebSocket clients and accepts
// commands from them.
type Hub struct {
	logger   *logger.Logger
	upgrader websocket.Upgrader

	handlerMu sync.RWMutex
	handler   CommandHandler

	clientsMu sync.RWMutex
	clients   map[*WSClient]bool

	ctx    context.Context
	cancel context.CancelFunc
}

// NewHub creates a hub. Clients are subscribed to every topic on connect.
func NewHub(log *logger.Logger) *Hub {
	ctx, cancel := context.WithCancel(context.Background())
	return &Hub{
		logger: log.Named("ws"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
		clients: make(map[*WSClient]bool),
		ctx:     ctx,
		cancel:  cancel,
	}
}

// SetCommandHandler installs the handler for inbound commands.
func (h *Hub) SetCommandHandler(handler CommandHandler) {
	h.handlerMu.Lock()
	defer h.handlerMu.Unlock()
	h.handler = handler
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.clientsMu.RLock()
	defer h.clientsMu.RUnlock()
	return len(h.clients)
}

// Publish implements Gateway.
func (h *Hub) Publish(topic string, payload interface{}) {
	msg := WSMessage{
		Type:  "update",
		Topic: topic,
		Data:  payload,
		Time:  time.Now().Unix(),
	}

	h.clientsMu.RLock()
	defer h.clientsMu.RUnlock()

	for client := range h.clients {
		if client.isSubscribed(topic) {
			client.writeMessage(msg)
		}
	}
}

// ServeHTTP upgrades the request and serves the client until it disconnects.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	client := &WSClient{
		hub:           h,
		conn:          conn,
		send:          make(chan []byte, sendBufferSize),
		subscriptions: make(map[string]bool, len(Topics)),
	}
	for _, t := range Topics {
		client.subscriptions[t] = true
	}

	h.clientsMu.Lock()
	h.clients[client] = true
	h.clientsMu.Unlock()

	h.logger.Debug("websocket client connected", zap.String("remote", r.RemoteAddr))

	client.writeMessage(WSMessage{
		Type:  "connected",
		Topic: "system",
		Data:  map[string]interface{}{"topics": Topics},
		Time:  time.Now().Unix(),
	})

	go client.writePump()
	client.readPump()
}

// Close disconnects every client.
func (h *Hub) Close() {
	h.cancel()

	h.clientsMu.Lock()
	defer h.clientsMu.Unlock()
	for client := range h.clients {
		delete(h.clients, client)
		client.close()
	}
}

func (h *Hub) unregister(c *WSClient) {
	h.clientsMu.Lock()
	defer h.clientsMu.Unlock()

	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		c.close()
		h.logger.Debug("websocket client disconnected")
	}
}

func (h *Hub) dispatch(c *WSClient, req WSRequest) {
	h.handlerMu.RLock()
	handler := h.handler
	h.handlerMu.RUnlock()

	if handler == nil {
		c.writeMessage(WSMessage{Type: "error", Topic: req.Method, Data: "commands not accepted", Time: time.Now().Unix()})
		return
	}

	go func() {
		if err := handler(h.ctx, req.Method, req.Data); err != nil {
			h.logger.Warn("command failed", zap.String("method", req.Method), zap.Error(err))
			c.writeMessage(WSMessage{Type: "error", Topic: req.Method, Data: err.Error(), Time: time.Now().Unix()})
		}
	}()
	c.writeMessage(WSMessage{Type: "accepted", Topic: req.Method, Time: time.Now().Unix()})
}

func (c *WSClient) readPump() {
	defer func() {
		c.hub.unregister(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}

		var req WSRequest
		if err := json.Unmarshal(data, &req); err != nil {
			c.hub.logger.Debug("invalid websocket request", zap.Error(err))
			continue
		}

		switch req.Action {
		case "subscribe":
			c.subscribe(req.Topics)
		case "unsubscribe":
			c.unsubscribe(req.Topics)
		case "command":
			c.hub.dispatch(c, req)
		default:
			c.hub.logger.Debug("unknown websocket action", zap.String("action", req.Action))
		}
	}
}

func (c *WSClient) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case data, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// writeMessage queues msg without blocking. Messages are dropped when the
// client is not keeping up.
func (c *WSClient) writeMessage(msg WSMessage) {
	data, err := json.Marshal(msg)
	if err != nil {
		return
	}

	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return
	}

	select {
	case c.send <- data:
	default:
	}
}

func (c *WSClient) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.send)
	}
}

func (c *WSClient) isSubscribed(topic string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.subscriptions[topic]
}

func (c *WSClient) subscribe(topics []string) {
	for _, t := range topics {
		if !knownTopic(t) {
			c.hub.logger.Debug("ignoring unknown topic", zap.String("topic", t))
			continue
		}
		c.mu.Lock()
		c.subscriptions[t] = true
		c.mu.Unlock()
		c.writeMessage(WSMessage{Type: "subscribed", Topic: t, Time: time.Now().Unix()})
	}
}

func (c *WSClient) unsubscribe(topics []string) {
	for _, t := range topics {
		c.mu.Lock()
		_, ok := c.subscriptions[t]
		delete(c.subscriptions, t)
		c.mu.Unlock()
		if ok {
			c.writeMessage(WSMessage{Type: "unsubscribed", Topic: t, Time: time.Now().Unix()})
		}
	}
}

func knownTopic(topic string) bool {
	for _, t := range Topics {
		if t == topic {
			return true
		}
	}
	return false
}
