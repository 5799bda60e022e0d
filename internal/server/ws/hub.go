// Package ws serves the real-time order channel. Clients create orders and
// subscribe to order ids; the subscription registry pushes every transition
// to them.
package ws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/alanyoungcy/orderflow/internal/domain"
	"github.com/alanyoungcy/orderflow/internal/service"
	"github.com/alanyoungcy/orderflow/internal/subscription"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 4096
	sendBufferSize = 256
	requestTimeout = 10 * time.Second
)

// Message types exchanged on the channel.
const (
	TypeCreateOrder  = "CREATE_ORDER"
	TypeSubscribe    = "SUBSCRIBE"
	TypeOrderCreated = "ORDER_CREATED"
	TypeSubscribed   = "SUBSCRIBED"
	TypeError        = "ERROR"
)

const invalidOrderData = "Invalid order data"

// OrderService is what the channel needs from the service layer.
type OrderService interface {
	CreateOrder(ctx context.Context, req service.CreateOrderRequest, delay time.Duration) (domain.Order, error)
	Snapshot(ctx context.Context, id string) (domain.OrderSnapshot, error)
}

// Config tunes a Hub.
type Config struct {
	// IntakeDelay is the queue delay for orders created over the socket.
	IntakeDelay time.Duration
	// MessagesPerSecond and Burst throttle inbound messages per connection.
	// Zero disables the throttle.
	MessagesPerSecond float64
	Burst             int
	AllowedOrigins    []string
}

// Hub accepts WebSocket connections and registers them as observers.
type Hub struct {
	registry *subscription.Registry
	orders   OrderService
	cfg      Config
	upgrader websocket.Upgrader
	logger   *slog.Logger

	mu      sync.Mutex
	clients map[*client]struct{}
	nextID  atomic.Uint64
}

// NewHub creates a Hub over registry.
func NewHub(registry *subscription.Registry, orders OrderService, cfg Config, logger *slog.Logger) *Hub {
	if cfg.IntakeDelay <= 0 {
		cfg.IntakeDelay = service.WSIntakeDelay
	}
	h := &Hub{
		registry: registry,
		orders:   orders,
		cfg:      cfg,
		logger:   logger.With(slog.String("component", "ws")),
		clients:  make(map[*client]struct{}),
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
	if origin == "" {
		return true
	}
	for _, o := range h.cfg.AllowedOrigins {
		if o == "*" || o == origin {
			return true
		}
	}
	return false
}

// ClientCount returns the number of open connections.
func (h *Hub) ClientCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// HandleWS upgrades the request and serves the connection until it closes.
// GET /ws
func (h *Hub) HandleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("upgrade failed", slog.String("error", err.Error()))
		return
	}

	c := &client{
		id:   fmt.Sprintf("ws-%d", h.nextID.Add(1)),
		hub:  h,
		conn: conn,
		send: make(chan []byte, sendBufferSize),
		done: make(chan struct{}),
	}
	if h.cfg.MessagesPerSecond > 0 {
		burst := h.cfg.Burst
		if burst <= 0 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(rate.Limit(h.cfg.MessagesPerSecond), burst)
	}

	h.mu.Lock()
	h.clients[c] = struct{}{}
	total := len(h.clients)
	h.mu.Unlock()
	h.logger.Info("client connected", slog.String("client", c.id), slog.Int("total_clients", total))

	go c.writePump()
	c.readPump()
}

// Close disconnects every client.
func (h *Hub) Close() {
	h.mu.Lock()
	clients := make([]*client, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.Unlock()
	for _, c := range clients {
		c.close()
	}
}

func (h *Hub) remove(c *client) {
	h.registry.UnsubscribeAll(c)
	h.mu.Lock()
	delete(h.clients, c)
	total := len(h.clients)
	h.mu.Unlock()
	h.logger.Info("client disconnected", slog.String("client", c.id), slog.Int("total_clients", total))
}

// inbound is any client frame. Data carries the CREATE_ORDER fields.
type inbound struct {
	Type    string          `json:"type"`
	OrderID string          `json:"orderId"`
	Data    json.RawMessage `json:"data"`
}

// orderData uses pointers so that absent fields can be told apart.
type orderData struct {
	InputToken  *string  `json:"inputToken"`
	OutputToken *string  `json:"outputToken"`
	Amount      *float64 `json:"amount"`
}

type orderCreated struct {
	Type    string             `json:"type"`
	OrderID string             `json:"orderId"`
	Status  domain.OrderStatus `json:"status"`
}

type subscribed struct {
	Type    string `json:"type"`
	OrderID string `json:"orderId"`
}

type errorMessage struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// client is one connection. It implements subscription.Observer.
type client struct {
	id      string
	hub     *Hub
	conn    *websocket.Conn
	send    chan []byte
	done    chan struct{}
	once    sync.Once
	limiter *rate.Limiter
}

func (c *client) ID() string { return c.id }

// Send queues payload without blocking. It reports false when the client is
// gone or its buffer is full.
func (c *client) Send(payload []byte) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.send <- payload:
		return true
	default:
		c.hub.logger.Warn("dropping message for slow client", slog.String("client", c.id))
		return false
	}
}

// close stops the write pump, which sends a close frame and releases the
// connection.
func (c *client) close() {
	c.once.Do(func() { close(c.done) })
}

func (c *client) readPump() {
	defer func() {
		c.hub.remove(c)
		c.close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.hub.logger.Warn("unexpected close", slog.String("client", c.id), slog.String("error", err.Error()))
			}
			return
		}
		if c.limiter != nil && !c.limiter.Allow() {
			c.reply(errorMessage{Type: TypeError, Message: "rate limited"})
			continue
		}
		c.handle(message)
	}
}

func (c *client) handle(message []byte) {
	var msg inbound
	if err := json.Unmarshal(message, &msg); err != nil {
		c.hub.logger.Warn("malformed message ignored", slog.String("client", c.id), slog.String("error", err.Error()))
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()
	switch msg.Type {
	case TypeCreateOrder:
		c.createOrder(ctx, msg.Data)
	case TypeSubscribe:
		if msg.OrderID == "" {
			c.hub.logger.Warn("subscribe without orderId ignored", slog.String("client", c.id))
			return
		}
		c.subscribe(ctx, msg.OrderID)
	default:
		c.hub.logger.Warn("unknown message type ignored", slog.String("client", c.id), slog.String("type", msg.Type))
	}
}

func (c *client) createOrder(ctx context.Context, raw json.RawMessage) {
	var data orderData
	if len(raw) == 0 || json.Unmarshal(raw, &data) != nil ||
		data.InputToken == nil || *data.InputToken == "" ||
		data.OutputToken == nil || *data.OutputToken == "" ||
		data.Amount == nil || *data.Amount == 0 {
		c.reply(errorMessage{Type: TypeError, Message: invalidOrderData})
		return
	}

	order, err := c.hub.orders.CreateOrder(ctx, service.CreateOrderRequest{
		InputToken:  *data.InputToken,
		OutputToken: *data.OutputToken,
		Amount:      *data.Amount,
	}, c.hub.cfg.IntakeDelay)
	if err != nil {
		var verr *domain.ValidationError
		if errors.As(err, &verr) {
			c.reply(errorMessage{Type: TypeError, Message: invalidOrderData})
			return
		}
		c.hub.logger.Error("create order failed", slog.String("client", c.id), slog.String("error", err.Error()))
		c.reply(errorMessage{Type: TypeError, Message: "Internal Server Error"})
		return
	}

	c.hub.registry.Subscribe(order.ID, c)
	c.hub.logger.Info("order created and subscribed", slog.String("client", c.id), slog.String("order_id", order.ID))
	c.reply(orderCreated{Type: TypeOrderCreated, OrderID: order.ID, Status: order.Status})
}

func (c *client) subscribe(ctx context.Context, orderID string) {
	c.hub.registry.Subscribe(orderID, c)
	c.reply(subscribed{Type: TypeSubscribed, OrderID: orderID})

	snap, err := c.hub.orders.Snapshot(ctx, orderID)
	if err != nil {
		if !errors.Is(err, domain.ErrNotFound) {
			c.hub.logger.Error("snapshot failed", slog.String("order_id", orderID), slog.String("error", err.Error()))
		}
		return
	}
	c.reply(snap)
}

func (c *client) reply(v any) {
	payload, err := json.Marshal(v)
	if err != nil {
		c.hub.logger.Error("encode reply", slog.String("error", err.Error()))
		return
	}
	c.Send(payload)
}

// writePump owns all writes to the connection.
func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.close()
		_ = c.conn.Close()
	}()

	for {
		select {
		case <-c.done:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			_ = c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		case message := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
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
