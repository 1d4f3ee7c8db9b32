package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gorilla/websocket"
	"github.com/ordersaga/ordersaga/pkg/api/events"
	"github.com/ordersaga/ordersaga/pkg/api/middleware"
	"github.com/ordersaga/ordersaga/pkg/api/response"
	"github.com/ordersaga/ordersaga/pkg/logger"
	"github.com/ordersaga/ordersaga/pkg/saga"
)

const (
	defaultWSMaxConnections = 100
	defaultPingInterval     = 30 * time.Second
	defaultPongTimeout      = 10 * time.Second
	feedWriteTimeout        = 10 * time.Second
	feedSendBuffer          = 32
	feedReadLimit           = 4 << 10
	snapshotTimeout         = 2 * time.Second

	// MaxWatchedOrders caps the order numbers one connection may watch.
	MaxWatchedOrders = 64

	watchedOrderRule = "required,max=64,printascii"
)

// Frame types sent on /ws/orders besides events.TypeOrderStatusChanged.
const (
	FeedOrderSnapshot = "order.snapshot"
	FeedWatchError    = "watch.error"
)

var errFeedFull = errors.New("order feed connection limit reached")

// OrderLookup finds the saga behind an order number.
type OrderLookup interface {
	GetByOrder(ctx context.Context, orderNo string) (*saga.Instance, error)
}

// WebSocketConfig configures the order feed.
type WebSocketConfig struct {
	AllowedOrigins []string
	MaxConnections int
	PingInterval   time.Duration
	PongTimeout    time.Duration
	// Orders answers a watch with the order's current view. Nil disables
	// snapshots.
	Orders OrderLookup
}

// FeedMessage is one frame pushed to a feed client.
type FeedMessage struct {
	Type      string          `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	Order     *saga.OrderView `json:"order,omitempty"`
	OrderNo   string          `json:"order_no,omitempty"`
	Error     string          `json:"error,omitempty"`
}

// watchRequest is what clients send: {"action":"watch","order_nos":["A-1"]}.
type watchRequest struct {
	Action   string   `json:"action"`
	OrderNos []string `json:"order_nos"`
}

type feedClient struct {
	conn *websocket.Conn
	send chan []byte
	// watching is guarded by orderFeed.mu. Empty means every order.
	watching  map[string]struct{}
	closeOnce sync.Once
}

func newFeedClient(conn *websocket.Conn) *feedClient {
	return &feedClient{
		conn:     conn,
		send:     make(chan []byte, feedSendBuffer),
		watching: make(map[string]struct{}),
	}
}

func (c *feedClient) close() {
	c.closeOnce.Do(func() {
		close(c.send)
		if c.conn != nil {
			_ = c.conn.Close()
		}
	})
}

// offer queues a frame without blocking. False means the client is behind.
func (c *feedClient) offer(frame []byte) bool {
	select {
	case c.send <- frame:
		return true
	default:
		return false
	}
}

// orderFeed indexes connected clients by the orders they watch. Sends happen
// under the read lock and closes under the write lock, so a frame is never
// queued on a closed client.
type orderFeed struct {
	mu       sync.RWMutex
	limit    int
	clients  map[*feedClient]struct{}
	watchers map[string]map[*feedClient]struct{}
}

func newOrderFeed(limit int) *orderFeed {
	if limit <= 0 {
		limit = defaultWSMaxConnections
	}
	return &orderFeed{
		limit:    limit,
		clients:  make(map[*feedClient]struct{}),
		watchers: make(map[string]map[*feedClient]struct{}),
	}
}

func (f *orderFeed) join(c *feedClient) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.clients) >= f.limit {
		return errFeedFull
	}
	f.clients[c] = struct{}{}
	return nil
}

func (f *orderFeed) leave(c *feedClient) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.clients[c]; !ok {
		return
	}
	delete(f.clients, c)
	for orderNo := range c.watching {
		f.unindex(orderNo, c)
	}
	c.close()
}

// watch adds orderNos to the client's set and returns the ones that were new.
func (f *orderFeed) watch(c *feedClient, orderNos []string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.clients[c]; !ok {
		return nil, nil
	}

	var added []string
	for _, orderNo := range orderNos {
		if _, ok := c.watching[orderNo]; ok {
			continue
		}
		if len(c.watching) >= MaxWatchedOrders {
			return added, fmt.Errorf("at most %d orders can be watched per connection", MaxWatchedOrders)
		}
		c.watching[orderNo] = struct{}{}
		set, ok := f.watchers[orderNo]
		if !ok {
			set = make(map[*feedClient]struct{})
			f.watchers[orderNo] = set
		}
		set[c] = struct{}{}
		added = append(added, orderNo)
	}
	return added, nil
}

func (f *orderFeed) unwatch(c *feedClient, orderNos []string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, orderNo := range orderNos {
		if _, ok := c.watching[orderNo]; !ok {
			continue
		}
		delete(c.watching, orderNo)
		f.unindex(orderNo, c)
	}
}

func (f *orderFeed) unindex(orderNo string, c *feedClient) {
	set := f.watchers[orderNo]
	delete(set, c)
	if len(set) == 0 {
		delete(f.watchers, orderNo)
	}
}

// publish hands frame to the clients watching orderNo and to the clients
// watching nothing. Clients that cannot keep up are disconnected.
func (f *orderFeed) publish(orderNo string, frame []byte) {
	var behind []*feedClient

	f.mu.RLock()
	for c := range f.clients {
		if len(c.watching) == 0 && !c.offer(frame) {
			behind = append(behind, c)
		}
	}
	for c := range f.watchers[orderNo] {
		if !c.offer(frame) {
			behind = append(behind, c)
		}
	}
	f.mu.RUnlock()

	for _, c := range behind {
		f.leave(c)
	}
}

// deliver sends a frame to one client. False means it is gone or behind.
func (f *orderFeed) deliver(c *feedClient, frame []byte) bool {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if _, ok := f.clients[c]; !ok {
		return false
	}
	return c.offer(frame)
}

func (f *orderFeed) count() int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return len(f.clients)
}

func (f *orderFeed) full() bool {
	return f.count() >= f.limit
}

func (f *orderFeed) watcherCount(orderNo string) int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return len(f.watchers[orderNo])
}

func (f *orderFeed) closeAll() {
	f.mu.Lock()
	defer f.mu.Unlock()
	for c := range f.clients {
		c.close()
	}
	f.clients = make(map[*feedClient]struct{})
	f.watchers = make(map[string]map[*feedClient]struct{})
}

// WebSocketHandler serves /ws/orders. A client watching no orders receives
// every status change. Once it watches order numbers it receives only those,
// starting with a snapshot of each order's current view. Order numbers can be
// given up front with repeated ?order_no= query parameters.
type WebSocketHandler struct {
	log          logger.Logger
	feed         *orderFeed
	orders       OrderLookup
	validate     *validator.Validate
	upgrader     websocket.Upgrader
	pingInterval time.Duration
	pongTimeout  time.Duration
}

// NewWebSocketHandler creates the order feed handler.
func NewWebSocketHandler(log logger.Logger, cfg WebSocketConfig) *WebSocketHandler {
	if log == nil {
		log = logger.NewNop()
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = defaultPingInterval
	}
	if cfg.PongTimeout <= 0 {
		cfg.PongTimeout = defaultPongTimeout
	}

	origins := append([]string(nil), cfg.AllowedOrigins...)
	return &WebSocketHandler{
		log:          log,
		feed:         newOrderFeed(cfg.MaxConnections),
		orders:       cfg.Orders,
		validate:     validator.New(),
		pingInterval: cfg.PingInterval,
		pongTimeout:  cfg.PongTimeout,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return feedOriginAllowed(r, origins)
			},
		},
	}
}

// ServeHTTP upgrades the request and runs the client until it disconnects.
func (h *WebSocketHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	requestID := getRequestID(r.Context())
	if !websocket.IsWebSocketUpgrade(r) {
		response.Error(w, http.StatusBadRequest, response.ErrCodeBadRequest, "websocket upgrade required", requestID)
		return
	}
	initial, err := h.orderNos(r.URL.Query()["order_no"])
	if err != nil {
		response.ErrorWithDetails(w, http.StatusBadRequest, response.ErrCodeValidationFailed,
			err.Error(), map[string]interface{}{"field": "order_no"}, requestID)
		return
	}
	if h.feed.full() {
		response.Error(w, http.StatusServiceUnavailable, response.ErrCodeServiceUnavailable, errFeedFull.Error(), requestID)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("order feed upgrade failed", "request_id", requestID, "error", err)
		return
	}

	client := newFeedClient(conn)
	if err := h.feed.join(client); err != nil {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseTryAgainLater, err.Error()),
			time.Now().Add(feedWriteTimeout))
		_ = conn.Close()
		return
	}
	h.log.Debug("order feed client connected", "request_id", requestID, "watching", len(initial))

	go h.writeLoop(client)
	if len(initial) > 0 {
		h.watch(r.Context(), client, initial)
	}
	h.readLoop(r.Context(), client)
}

func (h *WebSocketHandler) readLoop(ctx context.Context, client *feedClient) {
	defer h.feed.leave(client)

	deadline := h.pingInterval + h.pongTimeout
	client.conn.SetReadLimit(feedReadLimit)
	_ = client.conn.SetReadDeadline(time.Now().Add(deadline))
	client.conn.SetPongHandler(func(string) error {
		return client.conn.SetReadDeadline(time.Now().Add(deadline))
	})

	for {
		_, data, err := client.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.log.Debug("order feed client dropped", "error", err)
			}
			return
		}
		h.handleRequest(ctx, client, data)
	}
}

func (h *WebSocketHandler) writeLoop(client *feedClient) {
	ticker := time.NewTicker(h.pingInterval)
	defer func() {
		ticker.Stop()
		h.feed.leave(client)
	}()

	for {
		select {
		case frame, ok := <-client.send:
			if !ok {
				_ = client.conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
					time.Now().Add(feedWriteTimeout))
				return
			}
			_ = client.conn.SetWriteDeadline(time.Now().Add(feedWriteTimeout))
			if err := client.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				return
			}
		case <-ticker.C:
			if err := client.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(feedWriteTimeout)); err != nil {
				return
			}
		}
	}
}

func (h *WebSocketHandler) handleRequest(ctx context.Context, client *feedClient, raw []byte) {
	var req watchRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		h.reply(client, FeedMessage{Type: FeedWatchError, Error: "malformed watch request"})
		return
	}
	orderNos, err := h.orderNos(req.OrderNos)
	if err != nil {
		h.reply(client, FeedMessage{Type: FeedWatchError, Error: err.Error()})
		return
	}

	switch strings.ToLower(strings.TrimSpace(req.Action)) {
	case "watch":
		h.watch(ctx, client, orderNos)
	case "unwatch":
		h.feed.unwatch(client, orderNos)
	default:
		h.reply(client, FeedMessage{Type: FeedWatchError, Error: fmt.Sprintf("unknown action %q", req.Action)})
	}
}

func (h *WebSocketHandler) watch(ctx context.Context, client *feedClient, orderNos []string) {
	added, err := h.feed.watch(client, orderNos)
	if err != nil {
		h.reply(client, FeedMessage{Type: FeedWatchError, Error: err.Error()})
	}
	if h.orders == nil {
		return
	}
	for _, orderNo := range added {
		view, err := h.snapshot(ctx, orderNo)
		switch {
		case errors.Is(err, saga.ErrSagaNotFound):
			// Not admitted yet. Its first status change arrives as an event.
		case err != nil:
			h.log.Warn("order feed snapshot failed", "order_no", orderNo, "error", err)
			h.reply(client, FeedMessage{Type: FeedWatchError, OrderNo: orderNo, Error: "order lookup failed"})
		default:
			h.reply(client, FeedMessage{Type: FeedOrderSnapshot, Timestamp: view.UpdatedAt, Order: &view})
		}
	}
}

func (h *WebSocketHandler) snapshot(ctx context.Context, orderNo string) (saga.OrderView, error) {
	ctx, cancel := context.WithTimeout(ctx, snapshotTimeout)
	defer cancel()
	instance, err := h.orders.GetByOrder(ctx, orderNo)
	if err != nil {
		return saga.OrderView{}, err
	}
	return saga.ViewOf(instance), nil
}

func (h *WebSocketHandler) reply(client *feedClient, msg FeedMessage) {
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now().UTC()
	}
	frame, err := json.Marshal(msg)
	if err != nil {
		return
	}
	if !h.feed.deliver(client, frame) {
		h.feed.leave(client)
	}
}

// orderNos trims, validates and de-duplicates requested order numbers.
func (h *WebSocketHandler) orderNos(raw []string) ([]string, error) {
	seen := make(map[string]struct{}, len(raw))
	out := make([]string, 0, len(raw))
	for _, orderNo := range raw {
		orderNo = strings.TrimSpace(orderNo)
		if err := h.validate.Var(orderNo, watchedOrderRule); err != nil {
			return nil, fmt.Errorf("order number %q is not printable ascii up to 64 characters", orderNo)
		}
		if _, ok := seen[orderNo]; ok {
			continue
		}
		seen[orderNo] = struct{}{}
		out = append(out, orderNo)
	}
	return out, nil
}

// Forward pushes broadcaster events to feed clients until ctx is done or the
// feed closes.
func (h *WebSocketHandler) Forward(ctx context.Context, feed <-chan events.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-feed:
			if !ok {
				return
			}
			view := event.Order
			frame, err := json.Marshal(FeedMessage{Type: event.Type, Timestamp: event.Timestamp, Order: &view})
			if err != nil {
				h.log.Warn("order feed encode failed", "order_no", view.OrderNo, "error", err)
				continue
			}
			h.feed.publish(view.OrderNo, frame)
		}
	}
}

// Count returns the number of connected clients.
func (h *WebSocketHandler) Count() int {
	return h.feed.count()
}

// Close disconnects every client.
func (h *WebSocketHandler) Close() {
	h.feed.closeAll()
}

// feedOriginAllowed accepts non-browser clients, configured origins and
// same-host pages.
func feedOriginAllowed(r *http.Request, allowed []string) bool {
	origin := strings.TrimSpace(r.Header.Get("Origin"))
	if origin == "" || middleware.OriginAllowed(origin, allowed) {
		return true
	}
	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	return strings.EqualFold(u.Host, r.Host)
}
