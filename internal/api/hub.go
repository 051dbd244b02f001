package api

import (
	"context"
	"encoding/json"
	"net/http"
	"slices"
	"strings"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/collectfi/market-engine/internal/metrics"
	"github.com/collectfi/market-engine/internal/model"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 30 * time.Second
	sendBuffer = 64
)

// Message is a JSON frame pushed to WebSocket clients. Trade frames go to
// every client watching the asset; order frames only to the owning account.
type Message struct {
	Type      string           `json:"type"` // "trade" or "order"
	AssetID   string           `json:"asset_id"`
	Price     *decimal.Decimal `json:"price,omitempty"`
	Quantity  int64            `json:"quantity,omitempty"`
	TakerSide model.Side       `json:"taker_side,omitempty"`
	MarketCap *decimal.Decimal `json:"market_cap,omitempty"`
	Timestamp time.Time        `json:"timestamp"`
	Order     *model.Order     `json:"order,omitempty"`
}

type client struct {
	conn    *websocket.Conn
	send    chan []byte
	account string          // empty for anonymous clients
	assets  map[string]bool // empty watches every asset
}

func (c *client) wants(e envelope) bool {
	if e.account != "" && e.account != c.account {
		return false
	}
	return len(c.assets) == 0 || c.assets[e.assetID]
}

type envelope struct {
	data    []byte
	assetID string
	account string
}

// Hub fans engine events out to WebSocket clients. It implements
// engine.Listener; publishing never blocks the engine, and a full buffer
// drops the frame.
type Hub struct {
	clients    map[*client]struct{}
	broadcast  chan envelope
	register   chan *client
	unregister chan *client
	done       chan struct{}

	accounts AccountResolver
	upgrader websocket.Upgrader
	logger   *zap.Logger

	connected atomic.Int64
	dropped   atomic.Int64
}

// NewHub creates a hub accepting upgrades from the given origins ("*" for
// any).
func NewHub(accounts AccountResolver, origins []string, logger *zap.Logger) *Hub {
	if accounts == nil {
		accounts = HeaderResolver{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	allowAll := len(origins) == 0 || slices.Contains(origins, "*")
	return &Hub{
		clients:    make(map[*client]struct{}),
		broadcast:  make(chan envelope, 1024),
		register:   make(chan *client),
		unregister: make(chan *client),
		done:       make(chan struct{}),
		accounts:   accounts,
		logger:     logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				origin := r.Header.Get("Origin")
				return allowAll || origin == "" || slices.Contains(origins, origin)
			},
		},
	}
}

// Run owns the client set until ctx is cancelled. Must be called in a
// goroutine.
func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)
	for {
		select {
		case <-ctx.Done():
			for c := range h.clients {
				h.remove(c)
			}
			return

		case c := <-h.register:
			h.clients[c] = struct{}{}
			h.connected.Add(1)
			metrics.WebSocketClients.Inc()
			h.logger.Info("ws client connected",
				zap.String("account_id", c.account),
				zap.Int64("total", h.connected.Load()),
			)

		case c := <-h.unregister:
			if _, ok := h.clients[c]; ok {
				h.remove(c)
			}

		case e := <-h.broadcast:
			for c := range h.clients {
				if !c.wants(e) {
					continue
				}
				select {
				case c.send <- e.data:
				default:
					// Slow consumer; disconnect rather than stall everyone.
					h.remove(c)
				}
			}
		}
	}
}

func (h *Hub) remove(c *client) {
	delete(h.clients, c)
	close(c.send)
	h.connected.Add(-1)
	metrics.WebSocketClients.Dec()
}

// Clients returns the number of connected clients.
func (h *Hub) Clients() int { return int(h.connected.Load()) }

// Dropped returns the number of frames discarded because the hub was busy.
func (h *Hub) Dropped() int64 { return h.dropped.Load() }

// OnFill publishes a trade frame.
func (h *Hub) OnFill(t model.Trade, p model.PricePoint) {
	price, mcap := t.Price, p.MarketCap
	h.publish(envelope{assetID: t.AssetID}, Message{
		Type:      "trade",
		AssetID:   t.AssetID,
		Price:     &price,
		Quantity:  t.Quantity,
		TakerSide: t.TakerSide,
		MarketCap: &mcap,
		Timestamp: t.ExecutedAt,
	})
}

// OnOrder publishes an order update to its owner.
func (h *Hub) OnOrder(o model.Order) {
	h.publish(envelope{assetID: o.AssetID, account: o.AccountID}, Message{
		Type:      "order",
		AssetID:   o.AssetID,
		Timestamp: o.UpdatedAt,
		Order:     &o,
	})
}

func (h *Hub) publish(e envelope, msg Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		h.logger.Error("ws encode failed", zap.String("type", msg.Type), zap.Error(err))
		return
	}
	e.data = data
	select {
	case h.broadcast <- e:
	default:
		h.dropped.Add(1)
	}
}

// ServeWS handles GET /api/v1/ws?assets=a,b. Identified callers also
// receive updates for their own orders.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	account, _ := h.accounts.Resolve(r)
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("ws upgrade failed", zap.Error(err))
		return
	}

	c := &client{conn: conn, send: make(chan []byte, sendBuffer), account: account, assets: map[string]bool{}}
	for _, id := range strings.Split(r.URL.Query().Get("assets"), ",") {
		if id = strings.TrimSpace(id); id != "" {
			c.assets[id] = true
		}
	}

	select {
	case h.register <- c:
	case <-h.done:
		conn.Close()
		return
	}
	go h.writePump(c)
	go h.readPump(c)
}

// readPump detects disconnects and keeps the read deadline fresh.
func (h *Hub) readPump(c *client) {
	defer func() {
		select {
		case h.unregister <- c:
		case <-h.done:
		}
		c.conn.Close()
	}()
	c.conn.SetReadLimit(512)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

// writePump is the only writer on the connection.
func (h *Hub) writePump(c *client) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()
	for {
		select {
		case msg, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
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
