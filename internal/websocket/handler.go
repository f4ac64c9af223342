package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"gozon/payments/internal/payment"

	gw "github.com/gorilla/websocket"
)

type Conn = gw.Conn

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = pongWait * 9 / 10
)

var upgrader = gw.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

type OrderReader interface {
	Get(ctx context.Context, reference string) (*payment.Order, error)
}

type Handler struct {
	hub    *Hub
	orders OrderReader
	logger *slog.Logger
}

func NewHandler(hub *Hub, orders OrderReader, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{hub: hub, orders: orders, logger: logger}
}

// ServeWS streams status updates for the order named by the {reference}
// path value, starting with its current state. The state is read after the
// client has joined the hub, so no transition falls between the two.
func (h *Handler) ServeWS(w http.ResponseWriter, r *http.Request) {
	reference := r.PathValue("reference")

	o, err := h.orders.Get(r.Context(), reference)
	if err != nil {
		if errors.Is(err, payment.ErrNotFound) {
			http.Error(w, "unknown order", http.StatusNotFound)
			return
		}
		h.logger.Error("load order for websocket", "order_reference", reference, "err", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Debug("websocket upgrade failed", "err", err)
		return
	}

	client := &Client{
		hub:       h.hub,
		conn:      conn,
		send:      make(chan []byte, 16),
		reference: reference,
	}

	if !h.hub.join(r.Context(), client) {
		_ = conn.Close()
		return
	}
	go client.writePump()
	go client.readPump()

	if current, err := h.orders.Get(r.Context(), reference); err == nil {
		o = current
	} else {
		h.logger.Warn("reload order for websocket snapshot", "order_reference", reference, "err", err)
	}
	snapshot, _ := json.Marshal(StatusUpdate{
		OrderReference: o.Reference,
		Status:         string(o.Status),
		StatusVersion:  o.StatusVersion,
		UpdatedAt:      o.UpdatedAt,
	})
	h.hub.deliver(r.Context(), client, snapshot)
}

func (c *Client) readPump() {
	defer func() {
		c.hub.leave(c)
		_ = c.conn.Close()
	}()

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

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(gw.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(gw.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(gw.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
