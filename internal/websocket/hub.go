// Package websocket streams order status changes to browser clients.
package websocket

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"gozon/payments/pkg/contracts"
)

type StatusUpdate struct {
	OrderReference string    `json:"order_reference"`
	Status         string    `json:"status"`
	StatusVersion  int64     `json:"status_version"`
	UpdatedAt      time.Time `json:"updated_at"`
}

type Client struct {
	hub       *Hub
	conn      *Conn
	send      chan []byte
	reference string
}

type directMessage struct {
	client *Client
	msg    []byte
}

// Hub fans status updates out to the clients watching each order reference.
// All client bookkeeping happens on the Run goroutine.
type Hub struct {
	register   chan *Client
	unregister chan *Client
	broadcast  chan StatusUpdate
	direct     chan directMessage
	done       chan struct{}
	clients    map[string]map[*Client]bool
	logger     *slog.Logger
}

func NewHub(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		register:   make(chan *Client),
		unregister: make(chan *Client),
		broadcast:  make(chan StatusUpdate, 64),
		direct:     make(chan directMessage),
		done:       make(chan struct{}),
		clients:    make(map[string]map[*Client]bool),
		logger:     logger,
	}
}

func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)

	for {
		select {
		case c := <-h.register:
			set, ok := h.clients[c.reference]
			if !ok {
				set = make(map[*Client]bool)
				h.clients[c.reference] = set
			}
			set[c] = true
		case c := <-h.unregister:
			h.drop(c)
		case upd := <-h.broadcast:
			msg, err := json.Marshal(upd)
			if err != nil {
				h.logger.Error("marshal status update", "err", err)
				continue
			}
			for c := range h.clients[upd.OrderReference] {
				select {
				case c.send <- msg:
				default:
					// Slow reader; its pumps exit once send is closed.
					h.drop(c)
				}
			}
		case d := <-h.direct:
			if !h.clients[d.client.reference][d.client] {
				continue
			}
			select {
			case d.client.send <- d.msg:
			default:
				h.drop(d.client)
			}
		case <-ctx.Done():
			for _, set := range h.clients {
				for c := range set {
					close(c.send)
				}
			}
			h.clients = map[string]map[*Client]bool{}
			return
		}
	}
}

func (h *Hub) drop(c *Client) {
	set, ok := h.clients[c.reference]
	if !ok {
		return
	}
	if _, exists := set[c]; exists {
		delete(set, c)
		close(c.send)
	}
	if len(set) == 0 {
		delete(h.clients, c.reference)
	}
}

// Broadcast queues u for delivery. It never blocks the caller for long: the
// update is dropped if the hub has stopped or the context ends first.
func (h *Hub) Broadcast(ctx context.Context, u StatusUpdate) {
	select {
	case h.broadcast <- u:
	case <-h.done:
	case <-ctx.Done():
	}
}

// OrderStatusChanged makes the hub a reconcile notifier.
func (h *Hub) OrderStatusChanged(ctx context.Context, evt contracts.OrderStatusChanged) error {
	h.Broadcast(ctx, StatusUpdate{
		OrderReference: evt.OrderReference,
		Status:         evt.NewStatus,
		StatusVersion:  evt.StatusVersion,
		UpdatedAt:      evt.OccurredAt,
	})
	return nil
}

func (h *Hub) join(ctx context.Context, c *Client) bool {
	select {
	case h.register <- c:
		return true
	case <-h.done:
		return false
	case <-ctx.Done():
		return false
	}
}

// deliver queues msg for c alone, if c is still registered.
func (h *Hub) deliver(ctx context.Context, c *Client, msg []byte) {
	select {
	case h.direct <- directMessage{client: c, msg: msg}:
	case <-h.done:
	case <-ctx.Done():
	}
}

func (h *Hub) leave(c *Client) {
	select {
	case h.unregister <- c:
	case <-h.done:
	}
}
