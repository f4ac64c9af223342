package poller

import (
	"context"
	"encoding/json"
	"errors"

	"gozon/payments/internal/gateway"
	"gozon/payments/internal/reconcile"
	"gozon/payments/pkg/contracts"

	"github.com/rabbitmq/amqp091-go"
)

// Delivery is the subset of an AMQP delivery the request handler settles.
type Delivery interface {
	Ack(multiple bool) error
	Nack(multiple, requeue bool) error
}

// HandleDelivery is the consumer callback for ReconcileRequested messages.
func (p *Poller) HandleDelivery(ctx context.Context, msg amqp091.Delivery) {
	p.handleRequest(ctx, msg.Body, &msg)
}

func (p *Poller) handleRequest(ctx context.Context, body []byte, d Delivery) {
	var req contracts.ReconcileRequested
	if err := json.Unmarshal(body, &req); err != nil || req.OrderReference == "" {
		p.logger.Error("drop malformed reconcile request", "err", err)
		_ = d.Ack(false)
		return
	}

	ack, err := p.Poll(ctx, req.OrderReference)
	switch {
	case err == nil:
		p.logger.Info("reconcile request handled",
			"order_reference", req.OrderReference, "requested_by", req.RequestedBy, "result", ack)
		_ = d.Ack(false)
	case permanent(err):
		p.logger.Warn("reconcile request rejected",
			"order_reference", req.OrderReference, "err", err)
		_ = d.Ack(false)
	default:
		p.logger.Error("reconcile request failed, requeueing",
			"order_reference", req.OrderReference, "err", err)
		_ = d.Nack(false, true)
	}
}

// permanent reports whether redelivering the request cannot change the outcome.
func permanent(err error) bool {
	return errors.Is(err, reconcile.ErrUnknownOrder) ||
		errors.Is(err, reconcile.ErrUnrecognizedStatus) ||
		errors.Is(err, gateway.ErrGatewayRejected)
}
