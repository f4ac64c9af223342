package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"gozon/payments/internal/reconcile"
	"gozon/payments/pkg/contracts"
	"gozon/payments/pkg/messaging"
)

// fanout delivers each status change to every notifier, even when one fails.
type fanout []reconcile.Notifier

func (f fanout) OrderStatusChanged(ctx context.Context, evt contracts.OrderStatusChanged) error {
	var errs []error
	for _, n := range f {
		if err := n.OrderStatusChanged(ctx, evt); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// publishNotifier sends status changes straight to the broker. It is only
// used with the in-memory store, which has no outbox.
type publishNotifier struct {
	publisher messaging.Publisher
}

func (p publishNotifier) OrderStatusChanged(ctx context.Context, evt contracts.OrderStatusChanged) error {
	body, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	if err := p.publisher.Publish(ctx, contracts.EventOrderStatusChanged, body); err != nil {
		return fmt.Errorf("publish %s: %w", evt.EventID, err)
	}
	return nil
}
