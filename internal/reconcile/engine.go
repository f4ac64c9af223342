// Package reconcile applies gateway status reports to payment orders.
//
// Webhook pushes and polled query results go through the same Engine, so
// whichever report is processed first wins the transition and the other
// becomes an acknowledged no-op. Concurrent writers are serialized only by the
// store's version check; no lock is held across a reconcile cycle.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"gozon/payments/internal/payment"
	"gozon/payments/internal/signature"
	"gozon/payments/pkg/contracts"

	"github.com/google/uuid"
)

var (
	ErrInvalidSignature         = errors.New("invalid signature")
	ErrUnknownOrder             = errors.New("unknown order")
	ErrUnrecognizedStatus       = errors.New("unrecognized status")
	ErrReconciliationContention = errors.New("reconciliation contention")
)

type Source string

const (
	SourceWebhook Source = "WEBHOOK"
	SourcePoll    Source = "POLL"
)

type Ack string

const (
	AckApplied          Ack = "applied"
	AckDuplicateIgnored Ack = "duplicate_ignored"
	AckTerminalIgnored  Ack = "terminal_ignored"
)

// Event is one status report for one order. It lives for a single dispatch.
type Event struct {
	OrderReference string
	ReportedStatus string
	RawPayload     []byte
	Signature      string
	ReceivedAt     time.Time
	Source         Source

	verified bool
}

type Result struct {
	Ack   Ack
	Order *payment.Order
}

// Notifier is told about every accepted transition exactly once.
type Notifier interface {
	OrderStatusChanged(ctx context.Context, evt contracts.OrderStatusChanged) error
}

// Observer receives engine counters. A nil Observer is allowed.
type Observer interface {
	Dispatched(source Source, result string)
	Retried(source Source)
	Transitioned(from, to payment.Status)
}

type Options struct {
	MaxAttempts int
	BackoffBase time.Duration
	BackoffMax  time.Duration
	Statuses    StatusMap
}

type Engine struct {
	store       payment.Store
	notifier    Notifier
	observer    Observer
	logger      *slog.Logger
	statuses    StatusMap
	maxAttempts int
	backoffBase time.Duration
	backoffMax  time.Duration
	sleep       func(ctx context.Context, d time.Duration) error
}

func NewEngine(store payment.Store, notifier Notifier, observer Observer, logger *slog.Logger, opts Options) (*Engine, error) {
	if opts.Statuses == nil {
		opts.Statuses = DefaultStatuses()
	}
	if err := opts.Statuses.Validate(); err != nil {
		return nil, err
	}
	if opts.MaxAttempts <= 0 {
		return nil, fmt.Errorf("max attempts must be positive, got %d", opts.MaxAttempts)
	}
	if opts.BackoffBase <= 0 || opts.BackoffMax < opts.BackoffBase {
		return nil, fmt.Errorf("invalid backoff bounds %s..%s", opts.BackoffBase, opts.BackoffMax)
	}
	if observer == nil {
		observer = nopObserver{}
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &Engine{
		store:       store,
		notifier:    notifier,
		observer:    observer,
		logger:      logger,
		statuses:    opts.Statuses,
		maxAttempts: opts.MaxAttempts,
		backoffBase: opts.BackoffBase,
		backoffMax:  opts.BackoffMax,
		sleep:       sleepContext,
	}, nil
}

// Reconcile applies evt to its order. Webhook events are refused unless they
// arrived through a Dispatcher that verified their signature.
func (e *Engine) Reconcile(ctx context.Context, evt Event) (Result, error) {
	if evt.Source == SourceWebhook && !evt.verified {
		return Result{}, ErrInvalidSignature
	}

	digest := signature.Digest(evt.RawPayload)

	for attempt := 1; ; attempt++ {
		res, err := e.attempt(ctx, evt, digest)
		if !errors.Is(err, payment.ErrVersionConflict) {
			return res, err
		}

		if attempt >= e.maxAttempts {
			return Result{}, fmt.Errorf("%w: order %s still contended after %d attempts",
				ErrReconciliationContention, evt.OrderReference, attempt)
		}

		e.observer.Retried(evt.Source)
		e.logger.Debug("version conflict, retrying reconcile",
			"order_reference", evt.OrderReference, "source", evt.Source, "attempt", attempt)

		if err := e.sleep(ctx, e.backoff(attempt)); err != nil {
			return Result{}, err
		}
	}
}

func (e *Engine) attempt(ctx context.Context, evt Event, digest string) (Result, error) {
	order, err := e.store.Get(ctx, evt.OrderReference)
	if err != nil {
		if errors.Is(err, payment.ErrNotFound) {
			return Result{}, fmt.Errorf("%w: %s", ErrUnknownOrder, evt.OrderReference)
		}
		return Result{}, fmt.Errorf("load order %s: %w", evt.OrderReference, err)
	}

	// A redelivery of the payload that was last applied is reported as a
	// duplicate even when that payload made the order terminal.
	if order.LastEventSignature != "" && order.LastEventSignature == digest {
		return Result{Ack: AckDuplicateIgnored, Order: order}, nil
	}

	if order.Status.Terminal() {
		return Result{Ack: AckTerminalIgnored, Order: order}, nil
	}

	target, ok := e.statuses.Lookup(evt.ReportedStatus)
	if !ok {
		return Result{}, fmt.Errorf("%w: %q", ErrUnrecognizedStatus, evt.ReportedStatus)
	}

	// Only CREATED and PENDING reach this point and CREATED is never a target,
	// so any target other than the current status is a forward edge. Skipping
	// PENDING is accepted because the gateway is authoritative.
	if target == order.Status {
		return Result{Ack: AckDuplicateIgnored, Order: order}, nil
	}

	t := payment.Transition{
		EventID:         uuid.NewString(),
		Reference:       order.Reference,
		ExpectedVersion: order.StatusVersion,
		From:            order.Status,
		To:              target,
		EventSignature:  digest,
		Source:          string(evt.Source),
	}
	updated, err := e.store.ApplyTransition(ctx, t)
	if err != nil {
		if errors.Is(err, payment.ErrVersionConflict) {
			return Result{}, err
		}
		return Result{}, fmt.Errorf("apply transition %s %s->%s: %w", order.Reference, t.From, t.To, err)
	}

	e.observer.Transitioned(t.From, t.To)
	e.logger.Info("payment order transitioned",
		"order_reference", updated.Reference,
		"from", t.From,
		"to", updated.Status,
		"status_version", updated.StatusVersion,
		"source", evt.Source,
	)

	if e.notifier != nil {
		if err := e.notifier.OrderStatusChanged(ctx, payment.StatusChanged(t, updated)); err != nil {
			e.logger.Error("notify order status changed",
				"order_reference", updated.Reference, "event_id", t.EventID, "err", err)
		}
	}

	return Result{Ack: AckApplied, Order: updated}, nil
}

func (e *Engine) backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	if attempt > 16 {
		attempt = 16
	}
	return min(e.backoffBase*time.Duration(1<<(attempt-1)), e.backoffMax)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

type nopObserver struct{}

func (nopObserver) Dispatched(Source, string)                   {}
func (nopObserver) Retried(Source)                              {}
func (nopObserver) Transitioned(payment.Status, payment.Status) {}
