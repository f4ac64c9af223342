// Package poller asks the gateway for the status of orders whose webhooks
// may have been lost and feeds the answers through the reconcile dispatcher.
package poller

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"gozon/payments/internal/gateway"
	"gozon/payments/internal/payment"
	"gozon/payments/internal/reconcile"

	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"
)

// ErrGateway wraps any failure to obtain a status report from the gateway.
var ErrGateway = errors.New("gateway status query failed")

type Dispatcher interface {
	Handle(ctx context.Context, req reconcile.Request) (reconcile.Ack, error)
}

type Options struct {
	Interval   time.Duration
	StaleAfter time.Duration
	BatchSize  int
	// RatePerSecond bounds gateway queries issued by the sweep.
	RatePerSecond float64
	// Timeout bounds one shared query and its dispatch, independent of
	// the callers waiting on it.
	Timeout time.Duration
}

type Poller struct {
	gateway    gateway.Client
	dispatcher Dispatcher
	stale      payment.StaleLister
	limiter    *rate.Limiter
	group      singleflight.Group
	opts       Options
	logger     *slog.Logger
	now        func() time.Time
}

func New(gw gateway.Client, dispatcher Dispatcher, stale payment.StaleLister, opts Options, logger *slog.Logger) *Poller {
	if opts.BatchSize <= 0 {
		opts.BatchSize = 50
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	limit := rate.Inf
	if opts.RatePerSecond > 0 {
		limit = rate.Limit(opts.RatePerSecond)
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &Poller{
		gateway:    gw,
		dispatcher: dispatcher,
		stale:      stale,
		limiter:    rate.NewLimiter(limit, 1),
		opts:       opts,
		logger:     logger,
		now:        time.Now,
	}
}

// Poll queries the gateway for one order and dispatches the answer as a POLL
// event. Concurrent calls for the same reference share one gateway query;
// a caller whose ctx ends stops waiting without cancelling it for the others.
func (p *Poller) Poll(ctx context.Context, reference string) (reconcile.Ack, error) {
	ch := p.group.DoChan(reference, func() (any, error) {
		callCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.opts.Timeout)
		defer cancel()
		return p.poll(callCtx, reference)
	})

	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return "", res.Err
		}
		return res.Val.(reconcile.Ack), nil
	}
}

func (p *Poller) poll(ctx context.Context, reference string) (reconcile.Ack, error) {
	rep, err := p.gateway.QueryStatus(ctx, reference)
	if err != nil {
		return "", fmt.Errorf("%w: %s: %w", ErrGateway, reference, err)
	}

	return p.dispatcher.Handle(ctx, reconcile.Request{
		Source:         reconcile.SourcePoll,
		OrderReference: reference,
		ReportedStatus: rep.Status,
		Payload:        rep.Payload,
		ReceivedAt:     p.now().UTC(),
	})
}

// Run sweeps stale orders every interval until ctx is done. A non-positive
// interval disables the sweep.
func (p *Poller) Run(ctx context.Context) {
	if p.opts.Interval <= 0 || p.stale == nil {
		p.logger.Info("stale order sweep disabled")
		return
	}

	ticker := time.NewTicker(p.opts.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		if err := p.Sweep(ctx); err != nil && ctx.Err() == nil {
			p.logger.Error("stale order sweep failed", "err", err)
		}
	}
}

// Sweep polls every order that has not moved for StaleAfter, one batch at a time.
func (p *Poller) Sweep(ctx context.Context) error {
	cutoff := p.now().Add(-p.opts.StaleAfter)
	orders, err := p.stale.ListStale(ctx, cutoff, p.opts.BatchSize)
	if err != nil {
		return fmt.Errorf("list stale orders: %w", err)
	}

	for _, o := range orders {
		if err := p.limiter.Wait(ctx); err != nil {
			return err
		}

		ack, err := p.Poll(ctx, o.Reference)
		if err != nil {
			p.logger.Warn("poll stale order failed",
				"order_reference", o.Reference, "status", o.Status, "err", err)
			continue
		}
		p.logger.Debug("polled stale order", "order_reference", o.Reference, "result", ack)
	}
	return nil
}
