package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"gozon/payments/internal/signature"
)

// Request is a raw status report as received from the webhook channel or
// read back from a gateway status query.
type Request struct {
	Source         Source
	OrderReference string
	ReportedStatus string
	// Payload is the canonical form of the reported data; webhook signatures
	// are computed over exactly these bytes.
	Payload    []byte
	Signature  string
	ReceivedAt time.Time
}

// Dispatcher is the single entry point for status reports. Unauthenticated
// webhook input is rejected before the order store is consulted.
type Dispatcher struct {
	engine *Engine
	secret []byte
	logger *slog.Logger
	now    func() time.Time
}

func NewDispatcher(engine *Engine, checksumKey []byte, logger *slog.Logger) (*Dispatcher, error) {
	if len(checksumKey) == 0 {
		return nil, errors.New("checksum key is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	key := make([]byte, len(checksumKey))
	copy(key, checksumKey)

	return &Dispatcher{
		engine: engine,
		secret: key,
		logger: logger,
		now:    time.Now,
	}, nil
}

func (d *Dispatcher) Handle(ctx context.Context, req Request) (Ack, error) {
	res, err := d.dispatch(ctx, req)
	if err != nil {
		d.engine.observer.Dispatched(req.Source, Kind(err))
		return "", err
	}
	d.engine.observer.Dispatched(req.Source, string(res.Ack))
	return res.Ack, nil
}

func (d *Dispatcher) dispatch(ctx context.Context, req Request) (Result, error) {
	evt := Event{
		OrderReference: req.OrderReference,
		ReportedStatus: req.ReportedStatus,
		RawPayload:     req.Payload,
		Signature:      req.Signature,
		ReceivedAt:     req.ReceivedAt,
		Source:         req.Source,
	}
	if evt.ReceivedAt.IsZero() {
		evt.ReceivedAt = d.now().UTC()
	}

	switch req.Source {
	case SourceWebhook:
		if !signature.Verify(req.Payload, req.Signature, d.secret) {
			return Result{}, ErrInvalidSignature
		}
		evt.verified = true
	case SourcePoll:
	default:
		return Result{}, fmt.Errorf("unsupported source %q", req.Source)
	}

	if evt.OrderReference == "" {
		return Result{}, fmt.Errorf("%w: empty order reference", ErrUnknownOrder)
	}

	return d.engine.Reconcile(ctx, evt)
}

// Kind names the category of a dispatch error for metrics and logs.
func Kind(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrInvalidSignature):
		return "invalid_signature"
	case errors.Is(err, ErrUnknownOrder):
		return "unknown_order"
	case errors.Is(err, ErrUnrecognizedStatus):
		return "unrecognized_status"
	case errors.Is(err, ErrReconciliationContention):
		return "contention"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "cancelled"
	default:
		return "internal"
	}
}
