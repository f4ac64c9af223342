// Package checkout registers new payment orders with the gateway and the
// order store.
package checkout

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"gozon/payments/internal/gateway"
	"gozon/payments/internal/payment"

	"github.com/google/uuid"
)

var (
	ErrInvalidRequest = errors.New("invalid checkout request")
	ErrGateway        = errors.New("gateway order creation failed")
)

type CreateRequest struct {
	InternalID  string `json:"internal_id"`
	Amount      int64  `json:"amount"`
	Currency    string `json:"currency"`
	Description string `json:"description"`
}

type Result struct {
	Order    *payment.Order        `json:"order"`
	Checkout *gateway.CheckoutLink `json:"checkout"`
}

type URLs struct {
	Return string
	Cancel string
}

type Service struct {
	gateway gateway.Client
	store   payment.Store
	urls    URLs
	logger  *slog.Logger
	now     func() time.Time
	newCode func() (string, error)
}

func NewService(gw gateway.Client, store payment.Store, urls URLs, logger *slog.Logger) *Service {
	return &Service{
		gateway: gw,
		store:   store,
		urls:    urls,
		logger:  logger,
		now:     time.Now,
		newCode: randomOrderCode,
	}
}

// Create registers the order with the gateway and then records it locally in
// CREATED before returning, so a webhook can never precede the local row.
func (s *Service) Create(ctx context.Context, req CreateRequest) (*Result, error) {
	req.InternalID = strings.TrimSpace(req.InternalID)
	req.Currency = strings.ToUpper(strings.TrimSpace(req.Currency))
	switch {
	case req.InternalID == "":
		return nil, fmt.Errorf("%w: internal id is required", ErrInvalidRequest)
	case req.Amount <= 0:
		return nil, fmt.Errorf("%w: amount must be positive", ErrInvalidRequest)
	case req.Currency == "":
		return nil, fmt.Errorf("%w: currency is required", ErrInvalidRequest)
	case strings.Contains(req.Description, "&"):
		return nil, fmt.Errorf("%w: description must not contain '&'", ErrInvalidRequest)
	}
	if req.Description == "" {
		req.Description = req.InternalID
	}

	ref, err := s.newCode()
	if err != nil {
		return nil, fmt.Errorf("generate order reference: %w", err)
	}

	link, err := s.gateway.CreateOrder(ctx, gateway.CreateOrderRequest{
		OrderReference: ref,
		Amount:         req.Amount,
		Description:    req.Description,
		ReturnURL:      s.urls.Return,
		CancelURL:      s.urls.Cancel,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrGateway, err)
	}

	order, err := s.store.CreateIfAbsent(ctx,
		payment.NewOrder(ref, req.InternalID, payment.Amount{Value: req.Amount, Currency: req.Currency}, s.now()))
	if err != nil {
		return nil, fmt.Errorf("record payment order %s: %w", ref, err)
	}

	s.logger.Info("payment order created",
		"order_reference", order.Reference,
		"internal_id", order.InternalID,
		"amount", order.Amount.Value,
		"currency", order.Amount.Currency,
	)

	return &Result{Order: order, Checkout: link}, nil
}

// randomOrderCode draws a positive reference no larger than 2^53, the largest integer
// the gateway's JSON clients round-trip exactly.
func randomOrderCode() (string, error) {
	id, err := uuid.NewRandom()
	if err != nil {
		return "", err
	}
	n := binary.BigEndian.Uint64(id[:8]) >> 11
	return strconv.FormatUint(n+1, 10), nil
}
