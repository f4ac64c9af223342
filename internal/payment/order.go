package payment

import (
	"time"

	"gozon/payments/pkg/contracts"
)

type Status string

const (
	StatusCreated   Status = "CREATED"
	StatusPending   Status = "PENDING"
	StatusPaid      Status = "PAID"
	StatusCancelled Status = "CANCELLED"
	StatusExpired   Status = "EXPIRED"
	StatusFailed    Status = "FAILED"
)

// Terminal reports whether no further transition may leave s.
func (s Status) Terminal() bool {
	switch s {
	case StatusPaid, StatusCancelled, StatusExpired, StatusFailed:
		return true
	}
	return false
}

func (s Status) Valid() bool {
	return s == StatusCreated || s == StatusPending || s.Terminal()
}

type Amount struct {
	Value    int64  `json:"value"`
	Currency string `json:"currency"`
}

type Order struct {
	Reference          string    `json:"order_reference"`
	InternalID         string    `json:"internal_id"`
	Amount             Amount    `json:"amount"`
	Status             Status    `json:"status"`
	StatusVersion      int64     `json:"status_version"`
	LastEventSignature string    `json:"-"`
	CreatedAt          time.Time `json:"created_at"`
	UpdatedAt          time.Time `json:"updated_at"`
}

// NewOrder returns an order in its initial state, ready for CreateIfAbsent.
func NewOrder(reference, internalID string, amount Amount, now time.Time) *Order {
	now = now.UTC()
	return &Order{
		Reference:  reference,
		InternalID: internalID,
		Amount:     amount,
		Status:     StatusCreated,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
}

// Transition is a conditional status update keyed on the version the caller read.
type Transition struct {
	EventID         string
	Reference       string
	ExpectedVersion int64
	From            Status
	To              Status
	EventSignature  string
	Source          string
}

// StatusChanged builds the event announcing t as applied to o.
func StatusChanged(t Transition, o *Order) contracts.OrderStatusChanged {
	return contracts.OrderStatusChanged{
		EventID:        t.EventID,
		OrderReference: o.Reference,
		InternalID:     o.InternalID,
		OldStatus:      string(t.From),
		NewStatus:      string(o.Status),
		StatusVersion:  o.StatusVersion,
		Source:         t.Source,
		OccurredAt:     o.UpdatedAt,
	}
}
