package payment

import (
	"context"
	"errors"
	"time"
)

var (
	ErrNotFound        = errors.New("payment order not found")
	ErrConflict        = errors.New("payment order already exists")
	ErrVersionConflict = errors.New("payment order version conflict")
)

// Store persists payment orders keyed by gateway order reference.
//
// ApplyTransition must be atomic: it sets the status and event signature and
// increments StatusVersion only when the stored version equals
// t.ExpectedVersion, failing with ErrVersionConflict otherwise.
type Store interface {
	Get(ctx context.Context, reference string) (*Order, error)
	CreateIfAbsent(ctx context.Context, o *Order) (*Order, error)
	ApplyTransition(ctx context.Context, t Transition) (*Order, error)
}

// StaleLister finds non-terminal orders that have not moved since a cutoff.
type StaleLister interface {
	ListStale(ctx context.Context, updatedBefore time.Time, limit int) ([]Order, error)
}
