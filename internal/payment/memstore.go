package payment

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-process Store used for local runs and tests.
type MemoryStore struct {
	mu     sync.RWMutex
	orders map[string]Order
	now    func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		orders: make(map[string]Order),
		now:    time.Now,
	}
}

func (s *MemoryStore) Get(_ context.Context, reference string) (*Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	o, ok := s.orders[reference]
	if !ok {
		return nil, ErrNotFound
	}
	return &o, nil
}

func (s *MemoryStore) CreateIfAbsent(_ context.Context, o *Order) (*Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.orders[o.Reference]; exists {
		return nil, ErrConflict
	}

	stored := *o
	stored.Status = StatusCreated
	stored.StatusVersion = 0
	stored.LastEventSignature = ""
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = s.now().UTC()
	}
	stored.UpdatedAt = stored.CreatedAt
	s.orders[o.Reference] = stored

	return &stored, nil
}

func (s *MemoryStore) ApplyTransition(ctx context.Context, t Transition) (*Order, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	o, ok := s.orders[t.Reference]
	if !ok {
		return nil, ErrNotFound
	}
	if o.StatusVersion != t.ExpectedVersion {
		return nil, ErrVersionConflict
	}

	o.Status = t.To
	o.StatusVersion++
	o.LastEventSignature = t.EventSignature
	o.UpdatedAt = s.now().UTC()
	s.orders[t.Reference] = o

	return &o, nil
}

func (s *MemoryStore) ListStale(_ context.Context, updatedBefore time.Time, limit int) ([]Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var stale []Order
	for _, o := range s.orders {
		if !o.Status.Terminal() && o.UpdatedAt.Before(updatedBefore) {
			stale = append(stale, o)
		}
	}
	sort.Slice(stale, func(i, j int) bool {
		return stale[i].UpdatedAt.Before(stale[j].UpdatedAt)
	})
	if limit > 0 && len(stale) > limit {
		stale = stale[:limit]
	}
	return stale, nil
}
