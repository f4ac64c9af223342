package payment_test

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gozon/payments/internal/payment"
)

func newOrder(ref string) *payment.Order {
	return payment.NewOrder(ref, "inv-"+ref, payment.Amount{Value: 10000, Currency: "VND"}, time.Now())
}

func TestMemoryStore_CreateIfAbsent(t *testing.T) {
	ctx := context.Background()
	store := payment.NewMemoryStore()

	created, err := store.CreateIfAbsent(ctx, newOrder("ORD1"))
	require.NoError(t, err)
	assert.Equal(t, payment.StatusCreated, created.Status)
	assert.Equal(t, int64(0), created.StatusVersion)

	_, err = store.CreateIfAbsent(ctx, newOrder("ORD1"))
	assert.ErrorIs(t, err, payment.ErrConflict)
}

func TestMemoryStore_GetUnknown(t *testing.T) {
	_, err := payment.NewMemoryStore().Get(context.Background(), "missing")
	assert.ErrorIs(t, err, payment.ErrNotFound)
}

func TestMemoryStore_ApplyTransitionChecksVersion(t *testing.T) {
	ctx := context.Background()
	store := payment.NewMemoryStore()
	created, err := store.CreateIfAbsent(ctx, newOrder("ORD1"))
	require.NoError(t, err)

	updated, err := store.ApplyTransition(ctx, payment.Transition{
		Reference:       "ORD1",
		ExpectedVersion: 0,
		From:            payment.StatusCreated,
		To:              payment.StatusPending,
		EventSignature:  "digest-1",
	})
	require.NoError(t, err)
	assert.Equal(t, payment.StatusPending, updated.Status)
	assert.Equal(t, int64(1), updated.StatusVersion)
	assert.Equal(t, "digest-1", updated.LastEventSignature)
	assert.False(t, updated.UpdatedAt.Before(created.UpdatedAt))

	_, err = store.ApplyTransition(ctx, payment.Transition{
		Reference:       "ORD1",
		ExpectedVersion: 0,
		To:              payment.StatusPaid,
	})
	assert.ErrorIs(t, err, payment.ErrVersionConflict)

	got, err := store.Get(ctx, "ORD1")
	require.NoError(t, err)
	assert.Equal(t, payment.StatusPending, got.Status)
}

func TestMemoryStore_OnlyOneWriterWinsAVersion(t *testing.T) {
	ctx := context.Background()
	store := payment.NewMemoryStore()
	_, err := store.CreateIfAbsent(ctx, newOrder("ORD1"))
	require.NoError(t, err)

	var wins atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := store.ApplyTransition(ctx, payment.Transition{
				Reference:       "ORD1",
				ExpectedVersion: 0,
				To:              payment.StatusPaid,
			})
			if err == nil {
				wins.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), wins.Load())
}

func TestMemoryStore_ListStaleSkipsTerminalOrders(t *testing.T) {
	ctx := context.Background()
	store := payment.NewMemoryStore()
	for _, ref := range []string{"A", "B", "C"} {
		_, err := store.CreateIfAbsent(ctx, newOrder(ref))
		require.NoError(t, err)
	}
	_, err := store.ApplyTransition(ctx, payment.Transition{Reference: "B", To: payment.StatusPaid})
	require.NoError(t, err)

	stale, err := store.ListStale(ctx, time.Now().Add(time.Minute), 10)
	require.NoError(t, err)

	refs := make([]string, 0, len(stale))
	for _, o := range stale {
		refs = append(refs, o.Reference)
	}
	assert.ElementsMatch(t, []string{"A", "C"}, refs)

	limited, err := store.ListStale(ctx, time.Now().Add(time.Minute), 1)
	require.NoError(t, err)
	assert.Len(t, limited, 1)
}

func TestStatus_Terminal(t *testing.T) {
	assert.False(t, payment.StatusCreated.Terminal())
	assert.False(t, payment.StatusPending.Terminal())
	for _, s := range []payment.Status{payment.StatusPaid, payment.StatusCancelled, payment.StatusExpired, payment.StatusFailed} {
		assert.True(t, s.Terminal(), s)
		assert.True(t, s.Valid(), s)
	}
	assert.False(t, payment.Status("REFUNDED").Valid())
}
