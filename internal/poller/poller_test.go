package poller

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"gozon/payments/internal/gateway"
	"gozon/payments/internal/payment"
	"gozon/payments/internal/reconcile"
	"gozon/payments/pkg/contracts"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeGateway struct {
	mu       sync.Mutex
	statuses map[string]string
	err      error
	calls    atomic.Int32
	entered  chan struct{}
	release  chan struct{}
}

func (g *fakeGateway) CreateOrder(context.Context, gateway.CreateOrderRequest) (*gateway.CheckoutLink, error) {
	return nil, errors.New("not used")
}

func (g *fakeGateway) QueryStatus(ctx context.Context, reference string) (*gateway.StatusReport, error) {
	g.calls.Add(1)
	if g.entered != nil {
		g.entered <- struct{}{}
	}
	if g.release != nil {
		select {
		case <-g.release:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if g.err != nil {
		return nil, g.err
	}

	g.mu.Lock()
	status := g.statuses[reference]
	g.mu.Unlock()

	return &gateway.StatusReport{
		OrderReference: reference,
		Status:         status,
		Payload:        []byte(fmt.Sprintf("orderCode=%s&status=%s", reference, status)),
	}, nil
}

type fakeDelivery struct {
	acked   bool
	nacked  bool
	requeue bool
}

func (d *fakeDelivery) Ack(bool) error {
	d.acked = true
	return nil
}

func (d *fakeDelivery) Nack(_, requeue bool) error {
	d.nacked = true
	d.requeue = requeue
	return nil
}

func newTestPoller(t *testing.T, gw *fakeGateway, opts Options) (*Poller, *payment.MemoryStore) {
	t.Helper()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	store := payment.NewMemoryStore()
	engine, err := reconcile.NewEngine(store, nil, nil, logger, reconcile.Options{
		MaxAttempts: 3,
		BackoffBase: time.Millisecond,
		BackoffMax:  5 * time.Millisecond,
	})
	require.NoError(t, err)
	dispatcher, err := reconcile.NewDispatcher(engine, []byte("key"), logger)
	require.NoError(t, err)

	return New(gw, dispatcher, store, opts, logger), store
}

func seed(t *testing.T, store *payment.MemoryStore, refs ...string) {
	t.Helper()
	for _, ref := range refs {
		_, err := store.CreateIfAbsent(context.Background(),
			payment.NewOrder(ref, "int-"+ref, payment.Amount{Value: 100, Currency: "VND"}, time.Now().Add(-time.Hour)))
		require.NoError(t, err)
	}
}

func TestPollAppliesGatewayStatus(t *testing.T) {
	gw := &fakeGateway{statuses: map[string]string{"1": "PAID"}}
	p, store := newTestPoller(t, gw, Options{})
	seed(t, store, "1")

	ack, err := p.Poll(context.Background(), "1")
	require.NoError(t, err)
	assert.Equal(t, reconcile.AckApplied, ack)

	o, err := store.Get(context.Background(), "1")
	require.NoError(t, err)
	assert.Equal(t, payment.StatusPaid, o.Status)

	ack, err = p.Poll(context.Background(), "1")
	require.NoError(t, err)
	assert.Equal(t, reconcile.AckDuplicateIgnored, ack)
}

func TestPollWrapsGatewayErrors(t *testing.T) {
	gw := &fakeGateway{err: errors.New("connection refused")}
	p, store := newTestPoller(t, gw, Options{})
	seed(t, store, "1")

	_, err := p.Poll(context.Background(), "1")
	require.ErrorIs(t, err, ErrGateway)
}

func TestConcurrentPollsShareOneGatewayCall(t *testing.T) {
	gw := &fakeGateway{
		statuses: map[string]string{"1": "PENDING"},
		entered:  make(chan struct{}, 8),
		release:  make(chan struct{}),
	}
	p, store := newTestPoller(t, gw, Options{})
	seed(t, store, "1")

	const callers = 8
	var wg sync.WaitGroup
	acks := make([]reconcile.Ack, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ack, err := p.Poll(context.Background(), "1")
			assert.NoError(t, err)
			acks[i] = ack
		}(i)
	}

	<-gw.entered
	time.Sleep(100 * time.Millisecond)
	close(gw.release)
	wg.Wait()

	assert.EqualValues(t, 1, gw.calls.Load())
	for _, ack := range acks {
		assert.Equal(t, reconcile.AckApplied, ack)
	}
}

func TestPollOutlivesCancelledCaller(t *testing.T) {
	gw := &fakeGateway{
		statuses: map[string]string{"1": "PAID"},
		entered:  make(chan struct{}, 2),
		release:  make(chan struct{}),
	}
	p, store := newTestPoller(t, gw, Options{})
	seed(t, store, "1")

	first, cancel := context.WithCancel(context.Background())
	firstErr := make(chan error, 1)
	go func() {
		_, err := p.Poll(first, "1")
		firstErr <- err
	}()
	<-gw.entered

	second := make(chan reconcile.Ack, 1)
	go func() {
		ack, err := p.Poll(context.Background(), "1")
		assert.NoError(t, err)
		second <- ack
	}()
	time.Sleep(100 * time.Millisecond)

	cancel()
	require.ErrorIs(t, <-firstErr, context.Canceled)

	close(gw.release)
	assert.Equal(t, reconcile.AckApplied, <-second)
	assert.EqualValues(t, 1, gw.calls.Load())

	o, err := store.Get(context.Background(), "1")
	require.NoError(t, err)
	assert.Equal(t, payment.StatusPaid, o.Status)
}

func TestSweepPollsStaleOrders(t *testing.T) {
	gw := &fakeGateway{statuses: map[string]string{"1": "PAID", "2": "EXPIRED", "3": "BOGUS"}}
	p, store := newTestPoller(t, gw, Options{StaleAfter: time.Minute, BatchSize: 10, RatePerSecond: 1000})
	seed(t, store, "1", "2", "3")

	require.NoError(t, p.Sweep(context.Background()))
	assert.EqualValues(t, 3, gw.calls.Load())

	for ref, want := range map[string]payment.Status{"1": payment.StatusPaid, "2": payment.StatusExpired, "3": payment.StatusCreated} {
		o, err := store.Get(context.Background(), ref)
		require.NoError(t, err)
		assert.Equal(t, want, o.Status, ref)
	}

	gw.calls.Store(0)
	require.NoError(t, p.Sweep(context.Background()))
	assert.EqualValues(t, 1, gw.calls.Load(), "only the unresolved order is still stale")
}

func TestRunReturnsWhenDisabled(t *testing.T) {
	p, _ := newTestPoller(t, &fakeGateway{}, Options{})

	done := make(chan struct{})
	go func() {
		p.Run(context.Background())
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return with a zero interval")
	}
}

func TestHandleRequestSettlesDeliveries(t *testing.T) {
	body := func(ref string) []byte {
		b, _ := json.Marshal(contracts.ReconcileRequested{EventID: "e", OrderReference: ref, RequestedAt: time.Now()})
		return b
	}

	t.Run("applied", func(t *testing.T) {
		p, store := newTestPoller(t, &fakeGateway{statuses: map[string]string{"1": "PAID"}}, Options{})
		seed(t, store, "1")

		d := &fakeDelivery{}
		p.handleRequest(context.Background(), body("1"), d)
		assert.True(t, d.acked)
	})

	t.Run("unknown order is acked", func(t *testing.T) {
		p, _ := newTestPoller(t, &fakeGateway{statuses: map[string]string{"9": "PAID"}}, Options{})

		d := &fakeDelivery{}
		p.handleRequest(context.Background(), body("9"), d)
		assert.True(t, d.acked)
		assert.False(t, d.nacked)
	})

	t.Run("malformed is acked", func(t *testing.T) {
		p, _ := newTestPoller(t, &fakeGateway{}, Options{})

		d := &fakeDelivery{}
		p.handleRequest(context.Background(), []byte("{"), d)
		assert.True(t, d.acked)
	})

	t.Run("gateway outage is requeued", func(t *testing.T) {
		p, store := newTestPoller(t, &fakeGateway{err: errors.New("timeout")}, Options{})
		seed(t, store, "1")

		d := &fakeDelivery{}
		p.handleRequest(context.Background(), body("1"), d)
		assert.True(t, d.nacked)
		assert.True(t, d.requeue)
	})

	t.Run("gateway rejection is acked", func(t *testing.T) {
		p, store := newTestPoller(t, &fakeGateway{err: fmt.Errorf("%w: code 101", gateway.ErrGatewayRejected)}, Options{})
		seed(t, store, "1")

		d := &fakeDelivery{}
		p.handleRequest(context.Background(), body("1"), d)
		assert.True(t, d.acked)
	})
}
