package websocket

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"gozon/payments/internal/payment"
	"gozon/payments/pkg/contracts"

	gw "github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestHubDeliversOnlyToWatchers(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	hub := NewHub(testLogger())
	go hub.Run(ctx)

	watcher := &Client{hub: hub, send: make(chan []byte, 4), reference: "A"}
	other := &Client{hub: hub, send: make(chan []byte, 4), reference: "B"}
	require.True(t, hub.join(ctx, watcher))
	require.True(t, hub.join(ctx, other))

	require.NoError(t, hub.OrderStatusChanged(ctx, contracts.OrderStatusChanged{
		OrderReference: "A",
		NewStatus:      "PAID",
		StatusVersion:  2,
	}))

	select {
	case msg := <-watcher.send:
		var upd StatusUpdate
		require.NoError(t, json.Unmarshal(msg, &upd))
		assert.Equal(t, "A", upd.OrderReference)
		assert.Equal(t, "PAID", upd.Status)
		assert.EqualValues(t, 2, upd.StatusVersion)
	case <-time.After(time.Second):
		t.Fatal("watcher got no update")
	}

	select {
	case <-other.send:
		t.Fatal("update leaked to another order")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestHubClosesClientsOnShutdown(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())

	hub := NewHub(testLogger())
	go hub.Run(ctx)

	c := &Client{hub: hub, send: make(chan []byte, 1), reference: "A"}
	require.True(t, hub.join(context.Background(), c))
	cancel()

	select {
	case _, ok := <-c.send:
		assert.False(t, ok)
	case <-time.After(time.Second):
		t.Fatal("send channel not closed")
	}

	// Broadcasting to a stopped hub returns instead of blocking.
	done := make(chan struct{})
	go func() {
		for i := 0; i < 100; i++ {
			hub.Broadcast(context.Background(), StatusUpdate{OrderReference: "A"})
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("broadcast blocked after shutdown")
	}
}

func TestServeWSStreamsSnapshotAndUpdates(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store := payment.NewMemoryStore()
	_, err := store.CreateIfAbsent(ctx, payment.NewOrder("42", "int-42", payment.Amount{Value: 10, Currency: "VND"}, time.Now()))
	require.NoError(t, err)

	hub := NewHub(testLogger())
	go hub.Run(ctx)

	mux := http.NewServeMux()
	mux.HandleFunc("GET /payments/{reference}/ws", NewHandler(hub, store, testLogger()).ServeWS)
	srv := httptest.NewServer(mux)
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/payments/42/ws"
	conn, _, err := gw.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	var snap StatusUpdate
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	require.NoError(t, conn.ReadJSON(&snap))
	assert.Equal(t, "CREATED", snap.Status)

	// The snapshot is only written once the client has joined the hub.
	hub.Broadcast(ctx, StatusUpdate{OrderReference: "42", Status: "PAID", StatusVersion: 1})

	var upd StatusUpdate
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	require.NoError(t, conn.ReadJSON(&upd))
	assert.Equal(t, "PAID", upd.Status)
	assert.EqualValues(t, 1, upd.StatusVersion)
}

func TestServeWSUnknownOrder(t *testing.T) {
	hub := NewHub(testLogger())
	mux := http.NewServeMux()
	mux.HandleFunc("GET /payments/{reference}/ws", NewHandler(hub, payment.NewMemoryStore(), testLogger()).ServeWS)

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/payments/nope/ws", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

// movingOrder reports CREATED on its first read and PAID afterwards, as if a
// webhook committed while the connection was being upgraded.
type movingOrder struct {
	mu    sync.Mutex
	reads int
}

func (m *movingOrder) Get(_ context.Context, reference string) (*payment.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reads++

	o := payment.NewOrder(reference, "int-"+reference, payment.Amount{Value: 10, Currency: "VND"}, time.Now())
	if m.reads > 1 {
		o.Status = payment.StatusPaid
		o.StatusVersion = 1
	}
	return o, nil
}

func TestServeWSSnapshotReflectsStateAfterJoin(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	hub := NewHub(testLogger())
	go hub.Run(ctx)

	mux := http.NewServeMux()
	mux.HandleFunc("GET /payments/{reference}/ws", NewHandler(hub, &movingOrder{}, testLogger()).ServeWS)
	srv := httptest.NewServer(mux)
	defer srv.Close()

	conn, _, err := gw.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http")+"/payments/7/ws", nil)
	require.NoError(t, err)
	defer conn.Close()

	var snap StatusUpdate
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	require.NoError(t, conn.ReadJSON(&snap))
	assert.Equal(t, "PAID", snap.Status)
	assert.EqualValues(t, 1, snap.StatusVersion)
}

func TestHubDeliverSkipsUnregisteredClients(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	hub := NewHub(testLogger())
	go hub.Run(ctx)

	c := &Client{hub: hub, send: make(chan []byte, 1), reference: "A"}
	hub.deliver(ctx, c, []byte("x"))

	select {
	case <-c.send:
		t.Fatal("message delivered to a client that never joined")
	case <-time.After(50 * time.Millisecond):
	}

	require.True(t, hub.join(ctx, c))
	hub.deliver(ctx, c, []byte("y"))
	assert.Equal(t, []byte("y"), <-c.send)
}
