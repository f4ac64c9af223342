package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"gozon/payments/internal/checkout"
	"gozon/payments/internal/gateway"
	"gozon/payments/internal/payment"
	"gozon/payments/internal/poller"
	"gozon/payments/internal/reconcile"
)

const maxWebhookBody = 1 << 20

type Dispatcher interface {
	Handle(ctx context.Context, req reconcile.Request) (reconcile.Ack, error)
}

type Poller interface {
	Poll(ctx context.Context, reference string) (reconcile.Ack, error)
}

type Checkout interface {
	Create(ctx context.Context, req checkout.CreateRequest) (*checkout.Result, error)
}

type OrderReader interface {
	Get(ctx context.Context, reference string) (*payment.Order, error)
}

type RequestObserver interface {
	ObserveRequest(handler string, status int, elapsed time.Duration)
}

// Deps are the collaborators behind the routes. Nil optional members leave
// their routes unregistered.
type Deps struct {
	Dispatcher Dispatcher
	Orders     OrderReader
	Checkout   Checkout
	Poller     Poller
	Live       http.Handler
	Metrics    http.Handler
	Observer   RequestObserver
	Health     func(ctx context.Context) error
}

type Server struct {
	deps   Deps
	logger *slog.Logger
	mux    *http.ServeMux
}

func NewServer(deps Deps, logger *slog.Logger) *Server {
	s := &Server{
		deps:   deps,
		logger: logger,
		mux:    http.NewServeMux(),
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.handle("POST /webhooks/payments", "webhook", s.webhook)
	s.handle("GET /payments/{reference}", "get_payment", s.getPayment)
	s.handle("GET /health", "health", s.health)

	if s.deps.Checkout != nil {
		s.handle("POST /payments", "create_payment", s.createPayment)
	}
	if s.deps.Poller != nil {
		s.handle("POST /payments/{reference}/reconcile", "reconcile_payment", s.reconcilePayment)
	}
	if s.deps.Live != nil {
		s.mux.Handle("GET /payments/{reference}/ws", s.deps.Live)
	}
	if s.deps.Metrics != nil {
		s.mux.Handle("GET /metrics", s.deps.Metrics)
	}
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

func (s *Server) handle(pattern, name string, h http.HandlerFunc) {
	if s.deps.Observer == nil {
		s.mux.HandleFunc(pattern, h)
		return
	}
	s.mux.HandleFunc(pattern, func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		h(rec, r)
		s.deps.Observer.ObserveRequest(name, rec.status, time.Since(start))
	})
}

func (s *Server) webhook(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxWebhookBody))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid payload")
		return
	}

	n, err := gateway.ParseWebhook(body, r.Header.Get(gateway.SignatureHeader))
	if err != nil {
		s.logger.Warn("malformed webhook", "remote", r.RemoteAddr, "err", err)
		writeError(w, http.StatusBadRequest, "invalid payload")
		return
	}

	ack, err := s.deps.Dispatcher.Handle(r.Context(), reconcile.Request{
		Source:         reconcile.SourceWebhook,
		OrderReference: n.OrderReference,
		ReportedStatus: n.Status,
		Payload:        n.Payload,
		Signature:      n.Signature,
		ReceivedAt:     time.Now().UTC(),
	})
	if err != nil {
		s.writeDispatchError(w, err, n.OrderReference)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"result": string(ack)})
}

func (s *Server) createPayment(w http.ResponseWriter, r *http.Request) {
	var req checkout.CreateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	res, err := s.deps.Checkout.Create(r.Context(), req)
	if err != nil {
		switch {
		case errors.Is(err, checkout.ErrInvalidRequest):
			writeError(w, http.StatusBadRequest, err.Error())
		case errors.Is(err, payment.ErrConflict):
			writeError(w, http.StatusConflict, "order already exists")
		case errors.Is(err, checkout.ErrGateway):
			s.logger.Error("create payment", "err", err)
			writeError(w, http.StatusBadGateway, "gateway unavailable")
		default:
			s.logger.Error("create payment", "err", err)
			writeError(w, http.StatusInternalServerError, "internal error")
		}
		return
	}
	writeJSON(w, http.StatusCreated, res)
}

func (s *Server) getPayment(w http.ResponseWriter, r *http.Request) {
	o, err := s.deps.Orders.Get(r.Context(), r.PathValue("reference"))
	if err != nil {
		if errors.Is(err, payment.ErrNotFound) {
			writeError(w, http.StatusNotFound, "unknown order")
			return
		}
		s.logger.Error("get payment", "err", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, o)
}

func (s *Server) reconcilePayment(w http.ResponseWriter, r *http.Request) {
	reference := r.PathValue("reference")

	ack, err := s.deps.Poller.Poll(r.Context(), reference)
	if err != nil {
		if errors.Is(err, poller.ErrGateway) {
			s.logger.Error("reconcile payment", "order_reference", reference, "err", err)
			writeError(w, http.StatusBadGateway, "gateway unavailable")
			return
		}
		s.writeDispatchError(w, err, reference)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"result": string(ack)})
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	if s.deps.Health != nil {
		if err := s.deps.Health(r.Context()); err != nil {
			s.logger.Warn("health check failed", "err", err)
			writeError(w, http.StatusServiceUnavailable, "unhealthy")
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// writeDispatchError maps reconcile errors onto the stable acknowledgment contract.
func (s *Server) writeDispatchError(w http.ResponseWriter, err error, reference string) {
	switch {
	case errors.Is(err, reconcile.ErrInvalidSignature):
		s.logger.Warn("rejected unauthenticated status report", "order_reference", reference)
		writeError(w, http.StatusUnauthorized, "invalid signature")
	case errors.Is(err, reconcile.ErrUnknownOrder):
		writeError(w, http.StatusNotFound, "unknown order")
	case errors.Is(err, reconcile.ErrUnrecognizedStatus):
		s.logger.Warn("unrecognized gateway status", "order_reference", reference, "err", err)
		writeError(w, http.StatusUnprocessableEntity, "unrecognized status")
	case errors.Is(err, reconcile.ErrReconciliationContention):
		s.logger.Warn("reconcile contention", "order_reference", reference, "err", err)
		writeError(w, http.StatusServiceUnavailable, "temporarily unavailable")
	default:
		s.logger.Error("dispatch status report", "order_reference", reference, "err", err)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
