package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"gozon/payments/internal/checkout"
	"gozon/payments/internal/config"
	"gozon/payments/internal/gateway"
	"gozon/payments/internal/httpapi"
	"gozon/payments/internal/metrics"
	"gozon/payments/internal/payment"
	"gozon/payments/internal/poller"
	"gozon/payments/internal/reconcile"
	"gozon/payments/internal/storage"
	"gozon/payments/internal/websocket"
	"gozon/payments/pkg/contracts"
	"gozon/payments/pkg/messaging"
)

type App struct {
	cfg       config.Config
	logger    *slog.Logger
	db        *storage.Store
	hub       *websocket.Hub
	gateway   *gateway.HTTPClient
	poller    *poller.Poller
	publisher messaging.Publisher
	consumer  *messaging.Consumer
	outbox    *messaging.OutboxDispatcher
	httpSrv   *http.Server
}

func New(ctx context.Context, cfg config.Config, logger *slog.Logger) (*App, error) {
	a := &App{cfg: cfg, logger: logger}
	if err := a.init(ctx); err != nil {
		a.closeResources()
		return nil, err
	}
	return a, nil
}

func (a *App) init(ctx context.Context) error {
	cfg := a.cfg

	var (
		orders payment.Store
		stale  payment.StaleLister
		health func(context.Context) error
	)
	if cfg.DatabaseURL != "" {
		db, err := storage.New(ctx, cfg.DatabaseURL)
		if err != nil {
			return err
		}
		a.db = db
		repo := db.Orders()
		orders, stale, health = repo, repo, db.Ping
	} else {
		a.logger.Warn("PAYMENTS_DATABASE_URL not set, using in-memory order store")
		mem := payment.NewMemoryStore()
		orders, stale = mem, mem
	}

	if cfg.RabbitURL != "" {
		publisher, err := messaging.NewRabbitPublisher(cfg.RabbitURL, cfg.PaymentsExchange)
		if err != nil {
			return err
		}
		a.publisher = publisher

		consumer, err := messaging.NewRabbitConsumer(cfg.RabbitURL, cfg.ReconcileExchange, cfg.ReconcileQueue,
			contracts.EventReconcileRequested, a.logger)
		if err != nil {
			return err
		}
		a.consumer = consumer
	}

	m := metrics.New()
	a.hub = websocket.NewHub(a.logger)

	notifier := fanout{a.hub}
	switch {
	case a.db != nil && a.publisher != nil:
		a.outbox = messaging.NewOutboxDispatcher(a.db.Pool(), a.publisher, storage.OutboxTable,
			cfg.OutboxInterval, cfg.OutboxBatch, m, a.logger)
	case a.publisher != nil:
		notifier = append(notifier, publishNotifier{publisher: a.publisher})
	case a.db != nil:
		a.logger.Warn("PAYMENTS_RABBIT_URL not set, status events stay in the outbox")
	}

	engine, err := reconcile.NewEngine(orders, notifier, m, a.logger, reconcile.Options{
		MaxAttempts: cfg.ReconcileMaxAttempts,
		BackoffBase: cfg.ReconcileBackoffBase,
		BackoffMax:  cfg.ReconcileBackoffMax,
	})
	if err != nil {
		return fmt.Errorf("init reconcile engine: %w", err)
	}
	dispatcher, err := reconcile.NewDispatcher(engine, []byte(cfg.GatewayChecksumKey), a.logger)
	if err != nil {
		return fmt.Errorf("init dispatcher: %w", err)
	}

	a.gateway = gateway.NewHTTPClient(gateway.Config{
		BaseURL:     cfg.GatewayBaseURL,
		ClientID:    cfg.GatewayClientID,
		APIKey:      cfg.GatewayAPIKey,
		ChecksumKey: []byte(cfg.GatewayChecksumKey),
		Timeout:     cfg.GatewayTimeout,
	}, nil)

	a.poller = poller.New(a.gateway, dispatcher, stale, poller.Options{
		Interval:      cfg.PollInterval,
		StaleAfter:    cfg.PollStaleAfter,
		BatchSize:     cfg.PollBatch,
		RatePerSecond: cfg.PollRate,
		Timeout:       cfg.GatewayTimeout + time.Duration(cfg.ReconcileMaxAttempts)*cfg.ReconcileBackoffMax,
	}, a.logger)

	checkouts := checkout.NewService(a.gateway, orders, checkout.URLs{Return: cfg.ReturnURL, Cancel: cfg.CancelURL}, a.logger)

	api := httpapi.NewServer(httpapi.Deps{
		Dispatcher: dispatcher,
		Orders:     orders,
		Checkout:   checkouts,
		Poller:     a.poller,
		Live:       http.HandlerFunc(websocket.NewHandler(a.hub, orders, a.logger).ServeWS),
		Metrics:    m.Handler(),
		Observer:   m,
		Health:     health,
	}, a.logger)
	a.httpSrv = &http.Server{
		Addr:    cfg.HTTPAddr,
		Handler: api,
	}
	return nil
}

func (a *App) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	errCh := make(chan error, 2)

	go a.hub.Run(ctx)
	go a.poller.Run(ctx)

	if a.cfg.WebhookURL != "" {
		go a.confirmWebhook(ctx)
	}

	if a.outbox != nil {
		go a.outbox.Run(ctx)
	}

	if a.consumer != nil {
		go func() {
			if err := a.consumer.Start(ctx, a.poller.HandleDelivery); err != nil {
				errCh <- err
			}
		}()
	}

	go func() {
		a.logger.Info("payments http server listening", "addr", a.cfg.HTTPAddr)
		if err := a.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		return nil
	case err := <-errCh:
		return err
	}
}

func (a *App) confirmWebhook(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, a.cfg.GatewayTimeout)
	defer cancel()

	if err := a.gateway.ConfirmWebhook(ctx, a.cfg.WebhookURL); err != nil {
		a.logger.Warn("confirm webhook url failed", "webhook_url", a.cfg.WebhookURL, "err", err)
		return
	}
	a.logger.Info("webhook url confirmed", "webhook_url", a.cfg.WebhookURL)
}

func (a *App) Close(ctx context.Context) {
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), a.cfg.ShutdownGracePeriod)
	defer cancel()
	if a.httpSrv != nil {
		_ = a.httpSrv.Shutdown(shutdownCtx)
	}
	a.closeResources()
}

func (a *App) closeResources() {
	if a.consumer != nil {
		_ = a.consumer.Close()
	}
	if a.publisher != nil {
		_ = a.publisher.Close()
	}
	if a.db != nil {
		a.db.Close()
	}
}

func Run() error {
	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	logger := newLogger(os.Stdout, cfg.LogLevel, cfg.LogFormat)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	app, err := New(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("init app: %w", err)
	}
	defer app.Close(ctx)

	return app.Run(ctx)
}
