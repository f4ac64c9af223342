package messaging

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// leaseDuration is how long a claimed row stays invisible to other dispatchers.
const leaseDuration = 30 * time.Second

// OutboxObserver is told the outcome of every publish attempt.
type OutboxObserver interface {
	OutboxPublished(eventType string, err error)
}

// OutboxDispatcher relays rows of an outbox table to a Publisher, using each
// row's event type as the routing key. Rows are claimed with SKIP LOCKED so
// several replicas can run side by side.
type OutboxDispatcher struct {
	pool      *pgxpool.Pool
	publisher Publisher
	table     string
	interval  time.Duration
	batchSize int
	observer  OutboxObserver
	logger    *slog.Logger
}

type outboxRow struct {
	ID        int64
	EventType string
	Payload   []byte
	Attempts  int
}

func NewOutboxDispatcher(pool *pgxpool.Pool, publisher Publisher, table string, interval time.Duration, batch int, observer OutboxObserver, logger *slog.Logger) *OutboxDispatcher {
	return &OutboxDispatcher{
		pool:      pool,
		publisher: publisher,
		table:     table,
		interval:  interval,
		batchSize: batch,
		observer:  observer,
		logger:    logger,
	}
}

// Run polls the outbox until ctx is done.
func (d *OutboxDispatcher) Run(ctx context.Context) {
	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()

	for {
		if n, err := d.dispatch(ctx); err != nil {
			if ctx.Err() == nil {
				d.logger.Error("outbox dispatch failed", "table", d.table, "err", err)
			}
		} else if n > 0 {
			d.logger.Debug("outbox batch relayed", "table", d.table, "rows", n)
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (d *OutboxDispatcher) dispatch(ctx context.Context) (int, error) {
	rows, err := d.claim(ctx)
	if err != nil {
		return 0, err
	}

	for _, row := range rows {
		err := d.publishOne(ctx, row)
		if d.observer != nil {
			d.observer.OutboxPublished(row.EventType, err)
		}
		if err != nil {
			d.logger.Warn("publish event failed",
				"table", d.table, "row_id", row.ID, "event_type", row.EventType, "attempts", row.Attempts+1, "err", err)
		}
	}
	return len(rows), nil
}

func (d *OutboxDispatcher) claim(ctx context.Context) ([]outboxRow, error) {
	tx, err := d.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	rows, err := tx.Query(ctx, fmt.Sprintf(`
		SELECT id, event_type, payload, attempts
		FROM %s
		WHERE status IN ('pending', 'processing') AND next_retry <= NOW()
		ORDER BY id
		LIMIT $1
		FOR UPDATE SKIP LOCKED`, d.table), d.batchSize)
	if err != nil {
		return nil, fmt.Errorf("query outbox: %w", err)
	}

	items, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (outboxRow, error) {
		var r outboxRow
		err := row.Scan(&r.ID, &r.EventType, &r.Payload, &r.Attempts)
		return r, err
	})
	if err != nil {
		return nil, fmt.Errorf("scan outbox: %w", err)
	}
	if len(items) == 0 {
		return nil, nil
	}

	ids := make([]int64, len(items))
	for i, item := range items {
		ids[i] = item.ID
	}
	if _, err := tx.Exec(ctx, fmt.Sprintf(`
		UPDATE %s
		SET status = 'processing', next_retry = $2, updated_at = NOW()
		WHERE id = ANY($1)`, d.table), ids, time.Now().Add(leaseDuration)); err != nil {
		return nil, fmt.Errorf("lease outbox rows: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return items, nil
}

func (d *OutboxDispatcher) publishOne(ctx context.Context, row outboxRow) error {
	pubCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := d.publisher.Publish(pubCtx, row.EventType, row.Payload); err != nil {
		return d.markFailure(ctx, row, err)
	}

	_, err := d.pool.Exec(ctx, fmt.Sprintf(`
		UPDATE %s
		SET status = 'sent', updated_at = NOW()
		WHERE id = $1`, d.table), row.ID)
	return err
}

func (d *OutboxDispatcher) markFailure(ctx context.Context, row outboxRow, publishErr error) error {
	nextRetry := time.Now().Add(retryDelay(row.Attempts + 1))
	if _, err := d.pool.Exec(ctx, fmt.Sprintf(`
		UPDATE %s
		SET status = 'pending',
		    attempts = attempts + 1,
		    next_retry = $2,
		    updated_at = NOW()
		WHERE id = $1`, d.table), row.ID, nextRetry); err != nil {
		return fmt.Errorf("update retry: %w", err)
	}
	return publishErr
}

// retryDelay doubles from two seconds and caps at one minute.
func retryDelay(attempts int) time.Duration {
	if attempts < 0 {
		attempts = 0
	}
	if attempts > 6 {
		attempts = 6
	}
	return min(time.Duration(1<<attempts)*time.Second, time.Minute)
}
