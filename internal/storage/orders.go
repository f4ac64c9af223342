package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"gozon/payments/internal/payment"
	"gozon/payments/pkg/contracts"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const orderColumns = `reference, internal_id, amount, currency, status, status_version,
	last_event_signature, created_at, updated_at`

// OrderRepository is the Postgres payment.Store. Every applied transition
// writes its OrderStatusChanged event to the outbox in the same transaction.
type OrderRepository struct {
	pool *pgxpool.Pool
}

func NewOrderRepository(pool *pgxpool.Pool) *OrderRepository {
	return &OrderRepository{pool: pool}
}

func (r *OrderRepository) Get(ctx context.Context, reference string) (*payment.Order, error) {
	o, err := scanOrder(r.pool.QueryRow(ctx, `
		SELECT `+orderColumns+`
		FROM payment_orders
		WHERE reference = $1`, reference))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, payment.ErrNotFound
		}
		return nil, fmt.Errorf("get payment order: %w", err)
	}
	return o, nil
}

func (r *OrderRepository) CreateIfAbsent(ctx context.Context, o *payment.Order) (*payment.Order, error) {
	createdAt := o.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}

	created, err := scanOrder(r.pool.QueryRow(ctx, `
		INSERT INTO payment_orders (reference, internal_id, amount, currency, status, status_version,
			last_event_signature, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, 0, '', $6, $6)
		RETURNING `+orderColumns,
		o.Reference, o.InternalID, o.Amount.Value, o.Amount.Currency, payment.StatusCreated, createdAt.UTC(),
	))
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return nil, payment.ErrConflict
		}
		return nil, fmt.Errorf("insert payment order: %w", err)
	}
	return created, nil
}

func (r *OrderRepository) ApplyTransition(ctx context.Context, t payment.Transition) (*payment.Order, error) {
	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	updated, err := scanOrder(tx.QueryRow(ctx, `
		UPDATE payment_orders
		SET status = $3,
		    status_version = status_version + 1,
		    last_event_signature = $4,
		    updated_at = NOW()
		WHERE reference = $1 AND status_version = $2
		RETURNING `+orderColumns,
		t.Reference, t.ExpectedVersion, t.To, t.EventSignature,
	))
	if err != nil {
		if !errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("update payment order: %w", err)
		}
		var exists bool
		if err := tx.QueryRow(ctx,
			`SELECT EXISTS (SELECT 1 FROM payment_orders WHERE reference = $1)`, t.Reference,
		).Scan(&exists); err != nil {
			return nil, fmt.Errorf("check payment order: %w", err)
		}
		if !exists {
			return nil, payment.ErrNotFound
		}
		return nil, payment.ErrVersionConflict
	}

	event := payment.StatusChanged(t, updated)
	body, err := json.Marshal(event)
	if err != nil {
		return nil, fmt.Errorf("marshal event: %w", err)
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO `+OutboxTable+` (event_id, event_type, payload)
		VALUES ($1, $2, $3)`,
		event.EventID, contracts.EventOrderStatusChanged, body,
	)
	if err != nil {
		return nil, fmt.Errorf("insert outbox: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return updated, nil
}

func (r *OrderRepository) ListStale(ctx context.Context, updatedBefore time.Time, limit int) ([]payment.Order, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+orderColumns+`
		FROM payment_orders
		WHERE status IN ($1, $2) AND updated_at < $3
		ORDER BY updated_at
		LIMIT $4`,
		payment.StatusCreated, payment.StatusPending, updatedBefore, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query stale orders: %w", err)
	}
	defer rows.Close()

	var result []payment.Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *o)
	}
	return result, rows.Err()
}

func scanOrder(row pgx.Row) (*payment.Order, error) {
	var o payment.Order
	if err := row.Scan(
		&o.Reference, &o.InternalID, &o.Amount.Value, &o.Amount.Currency, &o.Status, &o.StatusVersion,
		&o.LastEventSignature, &o.CreatedAt, &o.UpdatedAt,
	); err != nil {
		return nil, err
	}
	o.CreatedAt = o.CreatedAt.UTC()
	o.UpdatedAt = o.UpdatedAt.UTC()
	return &o, nil
}
