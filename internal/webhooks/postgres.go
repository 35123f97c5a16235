package webhooks

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Postgres is a Store backed by the webhook_subscriptions and
// webhook_deliveries tables.
type Postgres struct {
	db *pgxpool.Pool
}

// NewPostgres creates a Postgres store.
func NewPostgres(db *pgxpool.Pool) *Postgres {
	return &Postgres{db: db}
}

const subColumns = `id, url, events, secret, active, created_at`

func (r *Postgres) Create(ctx context.Context, sub *Subscription) error {
	_, err := r.db.Exec(ctx,
		`INSERT INTO webhook_subscriptions (`+subColumns+`) VALUES ($1, $2, $3, $4, $5, $6)`,
		sub.ID, sub.URL, sub.Events, sub.Secret, sub.Active, sub.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert subscription: %w", err)
	}
	return nil
}

func (r *Postgres) List(ctx context.Context) ([]*Subscription, error) {
	return r.query(ctx, `SELECT `+subColumns+` FROM webhook_subscriptions ORDER BY created_at`)
}

func (r *Postgres) ListByEvent(ctx context.Context, eventType string) ([]*Subscription, error) {
	return r.query(ctx, `SELECT `+subColumns+` FROM webhook_subscriptions
	                     WHERE active = true AND $1 = ANY(events)
	                     ORDER BY created_at`, eventType)
}

func (r *Postgres) query(ctx context.Context, sql string, args ...any) ([]*Subscription, error) {
	rows, err := r.db.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("list subscriptions: %w", err)
	}
	defer rows.Close()

	var subs []*Subscription
	for rows.Next() {
		var sub Subscription
		if err := rows.Scan(&sub.ID, &sub.URL, &sub.Events, &sub.Secret, &sub.Active, &sub.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan subscription: %w", err)
		}
		subs = append(subs, &sub)
	}
	return subs, rows.Err()
}

func (r *Postgres) Delete(ctx context.Context, id uuid.UUID) error {
	tag, err := r.db.Exec(ctx, `DELETE FROM webhook_subscriptions WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete subscription: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *Postgres) RecordDelivery(ctx context.Context, d *Delivery) error {
	// The subscription may have been deleted mid-delivery; skip silently.
	_, err := r.db.Exec(ctx, `
		INSERT INTO webhook_deliveries
		    (id, subscription_id, event_id, event_type, status_code, attempt, success, error_message, delivered_at)
		SELECT $1, $2, $3, $4, $5, $6, $7, $8, $9
		WHERE EXISTS (SELECT 1 FROM webhook_subscriptions WHERE id = $2)`,
		d.ID, d.SubscriptionID, d.EventID, d.EventType,
		d.StatusCode, d.Attempt, d.Success, d.ErrorMessage, d.DeliveredAt,
	)
	if err != nil {
		return fmt.Errorf("record delivery: %w", err)
	}
	return nil
}

func (r *Postgres) Deliveries(ctx context.Context, subID uuid.UUID, limit int) ([]*Delivery, error) {
	var one int
	err := r.db.QueryRow(ctx, `SELECT 1 FROM webhook_subscriptions WHERE id = $1`, subID).Scan(&one)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("lookup subscription: %w", err)
	}
	if limit <= 0 {
		limit = 100
	}

	rows, err := r.db.Query(ctx, `
		SELECT id, subscription_id, event_id, event_type, status_code, attempt, success, error_message, delivered_at
		FROM webhook_deliveries WHERE subscription_id = $1
		ORDER BY delivered_at DESC LIMIT $2`, subID, limit)
	if err != nil {
		return nil, fmt.Errorf("list deliveries: %w", err)
	}
	defer rows.Close()

	var out []*Delivery
	for rows.Next() {
		var d Delivery
		if err := rows.Scan(&d.ID, &d.SubscriptionID, &d.EventID, &d.EventType,
			&d.StatusCode, &d.Attempt, &d.Success, &d.ErrorMessage, &d.DeliveredAt); err != nil {
			return nil, fmt.Errorf("scan delivery: %w", err)
		}
		out = append(out, &d)
	}
	return out, rows.Err()
}
