package order

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/omniorder/omniorder/internal/db"
	"github.com/omniorder/omniorder/internal/errs"
)

var ErrOrderNotFound = errs.Transition("not_found", "order not found", nil)

type Repository interface {
	Create(ctx context.Context, tx pgx.Tx, o *Order) error
	GetByRef(ctx context.Context, ref string) (*Order, error)
	GetByRefForUpdate(ctx context.Context, tx pgx.Tx, ref string) (*Order, error)
	GetBySessionTx(ctx context.Context, tx pgx.Tx, channelCode, sessionKey string) (*Order, error)
	UpdateStatus(ctx context.Context, tx pgx.Tx, o *Order) error
	AppendEvent(ctx context.Context, tx pgx.Tx, e *Event) error
	ListEvents(ctx context.Context, orderID int64) ([]Event, error)
}

type postgresRepository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) Repository {
	return &postgresRepository{pool: pool}
}

const orderColumns = `id, ref, channel_code, session_key, status, snapshot, currency,
	total_q, status_times, created_at, updated_at`

func (r *postgresRepository) Create(ctx context.Context, tx pgx.Tx, o *Order) error {
	if o.StatusTimes == nil {
		o.StatusTimes = map[string]time.Time{}
	}
	statusTimesRaw, err := json.Marshal(o.StatusTimes)
	if err != nil {
		return fmt.Errorf("repository: failed to encode status times: %w", err)
	}

	insert := `
		INSERT INTO orders (ref, channel_code, session_key, status, snapshot, currency, total_q, status_times)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING id, created_at, updated_at
	`
	err = tx.QueryRow(ctx, insert,
		o.Ref, o.ChannelCode, o.SessionKey, o.Status, o.Snapshot, o.Currency, o.TotalQ, statusTimesRaw,
	).Scan(&o.ID, &o.CreatedAt, &o.UpdatedAt)
	if err != nil {
		return fmt.Errorf("repository: failed to insert order %s: %w", o.Ref, err)
	}

	for i := range o.Items {
		item := &o.Items[i]
		metaRaw, err := json.Marshal(item.Meta)
		if err != nil {
			return fmt.Errorf("repository: failed to encode item meta for line %s: %w", item.LineID, err)
		}
		insertItem := `
			INSERT INTO order_items (order_id, line_id, sku, name, qty, unit_price_q, line_total_q, meta)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
			RETURNING id
		`
		err = tx.QueryRow(ctx, insertItem,
			o.ID, item.LineID, item.SKU, item.Name, item.Qty, item.UnitPriceQ, item.LineTotalQ, metaRaw,
		).Scan(&item.ID)
		if err != nil {
			return fmt.Errorf("repository: failed to insert order item for order %s: %w", o.Ref, err)
		}
		item.OrderID = o.ID
	}
	return nil
}

func (r *postgresRepository) scanOrder(ctx context.Context, q db.Querier, row pgx.Row) (*Order, error) {
	var (
		o              Order
		statusTimesRaw []byte
	)
	err := row.Scan(&o.ID, &o.Ref, &o.ChannelCode, &o.SessionKey, &o.Status, &o.Snapshot,
		&o.Currency, &o.TotalQ, &statusTimesRaw, &o.CreatedAt, &o.UpdatedAt)
	if err != nil {
		return nil, err
	}
	o.StatusTimes = map[string]time.Time{}
	if len(statusTimesRaw) > 0 {
		if err := json.Unmarshal(statusTimesRaw, &o.StatusTimes); err != nil {
			return nil, fmt.Errorf("repository: failed to decode status times for order %s: %w", o.Ref, err)
		}
	}

	items, err := r.loadItems(ctx, q, o.ID)
	if err != nil {
		return nil, err
	}
	o.Items = items
	return &o, nil
}

func (r *postgresRepository) loadItems(ctx context.Context, q db.Querier, orderID int64) ([]Item, error) {
	query := `
		SELECT id, order_id, line_id, sku, name, qty, unit_price_q, line_total_q, meta
		FROM order_items
		WHERE order_id = $1
		ORDER BY id
	`
	rows, err := q.Query(ctx, query, orderID)
	if err != nil {
		return nil, fmt.Errorf("repository: failed to query order items for order %d: %w", orderID, err)
	}
	defer rows.Close()

	items := make([]Item, 0)
	for rows.Next() {
		var (
			item    Item
			metaRaw []byte
		)
		err := rows.Scan(&item.ID, &item.OrderID, &item.LineID, &item.SKU, &item.Name,
			&item.Qty, &item.UnitPriceQ, &item.LineTotalQ, &metaRaw)
		if err != nil {
			return nil, fmt.Errorf("repository: failed to scan order item for order %d: %w", orderID, err)
		}
		if len(metaRaw) > 0 {
			if err := json.Unmarshal(metaRaw, &item.Meta); err != nil {
				return nil, fmt.Errorf("repository: failed to decode item meta for order %d: %w", orderID, err)
			}
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("repository: error iterating order items for order %d: %w", orderID, err)
	}
	return items, nil
}

func (r *postgresRepository) GetByRef(ctx context.Context, ref string) (*Order, error) {
	query := `SELECT ` + orderColumns + ` FROM orders WHERE ref = $1`
	o, err := r.scanOrder(ctx, r.pool, r.pool.QueryRow(ctx, query, ref))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrOrderNotFound
		}
		return nil, fmt.Errorf("repository: failed to select order %s: %w", ref, err)
	}
	return o, nil
}

func (r *postgresRepository) GetByRefForUpdate(ctx context.Context, tx pgx.Tx, ref string) (*Order, error) {
	query := `SELECT ` + orderColumns + ` FROM orders WHERE ref = $1 FOR UPDATE`
	o, err := r.scanOrder(ctx, tx, tx.QueryRow(ctx, query, ref))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrOrderNotFound
		}
		return nil, fmt.Errorf("repository: failed to select order %s for update: %w", ref, err)
	}
	return o, nil
}

func (r *postgresRepository) GetBySessionTx(ctx context.Context, tx pgx.Tx, channelCode, sessionKey string) (*Order, error) {
	query := `
		SELECT ` + orderColumns + `
		FROM orders
		WHERE channel_code = $1 AND session_key = $2
		ORDER BY id
		LIMIT 1
	`
	o, err := r.scanOrder(ctx, tx, tx.QueryRow(ctx, query, channelCode, sessionKey))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrOrderNotFound
		}
		return nil, fmt.Errorf("repository: failed to select order for session %s:%s: %w", channelCode, sessionKey, err)
	}
	return o, nil
}

func (r *postgresRepository) UpdateStatus(ctx context.Context, tx pgx.Tx, o *Order) error {
	statusTimesRaw, err := json.Marshal(o.StatusTimes)
	if err != nil {
		return fmt.Errorf("repository: failed to encode status times: %w", err)
	}

	o.UpdatedAt = time.Now().UTC()
	update := `
		UPDATE orders
		SET status = $1, status_times = $2, updated_at = $3
		WHERE id = $4
	`
	tag, err := tx.Exec(ctx, update, o.Status, statusTimesRaw, o.UpdatedAt, o.ID)
	if err != nil {
		return fmt.Errorf("repository: failed to update order status %s: %w", o.Ref, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrOrderNotFound
	}
	return nil
}

func (r *postgresRepository) AppendEvent(ctx context.Context, tx pgx.Tx, e *Event) error {
	payloadRaw, err := json.Marshal(e.Payload)
	if err != nil {
		return fmt.Errorf("repository: failed to encode event payload: %w", err)
	}
	insert := `
		INSERT INTO order_events (order_id, type, actor, payload)
		VALUES ($1, $2, $3, $4)
		RETURNING id, created_at
	`
	err = tx.QueryRow(ctx, insert, e.OrderID, e.Type, e.Actor, payloadRaw).Scan(&e.ID, &e.CreatedAt)
	if err != nil {
		return fmt.Errorf("repository: failed to insert order event: %w", err)
	}
	return nil
}

func (r *postgresRepository) ListEvents(ctx context.Context, orderID int64) ([]Event, error) {
	query := `
		SELECT id, order_id, type, actor, payload, created_at
		FROM order_events
		WHERE order_id = $1
		ORDER BY created_at, id
	`
	rows, err := r.pool.Query(ctx, query, orderID)
	if err != nil {
		return nil, fmt.Errorf("repository: failed to query order events for order %d: %w", orderID, err)
	}
	defer rows.Close()

	events := make([]Event, 0)
	for rows.Next() {
		var (
			e          Event
			payloadRaw []byte
		)
		if err := rows.Scan(&e.ID, &e.OrderID, &e.Type, &e.Actor, &payloadRaw, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("repository: failed to scan order event for order %d: %w", orderID, err)
		}
		if len(payloadRaw) > 0 {
			if err := json.Unmarshal(payloadRaw, &e.Payload); err != nil {
				return nil, fmt.Errorf("repository: failed to decode event payload for order %d: %w", orderID, err)
			}
		}
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("repository: error iterating order events for order %d: %w", orderID, err)
	}
	return events, nil
}
