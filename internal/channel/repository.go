package channel

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/omniorder/omniorder/internal/db"
	"github.com/omniorder/omniorder/internal/errs"
)

var ErrChannelNotFound = errs.Channel("not_found", "channel not found", nil)

type Repository interface {
	GetByCode(ctx context.Context, code string) (*Channel, error)
	GetByCodeTx(ctx context.Context, tx pgx.Tx, code string) (*Channel, error)
	List(ctx context.Context) ([]Channel, error)
	Upsert(ctx context.Context, ch *Channel) error
}

type postgresRepository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) Repository {
	return &postgresRepository{pool: pool}
}

const channelColumns = `id, code, name, pricing_policy, edit_policy, config, is_active, created_at`

func scanChannel(row pgx.Row) (*Channel, error) {
	var (
		ch        Channel
		configRaw []byte
	)
	err := row.Scan(&ch.ID, &ch.Code, &ch.Name, &ch.PricingPolicy, &ch.EditPolicy,
		&configRaw, &ch.IsActive, &ch.CreatedAt)
	if err != nil {
		return nil, err
	}
	if len(configRaw) > 0 {
		if err := json.Unmarshal(configRaw, &ch.Config); err != nil {
			return nil, fmt.Errorf("repository: failed to decode channel config for %s: %w", ch.Code, err)
		}
	}
	ch.Config.Normalize()
	if err := ch.Config.Validate(); err != nil {
		return nil, err
	}
	return &ch, nil
}

func (r *postgresRepository) getByCode(ctx context.Context, q db.Querier, code string) (*Channel, error) {
	query := `
		SELECT ` + channelColumns + `
		FROM channels
		WHERE code = $1
	`
	ch, err := scanChannel(q.QueryRow(ctx, query, code))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrChannelNotFound
		}
		var domainErr *errs.Error
		if errors.As(err, &domainErr) {
			return nil, err
		}
		return nil, fmt.Errorf("repository: failed to select channel %s: %w", code, err)
	}
	return ch, nil
}

func (r *postgresRepository) GetByCode(ctx context.Context, code string) (*Channel, error) {
	return r.getByCode(ctx, r.pool, code)
}

func (r *postgresRepository) GetByCodeTx(ctx context.Context, tx pgx.Tx, code string) (*Channel, error) {
	return r.getByCode(ctx, tx, code)
}

func (r *postgresRepository) List(ctx context.Context) ([]Channel, error) {
	query := `
		SELECT ` + channelColumns + `
		FROM channels
		WHERE is_active
		ORDER BY code
	`
	rows, err := r.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("repository: failed to query channels: %w", err)
	}
	defer rows.Close()

	channels := make([]Channel, 0)
	for rows.Next() {
		ch, err := scanChannel(rows)
		if err != nil {
			return nil, fmt.Errorf("repository: failed to scan channel: %w", err)
		}
		channels = append(channels, *ch)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("repository: error iterating channels: %w", err)
	}
	return channels, nil
}

func (r *postgresRepository) Upsert(ctx context.Context, ch *Channel) error {
	ch.Config.Normalize()
	if err := ch.Config.Validate(); err != nil {
		return err
	}
	configRaw, err := json.Marshal(ch.Config)
	if err != nil {
		return fmt.Errorf("repository: failed to encode channel config for %s: %w", ch.Code, err)
	}

	query := `
		INSERT INTO channels (code, name, pricing_policy, edit_policy, config, is_active)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (code) DO UPDATE
		SET name = EXCLUDED.name,
		    pricing_policy = EXCLUDED.pricing_policy,
		    edit_policy = EXCLUDED.edit_policy,
		    config = EXCLUDED.config,
		    is_active = EXCLUDED.is_active
		RETURNING id, created_at
	`
	err = r.pool.QueryRow(ctx, query,
		ch.Code, ch.Name, string(ch.PricingPolicy), string(ch.EditPolicy), configRaw, ch.IsActive,
	).Scan(&ch.ID, &ch.CreatedAt)
	if err != nil {
		return fmt.Errorf("repository: failed to upsert channel %s: %w", ch.Code, err)
	}
	return nil
}
