// Package idempotency implements the commit dedup guard: a durable
// (scope, key) record that caches the first successful response and
// blocks concurrent duplicates.
package idempotency

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"

	"github.com/omniorder/omniorder/internal/errs"
)

type Status string

const (
	StatusInProgress Status = "in_progress"
	StatusDone       Status = "done"
	StatusFailed     Status = "failed"
)

type Key struct {
	ID           int64           `json:"id"`
	Scope        string          `json:"scope"`
	Key          string          `json:"key"`
	Status       Status          `json:"status"`
	ResponseCode *int            `json:"response_code,omitempty"`
	ResponseBody json.RawMessage `json:"response_body,omitempty"`
	ExpiresAt    *time.Time      `json:"expires_at,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
}

// Acquisition is the outcome of Acquire. Cached is non-nil when a
// previous attempt already finished: the caller returns it verbatim and
// performs no work.
type Acquisition struct {
	Cached json.RawMessage
}

type Guard interface {
	// Acquire takes the (scope, key) slot, resolving the race against
	// concurrent duplicates. Fails with commit code "in_progress" when
	// another unexpired attempt holds the slot.
	Acquire(ctx context.Context, scope, key string, ttl time.Duration) (*Acquisition, error)
	MarkDone(ctx context.Context, scope, key string, responseCode int, body json.RawMessage) error
	MarkFailed(ctx context.Context, scope, key string) error
	// DeleteExpired reclaims keys whose TTL has passed.
	DeleteExpired(ctx context.Context) (int, error)
}

var errInProgress = errs.Commit("in_progress", "a commit with this idempotency key is already in progress", nil)

type postgresGuard struct {
	pool *pgxpool.Pool
}

func NewGuard(pool *pgxpool.Pool) Guard {
	return &postgresGuard{pool: pool}
}

func (g *postgresGuard) Acquire(ctx context.Context, scope, key string, ttl time.Duration) (acq *Acquisition, err error) {
	tx, err := g.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("repository: failed to begin transaction: %w", err)
	}
	defer func() {
		if tx == nil {
			return
		}
		if err != nil {
			if rbErr := tx.Rollback(ctx); rbErr != nil && rbErr != pgx.ErrTxClosed {
				log.Error().Err(rbErr).Str("scope", scope).Msg("repository: failed to rollback idempotency acquire")
			}
			return
		}
		if commitErr := tx.Commit(ctx); commitErr != nil {
			err = fmt.Errorf("repository: failed to commit idempotency acquire: %w", commitErr)
			acq = nil
		}
	}()

	acq, err = g.acquireLocked(ctx, tx, scope, key, ttl)
	if err == nil || !errors.Is(err, pgx.ErrNoRows) {
		return acq, err
	}

	// No row yet: create it. A concurrent duplicate may win the insert
	// race, in which case we fall back to the locked path.
	expiresAt := time.Now().UTC().Add(ttl)
	insert := `
		INSERT INTO idempotency_keys (scope, key, status, expires_at)
		VALUES ($1, $2, $3, $4)
	`
	_, err = tx.Exec(ctx, insert, scope, key, string(StatusInProgress), expiresAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgerrcode.UniqueViolation {
			// The insert aborted this transaction; retry cleanly.
			if rbErr := tx.Rollback(ctx); rbErr != nil && rbErr != pgx.ErrTxClosed {
				tx = nil
				return nil, fmt.Errorf("repository: failed to rollback after duplicate key: %w", rbErr)
			}
			tx = nil
			retryTx, beginErr := g.pool.Begin(ctx)
			if beginErr != nil {
				return nil, fmt.Errorf("repository: failed to begin transaction: %w", beginErr)
			}
			tx = retryTx
			return g.acquireLocked(ctx, tx, scope, key, ttl)
		}
		return nil, fmt.Errorf("repository: failed to insert idempotency key %s:%s: %w", scope, key, err)
	}
	return &Acquisition{}, nil
}

// acquireLocked resolves an existing (scope, key) row under FOR UPDATE.
func (g *postgresGuard) acquireLocked(ctx context.Context, tx pgx.Tx, scope, key string, ttl time.Duration) (*Acquisition, error) {
	query := `
		SELECT id, status, response_body, expires_at
		FROM idempotency_keys
		WHERE scope = $1 AND key = $2
		FOR UPDATE
	`
	var (
		id        int64
		status    Status
		body      json.RawMessage
		expiresAt *time.Time
	)
	err := tx.QueryRow(ctx, query, scope, key).Scan(&id, &status, &body, &expiresAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, pgx.ErrNoRows
		}
		return nil, fmt.Errorf("repository: failed to select idempotency key %s:%s: %w", scope, key, err)
	}

	now := time.Now().UTC()
	switch {
	case status == StatusDone && len(body) > 0:
		return &Acquisition{Cached: body}, nil
	case status == StatusInProgress && (expiresAt == nil || expiresAt.After(now)):
		return nil, errInProgress
	default:
		// failed, or an in_progress orphaned by a crashed process past
		// its TTL: reclaim for retry.
		newExpiry := now.Add(ttl)
		update := `
			UPDATE idempotency_keys
			SET status = $1, expires_at = $2
			WHERE id = $3
		`
		if _, err := tx.Exec(ctx, update, string(StatusInProgress), newExpiry, id); err != nil {
			return nil, fmt.Errorf("repository: failed to reclaim idempotency key %s:%s: %w", scope, key, err)
		}
		return &Acquisition{}, nil
	}
}

func (g *postgresGuard) MarkDone(ctx context.Context, scope, key string, responseCode int, body json.RawMessage) error {
	update := `
		UPDATE idempotency_keys
		SET status = $1, response_code = $2, response_body = $3
		WHERE scope = $4 AND key = $5
	`
	_, err := g.pool.Exec(ctx, update, string(StatusDone), responseCode, body, scope, key)
	if err != nil {
		return fmt.Errorf("repository: failed to mark idempotency key %s:%s done: %w", scope, key, err)
	}
	return nil
}

func (g *postgresGuard) MarkFailed(ctx context.Context, scope, key string) error {
	update := `
		UPDATE idempotency_keys
		SET status = $1
		WHERE scope = $2 AND key = $3
	`
	_, err := g.pool.Exec(ctx, update, string(StatusFailed), scope, key)
	if err != nil {
		return fmt.Errorf("repository: failed to mark idempotency key %s:%s failed: %w", scope, key, err)
	}
	return nil
}

func (g *postgresGuard) DeleteExpired(ctx context.Context) (int, error) {
	// Done keys stay until expiry so duplicate requests keep getting
	// the cached response for the whole TTL window.
	del := `DELETE FROM idempotency_keys WHERE expires_at IS NOT NULL AND expires_at <= now()`
	tag, err := g.pool.Exec(ctx, del)
	if err != nil {
		return 0, fmt.Errorf("repository: failed to delete expired idempotency keys: %w", err)
	}
	return int(tag.RowsAffected()), nil
}
