package directive

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/omniorder/omniorder/internal/errs"
)

var ErrDirectiveNotFound = errs.Directive("not_found", "directive not found", nil)

// lastError columns cap at 500 chars so a runaway stack trace never
// bloats the queue table.
const maxLastErrorLen = 500

type Repository interface {
	// Enqueue inserts inside the caller's transaction so directives are
	// only visible if the producing pipeline commits.
	Enqueue(ctx context.Context, tx pgx.Tx, d *Directive) error
	// ClaimBatch atomically claims up to limit eligible directives for
	// the given topics using FOR UPDATE SKIP LOCKED, marks them running
	// and increments their attempt counters.
	ClaimBatch(ctx context.Context, topics []string, limit int) ([]Directive, error)
	MarkDone(ctx context.Context, id int64) error
	MarkFailed(ctx context.Context, id int64, lastError string) error
	Requeue(ctx context.Context, id int64, availableAt time.Time, lastError string) error
	// ReapStuck requeues directives stuck in running longer than
	// olderThan (a crashed worker), failing those past maxAttempts.
	ReapStuck(ctx context.Context, olderThan time.Duration, maxAttempts int) (int, error)
	GetByID(ctx context.Context, id int64) (*Directive, error)
	ListByStatus(ctx context.Context, status Status, limit int) ([]Directive, error)
}

type postgresRepository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) Repository {
	return &postgresRepository{pool: pool}
}

const directiveColumns = `id, topic, status, payload, attempts, available_at, last_error,
	created_at, started_at, updated_at`

func truncateError(msg string) string {
	if len(msg) > maxLastErrorLen {
		return msg[:maxLastErrorLen]
	}
	return msg
}

func (r *postgresRepository) Enqueue(ctx context.Context, tx pgx.Tx, d *Directive) error {
	insert := `
		INSERT INTO directives (topic, status, payload, available_at)
		VALUES ($1, $2, $3, $4)
		RETURNING id, created_at, updated_at
	`
	err := tx.QueryRow(ctx, insert, d.Topic, string(d.Status), d.Payload, d.AvailableAt).
		Scan(&d.ID, &d.CreatedAt, &d.UpdatedAt)
	if err != nil {
		return fmt.Errorf("repository: failed to enqueue directive for topic %s: %w", d.Topic, err)
	}
	return nil
}

func scanDirectives(rows pgx.Rows) ([]Directive, error) {
	defer rows.Close()
	directives := make([]Directive, 0)
	for rows.Next() {
		var d Directive
		err := rows.Scan(&d.ID, &d.Topic, &d.Status, &d.Payload, &d.Attempts,
			&d.AvailableAt, &d.LastError, &d.CreatedAt, &d.StartedAt, &d.UpdatedAt)
		if err != nil {
			return nil, fmt.Errorf("repository: failed to scan directive: %w", err)
		}
		directives = append(directives, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("repository: error iterating directives: %w", err)
	}
	return directives, nil
}

func (r *postgresRepository) ClaimBatch(ctx context.Context, topics []string, limit int) ([]Directive, error) {
	// Single statement: the inner SELECT locks eligible rows with SKIP
	// LOCKED so concurrent dispatchers never claim the same directive.
	query := `
		UPDATE directives
		SET status = 'running', attempts = attempts + 1, started_at = now(), updated_at = now()
		WHERE id IN (
			SELECT id
			FROM directives
			WHERE status = 'queued' AND topic = ANY($1) AND available_at <= now()
			ORDER BY available_at, id
			LIMIT $2
			FOR UPDATE SKIP LOCKED
		)
		RETURNING ` + directiveColumns
	rows, err := r.pool.Query(ctx, query, topics, limit)
	if err != nil {
		return nil, fmt.Errorf("repository: failed to claim directives: %w", err)
	}
	return scanDirectives(rows)
}

func (r *postgresRepository) setStatus(ctx context.Context, id int64, query string, args ...any) error {
	tag, err := r.pool.Exec(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("repository: failed to update directive %d: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrDirectiveNotFound
	}
	return nil
}

func (r *postgresRepository) MarkDone(ctx context.Context, id int64) error {
	query := `UPDATE directives SET status = 'done', last_error = '', updated_at = now() WHERE id = $1`
	return r.setStatus(ctx, id, query, id)
}

func (r *postgresRepository) MarkFailed(ctx context.Context, id int64, lastError string) error {
	query := `UPDATE directives SET status = 'failed', last_error = $2, updated_at = now() WHERE id = $1`
	return r.setStatus(ctx, id, query, id, truncateError(lastError))
}

func (r *postgresRepository) Requeue(ctx context.Context, id int64, availableAt time.Time, lastError string) error {
	query := `
		UPDATE directives
		SET status = 'queued', available_at = $2, last_error = $3, updated_at = now()
		WHERE id = $1
	`
	return r.setStatus(ctx, id, query, id, availableAt, truncateError(lastError))
}

func (r *postgresRepository) ReapStuck(ctx context.Context, olderThan time.Duration, maxAttempts int) (int, error) {
	// Stuck running rows belong to workers that died between claiming
	// and finishing. Within the attempt budget they go back to the
	// queue; past it they fail for operator attention.
	query := `
		UPDATE directives
		SET status = CASE WHEN attempts >= $2 THEN 'failed' ELSE 'queued' END,
		    available_at = now(),
		    last_error = 'reaped: stuck in running after ' || attempts || ' attempt(s)',
		    updated_at = now()
		WHERE id IN (
			SELECT id
			FROM directives
			WHERE status = 'running' AND started_at <= now() - $1
			FOR UPDATE SKIP LOCKED
		)
	`
	tag, err := r.pool.Exec(ctx, query, olderThan, maxAttempts)
	if err != nil {
		return 0, fmt.Errorf("repository: failed to reap stuck directives: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

func (r *postgresRepository) GetByID(ctx context.Context, id int64) (*Directive, error) {
	query := `SELECT ` + directiveColumns + ` FROM directives WHERE id = $1`
	var d Directive
	err := r.pool.QueryRow(ctx, query, id).Scan(&d.ID, &d.Topic, &d.Status, &d.Payload,
		&d.Attempts, &d.AvailableAt, &d.LastError, &d.CreatedAt, &d.StartedAt, &d.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrDirectiveNotFound
		}
		return nil, fmt.Errorf("repository: failed to select directive %d: %w", id, err)
	}
	return &d, nil
}

func (r *postgresRepository) ListByStatus(ctx context.Context, status Status, limit int) ([]Directive, error) {
	query := `
		SELECT ` + directiveColumns + `
		FROM directives
		WHERE status = $1
		ORDER BY updated_at DESC
		LIMIT $2
	`
	rows, err := r.pool.Query(ctx, query, string(status), limit)
	if err != nil {
		return nil, fmt.Errorf("repository: failed to query directives by status %s: %w", status, err)
	}
	return scanDirectives(rows)
}
