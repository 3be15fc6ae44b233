package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/omniorder/omniorder/internal/channel"
	"github.com/omniorder/omniorder/internal/db"
	"github.com/omniorder/omniorder/internal/errs"
)

var ErrSessionNotFound = errs.Session("not_found", "session not found", nil)

type Repository interface {
	// GetOrCreate returns the open session for (channel, key), creating
	// it with the channel's policies when absent.
	GetOrCreate(ctx context.Context, ch *channel.Channel, sessionKey string) (*Session, bool, error)
	Get(ctx context.Context, channelCode, sessionKey string) (*Session, error)
	// GetForUpdate locks the session row for the duration of tx. Every
	// mutation path goes through this lock, which is what makes rev a
	// linear history.
	GetForUpdate(ctx context.Context, tx pgx.Tx, channelCode, sessionKey string) (*Session, error)
	Save(ctx context.Context, tx pgx.Tx, s *Session) error
}

type postgresRepository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) Repository {
	return &postgresRepository{pool: pool}
}

const sessionColumns = `id, session_key, channel_code, state, pricing_policy, edit_policy,
	rev, data, checks, issues, commit_token, opened_at, committed_at, updated_at`

func (r *postgresRepository) GetOrCreate(ctx context.Context, ch *channel.Channel, sessionKey string) (*Session, bool, error) {
	insert := `
		INSERT INTO sessions (session_key, channel_code, state, pricing_policy, edit_policy, rev, data, checks, issues)
		VALUES ($1, $2, $3, $4, $5, 0, '{}', '{}', 'null')
		ON CONFLICT (channel_code, session_key) DO NOTHING
	`
	tag, err := r.pool.Exec(ctx, insert,
		sessionKey, ch.Code, string(StateOpen), string(ch.PricingPolicy), string(ch.EditPolicy))
	if err != nil {
		return nil, false, fmt.Errorf("repository: failed to create session %s:%s: %w", ch.Code, sessionKey, err)
	}

	s, err := r.Get(ctx, ch.Code, sessionKey)
	if err != nil {
		return nil, false, err
	}
	return s, tag.RowsAffected() > 0, nil
}

func (r *postgresRepository) Get(ctx context.Context, channelCode, sessionKey string) (*Session, error) {
	return r.get(ctx, r.pool, channelCode, sessionKey, false)
}

func (r *postgresRepository) GetForUpdate(ctx context.Context, tx pgx.Tx, channelCode, sessionKey string) (*Session, error) {
	return r.get(ctx, tx, channelCode, sessionKey, true)
}

func (r *postgresRepository) get(ctx context.Context, q db.Querier, channelCode, sessionKey string, forUpdate bool) (*Session, error) {
	query := `
		SELECT ` + sessionColumns + `
		FROM sessions
		WHERE channel_code = $1 AND session_key = $2
	`
	if forUpdate {
		query += ` FOR UPDATE`
	}

	var (
		s         Session
		dataRaw   []byte
		checksRaw []byte
		issuesRaw []byte
		token     *string
	)
	err := q.QueryRow(ctx, query, channelCode, sessionKey).Scan(
		&s.ID, &s.SessionKey, &s.ChannelCode, &s.State, &s.PricingPolicy, &s.EditPolicy,
		&s.Rev, &dataRaw, &checksRaw, &issuesRaw, &token, &s.OpenedAt, &s.CommittedAt, &s.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrSessionNotFound
		}
		return nil, fmt.Errorf("repository: failed to select session %s:%s: %w", channelCode, sessionKey, err)
	}
	if token != nil {
		s.CommitToken = *token
	}

	if err := unmarshalInto(dataRaw, &s.Data); err != nil {
		return nil, fmt.Errorf("repository: failed to decode session data %s:%s: %w", channelCode, sessionKey, err)
	}
	if err := unmarshalInto(checksRaw, &s.Checks); err != nil {
		return nil, fmt.Errorf("repository: failed to decode session checks %s:%s: %w", channelCode, sessionKey, err)
	}
	if err := unmarshalInto(issuesRaw, &s.Issues); err != nil {
		return nil, fmt.Errorf("repository: failed to decode session issues %s:%s: %w", channelCode, sessionKey, err)
	}
	if s.Data == nil {
		s.Data = map[string]any{}
	}
	if s.Checks == nil {
		s.Checks = map[string]Check{}
	}

	items, err := r.loadItems(ctx, q, s.ID)
	if err != nil {
		return nil, err
	}
	s.Items = items
	return &s, nil
}

func unmarshalInto(raw []byte, target any) error {
	if len(raw) == 0 {
		return nil
	}
	return json.Unmarshal(raw, target)
}

func (r *postgresRepository) loadItems(ctx context.Context, q db.Querier, sessionID int64) ([]Item, error) {
	query := `
		SELECT line_id, sku, name, qty, unit_price_q, line_total_q, meta
		FROM session_items
		WHERE session_id = $1
		ORDER BY id
	`
	rows, err := q.Query(ctx, query, sessionID)
	if err != nil {
		return nil, fmt.Errorf("repository: failed to query session items for session %d: %w", sessionID, err)
	}
	defer rows.Close()

	items := make([]Item, 0)
	for rows.Next() {
		var (
			item    Item
			metaRaw []byte
		)
		err := rows.Scan(&item.LineID, &item.SKU, &item.Name, &item.Qty,
			&item.UnitPriceQ, &item.LineTotalQ, &metaRaw)
		if err != nil {
			return nil, fmt.Errorf("repository: failed to scan session item for session %d: %w", sessionID, err)
		}
		if err := unmarshalInto(metaRaw, &item.Meta); err != nil {
			return nil, fmt.Errorf("repository: failed to decode item meta for session %d: %w", sessionID, err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("repository: error iterating session items for session %d: %w", sessionID, err)
	}
	return items, nil
}

func (r *postgresRepository) Save(ctx context.Context, tx pgx.Tx, s *Session) error {
	dataRaw, err := json.Marshal(s.Data)
	if err != nil {
		return fmt.Errorf("repository: failed to encode session data: %w", err)
	}
	checksRaw, err := json.Marshal(s.Checks)
	if err != nil {
		return fmt.Errorf("repository: failed to encode session checks: %w", err)
	}
	issuesRaw, err := json.Marshal(s.Issues)
	if err != nil {
		return fmt.Errorf("repository: failed to encode session issues: %w", err)
	}

	var token *string
	if s.CommitToken != "" {
		token = &s.CommitToken
	}

	s.UpdatedAt = time.Now().UTC()
	update := `
		UPDATE sessions
		SET state = $1, rev = $2, data = $3, checks = $4, issues = $5,
		    commit_token = $6, committed_at = $7, updated_at = $8
		WHERE id = $9
	`
	tag, err := tx.Exec(ctx, update,
		string(s.State), s.Rev, dataRaw, checksRaw, issuesRaw,
		token, s.CommittedAt, s.UpdatedAt, s.ID)
	if err != nil {
		return fmt.Errorf("repository: failed to update session %d: %w", s.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrSessionNotFound
	}

	return r.saveItems(ctx, tx, s)
}

// saveItems rewrites the child rows to match the aggregate: updates
// surviving lines in place, inserts new ones, deletes the rest.
func (r *postgresRepository) saveItems(ctx context.Context, tx pgx.Tx, s *Session) error {
	lineIDs := make([]string, 0, len(s.Items))
	for _, item := range s.Items {
		metaRaw, err := json.Marshal(item.Meta)
		if err != nil {
			return fmt.Errorf("repository: failed to encode item meta for line %s: %w", item.LineID, err)
		}
		upsert := `
			INSERT INTO session_items (session_id, line_id, sku, name, qty, unit_price_q, line_total_q, meta)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
			ON CONFLICT (session_id, line_id) DO UPDATE
			SET sku = EXCLUDED.sku,
			    name = EXCLUDED.name,
			    qty = EXCLUDED.qty,
			    unit_price_q = EXCLUDED.unit_price_q,
			    line_total_q = EXCLUDED.line_total_q,
			    meta = EXCLUDED.meta,
			    updated_at = now()
		`
		_, err = tx.Exec(ctx, upsert,
			s.ID, item.LineID, item.SKU, item.Name, item.Qty, item.UnitPriceQ, item.LineTotalQ, metaRaw)
		if err != nil {
			return fmt.Errorf("repository: failed to upsert session item %s: %w", item.LineID, err)
		}
		lineIDs = append(lineIDs, item.LineID)
	}

	del := `DELETE FROM session_items WHERE session_id = $1 AND line_id != ALL($2)`
	if _, err := tx.Exec(ctx, del, s.ID, lineIDs); err != nil {
		return fmt.Errorf("repository: failed to prune session items for session %d: %w", s.ID, err)
	}
	return nil
}
