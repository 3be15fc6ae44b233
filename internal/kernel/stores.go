package kernel

import (
	"context"
	"encoding/json"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/omniorder/omniorder/internal/channel"
	"github.com/omniorder/omniorder/internal/directive"
	"github.com/omniorder/omniorder/internal/idempotency"
	"github.com/omniorder/omniorder/internal/order"
	"github.com/omniorder/omniorder/internal/session"
)

// TxBeginner is satisfied by pgxpool.Pool.
type TxBeginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

type SessionStore interface {
	GetOrCreate(ctx context.Context, ch *channel.Channel, sessionKey string) (*session.Session, bool, error)
	GetForUpdate(ctx context.Context, tx pgx.Tx, channelCode, sessionKey string) (*session.Session, error)
	Save(ctx context.Context, tx pgx.Tx, s *session.Session) error
}

type ChannelStore interface {
	GetByCode(ctx context.Context, code string) (*channel.Channel, error)
	GetByCodeTx(ctx context.Context, tx pgx.Tx, code string) (*channel.Channel, error)
}

type DirectiveEnqueuer interface {
	Enqueue(ctx context.Context, tx pgx.Tx, d *directive.Directive) error
}

type OrderStore interface {
	Create(ctx context.Context, tx pgx.Tx, o *order.Order) error
	GetBySessionTx(ctx context.Context, tx pgx.Tx, channelCode, sessionKey string) (*order.Order, error)
	AppendEvent(ctx context.Context, tx pgx.Tx, e *order.Event) error
}

type IdempotencyGuard interface {
	Acquire(ctx context.Context, scope, key string, ttl time.Duration) (*idempotency.Acquisition, error)
	MarkDone(ctx context.Context, scope, key string, responseCode int, body json.RawMessage) error
	MarkFailed(ctx context.Context, scope, key string) error
}

// CheckPayload rides every check directive. Items and rev let the
// handler prove the session has not moved since the check was requested.
type CheckPayload struct {
	SessionKey  string         `json:"session_key"`
	ChannelCode string         `json:"channel_code"`
	Rev         int64          `json:"rev"`
	Items       []session.Item `json:"items"`
}

// PostCommitPayload rides every post-commit directive. Holds is set only
// on stock.commit, carrying the reservations to finalize.
type PostCommitPayload struct {
	OrderRef    string         `json:"order_ref"`
	ChannelCode string         `json:"channel_code"`
	SessionKey  string         `json:"session_key"`
	Holds       []session.Hold `json:"holds,omitempty"`
}
