package kernel_test

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

// fakeTx satisfies pgx.Tx through interface embedding; only the
// methods the pipelines call are overridden.
type fakeTx struct {
	pgx.Tx
	commits   int
	rollbacks int
}

func (t *fakeTx) Commit(_ context.Context) error {
	t.commits++
	return nil
}

func (t *fakeTx) Rollback(_ context.Context) error {
	t.rollbacks++
	return nil
}

type mockTxBeginner struct {
	tx *fakeTx
}

func (m *mockTxBeginner) Begin(_ context.Context) (pgx.Tx, error) {
	return m.tx, nil
}

type mockSessionStore struct {
	getOrCreateFunc  func(ctx context.Context, ch *channel.Channel, sessionKey string) (*session.Session, bool, error)
	getForUpdateFunc func(ctx context.Context, tx pgx.Tx, channelCode, sessionKey string) (*session.Session, error)
	saveFunc         func(ctx context.Context, tx pgx.Tx, s *session.Session) error
}

func (m *mockSessionStore) GetOrCreate(ctx context.Context, ch *channel.Channel, sessionKey string) (*session.Session, bool, error) {
	return m.getOrCreateFunc(ctx, ch, sessionKey)
}

func (m *mockSessionStore) GetForUpdate(ctx context.Context, tx pgx.Tx, channelCode, sessionKey string) (*session.Session, error) {
	return m.getForUpdateFunc(ctx, tx, channelCode, sessionKey)
}

func (m *mockSessionStore) Save(ctx context.Context, tx pgx.Tx, s *session.Session) error {
	return m.saveFunc(ctx, tx, s)
}

type mockChannelStore struct {
	ch *channel.Channel
}

func (m *mockChannelStore) GetByCode(_ context.Context, _ string) (*channel.Channel, error) {
	return m.ch, nil
}

func (m *mockChannelStore) GetByCodeTx(_ context.Context, _ pgx.Tx, _ string) (*channel.Channel, error) {
	return m.ch, nil
}

type mockEnqueuer struct {
	enqueued []*directive.Directive
	err      error
}

func (m *mockEnqueuer) Enqueue(_ context.Context, _ pgx.Tx, d *directive.Directive) error {
	if m.err != nil {
		return m.err
	}
	m.enqueued = append(m.enqueued, d)
	return nil
}

type mockOrderStore struct {
	createFunc       func(ctx context.Context, tx pgx.Tx, o *order.Order) error
	getBySessionFunc func(ctx context.Context, tx pgx.Tx, channelCode, sessionKey string) (*order.Order, error)
	appendEventFunc  func(ctx context.Context, tx pgx.Tx, e *order.Event) error
	events           []*order.Event
}

func (m *mockOrderStore) Create(ctx context.Context, tx pgx.Tx, o *order.Order) error {
	if m.createFunc != nil {
		return m.createFunc(ctx, tx, o)
	}
	o.ID = 1
	o.CreatedAt = time.Now().UTC()
	return nil
}

func (m *mockOrderStore) GetBySessionTx(ctx context.Context, tx pgx.Tx, channelCode, sessionKey string) (*order.Order, error) {
	return m.getBySessionFunc(ctx, tx, channelCode, sessionKey)
}

func (m *mockOrderStore) AppendEvent(ctx context.Context, tx pgx.Tx, e *order.Event) error {
	if m.appendEventFunc != nil {
		return m.appendEventFunc(ctx, tx, e)
	}
	m.events = append(m.events, e)
	return nil
}

type mockGuard struct {
	acquireFunc func(ctx context.Context, scope, key string, ttl time.Duration) (*idempotency.Acquisition, error)
	doneScope   string
	doneKey     string
	doneBody    json.RawMessage
	failedKey   string
}

func (m *mockGuard) Acquire(ctx context.Context, scope, key string, ttl time.Duration) (*idempotency.Acquisition, error) {
	if m.acquireFunc != nil {
		return m.acquireFunc(ctx, scope, key, ttl)
	}
	return &idempotency.Acquisition{}, nil
}

func (m *mockGuard) MarkDone(_ context.Context, scope, key string, _ int, body json.RawMessage) error {
	m.doneScope = scope
	m.doneKey = key
	m.doneBody = body
	return nil
}

func (m *mockGuard) MarkFailed(_ context.Context, _, key string) error {
	m.failedKey = key
	return nil
}

func testChannel() *channel.Channel {
	ch := &channel.Channel{
		Code:          "web",
		Name:          "Web Store",
		PricingPolicy: channel.PricingInternal,
		EditPolicy:    channel.EditOpen,
		IsActive:      true,
		Config: channel.Config{
			RequiredChecks:   []string{"stock"},
			PostCommitTopics: []string{"stock.commit", "payment.capture", "notify.order"},
		},
	}
	ch.Config.Normalize()
	return ch
}

func priceOf(v int64) *int64 { return &v }

func openSession(ch *channel.Channel) *session.Session {
	return &session.Session{
		ID:            1,
		SessionKey:    "SESS-TESTTESTTEST",
		ChannelCode:   ch.Code,
		State:         session.StateOpen,
		PricingPolicy: ch.PricingPolicy,
		EditPolicy:    ch.EditPolicy,
		Rev:           1,
		Items: []session.Item{
			{LineID: "L-AAAAAAAA", SKU: "TEA-001", Qty: 2, UnitPriceQ: priceOf(450), LineTotalQ: 900},
		},
		Data:   map[string]any{},
		Checks: map[string]session.Check{},
	}
}

// passingCheck stamps a fresh ok stock check onto s.
func passingCheck(s *session.Session) {
	expires := time.Now().UTC().Add(10 * time.Minute)
	s.Checks["stock"] = session.Check{
		Rev: s.Rev,
		At:  time.Now().UTC(),
		Result: session.CheckResult{
			OK: true,
			Holds: []session.Hold{
				{HoldID: "HOLD-1", SKU: "TEA-001", Qty: 2, ExpiresAt: &expires},
			},
		},
	}
}
