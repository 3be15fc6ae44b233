package kernel_test

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/omniorder/omniorder/internal/channel"
	"github.com/omniorder/omniorder/internal/errs"
	"github.com/omniorder/omniorder/internal/kernel"
	"github.com/omniorder/omniorder/internal/session"
)

type failingValidator struct{}

func (failingValidator) Code() string        { return "always_fails" }
func (failingValidator) Stage() kernel.Stage { return kernel.StageDraft }
func (failingValidator) Validate(_ context.Context, _ *channel.Channel, _ *session.Session) error {
	return errs.Validation("rejected", "draft rejected", nil)
}

func newModifyFixture(s *session.Session, ch *channel.Channel) (*kernel.Modify, *mockEnqueuer, *mockSessionStore, *fakeTx, *kernel.Registry) {
	tx := &fakeTx{}
	enqueuer := &mockEnqueuer{}
	sessions := &mockSessionStore{
		getForUpdateFunc: func(_ context.Context, _ pgx.Tx, _, _ string) (*session.Session, error) {
			return s, nil
		},
		saveFunc: func(_ context.Context, _ pgx.Tx, _ *session.Session) error {
			return nil
		},
	}
	registry := kernel.NewRegistry()
	m := kernel.NewModify(&mockTxBeginner{tx: tx}, sessions, &mockChannelStore{ch: ch}, enqueuer, registry)
	return m, enqueuer, sessions, tx, registry
}

func TestModify_AppliesOpsAndBumpsRev(t *testing.T) {
	ch := testChannel()
	s := openSession(ch)
	s.Checks["stock"] = session.Check{Rev: s.Rev, Result: session.CheckResult{OK: true}}
	m, enqueuer, _, tx, _ := newModifyFixture(s, ch)

	got, err := m.Modify(context.Background(), "web", s.SessionKey, []session.Op{
		{Op: session.OpAddLine, SKU: "TEA-002", Qty: qtyOf(1)},
	})
	require.NoError(t, err)

	assert.Equal(t, int64(2), got.Rev)
	assert.Len(t, got.Items, 2)
	// Checks were computed against rev 1 and must be gone.
	assert.Empty(t, got.Checks)
	assert.Equal(t, 1, tx.commits)

	// One directive per required check, carrying the new rev.
	require.Len(t, enqueuer.enqueued, 1)
	d := enqueuer.enqueued[0]
	assert.Equal(t, "stock.hold", d.Topic)
	var payload kernel.CheckPayload
	require.NoError(t, json.Unmarshal(d.Payload, &payload))
	assert.Equal(t, int64(2), payload.Rev)
	assert.Equal(t, "web", payload.ChannelCode)
	assert.Len(t, payload.Items, 2)
}

func TestModify_CommittedSessionRejected(t *testing.T) {
	ch := testChannel()
	s := openSession(ch)
	s.State = session.StateCommitted
	m, enqueuer, _, tx, _ := newModifyFixture(s, ch)

	_, err := m.Modify(context.Background(), "web", s.SessionKey, []session.Op{
		{Op: session.OpAddLine, SKU: "TEA-002", Qty: qtyOf(1)},
	})
	assert.True(t, errs.HasCode(err, errs.KindSession, "already_committed"))
	assert.Empty(t, enqueuer.enqueued)
	assert.Equal(t, 0, tx.commits)
	assert.Equal(t, 1, tx.rollbacks)
}

func TestModify_LockedChannelRejected(t *testing.T) {
	ch := testChannel()
	ch.EditPolicy = channel.EditLocked
	s := openSession(ch)
	s.EditPolicy = channel.EditLocked
	m, _, _, _, _ := newModifyFixture(s, ch)

	_, err := m.Modify(context.Background(), "web", s.SessionKey, []session.Op{
		{Op: session.OpSetQty, LineID: "L-AAAAAAAA", Qty: qtyOf(5)},
	})
	assert.True(t, errs.HasCode(err, errs.KindSession, "locked"))
}

func TestModify_DraftValidatorAborts(t *testing.T) {
	ch := testChannel()
	s := openSession(ch)
	m, enqueuer, _, tx, registry := newModifyFixture(s, ch)
	registry.RegisterValidator(failingValidator{})

	_, err := m.Modify(context.Background(), "web", s.SessionKey, []session.Op{
		{Op: session.OpSetQty, LineID: "L-AAAAAAAA", Qty: qtyOf(5)},
	})
	assert.True(t, errs.HasCode(err, errs.KindValidation, "rejected"))
	assert.Empty(t, enqueuer.enqueued)
	assert.Equal(t, 1, tx.rollbacks)
}

func TestAbandon(t *testing.T) {
	ch := testChannel()
	s := openSession(ch)
	m, enqueuer, _, tx, _ := newModifyFixture(s, ch)

	got, err := m.Abandon(context.Background(), "web", s.SessionKey)
	require.NoError(t, err)

	assert.Equal(t, session.StateAbandoned, got.State)
	assert.Equal(t, 1, tx.commits)
	require.Len(t, enqueuer.enqueued, 1)
	assert.Equal(t, "stock.release", enqueuer.enqueued[0].Topic)
}

func TestAbandon_AlreadyAbandoned(t *testing.T) {
	ch := testChannel()
	s := openSession(ch)
	s.State = session.StateAbandoned
	m, enqueuer, _, _, _ := newModifyFixture(s, ch)

	_, err := m.Abandon(context.Background(), "web", s.SessionKey)
	assert.True(t, errs.HasCode(err, errs.KindSession, "already_abandoned"))
	assert.Empty(t, enqueuer.enqueued)
}

func qtyOf(v int64) *int64 { return &v }
