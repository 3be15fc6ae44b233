package kernel_test

import (
	"context"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/omniorder/omniorder/internal/kernel"
	"github.com/omniorder/omniorder/internal/session"
)

func newWriterFixture(s *session.Session, getErr error) (*kernel.Writer, *fakeTx, **session.Session) {
	tx := &fakeTx{}
	var saved *session.Session
	sessions := &mockSessionStore{
		getForUpdateFunc: func(_ context.Context, _ pgx.Tx, _, _ string) (*session.Session, error) {
			if getErr != nil {
				return nil, getErr
			}
			return s, nil
		},
		saveFunc: func(_ context.Context, _ pgx.Tx, sess *session.Session) error {
			saved = sess
			return nil
		},
	}
	return kernel.NewWriter(&mockTxBeginner{tx: tx}, sessions), tx, &saved
}

func TestApplyCheckResult_Applied(t *testing.T) {
	ch := testChannel()
	s := openSession(ch)
	s.Issues = []session.Issue{
		{ID: "ISS-OLD", Source: "stock", Code: "insufficient_stock", Blocking: true},
		{ID: "ISS-KEEP", Source: "fraud", Code: "review", Blocking: false},
	}
	w, tx, saved := newWriterFixture(s, nil)

	issues := []session.Issue{{ID: "ISS-NEW", Source: "stock", Code: "insufficient_stock", Blocking: true}}
	applied, err := w.ApplyCheckResult(context.Background(), "web", s.SessionKey, "stock", s.Rev,
		session.CheckResult{OK: false}, issues)
	require.NoError(t, err)
	assert.True(t, applied)

	check, ok := s.Checks["stock"]
	require.True(t, ok)
	assert.Equal(t, s.Rev, check.Rev)
	assert.False(t, check.Result.OK)
	assert.False(t, check.At.IsZero())

	// Same-source issues replaced, other sources kept.
	require.Len(t, s.Issues, 2)
	assert.Equal(t, "ISS-KEEP", s.Issues[0].ID)
	assert.Equal(t, "ISS-NEW", s.Issues[1].ID)

	require.NotNil(t, *saved)
	assert.Equal(t, 1, tx.commits)
}

func TestApplyCheckResult_StaleRevDiscarded(t *testing.T) {
	ch := testChannel()
	s := openSession(ch)
	s.Rev = 4
	w, tx, saved := newWriterFixture(s, nil)

	applied, err := w.ApplyCheckResult(context.Background(), "web", s.SessionKey, "stock", 3,
		session.CheckResult{OK: true}, nil)
	require.NoError(t, err)
	assert.False(t, applied)
	assert.Nil(t, *saved)
	assert.NotContains(t, s.Checks, "stock")
	assert.Equal(t, 0, tx.commits)
}

func TestApplyCheckResult_ClosedSessionDiscarded(t *testing.T) {
	for _, state := range []session.State{session.StateCommitted, session.StateAbandoned} {
		t.Run(string(state), func(t *testing.T) {
			ch := testChannel()
			s := openSession(ch)
			s.State = state
			w, _, saved := newWriterFixture(s, nil)

			applied, err := w.ApplyCheckResult(context.Background(), "web", s.SessionKey, "stock", s.Rev,
				session.CheckResult{OK: true}, nil)
			require.NoError(t, err)
			assert.False(t, applied)
			assert.Nil(t, *saved)
		})
	}
}

func TestApplyCheckResult_MissingSessionDiscarded(t *testing.T) {
	w, _, _ := newWriterFixture(nil, session.ErrSessionNotFound)

	applied, err := w.ApplyCheckResult(context.Background(), "web", "SESS-GONE", "stock", 1,
		session.CheckResult{OK: true}, nil)
	require.NoError(t, err)
	assert.False(t, applied)
}
