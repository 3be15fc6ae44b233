package kernel_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/omniorder/omniorder/internal/errs"
	"github.com/omniorder/omniorder/internal/kernel"
	"github.com/omniorder/omniorder/internal/session"
)

type opsResolver struct {
	source string
	ops    []session.Op
}

func (r opsResolver) Source() string { return r.source }
func (r opsResolver) Ops(_ *session.Session, issue session.Issue, actionID string) ([]session.Op, error) {
	if r.ops != nil {
		return r.ops, nil
	}
	for _, action := range issue.Actions {
		if action.ID == actionID {
			return action.Ops, nil
		}
	}
	return nil, nil
}

func sessionWithIssue(rev int64) *session.Session {
	ch := testChannel()
	s := openSession(ch)
	s.Rev = rev
	reduced := int64(1)
	s.Issues = []session.Issue{
		{
			ID:       "ISS-STOCK1",
			Source:   "stock",
			Code:     "insufficient_stock",
			Blocking: true,
			Actions: []session.Action{
				{
					ID:  "ACT-REDUCE1",
					Rev: rev,
					Ops: []session.Op{{Op: session.OpSetQty, LineID: "L-AAAAAAAA", Qty: &reduced}},
				},
			},
		},
	}
	return s
}

func TestResolve_AppliesActionOps(t *testing.T) {
	s := sessionWithIssue(2)
	ch := testChannel()
	m, enqueuer, _, tx, registry := newModifyFixture(s, ch)
	require.NoError(t, registry.RegisterResolver(opsResolver{source: "stock"}))
	r := kernel.NewResolve(m)

	got, err := r.Resolve(context.Background(), "web", s.SessionKey, "ISS-STOCK1", "ACT-REDUCE1")
	require.NoError(t, err)

	assert.Equal(t, int64(3), got.Rev)
	require.Len(t, got.Items, 1)
	assert.Equal(t, int64(1), got.Items[0].Qty)
	// Re-entering the pipeline cleared the issue and re-enqueued checks.
	assert.Empty(t, got.Issues)
	require.Len(t, enqueuer.enqueued, 1)
	assert.Equal(t, "stock.hold", enqueuer.enqueued[0].Topic)
	assert.Equal(t, 1, tx.commits)
}

func TestResolve_Errors(t *testing.T) {
	tests := []struct {
		name     string
		issueID  string
		actionID string
		rev      int64
		resolver *opsResolver
		wantCode string
	}{
		{
			name:     "issue_not_found",
			issueID:  "ISS-NOPE",
			actionID: "ACT-REDUCE1",
			rev:      2,
			resolver: &opsResolver{source: "stock"},
			wantCode: "issue_not_found",
		},
		{
			name:     "action_not_found",
			issueID:  "ISS-STOCK1",
			actionID: "ACT-NOPE",
			rev:      2,
			resolver: &opsResolver{source: "stock"},
			wantCode: "action_not_found",
		},
		{
			name:     "no_resolver",
			issueID:  "ISS-STOCK1",
			actionID: "ACT-REDUCE1",
			rev:      2,
			wantCode: "no_resolver",
		},
		{
			name:     "no_ops",
			issueID:  "ISS-STOCK1",
			actionID: "ACT-REDUCE1",
			rev:      2,
			resolver: &opsResolver{source: "stock", ops: []session.Op{}},
			wantCode: "no_ops",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := sessionWithIssue(tt.rev)
			ch := testChannel()
			m, enqueuer, _, _, registry := newModifyFixture(s, ch)
			if tt.resolver != nil {
				require.NoError(t, registry.RegisterResolver(*tt.resolver))
			}
			r := kernel.NewResolve(m)

			_, err := r.Resolve(context.Background(), "web", s.SessionKey, tt.issueID, tt.actionID)
			assert.Error(t, err)
			assert.Equal(t, tt.wantCode, errs.CodeOf(err))
			assert.Empty(t, enqueuer.enqueued)
		})
	}
}

func TestResolve_StaleAction(t *testing.T) {
	s := sessionWithIssue(2)
	// The session moved on after the action was suggested.
	s.Rev = 3
	ch := testChannel()
	m, _, _, _, registry := newModifyFixture(s, ch)
	require.NoError(t, registry.RegisterResolver(opsResolver{source: "stock"}))
	r := kernel.NewResolve(m)

	_, err := r.Resolve(context.Background(), "web", s.SessionKey, "ISS-STOCK1", "ACT-REDUCE1")
	assert.True(t, errs.HasCode(err, errs.KindResolve, "stale_action"))
}
