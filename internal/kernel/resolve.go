package kernel

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/omniorder/omniorder/internal/errs"
	"github.com/omniorder/omniorder/internal/session"
)

// Resolve applies a suggested remediation action to an open session.
// The resolver turns the (issue, action) pair into ops, and the ops run
// through the same locked modify pipeline as a direct edit, so the
// resulting rev bump re-triggers the channel's checks.
type Resolve struct {
	modify *Modify
}

func NewResolve(modify *Modify) *Resolve {
	return &Resolve{modify: modify}
}

func (r *Resolve) Resolve(ctx context.Context, channelCode, sessionKey, issueID, actionID string) (s *session.Session, err error) {
	tx, err := r.modify.db.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("service: failed to begin transaction: %w", err)
	}
	defer rollbackOnError(ctx, tx, &err, sessionKey)

	s, err = r.modify.sessions.GetForUpdate(ctx, tx, channelCode, sessionKey)
	if err != nil {
		return nil, err
	}
	ch, err := r.modify.channels.GetByCodeTx(ctx, tx, channelCode)
	if err != nil {
		return nil, err
	}
	if err = gateEditable(s, ch); err != nil {
		return nil, err
	}

	issue := s.FindIssue(issueID)
	if issue == nil {
		return nil, errs.Resolve("issue_not_found",
			fmt.Sprintf("issue %s does not exist on this session; it may have been cleared by a later edit", issueID),
			map[string]any{"session_key": sessionKey, "issue_id": issueID})
	}

	action := findAction(issue, actionID)
	if action == nil {
		return nil, errs.Resolve("action_not_found",
			fmt.Sprintf("issue %s has no action %s", issueID, actionID),
			map[string]any{"session_key": sessionKey, "issue_id": issueID, "action_id": actionID})
	}
	// Actions are computed against a specific revision; applying one to
	// a session that moved on could act on lines that no longer exist.
	if action.Rev != s.Rev {
		return nil, errs.Resolve("stale_action",
			fmt.Sprintf("action %s was suggested at revision %d but the session is at %d", actionID, action.Rev, s.Rev),
			map[string]any{"session_key": sessionKey, "action_id": actionID, "action_rev": action.Rev, "rev": s.Rev})
	}

	resolver, ok := r.modify.registry.Resolver(issue.Source)
	if !ok {
		return nil, errs.Resolve("no_resolver",
			fmt.Sprintf("no resolver registered for issues from %q", issue.Source),
			map[string]any{"issue_id": issueID, "source": issue.Source})
	}

	ops, err := resolver.Ops(s, *issue, actionID)
	if err != nil {
		return nil, errs.Resolve("resolver_error", err.Error(),
			map[string]any{"issue_id": issueID, "action_id": actionID, "source": issue.Source})
	}
	if len(ops) == 0 {
		return nil, errs.Resolve("no_ops",
			fmt.Sprintf("action %s produced no operations", actionID),
			map[string]any{"issue_id": issueID, "action_id": actionID})
	}

	if err = r.modify.applyLocked(ctx, tx, ch, s, ops); err != nil {
		return nil, err
	}
	if err = tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("service: failed to commit transaction: %w", err)
	}

	log.Info().Str("channel", channelCode).Str("session_key", sessionKey).
		Str("issue_id", issueID).Str("action_id", actionID).Int64("rev", s.Rev).
		Msg("service: issue resolved")
	return s, nil
}

func findAction(issue *session.Issue, actionID string) *session.Action {
	for i := range issue.Actions {
		if issue.Actions[i].ID == actionID {
			return &issue.Actions[i]
		}
	}
	return nil
}
