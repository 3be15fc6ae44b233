package kernel

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/omniorder/omniorder/internal/session"
)

// CheckWriter is what check handlers use to report results. Split from
// the full session store so handlers cannot reach the pipelines.
type CheckWriter interface {
	ApplyCheckResult(ctx context.Context, channelCode, sessionKey, checkCode string, rev int64,
		result session.CheckResult, issues []session.Issue) (bool, error)
}

// Writer lands asynchronously computed check results back onto the
// session, guarded by revision: a result computed against an old rev is
// dropped, and results never touch a session that left the open state.
type Writer struct {
	db       TxBeginner
	sessions SessionStore
}

func NewWriter(db TxBeginner, sessions SessionStore) *Writer {
	return &Writer{db: db, sessions: sessions}
}

// ApplyCheckResult stamps the check and swaps the check's issues in
// under the session lock. Returns false when the write was discarded:
// stale rev, closed session, or the session is gone. Discards are not
// errors; the dispatcher marks the directive done either way.
func (w *Writer) ApplyCheckResult(ctx context.Context, channelCode, sessionKey, checkCode string, rev int64,
	result session.CheckResult, issues []session.Issue) (applied bool, err error) {
	tx, err := w.db.Begin(ctx)
	if err != nil {
		return false, fmt.Errorf("service: failed to begin transaction: %w", err)
	}
	defer rollbackOnError(ctx, tx, &err, sessionKey)

	s, err := w.sessions.GetForUpdate(ctx, tx, channelCode, sessionKey)
	if err != nil {
		if errors.Is(err, session.ErrSessionNotFound) {
			log.Warn().Str("channel", channelCode).Str("session_key", sessionKey).
				Str("check", checkCode).Msg("service: check result for unknown session discarded")
			return false, nil
		}
		return false, err
	}
	if !s.IsOpen() {
		log.Info().Str("channel", channelCode).Str("session_key", sessionKey).
			Str("check", checkCode).Str("state", string(s.State)).
			Msg("service: check result for closed session discarded")
		return false, nil
	}
	if s.Rev != rev {
		log.Info().Str("channel", channelCode).Str("session_key", sessionKey).
			Str("check", checkCode).Int64("result_rev", rev).Int64("session_rev", s.Rev).
			Msg("service: stale check result discarded")
		return false, nil
	}

	if s.Checks == nil {
		s.Checks = map[string]session.Check{}
	}
	s.Checks[checkCode] = session.Check{Rev: rev, At: now(), Result: result}
	s.ReplaceIssuesFromSource(checkCode, issues)

	if err = w.sessions.Save(ctx, tx, s); err != nil {
		return false, err
	}
	if err = tx.Commit(ctx); err != nil {
		return false, fmt.Errorf("service: failed to commit transaction: %w", err)
	}
	return true, nil
}
