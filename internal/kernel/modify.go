package kernel

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/rs/zerolog/log"

	"github.com/omniorder/omniorder/internal/channel"
	"github.com/omniorder/omniorder/internal/directive"
	"github.com/omniorder/omniorder/internal/errs"
	"github.com/omniorder/omniorder/internal/ids"
	"github.com/omniorder/omniorder/internal/session"
)

// Modify applies operations to a session under its row lock: apply ops,
// run modifiers and draft validators, bump rev, drop stale checks,
// persist, enqueue the channel's required check directives.
type Modify struct {
	db         TxBeginner
	sessions   SessionStore
	channels   ChannelStore
	directives DirectiveEnqueuer
	registry   *Registry
}

func NewModify(db TxBeginner, sessions SessionStore, channels ChannelStore, directives DirectiveEnqueuer, registry *Registry) *Modify {
	return &Modify{db: db, sessions: sessions, channels: channels, directives: directives, registry: registry}
}

// Open returns the open session for (channel, key), creating it when
// absent. An empty key asks the kernel to mint one.
func (m *Modify) Open(ctx context.Context, channelCode, sessionKey string) (*session.Session, error) {
	ch, err := m.channels.GetByCode(ctx, channelCode)
	if err != nil {
		return nil, err
	}
	if sessionKey == "" {
		sessionKey = ids.NewSessionKey()
	}
	s, created, err := m.sessions.GetOrCreate(ctx, ch, sessionKey)
	if err != nil {
		return nil, err
	}
	if created {
		log.Info().Str("channel", channelCode).Str("session_key", s.SessionKey).Msg("service: session opened")
	}
	return s, nil
}

// Modify runs the modify pipeline. The whole batch applies or none of
// it does.
func (m *Modify) Modify(ctx context.Context, channelCode, sessionKey string, ops []session.Op) (s *session.Session, err error) {
	tx, err := m.db.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("service: failed to begin transaction: %w", err)
	}
	defer rollbackOnError(ctx, tx, &err, sessionKey)

	s, err = m.sessions.GetForUpdate(ctx, tx, channelCode, sessionKey)
	if err != nil {
		return nil, err
	}
	ch, err := m.channels.GetByCodeTx(ctx, tx, channelCode)
	if err != nil {
		return nil, err
	}
	if err = gateEditable(s, ch); err != nil {
		return nil, err
	}

	if err = m.applyLocked(ctx, tx, ch, s, ops); err != nil {
		return nil, err
	}

	if err = tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("service: failed to commit transaction: %w", err)
	}

	log.Info().Str("channel", channelCode).Str("session_key", sessionKey).
		Int64("rev", s.Rev).Int("ops", len(ops)).Msg("service: session modified")
	return s, nil
}

// applyLocked performs steps 2-8 of the pipeline against an
// already-locked session. Shared with issue resolution, which holds the
// same lock while re-entering the pipeline.
func (m *Modify) applyLocked(ctx context.Context, tx pgx.Tx, ch *channel.Channel, s *session.Session, ops []session.Op) error {
	items, data, err := session.ApplyOps(s.Items, s.Data, ops, s.PricingPolicy)
	if err != nil {
		return err
	}
	s.Items = items
	s.Data = data

	for _, mod := range m.registry.Modifiers() {
		if err := mod.Apply(ctx, ch, s); err != nil {
			return err
		}
	}
	for _, v := range m.registry.Validators(StageDraft) {
		if err := v.Validate(ctx, ch, s); err != nil {
			return err
		}
	}

	s.Rev++
	s.ClearChecks()

	if err := m.sessions.Save(ctx, tx, s); err != nil {
		return err
	}

	for _, checkCode := range ch.Config.RequiredChecks {
		payload := CheckPayload{
			SessionKey:  s.SessionKey,
			ChannelCode: ch.Code,
			Rev:         s.Rev,
			Items:       s.Items,
		}
		d, err := directive.New(ch.Config.CheckTopic(checkCode), payload)
		if err != nil {
			return err
		}
		if err := m.directives.Enqueue(ctx, tx, d); err != nil {
			return err
		}
	}
	return nil
}

// Abandon closes a session without committing it. Terminal: the session
// never reopens. A stock.release directive frees any holds the checks
// created.
func (m *Modify) Abandon(ctx context.Context, channelCode, sessionKey string) (s *session.Session, err error) {
	tx, err := m.db.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("service: failed to begin transaction: %w", err)
	}
	defer rollbackOnError(ctx, tx, &err, sessionKey)

	s, err = m.sessions.GetForUpdate(ctx, tx, channelCode, sessionKey)
	if err != nil {
		return nil, err
	}
	ch, err := m.channels.GetByCodeTx(ctx, tx, channelCode)
	if err != nil {
		return nil, err
	}
	if err = gateOpen(s, ch); err != nil {
		return nil, err
	}

	s.State = session.StateAbandoned
	if err = m.sessions.Save(ctx, tx, s); err != nil {
		return nil, err
	}

	if hasCheck(ch.Config.RequiredChecks, "stock") {
		payload := PostCommitPayload{ChannelCode: ch.Code, SessionKey: s.SessionKey}
		d, derr := directive.New("stock.release", payload)
		if derr != nil {
			return nil, derr
		}
		if err = m.directives.Enqueue(ctx, tx, d); err != nil {
			return nil, err
		}
	}

	if err = tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("service: failed to commit transaction: %w", err)
	}
	log.Info().Str("channel", channelCode).Str("session_key", sessionKey).Msg("service: session abandoned")
	return s, nil
}

func hasCheck(checks []string, code string) bool {
	for _, c := range checks {
		if c == code {
			return true
		}
	}
	return false
}

// gateOpen rejects sessions that already left the open state.
func gateOpen(s *session.Session, ch *channel.Channel) error {
	channelName := ch.Name
	if channelName == "" {
		channelName = ch.Code
	}
	switch s.State {
	case session.StateCommitted:
		return errs.Session("already_committed", "this session has been committed and can no longer change",
			map[string]any{"session_key": s.SessionKey, "channel": channelName})
	case session.StateAbandoned:
		return errs.Session("already_abandoned", "this session has been abandoned and can no longer change",
			map[string]any{"session_key": s.SessionKey, "channel": channelName})
	}
	return nil
}

// gateEditable additionally enforces the edit policy.
func gateEditable(s *session.Session, ch *channel.Channel) error {
	if err := gateOpen(s, ch); err != nil {
		return err
	}
	if s.EditPolicy == channel.EditLocked {
		channelName := ch.Name
		if channelName == "" {
			channelName = ch.Code
		}
		return errs.Session("locked",
			fmt.Sprintf("sessions on channel %q cannot be edited: this channel receives finished orders from an external platform", channelName),
			map[string]any{"session_key": s.SessionKey, "channel": channelName, "edit_policy": string(s.EditPolicy)})
	}
	return nil
}

// rollbackOnError rolls the transaction back when the pipeline failed.
func rollbackOnError(ctx context.Context, tx pgx.Tx, err *error, sessionKey string) {
	if *err == nil {
		return
	}
	if rbErr := tx.Rollback(ctx); rbErr != nil && rbErr != pgx.ErrTxClosed {
		log.Error().Err(rbErr).Str("session_key", sessionKey).Msg("service: failed to rollback transaction")
	}
}

// now is time.Now, split out so tests can pin it.
var now = func() time.Time { return time.Now().UTC() }
