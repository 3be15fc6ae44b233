package kernel

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/rs/zerolog/log"

	"github.com/omniorder/omniorder/internal/channel"
	"github.com/omniorder/omniorder/internal/directive"
	"github.com/omniorder/omniorder/internal/errs"
	"github.com/omniorder/omniorder/internal/ids"
	"github.com/omniorder/omniorder/internal/order"
	"github.com/omniorder/omniorder/internal/session"
)

// idempotencyTTL bounds how long a commit key blocks duplicates and
// serves its cached result.
const idempotencyTTL = 24 * time.Hour

// CommitResult is the sealed outcome of a commit, cached verbatim under
// the idempotency key so retries see the same answer.
type CommitResult struct {
	OrderRef   string `json:"order_ref"`
	OrderID    int64  `json:"order_id"`
	Status     string `json:"status"`
	TotalQ     int64  `json:"total_q"`
	ItemsCount int    `json:"items_count"`
}

// Transitioner runs post-create auto transitions. Wired to the order
// state machine at startup; nil disables auto transitions.
type Transitioner interface {
	Transition(ctx context.Context, ref, newStatus, actor string) (*order.Order, error)
}

// Commit seals an open session into an order. Three phases: the
// idempotency guard runs outside the transaction so a crash mid-commit
// leaves a reclaimable in_progress key; the seal itself is one
// transaction under the session row lock; the guard outcome is recorded
// after the transaction ends.
type Commit struct {
	db           TxBeginner
	sessions     SessionStore
	channels     ChannelStore
	orders       OrderStore
	directives   DirectiveEnqueuer
	guard        IdempotencyGuard
	registry     *Registry
	transitioner Transitioner
}

func NewCommit(db TxBeginner, sessions SessionStore, channels ChannelStore, orders OrderStore,
	directives DirectiveEnqueuer, guard IdempotencyGuard, registry *Registry) *Commit {
	return &Commit{
		db:         db,
		sessions:   sessions,
		channels:   channels,
		orders:     orders,
		directives: directives,
		guard:      guard,
		registry:   registry,
	}
}

// SetTransitioner breaks the construction cycle with the state machine,
// which itself needs the order store.
func (c *Commit) SetTransitioner(t Transitioner) {
	c.transitioner = t
}

// Commit runs the commit pipeline. An empty idempotencyKey gets a
// generated one, which still protects against transport-level retries
// of the same request but not against client resubmission.
func (c *Commit) Commit(ctx context.Context, channelCode, sessionKey, idempotencyKey string) (*CommitResult, error) {
	if idempotencyKey == "" {
		idempotencyKey = ids.NewIdempotencyKey()
	}
	scope := "commit:" + channelCode

	acq, err := c.guard.Acquire(ctx, scope, idempotencyKey, idempotencyTTL)
	if err != nil {
		return nil, err
	}
	if acq.Cached != nil {
		var cached CommitResult
		if err := json.Unmarshal(acq.Cached, &cached); err != nil {
			return nil, fmt.Errorf("service: failed to decode cached commit result: %w", err)
		}
		log.Info().Str("channel", channelCode).Str("session_key", sessionKey).
			Str("order_ref", cached.OrderRef).Msg("service: commit replayed from idempotency cache")
		return &cached, nil
	}

	result, err := c.commitTx(ctx, channelCode, sessionKey, idempotencyKey)
	if err != nil {
		if markErr := c.guard.MarkFailed(ctx, scope, idempotencyKey); markErr != nil {
			log.Error().Err(markErr).Str("channel", channelCode).Str("session_key", sessionKey).
				Msg("service: failed to mark idempotency key failed")
		}
		return nil, err
	}

	// Auto transitions run before the result is cached so a replay of
	// the same key returns the status the first caller saw.
	c.autoTransition(ctx, channelCode, result)

	body, err := json.Marshal(result)
	if err != nil {
		return nil, fmt.Errorf("service: failed to encode commit result: %w", err)
	}
	if err := c.guard.MarkDone(ctx, scope, idempotencyKey, 201, body); err != nil {
		// The order exists; the key just cannot cache it. Retries with
		// the same key hit already_committed and still get the ref.
		log.Error().Err(err).Str("channel", channelCode).Str("order_ref", result.OrderRef).
			Msg("service: failed to mark idempotency key done")
	}

	log.Info().Str("channel", channelCode).Str("session_key", sessionKey).
		Str("order_ref", result.OrderRef).Int64("total_q", result.TotalQ).Msg("service: session committed")
	return result, nil
}

func (c *Commit) commitTx(ctx context.Context, channelCode, sessionKey, idempotencyKey string) (result *CommitResult, err error) {
	tx, err := c.db.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("service: failed to begin transaction: %w", err)
	}
	defer rollbackOnError(ctx, tx, &err, sessionKey)

	s, err := c.sessions.GetForUpdate(ctx, tx, channelCode, sessionKey)
	if err != nil {
		return nil, err
	}
	ch, err := c.channels.GetByCodeTx(ctx, tx, channelCode)
	if err != nil {
		return nil, err
	}

	// A session committed by an earlier attempt answers with the
	// existing order instead of an error.
	if s.State == session.StateCommitted {
		existing, getErr := c.orders.GetBySessionTx(ctx, tx, channelCode, sessionKey)
		if getErr != nil {
			return nil, getErr
		}
		if err = tx.Commit(ctx); err != nil {
			return nil, fmt.Errorf("service: failed to commit transaction: %w", err)
		}
		return &CommitResult{
			OrderRef:   existing.Ref,
			OrderID:    existing.ID,
			Status:     existing.Status,
			TotalQ:     existing.TotalQ,
			ItemsCount: len(existing.Items),
		}, nil
	}
	if err = gateOpen(s, ch); err != nil {
		return nil, err
	}

	if err = validateCommittable(s, ch); err != nil {
		return nil, err
	}
	for _, v := range c.registry.Validators(StageCommit) {
		if err = v.Validate(ctx, ch, s); err != nil {
			return nil, err
		}
	}

	o, err := c.createOrder(ctx, tx, ch, s)
	if err != nil {
		return nil, err
	}

	// The commit token is the idempotency key that sealed the session,
	// so the seal can always be traced back to the request that made it.
	commitTime := now()
	s.State = session.StateCommitted
	s.CommitToken = idempotencyKey
	s.CommittedAt = &commitTime
	if err = c.sessions.Save(ctx, tx, s); err != nil {
		return nil, err
	}

	if err = c.enqueuePostCommit(ctx, tx, ch, s, o); err != nil {
		return nil, err
	}

	if err = tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("service: failed to commit transaction: %w", err)
	}
	return &CommitResult{
		OrderRef:   o.Ref,
		OrderID:    o.ID,
		Status:     o.Status,
		TotalQ:     o.TotalQ,
		ItemsCount: len(o.Items),
	}, nil
}

// validateCommittable enforces the built-in commit gates: non-empty
// session, no blocking issues, and a fresh unexpired passing result for
// every required check.
func validateCommittable(s *session.Session, ch *channel.Channel) error {
	if len(s.Items) == 0 {
		return errs.Commit("empty_session", "cannot commit a session with no items",
			map[string]any{"session_key": s.SessionKey})
	}

	if blocking := s.BlockingIssues(); len(blocking) > 0 {
		codes := make([]string, len(blocking))
		for i, issue := range blocking {
			codes[i] = issue.Code
		}
		return errs.Commit("blocking_issues", "session has unresolved blocking issues",
			map[string]any{"session_key": s.SessionKey, "issues": codes})
	}

	for _, code := range ch.Config.RequiredChecks {
		check, ok := s.Checks[code]
		if !ok {
			return errs.Commit("missing_check",
				fmt.Sprintf("required check %q has not completed for this revision", code),
				map[string]any{"session_key": s.SessionKey, "check": code, "rev": s.Rev})
		}
		if check.Rev != s.Rev {
			return errs.Commit("stale_check",
				fmt.Sprintf("check %q was computed against revision %d but the session is at %d", code, check.Rev, s.Rev),
				map[string]any{"session_key": s.SessionKey, "check": code, "check_rev": check.Rev, "rev": s.Rev})
		}
		if !check.Result.OK {
			return errs.Commit("check_failed",
				fmt.Sprintf("required check %q did not pass", code),
				map[string]any{"session_key": s.SessionKey, "check": code, "details": check.Result.Details})
		}
		if err := validateHoldsAlive(s, code, check); err != nil {
			return err
		}
	}
	return nil
}

// validateHoldsAlive rejects commits whose reservations already lapsed,
// whether the expiry lives on the result or on individual holds.
func validateHoldsAlive(s *session.Session, code string, check session.Check) error {
	at := now()
	if exp := check.Result.HoldExpiresAt; exp != nil && !exp.After(at) {
		return errs.Commit("hold_expired",
			fmt.Sprintf("the reservation made by check %q has expired", code),
			map[string]any{"session_key": s.SessionKey, "check": code, "expired_at": exp})
	}
	for _, hold := range check.Result.Holds {
		if hold.ExpiresAt != nil && !hold.ExpiresAt.After(at) {
			return errs.Commit("hold_expired",
				fmt.Sprintf("hold %s from check %q has expired", hold.HoldID, code),
				map[string]any{"session_key": s.SessionKey, "check": code, "hold_id": hold.HoldID, "sku": hold.SKU, "expired_at": hold.ExpiresAt})
		}
	}
	return nil
}

func (c *Commit) createOrder(ctx context.Context, tx pgx.Tx, ch *channel.Channel, s *session.Session) (*order.Order, error) {
	snapshot, err := json.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("service: failed to marshal session snapshot: %w", err)
	}

	initial := ch.Config.Flow.Initial
	createdAt := now()
	o := &order.Order{
		Ref:         ids.NewOrderRef(createdAt),
		ChannelCode: ch.Code,
		SessionKey:  s.SessionKey,
		Status:      initial,
		Snapshot:    snapshot,
		Currency:    ch.Config.Currency,
		TotalQ:      s.TotalQ(),
		Items:       orderItems(s.Items),
		StatusTimes: map[string]time.Time{initial: createdAt},
	}
	if err := c.orders.Create(ctx, tx, o); err != nil {
		return nil, err
	}

	event := &order.Event{
		OrderID: o.ID,
		Type:    order.EventCreated,
		Actor:   "kernel",
		Payload: map[string]any{
			"session_key": s.SessionKey,
			"rev":         s.Rev,
			"total_q":     o.TotalQ,
		},
	}
	if err := c.orders.AppendEvent(ctx, tx, event); err != nil {
		return nil, err
	}
	return o, nil
}

func orderItems(items []session.Item) []order.Item {
	out := make([]order.Item, len(items))
	for i, item := range items {
		var unitPrice int64
		if item.UnitPriceQ != nil {
			unitPrice = *item.UnitPriceQ
		}
		out[i] = order.Item{
			LineID:     item.LineID,
			SKU:        item.SKU,
			Name:       item.Name,
			Qty:        item.Qty,
			UnitPriceQ: unitPrice,
			LineTotalQ: item.LineTotalQ,
			Meta:       item.Meta,
		}
	}
	return out
}

// enqueuePostCommit queues the channel's post-commit directives in
// configured order, folding accumulated holds into stock.commit.
func (c *Commit) enqueuePostCommit(ctx context.Context, tx pgx.Tx, ch *channel.Channel, s *session.Session, o *order.Order) error {
	for _, topic := range ch.Config.PostCommitTopics {
		payload := PostCommitPayload{
			OrderRef:    o.Ref,
			ChannelCode: ch.Code,
			SessionKey:  s.SessionKey,
		}
		if topic == "stock.commit" {
			payload.Holds = collectHolds(s)
		}
		d, err := directive.New(topic, payload)
		if err != nil {
			return err
		}
		if err := c.directives.Enqueue(ctx, tx, d); err != nil {
			return err
		}
	}
	return nil
}

func collectHolds(s *session.Session) []session.Hold {
	var holds []session.Hold
	for _, check := range s.Checks {
		holds = append(holds, check.Result.Holds...)
	}
	return holds
}

// autoTransition walks the channel's post-create transitions. Failures
// log and stop the walk; the order stays at whatever status it reached.
func (c *Commit) autoTransition(ctx context.Context, channelCode string, result *CommitResult) {
	if c.transitioner == nil {
		return
	}
	ch, err := c.channels.GetByCode(ctx, channelCode)
	if err != nil {
		log.Error().Err(err).Str("channel", channelCode).Msg("service: failed to load channel for auto transitions")
		return
	}
	for _, status := range ch.Config.AutoTransitionsOnCreate {
		o, err := c.transitioner.Transition(ctx, result.OrderRef, status, "kernel")
		if err != nil {
			log.Error().Err(err).Str("order_ref", result.OrderRef).Str("status", status).
				Msg("service: auto transition failed")
			return
		}
		result.Status = o.Status
	}
}
