package order

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/rs/zerolog/log"

	"github.com/omniorder/omniorder/internal/channel"
	"github.com/omniorder/omniorder/internal/errs"
)

// TransitionHook observes successful status transitions after the
// transaction commits. Used for cross-cutting side effects such as
// external-platform status sync or notification fan-out.
type TransitionHook func(ctx context.Context, o *Order, oldStatus, newStatus, actor string)

type TxBeginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

type transitionStore interface {
	GetByRefForUpdate(ctx context.Context, tx pgx.Tx, ref string) (*Order, error)
	UpdateStatus(ctx context.Context, tx pgx.Tx, o *Order) error
	AppendEvent(ctx context.Context, tx pgx.Tx, e *Event) error
}

type channelGetter interface {
	GetByCodeTx(ctx context.Context, tx pgx.Tx, code string) (*channel.Channel, error)
}

// StateMachine validates and records order status transitions against
// the owning channel's flow graph.
type StateMachine struct {
	db       TxBeginner
	orders   transitionStore
	channels channelGetter
	hooks    []TransitionHook
}

func NewStateMachine(db TxBeginner, orders transitionStore, channels channelGetter) *StateMachine {
	return &StateMachine{db: db, orders: orders, channels: channels}
}

// RegisterHook adds a transition observer. Hooks run after the
// transaction commits, in registration order.
func (m *StateMachine) RegisterHook(hook TransitionHook) {
	m.hooks = append(m.hooks, hook)
}

// Transition moves the order to newStatus if the channel flow allows it.
// The first time a status is reached its timestamp is recorded; revisits
// keep the original.
func (m *StateMachine) Transition(ctx context.Context, ref, newStatus, actor string) (o *Order, err error) {
	tx, err := m.db.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("statemachine: failed to begin transaction: %w", err)
	}
	defer func() {
		if err != nil {
			if rbErr := tx.Rollback(ctx); rbErr != nil && rbErr != pgx.ErrTxClosed {
				log.Error().Err(rbErr).Str("order_ref", ref).Msg("statemachine: failed to rollback transaction")
			}
		}
	}()

	o, err = m.orders.GetByRefForUpdate(ctx, tx, ref)
	if err != nil {
		return nil, err
	}

	ch, err := m.channels.GetByCodeTx(ctx, tx, o.ChannelCode)
	if err != nil {
		return nil, err
	}
	flow := ch.Config.Flow

	if flow.IsTerminal(o.Status) {
		return nil, errs.Transition("terminal_status",
			fmt.Sprintf("order in terminal status %q allows no transitions", o.Status),
			map[string]any{"current_status": o.Status, "requested_status": newStatus})
	}

	allowed := flow.AllowedFrom(o.Status)
	if !contains(allowed, newStatus) {
		return nil, errs.Transition("invalid_transition",
			fmt.Sprintf("transition %s -> %s not allowed", o.Status, newStatus),
			map[string]any{
				"current_status":      o.Status,
				"requested_status":    newStatus,
				"allowed_transitions": allowed,
			})
	}

	oldStatus := o.Status
	o.Status = newStatus
	if _, reached := o.StatusTimes[newStatus]; !reached {
		o.StatusTimes[newStatus] = time.Now().UTC()
	}

	if err = m.orders.UpdateStatus(ctx, tx, o); err != nil {
		return nil, err
	}

	event := &Event{
		OrderID: o.ID,
		Type:    EventStatusChanged,
		Actor:   actor,
		Payload: map[string]any{"old_status": oldStatus, "new_status": newStatus},
	}
	if err = m.orders.AppendEvent(ctx, tx, event); err != nil {
		return nil, err
	}

	if err = tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("statemachine: failed to commit transaction: %w", err)
	}

	log.Info().
		Str("order_ref", o.Ref).
		Str("old_status", oldStatus).
		Str("new_status", newStatus).
		Str("actor", actor).
		Msg("statemachine: order status updated")

	for _, hook := range m.hooks {
		hook(ctx, o, oldStatus, newStatus, actor)
	}
	return o, nil
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}
