// Package app wires the kernel together: repositories, pipelines,
// registry entries and backends. Both binaries build the same App so
// the API server and the dispatcher agree on every handler and policy.
package app

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/omniorder/omniorder/internal/channel"
	"github.com/omniorder/omniorder/internal/config"
	"github.com/omniorder/omniorder/internal/customer"
	"github.com/omniorder/omniorder/internal/db"
	"github.com/omniorder/omniorder/internal/directive"
	"github.com/omniorder/omniorder/internal/idempotency"
	"github.com/omniorder/omniorder/internal/kernel"
	"github.com/omniorder/omniorder/internal/notify"
	"github.com/omniorder/omniorder/internal/order"
	"github.com/omniorder/omniorder/internal/payment"
	"github.com/omniorder/omniorder/internal/pricing"
	"github.com/omniorder/omniorder/internal/session"
	"github.com/omniorder/omniorder/internal/stock"
)

type App struct {
	Cfg *config.Config
	DB  *db.Postgres

	Channels   channel.Repository
	Sessions   session.Repository
	Orders     order.Repository
	Directives directive.Repository
	Guard      idempotency.Guard

	Registry     *kernel.Registry
	Modify       *kernel.Modify
	Commit       *kernel.Commit
	Resolve      *kernel.Resolve
	Writer       *kernel.Writer
	StateMachine *order.StateMachine

	Stock     *stock.MemoryBackend
	Payment   payment.Backend
	Customers customer.Backend
}

// New connects to Postgres, runs migrations, loads the seed file and
// registers every modifier, validator, handler and resolver.
func New(ctx context.Context, cfg *config.Config) (*App, error) {
	database, err := db.New(ctx, cfg.Postgres)
	if err != nil {
		return nil, err
	}

	a := &App{
		Cfg:        cfg,
		DB:         database,
		Channels:   channel.NewRepository(database.Pool),
		Sessions:   session.NewRepository(database.Pool),
		Orders:     order.NewRepository(database.Pool),
		Directives: directive.NewRepository(database.Pool),
		Guard:      idempotency.NewGuard(database.Pool),
		Registry:   kernel.NewRegistry(),
	}

	seed, err := loadSeed(cfg.App.ChannelsFile)
	if err != nil {
		database.Close()
		return nil, err
	}
	if cfg.App.ChannelsFile != "" {
		if err := channel.LoadSeedFile(ctx, a.Channels, cfg.App.ChannelsFile); err != nil {
			database.Close()
			return nil, err
		}
	}

	a.Stock = stock.NewMemoryBackend(seed.stockLevels())
	a.Payment = payment.NewMockBackend()
	a.Customers = customer.NewStaticBackend(seed.Customers)

	pool := database.Pool
	a.Modify = kernel.NewModify(pool, a.Sessions, a.Channels, a.Directives, a.Registry)
	a.Commit = kernel.NewCommit(pool, a.Sessions, a.Channels, a.Orders, a.Directives, a.Guard, a.Registry)
	a.Resolve = kernel.NewResolve(a.Modify)
	a.Writer = kernel.NewWriter(pool, a.Sessions)
	a.StateMachine = order.NewStateMachine(pool, a.Orders, a.Channels)
	a.Commit.SetTransitioner(a.StateMachine)
	a.StateMachine.RegisterHook(a.transitionHook())

	if err := a.register(seed); err != nil {
		database.Close()
		return nil, err
	}
	return a, nil
}

func (a *App) register(seed *seedData) error {
	a.Registry.RegisterModifier(pricing.NewItemModifier(pricing.NewStaticBackend(seed.prices())))
	a.Registry.RegisterModifier(pricing.NewTotalModifier())
	a.Registry.RegisterValidator(pricing.NewPricedLinesValidator())
	a.Registry.RegisterValidator(pricing.NewNonNegativeTotalValidator())

	handlers := []directive.Handler{
		stock.NewHoldHandler(a.Stock, a.Writer, a.Cfg.App.HoldTTL),
		stock.NewCommitHandler(a.Stock),
		stock.NewReleaseHandler(a.Stock),
		payment.NewCaptureHandler(a.Payment, a.Orders),
		payment.NewRefundHandler(a.Payment, a.Orders),
		a.notifyHandler(),
	}
	for _, h := range handlers {
		if err := a.Registry.RegisterHandler(h); err != nil {
			return fmt.Errorf("app: %w", err)
		}
	}

	if err := a.Registry.RegisterResolver(stock.NewResolver()); err != nil {
		return fmt.Errorf("app: %w", err)
	}
	return nil
}

// transitionHook enqueues follow-up work after a status change:
// a notification for every transition, plus a refund when the order
// goes to cancelled or returned. Runs outside the transition's
// transaction, so a lost enqueue only costs a notification, never the
// status change itself.
func (a *App) transitionHook() order.TransitionHook {
	return func(ctx context.Context, o *order.Order, oldStatus, newStatus, actor string) {
		topics := []string{"notify.order"}
		if newStatus == "cancelled" || newStatus == "returned" {
			topics = append(topics, "payment.refund")
		}
		payload := kernel.PostCommitPayload{
			OrderRef:    o.Ref,
			ChannelCode: o.ChannelCode,
			SessionKey:  o.SessionKey,
		}
		for _, topic := range topics {
			if err := a.enqueue(ctx, topic, payload); err != nil {
				log.Error().Err(err).Str("order_ref", o.Ref).Str("topic", topic).
					Msg("Failed to enqueue transition directive")
			}
		}
	}
}

func (a *App) enqueue(ctx context.Context, topic string, payload any) error {
	d, err := directive.New(topic, payload)
	if err != nil {
		return err
	}
	tx, err := a.DB.Pool.Begin(ctx)
	if err != nil {
		return err
	}
	if err := a.Directives.Enqueue(ctx, tx, d); err != nil {
		_ = tx.Rollback(ctx)
		return err
	}
	return tx.Commit(ctx)
}

func (a *App) notifyHandler() directive.Handler {
	notifiers := []notify.Notifier{notify.LogNotifier{}}
	if url := a.Cfg.App.NotifyWebhookURL; url != "" {
		notifiers = append(notifiers, notify.NewWebhookNotifier(url, 10*time.Second))
		log.Info().Str("url", url).Msg("Webhook notifications enabled")
	}
	return notify.NewHandler(a.Orders, notifiers...).WithCustomers(a.Customers)
}

func (a *App) Close() {
	a.DB.Close()
}
