package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/omniorder/omniorder/internal/app"
	"github.com/omniorder/omniorder/internal/config"
	"github.com/omniorder/omniorder/internal/directive"
)

var (
	flagTopics      []string
	flagLimit       int
	flagOnce        bool
	flagIntervalSec int
	flagMaxAttempts int
	flagReapMinutes int
)

func main() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix

	rootCmd := &cobra.Command{
		Use:   "dispatcher",
		Short: "Claims queued directives and runs their handlers",
		RunE:  runDispatcher,
	}
	rootCmd.Flags().StringSliceVar(&flagTopics, "topic", nil, "restrict dispatch to these topics (repeatable; default: all registered)")
	rootCmd.Flags().IntVar(&flagLimit, "limit", 0, "max directives claimed per batch (default from env)")
	rootCmd.Flags().BoolVar(&flagOnce, "once", false, "process one batch and exit")
	rootCmd.Flags().IntVar(&flagIntervalSec, "interval", 0, "seconds between empty polls (default from env)")
	rootCmd.Flags().IntVar(&flagMaxAttempts, "max-attempts", 0, "attempts before a directive is failed (default from env)")
	rootCmd.Flags().IntVar(&flagReapMinutes, "reap-timeout", 0, "minutes before a running directive is considered stuck (default from env)")

	rootCmd.AddCommand(&cobra.Command{
		Use:   "cleanup-expired-keys",
		Short: "Deletes idempotency keys past their TTL",
		RunE:  runCleanup,
	})

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func newApp(ctx context.Context) (*app.App, error) {
	cfg, err := config.NewConfig()
	if err != nil {
		return nil, err
	}
	if flagLimit > 0 {
		cfg.Dispatcher.BatchLimit = flagLimit
	}
	if flagIntervalSec > 0 {
		cfg.Dispatcher.Interval = time.Duration(flagIntervalSec) * time.Second
	}
	if flagMaxAttempts > 0 {
		cfg.Dispatcher.MaxAttempts = flagMaxAttempts
	}
	if flagReapMinutes > 0 {
		cfg.Dispatcher.ReapTimeout = time.Duration(flagReapMinutes) * time.Minute
	}
	return app.New(ctx, cfg)
}

func runDispatcher(cmd *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	d := directive.NewDispatcher(a.Directives, a.Registry, directive.DispatcherConfig{
		Topics:      flagTopics,
		BatchLimit:  a.Cfg.Dispatcher.BatchLimit,
		MaxAttempts: a.Cfg.Dispatcher.MaxAttempts,
		Interval:    a.Cfg.Dispatcher.Interval,
		ReapTimeout: a.Cfg.Dispatcher.ReapTimeout,
	})

	if flagOnce {
		stats, err := d.RunOnce(ctx)
		if err != nil {
			return err
		}
		log.Info().Int("claimed", stats.Claimed).Int("processed", stats.Processed).
			Int("failures", stats.Failures).Int("reaped", stats.Reaped).Msg("Batch processed")
		return nil
	}

	log.Info().Strs("topics", flagTopics).Msg("Dispatcher starting")
	return d.Run(ctx)
}

func runCleanup(cmd *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	deleted, err := a.Guard.DeleteExpired(ctx)
	if err != nil {
		return err
	}
	log.Info().Int("deleted", deleted).Msg("Expired idempotency keys removed")
	return nil
}
