package directive

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/gofrs/uuid"
	"github.com/rs/zerolog/log"
)

// HandlerSource is the part of the kernel registry the dispatcher needs.
type HandlerSource interface {
	Handler(topic string) (Handler, bool)
	Topics() []string
}

// Store is the queue surface the dispatcher drives. Claims and
// finalizations each run in their own short transaction; handlers
// execute outside any lock.
type Store interface {
	ClaimBatch(ctx context.Context, topics []string, limit int) ([]Directive, error)
	MarkDone(ctx context.Context, id int64) error
	MarkFailed(ctx context.Context, id int64, lastError string) error
	Requeue(ctx context.Context, id int64, availableAt time.Time, lastError string) error
	ReapStuck(ctx context.Context, olderThan time.Duration, maxAttempts int) (int, error)
}

type DispatcherConfig struct {
	// Topics restricts dispatch; empty means every registered topic.
	Topics      []string
	BatchLimit  int
	MaxAttempts int
	Interval    time.Duration
	// ReapTimeout is how long a directive may sit in running before it
	// is considered abandoned by a crashed worker. Zero disables reaping.
	ReapTimeout time.Duration
}

type Stats struct {
	Claimed   int
	Processed int
	Failures  int
	Reaped    int
}

type Dispatcher struct {
	store    Store
	handlers HandlerSource
	cfg      DispatcherConfig
	workerID string
}

func NewDispatcher(store Store, handlers HandlerSource, cfg DispatcherConfig) *Dispatcher {
	if cfg.BatchLimit <= 0 {
		cfg.BatchLimit = 50
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 5
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 2 * time.Second
	}
	workerID := "worker"
	if id, err := uuid.NewV4(); err == nil {
		workerID = id.String()
	}
	return &Dispatcher{store: store, handlers: handlers, cfg: cfg, workerID: workerID}
}

func backoff(attempts int) time.Duration {
	return time.Duration(1<<attempts) * time.Second
}

func (d *Dispatcher) topics() []string {
	if len(d.cfg.Topics) > 0 {
		return d.cfg.Topics
	}
	topics := d.handlers.Topics()
	sort.Strings(topics)
	return topics
}

// RunOnce reaps stuck directives, claims one batch and processes it.
func (d *Dispatcher) RunOnce(ctx context.Context) (Stats, error) {
	var stats Stats

	if d.cfg.ReapTimeout > 0 {
		reaped, err := d.store.ReapStuck(ctx, d.cfg.ReapTimeout, d.cfg.MaxAttempts)
		if err != nil {
			return stats, err
		}
		stats.Reaped = reaped
		if reaped > 0 {
			log.Warn().Int("count", reaped).Str("worker_id", d.workerID).
				Msg("dispatcher: reaped stuck directives")
		}
	}

	topics := d.topics()
	if len(topics) == 0 {
		log.Warn().Msg("dispatcher: no handlers registered, nothing to do")
		return stats, nil
	}

	claimed, err := d.store.ClaimBatch(ctx, topics, d.cfg.BatchLimit)
	if err != nil {
		return stats, err
	}
	stats.Claimed = len(claimed)

	for i := range claimed {
		if err := ctx.Err(); err != nil {
			return stats, err
		}
		if d.process(ctx, &claimed[i]) {
			stats.Processed++
		} else {
			stats.Failures++
		}
	}
	return stats, nil
}

// Run loops until the context is cancelled.
func (d *Dispatcher) Run(ctx context.Context) error {
	log.Info().Str("worker_id", d.workerID).Strs("topics", d.topics()).
		Msg("dispatcher: worker started")
	for {
		stats, err := d.RunOnce(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			log.Error().Err(err).Str("worker_id", d.workerID).Msg("dispatcher: cycle failed")
		} else if stats.Claimed > 0 {
			log.Info().
				Int("claimed", stats.Claimed).
				Int("processed", stats.Processed).
				Int("failures", stats.Failures).
				Msg("dispatcher: cycle finished")
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(d.cfg.Interval):
		}
	}
}

// process runs one claimed directive through its handler and finalizes
// the record. Returns true on success.
func (d *Dispatcher) process(ctx context.Context, dir *Directive) bool {
	handler, ok := d.handlers.Handler(dir.Topic)
	if !ok {
		// Configuration error: the topic was claimed but nothing can
		// run it. Fatal for this directive until an operator fixes
		// registration and requeues it.
		d.finalize(dir, d.store.MarkFailed(ctx, dir.ID, "no_handler: no handler registered for topic "+dir.Topic))
		log.Error().Str("topic", dir.Topic).Int64("directive_id", dir.ID).
			Msg("dispatcher: no handler registered for claimed topic")
		return false
	}

	result := d.invoke(ctx, handler, dir)

	switch result.Outcome {
	case OutcomeDone:
		d.finalize(dir, d.store.MarkDone(ctx, dir.ID))
		return true
	case OutcomeRetry:
		errText := ""
		if result.Err != nil {
			errText = result.Err.Error()
		}
		if dir.Attempts >= d.cfg.MaxAttempts {
			d.finalize(dir, d.store.MarkFailed(ctx, dir.ID, errText))
			log.Error().Err(result.Err).Str("topic", dir.Topic).Int64("directive_id", dir.ID).
				Int("attempts", dir.Attempts).Msg("dispatcher: directive failed after max attempts")
			return false
		}
		delay := result.Delay
		if delay <= 0 {
			delay = backoff(dir.Attempts)
		}
		d.finalize(dir, d.store.Requeue(ctx, dir.ID, time.Now().UTC().Add(delay), errText))
		log.Warn().Err(result.Err).Str("topic", dir.Topic).Int64("directive_id", dir.ID).
			Dur("retry_in", delay).Msg("dispatcher: directive requeued")
		return false
	default:
		errText := "handler failed"
		if result.Err != nil {
			errText = result.Err.Error()
		}
		d.finalize(dir, d.store.MarkFailed(ctx, dir.ID, errText))
		log.Error().Err(result.Err).Str("topic", dir.Topic).Int64("directive_id", dir.ID).
			Msg("dispatcher: directive failed")
		return false
	}
}

// invoke shields the loop from handler panics: a panicking handler is a
// retryable failure, never a dead worker.
func (d *Dispatcher) invoke(ctx context.Context, handler Handler, dir *Directive) (result Result) {
	defer func() {
		if p := recover(); p != nil {
			log.Error().Interface("panic_value", p).Str("topic", dir.Topic).
				Int64("directive_id", dir.ID).Msg("dispatcher: handler panicked")
			result = Retry(fmt.Errorf("handler panicked: %v", p))
		}
	}()
	return handler.Handle(ctx, dir)
}

func (d *Dispatcher) finalize(dir *Directive, err error) {
	if err != nil {
		log.Error().Err(err).Int64("directive_id", dir.ID).
			Msg("dispatcher: failed to finalize directive")
	}
}
