package directive

import (
	"context"
	"time"
)

// Outcome classifies a handler run. Modeling this explicitly makes the
// backoff policy a first-class decision instead of an incidental
// catch-block.
type Outcome int

const (
	// OutcomeDone marks the directive finished.
	OutcomeDone Outcome = iota
	// OutcomeRetry requeues the directive, optionally after a delay.
	// Falls back to exponential backoff when no delay is given, and to
	// failed once the attempt budget is spent.
	OutcomeRetry
	// OutcomeFail marks the directive failed immediately; an operator
	// (or an explicit requeue) brings it back.
	OutcomeFail
)

type Result struct {
	Outcome Outcome
	Delay   time.Duration
	Err     error
}

func Done() Result {
	return Result{Outcome: OutcomeDone}
}

func Retry(err error) Result {
	return Result{Outcome: OutcomeRetry, Err: err}
}

func RetryAfter(err error, delay time.Duration) Result {
	return Result{Outcome: OutcomeRetry, Err: err, Delay: delay}
}

func Fail(err error) Result {
	return Result{Outcome: OutcomeFail, Err: err}
}

// Handler processes directives for exactly one topic. Handlers may do
// arbitrary blocking IO and must be idempotent: at-least-once delivery
// means the same payload can arrive twice.
type Handler interface {
	Topic() string
	Handle(ctx context.Context, d *Directive) Result
}
