// Package payment captures and refunds money for sealed orders via
// post-commit directives.
package payment

import (
	"context"
	"fmt"
	"sync"
)

type Status string

const (
	StatusNone       Status = "none"
	StatusAuthorized Status = "authorized"
	StatusCaptured   Status = "captured"
	StatusRefunded   Status = "refunded"
)

// Backend is the payment provider. Capture must be safe to call twice
// with the same reference; providers that are not get wrapped by the
// handler's status check. Amounts are integer minor currency units.
type Backend interface {
	Status(ctx context.Context, orderRef string) (Status, error)
	// Authorize places a hold on the amount without moving money.
	Authorize(ctx context.Context, orderRef string, amountQ int64, currency string) error
	// Capture settles a prior authorization, or the full amount when
	// the provider supports direct capture.
	Capture(ctx context.Context, orderRef string, amountQ int64, currency string) error
	// Charge authorizes and captures in one step.
	Charge(ctx context.Context, orderRef string, amountQ int64, currency string) error
	Refund(ctx context.Context, orderRef string, amountQ int64, currency string) error
}

// MockBackend records payment state in memory. The default until a
// provider integration is configured.
type MockBackend struct {
	mu       sync.Mutex
	statuses map[string]Status
}

func NewMockBackend() *MockBackend {
	return &MockBackend{statuses: make(map[string]Status)}
}

func (b *MockBackend) Status(_ context.Context, orderRef string) (Status, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if s, ok := b.statuses[orderRef]; ok {
		return s, nil
	}
	return StatusNone, nil
}

func (b *MockBackend) Authorize(_ context.Context, orderRef string, _ int64, _ string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.statuses[orderRef] != StatusNone && b.statuses[orderRef] != "" {
		return fmt.Errorf("payment: order %s already has payment state %s", orderRef, b.statuses[orderRef])
	}
	b.statuses[orderRef] = StatusAuthorized
	return nil
}

func (b *MockBackend) Capture(_ context.Context, orderRef string, _ int64, _ string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	switch b.statuses[orderRef] {
	case StatusCaptured:
		return fmt.Errorf("payment: order %s already captured", orderRef)
	case StatusRefunded:
		return fmt.Errorf("payment: order %s was refunded", orderRef)
	}
	b.statuses[orderRef] = StatusCaptured
	return nil
}

func (b *MockBackend) Charge(ctx context.Context, orderRef string, amountQ int64, currency string) error {
	return b.Capture(ctx, orderRef, amountQ, currency)
}

func (b *MockBackend) Refund(_ context.Context, orderRef string, _ int64, _ string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.statuses[orderRef] != StatusCaptured {
		return fmt.Errorf("payment: order %s has nothing to refund", orderRef)
	}
	b.statuses[orderRef] = StatusRefunded
	return nil
}
