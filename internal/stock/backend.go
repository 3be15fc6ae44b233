// Package stock implements the availability check and the hold
// lifecycle: the stock.hold directive reserves inventory for a session
// revision, stock.commit finalizes the reservation after an order is
// sealed, stock.release frees it when the session is abandoned.
package stock

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/gofrs/uuid"
)

// Availability is the backend's answer for one SKU.
type Availability struct {
	SKU       string
	Available int64
}

// Reservation is a TTL-bound claim on inventory.
type Reservation struct {
	HoldID    string
	SKU       string
	Qty       int64
	ExpiresAt time.Time
}

// Backend is the inventory system behind the stock check.
type Backend interface {
	Availability(ctx context.Context, skus []string) ([]Availability, error)
	// Hold reserves qty of a SKU until ttl passes. The reference ties
	// the reservation to a session so repeat checks replace rather than
	// stack holds.
	Hold(ctx context.Context, reference, sku string, qty int64, ttl time.Duration) (Reservation, error)
	// CommitHolds makes the referenced reservations permanent.
	CommitHolds(ctx context.Context, reference string, holdIDs []string) error
	// ReleaseReference frees every live reservation under a reference.
	ReleaseReference(ctx context.Context, reference string) error
}

// MemoryBackend is an in-process inventory, the default until a real
// warehouse system is wired in. Safe for concurrent dispatcher workers.
type MemoryBackend struct {
	mu    sync.Mutex
	stock map[string]int64
	holds map[string][]Reservation // by reference
}

func NewMemoryBackend(stock map[string]int64) *MemoryBackend {
	cloned := make(map[string]int64, len(stock))
	for sku, qty := range stock {
		cloned[sku] = qty
	}
	return &MemoryBackend{stock: cloned, holds: make(map[string][]Reservation)}
}

func (b *MemoryBackend) Availability(_ context.Context, skus []string) ([]Availability, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.expireLocked()
	out := make([]Availability, len(skus))
	for i, sku := range skus {
		out[i] = Availability{SKU: sku, Available: b.availableLocked(sku)}
	}
	return out, nil
}

func (b *MemoryBackend) Hold(_ context.Context, reference, sku string, qty int64, ttl time.Duration) (Reservation, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.expireLocked()

	// A fresh hold for the same (reference, sku) supersedes the old one.
	kept := b.holds[reference][:0]
	for _, r := range b.holds[reference] {
		if r.SKU != sku {
			kept = append(kept, r)
		}
	}
	b.holds[reference] = kept

	if b.availableLocked(sku) < qty {
		return Reservation{}, fmt.Errorf("stock: insufficient inventory for %s: want %d, have %d", sku, qty, b.availableLocked(sku))
	}

	id, err := uuid.NewV4()
	if err != nil {
		return Reservation{}, fmt.Errorf("stock: failed to generate hold id: %w", err)
	}
	r := Reservation{
		HoldID:    "HOLD-" + id.String(),
		SKU:       sku,
		Qty:       qty,
		ExpiresAt: time.Now().UTC().Add(ttl),
	}
	b.holds[reference] = append(b.holds[reference], r)
	return r, nil
}

func (b *MemoryBackend) CommitHolds(_ context.Context, reference string, holdIDs []string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.expireLocked()

	wanted := make(map[string]bool, len(holdIDs))
	for _, id := range holdIDs {
		wanted[id] = true
	}
	kept := b.holds[reference][:0]
	for _, r := range b.holds[reference] {
		if wanted[r.HoldID] {
			b.stock[r.SKU] -= r.Qty
			continue
		}
		kept = append(kept, r)
	}
	b.holds[reference] = kept
	if len(b.holds[reference]) == 0 {
		delete(b.holds, reference)
	}
	return nil
}

func (b *MemoryBackend) ReleaseReference(_ context.Context, reference string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.holds, reference)
	return nil
}

// availableLocked is on-hand minus live holds.
func (b *MemoryBackend) availableLocked(sku string) int64 {
	available := b.stock[sku]
	for _, rs := range b.holds {
		for _, r := range rs {
			if r.SKU == sku {
				available -= r.Qty
			}
		}
	}
	return available
}

func (b *MemoryBackend) expireLocked() {
	cutoff := time.Now().UTC()
	for ref, rs := range b.holds {
		kept := rs[:0]
		for _, r := range rs {
			if r.ExpiresAt.After(cutoff) {
				kept = append(kept, r)
			}
		}
		if len(kept) == 0 {
			delete(b.holds, ref)
			continue
		}
		b.holds[ref] = kept
	}
}
