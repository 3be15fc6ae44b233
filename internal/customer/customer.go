// Package customer provides read-only customer lookups for handlers
// that personalize their side effects. Never consulted inside the
// kernel's transactions.
package customer

import "context"

type Customer struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Email string `json:"email"`
}

// Backend is the customer system of record.
type Backend interface {
	// GetByID returns the customer and whether it exists.
	GetByID(ctx context.Context, id string) (Customer, bool, error)
}

// StaticBackend serves lookups from an in-memory table. Used in tests
// and as the default until a CRM integration is configured.
type StaticBackend struct {
	customers map[string]Customer
}

func NewStaticBackend(customers []Customer) *StaticBackend {
	byID := make(map[string]Customer, len(customers))
	for _, c := range customers {
		byID[c.ID] = c
	}
	return &StaticBackend{customers: byID}
}

func (b *StaticBackend) GetByID(_ context.Context, id string) (Customer, bool, error) {
	c, ok := b.customers[id]
	return c, ok, nil
}
