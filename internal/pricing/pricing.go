// Package pricing prices session lines on channels with internal
// pricing. External channels send prices with their ops and skip this
// entirely.
package pricing

import (
	"context"

	"github.com/omniorder/omniorder/internal/channel"
	"github.com/omniorder/omniorder/internal/errs"
	"github.com/omniorder/omniorder/internal/session"
)

// Backend answers unit prices in minor currency units.
type Backend interface {
	// UnitPriceQ returns the price for a SKU and whether the SKU is known.
	UnitPriceQ(ctx context.Context, sku string) (int64, bool, error)
}

// StaticBackend prices from an in-memory table. Used in tests and as
// the default backend until a catalog service is wired in.
type StaticBackend struct {
	prices map[string]int64
}

func NewStaticBackend(prices map[string]int64) *StaticBackend {
	cloned := make(map[string]int64, len(prices))
	for sku, p := range prices {
		cloned[sku] = p
	}
	return &StaticBackend{prices: cloned}
}

func (b *StaticBackend) UnitPriceQ(_ context.Context, sku string) (int64, bool, error) {
	p, ok := b.prices[sku]
	return p, ok, nil
}

// NoopBackend knows no prices. For deployments whose channels all price
// externally; any internally priced line fails as an unknown SKU.
type NoopBackend struct{}

func (NoopBackend) UnitPriceQ(context.Context, string) (int64, bool, error) {
	return 0, false, nil
}

// ItemModifier fills in unit prices from the backend on internally
// priced channels. Runs early so later modifiers see priced lines.
type ItemModifier struct {
	backend Backend
}

func NewItemModifier(backend Backend) *ItemModifier {
	return &ItemModifier{backend: backend}
}

func (m *ItemModifier) Code() string  { return "pricing.items" }
func (m *ItemModifier) Priority() int { return 10 }

func (m *ItemModifier) Apply(ctx context.Context, ch *channel.Channel, s *session.Session) error {
	if s.PricingPolicy == channel.PricingExternal {
		return nil
	}
	for i := range s.Items {
		item := &s.Items[i]
		// Mixed channels keep prices the ops supplied.
		if s.PricingPolicy == channel.PricingMixed && item.UnitPriceQ != nil {
			continue
		}
		price, ok, err := m.backend.UnitPriceQ(ctx, item.SKU)
		if err != nil {
			return err
		}
		if !ok {
			return errs.Validation("unknown_sku",
				"no price is known for sku "+item.SKU,
				map[string]any{"sku": item.SKU, "line_id": item.LineID})
		}
		p := price
		item.UnitPriceQ = &p
	}
	session.Recalculate(s.Items)
	return nil
}

// TotalModifier keeps the session's data.total_q in step with its
// lines, so clients reading raw session data see the same total the
// commit will seal.
type TotalModifier struct{}

func NewTotalModifier() *TotalModifier { return &TotalModifier{} }

func (m *TotalModifier) Code() string  { return "pricing.total" }
func (m *TotalModifier) Priority() int { return 90 }

func (m *TotalModifier) Apply(_ context.Context, _ *channel.Channel, s *session.Session) error {
	if s.Data == nil {
		s.Data = map[string]any{}
	}
	s.Data["total_q"] = s.TotalQ()
	return nil
}
