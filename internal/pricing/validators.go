package pricing

import (
	"context"

	"github.com/omniorder/omniorder/internal/channel"
	"github.com/omniorder/omniorder/internal/errs"
	"github.com/omniorder/omniorder/internal/kernel"
	"github.com/omniorder/omniorder/internal/session"
)

// PricedLinesValidator gates the draft after the modifiers ran: every
// line must carry a unit price, whatever the channel's pricing policy.
// Catches mixed channels where neither the ops nor the backend priced
// a line.
type PricedLinesValidator struct{}

func NewPricedLinesValidator() PricedLinesValidator { return PricedLinesValidator{} }

func (PricedLinesValidator) Code() string        { return "pricing.lines_priced" }
func (PricedLinesValidator) Stage() kernel.Stage { return kernel.StageDraft }

func (PricedLinesValidator) Validate(_ context.Context, _ *channel.Channel, s *session.Session) error {
	for _, item := range s.Items {
		if item.UnitPriceQ == nil {
			return errs.Validation("unpriced_line",
				"line "+item.LineID+" has no unit price",
				map[string]any{"line_id": item.LineID, "sku": item.SKU})
		}
	}
	return nil
}

// NonNegativeTotalValidator refuses to seal an order whose total went
// below zero, which can only happen through a misbehaving modifier.
type NonNegativeTotalValidator struct{}

func NewNonNegativeTotalValidator() NonNegativeTotalValidator { return NonNegativeTotalValidator{} }

func (NonNegativeTotalValidator) Code() string        { return "pricing.non_negative_total" }
func (NonNegativeTotalValidator) Stage() kernel.Stage { return kernel.StageCommit }

func (NonNegativeTotalValidator) Validate(_ context.Context, _ *channel.Channel, s *session.Session) error {
	if total := s.TotalQ(); total < 0 {
		return errs.Validation("negative_total",
			"session total is negative",
			map[string]any{"total_q": total})
	}
	return nil
}
