package payment

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/omniorder/omniorder/internal/directive"
	"github.com/omniorder/omniorder/internal/kernel"
	"github.com/omniorder/omniorder/internal/order"
)

// OrderGetter is the slice of the order repository the handlers need.
type OrderGetter interface {
	GetByRef(ctx context.Context, ref string) (*order.Order, error)
}

// CaptureHandler captures the order total. At-least-once delivery means
// the directive can run twice, so the handler consults the provider's
// status before capturing.
type CaptureHandler struct {
	backend Backend
	orders  OrderGetter
}

func NewCaptureHandler(backend Backend, orders OrderGetter) *CaptureHandler {
	return &CaptureHandler{backend: backend, orders: orders}
}

func (h *CaptureHandler) Topic() string { return "payment.capture" }

func (h *CaptureHandler) Handle(ctx context.Context, d *directive.Directive) directive.Result {
	var payload kernel.PostCommitPayload
	if err := json.Unmarshal(d.Payload, &payload); err != nil {
		return directive.Fail(fmt.Errorf("payment: malformed capture payload: %w", err))
	}

	o, err := h.orders.GetByRef(ctx, payload.OrderRef)
	if err != nil {
		return directive.Retry(err)
	}

	status, err := h.backend.Status(ctx, o.Ref)
	if err != nil {
		return directive.Retry(err)
	}
	if status == StatusCaptured {
		log.Info().Str("order_ref", o.Ref).Msg("payment: already captured")
		return directive.Done()
	}

	if err := h.backend.Capture(ctx, o.Ref, o.TotalQ, o.Currency); err != nil {
		return directive.Retry(err)
	}
	log.Info().Str("order_ref", o.Ref).Int64("amount_q", o.TotalQ).Str("currency", o.Currency).
		Msg("payment: captured")
	return directive.Done()
}

// RefundHandler refunds the order total, used when a captured order is
// cancelled or returned.
type RefundHandler struct {
	backend Backend
	orders  OrderGetter
}

func NewRefundHandler(backend Backend, orders OrderGetter) *RefundHandler {
	return &RefundHandler{backend: backend, orders: orders}
}

func (h *RefundHandler) Topic() string { return "payment.refund" }

func (h *RefundHandler) Handle(ctx context.Context, d *directive.Directive) directive.Result {
	var payload kernel.PostCommitPayload
	if err := json.Unmarshal(d.Payload, &payload); err != nil {
		return directive.Fail(fmt.Errorf("payment: malformed refund payload: %w", err))
	}

	o, err := h.orders.GetByRef(ctx, payload.OrderRef)
	if err != nil {
		return directive.Retry(err)
	}

	status, err := h.backend.Status(ctx, o.Ref)
	if err != nil {
		return directive.Retry(err)
	}
	if status != StatusCaptured {
		log.Info().Str("order_ref", o.Ref).Str("status", string(status)).Msg("payment: nothing to refund")
		return directive.Done()
	}

	if err := h.backend.Refund(ctx, o.Ref, o.TotalQ, o.Currency); err != nil {
		return directive.Retry(err)
	}
	log.Info().Str("order_ref", o.Ref).Int64("amount_q", o.TotalQ).Msg("payment: refunded")
	return directive.Done()
}
