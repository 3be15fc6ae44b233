// Package notify fans out order notifications to configured sinks.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/omniorder/omniorder/internal/customer"
	"github.com/omniorder/omniorder/internal/directive"
	"github.com/omniorder/omniorder/internal/kernel"
	"github.com/omniorder/omniorder/internal/order"
)

// Notification is what sinks receive.
type Notification struct {
	OrderRef      string    `json:"order_ref"`
	ChannelCode   string    `json:"channel_code"`
	Status        string    `json:"status"`
	TotalQ        int64     `json:"total_q"`
	Currency      string    `json:"currency"`
	CustomerEmail string    `json:"customer_email,omitempty"`
	At            time.Time `json:"at"`
}

type Notifier interface {
	Notify(ctx context.Context, n Notification) error
}

// LogNotifier writes notifications to the service log. Default sink.
type LogNotifier struct{}

func (LogNotifier) Notify(_ context.Context, n Notification) error {
	log.Info().Str("order_ref", n.OrderRef).Str("channel", n.ChannelCode).
		Str("status", n.Status).Int64("total_q", n.TotalQ).Msg("notify: order")
	return nil
}

// WebhookNotifier POSTs the notification as JSON.
type WebhookNotifier struct {
	url    string
	client *http.Client
}

func NewWebhookNotifier(url string, timeout time.Duration) *WebhookNotifier {
	return &WebhookNotifier{url: url, client: &http.Client{Timeout: timeout}}
}

func (w *WebhookNotifier) Notify(ctx context.Context, n Notification) error {
	body, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("notify: failed to marshal notification: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("notify: failed to build webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("notify: webhook request failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("notify: webhook returned %d", resp.StatusCode)
	}
	return nil
}

// OrderGetter is the slice of the order repository the handler needs.
type OrderGetter interface {
	GetByRef(ctx context.Context, ref string) (*order.Order, error)
}

// Handler delivers notify.order directives to every configured sink.
type Handler struct {
	orders    OrderGetter
	customers customer.Backend
	notifiers []Notifier
}

func NewHandler(orders OrderGetter, notifiers ...Notifier) *Handler {
	return &Handler{orders: orders, notifiers: notifiers}
}

// WithCustomers adds customer lookups so notifications carry the
// customer's email when the session recorded a customer_id.
func (h *Handler) WithCustomers(customers customer.Backend) *Handler {
	h.customers = customers
	return h
}

// customerEmail digs the customer_id out of the sealed session snapshot
// and resolves it. Best effort: lookup failures just leave the field
// empty.
func (h *Handler) customerEmail(ctx context.Context, o *order.Order) string {
	if h.customers == nil || len(o.Snapshot) == 0 {
		return ""
	}
	var snapshot struct {
		Data map[string]any `json:"data"`
	}
	if err := json.Unmarshal(o.Snapshot, &snapshot); err != nil {
		return ""
	}
	id, _ := snapshot.Data["customer_id"].(string)
	if id == "" {
		return ""
	}
	c, ok, err := h.customers.GetByID(ctx, id)
	if err != nil {
		log.Warn().Err(err).Str("order_ref", o.Ref).Str("customer_id", id).
			Msg("notify: customer lookup failed")
		return ""
	}
	if !ok {
		return ""
	}
	return c.Email
}

func (h *Handler) Topic() string { return "notify.order" }

func (h *Handler) Handle(ctx context.Context, d *directive.Directive) directive.Result {
	var payload kernel.PostCommitPayload
	if err := json.Unmarshal(d.Payload, &payload); err != nil {
		return directive.Fail(fmt.Errorf("notify: malformed payload: %w", err))
	}

	o, err := h.orders.GetByRef(ctx, payload.OrderRef)
	if err != nil {
		return directive.Retry(err)
	}
	n := Notification{
		OrderRef:      o.Ref,
		ChannelCode:   o.ChannelCode,
		Status:        o.Status,
		TotalQ:        o.TotalQ,
		Currency:      o.Currency,
		CustomerEmail: h.customerEmail(ctx, o),
		At:            time.Now().UTC(),
	}
	for _, notifier := range h.notifiers {
		if err := notifier.Notify(ctx, n); err != nil {
			return directive.Retry(err)
		}
	}
	return directive.Done()
}
