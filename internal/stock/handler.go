package stock

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/omniorder/omniorder/internal/directive"
	"github.com/omniorder/omniorder/internal/ids"
	"github.com/omniorder/omniorder/internal/kernel"
	"github.com/omniorder/omniorder/internal/session"
)

// DefaultHoldTTL is how long a reservation protects a session before
// the inventory goes back on the shelf.
const DefaultHoldTTL = 15 * time.Minute

// holdReference ties a backend reservation to its session.
func holdReference(channelCode, sessionKey string) string {
	return channelCode + ":" + sessionKey
}

// HoldHandler runs the stock availability check: reserve each SKU's
// combined demand, report the result back to the session, and attach
// actionable issues for demand that cannot be covered.
type HoldHandler struct {
	backend Backend
	writer  kernel.CheckWriter
	ttl     time.Duration
}

func NewHoldHandler(backend Backend, writer kernel.CheckWriter, ttl time.Duration) *HoldHandler {
	if ttl <= 0 {
		ttl = DefaultHoldTTL
	}
	return &HoldHandler{backend: backend, writer: writer, ttl: ttl}
}

func (h *HoldHandler) Topic() string { return "stock.hold" }

func (h *HoldHandler) Handle(ctx context.Context, d *directive.Directive) directive.Result {
	var payload kernel.CheckPayload
	if err := json.Unmarshal(d.Payload, &payload); err != nil {
		return directive.Fail(fmt.Errorf("stock: malformed hold payload: %w", err))
	}

	result, issues, err := h.check(ctx, payload)
	if err != nil {
		// Backend unavailable; the reservation can still succeed later.
		return directive.Retry(err)
	}

	applied, err := h.writer.ApplyCheckResult(ctx, payload.ChannelCode, payload.SessionKey, "stock", payload.Rev, result, issues)
	if err != nil {
		return directive.Retry(err)
	}
	if !applied {
		// The session moved on; free what we just reserved. A newer
		// directive for the current rev re-reserves.
		if relErr := h.backend.ReleaseReference(ctx, holdReference(payload.ChannelCode, payload.SessionKey)); relErr != nil {
			log.Warn().Err(relErr).Str("session_key", payload.SessionKey).Msg("stock: failed to release superseded holds")
		}
	}
	return directive.Done()
}

// skuDemand is a session's combined demand for one SKU: the summed
// quantity across every line carrying it.
type skuDemand struct {
	sku   string
	qty   int64
	lines []session.Item
}

func (h *HoldHandler) check(ctx context.Context, payload kernel.CheckPayload) (session.CheckResult, []session.Issue, error) {
	// One hold per SKU per session. Lines of the same SKU are checked
	// and reserved against their combined quantity; per-line checks
	// would let two lines each pass individually and oversell.
	demands := make([]*skuDemand, 0, len(payload.Items))
	bySKU := make(map[string]*skuDemand, len(payload.Items))
	skus := make([]string, 0, len(payload.Items))
	for _, item := range payload.Items {
		d, ok := bySKU[item.SKU]
		if !ok {
			d = &skuDemand{sku: item.SKU}
			bySKU[item.SKU] = d
			demands = append(demands, d)
			skus = append(skus, item.SKU)
		}
		d.qty += item.Qty
		d.lines = append(d.lines, item)
	}

	availability, err := h.backend.Availability(ctx, skus)
	if err != nil {
		return session.CheckResult{}, nil, err
	}
	available := make(map[string]int64, len(availability))
	for _, a := range availability {
		available[a.SKU] = a.Available
	}

	reference := holdReference(payload.ChannelCode, payload.SessionKey)
	var issues []session.Issue
	var holds []session.Hold
	var earliest *time.Time

	for _, d := range demands {
		have := available[d.sku]
		if have < d.qty {
			issues = append(issues, shortageIssue(d, have, payload.Rev))
			continue
		}
		r, err := h.backend.Hold(ctx, reference, d.sku, d.qty, h.ttl)
		if err != nil {
			return session.CheckResult{}, nil, err
		}
		expires := r.ExpiresAt
		holds = append(holds, session.Hold{HoldID: r.HoldID, SKU: r.SKU, Qty: r.Qty, ExpiresAt: &expires})
		if earliest == nil || expires.Before(*earliest) {
			earliest = &expires
		}
	}

	result := session.CheckResult{
		OK:            len(issues) == 0,
		HoldExpiresAt: earliest,
		Holds:         holds,
	}
	if len(issues) > 0 {
		result.Details = map[string]any{"shortages": len(issues)}
	}
	return result, issues, nil
}

// shortageIssue describes an uncoverable SKU with suggested fixes:
// cut the quantity down to what is on hand (when the demand comes
// from a single line), or drop every line carrying the SKU.
func shortageIssue(d *skuDemand, available int64, rev int64) session.Issue {
	lineIDs := make([]string, len(d.lines))
	for i, line := range d.lines {
		lineIDs[i] = line.LineID
	}
	issue := session.Issue{
		ID:       ids.NewIssueID(),
		Source:   "stock",
		Code:     "insufficient_stock",
		Severity: "error",
		Blocking: true,
		Message:  fmt.Sprintf("only %d of %s available, session wants %d", available, d.sku, d.qty),
		Context:  map[string]any{"sku": d.sku, "line_ids": lineIDs, "requested": d.qty, "available": available},
	}
	if available > 0 && len(d.lines) == 1 {
		qty := available
		issue.Actions = append(issue.Actions, session.Action{
			ID:    ids.NewActionID(),
			Label: fmt.Sprintf("Reduce to %d", available),
			Rev:   rev,
			Ops:   []session.Op{{Op: session.OpSetQty, LineID: d.lines[0].LineID, Qty: &qty}},
		})
	}
	removeOps := make([]session.Op, len(d.lines))
	for i, line := range d.lines {
		removeOps[i] = session.Op{Op: session.OpRemoveLine, LineID: line.LineID}
	}
	removeLabel := "Remove line"
	if len(d.lines) > 1 {
		removeLabel = "Remove lines"
	}
	issue.Actions = append(issue.Actions, session.Action{
		ID:    ids.NewActionID(),
		Label: removeLabel,
		Rev:   rev,
		Ops:   removeOps,
	})
	return issue
}
