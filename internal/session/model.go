// Package session holds the mutable pre-commit aggregate: an ordered set
// of line items, free-form data, asynchronously computed check results
// and open issues. All mutation goes through the kernel pipelines; the
// repository hands out copies, never shared slices.
package session

import (
	"time"

	"github.com/omniorder/omniorder/internal/channel"
)

type State string

const (
	StateOpen      State = "open"
	StateCommitted State = "committed"
	StateAbandoned State = "abandoned"
)

type Item struct {
	LineID string `json:"line_id"`
	SKU    string `json:"sku"`
	Name   string `json:"name,omitempty"`
	Qty    int64  `json:"qty"`
	// UnitPriceQ is in minor currency units. Nil means the pricing
	// modifier has not priced the line yet.
	UnitPriceQ *int64         `json:"unit_price_q,omitempty"`
	LineTotalQ int64          `json:"line_total_q"`
	Meta       map[string]any `json:"meta,omitempty"`
}

// Hold is one stock reservation attached to a check result.
type Hold struct {
	HoldID    string     `json:"hold_id"`
	SKU       string     `json:"sku"`
	Qty       int64      `json:"qty"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
}

type CheckResult struct {
	OK            bool           `json:"ok"`
	HoldExpiresAt *time.Time     `json:"hold_expires_at,omitempty"`
	Holds         []Hold         `json:"holds,omitempty"`
	Details       map[string]any `json:"details,omitempty"`
}

// Check is a validation result stamped with the revision it was
// computed against. A check whose Rev differs from the session's
// current rev is stale and must not gate a commit.
type Check struct {
	Rev    int64       `json:"rev"`
	At     time.Time   `json:"at"`
	Result CheckResult `json:"result"`
}

// Action is a suggested remediation: a list of ops the client may ask
// the kernel to apply. Rev pins the action to the session revision the
// issue was detected at.
type Action struct {
	ID    string `json:"id"`
	Label string `json:"label,omitempty"`
	Rev   int64  `json:"rev"`
	Ops   []Op   `json:"ops"`
}

type Issue struct {
	ID       string         `json:"id"`
	Source   string         `json:"source"`
	Code     string         `json:"code"`
	Severity string         `json:"severity,omitempty"`
	Blocking bool           `json:"blocking"`
	Message  string         `json:"message"`
	Context  map[string]any `json:"context,omitempty"`
	Actions  []Action       `json:"actions,omitempty"`
}

type Session struct {
	ID          int64  `json:"id"`
	SessionKey  string `json:"session_key"`
	ChannelCode string `json:"channel_code"`
	State       State  `json:"state"`
	// Policies are copied from the channel when the session opens, so a
	// later channel config edit never changes the rules mid-session.
	PricingPolicy channel.PricingPolicy `json:"pricing_policy"`
	EditPolicy    channel.EditPolicy    `json:"edit_policy"`
	Rev           int64                 `json:"rev"`
	Items         []Item                `json:"items"`
	Data          map[string]any        `json:"data"`
	Checks        map[string]Check      `json:"checks"`
	Issues        []Issue               `json:"issues"`
	CommitToken   string                `json:"commit_token,omitempty"`
	OpenedAt      time.Time             `json:"opened_at"`
	CommittedAt   *time.Time            `json:"committed_at,omitempty"`
	UpdatedAt     time.Time             `json:"updated_at"`
}

func (s *Session) IsOpen() bool {
	return s.State == StateOpen
}

// TotalQ sums line totals in minor units.
func (s *Session) TotalQ() int64 {
	var total int64
	for _, item := range s.Items {
		total += item.LineTotalQ
	}
	return total
}

// ClearChecks drops every stored check and issue. Called after any
// state-changing modification: they were computed against a now-stale
// item set.
func (s *Session) ClearChecks() {
	s.Checks = map[string]Check{}
	s.Issues = nil
}

// FindIssue returns the issue with the given id, or nil.
func (s *Session) FindIssue(issueID string) *Issue {
	for i := range s.Issues {
		if s.Issues[i].ID == issueID {
			return &s.Issues[i]
		}
	}
	return nil
}

// ReplaceIssuesFromSource swaps out every issue owned by source for the
// given replacements, keeping issues from other sources untouched.
func (s *Session) ReplaceIssuesFromSource(source string, replacements []Issue) {
	kept := make([]Issue, 0, len(s.Issues)+len(replacements))
	for _, issue := range s.Issues {
		if issue.Source != source {
			kept = append(kept, issue)
		}
	}
	s.Issues = append(kept, replacements...)
}

// BlockingIssues returns the issues that must be resolved before commit.
func (s *Session) BlockingIssues() []Issue {
	var blocking []Issue
	for _, issue := range s.Issues {
		if issue.Blocking {
			blocking = append(blocking, issue)
		}
	}
	return blocking
}

// CloneItems returns a deep copy of the item list so callers can stage
// changes without aliasing the aggregate's state.
func CloneItems(items []Item) []Item {
	cloned := make([]Item, len(items))
	for i, item := range items {
		cloned[i] = item
		if item.UnitPriceQ != nil {
			price := *item.UnitPriceQ
			cloned[i].UnitPriceQ = &price
		}
		cloned[i].Meta = cloneMap(item.Meta)
	}
	return cloned
}

// CloneData deep-copies nested maps; non-map values are shared, which is
// safe because ops replace values rather than mutating them.
func CloneData(data map[string]any) map[string]any {
	return cloneMap(data)
}

func cloneMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		if nested, ok := v.(map[string]any); ok {
			out[k] = cloneMap(nested)
			continue
		}
		out[k] = v
	}
	return out
}

// Recalculate refreshes each line total from qty and unit price.
// Unpriced lines total zero until a pricing modifier fills them in.
func Recalculate(items []Item) {
	for i := range items {
		if items[i].UnitPriceQ == nil {
			items[i].LineTotalQ = 0
			continue
		}
		items[i].LineTotalQ = items[i].Qty * *items[i].UnitPriceQ
	}
}
