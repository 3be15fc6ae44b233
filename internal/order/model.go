// Package order holds the immutable sealed snapshot of a committed
// session plus its append-only event log and the channel-configured
// status state machine.
package order

import (
	"encoding/json"
	"time"
)

type Item struct {
	ID         int64          `json:"id"`
	OrderID    int64          `json:"order_id"`
	LineID     string         `json:"line_id"`
	SKU        string         `json:"sku"`
	Name       string         `json:"name,omitempty"`
	Qty        int64          `json:"qty"`
	UnitPriceQ int64          `json:"unit_price_q"`
	LineTotalQ int64          `json:"line_total_q"`
	Meta       map[string]any `json:"meta,omitempty"`
}

// Order is write-once except for Status and StatusTimes, which only the
// state machine mutates under its own row lock.
type Order struct {
	ID          int64  `json:"id"`
	Ref         string `json:"ref"`
	ChannelCode string `json:"channel_code"`
	SessionKey  string `json:"session_key"`
	Status      string `json:"status"`
	// Snapshot is the full session state at commit time, kept verbatim
	// for audit and reconstruction.
	Snapshot json.RawMessage `json:"snapshot"`
	Currency string          `json:"currency"`
	TotalQ   int64           `json:"total_q"`
	Items    []Item          `json:"items"`
	// StatusTimes records when each status was first reached. A status
	// revisited through a cycle keeps its original timestamp.
	StatusTimes map[string]time.Time `json:"status_times"`
	CreatedAt   time.Time            `json:"created_at"`
	UpdatedAt   time.Time            `json:"updated_at"`
}

type Event struct {
	ID        int64          `json:"id"`
	OrderID   int64          `json:"order_id"`
	Type      string         `json:"type"`
	Actor     string         `json:"actor"`
	Payload   map[string]any `json:"payload,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

const (
	EventCreated       = "created"
	EventStatusChanged = "status_changed"
)
