// Package directive implements the at-least-once asynchronous work
// queue: durable directive records, a lock-and-skip claim repository,
// and the dispatcher loop that drives registered handlers.
package directive

import (
	"encoding/json"
	"fmt"
	"time"
)

type Status string

const (
	StatusQueued  Status = "queued"
	StatusRunning Status = "running"
	StatusDone    Status = "done"
	StatusFailed  Status = "failed"
)

// Directive is one unit of asynchronous work. It may be claimed and
// executed more than once; handlers alone are responsible for
// idempotency. The payload belongs to its creator and is read-only to
// the handler.
type Directive struct {
	ID          int64           `json:"id"`
	Topic       string          `json:"topic"`
	Status      Status          `json:"status"`
	Payload     json.RawMessage `json:"payload"`
	Attempts    int             `json:"attempts"`
	AvailableAt time.Time       `json:"available_at"`
	LastError   string          `json:"last_error,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
	StartedAt   *time.Time      `json:"started_at,omitempty"`
	UpdatedAt   time.Time       `json:"updated_at"`
}

// New builds a queued directive with a marshaled payload, available
// immediately.
func New(topic string, payload any) (*Directive, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("directive: failed to encode payload for topic %s: %w", topic, err)
	}
	return &Directive{
		Topic:       topic,
		Status:      StatusQueued,
		Payload:     raw,
		AvailableAt: time.Now().UTC(),
	}, nil
}
