package channel

import (
	"fmt"
	"time"

	"github.com/omniorder/omniorder/internal/errs"
)

type PricingPolicy string

const (
	PricingInternal PricingPolicy = "internal"
	PricingExternal PricingPolicy = "external"
	PricingMixed    PricingPolicy = "mixed"
)

type EditPolicy string

const (
	EditOpen   EditPolicy = "open"
	EditLocked EditPolicy = "locked"
)

// Channel is the configuration scope for one order origin (point of sale,
// e-commerce storefront, delivery-platform bridge).
type Channel struct {
	ID            int64         `json:"id"`
	Code          string        `json:"code"`
	Name          string        `json:"name"`
	PricingPolicy PricingPolicy `json:"pricing_policy"`
	EditPolicy    EditPolicy    `json:"edit_policy"`
	Config        Config        `json:"config"`
	IsActive      bool          `json:"is_active"`
	CreatedAt     time.Time     `json:"created_at"`
}

// Config is the typed channel configuration, validated once at load time.
type Config struct {
	// Currency is the ISO 4217 code stamped onto committed orders.
	Currency string `json:"currency" yaml:"currency"`
	// RequiredChecks are the check codes that must be fresh at commit.
	RequiredChecks []string `json:"required_checks" yaml:"required_checks"`
	// CheckTopics maps check code to directive topic. Missing entries
	// default to "<check>.hold".
	CheckTopics map[string]string `json:"check_topics" yaml:"check_topics"`
	// PostCommitTopics are enqueued after a successful commit, in order.
	PostCommitTopics []string `json:"post_commit_topics" yaml:"post_commit_topics"`
	// Flow is the order status graph for this channel.
	Flow Flow `json:"flow" yaml:"flow"`
	// AutoTransitionsOnCreate is applied through the state machine right
	// after the order is created (e.g. externally paid channels jump
	// straight to confirmed).
	AutoTransitionsOnCreate []string `json:"auto_transitions_on_create" yaml:"auto_transitions_on_create"`
}

// Flow is a status-transition graph: one initial status, an adjacency
// map, and the set of terminal statuses.
type Flow struct {
	Initial     string              `json:"initial" yaml:"initial"`
	Transitions map[string][]string `json:"transitions" yaml:"transitions"`
	Terminal    []string            `json:"terminal" yaml:"terminal"`
}

// DefaultFlow covers channels that do not configure their own graph.
func DefaultFlow() Flow {
	return Flow{
		Initial: "new",
		Transitions: map[string][]string{
			"new":        {"confirmed", "cancelled"},
			"confirmed":  {"processing", "ready", "cancelled"},
			"processing": {"ready", "cancelled"},
			"ready":      {"dispatched", "completed"},
			"dispatched": {"delivered", "returned"},
			"delivered":  {"completed", "returned"},
			"returned":   {"completed"},
			"completed":  {},
			"cancelled":  {},
		},
		Terminal: []string{"completed", "cancelled"},
	}
}

func (f Flow) IsTerminal(status string) bool {
	for _, s := range f.Terminal {
		if s == status {
			return true
		}
	}
	return false
}

func (f Flow) AllowedFrom(status string) []string {
	return f.Transitions[status]
}

// CheckTopic returns the directive topic for a check code.
func (c Config) CheckTopic(checkCode string) string {
	if topic, ok := c.CheckTopics[checkCode]; ok && topic != "" {
		return topic
	}
	return checkCode + ".hold"
}

// Normalize fills defaults for parts of the config the channel left out.
func (c *Config) Normalize() {
	if c.Currency == "" {
		c.Currency = "USD"
	}
	if c.Flow.Initial == "" && len(c.Flow.Transitions) == 0 {
		c.Flow = DefaultFlow()
	}
}

// Validate rejects graphs a running kernel could not honor. Called once
// at channel load, never on the hot path.
func (c Config) Validate() error {
	flow := c.Flow
	if flow.Initial == "" {
		return errs.Channel("invalid_config", "flow has no initial status", nil)
	}
	if _, ok := flow.Transitions[flow.Initial]; !ok {
		return errs.Channel("invalid_config",
			fmt.Sprintf("initial status %q has no transition entry", flow.Initial), nil)
	}
	if flow.IsTerminal(flow.Initial) {
		return errs.Channel("invalid_config",
			fmt.Sprintf("initial status %q is terminal", flow.Initial), nil)
	}
	for from, nexts := range flow.Transitions {
		for _, next := range nexts {
			if _, ok := flow.Transitions[next]; !ok {
				return errs.Channel("invalid_config",
					fmt.Sprintf("transition %s -> %s targets unknown status", from, next), nil)
			}
		}
	}
	for _, t := range flow.Terminal {
		if _, ok := flow.Transitions[t]; !ok {
			return errs.Channel("invalid_config",
				fmt.Sprintf("terminal status %q has no transition entry", t), nil)
		}
	}
	for _, status := range c.AutoTransitionsOnCreate {
		if _, ok := flow.Transitions[status]; !ok {
			return errs.Channel("invalid_config",
				fmt.Sprintf("auto transition targets unknown status %q", status), nil)
		}
	}
	return nil
}
