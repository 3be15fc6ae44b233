package stock

import (
	"github.com/omniorder/omniorder/internal/session"
)

// Resolver maps a chosen action on a stock issue to the ops embedded in
// it. The kernel has already matched the action and verified its rev;
// the resolver's job is only to produce the ops.
type Resolver struct{}

func NewResolver() *Resolver { return &Resolver{} }

func (Resolver) Source() string { return "stock" }

func (Resolver) Ops(_ *session.Session, issue session.Issue, actionID string) ([]session.Op, error) {
	for _, action := range issue.Actions {
		if action.ID == actionID {
			return action.Ops, nil
		}
	}
	return nil, nil
}
