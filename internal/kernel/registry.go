// Package kernel contains the concurrency-and-consistency core: the
// modify and commit pipelines, the staleness-guarded check write path,
// issue resolution, and the registry of extensions they consult.
package kernel

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/omniorder/omniorder/internal/channel"
	"github.com/omniorder/omniorder/internal/directive"
	"github.com/omniorder/omniorder/internal/session"
)

type Stage string

const (
	StageDraft  Stage = "draft"
	StageCommit Stage = "commit"
)

// Validator is a pure gate: no IO, no mutation. The first failing
// validator aborts the pipeline with its error.
type Validator interface {
	Code() string
	Stage() Stage
	Validate(ctx context.Context, ch *channel.Channel, s *session.Session) error
}

// Modifier is a deterministic transform applied to the session during
// modification. Modifiers run in ascending priority; ties keep
// registration order, so outcomes never depend on map iteration.
type Modifier interface {
	Code() string
	Priority() int
	Apply(ctx context.Context, ch *channel.Channel, s *session.Session) error
}

// IssueResolver owns issues from one source. Given a session, an issue
// and a chosen action id it returns the ops to re-run through the
// modify pipeline.
type IssueResolver interface {
	Source() string
	Ops(s *session.Session, issue session.Issue, actionID string) ([]session.Op, error)
}

// Registry is the single explicit extension registry, constructed at
// startup and passed by reference into the pipelines and dispatcher.
type Registry struct {
	mu         sync.RWMutex
	validators []Validator
	modifiers  []Modifier
	handlers   map[string]directive.Handler
	resolvers  map[string]IssueResolver
}

func NewRegistry() *Registry {
	return &Registry{
		handlers:  make(map[string]directive.Handler),
		resolvers: make(map[string]IssueResolver),
	}
}

func (r *Registry) RegisterValidator(v Validator) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.validators = append(r.validators, v)
}

func (r *Registry) RegisterModifier(m Modifier) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.modifiers = append(r.modifiers, m)
}

// RegisterHandler binds a directive handler to its topic. A topic takes
// exactly one handler; a duplicate registration is a configuration
// error surfaced immediately, not at dispatch time.
func (r *Registry) RegisterHandler(h directive.Handler) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.handlers[h.Topic()]; exists {
		return fmt.Errorf("registry: handler for topic %q already registered", h.Topic())
	}
	r.handlers[h.Topic()] = h
	return nil
}

// RegisterResolver binds an issue resolver to its source. One resolver
// per source.
func (r *Registry) RegisterResolver(res IssueResolver) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.resolvers[res.Source()]; exists {
		return fmt.Errorf("registry: resolver for source %q already registered", res.Source())
	}
	r.resolvers[res.Source()] = res
	return nil
}

// Validators returns the validators for a stage in registration order.
func (r *Registry) Validators(stage Stage) []Validator {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Validator, 0, len(r.validators))
	for _, v := range r.validators {
		if v.Stage() == stage {
			out = append(out, v)
		}
	}
	return out
}

// Modifiers returns all modifiers sorted by priority, registration
// order breaking ties.
func (r *Registry) Modifiers() []Modifier {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Modifier, len(r.modifiers))
	copy(out, r.modifiers)
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Priority() < out[j].Priority()
	})
	return out
}

func (r *Registry) Handler(topic string) (directive.Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[topic]
	return h, ok
}

func (r *Registry) Topics() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	topics := make([]string, 0, len(r.handlers))
	for topic := range r.handlers {
		topics = append(topics, topic)
	}
	return topics
}

func (r *Registry) Resolver(source string) (IssueResolver, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	res, ok := r.resolvers[source]
	return res, ok
}
