// Package errs defines the structured error taxonomy shared by every
// pipeline. Each error carries a kind, a stable machine code and optional
// structured context so the API layer can render actionable responses
// without parsing messages.
package errs

import "fmt"

type Kind string

const (
	KindSession    Kind = "session"
	KindValidation Kind = "validation"
	KindCommit     Kind = "commit"
	KindDirective  Kind = "directive"
	KindResolve    Kind = "resolve"
	KindTransition Kind = "transition"
	KindChannel    Kind = "channel"
)

type Error struct {
	Kind    Kind
	Code    string
	Message string
	Context map[string]any
}

func (e *Error) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("%s: %s", e.Kind, e.Code)
	}
	return fmt.Sprintf("%s: %s: %s", e.Kind, e.Code, e.Message)
}

// Is matches on kind and code so sentinel-style comparisons work with
// errors.Is even when context differs.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Kind == t.Kind && e.Code == t.Code
}

func newError(kind Kind, code, message string, context map[string]any) *Error {
	return &Error{Kind: kind, Code: code, Message: message, Context: context}
}

func Session(code, message string, context map[string]any) *Error {
	return newError(KindSession, code, message, context)
}

func Validation(code, message string, context map[string]any) *Error {
	return newError(KindValidation, code, message, context)
}

func Commit(code, message string, context map[string]any) *Error {
	return newError(KindCommit, code, message, context)
}

func Directive(code, message string, context map[string]any) *Error {
	return newError(KindDirective, code, message, context)
}

func Resolve(code, message string, context map[string]any) *Error {
	return newError(KindResolve, code, message, context)
}

func Transition(code, message string, context map[string]any) *Error {
	return newError(KindTransition, code, message, context)
}

func Channel(code, message string, context map[string]any) *Error {
	return newError(KindChannel, code, message, context)
}
