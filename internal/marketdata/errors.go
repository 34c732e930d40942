// Package marketdata holds the error taxonomy and the collaborator contracts shared by the
// reconciler, the bulk orchestrator, the validator and the scheduler.
package marketdata

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

type Kind string

const (
	KindUpstreamUnavailable Kind = "upstream_unavailable"
	KindUpstreamTimeout     Kind = "upstream_timeout"
	KindUpstreamBadResponse Kind = "upstream_bad_response"
	KindValidationFailure   Kind = "validation_failure"
	KindPersistenceFailure  Kind = "persistence_failure"
	KindNoData              Kind = "no_data"
	KindInvalidRequest      Kind = "invalid_request"
	KindInternal            Kind = "internal"
)

// Error is the structured outcome returned across component boundaries.
type Error struct {
	Kind    Kind           `json:"kind"`
	Op      string         `json:"-"`
	Message string         `json:"message"`
	Context map[string]any `json:"context,omitempty"`
	Err     error          `json:"-"`
}

func (e *Error) Error() string {
	var b strings.Builder
	if e.Op != "" {
		b.WriteString(e.Op)
		b.WriteString(": ")
	}
	b.WriteString(string(e.Kind))
	if e.Message != "" {
		b.WriteString(": ")
		b.WriteString(e.Message)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches on Kind so errors.Is(err, &Error{Kind: KindNoData}) works.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Kind == e.Kind
}

// With returns a copy carrying an extra context entry.
func (e *Error) With(key string, value any) *Error {
	cp := *e
	cp.Context = make(map[string]any, len(e.Context)+1)
	for k, v := range e.Context {
		cp.Context[k] = v
	}
	cp.Context[key] = value
	return &cp
}

func Errorf(kind Kind, op, format string, args ...any) *Error {
	return &Error{Kind: kind, Op: op, Message: fmt.Sprintf(format, args...)}
}

func Wrap(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

var (
	ErrNoData      = &Error{Kind: KindNoData, Message: "no data"}
	ErrBadResponse = &Error{Kind: KindUpstreamBadResponse}
	ErrUnavailable = &Error{Kind: KindUpstreamUnavailable}
	ErrTimeout     = &Error{Kind: KindUpstreamTimeout}
)

// KindOf reports the kind of err, mapping bare context errors onto the taxonomy.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindUpstreamTimeout
	}
	return KindInternal
}

// IsTransient reports whether a retry could plausibly succeed.
func IsTransient(err error) bool {
	switch KindOf(err) {
	case KindUpstreamUnavailable, KindUpstreamTimeout:
		return true
	}
	return false
}
