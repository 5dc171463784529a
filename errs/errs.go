// Package errs provides structured error types and helpers for reactor components.
package errs

import (
	"errors"
	"sort"
	"strconv"
	"strings"
)

// Code identifies a reactor error category.
type Code string

const (
	// CodeInvalidRole indicates a role variant outside the capability table.
	CodeInvalidRole Code = "invalid_role"
	// CodeCapabilityNotApplicable indicates a registration for a capability the role does not require.
	CodeCapabilityNotApplicable Code = "capability_not_applicable"
	// CodeIncompleteRegistration indicates activation was attempted with unbound required capabilities.
	CodeIncompleteRegistration Code = "incomplete_registration"
	// CodeUnroutableEvent indicates no handler could be resolved for an event.
	CodeUnroutableEvent Code = "unroutable_event"
	// CodeHandlerFailed indicates a handler returned a failure disposition.
	CodeHandlerFailed Code = "handler_failed"
	// CodeSessionNotFound indicates the referenced session is unknown.
	CodeSessionNotFound Code = "session_not_found"
	// CodeInvalid indicates invalid input provided by the caller.
	CodeInvalid Code = "invalid_request"
	// CodeConflict indicates a concurrent mutation conflict or duplicate identifier.
	CodeConflict Code = "conflict"
	// CodeUnavailable indicates the component is closed or saturated.
	CodeUnavailable Code = "unavailable"
	// CodeNetwork indicates a network transport failure.
	CodeNetwork Code = "network"
)

// E captures structured error information produced across the reactor stack.
type E struct {
	Component    string
	Code         Code
	Session      string
	Capabilities []string
	Message      string
	Remediation  string

	cause error
}

// Option configures an error envelope.
type Option func(*E)

// New constructs an error envelope for the component and error code.
func New(component string, code Code, opts ...Option) *E {
	e := &E{
		Component:    strings.TrimSpace(component),
		Code:         code,
		Session:      "",
		Capabilities: nil,
		Message:      "",
		Remediation:  "",
		cause:        nil,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	return e
}

// WithMessage attaches a human-readable message to the error.
func WithMessage(message string) Option {
	trimmed := strings.TrimSpace(message)
	return func(e *E) {
		e.Message = trimmed
	}
}

// WithRemediation attaches remediation guidance to the error.
func WithRemediation(remediation string) Option {
	trimmed := strings.TrimSpace(remediation)
	return func(e *E) {
		e.Remediation = trimmed
	}
}

// WithSession records the session the error concerns.
func WithSession(id string) Option {
	trimmed := strings.TrimSpace(id)
	return func(e *E) {
		e.Session = trimmed
	}
}

// WithCapabilities records the capability names involved, sorted and de-duplicated.
func WithCapabilities(names ...string) Option {
	return func(e *E) {
		if len(names) == 0 {
			return
		}
		seen := make(map[string]struct{}, len(names)+len(e.Capabilities))
		merged := make([]string, 0, len(names)+len(e.Capabilities))
		for _, name := range append(append([]string(nil), e.Capabilities...), names...) {
			name = strings.TrimSpace(name)
			if name == "" {
				continue
			}
			if _, ok := seen[name]; ok {
				continue
			}
			seen[name] = struct{}{}
			merged = append(merged, name)
		}
		sort.Strings(merged)
		e.Capabilities = merged
	}
}

// WithCause sets the underlying cause error.
func WithCause(err error) Option {
	return func(e *E) {
		e.cause = err
	}
}

func (e *E) Error() string {
	if e == nil {
		return "<nil>"
	}
	var parts []string

	component := strings.TrimSpace(e.Component)
	if component == "" {
		component = "unknown"
	}
	parts = append(parts, "component="+component)

	code := strings.TrimSpace(string(e.Code))
	if code == "" {
		code = "unknown"
	}
	parts = append(parts, "code="+code)

	if e.Session != "" {
		parts = append(parts, "session="+e.Session)
	}
	if len(e.Capabilities) > 0 {
		parts = append(parts, "capabilities="+strings.Join(e.Capabilities, ","))
	}
	if e.Message != "" {
		parts = append(parts, "message="+strconv.Quote(e.Message))
	}
	if e.Remediation != "" {
		parts = append(parts, "remediation="+strconv.Quote(e.Remediation))
	}
	if e.cause != nil {
		parts = append(parts, "cause="+strconv.Quote(e.cause.Error()))
	}

	return strings.Join(parts, " ")
}

func (e *E) Unwrap() error { return e.cause }

// CodeOf extracts the first envelope code found in the error chain.
func CodeOf(err error) (Code, bool) {
	var target *E
	if errors.As(err, &target) && target != nil {
		return target.Code, true
	}
	return "", false
}

// Is reports whether the error chain carries an envelope with the given code.
func Is(err error, code Code) bool {
	got, ok := CodeOf(err)
	return ok && got == code
}

// MissingCapabilities returns the capability names recorded on an incomplete registration error.
func MissingCapabilities(err error) []string {
	var target *E
	if !errors.As(err, &target) || target == nil || target.Code != CodeIncompleteRegistration {
		return nil
	}
	return append([]string(nil), target.Capabilities...)
}
