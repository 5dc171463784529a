package schema

import (
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/coachpo/reactor/errs"
)

// SessionState tracks a session through its connection lifecycle.
type SessionState string

const (
	// SessionConnecting is the initial state; dispatch requires registry activation.
	SessionConnecting SessionState = "connecting"
	// SessionActive means the channel is up and registration is complete.
	SessionActive SessionState = "active"
	// SessionClosing drops further events while pending work drains.
	SessionClosing SessionState = "closing"
	// SessionClosed is terminal.
	SessionClosed SessionState = "closed"
)

// Terminal reports whether no further dispatch may happen in this state.
func (s SessionState) Terminal() bool {
	return s == SessionClosing || s == SessionClosed
}

// NewSessionID returns a random session identifier.
func NewSessionID() string {
	return uuid.NewString()
}

// ValidateSessionID ensures the identifier is a well-formed UUID.
func ValidateSessionID(id string) error {
	trimmed := strings.TrimSpace(id)
	if trimmed == "" {
		return errs.New("schema/session", errs.CodeInvalid, errs.WithMessage("session id required"))
	}
	if _, err := uuid.Parse(trimmed); err != nil {
		return errs.New("schema/session", errs.CodeInvalid, errs.WithSession(trimmed),
			errs.WithMessage("session id must be a uuid"), errs.WithCause(err))
	}
	return nil
}

// SessionInfo is a point-in-time view of a session.
type SessionInfo struct {
	ID        string       `json:"id"`
	Role      Role         `json:"role"`
	State     SessionState `json:"state"`
	ChannelUp bool         `json:"channelUp"`
	Activated bool         `json:"activated"`
	Bound     []Capability `json:"bound,omitempty"`
	Pending   int          `json:"pending"`
	Reason    string       `json:"reason,omitempty"`
	CreatedAt time.Time    `json:"createdAt"`
	UpdatedAt time.Time    `json:"updatedAt"`
}

// Transition records a session state change.
type Transition struct {
	SessionID string       `json:"sessionId"`
	Role      Role         `json:"role"`
	From      SessionState `json:"from"`
	To        SessionState `json:"to"`
	Reason    string       `json:"reason,omitempty"`
	At        time.Time    `json:"at"`
}

// Failure records a handler failure or dispatch problem for a session.
type Failure struct {
	SessionID   string      `json:"sessionId"`
	Role        Role        `json:"role"`
	EventID     string      `json:"eventId"`
	Kind        EventKind   `json:"kind"`
	Capability  Capability  `json:"capability"`
	Disposition Disposition `json:"disposition"`
	Reason      string      `json:"reason"`
	At          time.Time   `json:"at"`
}
