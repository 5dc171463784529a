// Package schema defines the reactor's roles, capabilities, events and session states.
package schema

import (
	"strings"
	"time"

	json "github.com/goccy/go-json"
	"github.com/google/uuid"

	"github.com/coachpo/reactor/errs"
)

// EventKind discriminates decoded units of work.
type EventKind string

const (
	// EventKindChannel carries a channel lifecycle change.
	EventKindChannel EventKind = "channel_event"
	// EventKindGeneric carries a generic domain message.
	EventKindGeneric EventKind = "generic_message"
	// EventKindLogin carries a login stream message.
	EventKindLogin EventKind = "login_message"
	// EventKindDirectory carries a source directory message.
	EventKindDirectory EventKind = "directory_message"
	// EventKindDictionary carries a dictionary message.
	EventKindDictionary EventKind = "dictionary_message"
)

// ChannelEventType enumerates channel lifecycle notifications.
type ChannelEventType string

const (
	// ChannelUp signals the transport channel is established.
	ChannelUp ChannelEventType = "up"
	// ChannelReady signals the counterparty finished its handshake.
	ChannelReady ChannelEventType = "ready"
	// ChannelWarning signals a recoverable transport condition.
	ChannelWarning ChannelEventType = "warning"
	// ChannelDown signals the transport channel is gone.
	ChannelDown ChannelEventType = "down"
)

// Disposition is the outcome a handler reports to the router.
type Disposition int

const (
	// DispositionSuccess continues processing normally.
	DispositionSuccess Disposition = iota
	// DispositionFail reports an error upstream but keeps the session.
	DispositionFail
	// DispositionFailAndClose reports an error and drives the session to Closing.
	DispositionFailAndClose
)

func (d Disposition) String() string {
	switch d {
	case DispositionSuccess:
		return "success"
	case DispositionFail:
		return "fail"
	case DispositionFailAndClose:
		return "fail_and_close"
	default:
		return "unknown"
	}
}

// ParseDisposition converts a textual disposition. Unknown text maps to DispositionFail.
func ParseDisposition(text string) (Disposition, bool) {
	switch strings.ToLower(strings.TrimSpace(text)) {
	case "", "success", "ok":
		return DispositionSuccess, true
	case "fail":
		return DispositionFail, true
	case "fail_and_close", "fail-and-close", "close":
		return DispositionFailAndClose, true
	default:
		return DispositionFail, false
	}
}

// Event is an already-decoded unit of work bound to a session.
type Event struct {
	ID         string           `json:"id"`
	Kind       EventKind        `json:"kind"`
	SessionID  string           `json:"sessionId"`
	Seq        uint64           `json:"seq"`
	Channel    ChannelEventType `json:"channel,omitempty"`
	Payload    json.RawMessage  `json:"payload,omitempty"`
	ReceivedAt time.Time        `json:"receivedAt"`
}

// NewEventID returns a random event identifier.
func NewEventID() string {
	return uuid.NewString()
}

// NewChannelEvent builds a channel lifecycle event for the session.
func NewChannelEvent(sessionID string, typ ChannelEventType) *Event {
	return &Event{
		ID:         NewEventID(),
		Kind:       EventKindChannel,
		SessionID:  sessionID,
		Seq:        0,
		Channel:    typ,
		Payload:    nil,
		ReceivedAt: time.Now().UTC(),
	}
}

// NewMessageEvent builds a message event of the given kind carrying the raw payload.
func NewMessageEvent(sessionID string, kind EventKind, payload json.RawMessage) *Event {
	return &Event{
		ID:         NewEventID(),
		Kind:       kind,
		SessionID:  sessionID,
		Seq:        0,
		Channel:    "",
		Payload:    payload,
		ReceivedAt: time.Now().UTC(),
	}
}

// Validate checks the structural fields required for dispatch.
func (e *Event) Validate() error {
	if e == nil {
		return errs.New("schema/event", errs.CodeInvalid, errs.WithMessage("event required"))
	}
	if strings.TrimSpace(e.SessionID) == "" {
		return errs.New("schema/event", errs.CodeInvalid, errs.WithMessage("session id required"))
	}
	if e.Kind == "" {
		return errs.New("schema/event", errs.CodeInvalid, errs.WithSession(e.SessionID), errs.WithMessage("event kind required"))
	}
	if e.Kind == EventKindChannel && e.Channel == "" {
		return errs.New("schema/event", errs.CodeInvalid, errs.WithSession(e.SessionID), errs.WithMessage("channel event type required"))
	}
	return nil
}

// IsChannel reports whether the event is a channel notification of the given type.
func (e *Event) IsChannel(typ ChannelEventType) bool {
	return e != nil && e.Kind == EventKindChannel && e.Channel == typ
}
