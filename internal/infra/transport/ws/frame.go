// Package ws connects reactor sessions to counterparties over websocket.
// Each successful dial opens a fresh router session; inbound frames become events
// and connection loss is delivered as a channel down event.
package ws

import (
	"strings"
	"time"

	json "github.com/goccy/go-json"

	"github.com/coachpo/reactor/errs"
	"github.com/coachpo/reactor/internal/domain/schema"
)

// Frame is the wire envelope exchanged with the counterparty.
type Frame struct {
	ID      string                  `json:"id,omitempty"`
	Kind    schema.EventKind        `json:"kind"`
	Seq     uint64                  `json:"seq,omitempty"`
	Channel schema.ChannelEventType `json:"channel,omitempty"`
	Payload json.RawMessage         `json:"payload,omitempty"`
}

// DecodeFrame converts an inbound text frame into an event for sessionID.
// Frames without an id receive a fresh one so duplicate suppression only applies to
// identifiers the counterparty chose.
func DecodeFrame(sessionID string, data []byte, now time.Time) (*schema.Event, error) {
	var frame Frame
	if err := json.Unmarshal(data, &frame); err != nil {
		return nil, errs.New("transport/ws", errs.CodeInvalid, errs.WithSession(sessionID),
			errs.WithMessage("malformed frame"), errs.WithCause(err))
	}
	id := strings.TrimSpace(frame.ID)
	if id == "" {
		id = schema.NewEventID()
	}
	evt := &schema.Event{
		ID:         id,
		Kind:       schema.EventKind(strings.ToLower(strings.TrimSpace(string(frame.Kind)))),
		SessionID:  sessionID,
		Seq:        frame.Seq,
		Channel:    schema.ChannelEventType(strings.ToLower(strings.TrimSpace(string(frame.Channel)))),
		Payload:    frame.Payload,
		ReceivedAt: now.UTC(),
	}
	if err := evt.Validate(); err != nil {
		return nil, err
	}
	return evt, nil
}

// EncodeFrame wraps an outbound value. Frames and raw JSON pass through untouched.
func EncodeFrame(v any) ([]byte, error) {
	switch typed := v.(type) {
	case nil:
		return nil, errs.New("transport/ws", errs.CodeInvalid, errs.WithMessage("frame required"))
	case []byte:
		return typed, nil
	case json.RawMessage:
		return typed, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, errs.New("transport/ws", errs.CodeInvalid, errs.WithMessage("encode frame"), errs.WithCause(err))
	}
	return data, nil
}
