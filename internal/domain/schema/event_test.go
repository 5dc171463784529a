package schema

import (
	"testing"

	json "github.com/goccy/go-json"
)

func TestEventValidate(t *testing.T) {
	id := NewSessionID()
	cases := []struct {
		name    string
		evt     *Event
		wantErr bool
	}{
		{name: "nil", evt: nil, wantErr: true},
		{name: "missing session", evt: &Event{Kind: EventKindGeneric}, wantErr: true},
		{name: "missing kind", evt: &Event{SessionID: id}, wantErr: true},
		{name: "channel without type", evt: &Event{SessionID: id, Kind: EventKindChannel}, wantErr: true},
		{name: "channel up", evt: NewChannelEvent(id, ChannelUp)},
		{name: "generic", evt: NewMessageEvent(id, EventKindGeneric, json.RawMessage(`{}`))},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.evt.Validate()
			if tc.wantErr && err == nil {
				t.Fatal("expected validation error")
			}
			if !tc.wantErr && err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
		})
	}
}

func TestParseDisposition(t *testing.T) {
	cases := map[string]Disposition{
		"success":        DispositionSuccess,
		"":               DispositionSuccess,
		"FAIL":           DispositionFail,
		"fail_and_close": DispositionFailAndClose,
		"fail-and-close": DispositionFailAndClose,
	}
	for text, want := range cases {
		got, ok := ParseDisposition(text)
		if !ok || got != want {
			t.Fatalf("ParseDisposition(%q) = %v, %v", text, got, ok)
		}
	}
	if got, ok := ParseDisposition("maybe"); ok || got != DispositionFail {
		t.Fatalf("unknown text should map to fail, got %v %v", got, ok)
	}
}

func TestValidateSessionID(t *testing.T) {
	if err := ValidateSessionID(NewSessionID()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := ValidateSessionID("not-a-uuid"); err == nil {
		t.Fatal("expected error for malformed id")
	}
	if err := ValidateSessionID(" "); err == nil {
		t.Fatal("expected error for empty id")
	}
}

func TestSessionStateTerminal(t *testing.T) {
	if SessionActive.Terminal() || SessionConnecting.Terminal() {
		t.Fatal("active and connecting are not terminal")
	}
	if !SessionClosing.Terminal() || !SessionClosed.Terminal() {
		t.Fatal("closing and closed are terminal for dispatch")
	}
}
