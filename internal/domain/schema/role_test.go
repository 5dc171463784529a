package schema

import (
	"testing"

	"github.com/coachpo/reactor/errs"
)

func TestRequiredCapabilitiesNonInteractiveProvider(t *testing.T) {
	set, err := RequiredCapabilities(RoleNonInteractiveProvider)
	if err != nil {
		t.Fatalf("RequiredCapabilities() error = %v", err)
	}
	want := []Capability{CapabilityChannelEvent, CapabilityGenericMessage, CapabilityLoginMessage}
	got := set.Names()
	if len(got) != len(want) {
		t.Fatalf("expected %d capabilities, got %v", len(want), got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("capability[%d] = %s, want %s", i, got[i], want[i])
		}
	}
	if set.Contains(CapabilityDirectoryMessage) {
		t.Fatal("non-interactive provider must not require directory messages")
	}
}

func TestRequiredCapabilitiesEveryRoleIncludesChannelAndLogin(t *testing.T) {
	for _, role := range Roles() {
		set, err := RequiredCapabilities(role)
		if err != nil {
			t.Fatalf("role %s: %v", role, err)
		}
		if !set.Contains(CapabilityChannelEvent) || !set.Contains(CapabilityLoginMessage) {
			t.Fatalf("role %s missing channel or login capability: %v", role, set.Names())
		}
	}
}

func TestRequiredCapabilitiesUnknownRole(t *testing.T) {
	_, err := RequiredCapabilities("market_maker")
	if err == nil {
		t.Fatal("expected error for unknown role")
	}
	if !errs.Is(err, errs.CodeInvalidRole) {
		t.Fatalf("expected invalid_role, got %v", err)
	}
}

func TestNormalizeRole(t *testing.T) {
	if got := NormalizeRole(" Non-Interactive-Provider "); got != RoleNonInteractiveProvider {
		t.Fatalf("NormalizeRole() = %q", got)
	}
}

func TestCapabilitySetMissing(t *testing.T) {
	set := NewCapabilitySet(CapabilityChannelEvent, CapabilityLoginMessage, CapabilityGenericMessage)
	missing := set.Missing(func(c Capability) bool { return c != CapabilityGenericMessage })
	if len(missing) != 1 || missing[0] != CapabilityGenericMessage {
		t.Fatalf("unexpected missing set %v", missing)
	}
	if got := len(set.Missing(nil)); got != 3 {
		t.Fatalf("nil predicate should report all members missing, got %d", got)
	}
}

func TestCapabilityForKind(t *testing.T) {
	cases := map[EventKind]Capability{
		EventKindChannel:    CapabilityChannelEvent,
		EventKindGeneric:    CapabilityGenericMessage,
		EventKindLogin:      CapabilityLoginMessage,
		EventKindDirectory:  CapabilityDirectoryMessage,
		EventKindDictionary: CapabilityDictionaryMessage,
	}
	for kind, want := range cases {
		got, ok := CapabilityForKind(kind)
		if !ok || got != want {
			t.Fatalf("CapabilityForKind(%s) = %s, %v", kind, got, ok)
		}
	}
	if _, ok := CapabilityForKind("heartbeat"); ok {
		t.Fatal("unknown kinds must not map to a capability")
	}
}

func TestCapabilityValidate(t *testing.T) {
	if err := CapabilityLoginMessage.Validate(); err != nil {
		t.Fatalf("Validate() error = %v", err)
	}
	if err := Capability("telepathy").Validate(); !errs.Is(err, errs.CodeInvalid) {
		t.Fatalf("expected invalid_request, got %v", err)
	}
}
