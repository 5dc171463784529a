package schema

import (
	"sort"
	"strings"

	"github.com/coachpo/reactor/errs"
)

// Role identifies the functional mode of a session.
type Role string

const (
	// RoleConsumer requests and receives market data.
	RoleConsumer Role = "consumer"
	// RoleProvider answers consumer requests interactively.
	RoleProvider Role = "provider"
	// RoleNonInteractiveProvider publishes data into infrastructure without serving requests.
	RoleNonInteractiveProvider Role = "non_interactive_provider"
)

var roleCapabilities = map[Role]CapabilitySet{
	RoleConsumer: NewCapabilitySet(
		CapabilityChannelEvent,
		CapabilityGenericMessage,
		CapabilityLoginMessage,
		CapabilityDirectoryMessage,
	),
	RoleProvider: NewCapabilitySet(
		CapabilityChannelEvent,
		CapabilityGenericMessage,
		CapabilityLoginMessage,
		CapabilityDirectoryMessage,
		CapabilityDictionaryMessage,
	),
	RoleNonInteractiveProvider: NewCapabilitySet(
		CapabilityChannelEvent,
		CapabilityGenericMessage,
		CapabilityLoginMessage,
	),
}

// NormalizeRole trims spaces, lowercases and maps dashes to underscores.
func NormalizeRole(role Role) Role {
	trimmed := strings.ToLower(strings.TrimSpace(string(role)))
	return Role(strings.ReplaceAll(trimmed, "-", "_"))
}

// RequiredCapabilities returns the capability set a role must bind before activation.
func RequiredCapabilities(role Role) (CapabilitySet, error) {
	set, ok := roleCapabilities[role]
	if !ok {
		return CapabilitySet{}, errs.New("schema/role", errs.CodeInvalidRole,
			errs.WithMessage("unknown role "+string(role)),
			errs.WithRemediation("use consumer, provider or non_interactive_provider"))
	}
	return set, nil
}

// Validate reports whether the role exists in the capability table.
func (r Role) Validate() error {
	_, err := RequiredCapabilities(r)
	return err
}

// Roles lists every known role in sorted order.
func Roles() []Role {
	out := make([]Role, 0, len(roleCapabilities))
	for role := range roleCapabilities {
		out = append(out, role)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
