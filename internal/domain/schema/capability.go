package schema

import (
	"sort"
	"strings"

	"github.com/coachpo/reactor/errs"
)

// Capability names one category of event a handler can process.
type Capability string

const (
	// CapabilityChannelEvent receives channel lifecycle notifications.
	CapabilityChannelEvent Capability = "channel_event"
	// CapabilityGenericMessage receives generic (default) domain messages.
	CapabilityGenericMessage Capability = "generic_message"
	// CapabilityLoginMessage receives login stream messages.
	CapabilityLoginMessage Capability = "login_message"
	// CapabilityDirectoryMessage receives source directory messages.
	CapabilityDirectoryMessage Capability = "directory_message"
	// CapabilityDictionaryMessage receives field dictionary messages.
	CapabilityDictionaryMessage Capability = "dictionary_message"
)

var kindCapabilities = map[EventKind]Capability{
	EventKindChannel:    CapabilityChannelEvent,
	EventKindGeneric:    CapabilityGenericMessage,
	EventKindLogin:      CapabilityLoginMessage,
	EventKindDirectory:  CapabilityDirectoryMessage,
	EventKindDictionary: CapabilityDictionaryMessage,
}

// NormalizeCapability trims and lowercases the capability name.
func NormalizeCapability(c Capability) Capability {
	return Capability(strings.ToLower(strings.TrimSpace(string(c))))
}

// Validate ensures the capability is one of the known names.
func (c Capability) Validate() error {
	for _, known := range kindCapabilities {
		if c == known {
			return nil
		}
	}
	return errs.New("schema/capability", errs.CodeInvalid,
		errs.WithMessage("unknown capability "+string(c)),
		errs.WithCapabilities(string(c)))
}

// CapabilityForKind maps an event kind to the capability that handles it.
func CapabilityForKind(kind EventKind) (Capability, bool) {
	c, ok := kindCapabilities[kind]
	return c, ok
}

// CapabilitySet is an immutable set of capability names.
type CapabilitySet struct {
	members map[Capability]struct{}
}

// NewCapabilitySet builds a set from the provided names.
func NewCapabilitySet(caps ...Capability) CapabilitySet {
	members := make(map[Capability]struct{}, len(caps))
	for _, c := range caps {
		members[c] = struct{}{}
	}
	return CapabilitySet{members: members}
}

// Contains reports whether the capability is a member of the set.
func (s CapabilitySet) Contains(c Capability) bool {
	_, ok := s.members[c]
	return ok
}

// Len returns the number of members.
func (s CapabilitySet) Len() int {
	return len(s.members)
}

// Names returns the members in sorted order.
func (s CapabilitySet) Names() []Capability {
	out := make([]Capability, 0, len(s.members))
	for c := range s.members {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Missing returns the members for which bound reports false, sorted.
func (s CapabilitySet) Missing(bound func(Capability) bool) []Capability {
	var missing []Capability
	for _, c := range s.Names() {
		if bound == nil || !bound(c) {
			missing = append(missing, c)
		}
	}
	return missing
}

// Strings converts capability names to plain strings.
func Strings(caps []Capability) []string {
	out := make([]string, len(caps))
	for i, c := range caps {
		out[i] = string(c)
	}
	return out
}
