package reactor

import (
	"context"

	"github.com/coachpo/reactor/internal/domain/schema"
)

// Handler processes one event for a bound capability and reports a disposition.
type Handler interface {
	Handle(ctx context.Context, evt *schema.Event) schema.Disposition
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc func(ctx context.Context, evt *schema.Event) schema.Disposition

// Handle calls f(ctx, evt).
func (f HandlerFunc) Handle(ctx context.Context, evt *schema.Event) schema.Disposition {
	return f(ctx, evt)
}

// ChannelEventCallback receives channel lifecycle events.
type ChannelEventCallback interface {
	OnChannelEvent(ctx context.Context, evt *schema.Event) schema.Disposition
}

// GenericMessageCallback receives generic domain messages.
type GenericMessageCallback interface {
	OnGenericMessage(ctx context.Context, evt *schema.Event) schema.Disposition
}

// LoginMessageCallback receives login stream messages.
type LoginMessageCallback interface {
	OnLoginMessage(ctx context.Context, evt *schema.Event) schema.Disposition
}

// DirectoryMessageCallback receives source directory messages.
type DirectoryMessageCallback interface {
	OnDirectoryMessage(ctx context.Context, evt *schema.Event) schema.Disposition
}

// DictionaryMessageCallback receives dictionary messages.
type DictionaryMessageCallback interface {
	OnDictionaryMessage(ctx context.Context, evt *schema.Event) schema.Disposition
}

// NonInteractiveProviderCallbacks is the callback union a non-interactive provider implements.
type NonInteractiveProviderCallbacks interface {
	ChannelEventCallback
	GenericMessageCallback
	LoginMessageCallback
}

// ConsumerCallbacks is the callback union a consumer implements.
type ConsumerCallbacks interface {
	ChannelEventCallback
	GenericMessageCallback
	LoginMessageCallback
	DirectoryMessageCallback
}

// ProviderCallbacks is the callback union an interactive provider implements.
type ProviderCallbacks interface {
	ChannelEventCallback
	GenericMessageCallback
	LoginMessageCallback
	DirectoryMessageCallback
	DictionaryMessageCallback
}

// CallbackHandlers extracts a Handler for every capability the value implements.
func CallbackHandlers(callbacks any) map[schema.Capability]Handler {
	out := make(map[schema.Capability]Handler, 5)
	if callbacks == nil {
		return out
	}
	if cb, ok := callbacks.(ChannelEventCallback); ok {
		out[schema.CapabilityChannelEvent] = HandlerFunc(cb.OnChannelEvent)
	}
	if cb, ok := callbacks.(GenericMessageCallback); ok {
		out[schema.CapabilityGenericMessage] = HandlerFunc(cb.OnGenericMessage)
	}
	if cb, ok := callbacks.(LoginMessageCallback); ok {
		out[schema.CapabilityLoginMessage] = HandlerFunc(cb.OnLoginMessage)
	}
	if cb, ok := callbacks.(DirectoryMessageCallback); ok {
		out[schema.CapabilityDirectoryMessage] = HandlerFunc(cb.OnDirectoryMessage)
	}
	if cb, ok := callbacks.(DictionaryMessageCallback); ok {
		out[schema.CapabilityDictionaryMessage] = HandlerFunc(cb.OnDictionaryMessage)
	}
	return out
}
