package reactor

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/coachpo/reactor/errs"
	"github.com/coachpo/reactor/internal/domain/schema"
)

func succeed() Handler {
	return HandlerFunc(func(context.Context, *schema.Event) schema.Disposition {
		return schema.DispositionSuccess
	})
}

func TestActivateSucceedsOnlyWhenEveryRequiredCapabilityIsBound(t *testing.T) {
	for _, role := range schema.Roles() {
		required, err := schema.RequiredCapabilities(role)
		require.NoError(t, err)
		names := required.Names()

		for mask := 0; mask < 1<<len(names); mask++ {
			registry := NewRegistry()
			id := schema.NewSessionID()
			require.NoError(t, registry.Open(id, role))

			var missing []string
			for i, capability := range names {
				if mask&(1<<i) != 0 {
					require.NoError(t, registry.Register(id, capability, succeed()))
				} else {
					missing = append(missing, string(capability))
				}
			}

			err := registry.Activate(id)
			if len(missing) == 0 {
				require.NoError(t, err, "role %s mask %b", role, mask)
				require.True(t, registry.Activated(id))
				continue
			}
			require.Error(t, err, "role %s mask %b", role, mask)
			require.True(t, errs.Is(err, errs.CodeIncompleteRegistration))
			require.Equal(t, missing, errs.MissingCapabilities(err))
			require.False(t, registry.Activated(id))
		}
	}
}

func TestNonInteractiveProviderWithoutGenericIsIncomplete(t *testing.T) {
	registry := NewRegistry()
	id := schema.NewSessionID()
	require.NoError(t, registry.Open(id, schema.RoleNonInteractiveProvider))
	require.NoError(t, registry.Register(id, schema.CapabilityChannelEvent, succeed()))
	require.NoError(t, registry.Register(id, schema.CapabilityLoginMessage, succeed()))

	err := registry.Activate(id)
	require.True(t, errs.Is(err, errs.CodeIncompleteRegistration))
	require.Equal(t, []string{"generic_message"}, errs.MissingCapabilities(err))
}

func TestRegisterRejectsCapabilityOutsideRole(t *testing.T) {
	registry := NewRegistry()
	id := schema.NewSessionID()
	require.NoError(t, registry.Open(id, schema.RoleNonInteractiveProvider))

	err := registry.Register(id, schema.CapabilityDirectoryMessage, succeed())
	require.True(t, errs.Is(err, errs.CodeCapabilityNotApplicable), "got %v", err)
	require.Nil(t, errs.MissingCapabilities(err))

	err = registry.Register(id, schema.CapabilityGenericMessage, nil)
	require.True(t, errs.Is(err, errs.CodeInvalid))
}

func TestOpenRejectsUnknownRoleAndDuplicateSession(t *testing.T) {
	registry := NewRegistry()
	id := schema.NewSessionID()
	require.True(t, errs.Is(registry.Open(id, "broker"), errs.CodeInvalidRole))
	require.NoError(t, registry.Open(id, schema.RoleConsumer))
	require.True(t, errs.Is(registry.Open(id, schema.RoleConsumer), errs.CodeConflict))
	require.True(t, errs.Is(registry.Register(schema.NewSessionID(), schema.CapabilityChannelEvent, succeed()), errs.CodeSessionNotFound))
}

type nipCallbacks struct {
	calls []schema.Capability
}

func (c *nipCallbacks) OnChannelEvent(context.Context, *schema.Event) schema.Disposition {
	c.calls = append(c.calls, schema.CapabilityChannelEvent)
	return schema.DispositionSuccess
}

func (c *nipCallbacks) OnGenericMessage(context.Context, *schema.Event) schema.Disposition {
	c.calls = append(c.calls, schema.CapabilityGenericMessage)
	return schema.DispositionSuccess
}

func (c *nipCallbacks) OnLoginMessage(context.Context, *schema.Event) schema.Disposition {
	c.calls = append(c.calls, schema.CapabilityLoginMessage)
	return schema.DispositionSuccess
}

// dictionary is not part of the non-interactive provider role and must be skipped by Bind.
func (c *nipCallbacks) OnDictionaryMessage(context.Context, *schema.Event) schema.Disposition {
	return schema.DispositionFail
}

var _ NonInteractiveProviderCallbacks = (*nipCallbacks)(nil)

func TestBindRegistersApplicableCallbacks(t *testing.T) {
	registry := NewRegistry()
	id := schema.NewSessionID()
	require.NoError(t, registry.Open(id, schema.RoleNonInteractiveProvider))

	callbacks := new(nipCallbacks)
	bound, err := registry.Bind(id, callbacks)
	require.NoError(t, err)
	require.Equal(t, []schema.Capability{
		schema.CapabilityChannelEvent,
		schema.CapabilityGenericMessage,
		schema.CapabilityLoginMessage,
	}, bound)
	require.NoError(t, registry.Activate(id))

	handler, ok := registry.Resolve(id, schema.CapabilityGenericMessage)
	require.True(t, ok)
	handler.Handle(context.Background(), &schema.Event{})
	require.Equal(t, []schema.Capability{schema.CapabilityGenericMessage}, callbacks.calls)

	_, ok = registry.Resolve(id, schema.CapabilityDictionaryMessage)
	require.False(t, ok)
}

func TestBindWithoutApplicableCallbacks(t *testing.T) {
	registry := NewRegistry()
	id := schema.NewSessionID()
	require.NoError(t, registry.Open(id, schema.RoleConsumer))
	_, err := registry.Bind(id, struct{}{})
	require.True(t, errs.Is(err, errs.CodeCapabilityNotApplicable))
}

func TestResolveRequiresActivationAndUnregisterClears(t *testing.T) {
	registry := NewRegistry()
	id := schema.NewSessionID()
	require.NoError(t, registry.Open(id, schema.RoleNonInteractiveProvider))
	_, err := registry.Bind(id, new(nipCallbacks))
	require.NoError(t, err)

	_, ok := registry.Resolve(id, schema.CapabilityChannelEvent)
	require.False(t, ok, "resolve before activation")

	require.NoError(t, registry.Activate(id))
	_, ok = registry.Resolve(id, schema.CapabilityChannelEvent)
	require.True(t, ok)

	before := registry.Version()
	registry.Unregister(id)
	require.Greater(t, registry.Version(), before)
	_, ok = registry.Resolve(id, schema.CapabilityChannelEvent)
	require.False(t, ok)
	require.Empty(t, registry.Bound(id))
	_, ok = registry.Role(id)
	require.False(t, ok)
}

func TestConcurrentReRegistrationNeverExposesMissingHandler(t *testing.T) {
	registry := NewRegistry()
	id := schema.NewSessionID()
	require.NoError(t, registry.Open(id, schema.RoleProvider))
	_, err := registry.Bind(id, providerStub{})
	require.NoError(t, err)
	require.NoError(t, registry.Activate(id))

	required, err := schema.RequiredCapabilities(schema.RoleProvider)
	require.NoError(t, err)

	var wg sync.WaitGroup
	stop := make(chan struct{})
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			names := required.Names()
			for i := 0; i < 2000; i++ {
				capability := names[(i+w)%len(names)]
				if err := registry.Register(id, capability, succeed()); err != nil {
					t.Errorf("register: %v", err)
					return
				}
			}
		}(w)
	}

	var readers sync.WaitGroup
	for rd := 0; rd < 4; rd++ {
		readers.Add(1)
		go func() {
			defer readers.Done()
			for {
				select {
				case <-stop:
					return
				default:
				}
				for _, capability := range required.Names() {
					if _, ok := registry.Resolve(id, capability); !ok {
						t.Errorf("capability %s missing during re-registration", capability)
						return
					}
				}
			}
		}()
	}

	wg.Wait()
	close(stop)
	readers.Wait()
}

type providerStub struct{}

func (providerStub) OnChannelEvent(context.Context, *schema.Event) schema.Disposition {
	return schema.DispositionSuccess
}

func (providerStub) OnGenericMessage(context.Context, *schema.Event) schema.Disposition {
	return schema.DispositionSuccess
}

func (providerStub) OnLoginMessage(context.Context, *schema.Event) schema.Disposition {
	return schema.DispositionSuccess
}

func (providerStub) OnDirectoryMessage(context.Context, *schema.Event) schema.Disposition {
	return schema.DispositionSuccess
}

func (providerStub) OnDictionaryMessage(context.Context, *schema.Event) schema.Disposition {
	return schema.DispositionSuccess
}

var _ ProviderCallbacks = providerStub{}
