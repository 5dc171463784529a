// Package reactor binds role callbacks to sessions and dispatches decoded events to them.
package reactor

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/coachpo/reactor/errs"
	"github.com/coachpo/reactor/internal/domain/schema"
)

// slotSet is never mutated after publication; writers build a copy and swap it in.
type slotSet map[schema.Capability]Handler

type binding struct {
	role     schema.Role
	required schema.CapabilitySet

	mu     sync.Mutex
	slots  atomic.Pointer[slotSet]
	active atomic.Bool
}

func (b *binding) load() slotSet {
	if p := b.slots.Load(); p != nil {
		return *p
	}
	return nil
}

// Registry stores capability handler bindings keyed by session.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*binding
	version  atomic.Int64
}

// NewRegistry constructs an empty callback registry.
func NewRegistry() *Registry {
	registry := new(Registry)
	registry.sessions = make(map[string]*binding)
	return registry
}

// Open creates the binding entry for a session of the given role.
func (r *Registry) Open(sessionID string, role schema.Role) error {
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		return errs.New("reactor/registry", errs.CodeInvalid, errs.WithMessage("session id required"))
	}
	required, err := schema.RequiredCapabilities(role)
	if err != nil {
		return fmt.Errorf("open session %s: %w", sessionID, err)
	}
	b := &binding{role: role, required: required}
	empty := make(slotSet)
	b.slots.Store(&empty)

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.sessions[sessionID]; exists {
		return errs.New("reactor/registry", errs.CodeConflict, errs.WithSession(sessionID), errs.WithMessage("session already open"))
	}
	r.sessions[sessionID] = b
	r.version.Add(1)
	return nil
}

// Register binds handler to capability for the session, replacing any prior handler.
func (r *Registry) Register(sessionID string, capability schema.Capability, handler Handler) error {
	if handler == nil {
		return errs.New("reactor/registry", errs.CodeInvalid, errs.WithSession(sessionID),
			errs.WithCapabilities(string(capability)), errs.WithMessage("handler required"))
	}
	return r.bindAll(sessionID, map[schema.Capability]Handler{capability: handler}, true)
}

// Bind registers every applicable capability implemented by callbacks in a single swap.
// Capabilities the role does not require are skipped; the bound names are returned sorted.
func (r *Registry) Bind(sessionID string, callbacks any) ([]schema.Capability, error) {
	b, err := r.lookup(sessionID)
	if err != nil {
		return nil, err
	}
	handlers := CallbackHandlers(callbacks)
	applicable := make(map[schema.Capability]Handler, len(handlers))
	for c, h := range handlers {
		if b.required.Contains(c) {
			applicable[c] = h
		}
	}
	if len(applicable) == 0 {
		return nil, errs.New("reactor/registry", errs.CodeCapabilityNotApplicable, errs.WithSession(sessionID),
			errs.WithMessage(fmt.Sprintf("callbacks implement no capability required by role %s", b.role)))
	}
	if err := r.bindAll(sessionID, applicable, false); err != nil {
		return nil, err
	}
	bound := make([]schema.Capability, 0, len(applicable))
	for c := range applicable {
		bound = append(bound, c)
	}
	sort.Slice(bound, func(i, j int) bool { return bound[i] < bound[j] })
	return bound, nil
}

func (r *Registry) bindAll(sessionID string, handlers map[schema.Capability]Handler, strict bool) error {
	b, err := r.lookup(sessionID)
	if err != nil {
		return err
	}
	for c := range handlers {
		if !b.required.Contains(c) {
			if !strict {
				continue
			}
			return errs.New("reactor/registry", errs.CodeCapabilityNotApplicable,
				errs.WithSession(sessionID),
				errs.WithCapabilities(string(c)),
				errs.WithMessage(fmt.Sprintf("capability %s is not part of role %s", c, b.role)))
		}
	}

	b.mu.Lock()
	current := b.load()
	next := make(slotSet, len(current)+len(handlers))
	for c, h := range current {
		next[c] = h
	}
	for c, h := range handlers {
		next[c] = h
	}
	b.slots.Store(&next)
	b.mu.Unlock()

	r.version.Add(1)
	return nil
}

// Activate validates that every required capability is bound and marks the session routable.
func (r *Registry) Activate(sessionID string) error {
	b, err := r.lookup(sessionID)
	if err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	slots := b.load()
	missing := b.required.Missing(func(c schema.Capability) bool {
		_, ok := slots[c]
		return ok
	})
	if len(missing) > 0 {
		return errs.New("reactor/registry", errs.CodeIncompleteRegistration,
			errs.WithSession(sessionID),
			errs.WithCapabilities(schema.Strings(missing)...),
			errs.WithMessage(fmt.Sprintf("role %s has unbound capabilities", b.role)),
			errs.WithRemediation("register handlers for the missing capabilities before activation"))
	}
	b.active.Store(true)
	return nil
}

// Resolve returns the handler bound to capability for an activated session.
func (r *Registry) Resolve(sessionID string, capability schema.Capability) (Handler, bool) {
	r.mu.RLock()
	b, ok := r.sessions[sessionID]
	r.mu.RUnlock()
	if !ok || !b.active.Load() {
		return nil, false
	}
	handler, ok := b.load()[capability]
	return handler, ok
}

// Unregister removes every binding for the session.
func (r *Registry) Unregister(sessionID string) {
	r.mu.Lock()
	if _, ok := r.sessions[sessionID]; ok {
		delete(r.sessions, sessionID)
		r.version.Add(1)
	}
	r.mu.Unlock()
}

// Activated reports whether the session passed activation.
func (r *Registry) Activated(sessionID string) bool {
	r.mu.RLock()
	b, ok := r.sessions[sessionID]
	r.mu.RUnlock()
	return ok && b.active.Load()
}

// Role returns the role the session was opened with.
func (r *Registry) Role(sessionID string) (schema.Role, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	b, ok := r.sessions[sessionID]
	if !ok {
		return "", false
	}
	return b.role, true
}

// Bound lists the capabilities currently bound for the session, sorted.
func (r *Registry) Bound(sessionID string) []schema.Capability {
	b, err := r.lookup(sessionID)
	if err != nil {
		return nil
	}
	slots := b.load()
	out := make([]schema.Capability, 0, len(slots))
	for c := range slots {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Version increments on every binding change.
func (r *Registry) Version() int64 {
	return r.version.Load()
}

func (r *Registry) lookup(sessionID string) (*binding, error) {
	r.mu.RLock()
	b, ok := r.sessions[sessionID]
	r.mu.RUnlock()
	if !ok {
		return nil, errs.New("reactor/registry", errs.CodeSessionNotFound, errs.WithSession(sessionID))
	}
	return b, nil
}
