package handlers

import (
	"context"
	"fmt"
	"io"
	"log"
	"sort"
	"sync"

	"github.com/coachpo/reactor/errs"
	"github.com/coachpo/reactor/internal/app/handlers/js"
	"github.com/coachpo/reactor/internal/app/handlers/niprovider"
	"github.com/coachpo/reactor/internal/app/reactor"
	"github.com/coachpo/reactor/internal/domain/schema"
	"github.com/coachpo/reactor/internal/infra/config"
	"github.com/coachpo/reactor/lib/async"
)

// Binder attaches the callbacks an endpoint is configured with to a fresh session.
// Endpoints with a script run the compiled module; non-interactive providers without a
// script use the built-in quote publisher callbacks.
type Binder struct {
	registrar js.Registrar
	pool      *async.Pool
	logger    *log.Logger

	mu      sync.Mutex
	modules map[string]*js.Module
}

// NewBinder constructs a Binder registering through registrar. Offloaded endpoints run
// their generic message callbacks on pool.
func NewBinder(registrar js.Registrar, pool *async.Pool, logger *log.Logger) *Binder {
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	return &Binder{
		registrar: registrar,
		pool:      pool,
		logger:    logger,
		modules:   make(map[string]*js.Module),
	}
}

// Attach registers the endpoint's callbacks for sessionID. The returned release func
// frees per-session resources and must run once the session's connection ends.
func (b *Binder) Attach(ctx context.Context, endpoint config.EndpointConfig, sessionID string, sender niprovider.Sender) (func(), error) {
	registrar := b.registrar
	if endpoint.Offload && b.pool != nil {
		registrar = offloadRegistrar{Registrar: registrar, pool: b.pool, logger: b.logger}
	}

	if endpoint.Script == "" {
		if endpoint.Role != schema.RoleNonInteractiveProvider {
			return nil, errs.New("handlers/binder", errs.CodeInvalid, errs.WithSession(sessionID),
				errs.WithMessage(fmt.Sprintf("endpoint %s: role %s needs a callback script", endpoint.Name, endpoint.Role)))
		}
		callbacks := niprovider.New(niprovider.Config{
			Name:          endpoint.Name,
			ApplicationID: endpoint.ApplicationID,
			Position:      endpoint.Position,
		}, sender, b.logger)
		if _, err := registerAll(ctx, registrar, sessionID, reactor.CallbackHandlers(callbacks)); err != nil {
			return nil, err
		}
		return nil, nil
	}

	module, err := b.module(endpoint.Script)
	if err != nil {
		return nil, err
	}
	callbacks, err := js.NewCallbacks(module, b.logger)
	if err != nil {
		return nil, err
	}
	bound, err := callbacks.Register(ctx, registrar, sessionID)
	if err != nil {
		callbacks.Close()
		return nil, err
	}
	b.logger.Printf("session=%s endpoint=%s module=%s bound=%v", sessionID, endpoint.Name, module.Name, bound)
	return callbacks.Close, nil
}

// Forget drops the cached module for path so the next session recompiles it.
func (b *Binder) Forget(path string) {
	b.mu.Lock()
	delete(b.modules, path)
	b.mu.Unlock()
}

func (b *Binder) module(path string) (*js.Module, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if module, ok := b.modules[path]; ok {
		return module, nil
	}
	module, err := js.LoadFile(path)
	if err != nil {
		return nil, err
	}
	b.modules[path] = module
	return module, nil
}

func registerAll(ctx context.Context, registrar js.Registrar, sessionID string, handlers map[schema.Capability]reactor.Handler) ([]schema.Capability, error) {
	order := make([]schema.Capability, 0, len(handlers))
	for capability := range handlers {
		order = append(order, capability)
	}
	sort.Slice(order, func(i, j int) bool { return order[i] < order[j] })

	bound := make([]schema.Capability, 0, len(handlers))
	for _, capability := range order {
		err := registrar.Register(ctx, sessionID, capability, handlers[capability])
		if errs.Is(err, errs.CodeCapabilityNotApplicable) {
			continue
		}
		if err != nil {
			return bound, fmt.Errorf("bind %s: %w", capability, err)
		}
		bound = append(bound, capability)
	}
	return bound, nil
}

// offloadRegistrar moves generic message handlers onto the worker pool.
type offloadRegistrar struct {
	js.Registrar
	pool   *async.Pool
	logger *log.Logger
}

func (o offloadRegistrar) Register(ctx context.Context, sessionID string, capability schema.Capability, handler reactor.Handler) error {
	if capability == schema.CapabilityGenericMessage {
		handler = Offload(o.pool, handler, o.logger)
	}
	return o.Registrar.Register(ctx, sessionID, capability, handler)
}
