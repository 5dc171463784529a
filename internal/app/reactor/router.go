package reactor

import (
	"context"
	"fmt"
	"io"
	"log"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sourcegraph/conc"

	"github.com/coachpo/reactor/errs"
	"github.com/coachpo/reactor/internal/domain/schema"
	"github.com/coachpo/reactor/internal/observability"
)

// Config tunes the router's queue and duplicate suppression. DedupeWindow and
// DedupeCapacity apply per session. A zero HandlerTimeout leaves handler calls
// bounded only by the router's context.
type Config struct {
	QueueSize           int
	DedupeWindow        time.Duration
	DedupeCapacity      int
	DiagnosticsCapacity int
	HandlerTimeout      time.Duration
}

// DefaultConfig returns the router defaults.
func DefaultConfig() Config {
	return Config{
		QueueSize:           1024,
		DedupeWindow:        5 * time.Minute,
		DedupeCapacity:      8192,
		DiagnosticsCapacity: 512,
	}
}

func (c Config) normalize() Config {
	defaults := DefaultConfig()
	if c.QueueSize <= 0 {
		c.QueueSize = defaults.QueueSize
	}
	if c.DedupeWindow <= 0 {
		c.DedupeWindow = defaults.DedupeWindow
	}
	if c.DedupeCapacity <= 0 {
		c.DedupeCapacity = defaults.DedupeCapacity
	}
	if c.DiagnosticsCapacity <= 0 {
		c.DiagnosticsCapacity = defaults.DiagnosticsCapacity
	}
	if c.HandlerTimeout < 0 {
		c.HandlerTimeout = 0
	}
	return c
}

// TransitionObserver is notified after every session state change.
type TransitionObserver interface {
	OnTransition(ctx context.Context, tr schema.Transition)
}

// FailureObserver is notified when a handler reports Fail or FailAndClose.
type FailureObserver interface {
	OnFailure(ctx context.Context, f schema.Failure)
}

// TransitionObserverFunc adapts a function to TransitionObserver.
type TransitionObserverFunc func(ctx context.Context, tr schema.Transition)

// OnTransition calls f(ctx, tr).
func (f TransitionObserverFunc) OnTransition(ctx context.Context, tr schema.Transition) { f(ctx, tr) }

// FailureObserverFunc adapts a function to FailureObserver.
type FailureObserverFunc func(ctx context.Context, f schema.Failure)

// OnFailure calls fn(ctx, f).
func (fn FailureObserverFunc) OnFailure(ctx context.Context, f schema.Failure) { fn(ctx, f) }

// Option customises a Router.
type Option func(*Router)

// WithLogger sets the router logger.
func WithLogger(logger *log.Logger) Option {
	return func(r *Router) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// WithClock overrides the time source.
func WithClock(clock func() time.Time) Option {
	return func(r *Router) {
		if clock != nil {
			r.clock = clock
		}
	}
}

// WithTransitionObserver appends a session transition observer.
func WithTransitionObserver(observer TransitionObserver) Option {
	return func(r *Router) {
		if observer != nil {
			r.transitionObservers = append(r.transitionObservers, observer)
		}
	}
}

// WithFailureObserver appends a handler failure observer.
func WithFailureObserver(observer FailureObserver) Option {
	return func(r *Router) {
		if observer != nil {
			r.failureObservers = append(r.failureObservers, observer)
		}
	}
}

// WithDeadLetterQueue shares an existing diagnostics queue.
func WithDeadLetterQueue(dlq *observability.DeadLetterQueue) Option {
	return func(r *Router) {
		if dlq != nil {
			r.dlq = dlq
		}
	}
}

type queuedEvent struct {
	evt        *schema.Event
	enqueuedAt time.Time
}

type session struct {
	id        string
	role      schema.Role
	createdAt time.Time

	mu        sync.Mutex
	state     schema.SessionState
	channelUp bool
	pending   int
	reason    string
	updatedAt time.Time

	// seen is owned by the dispatch worker.
	seen *seenSet
}

// set must be called with s.mu held.
func (s *session) set(to schema.SessionState, reason string, at time.Time) schema.Transition {
	tr := schema.Transition{
		SessionID: s.id,
		Role:      s.role,
		From:      s.state,
		To:        to,
		Reason:    reason,
		At:        at,
	}
	s.state = to
	s.reason = reason
	s.updatedAt = at
	return tr
}

// Router owns session lifecycles and dispatches queued events to registered handlers.
type Router struct {
	cfg      Config
	registry *Registry
	logger   *log.Logger
	clock    func() time.Time
	metrics  *routerMetrics
	dlq      *observability.DeadLetterQueue

	transitionObservers []TransitionObserver
	failureObservers    []FailureObserver

	queue    chan queuedEvent
	stopped  chan struct{}
	stopOnce sync.Once
	started  atomic.Bool
	wg       conc.WaitGroup
	errCh    chan<- error

	mu       sync.RWMutex
	sessions map[string]*session
}

// NewRouter constructs a router over the registry. A nil registry gets a fresh one.
func NewRouter(cfg Config, registry *Registry, opts ...Option) *Router {
	cfg = cfg.normalize()
	if registry == nil {
		registry = NewRegistry()
	}
	router := new(Router)
	router.cfg = cfg
	router.registry = registry
	router.logger = log.New(io.Discard, "", 0)
	router.clock = time.Now
	router.queue = make(chan queuedEvent, cfg.QueueSize)
	router.stopped = make(chan struct{})
	router.sessions = make(map[string]*session)
	for _, opt := range opts {
		if opt != nil {
			opt(router)
		}
	}
	if router.dlq == nil {
		router.dlq = observability.NewDeadLetterQueue(cfg.DiagnosticsCapacity)
	}
	router.metrics = newRouterMetrics(router)
	return router
}

// Registry exposes the callback registry backing the router.
func (r *Router) Registry() *Registry {
	return r.registry
}

// Connect opens a new session for role with a generated id.
func (r *Router) Connect(ctx context.Context, role schema.Role) (schema.SessionInfo, error) {
	return r.ConnectWithID(ctx, schema.NewSessionID(), role)
}

// ConnectWithID opens a session for role under the supplied id in the Connecting state.
func (r *Router) ConnectWithID(ctx context.Context, id string, role schema.Role) (schema.SessionInfo, error) {
	id = strings.TrimSpace(id)
	if err := schema.ValidateSessionID(id); err != nil {
		return schema.SessionInfo{}, err
	}
	role = schema.NormalizeRole(role)
	if err := r.registry.Open(id, role); err != nil {
		return schema.SessionInfo{}, err
	}
	now := r.clock().UTC()
	s := &session{id: id, role: role, createdAt: now, updatedAt: now}
	s.mu.Lock()
	tr := s.set(schema.SessionConnecting, "connect", now)
	s.mu.Unlock()

	r.mu.Lock()
	r.sessions[id] = s
	r.mu.Unlock()

	r.metrics.transitioned(ctx, string(role), string(schema.SessionConnecting), 1)
	r.publish(ctx, tr)
	return r.info(s), nil
}

// Register binds a handler for one capability of a live session.
func (r *Router) Register(ctx context.Context, id string, capability schema.Capability, handler Handler) error {
	if _, err := r.live(id); err != nil {
		return err
	}
	if err := r.registry.Register(id, capability, handler); err != nil {
		return fmt.Errorf("register %s: %w", capability, err)
	}
	r.logger.Printf("session=%s registered capability=%s", id, capability)
	return nil
}

// Bind registers every applicable callback the value implements for a live session.
func (r *Router) Bind(ctx context.Context, id string, callbacks any) ([]schema.Capability, error) {
	if _, err := r.live(id); err != nil {
		return nil, err
	}
	bound, err := r.registry.Bind(id, callbacks)
	if err != nil {
		return nil, fmt.Errorf("bind callbacks: %w", err)
	}
	r.logger.Printf("session=%s bound capabilities=%v", id, bound)
	return bound, nil
}

// Activate completes registration; the session becomes Active once its channel is also up.
func (r *Router) Activate(ctx context.Context, id string) error {
	s, err := r.live(id)
	if err != nil {
		return err
	}
	if err := r.registry.Activate(id); err != nil {
		r.dlq.Offer(observability.Diagnostic{
			Code:      string(errs.CodeIncompleteRegistration),
			SessionID: id,
			Role:      string(s.role),
			Reason:    err.Error(),
			At:        r.clock().UTC(),
		})
		r.logger.Printf("session=%s activation rejected: %v", id, err)
		return err
	}
	s.mu.Lock()
	var tr *schema.Transition
	if s.state == schema.SessionConnecting && s.channelUp {
		next := s.set(schema.SessionActive, "activated", r.clock().UTC())
		tr = &next
	}
	s.mu.Unlock()
	if tr != nil {
		r.publish(ctx, *tr)
	}
	return nil
}

// Unregister removes every callback binding for the session. Later events are unroutable.
func (r *Router) Unregister(ctx context.Context, id string) error {
	if r.lookup(id) == nil {
		return errs.New("reactor/router", errs.CodeSessionNotFound, errs.WithSession(id))
	}
	r.registry.Unregister(id)
	r.logger.Printf("session=%s unregistered callbacks", id)
	return nil
}

// Close drives the session to Closing; it reaches Closed once pending events drain.
func (r *Router) Close(ctx context.Context, id string, reason string) error {
	s := r.lookup(id)
	if s == nil {
		return errs.New("reactor/router", errs.CodeSessionNotFound, errs.WithSession(id))
	}
	if reason == "" {
		reason = "closed by application"
	}
	r.beginClose(ctx, s, reason)
	return nil
}

// Submit enqueues an event for dispatch. Events for unknown, Closing or Closed sessions
// are dropped without error. Submit blocks while the queue is full.
func (r *Router) Submit(ctx context.Context, evt *schema.Event) error {
	if err := evt.Validate(); err != nil {
		return err
	}
	s := r.lookup(evt.SessionID)
	if s == nil {
		r.metrics.dropped(ctx, "", string(evt.Kind), "unknown_session")
		r.logger.Printf("session=%s drop event=%s kind=%s: unknown session", evt.SessionID, evt.ID, evt.Kind)
		return nil
	}
	if !r.acquire(s) {
		r.metrics.dropped(ctx, string(s.role), string(evt.Kind), "session_closed")
		return nil
	}
	now := r.clock().UTC()
	if evt.ReceivedAt.IsZero() {
		evt.ReceivedAt = now
	}
	select {
	case <-r.stopped:
		r.release(ctx, s)
		return errs.New("reactor/router", errs.CodeUnavailable, errs.WithSession(s.id), errs.WithMessage("router stopped"))
	default:
	}
	select {
	case r.queue <- queuedEvent{evt: evt, enqueuedAt: now}:
		r.metrics.submitted(ctx, string(s.role), string(evt.Kind))
		return nil
	case <-ctx.Done():
		r.release(ctx, s)
		return fmt.Errorf("submit event: %w", ctx.Err())
	case <-r.stopped:
		r.release(ctx, s)
		return errs.New("reactor/router", errs.CodeUnavailable, errs.WithSession(s.id), errs.WithMessage("router stopped"))
	}
}

// Start runs the dispatch worker until the context is cancelled.
// Dispatch errors are reported on the returned channel without blocking the worker.
func (r *Router) Start(ctx context.Context) <-chan error {
	errCh := make(chan error, 16)
	if !r.started.CompareAndSwap(false, true) {
		errCh <- errs.New("reactor/router", errs.CodeConflict, errs.WithMessage("router already started"))
		close(errCh)
		return errCh
	}
	r.errCh = errCh
	r.wg.Go(func() {
		r.run(ctx, errCh)
	})
	return errCh
}

// Wait blocks until the dispatch worker exits.
func (r *Router) Wait() {
	r.wg.Wait()
}

// Session returns a snapshot of one session.
func (r *Router) Session(id string) (schema.SessionInfo, bool) {
	s := r.lookup(id)
	if s == nil {
		return schema.SessionInfo{}, false
	}
	return r.info(s), true
}

// Sessions returns snapshots of every session that has not reached Closed, oldest first.
func (r *Router) Sessions() []schema.SessionInfo {
	r.mu.RLock()
	list := make([]*session, 0, len(r.sessions))
	for _, s := range r.sessions {
		list = append(list, s)
	}
	r.mu.RUnlock()
	out := make([]schema.SessionInfo, 0, len(list))
	for _, s := range list {
		out = append(out, r.info(s))
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// Diagnostics returns the retained dead-letter diagnostics.
func (r *Router) Diagnostics() []observability.Diagnostic {
	return r.dlq.Snapshot()
}

func (r *Router) run(ctx context.Context, errCh chan<- error) {
	defer close(errCh)
	defer r.stopOnce.Do(func() { close(r.stopped) })
	for {
		select {
		case <-ctx.Done():
			return
		case item := <-r.queue:
			r.dispatch(ctx, item)
		}
	}
}

func (r *Router) dispatch(ctx context.Context, item queuedEvent) {
	evt := item.evt
	s := r.lookup(evt.SessionID)
	if s == nil {
		r.metrics.dropped(ctx, "", string(evt.Kind), "unknown_session")
		return
	}
	defer r.release(ctx, s)

	role := string(s.role)
	r.metrics.waited(ctx, role, float64(r.clock().Sub(item.enqueuedAt).Microseconds())/1000)

	s.mu.Lock()
	state := s.state
	s.mu.Unlock()
	if state.Terminal() {
		r.metrics.dropped(ctx, role, string(evt.Kind), "session_"+string(state))
		r.logger.Printf("session=%s drop event=%s kind=%s: session %s", s.id, evt.ID, evt.Kind, state)
		return
	}
	if !r.markSeen(s, evt.ID) {
		r.metrics.duplicate(ctx, role, string(evt.Kind))
		if evt.IsChannel(schema.ChannelDown) {
			r.markChannel(ctx, s, false)
			r.beginClose(ctx, s, "channel down")
		}
		return
	}

	capability, ok := schema.CapabilityForKind(evt.Kind)
	if !ok {
		r.unroutable(ctx, s, evt, "", fmt.Sprintf("unknown event kind %q", evt.Kind))
		return
	}
	if evt.IsChannel(schema.ChannelUp) {
		r.markChannel(ctx, s, true)
	}

	if handler, ok := r.registry.Resolve(s.id, capability); ok {
		start := r.clock()
		disposition, reason := r.invoke(ctx, handler, evt)
		elapsed := float64(r.clock().Sub(start).Microseconds()) / 1000
		r.metrics.dispatched(ctx, role, string(evt.Kind), string(capability), disposition.String(), elapsed)
		switch disposition {
		case schema.DispositionSuccess:
		case schema.DispositionFailAndClose:
			r.fail(ctx, s, evt, capability, disposition, reason)
			r.beginClose(ctx, s, reason)
		default:
			r.fail(ctx, s, evt, capability, schema.DispositionFail, reason)
		}
	} else {
		r.unroutable(ctx, s, evt, capability, "no handler bound")
	}

	if evt.IsChannel(schema.ChannelDown) {
		r.markChannel(ctx, s, false)
		r.beginClose(ctx, s, "channel down")
	}
}

func (r *Router) invoke(ctx context.Context, handler Handler, evt *schema.Event) (disposition schema.Disposition, reason string) {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Printf("session=%s event=%s handler panic: %v", evt.SessionID, evt.ID, rec)
			disposition = schema.DispositionFailAndClose
			reason = fmt.Sprintf("handler panic: %v", rec)
		}
	}()
	if r.cfg.HandlerTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.cfg.HandlerTimeout)
		defer cancel()
	}
	disposition = handler.Handle(ctx, evt)
	switch disposition {
	case schema.DispositionFail:
		reason = "handler reported fail"
	case schema.DispositionFailAndClose:
		reason = "handler reported fail_and_close"
	case schema.DispositionSuccess:
	default:
		reason = fmt.Sprintf("handler returned unknown disposition %d", int(disposition))
	}
	return disposition, reason
}

func (r *Router) fail(ctx context.Context, s *session, evt *schema.Event, capability schema.Capability, disposition schema.Disposition, reason string) {
	now := r.clock().UTC()
	r.report(errs.New("reactor/router", errs.CodeHandlerFailed,
		errs.WithSession(s.id),
		errs.WithCapabilities(string(capability)),
		errs.WithMessage(fmt.Sprintf("event=%s disposition=%s: %s", evt.ID, disposition, reason))))
	r.dlq.Offer(observability.Diagnostic{
		Code:       string(errs.CodeHandlerFailed),
		SessionID:  s.id,
		Role:       string(s.role),
		EventID:    evt.ID,
		Kind:       string(evt.Kind),
		Capability: string(capability),
		Reason:     reason,
		At:         now,
	})
	r.metrics.failed(ctx, string(s.role), string(evt.Kind), string(capability), disposition.String())
	failure := schema.Failure{
		SessionID:   s.id,
		Role:        s.role,
		EventID:     evt.ID,
		Kind:        evt.Kind,
		Capability:  capability,
		Disposition: disposition,
		Reason:      reason,
		At:          now,
	}
	for _, observer := range r.failureObservers {
		observer.OnFailure(ctx, failure)
	}
}

func (r *Router) unroutable(ctx context.Context, s *session, evt *schema.Event, capability schema.Capability, reason string) {
	opts := []errs.Option{errs.WithSession(s.id), errs.WithMessage(fmt.Sprintf("event=%s kind=%s: %s", evt.ID, evt.Kind, reason))}
	if capability != "" {
		opts = append(opts, errs.WithCapabilities(string(capability)))
	}
	r.report(errs.New("reactor/router", errs.CodeUnroutableEvent, opts...))
	r.dlq.Offer(observability.Diagnostic{
		Code:       string(errs.CodeUnroutableEvent),
		SessionID:  s.id,
		Role:       string(s.role),
		EventID:    evt.ID,
		Kind:       string(evt.Kind),
		Capability: string(capability),
		Reason:     reason,
		At:         r.clock().UTC(),
	})
	r.metrics.unroutable(ctx, string(s.role), string(evt.Kind), string(capability))
	r.logger.Printf("session=%s unroutable event=%s kind=%s: %s", s.id, evt.ID, evt.Kind, reason)
}

func (r *Router) report(err error) {
	if r.errCh == nil || err == nil {
		return
	}
	select {
	case r.errCh <- err:
	default:
	}
}

func (r *Router) markChannel(ctx context.Context, s *session, up bool) {
	s.mu.Lock()
	s.channelUp = up
	var tr *schema.Transition
	if up && s.state == schema.SessionConnecting && r.registry.Activated(s.id) {
		next := s.set(schema.SessionActive, "channel up", r.clock().UTC())
		tr = &next
	}
	s.mu.Unlock()
	if tr != nil {
		r.publish(ctx, *tr)
	}
}

func (r *Router) beginClose(ctx context.Context, s *session, reason string) {
	now := r.clock().UTC()
	s.mu.Lock()
	if s.state.Terminal() {
		s.mu.Unlock()
		return
	}
	closing := s.set(schema.SessionClosing, reason, now)
	var closed *schema.Transition
	if s.pending == 0 {
		next := s.set(schema.SessionClosed, reason, now)
		closed = &next
	}
	s.mu.Unlock()

	r.publish(ctx, closing)
	if closed != nil {
		r.finish(ctx, s, *closed)
	}
}

// acquire counts an event as pending unless the session no longer accepts work.
func (r *Router) acquire(s *session) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state.Terminal() {
		return false
	}
	s.pending++
	return true
}

func (r *Router) release(ctx context.Context, s *session) {
	s.mu.Lock()
	if s.pending > 0 {
		s.pending--
	}
	var closed *schema.Transition
	if s.state == schema.SessionClosing && s.pending == 0 {
		next := s.set(schema.SessionClosed, s.reason, r.clock().UTC())
		closed = &next
	}
	s.mu.Unlock()
	if closed != nil {
		r.finish(ctx, s, *closed)
	}
}

func (r *Router) finish(ctx context.Context, s *session, tr schema.Transition) {
	r.registry.Unregister(s.id)
	r.mu.Lock()
	if current, ok := r.sessions[s.id]; ok && current == s {
		delete(r.sessions, s.id)
	}
	r.mu.Unlock()
	r.metrics.transitioned(ctx, string(s.role), string(schema.SessionClosed), -1)
	r.publish(ctx, tr)
}

func (r *Router) publish(ctx context.Context, tr schema.Transition) {
	if tr.To != schema.SessionClosed && tr.To != schema.SessionConnecting {
		r.metrics.transitioned(ctx, string(tr.Role), string(tr.To), 0)
	}
	r.logger.Printf("session=%s role=%s %s -> %s reason=%q", tr.SessionID, tr.Role, tr.From, tr.To, tr.Reason)
	for _, observer := range r.transitionObservers {
		observer.OnTransition(ctx, tr)
	}
}

// markSeen reports whether eventID is new for s. Ids are scoped to their session
// and are dropped with it once the session is forgotten.
func (r *Router) markSeen(s *session, eventID string) bool {
	if eventID == "" {
		return true
	}
	if s.seen == nil {
		s.seen = newSeenSet(r.cfg.DedupeWindow, r.cfg.DedupeCapacity)
	}
	return s.seen.mark(eventID, r.clock().UTC())
}

func (r *Router) lookup(id string) *session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.sessions[id]
}

func (r *Router) live(id string) (*session, error) {
	s := r.lookup(id)
	if s == nil {
		return nil, errs.New("reactor/router", errs.CodeSessionNotFound, errs.WithSession(id))
	}
	s.mu.Lock()
	state := s.state
	s.mu.Unlock()
	if state.Terminal() {
		return nil, errs.New("reactor/router", errs.CodeConflict, errs.WithSession(id),
			errs.WithMessage(fmt.Sprintf("session is %s", state)))
	}
	return s, nil
}

func (r *Router) info(s *session) schema.SessionInfo {
	s.mu.Lock()
	info := schema.SessionInfo{
		ID:        s.id,
		Role:      s.role,
		State:     s.state,
		ChannelUp: s.channelUp,
		Pending:   s.pending,
		Reason:    s.reason,
		CreatedAt: s.createdAt,
		UpdatedAt: s.updatedAt,
	}
	s.mu.Unlock()
	info.Activated = r.registry.Activated(s.id)
	info.Bound = r.registry.Bound(s.id)
	return info
}
