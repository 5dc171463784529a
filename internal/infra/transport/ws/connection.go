package ws

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/coder/websocket"
	"github.com/sourcegraph/conc"
	"golang.org/x/time/rate"

	"github.com/coachpo/reactor/errs"
	"github.com/coachpo/reactor/internal/domain/schema"
)

// Router is the slice of the event router a connection drives.
type Router interface {
	Connect(ctx context.Context, role schema.Role) (schema.SessionInfo, error)
	Activate(ctx context.Context, id string) error
	Submit(ctx context.Context, evt *schema.Event) error
	Close(ctx context.Context, id string, reason string) error
}

// Sender writes outbound frames to the counterparty of one session.
type Sender interface {
	Send(ctx context.Context, frame any) error
}

// Binder attaches role callbacks to a newly opened session. The returned release
// func, when non-nil, runs after the connection for that session ends.
type Binder func(ctx context.Context, sessionID string, sender Sender) (release func(), err error)

// Endpoint identifies the counterparty and the role the reactor plays towards it.
type Endpoint struct {
	Name string
	URL  string
	Role schema.Role
}

// Config tunes dialing, keepalive and outbound pacing.
type Config struct {
	HandshakeTimeout     time.Duration
	MaxReconnectInterval time.Duration
	ReadLimit            int64
	SendRate             float64
	SendBurst            int
	PingInterval         time.Duration
	WriteTimeout         time.Duration
}

// DefaultConfig returns the transport defaults.
func DefaultConfig() Config {
	return Config{
		HandshakeTimeout:     10 * time.Second,
		MaxReconnectInterval: 30 * time.Second,
		ReadLimit:            1 << 20,
		SendRate:             50,
		SendBurst:            10,
		PingInterval:         30 * time.Second,
		WriteTimeout:         5 * time.Second,
	}
}

func (c Config) normalize() Config {
	def := DefaultConfig()
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = def.HandshakeTimeout
	}
	if c.MaxReconnectInterval <= 0 {
		c.MaxReconnectInterval = def.MaxReconnectInterval
	}
	if c.ReadLimit <= 0 {
		c.ReadLimit = def.ReadLimit
	}
	if c.SendRate <= 0 {
		c.SendRate = def.SendRate
	}
	if c.SendBurst <= 0 {
		c.SendBurst = def.SendBurst
	}
	if c.PingInterval <= 0 {
		c.PingInterval = def.PingInterval
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = def.WriteTimeout
	}
	return c
}

// State describes the connection lifecycle of an endpoint.
type State string

const (
	// StateIdle means Run has not started.
	StateIdle State = "idle"
	// StateDialing means a dial or session setup is in progress.
	StateDialing State = "dialing"
	// StateUp means the websocket is established and the session is active.
	StateUp State = "up"
	// StateDown means the last connection ended and a redial is pending.
	StateDown State = "down"
	// StateStopped means Run returned.
	StateStopped State = "stopped"
)

// Status is a point-in-time view of an endpoint connection.
type Status struct {
	Name        string      `json:"name"`
	URL         string      `json:"url"`
	Role        schema.Role `json:"role"`
	State       State       `json:"state"`
	SessionID   string      `json:"sessionId,omitempty"`
	Sessions    uint64      `json:"sessions"`
	LastError   string      `json:"lastError,omitempty"`
	ConnectedAt time.Time   `json:"connectedAt,omitempty"`
}

// Option configures a Connection.
type Option func(*Connection)

// WithLogger routes connection diagnostics to logger.
func WithLogger(logger *log.Logger) Option {
	return func(c *Connection) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithErrors delivers non-fatal connection errors to errCh without blocking.
func WithErrors(errCh chan<- error) Option {
	return func(c *Connection) {
		c.errCh = errCh
	}
}

// Connection keeps one endpoint connected, opening a new router session per websocket.
type Connection struct {
	endpoint Endpoint
	cfg      Config
	router   Router
	bind     Binder
	logger   *log.Logger
	errCh    chan<- error
	metrics  *connectionMetrics
	limiter  *rate.Limiter

	mu     sync.RWMutex
	status Status
}

// NewConnection validates the endpoint and prepares a connection. Run starts it.
func NewConnection(endpoint Endpoint, cfg Config, router Router, bind Binder, opts ...Option) (*Connection, error) {
	endpoint.Name = strings.TrimSpace(endpoint.Name)
	endpoint.URL = strings.TrimSpace(endpoint.URL)
	if endpoint.Name == "" || endpoint.URL == "" {
		return nil, errs.New("transport/ws", errs.CodeInvalid, errs.WithMessage("endpoint name and url required"))
	}
	if err := endpoint.Role.Validate(); err != nil {
		return nil, fmt.Errorf("endpoint %s: %w", endpoint.Name, err)
	}
	if router == nil || bind == nil {
		return nil, errs.New("transport/ws", errs.CodeInvalid, errs.WithMessage("router and binder required"))
	}
	cfg = cfg.normalize()
	c := &Connection{
		endpoint: endpoint,
		cfg:      cfg,
		router:   router,
		bind:     bind,
		logger:   log.New(io.Discard, "", 0),
		metrics:  newConnectionMetrics(endpoint.Name),
		limiter:  rate.NewLimiter(rate.Limit(cfg.SendRate), cfg.SendBurst),
		status: Status{
			Name:  endpoint.Name,
			URL:   endpoint.URL,
			Role:  endpoint.Role,
			State: StateIdle,
		},
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	return c, nil
}

// Status returns the current connection status.
func (c *Connection) Status() Status {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.status
}

// Run dials the endpoint and redials with exponential backoff until ctx is cancelled.
func (c *Connection) Run(ctx context.Context) error {
	backoffCfg := backoff.NewExponentialBackOff()
	backoffCfg.MaxInterval = c.cfg.MaxReconnectInterval
	defer c.setState(StateStopped, "")

	for {
		if ctx.Err() != nil {
			return nil
		}

		connected, err := c.session(ctx)
		if connected {
			backoffCfg.Reset()
		}
		if err != nil && !isClosed(err) {
			c.report(err)
		}

		sleep := backoffCfg.NextBackOff()
		if sleep == backoff.Stop {
			sleep = c.cfg.MaxReconnectInterval
		}
		timer := time.NewTimer(sleep)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-timer.C:
		}
	}
}

// session runs one websocket connection bound to one router session.
func (c *Connection) session(ctx context.Context) (bool, error) {
	c.setState(StateDialing, "")

	dialCtx, cancelDial := context.WithTimeout(ctx, c.cfg.HandshakeTimeout)
	conn, _, err := websocket.Dial(dialCtx, c.endpoint.URL, nil)
	cancelDial()
	if err != nil {
		c.metrics.dial(ctx, "error")
		c.setState(StateDown, "")
		return false, errs.New("transport/ws", errs.CodeNetwork,
			errs.WithMessage("dial "+c.endpoint.URL), errs.WithCause(err))
	}
	c.metrics.dial(ctx, "success")
	conn.SetReadLimit(c.cfg.ReadLimit)

	info, err := c.router.Connect(ctx, c.endpoint.Role)
	if err != nil {
		_ = conn.Close(websocket.StatusInternalError, "session unavailable")
		c.setState(StateDown, "")
		return false, fmt.Errorf("open session: %w", err)
	}
	id := info.ID
	l := &link{conn: conn, limiter: c.limiter, metrics: c.metrics, writeTimeout: c.cfg.WriteTimeout}

	release, err := c.bind(ctx, id, l)
	if err != nil {
		c.abandon(ctx, conn, l, id, "bind failed")
		return false, fmt.Errorf("bind session %s: %w", id, err)
	}
	if release != nil {
		defer release()
	}
	if err := c.router.Activate(ctx, id); err != nil {
		c.abandon(ctx, conn, l, id, "activation failed")
		return false, fmt.Errorf("activate session %s: %w", id, err)
	}

	c.mu.Lock()
	c.status.State = StateUp
	c.status.SessionID = id
	c.status.Sessions++
	c.status.ConnectedAt = time.Now().UTC()
	c.mu.Unlock()
	c.metrics.state(ctx, true)
	c.logger.Printf("endpoint %s connected: session=%s role=%s", c.endpoint.Name, id, c.endpoint.Role)

	connCtx, connCancel := context.WithCancel(ctx)
	loopErr := c.router.Submit(connCtx, schema.NewChannelEvent(id, schema.ChannelUp))
	if loopErr == nil {
		loopErr = c.serve(connCtx, conn, id)
	}
	connCancel()
	l.close()
	_ = conn.Close(websocket.StatusNormalClosure, "")

	c.metrics.state(ctx, false)
	c.setState(StateDown, "")
	c.channelDown(ctx, id)
	c.logger.Printf("endpoint %s disconnected: session=%s", c.endpoint.Name, id)
	return true, loopErr
}

func (c *Connection) serve(ctx context.Context, conn *websocket.Conn, id string) error {
	errCh := make(chan error, 2)
	var wg conc.WaitGroup
	loopCtx, cancel := context.WithCancel(ctx)
	wg.Go(func() { errCh <- c.readLoop(loopCtx, conn, id) })
	wg.Go(func() { errCh <- c.pingLoop(loopCtx, conn) })

	firstErr := <-errCh
	cancel()
	_ = conn.Close(websocket.StatusNormalClosure, "")
	wg.Wait()
	close(errCh)

	aggregated := firstErr
	for e := range errCh {
		if aggregated == nil || isClosed(aggregated) {
			aggregated = e
		}
	}
	return aggregated
}

// channelDown delivers the loss of the channel through the queue so it follows every
// event already read. During shutdown the session is closed directly instead.
func (c *Connection) channelDown(ctx context.Context, id string) {
	detached := context.WithoutCancel(ctx)
	if ctx.Err() != nil {
		_ = c.router.Close(detached, id, "transport stopped")
		return
	}
	submitCtx, cancel := context.WithTimeout(detached, c.cfg.WriteTimeout)
	defer cancel()
	if err := c.router.Submit(submitCtx, schema.NewChannelEvent(id, schema.ChannelDown)); err != nil {
		_ = c.router.Close(detached, id, "channel down")
	}
}

func (c *Connection) abandon(ctx context.Context, conn *websocket.Conn, l *link, id, reason string) {
	l.close()
	_ = conn.Close(websocket.StatusPolicyViolation, reason)
	_ = c.router.Close(context.WithoutCancel(ctx), id, reason)
	c.setState(StateDown, "")
}

func (c *Connection) readLoop(ctx context.Context, conn *websocket.Conn, id string) error {
	for {
		msgType, data, err := conn.Read(ctx)
		if err != nil {
			if isClosed(err) {
				return context.Canceled
			}
			if status := websocket.CloseStatus(err); status != -1 {
				if status == websocket.StatusNormalClosure || status == websocket.StatusGoingAway {
					return context.Canceled
				}
				return fmt.Errorf("read: remote closed with status %d", status)
			}
			return fmt.Errorf("read: %w", err)
		}
		if msgType != websocket.MessageText {
			continue
		}
		c.metrics.received(ctx, len(data))

		evt, err := DecodeFrame(id, data, time.Now())
		if err != nil {
			c.metrics.decodeError(ctx)
			c.report(err)
			continue
		}
		if err := c.router.Submit(ctx, evt); err != nil {
			if isClosed(err) {
				return context.Canceled
			}
			if errs.Is(err, errs.CodeUnavailable) {
				return err
			}
			c.report(fmt.Errorf("submit %s: %w", evt.Kind, err))
		}
	}
}

func (c *Connection) pingLoop(ctx context.Context, conn *websocket.Conn) error {
	ticker := time.NewTicker(c.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return context.Canceled
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(ctx, c.cfg.WriteTimeout)
			start := time.Now()
			err := conn.Ping(pingCtx)
			cancel()
			elapsed := float64(time.Since(start).Microseconds()) / 1000
			if err != nil {
				c.metrics.ping(ctx, elapsed, "error")
				if isClosed(err) {
					return context.Canceled
				}
				if status := websocket.CloseStatus(err); status != -1 {
					return fmt.Errorf("ping: remote closed with status %d", status)
				}
				return fmt.Errorf("ping: %w", err)
			}
			c.metrics.ping(ctx, elapsed, "success")
		}
	}
}

func (c *Connection) setState(state State, sessionID string) {
	c.mu.Lock()
	c.status.State = state
	if state != StateUp {
		c.status.SessionID = sessionID
	}
	c.mu.Unlock()
}

func (c *Connection) report(err error) {
	if err == nil {
		return
	}
	err = fmt.Errorf("endpoint %s: %w", c.endpoint.Name, err)
	c.mu.Lock()
	c.status.LastError = err.Error()
	c.mu.Unlock()
	c.logger.Printf("%v", err)
	if c.errCh == nil {
		return
	}
	select {
	case c.errCh <- err:
	default:
	}
}

func isClosed(err error) bool {
	return errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, net.ErrClosed)
}

// link is the Sender handed to callbacks of one session.
type link struct {
	conn         *websocket.Conn
	limiter      *rate.Limiter
	metrics      *connectionMetrics
	writeTimeout time.Duration
	closed       atomic.Bool
}

// Send paces and writes one frame on the session's websocket.
func (l *link) Send(ctx context.Context, frame any) error {
	if l.closed.Load() {
		return errs.New("transport/ws", errs.CodeUnavailable, errs.WithMessage("connection closed"))
	}
	data, err := EncodeFrame(frame)
	if err != nil {
		return err
	}
	if err := l.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("send pacing: %w", err)
	}
	writeCtx, cancel := context.WithTimeout(ctx, l.writeTimeout)
	defer cancel()
	if err := l.conn.Write(writeCtx, websocket.MessageText, data); err != nil {
		return errs.New("transport/ws", errs.CodeNetwork, errs.WithMessage("write frame"), errs.WithCause(err))
	}
	l.metrics.sent(ctx)
	return nil
}

func (l *link) close() {
	l.closed.Store(true)
}
