package ws

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/stretchr/testify/require"

	"github.com/coachpo/reactor/errs"
	"github.com/coachpo/reactor/internal/domain/schema"
)

type fakeRouter struct {
	mu          sync.Mutex
	next        int
	activateErr error
	activated   []string

	events chan *schema.Event
	closes chan string
}

func newFakeRouter() *fakeRouter {
	return &fakeRouter{
		events: make(chan *schema.Event, 64),
		closes: make(chan string, 16),
	}
}

func (f *fakeRouter) Connect(_ context.Context, role schema.Role) (schema.SessionInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.next++
	return schema.SessionInfo{ID: fmt.Sprintf("session-%d", f.next), Role: role, State: schema.SessionConnecting}, nil
}

func (f *fakeRouter) Activate(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.activateErr != nil {
		return f.activateErr
	}
	f.activated = append(f.activated, id)
	return nil
}

func (f *fakeRouter) Submit(_ context.Context, evt *schema.Event) error {
	f.events <- evt
	return nil
}

func (f *fakeRouter) Close(_ context.Context, id string, reason string) error {
	f.closes <- id + ":" + reason
	return nil
}

func noopBinder(context.Context, string, Sender) (func(), error) {
	return nil, nil
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func testConfig() Config {
	return Config{
		HandshakeTimeout:     2 * time.Second,
		MaxReconnectInterval: 200 * time.Millisecond,
		WriteTimeout:         time.Second,
	}
}

func nextEvent(t *testing.T, events <-chan *schema.Event) *schema.Event {
	t.Helper()
	select {
	case evt := <-events:
		return evt
	case <-time.After(5 * time.Second):
		t.Fatalf("timed out waiting for event")
		return nil
	}
}

func nextClose(t *testing.T, closes <-chan string) string {
	t.Helper()
	select {
	case c := <-closes:
		return c
	case <-time.After(5 * time.Second):
		t.Fatalf("timed out waiting for session close")
		return ""
	}
}

func runConnection(t *testing.T, conn *Connection) (context.CancelFunc, <-chan error) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- conn.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			t.Errorf("connection did not stop")
		}
	})
	return cancel, done
}

func TestConnectionDeliversFramesBetweenUpAndDown(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		ctx := r.Context()
		_ = c.Write(ctx, websocket.MessageText, []byte(`{"id":"a","kind":"login_message","payload":{"state":"accepted"}}`))
		_ = c.Write(ctx, websocket.MessageBinary, []byte{0x01})
		_ = c.Write(ctx, websocket.MessageText, []byte(`not json`))
		_ = c.Write(ctx, websocket.MessageText, []byte(`{"id":"b","kind":"generic_message","seq":2}`))
		_ = c.Close(websocket.StatusNormalClosure, "bye")
	}))
	defer srv.Close()

	router := newFakeRouter()
	errCh := make(chan error, 8)
	conn, err := NewConnection(Endpoint{Name: "feed", URL: wsURL(srv), Role: schema.RoleConsumer},
		testConfig(), router, noopBinder, WithErrors(errCh))
	require.NoError(t, err)
	runConnection(t, conn)

	up := nextEvent(t, router.events)
	require.True(t, up.IsChannel(schema.ChannelUp))
	require.Equal(t, "session-1", up.SessionID)

	login := nextEvent(t, router.events)
	require.Equal(t, "a", login.ID)
	require.Equal(t, schema.EventKindLogin, login.Kind)

	generic := nextEvent(t, router.events)
	require.Equal(t, "b", generic.ID)
	require.Equal(t, uint64(2), generic.Seq)

	down := nextEvent(t, router.events)
	require.True(t, down.IsChannel(schema.ChannelDown))
	require.Equal(t, "session-1", down.SessionID)

	select {
	case err := <-errCh:
		require.True(t, errs.Is(err, errs.CodeInvalid), "unexpected error: %v", err)
	case <-time.After(time.Second):
		t.Fatalf("expected malformed frame to be reported")
	}

	redial := nextEvent(t, router.events)
	require.True(t, redial.IsChannel(schema.ChannelUp))
	require.Equal(t, "session-2", redial.SessionID)
}

func TestConnectionSendsThroughBoundSender(t *testing.T) {
	received := make(chan string, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer c.CloseNow()
		_, data, err := c.Read(r.Context())
		if err != nil {
			return
		}
		received <- string(data)
		_, _, _ = c.Read(r.Context())
	}))
	defer srv.Close()

	senders := make(chan Sender, 1)
	released := make(chan struct{}, 1)
	bind := func(_ context.Context, _ string, sender Sender) (func(), error) {
		senders <- sender
		return func() { released <- struct{}{} }, nil
	}

	router := newFakeRouter()
	conn, err := NewConnection(Endpoint{Name: "feed", URL: wsURL(srv), Role: schema.RoleNonInteractiveProvider},
		testConfig(), router, bind)
	require.NoError(t, err)
	cancel, _ := runConnection(t, conn)

	require.True(t, nextEvent(t, router.events).IsChannel(schema.ChannelUp))
	require.Equal(t, StateUp, conn.Status().State)
	require.Equal(t, "session-1", conn.Status().SessionID)

	sender := <-senders
	require.NoError(t, sender.Send(context.Background(), map[string]string{"type": "login"}))
	select {
	case data := <-received:
		require.JSONEq(t, `{"type":"login"}`, data)
	case <-time.After(5 * time.Second):
		t.Fatalf("server did not receive frame")
	}

	cancel()
	require.Equal(t, "session-1:transport stopped", nextClose(t, router.closes))
	select {
	case <-released:
	case <-time.After(5 * time.Second):
		t.Fatalf("release was not called")
	}

	err = sender.Send(context.Background(), map[string]string{"type": "late"})
	require.True(t, errs.Is(err, errs.CodeUnavailable), "unexpected error: %v", err)
}

func TestConnectionClosesSessionWhenBindFails(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer c.CloseNow()
		_, _, _ = c.Read(r.Context())
	}))
	defer srv.Close()

	bind := func(context.Context, string, Sender) (func(), error) {
		return nil, errors.New("script missing")
	}
	router := newFakeRouter()
	errCh := make(chan error, 8)
	conn, err := NewConnection(Endpoint{Name: "feed", URL: wsURL(srv), Role: schema.RoleConsumer},
		testConfig(), router, bind, WithErrors(errCh))
	require.NoError(t, err)
	runConnection(t, conn)

	require.Equal(t, "session-1:bind failed", nextClose(t, router.closes))
	select {
	case err := <-errCh:
		require.ErrorContains(t, err, "script missing")
	case <-time.After(5 * time.Second):
		t.Fatalf("expected bind error")
	}
	require.Empty(t, router.events)
}

func TestConnectionClosesSessionWhenActivationFails(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer c.CloseNow()
		_, _, _ = c.Read(r.Context())
	}))
	defer srv.Close()

	router := newFakeRouter()
	router.activateErr = errs.New("reactor/registry", errs.CodeIncompleteRegistration)
	conn, err := NewConnection(Endpoint{Name: "feed", URL: wsURL(srv), Role: schema.RoleProvider},
		testConfig(), router, noopBinder)
	require.NoError(t, err)
	runConnection(t, conn)

	require.Equal(t, "session-1:activation failed", nextClose(t, router.closes))
	require.Empty(t, router.events)
}

func TestConnectionReportsDialFailures(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := wsURL(srv)
	srv.Close()

	router := newFakeRouter()
	errCh := make(chan error, 8)
	conn, err := NewConnection(Endpoint{Name: "feed", URL: url, Role: schema.RoleConsumer},
		testConfig(), router, noopBinder, WithErrors(errCh))
	require.NoError(t, err)
	require.Equal(t, StateIdle, conn.Status().State)
	cancel, done := runConnection(t, conn)

	select {
	case err := <-errCh:
		require.True(t, errs.Is(err, errs.CodeNetwork), "unexpected error: %v", err)
	case <-time.After(5 * time.Second):
		t.Fatalf("expected dial error")
	}
	require.NotEmpty(t, conn.Status().LastError)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatalf("run did not return")
	}
	require.Equal(t, StateStopped, conn.Status().State)
	require.Zero(t, conn.Status().Sessions)
}

func TestNewConnectionValidates(t *testing.T) {
	router := newFakeRouter()
	cases := []struct {
		name     string
		endpoint Endpoint
		router   Router
		bind     Binder
	}{
		{"missing name", Endpoint{URL: "ws://localhost", Role: schema.RoleConsumer}, router, noopBinder},
		{"missing url", Endpoint{Name: "feed", Role: schema.RoleConsumer}, router, noopBinder},
		{"invalid role", Endpoint{Name: "feed", URL: "ws://localhost", Role: "broker"}, router, noopBinder},
		{"nil router", Endpoint{Name: "feed", URL: "ws://localhost", Role: schema.RoleConsumer}, nil, noopBinder},
		{"nil binder", Endpoint{Name: "feed", URL: "ws://localhost", Role: schema.RoleConsumer}, router, nil},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := NewConnection(tc.endpoint, Config{}, tc.router, tc.bind)
			require.Error(t, err)
		})
	}
}

func TestConfigNormalizeFillsDefaults(t *testing.T) {
	cfg := Config{SendRate: 5}.normalize()
	def := DefaultConfig()
	require.Equal(t, float64(5), cfg.SendRate)
	require.Equal(t, def.HandshakeTimeout, cfg.HandshakeTimeout)
	require.Equal(t, def.ReadLimit, cfg.ReadLimit)
	require.Equal(t, def.SendBurst, cfg.SendBurst)
	require.Equal(t, def.WriteTimeout, cfg.WriteTimeout)
}

func TestManagerStatusesSortedByName(t *testing.T) {
	router := newFakeRouter()
	b, err := NewConnection(Endpoint{Name: "beta", URL: "ws://localhost:1", Role: schema.RoleConsumer}, Config{}, router, noopBinder)
	require.NoError(t, err)
	a, err := NewConnection(Endpoint{Name: "alpha", URL: "ws://localhost:2", Role: schema.RoleProvider}, Config{}, router, noopBinder)
	require.NoError(t, err)

	statuses := NewManager(b, nil, a).Statuses()
	require.Len(t, statuses, 2)
	require.Equal(t, "alpha", statuses[0].Name)
	require.Equal(t, "beta", statuses[1].Name)
	require.Equal(t, StateIdle, statuses[0].State)
}

func TestManagerRunWithoutConnectionsWaitsForCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- NewManager().Run(ctx) }()

	select {
	case <-done:
		t.Fatalf("run returned before cancel")
	case <-time.After(50 * time.Millisecond):
	}
	cancel()
	require.NoError(t, <-done)
}
