package js

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"sort"

	"github.com/dop251/goja"
	json "github.com/goccy/go-json"

	"github.com/coachpo/reactor/errs"
	"github.com/coachpo/reactor/internal/app/reactor"
	"github.com/coachpo/reactor/internal/domain/schema"
)

// Registrar is the subset of the router used to bind script callbacks.
type Registrar interface {
	Register(ctx context.Context, sessionID string, capability schema.Capability, handler reactor.Handler) error
}

// Callbacks adapts a module instance to reactor handlers.
type Callbacks struct {
	instance *Instance
	logger   *log.Logger
}

// NewCallbacks starts an instance of module for one session.
func NewCallbacks(module *Module, logger *log.Logger) (*Callbacks, error) {
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	instance, err := NewInstance(module, logger)
	if err != nil {
		return nil, err
	}
	return &Callbacks{instance: instance, logger: logger}, nil
}

// Handler returns the handler serving capability, if the module exports it.
func (c *Callbacks) Handler(capability schema.Capability) (reactor.Handler, bool) {
	export, ok := exportNames[capability]
	if !ok {
		return nil, false
	}
	found := false
	for _, provided := range c.instance.module.Capabilities {
		if provided == capability {
			found = true
			break
		}
	}
	if !found {
		return nil, false
	}
	return reactor.HandlerFunc(func(ctx context.Context, evt *schema.Event) schema.Disposition {
		return c.call(ctx, export, evt)
	}), true
}

// Register binds every exported callback the session's role accepts and returns the bound names.
// Exports outside the role are skipped.
func (c *Callbacks) Register(ctx context.Context, registrar Registrar, sessionID string) ([]schema.Capability, error) {
	var bound []schema.Capability
	for _, capability := range c.instance.module.Capabilities {
		handler, _ := c.Handler(capability)
		err := registrar.Register(ctx, sessionID, capability, handler)
		if errs.Is(err, errs.CodeCapabilityNotApplicable) {
			c.logger.Printf("session=%s module=%s skip %s: not used by role", sessionID, c.instance.module.Name, capability)
			continue
		}
		if err != nil {
			return bound, fmt.Errorf("bind %s: %w", capability, err)
		}
		bound = append(bound, capability)
	}
	sort.Slice(bound, func(i, j int) bool { return bound[i] < bound[j] })
	return bound, nil
}

// Close releases the script runtime.
func (c *Callbacks) Close() {
	c.instance.Close()
}

func (c *Callbacks) call(ctx context.Context, export string, evt *schema.Event) schema.Disposition {
	value, err := c.instance.CallContext(ctx, export, eventObject(evt))
	if err != nil {
		var jsErr *goja.Exception
		if errors.As(err, &jsErr) {
			c.logger.Printf("session=%s event=%s %s threw: %s", evt.SessionID, evt.ID, export, jsErr.Value())
			return schema.DispositionFailAndClose
		}
		c.logger.Printf("session=%s event=%s %s: %v", evt.SessionID, evt.ID, export, err)
		return schema.DispositionFail
	}
	return toDisposition(value)
}

// toDisposition reads a script return value. undefined and true mean success, false means fail,
// and strings are parsed as disposition names.
func toDisposition(value goja.Value) schema.Disposition {
	if value == nil || goja.IsUndefined(value) || goja.IsNull(value) {
		return schema.DispositionSuccess
	}
	switch v := value.Export().(type) {
	case bool:
		if v {
			return schema.DispositionSuccess
		}
		return schema.DispositionFail
	case string:
		d, _ := schema.ParseDisposition(v)
		return d
	default:
		return schema.DispositionFail
	}
}

func eventObject(evt *schema.Event) map[string]any {
	obj := map[string]any{
		"id":         evt.ID,
		"kind":       string(evt.Kind),
		"sessionId":  evt.SessionID,
		"seq":        evt.Seq,
		"receivedAt": evt.ReceivedAt.UnixMilli(),
	}
	if evt.Channel != "" {
		obj["channel"] = string(evt.Channel)
	}
	if len(evt.Payload) > 0 {
		var payload any
		if err := json.Unmarshal(evt.Payload, &payload); err == nil {
			obj["payload"] = payload
		} else {
			obj["payload"] = string(evt.Payload)
		}
	}
	return obj
}
