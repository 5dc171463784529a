package js

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"

	"github.com/dop251/goja"
)

// ErrInstanceClosed is returned by calls made after Close.
var ErrInstanceClosed = errors.New("callback instance closed")

// Instance is one session's private goja runtime. A goja.Runtime must not be used
// from two goroutines at once, so calls are serialised on mu; offloaded handlers of
// the same session queue up behind each other here.
type Instance struct {
	module  *Module
	mu      sync.Mutex
	rt      *goja.Runtime
	exports *goja.Object
}

// NewInstance evaluates module in a fresh runtime and keeps its exports.
func NewInstance(module *Module, logger *log.Logger) (*Instance, error) {
	if module == nil {
		return nil, fmt.Errorf("callback instance: module required")
	}
	rt := goja.New()
	exports, err := runModule(rt, module.Program, logger)
	if err != nil {
		return nil, fmt.Errorf("callback instance %s: %w", module.Name, err)
	}
	return &Instance{module: module, rt: rt, exports: exports}, nil
}

// Call invokes the named export without a deadline.
func (i *Instance) Call(function string, args ...any) (goja.Value, error) {
	return i.CallContext(context.Background(), function, args...)
}

// CallContext invokes the named export with args. When ctx ends mid-call the script
// is interrupted and the call returns a *goja.InterruptedError. A thrown JS
// exception is returned as *goja.Exception.
func (i *Instance) CallContext(ctx context.Context, function string, args ...any) (value goja.Value, err error) {
	name := strings.TrimSpace(function)
	if name == "" {
		return nil, fmt.Errorf("callback instance: function name required")
	}

	i.mu.Lock()
	defer i.mu.Unlock()
	if i.rt == nil {
		return nil, ErrInstanceClosed
	}

	callable, ok := goja.AssertFunction(i.exports.Get(name))
	if !ok {
		if v := i.exports.Get(name); v == nil || goja.IsUndefined(v) || goja.IsNull(v) {
			return nil, ErrFunctionMissing
		}
		return nil, fmt.Errorf("callback instance: export %q not callable", name)
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	rt := i.rt
	fired := make(chan struct{})
	stop := context.AfterFunc(ctx, func() {
		rt.Interrupt(ctx.Err())
		close(fired)
	})
	defer func() {
		if !stop() {
			<-fired
			rt.ClearInterrupt()
		}
		if rec := recover(); rec != nil {
			value, err = nil, fmt.Errorf("callback instance: %s panicked: %v", name, rec)
		}
	}()

	params := make([]goja.Value, 0, len(args))
	for _, arg := range args {
		params = append(params, rt.ToValue(arg))
	}
	return callable(goja.Undefined(), params...)
}

// Close drops the runtime. Later calls fail with ErrInstanceClosed.
func (i *Instance) Close() {
	i.mu.Lock()
	i.rt = nil
	i.exports = nil
	i.mu.Unlock()
}
