// Package js runs session callbacks implemented as JavaScript modules on goja.
package js

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/dop251/goja"

	"github.com/coachpo/reactor/internal/domain/schema"
)

// ErrFunctionMissing is returned when a requested export does not exist.
var ErrFunctionMissing = errors.New("callback function missing")

// exportNames maps the JS export each capability is served by.
var exportNames = map[schema.Capability]string{
	schema.CapabilityChannelEvent:      "onChannelEvent",
	schema.CapabilityGenericMessage:    "onGenericMessage",
	schema.CapabilityLoginMessage:      "onLoginMessage",
	schema.CapabilityDirectoryMessage:  "onDirectoryMessage",
	schema.CapabilityDictionaryMessage: "onDictionaryMessage",
}

// Module is a compiled callback script.
type Module struct {
	Name         string
	Path         string
	Hash         string
	Program      *goja.Program
	Capabilities []schema.Capability
}

// Compile parses source and records which callback exports it provides.
func Compile(name string, source []byte) (*Module, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, fmt.Errorf("callback module: name required")
	}
	prog, err := goja.Compile(name, string(source), true)
	if err != nil {
		return nil, fmt.Errorf("callback module %s: %w", name, describeCompileError(err))
	}
	exports, err := runModule(goja.New(), prog, nil)
	if err != nil {
		return nil, fmt.Errorf("callback module %s: %w", name, err)
	}
	var caps []schema.Capability
	for capability, export := range exportNames {
		if _, ok := goja.AssertFunction(exports.Get(export)); ok {
			caps = append(caps, capability)
		}
	}
	if len(caps) == 0 {
		return nil, fmt.Errorf("callback module %s: exports no callbacks", name)
	}
	sort.Slice(caps, func(i, j int) bool { return caps[i] < caps[j] })
	sum := sha256.Sum256(source)
	return &Module{
		Name:         name,
		Hash:         hex.EncodeToString(sum[:]),
		Program:      prog,
		Capabilities: caps,
	}, nil
}

// LoadFile reads and compiles a module from disk.
func LoadFile(path string) (*Module, error) {
	clean := filepath.Clean(strings.TrimSpace(path))
	// #nosec G304 -- scripts are configured by the operator.
	source, err := os.ReadFile(clean)
	if err != nil {
		return nil, fmt.Errorf("callback module: read %q: %w", clean, err)
	}
	name := strings.TrimSuffix(filepath.Base(clean), filepath.Ext(clean))
	module, err := Compile(name, source)
	if err != nil {
		return nil, err
	}
	module.Path = clean
	return module, nil
}

func runModule(rt *goja.Runtime, program *goja.Program, logger *log.Logger) (*goja.Object, error) {
	rt.SetFieldNameMapper(goja.TagFieldNameMapper("json", true))
	module := rt.NewObject()
	exports := rt.NewObject()
	if err := module.Set("exports", exports); err != nil {
		return nil, fmt.Errorf("module init: %w", err)
	}
	if err := rt.Set("exports", exports); err != nil {
		return nil, fmt.Errorf("module init: %w", err)
	}
	if err := rt.Set("module", module); err != nil {
		return nil, fmt.Errorf("module init: %w", err)
	}
	if err := rt.Set("console", buildConsole(rt, logger)); err != nil {
		return nil, fmt.Errorf("module init: %w", err)
	}
	if _, err := rt.RunProgram(program); err != nil {
		return nil, fmt.Errorf("module run: %w", err)
	}
	object := module.Get("exports").ToObject(rt)
	if object == nil {
		return nil, fmt.Errorf("module exports must be an object")
	}
	return object, nil
}

func buildConsole(rt *goja.Runtime, logger *log.Logger) *goja.Object {
	console := rt.NewObject()
	printer := func(level string) func(goja.FunctionCall) goja.Value {
		return func(call goja.FunctionCall) goja.Value {
			if logger == nil {
				return goja.Undefined()
			}
			parts := make([]string, 0, len(call.Arguments))
			for _, arg := range call.Arguments {
				parts = append(parts, arg.String())
			}
			logger.Printf("js %s: %s", level, strings.Join(parts, " "))
			return goja.Undefined()
		}
	}
	_ = console.Set("log", printer("log"))
	_ = console.Set("info", printer("info"))
	_ = console.Set("warn", printer("warn"))
	_ = console.Set("error", printer("error"))
	return console
}

func describeCompileError(err error) error {
	var syntaxErr *goja.CompilerSyntaxError
	if errors.As(err, &syntaxErr) && syntaxErr != nil && syntaxErr.File != nil {
		pos := syntaxErr.File.Position(syntaxErr.Offset)
		return fmt.Errorf("syntax error at %d:%d: %s", pos.Line, pos.Column, strings.TrimSpace(syntaxErr.Message))
	}
	return err
}
