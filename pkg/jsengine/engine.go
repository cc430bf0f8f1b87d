// Package jsengine evaluates ${...} expressions embedded in test specs, so
// goal text can carry generated values (unique names, dates, env values).
package jsengine

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/dop251/goja"
	"github.com/google/uuid"

	"github.com/devicelab-dev/droid-agent/pkg/logger"
)

// Engine wraps a goja runtime with the globals available to spec expressions.
type Engine struct {
	runtime   *goja.Runtime
	variables map[string]interface{}
	env       map[string]string
	device    map[string]interface{}
	now       func() time.Time
	mu        sync.Mutex
}

// New creates an engine. env is exposed as the `env` object; keys not in
// env fall back to the process environment.
func New(env map[string]string) *Engine {
	e := &Engine{
		runtime:   goja.New(),
		variables: make(map[string]interface{}),
		env:       make(map[string]string, len(env)),
		device:    map[string]interface{}{"platform": "android"},
		now:       time.Now,
	}
	for k, v := range env {
		e.env[k] = v
	}

	e.setupBuiltins()
	return e
}

// setupBuiltins registers all built-in functions and objects
func (e *Engine) setupBuiltins() {
	e.setupConsole()

	// JSON helper
	e.runtime.Set("json", e.jsonFunc())

	e.runtime.Set("uuid", func() string { return uuid.NewString() })
	e.runtime.Set("timestamp", func() int64 { return e.now().Unix() })
	e.runtime.Set("randomDigits", e.randomDigitsFunc())

	e.runtime.Set("env", e.envObject())
	e.runtime.Set("device", e.deviceObject())
}

// setupConsole routes console.log and friends to the run log.
func (e *Engine) setupConsole() {
	makeConsoleFunc := func(log func(string, ...interface{})) func(goja.FunctionCall) goja.Value {
		return func(call goja.FunctionCall) goja.Value {
			parts := make([]string, len(call.Arguments))
			for i, arg := range call.Arguments {
				parts[i] = fmt.Sprintf("%v", arg.Export())
			}
			log("js: %s", strings.Join(parts, " "))
			return goja.Undefined()
		}
	}

	console := e.runtime.NewObject()
	console.Set("log", makeConsoleFunc(logger.Info))
	console.Set("error", makeConsoleFunc(logger.Error))
	console.Set("warn", makeConsoleFunc(logger.Warn))
	e.runtime.Set("console", console)
}

// jsonFunc returns the json() helper function
func (e *Engine) jsonFunc() func(call goja.FunctionCall) goja.Value {
	return func(call goja.FunctionCall) goja.Value {
		if len(call.Arguments) < 1 {
			panic(e.runtime.NewTypeError("json requires 1 argument"))
		}

		str := call.Arguments[0].String()

		result, err := e.runtime.RunString(fmt.Sprintf("JSON.parse(%q)", str))
		if err != nil {
			panic(e.runtime.NewTypeError(fmt.Sprintf("invalid JSON: %v", err)))
		}

		return result
	}
}

// randomDigitsFunc returns n pseudo-random digits derived from a UUID.
func (e *Engine) randomDigitsFunc() func(call goja.FunctionCall) goja.Value {
	return func(call goja.FunctionCall) goja.Value {
		n := 6
		if len(call.Arguments) > 0 {
			n = int(call.Arguments[0].ToInteger())
		}
		var b strings.Builder
		for b.Len() < n {
			id := uuid.New()
			for _, c := range id {
				if b.Len() >= n {
					break
				}
				b.WriteString(strconv.Itoa(int(c) % 10))
			}
		}
		return e.runtime.ToValue(b.String())
	}
}

// envObject resolves env.NAME from the spec env first, then the process.
func (e *Engine) envObject() *goja.Object {
	obj := e.runtime.NewDynamicObject(&envLookup{e: e})
	return obj
}

// deviceObject returns the device global (serial, package, platform).
func (e *Engine) deviceObject() *goja.Object {
	obj := e.runtime.NewObject()
	for _, key := range []string{"serial", "package", "platform"} {
		key := key
		obj.DefineAccessorProperty(key, e.runtime.ToValue(func() interface{} {
			return e.device[key]
		}), nil, goja.FLAG_FALSE, goja.FLAG_TRUE)
	}
	return obj
}

type envLookup struct {
	e *Engine
}

func (l *envLookup) Get(key string) goja.Value {
	if v, ok := l.e.env[key]; ok {
		return l.e.runtime.ToValue(v)
	}
	if v, ok := os.LookupEnv(key); ok {
		return l.e.runtime.ToValue(v)
	}
	return goja.Undefined()
}

func (l *envLookup) Set(string, goja.Value) bool { return false }

func (l *envLookup) Has(key string) bool {
	if _, ok := l.e.env[key]; ok {
		return true
	}
	_, ok := os.LookupEnv(key)
	return ok
}

func (l *envLookup) Delete(string) bool { return false }

func (l *envLookup) Keys() []string {
	keys := make([]string, 0, len(l.e.env))
	for k := range l.e.env {
		keys = append(keys, k)
	}
	return keys
}

// SetDevice exposes the device under test as device.serial / device.package.
func (e *Engine) SetDevice(serial, pkg string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.device["serial"] = serial
	e.device["package"] = pkg
}

// SetClock overrides the clock used by timestamp(). Tests only.
func (e *Engine) SetClock(now func() time.Time) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.now = now
}

// SetVariable sets a variable accessible in JS as a global
func (e *Engine) SetVariable(name string, value interface{}) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.variables[name] = value
	e.runtime.Set(name, value)
}

// SetVariables sets multiple variables
func (e *Engine) SetVariables(vars map[string]interface{}) {
	for k, v := range vars {
		e.SetVariable(k, v)
	}
}

// Eval evaluates a JavaScript expression and returns the result
func (e *Engine) Eval(script string) (interface{}, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	result, err := e.runtime.RunString(script)
	if err != nil {
		return nil, fmt.Errorf("JS eval error: %w", err)
	}

	return result.Export(), nil
}

// EvalString evaluates a JavaScript expression and returns string result
func (e *Engine) EvalString(script string) (string, error) {
	result, err := e.Eval(script)
	if err != nil {
		return "", err
	}

	if result == nil {
		return "", nil
	}

	return fmt.Sprintf("%v", result), nil
}

// ExpandVariables expands ${...} expressions in text. Expressions that fail
// to evaluate are left in place and the first failure is returned alongside
// the partially expanded text.
func (e *Engine) ExpandVariables(text string) (string, error) {
	result := text
	start := 0
	var firstErr error

	for {
		idx := strings.Index(result[start:], "${")
		if idx == -1 {
			break
		}
		idx += start

		// Find matching }
		depth := 1
		end := idx + 2
		for end < len(result) && depth > 0 {
			if result[end] == '{' {
				depth++
			} else if result[end] == '}' {
				depth--
			}
			end++
		}

		if depth != 0 {
			// Unmatched brace, skip
			start = idx + 2
			continue
		}

		expr := result[idx+2 : end-1]
		value, err := e.EvalString(expr)
		if err != nil {
			if firstErr == nil {
				firstErr = fmt.Errorf("expand ${%s}: %w", expr, err)
			}
			start = end
			continue
		}

		result = result[:idx] + value + result[end:]
		start = idx + len(value)
	}

	return result, firstErr
}

// Close releases the runtime. Running scripts are interrupted.
// Safe to call multiple times.
func (e *Engine) Close() {
	e.runtime.Interrupt("engine closed")
}
