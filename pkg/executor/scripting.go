package executor

import (
	"os"
	"regexp"
	"sort"
	"strings"

	"github.com/devicelab-dev/droid-agent/pkg/jsengine"
	"github.com/devicelab-dev/droid-agent/pkg/spec"
)

// envVarPattern matches ALL_CAPS identifiers that look like env variables
var envVarPattern = regexp.MustCompile(`^[A-Z][A-Z0-9_]{2,}$`)

// ScriptEngine expands ${expr} and $VAR in goal texts and command arguments.
type ScriptEngine struct {
	js        *jsengine.Engine
	variables map[string]string
}

var _ spec.Expander = (*ScriptEngine)(nil)

// NewScriptEngine creates an engine seeded with the spec env block.
func NewScriptEngine(env map[string]string) *ScriptEngine {
	se := &ScriptEngine{
		js:        jsengine.New(env),
		variables: make(map[string]string),
	}
	se.SetVariables(env)
	return se
}

// Close cleans up the script engine.
func (se *ScriptEngine) Close() {
	if se.js != nil {
		se.js.Close()
	}
}

// SetVariable sets a variable in both Go map and JS engine.
func (se *ScriptEngine) SetVariable(name, value string) {
	se.variables[name] = value
	se.js.SetVariable(name, value)
}

// SetVariables sets multiple variables.
func (se *ScriptEngine) SetVariables(vars map[string]string) {
	for k, v := range vars {
		se.SetVariable(k, v)
	}
}

// SetDevice exposes the device serial and package to scripts.
func (se *ScriptEngine) SetDevice(serial, pkg string) {
	se.js.SetDevice(serial, pkg)
	se.SetVariable("APP_ID", pkg)
}

// ImportSystemEnv imports upper-case process environment variables that
// the spec env block does not already define.
func (se *ScriptEngine) ImportSystemEnv() {
	for _, env := range os.Environ() {
		name, value, ok := strings.Cut(env, "=")
		if !ok || !envVarPattern.MatchString(name) {
			continue
		}
		if _, exists := se.variables[name]; !exists {
			se.SetVariable(name, value)
		}
	}
}

// GetVariable returns a variable value.
func (se *ScriptEngine) GetVariable(name string) string {
	return se.variables[name]
}

// ExpandVariables expands ${expr} through the JS engine, then $VAR. A failed
// expression stays in the text and its error is returned.
func (se *ScriptEngine) ExpandVariables(text string) (string, error) {
	result, err := se.js.ExpandVariables(text)
	text = result

	// longest first so $APP doesn't eat $APP_ID
	names := make([]string, 0, len(se.variables))
	for name := range se.variables {
		names = append(names, name)
	}
	sort.Slice(names, func(i, j int) bool {
		return len(names[i]) > len(names[j])
	})
	for _, name := range names {
		text = expandDollarVar(text, name, se.variables[name])
	}
	return text, err
}

// expandDollarVar replaces $VAR with value, checking word boundaries.
func expandDollarVar(text, name, value string) string {
	pattern := "$" + name
	idx := 0
	for {
		pos := strings.Index(text[idx:], pattern)
		if pos == -1 {
			break
		}
		pos += idx

		endPos := pos + len(pattern)
		if endPos < len(text) && isIdentChar(text[endPos]) {
			idx = endPos
			continue
		}

		text = text[:pos] + value + text[endPos:]
		idx = pos + len(value)
	}
	return text
}

func isIdentChar(c byte) bool {
	return (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9') || c == '_'
}

// expandedArgs are the command arguments that may carry variables.
var expandedArgs = []string{"text", "path", "package", "activity", "code", "name"}

// ExpandCommand returns a copy of cmd with its string arguments expanded.
// Numeric arguments are left untouched.
func (se *ScriptEngine) ExpandCommand(cmd spec.Command) (spec.Command, error) {
	out := spec.Command{Cmd: cmd.Cmd, Args: make(map[string]interface{}, len(cmd.Args))}
	for k, v := range cmd.Args {
		out.Args[k] = v
	}
	var firstErr error
	for _, key := range expandedArgs {
		s, ok := out.Args[key].(string)
		if !ok || !strings.Contains(s, "$") {
			continue
		}
		expanded, err := se.ExpandVariables(s)
		if err != nil && firstErr == nil {
			firstErr = err
		}
		out.Args[key] = expanded
	}
	return out, firstErr
}
