package bridge

import (
	"errors"
	"fmt"
	"strconv"

	"github.com/dop251/goja"
)

var (
	// ErrClosed is returned when evaluating in a closed environment.
	ErrClosed = errors.New("environment closed")

	// ErrNotFunction is returned by Call when the global is not callable.
	ErrNotFunction = errors.New("not a function")
)

// maxDepth bounds the nesting converted by Export, cyclic values are cut off
// below it.
const maxDepth = 64

// EvalError is the error of a failed evaluation, as reported to operators.
type EvalError struct {
	Msg string
}

func (e *EvalError) Error() string {
	return e.Msg
}

// Env is the embedded evaluation environment. It is not safe for concurrent
// use, all access must be serialized by the caller.
type Env struct {
	vm *goja.Runtime

	privileged map[string]goja.Value
	hidden     int
	closed     bool
}

// NewEnv returns a new, empty environment.
func NewEnv() *Env {
	vm := goja.New()
	vm.SetFieldNameMapper(goja.TagFieldNameMapper("json", true))
	return &Env{
		vm:         vm,
		privileged: make(map[string]goja.Value),
	}
}

// Runtime returns the underlying runtime.
func (e *Env) Runtime() *goja.Runtime {
	return e.vm
}

// SetBuiltin installs a read-only global.
func (e *Env) SetBuiltin(name string, value any) error {
	return e.vm.GlobalObject().DefineDataProperty(
		name, e.vm.ToValue(value),
		goja.FLAG_FALSE, goja.FLAG_FALSE, goja.FLAG_TRUE,
	)
}

// SetPrivileged installs a global that is only visible to raw evaluations.
func (e *Env) SetPrivileged(name string, value any) error {
	v := e.vm.ToValue(value)
	e.privileged[name] = v
	if e.hidden > 0 {
		return nil
	}
	return e.definePrivileged(name, v)
}

func (e *Env) definePrivileged(name string, v goja.Value) error {
	return e.vm.GlobalObject().DefineDataProperty(
		name, v,
		goja.FLAG_FALSE, goja.FLAG_TRUE, goja.FLAG_TRUE,
	)
}

func (e *Env) hidePrivileged() {
	e.hidden++
	if e.hidden > 1 {
		return
	}
	global := e.vm.GlobalObject()
	for name := range e.privileged {
		_ = global.Delete(name)
	}
}

func (e *Env) restorePrivileged() {
	e.hidden--
	if e.hidden > 0 {
		return
	}
	for name, v := range e.privileged {
		_ = e.definePrivileged(name, v)
	}
}

// SetGlobal sets a writable global.
func (e *Env) SetGlobal(name string, value any) error {
	return e.vm.GlobalObject().Set(name, value)
}

// Global returns the global with the given name, or nil if unset.
func (e *Env) Global(name string) goja.Value {
	v := e.vm.GlobalObject().Get(name)
	if v == nil || goja.IsUndefined(v) {
		return nil
	}
	return v
}

// ClearGlobal removes a global.
func (e *Env) ClearGlobal(name string) {
	_ = e.vm.GlobalObject().Delete(name)
}

// Eval runs a command. Unless raw is set, privileged globals are not
// visible to it.
func (e *Env) Eval(command string, raw bool) (goja.Value, error) {
	return e.RunScript("command", command, raw)
}

// RunScript runs a named script, see Eval.
func (e *Env) RunScript(name, src string, raw bool) (goja.Value, error) {
	if e.closed {
		return nil, ErrClosed
	}
	switch {
	case !raw:
		e.hidePrivileged()
		defer e.restorePrivileged()
	case e.hidden > 0:
		// A raw evaluation nested in a sandboxed one sees the privileged
		// globals until it returns.
		hidden := e.hidden
		e.hidden = 1
		e.restorePrivileged()
		defer func() {
			e.hidePrivileged()
			e.hidden = hidden
		}()
	}

	v, err := e.vm.RunScript(name, src)
	if err != nil {
		return nil, evalError(err)
	}
	return v, nil
}

// Call calls the global function name with the given arguments.
func (e *Env) Call(name string, args ...any) (goja.Value, error) {
	if e.closed {
		return nil, ErrClosed
	}
	fn, ok := goja.AssertFunction(e.Global(name))
	if !ok {
		return nil, fmt.Errorf("%s: %w", name, ErrNotFunction)
	}
	return e.call(fn, args...)
}

// CallValue calls v, which must be a function.
func (e *Env) CallValue(v goja.Value, args ...any) (goja.Value, error) {
	if e.closed {
		return nil, ErrClosed
	}
	fn, ok := goja.AssertFunction(v)
	if !ok {
		return nil, ErrNotFunction
	}
	return e.call(fn, args...)
}

func (e *Env) call(fn goja.Callable, args ...any) (goja.Value, error) {
	values := make([]goja.Value, len(args))
	for i, a := range args {
		if v, ok := a.(goja.Value); ok {
			values[i] = v
		} else {
			values[i] = e.vm.ToValue(a)
		}
	}
	v, err := fn(goja.Undefined(), values...)
	if err != nil {
		return nil, evalError(err)
	}
	return v, nil
}

// Throw raises an error in the running evaluation. It must only be called
// from within a function invoked by the environment.
func (e *Env) Throw(format string, args ...any) {
	panic(e.vm.ToValue(fmt.Sprintf(format, args...)))
}

// Close closes the environment. Further evaluations fail with ErrClosed.
func (e *Env) Close() {
	e.closed = true
	e.privileged = make(map[string]goja.Value)
}

// IsClosed reports whether Close was called.
func (e *Env) IsClosed() bool {
	return e.closed
}

func evalError(err error) error {
	var ex *goja.Exception
	if errors.As(err, &ex) {
		return &EvalError{Msg: exceptionMessage(ex.Value())}
	}
	return &EvalError{Msg: err.Error()}
}

func exceptionMessage(v goja.Value) string {
	if v == nil {
		return "unknown error"
	}
	if obj, ok := v.(*goja.Object); ok {
		// Go errors raised by the runtime carry their own message.
		if name := obj.Get("name"); name != nil && name.String() == "GoError" {
			return obj.Get("message").String()
		}
	}
	return v.String()
}

// Marshal returns the JSON text of a value.
func (e *Env) Marshal(v goja.Value) string {
	return Encode(e.Export(v))
}

// Export converts a value into a tree, see Decode.
// Objects whose keys are exactly "1".."n" become arrays. Functions and
// values without a JSON representation become nil.
func (e *Env) Export(v goja.Value) any {
	return e.export(v, 0)
}

func (e *Env) export(v goja.Value, depth int) any {
	if v == nil || goja.IsUndefined(v) || goja.IsNull(v) || depth > maxDepth {
		return nil
	}

	obj, ok := v.(*goja.Object)
	if !ok {
		switch x := v.Export().(type) {
		case string:
			return x
		case bool:
			return x
		case int64:
			return float64(x)
		case float64:
			return x
		default:
			return nil
		}
	}

	switch obj.ClassName() {
	case "Function":
		return nil
	case "Array":
		n := int(obj.Get("length").ToInteger())
		arr := make([]any, 0, n)
		for i := 0; i < n; i++ {
			arr = append(arr, e.export(obj.Get(strconv.Itoa(i)), depth+1))
		}
		return arr
	case "String":
		return obj.String()
	case "Number":
		return e.export(e.vm.ToValue(obj.ToFloat()), depth)
	}

	keys := obj.Keys()
	if isSequence(keys) {
		arr := make([]any, 0, len(keys))
		for _, k := range keys {
			arr = append(arr, e.export(obj.Get(k), depth+1))
		}
		return arr
	}
	out := NewObject()
	for _, k := range keys {
		out.Set(k, e.export(obj.Get(k), depth+1))
	}
	return out
}

func isSequence(keys []string) bool {
	if len(keys) == 0 {
		return false
	}
	for i, k := range keys {
		if k != strconv.Itoa(i+1) {
			return false
		}
	}
	return true
}

// ToValue converts a tree into a value of the environment.
func (e *Env) ToValue(tree any) goja.Value {
	switch x := tree.(type) {
	case nil:
		return goja.Null()
	case goja.Value:
		return x
	case []any:
		items := make([]any, len(x))
		for i, item := range x {
			items[i] = e.ToValue(item)
		}
		return e.vm.NewArray(items...)
	case *Object:
		obj := e.vm.NewObject()
		for _, k := range x.keys {
			_ = obj.Set(k, e.ToValue(x.values[k]))
		}
		return obj
	default:
		return e.vm.ToValue(x)
	}
}

// Render returns the text shown to operators for a value. It returns false
// if the value is no result.
func (e *Env) Render(v goja.Value) (string, bool) {
	if v == nil || goja.IsUndefined(v) {
		return "", false
	}
	if s, ok := v.Export().(string); ok {
		if _, isObj := v.(*goja.Object); !isObj {
			return s, true
		}
	}
	return EncodeIndent(e.Export(v), "  "), true
}
