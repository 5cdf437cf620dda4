package modules

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/dop251/goja"

	"github.com/jirutka/knot-resolver/service/bridge"
)

// ScriptExt is the file extension of scripted plugins.
const ScriptExt = ".js"

var (
	// ErrModuleNotFound is returned when neither a native nor a scripted plugin exists.
	ErrModuleNotFound = errors.New("module not found")

	// ErrInvalidScript is returned when a scripted plugin does not export an object.
	ErrInvalidScript = errors.New("script does not export an object")
)

// loadScript loads <moduledir>/<name>.js. The script sees an "exports"
// object: init and deinit are lifecycle hooks, config is the configuration
// entry point and every other function is a property.
func loadScript(h Host, name string) (*Plugin, error) {
	dir := h.ModuleDir()
	if dir == "" {
		return nil, ErrModuleNotFound
	}
	path := filepath.Join(dir, name+ScriptExt)
	src, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ErrModuleNotFound
		}
		return nil, err
	}

	env := h.Env()
	wrapped := "(function() {\nvar exports = {};\n" + string(src) + "\nreturn exports;\n})()"
	v, err := env.RunScript(path, wrapped, true)
	if err != nil {
		return nil, fmt.Errorf("load %s: %w", path, err)
	}
	exports, ok := v.(*goja.Object)
	if !ok {
		return nil, fmt.Errorf("load %s: %w", path, ErrInvalidScript)
	}

	p := &Plugin{}
	for _, key := range exports.Keys() {
		fn := exports.Get(key)
		if _, ok := goja.AssertFunction(fn); !ok {
			continue
		}
		switch key {
		case "init":
			p.Init = scriptHook(fn)
		case "deinit":
			p.Deinit = scriptHook(fn)
		case "config":
			p.Config = scriptEntry(fn)
		default:
			p.Props = append(p.Props, Prop{Name: key, Fn: scriptEntry(fn)})
		}
	}
	return p, nil
}

func scriptHook(fn goja.Value) func(h Host, m *Module) error {
	return func(h Host, _ *Module) error {
		_, err := h.Env().CallValue(fn)
		return err
	}
}

func scriptEntry(fn goja.Value) EntryFunc {
	return func(h Host, _ *Module, arg Arg) (string, error) {
		env := h.Env()
		var args []any
		switch {
		case arg.Structured:
			args = append(args, env.ToValue(bridge.Unmarshal(arg.Text)))
		case arg.Text != "":
			args = append(args, env.ToValue(arg.Text))
		}
		v, err := env.CallValue(fn, args...)
		if err != nil {
			return "", err
		}
		if v == nil || goja.IsUndefined(v) {
			return "", nil
		}
		return env.Marshal(v), nil
	}
}
