package modules

import (
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"

	"github.com/dop251/goja"

	"github.com/jirutka/knot-resolver/service/bridge"
)

var (
	// ErrInvalidName is returned for empty module names.
	ErrInvalidName = errors.New("invalid module name")

	// ErrInvalidPrecedence is returned for unknown precedence directives.
	ErrInvalidPrecedence = errors.New("invalid precedence")

	// ErrReferenceNotFound is returned when the precedence reference is not loaded.
	ErrReferenceNotFound = errors.New("reference not found")

	// ErrNotFound is returned when unregistering a module that is not loaded.
	ErrNotFound = errors.New("not found")

	// ErrEntryNotFound is returned when dispatching to an unknown entry point.
	ErrEntryNotFound = errors.New("entry point not found")
)

// RegisterHook is the environment function called with the published
// object of every newly registered module, if defined.
const RegisterHook = "modules_register"

type entryKey struct {
	module string
	entry  string
}

type entry struct {
	kind   EntryKind
	module *Module
	fn     EntryFunc
}

// Registry is the ordered list of loaded modules. The order is the order of
// the resolution pipeline. It is not safe for concurrent use.
type Registry struct {
	host   Host
	logger *slog.Logger

	list    []*Module
	entries map[entryKey]entry
}

// NewRegistry returns an empty registry.
func NewRegistry(host Host, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		host:    host,
		logger:  logger,
		entries: make(map[entryKey]entry),
	}
}

// Register loads the module name and inserts it into the pipeline.
// A module with the same name is unregistered first. With a precedence of
// "before" ("<") or "after" (">"), the module is placed relative to ref,
// otherwise it is appended.
func (r *Registry) Register(name, precedence, ref string) error {
	if name == "" {
		return ErrInvalidName
	}
	after, err := parsePrecedence(precedence)
	if err != nil {
		return err
	}

	// Make sure the module is unloaded.
	_ = r.Unregister(name)

	pos := len(r.list)
	if precedence != "" {
		idx, ok := r.Find(ref)
		if !ok {
			return fmt.Errorf("%s: %w", ref, ErrReferenceNotFound)
		}
		pos = idx
		if after {
			pos = idx + 1
		}
	}

	plugin, err := r.load(name)
	if err != nil {
		return err
	}
	m := &Module{
		Name:   name,
		plugin: plugin,
	}
	if plugin.Init != nil {
		if err := plugin.Init(r.host, m); err != nil {
			return fmt.Errorf("init %s: %w", name, err)
		}
	}
	if err := r.publish(m); err != nil {
		r.deinit(m)
		return err
	}

	r.list = slices.Insert(r.list, pos, m)
	r.logger.Debug("module registered", "module", name, "position", pos)

	r.callRegisterHook(m)
	return nil
}

func parsePrecedence(precedence string) (after bool, err error) {
	switch strings.ToLower(precedence) {
	case "":
		return false, nil
	case "before", "<":
		return false, nil
	case "after", ">":
		return true, nil
	default:
		return false, fmt.Errorf("%w: %q", ErrInvalidPrecedence, precedence)
	}
}

func (r *Registry) load(name string) (*Plugin, error) {
	if p, ok := loadNative(name); ok {
		return p, nil
	}
	return loadScript(r.host, name)
}

// Unregister unloads the module name and removes it from the pipeline.
func (r *Registry) Unregister(name string) error {
	idx, ok := r.Find(name)
	if !ok {
		return ErrNotFound
	}
	r.unload(r.list[idx])
	r.list = slices.Delete(r.list, idx, idx+1)
	r.logger.Debug("module unregistered", "module", name)
	return nil
}

// UnloadAll unloads every module in pipeline order and empties the registry.
func (r *Registry) UnloadAll() {
	for _, m := range r.list {
		r.unload(m)
	}
	r.list = nil
}

func (r *Registry) unload(m *Module) {
	for key, e := range r.entries {
		if e.module == m {
			delete(r.entries, key)
		}
	}
	r.deinit(m)
	if env := r.host.Env(); env != nil && !env.IsClosed() {
		env.ClearGlobal(m.Name)
	}
}

func (r *Registry) deinit(m *Module) {
	if m.plugin.Deinit == nil {
		return
	}
	if err := m.plugin.Deinit(r.host, m); err != nil {
		r.logger.Warn("module deinit failed", "module", m.Name, "err", err)
	}
}

// Find returns the pipeline position of the module name.
func (r *Registry) Find(name string) (int, bool) {
	for i, m := range r.list {
		if m.Name == name {
			return i, true
		}
	}
	return 0, false
}

// Get returns the module name.
func (r *Registry) Get(name string) (*Module, bool) {
	idx, ok := r.Find(name)
	if !ok {
		return nil, false
	}
	return r.list[idx], true
}

// List returns the module names in pipeline order.
func (r *Registry) List() []string {
	names := make([]string, 0, len(r.list))
	for _, m := range r.list {
		names = append(names, m.Name)
	}
	return names
}

// Len returns the number of loaded modules.
func (r *Registry) Len() int {
	return len(r.list)
}

// Dispatch calls an entry point of a module.
// Configuration entries never have a result. Property results are decoded
// leniently, see bridge.Unmarshal.
func (r *Registry) Dispatch(module, name string, arg Arg) (result any, ok bool, err error) {
	e, found := r.entries[entryKey{module: module, entry: name}]
	if !found {
		return nil, false, fmt.Errorf("%s.%s: %w", module, name, ErrEntryNotFound)
	}

	text, err := e.fn(r.host, e.module, arg)
	if err != nil {
		return nil, false, err
	}
	if e.kind == EntryConfig || text == "" {
		return nil, false, nil
	}
	return bridge.Unmarshal(text), true, nil
}

// publish exposes the entry points of a module as a global object named
// after it.
func (r *Registry) publish(m *Module) error {
	if !m.Configurable() && !m.Queryable() {
		return nil
	}

	env := r.host.Env()
	obj := env.Runtime().NewObject()
	if m.plugin.Config != nil {
		r.bind(obj, m, "config", EntryConfig, m.plugin.Config)
	}
	for _, p := range m.plugin.Props {
		if p.Fn != nil && p.Name != "" {
			r.bind(obj, m, p.Name, EntryProperty, p.Fn)
		}
	}

	if err := env.SetGlobal(m.Name, obj); err != nil {
		for key, e := range r.entries {
			if e.module == m {
				delete(r.entries, key)
			}
		}
		return fmt.Errorf("publish %s: %w", m.Name, err)
	}
	return nil
}

func (r *Registry) bind(obj *goja.Object, m *Module, name string, kind EntryKind, fn EntryFunc) {
	key := entryKey{module: m.Name, entry: name}
	r.entries[key] = entry{
		kind:   kind,
		module: m,
		fn:     fn,
	}

	env := r.host.Env()
	_ = obj.Set(name, func(call goja.FunctionCall) goja.Value {
		result, ok, err := r.Dispatch(key.module, key.entry, entryArg(env, call.Argument(0)))
		if err != nil {
			env.Throw("%s", err)
		}
		if !ok {
			return goja.Undefined()
		}
		return env.ToValue(result)
	})
}

// entryArg converts a script value to an entry point argument. Strings and
// functions are passed as text, everything else as JSON.
func entryArg(env *bridge.Env, v goja.Value) Arg {
	if v == nil || goja.IsUndefined(v) || goja.IsNull(v) {
		return Arg{}
	}
	if obj, ok := v.(*goja.Object); ok {
		if obj.ClassName() == "Function" {
			return Arg{Text: v.String()}
		}
		return Arg{Text: env.Marshal(v), Structured: true}
	}
	if _, ok := v.Export().(string); ok {
		return Arg{Text: v.String()}
	}
	return Arg{Text: v.String(), Structured: true}
}

func (r *Registry) callRegisterHook(m *Module) {
	env := r.host.Env()
	published := env.Global(m.Name)
	if published == nil || env.Global(RegisterHook) == nil {
		return
	}
	if _, err := env.Call(RegisterHook, published); err != nil {
		r.logger.Warn("module register hook failed", "module", m.Name, "err", err)
	}
}

// ParseLoad splits a load directive like "hints > iterate" or
// "hints after iterate" into its parts. A precedence needs both a module
// name and a reference.
func ParseLoad(directive string) (name, precedence, ref string, err error) {
	if i := strings.IndexAny(directive, "<>"); i >= 0 {
		name, precedence, ref = strings.TrimSpace(directive[:i]), directive[i:i+1], strings.TrimSpace(directive[i+1:])
	} else {
		fields := strings.Fields(directive)
		switch len(fields) {
		case 0:
			return "", "", "", ErrInvalidName
		case 1:
			return fields[0], "", "", nil
		case 3:
			name, precedence, ref = fields[0], fields[1], fields[2]
		default:
			return "", "", "", fmt.Errorf("%w: %q, expected \"name [before|after ref]\"", ErrInvalidPrecedence, directive)
		}
	}

	switch {
	case name == "":
		return "", "", "", ErrInvalidName
	case ref == "" || strings.ContainsAny(ref, " \t<>"):
		return "", "", "", fmt.Errorf("%w: %q, expected a reference", ErrInvalidPrecedence, directive)
	}
	if _, err := parsePrecedence(precedence); err != nil {
		return "", "", "", err
	}
	return name, precedence, ref, nil
}
