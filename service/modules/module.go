package modules

import (
	"github.com/jirutka/knot-resolver/base/database/storage/bbolt"
	"github.com/jirutka/knot-resolver/service/bridge"
	"github.com/jirutka/knot-resolver/service/resolver"
)

// Host is the engine as seen by plugins.
type Host interface {
	Resolver() *resolver.Context
	Storage() *bbolt.BBolt
	Env() *bridge.Env
	ModuleDir() string
}

// Arg is the argument of an entry point. An empty Text means none was
// given. Structured is set when Text is a JSON value rather than a plain
// string.
type Arg struct {
	Text       string
	Structured bool
}

func (a Arg) String() string {
	return a.Text
}

// EntryFunc is a module entry point. The result is text, usually JSON. An
// empty result means there is no result.
type EntryFunc func(h Host, m *Module, arg Arg) (string, error)

// EntryKind tells configuration entries from property entries.
type EntryKind uint8

// Entry kinds.
const (
	EntryConfig EntryKind = iota
	EntryProperty
)

func (k EntryKind) String() string {
	switch k {
	case EntryConfig:
		return "config"
	case EntryProperty:
		return "property"
	default:
		return "unknown"
	}
}

// Prop is a named property entry point.
type Prop struct {
	Name string
	Fn   EntryFunc
}

// Plugin holds the implementation of a module.
type Plugin struct {
	Init   func(h Host, m *Module) error
	Deinit func(h Host, m *Module) error
	Config EntryFunc
	Props  []Prop
}

// Module is a loaded pipeline stage or extension.
type Module struct {
	Name string

	// Data is owned by the plugin.
	Data any

	plugin *Plugin
}

// Configurable reports whether the module has a configuration entry point.
func (m *Module) Configurable() bool {
	return m.plugin.Config != nil
}

// Queryable reports whether the module has at least one property.
func (m *Module) Queryable() bool {
	for _, p := range m.plugin.Props {
		if p.Fn != nil {
			return true
		}
	}
	return false
}

// Props returns the names of the module properties.
func (m *Module) Props() []string {
	names := make([]string, 0, len(m.plugin.Props))
	for _, p := range m.plugin.Props {
		if p.Fn != nil && p.Name != "" {
			names = append(names, p.Name)
		}
	}
	return names
}
