package modules

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jirutka/knot-resolver/base/database/storage/bbolt"
	"github.com/jirutka/knot-resolver/service/bridge"
	"github.com/jirutka/knot-resolver/service/resolver"
)

type testHost struct {
	env *bridge.Env
	res *resolver.Context
	dir string

	deinits int
}

func (h *testHost) Resolver() *resolver.Context { return h.res }
func (h *testHost) Storage() *bbolt.BBolt       { return nil }
func (h *testHost) Env() *bridge.Env            { return h.env }
func (h *testHost) ModuleDir() string           { return h.dir }

func newTestRegistry(t *testing.T) (*Registry, *testHost) {
	t.Helper()

	h := &testHost{
		env: bridge.NewEnv(),
		res: resolver.NewContext(),
		dir: t.TempDir(),
	}
	return NewRegistry(h, nil), h
}

type propsState struct {
	config string
}

func init() {
	for _, name := range []string{"test_a", "test_b", "test_c", "test_d"} {
		RegisterNative(name, func() *Plugin { return &Plugin{} })
	}
	RegisterNative("test_props", func() *Plugin {
		return &Plugin{
			Init: func(_ Host, m *Module) error {
				m.Data = &propsState{}
				return nil
			},
			Config: func(_ Host, m *Module, arg Arg) (string, error) {
				m.Data.(*propsState).config = arg.Text
				return "ignored", nil
			},
			Props: []Prop{
				{Name: "echo", Fn: func(_ Host, _ *Module, arg Arg) (string, error) {
					return arg.Text, nil
				}},
				{Name: "current", Fn: func(_ Host, m *Module, _ Arg) (string, error) {
					return m.Data.(*propsState).config, nil
				}},
				{Name: "fail", Fn: func(Host, *Module, Arg) (string, error) {
					return "", errors.New("boom")
				}},
				{Name: "raw", Fn: func(Host, *Module, Arg) (string, error) {
					return "not json", nil
				}},
			},
		}
	})
	RegisterNative("test_broken", func() *Plugin {
		return &Plugin{
			Init: func(Host, *Module) error {
				return errors.New("init failed")
			},
		}
	})
	RegisterNative("test_deinit", func() *Plugin {
		return &Plugin{
			Deinit: func(h Host, _ *Module) error {
				h.(*testHost).deinits++
				return nil
			},
		}
	})
}

func TestRegisterOrder(t *testing.T) {
	t.Parallel()

	r, _ := newTestRegistry(t)
	require.NoError(t, r.Register("test_a", "", ""))
	require.NoError(t, r.Register("test_b", "", ""))
	require.NoError(t, r.Register("test_c", "", ""))
	assert.Equal(t, []string{"test_a", "test_b", "test_c"}, r.List())

	require.NoError(t, r.Register("test_d", "before", "test_b"))
	assert.Equal(t, []string{"test_a", "test_d", "test_b", "test_c"}, r.List())

	require.NoError(t, r.Register("test_d", ">", "test_c"))
	assert.Equal(t, []string{"test_a", "test_b", "test_c", "test_d"}, r.List())

	require.NoError(t, r.Register("test_d", "after", "test_a"))
	assert.Equal(t, []string{"test_a", "test_d", "test_b", "test_c"}, r.List())

	// Before the first module takes its place.
	require.NoError(t, r.Register("test_c", "<", "test_a"))
	assert.Equal(t, []string{"test_c", "test_a", "test_d", "test_b"}, r.List())

	idx, ok := r.Find("test_d")
	require.True(t, ok)
	assert.Equal(t, 2, idx)
	assert.Equal(t, 4, r.Len())
}

func TestRegisterReplaces(t *testing.T) {
	t.Parallel()

	r, h := newTestRegistry(t)
	require.NoError(t, r.Register("test_a", "", ""))
	require.NoError(t, r.Register("test_deinit", "", ""))
	require.NoError(t, r.Register("test_b", "", ""))

	require.NoError(t, r.Register("test_deinit", "", ""))
	assert.Equal(t, 1, h.deinits)

	// Names stay unique, the module moves to the end.
	assert.Equal(t, []string{"test_a", "test_b", "test_deinit"}, r.List())
}

func TestRegisterErrors(t *testing.T) {
	t.Parallel()

	r, _ := newTestRegistry(t)
	require.NoError(t, r.Register("test_a", "", ""))

	assert.ErrorIs(t, r.Register("", "", ""), ErrInvalidName)
	assert.ErrorIs(t, r.Register("test_b", "around", "test_a"), ErrInvalidPrecedence)
	assert.ErrorIs(t, r.Register("test_b", "after", "missing"), ErrReferenceNotFound)
	assert.ErrorIs(t, r.Register("missing", "", ""), ErrModuleNotFound)

	err := r.Register("test_broken", "", "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "init failed")

	assert.Equal(t, []string{"test_a"}, r.List())
}

func TestUnregister(t *testing.T) {
	t.Parallel()

	r, h := newTestRegistry(t)
	require.NoError(t, r.Register("test_b", "", ""))
	require.NoError(t, r.Register("test_props", "", ""))
	assert.NotNil(t, h.env.Global("test_props"))

	assert.ErrorIs(t, r.Unregister("missing"), ErrNotFound)
	assert.Equal(t, []string{"test_b", "test_props"}, r.List())

	require.NoError(t, r.Unregister("test_props"))
	assert.Equal(t, []string{"test_b"}, r.List())
	assert.Nil(t, h.env.Global("test_props"))
	_, ok := r.Get("test_props")
	assert.False(t, ok)

	_, _, err := r.Dispatch("test_props", "echo", Arg{Text: "x"})
	assert.ErrorIs(t, err, ErrEntryNotFound)
}

func TestUnloadAll(t *testing.T) {
	t.Parallel()

	r, h := newTestRegistry(t)
	require.NoError(t, r.Register("test_props", "", ""))
	require.NoError(t, r.Register("test_deinit", "", ""))

	r.UnloadAll()
	assert.Zero(t, r.Len())
	assert.Equal(t, 1, h.deinits)
	assert.Nil(t, h.env.Global("test_props"))
}

func TestDispatchThroughEnv(t *testing.T) {
	t.Parallel()

	r, h := newTestRegistry(t)
	require.NoError(t, r.Register("test_props", "", ""))
	env := h.env

	// Ordered, config must run before current.
	for _, tc := range []struct {
		cmd  string
		want string
	}{
		{"test_props.echo({a: 1, b: [1, 2]})", `{"a":1,"b":[1,2]}`},
		{"test_props.echo('hi')", `"hi"`},
		{"test_props.echo(42)", `42`},
		{"test_props.echo()", `null`},
		{"test_props.raw()", `"not json"`},
		{"test_props.config({x: 1})", `null`},
		{"test_props.current()", `{"x":1}`},
	} {
		v, err := env.Eval(tc.cmd, false)
		require.NoError(t, err, tc.cmd)
		assert.Equal(t, tc.want, env.Marshal(v), tc.cmd)
	}

	_, err := env.Eval("test_props.fail()", false)
	require.Error(t, err)
	assert.Equal(t, "boom", err.Error())

	// A stale reference fails once the module is gone.
	_, err = env.Eval("var stale = test_props.echo", false)
	require.NoError(t, err)
	require.NoError(t, r.Unregister("test_props"))
	_, err = env.Eval("stale('x')", false)
	require.Error(t, err)
	assert.Contains(t, err.Error(), ErrEntryNotFound.Error())
}

func TestDispatchKinds(t *testing.T) {
	t.Parallel()

	r, _ := newTestRegistry(t)
	require.NoError(t, r.Register("test_props", "", ""))

	m, ok := r.Get("test_props")
	require.True(t, ok)
	assert.True(t, m.Configurable())
	assert.True(t, m.Queryable())
	assert.Equal(t, []string{"echo", "current", "fail", "raw"}, m.Props())

	result, ok, err := r.Dispatch("test_props", "config", Arg{Text: `{"x":1}`, Structured: true})
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Nil(t, result)

	result, ok, err = r.Dispatch("test_props", "current", Arg{})
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, `{"x":1}`, bridge.Encode(result))
}

func TestRegisterHook(t *testing.T) {
	t.Parallel()

	r, h := newTestRegistry(t)
	_, err := h.env.Eval(`var registered = []; function modules_register(m) { registered.push(typeof m.echo) }`, false)
	require.NoError(t, err)

	require.NoError(t, r.Register("test_props", "", ""))
	// Modules without entry points are not published.
	require.NoError(t, r.Register("test_a", "", ""))

	v, err := h.env.Eval("registered", false)
	require.NoError(t, err)
	assert.Equal(t, `["function"]`, h.env.Marshal(v))

	// A failing hook does not undo the registration.
	_, err = h.env.Eval(`modules_register = function() { throw new Error('hook') }`, false)
	require.NoError(t, err)
	require.NoError(t, r.Register("test_props", "", ""))
	assert.Equal(t, []string{"test_a", "test_props"}, r.List())
}

func TestScriptedModule(t *testing.T) {
	t.Parallel()

	r, h := newTestRegistry(t)
	src := `
var greeting = "hello";
exports.init = function() { greeting = "hi" };
exports.config = function(conf) { greeting = conf.greeting };
exports.greet = function(name) { return greeting + " " + name };
exports.kind = function(v) { return typeof v + ":" + JSON.stringify(v) };
exports.version = 3;
`
	require.NoError(t, os.WriteFile(filepath.Join(h.dir, "greeter.js"), []byte(src), 0o600))

	require.NoError(t, r.Register("greeter", "", ""))
	m, ok := r.Get("greeter")
	require.True(t, ok)
	assert.Equal(t, []string{"greet", "kind"}, m.Props())

	v, err := h.env.Eval("greeter.greet('bob')", false)
	require.NoError(t, err)
	assert.Equal(t, "hi bob", v.String())

	_, err = h.env.Eval("greeter.config({greeting: 'ahoy'})", false)
	require.NoError(t, err)
	v, err = h.env.Eval("greeter.greet('bob')", false)
	require.NoError(t, err)
	assert.Equal(t, "ahoy bob", v.String())

	// Strings reach the script as they were given, even when they look
	// like JSON.
	for cmd, want := range map[string]string{
		`greeter.kind('123')`:    `string:"123"`,
		`greeter.kind('true')`:   `string:"true"`,
		`greeter.kind('"q"')`:    `string:"\"q\""`,
		`greeter.kind('[1')`:     `string:"[1"`,
		`greeter.kind(123)`:      `number:123`,
		`greeter.kind(false)`:    `boolean:false`,
		`greeter.kind({a: [1]})`: `object:{"a":[1]}`,
		`greeter.kind(['x', 2])`: `object:["x",2]`,
		`greeter.kind()`:         `undefined:undefined`,
	} {
		v, err := h.env.Eval(cmd, false)
		require.NoError(t, err, cmd)
		assert.Equal(t, want, v.String(), cmd)
	}
}

func TestScriptedModuleErrors(t *testing.T) {
	t.Parallel()

	r, h := newTestRegistry(t)
	require.NoError(t, os.WriteFile(filepath.Join(h.dir, "broken.js"), []byte("exports = 1; (("), 0o600))

	err := r.Register("broken", "", "")
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrModuleNotFound)
	assert.Zero(t, r.Len())
}

func TestParseLoad(t *testing.T) {
	t.Parallel()

	for directive, want := range map[string][3]string{
		"hints":                {"hints", "", ""},
		"hints > iterate":      {"hints", ">", "iterate"},
		"hints<iterate":        {"hints", "<", "iterate"},
		"hints after iterate":  {"hints", "after", "iterate"},
		" hints before cache ": {"hints", "before", "cache"},
		"hints AFTER iterate":  {"hints", "AFTER", "iterate"},
	} {
		name, precedence, ref, err := ParseLoad(directive)
		require.NoError(t, err, directive)
		assert.Equal(t, want, [3]string{name, precedence, ref}, directive)
	}

	for directive, want := range map[string]error{
		"":                      ErrInvalidName,
		"  ":                    ErrInvalidName,
		"> iterate":             ErrInvalidName,
		"hints before":          ErrInvalidPrecedence,
		"hints iterate":         ErrInvalidPrecedence,
		"hints >":               ErrInvalidPrecedence,
		"hints > iterate cache": ErrInvalidPrecedence,
		"hints before a b":      ErrInvalidPrecedence,
		"hints around iterate":  ErrInvalidPrecedence,
	} {
		_, _, _, err := ParseLoad(directive)
		assert.ErrorIs(t, err, want, directive)
	}
}
