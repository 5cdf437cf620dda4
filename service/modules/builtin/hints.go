package builtin

import (
	"errors"

	"github.com/jirutka/knot-resolver/service/bridge"
	"github.com/jirutka/knot-resolver/service/modules"
)

// ErrMissingArgument is returned by properties called without their argument.
var ErrMissingArgument = errors.New("missing argument")

func init() {
	modules.RegisterNative("hints", func() *modules.Plugin {
		return &modules.Plugin{
			Deinit: func(h modules.Host, _ *modules.Module) error {
				h.Resolver().Hints.Clear()
				return nil
			},
			Config: hintsConfig,
			Props: []modules.Prop{
				{Name: "get", Fn: hintsGet},
				{Name: "set", Fn: hintsSet},
				{Name: "del", Fn: hintsDel},
				{Name: "list", Fn: hintsList},
			},
		}
	})
}

// hintsConfig loads a hosts file.
func hintsConfig(h modules.Host, _ *modules.Module, path modules.Arg) (string, error) {
	if path.Text == "" {
		return "", nil
	}
	_, err := h.Resolver().Hints.LoadFile(path.Text)
	return "", err
}

func hintsGet(h modules.Host, _ *modules.Module, name modules.Arg) (string, error) {
	if name.Text == "" {
		return "", ErrMissingArgument
	}
	return bridge.Encode(h.Resolver().Hints.Get(name.Text)), nil
}

func hintsSet(h modules.Host, _ *modules.Module, pair modules.Arg) (string, error) {
	if err := h.Resolver().Hints.Set(pair.Text); err != nil {
		return "", err
	}
	return "true", nil
}

func hintsDel(h modules.Host, _ *modules.Module, name modules.Arg) (string, error) {
	if name.Text == "" {
		return "", ErrMissingArgument
	}
	return bridge.Encode(h.Resolver().Hints.Del(name.Text)), nil
}

func hintsList(h modules.Host, _ *modules.Module, _ modules.Arg) (string, error) {
	hints := h.Resolver().Hints
	obj := bridge.NewObject()
	for _, name := range hints.Names() {
		obj.Set(name, hints.Get(name))
	}
	return bridge.Encode(obj), nil
}
