package builtin

import (
	"errors"
	"strconv"

	"github.com/jirutka/knot-resolver/service/modules"
)

// ErrNoStorage is returned when the engine has no storage backend.
var ErrNoStorage = errors.New("storage not available")

func init() {
	modules.RegisterNative("rrcache", cacheStage)
	modules.RegisterNative("pktcache", cacheStage)
}

// cacheStage keeps its entries in the storage bucket named after the module.
func cacheStage() *modules.Plugin {
	return &modules.Plugin{
		Props: []modules.Prop{
			{Name: "count", Fn: cacheCount},
			{Name: "clear", Fn: cacheClear},
		},
	}
}

func cacheCount(h modules.Host, m *modules.Module, _ modules.Arg) (string, error) {
	db := h.Storage()
	if db == nil {
		return "", ErrNoStorage
	}
	n, err := db.Count(m.Name)
	if err != nil {
		return "", err
	}
	return strconv.Itoa(n), nil
}

func cacheClear(h modules.Host, m *modules.Module, _ modules.Arg) (string, error) {
	db := h.Storage()
	if db == nil {
		return "", ErrNoStorage
	}
	n, err := db.Clear(m.Name)
	if err != nil {
		return "", err
	}
	return strconv.Itoa(n), nil
}
