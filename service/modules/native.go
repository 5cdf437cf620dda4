package modules

import (
	"sort"
	"sync"
)

var (
	natives     = make(map[string]func() *Plugin)
	nativesLock sync.RWMutex
)

// RegisterNative makes a compiled-in plugin available under name.
// It is meant to be called from init functions and panics on duplicates.
func RegisterNative(name string, factory func() *Plugin) {
	nativesLock.Lock()
	defer nativesLock.Unlock()

	if _, ok := natives[name]; ok {
		panic("modules: native plugin registered twice: " + name)
	}
	natives[name] = factory
}

// Natives returns the names of all compiled-in plugins.
func Natives() []string {
	nativesLock.RLock()
	defer nativesLock.RUnlock()

	names := make([]string, 0, len(natives))
	for name := range natives {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func loadNative(name string) (*Plugin, bool) {
	nativesLock.RLock()
	defer nativesLock.RUnlock()

	factory, ok := natives[name]
	if !ok {
		return nil, false
	}
	return factory(), true
}
