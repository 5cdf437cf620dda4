// Package builtin contains the compiled-in modules.
package builtin

import (
	"github.com/jirutka/knot-resolver/service/modules"
)

// Default pipeline stages, in the order they are loaded at startup.
var DefaultStages = []string{"iterate", "validate", "rrcache", "pktcache"}

func init() {
	// Iteration and validation run inside the resolution pipeline and
	// have nothing to configure from here.
	modules.RegisterNative("iterate", func() *modules.Plugin { return &modules.Plugin{} })
	modules.RegisterNative("validate", func() *modules.Plugin { return &modules.Plugin{} })
}
