package resolver

import (
	"github.com/bluele/gcache"
)

// Sizes of the server selection tables.
const (
	RTTTableSize    = 4096
	RepTableSize    = RTTTableSize / 4
	CookieTableSize = RTTTableSize
)

// EDNS defaults.
const (
	EDNSPayload = 4096
	EDNSVersion = 0
)

// Context is the resolution context configured by the control plane and
// consumed by the resolution pipeline.
type Context struct {
	Options     Flag
	EDNSPayload uint16

	TrustAnchors    *Anchors
	NegativeAnchors map[string]struct{}
	Hints           *Hints
	RootHints       *Hints

	// RTT maps nameserver addresses to their smoothed RTT score.
	RTT gcache.Cache
	// Reputation maps nameserver names to their reputation flags.
	Reputation gcache.Cache
	// Cookies maps nameserver addresses to their last seen DNS cookie.
	Cookies gcache.Cache
}

// NewContext returns a resolution context with default settings.
func NewContext() *Context {
	return &Context{
		EDNSPayload:     EDNSPayload,
		TrustAnchors:    NewAnchors(),
		NegativeAnchors: make(map[string]struct{}),
		Hints:           NewHints(),
		RootHints:       NewRootHints(),
		RTT:             gcache.New(RTTTableSize).LRU().Build(),
		Reputation:      gcache.New(RepTableSize).LRU().Build(),
		Cookies:         gcache.New(CookieTableSize).LRU().Build(),
	}
}

// SetOption sets or clears an option.
func (c *Context) SetOption(f Flag, on bool) {
	if on {
		c.Options |= f
	} else {
		c.Options &^= f
	}
}

// HasOption reports whether all bits of f are set.
func (c *Context) HasOption(f Flag) bool {
	return c.Options&f == f
}

// Purge empties all server selection tables.
func (c *Context) Purge() {
	c.RTT.Purge()
	c.Reputation.Purge()
	c.Cookies.Purge()
}
