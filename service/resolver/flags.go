package resolver

// Flag is a query option of the resolution pipeline.
type Flag uint32

// Query options.
const (
	NoMinimize Flag = 1 << iota
	NoThrottle
	NoIPv6
	NoIPv4
	TCP
	Resolved
	AwaitIPv4
	AwaitIPv6
	AwaitCut
	SafeMode
	Cached
	NoCache
	Expiring
	AllowLocal
	DNSSECWant
	DNSSECBogus
	DNSSECInsecure
)

var flagNames = []struct {
	name string
	flag Flag
}{
	{"NO_MINIMIZE", NoMinimize},
	{"NO_THROTTLE", NoThrottle},
	{"NO_IPV6", NoIPv6},
	{"NO_IPV4", NoIPv4},
	{"TCP", TCP},
	{"RESOLVED", Resolved},
	{"AWAIT_IPV4", AwaitIPv4},
	{"AWAIT_IPV6", AwaitIPv6},
	{"AWAIT_CUT", AwaitCut},
	{"SAFEMODE", SafeMode},
	{"CACHED", Cached},
	{"NO_CACHE", NoCache},
	{"EXPIRING", Expiring},
	{"ALLOW_LOCAL", AllowLocal},
	{"DNSSEC_WANT", DNSSECWant},
	{"DNSSEC_BOGUS", DNSSECBogus},
	{"DNSSEC_INSECURE", DNSSECInsecure},
}

// FlagByName looks up an option by its name.
func FlagByName(name string) (Flag, bool) {
	for _, fn := range flagNames {
		if fn.name == name {
			return fn.flag, true
		}
	}
	return 0, false
}

// FlagNames returns the names of all options.
func FlagNames() []string {
	names := make([]string, 0, len(flagNames))
	for _, fn := range flagNames {
		names = append(names, fn.name)
	}
	return names
}

// Names returns the names of the options set in f.
func (f Flag) Names() []string {
	var names []string
	for _, fn := range flagNames {
		if f&fn.flag != 0 {
			names = append(names, fn.name)
		}
	}
	return names
}
