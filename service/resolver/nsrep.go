package resolver

// Nameserver RTT scores in milliseconds.
const (
	ConnRTTMax = 3000
	NSTimeout  = 95 * ConnRTTMax / 100
	NSLong     = 3 * NSTimeout / 4
	NSUnknown  = NSTimeout / 2
)

// UpdateRTT records a new RTT sample for a nameserver address. The score is
// smoothed with the previous one.
func (c *Context) UpdateRTT(addr string, rtt uint) {
	if rtt > ConnRTTMax {
		rtt = ConnRTTMax
	}
	if prev, ok := c.RTTScore(addr); ok {
		rtt = (prev*3 + rtt) / 4
	}
	_ = c.RTT.Set(addr, rtt)
}

// RTTScore returns the score of a nameserver address.
func (c *Context) RTTScore(addr string) (uint, bool) {
	v, err := c.RTT.Get(addr)
	if err != nil {
		return 0, false
	}
	score, ok := v.(uint)
	return score, ok
}

// EvictBad removes all nameservers with a score worse than NSLong, so that
// they get a new chance after intermittent network issues.
// It returns the number of evicted entries.
func (c *Context) EvictBad() int {
	var evicted int
	for key, v := range c.RTT.GetALL(false) {
		if score, ok := v.(uint); ok && score > NSLong {
			if c.RTT.Remove(key) {
				evicted++
			}
		}
	}
	return evicted
}
