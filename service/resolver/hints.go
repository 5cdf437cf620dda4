package resolver

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"net/netip"
	"os"
	"sort"
	"strings"

	"github.com/miekg/dns"
)

// ErrInvalidHint is returned for hints that are not a name and an address.
var ErrInvalidHint = errors.New("invalid hint")

// Hints are static name to address mappings consulted before resolving.
type Hints struct {
	names map[string][]netip.Addr
}

// NewHints returns an empty set of hints.
func NewHints() *Hints {
	return &Hints{
		names: make(map[string][]netip.Addr),
	}
}

var rootServers = []struct {
	name string
	addr string
}{
	{"a.root-servers.net.", "198.41.0.4"},
	{"a.root-servers.net.", "2001:503:ba3e::2:30"},
	{"b.root-servers.net.", "170.247.170.2"},
	{"c.root-servers.net.", "192.33.4.12"},
	{"d.root-servers.net.", "199.7.91.13"},
	{"e.root-servers.net.", "192.203.230.10"},
	{"f.root-servers.net.", "192.5.5.241"},
	{"g.root-servers.net.", "192.112.36.4"},
	{"h.root-servers.net.", "198.97.190.53"},
	{"i.root-servers.net.", "192.36.148.17"},
	{"j.root-servers.net.", "192.58.128.30"},
	{"k.root-servers.net.", "193.0.14.129"},
	{"l.root-servers.net.", "199.7.83.42"},
	{"m.root-servers.net.", "202.12.27.33"},
}

// NewRootHints returns the addresses of the root servers, the safety belt
// used when no zone cut is known.
func NewRootHints() *Hints {
	h := NewHints()
	for _, rs := range rootServers {
		_ = h.Add(rs.name, rs.addr)
	}
	return h
}

// Add adds an address for a name.
func (h *Hints) Add(name, addr string) error {
	if _, ok := dns.IsDomainName(name); !ok || name == "" {
		return fmt.Errorf("%w: bad name %q", ErrInvalidHint, name)
	}
	ip, err := netip.ParseAddr(addr)
	if err != nil {
		return fmt.Errorf("%w: bad address %q", ErrInvalidHint, addr)
	}

	name = dns.CanonicalName(name)
	for _, existing := range h.names[name] {
		if existing == ip {
			return nil
		}
	}
	h.names[name] = append(h.names[name], ip)
	return nil
}

// Set parses a "name address" pair and adds it.
func (h *Hints) Set(pair string) error {
	fields := strings.Fields(pair)
	if len(fields) != 2 {
		return fmt.Errorf("%w: expected \"name address\"", ErrInvalidHint)
	}
	return h.Add(fields[0], fields[1])
}

// Get returns the addresses of a name.
func (h *Hints) Get(name string) []string {
	addrs := h.names[dns.CanonicalName(name)]
	out := make([]string, 0, len(addrs))
	for _, a := range addrs {
		out = append(out, a.String())
	}
	return out
}

// Del removes all addresses of a name. It returns whether there were any.
func (h *Hints) Del(name string) bool {
	name = dns.CanonicalName(name)
	_, ok := h.names[name]
	delete(h.names, name)
	return ok
}

// Names returns all hinted names in sorted order.
func (h *Hints) Names() []string {
	names := make([]string, 0, len(h.names))
	for name := range h.names {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Len returns the number of hinted names.
func (h *Hints) Len() int {
	return len(h.names)
}

// Clear removes all hints.
func (h *Hints) Clear() {
	h.names = make(map[string][]netip.Addr)
}

// Load adds the entries of a hosts file, "address name [alias...]" per line.
// It returns the number of added mappings.
func (h *Hints) Load(r io.Reader) (int, error) {
	var added int
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line, _, _ := strings.Cut(scanner.Text(), "#")
		fields := strings.Fields(line)
		if len(fields) < 2 {
			continue
		}
		for _, name := range fields[1:] {
			if err := h.Add(name, fields[0]); err == nil {
				added++
			}
		}
	}
	return added, scanner.Err()
}

// LoadFile is like Load, but reads the named file.
func (h *Hints) LoadFile(path string) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer func() {
		_ = f.Close()
	}()
	return h.Load(f)
}
