package resolver

import (
	"errors"
	"fmt"
	"io"
	"os"
	"sort"

	"github.com/miekg/dns"
)

var (
	// ErrInvalidAnchor is returned for trust anchors that are not a valid DS or DNSKEY record.
	ErrInvalidAnchor = errors.New("failed to process trust anchor RR")

	// ErrInvalidOwner is returned for trust anchor owners that are not a valid domain name.
	ErrInvalidOwner = errors.New("invalid trust anchor owner")
)

// Anchors is a set of DNSSEC trust anchors, keyed by owner name.
type Anchors struct {
	set map[string][]dns.RR
}

// NewAnchors returns an empty set.
func NewAnchors() *Anchors {
	return &Anchors{
		set: make(map[string][]dns.RR),
	}
}

// Add parses a DS or DNSKEY record in presentation format and adds it.
func (a *Anchors) Add(text string) error {
	rr, err := dns.NewRR(text)
	if err != nil || rr == nil {
		return ErrInvalidAnchor
	}
	return a.AddRR(rr)
}

// AddRR adds a parsed DS or DNSKEY record.
func (a *Anchors) AddRR(rr dns.RR) error {
	switch rr.Header().Rrtype {
	case dns.TypeDS, dns.TypeDNSKEY:
	default:
		return ErrInvalidAnchor
	}

	owner := dns.CanonicalName(rr.Header().Name)
	for _, existing := range a.set[owner] {
		if dns.IsDuplicate(existing, rr) {
			return nil
		}
	}
	a.set[owner] = append(a.set[owner], rr)
	return nil
}

// Remove removes all anchors of an owner. It returns whether there were any.
func (a *Anchors) Remove(owner string) (bool, error) {
	if _, ok := dns.IsDomainName(owner); !ok {
		return false, ErrInvalidOwner
	}
	owner = dns.CanonicalName(owner)
	_, ok := a.set[owner]
	delete(a.set, owner)
	return ok, nil
}

// Get returns the anchors of an owner.
func (a *Anchors) Get(owner string) []dns.RR {
	return a.set[dns.CanonicalName(owner)]
}

// Owners returns all owners in sorted order.
func (a *Anchors) Owners() []string {
	owners := make([]string, 0, len(a.set))
	for owner := range a.set {
		owners = append(owners, owner)
	}
	sort.Strings(owners)
	return owners
}

// Len returns the number of owners with anchors.
func (a *Anchors) Len() int {
	return len(a.set)
}

// Load adds all DS and DNSKEY records of a zone file. Other record types are
// skipped. It returns the number of added records.
func (a *Anchors) Load(r io.Reader, name string) (int, error) {
	var added int
	zp := dns.NewZoneParser(r, ".", name)
	for rr, ok := zp.Next(); ok; rr, ok = zp.Next() {
		if err := a.AddRR(rr); err != nil {
			continue
		}
		added++
	}
	if err := zp.Err(); err != nil {
		return added, fmt.Errorf("%w: %w", ErrInvalidAnchor, err)
	}
	return added, nil
}

// LoadFile is like Load, but reads the named file.
func (a *Anchors) LoadFile(path string) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer func() {
		_ = f.Close()
	}()
	return a.Load(f, path)
}
