package detector

import (
	"encoding/json"
	"sort"
)

// IPSet is an unordered set of IP strings.
type IPSet map[string]struct{}

// NewIPSet returns a set holding ips.
func NewIPSet(ips ...string) IPSet {
	s := make(IPSet, len(ips))
	for _, ip := range ips {
		s[ip] = struct{}{}
	}
	return s
}

func (s IPSet) Add(ip string) {
	s[ip] = struct{}{}
}

func (s IPSet) Has(ip string) bool {
	_, ok := s[ip]
	return ok
}

// Sorted returns the members in lexical order.
func (s IPSet) Sorted() []string {
	ips := make([]string, 0, len(s))
	for ip := range s {
		ips = append(ips, ip)
	}
	sort.Strings(ips)
	return ips
}

// Intersect returns the IPs present in both sets.
func (s IPSet) Intersect(other IPSet) IPSet {
	out := make(IPSet)
	for ip := range s {
		if other.Has(ip) {
			out.Add(ip)
		}
	}
	return out
}

// Union returns the IPs present in either set.
func (s IPSet) Union(other IPSet) IPSet {
	out := make(IPSet, len(s)+len(other))
	for ip := range s {
		out.Add(ip)
	}
	for ip := range other {
		out.Add(ip)
	}
	return out
}

// MarshalJSON encodes the set as a sorted array.
func (s IPSet) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.Sorted())
}

// UnmarshalJSON decodes an array of IPs.
func (s *IPSet) UnmarshalJSON(data []byte) error {
	var ips []string
	if err := json.Unmarshal(data, &ips); err != nil {
		return err
	}
	*s = NewIPSet(ips...)
	return nil
}
