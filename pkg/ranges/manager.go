package ranges

import (
	"fmt"
	"net"
	"sort"
	"strings"
	"sync"
)

// IPRange is a CIDR block belonging to a category.
type IPRange struct {
	CIDR        string `json:"cidr"`
	Category    string `json:"category"`
	Description string `json:"description,omitempty"`
}

// RangeManager holds named categories of networks for membership checks.
type RangeManager struct {
	mutex    sync.RWMutex
	ranges   map[string][]IPRange
	compiled map[string][]*net.IPNet
}

// Built in categories.
const (
	CategoryLoopback  = "loopback"
	CategoryPrivate   = "private"
	CategoryLinkLocal = "link-local"
	CategoryWhitelist = "whitelist"
)

var builtin = map[string][]string{
	CategoryLoopback:  {"127.0.0.0/8", "::1/128"},
	CategoryPrivate:   {"10.0.0.0/8", "172.16.0.0/12", "192.168.0.0/16", "fc00::/7"},
	CategoryLinkLocal: {"169.254.0.0/16", "fe80::/10"},
}

// ProtectedCategories are never placed on a block list.
var ProtectedCategories = []string{
	CategoryWhitelist, CategoryLoopback, CategoryPrivate, CategoryLinkLocal,
}

// NewRangeManager creates a manager preloaded with the built in categories.
func NewRangeManager() *RangeManager {
	rm := &RangeManager{
		ranges:   make(map[string][]IPRange),
		compiled: make(map[string][]*net.IPNet),
	}
	for category, cidrs := range builtin {
		if err := rm.AddEntries(category, cidrs); err != nil {
			panic(err)
		}
	}
	return rm
}

// ParseEntry parses an IP or CIDR. A bare IP becomes a host network.
func ParseEntry(entry string) (*net.IPNet, error) {
	entry = strings.TrimSpace(entry)
	if strings.Contains(entry, "/") {
		_, network, err := net.ParseCIDR(entry)
		if err != nil {
			return nil, fmt.Errorf("invalid CIDR %s: %w", entry, err)
		}
		return network, nil
	}

	ip := net.ParseIP(entry)
	if ip == nil {
		return nil, fmt.Errorf("invalid IP address: %s", entry)
	}
	bits := 128
	if v4 := ip.To4(); v4 != nil {
		ip, bits = v4, 32
	}
	return &net.IPNet{IP: ip, Mask: net.CIDRMask(bits, bits)}, nil
}

// AddEntries replaces category with the given IPs and CIDRs.
func (rm *RangeManager) AddEntries(category string, entries []string) error {
	ranges := make([]IPRange, 0, len(entries))
	networks := make([]*net.IPNet, 0, len(entries))
	for _, e := range entries {
		network, err := ParseEntry(e)
		if err != nil {
			return err
		}
		networks = append(networks, network)
		ranges = append(ranges, IPRange{CIDR: network.String(), Category: category})
	}

	rm.mutex.Lock()
	defer rm.mutex.Unlock()
	rm.ranges[category] = ranges
	rm.compiled[category] = networks
	return nil
}

// CheckIP reports which of categories contain ip. Values that are not IPs
// but parse as networks match when the whole network is contained.
func (rm *RangeManager) CheckIP(ip string, categories []string) (bool, []string) {
	target, err := ParseEntry(ip)
	if err != nil {
		return false, nil
	}
	targetOnes, _ := target.Mask.Size()

	rm.mutex.RLock()
	defer rm.mutex.RUnlock()

	var matches []string
	for _, category := range categories {
		for _, network := range rm.compiled[category] {
			ones, _ := network.Mask.Size()
			if network.Contains(target.IP) && ones <= targetOnes {
				matches = append(matches, category)
				break
			}
		}
	}

	return len(matches) > 0, matches
}

// GetAvailableCategories returns all categories in lexical order.
func (rm *RangeManager) GetAvailableCategories() []string {
	rm.mutex.RLock()
	defer rm.mutex.RUnlock()

	categories := make([]string, 0, len(rm.ranges))
	for category := range rm.ranges {
		categories = append(categories, category)
	}
	sort.Strings(categories)
	return categories
}

// GetRangeInfo returns the ranges of a category.
func (rm *RangeManager) GetRangeInfo(category string) ([]IPRange, bool) {
	rm.mutex.RLock()
	defer rm.mutex.RUnlock()
	ranges, exists := rm.ranges[category]
	return ranges, exists
}
