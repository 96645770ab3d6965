package model

import (
	"sort"
	"strings"
)

// DefaultIgnoredZones are resolved locally instead of through the upstream resolver.
var DefaultIgnoredZones = []string{"fritz.box", "home", "lan", "local"}

// DNSIP is the upstream resolver address.
type DNSIP struct {
	V4 Octets `json:"v4"`
	V6 string `json:"v6,omitempty"`
}

// DNS configures the CoreDNS instance running on the WirtBot.
type DNS struct {
	Name         string   `json:"name"`
	IP           DNSIP    `json:"ip"`
	TLSName      string   `json:"tlsName"`
	TLS          bool     `json:"tls"`
	IgnoredZones []string `json:"ignoredZones"`
	Adblock      bool     `json:"adblock"`
	BlockLists   []string `json:"blockLists"`
	BlockHosts   []string `json:"blockHosts"`
}

// Network groups network wide settings.
type Network struct {
	DNS DNS `json:"dns"`
}

// Zone is the internal zone suffix without surrounding dots.
func (d DNS) Zone() string {
	return strings.Trim(strings.TrimSpace(d.Name), ".")
}

// SortedSet returns a trimmed, deduplicated and sorted copy of items.
func SortedSet(items []string) []string {
	seen := make(map[string]bool, len(items))
	out := make([]string, 0, len(items))
	for _, it := range items {
		it = strings.TrimSpace(it)
		if it == "" || seen[it] {
			continue
		}
		seen[it] = true
		out = append(out, it)
	}
	sort.Strings(out)
	return out
}

func (n Network) clone() Network {
	c := n
	c.DNS.IP.V4 = n.DNS.IP.V4.clone()
	c.DNS.IgnoredZones = cloneStrings(n.DNS.IgnoredZones)
	c.DNS.BlockLists = cloneStrings(n.DNS.BlockLists)
	c.DNS.BlockHosts = cloneStrings(n.DNS.BlockHosts)
	return c
}

func cloneStrings(s []string) []string {
	if s == nil {
		return nil
	}
	return append([]string{}, s...)
}
