// Package dns renders the CoreDNS configuration served by the WirtBot.
package dns

import (
	"fmt"
	"sort"
	"strings"

	"wirtbot/pkg/model"
)

// Corefile produces the CoreDNS config for the network: a hosts block naming
// the WirtBot and every real device, the upstream forward, one local block per
// ignored zone and, with adblock on, the block lists and blocked hosts.
func Corefile(server model.Server, devices []model.Device, network model.Network) (string, error) {
	dns := network.DNS
	upstream := dns.IP.V4.String()
	if upstream == "" {
		return "", fmt.Errorf("dns upstream is not set")
	}
	zone := dns.Zone()

	var b strings.Builder
	b.WriteString(". {\n")
	if server.Subnet.V4 != "" {
		b.WriteString("    hosts {\n")
		for _, r := range records(server, devices, zone) {
			fmt.Fprintf(&b, "        %s %s\n", r.addr, r.name)
		}
		if dns.Adblock {
			for _, h := range model.SortedSet(dns.BlockHosts) {
				fmt.Fprintf(&b, "        0.0.0.0 %s\n", h)
			}
		}
		b.WriteString("        fallthrough\n")
		b.WriteString("    }\n")
	}
	if dns.Adblock {
		for _, l := range model.SortedSet(dns.BlockLists) {
			fmt.Fprintf(&b, "    blocklist %s\n", l)
		}
	}
	if dns.TLS && strings.TrimSpace(dns.TLSName) != "" {
		fmt.Fprintf(&b, "    forward . tls://%s {\n", upstream)
		fmt.Fprintf(&b, "        tls_servername %s\n", strings.TrimSpace(dns.TLSName))
		b.WriteString("    }\n")
	} else {
		fmt.Fprintf(&b, "    forward . %s\n", upstream)
	}
	b.WriteString("    cache\n")
	b.WriteString("    errors\n")
	b.WriteString("}\n")

	for _, z := range model.SortedSet(dns.IgnoredZones) {
		fmt.Fprintf(&b, "\n%s {\n", strings.Trim(z, "."))
		b.WriteString("    forward . /etc/resolv.conf\n")
		b.WriteString("    errors\n")
		b.WriteString("}\n")
	}
	return b.String(), nil
}

type record struct {
	addr string
	name string
}

func records(server model.Server, devices []model.Device, zone string) []record {
	var out []record
	if zone != "" {
		out = append(out, record{addr: server.AddressV4(1), name: "wirtbot." + zone})
	}
	var devs []record
	for _, d := range devices {
		if d.IsDraft() || d.IP.V4 == 0 {
			continue
		}
		label := Label(d.Name)
		if label == "" {
			continue
		}
		if zone != "" {
			label += "." + zone
		}
		devs = append(devs, record{addr: server.AddressV4(d.IP.V4), name: label})
	}
	sort.SliceStable(devs, func(i, j int) bool {
		if devs[i].name != devs[j].name {
			return devs[i].name < devs[j].name
		}
		return devs[i].addr < devs[j].addr
	})
	return append(out, devs...)
}

// Label turns a device name into a DNS label: lower case, with anything other
// than letters, digits and hyphens replaced by a hyphen.
func Label(name string) string {
	name = strings.ToLower(strings.TrimSpace(name))
	var b strings.Builder
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '-':
			b.WriteRune(r)
		default:
			b.WriteByte('-')
		}
	}
	return strings.Trim(b.String(), "-")
}
