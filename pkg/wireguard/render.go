package wireguard

import (
	"fmt"
	"sort"
	"strings"

	"wirtbot/pkg/model"
)

// DefaultKeepalive is sent by every device so NATed clients stay reachable.
const DefaultKeepalive = 25

// ServerConfig produces the wg-quick config of the WirtBot server. Only real,
// keyed devices become peers; they are ordered by host number and then id.
func ServerConfig(server model.Server, devices []model.Device) (string, error) {
	if server.Subnet.V4 == "" {
		return "", fmt.Errorf("server subnet v4 is empty")
	}
	var b strings.Builder
	b.WriteString("[Interface]\n")
	addrs := []string{server.AddressV4(1) + "/24"}
	if server.Subnet.V6 != "" {
		addrs = append(addrs, server.AddressV6(1)+"/64")
	}
	fmt.Fprintf(&b, "Address = %s\n", strings.Join(addrs, ", "))
	if server.Port > 0 {
		fmt.Fprintf(&b, "ListenPort = %d\n", server.Port)
	}
	if server.Keys != nil && server.Keys.Private != "" {
		fmt.Fprintf(&b, "PrivateKey = %s\n", server.Keys.Private)
	}

	for _, d := range Peers(devices) {
		b.WriteString("\n[Peer]\n")
		fmt.Fprintf(&b, "# %s\n", d.Name)
		fmt.Fprintf(&b, "PublicKey = %s\n", d.Keys.Public)
		allowed := []string{server.AddressV4(d.IP.V4) + "/32"}
		if server.Subnet.V6 != "" {
			allowed = append(allowed, server.AddressV6(d.HostV6())+"/128")
		}
		fmt.Fprintf(&b, "AllowedIPs = %s\n", strings.Join(allowed, ", "))
	}
	return b.String(), nil
}

// Peers filters devices down to those the server config lists, in render order.
func Peers(devices []model.Device) []model.Device {
	out := make([]model.Device, 0, len(devices))
	for _, d := range devices {
		if d.IsDraft() || d.Keys == nil || d.Keys.Public == "" || d.IP.V4 == 0 {
			continue
		}
		out = append(out, d)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].IP.V4 != out[j].IP.V4 {
			return out[i].IP.V4 < out[j].IP.V4
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// DeviceConfig produces the wg-quick config a device imports. The server
// hostname takes precedence over its raw IP in the endpoint.
func DeviceConfig(device model.Device, server model.Server) (string, error) {
	if server.Keys == nil || server.Keys.Public == "" {
		return "", fmt.Errorf("no server keys")
	}
	if device.Keys == nil || device.Keys.Private == "" {
		return "", fmt.Errorf("device %s has no keys", device.ID)
	}
	endpoint := server.Endpoint()
	if endpoint == "" {
		return "", fmt.Errorf("server has no endpoint")
	}

	var b strings.Builder
	b.WriteString("[Interface]\n")
	fmt.Fprintf(&b, "PrivateKey = %s\n", device.Keys.Private)
	addrs := []string{server.AddressV4(device.IP.V4)}
	if server.Subnet.V6 != "" {
		addrs = append(addrs, server.AddressV6(device.HostV6()))
	}
	fmt.Fprintf(&b, "Address = %s\n", strings.Join(addrs, ", "))
	dns := []string{server.AddressV4(1)}
	for _, s := range device.AdditionalDNSServers {
		if s = strings.TrimSpace(s); s != "" {
			dns = append(dns, s)
		}
	}
	fmt.Fprintf(&b, "DNS = %s\n", strings.Join(dns, ","))
	if device.MTU != nil {
		fmt.Fprintf(&b, "MTU = %d\n", *device.MTU)
	}

	b.WriteString("\n[Peer]\n")
	fmt.Fprintf(&b, "PublicKey = %s\n", server.Keys.Public)
	fmt.Fprintf(&b, "Endpoint = %s\n", endpoint)
	if device.Routed {
		b.WriteString("AllowedIPs = 0.0.0.0/0, ::/0\n")
	} else {
		allowed := []string{server.NetworkV4()}
		if server.Subnet.V6 != "" {
			allowed = append(allowed, server.NetworkV6())
		}
		fmt.Fprintf(&b, "AllowedIPs = %s\n", strings.Join(allowed, ", "))
	}
	fmt.Fprintf(&b, "PersistentKeepalive = %d\n", DefaultKeepalive)
	return b.String(), nil
}
