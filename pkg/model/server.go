package model

import (
	"net"
	"strconv"
	"strings"
)

// ServerIP is the public address of the WirtBot server.
type ServerIP struct {
	V4 Octets `json:"v4"`
	V6 string `json:"v6"`
}

// Subnet holds the VPN address prefixes without trailing separators,
// e.g. "10.10.0" and "1010:1010:1010:1010".
type Subnet struct {
	V4 string `json:"v4"`
	V6 string `json:"v6"`
}

// TrimSubnetV4 drops the trailing "." older clients and backups wrote.
func TrimSubnetV4(p string) string {
	return strings.TrimRight(strings.TrimSpace(p), ".")
}

// TrimSubnetV6 drops the trailing ":" older clients and backups wrote.
func TrimSubnetV6(p string) string {
	return strings.TrimRight(strings.TrimSpace(p), ":")
}

// Server is the single WireGuard endpoint of a topology.
type Server struct {
	IP       ServerIP `json:"ip"`
	Port     uint16   `json:"port,omitempty"`
	Keys     *KeyPair `json:"keys,omitempty"`
	Hostname string   `json:"hostname"`
	Subnet   Subnet   `json:"subnet"`
	Name     string   `json:"name,omitempty"`
}

// AddressV4 combines the v4 subnet with a host number.
func (s Server) AddressV4(host int) string {
	if s.Subnet.V4 == "" {
		return ""
	}
	return s.Subnet.V4 + "." + strconv.Itoa(host)
}

// AddressV6 combines the v6 subnet with a host suffix.
func (s Server) AddressV6(host int) string {
	if s.Subnet.V6 == "" {
		return ""
	}
	return s.Subnet.V6 + "::" + strconv.Itoa(host)
}

// NetworkV4 is the v4 subnet in CIDR notation.
func (s Server) NetworkV4() string {
	if s.Subnet.V4 == "" {
		return ""
	}
	return s.Subnet.V4 + ".0/24"
}

// NetworkV6 is the v6 subnet in CIDR notation.
func (s Server) NetworkV6() string {
	if s.Subnet.V6 == "" {
		return ""
	}
	return s.Subnet.V6 + "::/64"
}

// Endpoint is the address devices dial. The hostname wins over the raw IP.
func (s Server) Endpoint() string {
	host := strings.TrimSpace(s.Hostname)
	if host == "" {
		host = s.IP.V4.String()
	}
	if host == "" || s.Port == 0 {
		return ""
	}
	return net.JoinHostPort(host, strconv.Itoa(int(s.Port)))
}

func (s Server) clone() Server {
	c := s
	c.IP.V4 = s.IP.V4.clone()
	c.Keys = cloneKeys(s.Keys)
	return c
}
