// Package derive maps a topology to the configuration texts derived from it.
package derive

import (
	"wirtbot/pkg/dns"
	"wirtbot/pkg/model"
	"wirtbot/pkg/wireguard"
)

// Renderer produces artifact texts. Implementations must be pure: the same
// inputs always yield the same text.
type Renderer interface {
	ServerConfig(server model.Server, devices []model.Device) (string, error)
	DeviceConfig(device model.Device, server model.Server) (string, error)
	DNSZone(server model.Server, devices []model.Device, network model.Network) (string, error)
}

type defaultRenderer struct{}

// DefaultRenderer renders wg-quick configs and a CoreDNS Corefile.
func DefaultRenderer() Renderer { return defaultRenderer{} }

func (defaultRenderer) ServerConfig(s model.Server, d []model.Device) (string, error) {
	return wireguard.ServerConfig(s, d)
}

func (defaultRenderer) DeviceConfig(d model.Device, s model.Server) (string, error) {
	return wireguard.DeviceConfig(d, s)
}

func (defaultRenderer) DNSZone(s model.Server, d []model.Device, n model.Network) (string, error) {
	return dns.Corefile(s, d, n)
}

// Artifacts are the cached derived texts. They are rebuilt from the topology
// and never edited directly.
type Artifacts struct {
	Server  string            `json:"server"`
	DNS     string            `json:"dns"`
	Devices map[string]string `json:"devices"`
}

// Clone returns a copy that shares nothing with a.
func (a Artifacts) Clone() Artifacts {
	c := a
	c.Devices = make(map[string]string, len(a.Devices))
	for k, v := range a.Devices {
		c.Devices[k] = v
	}
	return c
}
