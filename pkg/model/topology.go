package model

import (
	"encoding/json"
)

// Topology is the canonical state: one server, its devices and the DNS settings.
// Derived configuration texts are not part of it.
type Topology struct {
	Version string   `json:"version"`
	Keys    *KeyPair `json:"keys,omitempty"` // request signing pair trusted by the WirtBot
	Server  Server   `json:"server"`
	Devices []Device `json:"devices"`
	Network Network  `json:"network"`

	// Extras keeps unknown top-level backup fields so export round-trips them.
	Extras map[string]json.RawMessage `json:"-"`
}

var topologyFields = map[string]bool{
	"version": true,
	"keys":    true,
	"server":  true,
	"devices": true,
	"network": true,
}

// NewTopology returns the first-run topology: no keys, no devices.
func NewTopology(version string) Topology {
	return Topology{
		Version: version,
		Server: Server{
			IP:     ServerIP{V4: Octets{}},
			Subnet: Subnet{V4: "10.10.0", V6: "1010:1010:1010:1010"},
		},
		Devices: []Device{},
		Network: Network{DNS: DNS{
			Name:         "wirt.internal",
			IP:           DNSIP{V4: Octets{1, 1, 1, 1}},
			TLSName:      "cloudflare-dns.com",
			TLS:          true,
			IgnoredZones: append([]string{}, DefaultIgnoredZones...),
			Adblock:      true,
			BlockLists:   []string{},
			BlockHosts:   []string{},
		}},
	}
}

// RealDevices returns the devices that carry an ID, in stored order.
func (t Topology) RealDevices() []Device {
	out := make([]Device, 0, len(t.Devices))
	for _, d := range t.Devices {
		if !d.IsDraft() {
			out = append(out, d)
		}
	}
	return out
}

// DeviceIndex returns the position of the device with id, or -1.
func (t Topology) DeviceIndex(id string) int {
	if id == "" {
		return -1
	}
	for i, d := range t.Devices {
		if d.ID == id {
			return i
		}
	}
	return -1
}

// DestinationHost is where derived configs are pushed: the WirtBot name inside
// the internal zone, or the first address of the subnet when no zone is set.
func (t Topology) DestinationHost() string {
	if zone := t.Network.DNS.Zone(); zone != "" {
		return "wirtbot." + zone
	}
	return t.Server.AddressV4(1)
}

// Clone returns a deep copy.
func (t Topology) Clone() Topology {
	c := t
	c.Keys = cloneKeys(t.Keys)
	c.Server = t.Server.clone()
	c.Network = t.Network.clone()
	if t.Devices != nil {
		c.Devices = make([]Device, len(t.Devices))
		for i, d := range t.Devices {
			c.Devices[i] = d.Clone()
		}
	}
	if t.Extras != nil {
		c.Extras = make(map[string]json.RawMessage, len(t.Extras))
		for k, v := range t.Extras {
			c.Extras[k] = append(json.RawMessage{}, v...)
		}
	}
	return c
}

// Redacted returns a copy with every private key removed, for diagnostics and views.
func (t Topology) Redacted() Topology {
	c := t.Clone()
	if c.Keys != nil {
		c.Keys.Private = ""
	}
	if c.Server.Keys != nil {
		c.Server.Keys.Private = ""
	}
	for i := range c.Devices {
		if c.Devices[i].Keys != nil {
			c.Devices[i].Keys.Private = ""
		}
	}
	return c
}

type plainTopology Topology

// MarshalJSON writes the known fields plus any preserved extras, keys sorted.
func (t Topology) MarshalJSON() ([]byte, error) {
	b, err := json.Marshal(plainTopology(t))
	if err != nil || len(t.Extras) == 0 {
		return b, err
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(b, &fields); err != nil {
		return nil, err
	}
	for k, v := range t.Extras {
		if !topologyFields[k] {
			fields[k] = v
		}
	}
	return json.Marshal(fields)
}

// UnmarshalJSON reads the known fields and keeps unknown top-level fields in Extras.
func (t *Topology) UnmarshalJSON(b []byte) error {
	var p plainTopology
	if err := json.Unmarshal(b, &p); err != nil {
		return err
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(b, &fields); err != nil {
		return err
	}
	for k, v := range fields {
		if topologyFields[k] {
			continue
		}
		if p.Extras == nil {
			p.Extras = make(map[string]json.RawMessage)
		}
		p.Extras[k] = v
	}
	*t = Topology(p)
	return nil
}
