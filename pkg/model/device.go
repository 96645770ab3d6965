package model

// DeviceType is the client platform of a device.
type DeviceType string

const (
	Android DeviceType = "Android"
	Windows DeviceType = "Windows"
	MacOS   DeviceType = "MacOS"
	IOS     DeviceType = "iOS"
	Linux   DeviceType = "Linux"
	FreeBSD DeviceType = "FreeBSD"
)

// DeviceTypes lists the supported platforms in display order.
var DeviceTypes = []DeviceType{Android, Windows, MacOS, IOS, Linux, FreeBSD}

// Valid reports whether t is one of DeviceTypes.
func (t DeviceType) Valid() bool {
	for _, known := range DeviceTypes {
		if t == known {
			return true
		}
	}
	return false
}

// Mobile reports whether the platform imports configs by QR code.
func (t DeviceType) Mobile() bool {
	return t == Android || t == IOS
}

// DeviceIP holds host numbers inside the server subnet. V6 defaults to V4.
type DeviceIP struct {
	V4 int  `json:"v4"`
	V6 *int `json:"v6,omitempty"`
}

// Device is a VPN client. A device without an ID is a draft.
type Device struct {
	ID                   string     `json:"id,omitempty"`
	Name                 string     `json:"name"`
	IP                   DeviceIP   `json:"ip"`
	Type                 DeviceType `json:"type"`
	Keys                 *KeyPair   `json:"keys,omitempty"`
	Routed               bool       `json:"routed"`
	AdditionalDNSServers []string   `json:"additionalDNSServers"`
	MTU                  *uint16    `json:"MTU,omitempty"`
}

// IsDraft reports whether the device is in-progress form state.
func (d Device) IsDraft() bool {
	return d.ID == ""
}

// HostV6 returns the v6 host suffix.
func (d Device) HostV6() int {
	if d.IP.V6 != nil {
		return *d.IP.V6
	}
	return d.IP.V4
}

// Clone returns a deep copy.
func (d Device) Clone() Device {
	c := d
	c.Keys = cloneKeys(d.Keys)
	if d.IP.V6 != nil {
		v6 := *d.IP.V6
		c.IP.V6 = &v6
	}
	if d.MTU != nil {
		mtu := *d.MTU
		c.MTU = &mtu
	}
	if d.AdditionalDNSServers != nil {
		c.AdditionalDNSServers = append([]string{}, d.AdditionalDNSServers...)
	}
	return c
}
