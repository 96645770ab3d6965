package topology

import (
	"wirtbot/pkg/derive"
	"wirtbot/pkg/push"
)

// Intent names a kind of mutation. Each has a fixed set of stale artifacts.
type Intent string

const (
	IntentServerAddressing Intent = "server.addressing"
	IntentServerMeta       Intent = "server.meta"
	IntentServerKeys       Intent = "server.keys"
	IntentDeviceAdd        Intent = "device.add"
	IntentDeviceUpdate     Intent = "device.update"
	IntentDeviceRemove     Intent = "device.remove"
	IntentDeviceDrafts     Intent = "device.drafts"
	IntentDNSZone          Intent = "dns.zone"
	IntentDNSSettings      Intent = "dns.settings"
	IntentBackupImport     Intent = "backup.import"
	IntentResync           Intent = "resync"
)

type invalidation struct {
	server     bool
	dns        bool
	device     bool // the intent's own device
	allDevices bool
	push       []push.Kind
}

var both = []push.Kind{push.KindServer, push.KindDNS}

// invalidations maps every intent to what it makes stale. Server addressing
// and keys touch every config; a zone rename moves the push destination, so
// the server config is pushed again as well.
var invalidations = map[Intent]invalidation{
	IntentServerAddressing: {server: true, dns: true, allDevices: true, push: both},
	IntentServerKeys:       {server: true, dns: true, allDevices: true, push: both},
	IntentServerMeta:       {},
	IntentDeviceAdd:        {server: true, dns: true, device: true, push: both},
	IntentDeviceUpdate:     {server: true, dns: true, device: true, push: both},
	IntentDeviceRemove:     {server: true, dns: true, push: both},
	IntentDeviceDrafts:     {},
	IntentDNSZone:          {dns: true, push: both},
	IntentDNSSettings:      {dns: true, push: []push.Kind{push.KindDNS}},
	IntentBackupImport:     {server: true, dns: true, allDevices: true, push: both},
	IntentResync:           {server: true, dns: true, allDevices: true, push: both},
}

func scopeFor(intent Intent, deviceID string) derive.Scope {
	inv := invalidations[intent]
	s := derive.Scope{Server: inv.server, DNS: inv.dns, All: inv.allDevices}
	if inv.device && deviceID != "" {
		s.Devices = []string{deviceID}
	}
	return s
}

// changed lists the artifacts a scope rebuilt, for events.
func changed(s derive.Scope) []string {
	var out []string
	if s.Server {
		out = append(out, "server")
	}
	if s.DNS {
		out = append(out, "dns")
	}
	if s.All {
		out = append(out, "devices")
	} else {
		for _, id := range s.Devices {
			out = append(out, "device:"+id)
		}
	}
	return out
}
