package migrate

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"wirtbot/pkg/model"
)

// Step upgrades documents declared older than Before. Apply must be idempotent
// and touch only the concern the step owns.
type Step struct {
	Before string
	Name   string
	Apply  func(doc Document) error
}

// legacyDeviceNamespace seeds ids for keyed devices written by the installer.
var legacyDeviceNamespace = uuid.MustParse("4f1f3c1e-7a5e-4c36-9d0c-2b9f0b6f4a10")

// DefaultSteps is the full chain, oldest first.
func DefaultSteps() []Step {
	return []Step{
		{Before: "1.4.2", Name: "legacy device ids", Apply: assignLegacyDeviceIDs},
		{Before: "1.4.2", Name: "installer network defaults", Apply: installerNetworkDefaults},
		{Before: "2.3.4", Name: "ipv4 octet tuples", Apply: octetTuples},
		{Before: "2.5.0", Name: "subnet separators and dns defaults", Apply: subnetsAndDNSDefaults},
		{Before: "2.6.0", Name: "collection defaults", Apply: collectionDefaults},
	}
}

// assignLegacyDeviceIDs gives installer-written devices, which carry keys but no
// id, a stable id derived from their public key. Drafts without keys stay drafts.
func assignLegacyDeviceIDs(doc Document) error {
	devices, _ := doc["devices"].([]interface{})
	for _, raw := range devices {
		dev, ok := raw.(map[string]interface{})
		if !ok {
			continue
		}
		if id, _ := dev["id"].(string); id != "" {
			continue
		}
		keys, _ := dev["keys"].(map[string]interface{})
		pub, _ := keys["public"].(string)
		if pub == "" {
			continue
		}
		dev["id"] = uuid.NewSHA1(legacyDeviceNamespace, []byte(pub)).String()
	}
	return nil
}

// installerNetworkDefaults fills the DNS settings the installer never wrote
// with the values a fresh topology starts with.
func installerNetworkDefaults(doc Document) error {
	fresh := model.NewTopology("").Network.DNS
	dns := ensureObject(doc, "network", "dns")
	if absent(dns, "name") {
		dns["name"] = fresh.Name
	}
	if ip := ensureObject(dns, "ip"); absent(ip, "v4") {
		v4 := make([]interface{}, len(fresh.IP.V4))
		for i, n := range fresh.IP.V4 {
			v4[i] = float64(n)
		}
		ip["v4"] = v4
	}
	if absent(dns, "tlsName") {
		dns["tlsName"] = fresh.TLSName
	}
	if absent(dns, "tls") {
		dns["tls"] = fresh.TLS
	}
	return nil
}

// octetTuples rewrites dotted IPv4 strings, and arrays of octet strings, as numeric tuples.
func octetTuples(doc Document) error {
	for _, path := range [][]string{{"server", "ip"}, {"network", "dns", "ip"}} {
		obj := object(doc, path...)
		if obj == nil || absent(obj, "v4") {
			continue
		}
		tuple, err := toTuple(obj["v4"])
		if err != nil {
			return fmt.Errorf("%s.v4: %w", strings.Join(path, "."), err)
		}
		obj["v4"] = tuple
	}
	return nil
}

func toTuple(v interface{}) ([]interface{}, error) {
	switch t := v.(type) {
	case string:
		octets, err := model.ParseOctets(t)
		if err != nil {
			return nil, err
		}
		out := make([]interface{}, len(octets))
		for i, n := range octets {
			out[i] = float64(n)
		}
		return out, nil
	case []interface{}:
		out := make([]interface{}, len(t))
		for i, item := range t {
			switch o := item.(type) {
			case string:
				if strings.TrimSpace(o) == "" {
					out[i] = nil
					continue
				}
				n, err := strconv.Atoi(strings.TrimSpace(o))
				if err != nil {
					return nil, fmt.Errorf("octet %q: %w", o, err)
				}
				out[i] = float64(n)
			default:
				out[i] = item
			}
		}
		return out, nil
	default:
		return nil, fmt.Errorf("unsupported ipv4 value %v", v)
	}
}

// subnetsAndDNSDefaults strips the trailing "." / ":" that subnets carried and
// defaults the ignored zones and adblock switch introduced with 2.5.0.
func subnetsAndDNSDefaults(doc Document) error {
	if subnet := object(doc, "server", "subnet"); subnet != nil {
		if v4, ok := subnet["v4"].(string); ok {
			subnet["v4"] = model.TrimSubnetV4(v4)
		}
		if v6, ok := subnet["v6"].(string); ok {
			subnet["v6"] = model.TrimSubnetV6(v6)
		}
	}
	dns := ensureObject(doc, "network", "dns")
	if absent(dns, "ignoredZones") {
		dns["ignoredZones"] = stringList(model.DefaultIgnoredZones)
	}
	if absent(dns, "adblock") {
		dns["adblock"] = true
	}
	return nil
}

// collectionDefaults replaces absent list fields with empty lists and splits
// device DNS server lists that were stored as one comma separated string.
func collectionDefaults(doc Document) error {
	dns := ensureObject(doc, "network", "dns")
	for _, key := range []string{"blockLists", "blockHosts"} {
		if absent(dns, key) {
			dns[key] = []interface{}{}
		}
	}
	devices, _ := doc["devices"].([]interface{})
	for _, raw := range devices {
		dev, ok := raw.(map[string]interface{})
		if !ok {
			continue
		}
		switch servers := dev["additionalDNSServers"].(type) {
		case nil:
			dev["additionalDNSServers"] = []interface{}{}
		case string:
			// form input persisted verbatim: "4.4.4.4,5.5.5.5"
			var list []string
			for _, s := range strings.Split(servers, ",") {
				if s = strings.TrimSpace(s); s != "" {
					list = append(list, s)
				}
			}
			dev["additionalDNSServers"] = stringList(list)
		}
	}
	if absent(doc, "devices") {
		doc["devices"] = []interface{}{}
	}
	return nil
}
