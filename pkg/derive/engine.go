package derive

import (
	"fmt"

	"github.com/hashicorp/go-multierror"

	"wirtbot/pkg/model"
)

// Engine applies a Renderer to whole topologies.
type Engine struct {
	r Renderer
}

// New returns an engine over r, or the default renderer when r is nil.
func New(r Renderer) *Engine {
	if r == nil {
		r = DefaultRenderer()
	}
	return &Engine{r: r}
}

// ServerConfig renders the server config. Drafts and unkeyed devices are not peers.
func (e *Engine) ServerConfig(t model.Topology) (string, error) {
	return e.r.ServerConfig(t.Server, t.RealDevices())
}

// DNSZone renders the DNS zone file.
func (e *Engine) DNSZone(t model.Topology) (string, error) {
	return e.r.DNSZone(t.Server, t.RealDevices(), t.Network)
}

// Ready reports whether the device config can be rendered: the device has a
// type, an address and keys, and the server has keys and a reachable endpoint.
// While a device is still being filled in its previous config is kept.
func Ready(d model.Device, s model.Server) bool {
	return d.Type != "" && d.IP.V4 != 0 && d.Keys.Complete() && s.Keys.Complete() && s.Endpoint() != ""
}

// DeviceConfig renders the config of the device with id.
func (e *Engine) DeviceConfig(t model.Topology, id string) (string, error) {
	i := t.DeviceIndex(id)
	if i < 0 {
		return "", fmt.Errorf("%w: %s", model.ErrNotFound, id)
	}
	d := t.Devices[i]
	if !Ready(d, t.Server) {
		return "", fmt.Errorf("device %s is not ready to render", id)
	}
	return e.r.DeviceConfig(d, t.Server)
}

// Scope names the artifacts that went stale.
type Scope struct {
	Server  bool
	DNS     bool
	Devices []string // ids; ignored when All is set
	All     bool     // every device
}

// Full is the scope of a wholesale replacement.
var Full = Scope{Server: true, DNS: true, All: true}

// Empty reports whether nothing needs rebuilding.
func (s Scope) Empty() bool {
	return !s.Server && !s.DNS && !s.All && len(s.Devices) == 0
}

// Rebuild recomputes the artifacts in scope on top of prev and returns the new
// set. Device entries of removed devices are dropped. A device that is not
// ready keeps its previous text. Render failures are collected; the matching
// artifact keeps its previous text.
func (e *Engine) Rebuild(t model.Topology, prev Artifacts, scope Scope) (Artifacts, error) {
	next := prev.Clone()
	var result *multierror.Error

	if scope.Server {
		if text, err := e.ServerConfig(t); err != nil {
			result = multierror.Append(result, fmt.Errorf("server config: %w", err))
		} else {
			next.Server = text
		}
	}
	if scope.DNS {
		if text, err := e.DNSZone(t); err != nil {
			result = multierror.Append(result, fmt.Errorf("dns zone: %w", err))
		} else {
			next.DNS = text
		}
	}

	live := make(map[string]bool, len(t.Devices))
	for _, d := range t.Devices {
		if !d.IsDraft() {
			live[d.ID] = true
		}
	}
	for id := range next.Devices {
		if !live[id] {
			delete(next.Devices, id)
		}
	}

	ids := scope.Devices
	if scope.All {
		ids = nil
		for _, d := range t.RealDevices() {
			ids = append(ids, d.ID)
		}
	}
	for _, id := range ids {
		i := t.DeviceIndex(id)
		if i < 0 || !Ready(t.Devices[i], t.Server) {
			continue
		}
		text, err := e.r.DeviceConfig(t.Devices[i], t.Server)
		if err != nil {
			result = multierror.Append(result, fmt.Errorf("device %s config: %w", id, err))
			continue
		}
		next.Devices[id] = text
	}
	return next, result.ErrorOrNil()
}
