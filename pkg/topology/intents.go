package topology

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"wirtbot/pkg/derive"
	"wirtbot/pkg/logging"
	"wirtbot/pkg/model"
)

// ServerPatch sets the non-nil fields. Keys are provisioned, never patched.
type ServerPatch struct {
	IP       *model.ServerIP `json:"ip,omitempty"`
	Port     *uint16         `json:"port,omitempty"`
	Hostname *string         `json:"hostname,omitempty"`
	Subnet   *model.Subnet   `json:"subnet,omitempty"`
	Name     *string         `json:"name,omitempty"`
}

func (p ServerPatch) addressing() bool {
	return p.IP != nil || p.Port != nil || p.Hostname != nil || p.Subnet != nil
}

func (p ServerPatch) apply(s *model.Server) {
	if p.IP != nil {
		s.IP = *p.IP
		s.IP.V4 = append(model.Octets{}, p.IP.V4...)
	}
	if p.Port != nil {
		s.Port = *p.Port
	}
	if p.Hostname != nil {
		s.Hostname = *p.Hostname
	}
	if p.Subnet != nil {
		s.Subnet = model.Subnet{
			V4: model.TrimSubnetV4(p.Subnet.V4),
			V6: model.TrimSubnetV6(p.Subnet.V6),
		}
	}
	if p.Name != nil {
		s.Name = *p.Name
	}
}

const (
	serverEntity  = "server"
	signingEntity = "signing"
	dnsEntity     = "dns"
)

func deviceEntity(id string) string { return "device:" + id }

// UpdateServer applies p and provisions the server and signing keys on first
// use. If provisioning fails the other fields are still applied, the server
// stays keyless and the returned error wraps ErrKeyProvisioningFailed.
func (s *Store) UpdateServer(ctx context.Context, p ServerPatch) error {
	unlock, err := s.locks.lock(ctx, serverEntity)
	if err != nil {
		return err
	}
	defer unlock()

	s.mu.Lock()
	cur := s.topo.Clone()
	s.mu.Unlock()
	p.apply(&cur.Server)
	if err := cur.Validate(); err != nil {
		return err
	}

	var keyErr error
	serverKeys := cur.Server.Keys
	signingKeys := cur.Keys
	if !serverKeys.Complete() || !signingKeys.Complete() {
		s.mu.Lock()
		s.provisioning++
		s.mu.Unlock()
		if !serverKeys.Complete() {
			kp, err := s.wg.Ensure(ctx, serverEntity, serverKeys)
			if err != nil {
				keyErr = err
			} else {
				serverKeys = &kp
			}
		}
		if keyErr == nil && !signingKeys.Complete() {
			kp, err := s.signing.Ensure(ctx, signingEntity, signingKeys)
			if err != nil {
				keyErr = err
			} else {
				signingKeys = &kp
			}
		}
		s.mu.Lock()
		s.provisioning--
		s.mu.Unlock()
	}

	intent := IntentServerMeta
	switch {
	case keyErr == nil && !cur.Server.Keys.Complete():
		intent = IntentServerKeys
	case p.addressing():
		intent = IntentServerAddressing
	}
	_, err = s.commit(ctx, intent, serverEntity, func(t *model.Topology) error {
		p.apply(&t.Server)
		if keyErr != nil {
			return nil
		}
		if !t.Server.Keys.Complete() {
			t.Server.Keys = serverKeys
		}
		if !t.Keys.Complete() {
			t.Keys = signingKeys
		}
		return nil
	})
	if err != nil {
		return err
	}
	if keyErr != nil {
		s.alerts.AddWarning("Generating the server keys failed. Please try again.")
		return keyErr
	}
	return nil
}

// RotateServerKeys replaces the server key pair. Every device has to import
// its new config afterwards, so this is never done implicitly.
func (s *Store) RotateServerKeys(ctx context.Context) error {
	unlock, err := s.locks.lock(ctx, serverEntity)
	if err != nil {
		return err
	}
	defer unlock()

	s.wg.Forget(serverEntity)
	kp, err := s.wg.Ensure(ctx, serverEntity, nil)
	if err != nil {
		s.alerts.AddWarning("Generating the server keys failed. Please try again.")
		return err
	}
	_, err = s.commit(ctx, IntentServerKeys, serverEntity, func(t *model.Topology) error {
		t.Server.Keys = &kp
		return nil
	})
	return err
}

// DeviceSpec holds the editable fields of a device.
type DeviceSpec struct {
	Name                 string           `json:"name"`
	IP                   model.DeviceIP   `json:"ip"`
	Type                 model.DeviceType `json:"type"`
	Routed               bool             `json:"routed"`
	AdditionalDNSServers []string         `json:"additionalDNSServers"`
	MTU                  *uint16          `json:"MTU,omitempty"`
}

func (d DeviceSpec) apply(dev *model.Device) {
	dev.Name = d.Name
	dev.IP = d.IP
	if d.IP.V6 != nil {
		v6 := *d.IP.V6
		dev.IP.V6 = &v6
	}
	dev.Type = d.Type
	dev.Routed = d.Routed
	dev.AdditionalDNSServers = append([]string{}, d.AdditionalDNSServers...)
	dev.MTU = nil
	if d.MTU != nil {
		mtu := *d.MTU
		dev.MTU = &mtu
	}
}

// AddDevice creates a device with a fresh id and key pair. A host number of
// zero picks the lowest free one. If key generation fails nothing is added.
func (s *Store) AddDevice(ctx context.Context, spec DeviceSpec) (model.Device, error) {
	id := uuid.NewString()
	unlock, err := s.locks.lock(ctx, deviceEntity(id))
	if err != nil {
		return model.Device{}, err
	}
	defer unlock()

	dev := model.Device{ID: id}
	spec.apply(&dev)

	s.mu.Lock()
	if !s.topo.Server.Keys.Complete() {
		s.mu.Unlock()
		s.alerts.AddWarning("Adding the device failed. Set up the server first.")
		return model.Device{}, model.ErrNoServer
	}
	if dev.IP.V4 == 0 {
		dev.IP.V4 = s.freeHostLocked()
	}
	check := s.topo.Clone()
	check.Devices = append(check.Devices, dev)
	if err := s.validateLocked(check); err != nil {
		s.mu.Unlock()
		return model.Device{}, err
	}
	s.reserved[id] = dev
	s.mu.Unlock()

	kp, kerr := s.wg.Ensure(ctx, deviceEntity(id), nil)
	if kerr != nil {
		s.unreserve(id)
		s.wg.Forget(deviceEntity(id))
		s.alerts.AddWarning("Adding the device failed. Generating its keys did not work.")
		return model.Device{}, kerr
	}
	dev.Keys = &kp

	_, err = s.commit(ctx, IntentDeviceAdd, id, func(t *model.Topology) error {
		delete(s.reserved, id)
		t.Devices = append(t.Devices, dev.Clone())
		return nil
	})
	if err != nil {
		s.unreserve(id)
		s.wg.Forget(deviceEntity(id))
		return model.Device{}, err
	}
	return dev.Clone(), nil
}

func (s *Store) unreserve(id string) {
	s.mu.Lock()
	delete(s.reserved, id)
	s.mu.Unlock()
}

// freeHostLocked returns the lowest host number not used by a device or reservation.
func (s *Store) freeHostLocked() int {
	used := make(map[int]bool, len(s.topo.Devices)+len(s.reserved))
	for _, d := range s.topo.Devices {
		used[d.IP.V4] = true
	}
	for _, d := range s.reserved {
		used[d.IP.V4] = true
	}
	for h := model.MinDeviceHost; h <= model.MaxDeviceHost; h++ {
		if !used[h] {
			return h
		}
	}
	return 0
}

// UpdateDevice replaces the editable fields of device id. A device that has
// no keys yet, such as one imported from an installer backup, gets them now;
// if that fails the edit is still applied and the error wraps
// ErrKeyProvisioningFailed.
func (s *Store) UpdateDevice(ctx context.Context, id string, spec DeviceSpec) (model.Device, error) {
	if id == "" {
		return model.Device{}, fmt.Errorf("%w: empty device id", model.ErrValidationFailed)
	}
	unlock, err := s.locks.lock(ctx, deviceEntity(id))
	if err != nil {
		return model.Device{}, err
	}
	defer unlock()

	s.mu.Lock()
	i := s.topo.DeviceIndex(id)
	if i < 0 {
		s.mu.Unlock()
		return model.Device{}, fmt.Errorf("%w: %s", model.ErrNotFound, id)
	}
	check := s.topo.Clone()
	spec.apply(&check.Devices[i])
	current := check.Devices[i].Keys
	serverKeyed := check.Server.Keys.Complete()
	err = s.validateLocked(check)
	s.mu.Unlock()
	if err != nil {
		return model.Device{}, err
	}

	var newKeys *model.KeyPair
	var keyErr error
	if serverKeyed && !current.Complete() {
		kp, err := s.wg.Ensure(ctx, deviceEntity(id), current)
		if err != nil {
			keyErr = err
		} else {
			newKeys = &kp
		}
	}

	var updated model.Device
	_, err = s.commit(ctx, IntentDeviceUpdate, id, func(t *model.Topology) error {
		i := t.DeviceIndex(id)
		if i < 0 {
			return fmt.Errorf("%w: %s", model.ErrNotFound, id)
		}
		spec.apply(&t.Devices[i])
		if newKeys != nil && !t.Devices[i].Keys.Complete() {
			t.Devices[i].Keys = newKeys
		}
		updated = t.Devices[i].Clone()
		return nil
	})
	if err != nil {
		return model.Device{}, err
	}
	if keyErr != nil {
		s.alerts.AddWarning("Generating keys for the device failed. Save it again to retry.")
		return updated, keyErr
	}
	return updated, nil
}

// RemoveDevice drops device id together with its keys.
func (s *Store) RemoveDevice(ctx context.Context, id string) error {
	unlock, err := s.locks.lock(ctx, deviceEntity(id))
	if err != nil {
		return err
	}
	defer unlock()

	_, err = s.commit(ctx, IntentDeviceRemove, id, func(t *model.Topology) error {
		i := t.DeviceIndex(id)
		if i < 0 {
			return fmt.Errorf("%w: %s", model.ErrNotFound, id)
		}
		t.Devices = append(t.Devices[:i:i], t.Devices[i+1:]...)
		return nil
	})
	if err != nil {
		if !errors.Is(err, model.ErrNotFound) {
			s.alerts.AddWarning("Removing the device failed.")
		}
		return err
	}
	s.wg.Forget(deviceEntity(id))
	s.alerts.AddSuccess("Device removed.")
	return nil
}

// RemoveDrafts drops every device without an id. It reports how many were dropped.
func (s *Store) RemoveDrafts(ctx context.Context) (int, error) {
	removed := 0
	_, err := s.commit(ctx, IntentDeviceDrafts, "", func(t *model.Topology) error {
		kept := t.Devices[:0]
		for _, d := range t.Devices {
			if d.IsDraft() {
				removed++
				continue
			}
			kept = append(kept, d)
		}
		t.Devices = kept
		return nil
	})
	if err != nil {
		return 0, err
	}
	return removed, nil
}

// DNSPatch sets the non-nil fields. Set fields are stored trimmed, deduplicated and sorted.
type DNSPatch struct {
	Name         *string      `json:"name,omitempty"`
	IP           *model.DNSIP `json:"ip,omitempty"`
	TLSName      *string      `json:"tlsName,omitempty"`
	TLS          *bool        `json:"tls,omitempty"`
	IgnoredZones *[]string    `json:"ignoredZones,omitempty"`
	Adblock      *bool        `json:"adblock,omitempty"`
	BlockLists   *[]string    `json:"blockLists,omitempty"`
	BlockHosts   *[]string    `json:"blockHosts,omitempty"`
}

func (p DNSPatch) apply(d *model.DNS) {
	if p.Name != nil {
		d.Name = *p.Name
	}
	if p.IP != nil {
		d.IP = *p.IP
		d.IP.V4 = append(model.Octets{}, p.IP.V4...)
	}
	if p.TLSName != nil {
		d.TLSName = *p.TLSName
	}
	if p.TLS != nil {
		d.TLS = *p.TLS
	}
	if p.IgnoredZones != nil {
		d.IgnoredZones = model.SortedSet(*p.IgnoredZones)
	}
	if p.Adblock != nil {
		d.Adblock = *p.Adblock
	}
	if p.BlockLists != nil {
		d.BlockLists = model.SortedSet(*p.BlockLists)
	}
	if p.BlockHosts != nil {
		d.BlockHosts = model.SortedSet(*p.BlockHosts)
	}
}

// UpdateDNS applies p. Renaming the zone moves the push destination, so both
// configs are sent again.
func (s *Store) UpdateDNS(ctx context.Context, p DNSPatch) error {
	unlock, err := s.locks.lock(ctx, dnsEntity)
	if err != nil {
		return err
	}
	defer unlock()

	s.mu.Lock()
	zone := s.topo.Network.DNS.Zone()
	s.mu.Unlock()
	intent := IntentDNSSettings
	if p.Name != nil && (model.DNS{Name: *p.Name}).Zone() != zone {
		intent = IntentDNSZone
	}
	_, err = s.commit(ctx, intent, dnsEntity, func(t *model.Topology) error {
		p.apply(&t.Network.DNS)
		return nil
	})
	return err
}

// ImportBackup migrates raw and replaces the whole topology with it. On
// failure the live topology is untouched and the error wraps ErrUnmigratableBackup.
func (s *Store) ImportBackup(ctx context.Context, raw []byte) error {
	topo, err := s.migrator.Migrate(raw)
	if err != nil {
		return err
	}
	_, err = s.commit(ctx, IntentBackupImport, "", func(t *model.Topology) error {
		*t = topo
		return nil
	})
	if err != nil {
		if errors.Is(err, model.ErrValidationFailed) {
			// clashes with a device that is being added right now
			return fmt.Errorf("%w: %w", model.ErrUnmigratableBackup, err)
		}
		return err
	}
	s.wg.Reset()
	s.signing.Reset()
	return nil
}

// Resync rebuilds every artifact and pushes the server and DNS configs again.
// It is the retry path after a failed push. The new revision is persisted so
// a restarted controller never pushes below what the agent has applied.
func (s *Store) Resync(ctx context.Context) error {
	s.mu.Lock()
	rev := s.revision + 1
	if err := s.persist(s.topo, rev); err != nil {
		s.mu.Unlock()
		return err
	}
	arts, rerr := s.derive.Rebuild(s.topo, s.arts, scopeFor(IntentResync, ""))
	s.arts = arts
	s.revision = rev
	s.audit(ctx, IntentResync, "", rev, "")
	s.enqueueLocked(IntentResync, rev)
	s.mu.Unlock()

	if rerr != nil {
		logging.Warnf("rebuild on resync: %v", rerr)
	}
	s.emit(Event{Type: EventIntent, Intent: IntentResync, Revision: rev, Artifacts: changed(derive.Full)})
	return rerr
}
