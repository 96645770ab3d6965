// Package topology owns the live topology: it applies mutation intents,
// rebuilds the artifacts they make stale, persists every committed change and
// pushes the server and DNS configs to the WirtBot.
package topology

import (
	"context"
	"crypto/ed25519"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"wirtbot/pkg/alerts"
	"wirtbot/pkg/derive"
	"wirtbot/pkg/keys"
	"wirtbot/pkg/logging"
	"wirtbot/pkg/migrate"
	"wirtbot/pkg/model"
	"wirtbot/pkg/push"
	"wirtbot/pkg/store"
	"wirtbot/pkg/version"
)

// State is derived from readiness, not stored.
type State string

const (
	Uninitialized State = "uninitialized"
	Provisioning  State = "provisioning"
	Operational   State = "operational"
)

// Options configures a Store. Zero values select the defaults.
type Options struct {
	Snapshots store.SnapshotStore
	Keys      keys.Generator // WireGuard pairs for the server and devices
	Signing   keys.Generator // the push signing pair
	Renderer  derive.Renderer
	Migrator  *migrate.Engine
	Pusher    push.Pusher // nil disables pushing
	Alerts    *alerts.Queue
	OnEvent   func(Event)
	Now       func() time.Time
}

type Store struct {
	snaps    store.SnapshotStore
	wg       *keys.Provisioner
	signing  *keys.Provisioner
	derive   *derive.Engine
	migrator *migrate.Engine
	dispatch *push.Dispatcher
	alerts   *alerts.Queue
	onEvent  func(Event)
	now      func() time.Time
	locks    *entityLocks

	mu           sync.Mutex
	topo         model.Topology
	arts         derive.Artifacts
	revision     uint64
	reserved     map[string]model.Device // devices being added, awaiting keys
	provisioning int                     // server key generations in flight
}

func New(opts Options) *Store {
	if opts.Snapshots == nil {
		opts.Snapshots = store.NewMemory()
	}
	if opts.Keys == nil {
		opts.Keys = keys.WireGuard{}
	}
	if opts.Signing == nil {
		opts.Signing = keys.Signing{}
	}
	if opts.Migrator == nil {
		opts.Migrator = migrate.Default()
	}
	if opts.Alerts == nil {
		opts.Alerts = alerts.NewQueue()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	s := &Store{
		snaps:    opts.Snapshots,
		wg:       keys.NewProvisioner(opts.Keys),
		signing:  keys.NewProvisioner(opts.Signing),
		derive:   derive.New(opts.Renderer),
		migrator: opts.Migrator,
		alerts:   opts.Alerts,
		onEvent:  opts.OnEvent,
		now:      opts.Now,
		locks:    newEntityLocks(),
		topo:     model.NewTopology(version.Schema),
		arts:     derive.Artifacts{Devices: map[string]string{}},
		reserved: make(map[string]model.Device),
	}
	if opts.Pusher != nil {
		s.dispatch = push.NewDispatcher(opts.Pusher, s.pushed)
	}
	return s
}

// Load restores the latest persisted snapshot through the migration chain.
// Without a snapshot the store keeps the first-run defaults.
func (s *Store) Load(ctx context.Context) error {
	snap, ok, err := s.snaps.LoadSnapshot()
	if err != nil {
		return fmt.Errorf("load snapshot: %w", err)
	}
	if !ok {
		logging.Infof("no snapshot found; starting with defaults")
		return nil
	}
	topo, err := s.migrator.Migrate(snap.Data)
	if err != nil {
		return fmt.Errorf("restore snapshot rev %d: %w", snap.Revision, err)
	}

	s.mu.Lock()
	arts, rerr := s.derive.Rebuild(topo, derive.Artifacts{}, derive.Full)
	s.topo = topo
	s.arts = arts
	if snap.Revision > s.revision {
		s.revision = snap.Revision
	}
	s.wg.Reset()
	rev := s.revision
	s.mu.Unlock()

	if rerr != nil {
		logging.Warnf("rebuild after load: %v", rerr)
	}
	logging.L.Info("topology loaded", "revision", rev, "version", topo.Version, "devices", len(topo.RealDevices()))
	s.emit(Event{Type: EventLoad, Revision: rev, Artifacts: changed(derive.Full)})
	return nil
}

// commit applies mutate to a copy of the topology, validates it together with
// in-flight reservations, rebuilds the stale artifacts, persists and only
// then swaps the copy in. On any error the live state is untouched.
func (s *Store) commit(ctx context.Context, intent Intent, target string, mutate func(t *model.Topology) error) (uint64, error) {
	s.mu.Lock()
	next := s.topo.Clone()
	if err := mutate(&next); err != nil {
		s.mu.Unlock()
		return 0, err
	}
	if err := s.validateLocked(next); err != nil {
		s.mu.Unlock()
		return 0, err
	}
	scope := scopeFor(intent, target)
	prev := s.arts
	if intent == IntentBackupImport {
		// nothing cached for the old topology may survive a replacement
		prev = derive.Artifacts{Devices: map[string]string{}}
	}
	arts, rerr := s.derive.Rebuild(next, prev, scope)
	rev := s.revision + 1
	if err := s.persist(next, rev); err != nil {
		s.mu.Unlock()
		return 0, err
	}
	s.topo = next
	s.arts = arts
	s.revision = rev
	s.audit(ctx, intent, target, rev, "")
	s.enqueueLocked(intent, rev)
	s.mu.Unlock()

	if rerr != nil {
		logging.Warnf("rebuild after %s: %v", intent, rerr)
	}
	logging.L.Info("intent committed", "intent", intent, "target", target, "revision", rev)
	s.emit(Event{Type: EventIntent, Intent: intent, Target: target, Revision: rev, Artifacts: changed(scope)})
	return rev, nil
}

// validateLocked checks t with the reserved devices that are not part of it yet.
func (s *Store) validateLocked(t model.Topology) error {
	if len(s.reserved) == 0 {
		return t.Validate()
	}
	check := t
	check.Devices = append([]model.Device(nil), t.Devices...)
	for id, d := range s.reserved {
		if t.DeviceIndex(id) < 0 {
			check.Devices = append(check.Devices, d)
		}
	}
	return check.Validate()
}

func (s *Store) persist(t model.Topology, rev uint64) error {
	data, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("%w: encode: %w", model.ErrPersistFailed, err)
	}
	snap := store.Snapshot{Revision: rev, Version: t.Version, Data: data, SavedAt: s.now()}
	if err := s.snaps.SaveSnapshot(snap); err != nil {
		return fmt.Errorf("%w: %w", model.ErrPersistFailed, err)
	}
	return nil
}

func (s *Store) audit(ctx context.Context, intent Intent, target string, rev uint64, detail string) {
	entry := model.AuditEntry{
		Actor:     actorFrom(ctx),
		Action:    string(intent),
		Target:    target,
		Detail:    detail,
		Revision:  rev,
		Timestamp: s.now(),
	}
	if err := s.snaps.AppendAudit(entry); err != nil {
		logging.Warnf("append audit %s: %v", intent, err)
	}
}

// enqueueLocked hands the artifacts an intent pushes to the dispatcher.
// Nothing is pushed before the server has keys, nor when the signing key
// cannot be decoded: the agent would reject the request.
func (s *Store) enqueueLocked(intent Intent, rev uint64) {
	if s.dispatch == nil || !s.topo.Server.Keys.Complete() {
		return
	}
	host := s.topo.DestinationHost()
	if host == "" {
		return
	}
	var key ed25519.PrivateKey
	if s.topo.Keys.Complete() {
		k, err := keys.SigningKey(*s.topo.Keys)
		if err != nil {
			logging.Warnf("signing key unusable, not pushing rev %d: %v", rev, err)
			s.alerts.AddWarning("The signing key is unusable, so no config was sent to the WirtBot.")
			return
		}
		key = k
	}
	for _, kind := range invalidations[intent].push {
		body := s.arts.Server
		if kind == push.KindDNS {
			body = s.arts.DNS
		}
		if body == "" {
			continue
		}
		s.dispatch.Enqueue(push.Update{Kind: kind, Revision: rev, Host: host, Body: body, Key: key})
	}
}

// pushed records the outcome of a delivery attempt.
func (s *Store) pushed(res push.Result) {
	ev := Event{Type: EventPush, Target: string(res.Kind), Revision: res.Revision, Time: res.At}
	entry := model.AuditEntry{Actor: "system", Action: "push." + string(res.Kind), Target: res.Host, Revision: res.Revision, Timestamp: res.At}
	if res.Err != nil {
		ev.Error = res.Err.Error()
		entry.Detail = res.Err.Error()
		logging.Warnf("push %s rev %d to %s: %v", res.Kind, res.Revision, res.Host, res.Err)
		s.alerts.AddWarning(fmt.Sprintf("Sending the %s config to %s failed. Use resync to retry.", res.Kind, res.Host))
	} else {
		entry.Detail = "ok"
		logging.Debugf("pushed %s rev %d to %s", res.Kind, res.Revision, res.Host)
	}
	if err := s.snaps.AppendAudit(entry); err != nil {
		logging.Warnf("append audit push: %v", err)
	}
	s.emit(ev)
}

func (s *Store) emit(ev Event) {
	if s.onEvent == nil {
		return
	}
	if ev.Time.IsZero() {
		ev.Time = s.now()
	}
	s.onEvent(ev)
}

// WaitPushes blocks until every queued push was attempted.
func (s *Store) WaitPushes(ctx context.Context) error {
	if s.dispatch == nil {
		return nil
	}
	return s.dispatch.Wait(ctx)
}

// Close stops the push workers.
func (s *Store) Close() {
	if s.dispatch != nil {
		s.dispatch.Close()
	}
}

// Snapshot returns a copy of the live topology.
func (s *Store) Snapshot() model.Topology {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.topo.Clone()
}

// Artifacts returns a copy of the derived texts.
func (s *Store) Artifacts() derive.Artifacts {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.arts.Clone()
}

func (s *Store) ServerConfig() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.arts.Server
}

func (s *Store) DNSZone() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.arts.DNS
}

// ErrNotRendered indicates a device exists but is not complete enough to render.
var ErrNotRendered = errors.New("device config not rendered yet")

// DeviceConfig returns the last rendered config of device id.
func (s *Store) DeviceConfig(id string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.topo.DeviceIndex(id) < 0 {
		return "", fmt.Errorf("%w: %s", model.ErrNotFound, id)
	}
	text, ok := s.arts.Devices[id]
	if !ok {
		return "", ErrNotRendered
	}
	return text, nil
}

func (s *Store) Revision() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.revision
}

func (s *Store) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch {
	case s.topo.Server.Keys.Complete():
		return Operational
	case s.provisioning > 0:
		return Provisioning
	default:
		return Uninitialized
	}
}

func (s *Store) Alerts() *alerts.Queue { return s.alerts }

// Audit lists the latest audit entries, oldest first.
func (s *Store) Audit(limit int) ([]model.AuditEntry, error) {
	return s.snaps.ListAudit(limit)
}

// Snapshots lists the persisted history, oldest first.
func (s *Store) Snapshots(limit int) ([]store.Snapshot, error) {
	return s.snaps.ListSnapshots(limit)
}

// Ping checks the snapshot store.
func (s *Store) Ping() error { return s.snaps.Ping() }

// ExportBackup serializes the topology with its keys. Derived texts are not included.
func (s *Store) ExportBackup() ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return json.MarshalIndent(s.topo, "", "  ")
}
