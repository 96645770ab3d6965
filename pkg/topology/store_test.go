package topology

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"wirtbot/pkg/alerts"
	"wirtbot/pkg/derive"
	"wirtbot/pkg/model"
	"wirtbot/pkg/push"
	"wirtbot/pkg/store"
)

type fakeKeys struct {
	mu    sync.Mutex
	n     int
	fail  bool
	gate  chan struct{}
	calls int
}

func (f *fakeKeys) Generate(ctx context.Context) (model.KeyPair, error) {
	if f.gate != nil {
		select {
		case <-f.gate:
		case <-ctx.Done():
			return model.KeyPair{}, ctx.Err()
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.fail {
		return model.KeyPair{}, errors.New("entropy exhausted")
	}
	f.n++
	return model.KeyPair{Public: fmt.Sprintf("pub-%d", f.n), Private: fmt.Sprintf("priv-%d", f.n)}, nil
}

func (f *fakeKeys) generated() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func (f *fakeKeys) setFail(v bool) {
	f.mu.Lock()
	f.fail = v
	f.mu.Unlock()
}

type recorder struct {
	mu   sync.Mutex
	got  []push.Update
	fail bool
}

func (r *recorder) Push(_ context.Context, u push.Update) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fail {
		return errors.New("connection refused")
	}
	r.got = append(r.got, u)
	return nil
}

func (r *recorder) updates(kind push.Kind) []push.Update {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []push.Update
	for _, u := range r.got {
		if u.Kind == kind {
			out = append(out, u)
		}
	}
	return out
}

type fixture struct {
	store  *Store
	snaps  *store.MemoryStore
	keys   *fakeKeys
	pushed *recorder
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{snaps: store.NewMemoryStore(), keys: &fakeKeys{}, pushed: &recorder{}}
	f.store = New(Options{Snapshots: f.snaps, Keys: f.keys, Pusher: f.pushed})
	t.Cleanup(f.store.Close)
	if err := f.store.Load(context.Background()); err != nil {
		t.Fatalf("load: %v", err)
	}
	return f
}

func ptr[T any](v T) *T { return &v }

func (f *fixture) setupServer(t *testing.T) {
	t.Helper()
	err := f.store.UpdateServer(context.Background(), ServerPatch{
		IP:     &model.ServerIP{V4: model.Octets{1, 2, 3, 4}},
		Port:   ptr(uint16(1234)),
		Subnet: &model.Subnet{V4: "10.11.0", V6: "1010:1010:1010:1010"},
	})
	if err != nil {
		t.Fatalf("update server: %v", err)
	}
}

func (f *fixture) waitPushes(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := f.store.WaitPushes(ctx); err != nil {
		t.Fatalf("wait pushes: %v", err)
	}
}

func hasAlert(s *Store, fragment string) bool {
	for _, a := range s.Alerts().List() {
		if a.Level == alerts.Warning && strings.Contains(a.Message, fragment) {
			return true
		}
	}
	return false
}

func mustContain(t *testing.T, text string, wants ...string) {
	t.Helper()
	for _, w := range wants {
		if !strings.Contains(text, w) {
			t.Errorf("missing %q in:\n%s", w, text)
		}
	}
}

func TestFirstRun(t *testing.T) {
	f := newFixture(t)
	if got := f.store.State(); got != Uninitialized {
		t.Fatalf("state = %s", got)
	}
	snap := f.store.Snapshot()
	if snap.Server.Keys != nil || len(snap.Devices) != 0 || snap.Keys != nil {
		t.Fatalf("fresh topology not empty: %+v", snap)
	}
	if f.store.Revision() != 0 {
		t.Fatalf("revision = %d", f.store.Revision())
	}
}

func TestUpdateServerProvisionsKeysOnce(t *testing.T) {
	f := newFixture(t)
	f.setupServer(t)
	if got := f.store.State(); got != Operational {
		t.Fatalf("state = %s", got)
	}
	snap := f.store.Snapshot()
	if snap.Server.Keys.Public != "pub-1" || !snap.Keys.Complete() {
		t.Fatalf("keys = %+v signing = %+v", snap.Server.Keys, snap.Keys)
	}
	mustContain(t, f.store.ServerConfig(), "PrivateKey = priv-1\n", "ListenPort = 1234\n", "Address = 10.11.0.1/24")

	// later edits never touch the keys
	if err := f.store.UpdateServer(context.Background(), ServerPatch{Name: ptr("home")}); err != nil {
		t.Fatal(err)
	}
	if got := f.store.Snapshot().Server.Keys.Public; got != "pub-1" {
		t.Fatalf("server keys changed to %s", got)
	}
	if n := f.keys.generated(); n != 1 {
		t.Fatalf("generator called %d times", n)
	}
}

func TestUpdateServerKeyFailureAppliesFields(t *testing.T) {
	f := newFixture(t)
	f.keys.setFail(true)
	err := f.store.UpdateServer(context.Background(), ServerPatch{Port: ptr(uint16(51820))})
	if !errors.Is(err, model.ErrKeyProvisioningFailed) {
		t.Fatalf("err = %v", err)
	}
	snap := f.store.Snapshot()
	if snap.Server.Port != 51820 || snap.Server.Keys != nil {
		t.Fatalf("server = %+v", snap.Server)
	}
	if f.store.State() != Uninitialized {
		t.Fatalf("state = %s", f.store.State())
	}
	if !hasAlert(f.store, "server keys failed") {
		t.Fatalf("alerts = %+v", f.store.Alerts().List())
	}

	f.keys.setFail(false)
	if err := f.store.UpdateServer(context.Background(), ServerPatch{}); err != nil {
		t.Fatalf("retry: %v", err)
	}
	if f.store.State() != Operational {
		t.Fatal("retry did not provision")
	}
}

func TestAcceptanceScenario(t *testing.T) {
	f := newFixture(t)
	f.setupServer(t)
	ctx := context.Background()

	one, err := f.store.AddDevice(ctx, DeviceSpec{
		Name: "test-1", IP: model.DeviceIP{V4: 2}, Type: model.Android,
		AdditionalDNSServers: []string{"2.2.2.2"}, MTU: ptr(uint16(1500)),
	})
	if err != nil {
		t.Fatalf("add test-1: %v", err)
	}
	cfg, err := f.store.DeviceConfig(one.ID)
	if err != nil {
		t.Fatal(err)
	}
	mustContain(t, cfg, "Endpoint = 1.2.3.4:1234", "Address = 10.11.0.2", "DNS = 10.11.0.1,2.2.2.2", "MTU = 1500")

	if err := f.store.UpdateServer(ctx, ServerPatch{Hostname: ptr("test.test")}); err != nil {
		t.Fatal(err)
	}
	two, err := f.store.AddDevice(ctx, DeviceSpec{
		Name: "test-2", IP: model.DeviceIP{V4: 3}, Type: model.Linux,
		AdditionalDNSServers: []string{"4.4.4.4", "5.5.5.5"}, MTU: ptr(uint16(1320)),
	})
	if err != nil {
		t.Fatalf("add test-2: %v", err)
	}
	cfg, _ = f.store.DeviceConfig(two.ID)
	mustContain(t, cfg, "Endpoint = test.test:1234", "Address = 10.11.0.3", "DNS = 10.11.0.1,4.4.4.4,5.5.5.5", "MTU = 1320")

	// the hostname change reached the existing device too
	cfg, _ = f.store.DeviceConfig(one.ID)
	mustContain(t, cfg, "Endpoint = test.test:1234")

	server := f.store.ServerConfig()
	mustContain(t, server, "Address = 10.11.0.1", "PublicKey = "+one.Keys.Public, "PublicKey = "+two.Keys.Public)
	mustContain(t, f.store.DNSZone(), "10.11.0.2 test-1.wirt.internal", "10.11.0.3 test-2.wirt.internal")
}

func TestAddDeviceWithoutServer(t *testing.T) {
	f := newFixture(t)
	_, err := f.store.AddDevice(context.Background(), DeviceSpec{Name: "a", IP: model.DeviceIP{V4: 2}, Type: model.Linux})
	if !errors.Is(err, model.ErrNoServer) {
		t.Fatalf("err = %v", err)
	}
	if len(f.store.Snapshot().Devices) != 0 {
		t.Fatal("device added without a server")
	}
}

func TestAddDeviceKeyFailureLeavesDeviceAbsent(t *testing.T) {
	f := newFixture(t)
	f.setupServer(t)
	rev := f.store.Revision()
	f.keys.setFail(true)
	_, err := f.store.AddDevice(context.Background(), DeviceSpec{Name: "a", IP: model.DeviceIP{V4: 2}, Type: model.Linux})
	if !errors.Is(err, model.ErrKeyProvisioningFailed) {
		t.Fatalf("err = %v", err)
	}
	if len(f.store.Snapshot().Devices) != 0 || f.store.Revision() != rev {
		t.Fatal("failed add changed the topology")
	}

	// the host is free again
	f.keys.setFail(false)
	if _, err := f.store.AddDevice(context.Background(), DeviceSpec{Name: "a", IP: model.DeviceIP{V4: 2}, Type: model.Linux}); err != nil {
		t.Fatalf("retry: %v", err)
	}
}

func TestAddDeviceValidation(t *testing.T) {
	f := newFixture(t)
	f.setupServer(t)
	ctx := context.Background()
	if _, err := f.store.AddDevice(ctx, DeviceSpec{Name: "a", IP: model.DeviceIP{V4: 2}, Type: model.Linux}); err != nil {
		t.Fatal(err)
	}
	before := f.store.Snapshot()
	cases := map[string]DeviceSpec{
		"duplicate host": {Name: "b", IP: model.DeviceIP{V4: 2}, Type: model.Linux},
		"host too high":  {Name: "b", IP: model.DeviceIP{V4: 255}, Type: model.Linux},
		"unknown type":   {Name: "b", IP: model.DeviceIP{V4: 3}, Type: "Amiga"},
		"no name":        {IP: model.DeviceIP{V4: 3}, Type: model.Linux},
		"bad dns server": {Name: "b", IP: model.DeviceIP{V4: 3}, Type: model.Linux, AdditionalDNSServers: []string{"dns"}},
	}
	for name, spec := range cases {
		t.Run(name, func(t *testing.T) {
			if _, err := f.store.AddDevice(ctx, spec); !errors.Is(err, model.ErrValidationFailed) {
				t.Fatalf("err = %v", err)
			}
		})
	}
	after := f.store.Snapshot()
	if len(after.Devices) != len(before.Devices) {
		t.Fatal("rejected add changed the topology")
	}
}

func TestConcurrentAddsGetDistinctHosts(t *testing.T) {
	f := newFixture(t)
	f.setupServer(t)
	var wg sync.WaitGroup
	errs := make(chan error, 10)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := f.store.AddDevice(context.Background(), DeviceSpec{Name: fmt.Sprintf("d%d", i), Type: model.Linux})
			errs <- err
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatalf("add: %v", err)
		}
	}
	snap := f.store.Snapshot()
	hosts := map[int]bool{}
	pubs := map[string]bool{}
	for _, d := range snap.Devices {
		if hosts[d.IP.V4] || pubs[d.Keys.Public] {
			t.Fatalf("duplicate host or key: %+v", d)
		}
		hosts[d.IP.V4] = true
		pubs[d.Keys.Public] = true
	}
	if len(snap.Devices) != 10 || len(f.store.Artifacts().Devices) != 10 {
		t.Fatalf("devices=%d configs=%d", len(snap.Devices), len(f.store.Artifacts().Devices))
	}
}

func TestConcurrentAddsSameHost(t *testing.T) {
	f := newFixture(t)
	f.setupServer(t)
	f.keys.gate = make(chan struct{})

	results := make(chan error, 2)
	for _, name := range []string{"a", "b"} {
		go func(name string) {
			_, err := f.store.AddDevice(context.Background(), DeviceSpec{Name: name, IP: model.DeviceIP{V4: 7}, Type: model.Linux})
			results <- err
		}(name)
	}
	// one add holds host 7 while it waits for keys; the other is rejected
	first := <-results
	if !errors.Is(first, model.ErrValidationFailed) {
		t.Fatalf("first result = %v", first)
	}
	close(f.keys.gate)
	if err := <-results; err != nil {
		t.Fatalf("second result = %v", err)
	}
	if n := len(f.store.Snapshot().Devices); n != 1 {
		t.Fatalf("devices = %d", n)
	}
}

func TestUpdateDevice(t *testing.T) {
	f := newFixture(t)
	f.setupServer(t)
	ctx := context.Background()
	dev, err := f.store.AddDevice(ctx, DeviceSpec{Name: "laptop", IP: model.DeviceIP{V4: 2}, Type: model.Linux})
	if err != nil {
		t.Fatal(err)
	}
	updated, err := f.store.UpdateDevice(ctx, dev.ID, DeviceSpec{Name: "phone", IP: model.DeviceIP{V4: 9}, Type: model.IOS, Routed: true})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if updated.ID != dev.ID || updated.Keys.Public != dev.Keys.Public {
		t.Fatalf("identity changed: %+v", updated)
	}
	cfg, _ := f.store.DeviceConfig(dev.ID)
	mustContain(t, cfg, "Address = 10.11.0.9", "AllowedIPs = 0.0.0.0/0, ::/0")
	mustContain(t, f.store.ServerConfig(), "AllowedIPs = 10.11.0.9/32")
	mustContain(t, f.store.DNSZone(), "10.11.0.9 phone.wirt.internal")

	if _, err := f.store.UpdateDevice(ctx, "missing", DeviceSpec{Name: "x", IP: model.DeviceIP{V4: 3}, Type: model.Linux}); !errors.Is(err, model.ErrNotFound) {
		t.Fatalf("err = %v", err)
	}
}

const legacyBackup = `{
  "version": "1.4.5",
  "server": {
    "ip": {"v4": "1.2.3.4", "v6": ""},
    "port": 1234,
    "keys": {"public": "srv-pub", "private": "srv-priv"},
    "hostname": "",
    "subnet": {"v4": "10.11.0.", "v6": "1010:1010:1010:1010:"}
  },
  "devices": [
    {"id": "dev-2", "name": "test-2", "ip": {"v4": 3}, "type": "Linux",
     "keys": {"public": "d2-pub", "private": "d2-priv"}, "MTU": 1320, "additionalDNSServers": ["4.4.4.4", "5.5.5.5"]},
    {"id": "dev-1", "name": "test-1", "ip": {"v4": 2}, "type": "Android",
     "keys": {"public": "d1-pub", "private": "d1-priv"}, "MTU": 1500, "additionalDNSServers": ["2.2.2.2"]},
    {"id": "dev-3", "name": "unkeyed", "ip": {"v4": 4}, "type": "Linux"},
    {"name": "draft", "ip": {"v4": 5}, "type": "Linux"}
  ],
  "network": {"dns": {"name": "test", "ip": {"v4": "1.1.1.1"}, "tlsName": "cloudflare-dns.com", "tls": true}},
  "dashboard": {"firstUse": false}
}`

func TestImportBackup(t *testing.T) {
	f := newFixture(t)
	if err := f.store.ImportBackup(context.Background(), []byte(legacyBackup)); err != nil {
		t.Fatalf("import: %v", err)
	}
	snap := f.store.Snapshot()
	if snap.Server.Subnet.V4 != "10.11.0" {
		t.Fatalf("subnet = %q", snap.Server.Subnet.V4)
	}
	dns := snap.Network.DNS
	if strings.Join(dns.IgnoredZones, ",") != "fritz.box,home,lan,local" || !dns.Adblock {
		t.Fatalf("dns defaults = %+v", dns)
	}

	// imported configs match a fresh derivation of the same topology
	fresh := derive.New(nil)
	for _, id := range []string{"dev-1", "dev-2"} {
		got, err := f.store.DeviceConfig(id)
		if err != nil {
			t.Fatal(err)
		}
		want, err := fresh.DeviceConfig(snap, id)
		if err != nil {
			t.Fatal(err)
		}
		if got != want {
			t.Fatalf("device %s config differs after import:\n%s\n%s", id, got, want)
		}
	}
	want, _ := fresh.ServerConfig(snap)
	if f.store.ServerConfig() != want {
		t.Fatal("server config differs after import")
	}
	cfg, _ := f.store.DeviceConfig("dev-1")
	mustContain(t, cfg, "Endpoint = 1.2.3.4:1234", "Address = 10.11.0.2", "DNS = 10.11.0.1,2.2.2.2", "MTU = 1500")

	if _, err := f.store.DeviceConfig("dev-3"); !errors.Is(err, ErrNotRendered) {
		t.Fatalf("unkeyed device: %v", err)
	}

	// unknown top-level fields survive an export
	out, err := f.store.ExportBackup()
	if err != nil {
		t.Fatal(err)
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(out, &fields); err != nil {
		t.Fatal(err)
	}
	if _, ok := fields["dashboard"]; !ok {
		t.Fatalf("dashboard dropped: %s", out)
	}
}

func TestImportBackupFailureLeavesState(t *testing.T) {
	f := newFixture(t)
	f.setupServer(t)
	before, _ := f.store.ExportBackup()
	rev := f.store.Revision()
	for _, raw := range []string{`{`, `{"version": "99.0.0"}`, `{"version": "2.6.0", "devices": [{"id": "x", "name": "x", "ip": {"v4": 1}, "type": "Linux"}]}`} {
		if err := f.store.ImportBackup(context.Background(), []byte(raw)); !errors.Is(err, model.ErrUnmigratableBackup) {
			t.Fatalf("import %s: err = %v", raw, err)
		}
	}
	after, _ := f.store.ExportBackup()
	if string(before) != string(after) || f.store.Revision() != rev {
		t.Fatal("failed import changed the topology")
	}
}

func TestUpdateDeviceProvisionsImportedDevice(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	if err := f.store.ImportBackup(ctx, []byte(legacyBackup)); err != nil {
		t.Fatal(err)
	}
	spec := DeviceSpec{Name: "renamed", IP: model.DeviceIP{V4: 4}, Type: model.Linux}

	f.keys.setFail(true)
	dev, err := f.store.UpdateDevice(ctx, "dev-3", spec)
	if !errors.Is(err, model.ErrKeyProvisioningFailed) {
		t.Fatalf("err = %v", err)
	}
	if dev.Name != "renamed" || dev.Keys != nil {
		t.Fatalf("partial update = %+v", dev)
	}
	if got := f.store.Snapshot(); got.Devices[got.DeviceIndex("dev-3")].Name != "renamed" {
		t.Fatal("edit not applied")
	}

	f.keys.setFail(false)
	dev, err = f.store.UpdateDevice(ctx, "dev-3", spec)
	if err != nil {
		t.Fatalf("retry: %v", err)
	}
	if !dev.Keys.Complete() {
		t.Fatal("retry did not provision keys")
	}
	if _, err := f.store.DeviceConfig("dev-3"); err != nil {
		t.Fatalf("config after keys: %v", err)
	}
}

func TestRemoveDeviceThenReAdd(t *testing.T) {
	f := newFixture(t)
	f.setupServer(t)
	ctx := context.Background()
	spec := DeviceSpec{Name: "phone", IP: model.DeviceIP{V4: 2}, Type: model.Android}
	first, err := f.store.AddDevice(ctx, spec)
	if err != nil {
		t.Fatal(err)
	}
	if err := f.store.RemoveDevice(ctx, first.ID); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if strings.Contains(f.store.ServerConfig(), first.Keys.Public) {
		t.Fatal("removed device still a peer")
	}
	if _, err := f.store.DeviceConfig(first.ID); !errors.Is(err, model.ErrNotFound) {
		t.Fatalf("config of removed device: %v", err)
	}
	second, err := f.store.AddDevice(ctx, spec)
	if err != nil {
		t.Fatal(err)
	}
	if second.ID == first.ID || second.Keys.Public == first.Keys.Public || second.Keys.Private == first.Keys.Private {
		t.Fatalf("re-added device reused identity: %+v vs %+v", second, first)
	}
	if err := f.store.RemoveDevice(ctx, first.ID); !errors.Is(err, model.ErrNotFound) {
		t.Fatalf("second remove: %v", err)
	}
}

func TestServerFieldInvalidation(t *testing.T) {
	f := newFixture(t)
	f.setupServer(t)
	ctx := context.Background()
	dev, err := f.store.AddDevice(ctx, DeviceSpec{Name: "a", IP: model.DeviceIP{V4: 2}, Type: model.Linux})
	if err != nil {
		t.Fatal(err)
	}
	lines := func(text, prefix string) string {
		for _, l := range strings.Split(text, "\n") {
			if strings.HasPrefix(l, prefix) {
				return l
			}
		}
		return ""
	}
	before := f.store.ServerConfig()
	if err := f.store.UpdateServer(ctx, ServerPatch{Port: ptr(uint16(4321))}); err != nil {
		t.Fatal(err)
	}
	after := f.store.ServerConfig()
	if lines(before, "ListenPort") == lines(after, "ListenPort") {
		t.Fatal("ListenPort unchanged after port change")
	}
	for _, p := range []string{"PrivateKey", "Address"} {
		if lines(before, p) != lines(after, p) {
			t.Fatalf("%s changed after port change", p)
		}
	}
	cfg, _ := f.store.DeviceConfig(dev.ID)
	mustContain(t, cfg, "Endpoint = 1.2.3.4:4321")

	before = after
	if err := f.store.UpdateServer(ctx, ServerPatch{Subnet: &model.Subnet{V4: "10.12.0"}}); err != nil {
		t.Fatal(err)
	}
	after = f.store.ServerConfig()
	if lines(before, "Address") == lines(after, "Address") || lines(before, "ListenPort") != lines(after, "ListenPort") {
		t.Fatalf("subnet change:\n%s\n%s", before, after)
	}
	cfg, _ = f.store.DeviceConfig(dev.ID)
	mustContain(t, cfg, "Address = 10.12.0.2\n")
	mustContain(t, f.store.DNSZone(), "10.12.0.2 a.wirt.internal")
}

func TestRotateServerKeys(t *testing.T) {
	f := newFixture(t)
	f.setupServer(t)
	ctx := context.Background()
	dev, err := f.store.AddDevice(ctx, DeviceSpec{Name: "a", IP: model.DeviceIP{V4: 2}, Type: model.Linux})
	if err != nil {
		t.Fatal(err)
	}
	old := f.store.Snapshot().Server.Keys.Public
	if err := f.store.RotateServerKeys(ctx); err != nil {
		t.Fatal(err)
	}
	fresh := f.store.Snapshot().Server.Keys.Public
	if fresh == old {
		t.Fatal("keys not rotated")
	}
	cfg, _ := f.store.DeviceConfig(dev.ID)
	mustContain(t, cfg, "PublicKey = "+fresh)
}

func TestUpdateDNS(t *testing.T) {
	f := newFixture(t)
	f.setupServer(t)
	ctx := context.Background()
	server := f.store.ServerConfig()
	err := f.store.UpdateDNS(ctx, DNSPatch{
		Name:       ptr("home.arpa"),
		BlockHosts: &[]string{"b.example", "a.example", "a.example"},
	})
	if err != nil {
		t.Fatal(err)
	}
	snap := f.store.Snapshot()
	if strings.Join(snap.Network.DNS.BlockHosts, ",") != "a.example,b.example" {
		t.Fatalf("block hosts = %v", snap.Network.DNS.BlockHosts)
	}
	mustContain(t, f.store.DNSZone(), "wirtbot.home.arpa", "0.0.0.0 a.example")
	if f.store.ServerConfig() != server {
		t.Fatal("dns change altered the server config")
	}

	f.waitPushes(t)
	last := f.pushed.updates(push.KindServer)
	if len(last) == 0 || last[len(last)-1].Host != "wirtbot.home.arpa" {
		t.Fatalf("server config not pushed to the new zone: %+v", last)
	}
}

func TestRemoveDrafts(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	if err := f.store.ImportBackup(ctx, []byte(legacyBackup)); err != nil {
		t.Fatal(err)
	}
	n, err := f.store.RemoveDrafts(ctx)
	if err != nil || n != 1 {
		t.Fatalf("removed %d: %v", n, err)
	}
	for _, d := range f.store.Snapshot().Devices {
		if d.IsDraft() {
			t.Fatal("draft kept")
		}
	}
}

func TestPersistFailureLeavesState(t *testing.T) {
	f := newFixture(t)
	f.setupServer(t)
	rev := f.store.Revision()
	f.snaps.FailSaves(errors.New("read-only file system"))
	_, err := f.store.AddDevice(context.Background(), DeviceSpec{Name: "a", IP: model.DeviceIP{V4: 2}, Type: model.Linux})
	if !errors.Is(err, model.ErrPersistFailed) {
		t.Fatalf("err = %v", err)
	}
	if len(f.store.Snapshot().Devices) != 0 || f.store.Revision() != rev {
		t.Fatal("unpersisted change became live")
	}
}

func TestLoadRestoresSnapshot(t *testing.T) {
	f := newFixture(t)
	f.setupServer(t)
	dev, err := f.store.AddDevice(context.Background(), DeviceSpec{Name: "a", IP: model.DeviceIP{V4: 2}, Type: model.Linux})
	if err != nil {
		t.Fatal(err)
	}

	other := New(Options{Snapshots: f.snaps, Keys: &fakeKeys{}})
	defer other.Close()
	if err := other.Load(context.Background()); err != nil {
		t.Fatal(err)
	}
	if other.Revision() != f.store.Revision() || other.State() != Operational {
		t.Fatalf("revision %d vs %d, state %s", other.Revision(), f.store.Revision(), other.State())
	}
	a, _ := f.store.DeviceConfig(dev.ID)
	b, _ := other.DeviceConfig(dev.ID)
	if a != b || other.ServerConfig() != f.store.ServerConfig() || other.DNSZone() != f.store.DNSZone() {
		t.Fatal("restored artifacts differ")
	}
}

func TestPushOrdering(t *testing.T) {
	f := newFixture(t)
	f.setupServer(t)
	ctx := context.Background()
	for port := 2000; port < 2020; port++ {
		if err := f.store.UpdateServer(ctx, ServerPatch{Port: ptr(uint16(port))}); err != nil {
			t.Fatal(err)
		}
	}
	f.waitPushes(t)
	got := f.pushed.updates(push.KindServer)
	for i := 1; i < len(got); i++ {
		if got[i].Revision <= got[i-1].Revision {
			t.Fatalf("push order regressed at %d: %d after %d", i, got[i].Revision, got[i-1].Revision)
		}
	}
	last := got[len(got)-1]
	if last.Revision != f.store.Revision() || last.Body != f.store.ServerConfig() {
		t.Fatalf("last push rev %d, store rev %d", last.Revision, f.store.Revision())
	}
	if last.Host != "wirtbot.wirt.internal" || last.Key == nil {
		t.Fatalf("push host %q signed=%v", last.Host, last.Key != nil)
	}
}

func TestPushFailureIsReportedAndRetried(t *testing.T) {
	f := newFixture(t)
	f.pushed.mu.Lock()
	f.pushed.fail = true
	f.pushed.mu.Unlock()
	f.setupServer(t)
	f.waitPushes(t)

	if f.store.State() != Operational {
		t.Fatal("push failure affected local state")
	}
	if !hasAlert(f.store, "config to wirtbot.wirt.internal failed") {
		t.Fatalf("no push warning: %+v", f.store.Alerts().List())
	}
	entries, _ := f.store.Audit(0)
	failed := false
	for _, e := range entries {
		if strings.HasPrefix(e.Action, "push.") && e.Detail != "ok" {
			failed = true
		}
	}
	if !failed {
		t.Fatalf("push failure not audited: %+v", entries)
	}

	f.pushed.mu.Lock()
	f.pushed.fail = false
	f.pushed.mu.Unlock()
	if err := f.store.Resync(context.Background()); err != nil {
		t.Fatal(err)
	}
	f.waitPushes(t)
	if len(f.pushed.updates(push.KindServer)) != 1 || len(f.pushed.updates(push.KindDNS)) != 1 {
		t.Fatalf("resync pushes: %+v", f.pushed.got)
	}
}

func TestAuditActor(t *testing.T) {
	f := newFixture(t)
	ctx := WithActor(context.Background(), "admin")
	if err := f.store.UpdateServer(ctx, ServerPatch{Port: ptr(uint16(1))}); err != nil {
		t.Fatal(err)
	}
	f.waitPushes(t)
	entries, err := f.store.Audit(0)
	if err != nil {
		t.Fatal(err)
	}
	var intents, pushes int
	for _, e := range entries {
		switch {
		case e.Action == string(IntentServerKeys):
			intents++
			if e.Actor != "admin" || e.Revision != 1 {
				t.Fatalf("intent entry = %+v", e)
			}
		case strings.HasPrefix(e.Action, "push."):
			pushes++
			if e.Actor != "system" {
				t.Fatalf("push entry = %+v", e)
			}
		}
	}
	if intents != 1 || pushes != 2 {
		t.Fatalf("audit = %+v", entries)
	}
}

func TestEvents(t *testing.T) {
	var mu sync.Mutex
	var events []Event
	s := New(Options{Keys: &fakeKeys{}, OnEvent: func(ev Event) {
		mu.Lock()
		events = append(events, ev)
		mu.Unlock()
	}})
	defer s.Close()
	if err := s.UpdateDNS(context.Background(), DNSPatch{Adblock: ptr(false)}); err != nil {
		t.Fatal(err)
	}
	mu.Lock()
	defer mu.Unlock()
	if len(events) != 1 || events[0].Intent != IntentDNSSettings || strings.Join(events[0].Artifacts, ",") != "dns" {
		t.Fatalf("events = %+v", events)
	}
}

func exported(t *testing.T, s *Store) model.Topology {
	t.Helper()
	out, err := s.ExportBackup()
	if err != nil {
		t.Fatal(err)
	}
	var topo model.Topology
	if err := json.Unmarshal(out, &topo); err != nil {
		t.Fatal(err)
	}
	return topo
}

func reimport(t *testing.T, s *Store, topo model.Topology) {
	t.Helper()
	raw, err := json.Marshal(topo)
	if err != nil {
		t.Fatal(err)
	}
	if err := s.ImportBackup(context.Background(), raw); err != nil {
		t.Fatalf("import: %v", err)
	}
}

func TestImportDropsConfigsOfReplacedDevices(t *testing.T) {
	f := newFixture(t)
	f.setupServer(t)
	dev, err := f.store.AddDevice(context.Background(), DeviceSpec{Name: "a", IP: model.DeviceIP{V4: 2}, Type: model.Linux})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := f.store.DeviceConfig(dev.ID); err != nil {
		t.Fatal(err)
	}

	topo := exported(t, f.store)
	topo.Devices[0].Keys = nil
	reimport(t, f.store, topo)

	if cfg, err := f.store.DeviceConfig(dev.ID); !errors.Is(err, ErrNotRendered) {
		t.Fatalf("device without keys still serves a config (err=%v):\n%s", err, cfg)
	}
	if strings.Contains(f.store.ServerConfig(), dev.Keys.Public) {
		t.Fatal("server config still lists the unkeyed device")
	}
}

func TestUpdateServerStripsSubnetSeparators(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	err := f.store.UpdateServer(ctx, ServerPatch{
		IP:     &model.ServerIP{V4: model.Octets{1, 2, 3, 4}},
		Port:   ptr(uint16(1234)),
		Subnet: &model.Subnet{V4: "10.11.0.", V6: "1010:1010:1010:1010:"},
	})
	if err != nil {
		t.Fatalf("update server: %v", err)
	}
	if got := f.store.Snapshot().Server.Subnet; got.V4 != "10.11.0" || got.V6 != "1010:1010:1010:1010" {
		t.Fatalf("subnet = %+v", got)
	}

	dev, err := f.store.AddDevice(ctx, DeviceSpec{
		Name: "test-1", IP: model.DeviceIP{V4: 2}, Type: model.Android,
		AdditionalDNSServers: []string{"2.2.2.2"}, MTU: ptr(uint16(1500)),
	})
	if err != nil {
		t.Fatal(err)
	}
	cfg, err := f.store.DeviceConfig(dev.ID)
	if err != nil {
		t.Fatal(err)
	}
	mustContain(t, cfg, "Endpoint = 1.2.3.4:1234", "Address = 10.11.0.2", "DNS = 10.11.0.1,2.2.2.2", "MTU = 1500")
}

func TestResyncRevisionSurvivesRestart(t *testing.T) {
	f := newFixture(t)
	f.setupServer(t)
	ctx := context.Background()
	for i := 0; i < 2; i++ {
		if err := f.store.Resync(ctx); err != nil {
			t.Fatal(err)
		}
	}
	f.waitPushes(t)
	pushed := f.pushed.updates(push.KindServer)
	last := pushed[len(pushed)-1].Revision

	restarted := New(Options{Snapshots: f.snaps, Keys: &fakeKeys{}})
	defer restarted.Close()
	if err := restarted.Load(ctx); err != nil {
		t.Fatal(err)
	}
	if restarted.Revision() < last {
		t.Fatalf("restarted at revision %d, below pushed revision %d", restarted.Revision(), last)
	}
}

func TestResyncPersistFailure(t *testing.T) {
	f := newFixture(t)
	f.setupServer(t)
	rev := f.store.Revision()
	f.snaps.FailSaves(errors.New("disk full"))
	if err := f.store.Resync(context.Background()); !errors.Is(err, model.ErrPersistFailed) {
		t.Fatalf("err = %v", err)
	}
	if f.store.Revision() != rev {
		t.Fatalf("revision moved to %d without being persisted", f.store.Revision())
	}
}

func TestUnusableSigningKeySkipsPush(t *testing.T) {
	f := newFixture(t)
	f.setupServer(t)
	f.waitPushes(t)
	before := len(f.pushed.updates(push.KindServer))

	topo := exported(t, f.store)
	topo.Keys.Private = "not a key"
	reimport(t, f.store, topo)
	f.waitPushes(t)

	if got := len(f.pushed.updates(push.KindServer)); got != before {
		t.Fatalf("pushed %d server configs with a broken signing key", got-before)
	}
	if !hasAlert(f.store, "signing key is unusable") {
		t.Fatalf("no alert: %+v", f.store.Alerts().List())
	}
}

// installerState is what the installer wrote: the state document encoded as a
// JSON string, without any network settings.
const installerState = `"{\"version\":1.1,\"server\":{\"ip\":{\"v4\":[\"192\",\"168\",\"1\",\"10\"]},\"port\":10101,` +
	`\"keys\":{\"public\":\"c2VydmVyLXB1YmxpYw==\",\"private\":\"c2VydmVyLXByaXZhdGU=\"},` +
	`\"subnet\":{\"v4\":\"10.10.0.\",\"v6\":\"1010:1010:1010:1010:\"}},` +
	`\"devices\":[{\"name\":\"laptop\",\"ip\":{\"v4\":2},\"type\":\"Linux\",` +
	`\"keys\":{\"public\":\"bGFwdG9wLXB1YmxpYw==\",\"private\":\"bGFwdG9wLXByaXZhdGU=\"}}]}"`

func TestImportInstallerState(t *testing.T) {
	f := newFixture(t)
	if err := f.store.ImportBackup(context.Background(), []byte(installerState)); err != nil {
		t.Fatalf("import: %v", err)
	}
	snap := f.store.Snapshot()
	if got := snap.DestinationHost(); got != "wirtbot.wirt.internal" {
		t.Fatalf("destination = %q", got)
	}
	mustContain(t, f.store.DNSZone(), "10.10.0.2 laptop.wirt.internal")
	devices := snap.RealDevices()
	if len(devices) != 1 {
		t.Fatalf("devices = %+v", snap.Devices)
	}
	cfg, err := f.store.DeviceConfig(devices[0].ID)
	if err != nil {
		t.Fatal(err)
	}
	mustContain(t, cfg, "Endpoint = 192.168.1.10:10101", "Address = 10.10.0.2")
}
