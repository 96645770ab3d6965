package wireguard

import (
	"strings"
	"testing"

	"wirtbot/pkg/model"
)

func testServer() model.Server {
	return model.Server{
		IP:     model.ServerIP{V4: model.Octets{1, 2, 3, 4}},
		Port:   1234,
		Keys:   &model.KeyPair{Public: "srv-pub", Private: "srv-priv"},
		Subnet: model.Subnet{V4: "10.11.0", V6: "1010:1010:1010:1010"},
	}
}

func testDevice(id string, host int) model.Device {
	return model.Device{
		ID:   id,
		Name: "dev-" + id,
		IP:   model.DeviceIP{V4: host},
		Type: model.Linux,
		Keys: &model.KeyPair{Public: id + "-pub", Private: id + "-priv"},
	}
}

func TestDeviceConfig(t *testing.T) {
	mtu := uint16(1500)
	d := testDevice("a", 2)
	d.MTU = &mtu
	d.AdditionalDNSServers = []string{"2.2.2.2"}

	out, err := DeviceConfig(d, testServer())
	if err != nil {
		t.Fatalf("render: %v", err)
	}
	for _, want := range []string{
		"PrivateKey = a-priv\n",
		"Endpoint = 1.2.3.4:1234\n",
		"Address = 10.11.0.2, 1010:1010:1010:1010::2\n",
		"DNS = 10.11.0.1,2.2.2.2\n",
		"MTU = 1500\n",
		"PublicKey = srv-pub\n",
		"AllowedIPs = 10.11.0.0/24, 1010:1010:1010:1010::/64\n",
		"PersistentKeepalive = 25\n",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("missing %q in:\n%s", want, out)
		}
	}
}

func TestDeviceConfig_HostnameWins(t *testing.T) {
	s := testServer()
	s.Hostname = "test.test"
	out, err := DeviceConfig(testDevice("a", 3), s)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out, "Endpoint = test.test:1234\n") {
		t.Fatalf("endpoint not from hostname:\n%s", out)
	}
}

func TestDeviceConfig_Routed(t *testing.T) {
	d := testDevice("a", 2)
	d.Routed = true
	out, err := DeviceConfig(d, testServer())
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out, "AllowedIPs = 0.0.0.0/0, ::/0\n") {
		t.Fatalf("routed device should send everything:\n%s", out)
	}
	if strings.Contains(out, "MTU") {
		t.Fatalf("unexpected MTU line:\n%s", out)
	}
}

func TestDeviceConfig_Incomplete(t *testing.T) {
	s := testServer()
	s.Port = 0
	if _, err := DeviceConfig(testDevice("a", 2), s); err == nil {
		t.Fatal("expected error without port")
	}
	s = testServer()
	s.Keys = nil
	if _, err := DeviceConfig(testDevice("a", 2), s); err == nil {
		t.Fatal("expected error without server keys")
	}
	d := testDevice("a", 2)
	d.Keys = nil
	if _, err := DeviceConfig(d, testServer()); err == nil {
		t.Fatal("expected error without device keys")
	}
}

func TestServerConfig(t *testing.T) {
	draft := testDevice("", 5)
	unkeyed := testDevice("u", 6)
	unkeyed.Keys = nil
	devices := []model.Device{testDevice("b", 3), draft, testDevice("a", 2), unkeyed}

	out, err := ServerConfig(testServer(), devices)
	if err != nil {
		t.Fatalf("render: %v", err)
	}
	want := `[Interface]
Address = 10.11.0.1/24, 1010:1010:1010:1010::1/64
ListenPort = 1234
PrivateKey = srv-priv

[Peer]
# dev-a
PublicKey = a-pub
AllowedIPs = 10.11.0.2/32, 1010:1010:1010:1010::2/128

[Peer]
# dev-b
PublicKey = b-pub
AllowedIPs = 10.11.0.3/32, 1010:1010:1010:1010::3/128
`
	if out != want {
		t.Fatalf("server config mismatch:\n--- got\n%s--- want\n%s", out, want)
	}
}

func TestServerConfig_Deterministic(t *testing.T) {
	devices := []model.Device{testDevice("c", 4), testDevice("a", 2), testDevice("b", 3)}
	first, _ := ServerConfig(testServer(), devices)
	reversed := []model.Device{devices[2], devices[1], devices[0]}
	second, _ := ServerConfig(testServer(), reversed)
	if first != second {
		t.Fatalf("device order leaked into config:\n%s\n%s", first, second)
	}
}

func TestServerConfig_NoV6(t *testing.T) {
	s := testServer()
	s.Subnet.V6 = ""
	s.Port = 0
	out, err := ServerConfig(s, nil)
	if err != nil {
		t.Fatal(err)
	}
	if out != "[Interface]\nAddress = 10.11.0.1/24\nPrivateKey = srv-priv\n" {
		t.Fatalf("unexpected config:\n%s", out)
	}
}
