package agent

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net/netip"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"wirtbot/pkg/logging"
)

// NAT installs forwarding and MASQUERADE rules so routed devices reach the
// internet through the WirtBot.
type NAT struct {
	Egress    string // detected from the default route when empty
	StatePath string // remembers managed rules so stale ones are removed
	Runner    Runner
}

// EnsureFromConfig reads the v4 network from the Address line of the server
// config at path and ensures NAT for it.
func (n *NAT) EnsureFromConfig(ctx context.Context, iface, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	cidr, err := interfaceNetwork(string(data))
	if err != nil {
		return err
	}
	return n.Ensure(ctx, iface, cidr)
}

// Ensure is idempotent: every rule is checked before it is added.
func (n *NAT) Ensure(ctx context.Context, iface, cidr string) error {
	if runtime.GOOS != "linux" {
		return nil
	}
	run := n.Runner
	if run == nil {
		run = ExecRunner{}
	}
	egress := n.Egress
	if egress == "" {
		egress = defaultRouteDevice(ctx, run)
	}
	if egress == "" {
		return fmt.Errorf("no egress interface")
	}

	prev := n.loadState()
	if prev.Iface != "" && (prev.Iface != iface || prev.Egress != egress || prev.CIDR != cidr) {
		cleanupNatRules(ctx, run, prev)
	}

	_, _ = run.Run(ctx, nil, "sysctl", "-w", "net.ipv4.ip_forward=1")

	rules := []struct {
		table string
		rule  []string
	}{
		{"", []string{"FORWARD", "-i", iface, "-o", egress, "-j", "ACCEPT"}},
		{"", []string{"FORWARD", "-i", egress, "-o", iface, "-m", "state", "--state", "RELATED,ESTABLISHED", "-j", "ACCEPT"}},
		{"nat", []string{"POSTROUTING", "-s", cidr, "-o", egress, "-j", "MASQUERADE"}},
	}
	for _, r := range rules {
		if err := ensureIptablesRule(ctx, run, r.table, r.rule); err != nil {
			return err
		}
	}
	if err := n.saveState(natState{Iface: iface, Egress: egress, CIDR: cidr}); err != nil {
		logging.Warnf("save NAT state: %v", err)
	}
	logging.Infof("NAT ensured for %s via %s (cidr=%s)", iface, egress, cidr)
	return nil
}

func ensureIptablesRule(ctx context.Context, run Runner, table string, rule []string) error {
	var prefix []string
	if table != "" {
		prefix = []string{"-t", table}
	}
	check := append(append(append([]string{}, prefix...), "-C"), rule...)
	if _, err := run.Run(ctx, nil, "iptables", check...); err == nil {
		return nil
	}
	add := append(append(append([]string{}, prefix...), "-A"), rule...)
	if _, err := run.Run(ctx, nil, "iptables", add...); err != nil {
		return fmt.Errorf("iptables %v: %w", add, err)
	}
	return nil
}

type natState struct {
	Iface  string `json:"iface"`
	Egress string `json:"egress"`
	CIDR   string `json:"cidr"`
}

func (n *NAT) loadState() natState {
	if n.StatePath == "" {
		return natState{}
	}
	data, err := os.ReadFile(n.StatePath)
	if err != nil {
		return natState{}
	}
	var s natState
	if err := json.Unmarshal(data, &s); err != nil {
		return natState{}
	}
	return s
}

func (n *NAT) saveState(s natState) error {
	if n.StatePath == "" {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(n.StatePath), 0o755); err != nil {
		return err
	}
	data, err := json.Marshal(s)
	if err != nil {
		return err
	}
	return os.WriteFile(n.StatePath, data, 0o644)
}

// cleanupNatRules removes previously managed rules when the network changes.
func cleanupNatRules(ctx context.Context, run Runner, s natState) {
	if s.Iface == "" || s.Egress == "" || s.CIDR == "" {
		return
	}
	_, _ = run.Run(ctx, nil, "iptables", "-t", "nat", "-D", "POSTROUTING", "-s", s.CIDR, "-o", s.Egress, "-j", "MASQUERADE")
	_, _ = run.Run(ctx, nil, "iptables", "-D", "FORWARD", "-i", s.Iface, "-o", s.Egress, "-j", "ACCEPT")
	_, _ = run.Run(ctx, nil, "iptables", "-D", "FORWARD", "-i", s.Egress, "-o", s.Iface, "-m", "state", "--state", "RELATED,ESTABLISHED", "-j", "ACCEPT")
}

// defaultRouteDevice parses `ip route show default`.
func defaultRouteDevice(ctx context.Context, run Runner) string {
	out, err := run.Run(ctx, nil, "ip", "route", "show", "default")
	if err != nil {
		return ""
	}
	fields := strings.Fields(string(out))
	for i := 0; i+1 < len(fields); i++ {
		if fields[i] == "dev" {
			return fields[i+1]
		}
	}
	return ""
}

// interfaceNetwork returns the v4 network of the first Address entry in a
// WireGuard config, e.g. "10.10.0.0/24".
func interfaceNetwork(conf string) (string, error) {
	sc := bufio.NewScanner(strings.NewReader(conf))
	for sc.Scan() {
		key, value, ok := strings.Cut(sc.Text(), "=")
		if !ok || strings.TrimSpace(key) != "Address" {
			continue
		}
		for _, part := range strings.Split(value, ",") {
			prefix, err := netip.ParsePrefix(strings.TrimSpace(part))
			if err == nil && prefix.Addr().Is4() {
				return prefix.Masked().String(), nil
			}
		}
	}
	return "", fmt.Errorf("no v4 Address in config")
}
