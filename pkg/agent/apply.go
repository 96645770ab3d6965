// Package agent runs on the WirtBot next to WireGuard and CoreDNS. It receives
// the server config and Corefile pushed by the controller, writes them to disk
// and applies them.
package agent

import (
	"bytes"
	"context"
	"fmt"
	"net"
	"os/exec"

	"wirtbot/pkg/logging"
	"wirtbot/pkg/push"
)

// Runner executes system commands. stdin may be nil.
type Runner interface {
	Run(ctx context.Context, stdin []byte, name string, args ...string) ([]byte, error)
}

// ExecRunner runs commands with os/exec.
type ExecRunner struct{}

func (ExecRunner) Run(ctx context.Context, stdin []byte, name string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	if stdin != nil {
		cmd.Stdin = bytes.NewReader(stdin)
	}
	out, err := cmd.CombinedOutput()
	if err != nil {
		return out, fmt.Errorf("%s %v failed: %w output=%s", name, args, err, bytes.TrimSpace(out))
	}
	return out, nil
}

// Applier activates a written artifact.
type Applier interface {
	Apply(ctx context.Context, kind push.Kind, path string) error
}

// ApplierFunc adapts a function to Applier.
type ApplierFunc func(ctx context.Context, kind push.Kind, path string) error

func (f ApplierFunc) Apply(ctx context.Context, kind push.Kind, path string) error {
	return f(ctx, kind, path)
}

// WireGuard applies the server config. CoreDNS watches its Corefile through
// the reload plugin, so DNS pushes need no action.
type WireGuard struct {
	Interface string
	Runner    Runner
	NAT       *NAT // optional masquerading for routed devices
	// Exists reports whether the interface is up. Defaults to a lookup by name.
	Exists func(iface string) bool
}

// Apply brings the interface up on first use and otherwise updates peers in
// place with wg syncconf, so existing sessions survive.
func (w *WireGuard) Apply(ctx context.Context, kind push.Kind, path string) error {
	if kind != push.KindServer {
		return nil
	}
	iface := w.Interface
	if iface == "" {
		iface = "server"
	}
	run := w.runner()
	exists := w.Exists
	if exists == nil {
		exists = ifaceExists
	}

	if !exists(iface) {
		if _, err := run.Run(ctx, nil, "wg-quick", "up", path); err != nil {
			return fmt.Errorf("wg-quick up: %w", err)
		}
	} else {
		conf, err := run.Run(ctx, nil, "wg-quick", "strip", path)
		if err != nil {
			return fmt.Errorf("wg-quick strip: %w", err)
		}
		if _, err := run.Run(ctx, conf, "wg", "syncconf", iface, "/dev/stdin"); err != nil {
			return fmt.Errorf("wg syncconf: %w", err)
		}
	}
	if w.NAT != nil {
		if err := w.NAT.EnsureFromConfig(ctx, iface, path); err != nil {
			logging.Warnf("ensure NAT failed: %v", err)
		}
	}
	return nil
}

func (w *WireGuard) runner() Runner {
	if w.Runner == nil {
		return ExecRunner{}
	}
	return w.Runner
}

func ifaceExists(iface string) bool {
	if iface == "" {
		return false
	}
	_, err := net.InterfaceByName(iface)
	return err == nil
}
