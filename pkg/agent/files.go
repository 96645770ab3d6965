package agent

import (
	"fmt"
	"os"
	"path/filepath"

	"wirtbot/pkg/push"
)

// File names the WirtBot containers read.
const (
	ServerFile = "server.conf"
	DNSFile    = "Corefile"
)

func fileFor(kind push.Kind) (string, os.FileMode, error) {
	switch kind {
	case push.KindServer:
		return ServerFile, 0o600, nil
	case push.KindDNS:
		return DNSFile, 0o644, nil
	default:
		return "", 0, fmt.Errorf("unknown kind %q", kind)
	}
}

// writeAtomic replaces path so readers never observe a partial file.
func writeAtomic(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("mkdir output: %w", err)
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Chmod(tmp.Name(), perm); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}
