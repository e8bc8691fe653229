package config

import (
	"fmt"
	"os"
	"path/filepath"
)

// EnsureDirs creates the canonical on-disk layout under opts.Path: the
// pebble store itself, plus sibling directories for telemetry traces and
// audit logs. Refuses to proceed if any path already exists as something
// other than a plain, non-symlinked directory.
func EnsureDirs(opts Options) error {
	base := filepath.Clean(opts.Path)
	store := filepath.Join(base, "store")
	telemetryDir := filepath.Join(base, "telemetry")
	auditDir := filepath.Join(base, "audit")

	for _, p := range []string{store, telemetryDir, auditDir} {
		if err := os.MkdirAll(filepath.Dir(p), 0o700); err != nil {
			return fmt.Errorf("cannot create parent for %s: %w", p, err)
		}
		if fi, err := os.Lstat(p); err == nil {
			if fi.Mode()&os.ModeSymlink != 0 {
				return fmt.Errorf("path is a symlink: %s", p)
			}
			if !fi.IsDir() {
				return fmt.Errorf("path exists and is not a directory: %s", p)
			}
		}
		if err := os.MkdirAll(p, 0o700); err != nil {
			return fmt.Errorf("cannot create path %s: %w", p, err)
		}
	}
	return nil
}

// StorePath returns the pebble data directory under opts.Path.
func StorePath(opts Options) string {
	return filepath.Join(filepath.Clean(opts.Path), "store")
}

// TelemetryPath returns the telemetry trace directory under opts.Path.
func TelemetryPath(opts Options) string {
	return filepath.Join(filepath.Clean(opts.Path), "telemetry")
}

// AuditPath returns the audit log directory under opts.Path.
func AuditPath(opts Options) string {
	return filepath.Join(filepath.Clean(opts.Path), "audit")
}
