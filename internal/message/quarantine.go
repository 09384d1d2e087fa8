package message

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"
)

// Quarantine moves an undecodable file into dir, prefixing the name with a
// timestamp so repeated offenders never collide. The file is taken out of
// its inbox or channel so it is never retried.
func Quarantine(dir, path string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("quarantine dir: %w", err)
	}
	dest := filepath.Join(dir, fmt.Sprintf("%s-%s", time.Now().UTC().Format("20060102T150405"), filepath.Base(path)))
	if err := os.Rename(path, dest); err != nil {
		return fmt.Errorf("quarantine %s: %w", path, err)
	}
	slog.Warn("quarantined malformed message", "component", "message", "path", path, "dest", dest)
	return nil
}
