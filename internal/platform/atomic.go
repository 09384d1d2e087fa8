// Package platform provides the filesystem primitives the coordination
// fabric is built on: atomic writes, advisory locks, directory watching,
// sortable ids, and bounded retries. Everything here is safe for concurrent
// use from multiple processes sharing one home directory.
package platform

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"syscall"
	"time"
)

// ErrCrossDevice is returned when the final rename would cross a filesystem
// boundary, which cannot be atomic.
var ErrCrossDevice = errors.New("rename crosses filesystem boundary")

// AtomicWrite writes data to path so that readers observe either the old
// content or the new content, never a partial file. The temp file lives next
// to the target (same directory, same filesystem) and is named
// <path>.tmp.<pid>.<nonce> so concurrent writers never collide.
func AtomicWrite(path string, data []byte, perm os.FileMode) error {
	tmp := fmt.Sprintf("%s.tmp.%d.%s", path, os.Getpid(), nonce())

	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_EXCL, perm)
	if err != nil {
		return fmt.Errorf("atomic write %s: create temp: %w", path, err)
	}

	success := false
	defer func() {
		if !success {
			os.Remove(tmp)
		}
	}()

	_, writeErr := f.Write(data)
	syncErr := f.Sync()
	closeErr := f.Close()
	if writeErr != nil {
		return fmt.Errorf("atomic write %s: write: %w", path, writeErr)
	}
	if syncErr != nil {
		return fmt.Errorf("atomic write %s: fsync: %w", path, syncErr)
	}
	if closeErr != nil {
		return fmt.Errorf("atomic write %s: close: %w", path, closeErr)
	}

	if err := os.Rename(tmp, path); err != nil {
		if errors.Is(err, syscall.EXDEV) {
			return fmt.Errorf("atomic write %s: %w", path, ErrCrossDevice)
		}
		return fmt.Errorf("atomic write %s: rename: %w", path, err)
	}

	success = true
	return nil
}

// Touch creates an empty file if absent and bumps its mtime if present.
// Idempotent; used for read-markers and heartbeats.
func Touch(path string) error {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE, 0o644)
	if err != nil {
		return fmt.Errorf("touch %s: %w", path, err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("touch %s: close: %w", path, err)
	}
	now := time.Now()
	if err := os.Chtimes(path, now, now); err != nil {
		return fmt.Errorf("touch %s: chtimes: %w", path, err)
	}
	return nil
}

func nonce() string {
	var b [4]byte
	if _, err := rand.Read(b[:]); err != nil {
		// crypto/rand failing means the process is in much worse trouble
		// than a weak temp name.
		return fmt.Sprintf("%08x", time.Now().UnixNano()&0xffffffff)
	}
	return hex.EncodeToString(b[:])
}
