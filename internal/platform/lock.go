package platform

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gofrs/flock"
)

// ErrLockContended is returned when an advisory lock could not be acquired
// within the timeout.
var ErrLockContended = errors.New("lock contended")

// lockRetryDelay is how often a blocked acquirer re-polls the lock.
const lockRetryDelay = 10 * time.Millisecond

// LockPath returns the lock-file path guarding target. Locks live in a
// sidecar file rather than on the target itself: targets are replaced by
// rename, and a lock held on a replaced inode excludes nobody.
func LockPath(target string) string {
	return target + ".lock"
}

// WithLock runs fn while holding an exclusive advisory lock on path.
// The lock is released when fn returns, and by the OS if the process dies.
func WithLock(ctx context.Context, path string, timeout time.Duration, fn func() error) error {
	return withFlock(ctx, path, timeout, false, fn)
}

// WithRLock runs fn while holding a shared advisory lock on path.
func WithRLock(ctx context.Context, path string, timeout time.Duration, fn func() error) error {
	return withFlock(ctx, path, timeout, true, fn)
}

func withFlock(ctx context.Context, path string, timeout time.Duration, shared bool, fn func() error) error {
	fl := flock.New(path)

	lockCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var (
		ok  bool
		err error
	)
	if shared {
		ok, err = fl.TryRLockContext(lockCtx, lockRetryDelay)
	} else {
		ok, err = fl.TryLockContext(lockCtx, lockRetryDelay)
	}
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return fmt.Errorf("%s: %w", path, ErrLockContended)
		}
		return fmt.Errorf("acquire lock %s: %w", path, err)
	}
	if !ok {
		return fmt.Errorf("%s: %w", path, ErrLockContended)
	}
	defer fl.Unlock()

	return fn()
}
