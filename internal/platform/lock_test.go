package platform

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWithLockMutualExclusion(t *testing.T) {
	lockPath := filepath.Join(t.TempDir(), "board.lock")
	ctx := context.Background()

	var (
		inside  int
		maxSeen int
		mu      sync.Mutex
	)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := WithLock(ctx, lockPath, 5*time.Second, func() error {
				mu.Lock()
				inside++
				if inside > maxSeen {
					maxSeen = inside
				}
				mu.Unlock()

				time.Sleep(5 * time.Millisecond)

				mu.Lock()
				inside--
				mu.Unlock()
				return nil
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, maxSeen, "critical section must never be shared")
}

func TestWithLockContended(t *testing.T) {
	lockPath := filepath.Join(t.TempDir(), "board.lock")
	ctx := context.Background()

	held := make(chan struct{})
	release := make(chan struct{})
	go func() {
		_ = WithLock(ctx, lockPath, time.Second, func() error {
			close(held)
			<-release
			return nil
		})
	}()
	<-held
	defer close(release)

	err := WithLock(ctx, lockPath, 50*time.Millisecond, func() error { return nil })
	require.ErrorIs(t, err, ErrLockContended)
}

func TestWithRLockAllowsSharedReaders(t *testing.T) {
	lockPath := filepath.Join(t.TempDir(), "subs.lock")
	ctx := context.Background()

	first := make(chan struct{})
	second := make(chan struct{})
	done := make(chan error, 1)

	go func() {
		done <- WithRLock(ctx, lockPath, time.Second, func() error {
			close(first)
			select {
			case <-second:
				return nil
			case <-time.After(2 * time.Second):
				return context.DeadlineExceeded
			}
		})
	}()

	<-first
	err := WithRLock(ctx, lockPath, time.Second, func() error {
		close(second)
		return nil
	})
	require.NoError(t, err)
	require.NoError(t, <-done, "two shared holders must coexist")
}
