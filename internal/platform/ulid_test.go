package platform

import (
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewULIDShape(t *testing.T) {
	id := NewULID()
	assert.Len(t, id, 26)
}

func TestNewULIDMonotonicWithinProcess(t *testing.T) {
	prev := NewULID()
	for i := 0; i < 1000; i++ {
		next := NewULID()
		require.Greater(t, next, prev, "ids must strictly increase")
		prev = next
	}
}

func TestNewULIDSortIsTemporalSort(t *testing.T) {
	var ids []string
	for i := 0; i < 50; i++ {
		ids = append(ids, NewULID())
	}
	assert.True(t, sort.StringsAreSorted(ids))
}

func TestNewULIDConcurrentUniqueness(t *testing.T) {
	const (
		workers = 4
		perW    = 500
	)
	var (
		mu  sync.Mutex
		all = make(map[string]struct{}, workers*perW)
		wg  sync.WaitGroup
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < perW; j++ {
				id := NewULID()
				mu.Lock()
				all[id] = struct{}{}
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Len(t, all, workers*perW, "no id may repeat")
}

func TestULIDTime(t *testing.T) {
	before := time.Now().UTC().Truncate(time.Millisecond)
	id := NewULID()
	after := time.Now().UTC()

	ts, err := ULIDTime(id)
	require.NoError(t, err)
	assert.False(t, ts.Before(before))
	assert.False(t, ts.After(after))

	_, err = ULIDTime("not-a-ulid")
	assert.Error(t, err)
}
