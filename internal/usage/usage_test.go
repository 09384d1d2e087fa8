package usage

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(context.Background(), filepath.Join(t.TempDir(), "usage.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestOpenIdempotent(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "usage.db")

	s, err := Open(ctx, path)
	require.NoError(t, err)
	require.NoError(t, s.Record(ctx, Call{AgentID: "a", Tool: "Bash", Outcome: "allow"}))
	require.NoError(t, s.Close())

	// Reopening must keep the existing rows.
	s, err = Open(ctx, path)
	require.NoError(t, err)
	defer s.Close()

	rows, err := s.Recent(ctx, "", 10)
	require.NoError(t, err)
	assert.Len(t, rows, 1)
}

func TestRecordAndRecent(t *testing.T) {
	ctx := context.Background()
	s := testStore(t)

	base := time.Now().Add(-time.Minute)
	calls := []Call{
		{AgentID: "a", SessionID: "s1", Turn: 1, Tool: "Read", Class: "read", Outcome: "allow", Duration: 12 * time.Millisecond, StartedAt: base},
		{AgentID: "a", SessionID: "s1", Turn: 1, Tool: "Bash", Class: "exec", Outcome: "deny", Duration: 3 * time.Millisecond, StartedAt: base.Add(time.Second)},
		{AgentID: "b", SessionID: "s2", Turn: 2, Tool: "Edit", Class: "edit", Outcome: "allow", Duration: 40 * time.Millisecond, Errored: true, StartedAt: base.Add(2 * time.Second)},
	}
	for _, c := range calls {
		require.NoError(t, s.Record(ctx, c))
	}

	rows, err := s.Recent(ctx, "a", 10)
	require.NoError(t, err)
	require.Len(t, rows, 2)

	// Newest first.
	assert.Equal(t, "Bash", rows[0].Tool)
	assert.Equal(t, "deny", rows[0].Outcome)
	assert.Equal(t, "Read", rows[1].Tool)
	assert.Equal(t, int64(12), rows[1].DurationMS)
	assert.False(t, rows[1].Errored)

	all, err := s.Recent(ctx, "", 10)
	require.NoError(t, err)
	assert.Len(t, all, 3)
	assert.True(t, all[0].Errored)
}

func TestRecentLimit(t *testing.T) {
	ctx := context.Background()
	s := testStore(t)

	for i := 0; i < 5; i++ {
		require.NoError(t, s.Record(ctx, Call{AgentID: "a", Tool: fmt.Sprintf("t%d", i), Outcome: "allow"}))
	}

	rows, err := s.Recent(ctx, "a", 2)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, "t4", rows[0].Tool)
	assert.Equal(t, "t3", rows[1].Tool)
}

func TestTotals(t *testing.T) {
	ctx := context.Background()
	s := testStore(t)

	for i := 0; i < 3; i++ {
		require.NoError(t, s.Record(ctx, Call{AgentID: "a", Tool: "Bash", Outcome: "allow", Duration: 10 * time.Millisecond}))
	}
	require.NoError(t, s.Record(ctx, Call{AgentID: "a", Tool: "Read", Outcome: "allow", Errored: true, Duration: 30 * time.Millisecond}))

	totals, err := s.Totals(ctx)
	require.NoError(t, err)
	require.Len(t, totals, 2)

	assert.Equal(t, "Bash", totals[0].Tool)
	assert.Equal(t, int64(3), totals[0].Calls)
	assert.Equal(t, int64(0), totals[0].Errors)
	assert.InDelta(t, 10.0, totals[0].AvgMS, 0.01)

	assert.Equal(t, "Read", totals[1].Tool)
	assert.Equal(t, int64(1), totals[1].Errors)
}

func TestConcurrentRecords(t *testing.T) {
	ctx := context.Background()
	s := testStore(t)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			for j := 0; j < 10; j++ {
				_ = s.Record(ctx, Call{AgentID: "a", Tool: fmt.Sprintf("w%d", n), Outcome: "allow"})
			}
		}(i)
	}
	wg.Wait()

	rows, err := s.Recent(ctx, "a", 200)
	require.NoError(t, err)
	assert.Len(t, rows, 80)
}
