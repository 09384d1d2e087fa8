package inbox

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kaselby/aleph-harness/internal/home"
	"github.com/kaselby/aleph-harness/internal/message"
	"github.com/kaselby/aleph-harness/internal/platform"
)

func testService(t *testing.T) *Service {
	t.Helper()
	return New(home.At(t.TempDir()))
}

func deliver(t *testing.T, s *Service, from, to, summary, priority string) string {
	t.Helper()
	m := &message.Message{
		ID: platform.NewULID(), From: from, To: to,
		Summary: summary, Priority: priority, Body: "body of " + summary,
	}
	require.NoError(t, s.Deliver(m))
	return m.ID
}

func TestDeliverAndList(t *testing.T) {
	s := testService(t)
	ctx := context.Background()

	idLow := deliver(t, s, "a", "b", "later", message.PriorityLow)
	idHigh := deliver(t, s, "a", "b", "now", message.PriorityHigh)
	idNorm := deliver(t, s, "c", "b", "whenever", message.PriorityNormal)

	metas, err := s.ListUnread(ctx, "b")
	require.NoError(t, err)
	require.Len(t, metas, 3)
	assert.Equal(t, idHigh, metas[0].ID)
	assert.Equal(t, idNorm, metas[1].ID)
	assert.Equal(t, idLow, metas[2].ID)
}

func TestPriorityTiesBreakOnTimestamp(t *testing.T) {
	s := testService(t)
	ctx := context.Background()

	first := &message.Message{
		ID: platform.NewULID(), From: "a", To: "b", Summary: "first",
		Priority: message.PriorityNormal,
		Timestamp: time.Date(2026, 8, 25, 9, 0, 0, 0, time.UTC),
	}
	second := &message.Message{
		ID: platform.NewULID(), From: "a", To: "b", Summary: "second",
		Priority: message.PriorityNormal,
		Timestamp: time.Date(2026, 8, 25, 10, 0, 0, 0, time.UTC),
	}
	require.NoError(t, s.Deliver(second))
	require.NoError(t, s.Deliver(first))

	metas, err := s.ListUnread(ctx, "b")
	require.NoError(t, err)
	require.Len(t, metas, 2)
	assert.Equal(t, "first", metas[0].Summary)
	assert.Equal(t, "second", metas[1].Summary)
}

func TestMarkReadHidesFromListing(t *testing.T) {
	s := testService(t)
	ctx := context.Background()

	id1 := deliver(t, s, "a", "b", "one", message.PriorityNormal)
	id2 := deliver(t, s, "a", "b", "two", message.PriorityNormal)

	require.NoError(t, s.MarkRead(ctx, "b", id1))

	metas, err := s.ListUnread(ctx, "b")
	require.NoError(t, err)
	require.Len(t, metas, 1)
	assert.Equal(t, id2, metas[0].ID)

	// Idempotent.
	require.NoError(t, s.MarkRead(ctx, "b", id1))
}

func TestMarkReadMissing(t *testing.T) {
	s := testService(t)
	ctx := context.Background()
	id := deliver(t, s, "a", "b", "real", message.PriorityNormal)

	err := s.MarkRead(ctx, "b", id, "01JUNKNOWN000000000000000X")
	assert.ErrorIs(t, err, ErrNotFound)

	// The existing id was still marked.
	metas, err := s.ListUnread(ctx, "b")
	require.NoError(t, err)
	assert.Empty(t, metas)
}

func TestReadReturnsBody(t *testing.T) {
	s := testService(t)
	id := deliver(t, s, "a", "b", "greetings", message.PriorityNormal)

	m, err := s.Read("b", id)
	require.NoError(t, err)
	assert.Equal(t, "body of greetings\n", m.Body)

	_, err = s.Read("b", "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMalformedQuarantined(t *testing.T) {
	s := testService(t)
	ctx := context.Background()
	deliver(t, s, "a", "b", "good", message.PriorityNormal)

	badPath := s.home.MessagePath("b", "01JBADMESSAGE000000000000X")
	require.NoError(t, os.WriteFile(badPath, []byte("no frontmatter here"), 0o644))

	metas, err := s.ListUnread(ctx, "b")
	require.NoError(t, err)
	assert.Len(t, metas, 1)
	assert.NoFileExists(t, badPath)

	qEntries, err := os.ReadDir(s.home.QuarantineDir())
	require.NoError(t, err)
	assert.Len(t, qEntries, 1)
}

func TestPruneKeepsUnread(t *testing.T) {
	s := testService(t)
	ctx := context.Background()

	var ids []string
	for i := 0; i < 5; i++ {
		ids = append(ids, deliver(t, s, "a", "b", "msg", message.PriorityNormal))
	}
	require.NoError(t, s.MarkRead(ctx, "b", ids[0], ids[1], ids[2]))

	removed, err := s.Prune(ctx, "b", time.Hour, 1)
	require.NoError(t, err)
	assert.Equal(t, 2, removed)

	metas, err := s.ListUnread(ctx, "b")
	require.NoError(t, err)
	assert.Len(t, metas, 2)

	// Newest read message survived the count cap.
	_, err = s.Read("b", ids[2])
	require.NoError(t, err)
}

func TestPruneByAge(t *testing.T) {
	s := testService(t)
	ctx := context.Background()
	id := deliver(t, s, "a", "b", "old", message.PriorityNormal)
	require.NoError(t, s.MarkRead(ctx, "b", id))

	removed, err := s.Prune(ctx, "b", 0, 100)
	require.NoError(t, err)
	assert.Equal(t, 1, removed)
}

func TestAgents(t *testing.T) {
	s := testService(t)
	deliver(t, s, "x", "alice", "hi", message.PriorityNormal)
	deliver(t, s, "x", "bob", "hi", message.PriorityNormal)

	agents, err := s.Agents()
	require.NoError(t, err)
	assert.Equal(t, []string{"alice", "bob"}, agents)
}

func TestConcurrentDeliveriesDistinctFiles(t *testing.T) {
	s := testService(t)
	ctx := context.Background()

	type sent struct{ id, from string }
	const senders = 32
	ids := make(chan sent, senders)
	done := make(chan error, senders)
	for i := 0; i < senders; i++ {
		from := fmt.Sprintf("agent-%02d", i)
		go func() {
			m := &message.Message{
				ID: platform.NewULID(), From: from, To: "hub",
				Summary: "from " + from, Priority: message.PriorityNormal, Body: "x",
			}
			if err := s.Deliver(m); err != nil {
				done <- err
				return
			}
			ids <- sent{m.ID, from}
			done <- nil
		}()
	}
	for i := 0; i < senders; i++ {
		require.NoError(t, <-done)
	}
	close(ids)

	want := make(map[string]string, senders)
	for sn := range ids {
		want[sn.id] = sn.from
	}
	require.Len(t, want, senders)

	metas, err := s.ListUnread(ctx, "hub")
	require.NoError(t, err)
	require.Len(t, metas, senders)
	for _, m := range metas {
		from, ok := want[m.ID]
		require.True(t, ok, "unexpected id %s", m.ID)
		assert.Equal(t, from, m.From)
		assert.Equal(t, "from "+from, m.Summary)
		delete(want, m.ID)
	}

	entries, err := os.ReadDir(s.home.InboxDir("hub"))
	require.NoError(t, err)
	files := 0
	for _, e := range entries {
		if filepath.Ext(e.Name()) == ".md" {
			files++
		}
	}
	assert.Equal(t, senders, files)
}

func TestUnreadOrderingProperty(t *testing.T) {
	params := gopter.DefaultTestParameters()
	params.MinSuccessfulTests = 100
	properties := gopter.NewProperties(params)

	byRank := []string{message.PriorityLow, message.PriorityNormal, message.PriorityHigh}

	properties.Property("listing sorts by priority rank, then age", prop.ForAll(
		func(ranks []int) bool {
			s := New(home.At(t.TempDir()))
			base := time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC)
			for i, r := range ranks {
				m := &message.Message{
					ID: platform.NewULID(), From: "gen", To: "hub",
					Summary: "m", Priority: byRank[r], Body: "b",
					Timestamp: base.Add(time.Duration(i) * time.Second),
				}
				if err := s.Deliver(m); err != nil {
					return false
				}
			}
			metas, err := s.ListUnread(context.Background(), "hub")
			if err != nil || len(metas) != len(ranks) {
				return false
			}
			for j := 1; j < len(metas); j++ {
				prev, cur := metas[j-1], metas[j]
				pr := message.PriorityRank(prev.Priority)
				cr := message.PriorityRank(cur.Priority)
				if pr < cr {
					return false
				}
				if pr == cr && prev.Timestamp.After(cur.Timestamp) {
					return false
				}
			}
			return true
		},
		gen.SliceOf(gen.IntRange(0, 2)),
	))

	properties.TestingRun(t)
}
