package channels

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kaselby/aleph-harness/internal/home"
	"github.com/kaselby/aleph-harness/internal/inbox"
	"github.com/kaselby/aleph-harness/internal/message"
	"github.com/kaselby/aleph-harness/internal/platform"
)

func testServices(t *testing.T, retain int) (*Service, *inbox.Service) {
	t.Helper()
	h := home.At(t.TempDir())
	ib := inbox.New(h)
	return New(h, ib, retain), ib
}

func broadcastMsg(from, channel, summary string) *message.Message {
	return &message.Message{
		ID: platform.NewULID(), From: from, Channel: channel,
		Summary: summary, Priority: message.PriorityNormal, Body: summary + " details",
	}
}

func TestSubscribeIdempotent(t *testing.T) {
	s, _ := testServices(t, 500)
	ctx := context.Background()

	require.NoError(t, s.Subscribe(ctx, "exploration", "alice"))
	require.NoError(t, s.Subscribe(ctx, "exploration", "bob"))
	require.NoError(t, s.Subscribe(ctx, "exploration", "alice"))

	subs, err := s.Subscribers(ctx, "exploration")
	require.NoError(t, err)
	assert.Equal(t, []string{"alice", "bob"}, subs)
}

func TestUnsubscribe(t *testing.T) {
	s, _ := testServices(t, 500)
	ctx := context.Background()

	require.NoError(t, s.Subscribe(ctx, "ops", "alice"))
	require.NoError(t, s.Subscribe(ctx, "ops", "bob"))
	require.NoError(t, s.Unsubscribe(ctx, "ops", "alice"))

	subs, err := s.Subscribers(ctx, "ops")
	require.NoError(t, err)
	assert.Equal(t, []string{"bob"}, subs)

	// Not subscribed: no-op. Unknown channel: not found.
	require.NoError(t, s.Unsubscribe(ctx, "ops", "carol"))
	assert.ErrorIs(t, s.Unsubscribe(ctx, "ghost", "alice"), ErrNotFound)
}

func TestBroadcastFansOutExceptSender(t *testing.T) {
	s, ib := testServices(t, 500)
	ctx := context.Background()

	for _, agent := range []string{"alice", "bob", "carol"} {
		require.NoError(t, s.Subscribe(ctx, "news", agent))
	}

	delivered, err := s.Broadcast(ctx, broadcastMsg("alice", "news", "hello all"))
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"bob", "carol"}, delivered)

	for _, agent := range []string{"bob", "carol"} {
		metas, err := ib.ListUnread(ctx, agent)
		require.NoError(t, err)
		require.Len(t, metas, 1, agent)
		assert.Equal(t, "news", metas[0].Channel)
		assert.Equal(t, "alice", metas[0].From)
	}
	metas, err := ib.ListUnread(ctx, "alice")
	require.NoError(t, err)
	assert.Empty(t, metas)
}

func TestBroadcastUnknownChannel(t *testing.T) {
	s, _ := testServices(t, 500)
	_, err := s.Broadcast(context.Background(), broadcastMsg("a", "nowhere", "x"))
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestBroadcastPartialFailureIsolated(t *testing.T) {
	h := home.At(t.TempDir())
	ib := inbox.New(h)
	s := New(h, ib, 500)
	ctx := context.Background()

	for _, agent := range []string{"alice", "bob", "carol"} {
		require.NoError(t, s.Subscribe(ctx, "mixed", agent))
	}
	// A regular file where bob's inbox directory belongs makes every
	// delivery to bob fail.
	require.NoError(t, os.MkdirAll(h.InboxRoot(), 0o755))
	require.NoError(t, os.WriteFile(h.InboxDir("bob"), nil, 0o644))

	delivered, err := s.Broadcast(ctx, broadcastMsg("alice", "mixed", "risky business"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "deliver to bob")
	assert.Equal(t, []string{"carol"}, delivered)

	metas, err := ib.ListUnread(ctx, "carol")
	require.NoError(t, err)
	require.Len(t, metas, 1)
	assert.Equal(t, "mixed", metas[0].Channel)

	// The history entry was appended before fan-out started.
	msgs, err := s.History(ctx, "mixed", 0)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
}

func TestHistoryRetention(t *testing.T) {
	s, _ := testServices(t, 3)
	ctx := context.Background()
	require.NoError(t, s.Subscribe(ctx, "busy", "alice"))

	for i := 0; i < 5; i++ {
		_, err := s.Broadcast(ctx, broadcastMsg("alice", "busy", fmt.Sprintf("update %d", i)))
		require.NoError(t, err)
	}

	msgs, err := s.History(ctx, "busy", 0)
	require.NoError(t, err)
	require.Len(t, msgs, 3)
	assert.Equal(t, "update 2", msgs[0].Summary)
	assert.Equal(t, "update 4", msgs[2].Summary)
}

func TestHistoryLastN(t *testing.T) {
	s, _ := testServices(t, 500)
	ctx := context.Background()
	require.NoError(t, s.Subscribe(ctx, "log", "alice"))

	for i := 0; i < 4; i++ {
		_, err := s.Broadcast(ctx, broadcastMsg("alice", "log", fmt.Sprintf("entry %d", i)))
		require.NoError(t, err)
	}

	msgs, err := s.History(ctx, "log", 2)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, "entry 2", msgs[0].Summary)
	assert.Equal(t, "entry 3", msgs[1].Summary)
	assert.False(t, msgs[0].Timestamp.After(msgs[1].Timestamp))
}

func TestHistoryEntriesCarryBody(t *testing.T) {
	s, _ := testServices(t, 500)
	ctx := context.Background()
	require.NoError(t, s.Subscribe(ctx, "deep", "alice"))

	_, err := s.Broadcast(ctx, broadcastMsg("bob", "deep", "dig here"))
	require.NoError(t, err)

	msgs, err := s.History(ctx, "deep", 1)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "dig here details", msgs[0].Body)
	assert.NotEmpty(t, msgs[0].ID)
	assert.Equal(t, time.UTC, msgs[0].Timestamp.Location())
}

func TestInvalidChannelNames(t *testing.T) {
	s, _ := testServices(t, 500)
	ctx := context.Background()
	for _, bad := range []string{"", "../escape", "UPPER", ".hidden", "a b"} {
		assert.Error(t, s.Subscribe(ctx, bad, "alice"), bad)
	}
}

func TestList(t *testing.T) {
	s, _ := testServices(t, 500)
	ctx := context.Background()
	require.NoError(t, s.Subscribe(ctx, "zeta", "a"))
	require.NoError(t, s.Subscribe(ctx, "alpha", "a"))

	names, err := s.List()
	require.NoError(t, err)
	assert.Equal(t, []string{"alpha", "zeta"}, names)
}

func TestFanOutExactlyOnceProperty(t *testing.T) {
	params := gopter.DefaultTestParameters()
	params.MinSuccessfulTests = 100
	properties := gopter.NewProperties(params)

	pool := []string{"ana", "ben", "cal", "dee", "eli", "fay"}

	properties.Property("every subscriber except the sender receives exactly one copy", prop.ForAll(
		func(members []int, senderIdx int) bool {
			s, ib := testServices(t, 500)
			ctx := context.Background()

			subscribed := make(map[string]bool)
			for _, mi := range members {
				name := pool[mi]
				if err := s.Subscribe(ctx, "fan", name); err != nil {
					return false
				}
				subscribed[name] = true
			}
			sender := pool[senderIdx]

			_, err := s.Broadcast(ctx, broadcastMsg(sender, "fan", "ping"))
			if len(subscribed) == 0 {
				// Never-subscribed channel does not exist.
				return err != nil
			}
			if err != nil {
				return false
			}

			for _, name := range pool {
				metas, err := ib.ListUnread(ctx, name)
				if err != nil {
					return false
				}
				want := 0
				if subscribed[name] && name != sender {
					want = 1
				}
				if len(metas) != want {
					return false
				}
				if want == 1 && metas[0].Channel != "fan" {
					return false
				}
			}
			return true
		},
		gen.SliceOf(gen.IntRange(0, 5)),
		gen.IntRange(0, 5),
	))

	properties.TestingRun(t)
}
