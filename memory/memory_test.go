package memory

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/anhtri22303/uni-club-chat/api"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func draft(author, body string) api.Draft {
	return api.Draft{
		AuthorID:   author,
		AuthorName: "Name of " + author,
		Body:       body,
	}
}

func TestAppendAndListLatest(t *testing.T) {
	ctx := context.Background()
	s := New()

	msg, err := s.Append(ctx, "7", draft("1", "Hello"))
	require.NoError(t, err)
	require.NotEmpty(t, msg.ID)
	assert.Equal(t, "Hello", msg.Body)
	assert.Equal(t, "7", msg.ChannelID)
	assert.False(t, msg.SentAt.IsZero())

	msgs, err := s.ListLatest(ctx, "7", 50)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, msg.ID, msgs[0].ID)
	assert.Equal(t, "Hello", msgs[0].Body)
}

func TestAppendValidation(t *testing.T) {
	ctx := context.Background()
	s := New()

	_, err := s.Append(ctx, "7", draft("1", ""))
	assert.True(t, api.IsInvalidArg(err))

	long := make([]rune, 101)
	for i := range long {
		long[i] = 'é'
	}
	_, err = s.Append(ctx, "7", draft("1", string(long)))
	assert.True(t, api.IsInvalidArg(err))

	// Exactly at the limit passes.
	_, err = s.Append(ctx, "7", draft("1", string(long[:100])))
	assert.NoError(t, err)
}

func TestSentAtStrictlyIncreasing(t *testing.T) {
	ctx := context.Background()
	s := New()
	// Freeze the clock so every append would otherwise collide.
	fixed := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return fixed }

	var prev time.Time
	for i := 0; i < 5; i++ {
		msg, err := s.Append(ctx, "7", draft("1", "tick"))
		require.NoError(t, err)
		assert.True(t, msg.SentAt.After(prev), "sent_at must strictly increase")
		prev = msg.SentAt
	}
}

func TestConcurrentAppendsGetDistinctSlots(t *testing.T) {
	ctx := context.Background()
	s := New()
	// Freeze the clock so every writer races for the same wall-clock slot.
	fixed := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return fixed }

	const writers = 20
	var wg sync.WaitGroup
	errs := make([]error, writers)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = s.Append(ctx, "7", draft("1", "racing"))
		}(i)
	}
	wg.Wait()
	for _, err := range errs {
		require.NoError(t, err)
	}

	// Two messages sharing a sent_at would make the scalar cursor split
	// them: a poll from the shared timestamp skips one forever.
	msgs, err := s.ListLatest(ctx, "7", writers)
	require.NoError(t, err)
	require.Len(t, msgs, writers)
	for i := 1; i < len(msgs); i++ {
		assert.True(t, msgs[i].SentAt.After(msgs[i-1].SentAt),
			"appends must serialize onto distinct, increasing sent_at slots")
	}
}

func TestReplySnapshotSurvivesDeletion(t *testing.T) {
	ctx := context.Background()
	s := New()

	orig, err := s.Append(ctx, "7", draft("1", "original"))
	require.NoError(t, err)

	reply, err := s.Append(ctx, "7", api.Draft{
		AuthorID:   "2",
		AuthorName: "Name of 2",
		Body:       "replying",
		ReplyToID:  orig.ID,
	})
	require.NoError(t, err)
	require.NotNil(t, reply.ReplyTo)
	assert.Equal(t, orig.ID, reply.ReplyTo.ID)
	assert.Equal(t, "original", reply.ReplyTo.Body)

	require.NoError(t, s.SoftDelete(ctx, "7", orig.ID, "1"))

	msgs, err := s.ListLatest(ctx, "7", 50)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	require.NotNil(t, msgs[0].ReplyTo)
	assert.Equal(t, "original", msgs[0].ReplyTo.Body)
}

func TestReplyToMissingMessage(t *testing.T) {
	ctx := context.Background()
	s := New()

	_, err := s.Append(ctx, "7", api.Draft{
		AuthorID:   "1",
		AuthorName: "Name of 1",
		Body:       "replying",
		ReplyToID:  "no-such-id",
	})
	assert.True(t, api.IsNotFound(err))
}

func TestToggleReactionIdempotent(t *testing.T) {
	ctx := context.Background()
	s := New()

	msg, err := s.Append(ctx, "7", draft("1", "Hello"))
	require.NoError(t, err)

	after, err := s.ToggleReaction(ctx, "7", msg.ID, "1", "👍")
	require.NoError(t, err)
	assert.Equal(t, 1, after.Reactions["👍"].Count)
	assert.Equal(t, []string{"1"}, after.Reactions["👍"].UserIDs)

	after, err = s.ToggleReaction(ctx, "7", msg.ID, "1", "👍")
	require.NoError(t, err)
	_, present := after.Reactions["👍"]
	assert.False(t, present, "double toggle must return to the original state")
}

func TestToggleReactionTwoUsers(t *testing.T) {
	ctx := context.Background()
	s := New()

	msg, err := s.Append(ctx, "7", draft("1", "Hello"))
	require.NoError(t, err)

	_, err = s.ToggleReaction(ctx, "7", msg.ID, "1", "👍")
	require.NoError(t, err)
	after, err := s.ToggleReaction(ctx, "7", msg.ID, "2", "👍")
	require.NoError(t, err)

	assert.Equal(t, 2, after.Reactions["👍"].Count)
	assert.ElementsMatch(t, []string{"1", "2"}, after.Reactions["👍"].UserIDs)
}

func TestToggleReactionDeletedMessage(t *testing.T) {
	ctx := context.Background()
	s := New()

	msg, err := s.Append(ctx, "7", draft("1", "Hello"))
	require.NoError(t, err)
	require.NoError(t, s.SoftDelete(ctx, "7", msg.ID, "1"))

	_, err = s.ToggleReaction(ctx, "7", msg.ID, "2", "👍")
	assert.True(t, api.IsNotFound(err))
}

func TestTogglePinReplacesPrevious(t *testing.T) {
	ctx := context.Background()
	s := New()

	m1, err := s.Append(ctx, "7", draft("1", "first"))
	require.NoError(t, err)
	m2, err := s.Append(ctx, "7", draft("1", "second"))
	require.NoError(t, err)

	pinned, err := s.TogglePin(ctx, "7", m1.ID, "1")
	require.NoError(t, err)
	assert.True(t, pinned.Pinned)
	assert.Equal(t, "1", pinned.PinnedBy)
	require.NotNil(t, pinned.PinnedAt)

	// Pinning m2 must unpin m1 in the same operation.
	pinned, err = s.TogglePin(ctx, "7", m2.ID, "2")
	require.NoError(t, err)
	assert.True(t, pinned.Pinned)

	msgs, err := s.ListLatest(ctx, "7", 50)
	require.NoError(t, err)
	count := 0
	for _, m := range msgs {
		if m.Pinned {
			count++
			assert.Equal(t, m2.ID, m.ID)
		}
	}
	assert.Equal(t, 1, count, "at most one pinned message per channel")
}

func TestTogglePinUnpins(t *testing.T) {
	ctx := context.Background()
	s := New()

	m1, err := s.Append(ctx, "7", draft("1", "first"))
	require.NoError(t, err)

	_, err = s.TogglePin(ctx, "7", m1.ID, "1")
	require.NoError(t, err)
	after, err := s.TogglePin(ctx, "7", m1.ID, "1")
	require.NoError(t, err)
	assert.False(t, after.Pinned)
	assert.Empty(t, after.PinnedBy)
	assert.Nil(t, after.PinnedAt)
}

func TestSoftDeleteAuthorOnly(t *testing.T) {
	ctx := context.Background()
	s := New()

	msg, err := s.Append(ctx, "7", draft("1", "Hello"))
	require.NoError(t, err)

	err = s.SoftDelete(ctx, "7", msg.ID, "2")
	assert.True(t, api.IsForbidden(err))

	require.NoError(t, s.SoftDelete(ctx, "7", msg.ID, "1"))
}

func TestSoftDeleteVisibility(t *testing.T) {
	ctx := context.Background()
	s := New()

	m1, err := s.Append(ctx, "7", draft("1", "keep"))
	require.NoError(t, err)
	m2, err := s.Append(ctx, "7", draft("1", "drop"))
	require.NoError(t, err)

	require.NoError(t, s.SoftDelete(ctx, "7", m2.ID, "1"))

	msgs, err := s.ListLatest(ctx, "7", 50)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, m1.ID, msgs[0].ID)

	polled, err := s.ListAfter(ctx, "7", m1.SentAt)
	require.NoError(t, err)
	assert.Empty(t, polled)

	paged, _, err := s.ListBefore(ctx, "7", m2.SentAt.Add(time.Second), 50)
	require.NoError(t, err)
	require.Len(t, paged, 1)
	assert.Equal(t, m1.ID, paged[0].ID)

	// The deleted slot is reserved; a new message gets a fresh id and a
	// later ordering position.
	m3, err := s.Append(ctx, "7", draft("1", "after"))
	require.NoError(t, err)
	assert.NotEqual(t, m2.ID, m3.ID)
	assert.True(t, m3.SentAt.After(m2.SentAt))
}

func TestListAfterHighWater(t *testing.T) {
	ctx := context.Background()
	s := New()

	msg, err := s.Append(ctx, "7", draft("1", "Hello"))
	require.NoError(t, err)

	// Nothing after the newest message: empty result, no error.
	polled, err := s.ListAfter(ctx, "7", msg.SentAt)
	require.NoError(t, err)
	assert.Empty(t, polled)

	polled, err = s.ListAfter(ctx, "7", msg.SentAt.Add(-time.Millisecond))
	require.NoError(t, err)
	require.Len(t, polled, 1)
	assert.Equal(t, msg.ID, polled[0].ID)
}

func TestListAfterBounded(t *testing.T) {
	ctx := context.Background()
	s := New()
	s.PollBatch = 3

	for i := 0; i < 10; i++ {
		_, err := s.Append(ctx, "7", draft("1", "msg"))
		require.NoError(t, err)
	}

	polled, err := s.ListAfter(ctx, "7", time.Time{})
	require.NoError(t, err)
	assert.Len(t, polled, 3)
}

func TestPaginationCompleteness(t *testing.T) {
	ctx := context.Background()
	s := New()

	want := make(map[string]bool)
	for i := 0; i < 23; i++ {
		msg, err := s.Append(ctx, "7", draft("1", "msg"))
		require.NoError(t, err)
		want[msg.ID] = true
	}

	const limit = 5
	latest, err := s.ListLatest(ctx, "7", limit)
	require.NoError(t, err)

	got := make(map[string]bool)
	record := func(msgs []api.Message) {
		for _, m := range msgs {
			assert.False(t, got[m.ID], "message %s delivered twice", m.ID)
			got[m.ID] = true
		}
	}
	record(latest)

	cursor := latest[0].SentAt
	for {
		page, hasMore, err := s.ListBefore(ctx, "7", cursor, limit)
		require.NoError(t, err)
		for i := 1; i < len(page); i++ {
			assert.True(t, page[i].SentAt.After(page[i-1].SentAt))
		}
		record(page)
		if len(page) > 0 {
			cursor = page[0].SentAt
		}
		if !hasMore {
			break
		}
	}

	assert.Equal(t, want, got, "pagination must yield every message exactly once")
}

func TestCloneIsolation(t *testing.T) {
	ctx := context.Background()
	s := New()

	msg, err := s.Append(ctx, "7", draft("1", "Hello"))
	require.NoError(t, err)

	withReaction, err := s.ToggleReaction(ctx, "7", msg.ID, "1", "👍")
	require.NoError(t, err)

	// Mutating the returned copy must not leak into the store.
	g := withReaction.Reactions["👍"]
	g.UserIDs[0] = "mallory"

	fresh, err := s.ListLatest(ctx, "7", 1)
	require.NoError(t, err)
	assert.Equal(t, []string{"1"}, fresh[0].Reactions["👍"].UserIDs)
}

func TestChannelsArePartitioned(t *testing.T) {
	ctx := context.Background()
	s := New()

	m7, err := s.Append(ctx, "7", draft("1", "in seven"))
	require.NoError(t, err)
	_, err = s.Append(ctx, "8", draft("1", "in eight"))
	require.NoError(t, err)

	msgs, err := s.ListLatest(ctx, "7", 50)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, m7.ID, msgs[0].ID)

	// A message id from another channel is not reachable here.
	_, err = s.ToggleReaction(ctx, "8", m7.ID, "1", "👍")
	assert.True(t, api.IsNotFound(err))
}
