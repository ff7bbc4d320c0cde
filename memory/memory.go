// Package memory implements the message store in process memory. It backs
// development setups without PostgreSQL and the tests that exercise store
// invariants.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/anhtri22303/uni-club-chat/api"
	"github.com/google/uuid"
)

const (
	defaultMaxBodyRunes = 100
	defaultPollBatch    = 200
)

// Store keeps every channel's log in an ordered slice guarded by a single
// RWMutex. Reads return clones so callers can never alias shared state.
type Store struct {
	// MaxBodyRunes caps message body length. Zero means the default.
	MaxBodyRunes int
	// PollBatch bounds one poll response. Zero means the default.
	PollBatch int

	// now is swappable in tests.
	now func() time.Time

	mu       sync.RWMutex
	channels map[string]*channelLog
}

// channelLog holds one channel's messages in ascending (sent_at, id) order,
// deleted ones included so their slots are never reused.
type channelLog struct {
	msgs     []*api.Message
	byID     map[string]*api.Message
	lastSent time.Time
	pinnedID string
}

func New() *Store {
	return &Store{
		now:      time.Now,
		channels: make(map[string]*channelLog),
	}
}

func (s *Store) maxBody() int {
	if s.MaxBodyRunes > 0 {
		return s.MaxBodyRunes
	}
	return defaultMaxBodyRunes
}

func (s *Store) pollBatch() int {
	if s.PollBatch > 0 {
		return s.PollBatch
	}
	return defaultPollBatch
}

func (s *Store) channel(channelID string) *channelLog {
	ch, ok := s.channels[channelID]
	if !ok {
		ch = &channelLog{byID: make(map[string]*api.Message)}
		s.channels[channelID] = ch
	}
	return ch
}

// Append assigns an id and a strictly increasing per-channel sent_at, then
// appends to the channel log.
func (s *Store) Append(_ context.Context, channelID string, draft api.Draft) (api.Message, error) {
	if err := draft.Validate(s.maxBody()); err != nil {
		return api.Message{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	ch := s.channel(channelID)

	var replyTo *api.ReplyRef
	if draft.ReplyToID != "" {
		ref, ok := ch.byID[draft.ReplyToID]
		if !ok || ref.Deleted {
			return api.Message{}, api.NotFound("reply target not found")
		}
		replyTo = &api.ReplyRef{
			ID:         ref.ID,
			AuthorName: ref.AuthorName,
			Body:       ref.Body,
		}
	}

	sentAt := s.now().UTC().Truncate(time.Millisecond)
	if !sentAt.After(ch.lastSent) {
		sentAt = ch.lastSent.Add(time.Millisecond)
	}
	ch.lastSent = sentAt

	msg := &api.Message{
		ID:           uuid.NewString(),
		ChannelID:    channelID,
		AuthorID:     draft.AuthorID,
		AuthorName:   draft.AuthorName,
		AuthorAvatar: draft.AuthorAvatar,
		Body:         draft.Body,
		SentAt:       sentAt,
		ReplyTo:      replyTo,
		Reactions:    map[string]api.ReactionGroup{},
	}
	ch.msgs = append(ch.msgs, msg)
	ch.byID[msg.ID] = msg

	return msg.Clone(), nil
}

// ListLatest returns the newest limit non-deleted messages, oldest-first.
func (s *Store) ListLatest(_ context.Context, channelID string, limit int) ([]api.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ch, ok := s.channels[channelID]
	if !ok {
		return nil, nil
	}

	out := make([]api.Message, 0, limit)
	for i := len(ch.msgs) - 1; i >= 0 && len(out) < limit; i-- {
		if ch.msgs[i].Deleted {
			continue
		}
		out = append(out, ch.msgs[i].Clone())
	}
	reverse(out)
	return out, nil
}

// ListBefore returns up to limit messages strictly older than the cursor,
// oldest-first, and whether older ones may remain.
func (s *Store) ListBefore(_ context.Context, channelID string, before time.Time, limit int) ([]api.Message, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ch, ok := s.channels[channelID]
	if !ok {
		return nil, false, nil
	}

	out := make([]api.Message, 0, limit)
	for i := len(ch.msgs) - 1; i >= 0 && len(out) < limit; i-- {
		m := ch.msgs[i]
		if m.Deleted || !m.SentAt.Before(before) {
			continue
		}
		out = append(out, m.Clone())
	}
	reverse(out)
	return out, len(out) == limit, nil
}

// ListAfter returns non-deleted messages with sent_at strictly after the
// cursor, oldest-first, bounded by the poll batch.
func (s *Store) ListAfter(_ context.Context, channelID string, after time.Time) ([]api.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ch, ok := s.channels[channelID]
	if !ok {
		return nil, nil
	}

	batch := s.pollBatch()
	out := make([]api.Message, 0)
	for _, m := range ch.msgs {
		if m.Deleted || !m.SentAt.After(after) {
			continue
		}
		out = append(out, m.Clone())
		if len(out) == batch {
			break
		}
	}
	return out, nil
}

// ToggleReaction flips userID's membership in the emoji's reactor set.
// Toggling twice returns the message to its original state.
func (s *Store) ToggleReaction(_ context.Context, channelID, messageID, userID, emoji string) (api.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	msg, err := s.live(channelID, messageID)
	if err != nil {
		return api.Message{}, err
	}

	g := msg.Reactions[emoji]
	idx := -1
	for i, id := range g.UserIDs {
		if id == userID {
			idx = i
			break
		}
	}
	if idx >= 0 {
		g.UserIDs = append(g.UserIDs[:idx], g.UserIDs[idx+1:]...)
	} else {
		g.UserIDs = append(g.UserIDs, userID)
		sort.Strings(g.UserIDs)
	}
	g.Count = len(g.UserIDs)

	if g.Count == 0 {
		delete(msg.Reactions, emoji)
	} else {
		msg.Reactions[emoji] = g
	}
	return msg.Clone(), nil
}

// TogglePin flips the pinned flag, unpinning any previously pinned message
// in the channel in the same critical section.
func (s *Store) TogglePin(_ context.Context, channelID, messageID, userID string) (api.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	msg, err := s.live(channelID, messageID)
	if err != nil {
		return api.Message{}, err
	}
	ch := s.channels[channelID]

	if msg.Pinned {
		unpin(msg)
		ch.pinnedID = ""
		return msg.Clone(), nil
	}

	if ch.pinnedID != "" {
		if prev, ok := ch.byID[ch.pinnedID]; ok {
			unpin(prev)
		}
	}
	now := s.now().UTC()
	msg.Pinned = true
	msg.PinnedBy = userID
	msg.PinnedAt = &now
	ch.pinnedID = msg.ID
	return msg.Clone(), nil
}

// SoftDelete marks the message deleted. Author-only; the slot stays
// reserved so no id or ordering gap is reused.
func (s *Store) SoftDelete(_ context.Context, channelID, messageID, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	msg, err := s.live(channelID, messageID)
	if err != nil {
		return err
	}
	if msg.AuthorID != userID {
		return api.Forbidden("only the author may delete a message")
	}
	msg.Deleted = true
	if ch := s.channels[channelID]; ch.pinnedID == messageID {
		ch.pinnedID = ""
	}
	return nil
}

// live must be called with the lock held.
func (s *Store) live(channelID, messageID string) (*api.Message, error) {
	ch, ok := s.channels[channelID]
	if !ok {
		return nil, api.NotFound("message not found")
	}
	msg, ok := ch.byID[messageID]
	if !ok || msg.Deleted {
		return nil, api.NotFound("message not found")
	}
	return msg, nil
}

func unpin(m *api.Message) {
	m.Pinned = false
	m.PinnedBy = ""
	m.PinnedAt = nil
}

func reverse(msgs []api.Message) {
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
}
