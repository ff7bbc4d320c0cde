package api

import (
	"time"
	"unicode/utf8"
)

// A Message is one entry in a channel's append-only log. Author fields are a
// snapshot taken at send time and are never updated by later profile edits.
type Message struct {
	ID           string                   `json:"id"`
	ChannelID    string                   `json:"channel_id"`
	AuthorID     string                   `json:"author_id"`
	AuthorName   string                   `json:"author_name"`
	AuthorAvatar string                   `json:"author_avatar,omitempty"`
	Body         string                   `json:"body"`
	SentAt       time.Time                `json:"sent_at"`
	ReplyTo      *ReplyRef                `json:"reply_to,omitempty"`
	Reactions    map[string]ReactionGroup `json:"reactions"`
	Pinned       bool                     `json:"pinned"`
	PinnedBy     string                   `json:"pinned_by,omitempty"`
	PinnedAt     *time.Time               `json:"pinned_at,omitempty"`

	// Deleted messages are excluded from every read path; the flag only
	// travels between storage layers, never to clients.
	Deleted bool `json:"-"`
}

// A ReplyRef is an immutable snapshot of the message being replied to,
// captured at send time. Deleting the original later does not clear it.
type ReplyRef struct {
	ID         string `json:"id"`
	AuthorName string `json:"author_name"`
	Body       string `json:"body"`
}

// A ReactionGroup aggregates one emoji on one message. A user appears in
// UserIDs at most once, so Count always equals len(UserIDs).
type ReactionGroup struct {
	Count   int      `json:"count"`
	UserIDs []string `json:"user_ids"`
}

// A Draft is a client-submitted message before the store assigns identity
// and ordering. ReplyToID, when set, must name a live message in the same
// channel; the store resolves it into a ReplyRef snapshot.
type Draft struct {
	AuthorID     string `json:"author_id"`
	AuthorName   string `json:"author_name"`
	AuthorAvatar string `json:"author_avatar"`
	Body         string `json:"body"`
	ReplyToID    string `json:"reply_to_id"`
}

// Validate checks the draft body against the store's configured limit.
// Length is counted in runes so multibyte text is not penalized.
func (d Draft) Validate(maxBodyRunes int) error {
	if d.Body == "" {
		return InvalidArg("message body must not be empty")
	}
	if utf8.RuneCountInString(d.Body) > maxBodyRunes {
		return InvalidArg("message body exceeds maximum length")
	}
	return nil
}

// Clone returns a deep copy of the message. Stores hand out clones so a
// caller can never mutate shared reaction state in place.
func (m Message) Clone() Message {
	out := m
	if m.ReplyTo != nil {
		ref := *m.ReplyTo
		out.ReplyTo = &ref
	}
	if m.PinnedAt != nil {
		at := *m.PinnedAt
		out.PinnedAt = &at
	}
	if m.Reactions != nil {
		out.Reactions = make(map[string]ReactionGroup, len(m.Reactions))
		for emoji, g := range m.Reactions {
			ids := make([]string, len(g.UserIDs))
			copy(ids, g.UserIDs)
			out.Reactions[emoji] = ReactionGroup{Count: g.Count, UserIDs: ids}
		}
	}
	return out
}
