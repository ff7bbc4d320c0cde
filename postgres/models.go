package postgres

import (
	"sort"
	"time"

	"github.com/anhtri22303/uni-club-chat/api"
)

// A message is one row of a channel's append-only log. Soft-deleted rows
// keep their id and sent_at so ordering slots are never reused.
type message struct {
	ID            string     `bun:",pk,type:uuid,default:uuid_generate_v4()"`
	ChannelID     string     `bun:",notnull"`
	AuthorID      string     `bun:",notnull"`
	AuthorName    string     `bun:",notnull"`
	AuthorAvatar  string     `bun:",nullzero"`
	Body          string     `bun:",notnull"`
	SentAt        time.Time  `bun:",notnull"`
	ReplyToID     string     `bun:",nullzero"`
	ReplyToAuthor string     `bun:",nullzero"`
	ReplyToBody   string     `bun:",nullzero"`
	Pinned        bool       `bun:",notnull,default:false"`
	PinnedBy      string     `bun:",nullzero"`
	PinnedAt      *time.Time `bun:",nullzero"`
	Deleted       bool       `bun:",notnull,default:false"`
	Reactions     []reaction `bun:"rel:has-many,join:id=message_id"`
}

// A reaction row records one user's toggle of one emoji on one message.
// The (message_id, user_id, emoji) triple is unique, which is what makes
// the toggle idempotent under retried requests.
type reaction struct {
	ID        string    `bun:",pk,type:uuid,default:uuid_generate_v4()"`
	MessageID string    `bun:",notnull"`
	UserID    string    `bun:",notnull"`
	Emoji     string    `bun:",notnull"`
	CreatedAt time.Time `bun:",nullzero,default:now()"`
}

func (m message) APIMessage() api.Message {
	out := api.Message{
		ID:           m.ID,
		ChannelID:    m.ChannelID,
		AuthorID:     m.AuthorID,
		AuthorName:   m.AuthorName,
		AuthorAvatar: m.AuthorAvatar,
		Body:         m.Body,
		SentAt:       m.SentAt,
		Pinned:       m.Pinned,
		PinnedBy:     m.PinnedBy,
		PinnedAt:     m.PinnedAt,
		Deleted:      m.Deleted,
		Reactions:    groupReactions(m.Reactions),
	}
	if m.ReplyToID != "" {
		out.ReplyTo = &api.ReplyRef{
			ID:         m.ReplyToID,
			AuthorName: m.ReplyToAuthor,
			Body:       m.ReplyToBody,
		}
	}
	return out
}

// groupReactions folds reaction rows into the per-emoji wire shape. User ids
// are sorted so the same state always serializes identically.
func groupReactions(rows []reaction) map[string]api.ReactionGroup {
	out := make(map[string]api.ReactionGroup)
	for _, r := range rows {
		g := out[r.Emoji]
		g.UserIDs = append(g.UserIDs, r.UserID)
		g.Count = len(g.UserIDs)
		out[r.Emoji] = g
	}
	for emoji, g := range out {
		sort.Strings(g.UserIDs)
		out[emoji] = g
	}
	return out
}
