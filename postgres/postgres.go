package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/anhtri22303/uni-club-chat/api"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/pgdialect"
	"github.com/uptrace/bun/driver/pgdriver"
)

const (
	defaultMaxBodyRunes = 100
	defaultPollBatch    = 200
)

// Postgres provides message storage in PostgreSQL.
type Postgres struct {
	bun *bun.DB

	// MaxBodyRunes caps message body length. Zero means the default.
	MaxBodyRunes int
	// PollBatch bounds a single poll response so a long offline gap never
	// produces an unbounded payload. Zero means the default.
	PollBatch int
}

// Connect connects to the database and pings the DB to ensure the connection
// is working.
func Connect(ctx context.Context, connStr string) (*Postgres, error) {
	sqlDB := sql.OpenDB(pgdriver.NewConnector(pgdriver.WithDSN(connStr)))
	if err := sqlDB.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}
	db := bun.NewDB(sqlDB, pgdialect.New())
	return &Postgres{
		bun: db,
	}, nil
}

// EnsureSchema creates the tables and indexes the store relies on.
func (pg *Postgres) EnsureSchema(ctx context.Context) error {
	for _, model := range []any{(*message)(nil), (*reaction)(nil)} {
		if _, err := pg.bun.NewCreateTable().Model(model).IfNotExists().Exec(ctx); err != nil {
			return fmt.Errorf("create table: %w", err)
		}
	}
	// Backstop for the per-channel append lock: even a misbehaving writer
	// cannot commit two messages sharing a sent_at slot.
	if _, err := pg.bun.NewCreateIndex().
		Model((*message)(nil)).
		Unique().
		IfNotExists().
		Index("messages_channel_id_sent_at_key").
		Column("channel_id", "sent_at").
		Exec(ctx); err != nil {
		return fmt.Errorf("create message index: %w", err)
	}
	// One row per (message, user, emoji) is what makes the toggle idempotent.
	if _, err := pg.bun.NewCreateIndex().
		Model((*reaction)(nil)).
		Unique().
		IfNotExists().
		Index("reactions_message_id_user_id_emoji_key").
		Column("message_id", "user_id", "emoji").
		Exec(ctx); err != nil {
		return fmt.Errorf("create reaction index: %w", err)
	}
	return nil
}

func (pg *Postgres) maxBody() int {
	if pg.MaxBodyRunes > 0 {
		return pg.MaxBodyRunes
	}
	return defaultMaxBodyRunes
}

func (pg *Postgres) pollBatch() int {
	if pg.PollBatch > 0 {
		return pg.PollBatch
	}
	return defaultPollBatch
}

// Append inserts a message into the channel log. The store assigns the id
// and a per-channel strictly increasing sent_at, so the scalar timestamp
// cursor never splits a tie.
func (pg *Postgres) Append(ctx context.Context, channelID string, draft api.Draft) (api.Message, error) {
	if err := draft.Validate(pg.maxBody()); err != nil {
		return api.Message{}, err
	}

	var out api.Message
	err := pg.bun.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		// Serialize appends per channel. The lock is held to commit, so
		// it orders both sent_at assignment and commit visibility: a
		// reader can never observe a newer message while an older one in
		// the same channel is still uncommitted, and two appends can
		// never read the same max(sent_at).
		if _, err := tx.ExecContext(ctx, "SELECT pg_advisory_xact_lock(hashtext(?))", channelID); err != nil {
			return fmt.Errorf("advisory lock: %w", err)
		}

		m := &message{
			ChannelID:    channelID,
			AuthorID:     draft.AuthorID,
			AuthorName:   draft.AuthorName,
			AuthorAvatar: draft.AuthorAvatar,
			Body:         draft.Body,
		}

		if draft.ReplyToID != "" {
			var ref message
			err := tx.NewSelect().
				Model(&ref).
				Where("id = ?", draft.ReplyToID).
				Where("channel_id = ?", channelID).
				Where("deleted = false").
				Scan(ctx)
			if errors.Is(err, sql.ErrNoRows) {
				return api.NotFound("reply target not found")
			}
			if err != nil {
				return fmt.Errorf("scan reply target: %w", err)
			}
			m.ReplyToID = ref.ID
			m.ReplyToAuthor = ref.AuthorName
			m.ReplyToBody = ref.Body
		}

		var last time.Time
		err := tx.NewSelect().
			Model((*message)(nil)).
			ColumnExpr("coalesce(max(sent_at), to_timestamp(0))").
			Where("channel_id = ?", channelID).
			Scan(ctx, &last)
		if err != nil {
			return fmt.Errorf("scan last sent_at: %w", err)
		}
		sentAt := time.Now().UTC().Truncate(time.Millisecond)
		if !sentAt.After(last) {
			sentAt = last.Add(time.Millisecond)
		}
		m.SentAt = sentAt

		if _, err := tx.NewInsert().Model(m).Exec(ctx); err != nil {
			return fmt.Errorf("insert message: %w", err)
		}
		out = m.APIMessage()
		return nil
	})
	if err != nil {
		return api.Message{}, err
	}
	return out, nil
}

// ListLatest returns the newest limit non-deleted messages, oldest-first.
func (pg *Postgres) ListLatest(ctx context.Context, channelID string, limit int) ([]api.Message, error) {
	var msgs []message
	err := pg.bun.NewSelect().
		Model(&msgs).
		Relation("Reactions").
		Where("message.channel_id = ?", channelID).
		Where("message.deleted = false").
		Order("message.sent_at DESC", "message.id DESC").
		Limit(limit).
		Scan(ctx)
	if err != nil {
		return nil, fmt.Errorf("scan: %w", err)
	}
	return ascending(msgs), nil
}

// ListBefore returns up to limit messages strictly older than the cursor,
// oldest-first. The second return reports whether older messages may remain.
func (pg *Postgres) ListBefore(ctx context.Context, channelID string, before time.Time, limit int) ([]api.Message, bool, error) {
	var msgs []message
	err := pg.bun.NewSelect().
		Model(&msgs).
		Relation("Reactions").
		Where("message.channel_id = ?", channelID).
		Where("message.deleted = false").
		Where("message.sent_at < ?", before).
		Order("message.sent_at DESC", "message.id DESC").
		Limit(limit).
		Scan(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("scan: %w", err)
	}
	return ascending(msgs), len(msgs) == limit, nil
}

// ListAfter returns non-deleted messages with sent_at strictly after the
// cursor, oldest-first, bounded by the poll batch size. Clients advance
// their high-water mark from the response and pick up the rest next tick.
func (pg *Postgres) ListAfter(ctx context.Context, channelID string, after time.Time) ([]api.Message, error) {
	var msgs []message
	err := pg.bun.NewSelect().
		Model(&msgs).
		Relation("Reactions").
		Where("message.channel_id = ?", channelID).
		Where("message.deleted = false").
		Where("message.sent_at > ?", after).
		Order("message.sent_at ASC", "message.id ASC").
		Limit(pg.pollBatch()).
		Scan(ctx)
	if err != nil {
		return nil, fmt.Errorf("scan: %w", err)
	}
	out := make([]api.Message, len(msgs))
	for i, m := range msgs {
		out[i] = m.APIMessage()
	}
	return out, nil
}

// ToggleReaction flips userID's membership for emoji on the message.
// Membership lives in its own row, so two users toggling concurrently
// touch different rows and both land.
func (pg *Postgres) ToggleReaction(ctx context.Context, channelID, messageID, userID, emoji string) (api.Message, error) {
	var out api.Message
	err := pg.bun.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		if _, err := pg.liveMessage(ctx, tx, channelID, messageID); err != nil {
			return err
		}

		res, err := tx.NewDelete().
			Model((*reaction)(nil)).
			Where("message_id = ?", messageID).
			Where("user_id = ?", userID).
			Where("emoji = ?", emoji).
			Exec(ctx)
		if err != nil {
			return fmt.Errorf("delete reaction: %w", err)
		}
		removed, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("rows affected: %w", err)
		}
		if removed == 0 {
			r := &reaction{MessageID: messageID, UserID: userID, Emoji: emoji}
			if _, err := tx.NewInsert().Model(r).Exec(ctx); err != nil {
				return fmt.Errorf("insert reaction: %w", err)
			}
		}

		m, err := pg.reload(ctx, tx, channelID, messageID)
		if err != nil {
			return err
		}
		out = m
		return nil
	})
	if err != nil {
		return api.Message{}, err
	}
	return out, nil
}

// TogglePin flips the pinned flag. Pinning unpins any other pinned message
// in the channel within the same transaction, keeping at most one pin per
// channel at all times.
func (pg *Postgres) TogglePin(ctx context.Context, channelID, messageID, userID string) (api.Message, error) {
	var out api.Message
	err := pg.bun.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		m, err := pg.liveMessage(ctx, tx, channelID, messageID)
		if err != nil {
			return err
		}

		if m.Pinned {
			_, err = tx.NewUpdate().
				Model((*message)(nil)).
				Set("pinned = false").
				Set("pinned_by = NULL").
				Set("pinned_at = NULL").
				Where("id = ?", messageID).
				Exec(ctx)
			if err != nil {
				return fmt.Errorf("unpin: %w", err)
			}
		} else {
			_, err = tx.NewUpdate().
				Model((*message)(nil)).
				Set("pinned = false").
				Set("pinned_by = NULL").
				Set("pinned_at = NULL").
				Where("channel_id = ?", channelID).
				Where("pinned = true").
				Exec(ctx)
			if err != nil {
				return fmt.Errorf("unpin previous: %w", err)
			}
			_, err = tx.NewUpdate().
				Model((*message)(nil)).
				Set("pinned = true").
				Set("pinned_by = ?", userID).
				Set("pinned_at = now()").
				Where("id = ?", messageID).
				Exec(ctx)
			if err != nil {
				return fmt.Errorf("pin: %w", err)
			}
		}

		reloaded, err := pg.reload(ctx, tx, channelID, messageID)
		if err != nil {
			return err
		}
		out = reloaded
		return nil
	})
	if err != nil {
		return api.Message{}, err
	}
	return out, nil
}

// SoftDelete marks the message deleted. Only the author may delete; the id
// and its ordering slot stay reserved.
func (pg *Postgres) SoftDelete(ctx context.Context, channelID, messageID, userID string) error {
	return pg.bun.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		m, err := pg.liveMessage(ctx, tx, channelID, messageID)
		if err != nil {
			return err
		}
		if m.AuthorID != userID {
			return api.Forbidden("only the author may delete a message")
		}
		_, err = tx.NewUpdate().
			Model((*message)(nil)).
			Set("deleted = true").
			Where("id = ?", messageID).
			Exec(ctx)
		if err != nil {
			return fmt.Errorf("delete: %w", err)
		}
		return nil
	})
}

// liveMessage loads a non-deleted message row or reports NotFound. Deleted
// messages are indistinguishable from missing ones to callers.
func (pg *Postgres) liveMessage(ctx context.Context, tx bun.Tx, channelID, messageID string) (*message, error) {
	m := new(message)
	err := tx.NewSelect().
		Model(m).
		Where("id = ?", messageID).
		Where("channel_id = ?", channelID).
		Where("deleted = false").
		Scan(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, api.NotFound("message not found")
	}
	if err != nil {
		return nil, fmt.Errorf("scan message: %w", err)
	}
	return m, nil
}

func (pg *Postgres) reload(ctx context.Context, tx bun.Tx, channelID, messageID string) (api.Message, error) {
	m := new(message)
	err := tx.NewSelect().
		Model(m).
		Relation("Reactions").
		Where("message.id = ?", messageID).
		Where("message.channel_id = ?", channelID).
		Scan(ctx)
	if err != nil {
		return api.Message{}, fmt.Errorf("reload message: %w", err)
	}
	return m.APIMessage(), nil
}

func ascending(msgs []message) []api.Message {
	out := make([]api.Message, len(msgs))
	for i, m := range msgs {
		out[len(msgs)-1-i] = m.APIMessage()
	}
	return out
}
