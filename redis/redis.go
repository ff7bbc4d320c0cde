package redis

import (
	"context"
	"fmt"

	"github.com/anhtri22303/uni-club-chat/api"
	"github.com/redis/go-redis/v9"
)

// Redis caches the hot tail of each channel's message log for the latest
// page. The window is a set keyed by sent_at rather than an append log, so
// it cannot prove contiguity above a cursor; cursor reads always go to the
// durable store.
type Redis struct {
	cli *redis.Client
}

// Connect connects to the Redis server and pings the server to ensure the
// connection is working.
func Connect(ctx context.Context, addr string) (*Redis, error) {
	cli := redis.NewClient(&redis.Options{
		Addr: addr,
	})
	if err := cli.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return &Redis{
		cli: cli,
	}, nil
}

// maxSize is the number of messages kept per channel. Older entries are
// evicted on insert.
const maxSize = 100

// ListLatest returns the newest limit cached messages, oldest-first. The
// second return is false when the cache cannot guarantee it holds that many.
func (r *Redis) ListLatest(ctx context.Context, channelID string, limit int) ([]api.Message, bool, error) {
	ids, err := r.cli.ZRevRange(ctx, logKey(channelID), 0, int64(limit-1)).Result()
	if err != nil {
		return nil, false, fmt.Errorf("zrevrange: %w", err)
	}
	if len(ids) < limit {
		// The window may be shorter than the channel; let the store decide.
		return nil, false, nil
	}

	out := make([]api.Message, len(ids))
	for i, id := range ids {
		msg, ok, err := r.message(ctx, channelID, id)
		if err != nil {
			return nil, false, err
		}
		if !ok {
			return nil, false, nil
		}
		out[len(ids)-1-i] = msg
	}
	return out, true, nil
}

// Insert adds the message value and indexes it in the channel's sorted set,
// then trims the window to maxSize.
func (r *Redis) Insert(ctx context.Context, channelID string, msg api.Message) error {
	raw, err := encodeMessage(msg)
	if err != nil {
		return err
	}

	err = r.cli.Watch(ctx, func(tx *redis.Tx) error {
		_, err := tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, msgKey(channelID, msg.ID), raw, 0)
			pipe.ZAdd(ctx, logKey(channelID), redis.Z{
				Score:  float64(msg.SentAt.UnixMilli()),
				Member: msg.ID,
			})
			return nil
		})
		return err
	}, msg.ID)
	if err != nil {
		return fmt.Errorf("redis insert message: %w", err)
	}

	if err := r.evictOldest(ctx, channelID); err != nil {
		return fmt.Errorf("evict oldest: %w", err)
	}
	return nil
}

// Update rewrites a cached message in place. Messages outside the cached
// window are left alone.
func (r *Redis) Update(ctx context.Context, channelID string, msg api.Message) error {
	raw, err := encodeMessage(msg)
	if err != nil {
		return err
	}
	// SetXX: only overwrite an existing entry, never resurrect an evicted one.
	if err := r.cli.SetXX(ctx, msgKey(channelID, msg.ID), raw, 0).Err(); err != nil {
		return fmt.Errorf("setxx: %w", err)
	}
	return nil
}

// Remove drops one message from the channel window.
func (r *Redis) Remove(ctx context.Context, channelID, messageID string) error {
	err := r.cli.Watch(ctx, func(tx *redis.Tx) error {
		_, err := tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.ZRem(ctx, logKey(channelID), messageID)
			pipe.Del(ctx, msgKey(channelID, messageID))
			return nil
		})
		return err
	}, messageID)
	if err != nil {
		return fmt.Errorf("redis remove message: %w", err)
	}
	return nil
}

// Invalidate drops the channel's whole cached window.
func (r *Redis) Invalidate(ctx context.Context, channelID string) error {
	key := logKey(channelID)
	ids, err := r.cli.ZRange(ctx, key, 0, -1).Result()
	if err != nil {
		return fmt.Errorf("zrange: %w", err)
	}
	for _, id := range ids {
		_ = r.cli.Del(ctx, msgKey(channelID, id)).Err()
	}
	if err := r.cli.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("del: %w", err)
	}
	return nil
}

func (r *Redis) message(ctx context.Context, channelID, id string) (api.Message, bool, error) {
	raw, err := r.cli.Get(ctx, msgKey(channelID, id)).Result()
	if err == redis.Nil {
		return api.Message{}, false, nil
	}
	if err != nil {
		return api.Message{}, false, fmt.Errorf("get: %w", err)
	}
	msg, err := decodeMessage(raw)
	if err != nil {
		return api.Message{}, false, err
	}
	return msg, true, nil
}

func (r *Redis) evictOldest(ctx context.Context, channelID string) error {
	key := logKey(channelID)
	ids, err := r.cli.ZRange(ctx, key, 0, int64(-maxSize-1)).Result()
	if err != nil {
		return fmt.Errorf("zrange: %w", err)
	}

	for _, id := range ids {
		_ = r.cli.ZRem(ctx, key, id).Err()
		_ = r.cli.Del(ctx, msgKey(channelID, id)).Err()
	}

	return nil
}
