package redis

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/pawpair/adoption-chat/domain"
	"github.com/pawpair/adoption-chat/registry"
)

// Redis provides a recent-history cache and a presence mirror in Redis.
type Redis struct {
	cli     *redis.Client
	maxSize int64
}

// Connect connects to the Redis server and pings the server to ensure the
// connection is working. maxSize bounds the cached tail of each conversation.
func Connect(ctx context.Context, addr string, maxSize int) (*Redis, error) {
	cli := redis.NewClient(&redis.Options{
		Addr: addr,
	})
	if err := cli.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	if maxSize <= 0 {
		maxSize = 100
	}
	return &Redis{
		cli:     cli,
		maxSize: int64(maxSize),
	}, nil
}

// Close closes the client.
func (r *Redis) Close() error {
	return r.cli.Close()
}

const (
	conversationPrefix = "conversations"
	onlineKey          = "presence:online"
	lastSeenKey        = "presence:last_seen"
)

func indexKey(conversationID string) string {
	return fmt.Sprintf("%s:%s:messages", conversationPrefix, conversationID)
}

func messageKey(conversationID string, seq int64) string {
	return fmt.Sprintf("%s:%d", indexKey(conversationID), seq)
}

// ListMessages returns cached messages of a conversation with serverSeq
// greater than afterSeq, in ascending order.
func (r *Redis) ListMessages(ctx context.Context, conversationID string, afterSeq int64, limit int) ([]domain.Message, error) {
	keys, err := r.cli.ZRangeByScore(ctx, indexKey(conversationID), &redis.ZRangeBy{
		Min:   "(" + strconv.FormatInt(afterSeq, 10),
		Max:   "+inf",
		Count: int64(limit),
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("zrange: %w", err)
	}
	if len(keys) == 0 {
		return nil, nil
	}

	cmds := make([]*redis.MapStringStringCmd, len(keys))
	_, err = r.cli.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for i, key := range keys {
			cmds[i] = pipe.HGetAll(ctx, key)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("hgetall: %w", err)
	}

	out := make([]domain.Message, 0, len(keys))
	for _, cmd := range cmds {
		if len(cmd.Val()) == 0 {
			// Evicted between the two round trips; the caller sees the gap.
			continue
		}
		var msg message
		if err := cmd.Scan(&msg); err != nil {
			return nil, fmt.Errorf("scan: %w", err)
		}
		out = append(out, msg.DomainMessage())
	}
	return out, nil
}

// InsertMessage stores msg under conversations:ID:messages:SEQ and adds the
// key to the conversation's sorted set, scored by serverSeq.
func (r *Redis) InsertMessage(ctx context.Context, msg domain.Message) error {
	m := fromDomain(msg)
	key := messageKey(msg.ConversationID, msg.ServerSeq)
	index := indexKey(msg.ConversationID)

	err := r.cli.Watch(ctx, func(tx *redis.Tx) error {
		_, err := tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, key, m)
			pipe.ZAdd(ctx, index, redis.Z{
				Score:  float64(msg.ServerSeq),
				Member: key,
			})
			return nil
		})
		return err
	}, index)
	if err != nil {
		return fmt.Errorf("redis insert message: %w", err)
	}

	if err := r.evictOldest(ctx, msg.ConversationID); err != nil {
		return fmt.Errorf("evict oldest: %w", err)
	}
	return nil
}

// Invalidate drops the cached tail of a conversation.
func (r *Redis) Invalidate(ctx context.Context, conversationID string) error {
	index := indexKey(conversationID)
	keys, err := r.cli.ZRange(ctx, index, 0, -1).Result()
	if err != nil {
		return fmt.Errorf("zrange: %w", err)
	}
	if err := r.cli.Del(ctx, append(keys, index)...).Err(); err != nil {
		return fmt.Errorf("del: %w", err)
	}
	return nil
}

// FlushHistory drops the cached history of every conversation. Run it at
// startup when the message store does not outlive the process, or stale tails
// would shadow the restarted sequence numbers.
func (r *Redis) FlushHistory(ctx context.Context) error {
	const batch = 500
	iter := r.cli.Scan(ctx, 0, conversationPrefix+":*", batch).Iterator()
	keys := make([]string, 0, batch)
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
		if len(keys) == batch {
			if err := r.cli.Del(ctx, keys...).Err(); err != nil {
				return fmt.Errorf("del: %w", err)
			}
			keys = keys[:0]
		}
	}
	if err := iter.Err(); err != nil {
		return fmt.Errorf("scan: %w", err)
	}
	if len(keys) > 0 {
		if err := r.cli.Del(ctx, keys...).Err(); err != nil {
			return fmt.Errorf("del: %w", err)
		}
	}
	return nil
}

func (r *Redis) evictOldest(ctx context.Context, conversationID string) error {
	index := indexKey(conversationID)
	vals, err := r.cli.ZRange(ctx, index, 0, -r.maxSize-1).Result()
	if err != nil {
		return fmt.Errorf("zrange: %w", err)
	}

	for _, key := range vals {
		_ = r.cli.ZRem(ctx, index, key).Err()
		_ = r.cli.Del(ctx, key).Err()
	}
	return nil
}

// SetPresence records a presence transition: membership of the online set
// and, on disconnect, the last-seen timestamp.
func (r *Redis) SetPresence(ctx context.Context, t registry.Transition) error {
	_, err := r.cli.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		if t.Online {
			pipe.SAdd(ctx, onlineKey, t.UserID)
			return nil
		}
		pipe.SRem(ctx, onlineKey, t.UserID)
		pipe.HSet(ctx, lastSeenKey, t.UserID, t.At.UnixMilli())
		return nil
	})
	if err != nil {
		return fmt.Errorf("set presence: %w", err)
	}
	return nil
}

// LastSeen returns when userID last went offline.
func (r *Redis) LastSeen(ctx context.Context, userID string) (time.Time, bool, error) {
	ms, err := r.cli.HGet(ctx, lastSeenKey, userID).Int64()
	if err == redis.Nil {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, fmt.Errorf("hget: %w", err)
	}
	return time.UnixMilli(ms).UTC(), true, nil
}

// ResetPresence clears the online set. Sessions do not survive a restart.
func (r *Redis) ResetPresence(ctx context.Context) error {
	if err := r.cli.Del(ctx, onlineKey).Err(); err != nil {
		return fmt.Errorf("del: %w", err)
	}
	return nil
}

// PresenceMirror copies presence transitions into Redis until ctx is done.
type PresenceMirror struct {
	Logger      *slog.Logger
	Redis       *Redis
	Transitions <-chan registry.Transition
}

// Run consumes transitions. Write failures are logged and skipped.
func (w PresenceMirror) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			w.Logger.Debug("Context done, stopping presence mirror")
			return nil
		case t := <-w.Transitions:
			if err := w.Redis.SetPresence(ctx, t); err != nil {
				w.Logger.Error("Could not mirror presence", "user_id", t.UserID, "online", t.Online, "error", err.Error())
			}
		}
	}
}
