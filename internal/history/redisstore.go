package history

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/relaycore/chatrelay/internal/domain/model"
)

const redisKeyPrefix = "channel:"

// RedisStore keeps each channel's log as a Redis list, newest at the
// head. LPUSH plus LTRIM inside one transaction gives the atomic
// push-then-trim, so no external lock is needed. Volatile channels get
// their TTL refreshed on every append.
type RedisStore struct {
	rdb    redis.Cmdable
	ttl    time.Duration
	logger *slog.Logger
}

func NewRedisStore(rdb redis.Cmdable, ttl time.Duration, logger *slog.Logger) *RedisStore {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &RedisStore{
		rdb:    rdb,
		ttl:    ttl,
		logger: logger.With("component", "history-redis"),
	}
}

func (s *RedisStore) Append(ctx context.Context, channel string, limit int, msgs []model.ChatMessage) error {
	if len(msgs) == 0 {
		return nil
	}
	vals := make([]any, len(msgs))
	for i, m := range msgs {
		data, err := json.Marshal(m)
		if err != nil {
			return fmt.Errorf("history: encode message for %s: %w", channel, err)
		}
		vals[i] = data
	}

	key := redisKeyPrefix + channel
	pipe := s.rdb.TxPipeline()
	pipe.LPush(ctx, key, vals...)
	pipe.LTrim(ctx, key, 0, int64(limit-1))
	if model.IsVolatile(channel) {
		pipe.Expire(ctx, key, s.ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("history: store channel %s: %w", channel, err)
	}
	return nil
}

func (s *RedisStore) Fetch(ctx context.Context, channels []string, limit int, fn func(string, []model.ChatMessage)) error {
	var mu sync.Mutex // serializes fn across the concurrent lookups
	g, ctx := errgroup.WithContext(ctx)
	for _, channel := range channels {
		g.Go(func() error {
			raw, err := s.rdb.LRange(ctx, redisKeyPrefix+channel, 0, int64(limit-1)).Result()
			if err != nil {
				s.logger.Warn("history fetch failed", "channel", channel, "err", err)
				return nil
			}
			if len(raw) == 0 {
				return nil
			}
			// Redis returns newest first; flip to chronological order.
			msgs := make([]model.ChatMessage, 0, len(raw))
			for i := len(raw) - 1; i >= 0; i-- {
				var m model.ChatMessage
				if err := json.Unmarshal([]byte(raw[i]), &m); err != nil {
					s.logger.Warn("bad stored message", "channel", channel, "err", err)
					continue
				}
				msgs = append(msgs, m)
			}
			if len(msgs) == 0 {
				return nil
			}
			mu.Lock()
			fn(channel, markHistory(msgs))
			mu.Unlock()
			return nil
		})
	}
	return g.Wait()
}
