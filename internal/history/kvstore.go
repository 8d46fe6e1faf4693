package history

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/relaycore/chatrelay/internal/cluster"
	"github.com/relaycore/chatrelay/internal/domain/model"
)

const (
	kvKeyPrefix   = "messages."
	kvLockPrefix  = "history."
	kvLockTimeout = time.Second
)

// KVStore keeps each channel's log as a JSON array in the cluster KV. The
// per-channel advisory lock exists only to serialize trim-on-write across
// concurrent publishers to the same channel; when it cannot be acquired
// within a second the write is dropped and logged.
type KVStore struct {
	kv     cluster.KV
	locks  cluster.Locker
	logger *slog.Logger
}

func NewKVStore(kv cluster.KV, locks cluster.Locker, logger *slog.Logger) *KVStore {
	return &KVStore{
		kv:     kv,
		locks:  locks,
		logger: logger.With("component", "history-kv"),
	}
}

func (s *KVStore) Append(ctx context.Context, channel string, limit int, msgs []model.ChatMessage) error {
	if len(msgs) == 0 {
		return nil
	}
	lease, err := s.locks.Acquire(ctx, kvLockPrefix+channel, kvLockTimeout)
	if err != nil {
		return fmt.Errorf("history: channel %s lock: %w", channel, err)
	}
	defer lease.Release()

	stored, err := s.load(ctx, channel)
	if err != nil {
		return err
	}
	stored = append(stored, msgs...)
	if len(stored) > limit {
		stored = stored[len(stored)-limit:]
	}
	data, err := json.Marshal(stored)
	if err != nil {
		return fmt.Errorf("history: encode channel %s: %w", channel, err)
	}
	if err := s.kv.Put(ctx, kvKeyPrefix+channel, data); err != nil {
		return fmt.Errorf("history: store channel %s: %w", channel, err)
	}
	return nil
}

func (s *KVStore) Fetch(ctx context.Context, channels []string, limit int, fn func(string, []model.ChatMessage)) error {
	for _, channel := range channels {
		stored, err := s.load(ctx, channel)
		if err != nil {
			s.logger.Warn("history fetch failed", "channel", channel, "err", err)
			continue
		}
		if len(stored) == 0 {
			continue
		}
		if len(stored) > limit {
			stored = stored[len(stored)-limit:]
		}
		fn(channel, markHistory(stored))
	}
	return nil
}

func (s *KVStore) load(ctx context.Context, channel string) ([]model.ChatMessage, error) {
	raw, err := s.kv.Get(ctx, kvKeyPrefix+channel)
	if err != nil {
		return nil, fmt.Errorf("history: read channel %s: %w", channel, err)
	}
	if raw == nil {
		return nil, nil
	}
	var msgs []model.ChatMessage
	if err := json.Unmarshal(raw, &msgs); err != nil {
		return nil, fmt.Errorf("history: decode channel %s: %w", channel, err)
	}
	return msgs, nil
}
