// Package history stores the bounded trailing message log per channel.
// Two interchangeable backends implement the Store contract: a shared-KV
// backend serialized by per-channel advisory locks, and a Redis backend
// using native atomic push-and-trim. History is best-effort: a failed
// append loses that write and nothing else.
package history

import (
	"context"

	"github.com/relaycore/chatrelay/internal/domain/model"
)

// Store is the backend contract.
//
// Append adds messages to the channel's log and trims it to the most
// recent limit entries, oldest first.
//
// Fetch calls fn once per requested channel that has stored history, with
// up to limit most-recent messages in chronological order; channels with
// no history produce no call. Replayed messages carry the history flag in
// their additional data.
type Store interface {
	Append(ctx context.Context, channel string, limit int, msgs []model.ChatMessage) error
	Fetch(ctx context.Context, channels []string, limit int, fn func(channel string, msgs []model.ChatMessage)) error
}

// markHistory flags fetched messages as replay, on copies so stored data
// is never mutated.
func markHistory(msgs []model.ChatMessage) []model.ChatMessage {
	out := make([]model.ChatMessage, len(msgs))
	for i, m := range msgs {
		c := m.Clone()
		c.SetData(model.HistoryFlag, true)
		out[i] = c
	}
	return out
}
