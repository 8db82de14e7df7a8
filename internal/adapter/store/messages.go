// Package store bundles the Redis-backed persistence adapters: channel
// transcripts, extracted memories, per-channel routing state, and the mutable
// runtime overlay document.
package store

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/redis/go-redis/v9"

	"github.com/scalyclaw/scalyclaw/internal/domain"
)

// transcriptCap bounds each channel list; older rows fall off the head.
const transcriptCap = 500

// Messages implements domain.MessageStore on a capped Redis list per channel.
type Messages struct {
	rdb    *redis.Client
	logger *slog.Logger
}

func NewMessages(rdb *redis.Client, logger *slog.Logger) *Messages {
	return &Messages{rdb: rdb, logger: logger}
}

// Append adds one row to the channel transcript. A missing ID or timestamp is
// filled in; ULIDs keep rows sortable by creation time.
func (s *Messages) Append(ctx context.Context, m domain.Message) error {
	if m.ChannelID == "" {
		return fmt.Errorf("op=store.Messages.Append: %w: empty channel id", domain.ErrInvalidArgument)
	}
	if m.Role == "" {
		return fmt.Errorf("op=store.Messages.Append: %w: empty role", domain.ErrInvalidArgument)
	}
	if m.ID == "" {
		m.ID = ulid.Make().String()
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now().UTC()
	}
	raw, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("op=store.Messages.Append: %w", err)
	}
	key := domain.KeyMessages(m.ChannelID)
	pipe := s.rdb.Pipeline()
	pipe.RPush(ctx, key, raw)
	pipe.LTrim(ctx, key, -transcriptCap, -1)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("op=store.Messages.Append: %w", err)
	}
	return nil
}

// Clear drops a channel's transcript. Clearing an absent channel is a no-op.
func (s *Messages) Clear(ctx context.Context, channelID string) error {
	if channelID == "" {
		return fmt.Errorf("op=store.Messages.Clear: %w: empty channel id", domain.ErrInvalidArgument)
	}
	if err := s.rdb.Del(ctx, domain.KeyMessages(channelID)).Err(); err != nil {
		return fmt.Errorf("op=store.Messages.Clear: %w", err)
	}
	return nil
}

// Recent returns the newest limit rows in chronological order.
func (s *Messages) Recent(ctx context.Context, channelID string, limit int) ([]domain.Message, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.rdb.LRange(ctx, domain.KeyMessages(channelID), int64(-limit), -1).Result()
	if err != nil {
		return nil, fmt.Errorf("op=store.Messages.Recent: %w", err)
	}
	out := make([]domain.Message, 0, len(rows))
	for _, row := range rows {
		var m domain.Message
		if err := json.Unmarshal([]byte(row), &m); err != nil {
			s.logger.Warn("skipping malformed transcript row", slog.String("channel_id", channelID))
			continue
		}
		out = append(out, m)
	}
	return out, nil
}
