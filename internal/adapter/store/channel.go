package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/scalyclaw/scalyclaw/internal/domain"
)

// Channels caches per-channel reply routing and last-activity timestamps.
type Channels struct {
	rdb *redis.Client
}

func NewChannels(rdb *redis.Client) *Channels {
	return &Channels{rdb: rdb}
}

// SaveState upserts the channel's routing row and bumps its activity clock.
func (s *Channels) SaveState(ctx context.Context, st domain.ChannelState) error {
	if st.ChannelID == "" {
		return fmt.Errorf("op=store.Channels.SaveState: %w: empty channel id", domain.ErrInvalidArgument)
	}
	if st.LastActivity.IsZero() {
		st.LastActivity = time.Now().UTC()
	}
	raw, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("op=store.Channels.SaveState: %w", err)
	}
	pipe := s.rdb.Pipeline()
	pipe.Set(ctx, domain.KeyChannelState(st.ChannelID), raw, 0)
	pipe.Set(ctx, domain.KeyActivity(st.ChannelID), strconv.FormatInt(st.LastActivity.Unix(), 10), 0)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("op=store.Channels.SaveState: %w", err)
	}
	return nil
}

// LoadState reads the channel's routing row.
func (s *Channels) LoadState(ctx context.Context, channelID string) (domain.ChannelState, error) {
	raw, err := s.rdb.Get(ctx, domain.KeyChannelState(channelID)).Result()
	if err == redis.Nil {
		return domain.ChannelState{}, fmt.Errorf("op=store.Channels.LoadState: %w: channel %s", domain.ErrNotFound, channelID)
	}
	if err != nil {
		return domain.ChannelState{}, fmt.Errorf("op=store.Channels.LoadState: %w", err)
	}
	var st domain.ChannelState
	if err := json.Unmarshal([]byte(raw), &st); err != nil {
		return domain.ChannelState{}, fmt.Errorf("op=store.Channels.LoadState: %w", err)
	}
	return st, nil
}

// Touch bumps only the activity clock, for traffic that carries no routing
// update.
func (s *Channels) Touch(ctx context.Context, channelID string) error {
	now := strconv.FormatInt(time.Now().Unix(), 10)
	if err := s.rdb.Set(ctx, domain.KeyActivity(channelID), now, 0).Err(); err != nil {
		return fmt.Errorf("op=store.Channels.Touch: %w", err)
	}
	return nil
}

// ActiveChannels enumerates every channel with an activity clock. The
// proactive sweep fans out over this set.
func (s *Channels) ActiveChannels(ctx context.Context) ([]string, error) {
	prefix := domain.KeyActivity("")
	var out []string
	iter := s.rdb.Scan(ctx, 0, domain.KeyActivity("*"), 100).Iterator()
	for iter.Next(ctx) {
		out = append(out, strings.TrimPrefix(iter.Val(), prefix))
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("op=store.Channels.ActiveChannels: %w", err)
	}
	sort.Strings(out)
	return out, nil
}

// LastActivity reads the channel's activity clock; the zero time means the
// channel has never spoken.
func (s *Channels) LastActivity(ctx context.Context, channelID string) (time.Time, error) {
	raw, err := s.rdb.Get(ctx, domain.KeyActivity(channelID)).Result()
	if err == redis.Nil {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("op=store.Channels.LastActivity: %w", err)
	}
	sec, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return time.Time{}, fmt.Errorf("op=store.Channels.LastActivity: %w", err)
	}
	return time.Unix(sec, 0).UTC(), nil
}
