package store

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/redis/go-redis/v9"

	"github.com/scalyclaw/scalyclaw/internal/domain"
)

// Memories implements domain.MemoryStore on a single Redis hash. Search is
// token overlap scoring; embedding-based recall stays with the embedding
// application.
type Memories struct {
	rdb    *redis.Client
	logger *slog.Logger
}

func NewMemories(rdb *redis.Client, logger *slog.Logger) *Memories {
	return &Memories{rdb: rdb, logger: logger}
}

// Store persists one memory entry and returns its id.
func (s *Memories) Store(ctx context.Context, e domain.MemoryEntry) (string, error) {
	if strings.TrimSpace(e.Content) == "" {
		return "", fmt.Errorf("op=store.Memories.Store: %w: empty content", domain.ErrInvalidArgument)
	}
	if e.ID == "" {
		e.ID = ulid.Make().String()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	raw, err := json.Marshal(e)
	if err != nil {
		return "", fmt.Errorf("op=store.Memories.Store: %w", err)
	}
	if err := s.rdb.HSet(ctx, domain.KeyMemory, e.ID, raw).Err(); err != nil {
		return "", fmt.Errorf("op=store.Memories.Store: %w", err)
	}
	return e.ID, nil
}

// Search ranks entries by query-token overlap against content and tags.
func (s *Memories) Search(ctx context.Context, query string, limit int) ([]domain.MemoryEntry, error) {
	if limit <= 0 {
		limit = 10
	}
	terms := tokenize(query)
	if len(terms) == 0 {
		return nil, nil
	}
	all, err := s.load(ctx)
	if err != nil {
		return nil, fmt.Errorf("op=store.Memories.Search: %w", err)
	}
	type scored struct {
		entry domain.MemoryEntry
		score int
	}
	matches := make([]scored, 0, len(all))
	for _, e := range all {
		haystack := strings.ToLower(e.Content + " " + strings.Join(e.Tags, " "))
		score := 0
		for _, term := range terms {
			if strings.Contains(haystack, term) {
				score++
			}
		}
		if score > 0 {
			matches = append(matches, scored{entry: e, score: score})
		}
	}
	sort.Slice(matches, func(i, j int) bool {
		if matches[i].score != matches[j].score {
			return matches[i].score > matches[j].score
		}
		return matches[i].entry.CreatedAt.After(matches[j].entry.CreatedAt)
	})
	if len(matches) > limit {
		matches = matches[:limit]
	}
	out := make([]domain.MemoryEntry, len(matches))
	for i, m := range matches {
		out[i] = m.entry
	}
	return out, nil
}

// List returns entries newest first, optionally filtered to one channel.
func (s *Memories) List(ctx context.Context, channelID string, limit int) ([]domain.MemoryEntry, error) {
	if limit <= 0 {
		limit = 50
	}
	all, err := s.load(ctx)
	if err != nil {
		return nil, fmt.Errorf("op=store.Memories.List: %w", err)
	}
	out := make([]domain.MemoryEntry, 0, len(all))
	for _, e := range all {
		if channelID != "" && e.ChannelID != channelID {
			continue
		}
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Delete removes one entry by id.
func (s *Memories) Delete(ctx context.Context, id string) error {
	n, err := s.rdb.HDel(ctx, domain.KeyMemory, id).Result()
	if err != nil {
		return fmt.Errorf("op=store.Memories.Delete: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("op=store.Memories.Delete: %w: memory %s", domain.ErrNotFound, id)
	}
	return nil
}

func (s *Memories) load(ctx context.Context) ([]domain.MemoryEntry, error) {
	rows, err := s.rdb.HGetAll(ctx, domain.KeyMemory).Result()
	if err != nil {
		return nil, err
	}
	out := make([]domain.MemoryEntry, 0, len(rows))
	for id, row := range rows {
		var e domain.MemoryEntry
		if err := json.Unmarshal([]byte(row), &e); err != nil {
			s.logger.Warn("skipping malformed memory row", slog.String("id", id))
			continue
		}
		out = append(out, e)
	}
	return out, nil
}

func tokenize(q string) []string {
	fields := strings.Fields(strings.ToLower(q))
	out := make([]string, 0, len(fields))
	for _, f := range fields {
		f = strings.Trim(f, ".,;:!?\"'")
		if len(f) >= 2 {
			out = append(out, f)
		}
	}
	return out
}
