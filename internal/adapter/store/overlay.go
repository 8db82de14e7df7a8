package store

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/scalyclaw/scalyclaw/internal/domain"
)

// Overlay manages the mutable runtime config document. Writes publish a
// reload signal so every process re-reads it.
type Overlay struct {
	rdb *redis.Client
}

func NewOverlay(rdb *redis.Client) *Overlay {
	return &Overlay{rdb: rdb}
}

// Get reads the overlay; a missing document is an empty overlay, not an
// error.
func (s *Overlay) Get(ctx context.Context) (domain.RuntimeOverlay, error) {
	raw, err := s.rdb.Get(ctx, domain.KeyConfig).Result()
	if err == redis.Nil {
		return domain.RuntimeOverlay{}, nil
	}
	if err != nil {
		return domain.RuntimeOverlay{}, fmt.Errorf("op=store.Overlay.Get: %w", err)
	}
	var doc domain.RuntimeOverlay
	if err := json.Unmarshal([]byte(raw), &doc); err != nil {
		return domain.RuntimeOverlay{}, fmt.Errorf("op=store.Overlay.Get: %w: %v", domain.ErrSchemaInvalid, err)
	}
	return doc, nil
}

// Set replaces the overlay and broadcasts the config reload signal.
func (s *Overlay) Set(ctx context.Context, doc domain.RuntimeOverlay) error {
	for _, srv := range doc.MCPServers {
		if srv.Name == "" {
			return fmt.Errorf("op=store.Overlay.Set: %w: mcp server without name", domain.ErrInvalidArgument)
		}
	}
	raw, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("op=store.Overlay.Set: %w", err)
	}
	if err := s.rdb.Set(ctx, domain.KeyConfig, raw, 0).Err(); err != nil {
		return fmt.Errorf("op=store.Overlay.Set: %w", err)
	}
	if err := s.rdb.Publish(ctx, domain.ChanConfigReload, "overlay").Err(); err != nil {
		return fmt.Errorf("op=store.Overlay.Set: %w", err)
	}
	return nil
}

// SignalMCPReload pokes MCP subscribers without touching the document. The
// gateway's reconnect endpoint uses it to force fresh server connections.
func (s *Overlay) SignalMCPReload(ctx context.Context) error {
	if err := s.rdb.Publish(ctx, domain.ChanMCPReload, "reconnect").Err(); err != nil {
		return fmt.Errorf("op=store.Overlay.SignalMCPReload: %w", err)
	}
	return nil
}
