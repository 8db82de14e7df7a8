package store_test

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scalyclaw/scalyclaw/internal/adapter/store"
	"github.com/scalyclaw/scalyclaw/internal/domain"
)

func newTestRedis(t *testing.T) *redis.Client {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return rdb
}

func TestMessages_AppendAndRecent(t *testing.T) {
	t.Parallel()
	s := store.NewMessages(newTestRedis(t), slog.Default())
	ctx := context.Background()

	require.NoError(t, s.Append(ctx, domain.Message{ChannelID: "telegram", Role: "user", Content: "hello"}))
	require.NoError(t, s.Append(ctx, domain.Message{ChannelID: "telegram", Role: "assistant", Content: "hi there"}))
	require.NoError(t, s.Append(ctx, domain.Message{ChannelID: "slack", Role: "user", Content: "other channel"}))

	got, err := s.Recent(ctx, "telegram", 10)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "hello", got[0].Content)
	assert.Equal(t, "hi there", got[1].Content)
	assert.NotEmpty(t, got[0].ID)
	assert.False(t, got[0].CreatedAt.IsZero())
}

func TestMessages_RecentHonorsLimit(t *testing.T) {
	t.Parallel()
	s := store.NewMessages(newTestRedis(t), slog.Default())
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		require.NoError(t, s.Append(ctx, domain.Message{
			ChannelID: "telegram", Role: "user", Content: fmt.Sprintf("m%d", i),
		}))
	}

	got, err := s.Recent(ctx, "telegram", 2)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "m3", got[0].Content)
	assert.Equal(t, "m4", got[1].Content)
}

func TestMessages_AppendValidation(t *testing.T) {
	t.Parallel()
	s := store.NewMessages(newTestRedis(t), slog.Default())
	ctx := context.Background()

	err := s.Append(ctx, domain.Message{Role: "user", Content: "x"})
	assert.True(t, errors.Is(err, domain.ErrInvalidArgument))
	err = s.Append(ctx, domain.Message{ChannelID: "telegram", Content: "x"})
	assert.True(t, errors.Is(err, domain.ErrInvalidArgument))
}

func TestMemories_StoreSearchDelete(t *testing.T) {
	t.Parallel()
	s := store.NewMemories(newTestRedis(t), slog.Default())
	ctx := context.Background()

	id1, err := s.Store(ctx, domain.MemoryEntry{ChannelID: "telegram", Content: "user prefers dark roast coffee", Tags: []string{"preference"}})
	require.NoError(t, err)
	_, err = s.Store(ctx, domain.MemoryEntry{ChannelID: "telegram", Content: "user lives in Lisbon"})
	require.NoError(t, err)

	got, err := s.Search(ctx, "coffee", 10)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, id1, got[0].ID)

	// Multi-term queries rank higher overlap first.
	got, err = s.Search(ctx, "coffee preference lisbon", 10)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, id1, got[0].ID)

	require.NoError(t, s.Delete(ctx, id1))
	err = s.Delete(ctx, id1)
	assert.True(t, errors.Is(err, domain.ErrNotFound))
}

func TestMemories_ListFiltersByChannel(t *testing.T) {
	t.Parallel()
	s := store.NewMemories(newTestRedis(t), slog.Default())
	ctx := context.Background()

	_, err := s.Store(ctx, domain.MemoryEntry{ChannelID: "telegram", Content: "fact one"})
	require.NoError(t, err)
	_, err = s.Store(ctx, domain.MemoryEntry{ChannelID: "slack", Content: "fact two"})
	require.NoError(t, err)

	got, err := s.List(ctx, "telegram", 10)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "fact one", got[0].Content)

	all, err := s.List(ctx, "", 10)
	require.NoError(t, err)
	assert.Len(t, all, 2)
}

func TestMemories_EmptyQueryAndContent(t *testing.T) {
	t.Parallel()
	s := store.NewMemories(newTestRedis(t), slog.Default())
	ctx := context.Background()

	_, err := s.Store(ctx, domain.MemoryEntry{Content: "   "})
	assert.True(t, errors.Is(err, domain.ErrInvalidArgument))

	got, err := s.Search(ctx, "  ", 10)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestChannels_SaveLoadTouch(t *testing.T) {
	t.Parallel()
	s := store.NewChannels(newTestRedis(t))
	ctx := context.Background()

	_, err := s.LoadState(ctx, "telegram")
	assert.True(t, errors.Is(err, domain.ErrNotFound))

	require.NoError(t, s.SaveState(ctx, domain.ChannelState{
		ChannelID: "telegram",
		ReplyTo:   "chat:42",
		LastJobID: "job-1",
	}))

	st, err := s.LoadState(ctx, "telegram")
	require.NoError(t, err)
	assert.Equal(t, "chat:42", st.ReplyTo)
	assert.Equal(t, "job-1", st.LastJobID)
	assert.False(t, st.LastActivity.IsZero())

	require.NoError(t, s.Touch(ctx, "telegram"))
	at, err := s.LastActivity(ctx, "telegram")
	require.NoError(t, err)
	assert.WithinDuration(t, time.Now(), at, 5*time.Second)

	never, err := s.LastActivity(ctx, "unseen")
	require.NoError(t, err)
	assert.True(t, never.IsZero())
}

func TestChannels_ActiveChannels(t *testing.T) {
	t.Parallel()
	s := store.NewChannels(newTestRedis(t))
	ctx := context.Background()

	got, err := s.ActiveChannels(ctx)
	require.NoError(t, err)
	assert.Empty(t, got)

	require.NoError(t, s.Touch(ctx, "telegram"))
	require.NoError(t, s.Touch(ctx, "gateway"))

	got, err = s.ActiveChannels(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"gateway", "telegram"}, got)
}

func TestOverlay_GetSetRoundTrip(t *testing.T) {
	t.Parallel()
	rdb := newTestRedis(t)
	s := store.NewOverlay(rdb)
	ctx := context.Background()

	// Missing document reads as empty overlay.
	doc, err := s.Get(ctx)
	require.NoError(t, err)
	assert.Empty(t, doc.Agents)

	sub := rdb.Subscribe(ctx, domain.ChanConfigReload)
	t.Cleanup(func() { _ = sub.Close() })
	_, err = sub.Receive(ctx)
	require.NoError(t, err)

	want := domain.RuntimeOverlay{
		SystemPrompt: "be brief",
		Agents:       []domain.AgentPersona{{ID: "helper", Name: "Helper", Persona: "a careful assistant"}},
		MCPServers:   []domain.MCPServer{{Name: "files", Command: "mcp-files", Enabled: true}},
	}
	require.NoError(t, s.Set(ctx, want))

	got, err := s.Get(ctx)
	require.NoError(t, err)
	assert.Equal(t, want, got)

	// Set broadcasts the reload signal.
	select {
	case msg := <-sub.Channel():
		assert.Equal(t, domain.ChanConfigReload, msg.Channel)
	case <-time.After(2 * time.Second):
		t.Fatal("expected config reload publication")
	}
}

func TestOverlay_RejectsUnnamedMCPServer(t *testing.T) {
	t.Parallel()
	s := store.NewOverlay(newTestRedis(t))
	err := s.Set(context.Background(), domain.RuntimeOverlay{
		MCPServers: []domain.MCPServer{{Command: "mcp-files"}},
	})
	assert.True(t, errors.Is(err, domain.ErrInvalidArgument))
}
