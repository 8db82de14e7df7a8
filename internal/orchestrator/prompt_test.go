package orchestrator

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scalyclaw/scalyclaw/internal/adapter/store"
	"github.com/scalyclaw/scalyclaw/internal/domain"
	"github.com/scalyclaw/scalyclaw/internal/skills"
)

func newPromptFixture(t *testing.T, mindDir string) (*Prompt, *store.Overlay) {
	t.Helper()
	rdb := newTestRedis(t)
	logger := slog.Default()
	overlay := store.NewOverlay(rdb)
	catalog := skills.NewCatalog(t.TempDir(), rdb, logger)
	require.NoError(t, catalog.Scan(context.Background()))
	mem := store.NewMemories(rdb, logger)
	return NewPrompt(overlay, catalog, mem, mindDir, logger), overlay
}

func TestPromptSystem_MindFilesFoldIn(t *testing.T) {
	t.Parallel()
	mind := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(mind, MindIdentity), []byte("You are Test Unit Nine."), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(mind, MindUser), []byte("Lives in Lisbon. Early riser."), 0o644))
	p, _ := newPromptFixture(t, mind)

	text, err := p.System(context.Background())
	require.NoError(t, err)
	assert.Contains(t, text, "You are Test Unit Nine.")
	assert.Contains(t, text, "Lives in Lisbon. Early riser.")
}

func TestPromptSystem_OverlayIdentityWinsOverMindFile(t *testing.T) {
	t.Parallel()
	mind := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(mind, MindIdentity), []byte("mind identity"), 0o644))
	p, overlay := newPromptFixture(t, mind)
	require.NoError(t, overlay.Set(context.Background(), domain.RuntimeOverlay{SystemPrompt: "overlay identity"}))

	text, err := p.System(context.Background())
	require.NoError(t, err)
	assert.Contains(t, text, "overlay identity")
	assert.NotContains(t, text, "mind identity")
}

func TestPromptSystem_CachesUntilInvalidated(t *testing.T) {
	t.Parallel()
	mind := t.TempDir()
	p, _ := newPromptFixture(t, mind)
	ctx := context.Background()

	first, err := p.System(ctx)
	require.NoError(t, err)
	assert.Contains(t, first, "ScalyClaw", "default identity applies with no overlay and no mind file")

	// A new identity file is invisible until a reload invalidates the cache.
	require.NoError(t, os.WriteFile(filepath.Join(mind, MindIdentity), []byte("Fresh identity."), 0o644))
	cached, err := p.System(ctx)
	require.NoError(t, err)
	assert.Equal(t, first, cached)

	p.Invalidate()
	rebuilt, err := p.System(ctx)
	require.NoError(t, err)
	assert.Contains(t, rebuilt, "Fresh identity.")
}

func TestIdentityFile(t *testing.T) {
	t.Parallel()
	assert.True(t, IdentityFile(MindIdentity))
	assert.True(t, IdentityFile(MindUser))
	assert.True(t, IdentityFile(MindAgents))
	assert.False(t, IdentityFile("notes.md"))
	assert.False(t, IdentityFile("../identity.md"))
}
