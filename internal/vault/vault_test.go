package vault_test

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scalyclaw/scalyclaw/internal/domain"
	"github.com/scalyclaw/scalyclaw/internal/vault"
)

func newTestVault(t *testing.T) (*vault.Vault, *redis.Client, string) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	path := filepath.Join(t.TempDir(), "scalyclaw.ps")
	v, err := vault.Open(rdb, slog.Default(), path)
	require.NoError(t, err)
	return v, rdb, path
}

func TestVault_SetGetRoundTrip(t *testing.T) {
	t.Parallel()
	v, rdb, _ := newTestVault(t)
	ctx := context.Background()

	require.NoError(t, v.Set(ctx, "openrouter-api-key", "sk-or-abc123"))

	got, err := v.Get(ctx, "openrouter-api-key")
	require.NoError(t, err)
	assert.Equal(t, "sk-or-abc123", got)

	// Stored form is ciphertext, not the value.
	raw, err := rdb.Get(ctx, domain.KeySecret("openrouter-api-key")).Result()
	require.NoError(t, err)
	assert.NotContains(t, raw, "sk-or-abc123")
}

func TestVault_GetUnknownIsNotFound(t *testing.T) {
	t.Parallel()
	v, _, _ := newTestVault(t)
	_, err := v.Get(context.Background(), "nope")
	assert.True(t, errors.Is(err, domain.ErrNotFound))
}

func TestVault_SetEmptyNameRejected(t *testing.T) {
	t.Parallel()
	v, _, _ := newTestVault(t)
	err := v.Set(context.Background(), "  ", "x")
	assert.True(t, errors.Is(err, domain.ErrInvalidArgument))
}

func TestVault_DeleteAndList(t *testing.T) {
	t.Parallel()
	v, _, _ := newTestVault(t)
	ctx := context.Background()

	require.NoError(t, v.Set(ctx, "b-key", "2"))
	require.NoError(t, v.Set(ctx, "a-key", "1"))

	names, err := v.List(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"a-key", "b-key"}, names)

	require.NoError(t, v.Delete(ctx, "a-key"))
	err = v.Delete(ctx, "a-key")
	assert.True(t, errors.Is(err, domain.ErrNotFound))

	names, err = v.List(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"b-key"}, names)
}

func TestVault_ResolveAllOmitsGarbledSecret(t *testing.T) {
	t.Parallel()
	v, rdb, _ := newTestVault(t)
	ctx := context.Background()

	require.NoError(t, v.Set(ctx, "good", "value"))
	require.NoError(t, rdb.Set(ctx, domain.KeySecret("bad"), "not:a:ciphertext", 0).Err())

	got, err := v.ResolveAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"good": "value"}, got)
}

func TestVault_ResolveAllReflectsWrites(t *testing.T) {
	t.Parallel()
	v, _, _ := newTestVault(t)
	ctx := context.Background()

	require.NoError(t, v.Set(ctx, "k1", "v1"))
	got, err := v.ResolveAll(ctx)
	require.NoError(t, err)
	assert.Len(t, got, 1)

	// A write invalidates the snapshot immediately.
	require.NoError(t, v.Set(ctx, "k2", "v2"))
	got, err = v.ResolveAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"k1": "v1", "k2": "v2"}, got)
}

func TestVault_RotateReEncryptsEverything(t *testing.T) {
	t.Parallel()
	v, rdb, path := newTestVault(t)
	ctx := context.Background()

	require.NoError(t, v.Set(ctx, "k1", "v1"))
	require.NoError(t, v.Set(ctx, "k2", "v2"))
	before1, err := rdb.Get(ctx, domain.KeySecret("k1")).Result()
	require.NoError(t, err)
	passwordBefore, err := os.ReadFile(path)
	require.NoError(t, err)

	require.NoError(t, v.Rotate(ctx))

	passwordAfter, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.NotEqual(t, passwordBefore, passwordAfter)

	after1, err := rdb.Get(ctx, domain.KeySecret("k1")).Result()
	require.NoError(t, err)
	assert.NotEqual(t, before1, after1)

	got, err := v.ResolveAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"k1": "v1", "k2": "v2"}, got)

	// Recovery key is retired at the end of a successful rotation.
	err = rdb.Get(ctx, domain.KeyVaultRecoveryKey).Err()
	assert.Equal(t, redis.Nil, err)
}

func TestVault_RotateAbortsOnUndecryptableSecret(t *testing.T) {
	t.Parallel()
	v, rdb, path := newTestVault(t)
	ctx := context.Background()

	require.NoError(t, v.Set(ctx, "good", "value"))
	require.NoError(t, rdb.Set(ctx, domain.KeySecret("bad"), "garbage", 0).Err())
	passwordBefore, err := os.ReadFile(path)
	require.NoError(t, err)

	err = v.Rotate(ctx)
	require.Error(t, err)

	// Nothing changed: same password file, secret still readable.
	passwordAfter, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, passwordBefore, passwordAfter)
	got, err := v.Get(ctx, "good")
	require.NoError(t, err)
	assert.Equal(t, "value", got)
}
