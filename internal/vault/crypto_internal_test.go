package vault

import (
	"context"
	"encoding/hex"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scalyclaw/scalyclaw/internal/domain"
)

func TestEncryptDecryptRoundTrip(t *testing.T) {
	t.Parallel()
	key, err := deriveKey([]byte("test-password"))
	require.NoError(t, err)

	ct, err := encrypt(key, "hunter2")
	require.NoError(t, err)
	parts := 0
	for _, c := range ct {
		if c == ':' {
			parts++
		}
	}
	assert.Equal(t, 2, parts, "ciphertext must be iv:tag:payload")

	got, err := decrypt(key, ct)
	require.NoError(t, err)
	assert.Equal(t, "hunter2", got)
}

func TestDecrypt_WrongKeyFailsClosed(t *testing.T) {
	t.Parallel()
	k1, err := deriveKey([]byte("one"))
	require.NoError(t, err)
	k2, err := deriveKey([]byte("two"))
	require.NoError(t, err)

	ct, err := encrypt(k1, "secret")
	require.NoError(t, err)
	_, err = decrypt(k2, ct)
	assert.Error(t, err)
}

func TestDecrypt_RejectsMalformed(t *testing.T) {
	t.Parallel()
	key, err := deriveKey([]byte("pw"))
	require.NoError(t, err)
	for _, ct := range []string{"", "abc", "xx:yy", "zz:zz:zz", "0011:2233:4455"} {
		_, err := decrypt(key, ct)
		assert.Error(t, err, "ciphertext %q", ct)
	}
}

func TestEnsurePasswordFile(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "scalyclaw.ps")
	require.NoError(t, ensurePasswordFile(path))

	st, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), st.Mode().Perm())
	first, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.NotEmpty(t, first)

	// Second call leaves the existing file alone.
	require.NoError(t, ensurePasswordFile(path))
	second, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

func TestOpen_EmptyPasswordFileIsCorrupt(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "scalyclaw.ps")
	require.NoError(t, os.WriteFile(path, nil, 0o600))

	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	_, err = Open(rdb, slog.Default(), path)
	assert.Error(t, err)
}

// A reader that races the password-file replace must still open ciphertexts
// written under the outgoing key, via the published recovery key.
func TestRecoveryKeyCoversReplaceWindow(t *testing.T) {
	t.Parallel()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	path := filepath.Join(t.TempDir(), "scalyclaw.ps")
	v, err := Open(rdb, slog.Default(), path)
	require.NoError(t, err)
	ctx := context.Background()
	require.NoError(t, v.Set(ctx, "api-key", "old-key-value"))

	oldPassword, err := os.ReadFile(path)
	require.NoError(t, err)
	oldKey, err := deriveKey(oldPassword)
	require.NoError(t, err)

	// Simulate rotation steps 2 and 3 without the re-encrypt pass.
	require.NoError(t, rdb.Set(ctx, domain.KeyVaultRecoveryKey, hex.EncodeToString(oldKey), domain.RecoveryKeyTTL).Err())
	require.NoError(t, writeFileAtomic(path, []byte("a-completely-new-password")))
	// Force a visible mtime change regardless of filesystem granularity.
	bumped := time.Now().Add(2 * time.Second)
	require.NoError(t, os.Chtimes(path, bumped, bumped))

	got, err := v.Get(ctx, "api-key")
	require.NoError(t, err)
	assert.Equal(t, "old-key-value", got)

	// Without the recovery key the old ciphertext is unreadable.
	require.NoError(t, rdb.Del(ctx, domain.KeyVaultRecoveryKey).Err())
	_, err = v.Get(ctx, "api-key")
	assert.Error(t, err)
}
