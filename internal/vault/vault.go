// Package vault stores named secrets in Redis under authenticated encryption.
//
// The AES-256 key derives from a per-install password file via scrypt. During
// a key rotation the previous derived key sits briefly at
// scalyclaw:vault:recovery-key so concurrent readers can still decrypt rows
// written before the re-encrypt pass.
package vault

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/scalyclaw/scalyclaw/internal/adapter/observability"
	"github.com/scalyclaw/scalyclaw/internal/domain"
)

// resolveTTL bounds how long a bulk-resolved snapshot is served before the
// next subprocess spawn pays for a fresh pipeline round trip.
const resolveTTL = 30 * time.Second

// Vault implements domain.Vault.
type Vault struct {
	rdb    *redis.Client
	logger *slog.Logger
	path   string

	keyMu    sync.RWMutex
	key      []byte
	keyMTime time.Time

	resolveMu  sync.Mutex
	resolved   map[string]string
	resolvedAt time.Time

	rotateMu sync.Mutex
}

// Open ensures the password file exists and the key derives cleanly. Callers
// treat an error here as fatal.
func Open(rdb *redis.Client, logger *slog.Logger, passwordPath string) (*Vault, error) {
	v := &Vault{rdb: rdb, logger: logger, path: passwordPath}
	if err := ensurePasswordFile(passwordPath); err != nil {
		return nil, fmt.Errorf("op=vault.Open: %w", err)
	}
	if _, err := v.currentKey(); err != nil {
		return nil, fmt.Errorf("op=vault.Open: %w", err)
	}
	return v, nil
}

// currentKey returns the derived key, re-deriving only when the password
// file's mtime moved.
func (v *Vault) currentKey() ([]byte, error) {
	st, err := os.Stat(v.path)
	if err != nil {
		return nil, err
	}
	v.keyMu.RLock()
	if v.key != nil && st.ModTime().Equal(v.keyMTime) {
		key := v.key
		v.keyMu.RUnlock()
		return key, nil
	}
	v.keyMu.RUnlock()

	password, err := os.ReadFile(v.path)
	if err != nil {
		return nil, err
	}
	if len(password) == 0 {
		return nil, fmt.Errorf("password file %s is empty", v.path)
	}
	key, err := deriveKey(password)
	if err != nil {
		return nil, err
	}
	v.keyMu.Lock()
	v.key = key
	v.keyMTime = st.ModTime()
	v.keyMu.Unlock()
	return key, nil
}

// Set encrypts and stores a secret.
func (v *Vault) Set(ctx context.Context, name, value string) error {
	if strings.TrimSpace(name) == "" {
		return fmt.Errorf("op=vault.Set: %w: empty secret name", domain.ErrInvalidArgument)
	}
	key, err := v.currentKey()
	if err != nil {
		observability.VaultOpsTotal.WithLabelValues("set", "error").Inc()
		return fmt.Errorf("op=vault.Set: %w", err)
	}
	ct, err := encrypt(key, value)
	if err != nil {
		observability.VaultOpsTotal.WithLabelValues("set", "error").Inc()
		return fmt.Errorf("op=vault.Set: %w", err)
	}
	if err := v.rdb.Set(ctx, domain.KeySecret(name), ct, 0).Err(); err != nil {
		observability.VaultOpsTotal.WithLabelValues("set", "error").Inc()
		return fmt.Errorf("op=vault.Set: %w", err)
	}
	v.invalidateResolved()
	observability.VaultOpsTotal.WithLabelValues("set", "ok").Inc()
	return nil
}

// Get fetches and decrypts one secret.
func (v *Vault) Get(ctx context.Context, name string) (string, error) {
	ct, err := v.rdb.Get(ctx, domain.KeySecret(name)).Result()
	if err == redis.Nil {
		return "", fmt.Errorf("op=vault.Get: %w: secret %s", domain.ErrNotFound, name)
	}
	if err != nil {
		observability.VaultOpsTotal.WithLabelValues("get", "error").Inc()
		return "", fmt.Errorf("op=vault.Get: %w", err)
	}
	value, err := v.decryptWithFallback(ctx, ct)
	if err != nil {
		observability.VaultOpsTotal.WithLabelValues("get", "error").Inc()
		return "", fmt.Errorf("op=vault.Get: %w", err)
	}
	observability.VaultOpsTotal.WithLabelValues("get", "ok").Inc()
	return value, nil
}

// Delete removes a secret.
func (v *Vault) Delete(ctx context.Context, name string) error {
	n, err := v.rdb.Del(ctx, domain.KeySecret(name)).Result()
	if err != nil {
		observability.VaultOpsTotal.WithLabelValues("delete", "error").Inc()
		return fmt.Errorf("op=vault.Delete: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("op=vault.Delete: %w: secret %s", domain.ErrNotFound, name)
	}
	v.invalidateResolved()
	observability.VaultOpsTotal.WithLabelValues("delete", "ok").Inc()
	return nil
}

// List returns all secret names, sorted.
func (v *Vault) List(ctx context.Context) ([]string, error) {
	prefix := domain.KeySecret("")
	var names []string
	iter := v.rdb.Scan(ctx, 0, domain.KeySecret("*"), 100).Iterator()
	for iter.Next(ctx) {
		names = append(names, strings.TrimPrefix(iter.Val(), prefix))
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("op=vault.List: %w", err)
	}
	sort.Strings(names)
	return names, nil
}

// ResolveAll decrypts every secret, serving a short-lived snapshot between
// calls. A secret that fails to decrypt is omitted, never substituted.
func (v *Vault) ResolveAll(ctx context.Context) (map[string]string, error) {
	v.resolveMu.Lock()
	defer v.resolveMu.Unlock()
	if v.resolved != nil && time.Since(v.resolvedAt) < resolveTTL {
		return copyMap(v.resolved), nil
	}

	names, err := v.List(ctx)
	if err != nil {
		observability.VaultOpsTotal.WithLabelValues("resolve_all", "error").Inc()
		return nil, fmt.Errorf("op=vault.ResolveAll: %w", err)
	}
	out := make(map[string]string, len(names))
	if len(names) > 0 {
		pipe := v.rdb.Pipeline()
		cmds := make(map[string]*redis.StringCmd, len(names))
		for _, name := range names {
			cmds[name] = pipe.Get(ctx, domain.KeySecret(name))
		}
		if _, err := pipe.Exec(ctx); err != nil && err != redis.Nil {
			observability.VaultOpsTotal.WithLabelValues("resolve_all", "error").Inc()
			return nil, fmt.Errorf("op=vault.ResolveAll: %w", err)
		}
		for name, cmd := range cmds {
			ct, err := cmd.Result()
			if err != nil {
				continue
			}
			value, err := v.decryptWithFallback(ctx, ct)
			if err != nil {
				v.logger.Warn("vault secret failed to decrypt, omitting",
					slog.String("secret", name), slog.Any("error", err))
				continue
			}
			out[name] = value
		}
	}
	v.resolved = out
	v.resolvedAt = time.Now()
	observability.VaultOpsTotal.WithLabelValues("resolve_all", "ok").Inc()
	return copyMap(out), nil
}

// Rotate replaces the password file and re-encrypts every secret under the
// new key. The previous derived key is published to the recovery slot for the
// duration of the replace window.
func (v *Vault) Rotate(ctx context.Context) error {
	v.rotateMu.Lock()
	defer v.rotateMu.Unlock()

	oldKey, err := v.currentKey()
	if err != nil {
		observability.VaultOpsTotal.WithLabelValues("rotate", "error").Inc()
		return fmt.Errorf("op=vault.Rotate: %w", err)
	}

	// Step 1: everything must decrypt before anything changes. Aborting here
	// loses nothing.
	names, err := v.List(ctx)
	if err != nil {
		observability.VaultOpsTotal.WithLabelValues("rotate", "error").Inc()
		return fmt.Errorf("op=vault.Rotate: %w", err)
	}
	plain := make(map[string]string, len(names))
	for _, name := range names {
		ct, err := v.rdb.Get(ctx, domain.KeySecret(name)).Result()
		if err == redis.Nil {
			continue
		}
		if err != nil {
			observability.VaultOpsTotal.WithLabelValues("rotate", "error").Inc()
			return fmt.Errorf("op=vault.Rotate: %w", err)
		}
		value, err := v.decryptWithFallback(ctx, ct)
		if err != nil {
			observability.VaultOpsTotal.WithLabelValues("rotate", "error").Inc()
			return fmt.Errorf("op=vault.Rotate: secret %s undecryptable, aborting: %w", name, err)
		}
		plain[name] = value
	}

	// Step 2: publish the outgoing key so readers racing the file replace can
	// still open old ciphertexts.
	if err := v.rdb.Set(ctx, domain.KeyVaultRecoveryKey, hex.EncodeToString(oldKey), domain.RecoveryKeyTTL).Err(); err != nil {
		observability.VaultOpsTotal.WithLabelValues("rotate", "error").Inc()
		return fmt.Errorf("op=vault.Rotate: %w", err)
	}

	// Step 3: new password file, new key.
	buf := make([]byte, 48)
	if _, err := io.ReadFull(rand.Reader, buf); err != nil {
		observability.VaultOpsTotal.WithLabelValues("rotate", "error").Inc()
		return fmt.Errorf("op=vault.Rotate: %w", err)
	}
	newPassword := []byte(hex.EncodeToString(buf))
	if err := writeFileAtomic(v.path, newPassword); err != nil {
		observability.VaultOpsTotal.WithLabelValues("rotate", "error").Inc()
		return fmt.Errorf("op=vault.Rotate: %w", err)
	}
	newKey, err := v.currentKey()
	if err != nil {
		observability.VaultOpsTotal.WithLabelValues("rotate", "error").Inc()
		return fmt.Errorf("op=vault.Rotate: %w", err)
	}

	// Step 4: re-encrypt under the new key in one pipeline.
	if len(plain) > 0 {
		pipe := v.rdb.Pipeline()
		for name, value := range plain {
			ct, err := encrypt(newKey, value)
			if err != nil {
				observability.VaultOpsTotal.WithLabelValues("rotate", "error").Inc()
				return fmt.Errorf("op=vault.Rotate: %w", err)
			}
			pipe.Set(ctx, domain.KeySecret(name), ct, 0)
		}
		if _, err := pipe.Exec(ctx); err != nil {
			observability.VaultOpsTotal.WithLabelValues("rotate", "error").Inc()
			return fmt.Errorf("op=vault.Rotate: %w", err)
		}
	}

	// Step 5: retire the recovery key and drop local caches.
	if err := v.rdb.Del(ctx, domain.KeyVaultRecoveryKey).Err(); err != nil {
		v.logger.Warn("recovery key delete failed, it will expire on its own", slog.Any("error", err))
	}
	v.invalidateResolved()
	observability.VaultOpsTotal.WithLabelValues("rotate", "ok").Inc()
	v.logger.Info("vault key rotated", slog.Int("secrets", len(plain)))
	return nil
}

func (v *Vault) decryptWithFallback(ctx context.Context, ciphertext string) (string, error) {
	key, err := v.currentKey()
	if err != nil {
		return "", err
	}
	value, primaryErr := decrypt(key, ciphertext)
	if primaryErr == nil {
		return value, nil
	}
	recHex, err := v.rdb.Get(ctx, domain.KeyVaultRecoveryKey).Result()
	if err != nil {
		// No recovery key published; the primary failure stands.
		return "", primaryErr
	}
	recKey, err := hex.DecodeString(recHex)
	if err != nil || len(recKey) != keyLen {
		return "", primaryErr
	}
	return decrypt(recKey, ciphertext)
}

func (v *Vault) invalidateResolved() {
	v.resolveMu.Lock()
	v.resolved = nil
	v.resolveMu.Unlock()
}

func copyMap(in map[string]string) map[string]string {
	out := make(map[string]string, len(in))
	for k, val := range in {
		out[k] = val
	}
	return out
}
