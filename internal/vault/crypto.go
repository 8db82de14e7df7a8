package vault

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/crypto/scrypt"
)

// Key derivation parameters. The salt is fixed per format version; uniqueness
// comes from the per-install password file.
const (
	scryptN   = 32768
	scryptR   = 8
	scryptP   = 1
	keyLen    = 32
	vaultSalt = "scalyclaw.vault.v1"

	ivLen  = 12
	tagLen = 16
)

func deriveKey(password []byte) ([]byte, error) {
	key, err := scrypt.Key(password, []byte(vaultSalt), scryptN, scryptR, scryptP, keyLen)
	if err != nil {
		return nil, fmt.Errorf("op=vault.deriveKey: %w", err)
	}
	return key, nil
}

// ensurePasswordFile creates the password file with fresh random contents if
// it does not exist yet. An existing but empty file is treated as corrupt.
func ensurePasswordFile(path string) error {
	st, err := os.Stat(path)
	switch {
	case err == nil:
		if st.Size() == 0 {
			return fmt.Errorf("op=vault.ensurePasswordFile: %s is empty", path)
		}
		return nil
	case os.IsNotExist(err):
		buf := make([]byte, 48)
		if _, err := io.ReadFull(rand.Reader, buf); err != nil {
			return fmt.Errorf("op=vault.ensurePasswordFile: %w", err)
		}
		if err := writeFileAtomic(path, []byte(hex.EncodeToString(buf))); err != nil {
			return fmt.Errorf("op=vault.ensurePasswordFile: %w", err)
		}
		return nil
	default:
		return fmt.Errorf("op=vault.ensurePasswordFile: %w", err)
	}
}

// writeFileAtomic writes via a temp file in the same directory and renames it
// into place, so readers never observe a partial file.
func writeFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+"-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer func() { _ = os.Remove(tmpName) }()
	if err := tmp.Chmod(0o600); err != nil {
		_ = tmp.Close()
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmpName, path)
}

// encrypt seals plaintext with AES-256-GCM and renders iv:tag:payload hex.
func encrypt(key []byte, plaintext string) (string, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return "", fmt.Errorf("op=vault.encrypt: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", fmt.Errorf("op=vault.encrypt: %w", err)
	}
	iv := make([]byte, ivLen)
	if _, err := io.ReadFull(rand.Reader, iv); err != nil {
		return "", fmt.Errorf("op=vault.encrypt: %w", err)
	}
	sealed := gcm.Seal(nil, iv, []byte(plaintext), nil)
	tag := sealed[len(sealed)-tagLen:]
	payload := sealed[:len(sealed)-tagLen]
	return hex.EncodeToString(iv) + ":" + hex.EncodeToString(tag) + ":" + hex.EncodeToString(payload), nil
}

// decrypt reverses encrypt. Any format or authentication error comes back as
// a plain error; callers decide whether to fall back to the recovery key.
func decrypt(key []byte, ciphertext string) (string, error) {
	parts := strings.Split(ciphertext, ":")
	if len(parts) != 3 {
		return "", fmt.Errorf("op=vault.decrypt: ciphertext is not iv:tag:payload")
	}
	iv, err := hex.DecodeString(parts[0])
	if err != nil || len(iv) != ivLen {
		return "", fmt.Errorf("op=vault.decrypt: bad iv")
	}
	tag, err := hex.DecodeString(parts[1])
	if err != nil || len(tag) != tagLen {
		return "", fmt.Errorf("op=vault.decrypt: bad tag")
	}
	payload, err := hex.DecodeString(parts[2])
	if err != nil {
		return "", fmt.Errorf("op=vault.decrypt: bad payload")
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return "", fmt.Errorf("op=vault.decrypt: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", fmt.Errorf("op=vault.decrypt: %w", err)
	}
	plaintext, err := gcm.Open(nil, iv, append(payload, tag...), nil)
	if err != nil {
		return "", fmt.Errorf("op=vault.decrypt: %w", err)
	}
	return string(plaintext), nil
}
