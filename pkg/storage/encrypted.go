package storage

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/raterudder/solarforecast/pkg/log"
	"github.com/raterudder/solarforecast/pkg/types"
)

// encryptedPrefix marks an api key that was sealed by Encrypted. Keys without
// it were written before encryption was enabled and are returned as is.
const encryptedPrefix = "enc:"

// Encrypted wraps a Database and seals the api key of every entry with
// AES-GCM before it reaches the underlying store.
type Encrypted struct {
	Database
	gcm cipher.AEAD
}

// NewEncrypted returns db wrapped with encryption using key, which must be
// 32 bytes long.
func NewEncrypted(db Database, key string) (*Encrypted, error) {
	if len(key) != 32 {
		return nil, errors.New("invalid encryption key length (must be 32 bytes)")
	}
	block, err := aes.NewCipher([]byte(key))
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create gcm: %w", err)
	}
	return &Encrypted{Database: db, gcm: gcm}, nil
}

func (e *Encrypted) encrypt(ctx context.Context, plain string) (string, error) {
	if plain == "" {
		return "", nil
	}
	nonce := make([]byte, e.gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "failed to generate nonce", slog.Any("error", err))
		return "", fmt.Errorf("failed to generate nonce: %w", err)
	}
	sealed := e.gcm.Seal(nonce, nonce, []byte(plain), nil)
	return encryptedPrefix + base64.RawStdEncoding.EncodeToString(sealed), nil
}

func (e *Encrypted) decrypt(ctx context.Context, stored string) (string, error) {
	rest, ok := strings.CutPrefix(stored, encryptedPrefix)
	if !ok {
		return stored, nil
	}
	sealed, err := base64.RawStdEncoding.DecodeString(rest)
	if err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "malformed encrypted api key", slog.Any("error", err))
		return "", fmt.Errorf("malformed encrypted api key: %w", err)
	}
	if len(sealed) < e.gcm.NonceSize() {
		log.Ctx(ctx).ErrorContext(ctx, "malformed encrypted api key", slog.Int("length", len(sealed)))
		return "", errors.New("malformed encrypted api key")
	}
	nonce, ciphertext := sealed[:e.gcm.NonceSize()], sealed[e.gcm.NonceSize():]
	plain, err := e.gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "failed to decrypt api key", slog.Any("error", err))
		return "", fmt.Errorf("failed to decrypt api key: %w", err)
	}
	return string(plain), nil
}

func (e *Encrypted) seal(ctx context.Context, entry types.ConfigEntry) (types.ConfigEntry, error) {
	key, err := e.encrypt(ctx, entry.Options.APIKey)
	if err != nil {
		return types.ConfigEntry{}, err
	}
	entry.Options.APIKey = key
	return entry, nil
}

func (e *Encrypted) open(ctx context.Context, entry types.ConfigEntry) (types.ConfigEntry, error) {
	key, err := e.decrypt(ctx, entry.Options.APIKey)
	if err != nil {
		return types.ConfigEntry{}, fmt.Errorf("entry %s: %w", entry.ID, err)
	}
	entry.Options.APIKey = key
	return entry, nil
}

// GetEntry returns the entry with its api key decrypted.
func (e *Encrypted) GetEntry(ctx context.Context, entryID string) (types.ConfigEntry, int, error) {
	entry, version, err := e.Database.GetEntry(ctx, entryID)
	if err != nil {
		return types.ConfigEntry{}, 0, err
	}
	entry, err = e.open(ctx, entry)
	if err != nil {
		return types.ConfigEntry{}, 0, err
	}
	return entry, version, nil
}

// ListEntries returns the entries with their api keys decrypted. Entries that
// cannot be decrypted are skipped.
func (e *Encrypted) ListEntries(ctx context.Context, domain string) ([]types.ConfigEntry, error) {
	entries, err := e.Database.ListEntries(ctx, domain)
	if err != nil {
		return nil, err
	}
	out := entries[:0]
	for _, entry := range entries {
		opened, err := e.open(ctx, entry)
		if err != nil {
			log.Ctx(ctx).WarnContext(ctx, "skipping entry that cannot be decrypted", slog.String("entryID", entry.ID), slog.Any("err", err))
			continue
		}
		out = append(out, opened)
	}
	return out, nil
}

func (e *Encrypted) CreateEntry(ctx context.Context, entry types.ConfigEntry, version int) error {
	sealed, err := e.seal(ctx, entry)
	if err != nil {
		return err
	}
	return e.Database.CreateEntry(ctx, sealed, version)
}

func (e *Encrypted) UpdateEntry(ctx context.Context, entry types.ConfigEntry, version int) error {
	sealed, err := e.seal(ctx, entry)
	if err != nil {
		return err
	}
	return e.Database.UpdateEntry(ctx, sealed, version)
}
