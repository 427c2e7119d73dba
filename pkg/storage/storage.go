package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/levenlabs/go-lflag"
	"github.com/raterudder/solarforecast/pkg/types"
)

var (
	ErrEntryNotFound = errors.New("config entry not found")
	ErrEntryExists   = errors.New("config entry already exists")
)

// Database persists configuration entries.
type Database interface {
	// GetEntry returns the entry and the options version it was stored with.
	GetEntry(ctx context.Context, entryID string) (types.ConfigEntry, int, error)
	// ListEntries returns all entries of domain ordered by creation time.
	ListEntries(ctx context.Context, domain string) ([]types.ConfigEntry, error)
	// CreateEntry stores a new entry. It fails with ErrEntryExists if the ID
	// is already taken.
	CreateEntry(ctx context.Context, entry types.ConfigEntry, version int) error
	// UpdateEntry replaces an existing entry.
	UpdateEntry(ctx context.Context, entry types.ConfigEntry, version int) error
	DeleteEntry(ctx context.Context, entryID string) error

	// Lifecycle
	Close() error
}

// Configured sets up the Storage provider based on flags.
func Configured() Database {
	provider := lflag.String("storage-provider", "sqlite", "Storage provider to use (available: firestore, sqlite)")
	encryptionKey := lflag.String("credentials-encryption-key", "", "32 character key used to encrypt api keys at rest (empty stores them in plain text)")

	var p struct{ Database }

	fs := configuredFirestore()
	sq := configuredSQLite()

	lflag.Do(func() {
		var db interface {
			Database
			Validate() error
			Init(ctx context.Context) error
		}
		switch *provider {
		case "firestore":
			db = fs
		case "sqlite":
			db = sq
		default:
			panic(fmt.Sprintf("unknown storage provider: %s", *provider))
		}
		if err := db.Validate(); err != nil {
			panic(fmt.Sprintf("%s validation failed: %v", *provider, err))
		}
		if err := db.Init(context.Background()); err != nil {
			panic(fmt.Sprintf("%s init failed: %v", *provider, err))
		}
		p.Database = db

		if *encryptionKey != "" {
			enc, err := NewEncrypted(db, *encryptionKey)
			if err != nil {
				panic(fmt.Sprintf("credentials encryption setup failed: %v", err))
			}
			p.Database = enc
		}
	})

	return &p
}
