package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sort"

	"cloud.google.com/go/firestore"
	"github.com/levenlabs/go-lflag"
	"github.com/raterudder/solarforecast/pkg/log"
	"github.com/raterudder/solarforecast/pkg/types"
	"google.golang.org/api/iterator"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

const entriesCollection = "config_entries"

// FirestoreProvider implements Database using Google Cloud Firestore.
// Every entry is a document holding the entry as a JSON string next to the
// domain (for queries) and the options version.
type FirestoreProvider struct {
	client    *firestore.Client
	projectID string
	database  string
}

// configuredFirestore sets up the Firestore provider.
// It registers flags for configuration.
func configuredFirestore() *FirestoreProvider {
	projectID := lflag.String("firestore-project-id", "", "Google Cloud Project ID for Firestore")
	database := lflag.String("firestore-database", "", "Google Cloud Firestore Database")
	emulator := lflag.String("firestore-emulator", "", "Use Firestore emulator")

	f := &FirestoreProvider{}

	lflag.Do(func() {
		f.projectID = *projectID
		f.database = *database

		// set this because that's how firestore client expects it
		if *emulator != "" {
			os.Setenv("FIRESTORE_EMULATOR_HOST", *emulator)
		}
	})

	return f
}

// Validate checks if the provider is properly configured.
func (f *FirestoreProvider) Validate() error {
	// project ID may be empty when it can be detected from the environment
	return nil
}

// Init initializes the Firestore client.
// This must be called before using the provider methods.
func (f *FirestoreProvider) Init(ctx context.Context) error {
	projectID := f.projectID
	if projectID == "" {
		projectID = firestore.DetectProjectID
	}
	database := f.database
	if database == "" {
		database = firestore.DefaultDatabaseID
	}
	client, err := firestore.NewClientWithDatabase(ctx, projectID, database)
	if err != nil {
		return fmt.Errorf("failed to create firestore client (project=%s, database=%s): %w", projectID, database, err)
	}
	f.client = client
	return nil
}

// Close closes the Firestore client connection.
func (f *FirestoreProvider) Close() error {
	if f.client != nil {
		return f.client.Close()
	}
	return nil
}

func (f *FirestoreProvider) entryDoc(entryID string) (*firestore.DocumentRef, error) {
	if entryID == "" {
		return nil, fmt.Errorf("entryID cannot be empty")
	}
	return f.client.Collection(entriesCollection).Doc(entryID), nil
}

func entryFields(entry types.ConfigEntry, version int) (map[string]interface{}, error) {
	jsonBytes, err := json.Marshal(entry)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal entry %s: %w", entry.ID, err)
	}
	return map[string]interface{}{
		"json":    string(jsonBytes),
		"domain":  entry.Domain,
		"version": version,
	}, nil
}

func decodeEntryDoc(ctx context.Context, doc *firestore.DocumentSnapshot) (types.ConfigEntry, int, error) {
	// Read version if available (default 0)
	var version int
	if v, err := doc.DataAt("version"); err == nil {
		if vInt, ok := v.(int64); ok {
			version = int(vInt)
		}
	}

	val, err := doc.DataAt("json")
	if err != nil {
		log.Ctx(ctx).WarnContext(ctx, "entry doc missing json", slog.String("entryID", doc.Ref.ID))
		return types.ConfigEntry{}, 0, fmt.Errorf("entry %s missing 'json' field: %w", doc.Ref.ID, err)
	}
	jsonStr, ok := val.(string)
	if !ok {
		log.Ctx(ctx).WarnContext(ctx, "entry doc json not string", slog.String("entryID", doc.Ref.ID))
		return types.ConfigEntry{}, 0, fmt.Errorf("entry %s 'json' field is not a string", doc.Ref.ID)
	}

	var entry types.ConfigEntry
	if err := json.Unmarshal([]byte(jsonStr), &entry); err != nil {
		log.Ctx(ctx).WarnContext(ctx, "failed to unmarshal entry json", slog.String("entryID", doc.Ref.ID), slog.Any("err", err))
		return types.ConfigEntry{}, 0, fmt.Errorf("failed to unmarshal entry %s: %w", doc.Ref.ID, err)
	}
	return entry, version, nil
}

// GetEntry retrieves an entry from the "config_entries" collection.
func (f *FirestoreProvider) GetEntry(ctx context.Context, entryID string) (types.ConfigEntry, int, error) {
	ref, err := f.entryDoc(entryID)
	if err != nil {
		return types.ConfigEntry{}, 0, err
	}
	doc, err := ref.Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return types.ConfigEntry{}, 0, fmt.Errorf("%w: %s", ErrEntryNotFound, entryID)
		}
		return types.ConfigEntry{}, 0, fmt.Errorf("failed to fetch entry %s: %w", entryID, err)
	}
	return decodeEntryDoc(ctx, doc)
}

// ListEntries retrieves every entry of domain. Malformed documents are
// skipped.
func (f *FirestoreProvider) ListEntries(ctx context.Context, domain string) ([]types.ConfigEntry, error) {
	iter := f.client.Collection(entriesCollection).Where("domain", "==", domain).Documents(ctx)
	defer iter.Stop()

	var entries []types.ConfigEntry
	for {
		doc, err := iter.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("error iterating entries: %w", err)
		}
		entry, _, err := decodeEntryDoc(ctx, doc)
		if err != nil {
			continue
		}
		entries = append(entries, entry)
	}
	sort.SliceStable(entries, func(i, j int) bool {
		return entries[i].CreatedAt.Before(entries[j].CreatedAt)
	})
	return entries, nil
}

// CreateEntry creates a new entry document.
func (f *FirestoreProvider) CreateEntry(ctx context.Context, entry types.ConfigEntry, version int) error {
	ref, err := f.entryDoc(entry.ID)
	if err != nil {
		return err
	}
	fields, err := entryFields(entry, version)
	if err != nil {
		return err
	}
	if _, err := ref.Create(ctx, fields); err != nil {
		if status.Code(err) == codes.AlreadyExists {
			return fmt.Errorf("%w: %s", ErrEntryExists, entry.ID)
		}
		return fmt.Errorf("failed to create entry %s: %w", entry.ID, err)
	}
	return nil
}

// UpdateEntry replaces an existing entry document.
func (f *FirestoreProvider) UpdateEntry(ctx context.Context, entry types.ConfigEntry, version int) error {
	ref, err := f.entryDoc(entry.ID)
	if err != nil {
		return err
	}
	fields, err := entryFields(entry, version)
	if err != nil {
		return err
	}
	// Update fails if the document doesn't exist, unlike Set
	updates := make([]firestore.Update, 0, len(fields))
	for k, v := range fields {
		updates = append(updates, firestore.Update{Path: k, Value: v})
	}
	if _, err := ref.Update(ctx, updates); err != nil {
		if status.Code(err) == codes.NotFound {
			return fmt.Errorf("%w: %s", ErrEntryNotFound, entry.ID)
		}
		return fmt.Errorf("failed to update entry %s: %w", entry.ID, err)
	}
	return nil
}

// DeleteEntry removes an entry document.
func (f *FirestoreProvider) DeleteEntry(ctx context.Context, entryID string) error {
	ref, err := f.entryDoc(entryID)
	if err != nil {
		return err
	}
	if _, err := ref.Delete(ctx, firestore.Exists); err != nil {
		if status.Code(err) == codes.NotFound {
			return fmt.Errorf("%w: %s", ErrEntryNotFound, entryID)
		}
		return fmt.Errorf("failed to delete entry %s: %w", entryID, err)
	}
	return nil
}
