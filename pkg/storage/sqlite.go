package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/levenlabs/go-lflag"
	"github.com/raterudder/solarforecast/pkg/log"
	"github.com/raterudder/solarforecast/pkg/types"

	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS config_entries (
	id         TEXT PRIMARY KEY,
	domain     TEXT NOT NULL,
	json       TEXT NOT NULL,
	version    INTEGER NOT NULL DEFAULT 0,
	created_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS config_entries_domain ON config_entries (domain, created_at);
`

// SQLiteProvider implements Database on a local SQLite file. It is the
// default for single-host installs where Firestore is not available.
type SQLiteProvider struct {
	db          *sql.DB
	path        string
	busyTimeout time.Duration
}

func configuredSQLite() *SQLiteProvider {
	path := lflag.String("sqlite-path", "solarforecast.db", "Path of the SQLite database file")
	busyTimeout := lflag.Duration("sqlite-busy-timeout", 5*time.Second, "How long SQLite waits on a locked database")

	s := &SQLiteProvider{}
	lflag.Do(func() {
		s.path = *path
		s.busyTimeout = *busyTimeout
	})
	return s
}

// Validate checks if the provider is properly configured.
func (s *SQLiteProvider) Validate() error {
	if s.path == "" {
		return errors.New("sqlite-path is required")
	}
	return nil
}

// Init opens the database and creates the schema.
func (s *SQLiteProvider) Init(ctx context.Context) error {
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(%d)&_pragma=synchronous(NORMAL)",
		s.path, s.busyTimeout.Milliseconds())
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return fmt.Errorf("sqlite: open failed: %w", err)
	}
	// a single writer avoids SQLITE_BUSY between our own connections
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return fmt.Errorf("sqlite: ping failed: %w", err)
	}
	if _, err := db.ExecContext(ctx, sqliteSchema); err != nil {
		_ = db.Close()
		return fmt.Errorf("sqlite: failed to create schema: %w", err)
	}
	s.db = db
	return nil
}

// Close closes the database.
func (s *SQLiteProvider) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

func decodeEntryRow(ctx context.Context, id, jsonStr string) (types.ConfigEntry, error) {
	var entry types.ConfigEntry
	if err := json.Unmarshal([]byte(jsonStr), &entry); err != nil {
		log.Ctx(ctx).WarnContext(ctx, "failed to unmarshal entry json", slog.String("entryID", id), slog.Any("err", err))
		return types.ConfigEntry{}, fmt.Errorf("failed to unmarshal entry %s: %w", id, err)
	}
	return entry, nil
}

// GetEntry retrieves a single entry.
func (s *SQLiteProvider) GetEntry(ctx context.Context, entryID string) (types.ConfigEntry, int, error) {
	if entryID == "" {
		return types.ConfigEntry{}, 0, fmt.Errorf("entryID cannot be empty")
	}
	var (
		jsonStr string
		version int
	)
	err := s.db.QueryRowContext(ctx, `SELECT json, version FROM config_entries WHERE id = ?`, entryID).Scan(&jsonStr, &version)
	if errors.Is(err, sql.ErrNoRows) {
		return types.ConfigEntry{}, 0, fmt.Errorf("%w: %s", ErrEntryNotFound, entryID)
	}
	if err != nil {
		return types.ConfigEntry{}, 0, fmt.Errorf("failed to fetch entry %s: %w", entryID, err)
	}
	entry, err := decodeEntryRow(ctx, entryID, jsonStr)
	if err != nil {
		return types.ConfigEntry{}, 0, err
	}
	return entry, version, nil
}

// ListEntries retrieves every entry of domain. Malformed rows are skipped.
func (s *SQLiteProvider) ListEntries(ctx context.Context, domain string) ([]types.ConfigEntry, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, json FROM config_entries WHERE domain = ? ORDER BY created_at, id`, domain)
	if err != nil {
		return nil, fmt.Errorf("failed to list entries: %w", err)
	}
	defer rows.Close()

	var entries []types.ConfigEntry
	for rows.Next() {
		var id, jsonStr string
		if err := rows.Scan(&id, &jsonStr); err != nil {
			return nil, fmt.Errorf("failed to scan entry: %w", err)
		}
		entry, err := decodeEntryRow(ctx, id, jsonStr)
		if err != nil {
			continue
		}
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating entries: %w", err)
	}
	return entries, nil
}

// CreateEntry inserts a new entry.
func (s *SQLiteProvider) CreateEntry(ctx context.Context, entry types.ConfigEntry, version int) error {
	if entry.ID == "" {
		return fmt.Errorf("entryID cannot be empty")
	}
	jsonBytes, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to marshal entry %s: %w", entry.ID, err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO config_entries (id, domain, json, version, created_at) VALUES (?, ?, ?, ?, ?)`,
		entry.ID, entry.Domain, string(jsonBytes), version, entry.CreatedAt.UnixNano(),
	)
	if err != nil {
		if isPrimaryKeyViolation(err) {
			return fmt.Errorf("%w: %s", ErrEntryExists, entry.ID)
		}
		return fmt.Errorf("failed to create entry %s: %w", entry.ID, err)
	}
	return nil
}

func isPrimaryKeyViolation(err error) bool {
	var sqliteErr *sqlite.Error
	return errors.As(err, &sqliteErr) && sqliteErr.Code() == sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY
}

// UpdateEntry replaces an existing entry.
func (s *SQLiteProvider) UpdateEntry(ctx context.Context, entry types.ConfigEntry, version int) error {
	jsonBytes, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to marshal entry %s: %w", entry.ID, err)
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE config_entries SET domain = ?, json = ?, version = ? WHERE id = ?`,
		entry.Domain, string(jsonBytes), version, entry.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update entry %s: %w", entry.ID, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("%w: %s", ErrEntryNotFound, entry.ID)
	}
	return nil
}

// DeleteEntry removes an entry.
func (s *SQLiteProvider) DeleteEntry(ctx context.Context, entryID string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM config_entries WHERE id = ?`, entryID)
	if err != nil {
		return fmt.Errorf("failed to delete entry %s: %w", entryID, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("%w: %s", ErrEntryNotFound, entryID)
	}
	return nil
}
