package storage

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/raterudder/solarforecast/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestSQLite(t *testing.T) *SQLiteProvider {
	t.Helper()
	s := &SQLiteProvider{
		path:        filepath.Join(t.TempDir(), "entries.db"),
		busyTimeout: time.Second,
	}
	require.NoError(t, s.Validate())
	require.NoError(t, s.Init(context.Background()))
	t.Cleanup(func() { s.Close() })
	return s
}

func testEntry(id string, created time.Time) types.ConfigEntry {
	return types.ConfigEntry{
		ID:     id,
		Domain: types.Domain,
		Title:  "Home " + id,
		Source: types.SourceUser,
		Data: types.EntryData{
			Latitude:  52.42,
			Longitude: 4.42,
		},
		Options: types.EntryOptions{
			APIKey:       "SolarForecast150",
			Azimuth:      142,
			Declination:  42,
			ModulesPower: 4242,
		},
		CreatedAt: created,
		UpdatedAt: created,
	}
}

// runDatabaseTests exercises the contract every provider must satisfy.
func runDatabaseTests(t *testing.T, db Database) {
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Millisecond)

	t.Run("Create And Get", func(t *testing.T) {
		entry := testEntry("entry-a", now)
		require.NoError(t, db.CreateEntry(ctx, entry, types.CurrentOptionsVersion))

		got, version, err := db.GetEntry(ctx, "entry-a")
		require.NoError(t, err)
		assert.Equal(t, types.CurrentOptionsVersion, version)
		assert.Equal(t, entry.Title, got.Title)
		assert.Equal(t, entry.Data, got.Data)
		assert.Equal(t, entry.Options, got.Options)
		assert.True(t, entry.CreatedAt.Equal(got.CreatedAt))
	})

	t.Run("Create Duplicate", func(t *testing.T) {
		err := db.CreateEntry(ctx, testEntry("entry-a", now), types.CurrentOptionsVersion)
		assert.ErrorIs(t, err, ErrEntryExists)
	})

	t.Run("Get Missing", func(t *testing.T) {
		_, _, err := db.GetEntry(ctx, "nope")
		assert.ErrorIs(t, err, ErrEntryNotFound)
	})

	t.Run("Empty ID", func(t *testing.T) {
		_, _, err := db.GetEntry(ctx, "")
		assert.ErrorContains(t, err, "entryID cannot be empty")
	})

	t.Run("Update", func(t *testing.T) {
		entry := testEntry("entry-a", now)
		entry.Options.DampingMorning = 0.5
		entry.Options.InverterSize = new(int)
		*entry.Options.InverterSize = 1500
		require.NoError(t, db.UpdateEntry(ctx, entry, types.CurrentOptionsVersion))

		got, _, err := db.GetEntry(ctx, "entry-a")
		require.NoError(t, err)
		assert.Equal(t, 0.5, got.Options.DampingMorning)
		require.NotNil(t, got.Options.InverterSize)
		assert.Equal(t, 1500, *got.Options.InverterSize)
	})

	t.Run("Update Missing", func(t *testing.T) {
		err := db.UpdateEntry(ctx, testEntry("nope", now), types.CurrentOptionsVersion)
		assert.ErrorIs(t, err, ErrEntryNotFound)
	})

	t.Run("List", func(t *testing.T) {
		require.NoError(t, db.CreateEntry(ctx, testEntry("entry-b", now.Add(time.Second)), types.CurrentOptionsVersion))
		other := testEntry("entry-c", now)
		other.Domain = "other"
		require.NoError(t, db.CreateEntry(ctx, other, types.CurrentOptionsVersion))

		entries, err := db.ListEntries(ctx, types.Domain)
		require.NoError(t, err)
		require.Len(t, entries, 2)
		assert.Equal(t, "entry-a", entries[0].ID)
		assert.Equal(t, "entry-b", entries[1].ID)
	})

	t.Run("Delete", func(t *testing.T) {
		require.NoError(t, db.DeleteEntry(ctx, "entry-b"))
		_, _, err := db.GetEntry(ctx, "entry-b")
		assert.ErrorIs(t, err, ErrEntryNotFound)
		assert.ErrorIs(t, db.DeleteEntry(ctx, "entry-b"), ErrEntryNotFound)
	})
}

func TestSQLiteProvider(t *testing.T) {
	runDatabaseTests(t, newTestSQLite(t))
}

func TestSQLiteValidate(t *testing.T) {
	s := &SQLiteProvider{}
	assert.Error(t, s.Validate())
}

func TestSQLiteVersionRoundTrip(t *testing.T) {
	s := newTestSQLite(t)
	ctx := context.Background()
	require.NoError(t, s.CreateEntry(ctx, testEntry("old", time.Now()), 1))
	_, version, err := s.GetEntry(ctx, "old")
	require.NoError(t, err)
	assert.Equal(t, 1, version)
}

func TestSQLitePrimaryKeyViolation(t *testing.T) {
	s := newTestSQLite(t)
	ctx := context.Background()
	insert := `INSERT INTO config_entries (id, domain, json, version, created_at) VALUES ('dup', 'd', '{}', 0, 0)`
	_, err := s.db.ExecContext(ctx, insert)
	require.NoError(t, err)

	_, err = s.db.ExecContext(ctx, insert)
	require.Error(t, err)
	assert.True(t, isPrimaryKeyViolation(err))
	assert.True(t, isPrimaryKeyViolation(fmt.Errorf("wrapped: %w", err)))

	// NOT NULL is a constraint too but not a duplicate
	_, err = s.db.ExecContext(ctx, `INSERT INTO config_entries (id, domain, json, version, created_at) VALUES ('other', NULL, '{}', 0, 0)`)
	require.Error(t, err)
	assert.False(t, isPrimaryKeyViolation(err))

	assert.False(t, isPrimaryKeyViolation(errors.New("UNIQUE constraint failed: config_entries.id")))
}
