package flow

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/raterudder/solarforecast/pkg/log"
	"github.com/raterudder/solarforecast/pkg/types"
)

// Entry returns an entry, migrating its options to the current version.
func (m *Manager) Entry(ctx context.Context, entryID string) (types.ConfigEntry, error) {
	entry, version, err := m.storage.GetEntry(ctx, entryID)
	if err != nil {
		return types.ConfigEntry{}, err
	}

	if version < types.CurrentOptionsVersion {
		log.Ctx(ctx).InfoContext(ctx, "migrating entry options", slog.String("entryID", entryID), slog.Int("oldVersion", version), slog.Int("newVersion", types.CurrentOptionsVersion))
		options, changed, err := types.MigrateOptions(entry.Options, version)
		if err != nil {
			// best effort, the entry is still usable
			log.Ctx(ctx).ErrorContext(ctx, "failed to migrate entry options", slog.Int("currentVersion", version), slog.Any("error", err))
		} else if changed {
			entry.Options = options
			if err := m.storage.UpdateEntry(ctx, entry, types.CurrentOptionsVersion); err != nil {
				log.Ctx(ctx).ErrorContext(ctx, "failed to save migrated entry", slog.Any("error", err))
			} else {
				log.Ctx(ctx).InfoContext(ctx, "saved migrated entry", slog.Int("oldVersion", version), slog.Int("newVersion", types.CurrentOptionsVersion))
			}
		}
	}
	return entry, nil
}

// Entries returns all entries of domain.
func (m *Manager) Entries(ctx context.Context, domain string) ([]types.ConfigEntry, error) {
	entries, err := m.storage.ListEntries(ctx, domain)
	if err != nil {
		return nil, fmt.Errorf("failed to list entries: %w", err)
	}
	for i := range entries {
		// migrations are idempotent so running all of them is safe without
		// knowing the stored version; the result is not saved here
		if options, changed, err := types.MigrateOptions(entries[i].Options, 0); err == nil && changed {
			entries[i].Options = options
		}
	}
	return entries, nil
}

// RemoveEntry deletes an entry and tells the host to tear it down.
func (m *Manager) RemoveEntry(ctx context.Context, entryID string) error {
	entry, _, err := m.storage.GetEntry(ctx, entryID)
	if err != nil {
		return err
	}
	if err := m.storage.DeleteEntry(ctx, entryID); err != nil {
		return fmt.Errorf("failed to delete entry: %w", err)
	}
	log.Ctx(ctx).InfoContext(ctx, "removed entry", slog.String("entryID", entryID))

	if err := m.notifier.EntryRemove(ctx, entry); err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "failed to notify entry removal", slog.String("entryID", entryID), slog.Any("error", err))
	}
	return nil
}
