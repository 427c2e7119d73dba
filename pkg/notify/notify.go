package notify

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/levenlabs/go-lflag"
	"github.com/raterudder/solarforecast/pkg/log"
	"github.com/raterudder/solarforecast/pkg/types"
)

// Event names published for entry lifecycle changes.
const (
	EventSetup  = "setup"
	EventReload = "reload"
	EventRemove = "remove"
)

// Notifier hands a persisted entry back to the host so it can set up, reload
// or tear down the entities that depend on it.
type Notifier interface {
	// EntrySetup is called once after a new entry was created.
	EntrySetup(ctx context.Context, entry types.ConfigEntry) error
	// EntryReload is called after the options of an entry were replaced.
	EntryReload(ctx context.Context, entry types.ConfigEntry) error
	// EntryRemove is called after an entry was deleted.
	EntryRemove(ctx context.Context, entry types.ConfigEntry) error

	Close() error
}

// Configured sets up the Notifier based on flags.
func Configured() Notifier {
	kind := lflag.String("notifier", "log", "How entry changes are handed to the host (available: log, mqtt)")

	var n struct{ Notifier }
	m := configuredMQTT()

	lflag.Do(func() {
		switch *kind {
		case "log":
			n.Notifier = Log{}
		case "mqtt":
			if err := m.Connect(context.Background()); err != nil {
				panic(fmt.Sprintf("mqtt connect failed: %v", err))
			}
			n.Notifier = m
		default:
			panic(fmt.Sprintf("unknown notifier: %s", *kind))
		}
	})

	return &n
}

// Log only logs entry changes. It is used when the host polls the entries
// API instead of listening for events.
type Log struct{}

var _ Notifier = Log{}

func (Log) event(ctx context.Context, event string, entry types.ConfigEntry) error {
	log.Ctx(ctx).InfoContext(ctx, "config entry "+event,
		slog.String("entryID", entry.ID),
		slog.String("domain", entry.Domain),
		slog.String("title", entry.Title),
	)
	return nil
}

func (l Log) EntrySetup(ctx context.Context, entry types.ConfigEntry) error {
	return l.event(ctx, EventSetup, entry)
}

func (l Log) EntryReload(ctx context.Context, entry types.ConfigEntry) error {
	return l.event(ctx, EventReload, entry)
}

func (l Log) EntryRemove(ctx context.Context, entry types.ConfigEntry) error {
	return l.event(ctx, EventRemove, entry)
}

func (Log) Close() error { return nil }
