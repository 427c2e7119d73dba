package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/levenlabs/go-lflag"
	"github.com/raterudder/solarforecast/pkg/flow"
	"github.com/raterudder/solarforecast/pkg/forecast"
	"github.com/raterudder/solarforecast/pkg/forecastsolar"
	"github.com/raterudder/solarforecast/pkg/log"
	"github.com/raterudder/solarforecast/pkg/notify"
	"github.com/raterudder/solarforecast/pkg/storage"
	"github.com/raterudder/solarforecast/pkg/types"
	"gopkg.in/yaml.v3"
)

// importFile is a list of planes, each holding the same keys as the user
// form.
type importFile struct {
	Entries []map[string]any `yaml:"entries"`
}

func main() {
	path := lflag.RequiredString("import-file", "YAML file with the planes to import")

	api := forecast.Configured()
	handlers := flow.NewHandlers()
	handlers.SetHandler(types.Domain, forecastsolar.Configured(api))
	s := storage.Configured()
	n := notify.Configured()
	m := flow.Configured(handlers, s, n)
	lflag.Configure()

	ctx := context.Background()
	failed, total, err := run(ctx, m, *path)
	_ = m.Close()
	_ = n.Close()
	_ = s.Close()
	if err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "import failed", slog.Any("error", err))
		os.Exit(1)
	}
	log.Ctx(ctx).InfoContext(ctx, "import finished", slog.Int("total", total), slog.Int("failed", failed))
	if failed > 0 {
		fmt.Fprintf(os.Stderr, "%d of %d entries failed to import\n", failed, total)
		os.Exit(1)
	}
}

// run starts an import flow for every entry in path and returns how many
// did not create an entry.
func run(ctx context.Context, m *flow.Manager, path string) (int, int, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to read import file: %w", err)
	}
	var f importFile
	if err := yaml.Unmarshal(b, &f); err != nil {
		return 0, 0, fmt.Errorf("failed to parse import file: %w", err)
	}

	var failed int
	for i, input := range f.Entries {
		ctx := log.WithAttrs(ctx, slog.Int("index", i))
		res, err := m.Init(ctx, types.Domain, types.SourceImport, input)
		if err != nil {
			log.Ctx(ctx).ErrorContext(ctx, "import failed", slog.Any("error", err))
			failed++
			continue
		}
		switch res.Type {
		case types.FlowResultCreateEntry:
			log.Ctx(ctx).InfoContext(ctx, "imported entry", slog.String("entryID", res.Entry.ID), slog.String("title", res.Title))
		case types.FlowResultAbort:
			log.Ctx(ctx).WarnContext(ctx, "import aborted", slog.String("reason", res.Reason))
		default:
			// a form means the input did not validate
			log.Ctx(ctx).ErrorContext(ctx, "import rejected", slog.Any("errors", res.Errors))
			_ = m.Abort(ctx, flow.KindConfig, res.FlowID)
			failed++
		}
	}
	return failed, len(f.Entries), nil
}
