package log

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestContextLogger(t *testing.T) {
	ctx := context.Background()

	l1 := Ctx(ctx)
	require.NotNil(t, l1, "Ctx returned nil instead of default logger")
	assert.Equal(t, defaultLogger, l1, "Ctx should return defaultLogger")

	customLogger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	require.NotEqual(t, defaultLogger, customLogger)

	l2 := Ctx(With(ctx, customLogger))
	assert.Equal(t, customLogger, l2, "Ctx should return customLogger")
}

func TestWithAttrs(t *testing.T) {
	var buf bytes.Buffer
	base := slog.New(slog.NewJSONHandler(&buf, nil))
	ctx := With(context.Background(), base)

	t.Run("No Attrs", func(t *testing.T) {
		assert.Equal(t, ctx, WithAttrs(ctx))
	})

	t.Run("Attrs Added", func(t *testing.T) {
		buf.Reset()
		ctx := WithAttrs(ctx, slog.String("flowID", "abc"), slog.String("handler", "forecast_solar"))
		Ctx(ctx).InfoContext(ctx, "hello")

		var rec map[string]any
		require.NoError(t, json.Unmarshal(buf.Bytes(), &rec))
		assert.Equal(t, "abc", rec["flowID"])
		assert.Equal(t, "forecast_solar", rec["handler"])
		assert.Equal(t, "hello", rec["msg"])
	})
}
