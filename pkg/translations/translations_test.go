package translations

import (
	"testing"

	"github.com/raterudder/solarforecast/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefault(t *testing.T) {
	c := Default()

	t.Run("Every Language Has Every Key", func(t *testing.T) {
		en := c.langs[Fallback]
		for code, l := range c.langs {
			for key := range en.Errors {
				assert.Contains(t, l.Errors, key, "%s errors", code)
			}
			for key := range en.Fields {
				assert.Contains(t, l.Fields, key, "%s fields", code)
			}
			for key := range en.Steps {
				assert.Contains(t, l.Steps, key, "%s steps", code)
			}
		}
	})

	t.Run("Error Tags Covered", func(t *testing.T) {
		for _, tag := range []string{
			types.ErrInvalidAPIKey,
			types.ErrRequired,
			types.ErrInvalidNumber,
			types.ErrInvalidRange,
			types.ErrRateLimited,
			types.ErrCannotConnect,
			types.ErrInvalidPlane,
		} {
			assert.NotEqual(t, tag, c.Error(Fallback, tag))
		}
	})

	t.Run("Lookup Fallback", func(t *testing.T) {
		assert.Equal(t, "Ungültiger API-Schlüssel", c.Error("de", types.ErrInvalidAPIKey))
		assert.Equal(t, "Invalid API key", c.Error("fr", types.ErrInvalidAPIKey))
		assert.Equal(t, "unknown_tag", c.Error("de", "unknown_tag"))
	})
}

func TestMatch(t *testing.T) {
	c := Default()
	assert.Equal(t, "en", c.Match(""))
	assert.Equal(t, "de", c.Match("de-DE,de;q=0.9,en;q=0.8"))
	assert.Equal(t, "nl", c.Match("nl-BE"))
	assert.Equal(t, "en", c.Match("fr-FR"))
	assert.Equal(t, "nl", c.Match("fr;q=0.9, nl;q=0.8"))
	assert.Equal(t, "en", c.Match("%%%"))
}

func TestParse(t *testing.T) {
	_, err := Parse([]byte("de:\n  errors: {}\n"))
	assert.ErrorContains(t, err, "fallback")

	_, err = Parse([]byte("en: [\n"))
	assert.Error(t, err)

	c, err := Parse([]byte("en:\n  errors:\n    required: Needed\n"))
	require.NoError(t, err)
	assert.Equal(t, "Needed", c.Error("en", "required"))
}

func TestDecorate(t *testing.T) {
	c := Default()

	res := types.FlowResult{
		Type:   types.FlowResultForm,
		StepID: types.StepInit,
		DataSchema: []types.FormField{
			{Key: types.KeyAPIKey},
			{Key: types.KeyDampingMorning},
		},
		Errors: map[string]string{types.KeyAPIKey: types.ErrInvalidAPIKey},
	}
	c.Decorate("nl", &res)
	assert.Equal(t, "Forecast.Solar opties", res.StepTitle)
	assert.NotEmpty(t, res.Description)
	assert.Equal(t, "Forecast.Solar API-sleutel (optioneel)", res.DataSchema[0].Label)
	assert.Equal(t, "Ongeldige API-sleutel", res.ErrorMessages[types.KeyAPIKey])
	assert.Equal(t, types.ErrInvalidAPIKey, res.Errors[types.KeyAPIKey], "tags stay machine readable")

	done := types.FlowResult{Type: types.FlowResultCreateEntry, StepID: types.StepInit}
	c.Decorate("nl", &done)
	assert.Empty(t, done.StepTitle)
}
