package translations

import (
	_ "embed"
	"fmt"
	"sync"

	"github.com/raterudder/solarforecast/pkg/types"
	"golang.org/x/text/language"
	"gopkg.in/yaml.v3"
)

//go:embed strings.yaml
var stringsYAML []byte

// Fallback is used when no requested language is supported.
const Fallback = "en"

// Language holds the user-facing strings of one language.
type Language struct {
	Steps        map[string]string `yaml:"steps"`
	Descriptions map[string]string `yaml:"descriptions"`
	Fields       map[string]string `yaml:"fields"`
	Errors       map[string]string `yaml:"errors"`
}

// Catalog maps language codes to strings.
type Catalog struct {
	langs   map[string]Language
	codes   []string
	matcher language.Matcher
}

// Parse builds a Catalog from YAML keyed by language code. The fallback
// language must be present.
func Parse(data []byte) (*Catalog, error) {
	var langs map[string]Language
	if err := yaml.Unmarshal(data, &langs); err != nil {
		return nil, fmt.Errorf("failed to parse translations: %w", err)
	}
	if _, ok := langs[Fallback]; !ok {
		return nil, fmt.Errorf("translations missing fallback language %q", Fallback)
	}

	// the fallback goes first so the matcher picks it when nothing matches
	codes := []string{Fallback}
	for code := range langs {
		if code != Fallback {
			codes = append(codes, code)
		}
	}
	tags := make([]language.Tag, len(codes))
	for i, code := range codes {
		tag, err := language.Parse(code)
		if err != nil {
			return nil, fmt.Errorf("invalid language code %q: %w", code, err)
		}
		tags[i] = tag
	}
	return &Catalog{
		langs:   langs,
		codes:   codes,
		matcher: language.NewMatcher(tags),
	}, nil
}

var defaultCatalog = sync.OnceValue(func() *Catalog {
	c, err := Parse(stringsYAML)
	if err != nil {
		panic(err)
	}
	return c
})

// Default returns the catalog embedded in the binary.
func Default() *Catalog {
	return defaultCatalog()
}

// Match returns the supported language code that best fits an
// Accept-Language header.
func (c *Catalog) Match(acceptLanguage string) string {
	tags, _, err := language.ParseAcceptLanguage(acceptLanguage)
	if err != nil || len(tags) == 0 {
		return Fallback
	}
	_, idx, conf := c.matcher.Match(tags...)
	if conf == language.No {
		return Fallback
	}
	return c.codes[idx]
}

func (c *Catalog) lookup(lang string, section func(Language) map[string]string, key string) string {
	if l, ok := c.langs[lang]; ok {
		if s, ok := section(l)[key]; ok {
			return s
		}
	}
	if s, ok := section(c.langs[Fallback])[key]; ok {
		return s
	}
	return key
}

// Error returns the message for an error tag, falling back to English and
// finally to the tag itself.
func (c *Catalog) Error(lang, tag string) string {
	return c.lookup(lang, func(l Language) map[string]string { return l.Errors }, tag)
}

// Field returns the label of a form field.
func (c *Catalog) Field(lang, key string) string {
	return c.lookup(lang, func(l Language) map[string]string { return l.Fields }, key)
}

// Step returns the title of a step.
func (c *Catalog) Step(lang, stepID string) string {
	return c.lookup(lang, func(l Language) map[string]string { return l.Steps }, stepID)
}

// Description returns the help text of a step.
func (c *Catalog) Description(lang, stepID string) string {
	return c.lookup(lang, func(l Language) map[string]string { return l.Descriptions }, stepID)
}

// Decorate fills in labels, the step title and error messages of a form
// result. Non-form results are left untouched.
func (c *Catalog) Decorate(lang string, res *types.FlowResult) {
	if res.Type != types.FlowResultForm {
		return
	}
	res.StepTitle = c.Step(lang, res.StepID)
	res.Description = c.Description(lang, res.StepID)
	for i := range res.DataSchema {
		res.DataSchema[i].Label = c.Field(lang, res.DataSchema[i].Key)
	}
	if len(res.Errors) > 0 {
		res.ErrorMessages = make(map[string]string, len(res.Errors))
		for field, tag := range res.Errors {
			res.ErrorMessages[field] = c.Error(lang, tag)
		}
	}
}
