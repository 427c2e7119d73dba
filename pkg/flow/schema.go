package flow

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"reflect"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/raterudder/solarforecast/pkg/types"
)

var validate = newValidate()

func newValidate() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	// report fields by their input key
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// Coerce converts input to the types schema declares. Missing fields take
// their default; a missing required field without a default is an error.
// Keys not in schema are dropped.
func Coerce(schema []types.FormField, input map[string]any) (map[string]any, map[string]string) {
	values := make(map[string]any, len(schema))
	errs := map[string]string{}
	for _, f := range schema {
		raw, ok := input[f.Key]
		if s, isString := raw.(string); ok && isString && strings.TrimSpace(s) == "" && f.Type != types.FieldString && f.Type != types.FieldPassword {
			ok = false
		}
		if !ok || raw == nil {
			switch {
			case f.Default != nil:
				raw = f.Default
			case f.Required:
				errs[f.Key] = types.ErrRequired
				continue
			default:
				continue
			}
		}

		v, err := coerceValue(f.Type, raw)
		if err != nil {
			errs[f.Key] = types.ErrInvalidNumber
			continue
		}
		if n, isNumber := toFloat(v); isNumber {
			if (f.Min != nil && n < *f.Min) || (f.Max != nil && n > *f.Max) {
				errs[f.Key] = types.ErrInvalidRange
				continue
			}
		}
		values[f.Key] = v
	}
	if len(errs) == 0 {
		errs = nil
	}
	return values, errs
}

func coerceValue(t types.FieldType, raw any) (any, error) {
	switch t {
	case types.FieldFloat:
		f, ok := toFloat(raw)
		if !ok {
			return nil, fmt.Errorf("not a number: %v", raw)
		}
		return f, nil
	case types.FieldInt:
		f, ok := toFloat(raw)
		if !ok || f != math.Trunc(f) {
			return nil, fmt.Errorf("not an integer: %v", raw)
		}
		return int(f), nil
	default:
		switch v := raw.(type) {
		case string:
			return strings.TrimSpace(v), nil
		case float64, int, json.Number:
			return fmt.Sprint(v), nil
		}
		return nil, fmt.Errorf("not a string: %v", raw)
	}
}

func toFloat(raw any) (float64, bool) {
	switch v := raw.(type) {
	case float64:
		return v, !math.IsNaN(v) && !math.IsInf(v, 0)
	case float32:
		return float64(v), true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	case json.Number:
		f, err := v.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		return f, err == nil && !math.IsNaN(f) && !math.IsInf(f, 0)
	}
	return 0, false
}

// Decode copies coerced values into dst, a pointer to a struct whose json
// tags match the schema keys, and validates it. Validation failures are
// returned as form errors keyed by field.
func Decode(values map[string]any, dst any) (map[string]string, error) {
	b, err := json.Marshal(values)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal values: %w", err)
	}
	if err := json.Unmarshal(b, dst); err != nil {
		return nil, fmt.Errorf("failed to decode values: %w", err)
	}

	err = validate.Struct(dst)
	if err == nil {
		return nil, nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return nil, fmt.Errorf("failed to validate values: %w", err)
	}
	errs := make(map[string]string, len(verrs))
	for _, fe := range verrs {
		switch fe.Tag() {
		case "required":
			errs[fe.Field()] = types.ErrRequired
		default:
			errs[fe.Field()] = types.ErrInvalidRange
		}
	}
	return errs, nil
}

// WithSuggested returns a copy of schema with the submitted input as
// suggested values so a redisplayed form keeps what the user entered.
func WithSuggested(schema []types.FormField, input map[string]any) []types.FormField {
	out := make([]types.FormField, len(schema))
	copy(out, schema)
	for i, f := range out {
		if v, ok := input[f.Key]; ok && v != nil {
			out[i].Suggested = v
		}
	}
	return out
}
