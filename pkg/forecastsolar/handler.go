package forecastsolar

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"

	"github.com/levenlabs/go-lflag"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/raterudder/solarforecast/pkg/flow"
	"github.com/raterudder/solarforecast/pkg/forecast"
	"github.com/raterudder/solarforecast/pkg/log"
	"github.com/raterudder/solarforecast/pkg/types"
)

// Defaults for a new plane.
const (
	DefaultName        = "Forecast.Solar"
	DefaultDeclination = 25
	DefaultAzimuth     = 180
)

var validations = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "solarforecast_validations_total",
	Help: "Forecast.Solar validation calls by kind and outcome.",
}, []string{"kind", "outcome"})

// Home is the location suggested for new entries.
type Home struct {
	Name      string
	Latitude  float64
	Longitude float64
}

// Handler implements the Forecast.Solar config and options flows.
type Handler struct {
	validator  forecast.Validator
	home       Home
	checkPlane bool
}

var _ flow.Handler = (*Handler)(nil)

// Configured sets up the Handler from flags.
func Configured(v forecast.Validator) *Handler {
	name := lflag.String("home-name", DefaultName, "Name suggested for new entries")
	latitude := lflag.String("home-latitude", "0", "Latitude suggested for new entries")
	longitude := lflag.String("home-longitude", "0", "Longitude suggested for new entries")
	checkPlane := lflag.Bool("forecast-check-plane", false, "Ask Forecast.Solar to check location and orientation before saving")

	h := &Handler{validator: v}
	lflag.Do(func() {
		lat, err := strconv.ParseFloat(*latitude, 64)
		if err != nil {
			panic(fmt.Sprintf("invalid home-latitude %q: %v", *latitude, err))
		}
		lon, err := strconv.ParseFloat(*longitude, 64)
		if err != nil {
			panic(fmt.Sprintf("invalid home-longitude %q: %v", *longitude, err))
		}
		h.home = Home{Name: *name, Latitude: lat, Longitude: lon}
		h.checkPlane = *checkPlane
	})
	return h
}

// New creates a Handler.
func New(v forecast.Validator, home Home, checkPlane bool) *Handler {
	return &Handler{validator: v, home: home, checkPlane: checkPlane}
}

type userInput struct {
	Name         string  `json:"name" validate:"required"`
	Latitude     float64 `json:"latitude" validate:"gte=-90,lte=90"`
	Longitude    float64 `json:"longitude" validate:"gte=-180,lte=180"`
	Declination  float64 `json:"declination" validate:"gte=0,lte=90"`
	Azimuth      float64 `json:"azimuth" validate:"gte=0,lte=360"`
	ModulesPower int     `json:"modules_power" validate:"gte=1"`
}

type optionsInput struct {
	APIKey         string  `json:"api_key"`
	Declination    float64 `json:"declination" validate:"gte=0,lte=90"`
	Azimuth        float64 `json:"azimuth" validate:"gte=0,lte=360"`
	ModulesPower   int     `json:"modules_power" validate:"gte=1"`
	DampingMorning float64 `json:"damping_morning" validate:"gte=0,lte=1"`
	DampingEvening float64 `json:"damping_evening" validate:"gte=0,lte=1"`
	InverterSize   *int    `json:"inverter_size" validate:"omitempty,gte=1"`
}

// ConfigStep runs the user step that creates a new plane.
func (h *Handler) ConfigStep(ctx context.Context, stepID string, input map[string]any) (flow.Step, error) {
	if stepID != types.StepUser {
		return flow.Step{}, fmt.Errorf("%w: %s", flow.ErrUnknownStep, stepID)
	}
	schema := userSchema(h.home)
	if input == nil {
		return flow.ShowForm(stepID, schema, nil), nil
	}

	in, errs, err := parse[userInput](schema, input)
	if err != nil {
		return flow.Step{}, err
	}
	if errs == nil && h.checkPlane {
		errs = h.validatePlane(ctx, "", forecast.Plane{
			Latitude:     in.Latitude,
			Longitude:    in.Longitude,
			Declination:  in.Declination,
			Azimuth:      in.Azimuth,
			ModulesPower: in.ModulesPower,
		})
	}
	if errs != nil {
		log.Ctx(ctx).DebugContext(ctx, "user step rejected input", slog.Any("errors", errs))
		return flow.ShowForm(stepID, flow.WithSuggested(schema, input), errs), nil
	}

	return flow.CreateEntry(
		in.Name,
		types.EntryData{
			Latitude:  in.Latitude,
			Longitude: in.Longitude,
		},
		types.EntryOptions{
			Azimuth:      in.Azimuth,
			Declination:  in.Declination,
			ModulesPower: in.ModulesPower,
		},
	), nil
}

// OptionsStep runs the init step that replaces the options of entry.
func (h *Handler) OptionsStep(ctx context.Context, entry types.ConfigEntry, stepID string, input map[string]any) (flow.Step, error) {
	if stepID != types.StepInit {
		return flow.Step{}, fmt.Errorf("%w: %s", flow.ErrUnknownStep, stepID)
	}
	schema := optionsSchema(entry.Options)
	if input == nil {
		return flow.ShowForm(stepID, schema, nil), nil
	}

	in, errs, err := parse[optionsInput](schema, input)
	if err != nil {
		return flow.Step{}, err
	}
	if errs == nil && in.APIKey != "" {
		errs = h.validateAPIKey(ctx, in.APIKey)
	}
	if errs == nil && h.checkPlane {
		errs = h.validatePlane(ctx, in.APIKey, forecast.Plane{
			Latitude:     entry.Data.Latitude,
			Longitude:    entry.Data.Longitude,
			Declination:  in.Declination,
			Azimuth:      in.Azimuth,
			ModulesPower: in.ModulesPower,
		})
	}
	if errs != nil {
		log.Ctx(ctx).DebugContext(ctx, "options step rejected input", slog.Any("errors", errs))
		return flow.ShowForm(stepID, flow.WithSuggested(schema, input), errs), nil
	}

	return flow.CreateEntry(entry.Title, entry.Data, types.EntryOptions{
		APIKey:         in.APIKey,
		Azimuth:        in.Azimuth,
		Declination:    in.Declination,
		ModulesPower:   in.ModulesPower,
		DampingMorning: in.DampingMorning,
		DampingEvening: in.DampingEvening,
		InverterSize:   in.InverterSize,
	}), nil
}

// parse coerces input against schema and decodes it into T.
func parse[T any](schema []types.FormField, input map[string]any) (T, map[string]string, error) {
	var in T
	values, errs := flow.Coerce(schema, input)
	if errs != nil {
		return in, errs, nil
	}
	errs, err := flow.Decode(values, &in)
	if err != nil {
		return in, nil, err
	}
	return in, errs, nil
}

func (h *Handler) validateAPIKey(ctx context.Context, apiKey string) map[string]string {
	err := h.validator.ValidateAPIKey(ctx, apiKey)
	var reqErr *forecast.RequestError
	switch {
	case err == nil:
		validations.WithLabelValues("api_key", "ok").Inc()
		return nil
	case errors.Is(err, forecast.ErrInvalidAPIKey), errors.As(err, &reqErr):
		validations.WithLabelValues("api_key", "invalid").Inc()
		return map[string]string{types.KeyAPIKey: types.ErrInvalidAPIKey}
	}
	return h.serviceError(ctx, "api_key", err)
}

func (h *Handler) validatePlane(ctx context.Context, apiKey string, plane forecast.Plane) map[string]string {
	err := h.validator.ValidatePlane(ctx, apiKey, plane)
	var reqErr *forecast.RequestError
	switch {
	case err == nil:
		validations.WithLabelValues("plane", "ok").Inc()
		return nil
	case errors.Is(err, forecast.ErrInvalidAPIKey):
		validations.WithLabelValues("plane", "invalid").Inc()
		return map[string]string{types.KeyAPIKey: types.ErrInvalidAPIKey}
	case errors.As(err, &reqErr):
		validations.WithLabelValues("plane", "invalid").Inc()
		log.Ctx(ctx).InfoContext(ctx, "forecast.solar rejected plane", slog.String("message", reqErr.Message))
		return map[string]string{types.ErrorBase: types.ErrInvalidPlane}
	}
	return h.serviceError(ctx, "plane", err)
}

// serviceError maps failures that are not about the submitted values.
func (h *Handler) serviceError(ctx context.Context, kind string, err error) map[string]string {
	if errors.Is(err, forecast.ErrRateLimited) {
		validations.WithLabelValues(kind, "rate_limited").Inc()
		return map[string]string{types.ErrorBase: types.ErrRateLimited}
	}
	validations.WithLabelValues(kind, "error").Inc()
	log.Ctx(ctx).ErrorContext(ctx, "forecast.solar validation failed", slog.String("kind", kind), slog.Any("error", err))
	return map[string]string{types.ErrorBase: types.ErrCannotConnect}
}
