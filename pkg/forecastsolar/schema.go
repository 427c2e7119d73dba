package forecastsolar

import (
	"github.com/raterudder/solarforecast/pkg/types"
)

func bound(f float64) *float64 { return &f }

func userSchema(home Home) []types.FormField {
	return []types.FormField{
		{Key: types.KeyName, Type: types.FieldString, Required: true, Default: home.Name},
		{Key: types.KeyLatitude, Type: types.FieldFloat, Required: true, Default: home.Latitude, Min: bound(-90), Max: bound(90)},
		{Key: types.KeyLongitude, Type: types.FieldFloat, Required: true, Default: home.Longitude, Min: bound(-180), Max: bound(180)},
		{Key: types.KeyDeclination, Type: types.FieldFloat, Required: true, Default: float64(DefaultDeclination), Min: bound(0), Max: bound(90)},
		{Key: types.KeyAzimuth, Type: types.FieldFloat, Required: true, Default: float64(DefaultAzimuth), Min: bound(0), Max: bound(360)},
		{Key: types.KeyModulesPower, Type: types.FieldInt, Required: true, Min: bound(1)},
	}
}

func optionsSchema(o types.EntryOptions) []types.FormField {
	apiKey := types.FormField{Key: types.KeyAPIKey, Type: types.FieldPassword}
	if o.APIKey != "" {
		apiKey.Suggested = o.APIKey
	}
	inverterSize := types.FormField{Key: types.KeyInverterSize, Type: types.FieldInt, Min: bound(1)}
	if o.InverterSize != nil {
		inverterSize.Suggested = *o.InverterSize
	}
	return []types.FormField{
		apiKey,
		{Key: types.KeyDeclination, Type: types.FieldFloat, Required: true, Default: o.Declination, Min: bound(0), Max: bound(90)},
		{Key: types.KeyAzimuth, Type: types.FieldFloat, Required: true, Default: o.Azimuth, Min: bound(0), Max: bound(360)},
		{Key: types.KeyModulesPower, Type: types.FieldInt, Required: true, Default: o.ModulesPower, Min: bound(1)},
		{Key: types.KeyDampingMorning, Type: types.FieldFloat, Default: o.DampingMorning, Min: bound(0), Max: bound(1)},
		{Key: types.KeyDampingEvening, Type: types.FieldFloat, Default: o.DampingEvening, Min: bound(0), Max: bound(1)},
		inverterSize,
	}
}
