package types

import (
	"fmt"
	"time"
)

// Domain is the integration domain handled by this service.
const Domain = "forecast_solar"

// Keys used in form input, schemas and stored entries.
const (
	KeyName           = "name"
	KeyLatitude       = "latitude"
	KeyLongitude      = "longitude"
	KeyAzimuth        = "azimuth"
	KeyDeclination    = "declination"
	KeyModulesPower   = "modules_power"
	KeyAPIKey         = "api_key"
	KeyDampingMorning = "damping_morning"
	KeyDampingEvening = "damping_evening"
	KeyInverterSize   = "inverter_size"
)

// Sources a config flow can be started from.
const (
	SourceUser   = "user"
	SourceImport = "import"
)

// CurrentOptionsVersion is the current version of EntryOptions.
// Increment this value when the stored shape changes and add a case to
// MigrateOptions.
const CurrentOptionsVersion = 2

// ConfigEntry is a persisted integration configuration. Data holds the
// identity of the installation and never changes after creation; Options is
// replaced wholesale by the options flow.
type ConfigEntry struct {
	ID        string       `json:"entryID"`
	Domain    string       `json:"domain"`
	Title     string       `json:"title"`
	UniqueID  string       `json:"uniqueID,omitempty"`
	Source    string       `json:"source"`
	Data      EntryData    `json:"data"`
	Options   EntryOptions `json:"options"`
	CreatedAt time.Time    `json:"createdAt"`
	UpdatedAt time.Time    `json:"updatedAt"`
}

// EntryData is the location of the installation.
type EntryData struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
}

// EntryOptions are the tunables of a solar plane.
type EntryOptions struct {
	// APIKey is empty when the public (keyless) API is used. Like the damping
	// factors it is left out of the stored JSON until the options flow sets it.
	APIKey string `json:"api_key,omitempty"`
	// Azimuth in compass degrees, 0 = north, 180 = south.
	Azimuth float64 `json:"azimuth"`
	// Declination of the panels, 0 = horizontal, 90 = vertical.
	Declination float64 `json:"declination"`
	// ModulesPower is the total peak power of the panels in watts.
	ModulesPower int `json:"modules_power"`
	// Damping factors (0..1) applied by the API to the morning and evening
	// parts of the curve.
	DampingMorning float64 `json:"damping_morning,omitempty"`
	DampingEvening float64 `json:"damping_evening,omitempty"`
	// InverterSize in watts, nil when the inverter does not clip production.
	InverterSize *int `json:"inverter_size,omitempty"`

	// Damping was a single factor used before version 2. It is only read
	// during migration.
	Damping *float64 `json:"damping,omitempty"`
}

// MigrateOptions migrates the options to the current version.
// It returns the migrated options, a boolean indicating if changes were made, and an error if migration failed.
func MigrateOptions(o EntryOptions, currentVersion int) (EntryOptions, bool, error) {
	if currentVersion >= CurrentOptionsVersion {
		return o, false, nil
	}

	migrated := false
	for version := currentVersion + 1; version <= CurrentOptionsVersion; version++ {
		switch version {
		case 1:
			// version 1: initial
		case 2:
			// version 2: damping split into morning and evening
			if o.Damping != nil {
				o.DampingMorning = *o.Damping
				o.DampingEvening = *o.Damping
				o.Damping = nil
				migrated = true
			}
		default:
			return o, false, fmt.Errorf("unknown options version: %d", version)
		}
	}

	return o, migrated, nil
}
