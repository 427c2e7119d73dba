package types

// FlowResultType is the kind of result a flow step produced.
type FlowResultType string

const (
	FlowResultForm        FlowResultType = "form"
	FlowResultCreateEntry FlowResultType = "create_entry"
	FlowResultAbort       FlowResultType = "abort"
)

// Step identifiers.
const (
	StepUser = "user"
	StepInit = "init"
)

// ErrorBase is the errors key used for problems not tied to one field.
const ErrorBase = "base"

// Error tags attached to form fields.
const (
	ErrInvalidAPIKey = "invalid_api_key"
	ErrRequired      = "required"
	ErrInvalidNumber = "invalid_number"
	ErrInvalidRange  = "invalid_range"
	ErrRateLimited   = "rate_limited"
	ErrCannotConnect = "cannot_connect"
	ErrInvalidPlane  = "invalid_plane"
)

// FieldType describes how a form field should be rendered and coerced.
type FieldType string

const (
	FieldFloat    FieldType = "float"
	FieldInt      FieldType = "int"
	FieldString   FieldType = "string"
	FieldPassword FieldType = "password"
)

// FormField is a single entry of a form schema.
type FormField struct {
	Key      string    `json:"key"`
	Type     FieldType `json:"type"`
	Required bool      `json:"required"`
	// Default is used when the key is missing from the submitted input.
	Default any `json:"default,omitempty"`
	// Suggested pre-fills the field without being applied when omitted.
	Suggested any      `json:"suggested,omitempty"`
	Min       *float64 `json:"min,omitempty"`
	Max       *float64 `json:"max,omitempty"`

	Label string `json:"label,omitempty"`
}

// FlowResult is returned for every step of a config or options flow.
type FlowResult struct {
	FlowID     string            `json:"flowID"`
	Handler    string            `json:"handler"`
	Type       FlowResultType    `json:"type"`
	StepID     string            `json:"stepID,omitempty"`
	DataSchema []FormField       `json:"dataSchema,omitempty"`
	Errors     map[string]string `json:"errors,omitempty"`

	// ErrorMessages holds localized text for Errors, keyed the same way.
	ErrorMessages map[string]string `json:"errorMessages,omitempty"`
	StepTitle     string            `json:"stepTitle,omitempty"`
	Description   string            `json:"description,omitempty"`

	// Set on create_entry.
	Title   string        `json:"title,omitempty"`
	Options *EntryOptions `json:"options,omitempty"`
	Entry   *ConfigEntry  `json:"result,omitempty"`

	// Set on abort.
	Reason string `json:"reason,omitempty"`
}
