package flow

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/raterudder/solarforecast/pkg/types"
)

var (
	// ErrUnknownFlow is returned for flow ids that don't exist or expired.
	ErrUnknownFlow = errors.New("unknown flow")
	// ErrUnknownHandler is returned when no handler is registered for a domain.
	ErrUnknownHandler = errors.New("unknown flow handler")
	// ErrUnknownStep is returned by handlers asked to run a step they don't have.
	ErrUnknownStep = errors.New("unknown flow step")
	// ErrFlowInProgress is returned when a step of the same flow is already
	// running.
	ErrFlowInProgress = errors.New("flow step already in progress")
)

// Kind distinguishes flows that create entries from flows that edit them.
type Kind string

const (
	KindConfig  Kind = "config"
	KindOptions Kind = "options"
)

// Flow is the persisted state of an in-progress flow between steps.
type Flow struct {
	ID      string `json:"flowID"`
	Handler string `json:"handler"`
	Kind    Kind   `json:"kind"`
	Source  string `json:"source,omitempty"`
	// EntryID is set for options flows.
	EntryID   string    `json:"entryID,omitempty"`
	StepID    string    `json:"stepID"`
	CreatedAt time.Time `json:"createdAt"`
}

// Step is the outcome of running one step of a handler.
type Step struct {
	Type   types.FlowResultType
	StepID string
	Schema []types.FormField
	Errors map[string]string

	// Set when Type is create_entry. Data is ignored for options flows.
	Title    string
	UniqueID string
	Data     types.EntryData
	Options  types.EntryOptions

	Reason string
}

// ShowForm returns a Step that renders schema, optionally with errors.
func ShowForm(stepID string, schema []types.FormField, errs map[string]string) Step {
	return Step{
		Type:   types.FlowResultForm,
		StepID: stepID,
		Schema: schema,
		Errors: errs,
	}
}

// CreateEntry returns a Step that finishes the flow.
func CreateEntry(title string, data types.EntryData, options types.EntryOptions) Step {
	return Step{
		Type:    types.FlowResultCreateEntry,
		Title:   title,
		Data:    data,
		Options: options,
	}
}

// Abort returns a Step that ends the flow without an entry.
func Abort(reason string) Step {
	return Step{
		Type:   types.FlowResultAbort,
		Reason: reason,
	}
}

// Handler implements the steps of a domain. input is nil when a step is
// shown for the first time.
type Handler interface {
	// ConfigStep runs a step of the flow that creates a new entry.
	ConfigStep(ctx context.Context, stepID string, input map[string]any) (Step, error)
	// OptionsStep runs a step of the flow that replaces the options of entry.
	OptionsStep(ctx context.Context, entry types.ConfigEntry, stepID string, input map[string]any) (Step, error)
}

// Handlers manages the handler of every domain.
type Handlers struct {
	mu       sync.Mutex
	handlers map[string]Handler
}

// NewHandlers creates an empty Handlers.
func NewHandlers() *Handlers {
	return &Handlers{
		handlers: make(map[string]Handler),
	}
}

// Handler returns the handler for the given domain.
func (h *Handlers) Handler(domain string) (Handler, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if handler, ok := h.handlers[domain]; ok {
		return handler, nil
	}
	return nil, fmt.Errorf("%w: %s", ErrUnknownHandler, domain)
}

// SetHandler sets the handler for the given domain.
func (h *Handlers) SetHandler(domain string, handler Handler) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.handlers[domain] = handler
}

// Domains returns the registered domains in sorted order.
func (h *Handlers) Domains() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	domains := make([]string, 0, len(h.handlers))
	for d := range h.handlers {
		domains = append(domains, d)
	}
	slices.Sort(domains)
	return domains
}
