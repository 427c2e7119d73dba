package flow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	nanoid "github.com/matoous/go-nanoid/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/raterudder/solarforecast/pkg/log"
	"github.com/raterudder/solarforecast/pkg/notify"
	"github.com/raterudder/solarforecast/pkg/storage"
	"github.com/raterudder/solarforecast/pkg/types"
)

// entry ids use the Crockford alphabet so they are easy to read back
const (
	entryIDAlphabet = "0123456789ABCDEFGHJKMNPQRSTVWXYZ"
	entryIDLength   = 26
)

// AbortAlreadyConfigured is the abort reason when an entry with the same
// unique id exists.
const AbortAlreadyConfigured = "already_configured"

var (
	flowResults = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "solarforecast_flow_results_total",
		Help: "Flow steps by handler, kind and result type.",
	}, []string{"handler", "kind", "type"})
	formErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "solarforecast_flow_form_errors_total",
		Help: "Form errors shown to users by handler, field and error tag.",
	}, []string{"handler", "field", "error"})
)

// Manager runs config and options flows and persists their entries.
type Manager struct {
	handlers *Handlers
	storage  storage.Database
	sessions SessionStore
	notifier notify.Notifier

	now        func() time.Time
	newFlowID  func() string
	newEntryID func() (string, error)

	mu      sync.Mutex
	running map[string]struct{}
}

// Configured sets up the Manager with a SessionStore configured from flags.
func Configured(h *Handlers, db storage.Database, n notify.Notifier) *Manager {
	return NewManager(h, db, ConfiguredSessionStore(), n)
}

// NewManager creates a Manager.
func NewManager(h *Handlers, db storage.Database, sessions SessionStore, n notify.Notifier) *Manager {
	return &Manager{
		handlers:  h,
		storage:   db,
		sessions:  sessions,
		notifier:  n,
		now:       time.Now,
		newFlowID: uuid.NewString,
		newEntryID: func() (string, error) {
			return nanoid.Generate(entryIDAlphabet, entryIDLength)
		},
		running: make(map[string]struct{}),
	}
}

// Domains returns the domains flows can be started for.
func (m *Manager) Domains() []string {
	return m.handlers.Domains()
}

// Close closes the session store.
func (m *Manager) Close() error {
	return m.sessions.Close()
}

// acquire marks flowID as running. The returned func must be called once the
// step finished.
func (m *Manager) acquire(flowID string) (func(), error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.running[flowID]; ok {
		return nil, ErrFlowInProgress
	}
	m.running[flowID] = struct{}{}
	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		delete(m.running, flowID)
	}, nil
}

// Init starts a config flow for domain and runs its first step. input is
// usually nil; imports pass the values to create the entry right away.
func (m *Manager) Init(ctx context.Context, domain, source string, input map[string]any) (types.FlowResult, error) {
	handler, err := m.handlers.Handler(domain)
	if err != nil {
		return types.FlowResult{}, err
	}
	flow := Flow{
		ID:        m.newFlowID(),
		Handler:   domain,
		Kind:      KindConfig,
		Source:    source,
		StepID:    types.StepUser,
		CreatedAt: m.now(),
	}
	ctx = log.WithAttrs(ctx, slog.String("flowID", flow.ID), slog.String("handler", domain))
	log.Ctx(ctx).DebugContext(ctx, "starting config flow", slog.String("source", source))

	step, err := handler.ConfigStep(ctx, flow.StepID, input)
	if err != nil {
		return types.FlowResult{}, fmt.Errorf("config step %s failed: %w", flow.StepID, err)
	}
	return m.finish(ctx, flow, nil, step)
}

// InitOptions starts an options flow for an existing entry.
func (m *Manager) InitOptions(ctx context.Context, entryID string) (types.FlowResult, error) {
	entry, err := m.Entry(ctx, entryID)
	if err != nil {
		return types.FlowResult{}, err
	}
	handler, err := m.handlers.Handler(entry.Domain)
	if err != nil {
		return types.FlowResult{}, err
	}
	flow := Flow{
		ID:        m.newFlowID(),
		Handler:   entry.Domain,
		Kind:      KindOptions,
		Source:    types.SourceUser,
		EntryID:   entry.ID,
		StepID:    types.StepInit,
		CreatedAt: m.now(),
	}
	ctx = log.WithAttrs(ctx, slog.String("flowID", flow.ID), slog.String("handler", flow.Handler), slog.String("entryID", entry.ID))
	log.Ctx(ctx).DebugContext(ctx, "starting options flow")

	step, err := handler.OptionsStep(ctx, entry, flow.StepID, nil)
	if err != nil {
		return types.FlowResult{}, fmt.Errorf("options step %s failed: %w", flow.StepID, err)
	}
	return m.finish(ctx, flow, &entry, step)
}

// Configure submits input to the current step of a flow of kind.
func (m *Manager) Configure(ctx context.Context, kind Kind, flowID string, input map[string]any) (types.FlowResult, error) {
	if input == nil {
		input = map[string]any{}
	}
	return m.run(ctx, kind, flowID, input)
}

// Get renders the current step of a flow without submitting anything.
func (m *Manager) Get(ctx context.Context, kind Kind, flowID string) (types.FlowResult, error) {
	return m.run(ctx, kind, flowID, nil)
}

func (m *Manager) run(ctx context.Context, kind Kind, flowID string, input map[string]any) (types.FlowResult, error) {
	release, err := m.acquire(flowID)
	if err != nil {
		return types.FlowResult{}, err
	}
	defer release()

	flow, err := m.sessions.Get(ctx, flowID)
	if err != nil {
		return types.FlowResult{}, err
	}
	if flow.Kind != kind {
		return types.FlowResult{}, ErrUnknownFlow
	}
	ctx = log.WithAttrs(ctx, slog.String("flowID", flow.ID), slog.String("handler", flow.Handler))

	handler, err := m.handlers.Handler(flow.Handler)
	if err != nil {
		return types.FlowResult{}, err
	}

	var (
		step  Step
		entry *types.ConfigEntry
	)
	switch flow.Kind {
	case KindConfig:
		step, err = handler.ConfigStep(ctx, flow.StepID, input)
	case KindOptions:
		ctx = log.WithAttrs(ctx, slog.String("entryID", flow.EntryID))
		e, eerr := m.Entry(ctx, flow.EntryID)
		if eerr != nil {
			if errors.Is(eerr, storage.ErrEntryNotFound) {
				// the entry was removed while the flow was open
				m.deleteSession(ctx, flow)
			}
			return types.FlowResult{}, eerr
		}
		entry = &e
		step, err = handler.OptionsStep(ctx, e, flow.StepID, input)
	default:
		return types.FlowResult{}, fmt.Errorf("unknown flow kind: %s", flow.Kind)
	}
	if err != nil {
		return types.FlowResult{}, fmt.Errorf("%s step %s failed: %w", flow.Kind, flow.StepID, err)
	}
	return m.finish(ctx, flow, entry, step)
}

// Abort removes an in-progress flow of kind without running its step.
func (m *Manager) Abort(ctx context.Context, kind Kind, flowID string) error {
	release, err := m.acquire(flowID)
	if err != nil {
		return err
	}
	defer release()

	flow, err := m.sessions.Get(ctx, flowID)
	if err != nil {
		return err
	}
	if flow.Kind != kind {
		return ErrUnknownFlow
	}
	if err := m.sessions.Delete(ctx, flowID); err != nil {
		return err
	}
	flowResults.WithLabelValues(flow.Handler, string(flow.Kind), string(types.FlowResultAbort)).Inc()
	log.Ctx(ctx).DebugContext(ctx, "flow aborted", slog.String("flowID", flowID))
	return nil
}

// finish turns a Step into a FlowResult, persisting the flow or the entry
// depending on the step type.
func (m *Manager) finish(ctx context.Context, flow Flow, entry *types.ConfigEntry, step Step) (types.FlowResult, error) {
	if step.Type == types.FlowResultCreateEntry && flow.Kind == KindConfig && step.UniqueID != "" {
		exists, err := m.uniqueIDExists(ctx, flow.Handler, step.UniqueID)
		if err != nil {
			return types.FlowResult{}, err
		}
		if exists {
			step = Abort(AbortAlreadyConfigured)
		}
	}

	res := types.FlowResult{
		FlowID:  flow.ID,
		Handler: flow.Handler,
		Type:    step.Type,
	}
	switch step.Type {
	case types.FlowResultForm:
		flow.StepID = step.StepID
		if err := m.sessions.Put(ctx, flow); err != nil {
			return types.FlowResult{}, fmt.Errorf("failed to store flow: %w", err)
		}
		res.StepID = step.StepID
		res.DataSchema = step.Schema
		res.Errors = step.Errors
		for field, tag := range step.Errors {
			formErrors.WithLabelValues(flow.Handler, field, tag).Inc()
		}
	case types.FlowResultCreateEntry:
		var (
			saved types.ConfigEntry
			err   error
		)
		if flow.Kind == KindOptions {
			saved, err = m.updateOptions(ctx, *entry, step.Options)
		} else {
			saved, err = m.createEntry(ctx, flow, step)
		}
		if err != nil {
			return types.FlowResult{}, err
		}
		m.deleteSession(ctx, flow)
		res.Title = saved.Title
		res.Options = &saved.Options
		res.Entry = &saved
	case types.FlowResultAbort:
		m.deleteSession(ctx, flow)
		res.Reason = step.Reason
	default:
		return types.FlowResult{}, fmt.Errorf("unknown step result type: %s", step.Type)
	}
	flowResults.WithLabelValues(flow.Handler, string(flow.Kind), string(step.Type)).Inc()
	return res, nil
}

func (m *Manager) deleteSession(ctx context.Context, flow Flow) {
	// flows finishing in their first step were never stored
	if err := m.sessions.Delete(ctx, flow.ID); err != nil && !errors.Is(err, ErrUnknownFlow) {
		log.Ctx(ctx).WarnContext(ctx, "failed to delete flow", slog.Any("error", err))
	}
}

func (m *Manager) uniqueIDExists(ctx context.Context, domain, uniqueID string) (bool, error) {
	entries, err := m.storage.ListEntries(ctx, domain)
	if err != nil {
		return false, fmt.Errorf("failed to list entries: %w", err)
	}
	for _, e := range entries {
		if e.UniqueID == uniqueID {
			return true, nil
		}
	}
	return false, nil
}

func (m *Manager) createEntry(ctx context.Context, flow Flow, step Step) (types.ConfigEntry, error) {
	id, err := m.newEntryID()
	if err != nil {
		return types.ConfigEntry{}, fmt.Errorf("failed to generate entry id: %w", err)
	}
	now := m.now()
	entry := types.ConfigEntry{
		ID:        id,
		Domain:    flow.Handler,
		Title:     step.Title,
		UniqueID:  step.UniqueID,
		Source:    flow.Source,
		Data:      step.Data,
		Options:   step.Options,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := m.storage.CreateEntry(ctx, entry, types.CurrentOptionsVersion); err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "failed to create entry", slog.Any("error", err))
		return types.ConfigEntry{}, fmt.Errorf("failed to create entry: %w", err)
	}
	log.Ctx(ctx).InfoContext(ctx, "created entry", slog.String("entryID", entry.ID), slog.String("title", entry.Title))

	// the entry exists now, a failed hand-off shouldn't fail the flow
	if err := m.notifier.EntrySetup(ctx, entry); err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "failed to notify entry setup", slog.String("entryID", entry.ID), slog.Any("error", err))
	}
	return entry, nil
}

func (m *Manager) updateOptions(ctx context.Context, entry types.ConfigEntry, options types.EntryOptions) (types.ConfigEntry, error) {
	entry.Options = options
	entry.UpdatedAt = m.now()
	if err := m.storage.UpdateEntry(ctx, entry, types.CurrentOptionsVersion); err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "failed to update entry options", slog.Any("error", err))
		return types.ConfigEntry{}, fmt.Errorf("failed to update entry: %w", err)
	}
	log.Ctx(ctx).InfoContext(ctx, "updated entry options")

	if err := m.notifier.EntryReload(ctx, entry); err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "failed to notify entry reload", slog.Any("error", err))
	}
	return entry, nil
}
