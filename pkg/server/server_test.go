package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/raterudder/solarforecast/pkg/flow"
	"github.com/raterudder/solarforecast/pkg/notify"
	"github.com/raterudder/solarforecast/pkg/storage"
	"github.com/raterudder/solarforecast/pkg/storage/storagemock"
	"github.com/raterudder/solarforecast/pkg/translations"
	"github.com/raterudder/solarforecast/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

// stubHandler asks for modules_power and creates an entry once it is set.
type stubHandler struct{}

var stubSchema = []types.FormField{{Key: types.KeyModulesPower, Type: types.FieldInt, Required: true}}

func (stubHandler) step(stepID string, input map[string]any) (flow.Step, error) {
	if input == nil {
		return flow.ShowForm(stepID, stubSchema, nil), nil
	}
	values, errs := flow.Coerce(stubSchema, input)
	if len(errs) > 0 {
		return flow.ShowForm(stepID, flow.WithSuggested(stubSchema, input), errs), nil
	}
	return flow.CreateEntry("Home", types.EntryData{Latitude: 52, Longitude: 4}, types.EntryOptions{
		ModulesPower: values[types.KeyModulesPower].(int),
	}), nil
}

func (h stubHandler) ConfigStep(ctx context.Context, stepID string, input map[string]any) (flow.Step, error) {
	return h.step(stepID, input)
}

func (h stubHandler) OptionsStep(ctx context.Context, entry types.ConfigEntry, stepID string, input map[string]any) (flow.Step, error) {
	return h.step(stepID, input)
}

func newTestServer(t *testing.T) (*Server, *storagemock.MockDatabase) {
	t.Helper()
	handlers := flow.NewHandlers()
	handlers.SetHandler(types.Domain, stubHandler{})
	db := &storagemock.MockDatabase{}
	m := flow.NewManager(handlers, db, flow.NewMemoryStore(time.Hour), notify.Log{})
	return &Server{
		flows:      m,
		catalog:    translations.Default(),
		serverName: "test-rev",
	}, db
}

func do(t *testing.T, h http.Handler, method, path string, body any, hdr http.Header) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	for k, v := range hdr {
		req.Header[k] = v
	}
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

func decodeResult(t *testing.T, rr *httptest.ResponseRecorder) types.FlowResult {
	t.Helper()
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	var res types.FlowResult
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&res))
	return res
}

func TestHealthz(t *testing.T) {
	srv, _ := newTestServer(t)
	rr := do(t, srv.setupHandler(), "GET", "/healthz", nil, nil)
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "ok", rr.Body.String())
	assert.Equal(t, "test-rev", rr.Header().Get("Server"))
	assert.Equal(t, "nosniff", rr.Header().Get("X-Content-Type-Options"))
	assert.Equal(t, "DENY", rr.Header().Get("X-Frame-Options"))
}

func TestListHandlers(t *testing.T) {
	srv, _ := newTestServer(t)
	rr := do(t, srv.setupHandler(), "GET", "/api/handlers", nil, nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.JSONEq(t, `{"handlers":["forecast_solar"]}`, rr.Body.String())
}

func TestConfigFlow(t *testing.T) {
	srv, db := newTestServer(t)
	h := srv.setupHandler()

	rr := do(t, h, "POST", "/api/flows", InitFlowReq{Handler: types.Domain}, http.Header{"Accept-Language": {"de-DE,de;q=0.9"}})
	res := decodeResult(t, rr)
	assert.Equal(t, types.FlowResultForm, res.Type)
	assert.Equal(t, types.StepUser, res.StepID)
	assert.Equal(t, "de", rr.Header().Get("Content-Language"))
	assert.NotEmpty(t, res.StepTitle)
	require.NotEmpty(t, res.FlowID)
	flowID := res.FlowID

	t.Run("Get", func(t *testing.T) {
		res := decodeResult(t, do(t, h, "GET", "/api/flows/"+flowID, nil, nil))
		assert.Equal(t, flowID, res.FlowID)
		assert.Equal(t, types.FlowResultForm, res.Type)
	})

	t.Run("Wrong Kind", func(t *testing.T) {
		rr := do(t, h, "GET", "/api/options/"+flowID, nil, nil)
		assert.Equal(t, http.StatusNotFound, rr.Code)
	})

	t.Run("Localized Errors", func(t *testing.T) {
		res := decodeResult(t, do(t, h, "POST", "/api/flows/"+flowID, map[string]any{}, http.Header{"Accept-Language": {"de"}}))
		assert.Equal(t, map[string]string{types.KeyModulesPower: types.ErrRequired}, res.Errors)
		assert.Equal(t, "Dieses Feld ist erforderlich", res.ErrorMessages[types.KeyModulesPower])
	})

	t.Run("Create", func(t *testing.T) {
		db.On("CreateEntry", mock.Anything, mock.MatchedBy(func(e types.ConfigEntry) bool {
			return e.Title == "Home" && e.Options.ModulesPower == 1000
		}), types.CurrentOptionsVersion).Return(nil).Once()

		res := decodeResult(t, do(t, h, "POST", "/api/flows/"+flowID, map[string]any{types.KeyModulesPower: 1000}, nil))
		assert.Equal(t, types.FlowResultCreateEntry, res.Type)
		require.NotNil(t, res.Entry)
		assert.Equal(t, 1000, res.Entry.Options.ModulesPower)
		db.AssertExpectations(t)

		rr := do(t, h, "POST", "/api/flows/"+flowID, map[string]any{types.KeyModulesPower: 1000}, nil)
		assert.Equal(t, http.StatusNotFound, rr.Code)
	})
}

func TestInitFlowErrors(t *testing.T) {
	srv, _ := newTestServer(t)
	h := srv.setupHandler()

	tests := []struct {
		name string
		body any
		code int
	}{
		{"Missing Handler", InitFlowReq{}, http.StatusBadRequest},
		{"Unknown Handler", InitFlowReq{Handler: "nope"}, http.StatusBadRequest},
		{"Bad Source", InitFlowReq{Handler: types.Domain, Source: "zeroconf"}, http.StatusBadRequest},
		{"Not JSON", "{", http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr := do(t, h, "POST", "/api/flows", tt.body, nil)
			assert.Equal(t, tt.code, rr.Code, rr.Body.String())
		})
	}
}

func TestImportFlow(t *testing.T) {
	srv, db := newTestServer(t)
	db.On("CreateEntry", mock.Anything, mock.Anything, types.CurrentOptionsVersion).Return(nil).Once()

	res := decodeResult(t, do(t, srv.setupHandler(), "POST", "/api/flows", InitFlowReq{
		Handler: types.Domain,
		Source:  types.SourceImport,
		Input:   map[string]any{types.KeyModulesPower: 500},
	}, nil))
	assert.Equal(t, types.FlowResultCreateEntry, res.Type)
	assert.Equal(t, types.SourceImport, res.Entry.Source)
	db.AssertExpectations(t)
}

func TestAbortFlow(t *testing.T) {
	srv, _ := newTestServer(t)
	h := srv.setupHandler()

	res := decodeResult(t, do(t, h, "POST", "/api/flows", InitFlowReq{Handler: types.Domain}, nil))

	rr := do(t, h, "DELETE", "/api/options/"+res.FlowID, nil, nil)
	assert.Equal(t, http.StatusNotFound, rr.Code)

	rr = do(t, h, "DELETE", "/api/flows/"+res.FlowID, nil, nil)
	assert.Equal(t, http.StatusNoContent, rr.Code)

	rr = do(t, h, "GET", "/api/flows/"+res.FlowID, nil, nil)
	assert.Equal(t, http.StatusNotFound, rr.Code)
}

func TestAbortOptionsFlow(t *testing.T) {
	srv, db := newTestServer(t)
	h := srv.setupHandler()
	entry := types.ConfigEntry{ID: "ENTRY1", Domain: types.Domain, Title: "Home"}
	// only InitOptions may read the entry; aborting must not run the step
	db.On("GetEntry", mock.Anything, "ENTRY1").Return(entry, types.CurrentOptionsVersion, nil).Once()

	res := decodeResult(t, do(t, h, "POST", "/api/entries/ENTRY1/options", nil, nil))

	rr := do(t, h, "DELETE", "/api/flows/"+res.FlowID, nil, nil)
	assert.Equal(t, http.StatusNotFound, rr.Code)

	rr = do(t, h, "DELETE", "/api/options/"+res.FlowID, nil, nil)
	assert.Equal(t, http.StatusNoContent, rr.Code)
	db.AssertExpectations(t)
	db.AssertNumberOfCalls(t, "GetEntry", 1)
}

func TestOptionsFlow(t *testing.T) {
	srv, db := newTestServer(t)
	h := srv.setupHandler()
	entry := types.ConfigEntry{
		ID:      "ENTRY1",
		Domain:  types.Domain,
		Title:   "Home",
		Options: types.EntryOptions{ModulesPower: 100},
	}
	db.On("GetEntry", mock.Anything, "ENTRY1").Return(entry, types.CurrentOptionsVersion, nil)
	db.On("GetEntry", mock.Anything, "MISSING").Return(types.ConfigEntry{}, 0, storage.ErrEntryNotFound)

	rr := do(t, h, "POST", "/api/entries/MISSING/options", nil, nil)
	assert.Equal(t, http.StatusNotFound, rr.Code)

	res := decodeResult(t, do(t, h, "POST", "/api/entries/ENTRY1/options", nil, nil))
	assert.Equal(t, types.FlowResultForm, res.Type)
	assert.Equal(t, types.StepInit, res.StepID)

	db.On("UpdateEntry", mock.Anything, mock.MatchedBy(func(e types.ConfigEntry) bool {
		return e.ID == "ENTRY1" && e.Options.ModulesPower == 200
	}), types.CurrentOptionsVersion).Return(nil).Once()

	res = decodeResult(t, do(t, h, "POST", "/api/options/"+res.FlowID, map[string]any{types.KeyModulesPower: 200}, nil))
	assert.Equal(t, types.FlowResultCreateEntry, res.Type)
	require.NotNil(t, res.Options)
	assert.Equal(t, 200, res.Options.ModulesPower)
	db.AssertExpectations(t)
}

func TestEntries(t *testing.T) {
	srv, db := newTestServer(t)
	h := srv.setupHandler()
	entry := types.ConfigEntry{ID: "ENTRY1", Domain: types.Domain, Title: "Home"}

	t.Run("List", func(t *testing.T) {
		db.On("ListEntries", mock.Anything, types.Domain).Return([]types.ConfigEntry{entry}, nil).Once()
		rr := do(t, h, "GET", "/api/entries", nil, nil)
		require.Equal(t, http.StatusOK, rr.Code)
		var res EntriesRes
		require.NoError(t, json.NewDecoder(rr.Body).Decode(&res))
		require.Len(t, res.Entries, 1)
		assert.Equal(t, "ENTRY1", res.Entries[0].ID)
	})

	t.Run("List Empty", func(t *testing.T) {
		db.On("ListEntries", mock.Anything, "other").Return(nil, nil).Once()
		rr := do(t, h, "GET", "/api/entries?domain=other", nil, nil)
		require.Equal(t, http.StatusOK, rr.Code)
		assert.JSONEq(t, `{"entries":[]}`, rr.Body.String())
	})

	t.Run("Storage Failure", func(t *testing.T) {
		db.On("ListEntries", mock.Anything, "broken").Return(nil, errors.New("boom")).Once()
		rr := do(t, h, "GET", "/api/entries?domain=broken", nil, nil)
		assert.Equal(t, http.StatusInternalServerError, rr.Code)
		assert.NotContains(t, rr.Body.String(), "boom")
	})

	t.Run("Get", func(t *testing.T) {
		db.On("GetEntry", mock.Anything, "ENTRY1").Return(entry, types.CurrentOptionsVersion, nil).Once()
		rr := do(t, h, "GET", "/api/entries/ENTRY1", nil, nil)
		require.Equal(t, http.StatusOK, rr.Code)
		var got types.ConfigEntry
		require.NoError(t, json.NewDecoder(rr.Body).Decode(&got))
		assert.Equal(t, "Home", got.Title)
	})

	t.Run("Delete", func(t *testing.T) {
		db.On("GetEntry", mock.Anything, "ENTRY1").Return(entry, types.CurrentOptionsVersion, nil).Once()
		db.On("DeleteEntry", mock.Anything, "ENTRY1").Return(nil).Once()
		rr := do(t, h, "DELETE", "/api/entries/ENTRY1", nil, nil)
		assert.Equal(t, http.StatusNoContent, rr.Code)
	})

	t.Run("Delete Missing", func(t *testing.T) {
		db.On("GetEntry", mock.Anything, "GONE").Return(types.ConfigEntry{}, 0, storage.ErrEntryNotFound).Once()
		rr := do(t, h, "DELETE", "/api/entries/GONE", nil, nil)
		assert.Equal(t, http.StatusNotFound, rr.Code)
	})
	db.AssertExpectations(t)
}

func TestAuthMiddleware(t *testing.T) {
	srv, _ := newTestServer(t)
	srv.verifier = func(ctx context.Context, rawIDToken string) (*oidc.IDToken, error) {
		if rawIDToken != "good" {
			return nil, errors.New("bad token")
		}
		return &oidc.IDToken{Subject: "host"}, nil
	}
	h := srv.setupHandler()

	tests := []struct {
		name string
		auth string
		code int
	}{
		{"Missing", "", http.StatusUnauthorized},
		{"Not Bearer", "Basic Zm9vOmJhcg==", http.StatusBadRequest},
		{"Invalid", "Bearer bad", http.StatusUnauthorized},
		{"Valid", "Bearer good", http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			hdr := http.Header{}
			if tt.auth != "" {
				hdr.Set("Authorization", tt.auth)
			}
			rr := do(t, h, "POST", "/api/flows", InitFlowReq{Handler: types.Domain}, hdr)
			assert.Equal(t, tt.code, rr.Code, rr.Body.String())
		})
	}

	t.Run("Healthz Open", func(t *testing.T) {
		rr := do(t, h, "GET", "/healthz", nil, nil)
		assert.Equal(t, http.StatusOK, rr.Code)
	})
}
