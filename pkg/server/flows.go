package server

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/raterudder/solarforecast/pkg/flow"
	"github.com/raterudder/solarforecast/pkg/log"
	"github.com/raterudder/solarforecast/pkg/storage"
	"github.com/raterudder/solarforecast/pkg/types"
)

// InitFlowReq starts a config flow.
type InitFlowReq struct {
	Handler string `json:"handler"`
	Source  string `json:"source"`

	// Input is only used by imports that finish in one step.
	Input map[string]any `json:"input,omitempty"`
}

// readInput decodes a JSON object body. An empty body is an empty object.
func readInput(w http.ResponseWriter, r *http.Request, dst any) error {
	// Limit body size to 1MB to prevent DoS
	r.Body = http.MaxBytesReader(w, r.Body, 1048576)
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

// writeFlowResult localizes res for the request's language and writes it.
func (s *Server) writeFlowResult(w http.ResponseWriter, r *http.Request, res types.FlowResult) {
	lang := s.catalog.Match(r.Header.Get("Accept-Language"))
	s.catalog.Decorate(lang, &res)
	w.Header().Set("Content-Language", lang)
	writeJSON(w, res, http.StatusOK)
}

// writeFlowError maps flow and storage errors to HTTP responses.
func writeFlowError(w http.ResponseWriter, r *http.Request, err error) {
	ctx := r.Context()
	switch {
	case errors.Is(err, flow.ErrUnknownFlow):
		writeJSONError(w, "unknown flow", http.StatusNotFound)
	case errors.Is(err, storage.ErrEntryNotFound):
		writeJSONError(w, "entry not found", http.StatusNotFound)
	case errors.Is(err, flow.ErrUnknownHandler):
		writeJSONError(w, "invalid handler specified", http.StatusBadRequest)
	case errors.Is(err, flow.ErrFlowInProgress):
		writeJSONError(w, "flow step already in progress", http.StatusConflict)
	default:
		log.Ctx(ctx).ErrorContext(ctx, "flow request failed", slog.Any("error", err))
		writeJSONError(w, "internal error", http.StatusInternalServerError)
	}
}

// HandlersRes lists the domains a flow can be started for.
type HandlersRes struct {
	Handlers []string `json:"handlers"`
}

func (s *Server) handleListHandlers(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, HandlersRes{Handlers: s.flows.Domains()}, http.StatusOK)
}

func (s *Server) handleInitFlow(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var req InitFlowReq
	if err := readInput(w, r, &req); err != nil {
		log.Ctx(ctx).WarnContext(ctx, "failed to decode flow request", slog.Any("error", err))
		writeJSONError(w, "invalid request", http.StatusBadRequest)
		return
	}
	if req.Handler == "" {
		writeJSONError(w, "handler required", http.StatusBadRequest)
		return
	}
	switch req.Source {
	case "":
		req.Source = types.SourceUser
	case types.SourceUser, types.SourceImport:
	default:
		writeJSONError(w, "invalid source", http.StatusBadRequest)
		return
	}
	if req.Source == types.SourceUser {
		req.Input = nil
	}

	res, err := s.flows.Init(ctx, req.Handler, req.Source, req.Input)
	if err != nil {
		writeFlowError(w, r, err)
		return
	}
	s.writeFlowResult(w, r, res)
}

func (s *Server) handleInitOptions(w http.ResponseWriter, r *http.Request) {
	res, err := s.flows.InitOptions(r.Context(), r.PathValue("entryID"))
	if err != nil {
		writeFlowError(w, r, err)
		return
	}
	s.writeFlowResult(w, r, res)
}

func (s *Server) handleGetFlow(kind flow.Kind) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		res, err := s.flows.Get(r.Context(), kind, r.PathValue("flowID"))
		if err != nil {
			writeFlowError(w, r, err)
			return
		}
		s.writeFlowResult(w, r, res)
	}
}

func (s *Server) handleConfigureFlow(kind flow.Kind) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		var input map[string]any
		if err := readInput(w, r, &input); err != nil {
			log.Ctx(ctx).WarnContext(ctx, "failed to decode flow input", slog.Any("error", err))
			writeJSONError(w, "invalid request", http.StatusBadRequest)
			return
		}
		res, err := s.flows.Configure(ctx, kind, r.PathValue("flowID"), input)
		if err != nil {
			writeFlowError(w, r, err)
			return
		}
		s.writeFlowResult(w, r, res)
	}
}

func (s *Server) handleAbortFlow(kind flow.Kind) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := s.flows.Abort(r.Context(), kind, r.PathValue("flowID")); err != nil {
			writeFlowError(w, r, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}
