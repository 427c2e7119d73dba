package server

import (
	"net/http"

	"github.com/raterudder/solarforecast/pkg/types"
)

// EntriesRes lists config entries.
type EntriesRes struct {
	Entries []types.ConfigEntry `json:"entries"`
}

func (s *Server) handleListEntries(w http.ResponseWriter, r *http.Request) {
	domain := r.URL.Query().Get("domain")
	if domain == "" {
		domain = types.Domain
	}
	entries, err := s.flows.Entries(r.Context(), domain)
	if err != nil {
		writeFlowError(w, r, err)
		return
	}
	if entries == nil {
		entries = []types.ConfigEntry{}
	}
	writeJSON(w, EntriesRes{Entries: entries}, http.StatusOK)
}

func (s *Server) handleGetEntry(w http.ResponseWriter, r *http.Request) {
	entry, err := s.flows.Entry(r.Context(), r.PathValue("entryID"))
	if err != nil {
		writeFlowError(w, r, err)
		return
	}
	writeJSON(w, entry, http.StatusOK)
}

func (s *Server) handleDeleteEntry(w http.ResponseWriter, r *http.Request) {
	if err := s.flows.RemoveEntry(r.Context(), r.PathValue("entryID")); err != nil {
		writeFlowError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
