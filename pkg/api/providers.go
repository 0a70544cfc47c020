package api

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/telluric-io/tern/pkg/fault"
	"github.com/telluric-io/tern/pkg/types"
)

func (s *Server) listProviders(w http.ResponseWriter, r *http.Request) {
	providers, err := s.engine.Providers().List()
	if err != nil {
		writeError(w, err)
		return
	}
	if providers == nil {
		providers = []*types.Provider{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"providers": providers})
}

// providerRequest is the register body.
type providerRequest struct {
	ID         string `json:"id"`
	URL        string `json:"url"`
	Type       string `json:"type"`
	Visibility string `json:"visibility"`
}

func (s *Server) registerProvider(w http.ResponseWriter, r *http.Request) {
	var body providerRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, fault.Wrap(fault.KindValidation, err, "malformed provider registration"))
		return
	}
	p := &types.Provider{
		ID:         body.ID,
		URL:        body.URL,
		Type:       types.ProviderType(body.Type),
		Visibility: types.Visibility(body.Visibility),
	}
	if err := s.engine.Providers().Register(r.Context(), p); err != nil {
		writeError(w, err)
		return
	}
	w.Header().Set("Location", s.cfg.PublicBaseURL+"/providers/"+p.ID)
	writeJSON(w, http.StatusCreated, p)
}

func (s *Server) unregisterProvider(w http.ResponseWriter, r *http.Request) {
	if err := s.engine.Providers().Unregister(chi.URLParam(r, "id")); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// providerProcesses proxies the remote offering list.
func (s *Server) providerProcesses(w http.ResponseWriter, r *http.Request) {
	procs, err := s.engine.Providers().Processes(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	summaries := make([]processSummary, 0, len(procs))
	for i := range procs {
		summaries = append(summaries, s.summaryDoc(&procs[i]))
	}
	writeJSON(w, http.StatusOK, map[string]any{"processes": summaries})
}

// providerDescribe proxies one remote process description.
func (s *Server) providerDescribe(w http.ResponseWriter, r *http.Request) {
	proc, err := s.engine.Providers().Describe(r.Context(), chi.URLParam(r, "id"), chi.URLParam(r, "pid"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.descriptionDoc(proc))
}

func (s *Server) listQuotes(w http.ResponseWriter, r *http.Request) {
	quotes, err := s.engine.Store().ListQuotes()
	if err != nil {
		writeError(w, err)
		return
	}
	if quotes == nil {
		quotes = []*types.Quote{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"quotations": quotes})
}

func (s *Server) getQuote(w http.ResponseWriter, r *http.Request) {
	q, err := s.engine.Store().GetQuote(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, q)
}
