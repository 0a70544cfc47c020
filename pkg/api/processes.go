package api

import (
	"encoding/json"
	"io"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/telluric-io/tern/pkg/fault"
	"github.com/telluric-io/tern/pkg/manager"
	"github.com/telluric-io/tern/pkg/storage"
	"github.com/telluric-io/tern/pkg/types"
)

// maxDeployBody caps deploy payloads at 8 MiB.
const maxDeployBody = 8 << 20

func (s *Server) listProcesses(w http.ResponseWriter, r *http.Request) {
	page := pageFrom(r)
	procs, total, err := s.engine.Processes(storage.ProcessFilter{
		Visibility: types.Visibility(r.URL.Query().Get("visibility")),
		Provider:   r.URL.Query().Get("provider"),
	}, page)
	if err != nil {
		writeError(w, err)
		return
	}
	summaries := make([]processSummary, 0, len(procs))
	for _, p := range procs {
		summaries = append(summaries, s.summaryDoc(p))
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"processes":      summaries,
		"numberMatched":  total,
		"numberReturned": len(summaries),
		"links": []link{
			{Href: s.cfg.PublicBaseURL + "/processes", Rel: "self", Type: "application/json"},
		},
	})
}

func (s *Server) deployProcess(w http.ResponseWriter, r *http.Request) {
	payload, err := io.ReadAll(io.LimitReader(r.Body, maxDeployBody))
	if err != nil {
		writeError(w, fault.Wrap(fault.KindValidation, err, "failed to read deploy payload"))
		return
	}
	proc, err := s.engine.Deploy(r.Context(), payload, r.Header.Get("Content-Type"))
	if err != nil {
		writeError(w, err)
		return
	}
	w.Header().Set("Location", s.cfg.PublicBaseURL+"/processes/"+proc.ID)
	writeJSON(w, http.StatusCreated, s.summaryDoc(proc))
}

func (s *Server) describeProcess(w http.ResponseWriter, r *http.Request) {
	proc, err := s.engine.Process(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.descriptionDoc(proc))
}

func (s *Server) replaceProcess(w http.ResponseWriter, r *http.Request) {
	payload, err := io.ReadAll(io.LimitReader(r.Body, maxDeployBody))
	if err != nil {
		writeError(w, fault.Wrap(fault.KindValidation, err, "failed to read deploy payload"))
		return
	}
	proc, err := s.engine.Replace(r.Context(), chi.URLParam(r, "id"), payload, r.Header.Get("Content-Type"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.summaryDoc(proc))
}

func (s *Server) undeployProcess(w http.ResponseWriter, r *http.Request) {
	if err := s.engine.Undeploy(chi.URLParam(r, "id")); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// execution is the OGC execute request body.
type execution struct {
	Inputs            map[string]any            `json:"inputs"`
	Outputs           map[string]map[string]any `json:"outputs"`
	Response          string                    `json:"response"`
	Mode              string                    `json:"mode"`
	NotificationEmail string                    `json:"notificationEmail"`
	Subscriber        *types.Subscriber         `json:"subscriber"`
	Tags              []string                  `json:"tags"`
}

func (s *Server) executeProcess(w http.ResponseWriter, r *http.Request) {
	var body execution
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, fault.Wrap(fault.KindValidation, err, "malformed execute request"))
		return
	}

	req := s.executeRequest(chi.URLParam(r, "id"), body, r)
	j, completed, err := s.engine.Execute(r.Context(), req)
	if err != nil {
		writeError(w, err)
		return
	}

	if completed && j.Status == types.StatusSucceeded {
		writeJSON(w, http.StatusOK, resultsDoc(j.Results))
		return
	}
	if completed && j.Status == types.StatusFailed {
		writeError(w, executionError(j))
		return
	}
	w.Header().Set("Location", s.cfg.PublicBaseURL+"/jobs/"+j.ID)
	writeJSON(w, http.StatusCreated, s.statusDoc(j))
}

func (s *Server) executeRequest(processID string, body execution, r *http.Request) manager.ExecuteRequest {
	req := manager.ExecuteRequest{
		ProcessID:   processID,
		Inputs:      body.Inputs,
		Mode:        types.ModeAuto,
		NotifyEmail: body.NotificationEmail,
		Tags:        body.Tags,
		UserID:      r.Header.Get("X-User-Id"),
	}
	switch body.Mode {
	case "sync":
		req.Mode = types.ModeSync
	case "async":
		req.Mode = types.ModeAsync
	}
	// The Prefer header wins over the body mode.
	if strings.Contains(r.Header.Get("Prefer"), "respond-async") {
		req.Mode = types.ModeAsync
	}
	if body.Subscriber != nil {
		req.Subscribers = []types.Subscriber{*body.Subscriber}
	}
	if len(body.Outputs) > 0 {
		req.Transmission = make(map[string]types.Transmission, len(body.Outputs))
		for id, opts := range body.Outputs {
			if mode, ok := opts["transmissionMode"].(string); ok {
				req.Transmission[id] = types.Transmission(mode)
			}
		}
	}
	return req
}

// executionError surfaces the recorded failure of a synchronously executed
// job as the response error.
func executionError(j *types.Job) error {
	if len(j.Exceptions) > 0 {
		last := j.Exceptions[len(j.Exceptions)-1]
		return fault.New(fault.Kind(last.Kind), "%s", last.Message)
	}
	return fault.New(fault.KindInternal, "job %s failed", j.ID)
}
