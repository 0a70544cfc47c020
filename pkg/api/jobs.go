package api

import (
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/telluric-io/tern/pkg/fault"
	"github.com/telluric-io/tern/pkg/notify"
	"github.com/telluric-io/tern/pkg/storage"
	"github.com/telluric-io/tern/pkg/types"
)

func (s *Server) listJobs(w http.ResponseWriter, r *http.Request) {
	filter, err := jobFilterFrom(r)
	if err != nil {
		writeError(w, err)
		return
	}
	groupBy := r.URL.Query().Get("groupBy")
	jobs, groups, total, err := s.engine.Jobs(filter, pageFrom(r), groupBy)
	if err != nil {
		writeError(w, err)
		return
	}

	if groupBy != "" {
		grouped := make(map[string][]statusInfo, len(groups))
		for key, members := range groups {
			docs := make([]statusInfo, 0, len(members))
			for _, j := range members {
				docs = append(docs, s.statusDoc(j))
			}
			grouped[key] = docs
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"groups":        grouped,
			"numberMatched": total,
		})
		return
	}

	docs := make([]statusInfo, 0, len(jobs))
	for _, j := range jobs {
		docs = append(docs, s.statusDoc(j))
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"jobs":           docs,
		"numberMatched":  total,
		"numberReturned": len(docs),
		"links": []link{
			{Href: s.cfg.PublicBaseURL + "/jobs", Rel: "self", Type: "application/json"},
		},
	})
}

// jobFilterFrom maps list query parameters onto a store filter. The
// notificationEmail parameter is tokenized before matching so addresses
// never reach the store.
func jobFilterFrom(r *http.Request) (storage.JobFilter, error) {
	q := r.URL.Query()
	filter := storage.JobFilter{
		Status:     types.JobStatus(q.Get("status")),
		ProcessID:  q.Get("processID"),
		ProviderID: q.Get("providerID"),
	}
	if email := q.Get("notificationEmail"); email != "" {
		token, err := notify.Token(email)
		if err != nil {
			return filter, fault.Wrap(fault.KindValidation, err, "bad notificationEmail filter")
		}
		filter.EmailToken = token
	}
	if tags := q.Get("tags"); tags != "" {
		filter.Tags = strings.Split(tags, ",")
	}
	if interval := q.Get("datetime"); interval != "" {
		after, before, err := parseInterval(interval)
		if err != nil {
			return filter, err
		}
		filter.After, filter.Before = after, before
	}
	return filter, nil
}

// parseInterval parses an RFC 3339 instant or a start/end interval where
// either bound may be ".." for open.
func parseInterval(s string) (*time.Time, *time.Time, error) {
	parse := func(v string) (*time.Time, error) {
		if v == ".." || v == "" {
			return nil, nil
		}
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return nil, fault.Wrap(fault.KindValidation, err, "bad datetime %q", v)
		}
		return &t, nil
	}
	start, end, found := strings.Cut(s, "/")
	if !found {
		t, err := parse(s)
		return t, t, err
	}
	after, err := parse(start)
	if err != nil {
		return nil, nil, err
	}
	before, err := parse(end)
	if err != nil {
		return nil, nil, err
	}
	return after, before, nil
}

func pageFrom(r *http.Request) storage.Page {
	q := r.URL.Query()
	page := storage.Page{Sort: q.Get("sort")}
	if n, err := strconv.Atoi(q.Get("limit")); err == nil && n > 0 {
		page.Limit = n
	}
	if n, err := strconv.Atoi(q.Get("page")); err == nil && n > 0 {
		page.Page = n
	}
	return page
}

func (s *Server) jobStatus(w http.ResponseWriter, r *http.Request) {
	j, err := s.engine.Job(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.statusDoc(j))
}

// dismissJob cancels a job. Dismissing an already terminal job answers
// 410 Gone rather than the generic conflict.
func (s *Server) dismissJob(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	_, err := s.engine.Dismiss(id)
	if err != nil {
		if fault.Is(err, fault.KindConflict) {
			if prev, jerr := s.engine.Job(id); jerr == nil && prev.Status.Terminal() {
				writeJSON(w, http.StatusGone, map[string]any{
					"type":   string(fault.KindConflict),
					"title":  fault.Summary(err),
					"status": http.StatusGone,
				})
				return
			}
		}
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) jobInputs(w http.ResponseWriter, r *http.Request) {
	j, err := s.engine.Job(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"inputs": j.Inputs,
		"tags":   j.Tags,
	})
}

func (s *Server) jobResults(w http.ResponseWriter, r *http.Request) {
	results, err := s.engine.Results(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resultsDoc(results))
}

// jobOutputs lists collected output files relative to the job's outputs
// directory.
func (s *Server) jobOutputs(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := s.engine.Job(id); err != nil {
		writeError(w, err)
		return
	}
	root := filepath.Join(s.cfg.JobsDir, id, "outputs")
	var files []string
	_ = filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return nil
		}
		if rel, relErr := filepath.Rel(root, path); relErr == nil {
			files = append(files, filepath.ToSlash(rel))
		}
		return nil
	})
	sort.Strings(files)
	links := make([]link, 0, len(files))
	for _, f := range files {
		links = append(links, link{
			Href: s.cfg.PublicBaseURL + "/jobs/" + id + "/outputs/" + f,
			Rel:  "item",
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"outputs": files, "links": links})
}

// jobOutputFile serves one collected output file.
func (s *Server) jobOutputFile(w http.ResponseWriter, r *http.Request) {
	s.serveJobFile(w, r, "outputs")
}

// jobInputFile serves one staged input file. Downstream executors fetch
// re-published s3 and vault inputs from here.
func (s *Server) jobInputFile(w http.ResponseWriter, r *http.Request) {
	s.serveJobFile(w, r, "inputs")
}

func (s *Server) serveJobFile(w http.ResponseWriter, r *http.Request, sub string) {
	id := chi.URLParam(r, "id")
	if _, err := s.engine.Job(id); err != nil {
		writeError(w, err)
		return
	}
	rel := chi.URLParam(r, "*")
	root := filepath.Join(s.cfg.JobsDir, id, sub)
	path := filepath.Join(root, filepath.FromSlash(rel))
	if !strings.HasPrefix(path, root+string(filepath.Separator)) {
		writeError(w, fault.New(fault.KindValidation, "bad %s path %q", sub, rel))
		return
	}
	if _, err := os.Stat(path); err != nil {
		writeError(w, fault.New(fault.KindNotFound, "%s file %s not found for job %s", sub, rel, id))
		return
	}
	http.ServeFile(w, r, path)
}

// jobLogs returns the ordered log stream, structured by default or as
// plain text for Accept: text/plain or ?f=text.
func (s *Server) jobLogs(w http.ResponseWriter, r *http.Request) {
	logs, err := s.engine.Logs(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	if logs == nil {
		logs = []types.LogEntry{}
	}
	if wantsTextLogs(r) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		for _, e := range logs {
			fmt.Fprintf(w, "%s [%s] %s: %s\n", e.TS.Format(time.RFC3339), e.Level, e.Source, e.Text)
		}
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"logs": logs})
}

func wantsTextLogs(r *http.Request) bool {
	if r.URL.Query().Get("f") == "text" {
		return true
	}
	return strings.Contains(r.Header.Get("Accept"), "text/plain")
}

func (s *Server) jobExceptions(w http.ResponseWriter, r *http.Request) {
	j, err := s.engine.Job(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	exceptions := j.Exceptions
	if exceptions == nil {
		exceptions = []types.ExceptionRecord{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"exceptions": exceptions})
}
