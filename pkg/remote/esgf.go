package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/telluric-io/tern/pkg/cwl"
	"github.com/telluric-io/tern/pkg/fault"
	"github.com/telluric-io/tern/pkg/journal"
	"github.com/telluric-io/tern/pkg/log"
	"github.com/telluric-io/tern/pkg/metrics"
	"github.com/telluric-io/tern/pkg/types"
)

// ESGF dispatches steps to an ESGF compute (CWT) endpoint named by the
// step's ESGF-CWTRequirement hint.
type ESGF struct {
	http   *http.Client
	logger zerolog.Logger
}

// NewESGF creates the ESGF-CWT adapter.
func NewESGF() *ESGF {
	return &ESGF{
		http:   &http.Client{Timeout: 60 * time.Second},
		logger: log.WithComponent("remote.esgf"),
	}
}

type esgfStatus struct {
	JobID   string                     `json:"jobID"`
	Status  string                     `json:"status"`
	Message string                     `json:"message,omitempty"`
	Outputs map[string]json.RawMessage `json:"outputs,omitempty"`
	Links   []struct {
		Href string `json:"href"`
		Rel  string `json:"rel"`
	} `json:"links,omitempty"`
}

// RunStep submits the operation named by the ESGF-CWT requirement and polls
// the returned status resource.
func (e *ESGF) RunStep(ctx context.Context, step cwl.Step, pkg *cwl.Package, inputs map[string]types.Value, jnl *journal.Journal) (map[string]types.Value, error) {
	reqs := step.Requirements.ESGFCWT
	if reqs == nil {
		reqs = pkg.Requirements.ESGFCWT
	}
	if reqs == nil {
		return nil, fault.New(fault.KindRemoteExecutor, "step %s has no ESGF-CWT requirement", step.ID)
	}
	endpoint, _ := reqs["provider"].(string)
	operation, _ := reqs["process"].(string)
	if endpoint == "" || operation == "" {
		return nil, fault.New(fault.KindRemoteExecutor, "step %s ESGF-CWT requirement lacks provider or process", step.ID)
	}

	payload := map[string]any{
		"operation": operation,
		"inputs":    encodeInputs(inputs),
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fault.Wrap(fault.KindRemoteExecutor, err, "failed to encode ESGF request")
	}

	status, err := e.submit(ctx, endpoint, body)
	if err != nil {
		metrics.StepsTotal.WithLabelValues("esgf-cwt", "error").Inc()
		return nil, err
	}
	jnl.Logf("info", types.SourceSystem, "step %s submitted to ESGF endpoint %s", step.ID, endpoint)

	statusURL := fmt.Sprintf("%s/%s", endpoint, status.JobID)
	for _, l := range status.Links {
		if l.Rel == "status" || l.Rel == "monitor" {
			statusURL = l.Href
		}
	}

	final, err := e.poll(ctx, statusURL)
	if err != nil {
		metrics.StepsTotal.WithLabelValues("esgf-cwt", "error").Inc()
		return nil, err
	}
	metrics.StepsTotal.WithLabelValues("esgf-cwt", "ok").Inc()
	return decodeResults(final.Outputs), nil
}

func (e *ESGF) submit(ctx context.Context, endpoint string, body []byte) (*esgfStatus, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fault.Wrap(fault.KindRemoteExecutor, err, "invalid ESGF endpoint")
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.http.Do(req)
	if err != nil {
		return nil, fault.Wrap(fault.KindRemoteExecutor, err, "ESGF submit failed")
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return nil, fault.New(fault.KindRemoteExecutor, "ESGF submit returned status %d", resp.StatusCode)
	}
	var status esgfStatus
	if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
		return nil, fault.Wrap(fault.KindRemoteExecutor, err, "failed to decode ESGF response")
	}
	return &status, nil
}

func (e *ESGF) poll(ctx context.Context, statusURL string) (*esgfStatus, error) {
	for {
		select {
		case <-time.After(pollInterval):
		case <-ctx.Done():
			return nil, fault.Wrap(fault.KindCancelled, ctx.Err(), "ESGF polling cancelled")
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, statusURL, nil)
		if err != nil {
			return nil, fault.Wrap(fault.KindRemoteExecutor, err, "invalid ESGF status URL")
		}
		resp, err := e.http.Do(req)
		if err != nil {
			return nil, fault.Wrap(fault.KindRemoteExecutor, err, "ESGF status poll failed")
		}
		var status esgfStatus
		derr := json.NewDecoder(resp.Body).Decode(&status)
		resp.Body.Close()
		if derr != nil {
			return nil, fault.Wrap(fault.KindRemoteExecutor, derr, "failed to decode ESGF status")
		}

		switch types.JobStatus(status.Status) {
		case types.StatusSucceeded:
			return &status, nil
		case types.StatusFailed, types.StatusDismissed:
			return nil, fault.New(fault.KindRemoteExecutor, "ESGF job %s finished %s: %s", status.JobID, status.Status, status.Message)
		}
	}
}
