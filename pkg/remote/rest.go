// Package remote dispatches workflow steps to downstream executors: other
// processes endpoints, WPS 1.0 providers, and ESGF compute services.
package remote

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/telluric-io/tern/pkg/client"
	"github.com/telluric-io/tern/pkg/cwl"
	"github.com/telluric-io/tern/pkg/fault"
	"github.com/telluric-io/tern/pkg/journal"
	"github.com/telluric-io/tern/pkg/log"
	"github.com/telluric-io/tern/pkg/metrics"
	"github.com/telluric-io/tern/pkg/types"
)

var pollInterval = 3 * time.Second

// REST dispatches steps to another processes endpoint
type REST struct {
	api    *client.Client
	logger zerolog.Logger
}

// NewREST creates an adapter for the executor at base.
func NewREST(base string, opts ...client.Option) *REST {
	return &REST{
		api:    client.New(base, opts...),
		logger: log.WithComponent("remote.rest"),
	}
}

// RunStep deploys the step package if needed, executes it asynchronously,
// polls to completion, and maps the results back. Cancellation dismisses
// the downstream job.
func (r *REST) RunStep(ctx context.Context, step cwl.Step, pkg *cwl.Package, inputs map[string]types.Value, jnl *journal.Journal) (map[string]types.Value, error) {
	processID := stepProcessID(step, pkg)
	if processID == "" {
		return nil, fault.New(fault.KindRemoteExecutor, "step %s has no resolvable process id", step.ID)
	}

	if err := r.ensureDeployed(ctx, processID, pkg); err != nil {
		return nil, err
	}

	exec := client.Execution{Inputs: encodeInputs(inputs), Response: "document"}
	status, err := r.api.Execute(ctx, processID, exec, true)
	if err != nil {
		metrics.StepsTotal.WithLabelValues("rest", "error").Inc()
		return nil, fault.Wrap(fault.KindRemoteExecutor, err, "failed to submit step %s", step.ID)
	}
	jnl.Logf("info", types.SourceSystem, "step %s running remotely as job %s", step.ID, status.JobID)

	final, err := r.poll(ctx, status.JobID, step.ID, jnl)
	if err != nil {
		return nil, err
	}
	if final.Status != string(types.StatusSucceeded) {
		metrics.StepsTotal.WithLabelValues("rest", "error").Inc()
		return nil, fault.New(fault.KindRemoteExecutor, "remote job %s for step %s finished %s: %s",
			final.JobID, step.ID, final.Status, final.Message)
	}

	raw, err := r.api.Results(ctx, final.JobID)
	if err != nil {
		return nil, fault.Wrap(fault.KindRemoteExecutor, err, "failed to fetch results of remote job %s", final.JobID)
	}
	metrics.StepsTotal.WithLabelValues("rest", "ok").Inc()
	return decodeResults(raw), nil
}

func (r *REST) ensureDeployed(ctx context.Context, processID string, pkg *cwl.Package) error {
	if _, err := r.api.DescribeProcess(ctx, processID); err == nil {
		return nil
	} else if fault.KindOf(err) != fault.KindNotFound {
		return fault.Wrap(fault.KindRemoteExecutor, err, "failed to probe remote process %s", processID)
	}
	if _, err := r.api.Deploy(ctx, pkg.MustMarshalYAML(), "application/cwl+yaml"); err != nil {
		return fault.Wrap(fault.KindRemoteExecutor, err, "failed to deploy process %s", processID)
	}
	return nil
}

// poll waits for the remote job, dismissing it if our context is cancelled.
func (r *REST) poll(ctx context.Context, jobID, stepID string, jnl *journal.Journal) (*client.StatusInfo, error) {
	final, err := r.api.Poll(ctx, jobID, pollInterval)
	if err != nil {
		if ctx.Err() != nil {
			dismissCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if derr := r.api.Dismiss(dismissCtx, jobID); derr != nil {
				r.logger.Warn().Str("job_id", jobID).Err(derr).Msg("failed to dismiss remote job")
			} else {
				jnl.Logf("info", types.SourceSystem, "step %s remote job %s dismissed", stepID, jobID)
			}
		}
		return nil, err
	}
	return final, nil
}

// stepProcessID derives the downstream process id for a step.
func stepProcessID(step cwl.Step, pkg *cwl.Package) string {
	if step.Run != "" {
		id := strings.TrimPrefix(step.Run, "#")
		if i := strings.LastIndex(id, "/"); i >= 0 {
			id = id[i+1:]
		}
		return strings.TrimSuffix(id, ".cwl")
	}
	if id, ok := pkg.Raw["id"].(string); ok {
		return strings.TrimPrefix(id, "#")
	}
	return ""
}

// encodeInputs renders engine values as OGC execute inputs. Staged local
// files cannot be sent by path; they travel as hrefs where available.
func encodeInputs(inputs map[string]types.Value) map[string]any {
	out := make(map[string]any, len(inputs))
	for id, v := range inputs {
		out[id] = encodeValue(v)
	}
	return out
}

func encodeValue(v types.Value) any {
	switch v.Kind {
	case types.ValueLiteral:
		return v.Literal
	case types.ValueComplex:
		if v.Complex == nil {
			return nil
		}
		if v.Complex.Href != "" {
			m := map[string]any{"href": v.Complex.Href}
			if v.Complex.MediaType != "" {
				m["type"] = v.Complex.MediaType
			}
			return m
		}
		m := map[string]any{"value": v.Complex.Body}
		if v.Complex.MediaType != "" {
			m["mediaType"] = v.Complex.MediaType
		}
		return m
	case types.ValueArray:
		arr := make([]any, len(v.Array))
		for i, el := range v.Array {
			arr[i] = encodeValue(el)
		}
		return arr
	case types.ValueBBox:
		return map[string]any{"bbox": v.BBox.Coords, "crs": v.BBox.CRS}
	}
	return nil
}

// decodeResults maps an OGC results document back to engine values. Remote
// outputs stay remote: hrefs are carried, never fetched here.
func decodeResults(raw map[string]json.RawMessage) map[string]types.Value {
	out := make(map[string]types.Value, len(raw))
	for id, msg := range raw {
		out[id] = decodeResult(msg)
	}
	return out
}

func decodeResult(msg json.RawMessage) types.Value {
	var obj map[string]any
	if err := json.Unmarshal(msg, &obj); err == nil {
		if href, ok := obj["href"].(string); ok {
			mt, _ := obj["type"].(string)
			return types.Ref(href, mt)
		}
		if val, ok := obj["value"]; ok {
			return types.Lit(val)
		}
	}
	var arr []json.RawMessage
	if err := json.Unmarshal(msg, &arr); err == nil {
		vals := make([]types.Value, len(arr))
		for i, el := range arr {
			vals[i] = decodeResult(el)
		}
		return types.Value{Kind: types.ValueArray, Array: vals}
	}
	var lit any
	if err := json.Unmarshal(msg, &lit); err == nil {
		return types.Lit(lit)
	}
	return types.Lit(string(msg))
}
