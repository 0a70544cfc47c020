package manager

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/telluric-io/tern/pkg/cwl"
	"github.com/telluric-io/tern/pkg/fault"
	"github.com/telluric-io/tern/pkg/journal"
	"github.com/telluric-io/tern/pkg/types"
)

// runJob is the dispatcher worker body: one invocation owns the whole job
// from started to its terminal status.
func (e *Engine) runJob(ctx context.Context, j *types.Job) {
	current, err := e.store.GetJob(j.ID)
	if err != nil {
		e.logger.Error().Str("job_id", j.ID).Err(err).Msg("queued job vanished from the store")
		return
	}
	if current.Status != types.StatusAccepted {
		// dismissed while queued
		if current.Status == types.StatusDismissed {
			e.notifier.JobFinished(ctx, withEmail(current, j))
		}
		return
	}

	jnl, err := journal.New(e.store, e.cfg.JobsDir, j.ID, func(pct int, msg string) {
		if updated, perr := e.jobs.SetProgress(j.ID, pct, msg); perr == nil && updated != nil {
			e.notifier.Progress(ctx, updated)
		}
	})
	if err != nil {
		_, _ = e.jobs.Transition(j.ID, types.StatusFailed, "failed to create job workspace")
		e.finishJob(ctx, j, nil)
		return
	}

	if _, err := e.jobs.Transition(j.ID, types.StatusStarted, "worker assigned"); err != nil {
		jnl.Close()
		return
	}

	outputs, runErr := e.executeJob(ctx, current, jnl)
	if runErr != nil {
		e.recordFailure(j.ID, jnl, runErr)
	} else {
		results := e.materializeResults(current, outputs, jnl)
		if _, err := e.store.UpdateJob(j.ID, func(job *types.Job) error {
			job.Outputs = outputs
			job.Results = results
			return nil
		}); err != nil {
			e.logger.Error().Str("job_id", j.ID).Err(err).Msg("failed to persist results")
		}
		_, _ = e.jobs.Transition(j.ID, types.StatusSucceeded, "completed")
	}
	e.finishJob(ctx, j, jnl)
}

// executeJob resolves the package and runs it through the matching
// interpreter under the process wall-clock limit.
func (e *Engine) executeJob(ctx context.Context, j *types.Job, jnl *journal.Journal) (map[string]types.Value, error) {
	proc, err := e.store.GetProcess(j.ProcessID)
	if err != nil {
		return nil, err
	}
	pkg, err := cwl.FromTree(proc.Package)
	if err != nil {
		return nil, err
	}

	runCtx := ctx
	if proc.WallClockLimit > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, proc.WallClockLimit)
		defer cancel()
	}

	if _, err := e.jobs.Transition(j.ID, types.StatusRunning, "executing"); err != nil {
		return nil, fault.New(fault.KindCancelled, "job dismissed before execution")
	}
	jnl.Logf("info", types.SourceSystem, "executing process %s", j.ProcessID)

	if pkg.Class == cwl.ClassWorkflow {
		return e.workflows.Execute(runCtx, pkg, j.Inputs, jnl)
	}
	step := cwl.Step{ID: j.ProcessID}
	runner, rt, err := e.Route(step, pkg, j.Inputs)
	if err != nil {
		return nil, err
	}
	if rt != "local" {
		jnl.Logf("info", types.SourceSystem, "dispatching to %s executor", rt)
	}
	return runner.RunStep(runCtx, step, pkg, j.Inputs, jnl)
}

// recordFailure writes the exception record and moves the job to failed.
// A job dismissed mid-flight stays dismissed: the transition is dropped by
// the state machine and only the cancellation record lands.
func (e *Engine) recordFailure(jobID string, jnl *journal.Journal, runErr error) {
	kind := fault.KindOf(runErr)
	if errors.Is(runErr, context.Canceled) || errors.Is(runErr, context.DeadlineExceeded) {
		kind = fault.KindCancelled
	}
	jnl.Exception(string(kind), fault.Summary(runErr), runErr.Error())
	if _, err := e.jobs.Transition(jobID, types.StatusFailed, fault.Summary(runErr)); err != nil {
		e.logger.Debug().Str("job_id", jobID).Err(err).Msg("failed transition dropped")
	}
}

// finishJob runs the common terminal tail: status mirror, notification,
// workspace cleanup.
func (e *Engine) finishJob(ctx context.Context, submitted *types.Job, jnl *journal.Journal) {
	final, err := e.store.GetJob(submitted.ID)
	if err != nil {
		e.logger.Error().Str("job_id", submitted.ID).Err(err).Msg("terminal job vanished from the store")
		return
	}
	if jnl != nil {
		jnl.WriteStatus(final)
		jnl.Close()
	}
	e.notifier.JobFinished(ctx, withEmail(final, submitted))
	if err := journal.Cleanup(e.cfg.JobsDir, final.ID, e.cfg.DebugRetain); err != nil {
		e.logger.Warn().Str("job_id", final.ID).Err(err).Msg("failed to clean job workspace")
	}
}

// materializeResults turns collected outputs into the persisted result
// list, honoring the per-output transmission choice. Files under outputs/
// become URLs joined with the public base; value transmission inlines the
// file bytes.
func (e *Engine) materializeResults(j *types.Job, outputs map[string]types.Value, jnl *journal.Journal) []types.Result {
	ids := make([]string, 0, len(outputs))
	for id := range outputs {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	var results []types.Result
	for _, id := range ids {
		mode := types.TransmissionReference
		if m, ok := j.TransmissionByID[id]; ok {
			mode = m
		}
		results = append(results, e.resultFrom(j.ID, id, outputs[id], mode, jnl)...)
	}
	return results
}

func (e *Engine) resultFrom(jobID, id string, v types.Value, mode types.Transmission, jnl *journal.Journal) []types.Result {
	switch v.Kind {
	case types.ValueArray:
		var out []types.Result
		for _, item := range v.Array {
			out = append(out, e.resultFrom(jobID, id, item, mode, jnl)...)
		}
		return out
	case types.ValueComplex:
		r := types.Result{ID: id, MediaType: v.Complex.MediaType}
		if mode == types.TransmissionValue && v.Complex.Path != "" {
			data, err := os.ReadFile(v.Complex.Path)
			if err == nil {
				r.Value = string(data)
				return []types.Result{r}
			}
			e.logger.Warn().Str("job_id", jobID).Str("output", id).Err(err).
				Msg("value transmission fell back to reference")
		}
		r.Href = e.resultURL(jobID, v.Complex.Path, jnl)
		if r.Href == "" {
			r.Href = v.Complex.Href
		}
		return []types.Result{r}
	default:
		return []types.Result{{ID: id, Value: v.String()}}
	}
}

// resultURL joins the public base URL with the path relative to outputs/.
func (e *Engine) resultURL(jobID, path string, jnl *journal.Journal) string {
	if path == "" || jnl == nil {
		return ""
	}
	rel, err := filepath.Rel(jnl.OutputsDir(), path)
	if err != nil || strings.HasPrefix(rel, "..") {
		return ""
	}
	return fmt.Sprintf("%s/jobs/%s/outputs/%s",
		strings.TrimRight(e.cfg.PublicBaseURL, "/"), jobID, filepath.ToSlash(rel))
}

// withEmail restores the in-memory notification address, which is never
// persisted, onto the freshly loaded record.
func withEmail(loaded, submitted *types.Job) *types.Job {
	loaded.NotifyEmail = submitted.NotifyEmail
	return loaded
}
