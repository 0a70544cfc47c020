package manager

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"github.com/telluric-io/tern/pkg/config"
	"github.com/telluric-io/tern/pkg/cwl"
	"github.com/telluric-io/tern/pkg/dispatch"
	"github.com/telluric-io/tern/pkg/events"
	"github.com/telluric-io/tern/pkg/executor"
	"github.com/telluric-io/tern/pkg/fault"
	"github.com/telluric-io/tern/pkg/fetch"
	"github.com/telluric-io/tern/pkg/job"
	"github.com/telluric-io/tern/pkg/log"
	"github.com/telluric-io/tern/pkg/notify"
	"github.com/telluric-io/tern/pkg/provider"
	"github.com/telluric-io/tern/pkg/remote"
	"github.com/telluric-io/tern/pkg/runtime"
	"github.com/telluric-io/tern/pkg/storage"
	"github.com/telluric-io/tern/pkg/types"
	"github.com/telluric-io/tern/pkg/workflow"
)

// Engine composes the store, the job state machine, the dispatcher and the
// package interpreters into the single object the API and CLI talk to.
type Engine struct {
	cfg        config.Config
	store      storage.Store
	jobs       *job.Manager
	dispatcher *dispatch.Dispatcher
	executor   *executor.Executor
	workflows  *workflow.Interpreter
	fetcher    *fetch.Fetcher
	notifier   *notify.Notifier
	providers  *provider.Registry
	broker     *events.Broker
	runner     runtime.Runner
	logger     zerolog.Logger

	mu          sync.Mutex
	restRunners map[string]*remote.REST
}

// New wires an engine from configuration. The container runner is injected
// so the serve command can pass containerd while tests pass a fake.
func New(cfg config.Config, store storage.Store, runner runtime.Runner) (*Engine, error) {
	if err := os.MkdirAll(cfg.JobsDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create jobs directory: %w", err)
	}

	broker := events.NewBroker()
	broker.Start()

	notifier, err := notify.New(cfg)
	if err != nil {
		broker.Stop()
		return nil, err
	}

	e := &Engine{
		cfg:         cfg,
		store:       store,
		jobs:        job.NewManager(store, broker),
		fetcher:     fetch.NewFetcher(cfg, fetch.NewS3Getter()),
		notifier:    notifier,
		providers:   provider.NewRegistry(store),
		broker:      broker,
		runner:      runner,
		logger:      log.WithComponent("manager"),
		restRunners: map[string]*remote.REST{},
	}
	e.executor = executor.New(runner, e.fetcher)
	if cfg.RunAsUID != nil {
		uid := uint32(*cfg.RunAsUID)
		e.executor.UID = &uid
	}
	if cfg.RunAsGID != nil {
		gid := uint32(*cfg.RunAsGID)
		e.executor.GID = &gid
	}
	e.executor.ExprEnabled = cfg.ExprEnabled
	e.workflows = workflow.New(e, e.resolvePackage, cfg.StepFanOut)
	e.workflows.Queries = e.fetcher
	e.workflows.ExprEnabled = cfg.ExprEnabled
	e.dispatcher = dispatch.New(cfg.QueueSize, cfg.QueueHighWater, cfg.Workers, cfg.SyncWaitCap, e.runJob)
	return e, nil
}

// Close drains the dispatcher and stops the event broker.
func (e *Engine) Close() {
	e.dispatcher.Close()
	e.broker.Stop()
	if e.runner != nil {
		if err := e.runner.Close(); err != nil {
			e.logger.Warn().Err(err).Msg("failed to close container runtime")
		}
	}
}

// Broker exposes the event stream for API subscribers.
func (e *Engine) Broker() *events.Broker { return e.broker }

// Providers exposes the provider registry.
func (e *Engine) Providers() *provider.Registry { return e.providers }

// Store exposes read access for listing endpoints.
func (e *Engine) Store() storage.Store { return e.store }

// QueueDepth reports the number of queued jobs.
func (e *Engine) QueueDepth() int { return e.dispatcher.Depth() }

// ExecuteRequest is one execute submission after HTTP decoding.
type ExecuteRequest struct {
	ProcessID    string
	Inputs       map[string]any
	Mode         types.ExecutionMode
	NotifyEmail  string
	Subscribers  []types.Subscriber
	Transmission map[string]types.Transmission
	Tags         []string
	UserID       string
}

// Execute validates the submission, creates the job and hands it to the
// dispatcher. The returned flag reports whether the job reached a terminal
// status within the synchronous wait cap; callers respond 200 with results
// when it did and 201 with a status location when it did not.
func (e *Engine) Execute(ctx context.Context, req ExecuteRequest) (*types.Job, bool, error) {
	proc, err := e.Process(req.ProcessID)
	if err != nil {
		return nil, false, err
	}
	inputs, err := e.validateInputs(req.Inputs, proc.Inputs)
	if err != nil {
		return nil, false, err
	}

	j, err := e.jobs.Create(req.ProcessID, inputs, effectiveMode(req.Mode, proc))
	if err != nil {
		return nil, false, err
	}

	if _, err := e.store.UpdateJob(j.ID, func(job *types.Job) error {
		job.Subscribers = req.Subscribers
		job.Tags = req.Tags
		job.UserID = req.UserID
		job.TransmissionByID = req.Transmission
		if req.NotifyEmail != "" {
			token, terr := notify.Token(req.NotifyEmail)
			if terr != nil {
				return terr
			}
			job.EmailToken = token
		}
		return nil
	}); err != nil {
		return nil, false, fault.Wrap(fault.KindInternal, err, "failed to record submission options")
	}
	// the address itself stays in memory only
	j.NotifyEmail = req.NotifyEmail

	if err := e.dispatcher.Submit(j); err != nil {
		// The rejection is this job's final transition, so the notifier
		// fires here just as it would from a worker.
		if failed, terr := e.jobs.Transition(j.ID, types.StatusFailed, fault.Summary(err)); terr == nil {
			e.notifier.JobFinished(ctx, withEmail(failed, j))
		}
		return nil, false, err
	}

	if effectiveMode(req.Mode, proc) == types.ModeSync {
		if e.dispatcher.WaitSync(j.ID) {
			final, err := e.Job(j.ID)
			if err != nil {
				return nil, false, err
			}
			return final, final.Status.Terminal(), nil
		}
		// wait cap expired, fall back to async semantics
	}
	current, err := e.Job(j.ID)
	if err != nil {
		return nil, false, err
	}
	return current, false, nil
}

// Job returns one job record.
func (e *Engine) Job(id string) (*types.Job, error) {
	return e.store.GetJob(id)
}

// Jobs lists jobs with filtering, paging and optional grouping.
func (e *Engine) Jobs(filter storage.JobFilter, page storage.Page, groupBy string) ([]*types.Job, map[string][]*types.Job, int, error) {
	return e.store.ListJobs(filter, page, groupBy)
}

// Logs returns the ordered log stream of one job.
func (e *Engine) Logs(id string) ([]types.LogEntry, error) {
	if _, err := e.store.GetJob(id); err != nil {
		return nil, err
	}
	return e.store.GetJobLog(id)
}

// Results returns the materialized outputs of a succeeded job.
func (e *Engine) Results(id string) ([]types.Result, error) {
	j, err := e.store.GetJob(id)
	if err != nil {
		return nil, err
	}
	switch j.Status {
	case types.StatusSucceeded:
		return j.Results, nil
	case types.StatusFailed, types.StatusDismissed:
		return nil, fault.New(fault.KindConflict, "job %s finished %s, no results", id, j.Status)
	default:
		return nil, fault.New(fault.KindConflict, "job %s is still %s", id, j.Status)
	}
}

// Dismiss cancels a job. Queued jobs are marked before a worker picks them
// up; running jobs get their context cancelled and are marked by the worker.
func (e *Engine) Dismiss(id string) (*types.Job, error) {
	j, err := e.jobs.Dismiss(id)
	if err != nil {
		return nil, err
	}
	e.dispatcher.Cancel(id)
	return j, nil
}

// effectiveMode resolves auto against the process job control options.
func effectiveMode(mode types.ExecutionMode, proc *types.Process) types.ExecutionMode {
	if mode == types.ModeSync || mode == types.ModeAsync {
		return mode
	}
	for _, jc := range proc.JobControlOptions {
		if jc == types.JobControlSync {
			return types.ModeSync
		}
	}
	return types.ModeAsync
}

// resolvePackage turns a step "run" reference into the deployed package.
func (e *Engine) resolvePackage(ref string) (*cwl.Package, error) {
	id := ref
	if i := strings.Index(id, "#"); i >= 0 {
		if i == 0 {
			id = id[1:]
		} else {
			id = id[:i]
		}
	}
	if i := strings.LastIndex(id, "/"); i >= 0 {
		id = id[i+1:]
	}
	id = strings.TrimSuffix(id, ".cwl")
	proc, err := e.store.GetProcess(id)
	if err != nil {
		return nil, fault.Wrap(fault.KindWorkflow, err, "step references unknown process %q", ref)
	}
	return cwl.FromTree(proc.Package)
}
