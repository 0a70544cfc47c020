// Package workflow interprets Workflow Application Packages: it builds the
// step graph, fans ready steps out to their executors, chains outputs to
// downstream inputs, and folds step completion into job progress.
package workflow

import (
	"context"
	"strings"
	"sync"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/telluric-io/tern/pkg/cwl"
	"github.com/telluric-io/tern/pkg/expr"
	"github.com/telluric-io/tern/pkg/fault"
	"github.com/telluric-io/tern/pkg/fetch"
	"github.com/telluric-io/tern/pkg/journal"
	"github.com/telluric-io/tern/pkg/log"
	"github.com/telluric-io/tern/pkg/types"
)

// Progress band reserved for step execution; the edges belong to job setup
// and teardown.
const (
	progressFloor = 2
	progressCeil  = 95
)

// StepRunner executes one resolved step
type StepRunner interface {
	RunStep(ctx context.Context, step cwl.Step, pkg *cwl.Package, inputs map[string]types.Value, jnl *journal.Journal) (map[string]types.Value, error)
}

// Router selects the runner for a step: local, or one of the remote
// protocol adapters.
type Router interface {
	Route(step cwl.Step, pkg *cwl.Package, inputs map[string]types.Value) (StepRunner, string, error)
}

// Resolver turns a step "run" reference into a parsed package
type Resolver func(ref string) (*cwl.Package, error)

// QueryExpander turns one catalogue query reference into the references of
// its hits.
type QueryExpander interface {
	ExpandQuery(ctx context.Context, href string) ([]fetch.Resolved, error)
}

// Interpreter executes Workflow packages
type Interpreter struct {
	router  Router
	resolve Resolver
	fanOut  int
	logger  zerolog.Logger

	// Queries expands catalogue query references found in step inputs;
	// nil refuses them
	Queries QueryExpander

	// ExprEnabled admits the extended expression grammar for every
	// package; otherwise packages opt in via the inline-expression hint
	ExprEnabled bool
}

// New creates a workflow interpreter. fanOut bounds concurrent steps.
func New(router Router, resolve Resolver, fanOut int) *Interpreter {
	if fanOut <= 0 {
		fanOut = 4
	}
	return &Interpreter{
		router:  router,
		resolve: resolve,
		fanOut:  fanOut,
		logger:  log.WithComponent("workflow"),
	}
}

// Execute runs the workflow to completion. The first step failure cancels
// every in-flight step and fails the workflow.
func (i *Interpreter) Execute(ctx context.Context, pkg *cwl.Package, inputs map[string]types.Value, jnl *journal.Journal) (map[string]types.Value, error) {
	if pkg.Class != cwl.ClassWorkflow {
		return nil, fault.New(fault.KindWorkflow, "package class %q is not a workflow", pkg.Class)
	}
	d, err := buildDAG(pkg)
	if err != nil {
		return nil, err
	}
	if len(d.order) == 0 {
		return nil, fault.New(fault.KindWorkflow, "workflow has no steps")
	}

	st := &run{
		inputs:   inputs,
		results:  make(map[string]map[string]types.Value),
		done:     make(map[string]bool),
		total:    len(d.order),
		extended: pkg.Requirements.InlineExpr || i.ExprEnabled,
	}

	jnl.Progress(progressFloor, "workflow started")

	for !st.allDone() {
		if err := ctx.Err(); err != nil {
			return nil, fault.Wrap(fault.KindCancelled, err, "workflow cancelled")
		}

		ready := st.ready(d)
		if len(ready) == 0 {
			// Should be unreachable given a validated DAG
			return nil, fault.New(fault.KindWorkflow, "workflow deadlocked with %d steps pending", st.total-len(st.done))
		}
		if len(ready) > i.fanOut {
			ready = ready[:i.fanOut]
		}

		g, gctx := errgroup.WithContext(ctx)
		for _, id := range ready {
			id := id
			st.markInFlight(id)
			// Each step reports 0-100 into its own slice of the band
			slot := st.nextSlot()
			sub := jnl.Band(stepProgress(slot, st.total), stepProgress(slot+1, st.total))
			g.Go(func() error {
				outputs, err := i.runStep(gctx, d.nodes[id].step, st, sub)
				if err != nil {
					return err
				}
				completed := st.complete(id, outputs)
				jnl.Progress(stepProgress(completed, st.total), "step "+id+" finished")
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			if ctx.Err() != nil {
				return nil, fault.Wrap(fault.KindCancelled, ctx.Err(), "workflow cancelled")
			}
			return nil, err
		}
	}

	outputs, err := i.workflowOutputs(pkg, st)
	if err != nil {
		return nil, err
	}
	jnl.Progress(progressCeil, "workflow finished")
	return outputs, nil
}

// runStep resolves the step package and inputs, routes it, and executes it.
func (i *Interpreter) runStep(ctx context.Context, step cwl.Step, st *run, jnl *journal.Journal) (map[string]types.Value, error) {
	stepPkg, err := i.stepPackage(step)
	if err != nil {
		return nil, err
	}
	stepInputs, err := st.stepInputs(step)
	if err != nil {
		return nil, err
	}
	stepInputs, err = i.expandQueries(ctx, step.ID, stepInputs)
	if err != nil {
		return nil, err
	}

	runner, kind, err := i.router.Route(step, stepPkg, stepInputs)
	if err != nil {
		return nil, err
	}
	i.logger.Info().Str("step", step.ID).Str("runtime", kind).Msg("dispatching step")
	jnl.Logf("info", types.SourceSystem, "step %s dispatched to %s", step.ID, kind)

	outputs, err := runner.RunStep(ctx, step, stepPkg, stepInputs, jnl)
	if err != nil {
		return nil, fault.Wrap(fault.KindWorkflow, err, "step %s failed", step.ID)
	}
	return outputs, nil
}

// expandQueries replaces catalogue query references in step inputs with the
// files the query returns, so every runner downstream sees plain hrefs.
func (i *Interpreter) expandQueries(ctx context.Context, stepID string, inputs map[string]types.Value) (map[string]types.Value, error) {
	var expanded map[string]types.Value
	for id, v := range inputs {
		ev, changed, err := i.expandValue(ctx, v)
		if err != nil {
			return nil, fault.Wrap(fault.KindWorkflow, err, "step %s input %s: query expansion failed", stepID, id)
		}
		if changed {
			if expanded == nil {
				expanded = make(map[string]types.Value, len(inputs))
				for k, vv := range inputs {
					expanded[k] = vv
				}
			}
			expanded[id] = ev
		}
	}
	if expanded == nil {
		return inputs, nil
	}
	return expanded, nil
}

func (i *Interpreter) expandValue(ctx context.Context, v types.Value) (types.Value, bool, error) {
	switch v.Kind {
	case types.ValueComplex:
		if v.Complex == nil || !strings.HasPrefix(v.Complex.Href, fetch.SchemeOpenSearch+"://") {
			return v, false, nil
		}
		if i.Queries == nil {
			return v, false, fault.New(fault.KindWorkflow, "catalogue query %q: no query expander configured", v.Complex.Href)
		}
		hits, err := i.Queries.ExpandQuery(ctx, v.Complex.Href)
		if err != nil {
			return v, false, err
		}
		if len(hits) == 0 {
			return v, false, fault.New(fault.KindWorkflow, "catalogue query %q matched nothing", v.Complex.Href)
		}
		if len(hits) == 1 {
			return types.Ref(hits[0].Href, hits[0].MediaType), true, nil
		}
		arr := make([]types.Value, len(hits))
		for n, h := range hits {
			arr[n] = types.Ref(h.Href, h.MediaType)
		}
		return types.Value{Kind: types.ValueArray, Array: arr}, true, nil
	case types.ValueArray:
		var out []types.Value
		changed := false
		for _, el := range v.Array {
			ev, ch, err := i.expandValue(ctx, el)
			if err != nil {
				return v, false, err
			}
			changed = changed || ch
			// A query hit list flattens into the surrounding array
			if ev.Kind == types.ValueArray && ch {
				out = append(out, ev.Array...)
				continue
			}
			out = append(out, ev)
		}
		if !changed {
			return v, false, nil
		}
		return types.Value{Kind: types.ValueArray, Array: out}, true, nil
	}
	return v, false, nil
}

func (i *Interpreter) stepPackage(step cwl.Step) (*cwl.Package, error) {
	if step.RunEmbedded != nil {
		pkg, err := cwl.FromTree(step.RunEmbedded)
		if err != nil {
			return nil, fault.Wrap(fault.KindWorkflow, err, "step %s has an invalid embedded tool", step.ID)
		}
		return pkg, nil
	}
	if step.Run == "" {
		return nil, fault.New(fault.KindWorkflow, "step %s has no run target", step.ID)
	}
	pkg, err := i.resolve(step.Run)
	if err != nil {
		return nil, fault.Wrap(fault.KindWorkflow, err, "step %s run target %q not resolvable", step.ID, step.Run)
	}
	return pkg, nil
}

// workflowOutputs maps "step/out" sources onto the workflow output ids.
func (i *Interpreter) workflowOutputs(pkg *cwl.Package, st *run) (map[string]types.Value, error) {
	outputs := make(map[string]types.Value, len(pkg.Outputs))
	for _, out := range pkg.Outputs {
		if out.Source == "" {
			continue
		}
		stepID, outID, isStep := splitSource(out.Source)
		if !isStep {
			return nil, fault.New(fault.KindWorkflow, "workflow output %q has invalid source %q", out.ID, out.Source)
		}
		st.mu.Lock()
		stepOut, ok := st.results[stepID]
		st.mu.Unlock()
		if !ok {
			return nil, fault.New(fault.KindWorkflow, "workflow output %q references step %q which produced nothing", out.ID, stepID)
		}
		v, ok := stepOut[outID]
		if !ok {
			return nil, fault.New(fault.KindWorkflow, "workflow output %q: step %q has no output %q", out.ID, stepID, outID)
		}
		outputs[out.ID] = v
	}
	return outputs, nil
}

// stepProgress maps completed/total onto the reserved progress band.
func stepProgress(completed, total int) int {
	if total == 0 {
		return progressFloor
	}
	span := progressCeil - progressFloor
	return progressFloor + span*completed/total
}

// run is the mutable execution state shared by step goroutines
type run struct {
	mu       sync.Mutex
	inputs   map[string]types.Value
	results  map[string]map[string]types.Value
	done     map[string]bool
	inFlight map[string]bool
	total    int
	launched int
	extended bool
}

func (r *run) allDone() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.done) == r.total
}

func (r *run) ready(d *dag) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.inFlight == nil {
		r.inFlight = make(map[string]bool)
	}
	return d.readySteps(r.done, r.inFlight)
}

func (r *run) markInFlight(id string) {
	r.mu.Lock()
	r.inFlight[id] = true
	r.mu.Unlock()
}

// nextSlot hands out progress slices in launch order.
func (r *run) nextSlot() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	slot := r.launched
	r.launched++
	return slot
}

// complete records step outputs and returns the completed count.
func (r *run) complete(id string, outputs map[string]types.Value) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.inFlight, id)
	r.done[id] = true
	r.results[id] = outputs
	return len(r.done)
}

// stepInputs resolves the step's "in" edges against workflow inputs and
// upstream step outputs.
func (r *run) stepInputs(step cwl.Step) (map[string]types.Value, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	inputs := make(map[string]types.Value, len(step.In))
	for _, in := range step.In {
		var v types.Value
		var have bool

		if in.Source != "" {
			stepID, outID, isStep := splitSource(in.Source)
			if isStep {
				stepOut, ok := r.results[stepID]
				if !ok {
					return nil, fault.New(fault.KindWorkflow, "step %s input %s: upstream %s not finished", step.ID, in.ID, stepID)
				}
				v, have = stepOut[outID]
				if !have {
					return nil, fault.New(fault.KindWorkflow, "step %s input %s: upstream %s has no output %s", step.ID, in.ID, stepID, outID)
				}
			} else {
				v, have = r.inputs[in.Source]
			}
		}
		if !have && in.Default != nil {
			v, have = types.Lit(in.Default), true
		}
		if in.ValueFrom != "" {
			env := expr.Env{
				Inputs:   interfaceMap(r.inputs),
				Self:     v.Interface(),
				Extended: r.extended || step.Requirements.InlineExpr,
			}
			ev, err := expr.Interpolate(in.ValueFrom, env)
			if err != nil {
				return nil, fault.Wrap(fault.KindWorkflow, err, "step %s input %s valueFrom failed", step.ID, in.ID)
			}
			v, have = valueFromAny(ev), true
		}
		if have {
			inputs[in.ID] = v
		}
	}
	return inputs, nil
}

func interfaceMap(m map[string]types.Value) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v.Interface()
	}
	return out
}

func valueFromAny(v any) types.Value {
	switch x := v.(type) {
	case map[string]any:
		c := &types.Complex{}
		if p, ok := x["path"].(string); ok {
			c.Path = p
		}
		if l, ok := x["location"].(string); ok {
			c.Href = l
		}
		if f, ok := x["format"].(string); ok {
			c.MediaType = f
		}
		if c.Path != "" || c.Href != "" {
			return types.Value{Kind: types.ValueComplex, Complex: c}
		}
		return types.Lit(v)
	case []any:
		arr := make([]types.Value, len(x))
		for i, el := range x {
			arr[i] = valueFromAny(el)
		}
		return types.Value{Kind: types.ValueArray, Array: arr}
	default:
		return types.Lit(v)
	}
}
