package manager

import (
	"context"
	"net/url"
	"sort"

	"github.com/telluric-io/tern/pkg/config"
	"github.com/telluric-io/tern/pkg/cwl"
	"github.com/telluric-io/tern/pkg/fault"
	"github.com/telluric-io/tern/pkg/journal"
	"github.com/telluric-io/tern/pkg/remote"
	"github.com/telluric-io/tern/pkg/types"
	"github.com/telluric-io/tern/pkg/workflow"
)

// localRunner executes one step on this node's container runtime.
type localRunner struct {
	engine *Engine
}

func (l localRunner) RunStep(ctx context.Context, step cwl.Step, pkg *cwl.Package, inputs map[string]types.Value, jnl *journal.Journal) (map[string]types.Value, error) {
	return l.engine.executor.Execute(ctx, pkg, inputs, jnl)
}

// Route selects the runner for one step. Remote-protocol requirements win;
// then data-source mapping picks a downstream executor when this node
// dispatches; everything else runs locally.
func (e *Engine) Route(step cwl.Step, pkg *cwl.Package, inputs map[string]types.Value) (workflow.StepRunner, string, error) {
	proto := step.Requirements.RemoteProtocol()
	if proto == "" {
		proto = pkg.Requirements.RemoteProtocol()
	}
	switch proto {
	case "wps1":
		return remote.NewWPS1(), "wps1", nil
	case "esgf-cwt":
		return remote.NewESGF(), "esgf-cwt", nil
	}

	if e.cfg.Role != config.RoleADES && len(e.cfg.DataSources) > 0 {
		if target := e.cfg.ExecutorFor(inputNetloc(inputs)); target != "" {
			return restDispatch{engine: e, rest: e.restRunner(target)}, "rest", nil
		}
		if e.cfg.Role == config.RoleEMS {
			return nil, "", fault.New(fault.KindWorkflow,
				"no executor mapped for step %q and local execution is disabled", step.ID)
		}
	}
	if e.cfg.Role == config.RoleEMS {
		return nil, "", fault.New(fault.KindWorkflow,
			"no data sources configured and local execution is disabled")
	}
	return localRunner{engine: e}, "local", nil
}

// restRunner returns the cached OGC client adapter for one executor URL.
func (e *Engine) restRunner(base string) *remote.REST {
	e.mu.Lock()
	defer e.mu.Unlock()
	if r, ok := e.restRunners[base]; ok {
		return r
	}
	r := remote.NewREST(base)
	e.restRunners[base] = r
	return r
}

// inputNetloc returns the network location of the first referenced input,
// which is what the data-source rules match against.
func inputNetloc(inputs map[string]types.Value) string {
	ids := make([]string, 0, len(inputs))
	for id := range inputs {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		if loc := valueNetloc(inputs[id]); loc != "" {
			return loc
		}
	}
	return ""
}

func valueNetloc(v types.Value) string {
	switch v.Kind {
	case types.ValueComplex:
		if v.Complex != nil && v.Complex.Href != "" {
			if u, err := url.Parse(v.Complex.Href); err == nil {
				return u.Host
			}
		}
	case types.ValueArray:
		for _, item := range v.Array {
			if loc := valueNetloc(item); loc != "" {
				return loc
			}
		}
	}
	return ""
}
