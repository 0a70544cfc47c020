package workflow

import (
	"sort"
	"strings"

	"github.com/telluric-io/tern/pkg/cwl"
	"github.com/telluric-io/tern/pkg/fault"
)

// node is one step plus its resolved dependency edges
type node struct {
	step cwl.Step
	deps map[string]bool // step IDs this node consumes from
}

// dag is the validated step graph of a Workflow package
type dag struct {
	nodes map[string]*node
	order []string // topological order, deterministic
}

// buildDAG validates edges and computes a topological order. Unknown
// sources are workflow errors; cycles are reported with the member steps.
func buildDAG(pkg *cwl.Package) (*dag, error) {
	d := &dag{nodes: make(map[string]*node, len(pkg.Steps))}

	stepIDs := make(map[string]bool, len(pkg.Steps))
	for _, s := range pkg.Steps {
		if stepIDs[s.ID] {
			return nil, fault.New(fault.KindWorkflow, "duplicate step id %q", s.ID)
		}
		stepIDs[s.ID] = true
	}

	inputIDs := make(map[string]bool, len(pkg.Inputs))
	for _, in := range pkg.Inputs {
		inputIDs[in.ID] = true
	}

	for _, s := range pkg.Steps {
		n := &node{step: s, deps: make(map[string]bool)}
		for _, in := range s.In {
			if in.Source == "" {
				continue
			}
			stepID, _, isStep := splitSource(in.Source)
			if isStep {
				if !stepIDs[stepID] {
					return nil, fault.New(fault.KindWorkflow,
						"step %q input %q references unknown step %q", s.ID, in.ID, stepID)
				}
				if stepID == s.ID {
					return nil, fault.New(fault.KindWorkflowCycle, "step %q depends on itself", s.ID)
				}
				n.deps[stepID] = true
			} else if !inputIDs[in.Source] {
				return nil, fault.New(fault.KindWorkflow,
					"step %q input %q references unknown workflow input %q", s.ID, in.ID, in.Source)
			}
		}
		d.nodes[s.ID] = n
	}

	if err := d.sort(); err != nil {
		return nil, err
	}
	return d, nil
}

// splitSource parses "step/out" edges; a bare name is a workflow input.
func splitSource(source string) (stepID, outID string, isStep bool) {
	idx := strings.Index(source, "/")
	if idx < 0 {
		return "", source, false
	}
	return source[:idx], source[idx+1:], true
}

// sort runs Kahn's algorithm; leftover nodes are a cycle.
func (d *dag) sort() error {
	indegree := make(map[string]int, len(d.nodes))
	for id, n := range d.nodes {
		indegree[id] = len(n.deps)
	}

	var ready []string
	for id, deg := range indegree {
		if deg == 0 {
			ready = append(ready, id)
		}
	}
	sort.Strings(ready)

	for len(ready) > 0 {
		id := ready[0]
		ready = ready[1:]
		d.order = append(d.order, id)

		var unlocked []string
		for other, n := range d.nodes {
			if n.deps[id] {
				indegree[other]--
				if indegree[other] == 0 {
					unlocked = append(unlocked, other)
				}
			}
		}
		sort.Strings(unlocked)
		ready = append(ready, unlocked...)
	}

	if len(d.order) != len(d.nodes) {
		var cycle []string
		for id := range d.nodes {
			found := false
			for _, done := range d.order {
				if done == id {
					found = true
					break
				}
			}
			if !found {
				cycle = append(cycle, id)
			}
		}
		sort.Strings(cycle)
		return fault.New(fault.KindWorkflowCycle, "workflow has a cycle among steps: %s", strings.Join(cycle, ", "))
	}
	return nil
}

// readySteps returns steps whose dependencies are all in done, excluding
// those already done or in flight.
func (d *dag) readySteps(done, inFlight map[string]bool) []string {
	var ready []string
	for _, id := range d.order {
		if done[id] || inFlight[id] {
			continue
		}
		ok := true
		for dep := range d.nodes[id].deps {
			if !done[dep] {
				ok = false
				break
			}
		}
		if ok {
			ready = append(ready, id)
		}
	}
	return ready
}
