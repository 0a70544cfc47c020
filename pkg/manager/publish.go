package manager

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/telluric-io/tern/pkg/cwl"
	"github.com/telluric-io/tern/pkg/fault"
	"github.com/telluric-io/tern/pkg/fetch"
	"github.com/telluric-io/tern/pkg/journal"
	"github.com/telluric-io/tern/pkg/types"
	"github.com/telluric-io/tern/pkg/workflow"
)

// restDispatch publishes locally-held inputs before handing a step to a
// downstream processes endpoint.
type restDispatch struct {
	engine *Engine
	rest   workflow.StepRunner
}

func (r restDispatch) RunStep(ctx context.Context, step cwl.Step, pkg *cwl.Package, inputs map[string]types.Value, jnl *journal.Journal) (map[string]types.Value, error) {
	published, err := r.engine.publishInputs(ctx, inputs, jnl)
	if err != nil {
		return nil, err
	}
	return r.rest.RunStep(ctx, step, pkg, published, jnl)
}

// publishInputs rewrites step inputs for remote execution. http(s)
// references pass through untouched so the remote re-fetches them itself;
// s3 and vault references are resolved locally and re-published as job
// workspace URLs the remote can read, as are already-staged local files.
func (e *Engine) publishInputs(ctx context.Context, inputs map[string]types.Value, jnl *journal.Journal) (map[string]types.Value, error) {
	out := make(map[string]types.Value, len(inputs))
	for id, v := range inputs {
		pv, err := e.publishValue(ctx, v, jnl)
		if err != nil {
			return nil, fault.Wrap(fault.KindFetch, err, "failed to publish input %q for remote execution", id)
		}
		out[id] = pv
	}
	return out, nil
}

func (e *Engine) publishValue(ctx context.Context, v types.Value, jnl *journal.Journal) (types.Value, error) {
	switch v.Kind {
	case types.ValueComplex:
		if v.Complex == nil {
			return v, nil
		}
		c := *v.Complex
		if c.Path == "" && c.Href != "" {
			res, err := e.fetcher.Resolve(ctx, c.Href, jnl.InputsDir(), fetch.Policy{SkipHTTP: true})
			if err != nil {
				return v, err
			}
			if res.Path == "" {
				// http(s) stays remote
				return v, nil
			}
			c.Path = res.Path
			if c.MediaType == "" {
				c.MediaType = res.MediaType
			}
		}
		if c.Path != "" {
			href, err := e.workspaceURL(jnl, c.Path)
			if err != nil {
				return v, err
			}
			c.Href = href
		}
		return types.Value{Kind: types.ValueComplex, Complex: &c}, nil
	case types.ValueArray:
		arr := make([]types.Value, len(v.Array))
		for i, el := range v.Array {
			pv, err := e.publishValue(ctx, el, jnl)
			if err != nil {
				return v, err
			}
			arr[i] = pv
		}
		return types.Value{Kind: types.ValueArray, Array: arr}, nil
	}
	return v, nil
}

// workspaceURL maps a staged file onto the public URL the API serves it
// under. Files held outside the job workspace are copied into inputs/
// first.
func (e *Engine) workspaceURL(jnl *journal.Journal, path string) (string, error) {
	jobID := filepath.Base(jnl.Dir())
	base := strings.TrimRight(e.cfg.PublicBaseURL, "/")
	if rel, err := filepath.Rel(jnl.InputsDir(), path); err == nil && !strings.HasPrefix(rel, "..") {
		return fmt.Sprintf("%s/jobs/%s/inputs/%s", base, jobID, filepath.ToSlash(rel)), nil
	}
	if rel, err := filepath.Rel(jnl.OutputsDir(), path); err == nil && !strings.HasPrefix(rel, "..") {
		return fmt.Sprintf("%s/jobs/%s/outputs/%s", base, jobID, filepath.ToSlash(rel)), nil
	}
	dest := filepath.Join(jnl.InputsDir(), filepath.Base(path))
	if err := copyFile(path, dest); err != nil {
		return "", err
	}
	return fmt.Sprintf("%s/jobs/%s/inputs/%s", base, jobID, filepath.Base(path)), nil
}

func copyFile(src, dest string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.Create(dest)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		os.Remove(dest)
		return err
	}
	return out.Close()
}
