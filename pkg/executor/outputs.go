package executor

import (
	"os"
	"path/filepath"
	"sort"

	"github.com/telluric-io/tern/pkg/cwl"
	"github.com/telluric-io/tern/pkg/expr"
	"github.com/telluric-io/tern/pkg/fault"
	"github.com/telluric-io/tern/pkg/journal"
	"github.com/telluric-io/tern/pkg/reconciler"
	"github.com/telluric-io/tern/pkg/types"
)

// collectOutputs gathers declared outputs from the working directory and
// moves them into the journal's outputs directory.
func collectOutputs(pkg *cwl.Package, env expr.Env, jnl *journal.Journal) (map[string]types.Value, error) {
	outputs := make(map[string]types.Value, len(pkg.Outputs))
	for _, out := range pkg.Outputs {
		v, found, err := collectOne(out, pkg, env, jnl)
		if err != nil {
			return nil, err
		}
		if !found {
			if out.Type.Optional {
				continue
			}
			return nil, fault.New(fault.KindPackageOutputCollection, "output %q produced no files", out.ID)
		}
		outputs[out.ID] = v
	}
	return outputs, nil
}

func collectOne(out cwl.Output, pkg *cwl.Package, env expr.Env, jnl *journal.Journal) (types.Value, bool, error) {
	if out.Type.Name == "stdout" || (out.Binding == nil && pkg.Stdout != "" && out.Type.Name == "File") {
		return collectStdout(pkg, jnl)
	}
	if out.Binding == nil {
		return types.Value{}, false, nil
	}

	matches, err := globMatches(out, env, jnl)
	if err != nil {
		return types.Value{}, false, err
	}

	if out.Binding.OutputEval != "" {
		return evalOutput(out, matches, env)
	}

	files := make([]types.Value, 0, len(matches))
	for _, m := range matches {
		moved, err := moveToOutputs(m, jnl)
		if err != nil {
			return types.Value{}, false, err
		}
		files = append(files, types.File(moved, outputMediaType(out, moved)))
	}

	switch {
	case len(files) == 0:
		return types.Value{}, false, nil
	case out.Type.IsArray:
		return types.Value{Kind: types.ValueArray, Array: files}, true, nil
	default:
		return files[0], true, nil
	}
}

func collectStdout(pkg *cwl.Package, jnl *journal.Journal) (types.Value, bool, error) {
	if pkg.Stdout == "" {
		return types.Value{}, false, nil
	}
	src := filepath.Join(jnl.WorkDir(), filepath.Base(pkg.Stdout))
	if _, err := os.Stat(src); err != nil {
		return types.Value{}, false, nil
	}
	moved, err := moveToOutputs(src, jnl)
	if err != nil {
		return types.Value{}, false, err
	}
	return types.File(moved, reconciler.MediaTypeFromExtension(moved)), true, nil
}

// globMatches expands the output's glob patterns over the working directory.
// Matches are sorted for deterministic ordering.
func globMatches(out cwl.Output, env expr.Env, jnl *journal.Journal) ([]string, error) {
	var matches []string
	seen := make(map[string]bool)
	for _, pattern := range out.Binding.Glob {
		if expr.HasRef(pattern) {
			v, err := expr.Interpolate(pattern, env)
			if err != nil {
				return nil, fault.Wrap(fault.KindPackageOutputCollection, err, "failed to evaluate glob for %q", out.ID)
			}
			pattern = valueString(v)
		}
		// Globs are rooted at the working directory; absolute patterns and
		// traversal cannot escape it.
		pattern = filepath.Join(jnl.WorkDir(), filepath.Clean("/"+pattern))
		found, err := filepath.Glob(pattern)
		if err != nil {
			return nil, fault.Wrap(fault.KindPackageOutputCollection, err, "bad glob for output %q", out.ID)
		}
		for _, f := range found {
			if !seen[f] {
				seen[f] = true
				matches = append(matches, f)
			}
		}
	}
	sort.Strings(matches)
	return matches, nil
}

// evalOutput applies outputEval with self bound to the matched file objects.
func evalOutput(out cwl.Output, matches []string, env expr.Env) (types.Value, bool, error) {
	self := make([]any, len(matches))
	for i, m := range matches {
		self[i] = map[string]any{
			"class":    "File",
			"path":     m,
			"basename": filepath.Base(m),
		}
	}
	scoped := env
	scoped.Self = self
	v, err := expr.Interpolate(out.Binding.OutputEval, scoped)
	if err != nil {
		return types.Value{}, false, fault.Wrap(fault.KindPackageOutputCollection, err, "failed to evaluate output %q", out.ID)
	}
	if v == nil {
		return types.Value{}, false, nil
	}
	return fromInterface(v), true, nil
}

func moveToOutputs(src string, jnl *journal.Journal) (string, error) {
	dest := filepath.Join(jnl.OutputsDir(), filepath.Base(src))
	dest, err := uniquePath(dest)
	if err != nil {
		return "", fault.Wrap(fault.KindPackageOutputCollection, err, "failed to place output")
	}
	if err := os.Rename(src, dest); err != nil {
		return "", fault.Wrap(fault.KindPackageOutputCollection, err, "failed to move output %s", filepath.Base(src))
	}
	return dest, nil
}

func outputMediaType(out cwl.Output, path string) string {
	if len(out.Format) > 0 {
		if mt := reconciler.MediaTypeFromFormat(out.Format[0]); mt != "" {
			return mt
		}
	}
	return reconciler.MediaTypeFromExtension(path)
}
