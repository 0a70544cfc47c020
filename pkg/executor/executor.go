// Package executor runs a single CommandLineTool Application Package:
// staging, command assembly, container execution with retry, and output
// collection.
package executor

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/rs/zerolog"

	"github.com/telluric-io/tern/pkg/cwl"
	"github.com/telluric-io/tern/pkg/expr"
	"github.com/telluric-io/tern/pkg/fault"
	"github.com/telluric-io/tern/pkg/fetch"
	"github.com/telluric-io/tern/pkg/journal"
	"github.com/telluric-io/tern/pkg/log"
	"github.com/telluric-io/tern/pkg/metrics"
	"github.com/telluric-io/tern/pkg/runtime"
	"github.com/telluric-io/tern/pkg/types"
)

// Container mount points for the three job directories
const (
	ContainerInputs  = "/tern/inputs"
	ContainerWork    = "/tern/work"
	ContainerOutputs = "/tern/outputs"
	ContainerTmp     = "/tmp"
)

const maxToolRetries = 2 // additional attempts after a temporary failure

// Executor runs CommandLineTool packages
type Executor struct {
	runner  runtime.Runner
	fetcher *fetch.Fetcher
	logger  zerolog.Logger

	// UID/GID override applied to every tool container; nil keeps the
	// image default
	UID *uint32
	GID *uint32

	// ExprEnabled admits the extended expression grammar for every
	// package; otherwise packages opt in via the inline-expression hint
	ExprEnabled bool
}

// New creates an executor backed by the given runner and fetcher.
func New(runner runtime.Runner, fetcher *fetch.Fetcher) *Executor {
	return &Executor{
		runner:  runner,
		fetcher: fetcher,
		logger:  log.WithComponent("executor"),
	}
}

// Execute runs pkg with the given inputs. Complex inputs are staged under
// the journal's inputs directory, outputs are collected into its outputs
// directory. Temporary failures retry up to two more times.
func (e *Executor) Execute(ctx context.Context, pkg *cwl.Package, inputs map[string]types.Value, jnl *journal.Journal) (map[string]types.Value, error) {
	if pkg.Class != cwl.ClassCommandLineTool {
		return nil, fault.New(fault.KindPackageExecution, "package class %q is not executable as a tool", pkg.Class)
	}
	if pkg.Requirements.DockerPull == "" {
		return nil, fault.New(fault.KindPackageExecution, "package has no container image")
	}

	jnl.Progress(2, "staging inputs")
	hm := &hostMounts{}
	staged, err := e.stageInputs(ctx, pkg, inputs, jnl, hm)
	if err != nil {
		return nil, err
	}

	env := e.exprEnv(pkg, staged)

	if err := e.stageWorkDir(pkg, env, jnl); err != nil {
		return nil, err
	}

	argv, err := assembleCommand(pkg, staged, env)
	if err != nil {
		return nil, err
	}
	envp, err := processEnv(pkg, env)
	if err != nil {
		return nil, err
	}

	jnl.Logf("info", types.SourceSetup, "command: %v", argv)
	jnl.Progress(10, "executing tool")

	exitCode, err := e.runWithRetry(ctx, pkg, argv, envp, hm.mounts(), jnl)
	if err != nil {
		return nil, err
	}
	if !successCode(pkg, exitCode) {
		jnl.Exception(string(fault.KindPackageExecution),
			fmt.Sprintf("tool exited with code %d", exitCode), "")
		return nil, fault.New(fault.KindPackageExecution, "tool exited with code %d", exitCode)
	}

	jnl.Progress(90, "collecting outputs")
	outputs, err := collectOutputs(pkg, env, jnl)
	if err != nil {
		return nil, err
	}
	jnl.Progress(95, "outputs collected")
	return outputs, nil
}

// stagedInput pairs the engine value with its in-container rendering
type stagedInput struct {
	value     types.Value
	container types.Value // same value with paths rewritten to mount points
}

func (e *Executor) stageInputs(ctx context.Context, pkg *cwl.Package, inputs map[string]types.Value, jnl *journal.Journal, hm *hostMounts) (map[string]stagedInput, error) {
	staged := make(map[string]stagedInput, len(inputs))
	for _, in := range pkg.Inputs {
		v, ok := inputs[in.ID]
		if !ok {
			if in.Default != nil {
				v = types.Lit(in.Default)
			} else if in.Type.Optional {
				continue
			} else {
				return nil, fault.New(fault.KindValidation, "missing required input %q", in.ID)
			}
		}
		hv, cv, err := e.stageValue(ctx, v, jnl, hm)
		if err != nil {
			return nil, err
		}
		staged[in.ID] = stagedInput{value: hv, container: cv}
	}
	return staged, nil
}

// stageValue materializes complex values. It returns the host-side value
// (staged paths) and its in-container rendering (mount-point paths).
func (e *Executor) stageValue(ctx context.Context, v types.Value, jnl *journal.Journal, hm *hostMounts) (types.Value, types.Value, error) {
	switch v.Kind {
	case types.ValueComplex:
		c := *v.Complex
		if c.Body != "" && c.Path == "" {
			// Inline complex input: write it out as a file
			dest, err := uniquePath(filepath.Join(jnl.InputsDir(), "inline"))
			if err != nil {
				return v, v, fault.Wrap(fault.KindPackageStaging, err, "failed to stage inline input")
			}
			if err := os.WriteFile(dest, []byte(c.Body), 0o644); err != nil {
				return v, v, fault.Wrap(fault.KindPackageStaging, err, "failed to stage inline input")
			}
			c.Path = dest
		}
		if c.Path == "" && c.Href != "" {
			jnl.Logf("info", types.SourceSetup, "fetching %s", c.Href)
			res, err := e.fetcher.Resolve(ctx, c.Href, jnl.InputsDir(), fetch.Policy{})
			if err != nil {
				jnl.Exception(string(fault.KindFetch), fault.Summary(err), "")
				return v, v, err
			}
			c.Path = res.Path
			if c.MediaType == "" {
				c.MediaType = res.MediaType
			}
			if c.Path == "" {
				// Catalogue queries are expanded by the workflow
				// interpreter and must not reach a tool unresolved
				return v, v, fault.New(fault.KindPackageStaging,
					"reference %q did not resolve to a local file", c.Href)
			}
		}
		cc := c
		cc.Path = containerPath(c.Path, jnl, hm)
		return types.Value{Kind: types.ValueComplex, Complex: &c},
			types.Value{Kind: types.ValueComplex, Complex: &cc}, nil
	case types.ValueArray:
		host := make([]types.Value, len(v.Array))
		cont := make([]types.Value, len(v.Array))
		for i, el := range v.Array {
			hv, cv, err := e.stageValue(ctx, el, jnl, hm)
			if err != nil {
				return v, v, err
			}
			host[i] = hv
			cont[i] = cv
		}
		return types.Value{Kind: types.ValueArray, Array: host},
			types.Value{Kind: types.ValueArray, Array: cont}, nil
	}
	return v, v, nil
}

// containerPath maps a host path under the job directory to its mount point.
func containerPath(host string, jnl *journal.Journal, hm *hostMounts) string {
	switch {
	case host == "":
		return ""
	case within(host, jnl.InputsDir()):
		rel, _ := filepath.Rel(jnl.InputsDir(), host)
		return filepath.Join(ContainerInputs, rel)
	case within(host, jnl.WorkDir()):
		rel, _ := filepath.Rel(jnl.WorkDir(), host)
		return filepath.Join(ContainerWork, rel)
	case within(host, jnl.OutputsDir()):
		rel, _ := filepath.Rel(jnl.OutputsDir(), host)
		return filepath.Join(ContainerOutputs, rel)
	}
	// Paths outside the job directory (file:// allow-list) get their own
	// read-only bind at a stable location derived from the base name.
	return hm.add(host)
}

// hostMounts accumulates the per-file binds for staged inputs living
// outside the job directory.
type hostMounts struct {
	byDest map[string]string // container destination -> host source
}

func (m *hostMounts) add(host string) string {
	if m.byDest == nil {
		m.byDest = make(map[string]string)
	}
	base := filepath.Base(host)
	dest := filepath.Join(ContainerInputs, "host", base)
	for i := 1; ; i++ {
		if src, ok := m.byDest[dest]; !ok || src == host {
			m.byDest[dest] = host
			return dest
		}
		// Another file already claimed this base name
		dest = filepath.Join(ContainerInputs, "host", fmt.Sprintf("%d_%s", i, base))
	}
}

func (m *hostMounts) mounts() []runtime.Mount {
	if len(m.byDest) == 0 {
		return nil
	}
	dests := make([]string, 0, len(m.byDest))
	for d := range m.byDest {
		dests = append(dests, d)
	}
	sort.Strings(dests)
	out := make([]runtime.Mount, 0, len(dests))
	for _, d := range dests {
		out = append(out, runtime.Mount{Source: m.byDest[d], Destination: d, ReadOnly: true})
	}
	return out
}

func within(path, root string) bool {
	rel, err := filepath.Rel(root, path)
	return err == nil && rel != ".." && !filepath.IsAbs(rel) && (rel == "." || !hasDotDot(rel))
}

func hasDotDot(rel string) bool {
	return rel == ".." || len(rel) >= 3 && rel[:3] == ".."+string(filepath.Separator)
}

// stageWorkDir materializes InitialWorkDirRequirement listings.
func (e *Executor) stageWorkDir(pkg *cwl.Package, env expr.Env, jnl *journal.Journal) error {
	for _, f := range pkg.Requirements.InitialWork {
		content := f.Entry
		if expr.HasRef(content) {
			v, err := expr.Interpolate(content, env)
			if err != nil {
				return fault.Wrap(fault.KindPackageStaging, err, "failed to evaluate staged file %q", f.Name)
			}
			if s, ok := v.(string); ok {
				content = s
			} else {
				s, err := expr.ToJSON(v)
				if err != nil {
					return fault.Wrap(fault.KindPackageStaging, err, "failed to render staged file %q", f.Name)
				}
				content = s
			}
		}
		dest := filepath.Join(jnl.WorkDir(), filepath.Base(f.Name))
		if err := os.WriteFile(dest, []byte(content), 0o644); err != nil {
			return fault.Wrap(fault.KindPackageStaging, err, "failed to stage file %q", f.Name)
		}
		jnl.Logf("info", types.SourceSetup, "staged %s", f.Name)
	}
	return nil
}

// exprEnv builds the expression environment with in-container paths.
func (e *Executor) exprEnv(pkg *cwl.Package, staged map[string]stagedInput) expr.Env {
	inputs := make(map[string]any, len(staged))
	for id, s := range staged {
		inputs[id] = s.container.Interface()
	}
	cores := pkg.Requirements.CoresMin
	if cores == 0 {
		cores = 1
	}
	ram := pkg.Requirements.RAMMin
	if ram == 0 {
		ram = 256
	}
	return expr.Env{
		Inputs: inputs,
		Runtime: map[string]any{
			"outdir": ContainerWork,
			"tmpdir": ContainerTmp,
			"cores":  int64(cores),
			"ram":    ram,
		},
		Extended: pkg.Requirements.InlineExpr || e.ExprEnabled,
	}
}

// processEnv renders EnvVarRequirement entries, interpolating references.
func processEnv(pkg *cwl.Package, env expr.Env) ([]string, error) {
	out := make([]string, 0, len(pkg.Requirements.Env)+1)
	out = append(out, "HOME="+ContainerWork)
	for _, k := range sortedKeys(pkg.Requirements.Env) {
		v := pkg.Requirements.Env[k]
		if expr.HasRef(v) {
			ev, err := expr.Interpolate(v, env)
			if err != nil {
				return nil, fault.Wrap(fault.KindPackageStaging, err, "failed to evaluate env %s", k)
			}
			v = fmt.Sprintf("%v", ev)
		}
		out = append(out, k+"="+v)
	}
	return out, nil
}

// runWithRetry executes the container, retrying temporary exit codes.
func (e *Executor) runWithRetry(ctx context.Context, pkg *cwl.Package, argv, envp []string, binds []runtime.Mount, jnl *journal.Journal) (int, error) {
	attempts := 1 + maxToolRetries
	var exitCode int
	for attempt := 1; attempt <= attempts; attempt++ {
		code, err := e.runOnce(ctx, pkg, argv, envp, binds, jnl, attempt)
		if err != nil {
			if ctx.Err() != nil {
				return 0, fault.Wrap(fault.KindCancelled, ctx.Err(), "tool execution cancelled")
			}
			return 0, err
		}
		exitCode = code
		if successCode(pkg, code) || !tempFailCode(pkg, code) {
			return code, nil
		}
		if attempt < attempts {
			jnl.Logf("warn", types.SourceSystem,
				"tool exited with temporary failure code %d, retrying (attempt %d/%d)", code, attempt+1, attempts)
		}
	}
	return exitCode, nil
}

func (e *Executor) runOnce(ctx context.Context, pkg *cwl.Package, argv, envp []string, binds []runtime.Mount, jnl *journal.Journal, attempt int) (int, error) {
	stdout := runtime.NewLineWriter(func(line string) {
		jnl.Log("info", types.SourceStdout, line)
	})
	stderr := runtime.NewLineWriter(func(line string) {
		jnl.Log("info", types.SourceStderr, line)
	})
	defer stdout.Flush()
	defer stderr.Flush()

	var stdoutFile *os.File
	var w = stdout
	if pkg.Stdout != "" {
		// stdout is also captured as a file in the working directory so
		// stdout-typed outputs can collect it
		f, err := os.Create(filepath.Join(jnl.WorkDir(), filepath.Base(pkg.Stdout)))
		if err != nil {
			return 0, fault.Wrap(fault.KindPackageStaging, err, "failed to create stdout capture")
		}
		stdoutFile = f
		defer stdoutFile.Close()
	}

	spec := runtime.Spec{
		Name:    fmt.Sprintf("%s-%d-%d", filepath.Base(jnl.Dir()), attempt, time.Now().UnixNano()),
		Image:   pkg.Requirements.DockerPull,
		Command: argv,
		Env:     envp,
		WorkDir: ContainerWork,
		Mounts: append([]runtime.Mount{
			{Source: jnl.InputsDir(), Destination: ContainerInputs, ReadOnly: true},
			{Source: jnl.WorkDir(), Destination: ContainerWork},
			{Source: jnl.OutputsDir(), Destination: ContainerOutputs},
		}, binds...),
		CPUCores:      float64(pkg.Requirements.CoresMin),
		MemoryMiB:     pkg.Requirements.RAMMin,
		NetworkAccess: pkg.Requirements.NetworkAccess,
		UID:           e.UID,
		GID:           e.GID,
		Stdout:        teeWriter(w, stdoutFile),
		Stderr:        stderr,
	}

	started := time.Now()
	res, err := e.runner.Run(ctx, spec)
	outcome := "ok"
	if err != nil || res.ExitCode != 0 {
		outcome = "error"
	}
	metrics.StepsTotal.WithLabelValues("local", outcome).Inc()
	metrics.StepDuration.Observe(time.Since(started).Seconds())
	if err != nil {
		return 0, fault.Wrap(fault.KindPackageExecution, err, "container execution failed")
	}
	return res.ExitCode, nil
}

func successCode(pkg *cwl.Package, code int) bool {
	codes := pkg.SuccessCodes
	if len(codes) == 0 {
		codes = []int{0}
	}
	for _, c := range codes {
		if c == code {
			return true
		}
	}
	return false
}

func tempFailCode(pkg *cwl.Package, code int) bool {
	for _, c := range pkg.TempFail {
		if c == code {
			return true
		}
	}
	return false
}
