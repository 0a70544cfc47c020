package executor

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/telluric-io/tern/pkg/cwl"
	"github.com/telluric-io/tern/pkg/fault"
	"github.com/telluric-io/tern/pkg/journal"
	"github.com/telluric-io/tern/pkg/runtime"
	"github.com/telluric-io/tern/pkg/storage"
	"github.com/telluric-io/tern/pkg/types"
)

// fakeRunner records specs and simulates tool behavior without containerd
type fakeRunner struct {
	specs     []runtime.Spec
	exitCodes []int // consumed per call; last value repeats
	stdout    string
	files     map[string]string // relative path under work dir -> content
	calls     int
}

func (f *fakeRunner) Run(ctx context.Context, spec runtime.Spec) (runtime.Result, error) {
	f.specs = append(f.specs, spec)
	if f.stdout != "" && spec.Stdout != nil {
		spec.Stdout.Write([]byte(f.stdout))
	}
	for _, m := range spec.Mounts {
		if m.Destination == ContainerWork {
			for rel, content := range f.files {
				os.WriteFile(filepath.Join(m.Source, rel), []byte(content), 0o644)
			}
		}
	}
	code := 0
	if len(f.exitCodes) > 0 {
		idx := f.calls
		if idx >= len(f.exitCodes) {
			idx = len(f.exitCodes) - 1
		}
		code = f.exitCodes[idx]
	}
	f.calls++
	return runtime.Result{ExitCode: code, Duration: time.Millisecond}, nil
}

func (f *fakeRunner) Close() error { return nil }

func newJournal(t *testing.T) *journal.Journal {
	t.Helper()
	store, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	require.NoError(t, store.PutJob(&types.Job{
		ID:      "test-job",
		Status:  types.StatusRunning,
		Created: time.Now().UTC(),
		Updated: time.Now().UTC(),
	}))
	jnl, err := journal.New(store, t.TempDir(), "test-job", nil)
	require.NoError(t, err)
	t.Cleanup(jnl.Close)
	return jnl
}

func parseTool(t *testing.T, doc string) *cwl.Package {
	t.Helper()
	pkg, err := cwl.Parse([]byte(doc))
	require.NoError(t, err)
	return pkg
}

const resampleTool = `
cwlVersion: v1.0
class: CommandLineTool
baseCommand: [gdal_translate]
requirements:
  DockerRequirement:
    dockerPull: docker.io/osgeo/gdal:3.8.0
inputs:
  scene:
    type: File
    inputBinding:
      position: 1
  scale:
    type: int
    inputBinding:
      position: 2
      prefix: -outsize
  bands:
    type: int[]
    inputBinding:
      position: 3
      prefix: -b
      itemSeparator: ","
  verbose:
    type: boolean?
    inputBinding:
      position: 0
      prefix: -q
outputs:
  resampled:
    type: File
    outputBinding:
      glob: "*.tif"
`

func TestExecuteAssemblesCommand(t *testing.T) {
	runner := &fakeRunner{files: map[string]string{"out.tif": "tiff"}}
	jnl := newJournal(t)
	scene := filepath.Join(jnl.InputsDir(), "scene.tif")
	require.NoError(t, os.WriteFile(scene, []byte("data"), 0o644))

	ex := New(runner, nil)
	outputs, err := ex.Execute(context.Background(), parseTool(t, resampleTool), map[string]types.Value{
		"scene":   types.File(scene, "image/tiff"),
		"scale":   types.Lit(int64(50)),
		"bands":   types.Arr(types.Lit(int64(1)), types.Lit(int64(2)), types.Lit(int64(3))),
		"verbose": types.Lit(true),
	}, jnl)
	require.NoError(t, err)

	require.Len(t, runner.specs, 1)
	spec := runner.specs[0]
	assert.Equal(t, []string{
		"gdal_translate",
		"-q",
		ContainerInputs + "/scene.tif",
		"-outsize", "50",
		"-b", "1,2,3",
	}, spec.Command)
	assert.Equal(t, "docker.io/osgeo/gdal:3.8.0", spec.Image)
	assert.Equal(t, ContainerWork, spec.WorkDir)

	out, ok := outputs["resampled"]
	require.True(t, ok)
	assert.Equal(t, filepath.Join(jnl.OutputsDir(), "out.tif"), out.Complex.Path)
	assert.Equal(t, "image/tiff", out.Complex.MediaType)
}

func TestExecuteFalseBooleanOmitsFlag(t *testing.T) {
	runner := &fakeRunner{files: map[string]string{"out.tif": "tiff"}}
	jnl := newJournal(t)
	scene := filepath.Join(jnl.InputsDir(), "scene.tif")
	require.NoError(t, os.WriteFile(scene, []byte("data"), 0o644))

	ex := New(runner, nil)
	_, err := ex.Execute(context.Background(), parseTool(t, resampleTool), map[string]types.Value{
		"scene":   types.File(scene, "image/tiff"),
		"scale":   types.Lit(int64(50)),
		"bands":   types.Arr(types.Lit(int64(1))),
		"verbose": types.Lit(false),
	}, jnl)
	require.NoError(t, err)
	assert.NotContains(t, runner.specs[0].Command, "-q")
}

func TestExecuteMissingRequiredInput(t *testing.T) {
	runner := &fakeRunner{}
	ex := New(runner, nil)
	_, err := ex.Execute(context.Background(), parseTool(t, resampleTool), map[string]types.Value{}, newJournal(t))
	require.Error(t, err)
	assert.Equal(t, fault.KindValidation, fault.KindOf(err))
	assert.Zero(t, runner.calls)
}

const retryTool = `
cwlVersion: v1.0
class: CommandLineTool
baseCommand: [process]
requirements:
  DockerRequirement:
    dockerPull: example.com/tool:1.0
successCodes: [0]
temporaryFailCodes: [75]
permanentFailCodes: [64]
inputs: {}
outputs:
  report:
    type: File?
    outputBinding:
      glob: report.json
`

func TestExecuteRetriesTemporaryFailure(t *testing.T) {
	runner := &fakeRunner{exitCodes: []int{75, 75, 0}, files: map[string]string{"report.json": "{}"}}
	ex := New(runner, nil)

	_, err := ex.Execute(context.Background(), parseTool(t, retryTool), nil, newJournal(t))
	require.NoError(t, err)
	assert.Equal(t, 3, runner.calls)
}

func TestExecuteTemporaryFailureExhaustsRetries(t *testing.T) {
	runner := &fakeRunner{exitCodes: []int{75}}
	ex := New(runner, nil)

	_, err := ex.Execute(context.Background(), parseTool(t, retryTool), nil, newJournal(t))
	require.Error(t, err)
	assert.Equal(t, fault.KindPackageExecution, fault.KindOf(err))
	assert.Equal(t, 3, runner.calls, "one attempt plus two retries")
}

func TestExecutePermanentFailureNoRetry(t *testing.T) {
	runner := &fakeRunner{exitCodes: []int{64}}
	ex := New(runner, nil)

	_, err := ex.Execute(context.Background(), parseTool(t, retryTool), nil, newJournal(t))
	require.Error(t, err)
	assert.Equal(t, fault.KindPackageExecution, fault.KindOf(err))
	assert.Equal(t, 1, runner.calls)
}

const stdoutTool = `
cwlVersion: v1.0
class: CommandLineTool
baseCommand: [wc, -l]
stdout: count.txt
requirements:
  DockerRequirement:
    dockerPull: docker.io/library/busybox:1.36
inputs: {}
outputs:
  count:
    type: File
    outputBinding:
      glob: count.txt
`

func TestExecuteCapturesStdout(t *testing.T) {
	runner := &fakeRunner{stdout: "42\n"}
	jnl := newJournal(t)
	ex := New(runner, nil)

	outputs, err := ex.Execute(context.Background(), parseTool(t, stdoutTool), nil, jnl)
	require.NoError(t, err)

	out := outputs["count"]
	require.NotNil(t, out.Complex)
	data, err := os.ReadFile(out.Complex.Path)
	require.NoError(t, err)
	assert.Equal(t, "42\n", string(data))
}

const envTool = `
cwlVersion: v1.0
class: CommandLineTool
baseCommand: [env]
requirements:
  DockerRequirement:
    dockerPull: docker.io/library/busybox:1.36
  EnvVarRequirement:
    envDef:
      GDAL_CACHEMAX: "512"
  ResourceRequirement:
    coresMin: 2
    ramMin: 2048
  NetworkAccess:
    networkAccess: true
inputs: {}
outputs: {}
`

func TestExecuteAppliesRequirements(t *testing.T) {
	runner := &fakeRunner{}
	ex := New(runner, nil)

	_, err := ex.Execute(context.Background(), parseTool(t, envTool), nil, newJournal(t))
	require.NoError(t, err)

	spec := runner.specs[0]
	assert.Contains(t, spec.Env, "GDAL_CACHEMAX=512")
	assert.Equal(t, float64(2), spec.CPUCores)
	assert.Equal(t, int64(2048), spec.MemoryMiB)
	assert.True(t, spec.NetworkAccess)
}

func TestExecuteBindMountsInputsOutsideJobDir(t *testing.T) {
	runner := &fakeRunner{files: map[string]string{"out.tif": "tiff"}}
	jnl := newJournal(t)
	// An allow-listed local file that was never copied under the job dir
	hostDir := t.TempDir()
	scene := filepath.Join(hostDir, "scene.tif")
	require.NoError(t, os.WriteFile(scene, []byte("data"), 0o644))

	ex := New(runner, nil)
	_, err := ex.Execute(context.Background(), parseTool(t, resampleTool), map[string]types.Value{
		"scene":   types.File(scene, "image/tiff"),
		"scale":   types.Lit(int64(50)),
		"bands":   types.Arr(types.Lit(int64(1))),
		"verbose": types.Lit(false),
	}, jnl)
	require.NoError(t, err)

	spec := runner.specs[0]
	want := ContainerInputs + "/host/scene.tif"
	assert.Contains(t, spec.Command, want)

	var mounted *runtime.Mount
	for i := range spec.Mounts {
		if spec.Mounts[i].Destination == want {
			mounted = &spec.Mounts[i]
		}
	}
	require.NotNil(t, mounted, "the argv path must be backed by a mount")
	assert.Equal(t, scene, mounted.Source)
	assert.True(t, mounted.ReadOnly)
}

const exprTool = `
cwlVersion: v1.0
class: CommandLineTool
baseCommand: [convert]
arguments: ["$(inputs.scale * 2)"]
requirements:
  DockerRequirement:
    dockerPull: example.com/tool:1.0
inputs:
  scale:
    type: int
outputs: {}
`

func TestExecuteExtendedExpressionsNeedHint(t *testing.T) {
	runner := &fakeRunner{}
	ex := New(runner, nil)

	_, err := ex.Execute(context.Background(), parseTool(t, exprTool), map[string]types.Value{
		"scale": types.Lit(int64(4)),
	}, newJournal(t))
	require.Error(t, err)
	assert.Equal(t, fault.KindPackageExecution, fault.KindOf(err))
	assert.Zero(t, runner.calls)
}

func TestExecuteExtendedExpressionsWithHint(t *testing.T) {
	hinted := exprTool + `hints:
  InlineJavascriptRequirement: {}
`
	runner := &fakeRunner{}
	ex := New(runner, nil)

	_, err := ex.Execute(context.Background(), parseTool(t, hinted), map[string]types.Value{
		"scale": types.Lit(int64(4)),
	}, newJournal(t))
	require.NoError(t, err)
	assert.Contains(t, runner.specs[0].Command, "8")
}

func TestExecuteExtendedExpressionsGlobalOverride(t *testing.T) {
	runner := &fakeRunner{}
	ex := New(runner, nil)
	ex.ExprEnabled = true

	_, err := ex.Execute(context.Background(), parseTool(t, exprTool), map[string]types.Value{
		"scale": types.Lit(int64(4)),
	}, newJournal(t))
	require.NoError(t, err)
	assert.Contains(t, runner.specs[0].Command, "8")
}

func TestExecuteRejectsNonTool(t *testing.T) {
	doc := `
cwlVersion: v1.0
class: Workflow
inputs: {}
outputs: {}
steps: {}
`
	ex := New(&fakeRunner{}, nil)
	_, err := ex.Execute(context.Background(), parseTool(t, doc), nil, newJournal(t))
	require.Error(t, err)
	assert.Equal(t, fault.KindPackageExecution, fault.KindOf(err))
}
